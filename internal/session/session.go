package session

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

var (
	// ErrSessionNotFound covers unknown, evicted, idle-expired and closed sessions alike
	ErrSessionNotFound = errors.New("session not found")

	// ErrShuttingDown is returned by Create once Shutdown has started
	ErrShuttingDown = errors.New("session manager is shutting down")
)

// Transport is one session's duplex MCP connection. Close must be safe to call
// more than once and while a request is still being served.
type Transport interface {
	http.Handler
	Close() error
}

// CloseListener is told when a transport closes on its own, for example after
// the client sends DELETE
type CloseListener interface {
	TransportClosed(sessionID string)
}

// TransportFactory creates the transport bound to a new session id
type TransportFactory interface {
	NewTransport(sessionID string, listener CloseListener) (Transport, error)
}

// Session binds a session id to its transport
type Session struct {
	id           string
	transport    Transport
	createdAt    time.Time
	lastActivity atomic.Int64 // unix nanos
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Transport() Transport {
	return s.transport
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// ServeHTTP forwards a request to the session's transport
func (s *Session) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.transport.ServeHTTP(w, r)
}

package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dgellow/quire-mcp/internal/cache"
	"github.com/dgellow/quire-mcp/internal/log"
)

const (
	// DefaultMaxSessions bounds concurrent sessions; the least recently used is evicted past it
	DefaultMaxSessions = 1000

	// DefaultIdleTimeout is how long a session may go without a request
	DefaultIdleTimeout = 30 * time.Minute
)

// Manager maps session ids to transports under a fixed capacity
type Manager struct {
	sessions    *cache.BoundedCache[string, *Session]
	factory     TransportFactory
	maxSessions int
	idleTimeout time.Duration
	now         func() time.Time
	newID       func() string
	closing     atomic.Bool
}

// ManagerOption configures the session manager
type ManagerOption func(*Manager)

// WithMaxSessions sets the session capacity
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) {
		m.maxSessions = n
	}
}

// WithIdleTimeout sets how long an unused session survives
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.idleTimeout = d
	}
}

// WithClock replaces time.Now (for testing)
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator replaces the uuid session id generator (for testing)
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) {
		m.newID = gen
	}
}

// NewManager creates a session manager backed by an LRU cache
func NewManager(factory TransportFactory, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		factory:     factory,
		maxSessions: DefaultMaxSessions,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}

	sessions, err := cache.New(m.maxSessions,
		cache.WithEvictor[string, *Session](m),
		cache.WithName[string, *Session]("sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating session cache: %w", err)
	}
	m.sessions = sessions
	return m, nil
}

// Create starts a session with a fresh id and transport
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	if m.closing.Load() {
		return nil, ErrShuttingDown
	}

	id := m.newID()
	transport, err := m.factory.NewTransport(id, m)
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	now := m.now()
	s := &Session{id: id, transport: transport, createdAt: now}
	s.touch(now)
	m.sessions.Set(id, s)

	log.LogInfoWithFields("session_manager", "Created session", map[string]any{
		"sessionID": id,
		"sessions":  m.sessions.Len(),
	})
	return s, nil
}

// Get returns a live session and records activity on it. Idle sessions are
// closed here too, so expiry never depends on the sweep having run.
func (m *Manager) Get(id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	s, ok := m.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	now := m.now()
	if m.idle(s, now) {
		m.remove(id, "idle")
		return nil, ErrSessionNotFound
	}
	s.touch(now)

	log.LogTraceWithFields("session_manager", "Session accessed", map[string]any{
		"sessionID": id,
	})
	return s, nil
}

// Remove closes and forgets a session. It reports whether the session existed.
func (m *Manager) Remove(id string) bool {
	return m.remove(id, "removed")
}

func (m *Manager) remove(id, reason string) bool {
	s, ok := m.sessions.Peek(id)
	if !ok || !m.sessions.Delete(id) {
		return false
	}
	m.closeSession(s, reason)
	return true
}

// TransportClosed drops the entry of a transport that closed itself
func (m *Manager) TransportClosed(sessionID string) {
	if m.sessions.Delete(sessionID) {
		log.LogInfoWithFields("session_manager", "Session closed by transport", map[string]any{
			"sessionID": sessionID,
			"sessions":  m.sessions.Len(),
		})
	}
}

// OnEvict closes the transport of a session pushed out by capacity
func (m *Manager) OnEvict(id string, s *Session) {
	log.LogWarnWithFields("session_manager", "Evicted least recently used session", map[string]any{
		"sessionID":    id,
		"lastActivity": s.LastActivity(),
		"capacity":     m.maxSessions,
	})
	m.closeSession(s, "evicted")
}

func (m *Manager) idle(s *Session, now time.Time) bool {
	return now.Sub(s.LastActivity()) > m.idleTimeout
}

func (m *Manager) closeSession(s *Session, reason string) {
	if err := s.transport.Close(); err != nil {
		log.LogWarnWithFields("session_manager", "Error closing session transport", map[string]any{
			"sessionID": s.id,
			"reason":    reason,
			"error":     err.Error(),
		})
		return
	}
	log.LogDebugWithFields("session_manager", "Closed session", map[string]any{
		"sessionID": s.id,
		"reason":    reason,
		"duration":  m.now().Sub(s.createdAt).String(),
	})
}

// Cleanup closes every session idle for longer than the idle timeout. It runs on
// the same timer as the token store sweep.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	now := m.now()
	var expired []string
	for id, s := range m.sessions.All() {
		if m.idle(s, now) {
			expired = append(expired, id)
		}
	}

	removed := 0
	for _, id := range expired {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if m.remove(id, "idle") {
			removed++
		}
	}

	if removed > 0 {
		log.LogInfoWithFields("session_manager", "Closed idle sessions", map[string]any{
			"closed":    removed,
			"remaining": m.sessions.Len(),
		})
	}
	return removed, nil
}

// Len is the number of live sessions
func (m *Manager) Len() int {
	return m.sessions.Len()
}

// Shutdown refuses new sessions and closes every live transport in parallel.
// It returns when all closes finish or ctx is done, whichever comes first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)

	var live []*Session
	for _, s := range m.sessions.All() {
		live = append(live, s)
	}
	m.sessions.Clear()

	log.LogInfoWithFields("session_manager", "Closing sessions", map[string]any{
		"sessions": len(live),
	})

	var g errgroup.Group
	for _, s := range live {
		g.Go(func() error {
			if err := s.transport.Close(); err != nil {
				return fmt.Errorf("closing session %s: %w", s.id, err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.LogWarnWithFields("session_manager", "Gave up waiting for sessions to close", map[string]any{
			"error": ctx.Err().Error(),
		})
		return ctx.Err()
	}
}

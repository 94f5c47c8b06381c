package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/dgellow/quire-mcp/internal/jsonrpc"
	"github.com/dgellow/quire-mcp/internal/log"
)

type contextKey string

const sessionIDKey contextKey = "session.id"

// WithSessionID records the MCP session id on a request context
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// GetSessionID returns the MCP session id of the request being served
func GetSessionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}

var _ TransportFactory = (*StreamableTransportFactory)(nil)

// StreamableTransportFactory gives every session its own mcp-go streamable HTTP
// handler in front of one shared MCPServer
type StreamableTransportFactory struct {
	server *mcpserver.MCPServer
}

func NewStreamableTransportFactory(server *mcpserver.MCPServer) *StreamableTransportFactory {
	return &StreamableTransportFactory{server: server}
}

func (f *StreamableTransportFactory) NewTransport(sessionID string, listener CloseListener) (Transport, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	t := &streamableTransport{
		id:       sessionID,
		server:   f.server,
		listener: listener,
		inflight: make(map[*http.Request]context.CancelFunc),
	}
	t.ids = &boundSessionID{id: sessionID, onTerminate: t.terminated.Store}
	t.handler = mcpserver.NewStreamableHTTPServer(f.server,
		mcpserver.WithSessionIdManager(t.ids),
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return WithSessionID(ctx, sessionID)
		}),
	)
	return t, nil
}

// boundSessionID hands the pre-allocated id to mcp-go and accepts nothing else
type boundSessionID struct {
	id          string
	closed      atomic.Bool
	onTerminate func(bool)
}

func (b *boundSessionID) Generate() string {
	return b.id
}

func (b *boundSessionID) Validate(sessionID string) (bool, error) {
	if sessionID != b.id {
		return false, fmt.Errorf("session id does not belong to this transport")
	}
	return b.closed.Load(), nil
}

func (b *boundSessionID) Terminate(sessionID string) (bool, error) {
	if sessionID != b.id {
		return false, fmt.Errorf("session id does not belong to this transport")
	}
	b.onTerminate(true)
	return false, nil
}

type streamableTransport struct {
	id       string
	server   *mcpserver.MCPServer
	handler  *mcpserver.StreamableHTTPServer
	ids      *boundSessionID
	listener CloseListener

	// terminated is set when the client deletes the session; the transport
	// closes once that request has been answered
	terminated atomic.Bool

	mu        sync.Mutex
	inflight  map[*http.Request]context.CancelFunc
	closeOnce sync.Once
}

func (t *streamableTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.ids.closed.Load() {
		jsonrpc.WriteError(w, nil, jsonrpc.SessionNotFound, "Session not found")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	r = r.WithContext(ctx)
	t.mu.Lock()
	t.inflight[r] = cancel
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.inflight, r)
		t.mu.Unlock()
		cancel()

		if t.terminated.Load() {
			_ = t.Close()
		}
	}()

	t.handler.ServeHTTP(w, r)
}

// Close ends every in-flight request (including open GET streams), unregisters
// the session from the MCP server and notifies the listener once
func (t *streamableTransport) Close() error {
	t.closeOnce.Do(func() {
		t.ids.closed.Store(true)

		t.mu.Lock()
		for _, cancel := range t.inflight {
			cancel()
		}
		clear(t.inflight)
		t.mu.Unlock()

		t.server.UnregisterSession(context.Background(), t.id)

		log.LogTraceWithFields("mcp", "Transport closed", map[string]any{
			"sessionID": t.id,
		})
		if t.listener != nil {
			t.listener.TransportClosed(t.id)
		}
	})
	return nil
}

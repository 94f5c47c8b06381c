package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/dgellow/quire-mcp/internal/config"
	"github.com/dgellow/quire-mcp/internal/crypto"
	"github.com/dgellow/quire-mcp/internal/log"
	"github.com/dgellow/quire-mcp/internal/oauth"
	"github.com/dgellow/quire-mcp/internal/quire"
	"github.com/dgellow/quire-mcp/internal/server"
	"github.com/dgellow/quire-mcp/internal/session"
	"github.com/dgellow/quire-mcp/internal/storage"
	"github.com/dgellow/quire-mcp/internal/tools"
	"github.com/dgellow/quire-mcp/internal/urlutil"
)

// QuireMCP is the assembled proxy: OAuth endpoints in front of Quire and an
// MCP endpoint whose tools call Quire with the caller's upstream token.
type QuireMCP struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
	sessions   *session.Manager
	cleanup    *storage.CleanupManager
	tokenCache storage.UpstreamTokenCache
}

// NewQuireMCP builds every component from cfg. Nothing listens until Run.
func NewQuireMCP(ctx context.Context, cfg config.Config, version string) (*QuireMCP, error) {
	log.LogInfoWithFields("quiremcp", "Building Quire MCP proxy", map[string]any{
		"baseURL":    cfg.Server.BaseURL,
		"tokenCache": string(cfg.TokenCache.Kind),
	})

	cleanup := storage.NewCleanupManager(cfg.Sessions.CleanupInterval)

	tokenCache, err := setupTokenCache(ctx, cfg.TokenCache, cleanup)
	if err != nil {
		return nil, fmt.Errorf("failed to setup token cache: %w", err)
	}

	callbackURL, err := urlutil.JoinPath(cfg.Server.BaseURL, "oauth", "callback")
	if err != nil {
		tokenCache.Close()
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	store := storage.NewMemoryTokenStore()
	cleanup.Register("tokens", store)

	upstream := oauth.NewQuireUpstream(oauth.UpstreamConfig{
		ClientID:         cfg.Quire.ClientID,
		ClientSecret:     string(cfg.Quire.ClientSecret),
		AuthorizationURL: cfg.Quire.AuthorizationURL,
		TokenURL:         cfg.Quire.TokenURL,
		CallbackURL:      callbackURL,
		Scopes:           cfg.Quire.Scopes,
	})
	proxy := oauth.NewAuthorizationProxy(store, upstream, oauth.WithUpstreamTokenCache(tokenCache))

	quireClient := quire.NewClient(cfg.Quire.APIURL)
	suggestions, err := quire.NewSuggestionCache(quireClient, quire.DefaultSuggestionUsers)
	if err != nil {
		tokenCache.Close()
		return nil, fmt.Errorf("failed to create suggestion cache: %w", err)
	}

	mcpServer := mcpserver.NewMCPServer(cfg.Server.Name, version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	tools.Register(mcpServer, quireClient, suggestions)

	sessions, err := session.NewManager(session.NewStreamableTransportFactory(mcpServer),
		session.WithMaxSessions(cfg.Sessions.MaxSessions),
		session.WithIdleTimeout(cfg.Sessions.IdleTimeout),
	)
	if err != nil {
		tokenCache.Close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}
	cleanup.Register("sessions", sessions)

	handler, err := buildHTTPHandler(cfg, proxy, storage.NewMemoryClientRegistry(), sessions)
	if err != nil {
		tokenCache.Close()
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	return &QuireMCP{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		sessions:   sessions,
		cleanup:    cleanup,
		tokenCache: tokenCache,
	}, nil
}

// Handler returns the fully routed HTTP handler
func (q *QuireMCP) Handler() http.Handler {
	return q.handler
}

// Run serves until ctx is done, a termination signal arrives or the listener
// fails, then shuts down within the configured grace window
func (q *QuireMCP) Run(ctx context.Context) error {
	log.LogInfoWithFields("quiremcp", "Starting Quire MCP proxy", map[string]any{
		"addr": q.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.cleanup.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := q.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var shutdownReason string
	var runErr error
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("quiremcp", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		runErr = err
		log.LogErrorWithFields("quiremcp", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	case <-ctx.Done():
		shutdownReason = "context cancelled"
		log.LogInfoWithFields("quiremcp", "Context cancelled, shutting down", nil)
	}

	q.shutdown(shutdownReason)
	return runErr
}

// shutdown stops the sweep, then closes the listener and every live session in
// parallel. Whatever is still open when the grace window ends is dropped.
func (q *QuireMCP) shutdown(reason string) {
	grace := q.config.Sessions.ShutdownGrace
	log.LogInfoWithFields("quiremcp", "Starting graceful shutdown", map[string]any{
		"reason":  reason,
		"timeout": grace.String(),
	})

	q.cleanup.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return q.httpServer.Stop(shutdownCtx) })
	g.Go(func() error { return q.sessions.Shutdown(shutdownCtx) })
	if err := g.Wait(); err != nil {
		log.LogWarnWithFields("quiremcp", "Graceful shutdown incomplete, forcing exit", map[string]any{
			"error": err.Error(),
		})
		_ = q.httpServer.Close()
	}

	if err := q.tokenCache.Close(); err != nil {
		log.LogWarnWithFields("quiremcp", "Failed to close token cache", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("quiremcp", "Shutdown complete", map[string]any{
		"reason": reason,
	})
}

// setupTokenCache builds the secondary upstream token cache selected by cfg
func setupTokenCache(ctx context.Context, cfg config.TokenCacheConfig, cleanup *storage.CleanupManager) (storage.UpstreamTokenCache, error) {
	switch cfg.Kind {
	case config.TokenCacheFile:
		log.LogInfoWithFields("storage", "Using file upstream token cache", map[string]any{
			"path": cfg.Path,
		})
		cache, err := storage.NewFileUpstreamTokenCache(cfg.Path)
		if err != nil {
			return nil, err
		}
		cleanup.Register("upstream_tokens", cache)
		return cache, nil

	case config.TokenCacheFirestore:
		log.LogInfoWithFields("storage", "Using Firestore upstream token cache", map[string]any{
			"project":    cfg.GCPProject,
			"database":   cfg.FirestoreDatabase,
			"collection": cfg.FirestoreCollection,
		})
		encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		cache, err := storage.NewFirestoreUpstreamTokenCache(ctx,
			cfg.GCPProject,
			cfg.FirestoreDatabase,
			cfg.FirestoreCollection,
			encryptor,
			opts...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Firestore token cache: %w", err)
		}
		cleanup.Register("upstream_tokens", cache)
		return cache, nil

	default:
		log.LogInfoWithFields("storage", "Upstream token cache disabled", nil)
		return storage.NopUpstreamTokenCache{}, nil
	}
}

// buildHTTPHandler creates the complete HTTP handler with all routing and middleware
func buildHTTPHandler(
	cfg config.Config,
	proxy *oauth.AuthorizationProxy,
	clients storage.ClientRegistry,
	sessions *session.Manager,
) (http.Handler, error) {
	issuer := cfg.Server.BaseURL
	resourceMetadataURI, err := oauth.ProtectedResourceMetadataURI(issuer)
	if err != nil {
		return nil, fmt.Errorf("building resource metadata URI: %w", err)
	}

	authHandlers := server.NewAuthHandlers(proxy, clients, issuer, cfg.Quire.Scopes)

	oauthMiddlewares := []server.MiddlewareFunc{
		server.NewCORSMiddleware(cfg.Server.AllowedOrigins),
		server.NewLoggerMiddleware("oauth"),
		server.NewRecoverMiddleware("oauth"),
	}
	mcpMiddlewares := []server.MiddlewareFunc{
		oauth.NewBearerAuthMiddleware(proxy, resourceMetadataURI),
		server.NewCORSMiddleware(cfg.Server.AllowedOrigins),
		server.NewLoggerMiddleware("mcp"),
		server.NewRecoverMiddleware("mcp"),
	}

	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, server.ChainMiddleware(h, oauthMiddlewares...))
	}

	mux.Handle("/health", server.ChainMiddleware(server.NewHealthHandler(sessions),
		server.NewLoggerMiddleware("health"),
		server.NewRecoverMiddleware("health"),
	))

	route("/.well-known/oauth-authorization-server", authHandlers.WellKnownHandler)
	route("/.well-known/oauth-protected-resource", authHandlers.ProtectedResourceMetadataHandler)
	route("/.well-known/oauth-protected-resource/mcp", authHandlers.ProtectedResourceMetadataHandler)
	route("/authorize", authHandlers.AuthorizeHandler)
	route("/oauth/callback", authHandlers.CallbackHandler)
	route("/token", authHandlers.TokenHandler)
	route("/register", authHandlers.RegisterHandler)
	route("/revoke", authHandlers.RevokeHandler)

	mux.Handle("/mcp", server.ChainMiddleware(server.NewMCPHandler(sessions), mcpMiddlewares...))

	log.LogInfoWithFields("quiremcp", "Routes registered", map[string]any{
		"issuer":           issuer,
		"resourceMetadata": resourceMetadataURI,
	})
	return mux, nil
}

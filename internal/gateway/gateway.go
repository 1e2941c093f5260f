// ABOUTME: Gateway orchestrator that wires the registry, session store, and multiplexer
// ABOUTME: Manages the HTTP server lifecycle and component construction

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/mux-gateway/internal/backend"
	"github.com/2389/mux-gateway/internal/config"
	"github.com/2389/mux-gateway/internal/mux"
	"github.com/2389/mux-gateway/internal/protocol"
	"github.com/2389/mux-gateway/internal/registry"
	"github.com/2389/mux-gateway/internal/session"
)

// Gateway orchestrates the mux-gateway server components: the provider
// registry, session store, multiplexer, protocol handler, and HTTP surface.
type Gateway struct {
	config     *config.Config
	registry   *registry.Registry
	store      *session.Store
	sqliteDB   *session.SQLiteStore
	mux        *mux.Multiplexer
	handler    *protocol.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("loading provider registry: %w", err)
	}

	db, err := session.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	store, err := session.NewStore(session.Config{
		Persistence: db,
		Registry:    reg,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	client := backend.NewClient(backend.Config{
		Timeout:        cfg.Backends.Timeout,
		RetryAttempts:  cfg.Backends.RetryAttempts,
		RetryBaseDelay: cfg.Backends.RetryBaseDelay,
		Logger:         logger,
	})

	multiplexer, err := mux.NewMultiplexer(mux.Config{
		Registry: reg,
		Client:   client,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	handler, err := protocol.NewHandler(protocol.Config{
		Sessions:    store,
		Multiplexer: multiplexer,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:   cfg,
		registry: reg,
		store:    store,
		sqliteDB: db,
		mux:      multiplexer,
		handler:  handler,
		logger:   logger.With("component", "gateway"),
	}

	httpMux := http.NewServeMux()
	g.registerRoutes(httpMux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// registerRoutes wires the HTTP surface.
func (g *Gateway) registerRoutes(httpMux *http.ServeMux) {
	httpMux.HandleFunc("/create-session", g.handleCreateSession)
	httpMux.HandleFunc("/session/", g.handleSessionEndpoint)
	httpMux.HandleFunc("/sessions/", g.handleSessionInfo)
	httpMux.HandleFunc("/health", g.handleHealth)
}

// Start loads persisted sessions and serves HTTP until the context is done.
func (g *Gateway) Start(ctx context.Context) error {
	// Reload is best-effort; failures are logged inside Load, never fatal.
	if err := g.store.Load(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	g.logger.Info("gateway listening",
		"http_addr", g.config.Server.HTTPAddr,
		"providers", g.registry.Names(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Shutdown gracefully stops the HTTP server and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.sqliteDB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

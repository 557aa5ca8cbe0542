// ABOUTME: Gateway process that runs the HTTP server, queue sweep and attendant sync
// ABOUTME: Owns listener setup, background loops and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/channel/whatsapp"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/store"
)

// Matcher is the part of the orchestrator the gateway drives directly.
type Matcher interface {
	ReconcileQueue(ctx context.Context) (int, error)
	Available(ctx context.Context, group string) []*store.AttendantBinding
}

// SyncRunner is a channel gateway that pulls inbound events itself, such
// as the Matrix sync loop.
type SyncRunner interface {
	Run(ctx context.Context, handler channel.Handler) error
}

// Options wires a Gateway.
type Options struct {
	Config  *config.Config
	Store   store.Store
	Router  channel.Handler
	Matcher Matcher
	// Attendants runs the attendant channel sync. Nil when that channel
	// only sends.
	Attendants SyncRunner
	// Verifier protects the ops API. Nil leaves it open.
	Verifier auth.TokenVerifier
	Logger   *slog.Logger
}

// Gateway runs the switchboard process.
type Gateway struct {
	config     *config.Config
	store      store.Store
	router     channel.Handler
	matcher    Matcher
	attendants SyncRunner
	httpServer *http.Server
	logger     *slog.Logger

	wg sync.WaitGroup
}

// New creates a Gateway and registers its HTTP routes.
func New(opts Options) (*Gateway, error) {
	if opts.Config == nil || opts.Store == nil || opts.Router == nil || opts.Matcher == nil {
		return nil, errors.New("gateway: config, store, router and matcher are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:     opts.Config,
		store:      opts.Store,
		router:     opts.Router,
		matcher:    opts.Matcher,
		attendants: opts.Attendants,
		logger:     logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Provider callbacks authenticate with their own verify token
	mux.Handle("/webhooks/whatsapp", whatsapp.NewWebhook(whatsapp.WebhookConfig{
		VerifyToken: opts.Config.WhatsApp.VerifyToken,
		AppSecret:   opts.Config.WhatsApp.AppSecret,
	}, opts.Router, logger))

	g.registerAPIRoutes(mux, opts.Verifier)

	g.httpServer = &http.Server{
		Addr:              opts.Config.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Handler exposes the HTTP routes, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// registerAPIRoutes registers the ops API with or without auth middleware.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, verifier auth.TokenVerifier) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
		admin   bool
	}{
		{"GET /api/services", g.handleListServices, false},
		{"GET /api/services/{id}", g.handleGetService, false},
		{"GET /api/attendants", g.handleListAttendants, false},
		{"POST /api/sweep", g.handleSweep, true},
	}

	if verifier == nil {
		for _, rt := range routes {
			mux.Handle(rt.pattern, rt.handler)
		}
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return
	}

	authMiddleware := auth.HTTPAuthMiddleware(verifier, g.logger)
	adminMiddleware := auth.RequireAdminHTTP()
	for _, rt := range routes {
		var h http.Handler = rt.handler
		if rt.admin {
			h = adminMiddleware(h)
		}
		mux.Handle(rt.pattern, authMiddleware(h))
	}
	g.logger.Info("HTTP auth middleware enabled")
}

// Run starts the HTTP server, the queue sweep and the attendant sync, and
// blocks until ctx is cancelled or one of them fails. Returns nil on
// graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := g.start(ctx, ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	cancel()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// start launches the background goroutines, returning their error channel.
func (g *Gateway) start(ctx context.Context, ln net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.runSweep(ctx, g.config.Matching.SweepInterval)
	}()

	if g.attendants != nil {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if err := g.attendants.Run(ctx, g.router); err != nil {
				errCh <- fmt.Errorf("attendant channel: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a component error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, waits for the background loops and
// closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for background loops: %w", ctx.Err()))
	}

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers, reporting the queue depth.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	queued, err := g.store.ListServicesByStatus(r.Context(), store.StatusInQueue)
	if err != nil {
		g.logger.Error("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d queued)", len(queued))
}

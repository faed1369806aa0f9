// ABOUTME: Gateway wires the store, media, provider and orchestrator behind one HTTP server
// ABOUTME: Manages listeners (TCP or Tailscale), health endpoints and shutdown

package gateway

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/completion"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/media"
	"github.com/2389/coven-chat/internal/store"
)

// Gateway serves the chat API over HTTP.
type Gateway struct {
	config       *config.Config
	store        *store.SQLiteStore
	uploader     *media.LocalUploader
	provider     completion.Provider
	orchestrator *conversation.Orchestrator
	broadcaster  *conversation.Broadcaster
	locks        *conversation.SessionLocks
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// dedupe rejects replayed Idempotency-Key headers on turn requests
	dedupe *dedupe.Cache
}

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	provider completion.Provider
}

// WithProvider overrides the completion provider selected by config.
func WithProvider(p completion.Provider) Option {
	return func(o *options) { o.provider = p }
}

// OpenStore opens the SQLite store. COVEN_DB_PATH overrides the configured path.
func OpenStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	opts := []store.Option{
		store.WithIdentityResolver(auth.ContextResolver{Fallback: cfg.Auth.DefaultUser}),
		store.WithLogger(logger),
	}
	if cfg.Database.Driver != "" {
		opts = append(opts, store.WithDriver(cfg.Database.Driver))
	}

	s, err := store.NewSQLiteStore(dbPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// OpenUploader creates the local media store. Without a signing secret an
// ephemeral one is generated, so links stop working after a restart.
func OpenUploader(cfg *config.Config, logger *slog.Logger) (*media.LocalUploader, error) {
	secret := []byte(cfg.Media.SigningSecret)
	if len(secret) == 0 {
		logger.Warn("no media signing secret configured, media links will not survive a restart")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating media signing secret: %w", err)
		}
	}

	signer := media.NewURLSigner(secret, cfg.Media.URLTTL)
	uploader, err := media.NewLocalUploader(cfg.Media.Dir, cfg.Media.BaseURL, cfg.Media.MaxUploadBytes, signer, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing media: %w", err)
	}
	return uploader, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.Media.Dir == "" {
		return nil, errors.New("media.dir is required")
	}

	s, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	uploader, err := OpenUploader(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	provider := o.provider
	if provider == nil {
		provider, err = NewProvider(cfg.Provider)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	logger.Info("completion provider configured", "provider", provider.Name(), "kind", cfg.Provider.Kind)

	broadcaster := conversation.NewBroadcaster(logger)
	convOpts := []conversation.Option{
		conversation.WithBroadcaster(broadcaster),
		conversation.WithUploadConcurrency(cfg.Conversation.UploadConcurrency),
	}
	if cfg.Conversation.SystemPrompt != "" {
		convOpts = append(convOpts, conversation.WithDefaultSystemPrompt(cfg.Conversation.SystemPrompt))
	}

	ttl := cfg.Conversation.IdempotencyTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	gw := &Gateway{
		config:       cfg,
		store:        s,
		uploader:     uploader,
		provider:     provider,
		orchestrator: conversation.New(s, uploader, provider, logger, convOpts...),
		broadcaster:  broadcaster,
		locks:        &conversation.SessionLocks{},
		logger:       logger.With("component", "gateway"),
		dedupe:       dedupe.New(ttl, 100_000),
	}

	handler, err := gw.routes(logger)
	if err != nil {
		gw.closeComponents()
		_ = s.Close()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// routes builds the mux. API routes require a bearer token when a JWT secret is configured.
func (g *Gateway) routes(logger *slog.Logger) (http.Handler, error) {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Media links carry their own signed grant
	mux.Handle("GET /media/{token}", media.NewHandler(g.uploader, logger))

	api := http.NewServeMux()
	api.HandleFunc("GET /api/bots", g.handleListBots)
	api.HandleFunc("POST /api/bots", g.handleCreateBot)
	api.HandleFunc("GET /api/bots/{id}", g.handleGetBot)
	api.HandleFunc("PUT /api/bots/{id}", g.handleUpdateBot)
	api.HandleFunc("DELETE /api/bots/{id}", g.handleDeleteBot)

	api.HandleFunc("GET /api/sessions", g.handleListSessions)
	api.HandleFunc("POST /api/sessions", g.handleCreateSession)
	api.HandleFunc("POST /api/sessions/start", g.handleStartSession)
	api.HandleFunc("GET /api/sessions/{id}", g.handleGetSession)
	api.HandleFunc("PUT /api/sessions/{id}", g.handleUpdateSession)
	api.HandleFunc("DELETE /api/sessions/{id}", g.handleDeleteSession)
	api.HandleFunc("POST /api/sessions/{id}/turns", g.handleContinue)
	api.HandleFunc("GET /api/sessions/{id}/events", g.handleSessionEvents)
	api.HandleFunc("GET /api/sessions/{id}/transcript", g.handleTranscript)

	api.HandleFunc("GET /api/messages/{id}", g.handleGetMessage)
	api.HandleFunc("DELETE /api/messages/{id}", g.handleDeleteMessage)
	api.HandleFunc("POST /api/messages/{id}/media", g.handleAddMedia)

	api.HandleFunc("GET /api/stats/usage", g.handleUsageStats)

	if g.config.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating HTTP JWT verifier: %w", err)
		}
		mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier)(api))
		logger.Info("HTTP auth middleware enabled")
	} else {
		mux.Handle("/api/", api)
		logger.Warn("HTTP auth disabled - no jwt_secret configured", "default_user", g.config.Auth.DefaultUser)
	}

	return mux, nil
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() because the Run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-chat", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (g *Gateway) closeComponents() {
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	// Event subscribers hold their connections open; close them first.
	g.broadcaster.Close()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.closeComponents()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%s)", g.provider.Name())
}

// ABOUTME: Gateway orchestrator that wires the store, conversation hub and HTTP server
// ABOUTME: Manages TCP or tailscale listeners, optional Redis and NATS integrations, and shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tandem/internal/auth"
	"github.com/2389/tandem/internal/config"
	"github.com/2389/tandem/internal/conversation"
	"github.com/2389/tandem/internal/events"
	"github.com/2389/tandem/internal/presence"
	"github.com/2389/tandem/internal/store"
)

// Gateway serves the WebSocket endpoint and the history API for one hub.
type Gateway struct {
	config      *config.Config
	store       store.Store
	hub         *conversation.Hub
	identity    auth.IdentityProvider
	upgrader    websocket.Upgrader
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// optional integrations, nil when disabled
	mirror     *presence.Mirror
	stopMirror context.CancelFunc
	redisSets  *presence.RedisSets
	natsConn   *nats.Conn

	logger *slog.Logger
}

// Option overrides a dependency New would otherwise build from config.
type Option func(*options)

type options struct {
	store     store.Store
	sink      conversation.EventSink
	setWriter presence.SetWriter
}

// WithStore uses s instead of opening the configured SQLite database.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithEventSink publishes hub events to sink instead of the configured NATS server.
func WithEventSink(sink conversation.EventSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithPresenceWriter mirrors presence into w instead of the configured Redis server.
func WithPresenceWriter(w presence.SetWriter) Option {
	return func(o *options) { o.setWriter = w }
}

// initStore opens the SQLite store at the configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// hubConfig converts the config section into hub settings.
func hubConfig(c config.HubConfig) conversation.HubConfig {
	return conversation.HubConfig{
		StoreTimeout:     c.StoreTimeout,
		DeliveryTimeout:  c.DeliveryTimeout,
		MaxContentLength: c.MaxContentLength,
		OutboundBuffer:   c.OutboundBuffer,
		SnapshotLimit:    c.SnapshotLimit,
		SendRate:         c.SendRate,
		SendBurst:        c.SendBurst,
	}
}

// New creates a Gateway from cfg. Redis and NATS are dialed here when enabled,
// so a misconfigured integration fails startup instead of the first event.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	s := o.store
	if s == nil {
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		identity: auth.NewTokenProvider(verifier),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers cannot set headers on upgrades; identity comes from the token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "gateway"),
	}

	fail := func(err error) (*Gateway, error) {
		gw.closeIntegrations()
		_ = s.Close()
		return nil, err
	}

	var hubOpts []conversation.HubOption
	sink, err := gw.initEventSink(cfg, o.sink, logger)
	if err != nil {
		return fail(err)
	}
	if sink != nil {
		hubOpts = append(hubOpts, conversation.WithEventSink(sink))
	}

	gw.hub = conversation.NewHub(s, hubConfig(cfg.Hub), logger, hubOpts...)

	if err := gw.initPresenceMirror(cfg, o.setWriter, logger); err != nil {
		return fail(err)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

func (g *Gateway) initEventSink(cfg *config.Config, override conversation.EventSink, logger *slog.Logger) (conversation.EventSink, error) {
	if override != nil {
		return override, nil
	}
	if !cfg.NATS.Enabled {
		return nil, nil
	}
	nc, err := events.Connect(cfg.NATS.URL, cfg.NATS.Name, logger)
	if err != nil {
		return nil, err
	}
	g.natsConn = nc
	g.logger.Info("publishing events to nats", "url", cfg.NATS.URL, "subject_prefix", cfg.NATS.SubjectPrefix)
	return events.NewNATSSink(nc, cfg.NATS.SubjectPrefix, logger), nil
}

func (g *Gateway) initPresenceMirror(cfg *config.Config, override presence.SetWriter, logger *slog.Logger) error {
	writer := override
	if writer == nil {
		if !cfg.Redis.Enabled {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sets, err := presence.NewRedisSets(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		g.redisSets = sets
		writer = sets
		g.logger.Info("mirroring presence to redis", "addr", cfg.Redis.Addr, "key_prefix", cfg.Redis.KeyPrefix)
	}

	g.mirror = presence.NewMirror(writer, g.hub.Tracker().Members, cfg.Redis.KeyPrefix, cfg.Redis.TTL, logger)
	g.hub.Tracker().OnChange(g.mirror.OnChange)

	ctx, cancel := context.WithCancel(context.Background())
	g.stopMirror = cancel
	go g.mirror.Run(ctx)
	return nil
}

// routes builds the HTTP mux. Health endpoints need no auth.
func (g *Gateway) routes() http.Handler {
	requireAuth := auth.HTTPAuthMiddleware(g.identity)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.Handle("GET /ws", requireAuth(http.HandlerFunc(g.handleWS)))

	mux.Handle("GET /api/messages", requireAuth(http.HandlerFunc(g.handleListMessages)))
	mux.Handle("GET /api/messages/thread/{userId}", requireAuth(http.HandlerFunc(g.handleThread)))
	mux.Handle("DELETE /api/messages/{id}", requireAuth(http.HandlerFunc(g.handleDeleteMessage)))
	mux.Handle("GET /api/conversations/{userId}/messages", requireAuth(http.HandlerFunc(g.handleConversationMessages)))
	return mux
}

// Handler returns the gateway's HTTP handler, for embedding or tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Hub exposes the conversation hub.
func (g *Gateway) Hub() *conversation.Hub {
	return g.hub
}

// setupTCPListener creates the plain TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves until ctx is canceled or the server fails, then shuts down.
// Returns nil on graceful shutdown.
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

	// The run context is already canceled; shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
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
	return filepath.Join(homeDir, ".local", "share", "tandem", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on it.
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

	return g.createTailscaleHTTPListener(tsCfg)
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

func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeIntegrations stops the presence mirror and closes Redis and NATS.
func (g *Gateway) closeIntegrations() []error {
	var errs []error
	if g.stopMirror != nil {
		g.stopMirror()
		<-g.mirror.Done()
	}
	if g.redisSets != nil {
		errs = appendCloseError(errs, "redis close", g.redisSets.Close())
	}
	if g.natsConn != nil {
		errs = appendCloseError(errs, "nats drain", g.natsConn.Drain())
	}
	return errs
}

// Shutdown stops accepting connections, ends every session and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked WebSocket connections are not tracked by http.Server.
	g.hub.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeIntegrations()...)
	errs = appendCloseError(errs, "store close", g.store.Close())

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

// handleReady returns 200 OK when the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.hub.SessionCount())
}

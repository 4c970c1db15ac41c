// ABOUTME: Gateway orchestrator that wires the manager, attachments, and HTTP/gRPC servers
// ABOUTME: Owns listener setup (TCP or Tailscale), bootstrap registration, and shutdown

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

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/conclave/internal/a2a"
	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/attachment"
	"github.com/2389/conclave/internal/config"
	"github.com/2389/conclave/internal/manager"
	"github.com/2389/conclave/internal/metrics"
	"github.com/2389/conclave/internal/routing"
	"github.com/2389/conclave/internal/store"
	"github.com/2389/conclave/internal/tracing"
)

// tailscaleGRPCPort is where the health service listens on the tailnet.
const tailscaleGRPCPort = ":50051"

// Gateway orchestrates the conclave server components.
type Gateway struct {
	config      *config.Config
	manager     manager.Manager
	registry    *agent.Registry // nil in fake mode
	cards       *store.SQLiteCardStore
	attachments *attachment.Cache
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	stopTracing func(context.Context) error
	stopDispatch context.CancelFunc
}

// initCardStore opens the agent registration database, if one is configured.
func initCardStore(cfg *config.Config) (*store.SQLiteCardStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CONCLAVE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteCardStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing card store: %w", err)
	}
	return s, nil
}

// initAttachments creates the attachment cache for the configured backend.
func initAttachments(cfg *config.Config, logger *slog.Logger) (*attachment.Cache, error) {
	var backend attachment.Backend
	switch cfg.Attachments.Backend {
	case config.BackendRedis:
		rc := cfg.Attachments.Redis
		rb, err := attachment.NewRedisBackend(attachment.RedisConfig{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting attachment backend: %w", err)
		}
		backend = rb
	default:
		backend = attachment.NewMemoryBackend()
	}
	return attachment.New(backend, attachment.DefaultURIPrefix, logger), nil
}

// newPolicy builds the routing policy named in the config.
func newPolicy(cfg *config.Config, logger *slog.Logger) routing.Policy {
	if cfg.Host.Policy == config.PolicyLLM {
		client := routing.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL)
		return routing.NewLLMPolicy(client, cfg.LLM.Model, logger)
	}
	return routing.NewKeywordPolicy(cfg.Host.KeywordThreshold)
}

// createGRPCServer creates the gRPC server that carries the health service.
func createGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	stopTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	m := metrics.New()

	cards, err := initCardStore(cfg)
	if err != nil {
		return nil, err
	}

	attachments, err := initAttachments(cfg, logger)
	if err != nil {
		if cards != nil {
			_ = cards.Close()
		}
		return nil, err
	}

	gw := &Gateway{
		config:      cfg,
		cards:       cards,
		attachments: attachments,
		metrics:     m,
		logger:      logger.With("component", "gateway"),
		stopTracing: stopTracing,
	}

	opts := manager.Options{
		MaxInFlight: cfg.Host.MaxInFlight,
		Metrics:     m,
		Logger:      logger,
	}
	st := store.NewMemoryStore()

	switch cfg.Host.Mode {
	case config.ModeFake:
		gw.manager = manager.NewFake(st, opts)
		gw.logger.Warn("fake mode: messages are echoed, no remote agents are contacted")
	default:
		regOpts := []agent.Option{
			agent.WithDiscoveryTimeout(cfg.Agents.DiscoveryTimeout),
			agent.WithMetrics(m),
		}
		if cards != nil {
			regOpts = append(regOpts, agent.WithCardStore(cards))
		}
		gw.registry = agent.NewRegistry(a2a.NewClient(nil, logger), logger, regOpts...)
		policy := newPolicy(cfg, logger)
		host := routing.NewHost(gw.registry, policy, m, logger)
		gw.manager = manager.NewLive(st, gw.registry, host, opts)
		gw.logger.Info("routing policy selected", "policy", policy.Name())
	}

	if cfg.Server.SendRate > 0 {
		gw.limiter = rate.NewLimiter(rate.Limit(cfg.Server.SendRate), cfg.Server.SendBurst)
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.health = health.NewServer()
		gw.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		gw.grpcServer = createGRPCServer(gw.health)
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	gw.registerAPIRoutes(mux)

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, m.Handler())
		gw.logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Start opens message dispatch and registers configured agents.
// Run calls it; tests that drive the handlers directly call it themselves.
func (g *Gateway) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.Background())
	if err := g.manager.Start(workerCtx); err != nil {
		cancel()
		return fmt.Errorf("starting manager: %w", err)
	}
	g.stopDispatch = cancel

	if g.health != nil {
		g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	return g.bootstrapAgents(ctx)
}

// bootstrapAgents restores persisted registrations, then registers the
// configured bootstrap list.
func (g *Gateway) bootstrapAgents(ctx context.Context) error {
	urls := g.config.Agents.Bootstrap

	if g.registry == nil {
		for _, u := range urls {
			if _, err := g.manager.RegisterAgent(ctx, u); err != nil {
				return fmt.Errorf("registering bootstrap agent %s: %w", u, err)
			}
		}
		return nil
	}

	if _, err := g.registry.Load(ctx); err != nil {
		g.logger.Warn("restoring agent registrations", "error", err)
	}
	if len(urls) == 0 {
		return nil
	}
	cards, err := g.registry.RegisterAll(ctx, urls)
	if err != nil {
		return fmt.Errorf("registering bootstrap agents: %w", err)
	}
	for _, c := range cards {
		g.logger.Info("bootstrap agent registered", "url", c.URL, "name", c.Name)
	}
	return nil
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health service listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
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

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
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
	return filepath.Join(homeDir, ".local", "share", "conclave", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}

	return grpcLn, httpLn, nil
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
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" || tsCfg.KeyFile != "":
		return g.createTailscaleTLSListener(tsCfg, grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener serves HTTPS on :443 with the configured
// certificate, falling back to Tailscale's own certs when loading it fails.
func (g *Gateway) createTailscaleTLSListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	cert, certErr := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
	if certErr == nil {
		tlsCfg.Certificates = []tls.Certificate{cert}
		return tls.NewListener(ln, tlsCfg), nil
	}

	g.logger.Warn("loading TLS key pair failed, using tailscale certs", "error", certErr)
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	tlsCfg.GetCertificate = lc.GetCertificate
	return tls.NewListener(ln, tlsCfg), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// stopManager waits for in-flight messages within whatever time ctx leaves,
// keeping a second back for canceled ones to record their outcome.
func (g *Gateway) stopManager(ctx context.Context) error {
	if g.stopDispatch == nil {
		return nil
	}
	timeout := 4 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline)-time.Second, 0)
	}
	err := g.manager.Stop(timeout)
	g.stopDispatch()
	g.stopDispatch = nil
	return err
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "manager stop", g.stopManager(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "attachment close", g.attachments.Close())
	if g.cards != nil {
		errs = appendCloseError(errs, "card store close", g.cards.Close())
	}
	errs = appendCloseError(errs, "tracing shutdown", g.stopTracing(ctx))

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

// handleReady returns 200 OK once message dispatch is open.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.manager.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("dispatch not running"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(g.manager.Agents()))
}

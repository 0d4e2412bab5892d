// ABOUTME: Gateway orchestrator that wires the daemon, event stream, router and Control API
// ABOUTME: Manages startup ordering, the background loops and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-signal/internal/agent"
	"github.com/2389/coven-signal/internal/auth"
	"github.com/2389/coven-signal/internal/config"
	"github.com/2389/coven-signal/internal/conversation"
	"github.com/2389/coven-signal/internal/credentials"
	"github.com/2389/coven-signal/internal/daemon"
	"github.com/2389/coven-signal/internal/dedupe"
	"github.com/2389/coven-signal/internal/events"
	"github.com/2389/coven-signal/internal/mapping"
	"github.com/2389/coven-signal/internal/pairing"
	"github.com/2389/coven-signal/internal/router"
)

const shutdownTimeout = 10 * time.Second

// Gateway owns every component of one coven-signal instance.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	mappings *mapping.Store
	pairing  *pairing.Registry
	window   *conversation.Window
	dedupe   *dedupe.Cache
	agents   *agent.Registry
	codec    *credentials.Codec
	verifier auth.TokenVerifier

	supervisor *daemon.Supervisor
	sender     *daemonSender
	dispatcher *router.Dispatcher
	listener   *events.Listener

	httpServer *http.Server
}

// New creates a Gateway from cfg. The mapping snapshot is loaded here; the
// daemon is not contacted until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	snapshot, err := initSnapshot(cfg.Storage)
	if err != nil {
		return nil, err
	}
	mappings := mapping.NewStore(snapshot, logger)
	if err := mappings.Load(context.Background()); err != nil {
		_ = mappings.Close()
		return nil, fmt.Errorf("loading mappings: %w", err)
	}

	verifier, err := auth.NewJWTVerifier(auth.VerifierConfig{
		Secret:   cfg.Auth.Secret,
		Audience: cfg.Auth.Audience,
		Issuer:   cfg.Auth.Issuer,
	})
	if err != nil {
		_ = mappings.Close()
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}

	agents, err := initAgents(cfg.Agents, logger)
	if err != nil {
		_ = mappings.Close()
		return nil, err
	}

	g := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		mappings: mappings,
		pairing: pairing.NewRegistry(
			pairing.WithTTL(cfg.Pairing.TTL),
			pairing.WithCodeLength(cfg.Pairing.CodeLength),
		),
		window:   conversation.NewWindow(cfg.Conversation.Timeout, cfg.Conversation.MaxEntries),
		dedupe:   dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize),
		agents:   agents,
		codec:    credentials.NewCodec(cfg.Auth.Secret),
		verifier: verifier,
	}

	g.supervisor = daemon.NewSupervisor(daemon.Config{
		URL:            cfg.Daemon.URL,
		Binary:         cfg.Daemon.Binary,
		AutoStart:      cfg.Daemon.AutoStart,
		ConfigDir:      cfg.Daemon.ConfigDir,
		Account:        cfg.Account.Number,
		Host:           cfg.Daemon.Host,
		Port:           cfg.Daemon.Port,
		StartupTimeout: cfg.Daemon.StartupTimeout,
		ProbeInterval:  cfg.Daemon.ProbeInterval,
		ShutdownGrace:  cfg.Daemon.ShutdownGrace,
	}, daemon.WithLogger(logger))

	g.sender = newDaemonSender(g.supervisor.EnsureReady, cfg.Account.Number, cfg.Messages.MaxLength, logger)

	g.dispatcher = router.New(router.Deps{
		Sender:   g.sender,
		Mappings: g.mappings,
		Pairing:  g.pairing,
		Window:   g.window,
		Dedupe:   g.dedupe,
		Agents:   g.agents,
		Codec:    g.codec,
	}, router.Config{
		PlainText:     cfg.Messages.PlainText,
		RatePerMinute: cfg.RateLimit.PerMinute,
		RateBurst:     cfg.RateLimit.Burst,
		Receipts:      cfg.Messages.Receipts,
		Typing:        cfg.Messages.Typing,
	}, router.WithLogger(logger))

	g.listener = events.NewListener(g.dispatcher.Dispatch,
		events.WithAccount(cfg.Account.Number),
		events.WithReconnectDelay(cfg.Stream.ReconnectDelay),
		events.WithLogger(logger),
	)

	g.httpServer = &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.logger.Info("gateway initialized",
		"account", cfg.Account.Number,
		"storage", cfg.Storage.Backend,
		"mappings", mappings.Len(),
		"agents", agents.Names(),
		"default_agent", agents.Default(),
	)
	return g, nil
}

// initSnapshot opens the configured mapping persistence backend.
func initSnapshot(cfg config.StorageConfig) (mapping.Snapshotter, error) {
	switch cfg.Backend {
	case "sqlite":
		snap, err := mapping.NewSQLiteSnapshot(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite mappings: %w", err)
		}
		return snap, nil
	case "", "file":
		return mapping.NewFileSnapshot(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// initAgents registers an HTTP-backed agent for every enabled identifier.
func initAgents(cfg config.AgentsConfig, logger *slog.Logger) (*agent.Registry, error) {
	reg := agent.NewRegistry(logger)

	enabled := cfg.Enabled
	if len(enabled) == 0 {
		enabled = agent.Known
	}
	for _, id := range enabled {
		if err := reg.Register(id, agent.NewHTTPAgent(id, cfg.Endpoint, cfg.Timeout, logger)); err != nil {
			return nil, fmt.Errorf("registering agent: %w", err)
		}
	}

	if cfg.Default != "" {
		if err := reg.SetDefault(cfg.Default); err != nil {
			return nil, fmt.Errorf("default agent: %w", err)
		}
	}
	return reg, nil
}

// Handler returns the Control API handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run brings the daemon up, then serves the Control API and consumes the
// event stream until ctx is canceled. A daemon that cannot be reached at
// startup is fatal.
func (g *Gateway) Run(ctx context.Context) error {
	baseURL, err := g.supervisor.EnsureReady(ctx)
	if err != nil {
		g.closeOnStartupFailure()
		return err
	}
	g.logger.Info("daemon available", "url", baseURL, "external", g.supervisor.External())

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		g.closeOnStartupFailure()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return g.listener.Run(groupCtx, g.supervisor.EnsureReady)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return group.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

func (g *Gateway) closeOnStartupFailure() {
	g.supervisor.Shutdown()
	if err := g.mappings.Close(); err != nil {
		g.logger.Warn("closing mappings", "error", err)
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting control requests, lets in-flight turns finish,
// stops a supervised daemon and closes the mapping store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	turnsDone := make(chan struct{})
	go func() {
		g.dispatcher.Wait()
		close(turnsDone)
	}()
	select {
	case <-turnsDone:
	case <-ctx.Done():
		g.logger.Warn("in-flight turns still running at shutdown")
	}

	g.supervisor.Shutdown()
	errs = appendCloseError(errs, "mappings close", g.mappings.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/basket/go-relay/internal/audit"
	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/commands"
	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/cron"
	"github.com/basket/go-relay/internal/dispatch"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/executor"
	"github.com/basket/go-relay/internal/flow"
	"github.com/basket/go-relay/internal/gateway"
	otelPkg "github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/queue"
	"github.com/basket/go-relay/internal/telemetry"
	"github.com/basket/go-relay/internal/webhook"
)

const httpShutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to the log file only")
	return cmd
}

func runServe(ctx context.Context, quiet bool) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := config.WriteGenesis(cfg.HomeDir); err != nil {
			return fatalStartup(nil, "E_GENESIS_WRITE", err)
		}
		if cfg, err = config.Load(); err != nil {
			return fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_hash", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on non-loopback bind; the API and hub are open", "bind_addr", cfg.BindAddr)
		}
	}

	r, err := newRelay(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, r.Close())
	}()

	if err := r.Start(ctx); err != nil {
		_ = r.Drain(cfg.DrainTimeout())
		return err
	}

	watcher := config.NewWatcher(logger, config.ConfigPath(cfg.HomeDir), cfg.CommandsPath())
	if err := watcher.Start(ctx); err != nil {
		_ = r.Drain(cfg.DrainTimeout())
		return fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go r.watchConfig(ctx, watcher)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           r.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr))
		}
		_ = r.Drain(cfg.DrainTimeout())
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain the pool within the configured bound.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	err = multierr.Append(err, server.Shutdown(shutdownCtx))
	err = multierr.Append(err, r.Drain(cfg.DrainTimeout()))
	logger.Info("shutdown complete")
	return err
}

// relay holds the long-lived components of a running server.
type relay struct {
	cfg        config.Config
	logger     *slog.Logger
	otel       *otelPkg.Provider
	store      *persistence.Store
	audit      *audit.Log
	queue      queue.Queue
	commands   *commands.Registry
	pool       *engine.Pool
	reconciler *cron.Reconciler
	gateway    *gateway.Server
}

// newRelay wires every component without starting background work.
// On error, whatever was already opened is closed again.
func newRelay(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *relay, err error) {
	r := &relay{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	r.otel, err = otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fatalStartup(logger, "E_OTEL_INIT", err)
	}
	metrics, err := otelPkg.NewMetrics(r.otel.Meter)
	if err != nil {
		return nil, fatalStartup(logger, "E_OTEL_INIT", err)
	}

	r.store, err = persistence.Open(cfg.StorePath())
	if err != nil {
		return nil, fatalStartup(logger, "E_STORE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated", "path", cfg.StorePath())

	r.audit, err = audit.Open(cfg.HomeDir, r.store.DB())
	if err != nil {
		return nil, fatalStartup(logger, "E_AUDIT_INIT", err)
	}

	r.queue, err = openQueue(cfg, r.store)
	if err != nil {
		return nil, fatalStartup(logger, "E_QUEUE_OPEN", err)
	}

	static, err := commands.LoadStatic(cfg.CommandsPath())
	if err != nil {
		return nil, fatalStartup(logger, "E_COMMANDS_LOAD", err)
	}
	r.commands = commands.NewRegistry(static, r.store, providerSettings(cfg), logger)
	logger.Info("startup phase", "phase", "commands_loaded", "static_version", static.Version)

	providers, err := webhook.NewRegistry(cfg.Providers)
	if err != nil {
		return nil, fatalStartup(logger, "E_PROVIDERS_INIT", err)
	}

	eventBus := bus.New()
	supervisor := executor.New(executor.Config{
		Binary:       cfg.Executor.Binary,
		Args:         cfg.Executor.Args,
		ResumeFlag:   cfg.Executor.ResumeFlag,
		ProfilesDir:  cfg.Executor.ProfilesDir,
		GracePeriod:  time.Duration(cfg.Executor.GracePeriodSeconds) * time.Second,
		MaxLineBytes: cfg.Executor.MaxLineBytes,
	}, logger)
	r.pool = engine.New(r.store, r.queue, supervisor, engine.Config{
		MaxConcurrent:  cfg.MaxConcurrentTasks,
		PopTimeout:     time.Duration(cfg.Queue.PopTimeoutMillis) * time.Millisecond,
		TaskTimeout:    cfg.TaskTimeout(),
		MaxQueueDepth:  cfg.MaxQueueDepth,
		DefaultProfile: cfg.Executor.DefaultProfile,
		Bus:            eventBus,
	}, engine.Options{
		Dispatcher: dispatch.NewRouter(cfg.Providers, r.store, logger),
		Tracker:    flow.NewTracker(r.store, logger),
		Metrics:    metrics,
		Tracer:     r.otel.Tracer,
		Logger:     logger,
	})

	ingress := webhook.NewIngress(webhook.IngressConfig{
		Providers:      providers,
		Resolver:       r.commands,
		Posted:         r.store,
		Submitter:      r.pool,
		Audit:          r.audit,
		Metrics:        metrics,
		Tracer:         r.otel.Tracer,
		DefaultProfile: cfg.Executor.DefaultProfile,
		Logger:         logger,
	})

	r.reconciler = cron.NewReconciler(cron.Config{
		Store:         r.store,
		Queue:         r.queue,
		Bus:           eventBus,
		Metrics:       metrics,
		Logger:        logger,
		Interval:      time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second,
		BaseBackoff:   time.Duration(cfg.Reconcile.BaseBackoffSeconds) * time.Second,
		MaxBackoff:    time.Duration(cfg.Reconcile.MaxBackoffSeconds) * time.Second,
		MaxAttempts:   cfg.Reconcile.MaxAttempts,
		RetentionDays: cfg.RetentionTaskEventsDays,
	})

	r.gateway = gateway.New(gateway.Config{
		Store:             r.store,
		Pool:              r.pool,
		Queue:             r.queue,
		Ingress:           ingress,
		Commands:          r.commands,
		Bus:               eventBus,
		Metrics:           metrics,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		RateLimit:         cfg.RateLimit,
		Logger:            logger,
	})
	return r, nil
}

// Start recovers pending work and starts the pool and the reconciler.
func (r *relay) Start(ctx context.Context) error {
	r.pool.Start(ctx)
	r.logger.Info("startup phase", "phase", "pool_started", "max_concurrent", r.cfg.MaxConcurrentTasks)
	if err := r.reconciler.Start(ctx); err != nil {
		return fatalStartup(r.logger, "E_RECONCILER_START", err)
	}
	r.logger.Info("startup phase", "phase", "reconciler_started",
		"interval_seconds", r.cfg.Reconcile.IntervalSeconds,
		"retention_days", r.cfg.RetentionTaskEventsDays,
	)
	return nil
}

// Drain stops the reconciler and waits up to timeout for running tasks.
func (r *relay) Drain(timeout time.Duration) error {
	if r.reconciler != nil {
		r.reconciler.Stop()
	}
	if r.pool == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.pool.Shutdown(ctx)
}

// Close releases everything newRelay opened. Safe on a partly built relay.
func (r *relay) Close() error {
	var err error
	if r.queue != nil {
		err = multierr.Append(err, r.queue.Close())
	}
	if r.audit != nil {
		err = multierr.Append(err, r.audit.Close())
	}
	if r.store != nil {
		err = multierr.Append(err, r.store.Close())
	}
	if r.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		err = multierr.Append(err, r.otel.Shutdown(ctx))
	}
	return err
}

// watchConfig hot-reloads the static command file. Other config.yaml
// changes need a restart and are only reported.
func (r *relay) watchConfig(ctx context.Context, w *config.Watcher) {
	commandsPath := filepath.Clean(r.cfg.CommandsPath())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if filepath.Clean(ev.Path) == commandsPath {
				if err := r.commands.ReloadStatic(ctx, commandsPath); err != nil {
					r.logger.Error("static commands reload rejected; keeping previous set", "path", commandsPath, "error", err)
					continue
				}
				r.logger.Info("static commands reloaded", "version", r.commands.StaticVersion())
				continue
			}
			next, err := config.Load()
			if err != nil {
				r.logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if next.Fingerprint() != r.cfg.Fingerprint() {
				r.logger.Warn("config.yaml changed; restart to apply", "config_hash", next.Fingerprint())
			}
		}
	}
}

func openQueue(cfg config.Config, store *persistence.Store) (queue.Queue, error) {
	lease := time.Duration(cfg.Queue.LeaseSeconds) * time.Second
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemory(), nil
	case "sqlite":
		if cfg.Queue.DSN == "" {
			return queue.NewSQLite(store.DB(), lease)
		}
		return queue.OpenSQLite(cfg.Queue.DSN, lease)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func providerSettings(cfg config.Config) map[string]commands.ProviderSettings {
	settings := make(map[string]commands.ProviderSettings, len(cfg.Providers))
	for name, p := range cfg.Providers {
		settings[name] = commands.ProviderSettings{
			MentionPrefix:  p.MentionPrefix,
			DefaultCommand: p.DefaultCommand,
		}
	}
	return settings
}

// startupError carries the reason code of a failed startup phase.
type startupError struct {
	Code string
	Err  error
}

func (e *startupError) Error() string {
	return e.Code + ": " + e.Err.Error()
}

func (e *startupError) Unwrap() error {
	return e.Err
}

// fatalStartup logs a structured startup failure and returns it as a
// *startupError. Before the logger exists the event goes to stderr.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	} else {
		err = errors.New(reasonCode)
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"relay","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return &startupError{Code: reasonCode, Err: err}
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

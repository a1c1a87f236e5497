package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	appcart "github.com/coachpo/ordersync/internal/app/cart"
	"github.com/coachpo/ordersync/internal/app/tracking"
	cartmodel "github.com/coachpo/ordersync/internal/domain/cart"
	"github.com/coachpo/ordersync/internal/domain/order"
	"github.com/coachpo/ordersync/internal/infra/bus/eventbus"
	"github.com/coachpo/ordersync/internal/infra/cartapi"
	"github.com/coachpo/ordersync/internal/infra/channel"
	"github.com/coachpo/ordersync/internal/infra/config"
	"github.com/coachpo/ordersync/internal/infra/credential"
	"github.com/coachpo/ordersync/internal/infra/identity"
	"github.com/coachpo/ordersync/internal/infra/observability"
	"github.com/coachpo/ordersync/internal/infra/persistence"
	"github.com/coachpo/ordersync/internal/infra/persistence/migrations"
	"github.com/coachpo/ordersync/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/ordersync/internal/infra/server/http"
	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

const (
	runLoggerPrefix          = "ordersync "
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	componentShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
	initialRefreshTimeout    = 15 * time.Second
	initialTrackTimeout      = 15 * time.Second
)

func newRunCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Reconcile the cart and tracked orders and serve the local API",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			ctx, cancel := newSignalContext()
			defer cancel()
			return runService(ctx, cancel, root)
		},
	}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
}

func runService(ctx context.Context, cancel context.CancelFunc, root *rootOptions) error {
	logger := newLogger(runLoggerPrefix)
	observability.SetLogger(observability.NewStdLogger(logger, root.Verbose))

	appCfg, err := loadConfig(ctx, logger, root)
	if err != nil {
		return err
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return err
	}
	startup := &startupCleanup{logger: logger}
	defer startup.run()
	startup.add("shutting down telemetry", func() error {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		return telemetryProvider.Shutdown(shutdownCtx)
	})

	creds := credential.NewSource(appCfg.Credential.Token)
	if creds.Authenticated() {
		logger.Printf("bearer credential loaded: expires=%s", formatExpiry(creds.Expiry()))
	}

	var pool *pgxpool.Pool
	if appCfg.Database.Enabled() {
		pool, err = initDatabase(ctx, logger, appCfg.Database)
		if err != nil {
			return err
		}
		startup.add("closing database pool", func() error { pool.Close(); return nil })
	}

	identityStore, closeIdentity, err := buildIdentityStore(appCfg.Identity, pool)
	if err != nil {
		return err
	}
	startup.add("closing identity store", closeIdentity)
	logger.Printf("cart identity store: %s", appCfg.Identity.Backend)

	backend, err := buildCartBackend(appCfg.Backend, creds)
	if err != nil {
		return err
	}
	logger.Printf("cart backend: mode=%s", appCfg.Backend.Mode)

	busCfg := func(name string) eventbus.MemoryConfig {
		return eventbus.MemoryConfig{
			Name:          name,
			BufferSize:    appCfg.Eventbus.BufferSize,
			FanoutWorkers: appCfg.Eventbus.FanoutWorkerCount(),
		}
	}
	cartBus := eventbus.NewMemoryBus[cartmodel.Snapshot](busCfg("cart"))
	orderBus := eventbus.NewMemoryBus[order.Snapshot](busCfg("orders"))
	suggestionBus := eventbus.NewMemoryBus[order.Suggestions](busCfg("suggestions"))
	verificationBus := eventbus.NewMemoryBus[order.VerificationStatus](busCfg("verification"))
	startup.add("closing event buses", func() error {
		cartBus.Close()
		orderBus.Close()
		suggestionBus.Close()
		verificationBus.Close()
		return nil
	})

	cartStore, err := appcart.NewStore(ctx, appcart.Options{Backend: backend, Identity: identityStore, Bus: cartBus})
	if err != nil {
		return fmt.Errorf("initialise cart store: %w", err)
	}
	refreshCtx, refreshCancel := context.WithTimeout(ctx, initialRefreshTimeout)
	if err := cartStore.Refresh(refreshCtx); err != nil {
		logger.Printf("initial cart refresh failed: %v", err)
	} else {
		snap := cartStore.Snapshot()
		logger.Printf("cart loaded: lines=%d, items=%d, total=%s", len(snap.Lines), snap.TotalItems, snap.TotalAmount.StringFixed(2))
	}
	refreshCancel()

	manager := channel.NewManager(&channel.WebsocketDialer{
		BaseURL:   appCfg.Channel.BaseURL,
		ReadLimit: appCfg.Channel.ReadLimitBytes,
		Token:     creds.Token,
	}, channel.Options{
		ReconnectDelay:       appCfg.Channel.ReconnectDelay,
		MaxReconnectAttempts: appCfg.Channel.MaxReconnectAttempts,
		PingInterval:         appCfg.Channel.PingInterval,
		Roles:                appCfg.Channel.Roles,
	})
	logChannelEvents(manager, logger)

	var snapshots persistence.SnapshotStore = persistence.NewMemorySnapshotStore()
	if pool != nil {
		snapshots = postgres.NewSnapshotStore(pool)
	}
	deadLetters := observability.NewDeadLetterQueue(appCfg.Channel.DeadLetterCapacity)
	banner := tracking.NewVerificationBanner(verificationBus)
	registry := tracking.NewRegistry(manager, appCfg.Tracking.Role, tracking.Deps{
		Snapshots:   snapshots,
		Orders:      orderBus,
		Suggestions: suggestionBus,
		Banner:      banner,
		DeadLetters: deadLetters,
	})
	trackConfiguredOrders(ctx, logger, registry, appCfg.Tracking.Orders)
	for _, role := range appCfg.Tracking.VerificationRoles {
		if err := banner.Attach(ctx, manager, role); err != nil {
			logger.Printf("watch verification on %s: %v", role, err)
		}
	}

	startup.disarm()

	var lifecycle conc.WaitGroup

	apiServer := buildAPIServer(appCfg.APIServer, httpserver.Deps{
		Cart:        cartStore,
		Orders:      registry,
		Banner:      banner,
		Channels:    manager,
		DeadLetters: deadLetters,
	})
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("local API listening on %s", apiServer.Addr)

	logger.Print("ordersync started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		closers: []namedCloser{
			{name: "releasing order trackers", close: func() error { registry.Close(); banner.Detach(); return nil }},
			{name: "closing push channels", close: func() error { manager.Close(); return nil }},
			{name: "closing cart store", close: func() error { cartStore.Close(); return nil }},
			{name: "closing event buses", close: func() error {
				cartBus.Close()
				orderBus.Close()
				suggestionBus.Close()
				verificationBus.Close()
				return nil
			}},
			{name: "closing identity store", close: closeIdentity},
			{name: "closing database pool", close: func() error {
				if pool != nil {
					pool.Close()
				}
				return nil
			}},
		},
		telemetry: telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	return nil
}

func loadConfig(ctx context.Context, logger *log.Logger, root *rootOptions) (config.AppConfig, error) {
	if err := config.LoadDotEnv(root.EnvFile); err != nil {
		return config.AppConfig{}, fmt.Errorf("load env file: %w", err)
	}
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(root.ConfigPath))
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, roles=%v, tracked orders=%d",
		appCfg.Environment, appCfg.Channel.Roles, len(appCfg.Tracking.Orders))
	return appCfg, nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.OTLPInsecure
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func initDatabase(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, cfg.MigrationsPath, logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, cfg.DSN, postgres.PoolOptions{
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Printf("database connected: maxConns=%d", cfg.MaxConns)
	return pool, nil
}

func buildIdentityStore(cfg config.IdentityConfig, pool *pgxpool.Pool) (cartmodel.IdentityStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.IdentityFile:
		store, err := identity.NewFile(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("file identity store: %w", err)
		}
		return store, noop, nil
	case config.IdentityRedis:
		store := identity.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey)
		return store, store.Close, nil
	case config.IdentityPostgres:
		if pool == nil {
			return nil, nil, errors.New("postgres identity store requires database.dsn")
		}
		return postgres.NewIdentityStore(pool, cfg.Slot), noop, nil
	default:
		return identity.NewMemory(), noop, nil
	}
}

func buildCartBackend(cfg config.BackendConfig, creds *credential.Source) (cartmodel.Backend, error) {
	if cfg.Mode == config.BackendLocal {
		return newLocalBackend(cfg.CatalogPath)
	}
	client, err := cartapi.NewClient(cartapi.ClientOptions{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		RateLimit:  cfg.RateLimit,
		Burst:      cfg.Burst,
		Credential: creds.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("cart client: %w", err)
	}
	return client, nil
}

func newLocalBackend(catalogPath string) (*cartapi.LocalBackend, error) {
	if catalogPath == "" {
		return cartapi.NewLocalBackend(), nil
	}
	items, err := cartapi.LoadCatalog(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return cartapi.NewLocalBackend(items...), nil
}

func logChannelEvents(manager *channel.Manager, logger *log.Logger) {
	manager.On(channel.OnOpen, func(evt channel.Event) {
		logger.Printf("push channel open: role=%s", evt.Role)
	})
	manager.On(channel.OnClose, func(evt channel.Event) {
		logger.Printf("push channel closed: role=%s", evt.Role)
	})
	manager.On(channel.OnError, func(evt channel.Event) {
		logger.Printf("push channel error: role=%s: %v", evt.Role, evt.Err)
	})
}

func trackConfiguredOrders(ctx context.Context, logger *log.Logger, registry *tracking.Registry, orders []string) {
	for _, id := range orders {
		trackCtx, cancel := context.WithTimeout(ctx, initialTrackTimeout)
		_, err := registry.Track(trackCtx, id)
		cancel()
		if err != nil {
			logger.Printf("track order %s: %v", id, err)
			continue
		}
		logger.Printf("tracking order %s", id)
	}
}

func formatExpiry(expiry time.Time) string {
	if expiry.IsZero() {
		return "never"
	}
	return expiry.UTC().Format(time.RFC3339)
}

func buildAPIServer(cfg config.APIServerConfig, deps httpserver.Deps) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(deps),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("api server: %v", err)
		}
	})
}

type namedCloser struct {
	name  string
	close func() error
}

// startupCleanup unwinds what runService acquired when it returns before the
// service is running. disarm hands ownership to the graceful shutdown.
type startupCleanup struct {
	logger  *log.Logger
	closers []namedCloser
}

func (c *startupCleanup) add(name string, fn func() error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

func (c *startupCleanup) disarm() { c.closers = nil }

func (c *startupCleanup) run() {
	if len(c.closers) == 0 {
		return
	}
	failures := observability.StepFailures{Operation: "startup cleanup"}
	for i := len(c.closers) - 1; i >= 0; i-- {
		closer := c.closers[i]
		if closer.close == nil {
			continue
		}
		c.logger.Printf("startup aborted: %s", closer.name)
		failures.Record(closer.name, closer.close())
	}
	c.closers = nil
	if err := failures.Err(); err != nil {
		c.logger.Printf("startup cleanup finished with errors: %v", err)
	}
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	closers    []namedCloser
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	failures := observability.StepFailures{Operation: "shutdown"}
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); failures.Record(name, err) {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitDone(stepCtx, cfg.lifecycle.Wait)
		})
	}

	for _, closer := range cfg.closers {
		if closer.close == nil {
			continue
		}
		closeFn := closer.close
		shutdownStep(closer.name, componentShutdownTimeout, func(stepCtx context.Context) error {
			var err error
			if waitErr := waitDone(stepCtx, func() { err = closeFn() }); waitErr != nil {
				return waitErr
			}
			return err
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}

	if err := failures.Err(); err != nil {
		logger.Printf("shutdown finished with errors: %v", err)
	}
}

func waitDone(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for completion: %w", ctx.Err())
	}
}

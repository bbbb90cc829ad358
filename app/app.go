package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"track-record-engine/api"
	"track-record-engine/audit"
	"track-record-engine/auth"
	"track-record-engine/cache"
	"track-record-engine/checkpoint"
	"track-record-engine/config"
	"track-record-engine/database"
	"track-record-engine/database/evidence"
	"track-record-engine/database/proofs"
	"track-record-engine/handlers"
	"track-record-engine/ingest"
	"track-record-engine/ladder"
	"track-record-engine/metrics"
	"track-record-engine/notifications"
	"track-record-engine/proof"
	"track-record-engine/realtime"
	"track-record-engine/websocket"
)

const shutdownTimeout = 10 * time.Second

// App represents the main application
type App struct {
	config         *config.Config
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	db             *database.Database
	redis          *cache.RedisClient
	ledgerRepo     *database.LedgerRepository
	proofRepo      *proofs.Repository
	evidenceRepo   *evidence.Repository
	broker         *realtime.Broker
	relay          *realtime.Relay
	handlerManager *handlers.HandlerManager
	gateway        *websocket.TerminalGateway
	healthWorker   *notifications.HealthWorker
	apiServer      *api.Server
}

// New creates a new application instance
func New(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		config:         cfg,
		logger:         logger,
		metrics:        metrics.New(),
		handlerManager: handlers.NewHandlerManager(logger),
	}
}

// Start wires every component, serves until SIGINT or SIGTERM and shuts down.
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.setup(ctx); err != nil {
		a.close()
		return err
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			a.logger.Debug().Str("task", name).Msg("background task stopped")
		}()
	}

	run("broker", a.broker.Run)
	if a.relay != nil {
		run("relay", func(ctx context.Context) {
			if err := a.relay.Run(ctx); err != nil {
				a.logger.Error().Err(err).Msg("chain head relay stopped")
			}
		})
	}
	if a.healthWorker != nil {
		run("health_worker", a.healthWorker.Run)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.apiServer.Start(ctx, a.config.HTTP.Port, a.config.HTTP.ReadTimeout, a.config.HTTP.WriteTimeout)
	}()

	err := a.waitForShutdown(serverErr, cancel)
	a.gateway.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		a.logger.Warn().Msg("shutdown timeout exceeded, forcing exit")
		err = fmt.Errorf("shutdown timeout")
	}
	a.close()
	return err
}

func (a *App) setup(ctx context.Context) error {
	cfg := a.config

	// 1. Database
	db, err := a.openDatabase()
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	a.db = db
	if err := a.db.InitSchema(); err != nil {
		return fmt.Errorf("schema initialization failed: %w", err)
	}
	a.ledgerRepo = database.NewLedgerRepository(a.db)
	a.proofRepo = proofs.NewRepository(a.db.DB())
	a.evidenceRepo = evidence.NewRepository(a.db.DB())

	// 2. Redis (optional)
	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Redis unavailable; verify cache, health queue and stream fan-out disabled")
		} else {
			a.redis = redisClient
			a.logger.Info().Str("host", cfg.Redis.Host).Msg("Redis connected")
		}
	}

	// 3. Keys
	hmacKeys, err := checkpoint.ParseKeyring(cfg.Keys.HMAC, cfg.Keys.HMACActive)
	if err != nil {
		return fmt.Errorf("checkpoint keys: %w", err)
	}
	signingKeys, err := proof.ParseKeyRing(cfg.Keys.Signing, cfg.Keys.SigningActive)
	if err != nil {
		return fmt.Errorf("signing keys: %w", err)
	}
	if err := proof.Publish(ctx, a.proofRepo, signingKeys, time.Now()); err != nil {
		return fmt.Errorf("publish signing keys: %w", err)
	}

	// 4. Realtime fan-out
	a.broker = realtime.NewBroker(a.logger, a.metrics)
	var headObserver ingest.Observer = a.broker
	if a.redis != nil {
		a.relay = realtime.NewRelay(a.redis, realtime.DefaultChannel, a.broker, a.logger)
		headObserver = a.relay
	}

	// 5. Ingestion
	policy := checkpoint.DefaultPolicy()
	policy.Interval = cfg.Ledger.CheckpointInterval
	opts := []ingest.Option{
		ingest.WithLogger(a.logger),
		ingest.WithPolicy(policy),
		ingest.WithTimestampWindow(cfg.Ledger.ClockSkew, cfg.Ledger.CreationTolerance),
		ingest.WithMaxAttempts(cfg.Ledger.IngestAttempts),
		ingest.WithMetrics(a.metrics),
		ingest.WithObserver(headObserver),
	}
	var queue *notifications.HealthQueue
	if a.redis != nil {
		queue = notifications.NewHealthQueue(a.redis, cfg.Health.QueueKey)
		opts = append(opts, ingest.WithOutbox(queue))
	}
	ingestor, err := ingest.New(a.ledgerRepo, hmacKeys, opts...)
	if err != nil {
		return fmt.Errorf("ingestor: %w", err)
	}

	// 6. Verification, proofs and the trust ladder
	auditOpts := []audit.Option{
		audit.WithSigner(hmacKeys),
		audit.WithLogger(a.logger),
		audit.WithMetrics(a.metrics),
		audit.WithMaxChainLength(cfg.Ledger.MaxVerifyLength),
	}
	if a.redis != nil {
		auditOpts = append(auditOpts, audit.WithCache(cache.NewVerifyCache(a.redis, cfg.Ledger.VerifyCacheTTL)))
	}
	auditor := audit.NewService(a.ledgerRepo, auditOpts...)
	generator := proof.NewGenerator(a.ledgerRepo, signingKeys, a.proofRepo, a.logger, a.metrics)

	var registry *ladder.Registry
	if cfg.Ladder.ThresholdsFile != "" {
		if registry, err = ladder.LoadRegistry(cfg.Ladder.ThresholdsFile); err != nil {
			return fmt.Errorf("ladder thresholds: %w", err)
		}
	}
	ladderService, err := ladder.NewService(a.evidenceRepo, a.ledgerRepo, auditor, registry, a.logger)
	if err != nil {
		return fmt.Errorf("ladder: %w", err)
	}

	// 7. Terminal protocol
	terminals := auth.NewTerminalAuth(cfg.Terminals.Tokens)
	a.setupHandlers(ingestor)
	a.gateway = websocket.NewTerminalGateway(terminals, a.handlerManager, a.logger, a.metrics)

	// 8. Health evaluation delivery
	if queue != nil && cfg.Health.URL != "" {
		a.healthWorker = notifications.NewHealthWorker(queue, notifications.WorkerConfig{
			URL:         cfg.Health.URL,
			AuthToken:   cfg.Health.AuthToken,
			Currency:    cfg.Health.Currency,
			Concurrency: cfg.Health.Concurrency,
			MaxAttempts: cfg.Health.MaxAttempts,
			PollTimeout: cfg.Health.PollTimeout,
		}, a.evidenceRepo, a.logger, a.metrics)
	} else {
		a.logger.Info().Msg("health evaluation delivery disabled")
	}

	// 9. API server
	a.apiServer = api.NewServer(api.Dependencies{
		Instances: a.ledgerRepo,
		Reader:    a.ledgerRepo,
		Ingestor:  ingestor,
		Audit:     auditor,
		Proofs:    generator,
		Keys:      a.proofRepo,
		Evidence:  a.evidenceRepo,
		Ladder:    ladderService,
		Terminals: terminals,
		Broker:    a.broker,
		Gateway:   a.gateway,
		Metrics:   a.metrics,
		Logger:    a.logger,
		ShareTTL:  cfg.Proof.ShareTTL,
		Ping:      a.ping,
	})

	a.logger.Info().
		Str("driver", cfg.Database.Driver).
		Bool("redis", a.redis != nil).
		Int64("checkpoint_interval", policy.Interval).
		Str("checkpoint_key", hmacKeys.ActiveKeyID()).
		Str("signing_key", signingKeys.ActiveVersion()).
		Strs("handlers", a.handlerManager.ListHandlers()).
		Msg("application wired")
	return nil
}

func (a *App) openDatabase() (*database.Database, error) {
	cfg := a.config.Database
	if cfg.Driver == "sqlite" {
		a.logger.Info().Str("path", cfg.SQLitePath).Msg("opening SQLite database")
		return database.OpenSQLite(cfg.SQLitePath)
	}
	a.logger.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("connecting to PostgreSQL")
	return database.Connect(database.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		User:         cfg.User,
		Password:     cfg.Password,
		DBName:       cfg.Name,
		SSLMode:      cfg.SSLMode,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
}

// setupHandlers registers the terminal message handlers
func (a *App) setupHandlers(ingestor handlers.Ingester) {
	a.handlerManager.RegisterHandler(handlers.NewEventHandler(ingestor))
	a.handlerManager.RegisterHandler(handlers.NewStateHandler(a.ledgerRepo))
	a.handlerManager.RegisterHandler(handlers.PingHandler{})
}

func (a *App) ping(ctx context.Context) error {
	if err := a.db.Ping(); err != nil {
		return err
	}
	if a.redis != nil {
		return a.redis.Ping(ctx)
	}
	return nil
}

// waitForShutdown blocks until a signal arrives or the server fails.
func (a *App) waitForShutdown(serverErr <-chan error, cancel context.CancelFunc) error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	select {
	case sig := <-interrupt:
		a.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, initiating graceful shutdown")
		cancel()
		return <-serverErr
	case err := <-serverErr:
		cancel()
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	}
}

func (a *App) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error().Err(err).Msg("error closing database")
		} else {
			a.logger.Info().Msg("database connection closed")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error().Err(err).Msg("error closing redis")
		} else {
			a.logger.Info().Msg("redis connection closed")
		}
	}
}

package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "solpilot/internal/blob/s3"
	"solpilot/internal/cache/redis"
	"solpilot/internal/config"
	"solpilot/internal/domain"
	"solpilot/internal/engine"
	"solpilot/internal/jobs"
	"solpilot/internal/notify"
	"solpilot/internal/risk"
	"solpilot/internal/server"
	"solpilot/internal/server/handler"
	"solpilot/internal/service"
	"solpilot/internal/store/postgres"
	"solpilot/internal/swap"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Positions    domain.PositionStore
	Balances     domain.BalanceStore
	Transactions domain.TransactionStore
	History      domain.HistoricalSwapStore
	Configs      domain.ConfigStore
	Audit        domain.AuditStore
	TxManager    domain.TxManager

	// Caches and coordination primitives
	PositionCache domain.PositionCache
	BalanceCache  domain.BalanceCache
	ConfigCache   domain.ConfigCache
	PriceCache    domain.PriceCache
	Locks         domain.LockManager
	Idempotency   domain.IdempotencyStore
	RateLimiter   domain.RateLimiter
	Bus           domain.SignalBus

	// Domain components
	Swapper     domain.SwapExecutor
	Resolver    *risk.Resolver
	DecisionCh  chan domain.TickDecision
	Monitor     *engine.Monitor
	Dispatcher  *engine.Dispatcher
	Coordinator *engine.Coordinator
	Positioner  *service.PositionService

	// Background jobs; nil when the mode does not run them.
	Scheduler *jobs.Scheduler

	// Admin HTTP API; nil unless enabled in config.
	API *server.Server

	// Operator alerts; nil unless a sender is configured.
	Alerts *notify.AlertConsumer
}

// needsPostgres reports whether the mode requires the durable store.
func needsPostgres(mode string) bool {
	switch mode {
	case "engine", "monitor", "full":
		return true
	default:
		return false
	}
}

// needsJobs reports whether the mode runs the background scheduler.
func needsJobs(mode string) bool {
	switch mode {
	case "engine", "full":
		return true
	default:
		return false
	}
}

// Wire constructs the concrete dependency graph for the configured mode and
// returns it with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Redis: every mode uses the bus and caches ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PositionCache = redis.NewPositionCache(redisClient)
	deps.BalanceCache = redis.NewBalanceCache(redisClient)
	deps.ConfigCache = redis.NewConfigCache(redisClient)
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Idempotency = redis.NewIdempotencyStore(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)

	if !needsPostgres(cfg.Mode) {
		return deps, cleanup, nil
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Balances = postgres.NewBalanceStore(pool)
	deps.Transactions = postgres.NewTransactionStore(pool)
	deps.History = postgres.NewHistoricalSwapStore(pool)
	deps.Configs = postgres.NewConfigStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.TxManager = postgres.NewTxManager(pool)

	// --- Domain components ---
	deps.Resolver = risk.NewResolver(deps.Configs, deps.ConfigCache,
		risk.DefaultsFromConfig(cfg.Risk), logger)

	deps.Swapper = swap.NewJupiterClient(cfg.Swap, deps.RateLimiter, logger)

	deps.DecisionCh = make(chan domain.TickDecision, cfg.Engine.DecisionBuffer)
	deps.Monitor = engine.NewMonitor(deps.Positions, deps.PositionCache,
		deps.Resolver, deps.DecisionCh, cfg.Engine.MaxParallelTokens, logger)

	deps.Coordinator = engine.NewCoordinator(
		deps.Positions, deps.Balances, deps.Transactions, deps.History,
		deps.Audit, deps.TxManager,
		deps.PositionCache, deps.BalanceCache, deps.PriceCache,
		deps.Locks, deps.Idempotency, deps.Bus,
		deps.Swapper, deps.Resolver,
		engine.CoordinatorOptions{
			Wallet:         cfg.Engine.Wallet,
			SettlementMint: cfg.Swap.SettlementMint,
			Simulate:       cfg.Swap.Simulation,
			LockTTL:        cfg.Engine.LockTTL.Duration,
			IdempotencyTTL: cfg.Engine.IdempotencyTTL.Duration,
			EventChannel:   cfg.Engine.EventChannel,
			RetryStream:    cfg.Engine.RetryStream,
		},
		logger)
	deps.Dispatcher = engine.NewDispatcher(deps.DecisionCh, deps.Coordinator, logger)

	deps.Positioner = service.NewPositionService(
		deps.Positions, deps.Balances, deps.Transactions, deps.Configs,
		deps.Audit, deps.TxManager,
		deps.PositionCache, deps.PriceCache, deps.Idempotency, deps.Bus,
		deps.Swapper, deps.Resolver, deps.Coordinator,
		service.PositionServiceOptions{
			Wallet:         cfg.Engine.Wallet,
			SettlementMint: cfg.Swap.SettlementMint,
			Simulate:       cfg.Swap.Simulation,
			IdempotencyTTL: cfg.Engine.IdempotencyTTL.Duration,
			SignalChannel:  cfg.Engine.SignalChannel,
			EventChannel:   cfg.Engine.EventChannel,
		},
		logger)

	var senders []notify.Sender
	if cfg.Notify.TelegramBotToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhook != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhook))
	}
	if len(senders) > 0 {
		notifier := notify.NewNotifier(senders, cfg.Notify.Events, logger)
		deps.Alerts = notify.NewAlertConsumer(deps.Bus, notifier, cfg.Engine.EventChannel, logger)
	}

	if cfg.Server.Enabled {
		positionHandler := handler.NewPositionHandler(deps.Positioner, logger)
		deps.API = server.NewServer(server.Config{
			Port:       cfg.Server.Port,
			APIKey:     cfg.Server.APIKey,
			RateLimit:  cfg.Server.RateLimit,
			RateWindow: cfg.Server.RateWindow.Duration,
		}, positionHandler, deps.RateLimiter, logger)
	}

	// --- Background jobs ---
	if needsJobs(cfg.Mode) && cfg.Jobs.Enabled {
		sched := jobs.NewScheduler(logger)

		staleJob := jobs.NewStaleCloseJob(deps.Positions, deps.PriceCache,
			deps.Resolver, deps.Coordinator, logger)
		if err := sched.Add(cfg.Jobs.StaleCloseCron, staleJob); err != nil {
			cleanup()
			return nil, nil, err
		}

		retryJob := jobs.NewLedgerRetryJob(deps.Bus, deps.Coordinator,
			cfg.Engine.RetryStream, logger)
		if err := sched.Add(cfg.Jobs.LedgerRetryCron, retryJob); err != nil {
			cleanup()
			return nil, nil, err
		}

		if cfg.S3.Enabled {
			s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
				Endpoint:       cfg.S3.Endpoint,
				Region:         cfg.S3.Region,
				Bucket:         cfg.S3.Bucket,
				AccessKey:      cfg.S3.AccessKey,
				SecretKey:      cfg.S3.SecretKey,
				UseSSL:         cfg.S3.UseSSL,
				ForcePathStyle: cfg.S3.ForcePathStyle,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: s3: %w", err)
			}
			archiver := s3blob.NewArchiver(s3Client, deps.History, deps.Audit)
			archiveJob := jobs.NewArchiveJob(archiver, cfg.Jobs.ArchiveRetentionDays, logger)
			if err := sched.Add(cfg.Jobs.ArchiveCron, archiveJob); err != nil {
				cleanup()
				return nil, nil, err
			}
		}

		deps.Scheduler = sched
	}

	return deps, cleanup, nil
}

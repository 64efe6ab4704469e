package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/renderloom/backend/internal/artifacts"
	"github.com/renderloom/backend/internal/config"
	"github.com/renderloom/backend/internal/events"
	"github.com/renderloom/backend/internal/execution"
	"github.com/renderloom/backend/internal/holds"
	"github.com/renderloom/backend/internal/jobs"
	"github.com/renderloom/backend/internal/ledger"
	"github.com/renderloom/backend/internal/payments"
	"github.com/renderloom/backend/internal/pricing"
	"github.com/renderloom/backend/internal/provider"
	"github.com/renderloom/backend/internal/ratelimit"
	"github.com/renderloom/backend/internal/reconcile"
	"github.com/renderloom/backend/internal/repository"
	"github.com/renderloom/backend/internal/sweeper"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
		slog.Error("Schema migrations failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first (e.g. make dev-up)", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo)

	// Jobs and holds
	jobsRepo := jobs.NewRepository(pool)
	holdMgr := holds.NewManager(jobsRepo, ledgerSvc)

	providerClient := provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderToken, logger)
	artifactStore := artifacts.NewPassthroughStore(logger)

	var publisher events.Publisher = events.Noop{}
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			slog.Error("NATS connect failed", "error", err, "url", cfg.NatsURL)
			os.Exit(1)
		}
		defer nc.Close()
		publisher = events.NewNATSPublisher(nc, logger)
		slog.Info("Connected to NATS", "url", cfg.NatsURL)
	}

	// Queue insert funcs are set after the River client exists (breaks the
	// init cycle between the job service, the workers, and the client).
	var insertMu sync.Mutex
	var submitFn jobs.InsertSubmitTxFunc
	var pollFn execution.PollEnqueuer

	insertSubmit := func(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error {
		insertMu.Lock()
		fn := submitFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, jobID)
	}

	jobsSvc := jobs.NewService(jobsRepo, holdMgr, providerClient, insertSubmit, logger)
	reconciler := reconcile.NewReconciler(jobsSvc, holdMgr, artifactStore, publisher, logger)
	staleSweeper := sweeper.New(jobsRepo, providerClient, reconciler, cfg.JobStaleAfter, logger)

	// Poll mode is the fallback when no public webhook address is configured.
	var enqueuePoll execution.PollEnqueuer
	if cfg.WebhookBaseURL == "" {
		enqueuePoll = func(ctx context.Context, jobID uuid.UUID, providerID string) error {
			insertMu.Lock()
			fn := pollFn
			insertMu.Unlock()
			if fn == nil {
				panic("river insert not wired")
			}
			return fn(ctx, jobID, providerID)
		}
		slog.Info("No WEBHOOK_BASE_URL set, finalizing jobs by polling the provider")
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewSubmitWorker(jobsRepo, providerClient, reconciler, enqueuePoll, cfg.WebhookBaseURL, []byte(cfg.CallbackSecret), logger))
	river.AddWorker(workers, execution.NewFinalizePollWorker(providerClient, reconciler, logger))
	river.AddWorker(workers, execution.NewCleanupWorker(artifactStore, logger))
	river.AddWorker(workers, execution.NewSweepWorker(staleSweeper))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.SweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return execution.SweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	scheduler := execution.NewScheduler(riverClient)
	insertMu.Lock()
	submitFn = scheduler.InsertSubmitTx
	pollFn = scheduler.EnqueuePoll
	insertMu.Unlock()
	reconciler.WithCleanup(scheduler, cfg.CleanupDelay)

	// Pricing catalog
	pricingRepo := pricing.NewRepository(pool)
	pricingSvc := pricing.NewService(pricingRepo)
	if err := pricing.EnsureDefaults(ctx, pricingRepo, logger); err != nil {
		slog.Error("Catalog seeding failed", "error", err)
		os.Exit(1)
	}

	var validator *pricing.Validator
	if cfg.SchemaDir != "" {
		validator, err = pricing.NewValidator(cfg.SchemaDir)
		if err != nil {
			slog.Warn("Input schema validator init failed (model input validation disabled)", "error", err)
		}
	}

	paymentsSvc := payments.NewService(cfg.PaymentWebhookSecret, ledgerSvc, logger)

	apiKeyRepo := repository.NewAPIKeyRepo(pool)

	var counter ratelimit.Counter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Redis connect failed", "error", err, "addr", cfg.RedisAddr)
			os.Exit(1)
		}
		defer rdb.Close()
		counter = ratelimit.NewRedisCounter(rdb, "rl")
		slog.Info("Connected to Redis", "addr", cfg.RedisAddr)
	} else {
		counter = ratelimit.NewMemoryCounter()
	}
	limiter := ratelimit.NewLimiter(counter, cfg.RateLimitPerMinute, time.Minute)

	mux := http.NewServeMux()
	RegisterV1Routes(mux, &AppDeps{
		Jobs:           jobsSvc,
		Pricing:        pricingSvc,
		Validator:      validator,
		Ledger:         ledgerSvc,
		Payments:       paymentsSvc,
		Reconciler:     reconciler,
		APIKeys:        apiKeyRepo,
		Limiter:        limiter,
		ProviderSecret: cfg.ProviderWebhookSecret,
		CallbackSecret: []byte(cfg.CallbackSecret),
		Logger:         logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}

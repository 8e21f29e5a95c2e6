package main

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"MailDispatch/internal/api"
	"MailDispatch/internal/cache"
	"MailDispatch/internal/config"
	"MailDispatch/internal/db"
	"MailDispatch/internal/dispatch"
	"MailDispatch/internal/email"
	"MailDispatch/internal/metrics"
	"MailDispatch/internal/models"
	"MailDispatch/internal/queue"
	"MailDispatch/internal/templates"
	"MailDispatch/internal/worker"
)

type store interface {
	db.Store
	api.Pinger
}

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	var (
		st store
		pg *db.PostgresStore
	)

	switch cfg.StoreDriver {
	case "postgres":
		pg, err = db.New(ctx, cfg.DatabaseURL, cfg.RetryAttempts)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()

		if err := pg.Migrate(ctx, logger); err != nil {
			logger.Fatal("database migration failed", zap.Error(err))
		}
		st = pg
	default:
		logger.Warn("using in-memory store, jobs will not survive a restart")
		st = db.NewMemory()
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Templates
	// ------------------------------------------------
	var templateCache cache.Cache[models.UserTemplate]
	if cfg.RedisURL != "" {
		client, err := cache.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer client.Close()
		templateCache = cache.NewRedis[models.UserTemplate](client, "maildispatch:template")
	}

	var systemFS fs.FS = templates.Files
	if cfg.SystemTemplatesDir != "" {
		systemFS = os.DirFS(cfg.SystemTemplatesDir)
	}
	system, err := templates.LoadSystem(systemFS)
	if err != nil {
		logger.Fatal("failed to load system templates", zap.Error(err))
	}

	renderer := templates.NewRenderer(system, st, templateCache, cfg.TemplateCacheTTL, logger)

	// ------------------------------------------------
	// Email Transport
	// ------------------------------------------------
	var transport email.Transport
	switch cfg.Transport {
	case "resend":
		transport = email.NewResend(cfg.ResendAPIKey, cfg.ResendFrom)
	default:
		transport = email.NewSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom, cfg.RetryAttempts, logger)
	}

	testCtx, testCancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err = transport.TestConnection(testCtx)
	testCancel()
	if err != nil {
		logger.Fatal("email transport unreachable", zap.String("transport", cfg.Transport), zap.Error(err))
	}

	// ------------------------------------------------
	// Processor
	// ------------------------------------------------
	processor := worker.NewProcessor(
		st,
		renderer,
		transport,
		&worker.LogAuditor{Log: logger},
		worker.Config{Pacing: cfg.SendPacing, SendTimeout: cfg.SendTimeout},
		logger,
	)

	// ------------------------------------------------
	// Queue
	// ------------------------------------------------
	retry := queue.RetryPolicy{
		Initial:     cfg.QueueRetryInitial,
		Max:         cfg.QueueRetryMax,
		MaxAttempts: cfg.QueueMaxAttempts,
	}

	var q queue.Queue
	switch cfg.QueueDriver {
	case "river":
		if err := queue.MigrateRiver(ctx, pg.Pool); err != nil {
			logger.Fatal("river migration failed", zap.Error(err))
		}
		q, err = queue.NewRiver(pg.Pool, queue.RiverConfig{
			Workers: cfg.WorkerCount,
			Retry:   retry,
			OnDead:  processor.Dead,
			Logger:  logger,
		})
		if err != nil {
			logger.Fatal("river queue setup failed", zap.Error(err))
		}
	default:
		q = queue.NewMemory(queue.MemoryConfig{
			Workers:  cfg.WorkerCount,
			Fairness: cfg.QueueFairness,
			Retry:    retry,
			OnDead:   processor.Dead,
			Logger:   logger,
		})
	}
	defer q.Close()

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	var wg sync.WaitGroup

	worker.StartPool(ctx, &wg, q, processor, logger)

	// ------------------------------------------------
	// Dispatch Service + Recovery Sweeper
	// ------------------------------------------------
	service := dispatch.NewService(st, renderer, q, logger)

	sweeper, err := dispatch.NewSweeper(service, cfg.SweepSchedule, logger)
	if err != nil {
		logger.Fatal("sweeper setup failed", zap.Error(err))
	}
	sweeper.Start(ctx)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Service:       service,
		Health:        st,
		Log:           logger,
		MaxImportRows: cfg.ImportMaxRows,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new jobs
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	sweeper.Stop()

	// Workers stop between recipients; unfinished jobs resume on the next start
	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

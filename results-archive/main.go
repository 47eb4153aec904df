package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/rubberband/internal/analysis"
	"github.com/animus-labs/rubberband/internal/config"
	"github.com/animus-labs/rubberband/internal/platform/auth"
	"github.com/animus-labs/rubberband/internal/platform/env"
	"github.com/animus-labs/rubberband/internal/platform/httpserver"
	"github.com/animus-labs/rubberband/internal/platform/mailer"
	"github.com/animus-labs/rubberband/internal/platform/metrics"
	"github.com/animus-labs/rubberband/internal/platform/objectstore"
	"github.com/animus-labs/rubberband/internal/platform/postgres"
	"github.com/animus-labs/rubberband/internal/platform/redislock"
	repopg "github.com/animus-labs/rubberband/internal/repo/postgres"
	"github.com/animus-labs/rubberband/internal/service/ingest"
	"github.com/animus-labs/rubberband/internal/service/lifecycle"
	storageobjectstore "github.com/animus-labs/rubberband/internal/storage/objectstore"
	"github.com/animus-labs/rubberband/internal/vcs/gitlab"
)

const serviceName = "results-archive"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	serverCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}
	lockTTL, err := env.Duration("RUBBERBAND_SWEEP_LOCK_TTL", 30*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if err := postgres.Migrate(ctx, db); err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	objects, err := storageobjectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("backup object store init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.New(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	mailCfg, err := mailer.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid smtp config", "error", err)
		os.Exit(2)
	}
	var mail mailer.Sender = mailer.Discard{}
	if mailCfg.Enabled() {
		smtpSender, err := mailer.NewSMTPSender(mailCfg)
		if err != nil {
			logger.Error("smtp init failed", "error", err)
			os.Exit(2)
		}
		mail = smtpSender
	} else {
		logger.Warn("smtp not configured; async upload reports will not be delivered")
	}

	parser, err := analysis.NewCommandParser(cfg.AnalysisCommand, cfg.ParseTimeout, logger)
	if err != nil {
		logger.Error("analysis tool unavailable", "error", err)
		os.Exit(2)
	}

	var vcs ingest.CommitLookup
	if cfg.GitLab.Enabled() {
		client, err := gitlab.NewClient(ctx, cfg.GitLab)
		if err != nil {
			logger.Error("gitlab client init failed", "error", err)
			os.Exit(2)
		}
		vcs = client
	}

	runs := repopg.NewStore(db)
	ingestService, err := ingest.NewService(runs, objects, parser, vcs, ingest.Config{
		Bucket:         storeCfg.BucketBackups,
		ScratchDir:     cfg.ScratchDir,
		GlobalSoluFile: cfg.GlobalSoluFile,
		ReadersFile:    cfg.ReadersFile,
		ParseTimeout:   cfg.ParseTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Concurrency:    cfg.IngestConcurrency,
		ProjectIDs:     cfg.ProjectIDs,
	}, logger)
	if err != nil {
		logger.Error("ingest service init failed", "error", err)
		os.Exit(2)
	}
	lifecycleService, err := lifecycle.NewService(runs, objects, storeCfg.BucketBackups, cfg.WriteTimeout, logger)
	if err != nil {
		logger.Error("lifecycle service init failed", "error", err)
		os.Exit(2)
	}

	redisCfg, err := redislock.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid redis config", "error", err)
		os.Exit(2)
	}
	var locker lifecycle.Locker
	if redisCfg.Enabled() {
		pool := redislock.NewPool(redisCfg)
		defer func() { _ = pool.Close() }()
		l, err := redislock.New(pool, redisCfg.KeyPrefix)
		if err != nil {
			logger.Error("redis lock init failed", "error", err)
			os.Exit(2)
		}
		locker = l
	}
	scheduler, err := lifecycle.NewScheduler(lifecycleService, lifecycle.SchedulerConfig{
		Schedule: cfg.SweepSchedule,
		LockTTL:  lockTTL,
	}, locker, logger)
	if err != nil {
		logger.Error("sweep scheduler init failed", "error", err)
		os.Exit(2)
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("sweep scheduler start failed", "error", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			serviceName,
			httpserver.ReadinessCheck{
				Name:  "postgres",
				Check: httpserver.WithTimeout(750*time.Millisecond, runs.Ping),
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: httpserver.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
					return objectstore.CheckBuckets(ctx, storeClient, storeCfg)
				}),
			},
		),
	)
	mux.Handle("/metrics", metrics.Handler())

	api := newArchiveAPI(ctx, logger, archiveDeps{
		Runs:           runs,
		Objects:        objects,
		Bucket:         storeCfg.BucketBackups,
		Ingest:         ingestService,
		Lifecycle:      lifecycleService,
		Mail:           mail,
		BaseURL:        cfg.BaseURL,
		ScratchDir:     cfg.ScratchDir,
		UploadMaxBytes: cfg.MaxUploadBytes,
	})
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
	}.Wrap(mux)

	err = httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, serviceName, handler))
	api.wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

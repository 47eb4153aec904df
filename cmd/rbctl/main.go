// Command rbctl imports, reimports, deletes and sweeps archived benchmark
// runs against the configured store without going through the HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/rubberband/internal/analysis"
	"github.com/animus-labs/rubberband/internal/config"
	"github.com/animus-labs/rubberband/internal/platform/env"
	"github.com/animus-labs/rubberband/internal/platform/objectstore"
	"github.com/animus-labs/rubberband/internal/platform/postgres"
	"github.com/animus-labs/rubberband/internal/platform/redislock"
	repopg "github.com/animus-labs/rubberband/internal/repo/postgres"
	"github.com/animus-labs/rubberband/internal/service/ingest"
	"github.com/animus-labs/rubberband/internal/service/lifecycle"
	storageobjectstore "github.com/animus-labs/rubberband/internal/storage/objectstore"
	"github.com/animus-labs/rubberband/internal/vcs/gitlab"
	flag "github.com/spf13/pflag"
)

const usage = `rbctl - manage the Rubberband result archive

Usage:
  rbctl <command> [options]

Commands:
  import     Import result bundles from local files
  reimport   Reparse a stored run from new files or from its archived files
  delete     Delete runs with their results, settings and archived files
  sweep      Delete every run whose expiration date has passed
  list       List stored runs

Configuration is read from RUBBERBAND_* environment variables, DATABASE_URL
and the optional RUBBERBAND_CONFIG_FILE.

For command help: rbctl <command> --help
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(os.Stderr, usage)
		if len(args) == 0 {
			os.Exit(2)
		}
		return
	}
	if !knownCommand(args[0]) {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", args[0], usage)
		os.Exit(2)
	}

	logLevel := slog.LevelWarn
	if verbose, _ := env.Bool("RBCTL_VERBOSE", false); verbose {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	a, cleanup, err := newAppFromEnv(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rbctl: %v\n", err)
		os.Exit(2)
	}
	code := a.run(ctx, args)
	cleanup()
	os.Exit(code)
}

// newAppFromEnv connects to Postgres and MinIO and wires the services the
// same way the results-archive service does.
func newAppFromEnv(ctx context.Context, logger *slog.Logger) (*app, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*app, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(fmt.Errorf("config: %w", err))
	}
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return fail(fmt.Errorf("database config: %w", err))
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return fail(fmt.Errorf("database unavailable: %w", err))
	}
	closers = append(closers, func() { _ = db.Close() })
	if err := postgres.Migrate(ctx, db); err != nil {
		return fail(fmt.Errorf("database migration: %w", err))
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return fail(fmt.Errorf("object store config: %w", err))
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		return fail(fmt.Errorf("object store client: %w", err))
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = objectstore.EnsureBuckets(checkCtx, storeClient, storeCfg)
	cancel()
	if err != nil {
		return fail(fmt.Errorf("object store unavailable: %w", err))
	}
	objects, err := storageobjectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		return fail(err)
	}

	parser, err := analysis.NewCommandParser(cfg.AnalysisCommand, cfg.ParseTimeout, logger)
	if err != nil {
		return fail(fmt.Errorf("analysis tool: %w", err))
	}
	var vcs ingest.CommitLookup
	if cfg.GitLab.Enabled() {
		client, err := gitlab.NewClient(ctx, cfg.GitLab)
		if err != nil {
			return fail(fmt.Errorf("gitlab client: %w", err))
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
		return fail(err)
	}
	lifecycleService, err := lifecycle.NewService(runs, objects, storeCfg.BucketBackups, cfg.WriteTimeout, logger)
	if err != nil {
		return fail(err)
	}

	redisCfg, err := redislock.ConfigFromEnv()
	if err != nil {
		return fail(fmt.Errorf("redis config: %w", err))
	}
	var locker lifecycle.Locker
	if redisCfg.Enabled() {
		pool := redislock.NewPool(redisCfg)
		closers = append(closers, func() { _ = pool.Close() })
		l, err := redislock.New(pool, redisCfg.KeyPrefix)
		if err != nil {
			return fail(err)
		}
		locker = l
	}
	lockTTL, err := env.Duration("RUBBERBAND_SWEEP_LOCK_TTL", 30*time.Minute)
	if err != nil {
		return fail(err)
	}
	scheduler, err := lifecycle.NewScheduler(lifecycleService, lifecycle.SchedulerConfig{
		Schedule: cfg.SweepSchedule,
		LockTTL:  lockTTL,
	}, locker, logger)
	if err != nil {
		return fail(err)
	}

	a := &app{
		runs:      runs,
		ingest:    ingestService,
		lifecycle: lifecycleService,
		scheduler: scheduler,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		user:      env.String("USER", ""),
	}
	return a, cleanup, nil
}

func knownCommand(name string) bool {
	_, ok := commands[name]
	return ok
}

// newFlagSet returns a pflag set that reports errors instead of exiting.
func (a *app) newFlagSet(name, synopsis string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() {
		fmt.Fprintf(a.stderr, "Usage: rbctl %s %s\n\nOptions:\n", name, synopsis)
		fs.PrintDefaults()
	}
	return fs
}

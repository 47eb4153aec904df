// Package lifecycle removes runs together with every document and archived
// object that references them, on request or when they expire.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/rubberband/internal/domain"
	"github.com/animus-labs/rubberband/internal/platform/metrics"
	"github.com/animus-labs/rubberband/internal/repo"
	store "github.com/animus-labs/rubberband/internal/storage/objectstore"
)

// Delete triggers.
const (
	TriggerAPI   = "api"
	TriggerCLI   = "cli"
	TriggerSweep = "sweep"
)

type DeleteResult struct {
	RunID          string
	Results        int64
	Settings       int64
	Backups        int64
	MissingObjects int
}

type SweepResult struct {
	Day            time.Time
	Matched        int
	Deleted        int64
	MissingObjects int
	Failed         []string
	StartTime      time.Time
	EndTime        time.Time
}

func (r SweepResult) DurationMs() int64 {
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

type Service struct {
	store        repo.RunStore
	objects      store.Store
	bucket       string
	writeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(runs repo.RunStore, objects store.Store, bucket string, writeTimeout time.Duration, logger *slog.Logger) (*Service, error) {
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("backup bucket is required")
	}
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        runs,
		objects:      objects,
		bucket:       bucket,
		writeTimeout: writeTimeout,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Delete removes one run, its results, settings snapshots, backup records
// and archived objects. The documents go in a single transaction.
func (s *Service) Delete(ctx context.Context, runID, trigger string) (DeleteResult, error) {
	run, err := s.store.GetRun(ctx, strings.TrimSpace(runID))
	if err != nil {
		return DeleteResult{}, err
	}
	backups, err := s.store.ListFileBackups(ctx, run.ID)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("list backups: %w", err)
	}

	res := DeleteResult{RunID: run.ID}
	err = s.withTx(ctx, func(ctx context.Context, w repo.RunWriter) error {
		if err := deleteDependents(ctx, w, run.ID, &res); err != nil {
			return err
		}
		n, err := w.DeleteRuns(ctx, []string{run.ID})
		if err != nil {
			return err
		}
		if n == 0 {
			return repo.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete run %s: %w", run.ID, err)
	}
	res.MissingObjects = s.removeObjects(ctx, backups)
	metrics.RecordDelete(trigger)
	s.logger.Info("run deleted",
		"run_id", run.ID,
		"trigger", trigger,
		"results", res.Results,
		"backups", res.Backups,
		"missing_objects", res.MissingObjects,
	)
	return res, nil
}

// Sweep deletes every run whose expiration date is on or before day. Each
// run's dependents are removed first; the runs themselves go in one bulk
// delete at the end. Running it twice for the same day is a no-op the
// second time.
func (s *Service) Sweep(ctx context.Context, day time.Time) (SweepResult, error) {
	result := SweepResult{Day: domain.TruncateDay(day), StartTime: s.now()}
	expired, err := s.store.ListExpiredRuns(ctx, result.Day)
	if err != nil {
		return result, fmt.Errorf("list expired runs: %w", err)
	}
	result.Matched = len(expired)

	cleaned := make([]string, 0, len(expired))
	for _, run := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		backups, err := s.store.ListFileBackups(ctx, run.ID)
		if err != nil {
			s.logger.Error("sweep: list backups failed", "run_id", run.ID, "error", err)
			result.Failed = append(result.Failed, run.ID)
			continue
		}
		var res DeleteResult
		err = s.withTx(ctx, func(ctx context.Context, w repo.RunWriter) error {
			return deleteDependents(ctx, w, run.ID, &res)
		})
		if err != nil {
			s.logger.Error("sweep: delete dependents failed", "run_id", run.ID, "error", err)
			result.Failed = append(result.Failed, run.ID)
			continue
		}
		result.MissingObjects += s.removeObjects(ctx, backups)
		cleaned = append(cleaned, run.ID)
	}

	if len(cleaned) > 0 {
		err = s.withTx(ctx, func(ctx context.Context, w repo.RunWriter) error {
			n, err := w.DeleteRuns(ctx, cleaned)
			result.Deleted = n
			return err
		})
		if err != nil {
			return result, fmt.Errorf("delete expired runs: %w", err)
		}
		for range result.Deleted {
			metrics.RecordDelete(TriggerSweep)
		}
	}
	result.EndTime = s.now()
	if len(result.Failed) > 0 {
		return result, fmt.Errorf("sweep left %d runs in place", len(result.Failed))
	}
	return result, nil
}

func deleteDependents(ctx context.Context, w repo.RunWriter, runID string, res *DeleteResult) error {
	var err error
	if res.Results, err = w.DeleteResults(ctx, runID); err != nil {
		return err
	}
	if res.Backups, err = w.DeleteFileBackups(ctx, runID); err != nil {
		return err
	}
	if res.Settings, err = w.DeleteSettings(ctx, runID); err != nil {
		return err
	}
	return nil
}

func (s *Service) withTx(ctx context.Context, fn func(context.Context, repo.RunWriter) error) error {
	txCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.store.WithTx(txCtx, func(w repo.RunWriter) error {
		return fn(txCtx, w)
	})
}

// removeObjects deletes archived objects and returns how many were already
// gone.
func (s *Service) removeObjects(ctx context.Context, backups []domain.FileBackup) int {
	missing := 0
	for _, b := range backups {
		if b.ObjectKey == "" {
			continue
		}
		err := s.objects.Delete(ctx, s.bucket, b.ObjectKey)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrObjectNotFound):
			missing++
			metrics.RecordMissingObject()
			s.logger.Warn("archived object already missing", "run_id", b.RunID, "object_key", b.ObjectKey)
		default:
			s.logger.Error("remove archived object failed", "run_id", b.RunID, "object_key", b.ObjectKey, "error", err)
		}
	}
	return missing
}

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/rubberband/internal/domain"
	"github.com/animus-labs/rubberband/internal/repo"
	"github.com/animus-labs/rubberband/internal/repo/memstore"
	store "github.com/animus-labs/rubberband/internal/storage/objectstore"
)

const testBucket = "backups"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *memstore.Store, *store.MemoryStore) {
	t.Helper()
	runs := memstore.New()
	objects := store.NewMemoryStore()
	svc, err := NewService(runs, objects, testBucket, time.Second, discardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc, runs, objects
}

// seedRun stores a run with two results, both settings snapshots and two
// archived files.
func seedRun(t *testing.T, runs *memstore.Store, objects *store.MemoryStore, id string, expires *time.Time) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	run := domain.Run{
		ID:                id,
		ContentSHA256:     fmt.Sprintf("%064x", len(id)*7919+int(id[len(id)-1])),
		Filename:          id + ".out",
		SettingsID:        id + "-s",
		DefaultSettingsID: id + "-d",
		ResultIDs:         []string{id + "-r0", id + "-r1"},
		UploadTimestamp:   now,
		IndexTimestamp:    now,
		ExpirationDate:    expires,
	}
	var backups []domain.FileBackup
	for _, ft := range []domain.FileType{domain.FileOut, domain.FileErr} {
		name := id + ft.Suffix()
		key := domain.BackupObjectKey(id, ft, name)
		if err := objects.Put(ctx, testBucket, key, strings.NewReader("text"), 4, "text/plain"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		backups = append(backups, domain.FileBackup{ID: id + "-" + string(ft), RunID: id, FileType: ft, Filename: name, ObjectKey: key, Text: "text", SizeBytes: 4})
	}
	err := runs.WithTx(ctx, func(w repo.RunWriter) error {
		if err := w.CreateRun(ctx, run); err != nil {
			return err
		}
		if err := w.CreateSettings(ctx, domain.Settings{ID: run.SettingsID, RunID: id, Kind: domain.SettingsEffective}); err != nil {
			return err
		}
		if err := w.CreateSettings(ctx, domain.Settings{ID: run.DefaultSettingsID, RunID: id, Kind: domain.SettingsDefault}); err != nil {
			return err
		}
		if err := w.CreateResults(ctx, []domain.Result{
			{ID: id + "-r0", RunID: id, InstanceID: 0, InstanceName: "p1"},
			{ID: id + "-r1", RunID: id, InstanceID: 1, InstanceName: "p2"},
		}); err != nil {
			return err
		}
		return w.CreateFileBackups(ctx, backups)
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestDelete_Cascade(t *testing.T) {
	svc, runs, objects := newTestService(t)
	seedRun(t, runs, objects, "run-a", nil)
	seedRun(t, runs, objects, "run-b", nil)

	res, err := svc.Delete(context.Background(), "run-a", TriggerAPI)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Results != 2 || res.Settings != 2 || res.Backups != 2 || res.MissingObjects != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if results, settings, backups := runs.Counts("run-a"); results+settings+backups != 0 {
		t.Fatalf("dependents left: results=%d settings=%d backups=%d", results, settings, backups)
	}
	if _, err := runs.GetRun(context.Background(), "run-a"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("run should be gone: %v", err)
	}
	if results, settings, backups := runs.Counts("run-b"); results != 2 || settings != 2 || backups != 2 {
		t.Fatalf("other run touched")
	}
	if objects.Len() != 2 {
		t.Fatalf("objects=%d, want only run-b's", objects.Len())
	}
}

func TestDelete_MissingObjectIsNotFatal(t *testing.T) {
	ctx := context.Background()
	svc, runs, objects := newTestService(t)
	seedRun(t, runs, objects, "run-a", nil)
	if err := objects.Delete(ctx, testBucket, domain.BackupObjectKey("run-a", domain.FileErr, "run-a.err")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := svc.Delete(ctx, "run-a", TriggerCLI)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MissingObjects != 1 || runs.RunCount() != 0 {
		t.Fatalf("missing=%d runs=%d", res.MissingObjects, runs.RunCount())
	}
}

func TestDelete_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Delete(context.Background(), "nope", TriggerAPI); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestDelete_FailedTransactionKeepsEverything(t *testing.T) {
	svc, runs, objects := newTestService(t)
	seedRun(t, runs, objects, "run-a", nil)
	runs.FailWrite = func(op string) error {
		if op == "delete_runs" {
			return errors.New("connection reset")
		}
		return nil
	}
	if _, err := svc.Delete(context.Background(), "run-a", TriggerAPI); err == nil {
		t.Fatalf("expected error")
	}
	if results, settings, backups := runs.Counts("run-a"); results != 2 || settings != 2 || backups != 2 {
		t.Fatalf("partial delete: results=%d settings=%d backups=%d", results, settings, backups)
	}
	if objects.Len() != 2 {
		t.Fatalf("objects must survive a failed delete")
	}
}

func TestSweep_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, runs, objects := newTestService(t)
	seedRun(t, runs, objects, "run-past", day(2024, 3, 1))
	seedRun(t, runs, objects, "run-today", day(2024, 3, 10))
	seedRun(t, runs, objects, "run-future", day(2024, 3, 11))
	seedRun(t, runs, objects, "run-keep", nil)

	today := time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)
	res, err := svc.Sweep(ctx, today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Matched != 2 || res.Deleted != 2 || len(res.Failed) != 0 {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	for _, id := range []string{"run-past", "run-today"} {
		if _, err := runs.GetRun(ctx, id); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("%s should be swept: %v", id, err)
		}
		if results, settings, backups := runs.Counts(id); results+settings+backups != 0 {
			t.Fatalf("%s left dependents", id)
		}
	}
	if runs.RunCount() != 2 || objects.Len() != 4 {
		t.Fatalf("runs=%d objects=%d", runs.RunCount(), objects.Len())
	}

	again, err := svc.Sweep(ctx, today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Matched != 0 || again.Deleted != 0 || runs.RunCount() != 2 {
		t.Fatalf("second sweep changed state: %+v", again)
	}
}

func TestSweep_FailedRunIsKept(t *testing.T) {
	ctx := context.Background()
	svc, runs, objects := newTestService(t)
	seedRun(t, runs, objects, "run-a", day(2024, 3, 1))
	seedRun(t, runs, objects, "run-b", day(2024, 3, 1))
	calls := 0
	runs.FailWrite = func(op string) error {
		if op == "delete_results" {
			calls++
			if calls == 1 {
				return errors.New("lock timeout")
			}
		}
		return nil
	}
	res, err := svc.Sweep(ctx, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatalf("expected error for the failed run")
	}
	if res.Deleted != 1 || len(res.Failed) != 1 || runs.RunCount() != 1 {
		t.Fatalf("unexpected result %+v runs=%d", res, runs.RunCount())
	}
	runs.FailWrite = nil
	res, err = svc.Sweep(ctx, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	if err != nil || res.Deleted != 1 || runs.RunCount() != 0 {
		t.Fatalf("retry: err=%v result=%+v", err, res)
	}
}

// Package memstore is an in-process repo.RunStore used by tests and by
// single-node tooling. Transactions are applied to a copy of the state and
// swapped in on success.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/rubberband/internal/domain"
	"github.com/animus-labs/rubberband/internal/repo"
)

type state struct {
	runs     map[string]domain.Run
	bySHA    map[string]string
	settings map[string]domain.Settings
	results  map[string]domain.Result
	backups  map[string]domain.FileBackup
}

func newState() *state {
	return &state{
		runs:     map[string]domain.Run{},
		bySHA:    map[string]string{},
		settings: map[string]domain.Settings{},
		results:  map[string]domain.Result{},
		backups:  map[string]domain.FileBackup{},
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.runs {
		out.runs[k] = v
	}
	for k, v := range s.bySHA {
		out.bySHA[k] = v
	}
	for k, v := range s.settings {
		out.settings[k] = v
	}
	for k, v := range s.results {
		out.results[k] = v
	}
	for k, v := range s.backups {
		out.backups[k] = v
	}
	return out
}

type Store struct {
	mu sync.RWMutex
	st *state

	// FailWrite, when set, is consulted before every write; a non-nil
	// return aborts the transaction.
	FailWrite func(op string) error
}

var _ repo.RunStore = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

// WithTx serializes writers. fn must not call back into the Store.
func (s *Store) WithTx(ctx context.Context, fn func(repo.RunWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	w := &writer{st: s.st.clone(), fail: s.FailWrite}
	if err := fn(w); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = w.st
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Counts reports how many documents of each kind reference runID.
func (s *Store) Counts(runID string) (results, settings, backups int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.st.results {
		if r.RunID == runID {
			results++
		}
	}
	for _, st := range s.st.settings {
		if st.RunID == runID {
			settings++
		}
	}
	for _, b := range s.st.backups {
		if b.RunID == runID {
			backups++
		}
	}
	return results, settings, backups
}

func (s *Store) RunCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.st.runs)
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.st.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return copyRun(run), nil
}

func (s *Store) FindRunBySHA256(ctx context.Context, sha256 string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.st.bySHA[strings.TrimSpace(sha256)]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return copyRun(s.st.runs[id]), nil
}

func (s *Store) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Run, 0)
	for _, run := range s.st.runs {
		if filter.Uploader != "" && run.Uploader != filter.Uploader {
			continue
		}
		if filter.Solver != "" && !strings.EqualFold(run.Solver, filter.Solver) {
			continue
		}
		if filter.TestSet != "" && run.TestSet != filter.TestSet {
			continue
		}
		if filter.Tag != "" && !slices.Contains(run.Tags, filter.Tag) {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IndexTimestamp.Equal(out[j].IndexTimestamp) {
			return out[i].IndexTimestamp.After(out[j].IndexTimestamp)
		}
		return out[i].ID < out[j].ID
	})
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListExpiredRuns(ctx context.Context, day time.Time) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Run, 0)
	for _, run := range s.st.runs {
		if run.ExpiredOn(day) {
			out = append(out, copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetSettings(ctx context.Context, id string) (domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.st.settings[strings.TrimSpace(id)]
	if !ok {
		return domain.Settings{}, repo.ErrNotFound
	}
	st.Params = domain.UnmaskParams(st.Params)
	return st, nil
}

func (s *Store) ListResults(ctx context.Context, runID string) ([]domain.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Result, 0)
	for _, r := range s.st.results {
		if r.RunID == runID {
			r.Metrics = r.Metrics.Clone()
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (s *Store) GetResult(ctx context.Context, id string) (domain.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.st.results[strings.TrimSpace(id)]
	if !ok {
		return domain.Result{}, repo.ErrNotFound
	}
	r.Metrics = r.Metrics.Clone()
	return r, nil
}

func (s *Store) ListFileBackups(ctx context.Context, runID string) ([]domain.FileBackup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.FileBackup, 0)
	for _, b := range s.st.backups {
		if b.RunID == runID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileType < out[j].FileType })
	return out, nil
}

func (s *Store) GetFileBackup(ctx context.Context, runID string, fileType domain.FileType) (domain.FileBackup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.st.backups {
		if b.RunID == runID && b.FileType == fileType {
			return b, nil
		}
	}
	return domain.FileBackup{}, repo.ErrNotFound
}

type writer struct {
	st   *state
	fail func(op string) error
}

func (w *writer) check(op string) error {
	if w.fail == nil {
		return nil
	}
	return w.fail(op)
}

func (w *writer) CreateRun(ctx context.Context, run domain.Run) error {
	if err := w.check("create_run"); err != nil {
		return err
	}
	if err := run.Validate(); err != nil {
		return err
	}
	if _, exists := w.st.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if _, dup := w.st.bySHA[run.ContentSHA256]; dup {
		return repo.ErrDuplicateContent
	}
	w.st.runs[run.ID] = copyRun(run)
	w.st.bySHA[run.ContentSHA256] = run.ID
	return nil
}

func (w *writer) UpdateRun(ctx context.Context, run domain.Run) error {
	if err := w.check("update_run"); err != nil {
		return err
	}
	if err := run.Validate(); err != nil {
		return err
	}
	old, ok := w.st.runs[run.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if owner, dup := w.st.bySHA[run.ContentSHA256]; dup && owner != run.ID {
		return repo.ErrDuplicateContent
	}
	delete(w.st.bySHA, old.ContentSHA256)
	w.st.runs[run.ID] = copyRun(run)
	w.st.bySHA[run.ContentSHA256] = run.ID
	return nil
}

func (w *writer) UpdateRunTags(ctx context.Context, id string, tags []string) error {
	if err := w.check("update_run_tags"); err != nil {
		return err
	}
	run, ok := w.st.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.Tags = append([]string{}, tags...)
	w.st.runs[id] = run
	return nil
}

func (w *writer) CreateSettings(ctx context.Context, settings domain.Settings) error {
	if err := w.check("create_settings"); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	if _, ok := w.st.runs[settings.RunID]; !ok {
		return fmt.Errorf("insert settings: run %s: %w", settings.RunID, repo.ErrNotFound)
	}
	for _, existing := range w.st.settings {
		if existing.RunID == settings.RunID && existing.Kind == settings.Kind {
			return fmt.Errorf("insert settings: %s snapshot already exists for run %s", settings.Kind, settings.RunID)
		}
	}
	settings.Params = domain.MaskParams(settings.Params)
	w.st.settings[settings.ID] = settings
	return nil
}

func (w *writer) CreateResults(ctx context.Context, results []domain.Result) error {
	if err := w.check("create_results"); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, r := range w.st.results {
		seen[fmt.Sprintf("%s/%d", r.RunID, r.InstanceID)] = true
	}
	for _, r := range results {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("result %d: %w", r.InstanceID, err)
		}
		if _, ok := w.st.runs[r.RunID]; !ok {
			return fmt.Errorf("insert result: run %s: %w", r.RunID, repo.ErrNotFound)
		}
		key := fmt.Sprintf("%s/%d", r.RunID, r.InstanceID)
		if seen[key] {
			return fmt.Errorf("insert result: instance %d already stored for run %s", r.InstanceID, r.RunID)
		}
		seen[key] = true
		r.Metrics = r.Metrics.Clone()
		w.st.results[r.ID] = r
	}
	return nil
}

func (w *writer) CreateFileBackups(ctx context.Context, files []domain.FileBackup) error {
	if err := w.check("create_file_backups"); err != nil {
		return err
	}
	for _, f := range files {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("file backup %s: %w", f.FileType, err)
		}
		if _, ok := w.st.runs[f.RunID]; !ok {
			return fmt.Errorf("insert file backup: run %s: %w", f.RunID, repo.ErrNotFound)
		}
		for _, existing := range w.st.backups {
			if existing.RunID == f.RunID && existing.FileType == f.FileType {
				return fmt.Errorf("insert file backup: %s already stored for run %s", f.FileType, f.RunID)
			}
		}
		w.st.backups[f.ID] = f
	}
	return nil
}

func (w *writer) DeleteResults(ctx context.Context, runID string) (int64, error) {
	if err := w.check("delete_results"); err != nil {
		return 0, err
	}
	var n int64
	for id, r := range w.st.results {
		if r.RunID == runID {
			delete(w.st.results, id)
			n++
		}
	}
	return n, nil
}

func (w *writer) DeleteSettings(ctx context.Context, runID string) (int64, error) {
	if err := w.check("delete_settings"); err != nil {
		return 0, err
	}
	var n int64
	for id, st := range w.st.settings {
		if st.RunID == runID {
			delete(w.st.settings, id)
			n++
		}
	}
	return n, nil
}

func (w *writer) DeleteFileBackups(ctx context.Context, runID string) (int64, error) {
	if err := w.check("delete_file_backups"); err != nil {
		return 0, err
	}
	var n int64
	for id, b := range w.st.backups {
		if b.RunID == runID {
			delete(w.st.backups, id)
			n++
		}
	}
	return n, nil
}

// DeleteRuns refuses to orphan dependents, matching the foreign keys of the
// Postgres schema.
func (w *writer) DeleteRuns(ctx context.Context, ids []string) (int64, error) {
	if err := w.check("delete_runs"); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		run, ok := w.st.runs[id]
		if !ok {
			continue
		}
		if w.referenced(id) {
			return 0, errors.New("delete runs: run " + id + " is still referenced")
		}
		delete(w.st.runs, id)
		delete(w.st.bySHA, run.ContentSHA256)
		n++
	}
	return n, nil
}

func (w *writer) referenced(runID string) bool {
	for _, r := range w.st.results {
		if r.RunID == runID {
			return true
		}
	}
	for _, st := range w.st.settings {
		if st.RunID == runID {
			return true
		}
	}
	for _, b := range w.st.backups {
		if b.RunID == runID {
			return true
		}
	}
	return false
}

func copyRun(run domain.Run) domain.Run {
	run.Tags = append([]string{}, run.Tags...)
	run.ResultIDs = append([]string{}, run.ResultIDs...)
	run.Metadata = run.Metadata.Clone()
	return run
}

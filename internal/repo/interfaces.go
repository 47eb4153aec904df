package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/rubberband/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrDuplicateContent is returned when a run with the same primary file
	// digest is already stored.
	ErrDuplicateContent = errors.New("duplicate content")
)

type RunFilter struct {
	Uploader string
	Solver   string
	TestSet  string
	Tag      string
	Limit    int
}

// RunReader reads runs and the documents that reference them.
type RunReader interface {
	GetRun(ctx context.Context, id string) (domain.Run, error)
	FindRunBySHA256(ctx context.Context, sha256 string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	// ListExpiredRuns returns runs whose expiration date is on or before day.
	ListExpiredRuns(ctx context.Context, day time.Time) ([]domain.Run, error)
	GetSettings(ctx context.Context, id string) (domain.Settings, error)
	ListResults(ctx context.Context, runID string) ([]domain.Result, error)
	GetResult(ctx context.Context, id string) (domain.Result, error)
	ListFileBackups(ctx context.Context, runID string) ([]domain.FileBackup, error)
	GetFileBackup(ctx context.Context, runID string, fileType domain.FileType) (domain.FileBackup, error)
}

// RunWriter mutates the run document graph. Every call made through one
// WithTx callback commits or rolls back together.
type RunWriter interface {
	CreateRun(ctx context.Context, run domain.Run) error
	UpdateRun(ctx context.Context, run domain.Run) error
	UpdateRunTags(ctx context.Context, id string, tags []string) error
	CreateSettings(ctx context.Context, settings domain.Settings) error
	CreateResults(ctx context.Context, results []domain.Result) error
	CreateFileBackups(ctx context.Context, files []domain.FileBackup) error
	DeleteResults(ctx context.Context, runID string) (int64, error)
	DeleteSettings(ctx context.Context, runID string) (int64, error)
	DeleteFileBackups(ctx context.Context, runID string) (int64, error)
	DeleteRuns(ctx context.Context, ids []string) (int64, error)
}

// RunStore is the persistence boundary of the ingestion pipeline.
type RunStore interface {
	RunReader
	WithTx(ctx context.Context, fn func(RunWriter) error) error
	Ping(ctx context.Context) error
}

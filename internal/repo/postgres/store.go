package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/animus-labs/rubberband/internal/repo"
)

// Store is the Postgres implementation of repo.RunStore. Reads go to the
// pool; writes go through WithTx.
type Store struct {
	*RunStore
	db *sql.DB
}

var _ repo.RunStore = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{RunStore: NewRunStore(db), db: db}
}

func (s *Store) WithTx(ctx context.Context, fn func(repo.RunWriter) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(NewRunStore(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

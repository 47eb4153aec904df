package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/rubberband/internal/domain"
)

const backupColumns = `file_id, run_id, file_type, filename, content_sha256, size_bytes, object_key, body, created_at`

func (s *RunStore) CreateFileBackups(ctx context.Context, files []domain.FileBackup) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	for _, f := range files {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("file backup %s: %w", f.FileType, err)
		}
		// The archived object keeps the raw bytes.
		body := f.Text
		if !storableText(body) {
			body = ""
		}
		_, err := s.db.ExecContext(
			ctx,
			`INSERT INTO file_backups (`+backupColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			strings.TrimSpace(f.ID),
			strings.TrimSpace(f.RunID),
			string(f.FileType),
			strings.TrimSpace(f.Filename),
			f.SHA256,
			f.SizeBytes,
			f.ObjectKey,
			body,
			normalizeTime(f.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert file backup: %w", err)
		}
	}
	return nil
}

func (s *RunStore) ListFileBackups(ctx context.Context, runID string) ([]domain.FileBackup, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+backupColumns+` FROM file_backups WHERE run_id = $1 ORDER BY file_type`, runID)
	if err != nil {
		return nil, fmt.Errorf("list file backups: %w", err)
	}
	defer rows.Close()

	out := make([]domain.FileBackup, 0)
	for rows.Next() {
		f, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file backups: %w", err)
	}
	return out, nil
}

func (s *RunStore) GetFileBackup(ctx context.Context, runID string, fileType domain.FileType) (domain.FileBackup, error) {
	if s == nil || s.db == nil {
		return domain.FileBackup{}, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.FileBackup{}, errors.New("run id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM file_backups WHERE run_id = $1 AND file_type = $2`, runID, string(fileType))
	return scanBackup(row)
}

func (s *RunStore) DeleteFileBackups(ctx context.Context, runID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_backups WHERE run_id = $1`, strings.TrimSpace(runID))
	if err != nil {
		return 0, fmt.Errorf("delete file backups: %w", err)
	}
	return res.RowsAffected()
}

func scanBackup(row rowScanner) (domain.FileBackup, error) {
	var (
		f        domain.FileBackup
		fileType string
	)
	if err := row.Scan(&f.ID, &f.RunID, &fileType, &f.Filename, &f.SHA256, &f.SizeBytes, &f.ObjectKey, &f.Text, &f.CreatedAt); err != nil {
		return domain.FileBackup{}, handleNotFound(err)
	}
	f.FileType = domain.FileType(fileType)
	f.CreatedAt = f.CreatedAt.UTC()
	return f, nil
}

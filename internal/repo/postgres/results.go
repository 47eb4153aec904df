package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/rubberband/internal/domain"
)

const resultColumns = `result_id, run_id, instance_id, instance_name, instance_type, metrics`

func (s *RunStore) CreateResults(ctx context.Context, results []domain.Result) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	for _, result := range results {
		if err := result.Validate(); err != nil {
			return fmt.Errorf("result %d: %w", result.InstanceID, err)
		}
		metrics, err := encodeMetadata(result.Metrics)
		if err != nil {
			return fmt.Errorf("encode metrics for %s: %w", result.InstanceName, err)
		}
		_, err = s.db.ExecContext(
			ctx,
			`INSERT INTO results (`+resultColumns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
			strings.TrimSpace(result.ID),
			strings.TrimSpace(result.RunID),
			result.InstanceID,
			result.InstanceName,
			result.InstanceType,
			metrics,
		)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
	}
	return nil
}

func (s *RunStore) ListResults(ctx context.Context, runID string) ([]domain.Result, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+resultColumns+` FROM results WHERE run_id = $1 ORDER BY instance_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Result, 0)
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

func (s *RunStore) GetResult(ctx context.Context, id string) (domain.Result, error) {
	if s == nil || s.db == nil {
		return domain.Result{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Result{}, errors.New("result id is required")
	}
	return scanResult(s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE result_id = $1`, id))
}

func (s *RunStore) DeleteResults(ctx context.Context, runID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE run_id = $1`, strings.TrimSpace(runID))
	if err != nil {
		return 0, fmt.Errorf("delete results: %w", err)
	}
	return res.RowsAffected()
}

func scanResult(row rowScanner) (domain.Result, error) {
	var (
		result       domain.Result
		instanceType sql.NullString
		raw          []byte
	)
	if err := row.Scan(&result.ID, &result.RunID, &result.InstanceID, &result.InstanceName, &instanceType, &raw); err != nil {
		return domain.Result{}, handleNotFound(err)
	}
	metrics, err := decodeMetadata(raw)
	if err != nil {
		return domain.Result{}, fmt.Errorf("decode metrics: %w", err)
	}
	result.InstanceType = instanceType.String
	result.Metrics = metrics
	return result, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/rubberband/internal/domain"
)

// CreateSettings stores a masked copy of the snapshot parameters.
func (s *RunStore) CreateSettings(ctx context.Context, settings domain.Settings) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	params, err := encodeMetadata(domain.MaskParams(settings.Params))
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO settings (settings_id, run_id, kind, params) VALUES ($1,$2,$3,$4)`,
		strings.TrimSpace(settings.ID),
		strings.TrimSpace(settings.RunID),
		string(settings.Kind),
		params,
	)
	if err != nil {
		return fmt.Errorf("insert settings: %w", err)
	}
	return nil
}

func (s *RunStore) GetSettings(ctx context.Context, id string) (domain.Settings, error) {
	if s == nil || s.db == nil {
		return domain.Settings{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Settings{}, errors.New("settings id is required")
	}
	var (
		settings domain.Settings
		kind     string
		raw      []byte
	)
	row := s.db.QueryRowContext(ctx, `SELECT settings_id, run_id, kind, params FROM settings WHERE settings_id = $1`, id)
	if err := row.Scan(&settings.ID, &settings.RunID, &kind, &raw); err != nil {
		return domain.Settings{}, handleNotFound(err)
	}
	params, err := decodeMetadata(raw)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("decode params: %w", err)
	}
	settings.Kind = domain.SettingsKind(kind)
	settings.Params = domain.UnmaskParams(params)
	return settings, nil
}

func (s *RunStore) DeleteSettings(ctx context.Context, runID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE run_id = $1`, strings.TrimSpace(runID))
	if err != nil {
		return 0, fmt.Errorf("delete settings: %w", err)
	}
	return res.RowsAffected()
}

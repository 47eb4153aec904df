package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/rubberband/internal/domain"
	"github.com/animus-labs/rubberband/internal/platform/postgres"
	"github.com/animus-labs/rubberband/internal/repo"
)

const contentSHA256Constraint = "runs_content_sha256_key"

const runColumns = `run_id, content_sha256, filename, solver, solver_version, lp_solver, lp_solver_version,
	lp_solver_githash, run_environment, os, architecture, time_limit, time_factor, mode, opt_flag,
	test_set, settings_short_name, seed, permutation, tags, run_initiator, uploader, upload_timestamp,
	index_timestamp, expiration_date, git_hash, git_hash_dirty, git_commit_id, git_commit_author,
	git_commit_timestamp, metadata, settings_id, default_settings_id, result_ids`

// RunStore runs queries against a connection or an open transaction.
type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

type runArgs struct {
	tags      []byte
	metadata  []byte
	resultIDs []byte
}

func encodeRun(run domain.Run) (runArgs, error) {
	tags, err := encodeStrings(run.Tags)
	if err != nil {
		return runArgs{}, fmt.Errorf("encode tags: %w", err)
	}
	meta, err := encodeMetadata(run.Metadata)
	if err != nil {
		return runArgs{}, fmt.Errorf("encode metadata: %w", err)
	}
	resultIDs, err := encodeStrings(run.ResultIDs)
	if err != nil {
		return runArgs{}, fmt.Errorf("encode result ids: %w", err)
	}
	return runArgs{tags: tags, metadata: meta, resultIDs: resultIDs}, nil
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	enc, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34)`,
		strings.TrimSpace(run.ID),
		run.ContentSHA256,
		strings.TrimSpace(run.Filename),
		run.Solver,
		run.SolverVersion,
		run.LPSolver,
		run.LPSolverVersion,
		run.LPSolverGitHash,
		run.RunEnvironment,
		run.OS,
		run.Architecture,
		run.TimeLimit,
		run.TimeFactor,
		run.Mode,
		run.OptFlag,
		run.TestSet,
		run.SettingsShortName,
		run.Seed,
		run.Permutation,
		enc.tags,
		strings.TrimSpace(run.RunInitiator),
		strings.TrimSpace(run.Uploader),
		normalizeTime(run.UploadTimestamp),
		normalizeTime(run.IndexTimestamp),
		nullTime(run.ExpirationDate),
		run.GitHash,
		run.GitHashDirty,
		run.GitCommitID,
		run.GitCommitAuthor,
		nullTime(run.GitCommitTimestamp),
		enc.metadata,
		strings.TrimSpace(run.SettingsID),
		strings.TrimSpace(run.DefaultSettingsID),
		enc.resultIDs,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err, contentSHA256Constraint) {
			return repo.ErrDuplicateContent
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun overwrites every column except run_id.
func (s *RunStore) UpdateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	enc, err := encodeRun(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET
			content_sha256 = $2, filename = $3, solver = $4, solver_version = $5, lp_solver = $6,
			lp_solver_version = $7, lp_solver_githash = $8, run_environment = $9, os = $10,
			architecture = $11, time_limit = $12, time_factor = $13, mode = $14, opt_flag = $15,
			test_set = $16, settings_short_name = $17, seed = $18, permutation = $19, tags = $20,
			run_initiator = $21, uploader = $22, upload_timestamp = $23, index_timestamp = $24,
			expiration_date = $25, git_hash = $26, git_hash_dirty = $27, git_commit_id = $28,
			git_commit_author = $29, git_commit_timestamp = $30, metadata = $31, settings_id = $32,
			default_settings_id = $33, result_ids = $34
		 WHERE run_id = $1`,
		strings.TrimSpace(run.ID),
		run.ContentSHA256,
		strings.TrimSpace(run.Filename),
		run.Solver,
		run.SolverVersion,
		run.LPSolver,
		run.LPSolverVersion,
		run.LPSolverGitHash,
		run.RunEnvironment,
		run.OS,
		run.Architecture,
		run.TimeLimit,
		run.TimeFactor,
		run.Mode,
		run.OptFlag,
		run.TestSet,
		run.SettingsShortName,
		run.Seed,
		run.Permutation,
		enc.tags,
		strings.TrimSpace(run.RunInitiator),
		strings.TrimSpace(run.Uploader),
		normalizeTime(run.UploadTimestamp),
		normalizeTime(run.IndexTimestamp),
		nullTime(run.ExpirationDate),
		run.GitHash,
		run.GitHashDirty,
		run.GitCommitID,
		run.GitCommitAuthor,
		nullTime(run.GitCommitTimestamp),
		enc.metadata,
		strings.TrimSpace(run.SettingsID),
		strings.TrimSpace(run.DefaultSettingsID),
		enc.resultIDs,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err, contentSHA256Constraint) {
			return repo.ErrDuplicateContent
		}
		return fmt.Errorf("update run: %w", err)
	}
	return requireAffected(res)
}

func (s *RunStore) UpdateRunTags(ctx context.Context, id string, tags []string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("run id is required")
	}
	encoded, err := encodeStrings(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET tags = $2 WHERE run_id = $1`, id, encoded)
	if err != nil {
		return fmt.Errorf("update run tags: %w", err)
	}
	return requireAffected(res)
}

func (s *RunStore) DeleteRuns(ctx context.Context, ids []string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, errors.New("run id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, id)
	return scanRun(row)
}

func (s *RunStore) FindRunBySHA256(ctx context.Context, sha256 string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	sha256 = strings.TrimSpace(sha256)
	if sha256 == "" {
		return domain.Run{}, errors.New("sha256 is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE content_sha256 = $1`, sha256)
	return scanRun(row)
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	query, args := buildRunListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

func (s *RunStore) ListExpiredRuns(ctx context.Context, day time.Time) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE expiration_date IS NOT NULL AND expiration_date <= $1
		 ORDER BY expiration_date, run_id`,
		domain.TruncateDay(day),
	)
	if err != nil {
		return nil, fmt.Errorf("list expired runs: %w", err)
	}
	return collectRuns(rows)
}

func buildRunListQuery(filter repo.RunFilter) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 5)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if v := strings.TrimSpace(filter.Uploader); v != "" {
		add("uploader = $%d", v)
	}
	if v := strings.TrimSpace(filter.Solver); v != "" {
		add("lower(solver) = lower($%d)", v)
	}
	if v := strings.TrimSpace(filter.TestSet); v != "" {
		add("test_set = $%d", v)
	}
	if v := strings.TrimSpace(filter.Tag); v != "" {
		add("tags ? $%d", v)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY index_timestamp DESC, run_id"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run                domain.Run
		tags, meta, resIDs []byte
		expiration         sql.NullTime
		commitTimestamp    sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.ContentSHA256, &run.Filename, &run.Solver, &run.SolverVersion, &run.LPSolver,
		&run.LPSolverVersion, &run.LPSolverGitHash, &run.RunEnvironment, &run.OS, &run.Architecture,
		&run.TimeLimit, &run.TimeFactor, &run.Mode, &run.OptFlag, &run.TestSet, &run.SettingsShortName,
		&run.Seed, &run.Permutation, &tags, &run.RunInitiator, &run.Uploader, &run.UploadTimestamp,
		&run.IndexTimestamp, &expiration, &run.GitHash, &run.GitHashDirty, &run.GitCommitID,
		&run.GitCommitAuthor, &commitTimestamp, &meta, &run.SettingsID, &run.DefaultSettingsID, &resIDs,
	)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	run.UploadTimestamp = run.UploadTimestamp.UTC()
	run.IndexTimestamp = run.IndexTimestamp.UTC()
	run.ExpirationDate = timePtr(expiration)
	run.GitCommitTimestamp = timePtr(commitTimestamp)
	if run.Tags, err = decodeStrings(tags); err != nil {
		return domain.Run{}, fmt.Errorf("decode tags: %w", err)
	}
	if run.Metadata, err = decodeMetadata(meta); err != nil {
		return domain.Run{}, fmt.Errorf("decode metadata: %w", err)
	}
	if run.ResultIDs, err = decodeStrings(resIDs); err != nil {
		return domain.Run{}, fmt.Errorf("decode result ids: %w", err)
	}
	return run, nil
}

func collectRuns(rows *sql.Rows) ([]domain.Run, error) {
	defer rows.Close()
	out := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

package build

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists build records to Postgres. The guarded UPDATE in
// Transition is the agent's only locking discipline for build state.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS builds (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    source_archive_path TEXT NOT NULL,
    workspace_path TEXT,
    log_ref TEXT,
    result_ref TEXT,
    error TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);
CREATE INDEX IF NOT EXISTS idx_builds_updated_at ON builds(updated_at);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, id, archivePath string) (Build, error) {
	now := time.Now().UTC()
	query := `INSERT INTO builds (id, status, source_archive_path, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5)`
	if _, err := s.db.ExecContext(ctx, query, id, StatusQueued, archivePath, now, now); err != nil {
		return Build{}, fmt.Errorf("insert build: %w", err)
	}
	return Build{
		ID:                id,
		Status:            StatusQueued,
		SourceArchivePath: archivePath,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

const buildColumns = `id, status, source_archive_path, workspace_path, log_ref, result_ref, error, created_at, updated_at`

func scanBuild(row interface{ Scan(...any) error }) (Build, error) {
	var b Build
	var workspace, logRef, resultRef, errMsg sql.NullString
	err := row.Scan(&b.ID, &b.Status, &b.SourceArchivePath, &workspace, &logRef, &resultRef, &errMsg, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Build{}, err
	}
	if workspace.Valid {
		b.WorkspacePath = workspace.String
	}
	if logRef.Valid {
		b.LogRef = logRef.String
	}
	if resultRef.Valid {
		b.ResultRef = resultRef.String
	}
	if errMsg.Valid {
		b.Error = errMsg.String
	}
	return b, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE id=$1`
	b, err := scanBuild(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, ErrNotFound
	}
	if err != nil {
		return Build{}, fmt.Errorf("fetch build: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds`
	args := []any{}
	if filter.Status != nil {
		query += ` WHERE status=$1`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY updated_at DESC, created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status, fields Fields) (Build, error) {
	if !validTransition(from, to) {
		return Build{}, fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	// Compare-and-swap: the WHERE clause on the prior status guarantees at
	// most one concurrent caller wins the transition.
	query := `UPDATE builds SET
    status=$1,
    updated_at=$2,
    workspace_path=COALESCE($3, workspace_path),
    log_ref=COALESCE($4, log_ref),
    result_ref=COALESCE($5, result_ref),
    error=COALESCE($6, error)
WHERE id=$7 AND status=$8`
	res, err := s.db.ExecContext(ctx, query,
		to, time.Now().UTC(),
		fields.WorkspacePath, fields.LogRef, fields.ResultRef, fields.Error,
		id, from,
	)
	if err != nil {
		return Build{}, fmt.Errorf("transition build: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Build{}, fmt.Errorf("transition build: %w", err)
	}
	if affected == 0 {
		// Distinguish a lost race from an unknown build.
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return Build{}, ErrNotFound
		} else if err != nil {
			return Build{}, err
		}
		return Build{}, ErrConflict
	}
	return s.Get(ctx, id)
}

var _ Store = (*PostgresStore)(nil)

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS load_test_runs (
	id          TEXT PRIMARY KEY,
	config_id   TEXT,
	name        TEXT,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ,
	state       JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsertRun = `
INSERT INTO load_test_runs (id, config_id, name, mode, status, started_at, ended_at, state, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	ended_at = EXCLUDED.ended_at,
	state = EXCLUDED.state,
	updated_at = now()`

const selectRun = `SELECT state FROM load_test_runs WHERE id = $1`

const selectRuns = `SELECT state FROM load_test_runs ORDER BY started_at DESC LIMIT $1`

// Postgres is a Store backed by a load_test_runs table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to url, checks the connection and creates the table.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", describe(err))
	}

	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Migrate creates the runs table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, createRunsTable); err != nil {
		return fmt.Errorf("create load_test_runs: %w", describe(err))
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// SaveRun implements Store.
func (p *Postgres) SaveRun(ctx context.Context, state *loadtest.RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", state.ID, err)
	}

	var ended sql.NullTime
	if state.EndedAt != nil {
		ended = sql.NullTime{Time: *state.EndedAt, Valid: true}
	}

	_, err = p.db.ExecContext(ctx, upsertRun,
		state.ID, state.ConfigID, state.Name, string(state.Mode), string(state.Status),
		state.StartedAt, ended, data)
	if err != nil {
		return fmt.Errorf("save run %s: %w", state.ID, describe(err))
	}
	return nil
}

// GetRun implements Store.
func (p *Postgres) GetRun(ctx context.Context, id string) (*loadtest.RunState, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, selectRun, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, describe(err))
	}

	var state loadtest.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &state, nil
}

// ListRuns implements Store.
func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]*loadtest.RunState, error) {
	rows, err := p.db.QueryContext(ctx, selectRuns, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", describe(err))
	}
	defer rows.Close()

	var runs []*loadtest.RunState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		var state loadtest.RunState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, &state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// describe prefixes PostgreSQL errors with their condition name.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s: %w", pqErr.Code.Name(), err)
	}
	return err
}

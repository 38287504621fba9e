package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps records in the pipeline_runs table. The claim is a single
// INSERT ... ON CONFLICT DO UPDATE ... WHERE, so it is safe across invoker processes.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

func NewPostgresStore(ctx context.Context, connString string, opts Options) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, opts: opts.withDefaults()}, nil
}

func (s *PostgresStore) Claim(ctx context.Context, runKey string) (*Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := s.opts.Now().UTC()
	// A zero lease disables takeover: no record is older than neverCutoff.
	leaseCutoff := neverCutoff
	if s.opts.ClaimLease > 0 {
		leaseCutoff = now.Add(-s.opts.ClaimLease)
	}

	query := `
		INSERT INTO pipeline_runs (run_key, state, attempts, run_id, last_attempt_at, expires_at)
		VALUES ($1, 'submitting', 0, '', $2, NULL)
		ON CONFLICT (run_key) DO UPDATE
		SET state = 'submitting',
		    attempts = 0,
		    run_id = '',
		    last_attempt_at = EXCLUDED.last_attempt_at,
		    expires_at = NULL
		WHERE pipeline_runs.state = 'dead'
		   OR (pipeline_runs.expires_at IS NOT NULL AND pipeline_runs.expires_at <= $2)
		   OR (pipeline_runs.state NOT IN ('acked', 'deduped', 'dead') AND pipeline_runs.last_attempt_at <= $3)
		RETURNING run_key
	`

	var claimedKey string
	err := s.pool.QueryRow(ctx, query, runKey, now, leaseCutoff).Scan(&claimedKey)
	if err == nil {
		return &Record{RunKey: runKey, State: StateSubmitting, LastAttemptTime: now}, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to claim run %s: %w", runKey, err)
	}

	rec, err := s.get(ctx, runKey)
	if errors.Is(err, ErrNotFound) {
		// Evicted between the insert attempt and the read; the caller may retry.
		return &Record{RunKey: runKey, State: StateSubmitting, LastAttemptTime: now}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

func (s *PostgresStore) Get(ctx context.Context, runKey string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec, err := s.get(ctx, runKey)
	if err != nil {
		return nil, err
	}
	if expired(rec, s.opts.Now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *PostgresStore) get(ctx context.Context, runKey string) (*Record, error) {
	query := `
		SELECT run_key, state, attempts, run_id, last_attempt_at, expires_at
		FROM pipeline_runs
		WHERE run_key = $1
	`

	var rec Record
	var state string
	var expiresAt *time.Time
	err := s.pool.QueryRow(ctx, query, runKey).Scan(
		&rec.RunKey, &state, &rec.Attempts, &rec.RunID, &rec.LastAttemptTime, &expiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runKey, err)
	}
	rec.State = State(state)
	if expiresAt != nil {
		rec.ExpiresAt = *expiresAt
	}
	return &rec, nil
}

func (s *PostgresStore) Update(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stamp(rec, s.opts.Now().UTC(), s.opts.Retention)

	var expiresAt *time.Time
	if !rec.ExpiresAt.IsZero() {
		t := rec.ExpiresAt
		expiresAt = &t
	}

	query := `
		INSERT INTO pipeline_runs (run_key, state, attempts, run_id, last_attempt_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_key) DO UPDATE
		SET state = EXCLUDED.state,
		    attempts = EXCLUDED.attempts,
		    run_id = EXCLUDED.run_id,
		    last_attempt_at = EXCLUDED.last_attempt_at,
		    expires_at = EXCLUDED.expires_at
	`

	_, err := s.pool.Exec(ctx, query,
		rec.RunKey, string(rec.State), rec.Attempts, rec.RunID, rec.LastAttemptTime.UTC(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", rec.RunKey, err)
	}
	return nil
}

func (s *PostgresStore) Cleanup(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pipeline_runs WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		s.opts.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var neverCutoff = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)

package checkpoint

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps checkpoints in the _loader_checkpoints table. Every
// advance is a conditional write on the stored version.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects and ensures the checkpoint table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres checkpoint store requires a dsn")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint dsn: %w", err)
	}
	cfg.MaxConns = 2
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect checkpoint store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping checkpoint store: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, prefix string) (Checkpoint, error) {
	cp := Checkpoint{Prefix: prefix}
	err := s.pool.QueryRow(ctx, `
		SELECT pipeline, last_file, last_offset, version, updated_at
		FROM _loader_checkpoints
		WHERE prefix = $1
	`, prefix).Scan(&cp.Pipeline, &cp.LastFile, &cp.LastOffset, &cp.Version, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{Prefix: prefix}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("query checkpoint %s: %w", prefix, err)
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return cp, nil
}

// Advance implements Store.
func (s *PostgresStore) Advance(ctx context.Context, cp Checkpoint, file string, offset int64) (Checkpoint, error) {
	next, err := cp.Next(file, offset, s.now())
	if err != nil {
		return cp, err
	}

	var (
		sql  string
		args []any
	)
	if cp.Version == 0 {
		sql = `
			INSERT INTO _loader_checkpoints (prefix, pipeline, last_file, last_offset, version, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5)
			ON CONFLICT (prefix) DO NOTHING
		`
		args = []any{next.Prefix, next.Pipeline, next.LastFile, next.LastOffset, next.UpdatedAt}
	} else {
		sql = `
			UPDATE _loader_checkpoints
			SET pipeline = $2, last_file = $3, last_offset = $4, version = version + 1, updated_at = $5
			WHERE prefix = $1 AND version = $6
		`
		args = []any{next.Prefix, next.Pipeline, next.LastFile, next.LastOffset, next.UpdatedAt, cp.Version}
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return cp, fmt.Errorf("advance checkpoint %s: %w", cp.Prefix, err)
	}
	if tag.RowsAffected() == 0 {
		return cp, fmt.Errorf("%w: prefix %q moved past version %d", ErrStaleCheckpoint, cp.Prefix, cp.Version)
	}
	return next, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

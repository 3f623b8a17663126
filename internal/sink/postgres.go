package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres commits rows to a PostgreSQL-wire database through pgxpool.
// Batches are streamed with COPY inside the file's transaction.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgres connects and ensures the file ledger table exists.
func NewPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres sink requires a dsn")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse sink dsn: %w", err)
	}
	poolCfg.MaxConns = 8
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, classifyPostgres(ctx, "connect sink", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classifyPostgres(ctx, "ping sink", err)
	}
	if _, err := pool.Exec(ctx, ledgerSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	return &Postgres{
		pool: pool,
		log:  slog.With("component", "sink", "driver", "postgres"),
	}, nil
}

// EnsureTable implements TableCreator.
func (p *Postgres) EnsureTable(ctx context.Context, table string, columns []ColumnDef) error {
	ddl, err := createTableSQL(table, columns)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return classifyPostgres(ctx, "create table "+table, err)
	}
	return nil
}

// Committed reports whether the ledger holds the file.
func (p *Postgres) Committed(ctx context.Context, pipeline, key string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM _loader_files WHERE pipeline = $1 AND file_key = $2)
	`, pipeline, key).Scan(&exists)
	if err != nil {
		return false, classifyPostgres(ctx, "query file ledger", err)
	}
	return exists, nil
}

// Begin implements Destination.
func (p *Postgres) Begin(ctx context.Context, ref FileRef) (Session, error) {
	done, err := p.Committed(ctx, ref.Pipeline, ref.Key)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, fmt.Errorf("%s: %w", ref.Key, ErrAlreadyCommitted)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, classifyPostgres(ctx, "begin transaction", err)
	}
	return &pgSession{tx: tx, ref: ref, table: tableIdent(ref.Table), log: p.log}, nil
}

// Close implements Destination.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type pgSession struct {
	tx    pgx.Tx
	ref   FileRef
	table pgx.Identifier
	log   *slog.Logger
}

func (s *pgSession) Write(ctx context.Context, rows [][]any) error {
	n, err := s.tx.CopyFrom(ctx, s.table, s.ref.Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return classifyPostgres(ctx, "copy into "+s.ref.Table, err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("copy into %s: wrote %d of %d rows", s.ref.Table, n, len(rows))
	}
	return nil
}

func (s *pgSession) Commit(ctx context.Context, sum Summary) error {
	tag, err := s.tx.Exec(ctx, `
		INSERT INTO _loader_files (`+ledgerInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pipeline, file_key) DO NOTHING
	`, s.ref.Pipeline, s.ref.Key, sum.Checksum, sum.Rows, sum.Skipped, time.Now().UTC())
	if err != nil {
		s.rollbackQuietly(ctx)
		return classifyPostgres(ctx, "record file ledger", err)
	}
	if tag.RowsAffected() == 0 {
		s.rollbackQuietly(ctx)
		return fmt.Errorf("%s: %w", s.ref.Key, ErrAlreadyCommitted)
	}
	if err := s.tx.Commit(ctx); err != nil {
		return classifyPostgres(ctx, "commit", err)
	}
	return nil
}

func (s *pgSession) Rollback(ctx context.Context) error {
	// Rollback must run even when ctx is already canceled.
	err := s.tx.Rollback(context.WithoutCancel(ctx))
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// rollbackQuietly rolls back on a failure path that already has an error
// to report.
func (s *pgSession) rollbackQuietly(ctx context.Context) {
	if err := s.Rollback(ctx); err != nil {
		s.log.Warn("rollback failed", "file", s.ref.Key, "error", err)
	}
}

// classifyPostgres maps driver errors onto the sink's retry classes using
// SQLSTATE classes.
func classifyPostgres(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}

	// Client-side encode and scan failures repeat on every attempt. During
	// COPY the server echoes them back as a 57014 CopyFail error.
	if isEncodeError(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrConstraintViolation, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := pgErr.Code
		if len(class) > 2 {
			class = class[:2]
		}
		switch class {
		case "22", "23":
			return fmt.Errorf("%s: %w: %w", op, ErrConstraintViolation, err)
		case "08", "40", "53", "57":
			return fmt.Errorf("%s: %w: %w", op, ErrSinkUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || isConnError(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrSinkUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isEncodeError reports whether pgx failed to convert a Go value to or from
// the column's type. pgx has no exported type for encode failures, so they
// are matched on the message pgtype produces.
func isEncodeError(err error) bool {
	var scanErr pgx.ScanArgError
	if errors.As(err, &scanErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to encode") ||
		strings.Contains(msg, "cannot find encode plan")
}

func isConnError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "conn closed")
}

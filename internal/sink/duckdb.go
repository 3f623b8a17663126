package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DuckDB commits rows into an embedded DuckDB database. An empty path
// opens an in-memory database.
type DuckDB struct {
	db  *sql.DB
	log *slog.Logger
}

// NewDuckDB opens the database and ensures the file ledger table exists.
func NewDuckDB(ctx context.Context, path string) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	if _, err := db.ExecContext(ctx, ledgerSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &DuckDB{
		db:  db,
		log: slog.With("component", "sink", "driver", "duckdb"),
	}, nil
}

// EnsureTable implements TableCreator.
func (d *DuckDB) EnsureTable(ctx context.Context, table string, columns []ColumnDef) error {
	ddl, err := createTableSQL(table, columns)
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return classifyDuckDB(ctx, "create table "+table, err)
	}
	return nil
}

// Begin implements Destination.
func (d *DuckDB) Begin(ctx context.Context, ref FileRef) (Session, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT count(*) FROM _loader_files WHERE pipeline = ? AND file_key = ?`,
		ref.Pipeline, ref.Key).Scan(&n)
	if err != nil {
		return nil, classifyDuckDB(ctx, "query file ledger", err)
	}
	if n > 0 {
		return nil, fmt.Errorf("%s: %w", ref.Key, ErrAlreadyCommitted)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyDuckDB(ctx, "begin transaction", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ref.Columns)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteTable(ref.Table), quoteColumns(ref.Columns), placeholders)
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.log.Warn("rollback failed", "file", ref.Key, "error", rbErr)
		}
		return nil, classifyDuckDB(ctx, "prepare insert into "+ref.Table, err)
	}

	return &duckSession{tx: tx, stmt: stmt, ref: ref, log: d.log}, nil
}

// Close implements Destination.
func (d *DuckDB) Close() error {
	return d.db.Close()
}

type duckSession struct {
	tx   *sql.Tx
	stmt *sql.Stmt
	ref  FileRef
	log  *slog.Logger
}

func (s *duckSession) Write(ctx context.Context, rows [][]any) error {
	for _, row := range rows {
		if _, err := s.stmt.ExecContext(ctx, row...); err != nil {
			return classifyDuckDB(ctx, "insert into "+s.ref.Table, err)
		}
	}
	return nil
}

func (s *duckSession) Commit(ctx context.Context, sum Summary) error {
	s.stmt.Close()
	res, err := s.tx.ExecContext(ctx, `
		INSERT INTO _loader_files (`+ledgerInsertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, s.ref.Pipeline, s.ref.Key, sum.Checksum, sum.Rows, sum.Skipped, time.Now().UTC())
	if err != nil {
		s.rollbackQuietly()
		return classifyDuckDB(ctx, "record file ledger", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.rollbackQuietly()
		return fmt.Errorf("%s: %w", s.ref.Key, ErrAlreadyCommitted)
	}
	if err := s.tx.Commit(); err != nil {
		return classifyDuckDB(ctx, "commit", err)
	}
	return nil
}

// rollbackQuietly rolls back on a failure path that already has an error
// to report.
func (s *duckSession) rollbackQuietly() {
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.log.Warn("rollback failed", "file", s.ref.Key, "error", err)
	}
}

func (s *duckSession) Rollback(ctx context.Context) error {
	s.stmt.Close()
	err := s.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// classifyDuckDB maps DuckDB's error class prefixes onto retry classes.
func classifyDuckDB(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Constraint Error"),
		strings.Contains(msg, "Conversion Error"),
		strings.Contains(msg, "Out of Range Error"):
		return fmt.Errorf("%s: %w: %w", op, ErrConstraintViolation, err)
	case strings.Contains(msg, "TransactionContext Error"),
		strings.Contains(msg, "IO Error"):
		return fmt.Errorf("%s: %w: %w", op, ErrSinkUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Package sink commits mapped rows to the destination table, one
// transaction per source file.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSinkUnavailable is returned for failures worth retrying:
	// connectivity, serialization conflicts, resource exhaustion.
	ErrSinkUnavailable = errors.New("sink unavailable")

	// ErrConstraintViolation is returned when the destination rejects the
	// file's data. Retrying the same file cannot succeed.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrAlreadyCommitted is returned when the file ledger shows the file
	// was committed before.
	ErrAlreadyCommitted = errors.New("file already committed")
)

// FileRef identifies the file a session commits and where its rows go.
type FileRef struct {
	Pipeline string
	Key      string
	Table    string
	Columns  []string
}

// Summary is recorded in the file ledger at commit.
type Summary struct {
	Rows     int64
	Skipped  int64
	Checksum string
}

// Destination opens per-file sessions.
type Destination interface {
	// Begin starts the transaction for one file. It fails with
	// ErrAlreadyCommitted when the ledger already holds ref.
	Begin(ctx context.Context, ref FileRef) (Session, error)
	Close() error
}

// Session is one open per-file transaction.
type Session interface {
	// Write sends a batch inside the transaction.
	Write(ctx context.Context, rows [][]any) error
	// Commit records the file in the ledger and commits. Rows and ledger
	// entry become visible together or not at all.
	Commit(ctx context.Context, sum Summary) error
	Rollback(ctx context.Context) error
}

// Config configures the destination.
type Config struct {
	Driver   string `yaml:"driver"` // "postgres" | "duckdb"
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// Open connects the configured destination.
func Open(ctx context.Context, cfg Config) (Destination, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql", "":
		return NewPostgres(ctx, cfg)
	case "duckdb":
		return NewDuckDB(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown sink driver %q", cfg.Driver)
	}
}

// TableCreator is implemented by destinations that can create a missing
// destination table.
type TableCreator interface {
	EnsureTable(ctx context.Context, table string, columns []ColumnDef) error
}

// ColumnDef is a destination column with its SQL type.
type ColumnDef struct {
	Name string
	Type string
}

// Writer buffers rows for one session and flushes them as batches when
// batchSize rows are buffered or flushInterval has passed since the last
// flush. Finish flushes the remainder and commits once.
type Writer struct {
	sess          Session
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time

	buf       [][]any
	lastFlush time.Time
	written   int64
	batches   int
	done      bool
}

// NewWriter wraps an open session.
func NewWriter(sess Session, batchSize int, flushInterval time.Duration) *Writer {
	if batchSize < 1 {
		batchSize = 10000
	}
	w := &Writer{
		sess:          sess,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		now:           time.Now,
	}
	w.lastFlush = w.now()
	return w
}

// Add buffers one row, flushing when a threshold is reached.
func (w *Writer) Add(ctx context.Context, row []any) error {
	if w.done {
		return errors.New("writer already finished")
	}
	w.buf = append(w.buf, row)
	if len(w.buf) >= w.batchSize {
		return w.Flush(ctx)
	}
	if w.flushInterval > 0 && w.now().Sub(w.lastFlush) >= w.flushInterval {
		return w.Flush(ctx)
	}
	return nil
}

// Flush sends buffered rows to the session.
func (w *Writer) Flush(ctx context.Context) error {
	w.lastFlush = w.now()
	if len(w.buf) == 0 {
		return nil
	}
	if err := w.sess.Write(ctx, w.buf); err != nil {
		return err
	}
	w.written += int64(len(w.buf))
	w.batches++
	w.buf = nil
	return nil
}

// Finish flushes and commits, returning the number of rows committed.
// sum.Rows is filled in from the rows written.
func (w *Writer) Finish(ctx context.Context, sum Summary) (int64, error) {
	if w.done {
		return 0, errors.New("writer already finished")
	}
	if err := w.Flush(ctx); err != nil {
		return 0, err
	}
	w.done = true
	sum.Rows = w.written
	if err := w.sess.Commit(ctx, sum); err != nil {
		return 0, err
	}
	return w.written, nil
}

// Abort rolls the session back. It is a no-op after Finish.
func (w *Writer) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	w.buf = nil
	return w.sess.Rollback(ctx)
}

// Pending returns rows buffered but not yet flushed.
func (w *Writer) Pending() int { return len(w.buf) }

// Written returns rows flushed so far.
func (w *Writer) Written() int64 { return w.written }

// Batches returns the number of batches flushed so far.
func (w *Writer) Batches() int { return w.batches }

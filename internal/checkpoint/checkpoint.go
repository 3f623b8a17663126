// Package checkpoint records which files each prefix has durably ingested.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrStaleCheckpoint is returned when the stored checkpoint moved on
	// since the caller read it.
	ErrStaleCheckpoint = errors.New("stale checkpoint")

	// ErrNotMonotonic is returned when an advance would not move the
	// checkpoint forward.
	ErrNotMonotonic = errors.New("checkpoint must advance monotonically")
)

// Checkpoint is the ingestion progress of one source prefix. It is a value:
// advancing returns a new record with a bumped Version.
type Checkpoint struct {
	Prefix   string `json:"prefix"`
	Pipeline string `json:"pipeline"`
	// LastFile is the greatest key whose rows are committed.
	LastFile string `json:"last_ingested_file"`
	// LastOffset is the number of rows committed from LastFile.
	LastOffset int64     `json:"last_ingested_offset"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsZero reports whether nothing has been ingested for the prefix yet.
func (c Checkpoint) IsZero() bool { return c.Version == 0 }

// Next returns the checkpoint that results from committing file.
func (c Checkpoint) Next(file string, offset int64, now time.Time) (Checkpoint, error) {
	if file <= c.LastFile {
		return c, fmt.Errorf("%w: %q is not after %q", ErrNotMonotonic, file, c.LastFile)
	}
	if offset < 0 {
		return c, fmt.Errorf("negative offset %d for %s", offset, file)
	}
	return Checkpoint{
		Prefix:     c.Prefix,
		Pipeline:   c.Pipeline,
		LastFile:   file,
		LastOffset: offset,
		Version:    c.Version + 1,
		UpdatedAt:  now.UTC(),
	}, nil
}

// Store persists checkpoints.
type Store interface {
	// Get returns the checkpoint for prefix. A prefix with no history
	// yields a zero-version checkpoint, not an error.
	Get(ctx context.Context, prefix string) (Checkpoint, error)

	// Advance moves the checkpoint for cp.Prefix past file. It must only
	// be called once the sink commit for file is durable, and fails with
	// ErrStaleCheckpoint if cp.Version is not the stored version.
	Advance(ctx context.Context, cp Checkpoint, file string, offset int64) (Checkpoint, error)

	Close() error
}

// Config configures the checkpoint store.
type Config struct {
	Backend string `yaml:"backend"` // "file" | "postgres"
	Dir     string `yaml:"dir"`
	DSN     string `yaml:"dsn"`
}

// NewStore creates a checkpoint store based on configuration.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "file":
		return NewFileStore(cfg.Dir)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

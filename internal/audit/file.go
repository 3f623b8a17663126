package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileBackup saves events to local JSON files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./audit"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	return &FileBackup{dir: dir}, nil
}

// Path returns where an event is stored:
// {pipeline}_{checkpoint_version}_{file}.json with path separators flattened.
func (f *FileBackup) Path(evt *Event) string {
	name := fmt.Sprintf("%s_%010d_%s.json",
		evt.Pipeline,
		evt.CheckpointVersion,
		strings.NewReplacer("/", "_", "\\", "_").Replace(evt.File),
	)
	return filepath.Join(f.dir, name)
}

// Save writes an event to a local JSON file.
func (f *FileBackup) Save(evt *Event) error {
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(f.Path(evt), data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// FileEmitter writes chained events to local files only.
type FileEmitter struct {
	mu           sync.Mutex
	chainTracker *ChainTracker
	backup       *FileBackup
	log          *slog.Logger
	now          func() time.Time
}

// NewFileEmitter creates an emitter that only writes to local files.
func NewFileEmitter(dir string) (*FileEmitter, error) {
	chainTracker, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileEmitter{
		chainTracker: chainTracker,
		backup:       backup,
		log:          slog.With("component", "audit", "emitter", "file"),
		now:          time.Now,
	}, nil
}

// Emit chains evt to the pipeline's previous event and saves it.
func (e *FileEmitter) Emit(_ context.Context, evt Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	chainKey := evt.ChainKey()
	prevHash, err := e.chainTracker.GetHead(chainKey)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}
	seal(&evt, prevHash, e.now())

	if err := e.backup.Save(&evt); err != nil {
		return err
	}
	if err := e.chainTracker.SetHead(chainKey, evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "chain", chainKey, "error", err)
	}

	e.log.Debug("audit event written", "file", evt.File, "event_hash", evt.Chain.EventHash)
	return nil
}

// Close releases resources.
func (e *FileEmitter) Close() error {
	return nil
}

package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// FileStore keeps one JSON document per prefix in a directory. Writes go
// to a temp file that is synced and renamed over the old document.
type FileStore struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "./state"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}
	return &FileStore{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}, nil
}

// checkpointPath returns a readable, collision-free file name for prefix.
func (s *FileStore) checkpointPath(prefix string) string {
	sum := sha256.Sum256([]byte(prefix))
	name := unsafeChars.ReplaceAllString(prefix, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	filename := fmt.Sprintf("checkpoint_%s_%s.json", name, hex.EncodeToString(sum[:4]))
	return filepath.Join(s.dir, filename)
}

func (s *FileStore) lock(prefix string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[prefix]
	if !ok {
		l = &sync.Mutex{}
		s.locks[prefix] = l
	}
	return l
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, prefix string) (Checkpoint, error) {
	l := s.lock(prefix)
	l.Lock()
	defer l.Unlock()
	return s.load(prefix)
}

func (s *FileStore) load(prefix string) (Checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{Prefix: prefix}, nil
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("parse checkpoint file: %w", err)
	}
	if cp.Prefix != prefix {
		return Checkpoint{}, fmt.Errorf("checkpoint file for %q holds prefix %q", prefix, cp.Prefix)
	}
	return cp, nil
}

// Advance implements Store.
func (s *FileStore) Advance(ctx context.Context, cp Checkpoint, file string, offset int64) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return cp, err
	}

	l := s.lock(cp.Prefix)
	l.Lock()
	defer l.Unlock()

	stored, err := s.load(cp.Prefix)
	if err != nil {
		return cp, err
	}
	if stored.Version != cp.Version {
		return stored, fmt.Errorf("%w: prefix %q is at version %d, caller has %d",
			ErrStaleCheckpoint, cp.Prefix, stored.Version, cp.Version)
	}

	next, err := stored.Next(file, offset, s.now())
	if err != nil {
		return stored, err
	}
	if next.Pipeline == "" {
		next.Pipeline = cp.Pipeline
	}

	if err := s.write(next); err != nil {
		return stored, err
	}
	return next, nil
}

func (s *FileStore) write(cp Checkpoint) error {
	path := s.checkpointPath(cp.Prefix)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("sync checkpoint temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	// Persist the rename itself.
	if d, err := os.Open(s.dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

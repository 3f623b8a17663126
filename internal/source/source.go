// Package source lists and reads files landing in an object-store bucket.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

var (
	// ErrSourceUnavailable is returned when the object store cannot be reached.
	// Callers retry it with backoff.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrObjectNotFound is returned when a listed object no longer exists.
	ErrObjectNotFound = errors.New("object not found")
)

// FileEntry describes one discovered object. It is never modified after
// discovery.
type FileEntry struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Store is the read-only object-store API the loader needs.
type Store interface {
	// List yields every object under prefix in lexicographic key order.
	List(ctx context.Context, prefix string) iter.Seq2[FileEntry, error]
	// Read returns the full contents of an object.
	Read(ctx context.Context, key string) ([]byte, error)
}

// BlobStore implements Store on a gocloud.dev bucket.
type BlobStore struct {
	bucket *blob.Bucket
	uri    string
	now    func() time.Time
}

// NewBlobStore wraps an open bucket. uri is only used for logging.
func NewBlobStore(bucket *blob.Bucket, uri string) *BlobStore {
	return &BlobStore{
		bucket: bucket,
		uri:    uri,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// URI returns the bucket location.
func (s *BlobStore) URI() string { return s.uri }

// List implements Store. Pages are fetched lazily as the sequence is
// consumed; a listing error is yielded once and ends the sequence.
func (s *BlobStore) List(ctx context.Context, prefix string) iter.Seq2[FileEntry, error] {
	return func(yield func(FileEntry, error) bool) {
		it := s.bucket.List(&blob.ListOptions{Prefix: prefix})
		for {
			obj, err := it.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(FileEntry{}, classify(ctx, "list "+prefix, err))
				return
			}
			if obj.IsDir {
				continue
			}
			entry := FileEntry{
				Key:          obj.Key,
				Size:         obj.Size,
				LastModified: obj.ModTime.UTC(),
				DiscoveredAt: s.now(),
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// Read implements Store.
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, classify(ctx, "read "+key, err)
	}
	return data, nil
}

// Close releases the bucket.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%s: %w: %w", op, ErrObjectNotFound, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrSourceUnavailable, err)
}

package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
)

// openLocal serves a directory as a bucket. Object keys map to paths
// below dir.
func openLocal(dir string) (*blob.Bucket, string, error) {
	if dir == "" {
		dir = "./data"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, "", fmt.Errorf("resolve local dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, "", fmt.Errorf("create base directory %s: %w", abs, err)
	}

	bucket, err := fileblob.OpenBucket(abs, nil)
	if err != nil {
		return nil, "", fmt.Errorf("open local bucket %s: %w", abs, err)
	}
	return bucket, "file://" + abs, nil
}

// Package storage opens object-store buckets and keeps quarantined files.
package storage

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

// BucketConfig selects and addresses an object-store bucket.
type BucketConfig struct {
	Backend  string `yaml:"backend"` // "s3" | "gcs" | "local" | "mem"
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	// CredentialsRef names credentials held outside this process:
	// "" or "default" uses the ambient chain, "profile:<name>" selects a
	// shared-config profile (s3 only).
	CredentialsRef string `yaml:"credentials_ref"`
	LocalDir       string `yaml:"local_dir"`
}

// OpenBucket opens the configured bucket and returns it with a URI for
// logging.
func OpenBucket(ctx context.Context, cfg BucketConfig) (*blob.Bucket, string, error) {
	switch strings.ToLower(cfg.Backend) {
	case "s3":
		return openS3(ctx, cfg)
	case "gcs":
		return openGCS(ctx, cfg)
	case "local", "":
		return openLocal(cfg.LocalDir)
	case "mem":
		return memblob.OpenBucket(nil), "mem://", nil
	default:
		return nil, "", fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// ParseCredentialsRef splits a credentials reference into its scheme and
// value.
func ParseCredentialsRef(ref string) (scheme, value string, err error) {
	if ref == "" || ref == "default" {
		return "default", "", nil
	}
	scheme, value, ok := strings.Cut(ref, ":")
	if !ok || value == "" {
		return "", "", fmt.Errorf("credentials reference %q: want default or profile:<name>", ref)
	}
	switch scheme {
	case "profile":
		return scheme, value, nil
	default:
		return "", "", fmt.Errorf("credentials reference %q: unsupported scheme %q", ref, scheme)
	}
}

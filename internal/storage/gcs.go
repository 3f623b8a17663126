package storage

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

func openGCS(ctx context.Context, cfg BucketConfig) (*blob.Bucket, string, error) {
	if cfg.Bucket == "" {
		return nil, "", fmt.Errorf("gcs backend requires a bucket")
	}
	scheme, _, err := ParseCredentialsRef(cfg.CredentialsRef)
	if err != nil {
		return nil, "", err
	}
	if scheme != "default" {
		return nil, "", fmt.Errorf("gcs backend only supports ambient credentials, got %q", cfg.CredentialsRef)
	}

	bucketURL := fmt.Sprintf("gs://%s", cfg.Bucket)
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, "", fmt.Errorf("open GCS bucket %s: %w", cfg.Bucket, err)
	}
	return bucket, bucketURL, nil
}

package storage

import (
	"context"
	"fmt"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/s3blob" // S3 driver
)

// s3URL builds the gocloud.dev URL for an S3-compatible bucket.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func s3URL(cfg BucketConfig) (string, error) {
	bucketURL := fmt.Sprintf("s3://%s", cfg.Bucket)

	params := url.Values{}
	if cfg.Region != "" {
		params.Set("region", cfg.Region)
	}
	if cfg.Endpoint != "" {
		params.Set("endpoint", cfg.Endpoint)
		// Custom endpoints rarely support virtual-host addressing.
		params.Set("s3ForcePathStyle", "true")
	}

	scheme, value, err := ParseCredentialsRef(cfg.CredentialsRef)
	if err != nil {
		return "", err
	}
	if scheme == "profile" {
		params.Set("profile", value)
	}

	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL, nil
}

func openS3(ctx context.Context, cfg BucketConfig) (*blob.Bucket, string, error) {
	if cfg.Bucket == "" {
		return nil, "", fmt.Errorf("s3 backend requires a bucket")
	}
	bucketURL, err := s3URL(cfg)
	if err != nil {
		return nil, "", err
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, "", fmt.Errorf("open S3 bucket %s: %w", cfg.Bucket, err)
	}
	return bucket, "s3://" + cfg.Bucket, nil
}

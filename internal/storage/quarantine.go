package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// Record describes why a file was quarantined. It is stored next to the
// quarantined copy as <key>.error.json.
type Record struct {
	ID            string    `json:"id"`
	Pipeline      string    `json:"pipeline"`
	Key           string    `json:"key"`
	QuarantineKey string    `json:"quarantine_key"`
	Copied        bool      `json:"copied"`
	Reason        string    `json:"reason"`
	Error         string    `json:"error"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Quarantine keeps copies of files that could not be ingested.
type Quarantine struct {
	bucket *blob.Bucket
	prefix string
	log    *slog.Logger
}

// NewQuarantine stores quarantined files under prefix in bucket.
func NewQuarantine(bucket *blob.Bucket, prefix string) *Quarantine {
	if prefix == "" {
		prefix = "_quarantine/"
	}
	return &Quarantine{
		bucket: bucket,
		prefix: prefix,
		log:    slog.With("component", "quarantine"),
	}
}

// recordKey returns the key of the reason record for an original key.
func (q *Quarantine) recordKey(key string) string {
	return q.prefix + key + ".error.json"
}

// Put copies key into the quarantine prefix and writes its reason record.
// A source object that has already disappeared still gets a record.
func (q *Quarantine) Put(ctx context.Context, pipeline, key, reason string, cause error) (Record, error) {
	rec := Record{
		ID:            uuid.NewString(),
		Pipeline:      pipeline,
		Key:           key,
		QuarantineKey: q.prefix + key,
		Reason:        reason,
		QuarantinedAt: time.Now().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	switch err := q.bucket.Copy(ctx, rec.QuarantineKey, key, nil); {
	case err == nil:
		rec.Copied = true
	case gcerrors.Code(err) == gcerrors.NotFound:
		q.log.Warn("source object vanished before quarantine", "file", key)
	default:
		return rec, fmt.Errorf("copy %s to quarantine: %w", key, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return rec, fmt.Errorf("marshal quarantine record: %w", err)
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := q.bucket.WriteAll(ctx, q.recordKey(key), data, opts); err != nil {
		return rec, fmt.Errorf("write quarantine record for %s: %w", key, err)
	}

	q.log.Warn("file quarantined", "pipeline", pipeline, "file", key, "reason", reason, "error", rec.Error)
	return rec, nil
}

// Get reads the reason record for an original key.
func (q *Quarantine) Get(ctx context.Context, key string) (Record, error) {
	var rec Record
	data, err := q.bucket.ReadAll(ctx, q.recordKey(key))
	if err != nil {
		return rec, fmt.Errorf("read quarantine record for %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parse quarantine record for %s: %w", key, err)
	}
	return rec, nil
}

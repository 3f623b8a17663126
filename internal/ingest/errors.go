package ingest

import (
	"context"
	"errors"

	"github.com/withObsrvr/obsrvr-parquet-loader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/loader"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/mapping"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/sink"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/source"
)

// fatalReasons maps errors that no retry can fix to the reason recorded
// when the file is quarantined.
var fatalReasons = []struct {
	err    error
	reason string
}{
	{mapping.ErrSchemaMismatch, "schema_mismatch"},
	{sink.ErrConstraintViolation, "constraint_violation"},
	{loader.ErrCorruptFile, "corrupt_file"},
	{loader.ErrTooManyMalformed, "too_many_malformed"},
	{source.ErrObjectNotFound, "object_not_found"},
	{ErrValidationFailed, "validation_failed"},
}

// FailureReason returns the quarantine reason for a fatal error, or "" if
// err is not fatal for the file.
func FailureReason(err error) string {
	for _, f := range fatalReasons {
		if errors.Is(err, f.err) {
			return f.reason
		}
	}
	return ""
}

// IsFatal reports whether err fails the file permanently.
func IsFatal(err error) bool {
	return FailureReason(err) != ""
}

// isTransient reports whether an operation that failed with err should be
// retried. Unknown errors are retried; cancellation, file-fatal errors and
// checkpoint conflicts are not.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case IsFatal(err):
		return false
	case errors.Is(err, checkpoint.ErrStaleCheckpoint), errors.Is(err, checkpoint.ErrNotMonotonic):
		return false
	case errors.Is(err, ErrIllegalTransition):
		return false
	default:
		return true
	}
}

// errorClass labels err for the sink and source error metrics.
func errorClass(err error) string {
	switch {
	case errors.Is(err, sink.ErrSinkUnavailable):
		return "sink_unavailable"
	case errors.Is(err, sink.ErrConstraintViolation):
		return "constraint_violation"
	case errors.Is(err, source.ErrSourceUnavailable):
		return "source_unavailable"
	default:
		return "other"
	}
}

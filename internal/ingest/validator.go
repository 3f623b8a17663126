package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-parquet-loader/internal/loader"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/source"
)

// ErrValidationFailed is returned when a loaded file fails its pre-commit
// checks.
var ErrValidationFailed = errors.New("file validation failed")

// ValidationResult contains the outcome of file validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
	RowCount int64
	ByteSize int64
}

// Err returns nil for a passing result, otherwise an error wrapping
// ErrValidationFailed.
func (r ValidationResult) Err() error {
	if r.Passed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(r.Errors, "; "))
}

// ValidateFile performs quality checks on a loaded file before commit.
// This validates:
// - Checksum presence and format
// - Object size matches the size seen at discovery
// - Every emitted row reached the writer
func ValidateFile(entry source.FileEntry, stats loader.Stats, handed int64) ValidationResult {
	result := ValidationResult{
		Passed:   true,
		RowCount: stats.RowsEmitted,
		ByteSize: stats.Bytes,
	}

	// Check 1: Checksum
	if stats.Checksum == "" {
		result.Errors = append(result.Errors, "missing checksum")
		result.Passed = false
	} else if !strings.HasPrefix(stats.Checksum, "sha256:") {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("checksum may be in non-standard format: %s",
				stats.Checksum[:min(20, len(stats.Checksum))]))
	}

	// Check 2: Object size
	if entry.Size > 0 && stats.Bytes != entry.Size {
		result.Errors = append(result.Errors,
			fmt.Sprintf("object size changed: listed %d bytes, read %d", entry.Size, stats.Bytes))
		result.Passed = false
	}

	// Check 3: Row accounting
	if stats.RowsEmitted != handed {
		result.Errors = append(result.Errors,
			fmt.Sprintf("row count mismatch: loader emitted %d, writer received %d", stats.RowsEmitted, handed))
		result.Passed = false
	}

	if stats.RowsRead == 0 {
		result.Warnings = append(result.Warnings, "file has no rows")
	}
	if stats.RowsSkipped > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d malformed rows skipped", stats.RowsSkipped))
	}

	return result
}

package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-parquet-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/source"
)

// Build information, overridden with -ldflags at release time.
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// ErrIllegalTransition is returned when a file is moved to a state it
// cannot reach from its current one.
var ErrIllegalTransition = errors.New("illegal file state transition")

// FileState is the lifecycle position of one file.
type FileState int

const (
	StateDiscovered FileState = iota
	StateLoading
	StateBuffering
	StateCommitting
	StateCheckpointed
	StateFailed
)

func (s FileState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLoading:
		return "loading"
	case StateBuffering:
		return "buffering"
	case StateCommitting:
		return "committing"
	case StateCheckpointed:
		return "checkpointed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s FileState) Terminal() bool {
	return s == StateCheckpointed || s == StateFailed
}

// transitions lists the legal next states. A retry moves a file back to
// Loading; an already committed or empty file goes from Loading straight
// to Committing.
var transitions = map[FileState][]FileState{
	StateDiscovered: {StateLoading},
	StateLoading:    {StateLoading, StateBuffering, StateCommitting, StateFailed},
	StateBuffering:  {StateLoading, StateCommitting, StateFailed},
	StateCommitting: {StateLoading, StateCheckpointed, StateFailed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to FileState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// fileTask is sent to workers for processing. Index orders files for the
// sequencer.
type fileTask struct {
	Entry source.FileEntry
	Index int64
}

// FileResult is returned from workers to the sequencer.
type FileResult struct {
	Entry source.FileEntry
	Index int64
	State FileState
	// Outcome is one of the metrics.Outcome* values, or empty when the
	// worker was canceled.
	Outcome  string
	Rows     int64
	Skipped  int64
	Checksum string
	Attempts int
	Duration time.Duration
	Err      error
}

// done reports whether the checkpoint may move past the file.
func (r FileResult) done() bool {
	return r.Outcome != "" && r.Outcome != metrics.OutcomeDeferred
}

// PassResult summarizes one pass over the pending files of a prefix.
type PassResult struct {
	Dispatched  int
	Committed   int
	Replayed    int
	Quarantined int
	Deferred    int
	Rows        int64
	Skipped     int64
}

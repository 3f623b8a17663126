// Package ingest drives files from discovery to a durable checkpoint.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-parquet-loader/internal/audit"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/loader"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/mapping"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/sink"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/storage"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/watcher"
)

// Deps are the components a pipeline drives.
type Deps struct {
	Watcher     *watcher.Watcher
	Loader      *loader.Loader
	Sink        sink.Destination
	Checkpoints checkpoint.Store
	// Quarantine may be nil, in which case failed files are only logged.
	Quarantine *storage.Quarantine
	// Audit may be nil.
	Audit audit.Emitter
}

// Options tune a pipeline.
type Options struct {
	Name        string
	Table       string
	Columns     []sink.ColumnDef
	CreateTable bool

	Workers       int
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	PollInterval  time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Pipeline implements the dispatcher → workers → sequencer flow for one
// prefix. Workers load and commit files in parallel, but the sequencer
// advances the checkpoint in key order.
type Pipeline struct {
	opts    Options
	deps    Deps
	columns []string
	log     *slog.Logger
	now     func() time.Time
}

// NewPipeline creates a pipeline.
func NewPipeline(opts Options, deps Deps) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = opts.Workers * 2
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Table == "" {
		opts.Table = opts.Name
	}

	columns := make([]string, len(opts.Columns))
	for i, c := range opts.Columns {
		columns[i] = c.Name
	}

	return &Pipeline{
		opts:    opts,
		deps:    deps,
		columns: columns,
		log:     logging.Component("pipeline").With("pipeline", opts.Name),
		now:     time.Now,
	}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.opts.Name }

// Prefix returns the watched prefix.
func (p *Pipeline) Prefix() string { return p.deps.Watcher.Prefix() }

// Prepare creates the destination table when configured to.
func (p *Pipeline) Prepare(ctx context.Context) error {
	if !p.opts.CreateTable {
		return nil
	}
	tc, ok := p.deps.Sink.(sink.TableCreator)
	if !ok {
		return fmt.Errorf("sink %T cannot create tables", p.deps.Sink)
	}
	if err := tc.EnsureTable(ctx, p.opts.Table, p.opts.Columns); err != nil {
		return fmt.Errorf("create table %s: %w", p.opts.Table, err)
	}
	return nil
}

// Run polls the prefix until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare pipeline %s: %w", p.opts.Name, err)
	}

	p.log.Info("starting watch loop",
		"prefix", p.Prefix(),
		"workers", p.opts.Workers,
		"poll_interval", p.opts.PollInterval,
	)

	for {
		res, err := p.Pass(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.log.Error("pass failed", "error", err)
		} else if res.Dispatched > 0 {
			p.logPass(res)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// Once processes the files currently pending and returns. Files deferred
// after exhausting their retries make Once fail.
func (p *Pipeline) Once(ctx context.Context) (PassResult, error) {
	if err := p.Prepare(ctx); err != nil {
		return PassResult{}, fmt.Errorf("prepare pipeline %s: %w", p.opts.Name, err)
	}
	res, err := p.Pass(ctx)
	if err != nil {
		return res, err
	}
	p.logPass(res)
	if res.Deferred > 0 {
		return res, fmt.Errorf("pipeline %s: %d file(s) deferred after retries", p.opts.Name, res.Deferred)
	}
	return res, nil
}

func (p *Pipeline) logPass(res PassResult) {
	p.log.Info("pass complete",
		"dispatched", res.Dispatched,
		"committed", res.Committed,
		"replayed", res.Replayed,
		"quarantined", res.Quarantined,
		"deferred", res.Deferred,
		"rows", res.Rows,
		"rows_skipped", res.Skipped,
	)
}

// Pass dispatches every file after the checkpoint once.
func (p *Pipeline) Pass(ctx context.Context) (PassResult, error) {
	var cp checkpoint.Checkpoint
	err := p.retry(ctx, "checkpoint_get", func() error {
		var err error
		cp, err = p.deps.Checkpoints.Get(ctx, p.Prefix())
		return err
	})
	if err != nil {
		return PassResult{}, fmt.Errorf("get checkpoint: %w", err)
	}
	if cp.IsZero() {
		p.log.Debug("no checkpoint yet, listing prefix from the start")
	}
	if cp.Pipeline == "" {
		cp.Pipeline = p.opts.Name
	}

	g, gctx := errgroup.WithContext(ctx)
	tasks := make(chan fileTask, p.opts.QueueSize)
	results := make(chan FileResult, p.opts.QueueSize)

	// A listing failure stops dispatch but lets in-flight files finish.
	var listErr error
	g.Go(func() error {
		defer close(tasks)
		listErr = p.dispatch(gctx, cp.LastFile, tasks)
		return nil
	})

	var workers sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			p.workerLoop(gctx, i, tasks, results)
			return nil
		})
	}
	go func() {
		workers.Wait()
		close(results)
	}()

	var res PassResult
	g.Go(func() error {
		var err error
		res, err = p.sequence(gctx, cp, results)
		return err
	})

	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if listErr != nil {
		p.alert("source_unavailable", p.log, listErr)
		return res, fmt.Errorf("list %s: %w", p.Prefix(), listErr)
	}
	return res, nil
}

// dispatch sends pending files to workers in key order. Listing failures
// are retried from the last dispatched key.
func (p *Pipeline) dispatch(ctx context.Context, after string, tasks chan<- fileTask) error {
	last := after
	var index int64

	return p.retry(ctx, "list", func() error {
		for entry, err := range p.deps.Watcher.Pending(ctx, last) {
			if err != nil {
				if m := metrics.Get(); m != nil {
					m.IncSourceErrors(p.labels())
				}
				return err
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case tasks <- fileTask{Entry: entry, Index: index}:
			}

			last = entry.Key
			index++
			if m := metrics.Get(); m != nil {
				m.IncFilesDiscovered(p.labels())
				m.SetWorkerQueueDepth(p.labels(), float64(len(tasks)))
			}
		}
		return nil
	})
}

// workerLoop processes file tasks.
func (p *Pipeline) workerLoop(ctx context.Context, workerID int, tasks <-chan fileTask, results chan<- FileResult) {
	log := logging.WorkerLogger(p.opts.Name, workerID)
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	for task := range tasks {
		if ctx.Err() != nil {
			return
		}
		result := p.processFile(ctx, workerID, task)
		select {
		case results <- result:
		case <-ctx.Done():
			return
		}
	}
}

// fileRun tracks one file through its states.
type fileRun struct {
	key   string
	state FileState
	log   *slog.Logger
}

func (f *fileRun) to(next FileState) error {
	if !CanTransition(f.state, next) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, f.state, next, f.key)
	}
	f.log.Debug("file state", "from", f.state, "to", next)
	f.state = next
	return nil
}

// processFile loads and commits one file, retrying transient failures.
// It does NOT advance the checkpoint; that is the sequencer's job.
func (p *Pipeline) processFile(ctx context.Context, workerID int, task fileTask) FileResult {
	ctx = logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())
	log := logging.FileLogger(ctx, p.opts.Name, task.Entry.Key).With("worker_id", workerID)
	run := &fileRun{key: task.Entry.Key, state: StateDiscovered, log: log}
	result := FileResult{Entry: task.Entry, Index: task.Index}

	labels := p.labels()
	m := metrics.Get()
	if m != nil {
		m.AddInFlightFiles(labels, 1)
		defer m.AddInFlightFiles(labels, -1)
	}

	start := p.now()
	err := p.retry(ctx, "ingest", func() error {
		result.Attempts++
		return p.ingest(ctx, run, &result)
	})
	result.Duration = p.now().Sub(start)

	switch {
	case err == nil:
		log.Info("file committed",
			"outcome", result.Outcome,
			"rows", result.Rows,
			"rows_skipped", result.Skipped,
			"attempts", result.Attempts,
			"duration_ms", result.Duration.Milliseconds(),
		)
	case ctx.Err() != nil:
		log.Info("file abandoned on shutdown", "state", run.state)
		result.Err = ctx.Err()
	case IsFatal(err):
		p.quarantine(ctx, run, &result, err)
	default:
		result.Err = err
		result.Outcome = metrics.OutcomeDeferred
		p.alert("retries_exhausted", log, err)
	}
	result.State = run.state

	if m != nil && result.Outcome != "" {
		l := labels
		l.Outcome = result.Outcome
		m.IncFilesProcessed(l)
		if result.Outcome == metrics.OutcomeCommitted {
			m.ObserveFileCommitDuration(labels, result.Duration.Seconds())
			m.ObserveFileRows(labels, float64(result.Rows))
			m.ObserveFileBytes(labels, float64(task.Entry.Size))
			m.AddRowsCommitted(labels, float64(result.Rows))
			m.AddRowsSkipped(labels, float64(result.Skipped))
		}
	}
	return result
}

// ingest is one attempt at a file: begin, stream rows into the writer,
// validate, commit.
func (p *Pipeline) ingest(ctx context.Context, run *fileRun, result *FileResult) error {
	if err := run.to(StateLoading); err != nil {
		return err
	}
	entry := result.Entry

	ref := sink.FileRef{
		Pipeline: p.opts.Name,
		Key:      entry.Key,
		Table:    p.opts.Table,
		Columns:  p.columns,
	}
	sess, err := p.deps.Sink.Begin(ctx, ref)
	if errors.Is(err, sink.ErrAlreadyCommitted) {
		run.log.Info("file already committed, skipping load")
		result.Outcome = metrics.OutcomeSkipped
		return run.to(StateCommitting)
	}
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	w := sink.NewWriter(sess, p.opts.BatchSize, p.opts.FlushInterval)
	var handed int64
	loadStart := p.now()
	stats, err := p.deps.Loader.Load(ctx, entry, func(row mapping.Row) error {
		if handed == 0 {
			if err := run.to(StateBuffering); err != nil {
				return err
			}
		}
		handed++
		return w.Add(ctx, row)
	})
	if err != nil {
		p.abort(ctx, w, run.log)
		return err
	}
	if m := metrics.Get(); m != nil {
		m.ObserveFileLoadDuration(p.labels(), p.now().Sub(loadStart).Seconds())
	}

	v := ValidateFile(entry, stats, handed)
	for _, warning := range v.Warnings {
		run.log.Warn("validation warning", "warning", warning)
	}
	if err := v.Err(); err != nil {
		p.abort(ctx, w, run.log)
		return err
	}

	if err := run.to(StateCommitting); err != nil {
		p.abort(ctx, w, run.log)
		return err
	}
	n, err := w.Finish(ctx, sink.Summary{Skipped: stats.RowsSkipped, Checksum: stats.Checksum})
	if errors.Is(err, sink.ErrAlreadyCommitted) {
		// Another loader committed the file between Begin and Commit.
		result.Outcome = metrics.OutcomeSkipped
		result.Checksum = stats.Checksum
		return nil
	}
	if err != nil {
		p.abort(ctx, w, run.log)
		return err
	}

	run.log.Debug("rows committed", "rows", n, "batches", w.Batches())
	result.Outcome = metrics.OutcomeCommitted
	result.Rows = n
	result.Skipped = stats.RowsSkipped
	result.Checksum = stats.Checksum
	return nil
}

func (p *Pipeline) abort(ctx context.Context, w *sink.Writer, log *slog.Logger) {
	log.Debug("discarding uncommitted rows", "flushed", w.Written(), "buffered", w.Pending())
	if err := w.Abort(context.WithoutCancel(ctx)); err != nil {
		log.Warn("rollback failed", "error", err)
	}
}

// quarantine sets a fatally failed file aside so the checkpoint can move
// past it.
func (p *Pipeline) quarantine(ctx context.Context, run *fileRun, result *FileResult, cause error) {
	reason := FailureReason(cause)
	run.log.Error("file failed permanently", "reason", reason, "error", cause)

	if m := metrics.Get(); m != nil && errors.Is(cause, sink.ErrConstraintViolation) {
		l := p.labels()
		l.Class = errorClass(cause)
		m.IncSinkErrors(l)
	}

	if p.deps.Quarantine != nil {
		rec, err := p.deps.Quarantine.Put(ctx, p.opts.Name, result.Entry.Key, reason, cause)
		if err != nil {
			// The checkpoint must not pass a file that was neither loaded
			// nor set aside.
			result.Err = fmt.Errorf("quarantine %s: %w", result.Entry.Key, err)
			result.Outcome = metrics.OutcomeDeferred
			p.alert("quarantine_failed", run.log, err)
			return
		}
		run.log.Warn("file quarantined", "quarantine_key", rec.QuarantineKey, "record_id", rec.ID)
	}

	if err := run.to(StateFailed); err != nil {
		run.log.Warn("unexpected state", "error", err)
	}
	result.Err = cause
	result.Outcome = metrics.OutcomeQuarantined
}

// sequence advances the checkpoint in key order over the contiguous run of
// finished files. A deferred or abandoned file blocks the checkpoint for
// the rest of the pass.
func (p *Pipeline) sequence(ctx context.Context, cp checkpoint.Checkpoint, results <-chan FileResult) (PassResult, error) {
	var res PassResult
	pending := make(map[int64]FileResult)
	var next int64
	blocked := false

	for r := range results {
		res.Dispatched++
		switch r.Outcome {
		case metrics.OutcomeCommitted:
			res.Committed++
			res.Rows += r.Rows
			res.Skipped += r.Skipped
		case metrics.OutcomeSkipped:
			res.Replayed++
		case metrics.OutcomeQuarantined:
			res.Quarantined++
		case metrics.OutcomeDeferred:
			res.Deferred++
		}
		pending[r.Index] = r

		for !blocked {
			head, ok := pending[next]
			if !ok {
				break
			}
			if !head.done() || ctx.Err() != nil {
				blocked = true
				if head.Outcome == metrics.OutcomeDeferred {
					p.log.Warn("checkpoint held at deferred file", "file", head.Entry.Key, "error", head.Err)
				}
				break
			}

			var err error
			cp, err = p.advance(ctx, cp, head)
			if err != nil {
				return res, err
			}
			delete(pending, next)
			next++
		}

		if m := metrics.Get(); m != nil {
			m.SetSequencerPending(p.labels(), float64(len(pending)))
		}
	}

	return res, nil
}

// advance moves the checkpoint past one finished file, then records it in
// the audit log.
func (p *Pipeline) advance(ctx context.Context, cp checkpoint.Checkpoint, r FileResult) (checkpoint.Checkpoint, error) {
	var next checkpoint.Checkpoint
	err := p.retry(ctx, "checkpoint_advance", func() error {
		var err error
		next, err = p.deps.Checkpoints.Advance(ctx, cp, r.Entry.Key, r.Rows)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			p.alert("checkpoint_failed", p.log, err)
		}
		return cp, fmt.Errorf("advance checkpoint to %s: %w", r.Entry.Key, err)
	}

	state := r.State
	if !state.Terminal() {
		state = StateCheckpointed
	}
	p.log.Debug("checkpoint advanced",
		"file", r.Entry.Key,
		"state", state,
		"outcome", r.Outcome,
		"version", next.Version,
	)

	if m := metrics.Get(); m != nil {
		m.SetCheckpoint(p.labels(), next.Version, next.UpdatedAt)
	}

	if p.deps.Audit != nil {
		evt := audit.Event{
			Pipeline:          p.opts.Name,
			Prefix:            p.Prefix(),
			File:              r.Entry.Key,
			Checksum:          r.Checksum,
			Table:             p.opts.Table,
			Rows:              r.Rows,
			Skipped:           r.Skipped,
			Outcome:           r.Outcome,
			CheckpointVersion: next.Version,
		}
		if err := p.deps.Audit.Emit(ctx, evt); err != nil {
			p.log.Warn("failed to emit audit event", "file", r.Entry.Key, "error", err)
			if m := metrics.Get(); m != nil {
				m.IncAuditErrors(p.labels())
			}
		}
	}

	return next, nil
}

// retry runs fn with exponential backoff until it succeeds, fails with a
// non-transient error, or RetryAttempts attempts are used.
func (p *Pipeline) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryBackoff
	b.MaxInterval = 32 * p.opts.RetryBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.RetryAttempts-1)), ctx)
	return backoff.RetryNotify(
		func() error {
			err := fn()
			if err != nil && !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		policy,
		func(err error, delay time.Duration) {
			p.log.Warn("transient failure, retrying", "operation", op, "delay", delay, "error", err)
			if m := metrics.Get(); m != nil {
				l := p.labels()
				l.Operation = op
				m.IncRetryAttempts(l)
				if errors.Is(err, sink.ErrSinkUnavailable) {
					l.Class = errorClass(err)
					m.IncSinkErrors(l)
				}
			}
		},
	)
}

// alert raises an operational alert: an error log plus the alerts metric.
func (p *Pipeline) alert(reason string, log *slog.Logger, err error) {
	log.Error("ALERT: operator attention required", "alert", reason, "error", err)
	if m := metrics.Get(); m != nil {
		l := p.labels()
		l.Reason = reason
		m.IncAlerts(l)
	}
}

// labels returns the standard metric labels for this pipeline.
func (p *Pipeline) labels() metrics.Labels {
	return metrics.Labels{Pipeline: p.opts.Name}
}

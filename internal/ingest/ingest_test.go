package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-parquet-loader/internal/audit"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/config"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/loader"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/mapping"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/sink"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/source"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/storage"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/watcher"
)

const prefix = "signals/"

type signalRecord struct {
	SignalID    string `parquet:"signal_id"`
	CreatedAt   int64  `parquet:"created_at"`
	ScaledValue string `parquet:"scaled_value"`
	Millis      int64  `parquet:"millis"`
}

// legacyRecord predates the millis column.
type legacyRecord struct {
	SignalID    string `parquet:"signal_id"`
	CreatedAt   int64  `parquet:"created_at"`
	ScaledValue string `parquet:"scaled_value"`
}

func signalRules() []mapping.Rule {
	return []mapping.Rule{
		{Source: "signal_id", Transform: "text", Required: true},
		{Source: "created_at", Transform: "timestamp(us)", Required: true},
		{Source: "scaled_value", Transform: "double"},
		{Source: "millis", Transform: "bigint"},
	}
}

func encode[T any](t *testing.T, rows []T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf)
	_, err := w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// signals builds n records; the indexes listed in bad carry an unparsable value.
func signals(n int, bad ...int) []signalRecord {
	malformed := make(map[int]bool)
	for _, i := range bad {
		malformed[i] = true
	}
	out := make([]signalRecord, n)
	for i := range out {
		v := fmt.Sprintf("%d.25", i)
		if malformed[i] {
			v = "n/a"
		}
		out[i] = signalRecord{
			SignalID:    "acu_temp1",
			CreatedAt:   1_700_000_000_000_000 + int64(i),
			ScaledValue: v,
			Millis:      int64(i),
		}
	}
	return out
}

// memDest is an in-memory destination with a file ledger.
type memDest struct {
	mu        sync.Mutex
	ledger    map[string]sink.Summary
	rows      map[string][][]any
	begins    int
	rollbacks int

	// failBegin makes Begin fail transiently for a key this many times.
	failBegin map[string]int
	// constraint makes every write for a key violate a constraint.
	constraint map[string]bool
	// block makes Write wait for cancellation; writing is closed on the
	// first blocked write.
	block   bool
	writing chan struct{}
	once    sync.Once
}

func newMemDest() *memDest {
	return &memDest{
		ledger:     make(map[string]sink.Summary),
		rows:       make(map[string][][]any),
		failBegin:  make(map[string]int),
		constraint: make(map[string]bool),
		writing:    make(chan struct{}),
	}
}

func ledgerID(ref sink.FileRef) string { return ref.Pipeline + "|" + ref.Key }

func (d *memDest) Begin(ctx context.Context, ref sink.FileRef) (sink.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.begins++
	if d.failBegin[ref.Key] > 0 {
		d.failBegin[ref.Key]--
		return nil, fmt.Errorf("%w: connection reset", sink.ErrSinkUnavailable)
	}
	if _, ok := d.ledger[ledgerID(ref)]; ok {
		return nil, sink.ErrAlreadyCommitted
	}
	return &memSession{d: d, ref: ref}, nil
}

func (d *memDest) Close() error { return nil }

func (d *memDest) committedRows(table string) [][]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]any(nil), d.rows[table]...)
}

func (d *memDest) summary(pipeline, key string) (sink.Summary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.ledger[pipeline+"|"+key]
	return s, ok
}

type memSession struct {
	d   *memDest
	ref sink.FileRef
	buf [][]any
}

func (s *memSession) Write(ctx context.Context, rows [][]any) error {
	if s.d.block {
		s.d.once.Do(func() { close(s.d.writing) })
		<-ctx.Done()
		return ctx.Err()
	}
	s.d.mu.Lock()
	violates := s.d.constraint[s.ref.Key]
	s.d.mu.Unlock()
	if violates {
		return fmt.Errorf("%w: duplicate key value", sink.ErrConstraintViolation)
	}
	s.buf = append(s.buf, rows...)
	return nil
}

func (s *memSession) Commit(ctx context.Context, sum sink.Summary) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.ledger[ledgerID(s.ref)]; ok {
		return sink.ErrAlreadyCommitted
	}
	s.d.ledger[ledgerID(s.ref)] = sum
	s.d.rows[s.ref.Table] = append(s.d.rows[s.ref.Table], s.buf...)
	return nil
}

func (s *memSession) Rollback(ctx context.Context) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.rollbacks++
	s.buf = nil
	return nil
}

// recordingEmitter keeps emitted audit events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(ctx context.Context, evt audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingEmitter) Close() error { return nil }

func (r *recordingEmitter) snapshot() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

// crashingStore fails every Advance, as if the process died after the
// sink commit.
type crashingStore struct {
	checkpoint.Store
}

func (crashingStore) Advance(context.Context, checkpoint.Checkpoint, string, int64) (checkpoint.Checkpoint, error) {
	return checkpoint.Checkpoint{}, errors.New("simulated crash")
}

type harness struct {
	bucket     *blob.Bucket
	store      *source.BlobStore
	dest       *memDest
	quarantine *storage.Quarantine
	audit      *recordingEmitter
	mapper     *mapping.Mapper
	decoder    *source.Decoder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	store := source.NewBlobStore(bucket, "mem://")
	t.Cleanup(func() { store.Close() })

	dec, err := source.NewDecoder()
	require.NoError(t, err)
	t.Cleanup(dec.Close)

	m, err := mapping.Compile(signalRules(), nil)
	require.NoError(t, err)

	return &harness{
		bucket:     bucket,
		store:      store,
		dest:       newMemDest(),
		quarantine: storage.NewQuarantine(bucket, "_quarantine/"),
		audit:      &recordingEmitter{},
		mapper:     m,
		decoder:    dec,
	}
}

func (h *harness) put(t *testing.T, key string, data []byte) {
	t.Helper()
	require.NoError(t, h.bucket.WriteAll(context.Background(), key, data, nil), key)
}

func newFileStore(t *testing.T) checkpoint.Store {
	t.Helper()
	s, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func (h *harness) pipeline(cps checkpoint.Store, workers, attempts int) *Pipeline {
	var cols []sink.ColumnDef
	for _, c := range h.mapper.ColumnTypes() {
		cols = append(cols, sink.ColumnDef{Name: c.Name, Type: c.Type})
	}
	return NewPipeline(Options{
		Name:          "signals",
		Table:         "signal",
		Columns:       cols,
		Workers:       workers,
		BatchSize:     2,
		FlushInterval: time.Minute,
		RetryAttempts: attempts,
		RetryBackoff:  time.Millisecond,
	}, Deps{
		Watcher:     watcher.New(h.store, "signals", prefix, nil),
		Loader:      loader.New(h.store, h.decoder, h.mapper, loader.Config{}),
		Sink:        h.dest,
		Checkpoints: cps,
		Quarantine:  h.quarantine,
		Audit:       h.audit,
	})
}

func getCheckpoint(t *testing.T, cps checkpoint.Store) checkpoint.Checkpoint {
	t.Helper()
	cp, err := cps.Get(context.Background(), prefix)
	require.NoError(t, err)
	return cp
}

func chunkKey(i int) string { return fmt.Sprintf("%sacu_chunk_%02d.parquet", prefix, i) }

func TestPassCommitsAndCheckpointsInKeyOrder(t *testing.T) {
	h := newHarness(t)
	const files = 8
	for i := 0; i < files; i++ {
		h.put(t, chunkKey(i), encode(t, signals(5)))
	}
	cps := newFileStore(t)

	res, err := h.pipeline(cps, 4, 3).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, files, res.Dispatched)
	assert.Equal(t, files, res.Committed)
	assert.EqualValues(t, files*5, res.Rows)

	cp := getCheckpoint(t, cps)
	assert.Equal(t, chunkKey(files-1), cp.LastFile)
	assert.EqualValues(t, files, cp.Version)
	assert.Equal(t, "signals", cp.Pipeline)

	events := h.audit.snapshot()
	require.Len(t, events, files)
	for i, evt := range events {
		assert.Equal(t, chunkKey(i), evt.File, "event %d", i)
		assert.EqualValues(t, i+1, evt.CheckpointVersion, "event %d", i)
		assert.Equal(t, metrics.OutcomeCommitted, evt.Outcome, "event %d", i)
		assert.EqualValues(t, 5, evt.Rows, "event %d", i)
	}

	assert.Len(t, h.dest.committedRows("signal"), files*5)

	// Nothing new: the next pass dispatches nothing.
	res, err = h.pipeline(cps, 4, 3).Once(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Dispatched)
}

func TestReplayProducesNoDuplicates(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.put(t, chunkKey(i), encode(t, signals(4)))
	}

	_, err := h.pipeline(newFileStore(t), 2, 3).Once(context.Background())
	require.NoError(t, err)
	before := len(h.dest.committedRows("signal"))

	// A lost checkpoint replays every file from the start.
	fresh := newFileStore(t)
	res, err := h.pipeline(fresh, 2, 3).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Replayed)
	assert.Zero(t, res.Committed)
	assert.Len(t, h.dest.committedRows("signal"), before, "replay leaves the row count unchanged")

	cp := getCheckpoint(t, fresh)
	assert.Equal(t, chunkKey(2), cp.LastFile)
	assert.Zero(t, cp.LastOffset)
}

func TestMalformedRowsAreSkippedAndCounted(t *testing.T) {
	h := newHarness(t)
	const valid, malformed = 7, 3
	h.put(t, chunkKey(0), encode(t, signals(valid+malformed, 2, 5, 8)))

	res, err := h.pipeline(newFileStore(t), 1, 3).Once(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, valid, res.Rows)
	assert.EqualValues(t, malformed, res.Skipped)
	assert.Len(t, h.dest.committedRows("signal"), valid)

	sum, ok := h.dest.summary("signals", chunkKey(0))
	require.True(t, ok, "file missing from ledger")
	assert.EqualValues(t, valid, sum.Rows)
	assert.EqualValues(t, malformed, sum.Skipped)
	assert.NotEmpty(t, sum.Checksum)
}

func TestMicrosecondTimestampsCommitAsSeconds(t *testing.T) {
	h := newHarness(t)
	const v int64 = 1_700_000_000_123_456
	h.put(t, chunkKey(0), encode(t, []signalRecord{{SignalID: "acu_temp1", CreatedAt: v, ScaledValue: "1"}}))

	_, err := h.pipeline(newFileStore(t), 1, 3).Once(context.Background())
	require.NoError(t, err)

	rows := h.dest.committedRows("signal")
	require.Len(t, rows, 1)
	ts, ok := rows[0][1].(time.Time)
	require.True(t, ok, "created_at is %T, want time.Time", rows[0][1])
	assert.Equal(t, v/1_000_000, ts.Unix())
	assert.Equal(t, int(v%1_000_000)*1000, ts.Nanosecond())
}

func TestCrashBetweenCommitAndCheckpointRecommitsIdempotently(t *testing.T) {
	h := newHarness(t)
	h.put(t, chunkKey(0), encode(t, signals(5)))
	cps := newFileStore(t)

	_, err := h.pipeline(crashingStore{cps}, 1, 1).Pass(context.Background())
	require.Error(t, err, "pass fails when the checkpoint cannot advance")
	require.Zero(t, getCheckpoint(t, cps).Version, "checkpoint advanced despite crash")
	require.Len(t, h.dest.committedRows("signal"), 5)

	// Restart with a healthy store.
	res, err := h.pipeline(cps, 1, 3).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Zero(t, res.Committed)
	assert.Len(t, h.dest.committedRows("signal"), 5)

	cp := getCheckpoint(t, cps)
	assert.Equal(t, chunkKey(0), cp.LastFile)
	assert.EqualValues(t, 1, cp.Version)
}

func TestSchemaMismatchQuarantinesFile(t *testing.T) {
	h := newHarness(t)
	h.put(t, chunkKey(0), encode(t, signals(3)))
	h.put(t, chunkKey(1), encode(t, []legacyRecord{{SignalID: "acu_temp1", CreatedAt: 1, ScaledValue: "1"}}))
	h.put(t, chunkKey(2), encode(t, signals(3)))
	cps := newFileStore(t)

	res, err := h.pipeline(cps, 2, 3).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Committed)
	assert.Equal(t, 1, res.Quarantined)

	cp := getCheckpoint(t, cps)
	assert.Equal(t, chunkKey(2), cp.LastFile, "checkpoint moves past the quarantined file")
	assert.EqualValues(t, 3, cp.Version)

	rec, err := h.quarantine.Get(context.Background(), chunkKey(1))
	require.NoError(t, err)
	assert.Equal(t, "schema_mismatch", rec.Reason)
	assert.True(t, rec.Copied)

	_, ok := h.dest.summary("signals", chunkKey(1))
	assert.False(t, ok, "quarantined file must not be in the ledger")

	events := h.audit.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, metrics.OutcomeQuarantined, events[1].Outcome)
}

func TestConstraintViolationIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.put(t, chunkKey(0), encode(t, signals(4)))
	h.put(t, chunkKey(1), encode(t, signals(4)))
	h.dest.constraint[chunkKey(0)] = true

	res, err := h.pipeline(newFileStore(t), 1, 5).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Quarantined)
	assert.Equal(t, 1, res.Committed)

	// One Begin per file: the violation fails the file at once.
	assert.Equal(t, 2, h.dest.begins)
	assert.NotZero(t, h.dest.rollbacks, "violating session is rolled back")
	assert.Len(t, h.dest.committedRows("signal"), 4)
}

func TestTransientSinkFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.put(t, chunkKey(0), encode(t, signals(3)))
	h.dest.failBegin[chunkKey(0)] = 2

	res, err := h.pipeline(newFileStore(t), 1, 3).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 3, h.dest.begins)
}

func TestExhaustedRetriesHoldCheckpoint(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.put(t, chunkKey(i), encode(t, signals(2)))
	}
	h.dest.failBegin[chunkKey(1)] = 2
	cps := newFileStore(t)

	res, err := h.pipeline(cps, 1, 2).Once(context.Background())
	require.Error(t, err, "Once reports the deferred file")
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, chunkKey(0), getCheckpoint(t, cps).LastFile, "checkpoint stops before the deferred file")

	res, err = h.pipeline(cps, 1, 2).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, chunkKey(2), getCheckpoint(t, cps).LastFile)
	assert.Len(t, h.dest.committedRows("signal"), 6)
}

func TestCancellationLeavesCheckpointUnadvanced(t *testing.T) {
	h := newHarness(t)
	h.put(t, chunkKey(0), encode(t, signals(10)))
	h.dest.block = true
	cps := newFileStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline(cps, 1, 3).Pass(ctx)
		done <- err
	}()

	select {
	case <-h.dest.writing:
	case <-time.After(5 * time.Second):
		t.Fatal("file never reached the sink")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Pass did not stop after cancellation")
	}

	assert.Zero(t, getCheckpoint(t, cps).Version, "checkpoint advanced after cancellation")
	_, ok := h.dest.summary("signals", chunkKey(0))
	assert.False(t, ok, "canceled file reached the ledger")
	assert.Equal(t, 1, h.dest.rollbacks)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("begin: %w", sink.ErrSinkUnavailable), true},
		{fmt.Errorf("list: %w", source.ErrSourceUnavailable), true},
		{errors.New("unexpected EOF"), true},
		{fmt.Errorf("write: %w", sink.ErrConstraintViolation), false},
		{fmt.Errorf("x.parquet: %w", mapping.ErrSchemaMismatch), false},
		{fmt.Errorf("%w: bad footer", loader.ErrCorruptFile), false},
		{checkpoint.ErrStaleCheckpoint, false},
		{context.Canceled, false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isTransient(tt.err), "%v", tt.err)
	}

	assert.Equal(t, "validation_failed", FailureReason(fmt.Errorf("wrapped: %w", ErrValidationFailed)))
}

func TestBuildAndRunOnceEndToEnd(t *testing.T) {
	dataDir := t.TempDir()
	stateDir := t.TempDir()
	auditDir := t.TempDir()

	type row struct {
		SignalID    string  `parquet:"signal_id"`
		ScaledValue float64 `parquet:"scaled_value"`
		Millis      int64   `parquet:"millis"`
	}
	for i := 0; i < 2; i++ {
		path := filepath.Join(dataDir, "signals", fmt.Sprintf("chunk_%d.parquet", i))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		data := encode(t, []row{{"acu_temp1", 21.5, 1}, {"acu_temp2", 22.5, 2}})
		require.NoError(t, os.WriteFile(path, data, 0644))
	}

	body := fmt.Sprintf(`
loader_id: e2e
source:
  backend: local
  local_dir: %s
sink:
  driver: duckdb
checkpoint:
  backend: file
  dir: %s
audit:
  enabled: true
  dir: %s
perf:
  workers: 1
  retry_attempts: 2
  retry_backoff: 10ms
pipelines:
  - name: signals
    prefix: signals/
    table: signal
    create_table: true
    columns:
      - source: signal_id
        transform: text
        required: true
      - source: scaled_value
        transform: double
      - source: millis
        transform: bigint
`, dataDir, stateDir, auditDir)
	cfgPath := filepath.Join(t.TempDir(), "loader.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	require.True(t, cfg.Quarantine.IsEnabled(), "quarantine is on unless disabled")

	ctx := context.Background()
	svc, err := Build(ctx, cfg)
	require.NoError(t, err)
	defer svc.Close()

	results, err := svc.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, results["signals"].Committed)
	assert.EqualValues(t, 4, results["signals"].Rows)

	cps, err := checkpoint.NewStore(ctx, cfg.Checkpoint)
	require.NoError(t, err)
	defer cps.Close()
	cp, err := cps.Get(ctx, "signals/")
	require.NoError(t, err)
	assert.Equal(t, "signals/chunk_1.parquet", cp.LastFile)
	assert.EqualValues(t, 2, cp.Version)

	entries, err := os.ReadDir(auditDir)
	require.NoError(t, err)
	var events int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" && e.Name() != "audit-chain-heads.json" {
			events++
		}
	}
	assert.Equal(t, 2, events, "one audit event per committed file")

	results, err = svc.Once(ctx)
	require.NoError(t, err)
	assert.Zero(t, results["signals"].Dispatched)
}

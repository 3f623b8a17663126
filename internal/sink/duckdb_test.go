package sink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDuck(t *testing.T) *DuckDB {
	t.Helper()
	d, err := NewDuckDB(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

var signalCols = []ColumnDef{
	{Name: "signal_id", Type: "text"},
	{Name: "scaled_value", Type: "float8"},
	{Name: "millis", Type: "int8"},
}

func signalRef(key string) FileRef {
	return FileRef{
		Pipeline: "signals",
		Key:      key,
		Table:    "signal",
		Columns:  []string{"signal_id", "scaled_value", "millis"},
	}
}

func count(t *testing.T, d *DuckDB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, d.db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestDuckDBCommitOncePerFile(t *testing.T) {
	ctx := context.Background()
	d := openDuck(t)
	require.NoError(t, d.EnsureTable(ctx, "signal", signalCols))

	sess, err := d.Begin(ctx, signalRef("signals/acu_chunk_0.parquet"))
	require.NoError(t, err)

	w := NewWriter(sess, 2, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Add(ctx, []any{"acu_temp1", float64(i) + 0.5, int64(i)}))
	}
	n, err := w.Finish(ctx, Summary{Skipped: 1, Checksum: "sha256:test"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, 3, w.Batches())

	assert.Equal(t, 5, count(t, d, `SELECT count(*) FROM signal`))
	assert.Equal(t, 1, count(t, d, `SELECT count(*) FROM _loader_files WHERE rows_committed = 5 AND rows_skipped = 1`))

	_, err = d.Begin(ctx, signalRef("signals/acu_chunk_0.parquet"))
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
	assert.Equal(t, 5, count(t, d, `SELECT count(*) FROM signal`))
}

func TestDuckDBRollbackLeavesNothing(t *testing.T) {
	ctx := context.Background()
	d := openDuck(t)
	require.NoError(t, d.EnsureTable(ctx, "signal", signalCols))

	sess, err := d.Begin(ctx, signalRef("signals/vdm_chunk_0.parquet"))
	require.NoError(t, err)
	w := NewWriter(sess, 1, 0)
	require.NoError(t, w.Add(ctx, []any{"vdm_speed", 12.0, int64(1)}))
	require.NoError(t, w.Abort(ctx))

	assert.Equal(t, 0, count(t, d, `SELECT count(*) FROM signal`))
	assert.Equal(t, 0, count(t, d, `SELECT count(*) FROM _loader_files`))

	sess, err = d.Begin(ctx, signalRef("signals/vdm_chunk_0.parquet"))
	require.NoError(t, err, "an aborted file can be retried")
	require.NoError(t, sess.Rollback(ctx))
}

func TestDuckDBConstraintViolation(t *testing.T) {
	ctx := context.Background()
	d := openDuck(t)
	_, err := d.db.Exec(`CREATE TABLE uniq (id BIGINT PRIMARY KEY)`)
	require.NoError(t, err)

	sess, err := d.Begin(ctx, FileRef{Pipeline: "p", Key: "p/dup.parquet", Table: "uniq", Columns: []string{"id"}})
	require.NoError(t, err)

	err = sess.Write(ctx, [][]any{{int64(1)}, {int64(1)}})
	assert.ErrorIs(t, err, ErrConstraintViolation)
	require.NoError(t, sess.Rollback(ctx))

	assert.Equal(t, 0, count(t, d, `SELECT count(*) FROM uniq`))
}

func TestDuckDBBeginMissingTableReleasesTransaction(t *testing.T) {
	ctx := context.Background()
	d := openDuck(t)

	_, err := d.Begin(ctx, signalRef("signals/acu_chunk_0.parquet"))
	require.Error(t, err, "insert into a missing table cannot be prepared")
	assert.Zero(t, d.db.Stats().InUse, "failed Begin must not hold a connection")

	require.NoError(t, d.EnsureTable(ctx, "signal", signalCols))
	sess, err := d.Begin(ctx, signalRef("signals/acu_chunk_0.parquet"))
	require.NoError(t, err)
	require.NoError(t, sess.Write(ctx, [][]any{{"acu_temp1", 1.5, int64(1)}}))
	require.NoError(t, sess.Commit(ctx, Summary{Rows: 1, Checksum: "sha256:test"}))
	assert.Equal(t, 1, count(t, d, `SELECT count(*) FROM signal`))
}

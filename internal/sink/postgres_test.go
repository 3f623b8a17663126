package sink

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresDestination(t *testing.T) {
	dsn := os.Getenv("LOADER_TEST_DSN")
	if dsn == "" {
		t.Skip("LOADER_TEST_DSN not set")
	}
	ctx := context.Background()

	pg, err := NewPostgres(ctx, Config{Driver: "postgres", DSN: dsn})
	require.NoError(t, err)
	defer pg.Close()

	const table, pipeline = "loader_test_signal", "sink_test"
	_, err = pg.pool.Exec(ctx, `DROP TABLE IF EXISTS `+table)
	require.NoError(t, err)
	_, err = pg.pool.Exec(ctx, `DELETE FROM _loader_files WHERE pipeline = $1`, pipeline)
	require.NoError(t, err)
	require.NoError(t, pg.EnsureTable(ctx, table, signalCols))

	ref := func(key string) FileRef {
		r := signalRef(key)
		r.Pipeline = pipeline
		r.Table = table
		return r
	}
	rows := func() int {
		var n int
		require.NoError(t, pg.pool.QueryRow(ctx, `SELECT count(*) FROM `+table).Scan(&n))
		return n
	}

	// Commit writes rows and the ledger entry together.
	sess, err := pg.Begin(ctx, ref("signals/acu_chunk_0.parquet"))
	require.NoError(t, err)
	w := NewWriter(sess, 2, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Add(ctx, []any{"acu_temp1", float64(i) + 0.5, int64(i)}))
	}
	n, err := w.Finish(ctx, Summary{Skipped: 1, Checksum: "sha256:test"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 3, rows())

	var committed, skipped int64
	var checksum string
	require.NoError(t, pg.pool.QueryRow(ctx, `
		SELECT rows_committed, rows_skipped, checksum FROM _loader_files
		WHERE pipeline = $1 AND file_key = $2
	`, pipeline, "signals/acu_chunk_0.parquet").Scan(&committed, &skipped, &checksum))
	assert.Equal(t, int64(3), committed)
	assert.Equal(t, int64(1), skipped)
	assert.Equal(t, "sha256:test", checksum)

	_, err = pg.Begin(ctx, ref("signals/acu_chunk_0.parquet"))
	assert.ErrorIs(t, err, ErrAlreadyCommitted)

	// Rollback leaves neither rows nor a ledger entry.
	sess, err = pg.Begin(ctx, ref("signals/acu_chunk_1.parquet"))
	require.NoError(t, err)
	w = NewWriter(sess, 1, 0)
	require.NoError(t, w.Add(ctx, []any{"acu_temp2", 1.0, int64(9)}))
	require.NoError(t, w.Abort(ctx))
	assert.Equal(t, 3, rows())
	done, err := pg.Committed(ctx, pipeline, "signals/acu_chunk_1.parquet")
	require.NoError(t, err)
	assert.False(t, done)

	// A value that cannot be encoded for its column fails the file for good.
	sess, err = pg.Begin(ctx, ref("signals/acu_chunk_2.parquet"))
	require.NoError(t, err)
	err = sess.Write(ctx, [][]any{{"acu_temp3", 1.0, "not a number"}})
	assert.ErrorIs(t, err, ErrConstraintViolation)
	assert.NotErrorIs(t, err, ErrSinkUnavailable)
	require.NoError(t, sess.Rollback(ctx))
	assert.Equal(t, 3, rows())
}

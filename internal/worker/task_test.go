package worker

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/user/stratoq"
	"github.com/user/stratoq/pkg/errtax"
	"github.com/user/stratoq/pkg/logging"
	"github.com/user/stratoq/pkg/resultfile"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE rows5 (id INTEGER, val TEXT)`)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = db.Exec(`INSERT INTO rows5 (id, val) VALUES (?, ?)`, i, "x")
		require.NoError(t, err)
	}
	return db
}

func baseDeps(t *testing.T, db *sql.DB) TaskRunnerDeps {
	return TaskRunnerDeps{
		DB:            db,
		ResultDir:     t.TempDir(),
		CoordinatorID: "czar1",
		Logger:        logging.New(io.Discard, "test"),
	}
}

func newTestSink(t *testing.T, dir string) *bundleSink {
	t.Helper()
	w, err := resultfile.NewWriter(resultfile.Path(dir, "czar1", 1, 1), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Abort() })
	return &bundleSink{w: w}
}

func TestRunTask_WritesAllRowsUnderNoCap(t *testing.T) {
	db := openTestDB(t)
	tk := newTask(1, 1, 1, 1, []ResolvedFragment{{SQL: "SELECT id, val FROM rows5"}}, 0, 0)

	deps := baseDeps(t, db)
	rows, bytesWritten, capHit, taskErr := RunTask(context.Background(), tk, deps, newTestSink(t, deps.ResultDir))
	require.Nil(t, taskErr)
	require.False(t, capHit)
	require.Equal(t, int64(5), rows)
	require.Greater(t, bytesWritten, int64(0))
	require.Equal(t, stratoq.TaskComplete, tk.State())
}

func TestRunTask_PerTaskRowLimitStopsEarly(t *testing.T) {
	db := openTestDB(t)
	tk := newTask(1, 1, 1, 1, []ResolvedFragment{{SQL: "SELECT id, val FROM rows5"}}, 3, 0)

	deps := baseDeps(t, db)
	deps.RowLimit = 1000 // process-wide ceiling must not override a tighter per-bundle cap

	rows, _, capHit, taskErr := RunTask(context.Background(), tk, deps, newTestSink(t, deps.ResultDir))
	require.Nil(t, taskErr)
	require.True(t, capHit)
	require.Equal(t, int64(3), rows)
}

func TestRunTask_FallsBackToDepsRowLimitWhenTaskHasNone(t *testing.T) {
	db := openTestDB(t)
	tk := newTask(1, 1, 1, 1, []ResolvedFragment{{SQL: "SELECT id, val FROM rows5"}}, 0, 0)

	deps := baseDeps(t, db)
	deps.RowLimit = 2

	rows, _, capHit, taskErr := RunTask(context.Background(), tk, deps, newTestSink(t, deps.ResultDir))
	require.Nil(t, taskErr)
	require.True(t, capHit)
	require.Equal(t, int64(2), rows)
}

func TestRunTask_CapSpansTasksSharingOneSink(t *testing.T) {
	db := openTestDB(t)
	deps := baseDeps(t, db)
	sink := newTestSink(t, deps.ResultDir)

	// Two tasks of the same bundle, each selecting 5 rows, against a
	// bundle-wide cap of 7: the second task stops after contributing 2.
	t1 := newTask(1, 1, 1, 1, []ResolvedFragment{{SQL: "SELECT id, val FROM rows5"}}, 7, 0)
	t2 := newTask(1, 1, 2, 2, []ResolvedFragment{{SQL: "SELECT id, val FROM rows5"}}, 7, 0)

	rows1, _, cap1, err1 := RunTask(context.Background(), t1, deps, sink)
	require.Nil(t, err1)
	require.False(t, cap1)
	require.Equal(t, int64(5), rows1)

	rows2, _, cap2, err2 := RunTask(context.Background(), t2, deps, sink)
	require.Nil(t, err2)
	require.True(t, cap2)
	require.Equal(t, int64(2), rows2)

	total, _ := sink.Totals()
	require.Equal(t, int64(7), total)
}

func TestRunTask_InvalidSQLClassifiesAsExecutionError(t *testing.T) {
	db := openTestDB(t)
	tk := newTask(1, 1, 1, 1, []ResolvedFragment{{SQL: "SELECT * FROM does_not_exist"}}, 0, 0)

	deps := baseDeps(t, db)
	_, _, capHit, taskErr := RunTask(context.Background(), tk, deps, newTestSink(t, deps.ResultDir))
	require.False(t, capHit)
	require.NotNil(t, taskErr)
	require.Equal(t, stratoq.TaskFailed, tk.State())
}

func TestRunTask_CancelMidScanReportsCancelled(t *testing.T) {
	db := openTestDB(t)
	tk := newTask(1, 1, 1, 1, []ResolvedFragment{{SQL: "SELECT id, val FROM rows5"}}, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deps := baseDeps(t, db)
	_, _, _, taskErr := RunTask(ctx, tk, deps, newTestSink(t, deps.ResultDir))
	require.NotNil(t, taskErr)
	require.Equal(t, errtax.Cancelled, taskErr.Kind)
}

func TestBundle_SealSinkRenamesToReadyAndRecordsTotals(t *testing.T) {
	db := openTestDB(t)
	deps := baseDeps(t, db)
	b := &bundle{QueryID: 1, BundleID: 1, CoordinatorID: "czar1", tasks: []*Task{{}}}

	sink, err := b.resultSink(deps)
	require.NoError(t, err)

	tk := newTask(1, 1, 1, 1, []ResolvedFragment{{SQL: "SELECT id, val FROM rows5"}}, 0, 0)
	rows, _, _, taskErr := RunTask(context.Background(), tk, deps, sink)
	require.Nil(t, taskErr)

	require.NoError(t, b.sealSink())
	require.Equal(t, rows, b.rowsWritten)
	require.FileExists(t, resultfile.Path(deps.ResultDir, "czar1", 1, 1)+resultfile.ReadySuffix)
	require.NoFileExists(t, resultfile.Path(deps.ResultDir, "czar1", 1, 1)+resultfile.WritingSuffix)
}

func TestResultfilePathIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	p := resultfile.Path(dir, "czar1", 7, 1)
	require.Equal(t, filepath.Join(dir, "czar1-7-1"), p)
}

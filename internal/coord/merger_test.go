package coord

import (
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/stratoq"
	"github.com/user/stratoq/internal/metastore"
	"github.com/user/stratoq/pkg/errtax"
	"github.com/user/stratoq/pkg/logging"
)

// fakeTarget is the merge-side slice of Dispatcher a ResultMerger test needs:
// a fixed merge statement, a row budget, and a collected-rows ledger.
type fakeTarget struct {
	mu        sync.Mutex
	mergeMu   sync.Mutex
	mergeSQL  string
	rowLimit  int64
	collected int64
}

func (f *fakeTarget) mergeInfo(queryID int64) (MergeInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return MergeInfo{MergeSQL: f.mergeSQL, RowLimit: f.rowLimit}, true
}

func (f *fakeTarget) addCollected(queryID, bundleID, rows, bytesN int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collected += rows
	return f.rowLimit > 0 && f.collected >= f.rowLimit
}

func (f *fakeTarget) lockQuery(queryID int64) (func(), bool) {
	f.mergeMu.Lock()
	return f.mergeMu.Unlock, true
}

func (f *fakeTarget) total() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collected
}

func newMergeDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := metastore.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE merged (val TEXT)`)
	require.NoError(t, err)
	return db
}

func rowFileServer(t *testing.T, rows int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < rows; i++ {
			fmt.Fprintf(w, "{\"v\":[\"row-%d\"]}\n", i)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fetchingSender(owner *fakeOwner) *BundleSender {
	b := newSender(owner, &fakeMerger{})
	b.setState(stratoq.BundleFetching)
	return b
}

func TestResultMerger_PullsAndMergesAllRows(t *testing.T) {
	db := newMergeDB(t)
	target := &fakeTarget{mergeSQL: `INSERT INTO merged (val) VALUES (?)`}
	srv := rowFileServer(t, 3)

	m := NewResultMerger(target, db, srv.Client(), logging.New(io.Discard, "test"),
		4, 2, time.Millisecond, 10*time.Millisecond, 100)

	owner := &fakeOwner{}
	b := fetchingSender(owner)
	m.run(b, srv.URL+"/czar-1-7-1.result", 3, 64)

	require.Equal(t, stratoq.BundleDone, b.State())
	require.Equal(t, []int64{1}, owner.completed)
	require.Equal(t, int64(3), target.total())

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM merged`).Scan(&n))
	require.Equal(t, 3, n)
}

func TestResultMerger_RowLimitTruncatesMerge(t *testing.T) {
	db := newMergeDB(t)
	target := &fakeTarget{mergeSQL: `INSERT INTO merged (val) VALUES (?)`, rowLimit: 2}
	srv := rowFileServer(t, 5)

	m := NewResultMerger(target, db, srv.Client(), logging.New(io.Discard, "test"),
		4, 2, time.Millisecond, 10*time.Millisecond, 100)

	b := fetchingSender(&fakeOwner{})
	m.run(b, srv.URL+"/czar-1-7-1.result", 5, 64)

	require.Equal(t, stratoq.BundleDone, b.State())
	require.Equal(t, int64(2), target.total())

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM merged`).Scan(&n))
	require.Equal(t, 2, n)
}

func TestResultMerger_ReclaimedFileFailsAfterRetries(t *testing.T) {
	db := newMergeDB(t)
	target := &fakeTarget{mergeSQL: `INSERT INTO merged (val) VALUES (?)`}

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m := NewResultMerger(target, db, srv.Client(), logging.New(io.Discard, "test"),
		4, 2, time.Millisecond, 5*time.Millisecond, 100)

	owner := &fakeOwner{}
	b := fetchingSender(owner)
	m.run(b, srv.URL+"/czar-1-7-1.result", 3, 64)

	require.Equal(t, stratoq.BundleFailedMerge, b.State())
	require.Equal(t, 3, hits, "one initial attempt plus maxRetries")
	require.Len(t, owner.failures, 1)
	require.Equal(t, errtax.MergeWriteError, owner.failures[0].Kind)
	require.Zero(t, target.total())
}

func TestResultMerger_ResultTooBigIsNotRetried(t *testing.T) {
	db := newMergeDB(t)
	target := &fakeTarget{mergeSQL: `INSERT INTO merged (val) VALUES (?)`}
	srv := rowFileServer(t, 50)

	m := NewResultMerger(target, db, srv.Client(), logging.New(io.Discard, "test"),
		4, 2, time.Millisecond, 10*time.Millisecond, 100)

	owner := &fakeOwner{}
	b := fetchingSender(owner)
	b.MaxResultBytes = 16
	m.run(b, srv.URL+"/czar-1-7-1.result", 50, 1<<20)

	require.Equal(t, stratoq.BundleFailedMerge, b.State())
	require.Len(t, owner.failures, 1)
	require.Equal(t, errtax.ResultTooBig, owner.failures[0].Kind)
	require.False(t, owner.failures[0].Retryable())
}

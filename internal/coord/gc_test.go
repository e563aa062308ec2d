package coord

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/stratoq"
	"github.com/user/stratoq/internal/metastore"
	"github.com/user/stratoq/internal/msgstore"
	"github.com/user/stratoq/pkg/logging"
)

type fakeGCClock struct{ t time.Time }

func (c *fakeGCClock) Now() time.Time { return c.t }

// gcFixture is one metastore+msgstore+result database backing a GC test;
// the single sqlite handle plays both the metadata and the result-database
// role, the way the dispatcher tests share one handle too.
type gcFixture struct {
	db    *sql.DB
	store *metastore.Store
	msgs  *msgstore.Store
	peers *PeerManager
	gc    *GarbageCollector
}

func newGCFixture(t *testing.T, asyncRetention, hardRetention time.Duration) *gcFixture {
	t.Helper()
	db, err := metastore.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := metastore.New(db, "sqlite")
	require.NoError(t, store.Init(context.Background()))
	msgs := msgstore.New(db)
	require.NoError(t, msgs.Init(context.Background()))

	logger := logging.New(io.Discard, "test")
	peers := NewPeerManager(store, logger, "czar1", "127.0.0.1", 9000, time.Now().Unix())

	clk := &fakeGCClock{t: time.Now()}
	gc := NewGarbageCollector(store, db, "sqlite", peers, msgs, logger, clk, asyncRetention, hardRetention)
	return &gcFixture{db: db, store: store, msgs: msgs, peers: peers, gc: gc}
}

func (f *gcFixture) createCompletedQuery(t *testing.T, queryID int64, completedAgo time.Duration) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateQuery(ctx, metastore.Query{
		QueryID: queryID, CoordinatorID: "czar1", UserName: "alice", SQLText: "SELECT 1",
		ResultLocation: "result_#QID#", ChunkCount: 1, SubmittedAt: time.Now().Add(-completedAgo - time.Hour),
	}))
	require.NoError(t, f.store.CompleteQuery(ctx, queryID, stratoq.QueryCompleted, time.Now().Add(-completedAgo), 10, 100, 10))
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var got string
	err := db.QueryRowContext(context.Background(),
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&got)
	if err == sql.ErrNoRows {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestGarbageCollector_AsyncSweepReclaimsWindowedQueries(t *testing.T) {
	f := newGCFixture(t, 30*time.Minute, 24*time.Hour)
	ctx := context.Background()

	// Completed two hours ago: past the async threshold, inside the hard
	// one, so the windowed sweep owns it.
	f.createCompletedQuery(t, 1, 2*time.Hour)
	_, err := f.db.ExecContext(ctx, "CREATE TABLE result_1 (a INTEGER)")
	require.NoError(t, err)
	require.NoError(t, f.msgs.Record(ctx, 1, 0, "TRANSPORT_FAILURE", stratoq.SeverityInfo, "retrying", time.Now()))
	require.NoError(t, f.store.UpsertWorkerContact(ctx, metastore.WorkerContact{
		WorkerID: "worker1", Host: "10.0.0.1", Port: 9100, StartupEpoch: 1, LastTouch: time.Now(),
	}))

	f.gc.sweepAsync(ctx)

	require.False(t, tableExists(t, f.db, "result_1"), "result table dropped")

	summaries, err := f.msgs.ListForQuery(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, summaries, "message log dropped")

	snap, ok := f.peers.Tracker.Snapshot("worker1")
	require.True(t, ok)
	require.Len(t, snap.DeleteFiles, 1, "worker notified its result files may go")

	remaining, err := f.store.ListUnreclaimedBefore(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, remaining, "query flagged reclaimed")
}

func TestGarbageCollector_AsyncSweepLeavesQueriesPastHardThreshold(t *testing.T) {
	f := newGCFixture(t, 30*time.Minute, 24*time.Hour)
	ctx := context.Background()

	// Completed fifty hours ago: older than the hard threshold, so it is
	// outside the async window and belongs to the age-based sweep.
	f.createCompletedQuery(t, 1, 50*time.Hour)
	_, err := f.db.ExecContext(ctx, "CREATE TABLE result_1 (a INTEGER)")
	require.NoError(t, err)

	f.gc.sweepAsync(ctx)

	require.True(t, tableExists(t, f.db, "result_1"))
	remaining, err := f.store.ListUnreclaimedBefore(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestGarbageCollector_HardSweepDropsAgedTablesRegardlessOfAssociation(t *testing.T) {
	f := newGCFixture(t, 30*time.Minute, 24*time.Hour)
	ctx := context.Background()

	// No queries row anywhere references result_99; the hard sweep drops
	// it on age alone.
	_, err := f.db.ExecContext(ctx, "CREATE TABLE result_99 (a INTEGER)")
	require.NoError(t, err)

	f.gc.listAgedTables = func(ctx context.Context, cutoff time.Time) ([]string, error) {
		return []string{"result_99"}, nil
	}
	f.gc.sweepHard(ctx)

	require.False(t, tableExists(t, f.db, "result_99"))
}

func TestGarbageCollector_HardSweepSkipsUnquotableNames(t *testing.T) {
	f := newGCFixture(t, 30*time.Minute, 24*time.Hour)
	ctx := context.Background()

	_, err := f.db.ExecContext(ctx, "CREATE TABLE result_7 (a INTEGER)")
	require.NoError(t, err)

	// The hostile name is refused; the sweep still continues to the next
	// table in the same pass.
	f.gc.listAgedTables = func(ctx context.Context, cutoff time.Time) ([]string, error) {
		return []string{"result_7; DROP TABLE queries", "result_7"}, nil
	}
	require.NotPanics(t, func() { f.gc.sweepHard(ctx) })

	require.False(t, tableExists(t, f.db, "result_7"))
	require.True(t, tableExists(t, f.db, "queries"), "the metastore tables survive a hostile name")
}

func TestGarbageCollector_HardSweepScansNothingWithoutTableAges(t *testing.T) {
	// sqlite records no table timestamps, so the default lister has
	// nothing to key an age scan on and the sweep is a no-op.
	f := newGCFixture(t, 30*time.Minute, 24*time.Hour)
	ctx := context.Background()

	_, err := f.db.ExecContext(ctx, "CREATE TABLE result_1 (a INTEGER)")
	require.NoError(t, err)

	f.gc.sweepHard(ctx)
	require.True(t, tableExists(t, f.db, "result_1"))
}

func TestGarbageCollector_RetentionFloorsApplied(t *testing.T) {
	f := newGCFixture(t, 0, -time.Hour)
	require.Equal(t, minRetention, f.gc.asyncRetention)
	require.Equal(t, minRetention, f.gc.hardRetention)
}

func TestGarbageCollector_SweepPanicsAreRecovered(t *testing.T) {
	db, err := metastore.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.Close() // every store call now errors, so the async sweep runs its error paths

	store := metastore.New(db, "sqlite")
	logger := logging.New(io.Discard, "test")
	peers := NewPeerManager(store, logger, "czar1", "127.0.0.1", 9000, time.Now().Unix())
	clk := &fakeGCClock{t: time.Now()}
	gc := NewGarbageCollector(store, db, "sqlite", peers, msgstore.New(db), logger, clk, 30*time.Minute, 24*time.Hour)
	// The hard sweep's table lister panics; the sweep's recover must absorb it.
	gc.listAgedTables = func(ctx context.Context, cutoff time.Time) ([]string, error) {
		panic("table lister exploded")
	}

	require.NotPanics(t, func() {
		gc.sweepAsync(context.Background())
		gc.sweepHard(context.Background())
	})
}

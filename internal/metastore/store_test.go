package metastore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/user/stratoq"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := New(db, "sqlite")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return s
}

func TestStore_InitIsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	defer db.Close()

	s := New(db, "sqlite")
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first init failed: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second init failed: %v", err)
	}
}

func TestStore_InitRejectsSchemaMismatch(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	defer db.Close()

	s := New(db, "sqlite")
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if _, err := db.ExecContext(ctx, "UPDATE stratoq_meta SET value = '99' WHERE key = 'schema_version'"); err != nil {
		t.Fatalf("failed to corrupt schema version: %v", err)
	}

	s2 := New(db, "sqlite")
	if err := s2.Init(ctx); err == nil {
		t.Fatal("expected schema version mismatch to be rejected")
	}
}

func TestStore_CreateAndCompleteQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Unix(1000, 0)
	q := Query{
		QueryID:        1,
		CoordinatorID:  "czar-1",
		UserName:       "alice",
		SQLText:        "SELECT * FROM t",
		ResultLocation: "result_#QID#",
		ChunkCount:     3,
		SubmittedAt:    now,
	}
	if err := s.CreateQuery(ctx, q); err != nil {
		t.Fatalf("create query: %v", err)
	}

	got, err := s.GetQuery(ctx, 1)
	if err != nil {
		t.Fatalf("get query: %v", err)
	}
	if got.Status != stratoq.QueryExecuting {
		t.Fatalf("expected EXECUTING, got %v", got.Status)
	}

	if err := s.CompleteQuery(ctx, 1, stratoq.QueryCompleted, now.Add(time.Minute), 100, 2048, 100); err != nil {
		t.Fatalf("complete query: %v", err)
	}

	got, err = s.GetQuery(ctx, 1)
	if err != nil {
		t.Fatalf("get query after complete: %v", err)
	}
	if got.Status != stratoq.QueryCompleted {
		t.Fatalf("expected COMPLETED, got %v", got.Status)
	}
	if got.FinalRows != 100 {
		t.Fatalf("expected final_rows 100, got %d", got.FinalRows)
	}

	if err := s.CompleteQuery(ctx, 1, stratoq.QueryCompleted, now.Add(2*time.Minute), 100, 2048, 100); err == nil {
		t.Fatal("expected second CompleteQuery on an already-terminal query to fail")
	}
}

func TestStore_RecoverStartupAbortsOwnedExecutingQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(2000, 0)

	if err := s.CreateQuery(ctx, Query{QueryID: 1, CoordinatorID: "czar-1", SubmittedAt: now}); err != nil {
		t.Fatalf("create query 1: %v", err)
	}
	if err := s.CreateQuery(ctx, Query{QueryID: 2, CoordinatorID: "czar-1", SubmittedAt: now}); err != nil {
		t.Fatalf("create query 2: %v", err)
	}
	if err := s.CreateQuery(ctx, Query{QueryID: 3, CoordinatorID: "czar-2", SubmittedAt: now}); err != nil {
		t.Fatalf("create query 3: %v", err)
	}

	aborted, err := s.RecoverStartup(ctx, "czar-1", 42, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("recover startup: %v", err)
	}
	if len(aborted) != 2 {
		t.Fatalf("expected 2 aborted queries, got %d", len(aborted))
	}

	q1, _ := s.GetQuery(ctx, 1)
	if q1.Status != stratoq.QueryAborted {
		t.Fatalf("expected query 1 ABORTED, got %v", q1.Status)
	}
	q3, _ := s.GetQuery(ctx, 3)
	if q3.Status != stratoq.QueryExecuting {
		t.Fatalf("expected query 3 untouched (different coordinator), got %v", q3.Status)
	}

	id, ok, err := s.GetCoordinatorIdentity(ctx, "czar-1")
	if err != nil || !ok {
		t.Fatalf("expected coordinator identity to be recorded: ok=%v err=%v", ok, err)
	}
	if id.StartupEpoch != 42 {
		t.Fatalf("expected startup_epoch 42, got %d", id.StartupEpoch)
	}
}

func TestStore_ChunkPlacementUpdateTimeAdvances(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if ts, err := s.ChunkPlacementUpdateTime(ctx); err != nil || !ts.IsZero() {
		t.Fatalf("expected zero update time before any placement write, got %v err %v", ts, err)
	}

	now := time.Unix(5000, 0)
	if err := s.UpsertChunkPlacement(ctx, 7, "worker-a", now); err != nil {
		t.Fatalf("upsert chunk placement: %v", err)
	}

	ts, err := s.ChunkPlacementUpdateTime(ctx)
	if err != nil {
		t.Fatalf("get update time: %v", err)
	}
	if !ts.Equal(now) {
		t.Fatalf("expected update time %v, got %v", now, ts)
	}

	placement, err := s.ListChunkPlacement(ctx)
	if err != nil {
		t.Fatalf("list chunk placement: %v", err)
	}
	if placement[7] != "worker-a" {
		t.Fatalf("expected chunk 7 -> worker-a, got %v", placement)
	}

	later := now.Add(time.Minute)
	if err := s.UpsertChunkPlacement(ctx, 7, "worker-b", later); err != nil {
		t.Fatalf("re-upsert chunk placement: %v", err)
	}
	ts, _ = s.ChunkPlacementUpdateTime(ctx)
	if !ts.Equal(later) {
		t.Fatalf("expected update time to advance to %v, got %v", later, ts)
	}
}

func TestStore_QueryTablesAssociation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateQuery(ctx, Query{QueryID: 1, CoordinatorID: "czar-1", SubmittedAt: time.Unix(0, 0)}); err != nil {
		t.Fatalf("create query: %v", err)
	}
	if err := s.AddQueryTable(ctx, 1, "db1", "tableA"); err != nil {
		t.Fatalf("add query table: %v", err)
	}
	if err := s.AddQueryTable(ctx, 1, "db1", "tableA"); err != nil {
		t.Fatalf("add duplicate query table should be a no-op, got: %v", err)
	}
	if err := s.AddQueryTable(ctx, 1, "db1", "tableB"); err != nil {
		t.Fatalf("add second query table: %v", err)
	}

	tables, err := s.ListQueryTables(ctx, 1)
	if err != nil {
		t.Fatalf("list query tables: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("expected 2 distinct tables, got %d (%+v)", len(tables), tables)
	}
}

func TestStore_ProgressUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Unix(10, 0)
	if err := s.UpsertProgress(ctx, 1, 10, 1024, now); err != nil {
		t.Fatalf("upsert progress: %v", err)
	}
	p, err := s.GetProgress(ctx, 1)
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.CollectedRows != 10 || p.CollectedBytes != 1024 {
		t.Fatalf("unexpected progress: %+v", p)
	}

	later := now.Add(5 * time.Second)
	if err := s.UpsertProgress(ctx, 1, 20, 2048, later); err != nil {
		t.Fatalf("re-upsert progress: %v", err)
	}
	p, _ = s.GetProgress(ctx, 1)
	if p.CollectedRows != 20 || p.CollectedBytes != 2048 {
		t.Fatalf("expected progress to be overwritten, got %+v", p)
	}
}

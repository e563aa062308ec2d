// Package metastore implements the coordinator's persistent journal:
// queries, query-table associations, chunk placement and its update-time
// marker, and per-query progress counters. It is schema
// versioned so a mismatched database fails process start-up rather than
// running against a stale layout.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/user/stratoq"
	"github.com/user/stratoq/pkg/errtax"
	"github.com/user/stratoq/pkg/sqlutil"
	"github.com/user/stratoq/pkg/wire"
)

// SchemaVersion is the single string value stored in stratoq_meta that every
// process using this store must agree on.
const SchemaVersion = "1"

// Store is the MetadataStore: a single mutex is held while each statement
// executes, serialising short statements so no caller needs its own locking;
// no lock is held across I/O-less callbacks.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	driver  string
	queries *queryRegistry
}

// New wraps an already-opened *sql.DB. driver is one of "sqlite", "mysql",
// "postgres" and selects both the placeholder rewriting and any
// driver-specific statement override.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver, queries: newQueryRegistry(driver)}
}

// prepare rewrites a registry statement's '?' placeholders for the active
// driver, mirroring the driver-agnostic query text kept in queries.go.
func (s *Store) prepare(query string) string {
	if s.driver != "pgx" && s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	idx := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(sqlutil.Placeholder(s.driver, idx))
			idx++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, key string, args ...any) (sql.Result, error) {
	q := s.prepare(s.queries.get(key))
	return s.db.ExecContext(ctx, q, args...)
}

func (s *Store) queryRows(ctx context.Context, key string, args ...any) (*sql.Rows, error) {
	q := s.prepare(s.queries.get(key))
	return s.db.QueryContext(ctx, q, args...)
}

func (s *Store) queryRow(ctx context.Context, key string, args ...any) *sql.Row {
	q := s.prepare(s.queries.get(key))
	return s.db.QueryRowContext(ctx, q, args...)
}

// Init creates the schema if absent and checks SchemaVersion if present.
// A version mismatch is a fatal, non-retryable CONFIG_ERROR: the caller is
// expected to treat it as an init failure and exit non-zero.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		QueryInitMetaTable,
		QueryInitCoordinatorsTable,
		QueryInitQueriesTable,
		QueryInitQueryTablesTable,
		QueryInitChunkPlacementTable,
		QueryInitChunkPlacementMeta,
		QueryInitProgressTable,
		QueryInitWorkersTable,
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, s.prepare(s.queries.get(t))); err != nil {
			return errtax.Wrap(errtax.ConfigError, err, "metastore: init table")
		}
	}

	var existing string
	err := s.queryRow(ctx, QueryGetSchemaVersion).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.exec(ctx, QuerySetSchemaVersion, SchemaVersion); err != nil {
			return errtax.Wrap(errtax.ConfigError, err, "metastore: write schema version")
		}
		return nil
	case err != nil:
		return errtax.Wrap(errtax.ConfigError, err, "metastore: read schema version")
	case existing != SchemaVersion:
		return errtax.New(errtax.ConfigError,
			fmt.Sprintf("metastore: schema version mismatch: database has %q, binary expects %q", existing, SchemaVersion))
	}
	return nil
}

// Query is the persisted journal row for one user query.
type Query struct {
	QueryID          int64
	CoordinatorID    string
	UserName         string
	SQLText          string
	ChunkTemplate    string
	MergeSQL         string
	ResultLocation   string
	MessageTableName string
	ChunkCount       int64
	Status           stratoq.QueryStatus
	SubmittedAt      time.Time
	CompletedAt      *time.Time
	ReturnedAt       *time.Time
	CollectedRows    int64
	CollectedBytes   int64
	FinalRows        int64
}

// CreateQuery journals a new query with status EXECUTING.
func (s *Store) CreateQuery(ctx context.Context, q Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.exec(ctx, QueryCreateQuery,
		q.QueryID, q.CoordinatorID, q.UserName, q.SQLText, q.ChunkTemplate, q.MergeSQL,
		q.ResultLocation, q.MessageTableName, q.ChunkCount, string(stratoq.QueryExecuting),
		q.SubmittedAt.UnixMilli())
	if err != nil {
		return errtax.Wrap(errtax.Internal, err, "metastore: create query")
	}
	return nil
}

// GetQuery fetches one query row by id.
func (s *Store) GetQuery(ctx context.Context, queryID int64) (Query, error) {
	s.mu.Lock()
	row := s.queryRow(ctx, QueryGetQuery, queryID)
	s.mu.Unlock()

	var q Query
	var status string
	var submittedAt int64
	var completedAt, returnedAt sql.NullInt64
	if err := row.Scan(&q.QueryID, &q.CoordinatorID, &q.UserName, &q.SQLText, &q.ChunkTemplate, &q.MergeSQL,
		&q.ResultLocation, &q.MessageTableName, &q.ChunkCount, &status, &submittedAt, &completedAt, &returnedAt,
		&q.CollectedRows, &q.CollectedBytes, &q.FinalRows); err != nil {
		if err == sql.ErrNoRows {
			return Query{}, errtax.New(errtax.Internal, "metastore: query not found").WithCode("not_found")
		}
		return Query{}, errtax.Wrap(errtax.Internal, err, "metastore: get query")
	}
	q.Status = stratoq.QueryStatus(status)
	q.SubmittedAt = time.UnixMilli(submittedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		q.CompletedAt = &t
	}
	if returnedAt.Valid {
		t := time.UnixMilli(returnedAt.Int64)
		q.ReturnedAt = &t
	}
	return q, nil
}

// SetQueryStatus is used for transitions that are not terminal completions
// (e.g. there is no separate "cancelling" substate to persist today, but the
// seam exists for any future non-terminal status write).
func (s *Store) SetQueryStatus(ctx context.Context, queryID int64, status stratoq.QueryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.exec(ctx, QuerySetQueryStatus, string(status), queryID)
	if err != nil {
		return errtax.Wrap(errtax.Internal, err, "metastore: set query status")
	}
	return nil
}

// CompleteQuery performs the single terminal-state transition a query may
// undergo from EXECUTING: exactly one row must be affected, since a
// divergent count means two owners tried to finish the same query.
func (s *Store) CompleteQuery(ctx context.Context, queryID int64, status stratoq.QueryStatus, completedAt time.Time, collectedRows, collectedBytes, finalRows int64) error {
	if !status.Terminal() {
		return errtax.New(errtax.Internal, "metastore: CompleteQuery requires a terminal status")
	}
	s.mu.Lock()
	res, err := s.exec(ctx, QueryCompleteQuery, string(status), completedAt.UnixMilli(), collectedRows, collectedBytes, finalRows, queryID)
	s.mu.Unlock()
	if err != nil {
		return errtax.Wrap(errtax.Internal, err, "metastore: complete query")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errtax.Wrap(errtax.Internal, err, "metastore: complete query rows affected")
	}
	if n != 1 {
		return errtax.New(errtax.Internal, fmt.Sprintf("metastore: complete query affected %d rows, expected 1 (query_id=%d)", n, queryID))
	}
	return nil
}

// FinishQuery records when the result was actually returned to the user,
// independent of completion (a query can complete long before a client
// fetches it).
func (s *Store) FinishQuery(ctx context.Context, queryID int64, returnedAt time.Time) error {
	s.mu.Lock()
	res, err := s.exec(ctx, QueryFinishQuery, returnedAt.UnixMilli(), queryID)
	s.mu.Unlock()
	if err != nil {
		return errtax.Wrap(errtax.Internal, err, "metastore: finish query")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errtax.Wrap(errtax.Internal, err, "metastore: finish query rows affected")
	}
	if n != 1 {
		return errtax.New(errtax.Internal, fmt.Sprintf("metastore: finish query affected %d rows, expected 1 (query_id=%d)", n, queryID))
	}
	return nil
}

// AddQueryTable records one (db, table) the query reads, for the
// query-table association index.
func (s *Store) AddQueryTable(ctx context.Context, queryID int64, db, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.exec(ctx, QueryAddQueryTable, queryID, db, table)
	if err != nil {
		return errtax.Wrap(errtax.Internal, err, "metastore: add query table")
	}
	return nil
}

// ListQueryTables returns every (db, table) pair associated with a query.
func (s *Store) ListQueryTables(ctx context.Context, queryID int64) ([]wire.TableRef, error) {
	s.mu.Lock()
	rows, err := s.queryRows(ctx, QueryListQueryTables, queryID)
	s.mu.Unlock()
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, err, "metastore: list query tables")
	}
	defer rows.Close()
	var out []wire.TableRef
	for rows.Next() {
		var t wire.TableRef
		if err := rows.Scan(&t.DB, &t.Table); err != nil {
			return nil, errtax.Wrap(errtax.Internal, err, "metastore: scan query table")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertChunkPlacement records the current worker owning a chunk and
// advances the shared update_time marker that placement readers compare
// against before re-reading.
func (s *Store) UpsertChunkPlacement(ctx context.Context, chunkID int64, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.exec(ctx, QueryUpsertChunkPlacement, chunkID, workerID); err != nil {
		return errtax.Wrap(errtax.Internal, err, "metastore: upsert chunk placement")
	}
	if _, err := s.exec(ctx, QueryTouchChunkPlacementMeta, now.UnixMilli()); err != nil {
		return errtax.Wrap(errtax.Internal, err, "metastore: touch chunk placement meta")
	}
	return nil
}

// ChunkPlacementUpdateTime returns the marker readers compare against a
// cached copy; a zero time means no placement has ever been written.
func (s *Store) ChunkPlacementUpdateTime(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	row := s.queryRow(ctx, QueryGetChunkPlacementMeta)
	s.mu.Unlock()

	var ms int64
	if err := row.Scan(&ms); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, errtax.Wrap(errtax.Internal, err, "metastore: get chunk placement meta")
	}
	return time.UnixMilli(ms), nil
}

// ListChunkPlacement returns the full chunk_id -> worker_id table, to be
// cached by the coordinator's chunk registry until the update-time marker
// advances.
func (s *Store) ListChunkPlacement(ctx context.Context) (map[int64]string, error) {
	s.mu.Lock()
	rows, err := s.queryRows(ctx, QueryListChunkPlacement)
	s.mu.Unlock()
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, err, "metastore: list chunk placement")
	}
	defer rows.Close()
	out := make(map[int64]string)
	for rows.Next() {
		var chunkID int64
		var workerID string
		if err := rows.Scan(&chunkID, &workerID); err != nil {
			return nil, errtax.Wrap(errtax.Internal, err, "metastore: scan chunk placement")
		}
		out[chunkID] = workerID
	}
	return out, rows.Err()
}

// UpsertProgress records the running collected-rows/collected-bytes count
// for an in-flight query, separately from the terminal queries row so the
// status/progress endpoints do not contend with CompleteQuery's write.
func (s *Store) UpsertProgress(ctx context.Context, queryID, collectedRows, collectedBytes int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.exec(ctx, QueryUpsertProgress, queryID, collectedRows, collectedBytes, now.UnixMilli())
	if err != nil {
		return errtax.Wrap(errtax.Internal, err, "metastore: upsert progress")
	}
	return nil
}

// Progress is one query's running row/byte counters.
type Progress struct {
	CollectedRows  int64
	CollectedBytes int64
	UpdatedAt      time.Time
}

func (s *Store) GetProgress(ctx context.Context, queryID int64) (Progress, error) {
	s.mu.Lock()
	row := s.queryRow(ctx, QueryGetProgress, queryID)
	s.mu.Unlock()

	var p Progress
	var ms int64
	if err := row.Scan(&p.CollectedRows, &p.CollectedBytes, &ms); err != nil {
		if err == sql.ErrNoRows {
			return Progress{}, nil
		}
		return Progress{}, errtax.Wrap(errtax.Internal, err, "metastore: get progress")
	}
	p.UpdatedAt = time.UnixMilli(ms)
	return p, nil
}

// WorkerContact is the persisted view of one worker's last-known endpoint
// and liveness bookkeeping, so a restarting coordinator's PeerTracker can
// seed itself without waiting a full status-exchange period.
type WorkerContact struct {
	WorkerID     string
	Host         string
	Port         int
	StartupEpoch int64
	LastTouch    time.Time
}

// UpsertWorkerContact records a worker's current contact info and liveness
// timestamp, called by the coordinator's peer wrapper on every successful
// status-exchange round trip.
func (s *Store) UpsertWorkerContact(ctx context.Context, c WorkerContact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.exec(ctx, QueryUpsertWorker, c.WorkerID, c.Host, c.Port, c.StartupEpoch, c.LastTouch.UnixMilli())
	if err != nil {
		return errtax.Wrap(errtax.Internal, err, "metastore: upsert worker contact")
	}
	return nil
}

// ReclaimableQuery is one terminal query whose result table has not yet
// been flagged reclaimed by GarbageCollector's async sweep.
type ReclaimableQuery struct {
	QueryID        int64
	ResultLocation string
}

// ListUnreclaimedBefore returns every terminal query that completed before
// cutoff and has not yet had its result table reclaimed. The queries row itself is never deleted; only MarkReclaimed's flag changes.
func (s *Store) ListUnreclaimedBefore(ctx context.Context, cutoff time.Time) ([]ReclaimableQuery, error) {
	s.mu.Lock()
	rows, err := s.queryRows(ctx, QueryListUnreclaimedBefore, cutoff.UnixMilli())
	s.mu.Unlock()
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, err, "metastore: list unreclaimed queries")
	}
	defer rows.Close()
	var out []ReclaimableQuery
	for rows.Next() {
		var q ReclaimableQuery
		if err := rows.Scan(&q.QueryID, &q.ResultLocation); err != nil {
			return nil, errtax.Wrap(errtax.Internal, err, "metastore: scan unreclaimed query")
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ListUnreclaimedBetween returns every terminal, unreclaimed query whose
// completion time is older than newest and no older than oldest — the
// retention window the async reclamation sweep works through, leaving
// anything past the hard threshold to the age-based result-database sweep.
func (s *Store) ListUnreclaimedBetween(ctx context.Context, oldest, newest time.Time) ([]ReclaimableQuery, error) {
	s.mu.Lock()
	rows, err := s.queryRows(ctx, QueryListUnreclaimedBetween, newest.UnixMilli(), oldest.UnixMilli())
	s.mu.Unlock()
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, err, "metastore: list unreclaimed queries in window")
	}
	defer rows.Close()
	var out []ReclaimableQuery
	for rows.Next() {
		var q ReclaimableQuery
		if err := rows.Scan(&q.QueryID, &q.ResultLocation); err != nil {
			return nil, errtax.Wrap(errtax.Internal, err, "metastore: scan unreclaimed query")
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// MarkReclaimed records that a query's result table has been dropped.
func (s *Store) MarkReclaimed(ctx context.Context, queryID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.exec(ctx, QueryMarkReclaimed, at.UnixMilli(), queryID)
	if err != nil {
		return errtax.Wrap(errtax.Internal, err, "metastore: mark reclaimed")
	}
	return nil
}

// ListWorkerContacts returns every known worker's last-persisted contact
// info, used to rebuild the in-memory PeerTracker at coordinator start-up.
func (s *Store) ListWorkerContacts(ctx context.Context) ([]WorkerContact, error) {
	s.mu.Lock()
	rows, err := s.queryRows(ctx, QueryListWorkers)
	s.mu.Unlock()
	if err != nil {
		return nil, errtax.Wrap(errtax.Internal, err, "metastore: list worker contacts")
	}
	defer rows.Close()
	var out []WorkerContact
	for rows.Next() {
		var c WorkerContact
		var epoch, lastTouch int64
		if err := rows.Scan(&c.WorkerID, &c.Host, &c.Port, &epoch, &lastTouch); err != nil {
			return nil, errtax.Wrap(errtax.Internal, err, "metastore: scan worker contact")
		}
		c.StartupEpoch = epoch
		c.LastTouch = time.UnixMilli(lastTouch)
		out = append(out, c)
	}
	return out, rows.Err()
}

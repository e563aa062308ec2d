package coord

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/user/stratoq"
	"github.com/user/stratoq/internal/metastore"
	"github.com/user/stratoq/internal/msgstore"
	"github.com/user/stratoq/pkg/sqlutil"
)

// minRetention is the floor applied to misconfigured retention values; a
// zero or negative retention would otherwise turn a sweep into a busy loop
// that reclaims everything it sees.
const minRetention = time.Minute

// GarbageCollector runs the coordinator's two reclamation loops, each
// iteration wrapped in its own defer-recover so a panic in one sweep never
// kills the loop.
//
// The async sweep works through the retention window: queries whose
// completion time is older than the async threshold but not yet past the
// hard threshold have their result table and message log dropped, their
// workers notified that result files may be deleted, and their queries row
// flagged reclaimed. The hard sweep is the backstop behind it: it scans the
// result database itself and drops any table older than the hard threshold
// by age alone, regardless of whether the metastore still associates a
// query with it — which is why the result database must be a schema
// dedicated to result tables.
type GarbageCollector struct {
	store    *metastore.Store
	resultDB *sql.DB
	driver   string
	peers    *PeerManager
	msgs     *msgstore.Store
	logger   stratoq.Logger
	clock    stratoq.Clock

	asyncRetention time.Duration
	hardRetention  time.Duration

	// listAgedTables enumerates result-database tables whose modification
	// (or, failing that, creation) time is older than cutoff. Overridable
	// because only MySQL exposes table timestamps; tests inject their own.
	listAgedTables func(ctx context.Context, cutoff time.Time) ([]string, error)
}

// NewGarbageCollector builds the coordinator-side GC. resultDB is the
// database holding merge tables; a nil resultDB disables both DROP TABLE
// paths (tests can exercise the bookkeeping without one). driver selects
// how table identifiers are quoted before they are dropped. Retention
// values below a floor are raised to it rather than rejected.
func NewGarbageCollector(store *metastore.Store, resultDB *sql.DB, driver string, peers *PeerManager, msgs *msgstore.Store,
	logger stratoq.Logger, clock stratoq.Clock, asyncRetention, hardRetention time.Duration) *GarbageCollector {
	if asyncRetention < minRetention {
		asyncRetention = minRetention
	}
	if hardRetention < minRetention {
		hardRetention = minRetention
	}
	g := &GarbageCollector{
		store: store, resultDB: resultDB, driver: driver, peers: peers, msgs: msgs, logger: logger, clock: clock,
		asyncRetention: asyncRetention, hardRetention: hardRetention,
	}
	g.listAgedTables = g.listAgedTablesDefault
	return g
}

// Run drives the two sweeps on their own cadences until ctx is cancelled:
// the async sweep every half async-retention, the hard sweep every full
// async-retention period.
func (g *GarbageCollector) Run(ctx context.Context) {
	asyncInterval := g.asyncRetention / 2
	if asyncInterval < minRetention {
		asyncInterval = minRetention
	}
	hardInterval := g.asyncRetention

	asyncTicker := time.NewTicker(asyncInterval)
	defer asyncTicker.Stop()
	hardTicker := time.NewTicker(hardInterval)
	defer hardTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-asyncTicker.C:
			g.sweepAsync(ctx)
		case <-hardTicker.C:
			g.sweepHard(ctx)
		}
	}
}

// sweepAsync reclaims every unreclaimed query inside the retention window:
// drop its result table, drop its message log, tell its workers the result
// files may go, and flag the queries row reclaimed. Queries already past
// the hard threshold are left to sweepHard's age-based scan.
func (g *GarbageCollector) sweepAsync(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gc: async sweep panicked", "recover", r)
		}
	}()
	gcSweepsTotal.WithLabelValues("async").Inc()

	now := g.clock.Now()
	newest := now.Add(-g.asyncRetention)
	oldest := now.Add(-g.hardRetention)
	queries, err := g.store.ListUnreclaimedBetween(ctx, oldest, newest)
	if err != nil {
		g.logger.Warn("gc: async sweep list failed", "error", err)
		return
	}

	for _, q := range queries {
		if !g.dropResultTable(ctx, q.QueryID, q.ResultLocation) {
			continue
		}
		if g.msgs != nil {
			if err := g.msgs.DropForQuery(ctx, q.QueryID); err != nil {
				g.logger.Warn("gc: drop message log failed", "query_id", q.QueryID, "error", err)
				continue
			}
		}
		g.notifyDeleteFilesForQuery(q.QueryID)
		if err := g.store.MarkReclaimed(ctx, q.QueryID, g.clock.Now()); err != nil {
			g.logger.Warn("gc: mark reclaimed failed", "query_id", q.QueryID, "error", err)
			continue
		}
		gcReclaimedTotal.WithLabelValues("async").Inc()
	}
}

// sweepHard drops every result-database table older than the hard
// threshold, keyed on table age alone with no metastore association check.
func (g *GarbageCollector) sweepHard(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gc: hard sweep panicked", "recover", r)
		}
	}()
	gcSweepsTotal.WithLabelValues("hard").Inc()

	if g.resultDB == nil {
		return
	}
	cutoff := g.clock.Now().Add(-g.hardRetention)
	tables, err := g.listAgedTables(ctx, cutoff)
	if err != nil {
		g.logger.Warn("gc: hard sweep table scan failed", "error", err)
		return
	}
	for _, table := range tables {
		quoted, err := sqlutil.QuoteIdent(g.driver, table)
		if err != nil {
			g.logger.Warn("gc: refusing to drop table with unquotable name", "table", table, "error", err)
			continue
		}
		if _, err := g.resultDB.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoted)); err != nil {
			g.logger.Warn("gc: drop aged table failed", "table", table, "error", err)
			continue
		}
		gcReclaimedTotal.WithLabelValues("hard").Inc()
	}
}

// listAgedTablesDefault reads table ages out of information_schema on
// MySQL/MariaDB, the only supported result-database backend that records
// them; on other drivers the hard sweep has nothing to key on and scans
// nothing.
func (g *GarbageCollector) listAgedTablesDefault(ctx context.Context, cutoff time.Time) ([]string, error) {
	switch g.driver {
	case "mysql", "mariadb":
	default:
		return nil, nil
	}
	rows, err := g.resultDB.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = DATABASE() AND COALESCE(update_time, create_time) < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// dropResultTable drops one query's merge table, reporting whether the
// query's reclamation may proceed (a missing resultDB or empty location is
// fine; a failed drop is not).
func (g *GarbageCollector) dropResultTable(ctx context.Context, queryID int64, resultLocation string) bool {
	if g.resultDB == nil || resultLocation == "" {
		return true
	}
	table := ResultTableName(resultLocation, queryID)
	quoted, err := sqlutil.QuoteIdent(g.driver, table)
	if err != nil {
		g.logger.Warn("gc: refusing to drop merge table with unquotable name",
			"query_id", queryID, "table", table, "error", err)
		return false
	}
	if _, err := g.resultDB.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoted)); err != nil {
		g.logger.Warn("gc: drop merge table failed", "query_id", queryID, "error", err)
		return false
	}
	return true
}

// notifyDeleteFilesForQuery enqueues a "result files may be deleted" notice
// on every worker in MetadataStore's worker contacts, seeding a PeerTracker
// record for any such worker the tracker does not hold yet; a worker that
// never touched this query simply ignores the unknown query_id on its next
// status exchange.
func (g *GarbageCollector) notifyDeleteFilesForQuery(queryID int64) {
	contacts, err := g.store.ListWorkerContacts(context.Background())
	if err != nil {
		g.logger.Warn("gc: list worker contacts failed", "error", err)
		return
	}
	for _, c := range contacts {
		g.peers.Tracker.Seed(c.WorkerID, c.Host, c.Port, c.StartupEpoch, c.LastTouch)
		g.peers.NotifyDeleteFiles(c.WorkerID, queryID)
	}
}

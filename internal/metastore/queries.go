package metastore

// queryRegistry holds the SQL text for every statement the store issues,
// keyed by a stable name, with optional per-driver overrides so the same Go
// code runs unmodified against sqlite, mysql, and postgres.
type queryRegistry struct {
	driver string
}

func newQueryRegistry(driver string) *queryRegistry {
	return &queryRegistry{driver: driver}
}

func (r *queryRegistry) get(key string) string {
	if overrides, ok := driverOverrides[r.driver]; ok {
		if q, ok := overrides[key]; ok {
			return q
		}
	}
	return commonQueries[key]
}

const (
	QueryInitMetaTable            = "InitMetaTable"
	QueryInitCoordinatorsTable    = "InitCoordinatorsTable"
	QueryInitQueriesTable         = "InitQueriesTable"
	QueryInitQueryTablesTable     = "InitQueryTablesTable"
	QueryInitChunkPlacementTable  = "InitChunkPlacementTable"
	QueryInitChunkPlacementMeta   = "InitChunkPlacementMetaTable"
	QueryInitProgressTable        = "InitProgressTable"

	QueryGetSchemaVersion = "GetSchemaVersion"
	QuerySetSchemaVersion = "SetSchemaVersion"

	QueryUpsertCoordinator = "UpsertCoordinator"
	QueryGetCoordinator    = "GetCoordinator"

	QueryCreateQuery       = "CreateQuery"
	QueryGetQuery          = "GetQuery"
	QuerySetQueryStatus    = "SetQueryStatus"
	QueryCompleteQuery     = "CompleteQuery"
	QueryFinishQuery       = "FinishQuery"
	QueryListExecutingByOwner = "ListExecutingByOwner"
	QueryAbortOwned        = "AbortOwned"
	QueryListActiveQueries = "ListActiveQueries"

	QueryAddQueryTable  = "AddQueryTable"
	QueryListQueryTables = "ListQueryTables"

	QueryUpsertChunkPlacement  = "UpsertChunkPlacement"
	QueryListChunkPlacement    = "ListChunkPlacement"
	QueryGetChunkPlacementMeta = "GetChunkPlacementMeta"
	QueryTouchChunkPlacementMeta = "TouchChunkPlacementMeta"

	QueryUpsertProgress = "UpsertProgress"
	QueryGetProgress    = "GetProgress"

	QueryInitWorkersTable = "InitWorkersTable"
	QueryUpsertWorker     = "UpsertWorker"
	QueryListWorkers      = "ListWorkers"

	QueryListUnreclaimedBefore  = "ListUnreclaimedBefore"
	QueryListUnreclaimedBetween = "ListUnreclaimedBetween"
	QueryMarkReclaimed          = "MarkReclaimed"
)

var commonQueries = map[string]string{
	QueryInitMetaTable: `CREATE TABLE IF NOT EXISTS stratoq_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	QueryInitCoordinatorsTable: `CREATE TABLE IF NOT EXISTS coordinators (
		coordinator_id TEXT PRIMARY KEY,
		startup_epoch BIGINT NOT NULL,
		last_seen BIGINT NOT NULL
	)`,
	QueryInitQueriesTable: `CREATE TABLE IF NOT EXISTS queries (
		query_id BIGINT PRIMARY KEY,
		coordinator_id TEXT NOT NULL,
		user_name TEXT,
		sql_text TEXT,
		chunk_template TEXT,
		merge_sql TEXT,
		result_location TEXT,
		message_table_name TEXT,
		chunk_count BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		submitted_at BIGINT NOT NULL,
		completed_at BIGINT,
		returned_at BIGINT,
		collected_rows BIGINT NOT NULL DEFAULT 0,
		collected_bytes BIGINT NOT NULL DEFAULT 0,
		final_rows BIGINT NOT NULL DEFAULT 0,
		reclaimed_at BIGINT
	)`,
	QueryInitQueryTablesTable: `CREATE TABLE IF NOT EXISTS query_tables (
		query_id BIGINT NOT NULL,
		db_name TEXT NOT NULL,
		table_name TEXT NOT NULL,
		PRIMARY KEY (query_id, db_name, table_name)
	)`,
	QueryInitChunkPlacementTable: `CREATE TABLE IF NOT EXISTS chunk_placement (
		chunk_id BIGINT PRIMARY KEY,
		worker_id TEXT NOT NULL
	)`,
	QueryInitChunkPlacementMeta: `CREATE TABLE IF NOT EXISTS chunk_placement_meta (
		id INTEGER PRIMARY KEY,
		update_time BIGINT NOT NULL
	)`,
	QueryInitProgressTable: `CREATE TABLE IF NOT EXISTS progress (
		query_id BIGINT PRIMARY KEY,
		collected_rows BIGINT NOT NULL DEFAULT 0,
		collected_bytes BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL
	)`,
	QueryInitWorkersTable: `CREATE TABLE IF NOT EXISTS workers (
		worker_id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		startup_epoch BIGINT NOT NULL,
		last_touch BIGINT NOT NULL
	)`,

	QueryGetSchemaVersion: `SELECT value FROM stratoq_meta WHERE key = 'schema_version'`,
	QuerySetSchemaVersion: `INSERT INTO stratoq_meta (key, value) VALUES ('schema_version', ?)`,

	QueryUpsertCoordinator: `INSERT INTO coordinators (coordinator_id, startup_epoch, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT (coordinator_id) DO UPDATE SET startup_epoch = excluded.startup_epoch, last_seen = excluded.last_seen`,
	QueryGetCoordinator: `SELECT coordinator_id, startup_epoch, last_seen FROM coordinators WHERE coordinator_id = ?`,

	QueryCreateQuery: `INSERT INTO queries
		(query_id, coordinator_id, user_name, sql_text, chunk_template, merge_sql, result_location, message_table_name, chunk_count, status, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	QueryGetQuery: `SELECT query_id, coordinator_id, user_name, sql_text, chunk_template, merge_sql, result_location, message_table_name,
		chunk_count, status, submitted_at, completed_at, returned_at, collected_rows, collected_bytes, final_rows
		FROM queries WHERE query_id = ?`,
	QuerySetQueryStatus: `UPDATE queries SET status = ? WHERE query_id = ?`,
	QueryCompleteQuery: `UPDATE queries SET status = ?, completed_at = ?, collected_rows = ?, collected_bytes = ?, final_rows = ?
		WHERE query_id = ? AND status = 'EXECUTING'`,
	QueryFinishQuery: `UPDATE queries SET returned_at = ? WHERE query_id = ?`,
	QueryListExecutingByOwner: `SELECT query_id FROM queries WHERE coordinator_id = ? AND status = 'EXECUTING'`,
	QueryAbortOwned: `UPDATE queries SET status = 'ABORTED', completed_at = ? WHERE coordinator_id = ? AND status = 'EXECUTING'`,
	QueryListActiveQueries: `SELECT query_id FROM queries WHERE status = 'EXECUTING'`,

	QueryAddQueryTable: `INSERT INTO query_tables (query_id, db_name, table_name) VALUES (?, ?, ?)
		ON CONFLICT (query_id, db_name, table_name) DO NOTHING`,
	QueryListQueryTables: `SELECT db_name, table_name FROM query_tables WHERE query_id = ?`,

	QueryUpsertChunkPlacement: `INSERT INTO chunk_placement (chunk_id, worker_id) VALUES (?, ?)
		ON CONFLICT (chunk_id) DO UPDATE SET worker_id = excluded.worker_id`,
	QueryListChunkPlacement: `SELECT chunk_id, worker_id FROM chunk_placement`,
	QueryGetChunkPlacementMeta: `SELECT update_time FROM chunk_placement_meta WHERE id = 1`,
	QueryTouchChunkPlacementMeta: `INSERT INTO chunk_placement_meta (id, update_time) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET update_time = excluded.update_time`,

	QueryUpsertProgress: `INSERT INTO progress (query_id, collected_rows, collected_bytes, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (query_id) DO UPDATE SET collected_rows = excluded.collected_rows, collected_bytes = excluded.collected_bytes, updated_at = excluded.updated_at`,
	QueryGetProgress: `SELECT collected_rows, collected_bytes, updated_at FROM progress WHERE query_id = ?`,

	QueryUpsertWorker: `INSERT INTO workers (worker_id, host, port, startup_epoch, last_touch) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET host = excluded.host, port = excluded.port,
			startup_epoch = excluded.startup_epoch, last_touch = excluded.last_touch`,
	QueryListWorkers: `SELECT worker_id, host, port, startup_epoch, last_touch FROM workers`,

	QueryListUnreclaimedBefore: `SELECT query_id, result_location FROM queries
		WHERE status != 'EXECUTING' AND completed_at IS NOT NULL AND completed_at < ? AND reclaimed_at IS NULL`,
	QueryListUnreclaimedBetween: `SELECT query_id, result_location FROM queries
		WHERE status != 'EXECUTING' AND completed_at IS NOT NULL AND completed_at < ? AND completed_at >= ? AND reclaimed_at IS NULL`,
	QueryMarkReclaimed: `UPDATE queries SET reclaimed_at = ? WHERE query_id = ?`,
}

// driverOverrides holds statements that cannot be expressed identically
// across drivers (MySQL's upsert syntax differs from the SQLite/Postgres
// "ON CONFLICT" form used by default above).
var driverOverrides = map[string]map[string]string{
	"mysql": {
		QueryUpsertCoordinator: `INSERT INTO coordinators (coordinator_id, startup_epoch, last_seen) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE startup_epoch = VALUES(startup_epoch), last_seen = VALUES(last_seen)`,
		QueryAddQueryTable: `INSERT IGNORE INTO query_tables (query_id, db_name, table_name) VALUES (?, ?, ?)`,
		QueryUpsertChunkPlacement: `INSERT INTO chunk_placement (chunk_id, worker_id) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE worker_id = VALUES(worker_id)`,
		QueryTouchChunkPlacementMeta: `INSERT INTO chunk_placement_meta (id, update_time) VALUES (1, ?)
			ON DUPLICATE KEY UPDATE update_time = VALUES(update_time)`,
		QueryUpsertProgress: `INSERT INTO progress (query_id, collected_rows, collected_bytes, updated_at) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE collected_rows = VALUES(collected_rows), collected_bytes = VALUES(collected_bytes), updated_at = VALUES(updated_at)`,
		QueryUpsertWorker: `INSERT INTO workers (worker_id, host, port, startup_epoch, last_touch) VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE host = VALUES(host), port = VALUES(port),
				startup_epoch = VALUES(startup_epoch), last_touch = VALUES(last_touch)`,
	},
}

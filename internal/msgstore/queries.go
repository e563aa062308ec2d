package msgstore

const (
	QueryInitMessagesTable = "InitMessagesTable"
	QueryInitDetailsTable  = "InitMessageDetailsTable"

	QueryGetSummary     = "GetSummary"
	QueryInsertSummary  = "InsertSummary"
	QueryBumpSummary    = "BumpSummary"
	QueryCountDetails   = "CountDetails"
	QueryInsertDetail   = "InsertDetail"
	QueryListForQuery   = "ListForQuery"
	QueryListDetails    = "ListDetails"
	QueryDropSummaries  = "DropSummaries"
	QueryDropDetails    = "DropDetails"
)

var commonQueries = map[string]string{
	QueryInitMessagesTable: `CREATE TABLE IF NOT EXISTS messages (
		query_id BIGINT NOT NULL,
		chunk_id BIGINT NOT NULL,
		code TEXT NOT NULL,
		severity TEXT NOT NULL,
		first_text TEXT NOT NULL,
		occurrences BIGINT NOT NULL DEFAULT 1,
		first_at BIGINT NOT NULL,
		last_at BIGINT NOT NULL,
		PRIMARY KEY (query_id, chunk_id, code, severity)
	)`,
	QueryInitDetailsTable: `CREATE TABLE IF NOT EXISTS message_details (
		query_id BIGINT NOT NULL,
		chunk_id BIGINT NOT NULL,
		code TEXT NOT NULL,
		severity TEXT NOT NULL,
		seq BIGINT NOT NULL,
		text TEXT NOT NULL,
		at BIGINT NOT NULL,
		PRIMARY KEY (query_id, chunk_id, code, severity, seq)
	)`,

	QueryGetSummary: `SELECT first_text, occurrences, first_at, last_at FROM messages
		WHERE query_id = ? AND chunk_id = ? AND code = ? AND severity = ?`,
	QueryInsertSummary: `INSERT INTO messages (query_id, chunk_id, code, severity, first_text, occurrences, first_at, last_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
	QueryBumpSummary: `UPDATE messages SET occurrences = occurrences + 1, last_at = ?
		WHERE query_id = ? AND chunk_id = ? AND code = ? AND severity = ?`,
	QueryCountDetails: `SELECT COUNT(*) FROM message_details
		WHERE query_id = ? AND chunk_id = ? AND code = ? AND severity = ?`,
	QueryInsertDetail: `INSERT INTO message_details (query_id, chunk_id, code, severity, seq, text, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
	QueryListForQuery: `SELECT chunk_id, code, severity, first_text, occurrences, first_at, last_at
		FROM messages WHERE query_id = ? ORDER BY last_at ASC`,
	QueryListDetails: `SELECT seq, text, at FROM message_details
		WHERE query_id = ? AND chunk_id = ? AND code = ? AND severity = ? ORDER BY seq ASC`,
	QueryDropSummaries: `DELETE FROM messages WHERE query_id = ?`,
	QueryDropDetails:   `DELETE FROM message_details WHERE query_id = ?`,
}

// Package msgstore implements MessageStore: the de-duplicating log of
// per-query, per-chunk diagnostic messages every other component attaches
// failures and warnings to rather than raising them as exceptions.
package msgstore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/user/stratoq"
)

// DefaultRepeatThreshold is K: the number of individual occurrences kept in
// full before further repeats from the same source collapse into the
// running count only.
const DefaultRepeatThreshold = 3

// Store is MessageStore. It shares the underlying *sql.DB with MetadataStore
// (both are coordinator-side persistent state) but owns its own tables and
// registry. Its statements bind with plain '?' and reach the driver
// unrewritten, which MySQL and SQLite accept; unlike MetadataStore it does
// no rewriting into Postgres's $n placeholder form.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	threshold int
}

func New(db *sql.DB) *Store {
	return &Store{db: db, threshold: DefaultRepeatThreshold}
}

// WithRepeatThreshold overrides K.
func (s *Store) WithRepeatThreshold(k int) *Store {
	s.threshold = k
	return s
}

func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, commonQueries[QueryInitMessagesTable]); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, commonQueries[QueryInitDetailsTable])
	return err
}

// Summary is the de-duplicated view of every message sharing a (query,
// chunk, code, severity) source: the first payload, the total number of
// occurrences, and the first/last timestamps.
type Summary struct {
	ChunkID     int64
	Code        string
	Severity    stratoq.Severity
	FirstText   string
	Occurrences int64
	FirstAt     time.Time
	LastAt      time.Time
}

// Record appends one occurrence of a message. If this (query, chunk, code,
// severity) source has been seen before, its occurrence count is bumped and
// the original payload is kept; the caller's text is only stored verbatim
// for the first DefaultRepeatThreshold occurrences (message_details), after
// which additional occurrences are folded into the running count alone. A
// severity transition (e.g. a source that previously logged INFO now logs
// ERROR) is never suppressed, because severity is part of the key: it
// starts a fresh summary rather than bumping the existing one.
func (s *Store) Record(ctx context.Context, queryID, chunkID int64, code string, severity stratoq.Severity, text string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstText string
	var occurrences int64
	var firstAtMS, lastAtMS int64
	row := s.db.QueryRowContext(ctx, commonQueries[QueryGetSummary], queryID, chunkID, code, string(severity))
	err := row.Scan(&firstText, &occurrences, &firstAtMS, &lastAtMS)

	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx, commonQueries[QueryInsertSummary],
			queryID, chunkID, code, string(severity), text, at.UnixMilli(), at.UnixMilli()); err != nil {
			return err
		}
		return s.recordDetail(ctx, queryID, chunkID, code, severity, 0, text, at)
	case err != nil:
		return err
	}

	if _, err := s.db.ExecContext(ctx, commonQueries[QueryBumpSummary],
		at.UnixMilli(), queryID, chunkID, code, string(severity)); err != nil {
		return err
	}
	return s.recordDetail(ctx, queryID, chunkID, code, severity, occurrences, text, at)
}

func (s *Store) recordDetail(ctx context.Context, queryID, chunkID int64, code string, severity stratoq.Severity, seq int64, text string, at time.Time) error {
	var count int64
	row := s.db.QueryRowContext(ctx, commonQueries[QueryCountDetails], queryID, chunkID, code, string(severity))
	if err := row.Scan(&count); err != nil {
		return err
	}
	if count >= int64(s.threshold) {
		return nil
	}
	_, err := s.db.ExecContext(ctx, commonQueries[QueryInsertDetail],
		queryID, chunkID, code, string(severity), seq, text, at.UnixMilli())
	return err
}

// DropForQuery removes a query's entire message log — summaries and detail
// rows — once the garbage collector reclaims the query's result table.
func (s *Store) DropForQuery(ctx context.Context, queryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, commonQueries[QueryDropDetails], queryID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, commonQueries[QueryDropSummaries], queryID)
	return err
}

// ListForQuery returns every message summary attached to a query, ordered by
// most recently touched last — the set presented to the user on terminal
// failure.
func (s *Store) ListForQuery(ctx context.Context, queryID int64) ([]Summary, error) {
	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx, commonQueries[QueryListForQuery], queryID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		var severity string
		var firstAtMS, lastAtMS int64
		if err := rows.Scan(&sm.ChunkID, &sm.Code, &severity, &sm.FirstText, &sm.Occurrences, &firstAtMS, &lastAtMS); err != nil {
			return nil, err
		}
		sm.Severity = stratoq.Severity(severity)
		sm.FirstAt = time.UnixMilli(firstAtMS)
		sm.LastAt = time.UnixMilli(lastAtMS)
		out = append(out, sm)
	}
	return out, rows.Err()
}

package coord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/stratoq"
	"github.com/user/stratoq/pkg/errtax"
	"github.com/user/stratoq/pkg/resultfile"
)

// MergeInfo is the per-query state ResultMerger needs, recorded by
// QueryDispatcher at submit time.
type MergeInfo struct {
	MergeSQL   string // parameterized INSERT statement against the merge table
	RowLimit   int64
	Compressed bool
}

// mergeTarget is the narrow callback surface ResultMerger needs into
// QueryDispatcher: per-query merge config, and row-cap bookkeeping once
// merged rows land.
type mergeTarget interface {
	mergeInfo(queryID int64) (MergeInfo, bool)
	addCollected(queryID, bundleID, rows, bytesN int64) (capHit bool)
	lockQuery(queryID int64) (unlock func(), ok bool)
}

// ResultMerger is a bounded worker pool that pulls ready result files
// from BundleSenders, streams their rows into the query's merge table, and
// reports completion back to the originating sender.
type ResultMerger struct {
	target     mergeTarget
	resultDB   *sql.DB
	httpClient *http.Client
	logger     stratoq.Logger

	concurrencyPerWorker int
	maxRetries           int
	backoffBase          time.Duration
	backoffMax           time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	sems     map[string]chan struct{}
	rateN    float64
}

// NewResultMerger builds a ResultMerger; concurrencyPerWorker is P, rateLimitPerSec bounds the refill rate of the per-worker
// token bucket so a worker that just finished many bundles at once doesn't
// receive a GET burst.
func NewResultMerger(target mergeTarget, resultDB *sql.DB, httpClient *http.Client, logger stratoq.Logger,
	concurrencyPerWorker, maxRetries int, backoffBase, backoffMax time.Duration, rateLimitPerSec float64) *ResultMerger {
	if concurrencyPerWorker <= 0 {
		concurrencyPerWorker = 4
	}
	if rateLimitPerSec <= 0 {
		rateLimitPerSec = 20
	}
	return &ResultMerger{
		target: target, resultDB: resultDB, httpClient: httpClient, logger: logger,
		concurrencyPerWorker: concurrencyPerWorker, maxRetries: maxRetries,
		backoffBase: backoffBase, backoffMax: backoffMax,
		limiters: make(map[string]*rate.Limiter), sems: make(map[string]chan struct{}),
		rateN: rateLimitPerSec,
	}
}

func (m *ResultMerger) slotFor(workerID string) (*rate.Limiter, chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[workerID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(m.rateN), m.concurrencyPerWorker)
		m.limiters[workerID] = lim
	}
	sem, ok := m.sems[workerID]
	if !ok {
		sem = make(chan struct{}, m.concurrencyPerWorker)
		m.sems[workerID] = sem
	}
	return lim, sem
}

// Enqueue hands off a ready file for pulling and merging, respecting the
// per-worker concurrency budget. It runs asynchronously; completion is reported back to b.
func (m *ResultMerger) Enqueue(b *BundleSender, url string, rowCount, byteCount int64) {
	go m.run(b, url, rowCount, byteCount)
}

func (m *ResultMerger) run(b *BundleSender, url string, rowCount, byteCount int64) {
	lim, sem := m.slotFor(b.WorkerID)

	ctx := context.Background()
	if err := lim.Wait(ctx); err != nil {
		b.OnMergeFailed(errtax.Wrap(errtax.Internal, err, "coord: merge rate limiter"))
		return
	}
	sem <- struct{}{}
	defer func() { <-sem }()

	// Hold the per-query merge lock across the whole read-budget ->
	// insert -> record-collected sequence so a second bundle for the same
	// query (routinely running on a different worker, hence a different
	// sem/limiter) can't read a stale row budget and overshoot rowLimit.
	unlock, ok := m.target.lockQuery(b.QueryID)
	if !ok {
		b.OnMergeFailed(errtax.New(errtax.Internal, "coord: no merge info for query"))
		return
	}
	defer unlock()

	info, ok := m.target.mergeInfo(b.QueryID)
	if !ok {
		b.OnMergeFailed(errtax.New(errtax.Internal, "coord: no merge info for query"))
		return
	}

	var lastErr error
	backoff := m.backoffBase
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		rows, err := m.pullAndMerge(ctx, b, url, info)
		if err == nil {
			mergeRowsTotal.Add(float64(rows))
			capHit := m.target.addCollected(b.QueryID, b.BundleID, rows, byteCount)
			b.OnMergeDone(rows)
			if capHit {
				m.logger.Info("row cap reached", "query_id", b.QueryID)
			}
			return
		}
		lastErr = err
		mergePullFailures.WithLabelValues(b.WorkerID).Inc()
		if e, ok := err.(*errtax.Error); ok && e.Kind == errtax.ResultTooBig {
			// An oversized result can only get bigger on a re-pull.
			break
		}
		if attempt == m.maxRetries {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		backoff *= 2
		if backoff > m.backoffMax {
			backoff = m.backoffMax
		}
	}

	kind := errtax.MergeWriteError
	if e, ok := lastErr.(*errtax.Error); ok && e.Kind == errtax.ResultTooBig {
		kind = errtax.ResultTooBig
	}
	b.OnMergeFailed(errtax.Wrap(kind, lastErr, "coord: merge failed after retries"))
}

// pullAndMerge issues the HTTP GET against the ResultFileServer and streams
// rows into the merge table, enforcing max_result_bytes as RESULT_TOO_BIG.
func (m *ResultMerger) pullAndMerge(ctx context.Context, b *BundleSender, url string, info MergeInfo) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errtax.Wrap(errtax.TransportFailure, err, "coord: build result GET")
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, errtax.Wrap(errtax.TransportFailure, err, "coord: GET result file")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, errtax.New(errtax.TransportFailure, "coord: result file reclaimed by worker (404)")
	}
	if resp.StatusCode/100 != 2 {
		return 0, errtax.New(errtax.TransportFailure, fmt.Sprintf("coord: result GET returned HTTP %d", resp.StatusCode))
	}

	dec, err := resultfile.DecodeStream(resp.Body, info.Compressed)
	if err != nil {
		return 0, errtax.Wrap(errtax.MergeWriteError, err, "coord: open result stream")
	}
	defer dec.Close()

	var rows int64
	var bytesSeen int64
	for {
		row, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return rows, errtax.Wrap(errtax.MergeWriteError, err, "coord: decode result row")
		}
		if info.RowLimit > 0 && rows >= info.RowLimit {
			break
		}
		if _, err := m.resultDB.ExecContext(ctx, info.MergeSQL, row.Values...); err != nil {
			return rows, errtax.Wrap(errtax.MergeWriteError, err, "coord: insert merged row")
		}
		rows++
		for _, v := range row.Values {
			if s, ok := v.(string); ok {
				bytesSeen += int64(len(s))
			}
		}
		if b.MaxResultBytes > 0 && bytesSeen > b.MaxResultBytes {
			return rows, errtax.New(errtax.ResultTooBig, "coord: merged result exceeded max_result_bytes")
		}
	}
	return rows, nil
}

// ResultTableName expands a result_location template's #QID# token.
func ResultTableName(resultLocation string, queryID int64) string {
	return strings.ReplaceAll(resultLocation, "#QID#", fmt.Sprintf("%d", queryID))
}

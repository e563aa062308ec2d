package coord

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/user/stratoq"
	"github.com/user/stratoq/internal/metastore"
	"github.com/user/stratoq/internal/msgstore"
	"github.com/user/stratoq/pkg/errtax"
	"github.com/user/stratoq/pkg/wire"
)

// Submission is the rewritten query QueryDispatcher.Submit accepts: the
// per-chunk SQL template, the chunks it touches, the merge-phase SQL, and
// the row/byte caps.
type Submission struct {
	UserName       string          `json:"user_name"`
	SQLText        string          `json:"sql_text"`
	ChunkTemplate  string          `json:"chunk_template"`
	MergeSQL       string          `json:"merge_sql"`
	ResultLocation string          `json:"result_location"`
	RowLimit       int64           `json:"row_limit"` // 0 = unlimited
	MaxResultBytes int64           `json:"max_result_bytes"`
	Scan           wire.ScanInfo   `json:"scan"`
	Tables         []wire.TableRef `json:"tables"`
	ChunkIDs       []int64         `json:"chunk_ids"`
	// PartialTruncationAllowed selects the row-cap terminal status: if the
	// user SQL was rewritten to tolerate a partial answer, a row-cap
	// completion is COMPLETED; otherwise it is FAILED_ROWCAP.
	PartialTruncationAllowed bool `json:"partial_truncation_allowed"`
}

// jobState is one chunk fragment's mutable lifecycle record.
type jobState struct {
	jobID            int64
	chunkID          int64
	attemptCount     int
	assignedBundleID int64 // 0 = unassigned
}

// queryState is QueryDispatcher's in-memory view of one owned query; the
// durable copy lives in MetadataStore, written through these methods.
type queryState struct {
	mu sync.Mutex

	// mergeMu serializes ResultMerger's pull-and-insert-and-addCollected
	// sequence across every bundle of this query, regardless of which
	// worker each bundle ran on. Without it, two bundles merging
	// concurrently each read the row budget before either had recorded
	// its own rows, and could together insert more than rowLimit rows.
	mergeMu sync.Mutex

	queryID        int64
	rowLimit       int64
	maxResultBytes int64
	partialOK      bool
	scan           wire.ScanInfo
	template       wire.TemplateEntry
	tables         []wire.TableEntry
	mergeSQL       string
	resultLocation string

	jobs         map[int64]*jobState
	bundles      map[int64]*BundleSender
	nextBundleID int64

	totalBundles   int
	doneBundles    int
	failedBundles  int
	collectedRows  int64
	collectedBytes int64
	rowCapReached  bool
	status         stratoq.QueryStatus
	notifiedKeep   map[string]bool
}

// ProgressView is the read-only snapshot served by GET /query-progress and
// pushed over the websocket feed.
type ProgressView struct {
	QueryID        int64               `json:"query_id"`
	Status         stratoq.QueryStatus `json:"status"`
	TotalBundles   int                 `json:"total_bundles"`
	DoneBundles    int                 `json:"done_bundles"`
	FailedBundles  int                 `json:"failed_bundles"`
	CollectedRows  int64               `json:"collected_rows"`
	CollectedBytes int64               `json:"collected_bytes"`
}

// Dispatcher is QueryDispatcher: owns a single user query's
// fragment -> job -> bundle assignment, row-cap enforcement, and
// cancellation, driving BundleSender instances it constructs itself.
type Dispatcher struct {
	store    *metastore.Store
	msgs     *msgstore.Store
	registry *ChunkRegistry
	peers    *PeerManager
	merger   *ResultMerger

	httpClient    *http.Client
	logger        stratoq.Logger
	instanceID    string
	coordinatorID string
	clock         stratoq.Clock

	authKeys       map[string]string
	bundleJobLimit int
	attemptLimit   int

	nextQueryID atomic.Int64

	mu      sync.Mutex
	queries map[int64]*queryState

	progressListeners []func(ProgressView)
}

// NewDispatcher builds a Dispatcher. authKeys maps worker_id to the shared
// secret BundleSender signs its requests with.
func NewDispatcher(store *metastore.Store, msgs *msgstore.Store, registry *ChunkRegistry, peers *PeerManager,
	httpClient *http.Client, logger stratoq.Logger, instanceID, coordinatorID string, clock stratoq.Clock,
	authKeys map[string]string, bundleJobLimit, attemptLimit int) *Dispatcher {
	if bundleJobLimit <= 0 {
		bundleJobLimit = 50
	}
	if attemptLimit <= 0 {
		attemptLimit = 5
	}
	d := &Dispatcher{
		store: store, msgs: msgs, registry: registry, peers: peers,
		httpClient: httpClient, logger: logger, instanceID: instanceID, coordinatorID: coordinatorID, clock: clock,
		authKeys: authKeys, bundleJobLimit: bundleJobLimit, attemptLimit: attemptLimit,
		queries: make(map[int64]*queryState),
	}
	peers.OnWorkerDead(d.failBundlesForWorker)
	return d
}

// SetMerger wires the ResultMerger after construction, avoiding an
// import cycle between the Dispatcher and ResultMerger constructors (both
// need a reference to the other's narrow interface).
func (d *Dispatcher) SetMerger(m *ResultMerger) { d.merger = m }

// OnProgress registers a callback fired whenever a bundle completes or
// fails, feeding the websocket progress stream.
func (d *Dispatcher) OnProgress(fn func(ProgressView)) {
	d.progressListeners = append(d.progressListeners, fn)
}

// Submit journals a new query and dispatches its bundles.
// The chunk->worker mapping must be complete for every chunk or the call
// fails synchronously before anything is journalled.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (int64, error) {
	if err := d.registry.Refresh(ctx); err != nil {
		return 0, errtax.Wrap(errtax.Internal, err, "coord: refresh chunk registry")
	}
	missing := d.registry.MissingOwners(sub.ChunkIDs)
	if len(missing) > 0 {
		return 0, errtax.New(errtax.ConfigError, fmt.Sprintf("coord: no registered owner for chunks %v", missing))
	}

	queryID := d.nextQueryID.Add(1)
	now := d.clock.Now()

	byWorker := make(map[string][]*jobState)
	jobs := make(map[int64]*jobState, len(sub.ChunkIDs))
	var jobSeq int64
	for _, chunkID := range sub.ChunkIDs {
		jobSeq++
		workerID, _ := d.registry.Owner(chunkID)
		js := &jobState{jobID: jobSeq, chunkID: chunkID}
		jobs[js.jobID] = js
		byWorker[workerID] = append(byWorker[workerID], js)
	}

	tableEntries := make([]wire.TableEntry, len(sub.Tables))
	for i, t := range sub.Tables {
		tableEntries[i] = wire.TableEntry{Index: i, DB: t.DB, Table: t.Table}
	}

	qs := &queryState{
		queryID: queryID, rowLimit: sub.RowLimit, maxResultBytes: sub.MaxResultBytes,
		partialOK: sub.PartialTruncationAllowed, scan: sub.Scan,
		template: wire.TemplateEntry{Index: 0, Template: sub.ChunkTemplate},
		tables:   tableEntries, mergeSQL: sub.MergeSQL, resultLocation: sub.ResultLocation,
		jobs: jobs, bundles: make(map[int64]*BundleSender), status: stratoq.QueryExecuting,
		notifiedKeep: make(map[string]bool),
	}

	if err := d.store.CreateQuery(ctx, metastore.Query{
		QueryID: queryID, CoordinatorID: d.coordinatorID, UserName: sub.UserName, SQLText: sub.SQLText,
		ChunkTemplate: sub.ChunkTemplate, MergeSQL: sub.MergeSQL, ResultLocation: sub.ResultLocation,
		ChunkCount: int64(len(sub.ChunkIDs)), SubmittedAt: now,
	}); err != nil {
		return 0, err
	}
	for _, t := range sub.Tables {
		if err := d.store.AddQueryTable(ctx, queryID, t.DB, t.Table); err != nil {
			d.logger.Warn("failed to journal query table", "query_id", queryID, "error", err)
		}
	}

	d.mu.Lock()
	d.queries[queryID] = qs
	d.mu.Unlock()

	for workerID, workerJobs := range byWorker {
		for start := 0; start < len(workerJobs); start += d.bundleJobLimit {
			end := start + d.bundleJobLimit
			if end > len(workerJobs) {
				end = len(workerJobs)
			}
			d.startBundle(ctx, qs, workerID, workerJobs[start:end])
		}
	}
	return queryID, nil
}

func (d *Dispatcher) startBundle(ctx context.Context, qs *queryState, workerID string, jobs []*jobState) {
	qs.mu.Lock()
	bundleID := qs.nextBundleID + 1
	qs.nextBundleID = bundleID
	wireJobs := make([]wire.Job, len(jobs))
	for i, j := range jobs {
		j.assignedBundleID = bundleID
		j.attemptCount++
		wireJobs[i] = wire.Job{
			JobID: j.jobID, AttemptCount: j.attemptCount, ChunkID: j.chunkID,
			QueryFragments: []wire.QueryFragment{{SubQueryTemplateIndexes: []int{0}, SubChunkIDs: nil}},
		}
	}
	qs.totalBundles++
	qs.mu.Unlock()

	sender := NewBundleSender(qs.queryID, bundleID, workerID, wireJobs, []wire.TemplateEntry{qs.template}, qs.tables,
		qs.rowLimit, qs.maxResultBytes, qs.scan, wire.CzarInfo{ID: d.coordinatorID, Host: "", Port: 0}, d.instanceID,
		d, d.merger, d.httpClient, d.logger)

	qs.mu.Lock()
	qs.bundles[bundleID] = sender
	qs.mu.Unlock()

	go sender.Start(ctx)
}

// Cancel transitions a query to ABORTED, cancelling every live bundle and
// notifying their workers the result files may be deleted.
func (d *Dispatcher) Cancel(ctx context.Context, queryID int64) error {
	qs := d.lookup(queryID)
	if qs == nil {
		return errtax.New(errtax.Internal, "coord: unknown query").WithCode("not_found")
	}

	qs.mu.Lock()
	bundles := make([]*BundleSender, 0, len(qs.bundles))
	workers := make(map[string]bool)
	for _, b := range qs.bundles {
		bundles = append(bundles, b)
		workers[b.WorkerID] = true
	}
	qs.mu.Unlock()

	for _, b := range bundles {
		b.Cancel(d.peers)
	}
	for w := range workers {
		d.peers.NotifyDeleteFiles(w, queryID)
	}
	return d.finish(ctx, qs, stratoq.QueryAborted)
}

// onBundleComplete implements bundleOwner: a bundle finished merging
// successfully; if every bundle is now done the query completes.
func (d *Dispatcher) onBundleComplete(queryID, bundleID int64, rowsWritten int64) {
	qs := d.lookup(queryID)
	if qs == nil {
		return
	}

	qs.mu.Lock()
	qs.doneBundles++
	done := qs.doneBundles+qs.failedBundles >= qs.totalBundles
	capReached := qs.rowCapReached
	qs.mu.Unlock()

	d.emitProgress(qs)
	if capReached {
		return
	}
	if done {
		_ = d.finish(context.Background(), qs, stratoq.QueryCompleted)
	}
}

// onBundleFailed implements bundleOwner. A retryable error releases the
// bundle's jobs for reassignment; otherwise the query fails outright.
func (d *Dispatcher) onBundleFailed(queryID, bundleID int64, err *errtax.Error) {
	qs := d.lookup(queryID)
	if qs == nil {
		return
	}

	ctx := context.Background()
	severity := stratoq.SeverityError
	if err.Retryable() {
		severity = stratoq.SeverityInfo
	}
	if d.msgs != nil {
		_ = d.msgs.Record(ctx, queryID, 0, string(err.Kind), severity, err.Error(), d.clock.Now())
	}

	qs.mu.Lock()
	qs.failedBundles++
	var jobIDs []int64
	if b, ok := qs.bundles[bundleID]; ok {
		jobIDs = b.JobIDs()
	}
	qs.mu.Unlock()

	if !err.Retryable() {
		_ = d.finish(ctx, qs, stratoq.QueryFailed)
		return
	}

	var hardFail *jobState
	for _, jobID := range jobIDs {
		qs.mu.Lock()
		j := qs.jobs[jobID]
		qs.mu.Unlock()
		if j == nil {
			continue
		}
		if over := d.reassign(ctx, qs, j); over {
			hardFail = j
			break
		}
	}
	if hardFail != nil {
		_ = d.finish(ctx, qs, stratoq.QueryFailed)
		return
	}

	qs.mu.Lock()
	done := qs.doneBundles+qs.failedBundles >= qs.totalBundles
	qs.mu.Unlock()
	if done {
		_ = d.finish(ctx, qs, stratoq.QueryCompleted)
	}
	d.emitProgress(qs)
}

// reassign increments a job's attempt_count and, within budget, appends it
// to a fresh bundle for the chunk's current owner; past the attempt limit M
// it reports the job needs a hard failure.
func (d *Dispatcher) reassign(ctx context.Context, qs *queryState, j *jobState) (overLimit bool) {
	qs.mu.Lock()
	j.assignedBundleID = 0
	attempt := j.attemptCount
	qs.mu.Unlock()

	if attempt >= d.attemptLimit {
		if d.msgs != nil {
			_ = d.msgs.Record(ctx, qs.queryID, j.chunkID, "ATTEMPT_LIMIT_EXCEEDED", stratoq.SeverityError,
				fmt.Sprintf("job %d exceeded attempt limit %d", j.jobID, d.attemptLimit), d.clock.Now())
		}
		return true
	}

	if err := d.registry.Refresh(ctx); err != nil {
		d.logger.Warn("registry refresh failed during reassign", "error", err)
	}
	workerID, ok := d.registry.Owner(j.chunkID)
	if !ok {
		return true
	}
	d.startBundle(ctx, qs, workerID, []*jobState{j})
	return false
}

// addCollected implements mergeTarget: records merged rows/bytes and, once
// row_limit is reached, fires the "keep files, stop work" notice to every
// worker still running a bundle for this query.
func (d *Dispatcher) addCollected(queryID, bundleID, rows, bytesN int64) (capHit bool) {
	qs := d.lookup(queryID)
	if qs == nil {
		return false
	}

	qs.mu.Lock()
	qs.collectedRows += rows
	qs.collectedBytes += bytesN
	_ = d.store.UpsertProgress(context.Background(), queryID, qs.collectedRows, qs.collectedBytes, d.clock.Now())
	capHit = qs.rowLimit > 0 && qs.collectedRows >= qs.rowLimit && !qs.rowCapReached
	if capHit {
		qs.rowCapReached = true
	}
	var workers []string
	if capHit {
		for _, b := range qs.bundles {
			if b.State() == stratoq.BundleAwaitingResult || b.State() == stratoq.BundleInFlight {
				if !qs.notifiedKeep[b.WorkerID] {
					qs.notifiedKeep[b.WorkerID] = true
					workers = append(workers, b.WorkerID)
				}
			}
		}
	}
	qs.mu.Unlock()

	for _, w := range workers {
		d.peers.NotifyKeepFiles(w, queryID)
	}
	if capHit {
		status := stratoq.QueryCompleted
		if !qs.partialOK {
			status = stratoq.QueryFailedRowcap
		}
		_ = d.finish(context.Background(), qs, status)
	}
	return capHit
}

// mergeInfo implements mergeTarget. RowLimit is the budget still remaining
// against qs.rowLimit, not the static configured limit: callers must be
// holding the query's merge lock (lockQuery) so this snapshot can't go
// stale before the caller finishes spending it. Once the cap has already
// been reached the budget is pinned at zero regardless of rowLimit.
func (d *Dispatcher) mergeInfo(queryID int64) (MergeInfo, bool) {
	qs := d.lookup(queryID)
	if qs == nil {
		return MergeInfo{}, false
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()

	remaining := qs.rowLimit
	if qs.rowLimit > 0 {
		remaining = qs.rowLimit - qs.collectedRows
		if remaining < 0 {
			remaining = 0
		}
		if qs.rowCapReached {
			remaining = 0
		}
	}
	return MergeInfo{MergeSQL: qs.mergeSQL, RowLimit: remaining}, true
}

// lockQuery implements mergeTarget: acquires the per-query merge lock so
// exactly one bundle's merge runs against this query's row budget at a
// time, however many workers are finishing bundles concurrently.
func (d *Dispatcher) lockQuery(queryID int64) (unlock func(), ok bool) {
	qs := d.lookup(queryID)
	if qs == nil {
		return nil, false
	}
	qs.mergeMu.Lock()
	return qs.mergeMu.Unlock, true
}

// workerAddr implements bundleOwner by delegating to PeerManager's tracker.
func (d *Dispatcher) workerAddr(workerID string) (string, int, bool) {
	snap, ok := d.peers.Tracker.Snapshot(workerID)
	if !ok {
		return "", 0, false
	}
	return snap.Host, snap.Port, true
}

// authKeyFor implements bundleOwner.
func (d *Dispatcher) authKeyFor(workerID string) string {
	return d.authKeys[workerID]
}

// failBundlesForWorker is PeerManager's onWorkerDead callback: every bundle
// targeting a worker that just went DEAD fails locally as TRANSPORT_FAILURE.
func (d *Dispatcher) failBundlesForWorker(workerID string) {
	d.mu.Lock()
	queries := make([]*queryState, 0, len(d.queries))
	for _, qs := range d.queries {
		queries = append(queries, qs)
	}
	d.mu.Unlock()

	for _, qs := range queries {
		qs.mu.Lock()
		var affected []*BundleSender
		for _, b := range qs.bundles {
			if b.WorkerID == workerID && !b.State().Terminal() {
				affected = append(affected, b)
			}
		}
		qs.mu.Unlock()
		for _, b := range affected {
			b.failTransport(errtax.New(errtax.TransportFailure, "coord: worker "+workerID+" marked dead"))
		}
	}
}

// finish performs the single terminal transition for a query, idempotent
// against CompleteQuery's row-count consistency check — a second caller
// racing to finish the same query observes the metastore error and does
// nothing further.
func (d *Dispatcher) finish(ctx context.Context, qs *queryState, status stratoq.QueryStatus) error {
	qs.mu.Lock()
	if qs.status.Terminal() {
		qs.mu.Unlock()
		return nil
	}
	qs.status = status
	rows, bytesN := qs.collectedRows, qs.collectedBytes
	qs.mu.Unlock()

	queryStateGauge.WithLabelValues(string(status)).Inc()
	err := d.store.CompleteQuery(ctx, qs.queryID, status, d.clock.Now(), rows, bytesN, rows)
	d.emitProgress(qs)
	return err
}

func (d *Dispatcher) lookup(queryID int64) *queryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries[queryID]
}

// Progress serves GET /query-progress off in-memory state, no metastore
// round trip.
func (d *Dispatcher) Progress(queryID int64) (ProgressView, bool) {
	qs := d.lookup(queryID)
	if qs == nil {
		return ProgressView{}, false
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return ProgressView{
		QueryID: queryID, Status: qs.status, TotalBundles: qs.totalBundles, DoneBundles: qs.doneBundles,
		FailedBundles: qs.failedBundles, CollectedRows: qs.collectedRows, CollectedBytes: qs.collectedBytes,
	}, true
}

func (d *Dispatcher) emitProgress(qs *queryState) {
	qs.mu.Lock()
	v := ProgressView{
		QueryID: qs.queryID, Status: qs.status, TotalBundles: qs.totalBundles, DoneBundles: qs.doneBundles,
		FailedBundles: qs.failedBundles, CollectedRows: qs.collectedRows, CollectedBytes: qs.collectedBytes,
	}
	qs.mu.Unlock()
	for _, fn := range d.progressListeners {
		fn(v)
	}
}

package worker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/user/stratoq"
	"github.com/user/stratoq/pkg/errtax"
	"github.com/user/stratoq/pkg/peer"
	"github.com/user/stratoq/pkg/resultfile"
	"github.com/user/stratoq/pkg/wire"
)

// bundle is a worker's own bookkeeping for one accepted bundle: the Tasks it
// owns, their aggregate state, and whether a row-cap was hit by any of
// them. A bundle is owned exclusively by the BundleReceiver.
type bundle struct {
	QueryID       int64
	BundleID      int64
	CoordinatorID string

	mu           sync.Mutex
	tasks        []*Task
	done         int
	failed       *errtax.Error
	capHit       bool
	rowsWritten  int64
	bytesWritten int64
	notifiedDone bool

	sinkOnce sync.Once
	sink     *bundleSink
	sinkErr  error
}

// bundleSink serializes the bundle's concurrently running tasks into its
// single append-only result file. Tasks share one Writer; the bundle seals
// or aborts it exactly once when the last task reports in.
type bundleSink struct {
	mu sync.Mutex
	w  *resultfile.Writer
}

// WriteRow appends one row, returning the bundle-cumulative row and byte
// counts the caller checks its caps against.
func (s *bundleSink) WriteRow(row resultfile.Row) (rows, bytesWritten int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.WriteRow(row)
}

// Totals reports the cumulative row and byte counts written so far.
func (s *bundleSink) Totals() (rows, bytesWritten int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Rows(), s.w.Bytes()
}

// resultSink lazily opens the bundle's shared result file on first use, so a
// bundle whose every task fails before producing a row never creates one.
func (b *bundle) resultSink(deps TaskRunnerDeps) (*bundleSink, error) {
	b.sinkOnce.Do(func() {
		base := resultfile.Path(deps.ResultDir, b.CoordinatorID, b.QueryID, b.BundleID)
		w, err := resultfile.NewWriter(base, deps.Compress)
		if err != nil {
			b.sinkErr = err
			return
		}
		b.sink = &bundleSink{w: w}
	})
	return b.sink, b.sinkErr
}

// sealSink renames the result file to its ready name and records the
// authoritative row/byte totals on the bundle.
func (b *bundle) sealSink() error {
	if b.sink == nil {
		return nil
	}
	b.sink.mu.Lock()
	_, err := b.sink.w.Close()
	rows, bytesN := b.sink.w.Rows(), b.sink.w.Bytes()
	b.sink.mu.Unlock()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.rowsWritten = rows
	b.bytesWritten = bytesN
	b.mu.Unlock()
	return nil
}

// abortSink discards the writing-state file of a bundle that failed or was
// abandoned before sealing.
func (b *bundle) abortSink() {
	if b.sink == nil {
		return
	}
	b.sink.mu.Lock()
	_ = b.sink.w.Abort()
	b.sink.mu.Unlock()
}

// onTaskDone folds one task's outcome into the bundle's aggregate result,
// reporting true once every task has finished.
func (b *bundle) onTaskDone(rows, bytesN int64, capHit bool, err *errtax.Error) (complete bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done++
	b.rowsWritten += rows
	b.bytesWritten += bytesN
	if capHit {
		b.capHit = true
	}
	if err != nil && b.failed == nil {
		b.failed = err
	}
	return b.done >= len(b.tasks)
}

// Receiver is BundleReceiver: accepts bundles over POST /queryjob,
// validates and deduplicates them, resolves fragments, and feeds the
// resulting Tasks into the priority queue that Runners drain.
type Receiver struct {
	peers      *PeerManager
	queue      *taskQueue
	seen       *seenBundles
	logger     stratoq.Logger
	selfWorker string

	mu      sync.Mutex
	bundles map[bundleKey]*bundle

	notifyReady func(b *bundle, fileURL string)
	notifyError func(b *bundle, code, msg string)
}

// NewReceiver builds a BundleReceiver; duplicateWindow bounds how long a
// (query_id, bundle_id) pair is remembered for idempotent-duplicate
// detection.
func NewReceiver(peers *PeerManager, selfWorker string, duplicateWindow time.Duration, logger stratoq.Logger) *Receiver {
	r := &Receiver{
		peers: peers, queue: newTaskQueue(), seen: newSeenBundles(duplicateWindow),
		logger: logger, selfWorker: selfWorker, bundles: make(map[bundleKey]*bundle),
	}
	peers.OnCoordinatorDead(r.abandonForCoordinator)
	return r
}

// Queue exposes the task queue for Runners to drain.
func (r *Receiver) Queue() *taskQueue { return r.queue }

// OnTaskReady wires the callback fired when a bundle's last task completes,
// ready to notify the coordinator (wired to the HTTP client in main.go).
func (r *Receiver) OnTaskReady(fn func(b *bundle, fileURL string)) { r.notifyReady = fn }

// OnTaskError wires the callback fired when a bundle fails.
func (r *Receiver) OnTaskError(fn func(b *bundle, code, msg string)) { r.notifyError = fn }

// Accept handles one POST /queryjob body. It validates the envelope
// and bundle contents, rejects on protocol/worker-id mismatch or a dead
// coordinator (auth is checked by the HTTP handler before Accept runs), replies idempotently to a duplicate, and otherwise spawns and
// enqueues the bundle's Tasks.
func (r *Receiver) Accept(req wire.BundleRequest) wire.Response {
	if !wire.SupportedVersion(req.Version) {
		return wire.Fail("worker: unsupported protocol version", nil)
	}
	if req.Worker != r.selfWorker {
		return wire.Fail(fmt.Sprintf("worker: bundle addressed to %q, this worker is %q", req.Worker, r.selfWorker), nil)
	}
	if err := req.Validate(); err != nil {
		return wire.Fail("worker: "+err.Error(), map[string]any{"retryable": false})
	}

	queryID, bundleID := req.QueryID.Int(), req.UberJobID.Int()

	// Touch records the contact either way; the liveness the coordinator
	// had BEFORE this request decides acceptance, so a bundle posted by a
	// coordinator this worker believes dead is refused until a status
	// exchange has resynchronised the two sides.
	if prev := r.peers.Touch(req.CzarInfo.ID, req.CzarInfo.Host, req.CzarInfo.Port, req.CzarInfo.StartupEpoch.Int()); prev == peer.Dead {
		bundlesAcceptedTotal.WithLabelValues("dead_coordinator").Inc()
		return wire.Fail("worker: coordinator is marked dead", map[string]any{"retryable": true})
	}

	if r.seen.CheckAndMark(queryID, bundleID) {
		bundlesAcceptedTotal.WithLabelValues("duplicate").Inc()
		return wire.OKWithNote("duplicate bundle, already accepted")
	}

	tasks := make([]*Task, 0, len(req.Jobs))
	for _, job := range req.Jobs {
		fragments := make([]ResolvedFragment, 0, len(job.QueryFragments))
		for _, frag := range job.QueryFragments {
			sqlText, ferr := resolveFragment(&req, frag)
			if ferr != nil {
				bundlesAcceptedTotal.WithLabelValues("rejected").Inc()
				return wire.Fail("worker: "+ferr.Error(), map[string]any{"retryable": false})
			}
			fragments = append(fragments, ResolvedFragment{SQL: sqlText})
		}
		tasks = append(tasks, newTask(queryID, bundleID, job.JobID, job.ChunkID, fragments,
			req.RowLimit.Int(), req.MaxTableSizeMB.Int()<<20))
	}

	b := &bundle{QueryID: queryID, BundleID: bundleID, CoordinatorID: req.CzarInfo.ID, tasks: tasks}
	key := bundleKey{queryID, bundleID}
	r.mu.Lock()
	r.bundles[key] = b
	r.mu.Unlock()

	scan := req.Scan()
	for _, t := range tasks {
		r.queue.Enqueue(t, scan.Interactive)
	}

	bundlesAcceptedTotal.WithLabelValues("accepted").Inc()
	return wire.OK()
}

// complete is invoked by a Runner goroutine after RunTask returns; once every
// task in the bundle has reported in, the bundle notifies the coordinator
// exactly once.
func (r *Receiver) complete(queryID, bundleID, rows, bytesN int64, capHit bool, taskErr *errtax.Error, fileURL string) {
	r.mu.Lock()
	b, ok := r.bundles[bundleKey{queryID, bundleID}]
	r.mu.Unlock()
	if !ok {
		return
	}

	if !b.onTaskDone(rows, bytesN, capHit, taskErr) {
		return
	}

	b.mu.Lock()
	alreadyNotified := b.notifiedDone
	b.notifiedDone = true
	failed := b.failed
	b.mu.Unlock()
	if alreadyNotified {
		return
	}

	if failed != nil {
		b.abortSink()
		if r.notifyError != nil {
			r.notifyError(b, failed.Code, failed.Message)
		}
		return
	}
	if err := b.sealSink(); err != nil {
		r.logger.Error("worker: failed to seal result file", "query_id", b.QueryID, "bundle_id", b.BundleID, "error", err)
		if r.notifyError != nil {
			r.notifyError(b, "", "worker: close result file: "+err.Error())
		}
		return
	}
	if r.notifyReady != nil {
		r.notifyReady(b, fileURL)
	}
}

// abandonForCoordinator drops every bundle whose coordinator has just been
// marked DEAD and cancels its running tasks; its still-queued tasks are
// skipped by the Runner once the bundle is gone. No reassignment can happen
// on the worker side and the coordinator will not be listening for a result.
func (r *Receiver) abandonForCoordinator(coordinatorID string) {
	r.mu.Lock()
	var victims []*bundle
	for key, b := range r.bundles {
		if b.CoordinatorID == coordinatorID {
			victims = append(victims, b)
			delete(r.bundles, key)
		}
	}
	r.mu.Unlock()

	for _, b := range victims {
		b.mu.Lock()
		tasks := append([]*Task(nil), b.tasks...)
		b.mu.Unlock()
		for _, t := range tasks {
			if t.State() == stratoq.TaskRunning {
				t.Cancel()
			}
		}
		r.logger.Warn("worker: abandoned bundle for dead coordinator", "coordinator_id", coordinatorID, "query_id", b.QueryID, "bundle_id", b.BundleID)
	}
}

// resolveFragment expands one fragment's subquery template and (db, table)
// indices against the bundle's interned maps, substituting sub-chunk ids
// into the resolved template in order. BundleRequest.Validate
// already confirmed every index is present.
func resolveFragment(req *wire.BundleRequest, frag wire.QueryFragment) (string, *errtax.Error) {
	if len(frag.SubQueryTemplateIndexes) == 0 {
		return "", errtax.New(errtax.InvalidProtocol, "fragment carries no subquery template index")
	}

	var sb strings.Builder
	for i, idx := range frag.SubQueryTemplateIndexes {
		tmpl, ok := req.TemplateFor(idx)
		if !ok {
			return "", errtax.New(errtax.InvalidProtocol, fmt.Sprintf("subquery template index %d not present", idx))
		}
		if i > 0 {
			sb.WriteString(" UNION ALL ")
		}
		sb.WriteString(substituteSubChunks(tmpl, frag.SubChunkIDs))
	}

	for _, idx := range frag.DBTablesIndexes {
		if _, ok := req.TableFor(idx); !ok {
			return "", errtax.New(errtax.InvalidProtocol, fmt.Sprintf("db/table index %d not present", idx))
		}
	}

	return sb.String(), nil
}

// substituteSubChunks expands the %SUBCHUNK% placeholder in a fragment
// template with each sub-chunk id in turn, one statement per sub-chunk,
// joined so the fragment still executes as a single query.
func substituteSubChunks(tmpl string, subChunkIDs []int64) string {
	if len(subChunkIDs) == 0 || !strings.Contains(tmpl, "%SUBCHUNK%") {
		return tmpl
	}
	parts := make([]string, 0, len(subChunkIDs))
	for _, id := range subChunkIDs {
		parts = append(parts, strings.ReplaceAll(tmpl, "%SUBCHUNK%", fmt.Sprintf("%d", id)))
	}
	return strings.Join(parts, " UNION ALL ")
}

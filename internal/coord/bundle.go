package coord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/user/stratoq"
	"github.com/user/stratoq/pkg/errtax"
	"github.com/user/stratoq/pkg/wire"
)

// bundleOwner is the subset of Dispatcher a BundleSender calls back into;
// expressed as an interface so BundleSender's tests can supply a fake
// without constructing a full Dispatcher.
type bundleOwner interface {
	onBundleComplete(queryID, bundleID int64, rowsWritten int64)
	onBundleFailed(queryID, bundleID int64, err *errtax.Error)
	workerAddr(workerID string) (host string, port int, ok bool)
	authKeyFor(workerID string) string
}

// BundleSender drives one bundle through its lifetime on the
// coordinator. There is exactly one BundleSender per live bundle.
type BundleSender struct {
	QueryID        int64
	BundleID       int64
	WorkerID       string
	RowLimit       int64
	MaxResultBytes int64
	Scan           wire.ScanInfo

	mu             sync.Mutex
	state          stratoq.BundleState
	resultHandled  bool
	jobs           []wire.Job
	templates      []wire.TemplateEntry
	tables         []wire.TableEntry

	owner      bundleOwner
	merger     resultEnqueuer
	httpClient *http.Client
	logger     stratoq.Logger
	instanceID string
	czarInfo   wire.CzarInfo
}

// resultEnqueuer is the narrow slice of ResultMerger a BundleSender needs:
// handing off a ready file for pulling and merging. Expressed as an
// interface so BundleSender's tests can supply a fake merger.
type resultEnqueuer interface {
	Enqueue(b *BundleSender, url string, rowCount, byteCount int64)
}

// NewBundleSender constructs a sender for one bundle, CREATED state.
func NewBundleSender(queryID, bundleID int64, workerID string, jobs []wire.Job, templates []wire.TemplateEntry, tables []wire.TableEntry,
	rowLimit, maxResultBytes int64, scan wire.ScanInfo, czar wire.CzarInfo, instanceID string,
	owner bundleOwner, merger resultEnqueuer, httpClient *http.Client, logger stratoq.Logger) *BundleSender {
	return &BundleSender{
		QueryID: queryID, BundleID: bundleID, WorkerID: workerID,
		RowLimit: rowLimit, MaxResultBytes: maxResultBytes, Scan: scan,
		state: stratoq.BundleCreated, jobs: jobs, templates: templates, tables: tables,
		czarInfo: czar, instanceID: instanceID,
		owner: owner, merger: merger, httpClient: httpClient, logger: logger,
	}
}

// State reports the sender's current lifecycle state.
func (b *BundleSender) State() stratoq.BundleState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState performs a transition, refusing to leave a terminal state:
// exactly one terminal state is ever reached, and never twice.
func (b *BundleSender) setState(next stratoq.BundleState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return false
	}
	b.state = next
	return true
}

func (b *BundleSender) request() wire.BundleRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return wire.BundleRequest{
		Envelope: wire.Envelope{
			Version:    wire.MaxProtocolVersion,
			InstanceID: b.instanceID,
			AuthKey:    b.owner.authKeyFor(b.WorkerID),
		},
		Worker:          b.WorkerID,
		QueryID:         wire.FlexInt(b.QueryID),
		UberJobID:       wire.FlexInt(b.BundleID),
		RowLimit:        wire.FlexInt(b.RowLimit),
		MaxTableSizeMB:  wire.FlexInt(b.MaxResultBytes / (1 << 20)),
		CzarInfo:        b.czarInfo,
		ScanInteractive: b.Scan.Interactive,
		ScanTables:      b.Scan.Tables,
		SubqueriesMap:   b.templates,
		DBTablesMap:     b.tables,
		Jobs:            b.jobs,
	}
}

// Start serializes the bundle, POSTs it to the target worker, and transitions
// CREATED -> IN_FLIGHT -> AWAITING_RESULT on success. A reply with
// success != 1 moves IN_FLIGHT -> FAILED_WORKER (WORKER_REJECTED_BUNDLE);
// any other failure moves IN_FLIGHT -> FAILED_TRANSPORT. Either failure is
// reported to the owner, which decides on reassignment.
func (b *BundleSender) Start(ctx context.Context) {
	if !b.setState(stratoq.BundleInFlight) {
		return
	}

	host, port, ok := b.owner.workerAddr(b.WorkerID)
	if !ok {
		b.failTransport(errtax.New(errtax.TransportFailure, "coord: no known address for worker "+b.WorkerID))
		return
	}

	body, err := json.Marshal(b.request())
	if err != nil {
		b.failTransport(errtax.Wrap(errtax.Internal, err, "coord: marshal bundle"))
		return
	}

	url := fmt.Sprintf("http://%s:%d/queryjob", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		b.failTransport(errtax.Wrap(errtax.TransportFailure, err, "coord: build bundle request"))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.failTransport(errtax.Wrap(errtax.TransportFailure, err, "coord: POST /queryjob"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b.failTransport(errtax.New(errtax.TransportFailure, fmt.Sprintf("coord: worker returned HTTP %d", resp.StatusCode)))
		return
	}

	var wireResp wire.Response
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		b.failTransport(errtax.Wrap(errtax.TransportFailure, err, "coord: decode bundle accept response"))
		return
	}
	if wireResp.Success != 1 {
		b.onWorkerErrorLocked(wireResp)
		return
	}

	b.setState(stratoq.BundleAwaitingResult)
	bundleStateGauge.WithLabelValues(string(stratoq.BundleAwaitingResult)).Inc()
}

func (b *BundleSender) failTransport(err *errtax.Error) {
	if !b.setState(stratoq.BundleFailedTransport) {
		return
	}
	bundleStateGauge.WithLabelValues(string(stratoq.BundleFailedTransport)).Inc()
	b.owner.onBundleFailed(b.QueryID, b.BundleID, err)
}

func (b *BundleSender) onWorkerErrorLocked(resp wire.Response) {
	kind := errtax.WorkerRejectedBundle
	e := errtax.New(kind, resp.Error)
	if resp.IsRetryableExt() {
		e = e.WithRecovery(errtax.Retryable)
	} else {
		e = e.WithRecovery(errtax.NonRetryable)
	}
	if !b.setState(stratoq.BundleFailedWorker) {
		return
	}
	bundleStateGauge.WithLabelValues(string(stratoq.BundleFailedWorker)).Inc()
	b.owner.onBundleFailed(b.QueryID, b.BundleID, e)
}

// OnResultReady handles the worker's "queryjob-ready" callback. A
// duplicate notification for a bundle already past AWAITING_RESULT is
// acknowledged but produces no new merge work. A notification arriving after cancellation is acknowledged
// with an "abandoned" note so the worker deletes its file.
func (b *BundleSender) OnResultReady(url string, rowCount, byteCount int64) wire.Response {
	b.mu.Lock()
	if b.state == stratoq.BundleCancelled {
		b.mu.Unlock()
		return wire.OKWithNote("abandoned")
	}
	if b.resultHandled {
		b.mu.Unlock()
		return wire.OKWithNote("queued for collection")
	}
	if b.state != stratoq.BundleAwaitingResult {
		b.mu.Unlock()
		return wire.Fail("coord: bundle not awaiting a result", nil)
	}
	b.resultHandled = true
	b.state = stratoq.BundleFetching
	b.mu.Unlock()

	bundleStateGauge.WithLabelValues(string(stratoq.BundleFetching)).Inc()
	b.merger.Enqueue(b, url, rowCount, byteCount)
	return wire.OK()
}

// OnMergeDone transitions to DONE and notifies the owning dispatcher.
func (b *BundleSender) OnMergeDone(rowsWritten int64) {
	if !b.setState(stratoq.BundleDone) {
		return
	}
	bundleStateGauge.WithLabelValues(string(stratoq.BundleDone)).Inc()
	b.owner.onBundleComplete(b.QueryID, b.BundleID, rowsWritten)
}

// OnMergeFailed transitions to FAILED_MERGE; jobs are released for
// reassignment unless reason is RESULT_TOO_BIG.
func (b *BundleSender) OnMergeFailed(reason *errtax.Error) {
	if !b.setState(stratoq.BundleFailedMerge) {
		return
	}
	bundleStateGauge.WithLabelValues(string(stratoq.BundleFailedMerge)).Inc()
	b.owner.onBundleFailed(b.QueryID, b.BundleID, reason)
}

// OnWorkerError handles the worker's "queryjob-error" callback:
// classify via ErrorTaxonomy, then release jobs (recoverable) or fail the
// query (non-recoverable).
func (b *BundleSender) OnWorkerError(code, text string) {
	kind := errtax.WorkerExecutionError
	e := errtax.New(kind, text).WithCode(code)
	if !b.setState(stratoq.BundleFailedWorker) {
		return
	}
	bundleStateGauge.WithLabelValues(string(stratoq.BundleFailedWorker)).Inc()
	b.owner.onBundleFailed(b.QueryID, b.BundleID, e)
}

// Cancel transitions to CANCELLED, enqueues a "dead bundle" notice on the
// target worker's peer record, and releases jobs — they will not be
// reassigned because the owning query is itself terminating.
func (b *BundleSender) Cancel(peers *PeerManager) {
	if !b.setState(stratoq.BundleCancelled) {
		return
	}
	bundleStateGauge.WithLabelValues(string(stratoq.BundleCancelled)).Inc()
	if peers != nil {
		peers.NotifyDeadBundle(b.WorkerID, b.QueryID, b.BundleID)
	}
}

// JobIDs returns the job ids this bundle carries, used by the dispatcher to
// release them back to the pool on failure.
func (b *BundleSender) JobIDs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int64, len(b.jobs))
	for i, j := range b.jobs {
		ids[i] = j.JobID
	}
	return ids
}

package worker

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"

	"github.com/user/stratoq"
	"github.com/user/stratoq/pkg/errtax"
	"github.com/user/stratoq/pkg/resultfile"
)

// ResolvedFragment is one QueryFragment after BundleReceiver has resolved its
// template and table indices and substituted sub-chunk ids, so TaskRunner
// never has to look back at the bundle's interned maps.
type ResolvedFragment struct {
	SQL string
}

// Task is one chunk fragment's execution against the local MySQL
// instance. A Task is owned exclusively by the Bundle that spawned it.
type Task struct {
	QueryID   int64
	BundleID  int64
	JobID     int64
	ChunkID   int64
	Fragments []ResolvedFragment

	// RowLimit and MaxResultBytes carry the bundle's own row/byte cap;
	// zero means "no per-query cap", in which case RunTask falls back to
	// the worker process's configured ceiling.
	RowLimit       int64
	MaxResultBytes int64

	mu     sync.Mutex
	state  stratoq.TaskState
	cancel context.CancelFunc
}

func newTask(queryID, bundleID, jobID, chunkID int64, fragments []ResolvedFragment, rowLimit, maxResultBytes int64) *Task {
	return &Task{
		QueryID: queryID, BundleID: bundleID, JobID: jobID, ChunkID: chunkID, Fragments: fragments,
		RowLimit: rowLimit, MaxResultBytes: maxResultBytes, state: stratoq.TaskQueued,
	}
}

func (t *Task) State() stratoq.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s stratoq.TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	taskStateGauge.WithLabelValues(string(s)).Inc()
}

// Cancel aborts a running task at its next MySQL suspension point.
func (t *Task) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// priorityItem is one queued Task plus the heap bookkeeping scan priority
// needs; interactive scans preempt batch scans, and within the same
// priority class FIFO order is preserved via a monotonic sequence number.
type priorityItem struct {
	task        *Task
	interactive bool
	seq         int64
	index       int
}

// taskQueue is a container/heap priority queue keyed by scan profile: an
// interactive item always sorts before a batch item, and ties break FIFO.
type taskQueue struct {
	mu    sync.Mutex
	items []*priorityItem
	seq   int64
	ready chan struct{}
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{ready: make(chan struct{}, 1)}
	heap.Init(q)
	return q
}

func (q *taskQueue) Len() int { return len(q.items) }

func (q *taskQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.interactive != b.interactive {
		return a.interactive
	}
	return a.seq < b.seq
}

func (q *taskQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *taskQueue) Push(x any) {
	item := x.(*priorityItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *taskQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// Enqueue adds a task under the given scan profile and wakes one waiter.
func (q *taskQueue) Enqueue(t *Task, interactive bool) {
	q.mu.Lock()
	q.seq++
	heap.Push(q, &priorityItem{task: t, interactive: interactive, seq: q.seq})
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a task is available or ctx is cancelled.
func (q *taskQueue) Dequeue(ctx context.Context) (*Task, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := heap.Pop(q).(*priorityItem)
			q.mu.Unlock()
			return item.task, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.ready:
		}
	}
}

// TaskRunnerDeps is the narrow set of collaborators a TaskRunner needs to
// execute one task, kept as a struct rather than individual constructor
// params since every field is required.
type TaskRunnerDeps struct {
	DB             *sql.DB
	ResultDir      string
	CoordinatorID  string
	Compress       bool
	RowLimit       int64
	MaxResultBytes int64
	Logger         stratoq.Logger
}

// RunTask executes one task's fragments against MySQL and streams rows into
// the bundle's shared result sink, returning the rows this task contributed,
// the bundle's cumulative byte count, and whether the bundle's row or byte
// cap was hit before every fragment finished. The sink is shared by every
// task of the bundle and sealed by the bundle, not here.
func RunTask(ctx context.Context, t *Task, deps TaskRunnerDeps, sink *bundleSink) (rowsWritten, bytesWritten int64, capHit bool, taskErr *errtax.Error) {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	t.setState(stratoq.TaskRunning)

	var rows int64
	for _, frag := range t.Fragments {
		n, hit, rerr := runFragment(runCtx, t, frag, sink, deps, rows)
		rows = n
		if rerr != nil {
			t.setState(stratoq.TaskFailed)
			_, bytesN := sink.Totals()
			return rows, bytesN, false, rerr
		}
		if hit {
			capHit = true
			break
		}
	}

	t.setState(stratoq.TaskComplete)
	workerRowsWrittenTotal.Add(float64(rows))
	if capHit {
		workerRowcapHitsTotal.WithLabelValues(strconv.FormatInt(t.QueryID, 10)).Inc()
	}
	_, bytesN := sink.Totals()
	return rows, bytesN, capHit, nil
}

// runFragment streams one resolved fragment's rows into the bundle sink,
// carrying this task's row count across fragments via priorRows. Cap checks
// run against the sink's bundle-cumulative totals, since the caps are
// bundle-scoped.
func runFragment(ctx context.Context, t *Task, frag ResolvedFragment, sink *bundleSink, deps TaskRunnerDeps, priorRows int64) (rows int64, capHit bool, taskErr *errtax.Error) {
	rowsQuery, qerr := deps.DB.QueryContext(ctx, frag.SQL)
	if qerr != nil {
		if ctx.Err() != nil {
			t.setState(stratoq.TaskCancelled)
			return priorRows, false, errtax.New(errtax.Cancelled, "worker: task cancelled before scan")
		}
		return priorRows, false, classifyMySQLError(qerr)
	}
	defer rowsQuery.Close()

	cols, cerr := rowsQuery.Columns()
	if cerr != nil {
		return priorRows, false, classifyMySQLError(cerr)
	}

	rows = priorRows
	for rowsQuery.Next() {
		select {
		case <-ctx.Done():
			t.setState(stratoq.TaskCancelled)
			return rows, false, errtax.New(errtax.Cancelled, "worker: task cancelled mid-scan")
		default:
		}

		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if serr := rowsQuery.Scan(ptrs...); serr != nil {
			return rows, false, classifyMySQLError(serr)
		}

		totalRows, totalBytes, werr := sink.WriteRow(resultfile.Row{Values: values})
		if werr != nil {
			return rows, false, errtax.Wrap(errtax.WorkerExecutionError, werr, "worker: write result row")
		}
		rows++

		rowLimit := t.RowLimit
		if rowLimit <= 0 {
			rowLimit = deps.RowLimit
		}
		maxBytes := t.MaxResultBytes
		if maxBytes <= 0 {
			maxBytes = deps.MaxResultBytes
		}
		if rowLimit > 0 && totalRows >= rowLimit {
			return rows, true, nil
		}
		if maxBytes > 0 && totalBytes >= maxBytes {
			return rows, true, nil
		}
	}
	if ierr := rowsQuery.Err(); ierr != nil {
		return rows, false, classifyMySQLError(ierr)
	}
	return rows, false, nil
}

// classifyMySQLError captures the errno/message pair from a MySQL driver
// error and returns it as a WORKER_EXECUTION_ERROR.
func classifyMySQLError(err error) *errtax.Error {
	var code string
	var myErr *mysql.MySQLError
	if e, ok := err.(*mysql.MySQLError); ok {
		myErr = e
	}
	if myErr != nil {
		code = fmt.Sprintf("%d", myErr.Number)
		return errtax.Wrap(errtax.WorkerExecutionError, err, strings.TrimSuffix(myErr.Message, "\n")).WithCode(code)
	}
	return errtax.Wrap(errtax.WorkerExecutionError, err, "worker: mysql error")
}

package worker

import (
	"context"
	"sync"

	"github.com/user/stratoq"
	"github.com/user/stratoq/pkg/errtax"
)

// Runner drains a Receiver's task queue with a fixed-size pool of
// goroutines, executing each Task via RunTask and folding the outcome back
// into its owning bundle.
type Runner struct {
	receiver *Receiver
	deps     TaskRunnerDeps
	resultFn func(coordinatorID string, queryID, bundleID int64) string
	logger   stratoq.Logger

	wg sync.WaitGroup
}

// NewRunner builds a Runner; resultFn derives the file URL to report back to
// the coordinator once a bundle completes (wired to ResultFileServer.URLFor
// plus the worker's published host:port in main.go).
func NewRunner(receiver *Receiver, deps TaskRunnerDeps, resultFn func(coordinatorID string, queryID, bundleID int64) string) *Runner {
	return &Runner{receiver: receiver, deps: deps, resultFn: resultFn, logger: deps.Logger}
}

// Start launches n worker goroutines draining the task queue until ctx is
// cancelled.
func (r *Runner) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		r.wg.Add(1)
		go r.loop(ctx)
	}
}

// Wait blocks until every worker goroutine has returned, used for graceful
// shutdown.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		task, ok := r.receiver.Queue().Dequeue(ctx)
		if !ok {
			return
		}
		r.runOne(ctx, task)
	}
}

func (r *Runner) runOne(ctx context.Context, t *Task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("worker: task runner panicked", "recover", rec, "query_id", t.QueryID, "bundle_id", t.BundleID)
		}
	}()

	r.receiver.mu.Lock()
	b, ok := r.receiver.bundles[bundleKey{t.QueryID, t.BundleID}]
	r.receiver.mu.Unlock()
	if !ok {
		// The bundle was abandoned while this task sat queued.
		return
	}

	sink, serr := b.resultSink(r.deps)
	if serr != nil {
		r.receiver.complete(t.QueryID, t.BundleID, 0, 0, false,
			errtax.Wrap(errtax.WorkerExecutionError, serr, "worker: open result file"), "")
		return
	}

	rows, bytesN, capHit, err := RunTask(ctx, t, r.deps, sink)

	var fileURL string
	if err == nil {
		fileURL = r.resultFn(b.CoordinatorID, t.QueryID, t.BundleID)
	}
	r.receiver.complete(t.QueryID, t.BundleID, rows, bytesN, capHit, err, fileURL)
}

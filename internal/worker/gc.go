package worker

import (
	"context"
	"time"

	"github.com/user/stratoq"
)

// GarbageCollector is the worker's reclamation loop: a single periodic sweep reaping
// orphaned temporary files and result files past their retention window,
// independent of whatever the coordinator believes it has reclaimed.
type GarbageCollector struct {
	results       *ResultFileServer
	logger        stratoq.Logger
	sweepInterval time.Duration
	writingMaxAge time.Duration
	readyMaxAge   time.Duration
}

// NewGarbageCollector builds the worker-side GC. writingMaxAge bounds how
// long a crashed TaskRunner's partial file survives; readyMaxAge bounds how
// long a ready file survives if the coordinator never acknowledges it.
func NewGarbageCollector(results *ResultFileServer, logger stratoq.Logger, sweepInterval, writingMaxAge, readyMaxAge time.Duration) *GarbageCollector {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if writingMaxAge <= 0 {
		writingMaxAge = time.Hour
	}
	if readyMaxAge <= 0 {
		readyMaxAge = 24 * time.Hour
	}
	return &GarbageCollector{
		results: results, logger: logger,
		sweepInterval: sweepInterval, writingMaxAge: writingMaxAge, readyMaxAge: readyMaxAge,
	}
}

// Run drives the sweep on a ticker until ctx is cancelled, tolerating
// transient storage errors by logging and continuing.
func (g *GarbageCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *GarbageCollector) sweep() {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("worker: gc sweep panicked", "recover", r)
		}
	}()
	workerGCSweepsTotal.Inc()
	g.results.SweepStaleWriting(g.writingMaxAge)
	g.results.SweepExpiredReady(g.readyMaxAge)
}

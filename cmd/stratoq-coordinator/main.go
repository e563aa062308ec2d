// Command stratoq-coordinator runs the coordinator side of the control
// plane: QueryDispatcher, the coordinator's PeerTracker, ResultMerger,
// GarbageCollector, and the HTTP API the worker fleet and stratoqctl talk
// to.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/stratoq"
	"github.com/user/stratoq/internal/config"
	"github.com/user/stratoq/internal/coord"
	"github.com/user/stratoq/internal/metastore"
	"github.com/user/stratoq/internal/msgstore"
	"github.com/user/stratoq/pkg/authtoken"
	"github.com/user/stratoq/pkg/logging"
	"github.com/user/stratoq/pkg/wire"
)

func main() {
	configPath := flag.String("config", "coordinator.yaml", "path to coordinator config YAML")
	flag.Parse()

	if v := os.Getenv("STRATOQ_COORDINATOR_CONFIG"); v != "" && *configPath == "coordinator.yaml" {
		*configPath = v
	}

	cfg, err := config.LoadCoordinatorConfig(*configPath)
	if err != nil {
		log.Fatalf("stratoq-coordinator: load config: %v", err)
	}

	logger := logging.NewStderr("coordinator")

	db, err := metastore.Open(cfg.Metastore.Driver, cfg.Metastore.DSN)
	if err != nil {
		log.Fatalf("stratoq-coordinator: open metastore: %v", err)
	}
	defer db.Close()

	store := metastore.New(db, cfg.Metastore.Driver)
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatalf("stratoq-coordinator: init metastore: %v", err)
	}

	msgs := msgstore.New(db)
	if err := msgs.Init(ctx); err != nil {
		log.Fatalf("stratoq-coordinator: init msgstore: %v", err)
	}

	startupEpoch := time.Now().UnixMilli()
	abortedQueries, err := store.RecoverStartup(ctx, cfg.CoordinatorID, startupEpoch, time.Now())
	if err != nil {
		log.Fatalf("stratoq-coordinator: startup recovery: %v", err)
	}
	if len(abortedQueries) > 0 {
		logger.Warn("coordinator: aborted stale queries from a previous run", "count", len(abortedQueries))
	}

	registry := coord.NewChunkRegistry(store)
	if err := registry.Refresh(ctx); err != nil {
		logger.Warn("coordinator: initial chunk registry refresh failed", "error", err)
	}

	peers := coord.NewPeerManager(store, logger, cfg.CoordinatorID, cfg.Listen.Host, cfg.Listen.Port, startupEpoch)
	if err := peers.SeedFromStore(ctx); err != nil {
		logger.Warn("coordinator: seed peers from metastore failed", "error", err)
	}

	authKeys := make(map[string]string, len(cfg.Workers))
	for _, w := range cfg.Workers {
		authKeys[w.WorkerID] = w.AuthKey
		peers.Tracker.Seed(w.WorkerID, w.Host, w.Port, 0, time.Time{})
	}

	httpClient := &http.Client{Timeout: cfg.Peer.HTTPTimeout}
	instanceID := coord.NewInstanceID()

	dispatcher := coord.NewDispatcher(store, msgs, registry, peers, httpClient, logger, instanceID, cfg.CoordinatorID,
		stratoq.RealClock{}, authKeys, cfg.Dispatch.BundleJobLimit, cfg.Dispatch.AttemptLimit)

	merger := coord.NewResultMerger(dispatcher, db, httpClient, logger,
		cfg.Merge.ConcurrentPullsPerWorker, cfg.Merge.MaxRetries, cfg.Merge.BackoffBase, cfg.Merge.BackoffMax, cfg.Merge.RateLimitPerSec)
	dispatcher.SetMerger(merger)

	gcCtx, cancelGC := context.WithCancel(context.Background())
	defer cancelGC()
	gc := coord.NewGarbageCollector(store, db, cfg.Metastore.Driver, peers, msgs, logger, stratoq.RealClock{},
		time.Duration(cfg.GC.AsyncRetentionSec)*time.Second, time.Duration(cfg.GC.HardRetentionSec)*time.Second)
	go gc.Run(gcCtx)

	adminIssuer := authtoken.NewAdminIssuer(cfg.Auth.AdminSecret, cfg.Auth.AdminTTL)
	server := coord.NewServer(dispatcher, peers, adminIssuer, cfg, logger)

	exchangeCtx, cancelExchange := context.WithCancel(context.Background())
	defer cancelExchange()
	go runStatusExchangeLoop(exchangeCtx, peers, httpClient, logger, instanceID, cfg.Peer.ExchangeInterval, authKeys)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go runLivenessSweep(sweepCtx, peers, cfg.Peer.ExchangeInterval)

	httpServer := &http.Server{
		Addr:    cfg.Listen.Addr(),
		Handler: server.Mux(),
	}

	go func() {
		logger.Info("coordinator: listening", "addr", cfg.Listen.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("coordinator: http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("coordinator: received signal, shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator: http server shutdown error", "error", err)
	}
}

// runStatusExchangeLoop drives the periodic status exchange against
// every worker the PeerManager currently knows about, POSTing /workerstatus
// and applying the worker's ack back into the tracker's notice queues.
func runStatusExchangeLoop(ctx context.Context, peers *coord.PeerManager, httpClient *http.Client, logger stratoq.Logger,
	instanceID string, interval time.Duration, authKeys map[string]string) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, workerID := range peers.Tracker.Keys() {
				exchangeOne(ctx, peers, httpClient, logger, instanceID, workerID, authKeys[workerID])
			}
		}
	}
}

func exchangeOne(ctx context.Context, peers *coord.PeerManager, httpClient *http.Client, logger stratoq.Logger,
	instanceID, workerID, authKey string) {
	snap, ok := peers.Tracker.Snapshot(workerID)
	if !ok || snap.Host == "" {
		return
	}
	body := peers.BuildExchange(workerID, authKey, instanceID)
	url := fmt.Sprintf("http://%s:%d/workerstatus", snap.Host, snap.Port)

	payload, err := json.Marshal(body)
	if err != nil {
		logger.Warn("coordinator: marshal status exchange failed", "worker_id", workerID, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		logger.Warn("coordinator: build status exchange request failed", "worker_id", workerID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		logger.Warn("coordinator: status exchange failed", "worker_id", workerID, "error", err)
		return
	}
	defer resp.Body.Close()

	var ack wire.StatusExchangeAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		logger.Warn("coordinator: decode status exchange ack failed", "worker_id", workerID, "error", err)
		return
	}
	peers.ApplyAck(workerID, ack)

	// Prefer the epoch the worker just reported about itself; a changed
	// value here is what reassigns its in-flight bundles.
	epoch := ack.Worker.StartupEpoch.Int()
	if epoch == 0 {
		epoch = snap.StartupEpoch
	}
	peers.Touch(ctx, workerID, snap.Host, snap.Port, epoch)
}

// runLivenessSweep drives independent liveness detection, catching a worker
// that has simply stopped answering rather than one that actively errored.
func runLivenessSweep(ctx context.Context, peers *coord.PeerManager, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peers.Tracker.Sweep()
		}
	}
}

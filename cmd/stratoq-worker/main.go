// Command stratoq-worker runs the worker side of the control plane:
// BundleReceiver, TaskRunner's goroutine pool, ResultFileServer, the
// worker's PeerTracker wrapper, its GarbageCollector loop, and the worker
// HTTP API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/stratoq/internal/config"
	"github.com/user/stratoq/internal/worker"
	"github.com/user/stratoq/pkg/authtoken"
	"github.com/user/stratoq/pkg/logging"
)

func main() {
	configPath := flag.String("config", "worker.yaml", "path to worker config YAML")
	flag.Parse()

	if v := os.Getenv("STRATOQ_WORKER_CONFIG"); v != "" && *configPath == "worker.yaml" {
		*configPath = v
	}

	cfg, err := config.LoadWorkerConfig(*configPath)
	if err != nil {
		log.Fatalf("stratoq-worker: load config: %v", err)
	}

	logger := logging.NewStderr("worker")

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		log.Fatalf("stratoq-worker: open mysql: %v", err)
	}
	defer db.Close()
	if cfg.MySQL.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	}
	if cfg.MySQL.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	}
	if cfg.MySQL.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)
	}

	if err := os.MkdirAll(cfg.Results.Dir, 0o755); err != nil {
		log.Fatalf("stratoq-worker: create result dir: %v", err)
	}

	startupEpoch := time.Now().UnixMilli()
	peers := worker.NewPeerManager(logger, cfg.WorkerID, cfg.Listen.Host, cfg.Listen.Port, startupEpoch)
	if cfg.Coordinator.ID != "" {
		peers.Seed(cfg.Coordinator.ID, cfg.Coordinator.Host, cfg.Coordinator.Port, 0, time.Time{})
	}

	results := worker.NewResultFileServer(cfg.Results.Dir, logger)

	httpClient := &http.Client{Timeout: cfg.Peer.HTTPTimeout}
	instanceID := authtoken.NewInstanceID()
	client := worker.NewCoordinatorClient(peers, httpClient, cfg.Auth.AuthKey, instanceID, cfg.WorkerID,
		cfg.Listen.Host, cfg.Listen.Port, results, logger)

	duplicateWindow := cfg.Peer.NoticeLifetime
	receiver := worker.NewReceiver(peers, cfg.WorkerID, duplicateWindow, logger)

	deps := worker.TaskRunnerDeps{
		DB:             db,
		ResultDir:      cfg.Results.Dir,
		CoordinatorID:  cfg.Coordinator.ID,
		Compress:       cfg.Results.Compression == "gzip",
		MaxResultBytes: cfg.Results.MaxResultBytes,
		Logger:         logger,
	}
	runner := worker.NewRunner(receiver, deps, client.FileURL)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	runner.Start(runCtx, cfg.Pool)

	gcCtx, cancelGC := context.WithCancel(context.Background())
	defer cancelGC()
	gc := worker.NewGarbageCollector(results, logger, cfg.GC.SweepInterval, cfg.GC.WritingMaxAge, cfg.GC.ReadyMaxAge)
	go gc.Run(gcCtx)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go func() {
		interval := cfg.Peer.ExchangeInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				peers.Sweep()
			}
		}
	}()

	server := worker.NewServer(receiver, peers, client, results, cfg, logger)
	httpServer := &http.Server{
		Addr:    cfg.Listen.Addr(),
		Handler: server.Mux(),
	}

	go func() {
		logger.Info("worker: listening", "addr", cfg.Listen.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("worker: http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("worker: received signal, shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker: http server shutdown error", "error", err)
	}
	cancelRun()
	runner.Wait()
}

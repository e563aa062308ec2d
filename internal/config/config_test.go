package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSubstituteEnvVars(t *testing.T) {
	os.Setenv("STRATOQ_TEST_VAR", "from-env")
	defer os.Unsetenv("STRATOQ_TEST_VAR")

	in := "host: ${STRATOQ_TEST_VAR}\nport: ${STRATOQ_TEST_PORT:-4040}"
	out := SubstituteEnvVars(in)
	want := "host: from-env\nport: 4040"
	if out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
}

func TestLoadCoordinatorConfig_FillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	body := `
coordinator_id: czar-1
listen:
  host: 0.0.0.0
  port: 25000
metastore:
  driver: sqlite
  dsn: ${STRATOQ_METASTORE_DSN:-./stratoq.db}
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadCoordinatorConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.CoordinatorID != "czar-1" {
		t.Fatalf("expected coordinator_id czar-1, got %q", cfg.CoordinatorID)
	}
	if cfg.Metastore.DSN != "./stratoq.db" {
		t.Fatalf("expected default DSN substitution, got %q", cfg.Metastore.DSN)
	}
	if cfg.Peer.DeadAfter != 60*time.Second {
		t.Fatalf("expected default T_dead 60s, got %v", cfg.Peer.DeadAfter)
	}
	if cfg.Merge.ConcurrentPullsPerWorker != 4 {
		t.Fatalf("expected default P=4, got %d", cfg.Merge.ConcurrentPullsPerWorker)
	}
	if cfg.GC.HardRetentionSec != 86400 {
		t.Fatalf("expected default hard retention 86400s, got %d", cfg.GC.HardRetentionSec)
	}
}

func TestLoadWorkerConfig_FillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	body := `
worker_id: worker-a
listen:
  host: 0.0.0.0
  port: 25040
mysql:
  dsn: root@tcp(127.0.0.1:3306)/chunks
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadWorkerConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerID != "worker-a" {
		t.Fatalf("expected worker_id worker-a, got %q", cfg.WorkerID)
	}
	if cfg.Results.MaxResultBytes != 512<<20 {
		t.Fatalf("expected default max_result_bytes, got %d", cfg.Results.MaxResultBytes)
	}
	if cfg.GC.ReadyMaxAge != 24*time.Hour {
		t.Fatalf("expected default ready_max_age 24h, got %v", cfg.GC.ReadyMaxAge)
	}
}

// Package config loads YAML configuration for both the coordinator and
// worker processes, with ${VAR:-default} environment substitution applied
// before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CoordinatorConfig is the coordinator process's full configuration.
type CoordinatorConfig struct {
	CoordinatorID string           `yaml:"coordinator_id"`
	Listen        ListenConfig     `yaml:"listen"`
	Metastore     MetastoreConfig  `yaml:"metastore"`
	Peer          PeerConfig       `yaml:"peer"`
	Merge         MergeConfig      `yaml:"merge"`
	GC            GCConfig         `yaml:"gc"`
	Dispatch      DispatchConfig   `yaml:"dispatch"`
	Auth          AuthConfig       `yaml:"auth"`
	Logging       LoggingConfig    `yaml:"logging"`
	Workers       []WorkerEndpoint `yaml:"workers"`
}

// WorkerEndpoint is one statically configured chunk worker. The coordinator
// seeds its PeerManager and per-worker auth key map from these at start-up,
// before any status exchange or MetadataStore-recovered contact overrides
// it.
type WorkerEndpoint struct {
	WorkerID string `yaml:"worker_id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	AuthKey  string `yaml:"auth_key"`
}

// DispatchConfig governs QueryDispatcher's bundle-building and retry policy
//.
type DispatchConfig struct {
	BundleJobLimit int `yaml:"bundle_job_limit"` // max jobs per bundle, default 50
	AttemptLimit   int `yaml:"attempt_limit"`    // M, default 5
}

func (d DispatchConfig) withDefaults() DispatchConfig {
	if d.BundleJobLimit <= 0 {
		d.BundleJobLimit = 50
	}
	if d.AttemptLimit <= 0 {
		d.AttemptLimit = 5
	}
	return d
}

// WorkerConfig is the worker process's full configuration.
type WorkerConfig struct {
	WorkerID    string          `yaml:"worker_id"`
	Listen      ListenConfig    `yaml:"listen"`
	MySQL       MySQLConfig     `yaml:"mysql"`
	Results     ResultsConfig   `yaml:"results"`
	Peer        PeerConfig      `yaml:"peer"`
	GC          WorkerGCConfig  `yaml:"gc"`
	Auth        AuthConfig      `yaml:"auth"`
	Logging     LoggingConfig   `yaml:"logging"`
	Coordinator CoordinatorRef  `yaml:"coordinator"`
	Pool        int             `yaml:"pool"` // number of TaskRunner goroutines, default 4
}

// CoordinatorRef is the single coordinator this worker process reports to;
// one worker process serves exactly one coordinator in this deployment
// model.
type CoordinatorRef struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WorkerGCConfig governs the worker-side GarbageCollector loop.
type WorkerGCConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	WritingMaxAge time.Duration `yaml:"writing_max_age"`
	ReadyMaxAge   time.Duration `yaml:"ready_max_age"`
}

func (g WorkerGCConfig) withDefaults() WorkerGCConfig {
	if g.SweepInterval <= 0 {
		g.SweepInterval = time.Minute
	}
	if g.WritingMaxAge <= 0 {
		g.WritingMaxAge = time.Hour
	}
	if g.ReadyMaxAge <= 0 {
		g.ReadyMaxAge = 24 * time.Hour
	}
	return g
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// MetastoreConfig points the coordinator at its MetadataStore/MessageStore
// backing database; Driver selects sqlite/mysql/postgres placeholder and
// statement handling.
type MetastoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// MySQLConfig is the worker-local MySQL surface TaskRunner streams from.
type MySQLConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ResultsConfig governs where and how the worker stages result files.
type ResultsConfig struct {
	Dir             string `yaml:"dir"`
	Compression     string `yaml:"compression"` // "gzip" compresses; any other value writes uncompressed files
	MaxResultBytes  int64  `yaml:"max_result_bytes"`
}

// PeerConfig sets the PeerTracker / status-exchange defaults, shared
// verbatim in shape by both roles (a worker uses the same T_dead/L/interval
// to judge its coordinator peers that the coordinator uses for workers).
type PeerConfig struct {
	DeadAfter        time.Duration `yaml:"dead_after"`         // T_dead, default 60s
	NoticeLifetime   time.Duration `yaml:"notice_lifetime"`    // L, default 300s
	ExchangeInterval time.Duration `yaml:"exchange_interval"`  // default 15s
	HTTPTimeout      time.Duration `yaml:"http_timeout"`       // default 60s
}

func (p PeerConfig) withDefaults() PeerConfig {
	if p.DeadAfter <= 0 {
		p.DeadAfter = 60 * time.Second
	}
	if p.NoticeLifetime <= 0 {
		p.NoticeLifetime = 300 * time.Second
	}
	if p.ExchangeInterval <= 0 {
		p.ExchangeInterval = 15 * time.Second
	}
	if p.HTTPTimeout <= 0 {
		p.HTTPTimeout = 60 * time.Second
	}
	return p
}

// MergeConfig governs ResultMerger's concurrency and retry behavior.
type MergeConfig struct {
	ConcurrentPullsPerWorker int           `yaml:"concurrent_pulls_per_worker"` // P, default 4
	MaxRetries               int           `yaml:"max_retries"`                // R
	BackoffBase              time.Duration `yaml:"backoff_base"`
	BackoffMax               time.Duration `yaml:"backoff_max"`
	RateLimitPerSec          float64       `yaml:"rate_limit_per_sec"`
}

func (m MergeConfig) withDefaults() MergeConfig {
	if m.ConcurrentPullsPerWorker <= 0 {
		m.ConcurrentPullsPerWorker = 4
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = 3
	}
	if m.BackoffBase <= 0 {
		m.BackoffBase = 500 * time.Millisecond
	}
	if m.BackoffMax <= 0 {
		m.BackoffMax = 30 * time.Second
	}
	if m.RateLimitPerSec <= 0 {
		m.RateLimitPerSec = 20
	}
	return m
}

// GCConfig governs GarbageCollector's two sweeps.
type GCConfig struct {
	AsyncRetentionSec uint32 `yaml:"async_retention_sec"`
	HardRetentionSec  uint32 `yaml:"hard_retention_sec"` // default 86400 (1 day)
}

func (g GCConfig) withDefaults() GCConfig {
	if g.HardRetentionSec <= 0 {
		g.HardRetentionSec = 86400
	}
	if g.AsyncRetentionSec <= 0 {
		g.AsyncRetentionSec = g.HardRetentionSec / 2
	}
	return g
}

type AuthConfig struct {
	AuthKey      string        `yaml:"auth_key"`
	AdminSecret  string        `yaml:"admin_secret"`
	AdminTTL     time.Duration `yaml:"admin_ttl"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	SampleN   int    `yaml:"sample_n"`
}

// LoadCoordinatorConfig reads, env-substitutes, and parses a coordinator
// config file, filling in every documented default.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	data, err := readAndSubstitute(path)
	if err != nil {
		return nil, err
	}
	var cfg CoordinatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode coordinator config: %w", err)
	}
	cfg.Peer = cfg.Peer.withDefaults()
	cfg.Merge = cfg.Merge.withDefaults()
	cfg.GC = cfg.GC.withDefaults()
	cfg.Dispatch = cfg.Dispatch.withDefaults()
	return &cfg, nil
}

// LoadWorkerConfig reads, env-substitutes, and parses a worker config file.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	data, err := readAndSubstitute(path)
	if err != nil {
		return nil, err
	}
	var cfg WorkerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode worker config: %w", err)
	}
	cfg.Peer = cfg.Peer.withDefaults()
	cfg.GC = cfg.GC.withDefaults()
	if cfg.Results.MaxResultBytes <= 0 {
		cfg.Results.MaxResultBytes = 512 << 20
	}
	if cfg.Pool <= 0 {
		cfg.Pool = 4
	}
	return &cfg, nil
}

func readAndSubstitute(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return []byte(SubstituteEnvVars(string(data))), nil
}

var envRegex = regexp.MustCompile(`\${(\w+)(?::-([^}]*))?}`)

// SubstituteEnvVars expands ${VAR} and ${VAR:-default} references against
// the process environment, leaving an unset reference with no default
// unchanged: the literal "${VAR}" text stays in the output (and decodes as
// that string) rather than silently becoming an empty string.
func SubstituteEnvVars(input string) string {
	return envRegex.ReplaceAllStringFunc(input, func(m string) string {
		matches := envRegex.FindStringSubmatch(m)
		if len(matches) < 2 {
			return m
		}
		envVar := matches[1]
		if val, ok := os.LookupEnv(envVar); ok {
			return val
		}
		if len(matches) > 2 && strings.Contains(m, ":-") {
			return matches[2]
		}
		return m
	})
}

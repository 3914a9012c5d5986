// Package config provides hierarchical configuration loading for the
// daemon. Precedence: defaults < YAML file < environment variables. There
// is no command-line flag layer.
package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConfigHolder provides thread-safe access to a Config with hot-reload
// support. Services that hold pointers into the Config (e.g. &cfg.Ports)
// will see updated values after a reload because fields are swapped
// in-place.
type ConfigHolder struct {
	mu       sync.RWMutex
	cfg      Config
	yamlPath string
}

// NewHolder creates a ConfigHolder from an initial Config and the YAML
// path used for reloading.
func NewHolder(cfg *Config, yamlPath string) *ConfigHolder {
	return &ConfigHolder{cfg: *cfg, yamlPath: yamlPath}
}

// Get returns a pointer to the Config. Callers must not store the pointer
// long-term; read values immediately and release.
func (h *ConfigHolder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return &h.cfg
}

// Reload re-reads the YAML file and environment variables, validates, and
// swaps the config in-place. If validation fails, the old config is
// preserved. Fields that cannot be hot-reloaded (the listener addresses,
// the database path) are logged as warnings if they differ.
func (h *ConfigHolder) Reload() error {
	newCfg, err := LoadFrom(h.yamlPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if newCfg.Server.TCPPort != h.cfg.Server.TCPPort {
		slog.Warn("config reload: server.tcp_port changed but requires restart",
			"old", h.cfg.Server.TCPPort, "new", newCfg.Server.TCPPort)
	}
	if newCfg.Server.SocketPath != h.cfg.Server.SocketPath {
		slog.Warn("config reload: server.socket_path changed but requires restart",
			"old", h.cfg.Server.SocketPath, "new", newCfg.Server.SocketPath)
	}
	if newCfg.Storage.Path != h.cfg.Storage.Path {
		slog.Warn("config reload: storage.path changed but requires restart",
			"old", h.cfg.Storage.Path, "new", newCfg.Storage.Path)
	}
	if newCfg.Logging.Level != h.cfg.Logging.Level {
		slog.Info("config reload: logging level changed",
			"old", h.cfg.Logging.Level, "new", newCfg.Logging.Level)
	}

	h.cfg = *newCfg
	return nil
}

// Config holds all runtime configuration for the daemon, one section per
// [MODULE]/component named in the specification.
type Config struct {
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	Logging   Logging   `yaml:"logging"`
	Breaker   Breaker   `yaml:"breaker"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Payload   Payload   `yaml:"payload"`
	Ports     Ports     `yaml:"ports"`
	Messaging Messaging `yaml:"messaging"`
	Sweeper   Sweeper   `yaml:"sweeper"`
	Agents    Agents    `yaml:"agents"`
	Activity  Activity  `yaml:"activity"`
	Locks     Locks     `yaml:"locks"`
	Webhooks  Webhooks  `yaml:"webhooks"`
	Health    Health    `yaml:"health"`
}

// Server holds the dual-transport listener configuration.
type Server struct {
	SocketPath string `yaml:"socket_path"` // Unix domain socket path (default: /tmp/port-daddy.sock)
	TCPPort    int    `yaml:"tcp_port"`    // Loopback TCP port (default: 9876)
}

// Storage holds the embedded SQLite configuration.
type Storage struct {
	Path         string `yaml:"path"`           // Database file path (default: port-registry.db)
	ReadPoolSize int    `yaml:"read_pool_size"` // Max connections in the read-only pool (default: 8)
	LockPath     string `yaml:"lock_path"`      // Advisory single-instance lock file (default: <dir of Path>/port-daddy.lock)
}

// Logging configures the slog-based process logging.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker configures the circuit breaker guarding health probes and
// webhook delivery.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RateLimit configures the per-IP request rate limit.
type RateLimit struct {
	PerIPPerMinute  int           `yaml:"per_ip_per_minute"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxIdleTime     time.Duration `yaml:"max_idle_time"`
}

// Payload configures the transport-level size caps.
type Payload struct {
	MaxBytes int `yaml:"max_bytes"`
}

// Ports configures the Port Allocator's default range and reservations
//.
type Ports struct {
	RangeStart int   `yaml:"range_start"`
	RangeEnd   int   `yaml:"range_end"`
	Reserved   []int `yaml:"reserved"`
}

// Messaging configures the Messaging Hub's budgets and timers.
type Messaging struct {
	SubscribersPerChannelMax  int           `yaml:"subscribers_per_channel_max"`
	SSEConcurrentPerIPMax     int           `yaml:"sse_concurrent_per_ip_max"`
	LongPollConcurrentPerIPMax int          `yaml:"longpoll_concurrent_per_ip_max"`
	SSETimeout                time.Duration `yaml:"sse_timeout_ms"`
	PollInterval               time.Duration `yaml:"poll_interval_ms"`
}

// Sweeper configures the periodic background maintenance task.
type Sweeper struct {
	Interval time.Duration `yaml:"interval_ms"`
}

// Agents configures the Agent Registry's liveness windows.
type Agents struct {
	LiveMS  time.Duration `yaml:"live_ms"`
	StaleMS time.Duration `yaml:"stale_ms"`
	DeadMS  time.Duration `yaml:"dead_ms"`
}

// Activity configures the audit log's retention bounds.
type Activity struct {
	MaxEntries int           `yaml:"max_entries"`
	Retention  time.Duration `yaml:"retention_ms"`
}

// Locks configures the Lock Manager's default TTL.
type Locks struct {
	DefaultTTL time.Duration `yaml:"default_ttl_ms"`
}

// Webhooks configures the Webhook Dispatcher's retry policy.
type Webhooks struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base_ms"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout_ms"`
}

// Health configures the Health Prober's polling cadence.
type Health struct {
	PollInterval time.Duration `yaml:"poll_interval_ms"`
	MaxWait      time.Duration `yaml:"max_wait_ms"`
	MaxWaitAll   int           `yaml:"max_wait_all_ids"`
	ProbeTimeout time.Duration `yaml:"probe_timeout_ms"`
}

// Defaults returns the baseline configuration with its
// documented defaults.
func Defaults() Config {
	return Config{
		Server: Server{
			SocketPath: "/tmp/port-daddy.sock",
			TCPPort:    9876,
		},
		Storage: Storage{
			Path:         "port-registry.db",
			ReadPoolSize: 8,
		},
		Logging: Logging{
			Level:   "info",
			Service: "port-daddy",
			Async:   true,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		RateLimit: RateLimit{
			PerIPPerMinute:  100,
			CleanupInterval: 5 * time.Minute,
			MaxIdleTime:     10 * time.Minute,
		},
		Payload: Payload{
			MaxBytes: 10 * 1024 * 1024,
		},
		Ports: Ports{
			RangeStart: 3100,
			RangeEnd:   9999,
			Reserved:   nil,
		},
		Messaging: Messaging{
			SubscribersPerChannelMax:  100,
			SSEConcurrentPerIPMax:     10,
			LongPollConcurrentPerIPMax: 30,
			SSETimeout:                 300 * time.Second,
			PollInterval:               time.Second,
		},
		Sweeper: Sweeper{
			Interval: 10 * time.Second,
		},
		Agents: Agents{
			LiveMS:  60 * time.Second,
			StaleMS: 5 * time.Minute,
			DeadMS:  15 * time.Minute,
		},
		Activity: Activity{
			MaxEntries: 10_000,
			Retention:  7 * 24 * time.Hour,
		},
		Locks: Locks{
			DefaultTTL: 5 * time.Minute,
		},
		Webhooks: Webhooks{
			MaxAttempts:     5,
			BackoffBase:     time.Second,
			DeliveryTimeout: 10 * time.Second,
		},
		Health: Health{
			PollInterval: 250 * time.Millisecond,
			MaxWait:      300 * time.Second,
			MaxWaitAll:   20,
			ProbeTimeout: 2 * time.Second,
		},
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "port-daddy.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg. Returns nil if
// the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg. Only non-empty env
// values override the current config. Names follow the $PORT_DADDY_*
// convention, one env var per tunable.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.SocketPath, "PORT_DADDY_SOCK")
	setTCPPort(&cfg.Server.TCPPort, "PORT_DADDY_URL")
	setString(&cfg.Storage.Path, "PORT_DADDY_DB")
	setInt(&cfg.Storage.ReadPoolSize, "PORT_DADDY_DB_READ_POOL_SIZE")
	setString(&cfg.Storage.LockPath, "PORT_DADDY_LOCK_PATH")

	setString(&cfg.Logging.Level, "PORT_DADDY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PORT_DADDY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "PORT_DADDY_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "PORT_DADDY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PORT_DADDY_BREAKER_TIMEOUT")

	setInt(&cfg.RateLimit.PerIPPerMinute, "PORT_DADDY_RATE_LIMIT_PER_IP_PER_MINUTE")
	setDuration(&cfg.RateLimit.CleanupInterval, "PORT_DADDY_RATE_LIMIT_CLEANUP_INTERVAL")
	setDuration(&cfg.RateLimit.MaxIdleTime, "PORT_DADDY_RATE_LIMIT_MAX_IDLE_TIME")

	setInt(&cfg.Payload.MaxBytes, "PORT_DADDY_PAYLOAD_MAX_BYTES")

	setInt(&cfg.Ports.RangeStart, "PORT_DADDY_PORTS_RANGE_START")
	setInt(&cfg.Ports.RangeEnd, "PORT_DADDY_PORTS_RANGE_END")
	setIntSlice(&cfg.Ports.Reserved, "PORT_DADDY_PORTS_RESERVED")

	setInt(&cfg.Messaging.SubscribersPerChannelMax, "PORT_DADDY_MESSAGING_SUBSCRIBERS_PER_CHANNEL_MAX")
	setInt(&cfg.Messaging.SSEConcurrentPerIPMax, "PORT_DADDY_MESSAGING_SSE_CONCURRENT_PER_IP_MAX")
	setInt(&cfg.Messaging.LongPollConcurrentPerIPMax, "PORT_DADDY_MESSAGING_LONGPOLL_CONCURRENT_PER_IP_MAX")
	setDuration(&cfg.Messaging.SSETimeout, "PORT_DADDY_MESSAGING_SSE_TIMEOUT")
	setDuration(&cfg.Messaging.PollInterval, "PORT_DADDY_MESSAGING_POLL_INTERVAL")

	setDuration(&cfg.Sweeper.Interval, "PORT_DADDY_SWEEPER_INTERVAL")

	setDuration(&cfg.Agents.LiveMS, "PORT_DADDY_AGENTS_LIVE_MS")
	setDuration(&cfg.Agents.StaleMS, "PORT_DADDY_AGENTS_STALE_MS")
	setDuration(&cfg.Agents.DeadMS, "PORT_DADDY_AGENTS_DEAD_MS")

	setInt(&cfg.Activity.MaxEntries, "PORT_DADDY_ACTIVITY_MAX_ENTRIES")
	setDuration(&cfg.Activity.Retention, "PORT_DADDY_ACTIVITY_RETENTION")

	setDuration(&cfg.Locks.DefaultTTL, "PORT_DADDY_LOCKS_DEFAULT_TTL")

	setInt(&cfg.Webhooks.MaxAttempts, "PORT_DADDY_WEBHOOKS_MAX_ATTEMPTS")
	setDuration(&cfg.Webhooks.BackoffBase, "PORT_DADDY_WEBHOOKS_BACKOFF_BASE")
	setDuration(&cfg.Webhooks.DeliveryTimeout, "PORT_DADDY_WEBHOOKS_DELIVERY_TIMEOUT")

	setDuration(&cfg.Health.PollInterval, "PORT_DADDY_HEALTH_POLL_INTERVAL")
	setDuration(&cfg.Health.MaxWait, "PORT_DADDY_HEALTH_MAX_WAIT")
	setInt(&cfg.Health.MaxWaitAll, "PORT_DADDY_HEALTH_MAX_WAIT_ALL")
	setDuration(&cfg.Health.ProbeTimeout, "PORT_DADDY_HEALTH_PROBE_TIMEOUT")
}

// validate checks that required fields are set and internally consistent.
func validate(cfg *Config) error {
	if cfg.Server.TCPPort < 1 || cfg.Server.TCPPort > 65535 {
		return errors.New("server.tcp_port must be a valid TCP port")
	}
	if cfg.Server.SocketPath == "" {
		return errors.New("server.socket_path is required")
	}
	if cfg.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if cfg.Storage.ReadPoolSize < 1 {
		return errors.New("storage.read_pool_size must be >= 1")
	}
	if cfg.Ports.RangeStart < 1 || cfg.Ports.RangeEnd > 65535 || cfg.Ports.RangeStart > cfg.Ports.RangeEnd {
		return errors.New("ports.range_start/range_end must describe a valid, non-empty range")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.RateLimit.PerIPPerMinute < 1 {
		return errors.New("rate_limit.per_ip_per_minute must be >= 1")
	}
	if cfg.Messaging.SubscribersPerChannelMax < 1 {
		return errors.New("messaging.subscribers_per_channel_max must be >= 1")
	}
	if cfg.Webhooks.MaxAttempts < 1 {
		return errors.New("webhooks.max_attempts must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setTCPPort(dst *int, key string) {
	// $PORT_DADDY_URL may be a bare port or a full "http://host:port" URL;
	// only the port matters for the loopback listener.
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
		return
	}
	var host string
	var port int
	if _, err := fmt.Sscanf(v, "http://%s", &host); err == nil {
		if idx := lastColon(host); idx >= 0 {
			if n, err := strconv.Atoi(host[idx+1:]); err == nil {
				port = n
			}
		}
	}
	if port > 0 {
		*dst = port
	}
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setIntSlice(dst *[]int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []int
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				if n, err := strconv.Atoi(v[start:i]); err == nil {
					out = append(out, n)
				}
			}
			start = i + 1
		}
	}
	*dst = out
}

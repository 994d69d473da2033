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
const DefaultConfigFile = "conductor.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
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

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
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

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CONDUCTOR_PORT")
	setString(&cfg.Server.CORSOrigin, "CONDUCTOR_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CONDUCTOR_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CONDUCTOR_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CONDUCTOR_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CONDUCTOR_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CONDUCTOR_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.IdempotencyBucket, "CONDUCTOR_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.NATS.IdempotencyTTL, "CONDUCTOR_IDEMPOTENCY_TTL")
	setString(&cfg.Logging.Level, "CONDUCTOR_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONDUCTOR_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CONDUCTOR_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "CONDUCTOR_BREAKER_MAX_FAILURES")
	setInt(&cfg.Breaker.WindowSize, "CONDUCTOR_BREAKER_WINDOW_SIZE")
	setFloat64(&cfg.Breaker.FailureRate, "CONDUCTOR_BREAKER_FAILURE_RATE")
	setDuration(&cfg.Breaker.Cooldown, "CONDUCTOR_BREAKER_COOLDOWN")
	setFloat64(&cfg.Rate.RequestsPerSecond, "CONDUCTOR_RATE_RPS")
	setInt(&cfg.Rate.Burst, "CONDUCTOR_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "CONDUCTOR_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "CONDUCTOR_RATE_MAX_IDLE_TIME")
	setInt(&cfg.Quota.MaxConcurrentAgents, "CONDUCTOR_QUOTA_MAX_CONCURRENT")
	setInt(&cfg.Quota.MaxSpawnDepth, "CONDUCTOR_QUOTA_MAX_DEPTH")
	setInt(&cfg.Quota.MaxChildrenPerParent, "CONDUCTOR_QUOTA_MAX_CHILDREN")
	setInt(&cfg.Quota.APICallsPerMinute, "CONDUCTOR_QUOTA_API_PER_MINUTE")
	setInt(&cfg.Scheduler.PerRequesterCap, "CONDUCTOR_SCHED_REQUESTER_CAP")
	setInt(&cfg.Scheduler.TotalCap, "CONDUCTOR_SCHED_TOTAL_CAP")
	setInt(&cfg.Scheduler.Workers, "CONDUCTOR_SCHED_WORKERS")
	setDuration(&cfg.Scheduler.RequeueBase, "CONDUCTOR_SCHED_REQUEUE_BASE")
	setDuration(&cfg.Scheduler.RequeueMax, "CONDUCTOR_SCHED_REQUEUE_MAX")
	setDuration(&cfg.Deadlock.ScanInterval, "CONDUCTOR_DEADLOCK_SCAN_INTERVAL")
	setString(&cfg.Orchestrator.DefinitionsDir, "CONDUCTOR_DEFINITIONS_DIR")
	setDuration(&cfg.Orchestrator.RetryBackoffBase, "CONDUCTOR_RETRY_BACKOFF_BASE")
	setDuration(&cfg.Orchestrator.RetryBackoffMax, "CONDUCTOR_RETRY_BACKOFF_MAX")
	setDuration(&cfg.Orchestrator.AgentCallTimeout, "CONDUCTOR_AGENT_CALL_TIMEOUT")
	setDuration(&cfg.Orchestrator.WorkerGrace, "CONDUCTOR_WORKER_GRACE")
	setBool(&cfg.Telemetry.Enabled, "CONDUCTOR_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "CONDUCTOR_OTEL_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Breaker.FailureRate <= 0 || cfg.Breaker.FailureRate > 1 {
		return errors.New("breaker.failure_rate must be in (0, 1]")
	}
	if cfg.Scheduler.PerRequesterCap < 1 || cfg.Scheduler.TotalCap < cfg.Scheduler.PerRequesterCap {
		return errors.New("scheduler caps must satisfy 1 <= per_requester_cap <= total_cap")
	}
	if cfg.Scheduler.Workers < 1 {
		return errors.New("scheduler.workers must be >= 1")
	}
	if cfg.Quota.MaxConcurrentAgents < 1 {
		return errors.New("quota.max_concurrent_agents must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
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

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
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

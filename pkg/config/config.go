// Package config loads the flat, hierarchical configuration described in
// spec.md §6: a YAML file overlaid with environment variables and an
// optional .env file, mirroring the teacher's pkg/config layering.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// APIConfig controls the HTTP ingress listener.
type APIConfig struct {
	Host string `yaml:"host" env:"API_HOST"`
	Port int    `yaml:"port" env:"API_PORT"`
}

// StorageConfig selects and configures the Store (C1) backend.
type StorageConfig struct {
	Type string `yaml:"type" env:"STORAGE_TYPE"` // "memory" | "persistent"
	Path string `yaml:"path" env:"STORAGE_PATH"`
}

// ChainConfig describes one blockchain watcher endpoint (spec.md §6).
type ChainConfig struct {
	Name    string `yaml:"name"`
	Network string `yaml:"network" env:"CHAIN_NETWORK"`
	RPCURL  string `yaml:"rpc_url" env:"CHAIN_RPC_URL"`
	WSURL   string `yaml:"ws_url" env:"CHAIN_WS_URL"`
}

// WorkerConfig bounds a single worker process.
type WorkerConfig struct {
	MaxConcurrentFunctions int           `yaml:"max_concurrent_functions" env:"WORKER_MAX_CONCURRENT_FUNCTIONS"`
	FunctionTimeout        time.Duration `yaml:"function_timeout" env:"WORKER_FUNCTION_TIMEOUT"`
	MemoryLimitBytes       int64         `yaml:"memory_limit" env:"WORKER_MEMORY_LIMIT"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval" env:"WORKER_HEARTBEAT_INTERVAL"`
}

// SchedulerConfig controls admission and dispatch policy (spec.md §4.5).
type SchedulerConfig struct {
	TenantInflightCap    int           `yaml:"tenant_inflight_cap" env:"SCHEDULER_TENANT_INFLIGHT_CAP"`
	GlobalPendingCap     int           `yaml:"global_pending_cap" env:"SCHEDULER_GLOBAL_PENDING_CAP"`
	HTTPBackpressureCap  int           `yaml:"http_backpressure_cap" env:"SCHEDULER_HTTP_BACKPRESSURE_CAP"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout" env:"SCHEDULER_HEARTBEAT_TIMEOUT"`
	CancelGrace          time.Duration `yaml:"cancel_grace" env:"SCHEDULER_CANCEL_GRACE"`
	MaxAttempts          int           `yaml:"max_attempts" env:"SCHEDULER_MAX_ATTEMPTS"`
	InitialBackoff       time.Duration `yaml:"initial_backoff" env:"SCHEDULER_INITIAL_BACKOFF"`
	MaxBackoff           time.Duration `yaml:"max_backoff" env:"SCHEDULER_MAX_BACKOFF"`
	SerializeMaxMultiple float64       `yaml:"serialize_max_multiple" env:"SCHEDULER_SERIALIZE_MAX_MULTIPLE"`
	RedisAddr            string        `yaml:"redis_addr" env:"SCHEDULER_REDIS_ADDR"`
}

// SecretsConfig controls the secret store's encryption and backend.
type SecretsConfig struct {
	MasterKeyHex  string `yaml:"master_key_hex" env:"SECRETS_MASTER_KEY_HEX"`
	AzureVaultURL string `yaml:"azure_vault_url" env:"SECRETS_AZURE_VAULT_URL"`
}

// RunLogConfig points the Run Log (C9) at its Postgres backend.
type RunLogConfig struct {
	DSN string `yaml:"dsn" env:"RUNLOG_DSN"`
}

// IngressConfig controls the HTTP/Cron front doors (spec.md §4.4).
type IngressConfig struct {
	ResponseGrace time.Duration `yaml:"response_grace" env:"INGRESS_RESPONSE_GRACE"`
	CronInterval  time.Duration `yaml:"cron_interval" env:"INGRESS_CRON_INTERVAL"`
}

// Config is the top-level configuration structure.
type Config struct {
	Environment string          `yaml:"environment" env:"ENVIRONMENT"`
	LogLevel    string          `yaml:"log_level" env:"LOG_LEVEL"`
	API         APIConfig       `yaml:"api"`
	Storage     StorageConfig   `yaml:"storage"`
	Chains      []ChainConfig   `yaml:"chains"`
	Worker      WorkerConfig    `yaml:"worker"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Secrets     SecretsConfig   `yaml:"secrets"`
	RunLog      RunLogConfig    `yaml:"runlog"`
	Ingress     IngressConfig   `yaml:"ingress"`
}

// Default returns a configuration populated with sane defaults.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		API:         APIConfig{Host: "0.0.0.0", Port: 8080},
		Storage:     StorageConfig{Type: "memory", Path: "./data/faasd.db"},
		Worker: WorkerConfig{
			MaxConcurrentFunctions: 8,
			FunctionTimeout:        5 * time.Second,
			MemoryLimitBytes:       64 * 1024 * 1024,
			HeartbeatInterval:      5 * time.Second / 3,
		},
		Scheduler: SchedulerConfig{
			TenantInflightCap:    50,
			GlobalPendingCap:     5000,
			HTTPBackpressureCap:  200,
			HeartbeatTimeout:     5 * time.Second,
			CancelGrace:          time.Second,
			MaxAttempts:          3,
			InitialBackoff:       100 * time.Millisecond,
			MaxBackoff:           1600 * time.Millisecond,
			SerializeMaxMultiple: 5,
		},
		Ingress: IngressConfig{
			ResponseGrace: 2 * time.Second,
			CronInterval:  time.Second,
		},
	}
}

// Load reads an optional .env file, a YAML config file (if path is
// non-empty), and overlays environment variables, in that priority order
// (env wins), matching the teacher's pkg/config loading sequence.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment overrides: %w", err)
	}

	return cfg, nil
}

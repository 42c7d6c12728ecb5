// Package config loads and validates the orchestrator configuration from
// YAML, with environment variable overrides for deployment-time tuning.
// Validation failures are fatal at startup: no loop starts on a bad config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// ServerConfig holds the API server settings.
type ServerConfig struct {
	// ListenAddr is the host:port the HTTP API binds to.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// ReadTimeoutSeconds bounds reading a request.
	ReadTimeoutSeconds int `yaml:"read_timeout_seconds" validate:"gt=0"`

	// WriteTimeoutSeconds bounds writing a response.
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds" validate:"gt=0"`
}

// DiscoveryConfig holds the discovery loop settings.
type DiscoveryConfig struct {
	// ScanIntervalSeconds is the pause between discovery cycles.
	ScanIntervalSeconds int `yaml:"scan_interval_seconds" validate:"gt=0"`

	// ScanDurationSeconds bounds one discovery pass.
	ScanDurationSeconds int `yaml:"scan_duration_seconds" validate:"gt=0"`

	// EvictAfterCycles is how many consecutive cycles a device may go unseen
	// before eviction.
	EvictAfterCycles int `yaml:"evict_after_cycles" validate:"gte=1"`
}

// HealthConfig holds the health monitor settings.
type HealthConfig struct {
	// CheckIntervalSeconds is the pause between monitoring cycles.
	CheckIntervalSeconds int `yaml:"check_interval_seconds" validate:"gt=0"`

	// ProbeTimeoutSeconds bounds one probe against one device.
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds" validate:"gt=0"`

	// FailureThreshold is the consecutive-failure count at which a device
	// becomes unhealthy.
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=1"`

	// MaxConcurrentProbes bounds probe parallelism within one cycle.
	MaxConcurrentProbes int `yaml:"max_concurrent_probes" validate:"gte=1"`
}

// DeployConfig holds the deployment manager settings.
type DeployConfig struct {
	// RetryBudget is the default per-deployment attempt budget.
	RetryBudget int `yaml:"retry_budget" validate:"gte=1"`

	// SchedulingBackoffSeconds is the wait between scheduling re-evaluations
	// while no device is eligible.
	SchedulingBackoffSeconds int `yaml:"scheduling_backoff_seconds" validate:"gt=0"`

	// DeployTimeoutSeconds bounds one deploy command.
	DeployTimeoutSeconds int `yaml:"deploy_timeout_seconds" validate:"gt=0"`

	// UndeployTimeoutSeconds bounds a best-effort undeploy signal.
	UndeployTimeoutSeconds int `yaml:"undeploy_timeout_seconds" validate:"gt=0"`

	// SuperviseIntervalSeconds is how often a running deployment re-checks
	// its placed devices.
	SuperviseIntervalSeconds int `yaml:"supervise_interval_seconds" validate:"gt=0"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Backend selects the store implementation: sqlite or memory.
	Backend string `yaml:"backend" validate:"oneof=sqlite memory"`

	// Path is the SQLite database file. Required for the sqlite backend.
	Path string `yaml:"path" validate:"required_if=Backend sqlite"`
}

// SeedDevice is a statically configured device announced every scan cycle,
// for fleets with known addresses.
type SeedDevice struct {
	DeviceID     string           `yaml:"device_id" validate:"required"`
	Name         string           `yaml:"name"`
	Address      string           `yaml:"address" validate:"required"`
	Capabilities []string         `yaml:"capabilities"`
	Resources    map[string]int64 `yaml:"resources"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Discovery DiscoveryConfig  `yaml:"discovery"`
	Health    HealthConfig     `yaml:"health"`
	Deploy    DeployConfig     `yaml:"deploy"`
	Store     StoreConfig      `yaml:"store"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Devices   []SeedDevice     `yaml:"devices"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:          ":8400",
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 30,
		},
		Discovery: DiscoveryConfig{
			ScanIntervalSeconds: 30,
			ScanDurationSeconds: 10,
			EvictAfterCycles:    3,
		},
		Health: HealthConfig{
			CheckIntervalSeconds: 15,
			ProbeTimeoutSeconds:  5,
			FailureThreshold:     3,
			MaxConcurrentProbes:  16,
		},
		Deploy: DeployConfig{
			RetryBudget:              5,
			SchedulingBackoffSeconds: 5,
			DeployTimeoutSeconds:     30,
			UndeployTimeoutSeconds:   10,
			SuperviseIntervalSeconds: 10,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "wasmfleet.db",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads configuration from the given YAML file, applies environment
// overrides, and validates the result. An empty path loads defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps deployment-time environment variables onto the
// configuration. Unparseable values are ignored in favor of the file value.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WASMFLEET_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("WASMFLEET_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	envInt("WASMFLEET_HEALTH_CHECK_INTERVAL_S", &cfg.Health.CheckIntervalSeconds)
	envInt("WASMFLEET_HEALTH_FAILED_THRESHOLD", &cfg.Health.FailureThreshold)
	envInt("WASMFLEET_SCAN_INTERVAL_S", &cfg.Discovery.ScanIntervalSeconds)
	envInt("WASMFLEET_SCAN_DURATION_S", &cfg.Discovery.ScanDurationSeconds)
	envInt("WASMFLEET_RETRY_BUDGET", &cfg.Deploy.RetryBudget)
	if v := os.Getenv("WASMFLEET_LOG_LEVEL"); v != "" {
		cfg.Telemetry.Logging.Level = v
	}
}

func envInt(name string, target *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*target = n
	}
}

// Validate checks every field. Any failure aborts startup.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// Seconds converts a validated positive integer field to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

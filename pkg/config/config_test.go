package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Expected default config to validate, got: %v", err)
	}
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Server.ListenAddr != ":8400" {
		t.Errorf("Expected default listen addr :8400, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("Expected default sqlite backend, got %s", cfg.Store.Backend)
	}
	if cfg.Telemetry.ServiceName != "wasmfleet" {
		t.Errorf("Expected default telemetry service name, got %s", cfg.Telemetry.ServiceName)
	}
}

func TestLoadTelemetrySection(t *testing.T) {
	path := writeConfigFile(t, `
telemetry:
  service_name: fleet-alpha
  environment: staging
  logging:
    level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Telemetry.ServiceName != "fleet-alpha" {
		t.Errorf("Expected service name from file, got %s", cfg.Telemetry.ServiceName)
	}
	if cfg.Telemetry.Environment != "staging" {
		t.Errorf("Expected environment from file, got %s", cfg.Telemetry.Environment)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected log level from file, got %s", cfg.Telemetry.Logging.Level)
	}
	// Nested defaults not named in the file stay intact.
	if cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("Expected default log format preserved, got %s", cfg.Telemetry.Logging.Format)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestLoadInvalidYAMLFails(t *testing.T) {
	path := writeConfigFile(t, "server: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for unparseable YAML")
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  listen_addr: ":9999"
health:
  failure_threshold: 5
store:
  backend: memory
devices:
  - device_id: seed-1
    address: 10.0.0.1:9000
    capabilities: [wasi]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("Expected listen addr from file, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Health.FailureThreshold != 5 {
		t.Errorf("Expected threshold 5, got %d", cfg.Health.FailureThreshold)
	}
	// Untouched sections keep their defaults.
	if cfg.Health.CheckIntervalSeconds != 15 {
		t.Errorf("Expected default check interval, got %d", cfg.Health.CheckIntervalSeconds)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].DeviceID != "seed-1" {
		t.Errorf("Expected seed device parsed, got %+v", cfg.Devices)
	}
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"zero health interval", func(cfg *Config) { cfg.Health.CheckIntervalSeconds = 0 }},
		{"zero failure threshold", func(cfg *Config) { cfg.Health.FailureThreshold = 0 }},
		{"unknown store backend", func(cfg *Config) { cfg.Store.Backend = "etcd" }},
		{"sqlite without path", func(cfg *Config) { cfg.Store.Path = "" }},
		{"zero retry budget", func(cfg *Config) { cfg.Deploy.RetryBudget = 0 }},
		{"empty listen addr", func(cfg *Config) { cfg.Server.ListenAddr = "" }},
		{"zero scan interval", func(cfg *Config) { cfg.Discovery.ScanIntervalSeconds = 0 }},
		{"zero evict cycles", func(cfg *Config) { cfg.Discovery.EvictAfterCycles = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation to fail")
			}
		})
	}
}

func TestMemoryBackendNeedsNoPath(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "memory"
	cfg.Store.Path = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected memory backend without path to validate, got: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WASMFLEET_LISTEN_ADDR", ":7777")
	t.Setenv("WASMFLEET_DB_PATH", "/tmp/override.db")
	t.Setenv("WASMFLEET_RETRY_BUDGET", "9")
	t.Setenv("WASMFLEET_HEALTH_FAILED_THRESHOLD", "7")
	t.Setenv("WASMFLEET_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Server.ListenAddr != ":7777" {
		t.Errorf("Expected env listen addr, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Store.Path != "/tmp/override.db" {
		t.Errorf("Expected env db path, got %s", cfg.Store.Path)
	}
	if cfg.Deploy.RetryBudget != 9 {
		t.Errorf("Expected env retry budget, got %d", cfg.Deploy.RetryBudget)
	}
	if cfg.Health.FailureThreshold != 7 {
		t.Errorf("Expected env failure threshold, got %d", cfg.Health.FailureThreshold)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected env log level, got %s", cfg.Telemetry.Logging.Level)
	}
}

func TestEnvOverrideIgnoresGarbageInts(t *testing.T) {
	t.Setenv("WASMFLEET_RETRY_BUDGET", "lots")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Deploy.RetryBudget != 5 {
		t.Errorf("Expected default budget kept, got %d", cfg.Deploy.RetryBudget)
	}
}

func TestSeconds(t *testing.T) {
	if Seconds(30) != 30*time.Second {
		t.Errorf("Expected 30s, got %s", Seconds(30))
	}
}

func TestEnvOverrideFailingValidationIsFatal(t *testing.T) {
	t.Setenv("WASMFLEET_RETRY_BUDGET", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("Expected a zero budget from the environment to fail validation")
	}
}

package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
	"github.com/wasmfleet/wasmfleet/pkg/registry"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// mockProber returns scripted outcomes per device.
type mockProber struct {
	mu       sync.Mutex
	outcomes map[string]fleet.ProbeOutcome
	delay    time.Duration
	probes   int
	inflight int
	maxSeen  int
}

func newMockProber() *mockProber {
	return &mockProber{outcomes: make(map[string]fleet.ProbeOutcome)}
}

func (p *mockProber) set(deviceID string, outcome fleet.ProbeOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[deviceID] = outcome
}

func (p *mockProber) Probe(ctx context.Context, device fleet.DeviceDescriptor) fleet.ProbeResult {
	p.mu.Lock()
	p.probes++
	p.inflight++
	if p.inflight > p.maxSeen {
		p.maxSeen = p.inflight
	}
	outcome, ok := p.outcomes[device.ID]
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	p.mu.Lock()
	p.inflight--
	p.mu.Unlock()

	if ctx.Err() != nil {
		return fleet.ProbeResult{Outcome: fleet.ProbeTimeout}
	}
	if !ok {
		return fleet.ProbeResult{Outcome: fleet.ProbeSuccess}
	}
	return fleet.ProbeResult{Outcome: outcome}
}

func (p *mockProber) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

func testMonitorConfig() Config {
	return Config{
		Interval:            time.Second,
		ProbeTimeout:        200 * time.Millisecond,
		FailureThreshold:    3,
		MaxConcurrentProbes: 4,
	}
}

func newTestMonitor(t *testing.T, reg *registry.Registry, prober fleet.Prober) *Monitor {
	t.Helper()
	cfg := testMonitorConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Config should be valid: %v", err)
	}
	return NewMonitor(cfg, reg, prober, telemetry.Nop(), nil)
}

func addDevice(reg *registry.Registry, id string) {
	reg.Upsert(fleet.DeviceDescriptor{ID: id, Address: id + ":9000"})
}

func TestMonitor_SuccessfulProbeMarksHealthy(t *testing.T) {
	reg := registry.New(telemetry.Nop())
	prober := newMockProber()
	monitor := newTestMonitor(t, reg, prober)
	addDevice(reg, "dev-1")

	monitor.RunCycle(context.Background())

	dev, _ := reg.Get("dev-1")
	if dev.Health != fleet.HealthHealthy {
		t.Errorf("Expected healthy after successful probe, got %s", dev.Health)
	}
}

func TestMonitor_FailuresEscalateToUnhealthy(t *testing.T) {
	reg := registry.New(telemetry.Nop())
	prober := newMockProber()
	monitor := newTestMonitor(t, reg, prober)
	addDevice(reg, "dev-1")
	prober.set("dev-1", fleet.ProbeUnreachable)

	states := []fleet.HealthState{fleet.HealthSuspect, fleet.HealthSuspect, fleet.HealthUnhealthy}
	for i, want := range states {
		monitor.RunCycle(context.Background())
		dev, _ := reg.Get("dev-1")
		if dev.Health != want {
			t.Fatalf("Cycle %d: expected %s, got %s", i+1, want, dev.Health)
		}
		if dev.ConsecutiveFailures != i+1 {
			t.Fatalf("Cycle %d: expected %d failures, got %d", i+1, i+1, dev.ConsecutiveFailures)
		}
	}

	// Further failures saturate.
	monitor.RunCycle(context.Background())
	dev, _ := reg.Get("dev-1")
	if dev.Health != fleet.HealthUnhealthy || dev.ConsecutiveFailures != 3 {
		t.Errorf("Expected saturated unhealthy/3, got %s/%d", dev.Health, dev.ConsecutiveFailures)
	}
}

func TestMonitor_RecoveryResetsCounter(t *testing.T) {
	reg := registry.New(telemetry.Nop())
	prober := newMockProber()
	monitor := newTestMonitor(t, reg, prober)
	addDevice(reg, "dev-1")

	prober.set("dev-1", fleet.ProbeTimeout)
	for i := 0; i < 3; i++ {
		monitor.RunCycle(context.Background())
	}
	prober.set("dev-1", fleet.ProbeSuccess)
	monitor.RunCycle(context.Background())

	dev, _ := reg.Get("dev-1")
	if dev.Health != fleet.HealthHealthy {
		t.Errorf("Expected recovery to healthy, got %s", dev.Health)
	}
	if dev.ConsecutiveFailures != 0 {
		t.Errorf("Expected counter reset, got %d", dev.ConsecutiveFailures)
	}
}

func TestMonitor_BoundedParallelism(t *testing.T) {
	reg := registry.New(telemetry.Nop())
	prober := newMockProber()
	prober.delay = 20 * time.Millisecond
	monitor := newTestMonitor(t, reg, prober)

	for i := 0; i < 16; i++ {
		addDevice(reg, string(rune('a'+i)))
	}

	monitor.RunCycle(context.Background())

	if prober.probeCount() != 16 {
		t.Errorf("Expected 16 probes, got %d", prober.probeCount())
	}
	prober.mu.Lock()
	maxSeen := prober.maxSeen
	prober.mu.Unlock()
	if maxSeen > 4 {
		t.Errorf("Expected at most 4 concurrent probes, saw %d", maxSeen)
	}
}

func TestMonitor_CycleBudgetLeavesStateUntouched(t *testing.T) {
	reg := registry.New(telemetry.Nop())
	prober := newMockProber()
	// Probes outlast the cycle budget.
	prober.delay = 500 * time.Millisecond

	cfg := Config{
		Interval:            50 * time.Millisecond,
		ProbeTimeout:        40 * time.Millisecond,
		FailureThreshold:    3,
		MaxConcurrentProbes: 1,
	}
	monitor := NewMonitor(cfg, reg, prober, telemetry.Nop(), nil)

	for i := 0; i < 4; i++ {
		addDevice(reg, string(rune('a'+i)))
	}

	monitor.RunCycle(context.Background())

	// Devices whose probes were cut short by the cycle budget (rather than
	// their own probe timeout) must keep their prior state and counter.
	untouched := 0
	for _, dev := range reg.Query(nil) {
		if dev.Health == fleet.HealthUnknown && dev.ConsecutiveFailures == 0 {
			untouched++
		}
	}
	if untouched == 0 {
		t.Error("Expected at least one device left untouched by the expired cycle budget")
	}
}

func TestMonitor_EvictedDeviceNotResurrected(t *testing.T) {
	reg := registry.New(telemetry.Nop())
	prober := newMockProber()
	prober.delay = 30 * time.Millisecond
	monitor := newTestMonitor(t, reg, prober)
	addDevice(reg, "dev-1")

	done := make(chan struct{})
	go func() {
		monitor.RunCycle(context.Background())
		close(done)
	}()

	// Evict while the probe is in flight.
	time.Sleep(10 * time.Millisecond)
	reg.Evict("dev-1")
	<-done

	if _, ok := reg.Get("dev-1"); ok {
		t.Error("Expected evicted device to stay evicted after probe completion")
	}
}

func TestMonitor_EmptyRegistryCycle(t *testing.T) {
	reg := registry.New(telemetry.Nop())
	prober := newMockProber()
	monitor := newTestMonitor(t, reg, prober)

	monitor.RunCycle(context.Background())

	if prober.probeCount() != 0 {
		t.Errorf("Expected no probes against an empty registry, got %d", prober.probeCount())
	}
}

func TestMonitorConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Interval = 0 }},
		{"zero probe timeout", func(c *Config) { c.ProbeTimeout = 0 }},
		{"zero threshold", func(c *Config) { c.FailureThreshold = 0 }},
		{"zero parallelism", func(c *Config) { c.MaxConcurrentProbes = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testMonitorConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation to fail")
			}
		})
	}
}

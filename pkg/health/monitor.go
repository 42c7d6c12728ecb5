// Package health runs the periodic probe loop that drives device health
// state. It is the only component allowed to call Registry.SetHealth; every
// transition follows the table implemented by Transition.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
	"github.com/wasmfleet/wasmfleet/pkg/registry"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// Config controls the monitor's cadence and probe bounds.
type Config struct {
	// Interval is the pause between monitoring cycles. It also serves as the
	// wall-clock budget of one cycle: probes still pending when the next
	// cycle is due are abandoned as inconclusive.
	Interval time.Duration

	// ProbeTimeout bounds one probe against one device.
	ProbeTimeout time.Duration

	// FailureThreshold is the consecutive-failure count at which a device
	// becomes Unhealthy. Must be at least 1.
	FailureThreshold int

	// MaxConcurrentProbes bounds probe parallelism within one cycle.
	MaxConcurrentProbes int
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("health-check interval must be positive, got %s", c.Interval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.MaxConcurrentProbes < 1 {
		return fmt.Errorf("max concurrent probes must be at least 1, got %d", c.MaxConcurrentProbes)
	}
	return nil
}

// Monitor probes every registered device each cycle and applies the
// resulting health transitions to the registry.
type Monitor struct {
	config   Config
	registry *registry.Registry
	prober   fleet.Prober
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewMonitor creates a health monitor. The configuration must already be
// validated.
func NewMonitor(cfg Config, reg *registry.Registry, prober fleet.Prober, logger *telemetry.Logger, metrics *telemetry.Metrics) *Monitor {
	return &Monitor{
		config:   cfg,
		registry: reg,
		prober:   prober,
		logger:   logger.NewComponentLogger("health-monitor"),
		metrics:  metrics,
	}
}

// Run executes monitoring cycles until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.logger.WithField("interval", m.config.Interval.String()).
		WithField("threshold", m.config.FailureThreshold).
		Info("Health monitor started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle probes every currently-registered device once. Probes run
// concurrently up to MaxConcurrentProbes; the cycle abandons probes still
// pending when its wall-clock budget (the interval) expires, leaving those
// devices untouched.
func (m *Monitor) RunCycle(ctx context.Context) {
	devices := m.registry.Query(func(*fleet.DeviceDescriptor) bool { return true })
	if len(devices) == 0 {
		return
	}

	cycleCtx, cancel := context.WithTimeout(ctx, m.config.Interval)
	defer cancel()

	sem := make(chan struct{}, m.config.MaxConcurrentProbes)
	var wg sync.WaitGroup

	for _, dev := range devices {
		select {
		case sem <- struct{}{}:
		case <-cycleCtx.Done():
			// Budget expired; remaining devices are inconclusive this cycle.
			m.recordInconclusive(len(devices))
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(dev fleet.DeviceDescriptor) {
			defer wg.Done()
			defer func() { <-sem }()
			m.probeOne(cycleCtx, dev)
		}(dev)
	}

	wg.Wait()
	m.publishHealthGauges()
}

func (m *Monitor) recordInconclusive(total int) {
	if m.metrics != nil {
		m.metrics.RecordProbe(string(fleet.ProbeInconclusive), 0)
	}
	m.logger.WithField("devices", total).
		Warn("Monitoring cycle budget expired before all probes completed")
}

// probeOne issues a single probe and applies the transition. The registry is
// re-read after the probe so a device evicted mid-probe is not resurrected.
func (m *Monitor) probeOne(ctx context.Context, dev fleet.DeviceDescriptor) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	start := time.Now()
	result := m.prober.Probe(probeCtx, dev)
	elapsed := time.Since(start)

	// A probe cut short by the cycle budget rather than its own timeout is
	// inconclusive: the device keeps its state and counter.
	if ctx.Err() != nil && result.Outcome != fleet.ProbeSuccess {
		result.Outcome = fleet.ProbeInconclusive
	}

	if m.metrics != nil {
		m.metrics.RecordProbe(string(result.Outcome), elapsed.Seconds())
	}

	current, ok := m.registry.Get(dev.ID)
	if !ok {
		return
	}

	next, failures := Transition(current.Health, result.Outcome, current.ConsecutiveFailures, m.config.FailureThreshold)
	if next == current.Health && failures == current.ConsecutiveFailures && result.Outcome != fleet.ProbeSuccess {
		return
	}

	if result.Outcome == fleet.ProbeSuccess && len(result.Resources) > 0 {
		m.registry.UpdateResources(dev.ID, result.Resources)
	}
	m.registry.SetHealth(dev.ID, next, failures)

	if next != current.Health {
		m.logger.WithDeviceID(dev.ID).
			WithField("from", string(current.Health)).
			WithField("to", string(next)).
			WithField("failures", failures).
			Info("Device health transition")
	}
}

func (m *Monitor) publishHealthGauges() {
	if m.metrics == nil {
		return
	}
	counts := map[fleet.HealthState]int{
		fleet.HealthUnknown:   0,
		fleet.HealthHealthy:   0,
		fleet.HealthSuspect:   0,
		fleet.HealthUnhealthy: 0,
	}
	for _, dev := range m.registry.Query(func(*fleet.DeviceDescriptor) bool { return true }) {
		counts[dev.Health]++
	}
	for state, n := range counts {
		m.metrics.SetDevicesByHealth(string(state), n)
	}
}

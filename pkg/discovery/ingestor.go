// Package discovery ingests device presence announcements and keeps the
// registry's population current. Devices that stop announcing are evicted
// after a configured number of scan cycles.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/registry"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// Source yields raw announcements from a discovery transport. The transport
// itself (mDNS, UDP broadcast, a seeded list) is outside the core; the
// ingestor only consumes its output.
type Source interface {
	// Scan runs one discovery pass, calling emit for every raw announcement
	// observed. It returns when the pass completes or the context expires,
	// whichever comes first.
	Scan(ctx context.Context, emit func(raw []byte)) error
}

// Config controls the ingestor's cadence and eviction policy.
type Config struct {
	// ScanInterval is the pause between discovery cycles.
	ScanInterval time.Duration

	// ScanDuration is the wall-clock bound of one discovery pass.
	ScanDuration time.Duration

	// EvictAfterCycles is the number of consecutive cycles a device may go
	// unseen before it is evicted. Must be at least 1.
	EvictAfterCycles int
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan interval must be positive, got %s", c.ScanInterval)
	}
	if c.ScanDuration <= 0 {
		return fmt.Errorf("scan duration must be positive, got %s", c.ScanDuration)
	}
	if c.EvictAfterCycles < 1 {
		return fmt.Errorf("eviction cycle count must be at least 1, got %d", c.EvictAfterCycles)
	}
	return nil
}

// Ingestor runs the discovery loop. Announcements may also be pushed to it
// directly (the API's announce endpoint does this); pushed announcements
// count as sightings for the current cycle.
type Ingestor struct {
	config   Config
	source   Source
	registry *registry.Registry
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewIngestor creates a discovery ingestor. The configuration must already
// be validated. source may be nil when all announcements arrive via Ingest.
func NewIngestor(cfg Config, source Source, reg *registry.Registry, logger *telemetry.Logger, metrics *telemetry.Metrics) *Ingestor {
	return &Ingestor{
		config:   cfg,
		source:   source,
		registry: reg,
		logger:   logger.NewComponentLogger("discovery"),
		metrics:  metrics,
	}
}

// Run executes discovery cycles until the context is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.config.ScanInterval)
	defer ticker.Stop()

	i.logger.WithField("scan_interval", i.config.ScanInterval.String()).
		WithField("evict_after_cycles", i.config.EvictAfterCycles).
		Info("Discovery ingestor started")

	// Run one cycle immediately so the fleet populates before the first tick.
	i.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			i.logger.Info("Discovery ingestor stopped")
			return ctx.Err()
		case <-ticker.C:
			i.RunCycle(ctx)
		}
	}
}

// RunCycle performs one bounded discovery pass followed by an eviction
// sweep. A failing source is logged and retried next cycle, never fatal.
func (i *Ingestor) RunCycle(ctx context.Context) {
	i.registry.BeginScanCycle()

	if i.source != nil {
		scanCtx, cancel := context.WithTimeout(ctx, i.config.ScanDuration)
		if err := i.source.Scan(scanCtx, func(raw []byte) { i.Ingest(raw) }); err != nil && ctx.Err() == nil {
			i.logger.WithError(err).Warn("Discovery scan failed")
		}
		cancel()
	}

	evicted := i.registry.Sweep(uint64(i.config.EvictAfterCycles))
	if len(evicted) > 0 {
		i.logger.WithField("devices", evicted).Info("Evicted unseen devices")
	}
	if i.metrics != nil {
		i.metrics.RecordScanCycle()
		i.metrics.RecordEviction(len(evicted))
		i.metrics.SetDevicesRegistered(i.registry.Len())
	}
}

// Ingest parses one raw announcement and upserts the device. Malformed
// announcements are discarded and logged.
func (i *Ingestor) Ingest(raw []byte) {
	ann, err := ParseAnnouncement(raw)
	if err != nil {
		if i.metrics != nil {
			i.metrics.RecordAnnouncement("malformed")
		}
		i.logger.WithError(err).Warn("Discarding malformed announcement")
		return
	}
	i.Announce(ann)
}

// Announce upserts one validated announcement into the registry.
func (i *Ingestor) Announce(ann *Announcement) {
	i.registry.Upsert(ann.Descriptor(time.Now().UTC()))
	if i.metrics != nil {
		i.metrics.RecordAnnouncement("ok")
	}
}

package stores

import (
	"context"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
	"github.com/wasmfleet/wasmfleet/pkg/registry"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// DevicePersister mirrors registry changes into the store. It consumes the
// registry's event stream; because slow subscribers can miss events, it also
// reconciles the full registry contents on a fixed interval.
type DevicePersister struct {
	registry  *registry.Registry
	store     Store
	logger    *telemetry.Logger
	reconcile time.Duration
}

// NewDevicePersister creates a persister. store should be a ResilientStore
// so device churn never stalls on the database.
func NewDevicePersister(reg *registry.Registry, store Store, logger *telemetry.Logger) *DevicePersister {
	return &DevicePersister{
		registry:  reg,
		store:     store,
		logger:    logger.NewComponentLogger("device-persister"),
		reconcile: time.Minute,
	}
}

// Run persists registry events until the context is cancelled.
func (p *DevicePersister) Run(ctx context.Context) error {
	sub := p.registry.Watch(256)
	defer p.registry.Unwatch(sub)

	ticker := time.NewTicker(p.reconcile)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.C:
			p.apply(ctx, ev)
		case <-ticker.C:
			p.reconcileAll(ctx)
		}
	}
}

func (p *DevicePersister) apply(ctx context.Context, ev registry.Event) {
	switch ev.Type {
	case registry.EventDeviceEvicted:
		if err := p.store.DeleteDevice(ctx, ev.Device.ID); err != nil {
			p.logger.WithError(err).WithDeviceID(ev.Device.ID).Warn("Failed to delete evicted device")
		}
	default:
		rec, err := DeviceToRecord(&ev.Device, time.Now().UTC())
		if err != nil {
			p.logger.WithError(err).WithDeviceID(ev.Device.ID).Warn("Failed to encode device record")
			return
		}
		if err := p.store.UpsertDevice(ctx, rec); err != nil {
			p.logger.WithError(err).WithDeviceID(ev.Device.ID).Warn("Failed to persist device")
		}
	}
}

// reconcileAll rewrites every registered device, repairing any records lost
// to dropped events.
func (p *DevicePersister) reconcileAll(ctx context.Context) {
	now := time.Now().UTC()
	for _, dev := range p.registry.Query(func(*fleet.DeviceDescriptor) bool { return true }) {
		rec, err := DeviceToRecord(&dev, now)
		if err != nil {
			continue
		}
		if err := p.store.UpsertDevice(ctx, rec); err != nil {
			p.logger.WithError(err).WithDeviceID(dev.ID).Warn("Failed to persist device")
		}
	}
}

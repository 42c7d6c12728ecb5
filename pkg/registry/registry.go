// Package registry holds the authoritative in-memory map of known devices.
// It is the single shared mutable resource of the engine: the discovery
// ingestor and health monitor mutate it from independent loops while the
// matcher reads snapshots. Updates are serialized per device through lock
// striping so a fleet-wide scan never blocks behind one slow stripe.
package registry

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

const stripeCount = 32

type entry struct {
	desc *fleet.DeviceDescriptor

	// seenGen is the discovery scan generation in which the device was
	// last announced or answered a probe. Sweep evicts entries whose
	// seenGen has fallen too far behind.
	seenGen uint64
}

type stripe struct {
	mu      sync.RWMutex
	devices map[string]*entry
}

// Registry is the concurrent device registry.
type Registry struct {
	stripes [stripeCount]*stripe

	genMu sync.Mutex
	gen   uint64

	watchMu   sync.RWMutex
	watchers  map[int]*Subscription
	nextWatch int

	logger *telemetry.Logger
}

// New creates an empty registry.
func New(logger *telemetry.Logger) *Registry {
	r := &Registry{
		watchers: make(map[int]*Subscription),
		logger:   logger.NewComponentLogger("registry"),
	}
	for i := range r.stripes {
		r.stripes[i] = &stripe{devices: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) stripeFor(id string) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.stripes[h.Sum32()%stripeCount]
}

func (r *Registry) generation() uint64 {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return r.gen
}

// Upsert inserts or updates a device from an announcement. Re-announcing an
// already-registered device is idempotent: it refreshes last-seen and merges
// capability/resource fields but never touches health state or failure
// counters.
func (r *Registry) Upsert(desc fleet.DeviceDescriptor) {
	now := time.Now()
	gen := r.generation()
	s := r.stripeFor(desc.ID)

	s.mu.Lock()
	e, exists := s.devices[desc.ID]
	if !exists {
		d := desc.Clone()
		if d.Health == "" {
			d.Health = fleet.HealthUnknown
		}
		d.RegisteredAt = now
		d.LastSeen = now
		s.devices[desc.ID] = &entry{desc: d, seenGen: gen}
		snapshot := *d.Clone()
		s.mu.Unlock()

		r.logger.WithDeviceID(desc.ID).Info("device registered")
		r.publish(Event{Type: EventDeviceAdded, Device: snapshot, Timestamp: now})
		return
	}

	changed := e.desc.Address != desc.Address ||
		(desc.Name != "" && e.desc.Name != desc.Name)

	e.desc.Address = desc.Address
	if desc.Name != "" {
		e.desc.Name = desc.Name
	}
	if len(desc.Capabilities) > 0 && !e.desc.Capabilities.Equal(desc.Capabilities) {
		e.desc.Capabilities = desc.Capabilities.Clone()
		changed = true
	}
	// Merge announced metrics key by key: probe-reported metrics the
	// announcement does not carry must survive a re-announcement.
	if len(desc.Resources) > 0 && e.desc.Resources == nil {
		e.desc.Resources = make(fleet.Resources, len(desc.Resources))
	}
	for name, v := range desc.Resources {
		if cur, ok := e.desc.Resources[name]; !ok || cur != v {
			e.desc.Resources[name] = v
			changed = true
		}
	}
	e.desc.LastSeen = now
	e.seenGen = gen
	snapshot := *e.desc.Clone()
	s.mu.Unlock()

	if changed {
		r.publish(Event{Type: EventDeviceUpdated, Device: snapshot, Timestamp: now})
	}
}

// Get returns a snapshot of one device.
func (r *Registry) Get(id string) (fleet.DeviceDescriptor, bool) {
	s := r.stripeFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[id]
	if !ok {
		return fleet.DeviceDescriptor{}, false
	}
	return *e.desc.Clone(), true
}

// Query returns point-in-time copies of every device matching the predicate.
// The snapshot is consistent per device, not across devices.
func (r *Registry) Query(pred func(*fleet.DeviceDescriptor) bool) []fleet.DeviceDescriptor {
	var out []fleet.DeviceDescriptor
	for _, s := range r.stripes {
		s.mu.RLock()
		for _, e := range s.devices {
			if pred == nil || pred(e.desc) {
				out = append(out, *e.desc.Clone())
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.stripes {
		s.mu.RLock()
		n += len(s.devices)
		s.mu.RUnlock()
	}
	return n
}

// SetHealth records a health-monitor decision for a device. Only the health
// monitor calls this. A successful probe also counts as a sighting for
// eviction purposes. No-op if the device is gone.
func (r *Registry) SetHealth(id string, state fleet.HealthState, failures int) {
	now := time.Now()
	s := r.stripeFor(id)

	s.mu.Lock()
	e, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	prev := e.desc.Health
	e.desc.Health = state
	e.desc.ConsecutiveFailures = failures
	if state == fleet.HealthHealthy {
		e.desc.LastSeen = now
		e.seenGen = r.generation()
	}
	snapshot := *e.desc.Clone()
	s.mu.Unlock()

	if prev != state {
		r.logger.WithDeviceID(id).
			WithField("from", string(prev)).
			WithField("to", string(state)).
			Info("device health changed")
		r.publish(Event{Type: EventHealthChanged, Device: snapshot, PrevHealth: prev, Timestamp: now})
	}
}

// UpdateResources merges a probe's resource report into the device entry.
func (r *Registry) UpdateResources(id string, res fleet.Resources) {
	if len(res) == 0 {
		return
	}
	s := r.stripeFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.devices[id]; ok {
		if e.desc.Resources == nil {
			e.desc.Resources = make(fleet.Resources, len(res))
		}
		for name, v := range res {
			e.desc.Resources[name] = v
		}
	}
}

// Evict removes a device. Safe to call on an absent id.
func (r *Registry) Evict(id string) {
	now := time.Now()
	s := r.stripeFor(id)

	s.mu.Lock()
	e, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	snapshot := *e.desc.Clone()
	delete(s.devices, id)
	s.mu.Unlock()

	r.logger.WithDeviceID(id).Info("device evicted")
	r.publish(Event{Type: EventDeviceEvicted, Device: snapshot, Timestamp: now})
}

// BeginScanCycle advances the discovery generation. The discovery ingestor
// calls it once at the start of each scan cycle.
func (r *Registry) BeginScanCycle() {
	r.genMu.Lock()
	r.gen++
	r.genMu.Unlock()
}

// Sweep evicts every device not sighted for at least evictAfter scan cycles
// and returns the evicted IDs. Called by the discovery ingestor after each
// cycle.
func (r *Registry) Sweep(evictAfter uint64) []string {
	if evictAfter == 0 {
		return nil
	}
	gen := r.generation()

	var stale []string
	for _, s := range r.stripes {
		s.mu.RLock()
		for id, e := range s.devices {
			if gen >= e.seenGen && gen-e.seenGen >= evictAfter {
				stale = append(stale, id)
			}
		}
		s.mu.RUnlock()
	}
	for _, id := range stale {
		r.Evict(id)
	}
	return stale
}

// Watch registers an event subscriber with the given buffer size. Delivery
// is non-blocking: a full buffer drops the event.
func (r *Registry) Watch(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch}

	r.watchMu.Lock()
	sub.id = r.nextWatch
	r.nextWatch++
	r.watchers[sub.id] = sub
	r.watchMu.Unlock()
	return sub
}

// Unwatch removes a subscription and closes its channel.
func (r *Registry) Unwatch(sub *Subscription) {
	if sub == nil {
		return
	}
	r.watchMu.Lock()
	if _, ok := r.watchers[sub.id]; ok {
		delete(r.watchers, sub.id)
		close(sub.ch)
	}
	r.watchMu.Unlock()
}

func (r *Registry) publish(ev Event) {
	r.watchMu.RLock()
	defer r.watchMu.RUnlock()
	for _, sub := range r.watchers {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber fell behind; it reconciles on its next wake.
		}
	}
}

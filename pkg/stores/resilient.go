package stores

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// ResilientStore wraps a Store so that write failures never propagate to the
// orchestration loops. Failed writes are queued and replayed in order by a
// background loop with exponential backoff; while the queue is non-empty the
// store is in degraded mode and the core keeps serving from memory.
type ResilientStore struct {
	Store

	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	degraded bool
	queue    []pendingWrite
	wake     chan struct{}

	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxQueue    int
}

type pendingWrite struct {
	name  string
	apply func(ctx context.Context) error
}

// NewResilientStore wraps inner with write buffering.
func NewResilientStore(inner Store, logger *telemetry.Logger, metrics *telemetry.Metrics) *ResilientStore {
	return &ResilientStore{
		Store:       inner,
		logger:      logger.NewComponentLogger("store"),
		metrics:     metrics,
		wake:        make(chan struct{}, 1),
		baseBackoff: time.Second,
		maxBackoff:  time.Minute,
		maxQueue:    4096,
	}
}

// Degraded reports whether writes are currently being buffered.
func (r *ResilientStore) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// Run replays buffered writes until the context is cancelled. It must run
// for degraded mode to recover.
func (r *ResilientStore) Run(ctx context.Context) error {
	backoff := r.baseBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
		case <-time.After(backoff):
		}

		if r.drain(ctx) {
			backoff = r.baseBackoff
			continue
		}
		// Still failing; back off with jitter.
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
		backoff += time.Duration(rand.Int63n(int64(r.baseBackoff)))
	}
}

// drain replays the queue in order. Returns true when the queue emptied.
func (r *ResilientStore) drain(ctx context.Context) bool {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			if r.degraded {
				r.degraded = false
				r.setDegradedMetric(false)
				r.logger.Info("Persistent store recovered, degraded mode cleared")
			}
			r.mu.Unlock()
			return true
		}
		w := r.queue[0]
		r.mu.Unlock()

		if r.metrics != nil {
			r.metrics.RecordStoreRetry()
		}
		if err := w.apply(ctx); err != nil {
			r.logger.WithError(err).WithField("operation", w.name).
				Debug("Buffered store write still failing")
			return false
		}

		r.mu.Lock()
		r.queue = r.queue[1:]
		r.mu.Unlock()
	}
}

// absorb runs a write, buffering it on failure. It never returns an error.
func (r *ResilientStore) absorb(ctx context.Context, name string, apply func(ctx context.Context) error) {
	r.mu.Lock()
	buffered := r.degraded
	r.mu.Unlock()

	// While degraded, preserve write order by appending behind the queue.
	if !buffered {
		err := apply(ctx)
		if err == nil {
			return
		}
		r.logger.WithError(err).WithField("operation", name).
			Warn("Persistent store write failed, entering degraded mode")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.degraded {
		r.degraded = true
		r.setDegradedMetric(true)
	}
	if len(r.queue) >= r.maxQueue {
		// Drop the oldest write; later upserts supersede it anyway.
		r.queue = r.queue[1:]
	}
	r.queue = append(r.queue, pendingWrite{name: name, apply: apply})
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *ResilientStore) setDegradedMetric(degraded bool) {
	if r.metrics != nil {
		r.metrics.SetStoreDegraded(degraded)
	}
}

// UpsertDevice persists a device record, buffering on store failure.
func (r *ResilientStore) UpsertDevice(ctx context.Context, rec *DeviceRecord) error {
	cp := *rec
	r.absorb(ctx, "upsert_device", func(ctx context.Context) error {
		return r.Store.UpsertDevice(ctx, &cp)
	})
	return nil
}

// DeleteDevice removes a device record, buffering on store failure.
func (r *ResilientStore) DeleteDevice(ctx context.Context, id string) error {
	r.absorb(ctx, "delete_device", func(ctx context.Context) error {
		return r.Store.DeleteDevice(ctx, id)
	})
	return nil
}

// UpsertModule persists a module record, buffering on store failure.
func (r *ResilientStore) UpsertModule(ctx context.Context, rec *ModuleRecord) error {
	cp := *rec
	r.absorb(ctx, "upsert_module", func(ctx context.Context) error {
		return r.Store.UpsertModule(ctx, &cp)
	})
	return nil
}

// UpsertDeployment persists a deployment record, buffering on store failure.
func (r *ResilientStore) UpsertDeployment(ctx context.Context, rec *DeploymentRecord) error {
	cp := *rec
	r.absorb(ctx, "upsert_deployment", func(ctx context.Context) error {
		return r.Store.UpsertDeployment(ctx, &cp)
	})
	return nil
}

// AppendEvent persists an event, buffering on store failure.
func (r *ResilientStore) AppendEvent(ctx context.Context, event *Event) error {
	cp := *event
	r.absorb(ctx, "append_event", func(ctx context.Context) error {
		return r.Store.AppendEvent(ctx, &cp)
	})
	return nil
}

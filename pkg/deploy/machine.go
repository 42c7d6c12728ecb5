package deploy

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
	"github.com/wasmfleet/wasmfleet/pkg/registry"
	"github.com/wasmfleet/wasmfleet/pkg/stores"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// runMachine drives one deployment from Pending to a terminal state. It is
// the sole writer of the deployment after submission, so transitions are
// serialized by construction.
func (m *Manager) runMachine(t *tracked) {
	defer m.wg.Done()

	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()

	sub := m.registry.Watch(64)
	defer m.registry.Unwatch(sub)

	if t.snapshot().State == fleet.DeploymentPending {
		m.transition(ctx, t, fleet.DeploymentScheduling, fleet.ReasonNone, nil)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		snap := t.snapshot()
		if snap.State.IsTerminal() {
			return
		}
		if t.cancelled() {
			m.finishCancelled(ctx, t)
			return
		}

		switch snap.State {
		case fleet.DeploymentScheduling:
			m.scheduleStep(ctx, t, sub)
		case fleet.DeploymentRunning:
			m.supervise(ctx, t, sub)
		default:
			// Deploying is entered and left inside scheduleStep; any other
			// state here is a restore artifact, re-enter scheduling.
			m.transition(ctx, t, fleet.DeploymentScheduling, fleet.ReasonNone, nil)
		}
	}
}

// scheduleStep places the next unplaced module of the pipeline. One call
// handles at most one matcher decision: either a deploy attempt or a wait
// for registry changes. Modules are matched by ID, not position: after an
// eviction drops a mid-pipeline placement, the evicted module is the one
// re-placed, never an already-placed later step.
func (m *Manager) scheduleStep(ctx context.Context, t *tracked, sub *registry.Subscription) {
	snap := t.snapshot()
	var mod fleet.ModuleDescriptor
	placed := true
	for _, candidate := range snap.Request.Modules {
		if _, ok := snap.DeviceOf(candidate.ID); !ok {
			mod = candidate
			placed = false
			break
		}
	}
	if placed {
		m.transition(ctx, t, fleet.DeploymentRunning, fleet.ReasonNone, nil)
		return
	}

	excluded := make(map[string]struct{}, len(snap.Excluded))
	for _, id := range snap.Excluded {
		excluded[id] = struct{}{}
	}

	device, err := m.matcher.Select(mod, excluded)
	if err != nil {
		m.consumeAttempt(ctx, t, fleet.ReasonSchedulingExhausted, "", "no eligible device for module "+mod.ID)
		if t.snapshot().State.IsTerminal() {
			return
		}
		m.awaitRegistryChange(ctx, t, sub)
		return
	}

	m.deployStep(ctx, t, device, mod)
}

// deployStep issues one deploy command and applies its outcome. The command
// races cancellation: a cancel observed first wins, and a late success is
// undone via undeploy.
func (m *Manager) deployStep(ctx context.Context, t *tracked, device fleet.DeviceDescriptor, mod fleet.ModuleDescriptor) {
	snap := t.snapshot()
	m.transition(ctx, t, fleet.DeploymentDeploying, fleet.ReasonNone, nil)
	m.appendEvent(ctx, snap.ID, device.ID, stores.EventLevelInfo, "deploying module "+mod.ID)

	spanCtx := ctx
	var span trace.Span
	if m.tracer != nil {
		spanCtx, span = m.tracer.StartPlacementSpan(ctx, snap.ID, mod.ID, device.ID)
		defer span.End()
	}

	deployCtx, cancel := context.WithTimeout(spanCtx, m.config.DeployTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- m.deployer.Deploy(deployCtx, device, snap.ID, mod)
	}()

	select {
	case err := <-done:
		m.recordDeployMetric(err, time.Since(start))
		if err != nil {
			if span != nil {
				telemetry.RecordError(span, err)
			}
			m.appendEvent(ctx, snap.ID, device.ID, stores.EventLevelWarning, "deploy failed: "+err.Error())
			m.consumeAttempt(ctx, t, fleet.ReasonDeployExhausted, device.ID, "deploy to "+device.ID+" failed")
			return
		}
		if span != nil {
			telemetry.RecordSuccess(span)
		}
		m.transition(ctx, t, fleet.DeploymentScheduling, fleet.ReasonNone, func(dep *fleet.Deployment) {
			dep.Placements = append(dep.Placements, fleet.Placement{
				ModuleID:   mod.ID,
				DeviceID:   device.ID,
				DeployedAt: time.Now().UTC(),
			})
		})
		m.appendEvent(ctx, snap.ID, device.ID, stores.EventLevelInfo, "module "+mod.ID+" placed")

	case <-t.cancelCh:
		// Cancel won the race. If the in-flight deploy still succeeds, the
		// device must not keep the module.
		go func() {
			if err := <-done; err == nil {
				m.undeploy(device, snap.ID)
			}
		}()
		m.finishCancelled(ctx, t)
	}
}

// consumeAttempt charges one attempt against the budget, excluding the given
// device (if any). When the budget is exhausted the deployment fails with
// the supplied reason.
func (m *Manager) consumeAttempt(ctx context.Context, t *tracked, reason fleet.FailureReason, excludeDevice, detail string) {
	t.mu.Lock()
	t.dep.Attempts++
	if excludeDevice != "" && !t.dep.IsExcluded(excludeDevice) {
		t.dep.Excluded = append(t.dep.Excluded, excludeDevice)
	}
	exhausted := t.dep.Attempts >= t.dep.Request.RetryBudget
	attempts := t.dep.Attempts
	budget := t.dep.Request.RetryBudget
	id := t.dep.ID
	t.mu.Unlock()

	m.logger.WithDeploymentID(id).
		WithField("attempts", attempts).
		WithField("budget", budget).
		Warn(detail)

	if exhausted {
		m.appendEvent(ctx, id, excludeDevice, stores.EventLevelError, "retry budget exhausted: "+detail)
		m.transition(ctx, t, fleet.DeploymentFailed, reason, nil)
		return
	}
	m.transition(ctx, t, fleet.DeploymentScheduling, fleet.ReasonNone, nil)
}

// awaitRegistryChange parks a scheduling deployment until the registry
// changes, the backoff elapses, or the deployment is cancelled. Events may
// be dropped under load, so the backoff timer guarantees re-evaluation.
func (m *Manager) awaitRegistryChange(ctx context.Context, t *tracked, sub *registry.Subscription) {
	timer := time.NewTimer(m.config.SchedulingBackoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-t.cancelCh:
	case <-sub.C:
		// Drain whatever else queued; the next matcher call reads current
		// registry state anyway.
		for {
			select {
			case <-sub.C:
			default:
				return
			}
		}
	case <-timer.C:
	}
}

// supervise watches a running deployment's placed devices. A device turning
// Unhealthy or vanishing is treated as a deploy failure: undeploy, exclude,
// reschedule.
func (m *Manager) supervise(ctx context.Context, t *tracked, sub *registry.Subscription) {
	ticker := time.NewTicker(m.config.SuperviseInterval)
	defer ticker.Stop()

	for {
		if failed := m.failedPlacement(t); failed != "" {
			m.evictPlacement(ctx, t, failed)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-t.cancelCh:
			m.finishCancelled(ctx, t)
			return
		case <-t.completeCh:
			m.transition(ctx, t, fleet.DeploymentCompleted, fleet.ReasonNone, nil)
			m.appendEvent(ctx, t.snapshot().ID, "", stores.EventLevelInfo, "deployment completed")
			return
		case <-sub.C:
			// Re-check below; the event itself may be stale or dropped.
		case <-ticker.C:
		}
	}
}

// failedPlacement returns the device id of the first placement whose device
// is gone or Unhealthy, or "" when all placements are sound.
func (m *Manager) failedPlacement(t *tracked) string {
	snap := t.snapshot()
	for _, p := range snap.Placements {
		dev, ok := m.registry.Get(p.DeviceID)
		if !ok || dev.Health == fleet.HealthUnhealthy {
			return p.DeviceID
		}
	}
	return ""
}

// evictPlacement abandons every placement on the failed device and charges
// an attempt, then the machine loop reschedules the affected modules.
func (m *Manager) evictPlacement(ctx context.Context, t *tracked, deviceID string) {
	snap := t.snapshot()
	if dev, ok := m.registry.Get(deviceID); ok {
		m.undeploy(dev, snap.ID)
	}

	t.mu.Lock()
	kept := t.dep.Placements[:0]
	for _, p := range t.dep.Placements {
		if p.DeviceID != deviceID {
			kept = append(kept, p)
		}
	}
	t.dep.Placements = kept
	t.mu.Unlock()

	m.appendEvent(ctx, snap.ID, deviceID, stores.EventLevelWarning, "placed device became unavailable, rescheduling")
	m.consumeAttempt(ctx, t, fleet.ReasonDeployExhausted, deviceID, "device "+deviceID+" became unavailable while running")
}

// finishCancelled undeploys whatever is placed and terminates the
// deployment as Failed(cancelled).
func (m *Manager) finishCancelled(ctx context.Context, t *tracked) {
	snap := t.snapshot()
	for _, p := range snap.Placements {
		if dev, ok := m.registry.Get(p.DeviceID); ok {
			m.undeploy(dev, snap.ID)
		}
	}
	m.appendEvent(ctx, snap.ID, "", stores.EventLevelInfo, "deployment cancelled")
	m.transition(ctx, t, fleet.DeploymentFailed, fleet.ReasonCancelled, nil)
}

// undeploy fires a best-effort undeploy signal without blocking the machine.
func (m *Manager) undeploy(device fleet.DeviceDescriptor, deploymentID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.UndeployTimeout)
		defer cancel()
		if err := m.deployer.Undeploy(ctx, device, deploymentID); err != nil {
			m.logger.WithError(err).
				WithDeviceID(device.ID).
				WithDeploymentID(deploymentID).
				Debug("Best-effort undeploy failed")
		}
	}()
}

func (m *Manager) recordDeployMetric(err error, elapsed time.Duration) {
	if m.metrics == nil {
		return
	}
	result := "ack"
	if err != nil {
		result = "failure"
	}
	m.metrics.RecordDeployAttempt(result, elapsed.Seconds())
}

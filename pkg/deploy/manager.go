// Package deploy owns the per-deployment lifecycle state machine. Each
// active deployment is driven by its own goroutine, so transitions on one
// deployment are serialized while deployments progress independently.
package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
	"github.com/wasmfleet/wasmfleet/pkg/match"
	"github.com/wasmfleet/wasmfleet/pkg/registry"
	"github.com/wasmfleet/wasmfleet/pkg/stores"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// Config controls scheduling and retry behavior.
type Config struct {
	// DefaultRetryBudget is the attempt budget applied to requests that do
	// not carry their own. Must be at least 1.
	DefaultRetryBudget int

	// SchedulingBackoff is how long a deployment waits for registry changes
	// after finding no eligible device, before re-evaluating anyway.
	SchedulingBackoff time.Duration

	// DeployTimeout bounds one deploy command to one device.
	DeployTimeout time.Duration

	// UndeployTimeout bounds a best-effort undeploy signal.
	UndeployTimeout time.Duration

	// SuperviseInterval is how often a running deployment re-checks its
	// placed devices against the registry, independent of event delivery.
	SuperviseInterval time.Duration
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.DefaultRetryBudget < 1 {
		return fmt.Errorf("retry budget must be at least 1, got %d", c.DefaultRetryBudget)
	}
	if c.SchedulingBackoff <= 0 {
		return fmt.Errorf("scheduling backoff must be positive, got %s", c.SchedulingBackoff)
	}
	if c.DeployTimeout <= 0 {
		return fmt.Errorf("deploy timeout must be positive, got %s", c.DeployTimeout)
	}
	if c.UndeployTimeout <= 0 {
		return fmt.Errorf("undeploy timeout must be positive, got %s", c.UndeployTimeout)
	}
	if c.SuperviseInterval <= 0 {
		return fmt.Errorf("supervise interval must be positive, got %s", c.SuperviseInterval)
	}
	return nil
}

// TransitionListener observes deployment state changes. Listeners receive a
// snapshot and must not block.
type TransitionListener func(dep fleet.Deployment)

// tracked pairs a deployment with its machine's signalling channels. The
// machine goroutine is the only writer of dep after submission.
type tracked struct {
	mu  sync.Mutex
	dep *fleet.Deployment

	cancelCh   chan struct{}
	cancelOnce sync.Once
	completeCh chan struct{}
}

func (t *tracked) snapshot() fleet.Deployment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.dep.Clone()
}

func (t *tracked) cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

// Manager runs deployment state machines and answers submit/status/cancel.
type Manager struct {
	config   Config
	registry *registry.Registry
	matcher  *match.Matcher
	deployer fleet.Deployer
	store    stores.Store
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	mu          sync.RWMutex
	deployments map[string]*tracked
	listeners   []TransitionListener
	ctx         context.Context
	started     bool

	wg sync.WaitGroup
}

// NewManager creates a deployment manager. The configuration must already be
// validated.
func NewManager(cfg Config, reg *registry.Registry, matcher *match.Matcher, deployer fleet.Deployer, store stores.Store, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Manager {
	return &Manager{
		config:      cfg,
		registry:    reg,
		matcher:     matcher,
		deployer:    deployer,
		store:       store,
		logger:      logger.NewComponentLogger("deploy-manager"),
		metrics:     metrics,
		tracer:      tracer,
		deployments: make(map[string]*tracked),
	}
}

// OnTransition registers a listener for deployment state changes. Must be
// called before Start.
func (m *Manager) OnTransition(fn TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start makes the manager ready to accept submissions. Machines run under
// the given context; cancelling it stops every machine at its next
// evaluation point.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.started = true
	m.mu.Unlock()
}

// Run starts the manager and blocks until the context is cancelled and all
// machines have stopped.
func (m *Manager) Run(ctx context.Context) error {
	m.Start(ctx)
	<-ctx.Done()
	m.wg.Wait()
	return ctx.Err()
}

// Wait blocks until all machine goroutines have exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Submit accepts a deployment request and starts its state machine.
func (m *Manager) Submit(ctx context.Context, req fleet.DeploymentRequest) (string, error) {
	if len(req.Modules) == 0 {
		return "", fleet.NewPermanentError("deployment request has no modules", nil).
			WithOperation("submit")
	}
	seen := make(map[string]struct{}, len(req.Modules))
	for _, mod := range req.Modules {
		if mod.ID == "" {
			return "", fleet.NewPermanentError("deployment request module missing id", nil).
				WithOperation("submit")
		}
		if _, dup := seen[mod.ID]; dup {
			return "", fleet.NewPermanentError("deployment request repeats module "+mod.ID, nil).
				WithOperation("submit")
		}
		seen[mod.ID] = struct{}{}
	}
	if req.RetryBudget <= 0 {
		req.RetryBudget = m.config.DefaultRetryBudget
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	now := time.Now().UTC()
	dep := &fleet.Deployment{
		ID:        uuid.New().String(),
		Request:   req,
		State:     fleet.DeploymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	t := &tracked{
		dep:        dep,
		cancelCh:   make(chan struct{}),
		completeCh: make(chan struct{}, 1),
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return "", fleet.NewTransientError("deployment manager not started", nil).
			WithOperation("submit")
	}
	m.deployments[dep.ID] = t
	m.mu.Unlock()

	m.persist(ctx, t.snapshot())
	m.appendEvent(ctx, dep.ID, "", stores.EventLevelInfo, "deployment accepted")
	if m.metrics != nil {
		m.metrics.RecordDeploymentSubmitted()
	}
	m.updateActiveGauge()

	m.logger.WithDeploymentID(dep.ID).
		WithField("modules", len(req.Modules)).
		WithField("retry_budget", req.RetryBudget).
		Info("Deployment submitted")

	m.wg.Add(1)
	go m.runMachine(t)

	return dep.ID, nil
}

// Status returns a snapshot of the deployment's current state.
func (m *Manager) Status(ctx context.Context, id string) (fleet.Deployment, error) {
	m.mu.RLock()
	t, ok := m.deployments[id]
	m.mu.RUnlock()
	if ok {
		return t.snapshot(), nil
	}

	// Terminal deployments from earlier runs live only in the store.
	rec, err := m.store.GetDeployment(ctx, id)
	if err != nil {
		return fleet.Deployment{}, fleet.NewPermanentError("deployment not found: "+id, err).
			WithCode(fleet.ErrCodeNotFound).
			WithOperation("status")
	}
	dep, err := stores.RecordToDeployment(rec)
	if err != nil {
		return fleet.Deployment{}, err
	}
	return *dep, nil
}

// List returns snapshots of all in-memory deployments.
func (m *Manager) List() []fleet.Deployment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]fleet.Deployment, 0, len(m.deployments))
	for _, t := range m.deployments {
		out = append(out, t.snapshot())
	}
	return out
}

// Cancel requests cooperative cancellation. The machine observes it at its
// next evaluation point; an in-flight deploy call races the cancel, and a
// late success is undone with a best-effort undeploy.
func (m *Manager) Cancel(_ context.Context, id string) error {
	m.mu.RLock()
	t, ok := m.deployments[id]
	m.mu.RUnlock()
	if !ok {
		return fleet.NewPermanentError("deployment not found: "+id, nil).
			WithCode(fleet.ErrCodeNotFound).
			WithOperation("cancel")
	}
	if t.snapshot().State.IsTerminal() {
		return fleet.NewPermanentError("deployment already terminal: "+id, nil).
			WithCode(fleet.ErrCodeTerminal).
			WithOperation("cancel")
	}
	t.cancelOnce.Do(func() { close(t.cancelCh) })
	m.logger.WithDeploymentID(id).Info("Cancellation requested")
	return nil
}

// Complete signals that a running deployment's modules finished their work.
func (m *Manager) Complete(_ context.Context, id string) error {
	m.mu.RLock()
	t, ok := m.deployments[id]
	m.mu.RUnlock()
	if !ok {
		return fleet.NewPermanentError("deployment not found: "+id, nil).
			WithCode(fleet.ErrCodeNotFound).
			WithOperation("complete")
	}
	snap := t.snapshot()
	if snap.State != fleet.DeploymentRunning {
		return fleet.NewPermanentError(
			fmt.Sprintf("deployment %s is %s, not running", id, snap.State), nil).
			WithCode(fleet.ErrCodeTerminal).
			WithOperation("complete")
	}
	select {
	case t.completeCh <- struct{}{}:
	default:
	}
	return nil
}

// Restore resumes non-terminal deployments found in the store. Call after
// Start, before serving traffic.
func (m *Manager) Restore(ctx context.Context) error {
	recs, err := m.store.ListDeployments(ctx, -1, 0)
	if err != nil {
		return fmt.Errorf("failed to list persisted deployments: %w", err)
	}
	resumed := 0
	for _, rec := range recs {
		dep, err := stores.RecordToDeployment(rec)
		if err != nil {
			m.logger.WithError(err).WithDeploymentID(rec.ID).Warn("Skipping undecodable deployment record")
			continue
		}
		if dep.State.IsTerminal() {
			continue
		}
		// Placements from a previous run cannot be trusted; reschedule from
		// scratch with the exclusion set preserved.
		dep.Placements = nil
		dep.State = fleet.DeploymentScheduling
		dep.UpdatedAt = time.Now().UTC()

		t := &tracked{
			dep:        dep,
			cancelCh:   make(chan struct{}),
			completeCh: make(chan struct{}, 1),
		}
		m.mu.Lock()
		m.deployments[dep.ID] = t
		m.mu.Unlock()
		m.wg.Add(1)
		go m.runMachine(t)
		resumed++
	}
	if resumed > 0 {
		m.logger.WithField("deployments", resumed).Info("Resumed persisted deployments")
	}
	m.updateActiveGauge()
	return nil
}

// transition applies a state change under the tracked lock, persists it, and
// notifies listeners. reason is only meaningful for DeploymentFailed.
func (m *Manager) transition(ctx context.Context, t *tracked, state fleet.DeploymentState, reason fleet.FailureReason, mutate func(dep *fleet.Deployment)) {
	t.mu.Lock()
	if t.dep.State.IsTerminal() {
		t.mu.Unlock()
		return
	}
	from := t.dep.State
	t.dep.State = state
	t.dep.Reason = reason
	now := time.Now().UTC()
	t.dep.UpdatedAt = now
	if state.IsTerminal() {
		t.dep.CompletedAt = &now
	}
	if mutate != nil {
		mutate(t.dep)
	}
	snap := *t.dep.Clone()
	t.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordTransition(string(state))
	}
	m.persist(ctx, snap)
	m.updateActiveGauge()

	m.logger.WithDeploymentID(snap.ID).
		WithField("from", string(from)).
		WithField("to", string(state)).
		WithField("attempts", snap.Attempts).
		Info("Deployment transition")

	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func (m *Manager) persist(ctx context.Context, dep fleet.Deployment) {
	rec, err := stores.DeploymentToRecord(&dep, time.Now().UTC())
	if err != nil {
		m.logger.WithError(err).WithDeploymentID(dep.ID).Warn("Failed to encode deployment record")
		return
	}
	if err := m.store.UpsertDeployment(ctx, rec); err != nil {
		m.logger.WithError(err).WithDeploymentID(dep.ID).Warn("Failed to persist deployment")
	}
}

func (m *Manager) appendEvent(ctx context.Context, deploymentID, deviceID string, level stores.EventLevel, message string) {
	ev := &stores.Event{
		DeploymentID: &deploymentID,
		Level:        level,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	}
	if deviceID != "" {
		ev.DeviceID = &deviceID
	}
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		m.logger.WithError(err).WithDeploymentID(deploymentID).Debug("Failed to append deployment event")
	}
}

func (m *Manager) updateActiveGauge() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	active := 0
	for _, t := range m.deployments {
		if t.snapshot().State.IsActive() {
			active++
		}
	}
	m.mu.RUnlock()
	m.metrics.SetDeploymentsActive(active)
}

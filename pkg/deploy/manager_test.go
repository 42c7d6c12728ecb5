package deploy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
	"github.com/wasmfleet/wasmfleet/pkg/match"
	"github.com/wasmfleet/wasmfleet/pkg/registry"
	"github.com/wasmfleet/wasmfleet/pkg/stores"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// mockDeployer scripts deploy outcomes per device and records every command.
type mockDeployer struct {
	mu         sync.Mutex
	failing    map[string]bool
	deployed   []string
	undeployed []string

	// gate, when non-nil, blocks Deploy until released; started signals that
	// a deploy call is in flight.
	gate    chan struct{}
	started chan struct{}
}

func newMockDeployer() *mockDeployer {
	return &mockDeployer{failing: make(map[string]bool)}
}

func (d *mockDeployer) failOn(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing[deviceID] = true
}

func (d *mockDeployer) Deploy(ctx context.Context, device fleet.DeviceDescriptor, deploymentID string, mod fleet.ModuleDescriptor) error {
	d.mu.Lock()
	fail := d.failing[device.ID]
	gate := d.gate
	started := d.started
	d.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fleet.NewTransientError("deploy cancelled", ctx.Err()).
				WithCode(fleet.ErrCodeDeployTransport)
		}
	}

	if fail {
		return fleet.NewTransientError("deploy refused", nil).
			WithCode(fleet.ErrCodeDeployTransport).
			WithDevice(device.ID)
	}

	d.mu.Lock()
	d.deployed = append(d.deployed, device.ID)
	d.mu.Unlock()
	return nil
}

func (d *mockDeployer) Undeploy(_ context.Context, device fleet.DeviceDescriptor, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.undeployed = append(d.undeployed, device.ID)
	return nil
}

func (d *mockDeployer) undeployedDevices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.undeployed...)
}

func testManagerConfig() Config {
	return Config{
		DefaultRetryBudget: 3,
		SchedulingBackoff:  10 * time.Millisecond,
		DeployTimeout:      time.Second,
		UndeployTimeout:    time.Second,
		SuperviseInterval:  10 * time.Millisecond,
	}
}

type managerFixture struct {
	manager  *Manager
	registry *registry.Registry
	deployer *mockDeployer
	store    *stores.MemoryStore
	cancel   context.CancelFunc
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	reg := registry.New(telemetry.Nop())
	deployer := newMockDeployer()
	store := stores.NewMemoryStore()
	matcher := match.New(reg, telemetry.Nop())

	m := NewManager(testManagerConfig(), reg, matcher, deployer, store, telemetry.Nop(), nil, nil)
	m.Start(ctx)

	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	return &managerFixture{manager: m, registry: reg, deployer: deployer, store: store, cancel: cancel}
}

func (f *managerFixture) addHealthyDevice(id string, memory int64) {
	f.registry.Upsert(fleet.DeviceDescriptor{
		ID:           id,
		Address:      id + ":9000",
		Capabilities: fleet.NewCapabilitySet("wasi"),
		Resources:    fleet.Resources{fleet.ResourceMemoryBytes: memory},
	})
	f.registry.SetHealth(id, fleet.HealthHealthy, 0)
}

func simpleRequest(moduleIDs ...string) fleet.DeploymentRequest {
	mods := make([]fleet.ModuleDescriptor, 0, len(moduleIDs))
	for _, id := range moduleIDs {
		mods = append(mods, fleet.ModuleDescriptor{
			ID:                   id,
			RequiredCapabilities: fleet.NewCapabilitySet("wasi"),
		})
	}
	return fleet.DeploymentRequest{Modules: mods}
}

func waitState(t *testing.T, m *Manager, id string, want fleet.DeploymentState) fleet.Deployment {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		dep, err := m.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if dep.State == want {
			return dep
		}
		if dep.State.IsTerminal() {
			t.Fatalf("Deployment reached terminal %s (reason %s) while waiting for %s", dep.State, dep.Reason, want)
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for state %s, still %s", want, dep.State)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitTerminal(t *testing.T, m *Manager, id string) fleet.Deployment {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		dep, err := m.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if dep.State.IsTerminal() {
			return dep
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for a terminal state, still %s", dep.State)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestManager_SingleModuleReachesRunning(t *testing.T) {
	f := newFixture(t)
	f.addHealthyDevice("dev-1", 1024)

	id, err := f.manager.Submit(context.Background(), simpleRequest("mod-1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	dep := waitState(t, f.manager, id, fleet.DeploymentRunning)
	if len(dep.Placements) != 1 {
		t.Fatalf("Expected 1 placement, got %d", len(dep.Placements))
	}
	if dep.Placements[0].DeviceID != "dev-1" || dep.Placements[0].ModuleID != "mod-1" {
		t.Errorf("Expected mod-1 on dev-1, got %+v", dep.Placements[0])
	}
	if dep.Attempts != 0 {
		t.Errorf("Expected no attempts consumed on the happy path, got %d", dep.Attempts)
	}
}

func TestManager_PipelinePlacesModulesInOrder(t *testing.T) {
	f := newFixture(t)
	f.addHealthyDevice("dev-1", 1024)
	f.addHealthyDevice("dev-2", 2048)

	id, err := f.manager.Submit(context.Background(), simpleRequest("stage-1", "stage-2"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	dep := waitState(t, f.manager, id, fleet.DeploymentRunning)
	if len(dep.Placements) != 2 {
		t.Fatalf("Expected 2 placements, got %d", len(dep.Placements))
	}
	if dep.Placements[0].ModuleID != "stage-1" || dep.Placements[1].ModuleID != "stage-2" {
		t.Errorf("Expected pipeline order preserved, got %+v", dep.Placements)
	}
}

func TestManager_BestDeviceFailureFallsBackAndExcludes(t *testing.T) {
	f := newFixture(t)
	// "big" ranks first on headroom but refuses every deploy.
	f.addHealthyDevice("big", 8192)
	f.addHealthyDevice("small", 1024)
	f.deployer.failOn("big")

	id, err := f.manager.Submit(context.Background(), simpleRequest("mod-1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	dep := waitState(t, f.manager, id, fleet.DeploymentRunning)
	if dep.Placements[0].DeviceID != "small" {
		t.Errorf("Expected fallback to small, got %s", dep.Placements[0].DeviceID)
	}
	if !dep.IsExcluded("big") {
		t.Error("Expected failed device to be excluded")
	}
	if dep.Attempts != 1 {
		t.Errorf("Expected 1 attempt consumed, got %d", dep.Attempts)
	}
}

func TestManager_DeployExhaustionFailsDeployment(t *testing.T) {
	f := newFixture(t)
	f.addHealthyDevice("dev-a", 1024)
	f.addHealthyDevice("dev-b", 1024)
	f.deployer.failOn("dev-a")
	f.deployer.failOn("dev-b")

	req := simpleRequest("mod-1")
	req.RetryBudget = 2
	id, err := f.manager.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	dep := waitTerminal(t, f.manager, id)
	if dep.State != fleet.DeploymentFailed {
		t.Fatalf("Expected failed, got %s", dep.State)
	}
	if dep.Reason != fleet.ReasonDeployExhausted {
		t.Errorf("Expected reason %s, got %s", fleet.ReasonDeployExhausted, dep.Reason)
	}
	if dep.Attempts != 2 {
		t.Errorf("Expected exactly the budget consumed, got %d attempts", dep.Attempts)
	}
	if !dep.IsExcluded("dev-a") || !dep.IsExcluded("dev-b") {
		t.Errorf("Expected both failed devices excluded, got %v", dep.Excluded)
	}
}

func TestManager_SchedulingExhaustionWithoutDevices(t *testing.T) {
	f := newFixture(t)
	// No devices at all.

	req := simpleRequest("mod-1")
	req.RetryBudget = 2
	id, err := f.manager.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	dep := waitTerminal(t, f.manager, id)
	if dep.State != fleet.DeploymentFailed || dep.Reason != fleet.ReasonSchedulingExhausted {
		t.Errorf("Expected failed/scheduling_exhausted, got %s/%s", dep.State, dep.Reason)
	}
}

func TestManager_SchedulingWaitsForDeviceArrival(t *testing.T) {
	f := newFixture(t)

	req := simpleRequest("mod-1")
	req.RetryBudget = 50
	id, err := f.manager.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Let a few fruitless attempts pass, then a device appears.
	time.Sleep(30 * time.Millisecond)
	f.addHealthyDevice("late", 1024)

	dep := waitState(t, f.manager, id, fleet.DeploymentRunning)
	if dep.Placements[0].DeviceID != "late" {
		t.Errorf("Expected placement on the late device, got %s", dep.Placements[0].DeviceID)
	}
}

func TestManager_CancelDuringScheduling(t *testing.T) {
	f := newFixture(t)
	// No devices, generous budget: the machine parks in scheduling.
	req := simpleRequest("mod-1")
	req.RetryBudget = 100
	id, err := f.manager.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := f.manager.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	dep := waitTerminal(t, f.manager, id)
	if dep.State != fleet.DeploymentFailed || dep.Reason != fleet.ReasonCancelled {
		t.Errorf("Expected failed/cancelled, got %s/%s", dep.State, dep.Reason)
	}
}

func TestManager_CancelRacesInflightDeploy(t *testing.T) {
	f := newFixture(t)
	f.addHealthyDevice("dev-1", 1024)

	f.deployer.mu.Lock()
	f.deployer.gate = make(chan struct{})
	f.deployer.started = make(chan struct{}, 1)
	f.deployer.mu.Unlock()

	id, err := f.manager.Submit(context.Background(), simpleRequest("mod-1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Wait until the deploy command is in flight, then cancel.
	select {
	case <-f.deployer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the deploy call to start")
	}
	if err := f.manager.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	dep := waitTerminal(t, f.manager, id)
	if dep.State != fleet.DeploymentFailed || dep.Reason != fleet.ReasonCancelled {
		t.Fatalf("Expected failed/cancelled, got %s/%s", dep.State, dep.Reason)
	}

	// The in-flight deploy now completes successfully; the late success must
	// be undone so the device does not keep the module.
	close(f.deployer.gate)

	deadline := time.Now().Add(2 * time.Second)
	for {
		undeployed := f.deployer.undeployedDevices()
		if len(undeployed) > 0 && undeployed[0] == "dev-1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected a late deploy success to be undeployed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestManager_CancelErrors(t *testing.T) {
	f := newFixture(t)

	err := f.manager.Cancel(context.Background(), "ghost")
	var ferr *fleet.FleetError
	if !errors.As(err, &ferr) || ferr.Code != fleet.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND for unknown deployment, got %v", err)
	}

	// Terminal deployments reject cancellation.
	req := simpleRequest("mod-1")
	req.RetryBudget = 1
	id, _ := f.manager.Submit(context.Background(), req)
	waitTerminal(t, f.manager, id)

	err = f.manager.Cancel(context.Background(), id)
	if !errors.As(err, &ferr) || ferr.Code != fleet.ErrCodeTerminal {
		t.Errorf("Expected DEPLOYMENT_TERMINAL, got %v", err)
	}
}

func TestManager_UnhealthyDeviceTriggersReschedule(t *testing.T) {
	f := newFixture(t)
	f.addHealthyDevice("first", 4096)
	f.addHealthyDevice("second", 1024)

	id, err := f.manager.Submit(context.Background(), simpleRequest("mod-1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	dep := waitState(t, f.manager, id, fleet.DeploymentRunning)
	if dep.Placements[0].DeviceID != "first" {
		t.Fatalf("Expected initial placement on first, got %s", dep.Placements[0].DeviceID)
	}

	// The hosting device fails its health checks.
	f.registry.SetHealth("first", fleet.HealthUnhealthy, 3)

	deadline := time.Now().Add(3 * time.Second)
	for {
		dep, _ = f.manager.Status(context.Background(), id)
		if dep.State == fleet.DeploymentRunning && len(dep.Placements) == 1 && dep.Placements[0].DeviceID == "second" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for reschedule, state %s placements %+v", dep.State, dep.Placements)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if !dep.IsExcluded("first") {
		t.Error("Expected the failed device to be excluded from reselection")
	}
	// At most one active placement per module: the old one was dropped and
	// undeployed before the new one was made.
	undeployed := f.deployer.undeployedDevices()
	if len(undeployed) == 0 || undeployed[0] != "first" {
		t.Errorf("Expected undeploy on the failed device, got %v", undeployed)
	}
}

func TestManager_MidPipelineFailureReplacesOnlyEvictedModule(t *testing.T) {
	f := newFixture(t)
	addDevice := func(id string, caps ...string) {
		f.registry.Upsert(fleet.DeviceDescriptor{
			ID:           id,
			Address:      id + ":9000",
			Capabilities: fleet.NewCapabilitySet(caps...),
			Resources:    fleet.Resources{fleet.ResourceMemoryBytes: 1024},
		})
		f.registry.SetHealth(id, fleet.HealthHealthy, 0)
	}
	// Distinct requirements pin each pipeline step to its own device.
	addDevice("gpu-1", "gpu")
	addDevice("net-1", "net")

	id, err := f.manager.Submit(context.Background(), fleet.DeploymentRequest{
		Modules: []fleet.ModuleDescriptor{
			{ID: "mod-a", RequiredCapabilities: fleet.NewCapabilitySet("gpu")},
			{ID: "mod-b", RequiredCapabilities: fleet.NewCapabilitySet("net")},
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	dep := waitState(t, f.manager, id, fleet.DeploymentRunning)
	if dev, _ := dep.DeviceOf("mod-a"); dev != "gpu-1" {
		t.Fatalf("Expected mod-a on gpu-1, got %s", dev)
	}
	if dev, _ := dep.DeviceOf("mod-b"); dev != "net-1" {
		t.Fatalf("Expected mod-b on net-1, got %s", dev)
	}

	// The first step's device fails while a replacement is available: only
	// the evicted module may move, and nothing gets placed twice.
	addDevice("gpu-2", "gpu")
	f.registry.SetHealth("gpu-1", fleet.HealthUnhealthy, 3)

	deadline := time.Now().Add(3 * time.Second)
	for {
		dep, _ = f.manager.Status(context.Background(), id)
		if dev, ok := dep.DeviceOf("mod-a"); ok && dev == "gpu-2" && dep.State == fleet.DeploymentRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for mod-a to move, state %s placements %+v", dep.State, dep.Placements)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if len(dep.Placements) != 2 {
		t.Fatalf("Expected 2 placements, got %+v", dep.Placements)
	}
	counts := make(map[string]int)
	for _, p := range dep.Placements {
		counts[p.ModuleID]++
	}
	if counts["mod-a"] != 1 || counts["mod-b"] != 1 {
		t.Errorf("Expected each module placed exactly once, got %v", counts)
	}
	if dev, _ := dep.DeviceOf("mod-b"); dev != "net-1" {
		t.Errorf("Expected mod-b untouched on net-1, got %s", dev)
	}
}

func TestManager_CompleteFinishesRunningDeployment(t *testing.T) {
	f := newFixture(t)
	f.addHealthyDevice("dev-1", 1024)

	id, _ := f.manager.Submit(context.Background(), simpleRequest("mod-1"))
	waitState(t, f.manager, id, fleet.DeploymentRunning)

	if err := f.manager.Complete(context.Background(), id); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	dep := waitTerminal(t, f.manager, id)
	if dep.State != fleet.DeploymentCompleted {
		t.Errorf("Expected completed, got %s (reason %s)", dep.State, dep.Reason)
	}
	if dep.CompletedAt == nil {
		t.Error("Expected completion timestamp to be set")
	}
}

func TestManager_CompleteRejectsNonRunning(t *testing.T) {
	f := newFixture(t)

	req := simpleRequest("mod-1")
	req.RetryBudget = 100
	id, _ := f.manager.Submit(context.Background(), req) // no devices, stays scheduling

	time.Sleep(10 * time.Millisecond)
	if err := f.manager.Complete(context.Background(), id); err == nil {
		t.Error("Expected Complete to reject a deployment that is not running")
	}
}

func TestManager_SubmitValidation(t *testing.T) {
	f := newFixture(t)

	if _, err := f.manager.Submit(context.Background(), fleet.DeploymentRequest{}); err == nil {
		t.Error("Expected empty request to be rejected")
	}
	if _, err := f.manager.Submit(context.Background(), fleet.DeploymentRequest{
		Modules: []fleet.ModuleDescriptor{{}},
	}); err == nil {
		t.Error("Expected module without id to be rejected")
	}
	if _, err := f.manager.Submit(context.Background(), fleet.DeploymentRequest{
		Modules: []fleet.ModuleDescriptor{{ID: "mod-1"}, {ID: "mod-1"}},
	}); err == nil {
		t.Error("Expected repeated module id to be rejected")
	}
}

func TestManager_SubmitAppliesDefaultBudget(t *testing.T) {
	f := newFixture(t)
	f.addHealthyDevice("dev-1", 1024)

	id, err := f.manager.Submit(context.Background(), simpleRequest("mod-1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	dep, _ := f.manager.Status(context.Background(), id)
	if dep.Request.RetryBudget != 3 {
		t.Errorf("Expected default budget 3, got %d", dep.Request.RetryBudget)
	}
}

func TestManager_StatusFallsBackToStore(t *testing.T) {
	f := newFixture(t)

	// A terminal deployment from a previous run exists only in the store.
	now := time.Now().UTC()
	old := &fleet.Deployment{
		ID:        "old-dep",
		State:     fleet.DeploymentCompleted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec, err := stores.DeploymentToRecord(old, now)
	if err != nil {
		t.Fatalf("DeploymentToRecord failed: %v", err)
	}
	if err := f.store.UpsertDeployment(context.Background(), rec); err != nil {
		t.Fatalf("UpsertDeployment failed: %v", err)
	}

	dep, err := f.manager.Status(context.Background(), "old-dep")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if dep.State != fleet.DeploymentCompleted {
		t.Errorf("Expected completed from store, got %s", dep.State)
	}

	var ferr *fleet.FleetError
	_, err = f.manager.Status(context.Background(), "ghost")
	if !errors.As(err, &ferr) || ferr.Code != fleet.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND for unknown id, got %v", err)
	}
}

func TestManager_RestoreResumesActiveDeployments(t *testing.T) {
	f := newFixture(t)
	f.addHealthyDevice("dev-1", 1024)

	now := time.Now().UTC()
	active := &fleet.Deployment{
		ID: "resumed",
		Request: fleet.DeploymentRequest{
			Modules:     []fleet.ModuleDescriptor{{ID: "mod-1", RequiredCapabilities: fleet.NewCapabilitySet("wasi")}},
			RetryBudget: 5,
		},
		State: fleet.DeploymentDeploying,
		// Stale placement from the previous run; must be discarded.
		Placements: []fleet.Placement{{ModuleID: "mod-1", DeviceID: "gone-device"}},
		Excluded:   []string{"bad-device"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rec, _ := stores.DeploymentToRecord(active, now)
	if err := f.store.UpsertDeployment(context.Background(), rec); err != nil {
		t.Fatalf("UpsertDeployment failed: %v", err)
	}

	terminal := &fleet.Deployment{ID: "done", State: fleet.DeploymentCompleted, CreatedAt: now, UpdatedAt: now}
	recDone, _ := stores.DeploymentToRecord(terminal, now)
	if err := f.store.UpsertDeployment(context.Background(), recDone); err != nil {
		t.Fatalf("UpsertDeployment failed: %v", err)
	}

	if err := f.manager.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	dep := waitState(t, f.manager, "resumed", fleet.DeploymentRunning)
	if dep.Placements[0].DeviceID != "dev-1" {
		t.Errorf("Expected fresh placement on dev-1, got %s", dep.Placements[0].DeviceID)
	}
	if !dep.IsExcluded("bad-device") {
		t.Error("Expected the exclusion set to survive the restart")
	}

	// Terminal deployments are not resumed as live machines.
	if len(f.manager.List()) != 1 {
		t.Errorf("Expected only the active deployment resumed, got %d", len(f.manager.List()))
	}
}

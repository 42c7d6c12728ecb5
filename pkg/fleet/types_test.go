package fleet

import (
	"testing"
)

func TestNewCapabilitySet_NormalizesTags(t *testing.T) {
	set := NewCapabilitySet("wasi", "camera", "wasi", "", "aes")

	if len(set) != 3 {
		t.Fatalf("Expected 3 tags after dedup, got %d: %v", len(set), set)
	}
	// Sorted order.
	if set[0] != "aes" || set[1] != "camera" || set[2] != "wasi" {
		t.Errorf("Expected sorted set [aes camera wasi], got %v", set)
	}
}

func TestCapabilitySet_Contains(t *testing.T) {
	set := NewCapabilitySet("wasi", "camera")

	if !set.Contains("camera") {
		t.Error("Expected set to contain camera")
	}
	if set.Contains("gpu") {
		t.Error("Expected set to not contain gpu")
	}
	if CapabilitySet(nil).Contains("anything") {
		t.Error("Expected empty set to contain nothing")
	}
}

func TestCapabilitySet_ContainsAll(t *testing.T) {
	device := NewCapabilitySet("wasi", "camera", "aes")

	if !device.ContainsAll(NewCapabilitySet("wasi", "camera")) {
		t.Error("Expected superset to satisfy subset")
	}
	if !device.ContainsAll(nil) {
		t.Error("Expected empty requirement to always be satisfied")
	}
	if device.ContainsAll(NewCapabilitySet("wasi", "gpu")) {
		t.Error("Expected missing tag to fail ContainsAll")
	}
}

func TestResources_Meets(t *testing.T) {
	have := Resources{ResourceMemoryBytes: 1024, ResourceCPUCount: 4}

	if !have.Meets(Resources{ResourceMemoryBytes: 1024}) {
		t.Error("Expected exact threshold to be met")
	}
	if !have.Meets(nil) {
		t.Error("Expected empty thresholds to always be met")
	}
	if have.Meets(Resources{ResourceMemoryBytes: 2048}) {
		t.Error("Expected insufficient memory to fail")
	}
	// A threshold on a metric the device never advertised fails.
	if have.Meets(Resources{ResourceDiskBytes: 1}) {
		t.Error("Expected missing metric to fail Meets")
	}
}

func TestResources_HeadroomOver(t *testing.T) {
	have := Resources{ResourceMemoryBytes: 1000, ResourceCPUCount: 4}
	required := Resources{ResourceMemoryBytes: 600, ResourceCPUCount: 4}

	if got := have.HeadroomOver(required); got != 400 {
		t.Errorf("Expected headroom 400, got %d", got)
	}
	if got := have.HeadroomOver(nil); got != 0 {
		t.Errorf("Expected zero headroom over empty requirements, got %d", got)
	}
}

func TestDeviceDescriptor_Clone(t *testing.T) {
	dev := &DeviceDescriptor{
		ID:           "dev-1",
		Address:      "10.0.0.1:9000",
		Capabilities: NewCapabilitySet("wasi"),
		Resources:    Resources{ResourceMemoryBytes: 1024},
		Health:       HealthHealthy,
	}

	clone := dev.Clone()
	clone.Resources[ResourceMemoryBytes] = 1
	clone.Capabilities[0] = "mutated"

	if dev.Resources[ResourceMemoryBytes] != 1024 {
		t.Error("Expected clone resource mutation to not affect original")
	}
	if dev.Capabilities[0] != "wasi" {
		t.Error("Expected clone capability mutation to not affect original")
	}
}

func TestDeployment_Clone(t *testing.T) {
	dep := &Deployment{
		ID:         "dep-1",
		State:      DeploymentRunning,
		Placements: []Placement{{ModuleID: "mod-1", DeviceID: "dev-1"}},
		Excluded:   []string{"dev-2"},
	}

	clone := dep.Clone()
	clone.Placements[0].DeviceID = "mutated"
	clone.Excluded[0] = "mutated"

	if dep.Placements[0].DeviceID != "dev-1" {
		t.Error("Expected clone placement mutation to not affect original")
	}
	if dep.Excluded[0] != "dev-2" {
		t.Error("Expected clone exclusion mutation to not affect original")
	}
}

func TestHealthState_Eligible(t *testing.T) {
	cases := []struct {
		state    HealthState
		eligible bool
	}{
		{HealthUnknown, false},
		{HealthHealthy, true},
		{HealthSuspect, false},
		{HealthUnhealthy, false},
	}
	for _, tc := range cases {
		if got := tc.state.Eligible(); got != tc.eligible {
			t.Errorf("Expected %s eligible=%v, got %v", tc.state, tc.eligible, got)
		}
	}
}

func TestProbeOutcome_IsFailure(t *testing.T) {
	if ProbeSuccess.IsFailure() {
		t.Error("Expected success to not be a failure")
	}
	if ProbeInconclusive.IsFailure() {
		t.Error("Expected inconclusive to not count toward the threshold")
	}
	if !ProbeTimeout.IsFailure() {
		t.Error("Expected timeout to be a failure")
	}
	if !ProbeUnreachable.IsFailure() {
		t.Error("Expected unreachable to be a failure")
	}
}

func TestDeploymentState_IsTerminal(t *testing.T) {
	terminal := []DeploymentState{DeploymentCompleted, DeploymentFailed}
	active := []DeploymentState{DeploymentPending, DeploymentScheduling, DeploymentDeploying, DeploymentRunning}

	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("Expected %s to not be active", s)
		}
	}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("Expected %s to not be terminal", s)
		}
	}
}

func TestEnumValidate(t *testing.T) {
	if err := HealthState("bogus").Validate(); err == nil {
		t.Error("Expected invalid health state to fail validation")
	}
	if err := DeploymentState("bogus").Validate(); err == nil {
		t.Error("Expected invalid deployment state to fail validation")
	}
	if err := FailureReason("bogus").Validate(); err == nil {
		t.Error("Expected invalid failure reason to fail validation")
	}
	if err := ReasonNone.Validate(); err != nil {
		t.Errorf("Expected empty reason to be valid, got %v", err)
	}
}

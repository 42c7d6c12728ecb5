package fleet

import (
	"sort"
	"time"
)

// Well-known resource metric names advertised by supervisors.
const (
	// ResourceMemoryBytes is the device's available memory in bytes.
	ResourceMemoryBytes = "memory_bytes"

	// ResourceCPUCount is the device's logical CPU count.
	ResourceCPUCount = "cpu_count"

	// ResourceDiskBytes is the device's available disk space in bytes.
	ResourceDiskBytes = "disk_bytes"
)

// CapabilitySet is a normalized (sorted, deduplicated) set of capability tags
// a device advertises or a module requires, e.g. instruction extensions,
// peripherals, or supervisor interfaces.
type CapabilitySet []string

// NewCapabilitySet normalizes tags into a CapabilitySet.
func NewCapabilitySet(tags ...string) CapabilitySet {
	seen := make(map[string]struct{}, len(tags))
	out := make(CapabilitySet, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether the set holds the given tag.
func (c CapabilitySet) Contains(tag string) bool {
	i := sort.SearchStrings(c, tag)
	return i < len(c) && c[i] == tag
}

// ContainsAll reports whether the set is a superset of required.
func (c CapabilitySet) ContainsAll(required CapabilitySet) bool {
	for _, tag := range required {
		if !c.Contains(tag) {
			return false
		}
	}
	return true
}

// Equal reports whether two normalized sets hold the same tags.
func (c CapabilitySet) Equal(other CapabilitySet) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the set.
func (c CapabilitySet) Clone() CapabilitySet {
	if c == nil {
		return nil
	}
	out := make(CapabilitySet, len(c))
	copy(out, c)
	return out
}

// Resources maps metric names to advertised or required numeric values.
type Resources map[string]int64

// Meets reports whether every threshold metric is present and satisfied.
func (r Resources) Meets(thresholds Resources) bool {
	for name, min := range thresholds {
		have, ok := r[name]
		if !ok || have < min {
			return false
		}
	}
	return true
}

// HeadroomOver returns the summed surplus of available over required metrics.
// Callers must have checked Meets first; missing metrics count as zero surplus.
func (r Resources) HeadroomOver(required Resources) int64 {
	var headroom int64
	for name, min := range required {
		if have, ok := r[name]; ok && have > min {
			headroom += have - min
		}
	}
	return headroom
}

// Equal reports whether two metric maps hold the same entries.
func (r Resources) Equal(other Resources) bool {
	if len(r) != len(other) {
		return false
	}
	for name, v := range r {
		if ov, ok := other[name]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns a copy of the metric map.
func (r Resources) Clone() Resources {
	if r == nil {
		return nil
	}
	out := make(Resources, len(r))
	for name, v := range r {
		out[name] = v
	}
	return out
}

// DeviceDescriptor describes one discovered supervisor device. The registry
// owns the authoritative copy; every other component works on snapshots.
type DeviceDescriptor struct {
	// ID is the stable device identifier from the announcement.
	ID string `json:"id"`

	// Name is the human-readable device name, if announced.
	Name string `json:"name,omitempty"`

	// Address is the host:port the device's supervisor listens on.
	Address string `json:"address"`

	// Capabilities are the capability tags the device advertises.
	Capabilities CapabilitySet `json:"capabilities,omitempty"`

	// Resources are the device's advertised resource metrics.
	Resources Resources `json:"resources,omitempty"`

	// Health is the current probe-driven health state.
	Health HealthState `json:"health"`

	// ConsecutiveFailures counts probe failures since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastSeen is when the device last announced itself or answered a probe.
	LastSeen time.Time `json:"last_seen"`

	// RegisteredAt is when the device was first announced.
	RegisteredAt time.Time `json:"registered_at"`
}

// Clone returns a deep copy of the descriptor.
func (d *DeviceDescriptor) Clone() *DeviceDescriptor {
	if d == nil {
		return nil
	}
	out := *d
	out.Capabilities = d.Capabilities.Clone()
	out.Resources = d.Resources.Clone()
	return &out
}

// ArtifactRef points at a WASM module artifact. The orchestrator never
// executes it; devices fetch it from the given URI.
type ArtifactRef struct {
	// URI locates the artifact (served by the orchestrator or elsewhere).
	URI string `json:"uri"`

	// SHA256 is the hex digest of the artifact bytes.
	SHA256 string `json:"sha256,omitempty"`

	// SizeBytes is the artifact size.
	SizeBytes int64 `json:"size_bytes,omitempty"`
}

// ModuleDescriptor describes a deployable WASM compute module.
type ModuleDescriptor struct {
	// ID is the unique module identifier.
	ID string `json:"id"`

	// Name is the human-readable module name.
	Name string `json:"name,omitempty"`

	// RequiredCapabilities must all be advertised by a hosting device.
	RequiredCapabilities CapabilitySet `json:"required_capabilities,omitempty"`

	// ResourceThresholds are minimum resource metrics a hosting device must meet.
	ResourceThresholds Resources `json:"resource_thresholds,omitempty"`

	// Artifact references the module binary.
	Artifact ArtifactRef `json:"artifact"`

	// Exports lists the functions the artifact exports, filled in at
	// registration time by inspection.
	Exports []string `json:"exports,omitempty"`
}

// DeploymentRequest asks for one or more modules to be placed. Multiple
// modules form an ordered pipeline placed step by step.
type DeploymentRequest struct {
	// Modules are the modules to place, in pipeline order.
	Modules []ModuleDescriptor `json:"modules"`

	// SubmittedAt is when the request was accepted.
	SubmittedAt time.Time `json:"submitted_at"`

	// RetryBudget is the number of placement attempts allowed before the
	// deployment fails.
	RetryBudget int `json:"retry_budget"`
}

// Placement records one module instance assigned to one device.
type Placement struct {
	// ModuleID is the placed module.
	ModuleID string `json:"module_id"`

	// DeviceID is the hosting device.
	DeviceID string `json:"device_id"`

	// DeployedAt is when the deploy command was acknowledged.
	DeployedAt time.Time `json:"deployed_at"`
}

// Deployment is the tracked lifecycle of placing a request's modules.
// Once the state is terminal the record is immutable.
type Deployment struct {
	// ID is the unique deployment identifier.
	ID string `json:"id"`

	// Request is the originating request.
	Request DeploymentRequest `json:"request"`

	// State is the current lifecycle state.
	State DeploymentState `json:"state"`

	// Reason is the terminal failure reason, set only when State is failed.
	Reason FailureReason `json:"reason,omitempty"`

	// Placements are the currently active placements, one per placed module.
	Placements []Placement `json:"placements,omitempty"`

	// Excluded lists device IDs already tried and rejected during the
	// current attempt sequence. Excluded devices are never re-selected.
	Excluded []string `json:"excluded,omitempty"`

	// Attempts counts placement attempts consumed from the retry budget.
	Attempts int `json:"attempts"`

	// CreatedAt is when the deployment was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the deployment last changed state.
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is when the deployment reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the deployment.
func (d *Deployment) Clone() *Deployment {
	if d == nil {
		return nil
	}
	out := *d
	out.Placements = append([]Placement(nil), d.Placements...)
	out.Excluded = append([]string(nil), d.Excluded...)
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		out.CompletedAt = &t
	}
	mods := make([]ModuleDescriptor, len(d.Request.Modules))
	for i, m := range d.Request.Modules {
		mods[i] = m
		mods[i].RequiredCapabilities = m.RequiredCapabilities.Clone()
		mods[i].ResourceThresholds = m.ResourceThresholds.Clone()
	}
	out.Request.Modules = mods
	return &out
}

// DeviceOf returns the device currently hosting the given module, if placed.
func (d *Deployment) DeviceOf(moduleID string) (string, bool) {
	for _, p := range d.Placements {
		if p.ModuleID == moduleID {
			return p.DeviceID, true
		}
	}
	return "", false
}

// IsExcluded reports whether a device is in the deployment's exclusion set.
func (d *Deployment) IsExcluded(deviceID string) bool {
	for _, id := range d.Excluded {
		if id == deviceID {
			return true
		}
	}
	return false
}

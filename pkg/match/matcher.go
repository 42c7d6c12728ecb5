// Package match selects hosting devices for WASM modules. Eligibility is
// strict: a device must be Healthy, advertise a superset of the module's
// required capabilities, and meet every resource threshold. Ranking is
// deterministic so that identical registry states always produce identical
// placements.
package match

import (
	"errors"
	"sort"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
	"github.com/wasmfleet/wasmfleet/pkg/registry"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// ErrNoEligibleDevice is returned when no registered device can host the
// module. The scheduler treats it as retryable until the attempt budget
// runs out.
var ErrNoEligibleDevice = errors.New("no eligible device")

// Matcher ranks registry devices against module requirements.
type Matcher struct {
	registry *registry.Registry
	logger   *telemetry.Logger
}

// New creates a matcher backed by the given registry.
func New(reg *registry.Registry, logger *telemetry.Logger) *Matcher {
	return &Matcher{
		registry: reg,
		logger:   logger.NewComponentLogger("matcher"),
	}
}

// Eligible reports whether a single device can host the module right now.
// Exclusion is checked by the caller; this covers health, capabilities, and
// resource thresholds only.
func Eligible(dev *fleet.DeviceDescriptor, mod *fleet.ModuleDescriptor) bool {
	if !dev.Health.Eligible() {
		return false
	}
	if !dev.Capabilities.ContainsAll(mod.RequiredCapabilities) {
		return false
	}
	return dev.Resources.Meets(mod.ResourceThresholds)
}

// Candidates returns every eligible device for the module, best first.
// Devices in excluded are skipped. Ordering is by resource headroom over the
// module's thresholds, descending, with device ID ascending as tie-break.
func (m *Matcher) Candidates(mod fleet.ModuleDescriptor, excluded map[string]struct{}) []fleet.DeviceDescriptor {
	devices := m.registry.Query(func(dev *fleet.DeviceDescriptor) bool {
		if _, skip := excluded[dev.ID]; skip {
			return false
		}
		return Eligible(dev, &mod)
	})

	sort.Slice(devices, func(i, j int) bool {
		hi := devices[i].Resources.HeadroomOver(mod.ResourceThresholds)
		hj := devices[j].Resources.HeadroomOver(mod.ResourceThresholds)
		if hi != hj {
			return hi > hj
		}
		return devices[i].ID < devices[j].ID
	})

	return devices
}

// Select returns the single best device for the module, or
// ErrNoEligibleDevice when none qualifies.
func (m *Matcher) Select(mod fleet.ModuleDescriptor, excluded map[string]struct{}) (fleet.DeviceDescriptor, error) {
	candidates := m.Candidates(mod, excluded)
	if len(candidates) == 0 {
		m.logger.WithModuleID(mod.ID).
			WithField("excluded", len(excluded)).
			Debug("No eligible device for module")
		return fleet.DeviceDescriptor{}, fleet.NewTransientError("no eligible device for module "+mod.ID, ErrNoEligibleDevice).
			WithCode(fleet.ErrCodeNoEligibleDevice).
			WithOperation("select")
	}

	best := candidates[0]
	m.logger.WithModuleID(mod.ID).
		WithDeviceID(best.ID).
		WithField("candidates", len(candidates)).
		Debug("Selected device for module")
	return best, nil
}

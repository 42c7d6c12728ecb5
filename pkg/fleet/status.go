// Package fleet provides the core types shared by the WasmFleet orchestration
// engine: device and module descriptors, the deployment lifecycle states, the
// health-state machine vocabulary, and the classified error type used for
// retry decisions across components.
package fleet

import (
	"encoding/json"
	"fmt"
)

// HealthState represents the probe-driven health classification of a device.
type HealthState string

const (
	// HealthUnknown indicates the device has never been probed.
	HealthUnknown HealthState = "unknown"

	// HealthHealthy indicates the last probe succeeded.
	HealthHealthy HealthState = "healthy"

	// HealthSuspect indicates recent probe failures below the failure threshold.
	HealthSuspect HealthState = "suspect"

	// HealthUnhealthy indicates consecutive probe failures reached the threshold.
	// Unhealthy devices stay registered and may recover on a later success.
	HealthUnhealthy HealthState = "unhealthy"
)

// Eligible returns true if a device in this state may receive placements.
func (s HealthState) Eligible() bool {
	return s == HealthHealthy
}

// Validate checks if the health state is valid.
func (s HealthState) Validate() error {
	switch s {
	case HealthUnknown, HealthHealthy, HealthSuspect, HealthUnhealthy:
		return nil
	default:
		return fmt.Errorf("invalid health state: %s", s)
	}
}

// ProbeOutcome represents the result of one health probe against one device.
type ProbeOutcome string

const (
	// ProbeSuccess indicates the device answered the probe.
	ProbeSuccess ProbeOutcome = "success"

	// ProbeTimeout indicates the probe did not complete within its timeout.
	ProbeTimeout ProbeOutcome = "timeout"

	// ProbeUnreachable indicates the device could not be contacted.
	ProbeUnreachable ProbeOutcome = "unreachable"

	// ProbeInconclusive indicates the monitoring cycle's budget expired before
	// the probe settled. Inconclusive outcomes leave health state untouched.
	ProbeInconclusive ProbeOutcome = "inconclusive"
)

// IsFailure returns true if the outcome counts toward the failure threshold.
func (o ProbeOutcome) IsFailure() bool {
	return o == ProbeTimeout || o == ProbeUnreachable
}

// DeploymentState represents the lifecycle state of a deployment.
type DeploymentState string

const (
	// DeploymentPending indicates the deployment is accepted but not yet scheduled.
	DeploymentPending DeploymentState = "pending"

	// DeploymentScheduling indicates candidate devices are being selected.
	DeploymentScheduling DeploymentState = "scheduling"

	// DeploymentDeploying indicates a deploy command is in flight to a device.
	DeploymentDeploying DeploymentState = "deploying"

	// DeploymentRunning indicates every module of the request is placed and active.
	DeploymentRunning DeploymentState = "running"

	// DeploymentCompleted indicates the deployment finished successfully. Terminal.
	DeploymentCompleted DeploymentState = "completed"

	// DeploymentFailed indicates the deployment gave up. Terminal, carries a reason.
	DeploymentFailed DeploymentState = "failed"
)

// IsTerminal returns true if the state is final and the deployment immutable.
func (s DeploymentState) IsTerminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed
}

// IsActive returns true if the deployment still holds or seeks placements.
func (s DeploymentState) IsActive() bool {
	return !s.IsTerminal()
}

// Validate checks if the deployment state is valid.
func (s DeploymentState) Validate() error {
	switch s {
	case DeploymentPending, DeploymentScheduling, DeploymentDeploying,
		DeploymentRunning, DeploymentCompleted, DeploymentFailed:
		return nil
	default:
		return fmt.Errorf("invalid deployment state: %s", s)
	}
}

// FailureReason explains why a deployment reached the Failed state.
type FailureReason string

const (
	// ReasonNone is the zero reason carried by non-failed deployments.
	ReasonNone FailureReason = ""

	// ReasonSchedulingExhausted indicates the retry budget ran out while no
	// eligible device existed.
	ReasonSchedulingExhausted FailureReason = "scheduling_exhausted"

	// ReasonDeployExhausted indicates the retry budget ran out on deploy
	// transport failures.
	ReasonDeployExhausted FailureReason = "deploy_exhausted"

	// ReasonCancelled indicates an external cancel request.
	ReasonCancelled FailureReason = "cancelled"
)

// Validate checks if the failure reason is valid.
func (r FailureReason) Validate() error {
	switch r {
	case ReasonNone, ReasonSchedulingExhausted, ReasonDeployExhausted, ReasonCancelled:
		return nil
	default:
		return fmt.Errorf("invalid failure reason: %s", r)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DeploymentState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DeploymentState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DeploymentState(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s HealthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *HealthState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = HealthState(str)
	return s.Validate()
}

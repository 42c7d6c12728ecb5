package fleet

import (
	"context"
)

// ProbeResult is the outcome of one health probe against one device.
// On success the device may piggyback a refreshed resource report.
type ProbeResult struct {
	// Outcome classifies the probe result.
	Outcome ProbeOutcome `json:"outcome"`

	// Resources is the device's resource report from a successful probe,
	// merged into the registry entry. Nil when the probe failed.
	Resources Resources `json:"resources,omitempty"`
}

// Prober issues health probes against devices. Implementations must honor
// the context deadline; an expired deadline maps to ProbeTimeout.
type Prober interface {
	// Probe checks one device. It never returns an error: every failure
	// mode is expressed as a ProbeOutcome.
	Probe(ctx context.Context, device DeviceDescriptor) ProbeResult
}

// Deployer issues deploy and undeploy commands to devices. Deploy must be
// idempotent on the device side: re-sending the same deployment is safe.
type Deployer interface {
	// Deploy places a module on a device. A nil error means the device
	// acknowledged. Failures and timeouts return a transient FleetError
	// with code ErrCodeDeployTransport.
	Deploy(ctx context.Context, device DeviceDescriptor, deploymentID string, module ModuleDescriptor) error

	// Undeploy signals a device to drop a deployment. Best effort; callers
	// do not block on or react to its outcome.
	Undeploy(ctx context.Context, device DeviceDescriptor, deploymentID string) error
}

// Transport is the full logical device-side contract the core invokes.
type Transport interface {
	Prober
	Deployer
}

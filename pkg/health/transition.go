package health

import "github.com/wasmfleet/wasmfleet/pkg/fleet"

// Transition computes the next health state and failure counter from one
// probe outcome. It is pure so the full transition table can be verified
// exhaustively.
//
// A successful probe always returns the device to Healthy with the counter
// reset. A failed probe increments the counter and moves the device to
// Suspect, or to Unhealthy once the counter reaches threshold. An Unhealthy
// device saturates: further failures leave state and counter unchanged.
// Inconclusive probes (cycle budget expired before the probe settled) change
// nothing.
func Transition(current fleet.HealthState, outcome fleet.ProbeOutcome, failures, threshold int) (fleet.HealthState, int) {
	if outcome == fleet.ProbeInconclusive {
		return current, failures
	}

	if !outcome.IsFailure() {
		return fleet.HealthHealthy, 0
	}

	if current == fleet.HealthUnhealthy {
		return fleet.HealthUnhealthy, failures
	}

	failures++
	if failures >= threshold {
		return fleet.HealthUnhealthy, failures
	}
	return fleet.HealthSuspect, failures
}

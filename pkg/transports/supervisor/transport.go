// Package supervisor implements the device-side transport over HTTP. Every
// device runs a supervisor agent exposing a small REST surface: a health
// endpoint the monitor probes, and deploy/undeploy endpoints the deployment
// manager drives.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// Config holds supervisor transport configuration.
type Config struct {
	// Scheme is http or https.
	Scheme string

	// RequestTimeout bounds deploy and undeploy calls. Probe calls are
	// bounded by the caller's context instead.
	RequestTimeout time.Duration

	// MaxIdleConns caps the client's idle connection pool across the fleet.
	MaxIdleConns int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Scheme:         "http",
		RequestTimeout: 30 * time.Second,
		MaxIdleConns:   64,
	}
}

// Transport talks to device supervisors over HTTP. It implements
// fleet.Transport.
type Transport struct {
	config Config
	client *http.Client
	logger *telemetry.Logger
}

// healthResponse is the body of a successful probe.
type healthResponse struct {
	Resources map[string]int64 `json:"resources,omitempty"`
}

// deployRequest is the body of a deploy command.
type deployRequest struct {
	DeploymentID string                 `json:"deployment_id"`
	Module       fleet.ModuleDescriptor `json:"module"`
}

// New creates an HTTP supervisor transport.
func New(cfg Config, logger *telemetry.Logger) *Transport {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	return &Transport{
		config: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.NewComponentLogger("supervisor-transport"),
	}
}

func (t *Transport) url(device fleet.DeviceDescriptor, path string) string {
	return fmt.Sprintf("%s://%s%s", t.config.Scheme, device.Address, path)
}

// Probe checks a device's health endpoint. Every failure mode maps to a
// probe outcome; Probe never returns an error.
func (t *Transport) Probe(ctx context.Context, device fleet.DeviceDescriptor) fleet.ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url(device, "/health"), nil)
	if err != nil {
		return fleet.ProbeResult{Outcome: fleet.ProbeUnreachable}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fleet.ProbeResult{Outcome: classifyProbeError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fleet.ProbeResult{Outcome: fleet.ProbeUnreachable}
	}

	var health healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&health); err != nil {
		// A reachable device with a malformed health body still counts as up.
		return fleet.ProbeResult{Outcome: fleet.ProbeSuccess}
	}
	return fleet.ProbeResult{
		Outcome:   fleet.ProbeSuccess,
		Resources: fleet.Resources(health.Resources),
	}
}

func classifyProbeError(err error) fleet.ProbeOutcome {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fleet.ProbeTimeout
	}
	return fleet.ProbeUnreachable
}

// Deploy sends a module placement command. The supervisor side is keyed by
// deployment id, so re-sending the same command is idempotent.
func (t *Transport) Deploy(ctx context.Context, device fleet.DeviceDescriptor, deploymentID string, mod fleet.ModuleDescriptor) error {
	body, err := json.Marshal(deployRequest{DeploymentID: deploymentID, Module: mod})
	if err != nil {
		return fleet.NewPermanentError("failed to encode deploy request", err).
			WithDevice(device.ID).
			WithOperation("deploy")
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.url(device, "/deploy"), bytes.NewReader(body))
	if err != nil {
		return fleet.NewTransientError("failed to build deploy request", err).
			WithCode(fleet.ErrCodeDeployTransport).
			WithDevice(device.ID).
			WithOperation("deploy")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fleet.NewTransientError("deploy command failed", err).
			WithCode(fleet.ErrCodeDeployTransport).
			WithDevice(device.ID).
			WithOperation("deploy")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fleet.NewTransientError(
			fmt.Sprintf("deploy command rejected with status %d", resp.StatusCode), nil).
			WithCode(fleet.ErrCodeDeployTransport).
			WithDevice(device.ID).
			WithOperation("deploy")
	}

	t.logger.WithDeviceID(device.ID).
		WithDeploymentID(deploymentID).
		WithModuleID(mod.ID).
		Debug("Deploy command acknowledged")
	return nil
}

// Undeploy signals a device to drop a deployment. Best effort.
func (t *Transport) Undeploy(ctx context.Context, device fleet.DeviceDescriptor, deploymentID string) error {
	reqCtx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodDelete, t.url(device, "/deploy/"+deploymentID), nil)
	if err != nil {
		return fleet.NewTransientError("failed to build undeploy request", err).
			WithDevice(device.ID).
			WithOperation("undeploy")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fleet.NewTransientError("undeploy command failed", err).
			WithDevice(device.ID).
			WithOperation("undeploy")
	}
	defer resp.Body.Close()

	// 404 means the deployment is already gone, which is fine.
	if resp.StatusCode < 200 || (resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound) {
		return fleet.NewTransientError(
			fmt.Sprintf("undeploy command rejected with status %d", resp.StatusCode), nil).
			WithDevice(device.ID).
			WithOperation("undeploy")
	}
	return nil
}

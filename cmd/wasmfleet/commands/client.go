package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
)

// apiClient is a thin JSON client for the orchestrator HTTP API, used by the
// CLI subcommands that talk to a running server.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: strings.TrimRight(serverAddr, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// do issues a JSON request and decodes the response into out when out is
// non-nil. Error responses are surfaced with the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// deploymentStatus mirrors the server's deployment view.
type deploymentStatus struct {
	ID          string                `json:"id"`
	State       fleet.DeploymentState `json:"state"`
	Reason      fleet.FailureReason   `json:"reason,omitempty"`
	Modules     []string              `json:"modules"`
	Placements  []fleet.Placement     `json:"placements,omitempty"`
	Excluded    []string              `json:"excluded,omitempty"`
	Attempts    int                   `json:"attempts"`
	RetryBudget int                   `json:"retry_budget"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// printJSON pretty-prints v to stdout, for the --json output mode.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

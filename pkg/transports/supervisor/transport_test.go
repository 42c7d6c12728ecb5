package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

func newTestTransport() *Transport {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	return New(cfg, telemetry.Nop())
}

func deviceFor(server *httptest.Server) fleet.DeviceDescriptor {
	return fleet.DeviceDescriptor{
		ID:      "dev-1",
		Address: strings.TrimPrefix(server.URL, "http://"),
	}
}

func TestProbe_SuccessWithResources(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("Expected probe on /health, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(healthResponse{
			Resources: map[string]int64{fleet.ResourceMemoryBytes: 2048},
		})
	}))
	defer server.Close()

	result := newTestTransport().Probe(context.Background(), deviceFor(server))

	if result.Outcome != fleet.ProbeSuccess {
		t.Fatalf("Expected success, got %s", result.Outcome)
	}
	if result.Resources[fleet.ResourceMemoryBytes] != 2048 {
		t.Errorf("Expected resource report to be parsed, got %v", result.Resources)
	}
}

func TestProbe_MalformedBodyStillSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	result := newTestTransport().Probe(context.Background(), deviceFor(server))
	if result.Outcome != fleet.ProbeSuccess {
		t.Errorf("Expected a reachable device with a bad body to count as up, got %s", result.Outcome)
	}
}

func TestProbe_Non200IsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	result := newTestTransport().Probe(context.Background(), deviceFor(server))
	if result.Outcome != fleet.ProbeUnreachable {
		t.Errorf("Expected unreachable on 503, got %s", result.Outcome)
	}
}

func TestProbe_ConnectionRefusedIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	device := deviceFor(server)
	server.Close()

	result := newTestTransport().Probe(context.Background(), device)
	if result.Outcome != fleet.ProbeUnreachable {
		t.Errorf("Expected unreachable on refused connection, got %s", result.Outcome)
	}
}

func TestProbe_DeadlineIsTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := newTestTransport().Probe(ctx, deviceFor(server))
	if result.Outcome != fleet.ProbeTimeout {
		t.Errorf("Expected timeout when the context deadline expires, got %s", result.Outcome)
	}
}

func TestDeploy_SendsCommand(t *testing.T) {
	var got deployRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/deploy" {
			t.Errorf("Expected POST /deploy, got %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode deploy request: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := newTestTransport().Deploy(context.Background(), deviceFor(server), "dep-1", fleet.ModuleDescriptor{ID: "mod-1"})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if got.DeploymentID != "dep-1" || got.Module.ID != "mod-1" {
		t.Errorf("Expected deploy payload dep-1/mod-1, got %s/%s", got.DeploymentID, got.Module.ID)
	}
}

func TestDeploy_RejectionIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := newTestTransport().Deploy(context.Background(), deviceFor(server), "dep-1", fleet.ModuleDescriptor{ID: "mod-1"})
	if err == nil {
		t.Fatal("Expected rejected deploy to return an error")
	}

	var ferr *fleet.FleetError
	if !errors.As(err, &ferr) {
		t.Fatal("Expected a classified error")
	}
	if ferr.Code != fleet.ErrCodeDeployTransport {
		t.Errorf("Expected code %s, got %s", fleet.ErrCodeDeployTransport, ferr.Code)
	}
	if !fleet.IsTransient(err) {
		t.Error("Expected transport failures to be transient so the budget retries them")
	}
}

func TestUndeploy_AcceptsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/deploy/dep-1" {
			t.Errorf("Expected DELETE /deploy/dep-1, got %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	// The deployment already being gone is a success for undeploy.
	if err := newTestTransport().Undeploy(context.Background(), deviceFor(server), "dep-1"); err != nil {
		t.Errorf("Expected 404 undeploy to succeed, got %v", err)
	}
}

func TestUndeploy_ServerErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := newTestTransport().Undeploy(context.Background(), deviceFor(server), "dep-1"); err == nil {
		t.Error("Expected 500 undeploy to return an error")
	}
}

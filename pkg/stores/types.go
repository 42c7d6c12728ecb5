package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// DeviceRecord is the persisted form of a registry device.
type DeviceRecord struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Address             string    `json:"address"`
	Capabilities        string    `json:"capabilities"` // JSON array of tags
	Resources           string    `json:"resources"`    // JSON object of metrics
	Health              string    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSeen            time.Time `json:"last_seen"`
	RegisteredAt        time.Time `json:"registered_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ModuleRecord is the persisted form of a registered WASM module.
type ModuleRecord struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	RequiredCapabilities string    `json:"required_capabilities"` // JSON array of tags
	ResourceThresholds   string    `json:"resource_thresholds"`   // JSON object of metrics
	ArtifactURI          string    `json:"artifact_uri"`
	ArtifactSHA256       string    `json:"artifact_sha256"`
	ArtifactSizeBytes    int64     `json:"artifact_size_bytes"`
	Exports              string    `json:"exports"` // JSON array of export names
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// DeploymentRecord is the persisted form of a deployment's lifecycle state.
type DeploymentRecord struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	Reason      string     `json:"reason"`
	Request     string     `json:"request"`    // JSON blob of the originating request
	Placements  string     `json:"placements"` // JSON array of placements
	Excluded    string     `json:"excluded"`   // JSON array of device IDs
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event represents an append-only log event
type Event struct {
	ID           int64      `json:"id"`
	DeploymentID *string    `json:"deployment_id,omitempty"`
	DeviceID     *string    `json:"device_id,omitempty"`
	Level        EventLevel `json:"level"`
	Message      string     `json:"message"`
	Details      *string    `json:"details,omitempty"` // JSON blob
	Timestamp    time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Device operations
	UpsertDevice(ctx context.Context, rec *DeviceRecord) error
	GetDevice(ctx context.Context, id string) (*DeviceRecord, error)
	ListDevices(ctx context.Context, limit, offset int) ([]*DeviceRecord, error)
	DeleteDevice(ctx context.Context, id string) error

	// Module operations
	UpsertModule(ctx context.Context, rec *ModuleRecord) error
	GetModule(ctx context.Context, id string) (*ModuleRecord, error)
	ListModules(ctx context.Context, limit, offset int) ([]*ModuleRecord, error)
	DeleteModule(ctx context.Context, id string) error

	// Deployment operations
	UpsertDeployment(ctx context.Context, rec *DeploymentRecord) error
	GetDeployment(ctx context.Context, id string) (*DeploymentRecord, error)
	ListDeployments(ctx context.Context, limit, offset int) ([]*DeploymentRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, deploymentID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// DeviceToRecord converts a registry descriptor to its persisted form.
func DeviceToRecord(dev *fleet.DeviceDescriptor, now time.Time) (*DeviceRecord, error) {
	caps, err := json.Marshal(dev.Capabilities)
	if err != nil {
		return nil, err
	}
	res, err := json.Marshal(dev.Resources)
	if err != nil {
		return nil, err
	}
	return &DeviceRecord{
		ID:                  dev.ID,
		Name:                dev.Name,
		Address:             dev.Address,
		Capabilities:        string(caps),
		Resources:           string(res),
		Health:              string(dev.Health),
		ConsecutiveFailures: dev.ConsecutiveFailures,
		LastSeen:            dev.LastSeen,
		RegisteredAt:        dev.RegisteredAt,
		UpdatedAt:           now,
	}, nil
}

// RecordToDevice converts a persisted device back to a registry descriptor.
func RecordToDevice(rec *DeviceRecord) (*fleet.DeviceDescriptor, error) {
	var caps fleet.CapabilitySet
	if rec.Capabilities != "" {
		if err := json.Unmarshal([]byte(rec.Capabilities), &caps); err != nil {
			return nil, err
		}
	}
	var res fleet.Resources
	if rec.Resources != "" {
		if err := json.Unmarshal([]byte(rec.Resources), &res); err != nil {
			return nil, err
		}
	}
	return &fleet.DeviceDescriptor{
		ID:                  rec.ID,
		Name:                rec.Name,
		Address:             rec.Address,
		Capabilities:        caps,
		Resources:           res,
		Health:              fleet.HealthState(rec.Health),
		ConsecutiveFailures: rec.ConsecutiveFailures,
		LastSeen:            rec.LastSeen,
		RegisteredAt:        rec.RegisteredAt,
	}, nil
}

// ModuleToRecord converts a module descriptor to its persisted form.
func ModuleToRecord(mod *fleet.ModuleDescriptor, now time.Time) (*ModuleRecord, error) {
	caps, err := json.Marshal(mod.RequiredCapabilities)
	if err != nil {
		return nil, err
	}
	thresholds, err := json.Marshal(mod.ResourceThresholds)
	if err != nil {
		return nil, err
	}
	exports, err := json.Marshal(mod.Exports)
	if err != nil {
		return nil, err
	}
	return &ModuleRecord{
		ID:                   mod.ID,
		Name:                 mod.Name,
		RequiredCapabilities: string(caps),
		ResourceThresholds:   string(thresholds),
		ArtifactURI:          mod.Artifact.URI,
		ArtifactSHA256:       mod.Artifact.SHA256,
		ArtifactSizeBytes:    mod.Artifact.SizeBytes,
		Exports:              string(exports),
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// RecordToModule converts a persisted module back to a descriptor.
func RecordToModule(rec *ModuleRecord) (*fleet.ModuleDescriptor, error) {
	var caps fleet.CapabilitySet
	if rec.RequiredCapabilities != "" {
		if err := json.Unmarshal([]byte(rec.RequiredCapabilities), &caps); err != nil {
			return nil, err
		}
	}
	var thresholds fleet.Resources
	if rec.ResourceThresholds != "" {
		if err := json.Unmarshal([]byte(rec.ResourceThresholds), &thresholds); err != nil {
			return nil, err
		}
	}
	var exports []string
	if rec.Exports != "" {
		if err := json.Unmarshal([]byte(rec.Exports), &exports); err != nil {
			return nil, err
		}
	}
	return &fleet.ModuleDescriptor{
		ID:                   rec.ID,
		Name:                 rec.Name,
		RequiredCapabilities: caps,
		ResourceThresholds:   thresholds,
		Artifact: fleet.ArtifactRef{
			URI:       rec.ArtifactURI,
			SHA256:    rec.ArtifactSHA256,
			SizeBytes: rec.ArtifactSizeBytes,
		},
		Exports: exports,
	}, nil
}

// DeploymentToRecord converts a deployment to its persisted form.
func DeploymentToRecord(dep *fleet.Deployment, now time.Time) (*DeploymentRecord, error) {
	request, err := json.Marshal(dep.Request)
	if err != nil {
		return nil, err
	}
	placements, err := json.Marshal(dep.Placements)
	if err != nil {
		return nil, err
	}
	excluded, err := json.Marshal(dep.Excluded)
	if err != nil {
		return nil, err
	}
	rec := &DeploymentRecord{
		ID:         dep.ID,
		State:      string(dep.State),
		Reason:     string(dep.Reason),
		Request:    string(request),
		Placements: string(placements),
		Excluded:   string(excluded),
		Attempts:   dep.Attempts,
		CreatedAt:  dep.CreatedAt,
		UpdatedAt:  now,
	}
	if dep.CompletedAt != nil {
		t := *dep.CompletedAt
		rec.CompletedAt = &t
	}
	return rec, nil
}

// RecordToDeployment converts a persisted deployment back to its live form.
func RecordToDeployment(rec *DeploymentRecord) (*fleet.Deployment, error) {
	dep := &fleet.Deployment{
		ID:          rec.ID,
		State:       fleet.DeploymentState(rec.State),
		Reason:      fleet.FailureReason(rec.Reason),
		Attempts:    rec.Attempts,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		CompletedAt: rec.CompletedAt,
	}
	if rec.Request != "" {
		if err := json.Unmarshal([]byte(rec.Request), &dep.Request); err != nil {
			return nil, err
		}
	}
	if rec.Placements != "" {
		if err := json.Unmarshal([]byte(rec.Placements), &dep.Placements); err != nil {
			return nil, err
		}
	}
	if rec.Excluded != "" {
		if err := json.Unmarshal([]byte(rec.Excluded), &dep.Excluded); err != nil {
			return nil, err
		}
	}
	return dep, nil
}

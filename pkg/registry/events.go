package registry

import (
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
)

// EventType represents the type of registry change event.
type EventType string

const (
	// EventDeviceAdded indicates a device was registered for the first time.
	EventDeviceAdded EventType = "device_added"

	// EventDeviceUpdated indicates an announcement changed a device's
	// address, capabilities or resources.
	EventDeviceUpdated EventType = "device_updated"

	// EventHealthChanged indicates the health monitor moved a device to a
	// new health state.
	EventHealthChanged EventType = "health_changed"

	// EventDeviceEvicted indicates a device was removed from the registry.
	EventDeviceEvicted EventType = "device_evicted"
)

// Event describes one registry change. Device is a snapshot taken at the
// time of the change.
type Event struct {
	// Type is the change type.
	Type EventType `json:"type"`

	// Device is a point-in-time copy of the affected device.
	Device fleet.DeviceDescriptor `json:"device"`

	// PrevHealth is the health state before a health_changed event.
	PrevHealth fleet.HealthState `json:"prev_health,omitempty"`

	// Timestamp is when the change happened.
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is a registered event listener. Events are delivered on C;
// a subscriber that falls behind its buffer loses events, so consumers must
// reconcile against current registry state when they wake, never replay.
type Subscription struct {
	// C delivers registry events.
	C <-chan Event

	id int
	ch chan Event
}

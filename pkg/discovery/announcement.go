package discovery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wasmfleet/wasmfleet/pkg/fleet"
)

// Announcement is the wire form of a device presence message. Devices send
// it on every discovery round; the same device id always maps to the same
// registry entry.
type Announcement struct {
	DeviceID     string           `json:"device_id"`
	Name         string           `json:"name,omitempty"`
	Address      string           `json:"address"`
	Capabilities []string         `json:"capabilities,omitempty"`
	Resources    map[string]int64 `json:"resources,omitempty"`
}

// Validate checks the announcement's required fields.
func (a *Announcement) Validate() error {
	if a.DeviceID == "" {
		return fmt.Errorf("announcement missing device_id")
	}
	if a.Address == "" {
		return fmt.Errorf("announcement missing address")
	}
	for name, v := range a.Resources {
		if v < 0 {
			return fmt.Errorf("announcement resource %q is negative", name)
		}
	}
	return nil
}

// Descriptor converts the announcement into a registry descriptor. Health
// fields are zero; the registry preserves existing health on upsert.
func (a *Announcement) Descriptor(now time.Time) fleet.DeviceDescriptor {
	return fleet.DeviceDescriptor{
		ID:           a.DeviceID,
		Name:         a.Name,
		Address:      a.Address,
		Capabilities: fleet.NewCapabilitySet(a.Capabilities...),
		Resources:    fleet.Resources(a.Resources).Clone(),
		Health:       fleet.HealthUnknown,
		LastSeen:     now,
	}
}

// ParseAnnouncement decodes and validates one raw announcement.
func ParseAnnouncement(raw []byte) (*Announcement, error) {
	var ann Announcement
	if err := json.Unmarshal(raw, &ann); err != nil {
		return nil, fmt.Errorf("malformed announcement: %w", err)
	}
	if err := ann.Validate(); err != nil {
		return nil, err
	}
	return &ann, nil
}

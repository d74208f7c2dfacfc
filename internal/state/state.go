package state

import "time"

// Status is the core's belief about a device's reachability.
type Status string

// Device statuses.
const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// DeviceState is the authoritative snapshot for one device.
type DeviceState struct {
	DeviceID      string         `json:"deviceId"`
	Status        Status         `json:"status"`
	State         map[string]any `json:"state"`
	LastSeen      *time.Time     `json:"lastSeen,omitempty"`
	OfflineReason string         `json:"offlineReason,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt,omitzero"`
}

// Unknown returns the state reported for a device that has never been
// written.
func Unknown(deviceID string) *DeviceState {
	return &DeviceState{
		DeviceID: deviceID,
		Status:   StatusUnknown,
		State:    map[string]any{},
	}
}

// Meta carries the status fields applied alongside a state patch.
// Nil or empty fields leave the current value in place, except that an
// online status clears the offline reason unless one is given.
type Meta struct {
	Status        Status
	LastSeen      *time.Time
	OfflineReason *string
}

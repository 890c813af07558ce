package models

import "time"

// DeviceState is the authoritative actuator record of one garden.
// Fan, Light and Pump hold the desired state.
type DeviceState struct {
	GardenID           string    `json:"garden_id"`
	Fan                bool      `json:"fan"`
	Light              bool      `json:"light"`
	Pump               bool      `json:"pump"`
	Mode               Mode      `json:"mode"`
	LastReportedAt     time.Time `json:"last_reported_at"`
	Unconfirmed        []Device  `json:"unconfirmed,omitempty"`
	AutomationDegraded bool      `json:"automation_degraded"`
}

// Get returns the desired state of an actuator.
func (s DeviceState) Get(d Device) bool {
	switch d {
	case DeviceFan:
		return s.Fan
	case DeviceLight:
		return s.Light
	case DevicePump:
		return s.Pump
	}
	return false
}

// Set updates the desired state of an actuator.
func (s *DeviceState) Set(d Device, on bool) {
	switch d {
	case DeviceFan:
		s.Fan = on
	case DeviceLight:
		s.Light = on
	case DevicePump:
		s.Pump = on
	}
}

// IsUnconfirmed reports whether the actuator is flagged unconfirmed.
func (s DeviceState) IsUnconfirmed(d Device) bool {
	for _, u := range s.Unconfirmed {
		if u == d {
			return true
		}
	}
	return false
}

// ConnectionStatus is derived from the time since the last device report.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusStale        ConnectionStatus = "stale"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// ConnectionBands are the age limits that separate the connection statuses.
type ConnectionBands struct {
	StaleAfter        time.Duration `yaml:"stale_after"`
	DisconnectedAfter time.Duration `yaml:"disconnected_after"`
}

// StatusAt computes the connection status for a device last heard from at lastReportedAt.
// A device that never reported is disconnected.
func (b ConnectionBands) StatusAt(lastReportedAt, now time.Time) ConnectionStatus {
	if lastReportedAt.IsZero() {
		return StatusDisconnected
	}
	age := now.Sub(lastReportedAt)
	switch {
	case age < b.StaleAfter:
		return StatusConnected
	case age < b.DisconnectedAfter:
		return StatusStale
	default:
		return StatusDisconnected
	}
}

// Snapshot is the full-state read used by clients to resync.
type Snapshot struct {
	DeviceState      DeviceState      `json:"device_state"`
	LatestReading    *SensorReading   `json:"latest_reading,omitempty"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	Seq              uint64           `json:"seq"`
}

package models

import "time"

// Threshold is the hysteresis band configured for one metric of a garden.
// The bound actuator turns on at or above HighBound and off at or below LowBound.
type Threshold struct {
	GardenID  string  `json:"garden_id"`
	Metric    Metric  `json:"metric"`
	LowBound  float64 `json:"low_bound"`
	HighBound float64 `json:"high_bound"`
	Device    Device  `json:"device,omitempty"`
}

// Schedule is a recurring time-of-day actuator action.
// DaysOfWeek uses time.Weekday numbering (0 = Sunday).
type Schedule struct {
	ID         string `json:"id"`
	GardenID   string `json:"garden_id"`
	Device     Device `json:"device"`
	Action     Action `json:"action"`
	Hour       int    `json:"hour"`
	Minute     int    `json:"minute"`
	DaysOfWeek []int  `json:"days_of_week"`
	Active     bool   `json:"active"`
}

// Matches reports whether the schedule is due in the minute containing t.
// t must already be expressed in the garden's local time zone.
func (s Schedule) Matches(t time.Time) bool {
	if !s.Active || t.Hour() != s.Hour || t.Minute() != s.Minute {
		return false
	}
	wd := int(t.Weekday())
	for _, d := range s.DaysOfWeek {
		if d == wd {
			return true
		}
	}
	return false
}

// CommandSource identifies what produced an actuator change.
type CommandSource string

const (
	SourceThreshold CommandSource = "threshold"
	SourceSchedule  CommandSource = "schedule"
	SourceSafety    CommandSource = "safety"
	SourceManual    CommandSource = "manual"
)

// ActuatorCommand is an instruction sent to a garden controller.
type ActuatorCommand struct {
	ID       string        `json:"command_id"`
	GardenID string        `json:"garden_id"`
	Device   Device        `json:"device"`
	Action   Action        `json:"action"`
	Reason   string        `json:"reason"`
	Source   CommandSource `json:"source"`
	IssuedAt time.Time     `json:"issued_at"`
	Attempt  int           `json:"attempt"`
}

// Trigger names the event kind that led to a StateDelta.
type Trigger string

const (
	TriggerReading       Trigger = "reading"
	TriggerSchedule      Trigger = "schedule"
	TriggerManual        Trigger = "manual"
	TriggerReport        Trigger = "report"
	TriggerMode          Trigger = "mode"
	TriggerConfig        Trigger = "config"
	TriggerCommandResult Trigger = "command_result"
)

// Change describes one actuator transition inside a StateDelta.
type Change struct {
	Device Device        `json:"device"`
	From   bool          `json:"from"`
	To     bool          `json:"to"`
	Source CommandSource `json:"source"`
	Reason string        `json:"reason"`
}

// StateDelta is broadcast after each evaluation, including evaluations that changed nothing.
type StateDelta struct {
	GardenID    string      `json:"garden_id"`
	Seq         uint64      `json:"seq"`
	Trigger     Trigger     `json:"trigger"`
	Changes     []Change    `json:"changes"`
	State       DeviceState `json:"state"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

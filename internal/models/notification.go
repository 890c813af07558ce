package models

import "time"

// NotificationType classifies user-facing alerts.
type NotificationType string

const (
	NotificationThresholdCrossed    NotificationType = "threshold_crossed"
	NotificationScheduleFired       NotificationType = "schedule_fired"
	NotificationActuatorUnconfirmed NotificationType = "actuator_unconfirmed"
	NotificationConnectivity        NotificationType = "connectivity_changed"
	NotificationTransportError      NotificationType = "transport_error"
	NotificationAutomationDegraded  NotificationType = "automation_degraded"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is an alert pushed to the users of a garden.
type Notification struct {
	ID         string            `json:"id"`
	Type       NotificationType  `json:"type"`
	GardenID   string            `json:"garden_id"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Persistent bool              `json:"persistent"`
	Timestamp  time.Time         `json:"timestamp"`
	Data       map[string]string `json:"data,omitempty"`
}

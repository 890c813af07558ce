package notification

import (
	"fmt"
	"time"

	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/google/uuid"
)

// ThresholdCrossed reports a hysteresis latch transition.
func ThresholdCrossed(th models.Threshold, value float64, high bool, at time.Time) models.Notification {
	bound, dir, sev := th.LowBound, "below", models.SeverityInfo
	if high {
		bound, dir, sev = th.HighBound, "above", models.SeverityWarning
	}
	return models.Notification{
		ID:        uuid.NewString(),
		Type:      models.NotificationThresholdCrossed,
		GardenID:  th.GardenID,
		Severity:  sev,
		Message:   fmt.Sprintf("%s %.1f crossed %s %.1f", th.Metric, value, dir, bound),
		Timestamp: at,
		Data: map[string]string{
			"metric": string(th.Metric),
			"device": string(th.Device),
			"value":  fmt.Sprintf("%g", value),
			"bound":  fmt.Sprintf("%g", bound),
		},
	}
}

// ScheduleFired reports a schedule firing.
func ScheduleFired(s models.Schedule, at time.Time) models.Notification {
	return models.Notification{
		ID:        uuid.NewString(),
		Type:      models.NotificationScheduleFired,
		GardenID:  s.GardenID,
		Severity:  models.SeverityInfo,
		Message:   fmt.Sprintf("Schedule %s turned %s %s", s.ID, s.Device, s.Action),
		Timestamp: at,
		Data:      map[string]string{"schedule_id": s.ID, "device": string(s.Device), "action": string(s.Action)},
	}
}

// ActuatorUnconfirmed reports an actuator whose reported state does not follow the desired state.
func ActuatorUnconfirmed(gardenID string, d models.Device, desired bool, cause string, at time.Time) models.Notification {
	return models.Notification{
		ID:        uuid.NewString(),
		Type:      models.NotificationActuatorUnconfirmed,
		GardenID:  gardenID,
		Severity:  models.SeverityWarning,
		Message:   fmt.Sprintf("%s did not confirm %s", d, models.ActionFor(desired)),
		Timestamp: at,
		Data:      map[string]string{"device": string(d), "desired": string(models.ActionFor(desired)), "cause": cause},
	}
}

// ConnectivityChanged reports a connection status transition.
func ConnectivityChanged(gardenID string, from, to models.ConnectionStatus, at time.Time) models.Notification {
	sev := models.SeverityInfo
	switch to {
	case models.StatusStale:
		sev = models.SeverityWarning
	case models.StatusDisconnected:
		sev = models.SeverityCritical
	}
	return models.Notification{
		ID:        uuid.NewString(),
		Type:      models.NotificationConnectivity,
		GardenID:  gardenID,
		Severity:  sev,
		Message:   fmt.Sprintf("Garden controller is %s (was %s)", to, from),
		Timestamp: at,
		Data:      map[string]string{"from": string(from), "to": string(to)},
	}
}

// TransportError reports a command that could not be published.
func TransportError(cmd models.ActuatorCommand, err error, at time.Time) models.Notification {
	return models.Notification{
		ID:        uuid.NewString(),
		Type:      models.NotificationTransportError,
		GardenID:  cmd.GardenID,
		Severity:  models.SeverityCritical,
		Message:   fmt.Sprintf("Could not send %s %s to the garden controller", cmd.Device, cmd.Action),
		Timestamp: at,
		Data:      map[string]string{"device": string(cmd.Device), "command_id": cmd.ID, "error": err.Error()},
	}
}

// AutomationDegraded is the persistent warning raised when auto mode has no thresholds.
func AutomationDegraded(gardenID string, at time.Time) models.Notification {
	return models.Notification{
		ID:         uuid.NewString(),
		Type:       models.NotificationAutomationDegraded,
		GardenID:   gardenID,
		Severity:   models.SeverityWarning,
		Message:    "Automation disabled: no thresholds configured, garden is manual-only",
		Persistent: true,
		Timestamp:  at,
	}
}

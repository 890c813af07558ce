package models

import "time"

// SensorReading is one telemetry sample reported by a garden's sensors.
type SensorReading struct {
	GardenID    string    `json:"garden_id"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Light       float64   `json:"light"`
	Soil        float64   `json:"soil"`
	Timestamp   time.Time `json:"timestamp"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Value returns the reading's value for the given metric.
func (r SensorReading) Value(m Metric) (float64, bool) {
	switch m {
	case MetricTemperature:
		return r.Temperature, true
	case MetricHumidity:
		return r.Humidity, true
	case MetricLight:
		return r.Light, true
	case MetricSoil:
		return r.Soil, true
	}
	return 0, false
}

// DeviceReport is an actuator status report sent by a garden controller.
// Actuators only contains the devices present in the report.
type DeviceReport struct {
	GardenID   string          `json:"garden_id"`
	Actuators  map[Device]bool `json:"actuators"`
	ReportedAt time.Time       `json:"reported_at"`
	ReceivedAt time.Time       `json:"received_at"`
}

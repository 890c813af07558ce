package models

import "fmt"

// Device identifies one of the actuators installed in a garden.
type Device string

const (
	DeviceFan   Device = "fan"
	DeviceLight Device = "light"
	DevicePump  Device = "pump"
)

// AllDevices lists every actuator in a stable order.
var AllDevices = []Device{DeviceFan, DeviceLight, DevicePump}

// ParseDevice converts a raw string into a known Device.
func ParseDevice(s string) (Device, error) {
	switch d := Device(s); d {
	case DeviceFan, DeviceLight, DevicePump:
		return d, nil
	}
	return "", fmt.Errorf("unknown device %q", s)
}

// Mode is the automation mode of a garden.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// ParseMode converts a raw string into a known Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAuto, ModeManual:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Metric is a sensor measurement that thresholds can be configured for.
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricHumidity    Metric = "humidity"
	MetricLight       Metric = "light"
	MetricSoil        Metric = "soil"
)

// AllMetrics lists every metric in a stable order.
var AllMetrics = []Metric{MetricTemperature, MetricHumidity, MetricLight, MetricSoil}

// ParseMetric converts a raw string into a known Metric.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricTemperature, MetricHumidity, MetricLight, MetricSoil:
		return m, nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// Action is the state an actuator is asked to move to.
type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// ActionFor returns the Action matching a boolean actuator state.
func ActionFor(on bool) Action {
	if on {
		return ActionOn
	}
	return ActionOff
}

// On reports whether the action switches the actuator on.
func (a Action) On() bool { return a == ActionOn }

// ParseAction converts a raw string into a known Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionOn, ActionOff:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// DefaultBinding returns the actuator a metric drives when a threshold does not name one.
func DefaultBinding(m Metric) Device {
	switch m {
	case MetricLight:
		return DeviceLight
	case MetricSoil:
		return DevicePump
	default:
		return DeviceFan
	}
}

package constants

import "time"

// Rolling window and reconciliation defaults.
const (
	DefaultWindowSize   = 2016 // 7 days at one reading every 5 minutes
	DefaultWindowMaxAge = 7 * 24 * time.Hour
	DefaultGraceReports = 2
)

// Connection status bands.
const (
	DefaultStaleAfter        = 5 * time.Minute
	DefaultDisconnectedAfter = 30 * time.Minute
)

// Scheduler and session defaults.
const (
	DefaultTickInterval    = 10 * time.Second
	DefaultSessionBuffer   = 64
	DefaultWorkers         = 8
	DefaultFutureSkew      = 5 * time.Minute
	DefaultMaxPayloadBytes = 32 * 1024
	DefaultIdleEviction    = 10 * time.Minute
)

// MQTT topic layout: <prefix>/<garden_id>/<kind>
const (
	DefaultTopicPrefix = "gardens"
	TopicKindData      = "data"
	TopicKindStatus    = "status"
	TopicKindCommand   = "command"
)

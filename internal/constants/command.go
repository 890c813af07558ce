package constants

import "time"

const (
	// DefaultAckTimeout is how long the dispatcher waits for a device report confirming a command.
	DefaultAckTimeout = 30 * time.Second
	// DefaultMaxRetries is the number of republishes after the first acknowledgement timeout.
	DefaultMaxRetries = 1
	// DefaultPublishTimeout bounds a single publish to the broker.
	DefaultPublishTimeout = 5 * time.Second
)

// Command outcomes
const (
	// CommandOutcomeAck indicates that a device report confirmed the command
	CommandOutcomeAck = "ack"
	// CommandOutcomeTimeout indicates that the command was never confirmed after all retries
	CommandOutcomeTimeout = "timeout"
	// CommandOutcomeTransportError indicates that the command could not be handed to the transport
	CommandOutcomeTransportError = "transport_error"
)

package events

import (
	"time"
)

// ConnectionStatusEvent conveys component lifecycle information (controller
// sessions, message bus, web).
type ConnectionStatusEvent struct {
	Timestamp  time.Time        `json:"timestamp"`
	Component  string           `json:"component"`
	Status     ConnectionStatus `json:"status"`
	Error      string           `json:"error"`
	Reconnects int              `json:"reconnects"`
}

// Equals ignores the timestamp.
func (e ConnectionStatusEvent) Equals(other ConnectionStatusEvent) bool {
	return e.Component == other.Component &&
		e.Status == other.Status &&
		e.Error == other.Error &&
		e.Reconnects == other.Reconnects
}

// ConnectionStatus represents lifecycle state for a component.
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusFailed       ConnectionStatus = "failed"
)

// ReadingEvent is emitted for every reading forwarded to the message bus.
type ReadingEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	Host       string    `json:"host"`
	DeviceType string    `json:"device_type"`
	Device     string    `json:"device"`
	Reading    string    `json:"reading"`
	Value      string    `json:"value"`
	Topic      string    `json:"topic"`
}

// CommandOutcome classifies how a routed command ended.
type CommandOutcome string

const (
	CommandOutcomeOK          CommandOutcome = "ok"
	CommandOutcomeNoReply     CommandOutcome = "no_reply"
	CommandOutcomeError       CommandOutcome = "error"
	CommandOutcomeUnknownHost CommandOutcome = "unknown_host"
	CommandOutcomeDropped     CommandOutcome = "dropped"
)

// CommandEvent captures a command taken off the bus and its result.
type CommandEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	Host       string         `json:"host"`
	Kind       string         `json:"kind"`
	Command    string         `json:"command"`
	RoutingKey string         `json:"routing_key"`
	Outcome    CommandOutcome `json:"outcome"`
	Duration   time.Duration  `json:"duration"`
	Error      string         `json:"error,omitempty"`
}

package ble

import "github.com/cameronrye/aranet/internal/sensor"

// EventKind discriminates device events.
type EventKind int

const (
	EventDiscovered EventKind = iota
	EventConnected
	EventDisconnected
	EventReadingUpdated
	EventError
	EventReconnectStarted
	EventReconnectSucceeded
	EventBatteryLow
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReadingUpdated:
		return "reading_updated"
	case EventError:
		return "error"
	case EventReconnectStarted:
		return "reconnect_started"
	case EventReconnectSucceeded:
		return "reconnect_succeeded"
	case EventBatteryLow:
		return "battery_low"
	}
	return "unknown"
}

// Event is one typed occurrence on a device: a state transition, a fresh
// reading, or an error. Producers are the connection manager and the
// multi-device coordinator; consumers subscribe through the manager's bus.
type Event struct {
	Kind   EventKind
	Device string
	// Reading is set for EventReadingUpdated.
	Reading *sensor.CurrentReading
	// Err is set for EventError.
	Err error
	// Reason describes an EventDisconnected.
	Reason string
	// Attempt is the reconnect attempt number for reconnect events.
	Attempt int
	// RSSI is set for EventDiscovered.
	RSSI int16
	// Battery is set for EventBatteryLow.
	Battery uint8
}

// EventSink receives device events. A nil sink is valid and drops events.
type EventSink func(Event)

func (s EventSink) emit(e Event) {
	if s != nil {
		s(e)
	}
}

package devman

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event emitted by the Manager.
type EventType int

const (
	// EventDiscovered fires when a beacon introduces a device that is in
	// neither the configuration nor the table; a placeholder record is
	// inserted and the table marked changed.
	EventDiscovered EventType = iota + 1
	// EventDetected fires when a device transitions unreachable to
	// reachable (first beacon, or first after a silence).
	EventDetected
	// EventSet records an operator intent.
	EventSet
	// EventConfirmed fires when a report matches the pending command.
	EventConfirmed
	// EventChanged fires when the device reports a state that was not
	// commanded here (wall switch, vendor app, power cycle).
	EventChanged
	// EventRetry fires on each CONTROL re-send within the pending window.
	EventRetry
	// EventTimeout fires when the pending window expires still diverging.
	EventTimeout
	// EventPulseEnd fires when a pulse deadline reverts the device to off.
	EventPulseEnd
	// EventSilent fires when a device goes 100 s without a sign of life.
	EventSilent
)

func (t EventType) String() string {
	switch t {
	case EventDiscovered:
		return "DISCOVERED"
	case EventDetected:
		return "DETECTED"
	case EventSet:
		return "SET"
	case EventConfirmed:
		return "CONFIRMED"
	case EventChanged:
		return "CHANGED"
	case EventRetry:
		return "RETRY"
	case EventTimeout:
		return "TIMEOUT"
	case EventPulseEnd:
		return "RESET"
	case EventSilent:
		return "SILENT"
	default:
		return "UNKNOWN"
	}
}

// Event is the envelope delivered to bus subscribers and kept in the
// history ring.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Device    string
	DeviceID  string
	Detail    string
}

// MarshalJSON renders Type by name so feed consumers read "CONFIRMED"
// rather than an enum ordinal.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string    `json:"type"`
		Timestamp time.Time `json:"timestamp"`
		Device    string    `json:"device"`
		DeviceID  string    `json:"deviceId,omitempty"`
		Detail    string    `json:"detail,omitempty"`
	}{e.Type.String(), e.Timestamp, e.Device, e.DeviceID, e.Detail})
}

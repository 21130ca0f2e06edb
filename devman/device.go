package devman

import (
	"net"
	"time"

	"tuyalink/tuya"
)

// device is one row of the controller's table. All fields are guarded by
// the Manager's lock; exchange goroutines touch them only through Manager
// methods that re-check the socket generation.
type device struct {
	// Identity. name, key and description are authoritative from the
	// configuration; model, version, host and encrypted are authoritative
	// from the device's own beacons.
	name        string
	id          string
	model       string
	description string
	key         string

	// Reachability.
	host         string
	version      string
	encrypted    bool
	lastDetected time.Time

	// Control state.
	status        bool
	commanded     bool
	cause         string
	pending       time.Time // confirmation deadline, zero when idle
	pulseDeadline time.Time // auto-revert instant, zero when steady
	lastSense     time.Time
	control       int // on/off data point, 0 until resolved from the registry

	// Exchange state. xid is the socket generation: it increments every
	// time the socket is replaced or torn down, and stale exchange
	// goroutines compare it before delivering anything.
	conn net.Conn
	xid  uint64
}

func (d *device) secret() *tuya.Secret {
	return tuya.NewSecret(d.id, d.key, d.version)
}

// onOff renders a boolean switch state the way the protocol and the event
// journal spell it.
func onOff(state bool) string {
	if state {
		return "on"
	}
	return "off"
}

// DeviceStatus is a point-in-time copy of one table row for the HTTP
// façade and the fanout publishers.
type DeviceStatus struct {
	Name        string    `json:"name"`
	ID          string    `json:"id"`
	Model       string    `json:"model,omitempty"`
	Description string    `json:"description,omitempty"`
	Host        string    `json:"host,omitempty"`
	Version     string    `json:"version,omitempty"`
	Encrypted   bool      `json:"encrypted,omitempty"`
	State       string    `json:"state"`
	Commanded   string    `json:"command"`
	Cause       string    `json:"cause,omitempty"`
	Failure     string    `json:"failure,omitempty"`
	Pulse       time.Time `json:"-"`
	Pending     time.Time `json:"-"`
	Detected    time.Time `json:"-"`
}

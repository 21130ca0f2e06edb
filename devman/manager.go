// Package devman is the device controller: it owns the device table, runs
// the periodic sense/retry/timeout pass, applies discovery beacons and
// status reports, and emits the event stream the façade and the fanout
// publishers consume.
//
// All table state is guarded by one lock. Exchange goroutines (one TCP
// conversation each) deliver their results through methods that compare
// the socket generation first, so responses from replaced sockets are
// discarded no matter how late they arrive.
package devman

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"tuyalink/config"
	"tuyalink/logging"
	"tuyalink/metrics"
	"tuyalink/model"
	"tuyalink/tuya"
)

// Controller timing. The pass cadence, sense interval, confirmation window
// and silence threshold interlock: a device is declared silent after it
// misses roughly three sense rounds.
const (
	passEvery     = 5 * time.Second
	senseEvery    = 35 * time.Second
	silenceAfter  = 100 * time.Second
	confirmWindow = 10 * time.Second
	revertWindow  = 5 * time.Second
	dialTimeout   = 4 * time.Second
)

var ErrUnknownDevice = errors.New("unknown device")

// Options configures a Manager. Zero values select production defaults;
// tests inject a fake clock and an in-memory dialer.
type Options struct {
	Clock       clockwork.Clock
	Dial        tuya.DialFunc
	ControlPort int
	HistorySize int
	Journal     *logging.FileLogger
}

// Manager is the device controller instance.
type Manager struct {
	mu       sync.Mutex
	devices  []*device
	byID     map[string]int
	registry *model.Registry
	changed  bool
	lastPass time.Time

	bus     *EventBus
	history *History
	journal *logging.FileLogger

	clock       clockwork.Clock
	dial        tuya.DialFunc
	controlPort int

	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewManager(registry *model.Registry, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Dial == nil {
		opts.Dial = tuya.Dial
	}
	if opts.ControlPort == 0 {
		opts.ControlPort = tuya.PortControl
	}
	return &Manager{
		byID:        make(map[string]int),
		registry:    registry,
		bus:         NewEventBus(),
		history:     NewHistory(opts.HistorySize),
		journal:     opts.Journal,
		clock:       opts.Clock,
		dial:        opts.Dial,
		controlPort: opts.ControlPort,
	}
}

// Events exposes the bus for fanout subscribers. Handlers run under the
// controller lock: enqueue and return, never call back into the Manager.
func (m *Manager) Events() *EventBus { return m.bus }

// Recent returns up to n buffered events, oldest first.
func (m *Manager) Recent(n int) []Event { return m.history.Recent(n) }

// Start launches the periodic pass. The loop ticks once per second; the
// pass body self-gates to every 5 s like the original cadence.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stop = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.Chan():
			m.Tick()
		}
	}
}

// Stop halts the pass loop, closes every device socket and waits for the
// exchange goroutines to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stop)
	for _, d := range m.devices {
		m.closeSocketLocked(d)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Tick runs one controller pass at the current clock reading.
func (m *Manager) Tick() { m.tick(m.clock.Now()) }

// tick applies, in order: silence detection, sense scheduling, pulse
// expiry, retry/timeout. Invoked up to once per second, acts every 5 s.
func (m *Manager) tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastPass) < passEvery {
		return
	}
	m.lastPass = now

	for i, d := range m.devices {
		if !d.lastDetected.IsZero() && now.Sub(d.lastDetected) > silenceAfter {
			m.emitLocked(EventSilent, d, "ADDRESS %s", d.host)
			m.resetLocked(d, false)
			d.lastDetected = time.Time{}
		}

		if now.Sub(d.lastSense) >= senseEvery {
			if d.pending.IsZero() && d.host != "" {
				m.startExchangeLocked(i, tuya.CmdQuery, false)
			}
			d.lastSense = now
		}

		if !d.pulseDeadline.IsZero() && !now.Before(d.pulseDeadline) {
			m.emitLocked(EventPulseEnd, d, "END OF PULSE")
			d.commanded = false
			d.pending = now.Add(revertWindow)
			d.pulseDeadline = time.Time{}
		}

		if d.status != d.commanded {
			if d.pending.After(now) {
				if !d.lastDetected.IsZero() {
					m.emitLocked(EventRetry, d, "%s", onOff(d.commanded))
					m.startExchangeLocked(i, tuya.CmdControl, d.commanded)
				}
			} else if !d.pending.IsZero() {
				m.emitLocked(EventTimeout, d, "")
				m.resetLocked(d, d.status)
			}
		} else if !d.pending.IsZero() && !d.pending.After(now) {
			// The window lapsed with device and intent in agreement;
			// there was never anything to confirm.
			d.pending = time.Time{}
		}
	}
	m.updateGaugesLocked()
}

// Set records a desired state. pulse > 0 arms the auto-revert deadline
// (only meaningful when switching on). When a command is already pending
// the bookkeeping is updated without opening another exchange; the
// in-flight window keeps its deadline.
func (m *Manager) Set(i int, on bool, pulse time.Duration, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= len(m.devices) {
		return ErrUnknownDevice
	}
	d := m.devices[i]
	now := m.clock.Now()

	comment := ""
	if cause != "" {
		comment = fmt.Sprintf(" (%s)", cause)
	}
	if pulse > 0 && on {
		d.pulseDeadline = now.Add(pulse)
		m.emitLocked(EventSet, d, "%s FOR %d SECONDS%s", onOff(on), int(pulse/time.Second), comment)
	} else {
		d.pulseDeadline = time.Time{}
		m.emitLocked(EventSet, d, "%s%s", onOff(on), comment)
	}
	d.commanded = on
	d.cause = cause

	if !d.pending.IsZero() {
		return nil
	}
	d.pending = now.Add(confirmWindow)

	if !d.lastDetected.IsZero() {
		m.startExchangeLocked(i, tuya.CmdControl, on)
	}
	return nil
}

// HandleBeacon applies one discovery beacon: unknown ids insert a
// placeholder named new_<index> and mark the table changed; model, version,
// encryption flag and address always follow the beacon.
func (m *Manager) HandleBeacon(b tuya.Beacon) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics.BeaconsTotal.Inc()

	i, known := m.byID[b.GwID]
	if !known {
		i = m.addLocked(fmt.Sprintf("new_%d", len(m.devices)), b.GwID, b.ProductKey)
		m.emitLocked(EventDiscovered, m.devices[i], "MODEL %s AT %s", b.ProductKey, b.IP)
	}
	d := m.devices[i]

	if b.ProductKey != "" && d.model != b.ProductKey {
		d.model = b.ProductKey
		d.control = 0
		m.changed = true
	}
	if b.Version != "" && d.version != b.Version {
		d.version = b.Version
		m.changed = true
	}
	d.encrypted = b.Encrypted
	if d.host != b.IP {
		d.host = b.IP
		m.changed = true
	}

	if d.lastDetected.IsZero() {
		m.emitLocked(EventDetected, d, "ADDRESS %s", d.host)
		d.lastSense = time.Time{} // force a query on the next pass
	}
	d.lastDetected = m.clock.Now()
	m.updateGaugesLocked()
}

// RefreshDevices merges a configuration load. Entries without name, id and
// key are skipped. Name, key and description follow the configuration;
// model only seeds brand-new records (beacons own it afterwards). Every
// listed device is reset: pending commands are cancelled, sockets closed.
func (m *Manager) RefreshDevices(entries []config.TuyaDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		if e.Name == "" || e.ID == "" || e.Key == "" {
			continue
		}
		i, known := m.byID[e.ID]
		if !known {
			i = m.addLocked(e.Name, e.ID, e.Model)
		}
		d := m.devices[i]
		if d.name != e.Name {
			d.name = e.Name
			m.changed = true
		}
		if d.key != e.Key {
			d.key = e.Key
			m.changed = true
		}
		if d.description != e.Description {
			d.description = e.Description
			m.changed = true
		}
		m.resetLocked(d, d.status)
	}
	m.updateGaugesLocked()
}

// RefreshModels forwards a configuration load to the model registry.
func (m *Manager) RefreshModels(models []model.Model) {
	m.registry.Refresh(models)
}

// Changed reports whether the device table mutated since the last call and
// resets the flag.
func (m *Manager) Changed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.changed
	m.changed = false
	return c
}

func (m *Manager) addLocked(name, id, productKey string) int {
	m.devices = append(m.devices, &device{name: name, id: id, model: productKey})
	i := len(m.devices) - 1
	m.byID[id] = i
	m.changed = true
	return i
}

// resetLocked forces intent and observation into agreement and clears all
// timers, closing any socket.
func (m *Manager) resetLocked(d *device, status bool) {
	d.status = status
	d.commanded = status
	d.pending = time.Time{}
	d.pulseDeadline = time.Time{}
	m.closeSocketLocked(d)
}

func (m *Manager) closeSocketLocked(d *device) {
	d.xid++
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

// preambleLocked decides whether an exchange can start: the device needs
// an address, a key when it encrypts, and a resolved control point. The
// control point resolves lazily so a registry update takes effect without
// touching the device table.
func (m *Manager) preambleLocked(d *device) bool {
	if d.host == "" {
		return false
	}
	if d.encrypted && d.key == "" {
		return false
	}
	if d.control <= 0 {
		d.control = m.registry.Control(d.model)
		if d.control <= 0 {
			return false
		}
	}
	return true
}

// startExchangeLocked opens a fresh TCP conversation, replacing whatever
// socket the device still holds. The frame is built under the lock; all
// I/O happens on the exchange goroutine.
func (m *Manager) startExchangeLocked(i int, code uint32, on bool) {
	d := m.devices[i]
	if !m.preambleLocked(d) {
		return
	}
	m.closeSocketLocked(d)
	xid := d.xid

	now := m.clock.Now()
	var payload []byte
	var err error
	if code == tuya.CmdControl {
		payload, err = tuya.ControlPayload(d.id, d.control, on, now)
	} else {
		payload, err = tuya.QueryPayload(d.id, now)
	}
	if err != nil {
		logging.DebugError("device", d.name, err)
		return
	}
	frame, err := tuya.Encode(d.secret(), code, 0, payload)
	if err != nil {
		logging.DebugError("device", d.name, err)
		return
	}
	if code == tuya.CmdControl {
		metrics.CommandsSent.Inc()
	}

	addr := net.JoinHostPort(d.host, strconv.Itoa(m.controlPort))
	m.wg.Add(1)
	go m.exchange(i, xid, addr, d.secret(), frame, d.control)
}

// exchange runs one TCP conversation: connect, send, then read frames
// until a usable STATUS or QUERY report arrives. CONTROL echoes and empty
// acknowledgements are skipped; devices push the real report on the same
// connection. There is no read deadline: an unanswered socket lingers
// until the next pass replaces it.
func (m *Manager) exchange(i int, xid uint64, addr string, secret *tuya.Secret, frame []byte, control int) {
	defer m.wg.Done()

	logging.DebugConnect("device", addr)
	conn, err := m.dial(addr, dialTimeout)
	if err != nil {
		logging.DebugConnectError("device", addr, err)
		return
	}
	if !m.adoptSocket(i, xid, conn) {
		conn.Close()
		return
	}
	if err := tuya.WriteFrame(conn, frame); err != nil {
		logging.DebugError("device", addr, err)
		m.dropSocket(i, xid, conn)
		return
	}

	for {
		raw, err := tuya.ReadFrame(conn)
		if err != nil {
			m.dropSocket(i, xid, conn)
			return
		}
		logging.DebugRX("tuya/tcp", raw)

		f, err := tuya.Decode(raw, secret)
		if err != nil {
			metrics.FramesRejected.Inc()
			logging.DebugLog("device", "undecodable frame from %s: %v", addr, err)
			continue
		}
		metrics.FramesDecoded.Inc()

		if f.Code == tuya.CmdControl {
			continue // command echo, not a value source
		}
		if len(f.Payload) == 0 {
			continue
		}
		if f.Code != tuya.CmdStatus && f.Code != tuya.CmdQuery {
			m.dropSocket(i, xid, conn)
			return
		}
		on, ok := tuya.ParseDps(f.Payload, control)
		if !ok {
			logging.DebugLog("device", "report from %s has no boolean dps %d: %s", addr, control, f.Payload)
			m.dropSocket(i, xid, conn)
			return
		}
		m.deliverReport(i, xid, conn, on)
		return
	}
}

// adoptSocket registers the freshly dialed connection, unless a newer
// exchange has replaced this one while it was connecting.
func (m *Manager) adoptSocket(i int, xid uint64, conn net.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.devices) || m.devices[i].xid != xid {
		return false
	}
	m.devices[i].conn = conn
	return true
}

// dropSocket closes the goroutine's connection and detaches it from the
// device if it is still the current one.
func (m *Manager) dropSocket(i int, xid uint64, conn net.Conn) {
	conn.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < len(m.devices) && m.devices[i].xid == xid {
		m.devices[i].conn = nil
	}
}

// deliverReport applies a parsed report and then closes the conversation,
// so the peer sees EOF only after the state landed. Stale socket
// generations are discarded here, which is what makes address churn
// mid-exchange safe.
func (m *Manager) deliverReport(i int, xid uint64, conn net.Conn, on bool) {
	defer conn.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.devices) || m.devices[i].xid != xid {
		return
	}
	m.devices[i].conn = nil
	m.applyReportLocked(m.devices[i], on)
}

// applyReportLocked folds one observed on/off value into the state
// machine. A report matching a pending command confirms it; a mismatch
// against both the previous status and the intent means someone else
// commanded the device, and the observation is adopted.
func (m *Manager) applyReportLocked(d *device, on bool) {
	if !d.pending.IsZero() && on == d.commanded {
		m.emitLocked(EventConfirmed, d, "FROM %s TO %s", onOff(d.status), onOff(on))
		d.pending = time.Time{}
		d.status = on
	} else if on != d.status {
		m.emitLocked(EventChanged, d, "FROM %s TO %s", onOff(d.status), onOff(on))
		d.commanded = on
		d.pending = time.Time{}
		d.status = on
	}
	d.lastDetected = m.clock.Now()
}

func (m *Manager) emitLocked(t EventType, d *device, format string, args ...interface{}) {
	e := Event{
		Type:      t,
		Timestamp: m.clock.Now(),
		Device:    d.name,
		DeviceID:  d.id,
		Detail:    fmt.Sprintf(format, args...),
	}
	m.history.Add(e)
	if m.journal != nil {
		m.journal.Log("%s %s %s", e.Type, e.Device, e.Detail)
	}
	metrics.EventsTotal.WithLabelValues(e.Type.String()).Inc()
	m.bus.Emit(e)
}

func (m *Manager) updateGaugesLocked() {
	reachable := 0
	for _, d := range m.devices {
		if !d.lastDetected.IsZero() {
			reachable++
		}
	}
	metrics.Devices.Set(float64(len(m.devices)))
	metrics.DevicesReachable.Set(float64(reachable))
}

// Count returns the number of devices in the table.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// Name returns the device name at index i, or "" when out of range.
func (m *Manager) Name(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.devices) {
		return ""
	}
	return m.devices[i].name
}

// Index returns the table index for a device name, or -1 when unknown.
func (m *Manager) Index(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d.name == name {
			return i
		}
	}
	return -1
}

// Get returns the last observed state, "on" or "off".
func (m *Manager) Get(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.devices) {
		return onOff(false)
	}
	return onOff(m.devices[i].status)
}

// Commanded returns the last requested state, "on" or "off".
func (m *Manager) Commanded(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.devices) {
		return onOff(false)
	}
	return onOff(m.devices[i].commanded)
}

// Deadline returns the pulse auto-revert instant, zero when steady.
func (m *Manager) Deadline(i int) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.devices) {
		return time.Time{}
	}
	return m.devices[i].pulseDeadline
}

// Pending returns the confirmation deadline, zero when idle.
func (m *Manager) Pending(i int) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.devices) {
		return time.Time{}
	}
	return m.devices[i].pending
}

// Failure returns "silent" while the device shows no sign of life, ""
// otherwise.
func (m *Manager) Failure(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.devices) {
		return ""
	}
	if m.devices[i].lastDetected.IsZero() {
		return "silent"
	}
	return ""
}

// Host returns the device's last known address, "" when never seen.
func (m *Manager) Host(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.devices) {
		return ""
	}
	return m.devices[i].host
}

// Snapshot copies the table for the façade and the publishers.
func (m *Manager) Snapshot() []DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DeviceStatus, len(m.devices))
	for i, d := range m.devices {
		failure := ""
		if d.lastDetected.IsZero() {
			failure = "silent"
		}
		out[i] = DeviceStatus{
			Name:        d.name,
			ID:          d.id,
			Model:       d.model,
			Description: d.description,
			Host:        d.host,
			Version:     d.version,
			Encrypted:   d.encrypted,
			State:       onOff(d.status),
			Commanded:   onOff(d.commanded),
			Cause:       d.cause,
			Failure:     failure,
			Pulse:       d.pulseDeadline,
			Pending:     d.pending,
			Detected:    d.lastDetected,
		}
	}
	return out
}

// ExportDevices builds the persistable device list, local keys included.
func (m *Manager) ExportDevices() []config.TuyaDevice {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]config.TuyaDevice, len(m.devices))
	for i, d := range m.devices {
		out[i] = config.TuyaDevice{
			Name:        d.name,
			ID:          d.id,
			Model:       d.model,
			Key:         d.key,
			Host:        d.host,
			Description: d.description,
		}
	}
	return out
}

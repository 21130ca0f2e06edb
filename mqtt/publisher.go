// Package mqtt publishes device state to MQTT brokers and accepts set
// requests from them.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tuyalink/config"
	"tuyalink/devman"
	"tuyalink/logging"
	"tuyalink/namespace"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// StatusSource returns a point-in-time copy of the device table.
type StatusSource func() []devman.DeviceStatus

// SetFunc applies one set request. The device name comes from the topic,
// "all" included; pulse is zero for a steady set.
type SetFunc func(device string, on bool, pulse time.Duration, cause string) error

// setJob represents a pending set request.
type setJob struct {
	device string
	on     bool
	pulse  time.Duration
	cause  string
}

// MaxSetWorkers is the number of concurrent set goroutines per publisher.
const MaxSetWorkers = 5

// MaxSetQueueSize is the maximum number of pending set jobs per publisher.
const MaxSetQueueSize = 100

// MaxStateQueueSize is the maximum number of queued state publications.
const MaxStateQueueSize = 256

// StateMessage is the JSON structure published to the state topic. Command
// appears only while it differs from the observed state.
type StateMessage struct {
	Device    string `json:"device"`
	State     string `json:"state"`
	Command   string `json:"command,omitempty"`
	Cause     string `json:"cause,omitempty"`
	Timestamp string `json:"timestamp"`
}

// HealthMessage is the JSON structure published to the health topic.
type HealthMessage struct {
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Failure   string `json:"failure,omitempty"`
	Timestamp string `json:"timestamp"`
}

// SetRequest is the JSON structure accepted on the set topics.
type SetRequest struct {
	State string `json:"state"`
	Pulse int    `json:"pulse,omitempty"`
	Cause string `json:"cause,omitempty"`
}

// Publisher handles one broker connection: retained state and health out,
// set requests in.
type Publisher struct {
	config  *config.MQTTConfig
	ns      *namespace.Builder
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	status StatusSource
	set    SetFunc

	// Suppression caches for the retained topics
	lastState  map[string]string
	lastHealth map[string]bool
	lastMu     sync.RWMutex

	stateQueue chan string
	setQueue   chan setJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NewPublisher creates an MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	return &Publisher{
		config:     cfg,
		ns:         namespace.New(ns, cfg.Selector),
		lastState:  make(map[string]string),
		lastHealth: make(map[string]bool),
		stateQueue: make(chan string, MaxStateQueueSize),
		setQueue:   make(chan setJob, MaxSetQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// SetHandlers wires the publisher to the controller: status feeds the
// retained topics, set applies incoming requests.
func (p *Publisher) SetHandlers(status StatusSource, set SetFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
	p.set = set
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	// Quick check if already running
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()

	if p.config.UseTLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port))
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port))
	}

	opts.SetClientID(p.config.ClientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// Subscriptions are re-established on every (re)connect, and the
	// retained topics refreshed.
	opts.SetOnConnectHandler(p.onConnect)

	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s:%d", p.config.Broker, p.config.Port)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		client.Disconnect(0)
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		client.Disconnect(0)
		return token.Error()
	}

	logMQTT("Successfully connected to MQTT broker %s:%d", p.config.Broker, p.config.Port)

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	stop := p.stopChan
	states := p.stateQueue
	sets := p.setQueue
	p.mu.Unlock()

	p.wg.Add(1)
	go p.stateWorker(stop, states)
	for i := 0; i < MaxSetWorkers; i++ {
		p.wg.Add(1)
		go p.setWorker(stop, sets)
	}

	return nil
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	// Save old channels and create new ones while holding lock
	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.stateQueue = make(chan string, MaxStateQueueSize)
	p.setQueue = make(chan setJob, MaxSetQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	// Wait for workers to finish (with timeout)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for workers to stop")
	}

	// Disconnect OUTSIDE the lock to prevent blocking
	client.Disconnect(500)
}

func (p *Publisher) onConnect(client pahomqtt.Client) {
	logMQTT("Connected to %s", p.Address())
	p.subscribeSetTopics(client)
	p.republishAll()
}

// subscribeSetTopics subscribes the wildcard set filter, which covers the
// per-device topics and the broadcast one.
func (p *Publisher) subscribeSetTopics(client pahomqtt.Client) {
	filter := p.ns.MQTTSetFilter()
	token := client.Subscribe(filter, 1, p.handleSetMessage)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		if token.Error() != nil {
			logMQTT("Subscribe error for %s: %v", filter, token.Error())
		} else {
			logMQTT("Subscribe timeout for %s", filter)
		}
		return
	}
	logMQTT("Subscribed to: %s", filter)
}

// republishAll clears the suppression caches and queues every device, so a
// fresh broker connection receives complete retained state.
func (p *Publisher) republishAll() {
	p.mu.RLock()
	source := p.status
	queue := p.stateQueue
	p.mu.RUnlock()
	if source == nil {
		return
	}

	p.lastMu.Lock()
	p.lastState = make(map[string]string)
	p.lastHealth = make(map[string]bool)
	p.lastMu.Unlock()

	for _, row := range source() {
		select {
		case queue <- row.Name:
		default:
			logMQTT("State queue full during republish")
			return
		}
	}
}

// QueueState schedules a state publication for one device. Never blocks:
// event bus subscribers run under the controller lock.
func (p *Publisher) QueueState(device string) {
	p.mu.RLock()
	running := p.running
	queue := p.stateQueue
	p.mu.RUnlock()

	if !running {
		return
	}
	select {
	case queue <- device:
	default:
		logMQTT("State queue full, dropping publication for %s", device)
	}
}

// stateWorker drains the state queue, publishing one device at a time.
func (p *Publisher) stateWorker(stop chan struct{}, queue chan string) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case device, ok := <-queue:
			if !ok {
				return
			}
			p.publishDevice(device)
		}
	}
}

// setWorker processes set jobs from the queue.
func (p *Publisher) setWorker(stop chan struct{}, queue chan setJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			p.mu.RLock()
			set := p.set
			p.mu.RUnlock()

			if set == nil {
				logMQTT("No set handler configured, dropping set for %s", job.device)
				continue
			}
			logMQTT("Executing set: %s -> %v (pulse %s, cause %s)", job.device, job.on, job.pulse, job.cause)
			if err := set(job.device, job.on, job.pulse, job.cause); err != nil {
				logMQTT("Set error for %s: %v", job.device, err)
			}
		}
	}
}

// publishDevice publishes one device's retained state, and its health when
// the online flag moved.
func (p *Publisher) publishDevice(name string) {
	p.mu.RLock()
	running := p.running
	client := p.client
	source := p.status
	p.mu.RUnlock()

	if !running || client == nil || source == nil {
		return
	}

	var row devman.DeviceStatus
	found := false
	for _, r := range source() {
		if r.Name == name {
			row = r
			found = true
			break
		}
	}
	if !found {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	fp := stateFingerprint(row)

	p.lastMu.RLock()
	last, exists := p.lastState[name]
	p.lastMu.RUnlock()

	if !exists || last != fp {
		msg := StateMessage{
			Device:    name,
			State:     row.State,
			Cause:     row.Cause,
			Timestamp: now,
		}
		if row.Commanded != row.State {
			msg.Command = row.Commanded
		}
		payload, err := json.Marshal(msg)
		if err == nil {
			token := client.Publish(p.ns.MQTTStateTopic(name), 1, true, payload)
			if token.WaitTimeout(2*time.Second) && token.Error() == nil {
				p.lastMu.Lock()
				p.lastState[name] = fp
				p.lastMu.Unlock()
			}
		}
	}

	online := row.Failure == ""

	p.lastMu.RLock()
	lastOnline, healthKnown := p.lastHealth[name]
	p.lastMu.RUnlock()

	if !healthKnown || lastOnline != online {
		health := HealthMessage{
			Device:    name,
			Online:    online,
			Failure:   row.Failure,
			Timestamp: now,
		}
		payload, err := json.Marshal(health)
		if err == nil {
			token := client.Publish(p.ns.MQTTHealthTopic(name), 1, true, payload)
			if token.WaitTimeout(2*time.Second) && token.Error() == nil {
				p.lastMu.Lock()
				p.lastHealth[name] = online
				p.lastMu.Unlock()
			}
		}
	}
}

// stateFingerprint condenses the published fields of one row for the
// suppression cache.
func stateFingerprint(row devman.DeviceStatus) string {
	command := ""
	if row.Commanded != row.State {
		command = row.Commanded
	}
	return row.State + "|" + command
}

// handleSetMessage processes incoming set requests.
func (p *Publisher) handleSetMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Received set request on topic: %s", msg.Topic())

	device := deviceFromTopic(p.ns.MQTTBase(), msg.Topic())
	if device == "" {
		logMQTT("Ignoring set on unexpected topic %s", msg.Topic())
		return
	}

	job, err := parseSetRequest(msg.Payload())
	if err != nil {
		logMQTT("Bad set payload on %s: %v", msg.Topic(), err)
		return
	}
	job.device = device

	p.mu.RLock()
	queue := p.setQueue
	p.mu.RUnlock()

	// Non-blocking with drop on overflow
	select {
	case queue <- job:
	default:
		logMQTT("Set queue full, rejecting set for %s", device)
	}
}

// deviceFromTopic extracts the device segment from {base}/{device}/set.
func deviceFromTopic(base, topic string) string {
	if !strings.HasPrefix(topic, base+"/") || !strings.HasSuffix(topic, "/set") {
		return ""
	}
	device := strings.TrimSuffix(strings.TrimPrefix(topic, base+"/"), "/set")
	if device == "" || strings.Contains(device, "/") {
		return ""
	}
	return device
}

// parseSetRequest decodes a set payload. The state field accepts the same
// spellings as the REST API.
func parseSetRequest(payload []byte) (setJob, error) {
	var req SetRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return setJob{}, fmt.Errorf("invalid JSON: %v", err)
	}

	var on bool
	switch req.State {
	case "on", "1":
		on = true
	case "off", "0":
		on = false
	default:
		return setJob{}, fmt.Errorf("state must be one of on, 1, off, 0")
	}
	if req.Pulse < 0 {
		return setJob{}, fmt.Errorf("pulse must be non-negative")
	}

	cause := req.Cause
	if cause == "" {
		cause = "mqtt"
	}
	return setJob{on: on, pulse: time.Duration(req.Pulse) * time.Second, cause: cause}, nil
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	namespace  string
	publishers map[string]*Publisher
	mu         sync.RWMutex
	status     StatusSource
	set        SetFunc
}

// NewManager creates a new MQTT manager.
func NewManager(ns string) *Manager {
	return &Manager{
		namespace:  ns,
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	status := m.status
	set := m.set
	m.mu.Unlock()

	if status != nil || set != nil {
		pub.SetHandlers(status, set)
	}
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	return result
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], m.namespace))
	}
}

// SetHandlers wires all publishers, current and future, to the controller.
func (m *Manager) SetHandlers(status StatusSource, set SetFunc) {
	m.mu.Lock()
	m.status = status
	m.set = set
	pubs := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		pubs = append(pubs, pub)
	}
	m.mu.Unlock()

	for _, pub := range pubs {
		pub.SetHandlers(status, set)
	}
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
			} else {
				logMQTT("Successfully started %s (%s)", pub.Name(), pub.Address())
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// QueueState schedules a state publication on every running publisher.
func (m *Manager) QueueState(device string) {
	for _, pub := range m.List() {
		pub.QueueState(device)
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

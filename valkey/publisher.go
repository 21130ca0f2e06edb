// Package valkey mirrors device state into a Valkey/Redis server and
// consumes set requests queued there.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tuyalink/config"
	"tuyalink/devman"
	"tuyalink/logging"
	"tuyalink/namespace"
)

func logValkey(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// StatusSource returns a point-in-time copy of the device table.
type StatusSource func() []devman.DeviceStatus

// SetFunc applies one set request from the queue, "all" included.
type SetFunc func(device string, on bool, pulse time.Duration, cause string) error

// MaxStateQueueSize is the maximum number of queued state publications.
const MaxStateQueueSize = 256

// StateMessage is the JSON document stored at the state key and published
// on the change channels.
type StateMessage struct {
	Device    string    `json:"device"`
	State     string    `json:"state"`
	Command   string    `json:"command,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthMessage is the JSON document stored at the health key.
type HealthMessage struct {
	Device    string    `json:"device"`
	Online    bool      `json:"online"`
	Failure   string    `json:"failure,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SetQueueRequest is the JSON document consumed from the set queue.
type SetQueueRequest struct {
	Device string `json:"device"`
	State  string `json:"state"`
	Pulse  int    `json:"pulse,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

// SetResponse is the JSON document published on the response channel.
type SetResponse struct {
	Device    string    `json:"device"`
	State     string    `json:"state"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher mirrors device state into one Valkey server: state and health
// keys out, queued set requests in.
type Publisher struct {
	config  *config.ValkeyConfig
	ns      *namespace.Builder
	client  *redis.Client
	running bool
	mu      sync.RWMutex

	status StatusSource
	set    SetFunc

	// Change suppression caches
	lastState  map[string]string
	lastHealth map[string]bool
	lastMu     sync.RWMutex

	stateQueue chan string
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config:     cfg,
		ns:         namespace.New(ns, ""),
		lastState:  make(map[string]string),
		lastHealth: make(map[string]bool),
		stateQueue: make(chan string, MaxStateQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// SetHandlers wires the publisher to the controller: status feeds the
// state keys, set applies queued requests.
func (p *Publisher) SetHandlers(status StatusSource, set SetFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
	p.set = set
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	// Check if already running (quick check with lock)
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	logValkey("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logValkey("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	logValkey("Successfully connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	// Double-check we're not already running (race condition check)
	if p.running {
		p.mu.Unlock()
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	stop := p.stopChan
	states := p.stateQueue
	p.mu.Unlock()

	p.wg.Add(1)
	go p.stateWorker(stop, states)

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(stop)
	}

	p.republishAll()

	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}

	p.running = false
	client := p.client
	p.client = nil

	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.stateQueue = make(chan string, MaxStateQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	// Wait for goroutines to finish with timeout
	// (writebackListener blocks up to 1s in BLPop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logValkey("Timeout waiting for workers to stop")
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// republishAll clears the suppression caches and queues every device, so a
// fresh connection receives complete state.
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
			logValkey("State queue full during republish")
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
		logValkey("State queue full, dropping publication for %s", device)
	}
}

// stateWorker drains the state queue, mirroring one device at a time.
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
			if err := p.publishDevice(device); err != nil {
				logValkey("Publish error for %s: %v", device, err)
			}
		}
	}
}

// publishDevice mirrors one device's state key, and its health key when
// the online flag moved.
func (p *Publisher) publishDevice(name string) error {
	p.mu.RLock()
	running := p.running
	client := p.client
	source := p.status
	cfg := p.config
	p.mu.RUnlock()

	if !running || client == nil || source == nil {
		return nil
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
		return nil
	}

	now := time.Now().UTC()
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
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}

		// Use a short timeout to prevent blocking
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := client.Set(ctx, p.ns.ValkeyStateKey(name), data, cfg.KeyTTL).Err(); err != nil {
			return fmt.Errorf("failed to set state key: %w", err)
		}

		if cfg.PublishChanges {
			client.Publish(ctx, p.ns.ValkeyChangesChannel(name), data)
			client.Publish(ctx, p.ns.ValkeyAllChangesChannel(), data)
		}

		p.lastMu.Lock()
		p.lastState[name] = fp
		p.lastMu.Unlock()
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
		data, err := json.Marshal(health)
		if err != nil {
			return fmt.Errorf("failed to marshal health: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := client.Set(ctx, p.ns.ValkeyHealthKey(name), data, cfg.KeyTTL).Err(); err != nil {
			return fmt.Errorf("failed to set health key: %w", err)
		}

		p.lastMu.Lock()
		p.lastHealth[name] = online
		p.lastMu.Unlock()
	}

	return nil
}

// stateFingerprint condenses the mirrored fields of one row for the
// suppression cache.
func stateFingerprint(row devman.DeviceStatus) string {
	command := ""
	if row.Commanded != row.State {
		command = row.Commanded
	}
	return row.State + "|" + command
}

// writebackListener consumes set requests from the queue key.
func (p *Publisher) writebackListener(stop chan struct{}) {
	defer p.wg.Done()

	queueKey := p.ns.ValkeySetQueue()
	responseChannel := p.ns.ValkeySetResponseChannel()

	for {
		select {
		case <-stop:
			return
		default:
		}

		p.mu.RLock()
		if !p.running || p.client == nil {
			p.mu.RUnlock()
			time.Sleep(100 * time.Millisecond)
			continue
		}
		client := p.client
		p.mu.RUnlock()

		// Block waiting for set requests (bounded so stop is honored)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, 1*time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if err != redis.Nil {
				logValkey("Set queue error: %v", err)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		p.processSetRequest(client, []byte(result[1]), responseChannel)
	}
}

// processSetRequest handles a single queued set request.
func (p *Publisher) processSetRequest(client *redis.Client, payload []byte, responseChannel string) {
	p.mu.RLock()
	set := p.set
	p.mu.RUnlock()

	var req SetQueueRequest
	response := SetResponse{Timestamp: time.Now().UTC()}

	if err := json.Unmarshal(payload, &req); err != nil {
		response.Error = "invalid JSON: " + err.Error()
	} else {
		response.Device = req.Device
		response.State = req.State

		on, pulse, cause, err := parseQueueRequest(req)
		switch {
		case err != nil:
			response.Error = err.Error()
		case set == nil:
			response.Error = "no set handler configured"
		default:
			if err := set(req.Device, on, pulse, cause); err != nil {
				response.Error = err.Error()
			} else {
				response.Success = true
			}
		}
	}

	data, _ := json.Marshal(response)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Publish(ctx, responseChannel, data)

	logValkey("Set %s -> %s success=%v", req.Device, req.State, response.Success)
}

// parseQueueRequest validates a queue entry. The state field accepts the
// same spellings as the REST API.
func parseQueueRequest(req SetQueueRequest) (on bool, pulse time.Duration, cause string, err error) {
	if req.Device == "" {
		return false, 0, "", fmt.Errorf("device is required")
	}
	switch req.State {
	case "on", "1":
		on = true
	case "off", "0":
		on = false
	default:
		return false, 0, "", fmt.Errorf("state must be one of on, 1, off, 0")
	}
	if req.Pulse < 0 {
		return false, 0, "", fmt.Errorf("pulse must be non-negative")
	}
	cause = req.Cause
	if cause == "" {
		cause = "valkey"
	}
	return on, time.Duration(req.Pulse) * time.Second, cause, nil
}

package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"tuyalink/config"
	"tuyalink/devman"
)

func TestParseSetRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    setJob
		wantErr bool
	}{
		{
			"switch on",
			`{"state":"on"}`,
			setJob{on: true, cause: "mqtt"},
			false,
		},
		{
			"switch off",
			`{"state":"off"}`,
			setJob{on: false, cause: "mqtt"},
			false,
		},
		{
			"numeric spellings",
			`{"state":"1"}`,
			setJob{on: true, cause: "mqtt"},
			false,
		},
		{
			"pulse and cause",
			`{"state":"on","pulse":3,"cause":"motion"}`,
			setJob{on: true, pulse: 3 * time.Second, cause: "motion"},
			false,
		},
		{
			"unknown state word",
			`{"state":"banana"}`,
			setJob{},
			true,
		},
		{
			"negative pulse",
			`{"state":"on","pulse":-2}`,
			setJob{},
			true,
		},
		{
			"broken JSON",
			`{"state":`,
			setJob{},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSetRequest([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSetRequest(%s) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got.on != tt.want.on || got.pulse != tt.want.pulse || got.cause != tt.want.cause {
				t.Errorf("parseSetRequest(%s) = %+v, want %+v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestDeviceFromTopic(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		topic string
		want  string
	}{
		{"plain device", "tuya", "tuya/porch/set", "porch"},
		{"broadcast", "tuya", "tuya/all/set", "all"},
		{"with selector base", "tuya/lab", "tuya/lab/porch/set", "porch"},
		{"wrong namespace", "tuya", "other/porch/set", ""},
		{"missing device segment", "tuya", "tuya/set", ""},
		{"nested segments", "tuya", "tuya/a/b/set", ""},
		{"not a set topic", "tuya", "tuya/porch/state", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceFromTopic(tt.base, tt.topic); got != tt.want {
				t.Errorf("deviceFromTopic(%q, %q) = %q, want %q", tt.base, tt.topic, got, tt.want)
			}
		})
	}
}

func TestStateFingerprint(t *testing.T) {
	agree := devman.DeviceStatus{State: "on", Commanded: "on"}
	diverge := devman.DeviceStatus{State: "on", Commanded: "off"}
	off := devman.DeviceStatus{State: "off", Commanded: "off"}

	if stateFingerprint(agree) == stateFingerprint(diverge) {
		t.Error("diverging command must change the fingerprint")
	}
	if stateFingerprint(agree) == stateFingerprint(off) {
		t.Error("state change must change the fingerprint")
	}
	if stateFingerprint(agree) != stateFingerprint(devman.DeviceStatus{State: "on", Commanded: "on", Cause: "ui"}) {
		t.Error("cause alone must not change the fingerprint")
	}
}

func TestStateMessagePayload(t *testing.T) {
	msg := StateMessage{
		Device:    "porch",
		State:     "off",
		Command:   "on",
		Cause:     "motion",
		Timestamp: "2026-01-02T15:04:05Z",
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["device"] != "porch" || decoded["state"] != "off" || decoded["command"] != "on" {
		t.Errorf("unexpected payload: %s", payload)
	}

	// Command and cause are omitted when empty.
	payload, _ = json.Marshal(StateMessage{Device: "porch", State: "on", Timestamp: "t"})
	decoded = nil
	json.Unmarshal(payload, &decoded)
	if _, ok := decoded["command"]; ok {
		t.Error("command should be omitted when empty")
	}
	if _, ok := decoded["cause"]; ok {
		t.Error("cause should be omitted when empty")
	}
}

func TestNewPublisherDefaults(t *testing.T) {
	cfg := &config.MQTTConfig{Name: "main", Broker: "localhost", Port: 1883, ClientID: "tuyalink"}
	p := NewPublisher(cfg, "tuya")

	if p.Name() != "main" {
		t.Errorf("Name = %q, want main", p.Name())
	}
	if p.IsRunning() {
		t.Error("publisher should not be running before Start")
	}
	if cap(p.setQueue) != MaxSetQueueSize {
		t.Errorf("set queue cap = %d, want %d", cap(p.setQueue), MaxSetQueueSize)
	}
	if cap(p.stateQueue) != MaxStateQueueSize {
		t.Errorf("state queue cap = %d, want %d", cap(p.stateQueue), MaxStateQueueSize)
	}
	if got := p.ns.MQTTStateTopic("porch"); got != "tuya/porch/state" {
		t.Errorf("state topic = %q, want tuya/porch/state", got)
	}
}

func TestPublisherAddress(t *testing.T) {
	p := NewPublisher(&config.MQTTConfig{Broker: "broker.local", Port: 1883}, "tuya")
	if got := p.Address(); got != "tcp://broker.local:1883" {
		t.Errorf("Address = %q, want tcp://broker.local:1883", got)
	}

	p = NewPublisher(&config.MQTTConfig{Broker: "broker.local", Port: 8883, UseTLS: true}, "tuya")
	if got := p.Address(); got != "ssl://broker.local:8883" {
		t.Errorf("Address = %q, want ssl://broker.local:8883", got)
	}
}

func TestQueueStateBeforeStart(t *testing.T) {
	p := NewPublisher(&config.MQTTConfig{Name: "main"}, "tuya")

	p.QueueState("porch")

	if len(p.stateQueue) != 0 {
		t.Error("QueueState must drop publications while stopped")
	}
}

func TestManagerPublishers(t *testing.T) {
	m := NewManager("tuya")

	m.LoadFromConfig([]config.MQTTConfig{
		{Name: "main", Broker: "a", Port: 1883},
		{Name: "backup", Broker: "b", Port: 1883},
	})

	if got := len(m.List()); got != 2 {
		t.Fatalf("List returned %d publishers, want 2", got)
	}
	if m.Get("main") == nil {
		t.Error("Get(main) returned nil")
	}
	if m.Get("missing") != nil {
		t.Error("Get(missing) should return nil")
	}
	if m.AnyRunning() {
		t.Error("no publisher should be running yet")
	}

	m.Remove("backup")
	if m.Get("backup") != nil {
		t.Error("Remove did not drop the publisher")
	}

	// Handlers reach publishers added before and after.
	m.SetHandlers(func() []devman.DeviceStatus { return nil },
		func(device string, on bool, pulse time.Duration, cause string) error { return nil })
	m.Add(NewPublisher(&config.MQTTConfig{Name: "late"}, "tuya"))

	for _, pub := range m.List() {
		pub.mu.RLock()
		hasSet := pub.set != nil
		pub.mu.RUnlock()
		if !hasSet {
			t.Errorf("publisher %s missing set handler", pub.Name())
		}
	}

	// QueueState on stopped publishers is a harmless no-op.
	m.QueueState("porch")
}

package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"tuyalink/config"
	"tuyalink/devman"
)

func TestConnectionStatusString(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "Disconnected"},
		{StatusConnecting, "Connecting"},
		{StatusConnected, "Connected"},
		{StatusError, "Error"},
		{ConnectionStatus(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("ConnectionStatus(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestTopicSelection(t *testing.T) {
	t.Run("namespace derived", func(t *testing.T) {
		p := NewPublisher(&config.KafkaConfig{Brokers: []string{"localhost:9092"}}, "tuya")
		if got := p.EventTopic(); got != "tuya-events" {
			t.Errorf("EventTopic = %q, want tuya-events", got)
		}
		if got := p.HealthTopic(); got != "tuya.health" {
			t.Errorf("HealthTopic = %q, want tuya.health", got)
		}
	})

	t.Run("explicit topic wins", func(t *testing.T) {
		cfg := &config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "house"}
		p := NewPublisher(cfg, "tuya")
		if got := p.EventTopic(); got != "house" {
			t.Errorf("EventTopic = %q, want house", got)
		}
		if got := p.HealthTopic(); got != "house.health" {
			t.Errorf("HealthTopic = %q, want house.health", got)
		}
	})
}

func TestEventPayload(t *testing.T) {
	e := devman.Event{
		Type:      devman.EventConfirmed,
		Timestamp: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
		Device:    "porch",
		DeviceID:  "abc123",
		Detail:    "on",
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["type"] != "CONFIRMED" {
		t.Errorf("type = %v, want CONFIRMED", decoded["type"])
	}
	if decoded["device"] != "porch" {
		t.Errorf("device = %v, want porch", decoded["device"])
	}
	if decoded["deviceId"] != "abc123" {
		t.Errorf("deviceId = %v, want abc123", decoded["deviceId"])
	}
}

func TestHealthMessageStructure(t *testing.T) {
	msg := HealthMessage{
		Device:    "porch",
		Online:    false,
		Failure:   "silent",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, key := range []string{"device", "online", "failure", "timestamp"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing %q in health document: %s", key, data)
		}
	}

	// Failure is omitted when the device is healthy.
	data, _ = json.Marshal(HealthMessage{Device: "porch", Online: true, Timestamp: time.Now().UTC().Format(time.RFC3339)})
	decoded = nil
	json.Unmarshal(data, &decoded)
	if _, ok := decoded["failure"]; ok {
		t.Error("failure should be omitted when empty")
	}
}

func TestNewPublisherDefaults(t *testing.T) {
	p := NewPublisher(&config.KafkaConfig{Brokers: []string{"localhost:9092"}}, "tuya")

	if p.IsRunning() {
		t.Error("publisher should not be running before Start")
	}
	if p.Status() != StatusDisconnected {
		t.Errorf("status = %v, want Disconnected", p.Status())
	}
	if cap(p.queue) != MaxPublishQueueSize {
		t.Errorf("queue cap = %d, want %d", cap(p.queue), MaxPublishQueueSize)
	}
}

func TestPublishBeforeStart(t *testing.T) {
	p := NewPublisher(&config.KafkaConfig{Brokers: []string{"localhost:9092"}}, "tuya")

	p.PublishEvent(devman.Event{Type: devman.EventSet, Device: "porch"})
	p.PublishHealth("porch", true, "")

	if len(p.queue) != 0 {
		t.Error("publishes must drop while stopped")
	}
}

func TestConnectRequiresBrokers(t *testing.T) {
	p := NewProducer(&config.KafkaConfig{})

	if err := p.Connect(); err == nil {
		t.Fatal("Connect should fail with no brokers")
	}
	if p.Status() != StatusError {
		t.Errorf("status = %v, want Error", p.Status())
	}
}

func TestSASLMechanismSelection(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.KafkaConfig
		wantName  string
		wantIsNil bool
	}{
		{"no username", config.KafkaConfig{SASLMechanism: "PLAIN"}, "", true},
		{"plain", config.KafkaConfig{Username: "u", Password: "p", SASLMechanism: "PLAIN"}, "PLAIN", false},
		{"scram 256", config.KafkaConfig{Username: "u", Password: "p", SASLMechanism: "SCRAM-SHA-256"}, "SCRAM-SHA-256", false},
		{"scram 512", config.KafkaConfig{Username: "u", Password: "p", SASLMechanism: "SCRAM-SHA-512"}, "SCRAM-SHA-512", false},
		{"unknown", config.KafkaConfig{Username: "u", Password: "p", SASLMechanism: "NTLM"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mechanism := saslMechanism(&tt.cfg)
			if tt.wantIsNil {
				if mechanism != nil {
					t.Fatalf("expected nil mechanism, got %v", mechanism.Name())
				}
				return
			}
			if mechanism == nil {
				t.Fatal("expected a mechanism, got nil")
			}
			if got := mechanism.Name(); got != tt.wantName {
				t.Errorf("mechanism name = %q, want %q", got, tt.wantName)
			}
		})
	}
}

func TestMaxAttempts(t *testing.T) {
	if got := maxAttempts(0); got != 1 {
		t.Errorf("maxAttempts(0) = %d, want 1", got)
	}
	if got := maxAttempts(3); got != 4 {
		t.Errorf("maxAttempts(3) = %d, want 4", got)
	}
}

func TestWorkerPoolConfig(t *testing.T) {
	if MaxPublishWorkers <= 0 {
		t.Error("MaxPublishWorkers should be positive")
	}
	if MaxPublishQueueSize <= 0 {
		t.Error("MaxPublishQueueSize should be positive")
	}
}

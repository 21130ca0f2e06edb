package namespace

import "testing"

func TestMQTTTopics(t *testing.T) {
	b := New("tuya", "")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state topic", b.MQTTStateTopic("porch"), "tuya/porch/state"},
		{"health topic", b.MQTTHealthTopic("porch"), "tuya/porch/health"},
		{"set topic", b.MQTTSetTopic("porch"), "tuya/porch/set"},
		{"broadcast set topic", b.MQTTAllSetTopic(), "tuya/all/set"},
		{"set filter", b.MQTTSetFilter(), "tuya/+/set"},
		{"base", b.MQTTBase(), "tuya"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestMQTTTopicsWithSelector(t *testing.T) {
	b := New("tuya", "upstairs")

	if got, want := b.MQTTStateTopic("porch"), "tuya/upstairs/porch/state"; got != want {
		t.Errorf("MQTTStateTopic = %q, want %q", got, want)
	}
	if got, want := b.MQTTAllSetTopic(), "tuya/upstairs/all/set"; got != want {
		t.Errorf("MQTTAllSetTopic = %q, want %q", got, want)
	}
	if got, want := b.MQTTSetFilter(), "tuya/upstairs/+/set"; got != want {
		t.Errorf("MQTTSetFilter = %q, want %q", got, want)
	}
}

func TestValkeyKeys(t *testing.T) {
	b := New("tuya", "")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state key", b.ValkeyStateKey("porch"), "tuya:porch:state"},
		{"health key", b.ValkeyHealthKey("porch"), "tuya:porch:health"},
		{"changes channel", b.ValkeyChangesChannel("porch"), "tuya:porch:changes"},
		{"all changes channel", b.ValkeyAllChangesChannel(), "tuya:_all:changes"},
		{"set queue", b.ValkeySetQueue(), "tuya:set:queue"},
		{"set response channel", b.ValkeySetResponseChannel(), "tuya:set:responses"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestValkeyKeysWithSelector(t *testing.T) {
	b := New("tuya", "lab")

	if got, want := b.ValkeyStateKey("porch"), "tuya:lab:porch:state"; got != want {
		t.Errorf("ValkeyStateKey = %q, want %q", got, want)
	}
	if got, want := b.ValkeySetQueue(), "tuya:lab:set:queue"; got != want {
		t.Errorf("ValkeySetQueue = %q, want %q", got, want)
	}
}

func TestKafkaTopics(t *testing.T) {
	b := New("tuya", "")

	if got, want := b.KafkaEventTopic(), "tuya-events"; got != want {
		t.Errorf("KafkaEventTopic = %q, want %q", got, want)
	}
	if got, want := b.KafkaHealthTopic(), "tuya.health"; got != want {
		t.Errorf("KafkaHealthTopic = %q, want %q", got, want)
	}

	b = New("tuya", "lab")
	if got, want := b.KafkaEventTopic(), "tuya-lab-events"; got != want {
		t.Errorf("KafkaEventTopic = %q, want %q", got, want)
	}
	if got, want := b.KafkaHealthTopic(), "tuya-lab.health"; got != want {
		t.Errorf("KafkaHealthTopic = %q, want %q", got, want)
	}
}

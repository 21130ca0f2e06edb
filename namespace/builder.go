// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all services (MQTT, Valkey, Kafka).
package namespace

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTStateTopic returns the topic for a device state: {ns}[/{sel}]/{device}/state
func (b *Builder) MQTTStateTopic(device string) string {
	return b.mqttBase() + "/" + device + "/state"
}

// MQTTHealthTopic returns the topic for health status: {ns}[/{sel}]/{device}/health
func (b *Builder) MQTTHealthTopic(device string) string {
	return b.mqttBase() + "/" + device + "/health"
}

// MQTTSetTopic returns the topic for set requests: {ns}[/{sel}]/{device}/set
func (b *Builder) MQTTSetTopic(device string) string {
	return b.mqttBase() + "/" + device + "/set"
}

// MQTTAllSetTopic returns the broadcast set topic: {ns}[/{sel}]/all/set
func (b *Builder) MQTTAllSetTopic() string {
	return b.mqttBase() + "/all/set"
}

// MQTTSetFilter returns the subscription filter covering every set topic,
// the broadcast one included: {ns}[/{sel}]/+/set
func (b *Builder) MQTTSetFilter() string {
	return b.mqttBase() + "/+/set"
}

// MQTTBase returns the base topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyStateKey returns the key for a device state: {ns}[:{sel}]:{device}:state
func (b *Builder) ValkeyStateKey(device string) string {
	return b.valkeyBase() + ":" + device + ":state"
}

// ValkeyHealthKey returns the key for health status: {ns}[:{sel}]:{device}:health
func (b *Builder) ValkeyHealthKey(device string) string {
	return b.valkeyBase() + ":" + device + ":health"
}

// ValkeyChangesChannel returns the channel for device changes: {ns}[:{sel}]:{device}:changes
func (b *Builder) ValkeyChangesChannel(device string) string {
	return b.valkeyBase() + ":" + device + ":changes"
}

// ValkeyAllChangesChannel returns the channel for all changes: {ns}[:{sel}]:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.valkeyBase() + ":_all:changes"
}

// ValkeySetQueue returns the queue key for set requests: {ns}[:{sel}]:set:queue
func (b *Builder) ValkeySetQueue() string {
	return b.valkeyBase() + ":set:queue"
}

// ValkeySetResponseChannel returns the channel for set responses: {ns}[:{sel}]:set:responses
func (b *Builder) ValkeySetResponseChannel() string {
	return b.valkeyBase() + ":set:responses"
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: - for topics, . for health) ---

// KafkaEventTopic returns the default topic for controller events: {ns}[-{sel}]-events
func (b *Builder) KafkaEventTopic() string {
	return b.kafkaBase() + "-events"
}

// KafkaHealthTopic returns the topic for health status: {ns}[-{sel}].health
func (b *Builder) KafkaHealthTopic() string {
	return b.kafkaBase() + ".health"
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}

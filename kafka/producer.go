// Package kafka streams controller events to a Kafka cluster.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"tuyalink/config"
	"tuyalink/logging"
)

// ConnectionStatus represents the state of the Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Producer owns the per-topic writers for one Kafka cluster.
type Producer struct {
	config  *config.KafkaConfig
	writers map[string]*kafka.Writer // topic -> writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a producer for the configured cluster. No
// connections are opened until Connect.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	return &Producer{
		config:  cfg,
		writers: make(map[string]*kafka.Writer),
		status:  StatusDisconnected,
	}
}

// Status returns the current connection status.
func (p *Producer) Status() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Err returns the last produce or connect error.
func (p *Producer) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Stats returns message counters and the time of the last send.
func (p *Producer) Stats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect verifies connectivity to the cluster by dialing the first
// broker. Writers are created lazily per topic on first produce.
func (p *Producer) Connect() error {
	p.mu.Lock()
	if len(p.config.Brokers) == 0 {
		p.status = StatusError
		p.lastErr = fmt.Errorf("no brokers configured")
		p.mu.Unlock()
		return p.lastErr
	}
	p.status = StatusConnecting
	p.lastErr = nil
	brokers := p.config.Brokers
	p.mu.Unlock()

	logKafka("CONNECT: dialing brokers %v", brokers)

	dialer := p.createDialer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = fmt.Errorf("failed to connect: %w", err)
		p.mu.Unlock()
		logKafka("CONNECT: FAILED - %v", err)
		return fmt.Errorf("failed to connect: %w", err)
	}
	conn.Close()

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()

	logKafka("CONNECT: connected")
	return nil
}

// Disconnect closes all topic writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	logKafka("DISCONNECT: closing %d topic writers", len(p.writers))

	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}

	p.status = StatusDisconnected
	p.lastErr = nil
}

// Produce sends one message to the topic and blocks until the broker
// acknowledges it per the configured RequiredAcks.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}

	start := time.Now()
	err = writer.WriteMessages(ctx, msg)
	if err != nil {
		p.mu.Lock()
		p.messagesError++
		p.lastErr = err
		p.mu.Unlock()
		logKafka("PRODUCE: FAILED topic '%s' after %v: %v", topic, time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		logKafka("PRODUCE: topic '%s' took %v", topic, elapsed)
	}

	p.mu.Lock()
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()

	return nil
}

// getWriter returns or creates the writer for a topic. Topics are
// auto-created by the broker on first produce when it allows that.
func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka not connected")
	}

	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	writer := &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.LeastBytes{},
		Transport: p.createTransport(),

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false, // Synchronous for delivery guarantee
		MaxAttempts:  maxAttempts(p.config.MaxRetries),

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}
	if p.config.RetryBackoff > 0 {
		writer.WriteBackoffMin = p.config.RetryBackoff
	}

	p.writers[topic] = writer
	logKafka("TOPIC: created writer for '%s'", topic)
	return writer, nil
}

// maxAttempts maps the retry count to writer attempts. The writer
// treats its setting as total tries, not retries.
func maxAttempts(retries int) int {
	if retries <= 0 {
		return 1
	}
	return retries + 1
}

// createDialer creates a dialer with the configured auth and TLS.
func (p *Producer) createDialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	if p.config.UseTLS {
		dialer.TLS = tlsConfig(p.config)
	}

	if mechanism := saslMechanism(p.config); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}

	return dialer
}

// createTransport creates a writer transport with auth and TLS.
func (p *Producer) createTransport() *kafka.Transport {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
	}

	if p.config.UseTLS {
		transport.TLS = tlsConfig(p.config)
	}

	if mechanism := saslMechanism(p.config); mechanism != nil {
		transport.SASL = mechanism
	}

	return transport
}

func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: cfg.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

// saslMechanism returns the configured SASL mechanism, or nil when no
// username is set or the mechanism name is unrecognized.
func saslMechanism(cfg *config.KafkaConfig) sasl.Mechanism {
	if cfg.Username == "" {
		return nil
	}

	switch cfg.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	case "SCRAM-SHA-256":
		mechanism, _ := scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
		return mechanism
	case "SCRAM-SHA-512":
		mechanism, _ := scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
		return mechanism
	default:
		return nil
	}
}

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tuyalink/config"
	"tuyalink/devman"
	"tuyalink/namespace"
)

// MaxPublishWorkers is the number of concurrent publish goroutines.
const MaxPublishWorkers = 4

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 512

// HealthMessage is the JSON document published when a device moves
// between reachable and unreachable.
type HealthMessage struct {
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Failure   string `json:"failure,omitempty"`
	Timestamp string `json:"timestamp"`
}

// publishJob is one pending send.
type publishJob struct {
	topic   string
	key     []byte
	payload []byte
}

// Publisher streams every controller event to the event topic, keyed
// by device id so per-device ordering survives partitioning. Publishes
// run on a bounded worker pool; when the queue is full the event is
// dropped rather than stalling the caller.
type Publisher struct {
	config   *config.KafkaConfig
	ns       *namespace.Builder
	producer *Producer
	running  bool
	mu       sync.RWMutex

	queue    chan publishJob
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a publisher for the configured cluster. Topics
// derive from the namespace unless the config names one explicitly.
func NewPublisher(cfg *config.KafkaConfig, ns string) *Publisher {
	return &Publisher{
		config:   cfg,
		ns:       namespace.New(ns, ""),
		producer: NewProducer(cfg),
		queue:    make(chan publishJob, MaxPublishQueueSize),
		stopChan: make(chan struct{}),
	}
}

// IsRunning returns whether the worker pool is active.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Status returns the producer connection status.
func (p *Publisher) Status() ConnectionStatus {
	return p.producer.Status()
}

// EventTopic is where controller events go.
func (p *Publisher) EventTopic() string {
	if p.config.Topic != "" {
		return p.config.Topic
	}
	return p.ns.KafkaEventTopic()
}

// HealthTopic is where reachability transitions go.
func (p *Publisher) HealthTopic() string {
	if p.config.Topic != "" {
		return p.config.Topic + ".health"
	}
	return p.ns.KafkaHealthTopic()
}

// Start connects to the cluster and starts the publish workers.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	if err := p.producer.Connect(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.queue = make(chan publishJob, MaxPublishQueueSize)
	stop := p.stopChan
	queue := p.queue
	p.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		p.wg.Add(1)
		go p.publishWorker(stop, queue)
	}

	logKafka("Publisher started, events -> '%s'", p.EventTopic())
	return nil
}

// Stop halts the workers and closes the producer.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.queue = make(chan publishJob, MaxPublishQueueSize)
	p.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logKafka("Timeout waiting for publish workers to stop")
	}

	p.producer.Disconnect()
}

// publishWorker drains the queue until stopped.
func (p *Publisher) publishWorker(stop chan struct{}, queue chan publishJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.producer.Produce(ctx, job.topic, job.key, job.payload); err != nil {
				logKafka("Failed to publish to '%s': %v", job.topic, err)
			}
			cancel()
		}
	}
}

// PublishEvent queues one controller event for the event topic.
func (p *Publisher) PublishEvent(e devman.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}

	key := e.DeviceID
	if key == "" {
		key = e.Device
	}

	p.enqueue(publishJob{
		topic:   p.EventTopic(),
		key:     []byte(key),
		payload: payload,
	})
}

// PublishHealth queues a reachability transition for the health topic.
func (p *Publisher) PublishHealth(device string, online bool, failure string) {
	msg := HealthMessage{
		Device:    device,
		Online:    online,
		Failure:   failure,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	p.enqueue(publishJob{
		topic:   p.HealthTopic(),
		key:     []byte(device),
		payload: payload,
	})
}

func (p *Publisher) enqueue(job publishJob) {
	p.mu.RLock()
	running := p.running
	queue := p.queue
	p.mu.RUnlock()

	if !running {
		return
	}

	select {
	case queue <- job:
	default:
		logKafka("Publish queue full, dropping message for '%s'", job.topic)
	}
}

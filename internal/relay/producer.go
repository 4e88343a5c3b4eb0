package relay

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer wraps kafka-go writers behind the messageWriter interface the
// relay consumes. Writers are created on first use so a relay configured for
// a topic that never receives events opens no connection.
type KafkaProducer struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer for the given broker list.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// WriteMessages delivers the batch to the topic. Acks from all replicas are
// required before the relay may stamp published_at, otherwise a broker
// failover could drop audit events that the database already considers
// shipped.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writer(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writer(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		// Keyed by owner; hash keeps one owner's audit trail on one partition.
		Balancer: &kafka.Hash{},
		Async:    false,
	}
	p.writers[topic] = w
	return w
}

// Close releases every writer opened so far.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}

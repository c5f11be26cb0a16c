package outbox

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Producer delivers outbox payloads to Kafka synchronously so MarkSent only
// runs after the broker acknowledged the write.
type Producer struct {
	producer sarama.SyncProducer
}

func NewSyncProducer(brokers []string) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 500 * time.Millisecond

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create sarama sync producer: %w", err)
	}
	return &Producer{producer: prod}, nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}

// SendRaw publishes one payload keyed so all events of a post land on one
// partition and consumers observe transitions in order.
func (p *Producer) SendRaw(topic, key string, payload []byte) error {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: time.Now(),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send kafka message: %w", err)
	}
	return nil
}

package changelog

import (
	"encoding/json"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// ConfluentWriter publishes events through librdkafka and waits for each
// delivery report before returning.
type ConfluentWriter struct {
	producer confluentProducer
	topic    string
	timeout  time.Duration
}

type confluentProducer interface {
	Produce(msg *ck.Message, deliveryChan chan ck.Event) error
	Flush(timeoutMs int) int
	Close()
}

func NewConfluentWriter(bootstrap, topic string) (*ConfluentWriter, error) {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	return &ConfluentWriter{producer: p, topic: topic, timeout: 5 * time.Second}, nil
}

// NewConfluentWriterWith is only for tests to inject a fake producer.
func NewConfluentWriterWith(p confluentProducer, topic string) *ConfluentWriter {
	return &ConfluentWriter{producer: p, topic: topic, timeout: time.Second}
}

func (c *ConfluentWriter) Append(ev Event) error {
	b, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	delivery := make(chan ck.Event, 1)
	msg := &ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &c.topic, Partition: ck.PartitionAny},
		Key:            []byte(ev.Session),
		Value:          b,
	}
	if err := c.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	select {
	case e := <-delivery:
		switch m := e.(type) {
		case *ck.Message:
			if m.TopicPartition.Error != nil {
				return fmt.Errorf("delivery: %w", m.TopicPartition.Error)
			}
			return nil
		case ck.Error:
			return fmt.Errorf("delivery: %w", m)
		default:
			return fmt.Errorf("delivery: unexpected event %v", e)
		}
	case <-time.After(c.timeout):
		return fmt.Errorf("delivery: no report within %s", c.timeout)
	}
}

// Close flushes outstanding messages and closes the producer.
func (c *ConfluentWriter) Close() error {
	if n := c.producer.Flush(int(c.timeout / time.Millisecond)); n > 0 {
		c.producer.Close()
		return fmt.Errorf("close: %d messages not delivered", n)
	}
	c.producer.Close()
	return nil
}

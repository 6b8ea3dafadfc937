package queue

import (
	"context"

	sarama "github.com/IBM/sarama"

	"github.com/mirkobrombin/go-txflow/v1/txn"
)

// Kafka implements RetryQueue with a synchronous producer. The transaction id
// is the message key, so retries of one id stay on one partition.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafka wraps an existing producer.
func NewKafka(producer sarama.SyncProducer, topic string) *Kafka {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Kafka{producer: producer, topic: topic}
}

// NewKafkaFromBrokers connects a new producer to brokers.
func NewKafkaFromBrokers(brokers []string, cfg *sarama.Config, topic string) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafka(producer, topic), nil
}

// Enqueue implements RetryQueue.Enqueue.
func (k *Kafka) Enqueue(ctx context.Context, tx txn.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(tx)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(tx.ID),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = k.producer.SendMessage(msg)
	return err
}

// Close closes the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}

package stats

import (
	"context"
	"time"

	sarama "github.com/IBM/sarama"

	"github.com/mirkobrombin/go-keygate/v1/store"
)

// StoreSink appends events to retention-bounded lists in the shared
// store. The retention TTL is refreshed on every append.
type StoreSink struct {
	store store.Store
}

// NewStoreSink returns a Sink backed by the given store.
func NewStoreSink(s store.Store) *StoreSink {
	return &StoreSink{store: s}
}

// Append implements Sink.Append.
func (s *StoreSink) Append(ctx context.Context, key string, payload []byte, retention time.Duration) error {
	if err := s.store.LPush(ctx, key, string(payload)); err != nil {
		return err
	}
	return s.store.Expire(ctx, key, retention)
}

// KafkaSink publishes events to a Kafka topic, keyed by the stats key so
// events for one operation or requester stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink creates a KafkaSink producing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string, cfg *sarama.Config) (*KafkaSink, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

// Append implements Sink.Append. Retention is governed by the topic
// configuration, so the argument is ignored here.
func (k *KafkaSink) Append(ctx context.Context, key string, payload []byte, _ time.Duration) error {
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	_, _, err := k.producer.SendMessage(msg)
	return err
}

// Close shuts down the producer.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}

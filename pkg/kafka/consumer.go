package kafka

import (
	kafkago "github.com/segmentio/kafka-go"
)

type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// NewConsumer builds a group reader that buffers a single message and never
// auto-commits. Offsets advance only through CommitMessages, which gives the
// caller manual acknowledgment with a prefetch of one.
func NewConsumer(cfg ConsumerConfig) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		GroupTopics:    cfg.Topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		QueueCapacity:  1,
		CommitInterval: 0,
		StartOffset:    kafkago.FirstOffset,
	})
}

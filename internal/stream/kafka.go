package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/Shopify/sarama"

	"github.com/mbd888/guardchain/internal/metrics"
)

// KafkaSink publishes to an external Kafka cluster through a synchronous
// producer. Hash partitioning by message key preserves per-transaction
// ordering within a topic.
type KafkaSink struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
}

// NewKafkaSink connects a sync producer to the given brokers. A dial
// failure is returned so the caller can fall back to a local sink.
func NewKafkaSink(brokers []string, logger *slog.Logger) (*KafkaSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = "guardchain-fraud-detection"
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Timeout = 2 * time.Second
	cfg.Net.DialTimeout = 2 * time.Second
	cfg.Net.ReadTimeout = 2 * time.Second
	cfg.Net.WriteTimeout = 2 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}

	return &KafkaSink{producer: producer, logger: logger}, nil
}

// Publish sends the message and waits for the local broker ack. Failures
// are logged and counted, never returned: alerting must not halt
// transaction processing.
func (k *KafkaSink) Publish(_ context.Context, topic, key string, payload []byte) {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	if _, _, err := k.producer.SendMessage(msg); err != nil {
		k.logger.Warn("kafka publish failed, message dropped",
			"topic", topic, "key", key, "error", err)
		metrics.StreamDropped.WithLabelValues(topic, "broker").Inc()
		return
	}

	metrics.StreamPublished.WithLabelValues(topic, "kafka").Inc()
}

// Close shuts down the producer.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}

// KafkaSource consumes topics through a Kafka consumer group and feeds
// each message to a Handler. Committed offsets give the consumer group
// its resume-from-last-acknowledged semantics across restarts.
type KafkaSource struct {
	group  sarama.ConsumerGroup
	logger *slog.Logger
}

// NewKafkaSource joins the named consumer group on the given brokers.
func NewKafkaSource(brokers []string, groupID string, logger *slog.Logger) (*KafkaSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = "guardchain-fraud-detection"
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Net.DialTimeout = 2 * time.Second

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}

	return &KafkaSource{group: group, logger: logger}, nil
}

// Run consumes the given topics until ctx is cancelled, re-joining the
// group after rebalances. Broker errors are logged and retried; they
// never propagate to producers or other consumers.
func (k *KafkaSource) Run(ctx context.Context, topics []string, h Handler) error {
	defer func() { _ = k.group.Close() }()

	go func() {
		for err := range k.group.Errors() {
			k.logger.Warn("kafka consumer error", "error", err)
		}
	}()

	handler := &groupHandler{h: h}
	for {
		if err := k.group.Consume(ctx, topics, handler); err != nil {
			k.logger.Warn("kafka consume session ended", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// groupHandler adapts a stream.Handler to sarama's consumer group API.
type groupHandler struct {
	h Handler
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		g.h.Handle(Message{
			Topic:   msg.Topic,
			Key:     string(msg.Key),
			Payload: msg.Value,
			Seq:     uint64(msg.Offset) + 1,
		})
		sess.MarkMessage(msg, "")
	}
	return nil
}

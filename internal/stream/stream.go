// Package stream provides the event log that decouples transaction
// ingestion from real-time delivery.
//
// Two topics exist: transactions and alerts. Publishing never blocks or
// fails the ingestion path; a sink that cannot accept a message drops it
// with a logged warning. Per-key ordering is guaranteed within a topic,
// nothing is promised across keys.
//
// Sink selection happens once at startup: a Kafka-backed sink when
// brokers are configured and reachable, the in-process log otherwise,
// and a direct hand-off to the broadcaster as the degraded fallback.
package stream

import (
	"context"
)

// Topic names.
const (
	TopicTransactions = "transactions"
	TopicAlerts       = "alerts"
)

// Message is one entry in a topic.
type Message struct {
	Topic   string
	Key     string // transaction id; messages with the same key stay ordered
	Payload []byte
	Seq     uint64 // position within the topic, assigned by the sink

	global uint64 // log-wide publish order, used by merged subscriptions
}

// Sink accepts published messages. Publish must never block ingestion
// beyond a bounded local enqueue and must never surface an error to the
// caller; failures are logged and counted instead.
type Sink interface {
	Publish(ctx context.Context, topic, key string, payload []byte)
}

// Handler consumes messages. Implementations must return quickly; the
// fan-out broadcaster enqueues to per-connection buffers and never
// blocks on a slow viewer.
type Handler interface {
	Handle(msg Message)
}

// Source lets a consumer group read a topic from its last-acknowledged
// position. Implemented by the in-process Log; the Kafka source exposes
// the same semantics through its Run loop instead.
type Source interface {
	Subscribe(ctx context.Context, topic, group string) <-chan Message
}

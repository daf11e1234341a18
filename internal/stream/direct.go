package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbd888/guardchain/internal/metrics"
)

// DirectSink hands published messages straight to the broadcaster in the
// same process. No durability, no replay: this is the degraded mode used
// when the external broker is unreachable at startup. Viewers that miss
// messages reconcile through the snapshot endpoints.
type DirectSink struct {
	handler Handler
	logger  *slog.Logger

	mu   sync.Mutex
	seqs map[string]uint64
}

// NewDirectSink creates a sink that delivers synchronously to handler.
func NewDirectSink(handler Handler, logger *slog.Logger) *DirectSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectSink{
		handler: handler,
		logger:  logger,
		seqs:    make(map[string]uint64),
	}
}

// Publish delivers the message to the handler on the calling goroutine.
// The handler's contract is to enqueue and return, so this stays cheap
// for the ingestion path.
func (d *DirectSink) Publish(_ context.Context, topic, key string, payload []byte) {
	d.mu.Lock()
	d.seqs[topic]++
	seq := d.seqs[topic]
	d.mu.Unlock()

	d.handler.Handle(Message{Topic: topic, Key: key, Payload: payload, Seq: seq})
	metrics.StreamPublished.WithLabelValues(topic, "direct").Inc()
}

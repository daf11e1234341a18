package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbd888/guardchain/internal/metrics"
)

// Log is an in-process, ordered, replayable event log with named
// consumer-group cursors. It backs the stream when no external broker is
// configured and is the reference implementation of the broker contract
// in tests.
//
// Retention is bounded per topic. When a topic is full the oldest entry
// is dropped with a warning rather than blocking the publisher; any
// cursor still pointing at dropped entries is advanced past them.
type Log struct {
	mu         sync.Mutex
	capacity   int
	logger     *slog.Logger
	topics     map[string]*topicLog
	nextGlobal uint64            // log-wide publish order, assigned per message
	allCursors map[string]uint64 // consumer group -> next global seq, merged subscriptions
	notifyAll  chan struct{}     // closed and replaced on every publish
}

type topicLog struct {
	entries []Message
	nextSeq uint64            // seq assigned to the next published message
	cursors map[string]uint64 // consumer group -> next seq to deliver
	notify  chan struct{}     // closed and replaced on every publish
}

// NewLog creates an in-process event log retaining up to capacity
// messages per topic.
func NewLog(capacity int, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		capacity:   capacity,
		logger:     logger,
		topics:     make(map[string]*topicLog),
		nextGlobal: 1,
		allCursors: make(map[string]uint64),
		notifyAll:  make(chan struct{}),
	}
}

func (l *Log) topic(name string) *topicLog {
	tl, ok := l.topics[name]
	if !ok {
		tl = &topicLog{
			nextSeq: 1,
			cursors: make(map[string]uint64),
			notify:  make(chan struct{}),
		}
		l.topics[name] = tl
	}
	return tl
}

// Publish appends a message to the topic. It never blocks and never
// returns an error; a full topic drops its oldest entry.
func (l *Log) Publish(_ context.Context, topic, key string, payload []byte) {
	l.mu.Lock()
	tl := l.topic(topic)

	msg := Message{Topic: topic, Key: key, Payload: payload, Seq: tl.nextSeq, global: l.nextGlobal}
	tl.nextSeq++
	l.nextGlobal++
	tl.entries = append(tl.entries, msg)

	if len(tl.entries) > l.capacity {
		dropped := tl.entries[0]
		tl.entries = tl.entries[1:]
		oldest := tl.entries[0].Seq
		for group, cur := range tl.cursors {
			if cur < oldest {
				tl.cursors[group] = oldest
			}
		}
		l.logger.Warn("event log full, dropping oldest message",
			"topic", topic, "key", dropped.Key, "seq", dropped.Seq)
		metrics.StreamDropped.WithLabelValues(topic, "retention").Inc()
	}

	close(tl.notify)
	tl.notify = make(chan struct{})
	close(l.notifyAll)
	l.notifyAll = make(chan struct{})
	l.mu.Unlock()

	metrics.StreamPublished.WithLabelValues(topic, "log").Inc()
}

// Subscribe returns a channel delivering the topic's messages to the
// named consumer group, starting from the group's last-acknowledged
// position (or the oldest retained entry for a new group). A message is
// acknowledged once the receiver takes it off the channel. The channel
// closes when ctx is cancelled.
func (l *Log) Subscribe(ctx context.Context, topic, group string) <-chan Message {
	out := make(chan Message)

	l.mu.Lock()
	tl := l.topic(topic)
	if _, ok := tl.cursors[group]; !ok {
		start := tl.nextSeq
		if len(tl.entries) > 0 {
			start = tl.entries[0].Seq
		}
		tl.cursors[group] = start
	}
	l.mu.Unlock()

	go l.deliver(ctx, topic, group, out)
	return out
}

func (l *Log) deliver(ctx context.Context, topic, group string, out chan<- Message) {
	defer close(out)

	for {
		l.mu.Lock()
		tl := l.topic(topic)
		cur := tl.cursors[group]

		var next *Message
		for i := range tl.entries {
			if tl.entries[i].Seq >= cur {
				next = &tl.entries[i]
				break
			}
		}

		if next == nil {
			// Nothing new: wait for the next publish or cancellation.
			notify := tl.notify
			l.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
			continue
		}

		msg := *next
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case out <- msg:
		}

		// Delivered: advance the group cursor past this message.
		l.mu.Lock()
		if tl.cursors[group] <= msg.Seq {
			tl.cursors[group] = msg.Seq + 1
		}
		l.mu.Unlock()
	}
}

// SubscribeAll returns a channel delivering messages from all the given
// topics to the named consumer group, merged in log-wide publish order.
// A message published before another is always delivered first, even
// across topics; this is what lets an alert never overtake the
// transaction it references.
func (l *Log) SubscribeAll(ctx context.Context, group string, topics ...string) <-chan Message {
	out := make(chan Message)

	l.mu.Lock()
	if _, ok := l.allCursors[group]; !ok {
		start := l.nextGlobal
		for _, topic := range topics {
			if tl, ok := l.topics[topic]; ok && len(tl.entries) > 0 {
				if first := tl.entries[0].global; first < start {
					start = first
				}
			}
		}
		l.allCursors[group] = start
	}
	l.mu.Unlock()

	go l.deliverAll(ctx, group, topics, out)
	return out
}

func (l *Log) deliverAll(ctx context.Context, group string, topics []string, out chan<- Message) {
	defer close(out)

	for {
		l.mu.Lock()
		cur := l.allCursors[group]

		var next *Message
		for _, topic := range topics {
			tl, ok := l.topics[topic]
			if !ok {
				continue
			}
			for i := range tl.entries {
				if tl.entries[i].global >= cur {
					if next == nil || tl.entries[i].global < next.global {
						next = &tl.entries[i]
					}
					break
				}
			}
		}

		if next == nil {
			notify := l.notifyAll
			l.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
			continue
		}

		msg := *next
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case out <- msg:
		}

		l.mu.Lock()
		if l.allCursors[group] <= msg.global {
			l.allCursors[group] = msg.global + 1
		}
		l.mu.Unlock()
	}
}

// Len reports the number of retained messages in a topic.
func (l *Log) Len(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tl, ok := l.topics[topic]; ok {
		return len(tl.entries)
	}
	return 0
}

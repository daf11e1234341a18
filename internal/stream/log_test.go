package stream

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func recvOne(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestLog_PublishSubscribeOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewLog(100, nil)
	for i := 0; i < 5; i++ {
		l.Publish(ctx, TopicTransactions, "T1", []byte(fmt.Sprintf("m%d", i)))
	}

	ch := l.Subscribe(ctx, TopicTransactions, "g1")
	for i := 0; i < 5; i++ {
		msg := recvOne(t, ch)
		if string(msg.Payload) != fmt.Sprintf("m%d", i) {
			t.Errorf("message %d = %q, want m%d", i, msg.Payload, i)
		}
		if msg.Seq != uint64(i+1) {
			t.Errorf("message %d seq = %d, want %d", i, msg.Seq, i+1)
		}
	}
}

func TestLog_SubscribeBlocksUntilPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewLog(100, nil)
	ch := l.Subscribe(ctx, TopicAlerts, "g1")

	select {
	case msg := <-ch:
		t.Fatalf("unexpected message before publish: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	l.Publish(ctx, TopicAlerts, "A1", []byte("alert"))
	msg := recvOne(t, ch)
	if string(msg.Payload) != "alert" {
		t.Errorf("payload = %q, want alert", msg.Payload)
	}
}

func TestLog_ConsumerGroupResumes(t *testing.T) {
	ctx := context.Background()
	l := NewLog(100, nil)
	for i := 0; i < 4; i++ {
		l.Publish(ctx, TopicTransactions, "T1", []byte(fmt.Sprintf("m%d", i)))
	}

	// First subscription consumes two messages then goes away.
	subCtx, cancelSub := context.WithCancel(ctx)
	ch := l.Subscribe(subCtx, TopicTransactions, "g1")
	recvOne(t, ch)
	recvOne(t, ch)
	cancelSub()

	// Drain until close so no in-flight delivery races the new subscription.
	for range ch {
	}

	// Re-subscribing with the same group resumes after the acknowledged
	// messages, not from the beginning.
	ch2 := l.Subscribe(ctx, TopicTransactions, "g1")
	msg := recvOne(t, ch2)
	if string(msg.Payload) != "m2" {
		t.Errorf("resumed at %q, want m2", msg.Payload)
	}
}

func TestLog_IndependentGroups(t *testing.T) {
	ctx := context.Background()
	l := NewLog(100, nil)
	l.Publish(ctx, TopicTransactions, "T1", []byte("m0"))

	a := l.Subscribe(ctx, TopicTransactions, "a")
	b := l.Subscribe(ctx, TopicTransactions, "b")

	if got := recvOne(t, a); string(got.Payload) != "m0" {
		t.Errorf("group a got %q", got.Payload)
	}
	if got := recvOne(t, b); string(got.Payload) != "m0" {
		t.Errorf("group b got %q", got.Payload)
	}
}

func TestLog_RetentionDropsOldest(t *testing.T) {
	ctx := context.Background()
	l := NewLog(3, nil)
	for i := 0; i < 5; i++ {
		l.Publish(ctx, TopicTransactions, "T1", []byte(fmt.Sprintf("m%d", i)))
	}

	if got := l.Len(TopicTransactions); got != 3 {
		t.Fatalf("retained %d messages, want 3", got)
	}

	// A new group starts at the oldest retained entry, m2.
	ch := l.Subscribe(ctx, TopicTransactions, "late")
	if got := recvOne(t, ch); string(got.Payload) != "m2" {
		t.Errorf("first retained message = %q, want m2", got.Payload)
	}
}

func TestLog_PublishNeverBlocks(t *testing.T) {
	ctx := context.Background()
	l := NewLog(2, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			l.Publish(ctx, TopicTransactions, "T1", []byte("x"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no consumers")
	}
}

func TestLog_SubscribeAllMergesInPublishOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewLog(100, nil)
	l.Publish(ctx, TopicTransactions, "T1", []byte("tx1"))
	l.Publish(ctx, TopicAlerts, "T1", []byte("alert1"))
	l.Publish(ctx, TopicTransactions, "T2", []byte("tx2"))

	ch := l.SubscribeAll(ctx, "g1", TopicTransactions, TopicAlerts)

	want := []struct {
		topic   string
		payload string
	}{
		{TopicTransactions, "tx1"},
		{TopicAlerts, "alert1"},
		{TopicTransactions, "tx2"},
	}
	for i, w := range want {
		msg := recvOne(t, ch)
		if msg.Topic != w.topic || string(msg.Payload) != w.payload {
			t.Errorf("message %d = %s/%q, want %s/%q", i, msg.Topic, msg.Payload, w.topic, w.payload)
		}
	}

	// Later publishes keep arriving in order across topics.
	l.Publish(ctx, TopicAlerts, "T2", []byte("alert2"))
	l.Publish(ctx, TopicTransactions, "T3", []byte("tx3"))
	if msg := recvOne(t, ch); msg.Topic != TopicAlerts {
		t.Errorf("got %s, want alert first", msg.Topic)
	}
	if msg := recvOne(t, ch); msg.Topic != TopicTransactions {
		t.Errorf("got %s, want transaction second", msg.Topic)
	}
}

func TestLog_SubscribeAllResumes(t *testing.T) {
	l := NewLog(100, nil)
	bg := context.Background()
	l.Publish(bg, TopicTransactions, "T1", []byte("tx1"))
	l.Publish(bg, TopicAlerts, "T1", []byte("alert1"))

	ctx, cancel := context.WithCancel(bg)
	ch := l.SubscribeAll(ctx, "g1", TopicTransactions, TopicAlerts)
	if msg := recvOne(t, ch); string(msg.Payload) != "tx1" {
		t.Fatalf("first = %q", msg.Payload)
	}
	cancel()
	for range ch {
	}

	// The same group resumes at the unacknowledged alert.
	ctx2, cancel2 := context.WithCancel(bg)
	defer cancel2()
	ch2 := l.SubscribeAll(ctx2, "g1", TopicTransactions, TopicAlerts)
	if msg := recvOne(t, ch2); string(msg.Payload) != "alert1" {
		t.Errorf("resumed at %q, want alert1", msg.Payload)
	}
}

package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gigi-dev/gigi/pkg/protocol"
)

func TestPublish_OrderPreserved(t *testing.T) {
	b := New()
	thread := uuid.New()
	sub := b.Subscribe(thread)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish(thread, protocol.NewServerMessage(protocol.TypeTextChunk, thread.String(), int64(i+1), nil))
	}

	for i := 0; i < 10; i++ {
		select {
		case msg := <-sub.Events():
			if msg.Seq != int64(i+1) {
				t.Fatalf("message %d: seq = %d, want %d", i, msg.Seq, i+1)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestPublish_ThreadIsolation(t *testing.T) {
	b := New()
	t1, t2 := uuid.New(), uuid.New()
	sub1 := b.Subscribe(t1)
	defer sub1.Close()
	sub2 := b.Subscribe(t2)
	defer sub2.Close()

	b.Publish(t1, protocol.NewServerMessage(protocol.TypeAgentStart, t1.String(), 1, nil))

	select {
	case <-sub1.Events():
	case <-time.After(time.Second):
		t.Fatal("sub1 did not receive")
	}
	select {
	case msg := <-sub2.Events():
		t.Fatalf("sub2 received foreign message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_GlobalSeesAll(t *testing.T) {
	b := New()
	g := b.SubscribeGlobal()
	defer g.Close()

	for i := 0; i < 3; i++ {
		b.Publish(uuid.New(), protocol.NewServerMessage(protocol.TypeConversationUpdate, fmt.Sprint(i), 0, nil))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-g.Events():
		case <-time.After(time.Second):
			t.Fatalf("global missed message %d", i)
		}
	}
}

func TestPublish_LaggedDisconnect(t *testing.T) {
	b := New()
	thread := uuid.New()
	sub := b.Subscribe(thread)

	// fill the queue without draining, then overflow by one
	for i := 0; i <= QueueSize; i++ {
		b.Publish(thread, protocol.NewServerMessage(protocol.TypeTextChunk, thread.String(), int64(i), nil))
	}

	select {
	case <-sub.Lagged():
	case <-time.After(time.Second):
		t.Fatal("expected Lagged signal on overflow")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0 after disconnect", b.SubscriberCount())
	}

	// queued messages drain, then the channel closes
	n := 0
	for range sub.Events() {
		n++
	}
	if n != QueueSize {
		t.Errorf("drained %d messages, want %d", n, QueueSize)
	}
}

func TestClose_Idempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe(uuid.New())
	sub.Close()
	sub.Close()
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}

// Package bus is the in-process pub/sub fabric for per-thread event
// streams. It has no persistence: a restart loses only in-flight fan-out,
// and subscribers resync from the store by seq.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/gigi-dev/gigi/pkg/protocol"
)

// QueueSize bounds each subscriber's pending queue. A subscriber that
// overruns it is disconnected with a Lagged signal and must resync by
// requesting history by seq.
const QueueSize = 256

// Subscription is one subscriber's view of a stream. Events are delivered
// in publish order. After Lagged fires the Events channel is closed.
type Subscription struct {
	id     string
	bus    *Bus
	thread uuid.UUID // uuid.Nil = global
	events chan protocol.ServerMessage
	lagged chan struct{}

	closeOnce sync.Once
}

// Events returns the ordered stream of published messages.
func (s *Subscription) Events() <-chan protocol.ServerMessage { return s.events }

// Lagged is closed when the subscriber overran its queue and was dropped.
func (s *Subscription) Lagged() <-chan struct{} { return s.lagged }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.bus.remove(s, false) }

func (s *Subscription) shut(lagged bool) {
	s.closeOnce.Do(func() {
		if lagged {
			close(s.lagged)
		}
		close(s.events)
	})
}

// Bus fans events out to per-thread and global subscribers.
type Bus struct {
	mu       sync.RWMutex
	byThread map[uuid.UUID]map[string]*Subscription
	global   map[string]*Subscription
	nextID   uint64
}

func New() *Bus {
	return &Bus{
		byThread: make(map[uuid.UUID]map[string]*Subscription),
		global:   make(map[string]*Subscription),
	}
}

// Subscribe attaches to one thread's stream.
func (b *Bus) Subscribe(thread uuid.UUID) *Subscription {
	return b.subscribe(thread)
}

// SubscribeGlobal attaches to every published event (conversation updates,
// list refreshes).
func (b *Bus) SubscribeGlobal() *Subscription {
	return b.subscribe(uuid.Nil)
}

func (b *Bus) subscribe(thread uuid.UUID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     uuid.NewString(),
		bus:    b,
		thread: thread,
		events: make(chan protocol.ServerMessage, QueueSize),
		lagged: make(chan struct{}),
	}
	if thread == uuid.Nil {
		b.global[sub.id] = sub
	} else {
		m, ok := b.byThread[thread]
		if !ok {
			m = make(map[string]*Subscription)
			b.byThread[thread] = m
		}
		m[sub.id] = sub
	}
	return sub
}

// Publish delivers msg to every subscriber of the thread plus every global
// subscriber, preserving publish order per subscriber. A full queue drops
// the subscriber rather than blocking the publisher.
func (b *Bus) Publish(thread uuid.UUID, msg protocol.ServerMessage) {
	b.mu.RLock()
	var targets []*Subscription
	for _, sub := range b.byThread[thread] {
		targets = append(targets, sub)
	}
	for _, sub := range b.global {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.events <- msg:
		default:
			slog.Warn("bus: subscriber lagged, disconnecting", "thread", thread, "sub", sub.id)
			b.remove(sub, true)
		}
	}
}

func (b *Bus) remove(sub *Subscription, lagged bool) {
	b.mu.Lock()
	if sub.thread == uuid.Nil {
		delete(b.global, sub.id)
	} else if m, ok := b.byThread[sub.thread]; ok {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(b.byThread, sub.thread)
		}
	}
	b.mu.Unlock()
	sub.shut(lagged)
}

// SubscriberCount reports the live subscriber total, for health reporting.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.global)
	for _, m := range b.byThread {
		n += len(m)
	}
	return n
}

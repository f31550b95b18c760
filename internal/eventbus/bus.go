// Package eventbus carries watchbot's internal lifecycle signals: a poll
// cycle finished, a topic committed or failed, a delivery failed, the config
// reloaded. Subscribers are observers only; nothing in the engine waits on
// the bus, so a slow or absent subscriber can never stall a cycle.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one signal. Data should stay small and JSON-serializable so
// subscribers can log it as-is.
type Event struct {
	Type string
	Time time.Time
	Data any
}

const (
	TypeCycleFinished  = "watch.cycle_finished"
	TypeTopicCommitted = "watch.topic_committed"
	TypeTopicFailed    = "watch.topic_failed"
	TypeDeliveryFailed = "notify.delivery_failed"
	TypeConfigReloaded = "config.reloaded"
)

// Bus fans events out to buffered subscriber channels. Publish never blocks:
// a subscriber that falls behind misses events rather than backing up the
// publisher.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory Bus. It owns no goroutines.
func New() Bus {
	return &fanout{sinks: map[uint64]chan Event{}}
}

type fanout struct {
	mu    sync.RWMutex
	sinks map[uint64]chan Event
	next  atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot the sink list so no lock is held while sending.
	b.mu.RLock()
	sinks := make([]chan Event, 0, len(b.sinks))
	for _, ch := range b.sinks {
		sinks = append(sinks, ch)
	}
	b.mu.RUnlock()

	for _, ch := range sinks {
		offer(ch, e)
	}
}

// offer is a non-blocking send that survives racing an unsubscribe: the
// channel may close between the snapshot in Publish and the send here.
func offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.next.Add(1)

	b.mu.Lock()
	b.sinks[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.sinks, id)
			b.mu.Unlock()
			// Closing is safe: offer recovers if a publish is mid-send.
			close(ch)
		})
	}
	return ch, unsubscribe
}

package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

var logger = log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)

const (
	maxBackpressureRetries = 3
	backpressureRetryDelay = 10 * time.Millisecond
)

// Subscription is a filtered channel returned by Bus.Subscribe.
type Subscription struct {
	ch    chan Event
	types map[Type]bool // nil/empty = all types
}

// Bus delivers events to subscribers synchronously, on the emitting
// fiber (design note §9): the supervisor is single-threaded, so there
// are no cross-goroutine ordering concerns beyond the channel sends
// performed here. Grounded on the teacher's internal/events/bus.go.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*Subscription
	dropped     uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a buffered channel receiving events whose type is in
// types (or all events, if types is empty).
func (b *Bus) Subscribe(types ...Type) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	filter := make(map[Type]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	sub := &Subscription{ch: make(chan Event, 100), types: filter}
	b.subscribers = append(b.subscribers, sub)
	return sub.ch
}

// Unsubscribe removes and closes a subscription's channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub.ch == ch {
			close(sub.ch)
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every subscriber whose filter matches.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if len(sub.types) > 0 && !sub.types[ev.Type] {
			continue
		}
		b.sendWithBackpressure(sub, ev)
	}
}

func (b *Bus) sendWithBackpressure(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	for retry := 1; retry <= maxBackpressureRetries; retry++ {
		time.Sleep(backpressureRetryDelay)
		select {
		case sub.ch <- ev:
			return
		default:
		}
	}

	dropped := atomic.AddUint64(&b.dropped, 1)
	logger.Printf("WARNING: dropped event after %d retries: type=%s source=%s id=%s (total dropped: %d)",
		maxBackpressureRetries, ev.Type, ev.Source, ev.ID, dropped)
}

// DroppedCount returns how many events were dropped due to full
// subscriber channels.
func (b *Bus) DroppedCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

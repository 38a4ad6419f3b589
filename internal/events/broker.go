package events

import (
	"context"
	"sync"
)

// Broker fans events out to in-process subscribers. Slow subscribers lose
// events rather than stall publishers.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]sub
	next   int
	buffer int
}

type sub struct {
	ch     chan Event
	filter func(Event) bool
}

// NewBroker creates a broker whose subscriber channels hold buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{subs: make(map[int]sub), buffer: buffer}
}

// Subscribe registers a subscriber; filter may be nil. The channel is closed
// when ctx ends.
func (b *Broker) Subscribe(ctx context.Context, filter func(Event) bool) <-chan Event {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub{ch: ch, filter: filter}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

// Publish delivers evs to every matching subscriber without blocking.
func (b *Broker) Publish(_ context.Context, evs ...Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ev := range evs {
		for _, s := range b.subs {
			if s.filter != nil && !s.filter(ev) {
				continue
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
	return nil
}

// Subscribers reports the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

package bus

import (
	"log"
	"sync"
)

type Handler func(event string, payload interface{})

type subscription struct {
	id      int
	handler Handler
}

// Bus is the in-process message bus components announce domain events on.
// Handlers run synchronously on the publisher's goroutine in subscription
// order and must not block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription
}

func New() *Bus {
	return &Bus{
		subs: make(map[string][]subscription),
	}
}

// Subscribe registers a handler for an event name and returns an unsubscribe
// function. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(event string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subs[event]
		for i, s := range subs {
			if s.id == id {
				b.subs[event] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(event string, payload interface{}) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[event]))
	copy(subs, b.subs[event])
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[bus] handler panic on %s: %v", event, r)
				}
			}()
			s.handler(event, payload)
		}()
	}
}

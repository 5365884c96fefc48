// Package event provides a small synchronous publish/subscribe bus.
//
// The dispatcher registers trigger listeners on it, and the host publishes
// editor events (buffer reads, filetype detection) into it. The pipeline
// also publishes task lifecycle events for UI consumers.
package event

import (
	"sync"
)

// Data is the payload attached to an event.
type Data map[string]any

// Handler handles a published event.
// Handlers must be non-blocking; panics are recovered.
type Handler func(name string, data Data)

// Bus delivers events synchronously to subscribers, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription
	nextID   int
}

type subscription struct {
	id      int
	handler Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]*subscription)}
}

// Subscribe registers a handler for the named event.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(name string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler}
	b.handlers[name] = append(b.handlers[name], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[name]
		for i, s := range subs {
			if s.id == sub.id {
				b.handlers[name] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every subscriber synchronously.
func (b *Bus) Publish(name string, data Data) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.handlers[name]))
	copy(subs, b.handlers[name])
	b.mu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				recover() // a handler panic must not take down the host
			}()
			sub.handler(name, data)
		}()
	}
}

// HasSubscribers reports whether anyone listens for the named event.
func (b *Bus) HasSubscribers(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name]) > 0
}

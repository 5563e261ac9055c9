// Package bus implements the in-process, multi-publisher multi-subscriber
// event bus of spec.md §4.10. Grounded on
// original_source/bbclaud/core/message_bus.py's MessageBus: a buffered
// queue drained by one dispatcher goroutine, subscriptions keyed by event
// type plus a "*" wildcard, concurrent fan-out to every matching
// subscriber with failures swallowed and logged rather than propagated.
package bus

import (
	"context"
	"sync"

	"github.com/loopworks/conductor/internal/telemetry"
)

// Event is one message carried on the bus.
type Event struct {
	Type    string // e.g. "task.completed", "task.failed", "agent.log"
	Source  string // name of the agent/component that emitted the event
	Payload any
}

// Handler reacts to a dispatched Event. A Handler must not block
// indefinitely — it runs alongside every other subscriber matching the
// same event within one dispatch.
type Handler func(ctx context.Context, ev Event)

const wildcard = "*"

// Bus is a single multi-publisher, multi-subscriber, in-process async
// event bus. The zero value is not usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler

	queue  chan Event
	done   chan struct{}
	stopFn context.CancelFunc
}

// New returns a Bus with a queue of the given buffer size. A size of 0 is
// coerced to a small default so Publish never blocks under ordinary load.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subscribers: make(map[string][]Handler),
		queue:       make(chan Event, queueSize),
		done:        make(chan struct{}),
	}
}

// Subscribe registers handler to be invoked for every Event whose Type
// equals eventType.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers handler to be invoked for every Event, regardless
// of type.
func (b *Bus) SubscribeAll(handler Handler) {
	b.Subscribe(wildcard, handler)
}

// Publish enqueues ev for asynchronous dispatch. It never blocks the
// caller beyond the queue's buffer capacity.
func (b *Bus) Publish(ev Event) {
	b.queue <- ev
}

// PublishSync dispatches ev immediately, bypassing the queue. Used where
// ordering relative to the caller's subsequent actions matters (e.g.
// tests asserting dispatch happened before their next assertion).
func (b *Bus) PublishSync(ctx context.Context, ev Event) {
	b.dispatch(ctx, ev)
}

// Start launches the dispatch loop. It returns once ctx is canceled or
// Stop is called; callers should run it in its own goroutine.
func (b *Bus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.stopFn = cancel
	for {
		select {
		case <-ctx.Done():
			close(b.done)
			return
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		}
	}
}

// Stop cancels the dispatch loop started by Start and waits for it to exit.
func (b *Bus) Stop() {
	if b.stopFn == nil {
		return
	}
	b.stopFn()
	<-b.done
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := append(append([]Handler{}, b.subscribers[ev.Type]...), b.subscribers[wildcard]...)
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					telemetry.Error(ctx, "bus subscriber panicked", nil, telemetry.KV{K: "origin", V: "bus"}, telemetry.KV{K: "event_type", V: ev.Type}, telemetry.KV{K: "recover", V: r})
				}
			}()
			h(ctx, ev)
		}()
	}
	wg.Wait()
}

// Package eventbus delivers engine events to subscribers.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/blecentral/internal/ble"
)

// DefaultBuffer is the per-subscriber queue length used when New is given
// a non-positive size.
const DefaultBuffer = 256

type subscription struct {
	id      uint64
	types   map[ble.EventType]struct{} // nil receives every event
	handler ble.EventHandler
	queue   chan ble.Event
	once    sync.Once
}

func (s *subscription) wants(t ble.EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.queue) })
}

// Bus is an in-process, goroutine-safe event bus. Every subscriber has its
// own queue drained by one goroutine, so a subscriber sees events in the
// order they were published and a slow subscriber never delays the others.
// Publish never blocks: when a subscriber's queue is full the event is
// dropped for that subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID atomic.Uint64
	buffer int
	logger *slog.Logger

	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Uint64
}

// New creates an event bus with the given per-subscriber queue length.
func New(logger *slog.Logger, buffer int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{logger: logger, buffer: buffer}
}

// Publish enqueues event for every matching subscriber.
func (b *Bus) Publish(event ble.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("[BLE] subscriber queue full, dropping event",
				"subscriber", sub.id,
				"event", string(event.Type),
				"peripheral", string(event.Peripheral),
			)
		}
	}
}

// Subscribe registers a handler for the given event types, or for every
// event when no type is given. Only events published after Subscribe
// returns are delivered. Returns an unsubscribe function.
func (b *Bus) Subscribe(handler ble.EventHandler, types ...ble.EventType) func() {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		queue:   make(chan ble.Event, b.buffer),
	}
	if len(types) > 0 {
		sub.types = make(map[ble.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		sub.stop()
	}
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler ble.EventHandler) func() {
	return b.Subscribe(handler)
}

func (b *Bus) deliver(sub *subscription) {
	defer b.wg.Done()
	for event := range sub.queue {
		b.call(sub, event)
	}
}

func (b *Bus) call(sub *subscription, event ble.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("[BLE] event handler panicked",
				"subscriber", sub.id,
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}

// Dropped returns the number of deliveries skipped because a subscriber's
// queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events, lets subscribers drain what was already
// queued, and waits for them. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
}

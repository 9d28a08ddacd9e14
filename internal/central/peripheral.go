package central

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/chaz8081/blecentral/internal/ble"
)

// connectAttempt is the in-flight connect of a peripheral.
type connectAttempt struct {
	id     uint64
	cancel context.CancelFunc
	timer  *time.Timer
	done   func(error) // circuit breaker outcome
	span   trace.Span
}

// peripheral owns one device. Its run goroutine is the only code that
// touches the fields below inbox; everything else posts closures to it.
type peripheral struct {
	e       *Engine
	id      ble.PeripheralID
	address string
	inbox   chan func()

	state      ble.ConnectionState
	attempts   uint64
	connect    *connectAttempt
	generation int
	failures   int
	session    *session
	breaker    *gobreaker.TwoStepCircuitBreaker[struct{}]
}

func newPeripheral(e *Engine, id ble.PeripheralID, address string) *peripheral {
	p := &peripheral{
		e:       e,
		id:      id,
		address: address,
		inbox:   make(chan func(), e.opts.InboxSize),
		state:   ble.StateDiscovered,
	}
	p.breaker = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "connect:" + string(id),
		MaxRequests: 1, // one trial connect while half-open
		Timeout:     e.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= e.opts.BreakerMaxFailures
		},
		IsExcluded: func(err error) bool {
			// User cancellations and adapter outages say nothing about the
			// peripheral itself.
			return isCancel(err) || isAdapterDown(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.log.Warn("[BLE] connect breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return p
}

func (p *peripheral) run() {
	defer p.e.wg.Done()
	for {
		select {
		case fn := <-p.inbox:
			if p.e.ctx.Err() != nil {
				// Closing: shutdown settles whatever is left.
				return
			}
			fn()
		case <-p.e.ctx.Done():
			return
		}
	}
}

// do posts fn to the owner. It reports false once the engine is closed.
func (p *peripheral) do(fn func()) bool {
	select {
	case p.inbox <- fn:
		return true
	case <-p.e.ctx.Done():
		return false
	}
}

// call runs fn on the owner and waits for its result. fn must not block.
func call[T any](p *peripheral, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	reply := make(chan result, 1)
	if !p.do(func() {
		v, err := fn()
		reply <- result{v, err}
	}) {
		var zero T
		return zero, ble.ErrClosed
	}
	select {
	case r := <-reply:
		return r.v, r.err
	case <-p.e.ctx.Done():
		var zero T
		return zero, ble.ErrClosed
	}
}

// publish stamps and sends an event about this peripheral.
func (p *peripheral) publish(t ble.EventType, fill func(*ble.Event)) {
	ev := ble.NewEvent(t, p.id)
	if fill != nil {
		fill(&ev)
	}
	p.e.bus.Publish(ev)
}

// onSighted announces the first sighting of the peripheral.
func (p *peripheral) onSighted() {
	rec, _ := p.e.registry.Get(p.id)
	p.e.log.Debug("[BLE] discovered", "peripheral", string(p.id), "name", rec.Name, "rssi", rec.RSSI)
	p.publish(ble.EventDeviceDiscovered, func(ev *ble.Event) {
		ev.Record = rec
		ev.State = rec.State
	})
}

// shutdown releases everything the peripheral holds. Only called by
// Engine.Close after the run goroutine has exited.
func (p *peripheral) shutdown() {
	if p.connect != nil {
		p.finishAttempt(ble.ErrClosed)
	}
	if p.session != nil {
		p.session.cancel()
		for _, op := range p.session.sortedPending() {
			op.complete(nil, ble.ErrClosed)
		}
		p.session = nil
	}
}

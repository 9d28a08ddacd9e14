package central

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chaz8081/blecentral/internal/ble"
)

func isCancel(err error) bool {
	return errors.Is(err, ble.ErrOperationCanceled) || errors.Is(err, ble.ErrClosed)
}

func isAdapterDown(err error) bool {
	return errors.Is(err, ble.ErrAdapterUnavailable)
}

// transition moves the peripheral to state to, records it, and emits
// exactly one StateChanged event. Leaving Connected tears down the GATT
// session; entering Connected starts discovery.
func (p *peripheral) transition(to ble.ConnectionState, reason error) {
	from := p.state
	p.state = to

	p.e.registry.Update(p.id, func(rec *ble.PeripheralRecord) {
		rec.State = to
		rec.Reason = reason
		rec.Generation = p.generation
		rec.Failures = p.failures
		rec.RetryAfter = backoffDelay(p.failures, p.e.opts.BackoffMax)
	})

	attrs := []any{"peripheral", string(p.id), "from", from.String(), "to", to.String()}
	if reason != nil {
		attrs = append(attrs, "reason", reason)
		p.e.log.Warn("[BLE] state change", attrs...)
	} else {
		p.e.log.Info("[BLE] state change", attrs...)
	}

	p.publish(ble.EventStateChanged, func(ev *ble.Event) {
		ev.State = to
		ev.PrevState = from
		ev.Err = reason
	})

	if from == ble.StateConnected && to != ble.StateConnected {
		cause := reason
		if cause == nil {
			cause = ble.ErrOperationCanceled
		}
		p.endSession(cause)
	}
	if to == ble.StateConnected {
		p.beginSession()
	}
}

// connectCmd handles a connect (or retry) command.
func (p *peripheral) connectCmd() (ble.ConnectionState, error) {
	switch p.state {
	case ble.StateConnecting, ble.StateConnected, ble.StateDisconnecting:
		// One attempt at a time; a repeated command reports where we are.
		return p.state, nil
	}
	if !p.e.powered.Load() {
		return p.state, ble.ErrAdapterUnavailable
	}

	done, err := p.breaker.Allow()
	if err != nil {
		return p.state, fmt.Errorf("%w: %v", ble.ErrConnectSuppressed, err)
	}

	p.attempts++
	attempt := &connectAttempt{id: p.attempts, done: done}
	timeout := p.e.opts.ConnectTimeout

	ctx, cancel := context.WithTimeout(p.e.ctx, timeout)
	ctx, span := tracer.Start(ctx, "ble.connect", trace.WithAttributes(
		attribute.String("ble.peripheral", string(p.id)),
		attribute.Int64("ble.attempt", int64(attempt.id)),
	))
	attempt.cancel = cancel
	attempt.span = span
	attempt.timer = time.AfterFunc(timeout, func() {
		p.do(func() { p.onConnectTimeout(attempt.id) })
	})
	p.connect = attempt

	p.transition(ble.StateConnecting, nil)

	go func() {
		err := p.e.radio.Connect(ctx, p.address)
		p.do(func() { p.onConnectResult(attempt.id, err) })
	}()
	return ble.StateConnecting, nil
}

// finishAttempt retires the in-flight attempt. Cancelling its context is
// the cancel issued to the radio; it is safe even if the radio already
// completed.
func (p *peripheral) finishAttempt(outcome error) {
	a := p.connect
	if a == nil {
		return
	}
	p.connect = nil
	a.timer.Stop()
	a.cancel()
	a.done(outcome)
	if outcome != nil {
		a.span.RecordError(outcome)
		a.span.SetStatus(codes.Error, outcome.Error())
	}
	a.span.End()
}

func (p *peripheral) onConnectTimeout(attemptID uint64) {
	if p.connect == nil || p.connect.id != attemptID {
		return
	}
	p.failConnect(ble.ErrConnectTimeout)
}

func (p *peripheral) onConnectResult(attemptID uint64, err error) {
	if p.connect == nil || p.connect.id != attemptID {
		if err == nil && p.connect == nil && p.state != ble.StateConnected && p.state != ble.StateDisconnecting {
			// The radio finished an attempt we already gave up on, and no
			// newer attempt or link owns the address.
			p.e.log.Info("[BLE] tearing down stale connection", "peripheral", string(p.id))
			go func() { _ = p.e.radio.Disconnect(p.address) }()
		}
		return
	}

	if err != nil {
		var reason error
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reason = ble.ErrConnectTimeout
		case errors.Is(err, ble.ErrAdapterUnavailable):
			reason = err
		default:
			reason = &ble.ConnectError{Address: p.address, Reason: err}
		}
		p.failConnect(reason)
		return
	}

	p.finishAttempt(nil)
	p.generation++
	p.failures = 0
	p.transition(ble.StateConnected, nil)
}

func (p *peripheral) failConnect(reason error) {
	p.finishAttempt(reason)
	if !isAdapterDown(reason) {
		p.failures++
	}
	p.transition(ble.StateFailed, reason)
}

// disconnectCmd is accepted in every state.
func (p *peripheral) disconnectCmd() (ble.ConnectionState, error) {
	switch p.state {
	case ble.StateDisconnected, ble.StateDisconnecting:
		return p.state, nil

	case ble.StateConnected:
		p.transition(ble.StateDisconnecting, nil)
		if !p.e.powered.Load() {
			p.transition(ble.StateDisconnected, nil)
			return p.state, nil
		}
		gen := p.generation
		go func() {
			err := p.e.radio.Disconnect(p.address)
			p.do(func() { p.onDisconnectResult(gen, err) })
		}()
		return p.state, nil

	case ble.StateConnecting:
		p.finishAttempt(ble.ErrOperationCanceled)
	}

	// Never connected in this cycle: nothing to tear down at the radio.
	p.transition(ble.StateDisconnecting, nil)
	p.transition(ble.StateDisconnected, nil)
	return p.state, nil
}

func (p *peripheral) onDisconnectResult(gen int, err error) {
	if err != nil {
		p.e.log.Warn("[BLE] radio disconnect failed", "peripheral", string(p.id), "error", err)
	}
	if p.state == ble.StateDisconnecting && p.generation == gen {
		p.transition(ble.StateDisconnected, nil)
	}
}

// onLink handles a radio-reported link change.
func (p *peripheral) onLink(connected bool) {
	if connected {
		// Connect completion is reported through the Connect call itself.
		return
	}
	switch p.state {
	case ble.StateConnected:
		p.linkLost(ble.ErrLinkLost)
	case ble.StateDisconnecting:
		p.transition(ble.StateDisconnected, nil)
	}
}

// linkLost handles an unrequested drop of an established link.
func (p *peripheral) linkLost(reason error) {
	p.transition(ble.StateDisconnecting, reason)
	p.transition(ble.StateDisconnected, reason)
}

// onPowerLost settles the peripheral when the adapter goes away: nothing
// may stay Connected or Connecting across an outage.
func (p *peripheral) onPowerLost() {
	switch p.state {
	case ble.StateConnecting:
		p.failConnect(ble.ErrAdapterUnavailable)
	case ble.StateConnected:
		p.linkLost(ble.ErrLinkLost)
	case ble.StateDisconnecting:
		p.transition(ble.StateDisconnected, nil)
	}
}

// toggleCmd disconnects a connected peripheral and connects any other.
func (p *peripheral) toggleCmd() (ble.ConnectionState, error) {
	if p.state == ble.StateConnected {
		return p.disconnectCmd()
	}
	return p.connectCmd()
}

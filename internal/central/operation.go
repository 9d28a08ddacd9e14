package central

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chaz8081/blecentral/internal/ble"
)

// Operation is the handle of a submitted GATT transaction. It completes
// exactly once: with the adapter's result, or with ErrOperationCanceled
// when the peripheral leaves the Connected state first.
type Operation struct {
	ID         string
	Peripheral ble.PeripheralID
	Char       ble.CharacteristicID
	Kind       ble.OperationKind
	Submitted  time.Time

	done  chan struct{}
	value []byte
	err   error
	span  trace.Span
}

func newOperation(id ble.PeripheralID, char ble.CharacteristicID, kind ble.OperationKind) *Operation {
	return &Operation{
		ID:         ulid.Make().String(),
		Peripheral: id,
		Char:       char,
		Kind:       kind,
		Submitted:  time.Now(),
		done:       make(chan struct{}),
	}
}

// completedOperation returns a handle that is already done, for requests
// satisfied without touching the adapter.
func completedOperation(id ble.PeripheralID, char ble.CharacteristicID, kind ble.OperationKind) *Operation {
	op := newOperation(id, char, kind)
	close(op.done)
	return op
}

// complete is called once, by the peripheral owner.
func (o *Operation) complete(value []byte, err error) {
	o.value = value
	o.err = err
	if o.span != nil {
		if err != nil {
			o.span.RecordError(err)
			o.span.SetStatus(codes.Error, err.Error())
		}
		o.span.End()
	}
	close(o.done)
}

// Done is closed when the operation completes.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Result returns the read value (nil for writes and subscriptions) and the
// completion error. Before completion it returns ErrOperationInProgress.
func (o *Operation) Result() ([]byte, error) {
	select {
	case <-o.done:
		return o.value, o.err
	default:
		return nil, ble.ErrOperationInProgress
	}
}

// Wait blocks until the operation completes or ctx is done. Giving up on
// the wait does not cancel the operation; disconnect the peripheral for that.
func (o *Operation) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-o.done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

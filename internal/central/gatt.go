package central

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chaz8081/blecentral/internal/ble"
)

type opKey struct {
	char ble.CharacteristicID
	kind ble.OperationKind
}

// session is the GATT state of one connection. It exists only while the
// peripheral is Connected; handles and catalog die with it.
type session struct {
	generation int
	ctx        context.Context
	cancel     context.CancelFunc

	catalog   ble.ServiceCatalog
	ready     bool
	pending   map[opKey]*Operation
	notifying map[ble.CharacteristicID]bool
}

func (s *session) sortedPending() []*Operation {
	ops := make([]*Operation, 0, len(s.pending))
	for _, op := range s.pending {
		ops = append(ops, op)
	}
	// ULIDs sort in submission order.
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops
}

func (p *peripheral) beginSession() {
	ctx, cancel := context.WithCancel(p.e.ctx)
	s := &session{
		generation: p.generation,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[opKey]*Operation),
		notifying:  make(map[ble.CharacteristicID]bool),
	}
	p.session = s
	go p.discover(s.ctx, s.generation)
}

// endSession cancels every pending operation with cause and drops the
// catalog. Completions arriving later are discarded by generation.
func (p *peripheral) endSession(cause error) {
	s := p.session
	if s == nil {
		return
	}
	p.session = nil
	s.cancel()

	for _, op := range s.sortedPending() {
		err := fmt.Errorf("%w: %w", ble.ErrOperationCanceled, cause)
		if cause == ble.ErrOperationCanceled {
			err = ble.ErrOperationCanceled
		}
		op.complete(nil, err)
		p.publish(ble.EventOperationFailed, func(ev *ble.Event) {
			ev.Char = op.Char
			ev.Op = op.Kind
			ev.OperationID = op.ID
			ev.Err = err
		})
	}
	if n := len(s.pending); n > 0 {
		p.e.log.Info("[BLE] cancelled pending operations", "peripheral", string(p.id), "count", n)
	}
}

// discover resolves services first and then the characteristics of each
// service, in that order: characteristic discovery needs the handles that
// service discovery returns.
func (p *peripheral) discover(ctx context.Context, generation int) {
	ctx, span := tracer.Start(ctx, "ble.discover", trace.WithAttributes(
		attribute.String("ble.peripheral", string(p.id)),
	))
	defer span.End()

	services, err := p.e.radio.DiscoverServices(ctx, p.address)
	if err != nil {
		span.RecordError(err)
		p.do(func() { p.onDiscovered(generation, nil, fmt.Errorf("ble: discover services: %w", err)) })
		return
	}

	catalog := make(ble.ServiceCatalog, 0, len(services))
	for _, svc := range services {
		if ctx.Err() != nil {
			return
		}
		uuid := ble.NormalizeUUID(svc)
		chars, err := p.e.radio.DiscoverCharacteristics(ctx, p.address, uuid)
		if err != nil {
			span.RecordError(err)
			p.do(func() {
				p.onDiscovered(generation, catalog, fmt.Errorf("ble: discover characteristics of %s: %w", uuid, err))
			})
			return
		}
		for i := range chars {
			chars[i].UUID = ble.NormalizeUUID(chars[i].UUID)
		}
		catalog = append(catalog, ble.Service{UUID: uuid, Characteristics: chars})
	}
	p.do(func() { p.onDiscovered(generation, catalog, nil) })
}

func (p *peripheral) onDiscovered(generation int, catalog ble.ServiceCatalog, err error) {
	s := p.session
	if s == nil || s.generation != generation {
		return
	}
	s.catalog = catalog

	if err != nil {
		p.e.log.Warn("[BLE] discovery failed", "peripheral", string(p.id), "error", err)
		p.publish(ble.EventOperationFailed, func(ev *ble.Event) {
			ev.Op = ble.OpDiscover
			ev.Err = err
		})
		return
	}

	s.ready = true
	p.e.log.Info("[BLE] services discovered", "peripheral", string(p.id), "services", len(catalog))
	p.publish(ble.EventServicesDiscovered, func(ev *ble.Event) {
		ev.Catalog = catalog.Clone()
	})
}

// request is a GATT command as received from a caller.
type request struct {
	kind    ble.OperationKind
	char    ble.CharacteristicID
	payload []byte
	ack     bool
	enabled bool
}

// submit validates req against the session and hands it to the radio.
// Contract violations are returned synchronously; adapter outcomes arrive
// on the handle and as events.
func (p *peripheral) submit(req request) (*Operation, error) {
	if !p.e.powered.Load() {
		return nil, ble.ErrAdapterUnavailable
	}
	s := p.session
	if p.state != ble.StateConnected || s == nil {
		return nil, fmt.Errorf("ble: %s is %s: %w", p.id, p.state, ble.ErrNotConnected)
	}
	info, ok := s.catalog.Lookup(req.char)
	if !ok {
		return nil, fmt.Errorf("ble: %s: %w", req.char, ble.ErrUnknownCharacteristic)
	}

	key := opKey{char: req.char, kind: req.kind}
	if _, busy := s.pending[key]; busy {
		return nil, fmt.Errorf("ble: %s %s: %w", req.kind, req.char, ble.ErrOperationInProgress)
	}

	switch req.kind {
	case ble.OpWrite:
		if info.MaxWriteLen > 0 && len(req.payload) > info.MaxWriteLen {
			return nil, &ble.PayloadError{Size: len(req.payload), Max: info.MaxWriteLen}
		}
	case ble.OpSubscribe:
		if s.notifying[req.char] == req.enabled {
			return completedOperation(p.id, req.char, req.kind), nil
		}
	}

	op := newOperation(p.id, req.char, req.kind)
	s.pending[key] = op

	ctx, span := tracer.Start(s.ctx, "ble."+req.kind.String(), trace.WithAttributes(
		attribute.String("ble.peripheral", string(p.id)),
		attribute.String("ble.characteristic", req.char.String()),
		attribute.String("ble.operation_id", op.ID),
	))
	op.span = span

	gen := s.generation
	address := p.address
	radio := p.e.radio
	go func() {
		var value []byte
		var err error
		switch req.kind {
		case ble.OpRead:
			value, err = radio.Read(ctx, address, req.char)
		case ble.OpWrite:
			err = radio.Write(ctx, address, req.char, req.payload, req.ack)
		case ble.OpSubscribe:
			err = radio.Subscribe(ctx, address, req.char, req.enabled)
		}
		p.do(func() { p.onOperationDone(gen, key, op, req, value, err) })
	}()
	return op, nil
}

func (p *peripheral) onOperationDone(gen int, key opKey, op *Operation, req request, value []byte, err error) {
	s := p.session
	if s == nil || s.generation != gen || s.pending[key] != op {
		// The session this operation belonged to is gone.
		return
	}
	delete(s.pending, key)

	if err != nil {
		op.complete(nil, err)
		p.e.log.Warn("[BLE] operation failed",
			"peripheral", string(p.id),
			"op", req.kind.String(),
			"char", req.char.String(),
			"error", err,
		)
		p.publish(ble.EventOperationFailed, func(ev *ble.Event) {
			ev.Char = req.char
			ev.Op = req.kind
			ev.OperationID = op.ID
			ev.Err = err
		})
		return
	}

	switch req.kind {
	case ble.OpSubscribe:
		s.notifying[req.char] = req.enabled
	case ble.OpRead:
		p.publish(ble.EventCharacteristicUpdated, func(ev *ble.Event) {
			ev.Char = req.char
			ev.Op = ble.OpRead
			ev.OperationID = op.ID
			ev.Value = value
		})
	}
	op.complete(value, nil)
}

// onValue forwards a notification. Values for a peripheral that is no
// longer Connected belong to a dead session and are dropped.
func (p *peripheral) onValue(char ble.CharacteristicID, value []byte) {
	if p.state != ble.StateConnected || p.session == nil {
		return
	}
	p.publish(ble.EventCharacteristicUpdated, func(ev *ble.Event) {
		ev.Char = char
		ev.Op = ble.OpSubscribe
		ev.Value = value
	})
}

func (p *peripheral) catalog() (ble.ServiceCatalog, error) {
	if p.state != ble.StateConnected || p.session == nil {
		return nil, fmt.Errorf("ble: %s is %s: %w", p.id, p.state, ble.ErrNotConnected)
	}
	return p.session.catalog.Clone(), nil
}

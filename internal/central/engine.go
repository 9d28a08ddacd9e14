// Package central is the BLE central-role session engine: it turns radio
// callbacks into per-peripheral connection lifecycles and GATT sessions,
// and publishes what happens as events.
//
// Each peripheral has a single owner goroutine. Radio callbacks enter the
// engine's inbound queue and are routed to the owner; commands are posted
// to the owner too and return as soon as they are validated. Radio I/O
// always runs on separate goroutines whose completions are posted back.
package central

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/ble/eventbus"
	"github.com/chaz8081/blecentral/internal/ble/ident"
	"github.com/chaz8081/blecentral/internal/ble/registry"
)

var tracer = otel.Tracer("github.com/chaz8081/blecentral/internal/central")

// inboundSize bounds the queue between radio callbacks and the router.
const inboundSize = 256

// Engine is the headless BLE central. Safe for concurrent use.
type Engine struct {
	radio    ble.Radio
	opts     Options
	log      *slog.Logger
	registry *registry.Registry
	bus      *eventbus.Bus

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	inbound chan ble.RadioEvent

	mu          sync.Mutex
	peripherals map[ble.PeripheralID]*peripheral

	powered atomic.Bool
	closed  atomic.Bool
	scan    scanControl
}

// New creates an engine driving radio and starts its inbound router. Call
// Start to power on the adapter.
func New(radio ble.Radio, opts Options) (*Engine, error) {
	if radio == nil {
		return nil, fmt.Errorf("ble: New called with nil radio")
	}
	opts = opts.withDefaults()
	ids := opts.IDs
	if ids == nil {
		var err error
		if ids, err = ident.NewDeriver(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		radio:       radio,
		opts:        opts,
		log:         opts.Logger,
		registry:    registry.New(ids),
		bus:         eventbus.New(opts.Logger, opts.EventBuffer),
		ctx:         ctx,
		cancel:      cancel,
		inbound:     make(chan ble.RadioEvent, inboundSize),
		peripherals: make(map[ble.PeripheralID]*peripheral),
	}
	e.scan.limiter = rate.NewLimiter(
		rate.Every(opts.ScanWindow/timeDivisor(opts.ScanStartsPerWindow)),
		opts.ScanStartsPerWindow,
	)

	radio.SetEventHandler(e.post)
	e.wg.Add(1)
	go e.route()
	return e, nil
}

// Start powers on the adapter. On failure the engine stays usable and
// waits for the radio to report powered-on.
func (e *Engine) Start() error {
	if e.closed.Load() {
		return ble.ErrClosed
	}
	if err := e.radio.Enable(); err != nil {
		e.log.Error("[BLE] adapter enable failed", "error", err)
		return fmt.Errorf("%w: %v", ble.ErrAdapterUnavailable, err)
	}
	e.setPowered(true)
	return nil
}

// post is the radio's callback: it enqueues ev for the router.
func (e *Engine) post(ev ble.RadioEvent) {
	select {
	case e.inbound <- ev:
	case <-e.ctx.Done():
	}
}

func (e *Engine) route() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.inbound:
			e.dispatch(ev)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) dispatch(ev ble.RadioEvent) {
	switch ev.Type {
	case ble.RadioAdvertisement:
		p := e.peripheralFor(ev.Advertisement.Address)
		// Upsert here rather than on the owner so the registry records
		// sightings in the order the radio reported them.
		if _, created := e.registry.Upsert(ev.Advertisement); created {
			p.do(p.onSighted)
		}

	case ble.RadioConnectionChanged:
		if p, ok := e.lookup(e.registry.IDFor(ev.Address)); ok {
			connected := ev.Connected
			p.do(func() { p.onLink(connected) })
		}

	case ble.RadioValueUpdated:
		if p, ok := e.lookup(e.registry.IDFor(ev.Address)); ok {
			char, value := ev.Char, ev.Value
			p.do(func() { p.onValue(char, value) })
		}

	case ble.RadioPowerChanged:
		e.setPowered(ev.PoweredOn)
	}
}

func (e *Engine) setPowered(on bool) {
	if e.powered.Swap(on) == on {
		return
	}
	if !on {
		e.log.Warn("[BLE] adapter powered off")
		e.bus.Publish(ble.NewEvent(ble.EventAdapterPoweredOff, ""))
		e.scan.pause()
		for _, p := range e.snapshotPeripherals() {
			p.do(p.onPowerLost)
		}
		return
	}
	e.log.Info("[BLE] adapter powered on")
	e.bus.Publish(ble.NewEvent(ble.EventAdapterPoweredOn, ""))
	e.resumeScan()
}

// peripheralFor returns the owner for address, creating it on first sight.
func (e *Engine) peripheralFor(address string) *peripheral {
	id := e.registry.IDFor(address)
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peripherals[id]; ok {
		return p
	}
	p := newPeripheral(e, id, address)
	e.peripherals[id] = p
	e.wg.Add(1)
	go p.run()
	return p
}

func (e *Engine) lookup(id ble.PeripheralID) (*peripheral, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peripherals[id]
	return p, ok
}

func (e *Engine) snapshotPeripherals() []*peripheral {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*peripheral, 0, len(e.peripherals))
	for _, p := range e.peripherals {
		out = append(out, p)
	}
	return out
}

func (e *Engine) owner(id ble.PeripheralID) (*peripheral, error) {
	if e.closed.Load() {
		return nil, ble.ErrClosed
	}
	p, ok := e.lookup(id)
	if !ok {
		return nil, fmt.Errorf("ble: %s: %w", id, ble.ErrUnknownPeripheral)
	}
	return p, nil
}

// IDFor returns the id under which sightings of address are recorded.
func (e *Engine) IDFor(address string) ble.PeripheralID {
	return e.registry.IDFor(address)
}

// Connect starts connecting to id, or retries after a failure. While an
// attempt is in flight, or once connected, it returns the current state
// without a new attempt.
func (e *Engine) Connect(id ble.PeripheralID) (ble.ConnectionState, error) {
	p, err := e.owner(id)
	if err != nil {
		return 0, err
	}
	return call(p, p.connectCmd)
}

// Disconnect is accepted in every state. It cancels an in-flight connect
// and every pending GATT operation of id.
func (e *Engine) Disconnect(id ble.PeripheralID) (ble.ConnectionState, error) {
	p, err := e.owner(id)
	if err != nil {
		return 0, err
	}
	return call(p, p.disconnectCmd)
}

// Toggle disconnects id when connected and connects it otherwise.
func (e *Engine) Toggle(id ble.PeripheralID) (ble.ConnectionState, error) {
	p, err := e.owner(id)
	if err != nil {
		return 0, err
	}
	return call(p, p.toggleCmd)
}

// Read submits a read of char.
func (e *Engine) Read(id ble.PeripheralID, char ble.CharacteristicID) (*Operation, error) {
	return e.submit(id, request{kind: ble.OpRead, char: char})
}

// Write submits a write of payload to char. Payloads over the
// characteristic's maximum fail with ErrPayloadTooLarge before reaching
// the adapter.
func (e *Engine) Write(id ble.PeripheralID, char ble.CharacteristicID, payload []byte, ackRequired bool) (*Operation, error) {
	data := make([]byte, len(payload))
	copy(data, payload)
	return e.submit(id, request{kind: ble.OpWrite, char: char, payload: data, ack: ackRequired})
}

// SetNotify subscribes to or unsubscribes from char. Asking for the
// current subscription state succeeds without touching the adapter.
func (e *Engine) SetNotify(id ble.PeripheralID, char ble.CharacteristicID, enabled bool) (*Operation, error) {
	return e.submit(id, request{kind: ble.OpSubscribe, char: char, enabled: enabled})
}

func (e *Engine) submit(id ble.PeripheralID, req request) (*Operation, error) {
	p, err := e.owner(id)
	if err != nil {
		return nil, err
	}
	return call(p, func() (*Operation, error) { return p.submit(req) })
}

// ListDevices returns every discovered peripheral in discovery order.
func (e *Engine) ListDevices() []ble.PeripheralRecord {
	return e.registry.List()
}

// Device returns the record of id.
func (e *Engine) Device(id ble.PeripheralID) (ble.PeripheralRecord, bool) {
	return e.registry.Get(id)
}

// State returns the connection state of id.
func (e *Engine) State(id ble.PeripheralID) (ble.ConnectionState, bool) {
	rec, ok := e.registry.Get(id)
	return rec.State, ok
}

// IsConnecting reports whether a connect attempt to id is in flight.
func (e *Engine) IsConnecting(id ble.PeripheralID) bool {
	state, ok := e.State(id)
	return ok && state == ble.StateConnecting
}

// Catalog returns the services of a connected peripheral. It is empty until
// discovery finishes.
func (e *Engine) Catalog(id ble.PeripheralID) (ble.ServiceCatalog, error) {
	p, err := e.owner(id)
	if err != nil {
		return nil, err
	}
	return call(p, p.catalog)
}

// Subscribe registers handler for the given event types (all when none
// are given). Returns an unsubscribe function.
func (e *Engine) Subscribe(handler ble.EventHandler, types ...ble.EventType) func() {
	return e.bus.Subscribe(handler, types...)
}

// SubscribeAll registers handler for every event.
func (e *Engine) SubscribeAll(handler ble.EventHandler) func() {
	return e.bus.SubscribeAll(handler)
}

// DroppedEvents returns how many events were discarded because a
// subscriber's queue was full.
func (e *Engine) DroppedEvents() uint64 {
	return e.bus.Dropped()
}

// Close stops scanning, stops every owner goroutine, completes pending
// operations with ErrClosed and drains subscribers. Idempotent.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.scan.mu.Lock()
	if e.scan.active {
		if err := e.radio.StopScan(); err != nil {
			e.log.Warn("[BLE] stop scan on close failed", "error", err)
		}
		e.scan.active = false
	}
	e.scan.want = false
	e.scan.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	for _, p := range e.snapshotPeripherals() {
		p.shutdown()
	}
	e.bus.Close()
	return nil
}

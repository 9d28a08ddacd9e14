package central

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chaz8081/blecentral/internal/ble"
)

const (
	heartRateService = "0000180d-0000-1000-8000-00805f9b34fb"
	batteryService   = "0000180f-0000-1000-8000-00805f9b34fb"
	heartRateMeasure = "00002a37-0000-1000-8000-00805f9b34fb"
	controlPoint     = "00002a39-0000-1000-8000-00805f9b34fb"
	batteryLevel     = "00002a19-0000-1000-8000-00805f9b34fb"
)

var (
	measureChar = ble.NewCharacteristicID(heartRateService, heartRateMeasure)
	controlChar = ble.NewCharacteristicID(heartRateService, controlPoint)
	batteryChar = ble.NewCharacteristicID(batteryService, batteryLevel)
)

// mockRadio is a scriptable ble.Radio. Hooks replace the default
// immediate-success behavior; counters record every call.
type mockRadio struct {
	mu      sync.Mutex
	handler func(ble.RadioEvent)

	enableErr error
	services  []string
	chars     map[string][]ble.CharacteristicInfo

	connectFn   func(ctx context.Context, address string) error
	readFn      func(ctx context.Context, char ble.CharacteristicID) ([]byte, error)
	writeFn     func(ctx context.Context, char ble.CharacteristicID, data []byte) error
	subscribeFn func(ctx context.Context, char ble.CharacteristicID, enabled bool) error

	enableCalls     int
	startScanCalls  int
	stopScanCalls   int
	connectCalls    int
	disconnectCalls int
	discoverCalls   []string // "services" or a service uuid, in call order
	readCalls       int
	writeCalls      int
	subscribeCalls  int
	written         [][]byte
}

func newMockRadio() *mockRadio {
	return &mockRadio{
		services: []string{heartRateService, batteryService},
		chars: map[string][]ble.CharacteristicInfo{
			heartRateService: {
				{UUID: heartRateMeasure, Properties: ble.PropRead | ble.PropNotify, MaxWriteLen: 20},
				{UUID: controlPoint, Properties: ble.PropWrite, MaxWriteLen: 20},
			},
			batteryService: {
				{UUID: batteryLevel, Properties: ble.PropRead | ble.PropNotify, MaxWriteLen: 20},
			},
		},
	}
}

func (m *mockRadio) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enableCalls++
	return m.enableErr
}

func (m *mockRadio) StartScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startScanCalls++
	return nil
}

func (m *mockRadio) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopScanCalls++
	return nil
}

func (m *mockRadio) Connect(ctx context.Context, address string) error {
	m.mu.Lock()
	m.connectCalls++
	fn := m.connectFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, address)
	}
	return nil
}

func (m *mockRadio) Disconnect(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectCalls++
	return nil
}

func (m *mockRadio) DiscoverServices(ctx context.Context, address string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoverCalls = append(m.discoverCalls, "services")
	return append([]string(nil), m.services...), nil
}

func (m *mockRadio) DiscoverCharacteristics(ctx context.Context, address, service string) ([]ble.CharacteristicInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoverCalls = append(m.discoverCalls, service)
	return append([]ble.CharacteristicInfo(nil), m.chars[service]...), nil
}

func (m *mockRadio) Read(ctx context.Context, address string, char ble.CharacteristicID) ([]byte, error) {
	m.mu.Lock()
	m.readCalls++
	fn := m.readFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, char)
	}
	return []byte{0x64}, nil
}

func (m *mockRadio) Write(ctx context.Context, address string, char ble.CharacteristicID, data []byte, ackRequired bool) error {
	m.mu.Lock()
	m.writeCalls++
	cp := make([]byte, len(data))
	copy(cp, data)
	m.written = append(m.written, cp)
	fn := m.writeFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, char, data)
	}
	return nil
}

func (m *mockRadio) Subscribe(ctx context.Context, address string, char ble.CharacteristicID, enabled bool) error {
	m.mu.Lock()
	m.subscribeCalls++
	fn := m.subscribeFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, char, enabled)
	}
	return nil
}

func (m *mockRadio) SetEventHandler(handler func(ble.RadioEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *mockRadio) emit(ev ble.RadioEvent) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// SimulateAdvertisement reports a sighting of address.
func (m *mockRadio) SimulateAdvertisement(address, name string, rssi int) {
	m.emit(ble.RadioEvent{
		Type: ble.RadioAdvertisement,
		Advertisement: ble.Advertisement{
			Address: address,
			Name:    name,
			RSSI:    rssi,
			SeenAt:  time.Now(),
		},
	})
}

// SimulateLinkLoss reports that the link to address dropped.
func (m *mockRadio) SimulateLinkLoss(address string) {
	m.emit(ble.RadioEvent{Type: ble.RadioConnectionChanged, Address: address, Connected: false})
}

// SimulatePower reports an adapter power change.
func (m *mockRadio) SimulatePower(on bool) {
	m.emit(ble.RadioEvent{Type: ble.RadioPowerChanged, PoweredOn: on})
}

// SimulateNotification reports a value pushed by the peripheral.
func (m *mockRadio) SimulateNotification(address string, char ble.CharacteristicID, value []byte) {
	m.emit(ble.RadioEvent{Type: ble.RadioValueUpdated, Address: address, Char: char, Value: value})
}

func (m *mockRadio) counts() (connect, disconnect, read, write, subscribe int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls, m.disconnectCalls, m.readCalls, m.writeCalls, m.subscribeCalls
}

func (m *mockRadio) scanCalls() (start, stop int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startScanCalls, m.stopScanCalls
}

// recorder captures every published event.
type recorder struct {
	mu     sync.Mutex
	events []ble.Event
}

func (r *recorder) add(ev ble.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) filter(t ble.EventType, id ble.PeripheralID) []ble.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ble.Event
	for _, ev := range r.events {
		if ev.Type == t && ev.Peripheral == id {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(t ble.EventType, id ble.PeripheralID) int {
	return len(r.filter(t, id))
}

// states returns the states id entered, in order.
func (r *recorder) states(id ble.PeripheralID) []ble.ConnectionState {
	var out []ble.ConnectionState
	for _, ev := range r.filter(ble.EventStateChanged, id) {
		out = append(out, ev.State)
	}
	return out
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.AutoScan = false
	return opts
}

// startEngine builds and starts an engine over radio with an event
// recorder attached. The engine is closed when the test ends.
func startEngine(t *testing.T, radio *mockRadio, opts Options) (*Engine, *recorder) {
	t.Helper()
	e, err := New(radio, opts)
	require.NoError(t, err)
	rec := &recorder{}
	e.SubscribeAll(rec.add)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Close() })
	return e, rec
}

// sight advertises address and waits until the registry knows it.
func sight(t *testing.T, e *Engine, radio *mockRadio, address string) ble.PeripheralID {
	t.Helper()
	radio.SimulateAdvertisement(address, "dev-"+address, -50)
	id := e.IDFor(address)
	require.Eventually(t, func() bool {
		_, ok := e.Device(id)
		return ok
	}, waitFor, tick)
	return id
}

// connectReady connects id and waits for its catalog.
func connectReady(t *testing.T, e *Engine, rec *recorder, id ble.PeripheralID) {
	t.Helper()
	want := rec.count(ble.EventServicesDiscovered, id) + 1
	_, err := e.Connect(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rec.count(ble.EventServicesDiscovered, id) >= want
	}, waitFor, tick)
}

func waitState(t *testing.T, e *Engine, id ble.PeripheralID, want ble.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, _ := e.State(id)
		return state == want
	}, waitFor, tick, "state never became %s", want)
}

package ble

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType tags an Event.
type EventType string

const (
	EventDeviceDiscovered      EventType = "device_discovered"
	EventStateChanged          EventType = "state_changed"
	EventServicesDiscovered    EventType = "services_discovered"
	EventCharacteristicUpdated EventType = "characteristic_updated"
	EventOperationFailed       EventType = "operation_failed"
	EventAdapterPoweredOff     EventType = "adapter_powered_off"
	EventAdapterPoweredOn      EventType = "adapter_powered_on"
)

// OperationKind identifies the GATT transaction an event or handle refers to.
type OperationKind int

const (
	OpRead OperationKind = iota + 1
	OpWrite
	OpSubscribe
	OpDiscover
)

func (k OperationKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSubscribe:
		return "subscribe"
	case OpDiscover:
		return "discover"
	default:
		return "unknown"
	}
}

// Event is an immutable notification published by the engine.
type Event struct {
	ID         string
	Type       EventType
	Peripheral PeripheralID
	Timestamp  time.Time

	// StateChanged
	State     ConnectionState
	PrevState ConnectionState

	// CharacteristicUpdated, OperationFailed
	Char        CharacteristicID
	Value       []byte
	Op          OperationKind
	OperationID string

	// ServicesDiscovered
	Catalog ServiceCatalog

	// DeviceDiscovered
	Record PeripheralRecord

	// StateChanged into Failed or after a link loss, OperationFailed
	Err error
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t EventType, id PeripheralID) Event {
	return Event{
		ID:         ulid.Make().String(),
		Type:       t,
		Peripheral: id,
		Timestamp:  time.Now(),
	}
}

// EventHandler receives published events.
type EventHandler func(Event)

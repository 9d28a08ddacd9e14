package ble

import (
	"strings"
	"time"
)

// PeripheralID is the opaque, process-stable identifier of a physical device.
type PeripheralID string

// ConnectionState is the lifecycle state of a peripheral.
type ConnectionState int

const (
	StateDiscovered ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PeripheralRecord is a snapshot of what the engine knows about a device.
type PeripheralRecord struct {
	ID           PeripheralID
	Address      string
	Name         string // empty when never advertised
	RSSI         int
	ServiceUUIDs []string
	State        ConnectionState
	// Reason is set while State is StateFailed, and on StateDisconnected
	// after a link loss.
	Reason       error
	DiscoveredAt time.Time
	LastSeen     time.Time
	// Generation counts successful connections; a reconnection supersedes
	// everything tied to the previous generation.
	Generation int
	Failures   int
	RetryAfter time.Duration
}

// CharacteristicID addresses a characteristic within a service.
type CharacteristicID struct {
	Service        string
	Characteristic string
}

// NewCharacteristicID builds an id from UUID strings in any common form.
func NewCharacteristicID(service, characteristic string) CharacteristicID {
	return CharacteristicID{
		Service:        NormalizeUUID(service),
		Characteristic: NormalizeUUID(characteristic),
	}
}

func (c CharacteristicID) String() string {
	return c.Service + "/" + c.Characteristic
}

// NormalizeUUID lower-cases a UUID string and trims surrounding space, so
// that ids coming from configuration, the CLI and the radio compare equal.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.TrimSpace(uuid))
}

// Service is one service of a catalog with its characteristics in
// discovery order.
type Service struct {
	UUID            string
	Characteristics []CharacteristicInfo
}

// ServiceCatalog lists a connected peripheral's services in discovery order.
type ServiceCatalog []Service

// Lookup finds a characteristic in the catalog.
func (c ServiceCatalog) Lookup(id CharacteristicID) (CharacteristicInfo, bool) {
	for _, svc := range c {
		if svc.UUID != id.Service {
			continue
		}
		for _, ch := range svc.Characteristics {
			if ch.UUID == id.Characteristic {
				return ch, true
			}
		}
	}
	return CharacteristicInfo{}, false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c ServiceCatalog) Clone() ServiceCatalog {
	if c == nil {
		return nil
	}
	out := make(ServiceCatalog, len(c))
	for i, svc := range c {
		out[i] = Service{
			UUID:            svc.UUID,
			Characteristics: append([]CharacteristicInfo(nil), svc.Characteristics...),
		}
	}
	return out
}

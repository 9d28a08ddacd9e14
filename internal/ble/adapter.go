// Package ble defines the boundary between the central session engine and
// the platform Bluetooth Low Energy stack: the Radio capability surface, the
// events a radio reports, and the shared peripheral, catalog and event types
// consumed by the engine and its subscribers.
package ble

import (
	"context"
	"time"
)

// Properties is the GATT characteristic property bitmask.
type Properties uint8

const (
	PropBroadcast Properties = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

// Has reports whether all bits of q are set in p.
func (p Properties) Has(q Properties) bool { return p&q == q }

// CharacteristicInfo describes a characteristic found during discovery.
type CharacteristicInfo struct {
	UUID       string
	Properties Properties
	// MaxWriteLen is the largest payload the peripheral accepts for a write.
	// Zero means the radio could not report a limit.
	MaxWriteLen int
}

// Advertisement is one advertisement sighting reported by the radio.
type Advertisement struct {
	Address      string
	Name         string
	RSSI         int
	ServiceUUIDs []string
	SeenAt       time.Time
}

// RadioEventType tags a RadioEvent.
type RadioEventType int

const (
	RadioAdvertisement RadioEventType = iota + 1
	RadioConnectionChanged
	RadioPowerChanged
	RadioValueUpdated
)

// RadioEvent is a callback from the platform stack. Only the fields relevant
// to Type are set.
type RadioEvent struct {
	Type          RadioEventType
	Advertisement Advertisement
	Address       string
	Connected     bool
	PoweredOn     bool
	Char          CharacteristicID
	Value         []byte
}

// Radio abstracts the platform BLE stack. Blocking calls are made by the
// engine from its own goroutines; implementations need not be asynchronous.
type Radio interface {
	// Enable powers on the adapter.
	Enable() error
	// StartScan begins reporting advertisements. Idempotent.
	StartScan() error
	// StopScan stops reporting advertisements. Idempotent.
	StopScan() error
	// Connect establishes a link to address. The attempt is abandoned when
	// ctx is done.
	Connect(ctx context.Context, address string) error
	// Disconnect tears down the link to address. Disconnecting an address
	// with no link is not an error.
	Disconnect(address string) error
	// DiscoverServices lists all primary service UUIDs.
	DiscoverServices(ctx context.Context, address string) ([]string, error)
	// DiscoverCharacteristics lists the characteristics of a discovered service.
	DiscoverCharacteristics(ctx context.Context, address, service string) ([]CharacteristicInfo, error)
	// Read returns the current value of a characteristic.
	Read(ctx context.Context, address string, char CharacteristicID) ([]byte, error)
	// Write sends data, waiting for the peripheral's acknowledgement when
	// ackRequired is set.
	Write(ctx context.Context, address string, char CharacteristicID, data []byte, ackRequired bool) error
	// Subscribe enables or disables notifications. Values are reported as
	// RadioValueUpdated events.
	Subscribe(ctx context.Context, address string, char CharacteristicID, enabled bool) error
	// SetEventHandler registers the single receiver of radio callbacks.
	SetEventHandler(handler func(RadioEvent))
}

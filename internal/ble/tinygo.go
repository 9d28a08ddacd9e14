//go:build linux || darwin || windows

package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// maxAttributeLen is the largest attribute value the ATT protocol allows.
const maxAttributeLen = 512

// TinyGoRadio implements Radio over tinygo-org/bluetooth (BlueZ on Linux,
// CoreBluetooth on macOS, WinRT on Windows). On macOS addresses are
// CoreBluetooth UUIDs rather than MAC addresses; the engine treats both as
// opaque strings.
type TinyGoRadio struct {
	adapter *bluetooth.Adapter

	mu       sync.Mutex
	handler  func(RadioEvent)
	scanning bool
	// scanDone is closed when the running Scan call returns.
	scanDone chan struct{}
	devices  map[string]*tinygoLink // keyed by address string
}

type tinygoLink struct {
	device   bluetooth.Device
	services map[string]bluetooth.DeviceService
	// Pointers: BlueZ keeps notification state on the characteristic.
	chars    map[CharacteristicID]*bluetooth.DeviceCharacteristic
}

// NewTinyGoRadio wraps the platform default adapter.
func NewTinyGoRadio() *TinyGoRadio {
	return &TinyGoRadio{
		adapter: bluetooth.DefaultAdapter,
		devices: make(map[string]*tinygoLink),
	}
}

func (r *TinyGoRadio) SetEventHandler(handler func(RadioEvent)) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
}

func (r *TinyGoRadio) emit(ev RadioEvent) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (r *TinyGoRadio) Enable() error {
	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// The connect handler fires with connected=false when a peripheral
	// drops, including drops we did not request.
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := device.Address.String()
		if !connected {
			r.mu.Lock()
			delete(r.devices, addr)
			r.mu.Unlock()
		}
		r.emit(RadioEvent{Type: RadioConnectionChanged, Address: addr, Connected: connected})
	})

	// tinygo exposes no power-state callback; a successful Enable is the
	// only powered-on signal available.
	r.emit(RadioEvent{Type: RadioPowerChanged, PoweredOn: true})
	return nil
}

func (r *TinyGoRadio) StartScan() error {
	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return nil
	}
	r.scanning = true
	done := make(chan struct{})
	r.scanDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			r.emit(RadioEvent{
				Type: RadioAdvertisement,
				Advertisement: Advertisement{
					Address: result.Address.String(),
					Name:    result.LocalName(),
					RSSI:    int(result.RSSI),
					SeenAt:  time.Now(),
				},
			})
		})
		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
		if err != nil {
			// Scan returning an error outside StopScan means the stack
			// stopped underneath us; report it as a power loss.
			r.emit(RadioEvent{Type: RadioPowerChanged, PoweredOn: false})
		}
	}()
	return nil
}

func (r *TinyGoRadio) StopScan() error {
	r.mu.Lock()
	scanning, done := r.scanning, r.scanDone
	r.mu.Unlock()
	if !scanning {
		return nil
	}
	if err := r.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	// Wait for Scan to return so an immediate StartScan is not mistaken
	// for a scan already running.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func (r *TinyGoRadio) Connect(ctx context.Context, address string) error {
	var addr bluetooth.Address
	addr.Set(address)

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	// Connect blocks with its own timeout. Wrap it so ctx cancellation
	// returns immediately; a connection completing after that is torn down.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := r.adapter.Connect(addr, params)
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		r.mu.Lock()
		r.devices[address] = &tinygoLink{
			device:   res.device,
			services: make(map[string]bluetooth.DeviceService),
			chars:    make(map[CharacteristicID]*bluetooth.DeviceCharacteristic),
		}
		r.mu.Unlock()
		return nil
	}
}

func (r *TinyGoRadio) Disconnect(address string) error {
	r.mu.Lock()
	link, ok := r.devices[address]
	delete(r.devices, address)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return link.device.Disconnect()
}

func (r *TinyGoRadio) link(address string) (*tinygoLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.devices[address]
	if !ok {
		return nil, fmt.Errorf("ble: %s: %w", address, ErrNotConnected)
	}
	return link, nil
}

func (r *TinyGoRadio) DiscoverServices(ctx context.Context, address string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	link, err := r.link(address)
	if err != nil {
		return nil, err
	}
	svcs, err := link.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	uuids := make([]string, 0, len(svcs))
	r.mu.Lock()
	for _, svc := range svcs {
		uuid := NormalizeUUID(svc.UUID().String())
		link.services[uuid] = svc
		uuids = append(uuids, uuid)
	}
	r.mu.Unlock()
	return uuids, nil
}

func (r *TinyGoRadio) DiscoverCharacteristics(ctx context.Context, address, service string) ([]CharacteristicInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	link, err := r.link(address)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	svc, ok := link.services[service]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble: service %s not discovered", service)
	}

	chars, err := svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}

	infos := make([]CharacteristicInfo, 0, len(chars))
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range chars {
		ch := &chars[i]
		uuid := NormalizeUUID(ch.UUID().String())
		link.chars[CharacteristicID{Service: service, Characteristic: uuid}] = ch
		info := CharacteristicInfo{
			UUID:        uuid,
			Properties:  characteristicProperties(ch),
			MaxWriteLen: maxAttributeLen,
		}
		if mtu, err := ch.GetMTU(); err == nil && mtu > 3 {
			// ATT write header is 3 bytes.
			info.MaxWriteLen = int(mtu) - 3
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (r *TinyGoRadio) characteristic(address string, char CharacteristicID) (*bluetooth.DeviceCharacteristic, error) {
	link, err := r.link(address)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := link.chars[char]
	if !ok {
		return nil, fmt.Errorf("ble: %s: %w", char, ErrUnknownCharacteristic)
	}
	return ch, nil
}

func (r *TinyGoRadio) Read(ctx context.Context, address string, char CharacteristicID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := r.characteristic(address, char)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, maxAttributeLen)
	n, err := ch.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("ble: read %s: %w", char, err)
	}
	// BlueZ reports the full value length even when it exceeds buf.
	return buf[:min(n, len(buf))], nil
}

func (r *TinyGoRadio) Write(ctx context.Context, address string, char CharacteristicID, data []byte, ackRequired bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := r.characteristic(address, char)
	if err != nil {
		return err
	}
	if ackRequired {
		err = writeWithResponse(ch, data)
	} else {
		_, err = ch.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("ble: write %s: %w", char, err)
	}
	return nil
}

func (r *TinyGoRadio) Subscribe(ctx context.Context, address string, char CharacteristicID, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := r.characteristic(address, char)
	if err != nil {
		return err
	}
	if !enabled {
		return ch.EnableNotifications(nil)
	}
	return ch.EnableNotifications(func(buf []byte) {
		value := make([]byte, len(buf))
		copy(value, buf)
		r.emit(RadioEvent{Type: RadioValueUpdated, Address: address, Char: char, Value: value})
	})
}

// Compile-time check that TinyGoRadio implements Radio.
var _ Radio = (*TinyGoRadio)(nil)

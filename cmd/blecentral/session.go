package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/central"
)

type writeRequest struct {
	char ble.CharacteristicID
	data []byte
	ack  bool
}

// plan is what to do once connected. The engine never reads, writes or
// subscribes on its own.
type plan struct {
	reads  []ble.CharacteristicID
	writes []writeRequest
	notify []ble.CharacteristicID
}

func parsePlan(reads, writes, notifies []string) (plan, error) {
	var p plan
	for _, s := range reads {
		char, err := parseChar(s)
		if err != nil {
			return p, fmt.Errorf("--read %q: %w", s, err)
		}
		p.reads = append(p.reads, char)
	}
	for _, s := range writes {
		w, err := parseWrite(s)
		if err != nil {
			return p, fmt.Errorf("--write %q: %w", s, err)
		}
		p.writes = append(p.writes, w)
	}
	for _, s := range notifies {
		char, err := parseChar(s)
		if err != nil {
			return p, fmt.Errorf("--notify %q: %w", s, err)
		}
		p.notify = append(p.notify, char)
	}
	return p, nil
}

// parseChar parses "service/characteristic".
func parseChar(s string) (ble.CharacteristicID, error) {
	svc, char, ok := strings.Cut(s, "/")
	if !ok || strings.TrimSpace(svc) == "" || strings.TrimSpace(char) == "" {
		return ble.CharacteristicID{}, errors.New("want service/characteristic")
	}
	return ble.NewCharacteristicID(svc, char), nil
}

// parseWrite parses "service/characteristic=hex", with a trailing "!"
// selecting write without response.
func parseWrite(s string) (writeRequest, error) {
	target, payload, ok := strings.Cut(s, "=")
	if !ok {
		return writeRequest{}, errors.New("want service/characteristic=hex")
	}
	char, err := parseChar(target)
	if err != nil {
		return writeRequest{}, err
	}
	ack := true
	if strings.HasSuffix(payload, "!") {
		ack = false
		payload = strings.TrimSuffix(payload, "!")
	}
	data, err := hex.DecodeString(strings.TrimPrefix(payload, "0x"))
	if err != nil {
		return writeRequest{}, fmt.Errorf("payload: %w", err)
	}
	return writeRequest{char: char, data: data, ack: ack}, nil
}

// matchDevice finds target among devices by id, address or advertised name.
func matchDevice(devices []ble.PeripheralRecord, target string) (ble.PeripheralID, bool) {
	for _, d := range devices {
		if string(d.ID) == target || strings.EqualFold(d.Address, target) {
			return d.ID, true
		}
	}
	for _, d := range devices {
		if d.Name != "" && d.Name == target {
			return d.ID, true
		}
	}
	return "", false
}

func waitForDevice(ctx context.Context, engine *central.Engine, target string, within time.Duration) (ble.PeripheralID, error) {
	deadline := time.After(within)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if id, ok := matchDevice(engine.ListDevices(), target); ok {
			return id, nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return "", fmt.Errorf("%q not seen within %s", target, within)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// run connects to target, prints its catalog, executes p, and disconnects.
// With subscriptions it stays connected until interrupted or the link drops.
func run(ctx context.Context, engine *central.Engine, out *printer, target string, within time.Duration, p plan) error {
	id, err := waitForDevice(ctx, engine, target, within)
	if err != nil {
		return err
	}
	if err := engine.Scan(false); err != nil {
		log.Printf("stop scan: %v", err)
	}

	lifecycle := make(chan ble.Event, 16)
	unsubscribe := engine.Subscribe(func(ev ble.Event) {
		if ev.Peripheral != id {
			return
		}
		select {
		case lifecycle <- ev:
		default:
		}
	}, ble.EventServicesDiscovered, ble.EventStateChanged, ble.EventOperationFailed)
	defer unsubscribe()

	if _, err := engine.Connect(id); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	catalog, err := waitReady(ctx, lifecycle)
	if err != nil {
		return err
	}
	out.Catalog(catalog)

	defer func() {
		if _, err := engine.Disconnect(id); err != nil {
			log.Printf("disconnect: %v", err)
		}
	}()

	var ops []*central.Operation
	for _, char := range p.reads {
		op, err := engine.Read(id, char)
		if err != nil {
			return fmt.Errorf("read %s: %w", char, err)
		}
		ops = append(ops, op)
	}
	for _, w := range p.writes {
		op, err := engine.Write(id, w.char, w.data, w.ack)
		if err != nil {
			return fmt.Errorf("write %s: %w", w.char, err)
		}
		ops = append(ops, op)
	}
	for _, char := range p.notify {
		op, err := engine.SetNotify(id, char, true)
		if err != nil {
			return fmt.Errorf("notify %s: %w", char, err)
		}
		ops = append(ops, op)
	}

	var failed error
	for _, op := range ops {
		if _, err := op.Wait(ctx); err != nil {
			failed = errors.Join(failed, fmt.Errorf("%s %s: %w", op.Kind, op.Char, err))
		}
	}
	if failed != nil || len(p.notify) == 0 {
		return failed
	}

	log.Println("Listening for notifications. Ctrl+C to quit.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-lifecycle:
			if ev.Type == ble.EventStateChanged && ev.State != ble.StateConnected {
				return fmt.Errorf("peripheral %s: %v", ev.State, ev.Err)
			}
		}
	}
}

// waitReady waits for the catalog of a connect in progress.
func waitReady(ctx context.Context, lifecycle <-chan ble.Event) (ble.ServiceCatalog, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-lifecycle:
			switch {
			case ev.Type == ble.EventServicesDiscovered:
				return ev.Catalog, nil
			case ev.Type == ble.EventOperationFailed && ev.Op == ble.OpDiscover:
				return nil, ev.Err
			case ev.Type == ble.EventStateChanged && (ev.State == ble.StateFailed || ev.State == ble.StateDisconnected):
				return nil, fmt.Errorf("connect: peripheral %s: %v", ev.State, ev.Err)
			}
		}
	}
}

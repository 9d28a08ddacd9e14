package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/chaz8081/blecentral/internal/ble"
)

// eventView is the JSON shape of an event.
type eventView struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Peripheral  string `json:"peripheral,omitempty"`
	Time        string `json:"time"`
	State       string `json:"state,omitempty"`
	PrevState   string `json:"prev_state,omitempty"`
	Char        string `json:"characteristic,omitempty"`
	Value       string `json:"value,omitempty"`
	Op          string `json:"op,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	Name        string `json:"name,omitempty"`
	RSSI        int    `json:"rssi,omitempty"`
	Services    int    `json:"services,omitempty"`
	Error       string `json:"error,omitempty"`
}

type deviceView struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	RSSI    int    `json:"rssi"`
	State   string `json:"state"`
}

func newEventView(ev ble.Event) eventView {
	v := eventView{
		ID:          ev.ID,
		Type:        string(ev.Type),
		Peripheral:  string(ev.Peripheral),
		Time:        ev.Timestamp.Format(time.RFC3339Nano),
		OperationID: ev.OperationID,
	}
	switch ev.Type {
	case ble.EventStateChanged:
		v.State = ev.State.String()
		v.PrevState = ev.PrevState.String()
	case ble.EventDeviceDiscovered:
		v.Name = ev.Record.Name
		v.RSSI = ev.Record.RSSI
	case ble.EventServicesDiscovered:
		v.Services = len(ev.Catalog)
	case ble.EventCharacteristicUpdated, ble.EventOperationFailed:
		if ev.Char != (ble.CharacteristicID{}) {
			v.Char = ev.Char.String()
		}
		v.Value = hex.EncodeToString(ev.Value)
		v.Op = ev.Op.String()
	}
	if ev.Err != nil {
		v.Error = ev.Err.Error()
	}
	return v
}

// printer writes events, device lists and catalogs to w. Event handlers
// run on bus goroutines, so writes are serialized.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{w: w, json: asJSON}
}

func (p *printer) Event(ev ble.Event) {
	v := newEventView(ev)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		_ = json.NewEncoder(p.w).Encode(v)
		return
	}

	line := fmt.Sprintf("%s %-22s %s", ev.Timestamp.Format("15:04:05.000"), v.Type, shortID(v.Peripheral))
	switch ev.Type {
	case ble.EventDeviceDiscovered:
		line += fmt.Sprintf(" name=%q rssi=%d", v.Name, v.RSSI)
	case ble.EventStateChanged:
		line += fmt.Sprintf(" %s -> %s", v.PrevState, v.State)
	case ble.EventServicesDiscovered:
		line += fmt.Sprintf(" services=%d", v.Services)
	case ble.EventCharacteristicUpdated:
		line += fmt.Sprintf(" %s %s=%s", v.Op, v.Char, v.Value)
	case ble.EventOperationFailed:
		line += fmt.Sprintf(" %s %s", v.Op, v.Char)
	}
	if v.Error != "" {
		line += " error=" + v.Error
	}
	fmt.Fprintln(p.w, line)
}

// Devices prints the device list. Devices without a name are hidden unless
// all is set.
func (p *printer) Devices(devices []ble.PeripheralRecord, all bool) {
	var views []deviceView
	for _, d := range devices {
		if d.Name == "" && !all {
			continue
		}
		views = append(views, deviceView{
			ID:      string(d.ID),
			Address: d.Address,
			Name:    d.Name,
			RSSI:    d.RSSI,
			State:   d.State.String(),
		})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		_ = json.NewEncoder(p.w).Encode(views)
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tNAME\tRSSI\tSTATE")
	for _, v := range views {
		name := v.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", v.ID, v.Address, name, v.RSSI, v.State)
	}
	_ = tw.Flush()
	if hidden := len(devices) - len(views); hidden > 0 {
		fmt.Fprintf(p.w, "%d unnamed device(s) hidden, use --all to show\n", hidden)
	}
}

// Catalog prints a service catalog.
func (p *printer) Catalog(catalog ble.ServiceCatalog) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		_ = json.NewEncoder(p.w).Encode(catalog)
		return
	}
	for _, svc := range catalog {
		fmt.Fprintf(p.w, "service %s\n", svc.UUID)
		for _, ch := range svc.Characteristics {
			// Radios that cannot report properties leave them zero.
			if ch.Properties != 0 {
				fmt.Fprintf(p.w, "  %s  %s  max_write=%d\n", ch.UUID, propertyString(ch.Properties), ch.MaxWriteLen)
			} else {
				fmt.Fprintf(p.w, "  %s  max_write=%d\n", ch.UUID, ch.MaxWriteLen)
			}
		}
	}
}

func propertyString(props ble.Properties) string {
	names := []struct {
		bit  ble.Properties
		name string
	}{
		{ble.PropRead, "read"},
		{ble.PropWrite, "write"},
		{ble.PropWriteWithoutResponse, "write-no-rsp"},
		{ble.PropNotify, "notify"},
		{ble.PropIndicate, "indicate"},
		{ble.PropBroadcast, "broadcast"},
	}
	out := ""
	for _, n := range names {
		if props.Has(n.bit) {
			if out != "" {
				out += ","
			}
			out += n.name
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

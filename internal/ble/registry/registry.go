// Package registry keeps the deduplicated set of discovered peripherals.
package registry

import (
	"sync"
	"time"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/ble/ident"
)

type entry struct {
	mu  sync.Mutex
	rec ble.PeripheralRecord
}

func (e *entry) snapshot() ble.PeripheralRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.rec
	rec.ServiceUUIDs = append([]string(nil), e.rec.ServiceUUIDs...)
	return rec
}

// Registry is safe for concurrent use. The index lock is held for writing
// only while a new id is inserted; refreshing an existing record takes that
// record's own lock, so List never waits on an update to another device.
type Registry struct {
	ids *ident.Deriver

	mu    sync.RWMutex
	index map[ble.PeripheralID]*entry
	order []*entry // discovery order
}

// New creates an empty registry deriving ids with ids.
func New(ids *ident.Deriver) *Registry {
	return &Registry{
		ids:   ids,
		index: make(map[ble.PeripheralID]*entry),
	}
}

// IDFor returns the id a sighting of address is recorded under.
func (r *Registry) IDFor(address string) ble.PeripheralID {
	return r.ids.ID(address)
}

// Upsert records an advertisement sighting. The dedup key is the platform
// address, never the advertised name. A sighting without a name keeps the
// previously advertised one, since scan responses and advertising packets
// alternate on most peripherals. created reports a first sighting.
func (r *Registry) Upsert(adv ble.Advertisement) (id ble.PeripheralID, created bool) {
	id = r.ids.ID(adv.Address)
	seen := adv.SeenAt
	if seen.IsZero() {
		seen = time.Now()
	}

	r.mu.RLock()
	e, ok := r.index[id]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		// Re-check: another goroutine may have inserted while unlocked.
		if e, ok = r.index[id]; !ok {
			e = &entry{rec: ble.PeripheralRecord{
				ID:           id,
				Address:      adv.Address,
				Name:         adv.Name,
				RSSI:         adv.RSSI,
				ServiceUUIDs: append([]string(nil), adv.ServiceUUIDs...),
				State:        ble.StateDiscovered,
				DiscoveredAt: seen,
				LastSeen:     seen,
			}}
			r.index[id] = e
			r.order = append(r.order, e)
			r.mu.Unlock()
			return id, true
		}
		r.mu.Unlock()
	}

	e.mu.Lock()
	if adv.Name != "" {
		e.rec.Name = adv.Name
	}
	e.rec.RSSI = adv.RSSI
	if len(adv.ServiceUUIDs) > 0 {
		e.rec.ServiceUUIDs = append(e.rec.ServiceUUIDs[:0], adv.ServiceUUIDs...)
	}
	e.rec.LastSeen = seen
	e.mu.Unlock()
	return id, false
}

// Get returns the record for id. Unknown ids yield false, never a panic:
// lookups racing with connection cleanup are expected.
func (r *Registry) Get(id ble.PeripheralID) (ble.PeripheralRecord, bool) {
	r.mu.RLock()
	e, ok := r.index[id]
	r.mu.RUnlock()
	if !ok {
		return ble.PeripheralRecord{}, false
	}
	return e.snapshot(), true
}

// List returns a snapshot of all records in discovery order.
func (r *Registry) List() []ble.PeripheralRecord {
	r.mu.RLock()
	entries := make([]*entry, len(r.order))
	copy(entries, r.order)
	r.mu.RUnlock()

	out := make([]ble.PeripheralRecord, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	return out
}

// Update applies fn to the record for id under that record's lock and
// returns the updated snapshot. Only the connection state machine owning
// id calls this.
func (r *Registry) Update(id ble.PeripheralID, fn func(*ble.PeripheralRecord)) (ble.PeripheralRecord, bool) {
	r.mu.RLock()
	e, ok := r.index[id]
	r.mu.RUnlock()
	if !ok {
		return ble.PeripheralRecord{}, false
	}
	e.mu.Lock()
	fn(&e.rec)
	e.mu.Unlock()
	return e.snapshot(), true
}

// Package handle implements the broker's handle table: the ownership-
// indexed map from opaque handle values to device allocations, the one
// place in the broker where a zone's access to another zone's memory is
// enforced.
package handle

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/davidaxion/vgpu-broker/internal/idm"
)

// Record describes one live allocation.
type Record struct {
	Handle uint64
	Owner  idm.ZoneID
	Size   uint64
	// Ref is an opaque device-side reference (e.g. a pointer or arena
	// offset from internal/device); the handle table never interprets it.
	Ref interface{}
}

// Stats is a point-in-time snapshot of table occupancy.
type Stats struct {
	HandleCount int
	ByteTotal   uint64
}

// Table is a mutex-guarded, ownership-indexed handle table. The zero value
// is not usable; construct with New.
//
// Lookup and Remove both treat "handle not found" and "handle found but
// owned by a different zone" identically, returning the same not-found
// error. A caller who can distinguish the two outcomes could probe the
// handle space to learn which IDs are live; the original C implementation
// already makes this conflation deliberately (handle_table.c), and this
// table preserves it.
type Table struct {
	mu         sync.Mutex
	records    map[uint64]*Record
	nextHandle uint64
	byteTotal  uint64
	log        *logrus.Entry
}

// ErrNotFound is returned by Lookup/Remove when the handle does not exist,
// or exists but is owned by a different zone than the caller.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "handle: not found" }

// New constructs an empty table. log may be nil, in which case
// logrus.StandardLogger() is used.
func New(log *logrus.Logger) *Table {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Table{
		records:    make(map[uint64]*Record),
		nextHandle: 1,
		log:        log.WithField("component", "handle_table"),
	}
}

// Insert allocates a fresh handle for a size-byte resource owned by owner
// and records ref against it. Handles are assigned from a monotonic
// counter starting at 1; idm.NullHandle (0) is never issued.
func (t *Table) Insert(owner idm.ZoneID, ref interface{}, size uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.nextHandle
	t.nextHandle++
	t.records[h] = &Record{Handle: h, Owner: owner, Size: size, Ref: ref}
	t.byteTotal += size
	return h
}

// Lookup returns the record for handle if it exists and is owned by
// caller. Any other outcome — unknown handle, or a handle owned by a
// different zone — returns ErrNotFound. Only the wrong-owner case logs a
// structured security warning, naming the requesting zone (never the true
// owner, to avoid widening what an unauthorized caller learns).
func (t *Table) Lookup(caller idm.ZoneID, h uint64) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[h]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Owner != caller {
		t.log.WithFields(logrus.Fields{
			"zone":   caller,
			"handle": h,
		}).Warn("SECURITY: zone attempted to access a handle it does not own")
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// Remove deletes handle if it exists and is owned by caller, returning its
// record. Ownership checking and logging mirror Lookup.
func (t *Table) Remove(caller idm.ZoneID, h uint64) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[h]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Owner != caller {
		t.log.WithFields(logrus.Fields{
			"zone":   caller,
			"handle": h,
		}).Warn("SECURITY: zone attempted to free a handle it does not own")
		return Record{}, ErrNotFound
	}
	delete(t.records, h)
	t.byteTotal -= rec.Size
	return *rec, nil
}

// Stats reports the table's current occupancy.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{HandleCount: len(t.records), ByteTotal: t.byteTotal}
}

// RemoveAllForZone deletes every record owned by zone, returning the
// removed records. Used when a zone's connection tears down, so its
// allocations cannot be mistakenly reused by the next tenant to receive
// that zone ID.
func (t *Table) RemoveAllForZone(zone idm.ZoneID) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []Record
	for h, rec := range t.records {
		if rec.Owner == zone {
			removed = append(removed, *rec)
			t.byteTotal -= rec.Size
			delete(t.records, h)
		}
	}
	return removed
}

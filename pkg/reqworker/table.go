package reqworker

import (
	"errors"
	"time"
)

// ErrBusy is returned by Submit when every correlation slot is occupied.
var ErrBusy = errors.New("reqworker: correlation table full")

// ID is a correlation id, the first field of every request and response
// line.
type ID uint16

// MaxTableSize is the number of distinct correlation ids.
const MaxTableSize = 1 << 16

type slot struct {
	busy      bool
	epoch     uint32
	cb        Callback
	submitted time.Time
}

// Table maps correlation ids to pending callbacks. Ids are handed out in
// wrapping order, skipping slots still in use, so an id is never reused
// while its previous request may still be answered. Not safe for
// concurrent use.
type Table struct {
	slots []slot
	next  int
	used  int
}

// NewTable creates a table with size slots, clamped to [1, MaxTableSize].
func NewTable(size int) *Table {
	if size <= 0 || size > MaxTableSize {
		size = MaxTableSize
	}
	return &Table{slots: make([]slot, size)}
}

// Claim reserves the next free slot for cb, tagged with the process
// epoch the request is sent to.
func (t *Table) Claim(cb Callback, epoch uint32, now time.Time) (ID, error) {
	if t.used == len(t.slots) {
		return 0, ErrBusy
	}
	for i := 0; i < len(t.slots); i++ {
		idx := (t.next + i) % len(t.slots)
		if t.slots[idx].busy {
			continue
		}
		t.slots[idx] = slot{busy: true, epoch: epoch, cb: cb, submitted: now}
		t.used++
		t.next = (idx + 1) % len(t.slots)
		return ID(idx), nil
	}
	return 0, ErrBusy
}

// Cancel drops the callback for id. The slot stays reserved until the
// final response arrives or the table is failed, so a late response
// cannot reach a newer request. It reports whether id was pending.
func (t *Table) Cancel(id ID) bool {
	if int(id) >= len(t.slots) || !t.slots[id].busy {
		return false
	}
	t.slots[id].cb = nil
	return true
}

// lookup returns the slot for a response to id from a process of the
// given epoch. ok is false when no such request is pending.
func (t *Table) lookup(id ID, epoch uint32) (*slot, bool) {
	if int(id) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[id]
	if !s.busy || s.epoch != epoch {
		return nil, false
	}
	return s, true
}

// release frees id's slot.
func (t *Table) release(id ID) {
	if t.slots[id].busy {
		t.slots[id] = slot{}
		t.used--
	}
}

// FailAll completes every pending slot with err and frees it.
func (t *Table) FailAll(err error) int {
	failed := 0
	for i := range t.slots {
		s := t.slots[i]
		if !s.busy {
			continue
		}
		t.release(ID(i))
		failed++
		if s.cb != nil {
			s.cb(Response{Status: StatusErr, Err: err})
		}
	}
	return failed
}

// Len returns the number of occupied slots.
func (t *Table) Len() int {
	return t.used
}

// Size returns the number of slots.
func (t *Table) Size() int {
	return len(t.slots)
}

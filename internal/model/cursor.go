package model

import "time"

// Persisted keys of the schedule cursor.
const (
	CursorKeySlot  = "current_slot_epoch_millis"
	CursorKeyCount = "slot_count"
)

// Cursor is the persisted slot allocator state shared across campaign runs.
type Cursor struct {
	Slot  time.Time `json:"current_slot"`
	Count int       `json:"slot_count"`
}

// IsZero reports whether no slot has been stored yet.
func (c Cursor) IsZero() bool { return c.Slot.IsZero() }

// SlotMillis returns the slot as epoch milliseconds, 0 when empty.
func (c Cursor) SlotMillis() int64 {
	if c.Slot.IsZero() {
		return 0
	}
	return c.Slot.UnixMilli()
}

// CursorFromMillis rebuilds a cursor from its persisted scalars.
func CursorFromMillis(ms int64, count int) Cursor {
	if ms <= 0 {
		return Cursor{Count: count}
	}
	return Cursor{Slot: time.UnixMilli(ms).UTC(), Count: count}
}

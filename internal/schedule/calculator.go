// Package schedule computes send slots for leads. The calculator is pure; the
// Assigner threads the persisted cursor through it.
package schedule

import (
	"time"

	"github.com/sells-group/nurture-cli/internal/model"
)

// Defaults for the work-hour window and per-slot capacity.
const (
	DefaultStartHour = 8
	DefaultEndHour   = 17
	DefaultCapacity  = 10
)

// Calculator computes work-hour slots and the weekly follow-up cadence.
type Calculator struct {
	Location  *time.Location
	StartHour int
	EndHour   int // inclusive: EndHour:00 is still a valid slot
	Capacity  int // leads sharing a single send time
}

// NewCalculator returns a calculator with the default window in loc.
func NewCalculator(loc *time.Location) Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return Calculator{
		Location:  loc,
		StartHour: DefaultStartHour,
		EndHour:   DefaultEndHour,
		Capacity:  DefaultCapacity,
	}
}

func (c Calculator) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func (c Calculator) capacity() int {
	if c.Capacity <= 0 {
		return DefaultCapacity
	}
	return c.Capacity
}

// NextWorkHourSlot returns the smallest top-of-hour instant strictly after
// from that falls on a weekday between StartHour and EndHour.
func (c Calculator) NextWorkHourSlot(from time.Time) time.Time {
	loc := c.loc()
	local := from.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc).Add(time.Hour)

	for {
		switch {
		case isWeekend(t.Weekday()):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, c.StartHour, 0, 0, 0, loc)
		case t.Hour() < c.StartHour:
			t = time.Date(t.Year(), t.Month(), t.Day(), c.StartHour, 0, 0, 0, loc)
		case t.Hour() > c.EndHour:
			t = time.Date(t.Year(), t.Month(), t.Day()+1, c.StartHour, 0, 0, 0, loc)
		default:
			return t
		}
	}
}

// AssignNextSlot hands out the slot for one lead and returns the cursor to
// persist. An empty cursor, or one whose slot is no longer in the future, is
// fast-forwarded to a fresh slot after now with the counter reset. When a
// slot reaches capacity the returned cursor already points at the following
// slot, so the cap only affects later calls.
func (c Calculator) AssignNextSlot(cur model.Cursor, now time.Time) (time.Time, model.Cursor) {
	slot := cur.Slot
	count := cur.Count
	if cur.IsZero() || !slot.After(now) {
		slot = c.NextWorkHourSlot(now)
		count = 0
	}

	count++
	if count >= c.capacity() {
		return slot, model.Cursor{Slot: c.NextWorkHourSlot(slot), Count: 0}
	}
	return slot, model.Cursor{Slot: slot, Count: count}
}

// WeeklyFollowUp returns the same wall-clock time one week later.
func (c Calculator) WeeklyFollowUp(slot time.Time) time.Time {
	return slot.In(c.loc()).AddDate(0, 0, 7)
}

// LeadSlots expands a base slot into the three slots of a sequence.
func (c Calculator) LeadSlots(base time.Time) [model.MailCount]time.Time {
	var slots [model.MailCount]time.Time
	slots[0] = base
	for i := 1; i < model.MailCount; i++ {
		slots[i] = c.WeeklyFollowUp(slots[i-1])
	}
	return slots
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

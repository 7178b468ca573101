package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nurture-cli/internal/model"
)

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNextWorkHourSlot(t *testing.T) {
	calc := NewCalculator(time.UTC)

	// 2025-01-10 is a Friday.
	tests := []struct {
		name string
		from string
		want string
	}{
		{"friday before close", "2025-01-10T16:30", "2025-01-10T17:00"},
		{"friday after close", "2025-01-10T17:30", "2025-01-13T08:00"},
		{"exactly on close hour", "2025-01-10T17:00", "2025-01-13T08:00"},
		{"early morning", "2025-01-07T06:15", "2025-01-07T08:00"},
		{"on the hour moves forward", "2025-01-07T09:00", "2025-01-07T10:00"},
		{"saturday", "2025-01-11T12:00", "2025-01-13T08:00"},
		{"sunday late", "2025-01-12T23:59", "2025-01-13T08:00"},
		{"month rollover", "2025-01-31T18:00", "2025-02-03T08:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.NextWorkHourSlot(at(tt.from))
			assert.True(t, got.Equal(at(tt.want)), "got %s", got)
		})
	}
}

func TestNextWorkHourSlot_Location(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	calc := NewCalculator(loc)

	// 22:30 UTC Friday is 17:30 EST Friday: next slot is Monday 08:00 EST.
	got := calc.NextWorkHourSlot(at("2025-01-10T22:30"))
	want := time.Date(2025, 1, 13, 8, 0, 0, 0, loc)
	assert.True(t, got.Equal(want), "got %s", got)
}

func TestAssignNextSlot_EmptyCursor(t *testing.T) {
	calc := NewCalculator(time.UTC)
	now := at("2025-01-06T07:10")

	slot, next := calc.AssignNextSlot(model.Cursor{}, now)
	assert.True(t, slot.Equal(at("2025-01-06T08:00")))
	assert.True(t, next.Slot.Equal(slot))
	assert.Equal(t, 1, next.Count)
}

func TestAssignNextSlot_ReusesFutureSlot(t *testing.T) {
	calc := NewCalculator(time.UTC)
	cur := model.Cursor{Slot: at("2025-01-06T10:00"), Count: 4}

	slot, next := calc.AssignNextSlot(cur, at("2025-01-06T08:30"))
	assert.True(t, slot.Equal(at("2025-01-06T10:00")))
	assert.Equal(t, 5, next.Count)
}

func TestAssignNextSlot_StaleSlotFastForwards(t *testing.T) {
	calc := NewCalculator(time.UTC)
	now := at("2025-01-08T13:20")
	cur := model.Cursor{Slot: at("2025-01-06T09:00"), Count: 7}

	slot, next := calc.AssignNextSlot(cur, now)
	assert.True(t, slot.After(now))
	assert.True(t, slot.Equal(at("2025-01-08T14:00")))
	assert.Equal(t, 1, next.Count)
}

func TestAssignNextSlot_SlotEqualToNowIsStale(t *testing.T) {
	calc := NewCalculator(time.UTC)
	now := at("2025-01-06T09:00")

	slot, next := calc.AssignNextSlot(model.Cursor{Slot: now, Count: 2}, now)
	assert.True(t, slot.After(now))
	assert.Equal(t, 1, next.Count)
}

func TestAssignNextSlot_CapacityRollsForward(t *testing.T) {
	calc := NewCalculator(time.UTC)
	now := at("2025-01-06T07:00")
	cur := model.Cursor{}

	var slot time.Time
	for i := 0; i < DefaultCapacity; i++ {
		slot, cur = calc.AssignNextSlot(cur, now)
		assert.True(t, slot.Equal(at("2025-01-06T08:00")), "assignment %d", i+1)
		assert.GreaterOrEqual(t, cur.Count, 0)
		assert.Less(t, cur.Count, DefaultCapacity)
	}

	// The tenth lead still got 08:00; the cursor already points past it.
	assert.True(t, cur.Slot.Equal(at("2025-01-06T09:00")))
	assert.Equal(t, 0, cur.Count)

	slot, cur = calc.AssignNextSlot(cur, now)
	assert.False(t, slot.Before(at("2025-01-06T09:00")))
	assert.Equal(t, 1, cur.Count)
}

func TestAssignNextSlot_CapacityRollSkipsToNextWorkday(t *testing.T) {
	calc := NewCalculator(time.UTC)
	cur := model.Cursor{Slot: at("2025-01-10T17:00"), Count: DefaultCapacity - 1}

	slot, next := calc.AssignNextSlot(cur, at("2025-01-10T12:00"))
	assert.True(t, slot.Equal(at("2025-01-10T17:00")))
	assert.True(t, next.Slot.Equal(at("2025-01-13T08:00")))
	assert.Equal(t, 0, next.Count)
}

func TestWeeklyFollowUp(t *testing.T) {
	calc := NewCalculator(time.UTC)
	base := at("2025-01-06T08:00")
	slots := calc.LeadSlots(base)

	assert.True(t, slots[0].Equal(base))
	assert.Equal(t, 7*24*time.Hour, slots[1].Sub(slots[0]))
	assert.Equal(t, 7*24*time.Hour, slots[2].Sub(slots[1]))
	for _, s := range slots {
		assert.Equal(t, 8, s.Hour())
		assert.Equal(t, time.Monday, s.Weekday())
	}
}

func TestWeeklyFollowUp_KeepsWallClockAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	calc := NewCalculator(loc)
	// 2025-03-03 09:00 EST; a week later is after the DST switch.
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, loc)
	next := calc.WeeklyFollowUp(base)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 10, next.Day())
}

// --- Assigner ---

type memCursorStore struct {
	cur     model.Cursor
	saves   int
	loadErr error
}

func (m *memCursorStore) LoadCursor(_ context.Context) (model.Cursor, error) {
	return m.cur, m.loadErr
}

func (m *memCursorStore) SaveCursor(_ context.Context, cur model.Cursor) error {
	m.cur = cur
	m.saves++
	return nil
}

func TestAssigner_PersistsCursor(t *testing.T) {
	st := &memCursorStore{}
	now := at("2025-01-06T07:30")
	a := NewAssigner(NewCalculator(time.UTC), st, func() time.Time { return now })

	slots, err := a.AssignLeadSlots(context.Background())
	require.NoError(t, err)
	assert.True(t, slots[0].Equal(at("2025-01-06T08:00")))
	assert.True(t, slots[2].Equal(at("2025-01-20T08:00")))
	assert.Equal(t, 1, st.saves)
	assert.Equal(t, 1, st.cur.Count)

	_, err = a.AssignLeadSlots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.cur.Count)
}

func TestAssigner_HealsDriftedCursor(t *testing.T) {
	st := &memCursorStore{cur: model.Cursor{Slot: at("2024-12-02T08:00"), Count: 9}}
	now := at("2025-01-07T11:05")
	a := NewAssigner(NewCalculator(time.UTC), st, func() time.Time { return now })

	slots, err := a.AssignLeadSlots(context.Background())
	require.NoError(t, err)
	assert.True(t, slots[0].After(now))
	assert.Equal(t, 1, st.cur.Count)
}

func TestAssigner_LoadError(t *testing.T) {
	st := &memCursorStore{loadErr: eris.New("disk gone")}
	a := NewAssigner(NewCalculator(time.UTC), st, nil)

	_, err := a.AssignLeadSlots(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load cursor")
	assert.Equal(t, 0, st.saves)
}

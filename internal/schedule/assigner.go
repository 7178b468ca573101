package schedule

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nurture-cli/internal/model"
)

// CursorStore persists the slot cursor between runs.
type CursorStore interface {
	LoadCursor(ctx context.Context) (model.Cursor, error)
	SaveCursor(ctx context.Context, cur model.Cursor) error
}

// Assigner allocates lead slots against the persisted cursor. The cursor is
// read-modify-written without a transaction; callers serialise campaign runs.
type Assigner struct {
	calc  Calculator
	store CursorStore
	now   func() time.Time
}

// NewAssigner creates an Assigner. A nil now defaults to time.Now.
func NewAssigner(calc Calculator, st CursorStore, now func() time.Time) *Assigner {
	if now == nil {
		now = time.Now
	}
	return &Assigner{calc: calc, store: st, now: now}
}

// Calculator exposes the underlying calculator.
func (a *Assigner) Calculator() Calculator { return a.calc }

// AssignLeadSlots picks a base slot for one lead, persists the advanced
// cursor and returns the lead's three slots.
func (a *Assigner) AssignLeadSlots(ctx context.Context) ([model.MailCount]time.Time, error) {
	var slots [model.MailCount]time.Time

	cur, err := a.store.LoadCursor(ctx)
	if err != nil {
		return slots, eris.Wrap(err, "schedule: load cursor")
	}

	now := a.now()
	if !cur.IsZero() && !cur.Slot.After(now) {
		zap.L().Debug("schedule: cursor slot elapsed, fast-forwarding",
			zap.Time("stale_slot", cur.Slot),
			zap.Int("stale_count", cur.Count),
		)
	}

	base, next := a.calc.AssignNextSlot(cur, now)
	if err := a.store.SaveCursor(ctx, next); err != nil {
		return slots, eris.Wrap(err, "schedule: save cursor")
	}

	return a.calc.LeadSlots(base), nil
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nurture-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testLead(email string) model.Lead {
	return model.Lead{
		Email:      email,
		FirstName:  "Ada",
		Department: "Engineering",
		Position:   "CTO",
		CompanyURL: "https://acme.example",
	}
}

func seed(t *testing.T, st Store, leads ...model.Lead) []model.Lead {
	t.Helper()
	n, err := st.InsertLeads(context.Background(), leads)
	require.NoError(t, err)
	require.Equal(t, len(leads), n)
	return leads
}

func TestSQLite_InsertAndGetLead(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	leads := seed(t, st, testLead("Ada@Acme.example "))
	require.NotEmpty(t, leads[0].ID)

	got, err := st.GetLead(ctx, leads[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@acme.example", got.Email)
	assert.Equal(t, model.StatusEmpty, got.Status)
	assert.Equal(t, [3]bool{}, got.Sent)
	assert.Nil(t, got.SendSlots[0])
}

func TestSQLite_InsertLeads_SkipsDuplicateEmail(t *testing.T) {
	st := newTestSQLiteStore(t)
	seed(t, st, testLead("a@x.example"))

	n, err := st.InsertLeads(context.Background(), []model.Lead{testLead("A@x.example"), testLead("b@x.example")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_GetLead_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetLead(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListUnclaimed_OrderAndEligibility(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	noPosition := testLead("c@x.example")
	noPosition.Position = "  "
	leads := seed(t, st, testLead("a@x.example"), testLead("b@x.example"), noPosition, testLead("d@x.example"))

	// d is running, b errored on a previous run.
	require.NoError(t, st.UpdateLead(ctx, leads[3].ID, model.LeadUpdate{Status: model.StatusPtr(model.StatusRunning)}))
	require.NoError(t, st.UpdateLead(ctx, leads[1].ID, model.LeadUpdate{
		Status: model.StatusPtr(model.StatusProcessing),
		Info:   model.StringPtr(model.ErrorPrefix + "profile: timeout"),
	}))

	got, err := st.ListUnclaimed(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, leads[0].ID, got[0].ID)
	assert.Equal(t, leads[1].ID, got[1].ID)
}

func TestSQLite_ClaimLeads(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	leads := seed(t, st, testLead("a@x.example"), testLead("b@x.example"))

	require.NoError(t, st.UpdateLead(ctx, leads[1].ID, model.LeadUpdate{Status: model.StatusPtr(model.StatusRunning)}))

	claimed, err := st.ClaimLeads(ctx, []string{leads[0].ID, leads[1].ID})
	require.NoError(t, err)
	assert.Equal(t, []string{leads[0].ID}, claimed)

	again, err := st.ClaimLeads(ctx, []string{leads[0].ID})
	require.NoError(t, err)
	assert.Empty(t, again)

	got, err := st.GetLead(ctx, leads[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
}

func TestSQLite_UpdateLead_Fields(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	leads := seed(t, st, testLead("a@x.example"))

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	slots := [3]time.Time{base, base.AddDate(0, 0, 7), base.AddDate(0, 0, 14)}
	angles := [3]string{"cost", "speed", "risk"}
	require.NoError(t, st.UpdateLead(ctx, leads[0].ID, model.LeadUpdate{
		ProfileText: model.StringPtr("Acme builds rockets."),
		Angles:      &angles,
		MailContent: map[int]string{1: "Subject: Hi\n\nBody"},
		SendSlots:   &slots,
		Status:      model.StatusPtr(model.StatusRunning),
		Info:        model.StringPtr(""),
	}))

	got, err := st.GetLead(ctx, leads[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme builds rockets.", got.ProfileText)
	assert.Equal(t, angles, got.Angles)
	assert.Equal(t, "Subject: Hi\n\nBody", got.MailContent[0])
	assert.Empty(t, got.MailContent[1])
	require.NotNil(t, got.SendSlots[2])
	assert.True(t, slots[2].Equal(*got.SendSlots[2]))
	assert.Equal(t, model.StatusRunning, got.Status)
}

func TestSQLite_UpdateLead_Errors(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpdateLead(ctx, "missing", model.LeadUpdate{}))

	err := st.UpdateLead(ctx, "missing", model.LeadUpdate{Info: model.StringPtr("x")})
	assert.True(t, errors.Is(err, ErrNotFound))

	leads := seed(t, st, testLead("a@x.example"))
	err = st.UpdateLead(ctx, leads[0].ID, model.LeadUpdate{MailContent: map[int]string{4: "x"}})
	require.Error(t, err)
}

func TestSQLite_MarkSent_Monotonic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	leads := seed(t, st, testLead("a@x.example"))

	require.NoError(t, st.MarkSent(ctx, leads[0].ID, 1))
	require.NoError(t, st.MarkSent(ctx, leads[0].ID, 1))
	require.NoError(t, st.UpdateLead(ctx, leads[0].ID, model.LeadUpdate{Info: model.StringPtr("Sent 1/3")}))

	got, err := st.GetLead(ctx, leads[0].ID)
	require.NoError(t, err)
	assert.Equal(t, [3]bool{true, false, false}, got.Sent)

	require.Error(t, st.MarkSent(ctx, leads[0].ID, 0))
	assert.True(t, errors.Is(st.MarkSent(ctx, "missing", 2), ErrNotFound))
}

func TestSQLite_Cursor(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	c, err := st.LoadCursor(ctx)
	require.NoError(t, err)
	assert.True(t, c.IsZero())

	slot := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveCursor(ctx, model.Cursor{Slot: slot, Count: 4}))
	require.NoError(t, st.SaveCursor(ctx, model.Cursor{Slot: slot, Count: 5}))

	c, err = st.LoadCursor(ctx)
	require.NoError(t, err)
	assert.True(t, slot.Equal(c.Slot))
	assert.Equal(t, 5, c.Count)

	require.NoError(t, st.ResetCursor(ctx))
	c, err = st.LoadCursor(ctx)
	require.NoError(t, err)
	assert.True(t, c.IsZero())
	assert.Zero(t, c.Count)
}

func TestSQLite_SendLog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -40)
	require.NoError(t, st.RecordSend(ctx, model.SendRecord{LeadID: "L1", Email: "a@x", Subject: "s1", MailIndex: 1, SentAt: old}))
	require.NoError(t, st.RecordSend(ctx, model.SendRecord{LeadID: "L1", Email: "a@x", Subject: "s2", MailIndex: 2}))
	require.NoError(t, st.RecordSend(ctx, model.SendRecord{LeadID: "L2", Email: "b@x", Subject: "s1", MailIndex: 1}))

	l1, err := st.ListSends(ctx, "L1", 0)
	require.NoError(t, err)
	require.Len(t, l1, 2)
	assert.Equal(t, 2, l1[0].MailIndex)

	n, err := st.PruneSends(ctx, time.Now().UTC().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := st.ListSends(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_ListLeads_Filter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	leads := seed(t, st, testLead("a@x.example"), testLead("b@x.example"), testLead("c@x.example"))
	require.NoError(t, st.UpdateLead(ctx, leads[2].ID, model.LeadUpdate{Status: model.StatusPtr(model.StatusDone)}))

	done := model.StatusDone
	got, err := st.ListLeads(ctx, LeadFilter{Status: &done})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, leads[2].ID, got[0].ID)

	page, err := st.ListLeads(ctx, LeadFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, leads[1].ID, page[0].ID)
}

func TestSQLite_Ping(t *testing.T) {
	require.NoError(t, newTestSQLiteStore(t).Ping(context.Background()))
}

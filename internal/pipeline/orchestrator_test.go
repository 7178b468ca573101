package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nurture-cli/internal/config"
	"github.com/sells-group/nurture-cli/internal/cost"
	"github.com/sells-group/nurture-cli/internal/gateway"
	gatewaymocks "github.com/sells-group/nurture-cli/internal/gateway/mocks"
	"github.com/sells-group/nurture-cli/internal/model"
	"github.com/sells-group/nurture-cli/internal/runlock"
	"github.com/sells-group/nurture-cli/internal/schedule"
	"github.com/sells-group/nurture-cli/internal/store"
)

// Monday 2026-03-02 09:30 UTC.
var testNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

const anglesReply = `{"angles": ["Cut onboarding time", "Consolidate vendors", "Audit readiness"],
"pain_points": ["slow onboarding", "tool sprawl"], "value_hook": "Ship in a week"}`

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedLeads(t *testing.T, st store.Store, n int) []string {
	t.Helper()
	leads := make([]model.Lead, n)
	ids := make([]string, n)
	for i := range leads {
		ids[i] = fmt.Sprintf("lead-%02d", i+1)
		leads[i] = model.Lead{
			ID:         ids[i],
			Email:      fmt.Sprintf("contact%d@example.com", i+1),
			FirstName:  "Ada",
			Department: "Engineering",
			Position:   "CTO",
			CompanyURL: "https://acme.example",
		}
	}
	inserted, err := st.InsertLeads(context.Background(), leads)
	require.NoError(t, err)
	require.Equal(t, n, inserted)
	return ids
}

// fakeGeneration answers every prompt by label and records each wave.
type fakeGeneration struct {
	mu    sync.Mutex
	fail  map[string]string // label -> reply override ("" = transport failure)
	waves [][]string
}

func (f *fakeGeneration) respond(_ context.Context, prompts []gateway.Prompt) []model.GenerationResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	labels := make([]string, len(prompts))
	out := make([]model.GenerationResult, len(prompts))
	for i, p := range prompts {
		labels[i] = p.Label
		if reply, ok := f.fail[p.Label]; ok {
			if reply == "" {
				out[i] = model.GenerationResult{Err: errors.New("upstream 500")}
			} else {
				out[i] = model.GenerationResult{Success: true, Content: reply}
			}
			continue
		}
		switch {
		case strings.HasPrefix(p.Label, "profile:"):
			out[i] = model.GenerationResult{Success: true, Content: "Acme sells developer tooling to mid-size banks."}
		case strings.HasPrefix(p.Label, "angles:"):
			out[i] = model.GenerationResult{Success: true, Content: anglesReply}
		case strings.HasPrefix(p.Label, "mail1:"):
			out[i] = model.GenerationResult{Success: true, Content: "Subject: Faster onboarding\n\nHi Ada, a quick idea."}
		default:
			out[i] = model.GenerationResult{Err: fmt.Errorf("unexpected prompt %s", p.Label)}
		}
	}
	f.waves = append(f.waves, labels)
	return out
}

func (f *fakeGeneration) waveSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.waves))
	for i, w := range f.waves {
		sizes[i] = len(w)
	}
	return sizes
}

func newTestOrchestrator(t *testing.T, st store.Store, gen *fakeGeneration, cfg config.CampaignConfig) (*Orchestrator, *gatewaymocks.MockGateway) {
	t.Helper()
	gw := gatewaymocks.NewMockGateway(t)
	gw.On("Ready").Return(nil).Maybe()
	gw.On("GenerateBatch", mock.Anything, mock.Anything).Return(gen.respond).Maybe()

	assigner := schedule.NewAssigner(schedule.NewCalculator(time.UTC), st, func() time.Time { return testNow })
	o := New(cfg, st, gw, assigner, DefaultPrompts())
	o.now = func() time.Time { return testNow }
	return o, gw
}

func getLead(t *testing.T, st store.Store, id string) *model.Lead {
	t.Helper()
	l, err := st.GetLead(context.Background(), id)
	require.NoError(t, err)
	return l
}

func TestRun_TwelveLeadsRowThreeFailsProfile(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ids := seedLeads(t, st, 12)

	gen := &fakeGeneration{fail: map[string]string{"profile:lead-03": ""}}
	o, _ := newTestOrchestrator(t, st, gen, config.CampaignConfig{BatchSize: 10})

	summary, err := o.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 12, summary.Selected)
	assert.Equal(t, 12, summary.Claimed)
	require.Len(t, summary.Batches, 2)
	assert.Equal(t, 10, summary.Batches[0].Size)
	assert.Equal(t, 9, summary.Batches[0].Running)
	assert.Equal(t, 1, summary.Batches[0].Errored)
	assert.Equal(t, 1, summary.Batches[0].Failures[FailureStage])
	assert.Equal(t, 2, summary.Batches[1].Size)
	assert.Equal(t, 2, summary.Batches[1].Running)
	for _, b := range summary.Batches {
		assert.Equal(t, b.Size, b.Running+b.Errored)
	}
	assert.Equal(t, 11, summary.Running)
	assert.Equal(t, 1, summary.Errored)

	// Stage waves: the failed row is excluded from angles and mail.
	assert.Equal(t, []int{10, 9, 9, 2, 2, 2}, gen.waveSizes())
	for _, label := range gen.waves[1] {
		assert.NotEqual(t, "angles:lead-03", label)
	}

	failed := getLead(t, st, "lead-03")
	assert.Equal(t, model.StatusProcessing, failed.Status)
	assert.True(t, failed.HasErrorAnnotation())
	assert.Contains(t, failed.Info, "profile")
	assert.Nil(t, failed.SendSlots[0])

	for _, id := range ids {
		if id == "lead-03" {
			continue
		}
		l := getLead(t, st, id)
		require.Equal(t, model.StatusRunning, l.Status, id)
		assert.Equal(t, [3]string{"Cut onboarding time", "Consolidate vendors", "Audit readiness"}, l.Angles)
		assert.Contains(t, l.ProfileText, "Pain points: slow onboarding; tool sprawl")
		assert.Contains(t, l.ProfileText, "Value hook: Ship in a week")
		assert.Equal(t, "Subject: Faster onboarding\n\nHi Ada, a quick idea.", l.MailContent[0])
		assert.Empty(t, l.MailContent[1])
		require.NotNil(t, l.SendSlots[0])
		assert.Equal(t, l.SendSlots[0].AddDate(0, 0, 7), *l.SendSlots[1])
		assert.Equal(t, l.SendSlots[1].AddDate(0, 0, 7), *l.SendSlots[2])
		assert.Equal(t, [3]bool{}, l.Sent)
	}

	// Ten leads share 10:00, the eleventh rolls to 11:00.
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), getLead(t, st, "lead-11").SendSlots[0].UTC())
	assert.Equal(t, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), getLead(t, st, "lead-12").SendSlots[0].UTC())
	cur, err := st.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Count)
}

func TestRun_ErroredRowsRetriedNextRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedLeads(t, st, 3)

	gen := &fakeGeneration{fail: map[string]string{"mail1:lead-02": ""}}
	o, _ := newTestOrchestrator(t, st, gen, config.CampaignConfig{BatchSize: 10})

	first, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Running)
	assert.Equal(t, 1, first.Errored)

	gen.fail = nil
	second, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Selected)
	assert.Equal(t, 1, second.Running)

	l := getLead(t, st, "lead-02")
	assert.Equal(t, model.StatusRunning, l.Status)
	assert.False(t, l.HasErrorAnnotation())
	assert.True(t, strings.HasPrefix(l.Info, "Scheduled "))

	third, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, third.Selected)
}

func TestRun_ParseFailureIsNotDefaulted(t *testing.T) {
	st := newTestStore(t)
	seedLeads(t, st, 2)

	gen := &fakeGeneration{fail: map[string]string{"angles:lead-01": "I would suggest focusing on cost."}}
	o, _ := newTestOrchestrator(t, st, gen, config.CampaignConfig{BatchSize: 10})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Batches[0].Failures[FailureParse])

	l := getLead(t, st, "lead-01")
	assert.Equal(t, model.StatusProcessing, l.Status)
	assert.Contains(t, l.Info, "Error: angles:")
	assert.Equal(t, [3]string{}, l.Angles)
	// The profile from stage A is kept for the operator.
	assert.NotEmpty(t, l.ProfileText)
}

func TestRun_PreconditionAbortsWholeBatch(t *testing.T) {
	st := newTestStore(t)
	seedLeads(t, st, 4)

	gw := gatewaymocks.NewMockGateway(t)
	gw.On("Ready").Return(errors.New("circuit breaker is open"))
	assigner := schedule.NewAssigner(schedule.NewCalculator(time.UTC), st, func() time.Time { return testNow })
	o := New(config.CampaignConfig{BatchSize: 2}, st, gw, assigner, DefaultPrompts())

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Batches, 2)
	for _, b := range summary.Batches {
		assert.True(t, b.Aborted)
		assert.Equal(t, b.Size, b.Errored)
		assert.Equal(t, b.Size, b.Failures[FailurePrecondition])
	}
	gw.AssertNotCalled(t, "GenerateBatch", mock.Anything, mock.Anything)

	leads, err := st.ListUnclaimed(context.Background())
	require.NoError(t, err)
	assert.Len(t, leads, 4)
	for _, l := range leads {
		assert.Contains(t, l.Info, "Error: precondition: generation gateway not ready")
	}
}

func TestRun_BatchDelayAndCancellation(t *testing.T) {
	st := newTestStore(t)
	seedLeads(t, st, 5)

	gen := &fakeGeneration{}
	o, _ := newTestOrchestrator(t, st, gen, config.CampaignConfig{BatchSize: 2, BatchDelaySecs: 30})

	ctx, cancel := context.WithCancel(context.Background())
	var delays []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	summary, err := o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, delays)
	assert.Equal(t, 4, summary.Running)
	assert.Equal(t, 1, summary.Errored)
	assert.Equal(t, summary.Claimed, summary.Running+summary.Errored)
	assert.Equal(t, 1, summary.Batches[2].Failures[FailureInterrupted])

	l := getLead(t, st, "lead-05")
	assert.Equal(t, model.StatusProcessing, l.Status)
	assert.True(t, l.HasErrorAnnotation())
}

func TestRun_NoLeads(t *testing.T) {
	st := newTestStore(t)
	o, gw := newTestOrchestrator(t, st, &fakeGeneration{}, config.CampaignConfig{})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Selected)
	assert.Empty(t, summary.Batches)
	gw.AssertNotCalled(t, "GenerateBatch", mock.Anything, mock.Anything)
}

func TestRun_GatewayResultMismatch(t *testing.T) {
	st := newTestStore(t)
	seedLeads(t, st, 2)

	gw := gatewaymocks.NewMockGateway(t)
	gw.On("Ready").Return(nil)
	gw.On("GenerateBatch", mock.Anything, mock.Anything).Return([]model.GenerationResult{{Success: true, Content: "x"}}).Once()
	assigner := schedule.NewAssigner(schedule.NewCalculator(time.UTC), st, func() time.Time { return testNow })
	o := New(config.CampaignConfig{}, st, gw, assigner, DefaultPrompts())

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Errored)
	assert.Contains(t, getLead(t, st, "lead-01").Info, "gateway returned 1 results for 2 prompts")
}

func TestRunSummary_ErroredRate(t *testing.T) {
	assert.Zero(t, (&RunSummary{}).ErroredRate())
	assert.InDelta(t, 0.25, (&RunSummary{Claimed: 8, Errored: 2}).ErroredRate(), 0.0001)
}

// spendingGateway adds a fixed cost to its running total on every wave.
type spendingGateway struct {
	*gatewaymocks.MockGateway
	usd     float64
	perWave float64
}

func (g *spendingGateway) GenerateBatch(ctx context.Context, prompts []gateway.Prompt) []model.GenerationResult {
	g.usd += g.perWave
	return g.MockGateway.GenerateBatch(ctx, prompts)
}

func (g *spendingGateway) Spend() (cost.Usage, float64) { return cost.Usage{}, g.usd }

func TestRun_CostBudgetCountsOnlyThisRun(t *testing.T) {
	st := newTestStore(t)
	seedLeads(t, st, 4)

	gen := &fakeGeneration{}
	mockGW := gatewaymocks.NewMockGateway(t)
	mockGW.On("Ready").Return(nil)
	mockGW.On("GenerateBatch", mock.Anything, mock.Anything).Return(gen.respond)
	// Earlier runs on the same gateway already spent well past the budget.
	gw := &spendingGateway{MockGateway: mockGW, usd: 25, perWave: 0.4}

	assigner := schedule.NewAssigner(schedule.NewCalculator(time.UTC), st, func() time.Time { return testNow })
	o := New(config.CampaignConfig{BatchSize: 2, MaxCostUSD: 1}, st, gw, assigner, DefaultPrompts())
	o.now = func() time.Time { return testNow }
	o.sleep = func(context.Context, time.Duration) error { return nil }

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Batches, 2)

	assert.False(t, summary.Batches[0].Aborted)
	assert.Equal(t, 2, summary.Batches[0].Running)
	assert.True(t, summary.Batches[1].Aborted)
	assert.Equal(t, 2, summary.Batches[1].Failures[FailurePrecondition])
	assert.InDelta(t, 1.2, summary.CostUSD, 1e-9)

	l := getLead(t, st, "lead-04")
	assert.Contains(t, l.Info, "cost budget exhausted")
}

func TestRun_SkipsWhileLockHeld(t *testing.T) {
	st := newTestStore(t)
	seedLeads(t, st, 2)

	lockPath := filepath.Join(t.TempDir(), "campaign.lock")
	held, err := runlock.New(lockPath)
	require.NoError(t, err)
	require.NoError(t, held.TryAcquire())
	defer held.Release()

	o, gw := newTestOrchestrator(t, st, &fakeGeneration{}, config.CampaignConfig{BatchSize: 2, LockFile: lockPath})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Zero(t, summary.Claimed)
	gw.AssertNotCalled(t, "GenerateBatch", mock.Anything, mock.Anything)

	leads, err := st.ListUnclaimed(context.Background())
	require.NoError(t, err)
	assert.Len(t, leads, 2)
	for _, l := range leads {
		assert.Equal(t, model.StatusEmpty, l.Status)
	}
}

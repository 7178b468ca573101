// Package pipeline turns freshly imported leads into scheduled Running leads.
// Each batch runs three generation stages (profile, angles, first mail); a
// stage dispatches every surviving row at once and waits for all of them
// before the next stage starts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nurture-cli/internal/config"
	"github.com/sells-group/nurture-cli/internal/cost"
	"github.com/sells-group/nurture-cli/internal/gateway"
	"github.com/sells-group/nurture-cli/internal/lifecycle"
	"github.com/sells-group/nurture-cli/internal/model"
	"github.com/sells-group/nurture-cli/internal/runlock"
	"github.com/sells-group/nurture-cli/internal/store"
)

// SlotAssigner hands out a lead's three send slots.
type SlotAssigner interface {
	AssignLeadSlots(ctx context.Context) ([model.MailCount]time.Time, error)
}

// spender is implemented by gateways that account for cost.
type spender interface {
	Spend() (cost.Usage, float64)
}

// BatchResult summarises one batch. Running+Errored always equals Size.
type BatchResult struct {
	Number   int                 `json:"number"`
	Size     int                 `json:"size"`
	Running  int                 `json:"running"`
	Errored  int                 `json:"errored"`
	Aborted  bool                `json:"aborted,omitempty"`
	Failures map[FailureKind]int `json:"failures,omitempty"`
}

// RunSummary summarises a campaign run.
type RunSummary struct {
	// Skipped is set when another run held the campaign lock.
	Skipped   bool          `json:"skipped,omitempty"`
	Selected  int           `json:"selected"`
	Claimed   int           `json:"claimed"`
	Running   int           `json:"running"`
	Errored   int           `json:"errored"`
	Batches   []BatchResult `json:"batches"`
	Usage     cost.Usage    `json:"usage"`
	CostUSD   float64       `json:"cost_usd"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// ErroredRate is the share of claimed rows that ended errored.
func (s *RunSummary) ErroredRate() float64 {
	if s.Claimed == 0 {
		return 0
	}
	return float64(s.Errored) / float64(s.Claimed)
}

func (s *RunSummary) add(b BatchResult) {
	s.Batches = append(s.Batches, b)
	s.Running += b.Running
	s.Errored += b.Errored
}

// Orchestrator runs campaign passes.
type Orchestrator struct {
	cfg      config.CampaignConfig
	store    store.RecordStore
	gw       gateway.Gateway
	assigner SlotAssigner
	prompts  Prompts

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator.
func New(cfg config.CampaignConfig, st store.RecordStore, gw gateway.Gateway, assigner SlotAssigner, prompts Prompts) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		gw:       gw,
		assigner: assigner,
		prompts:  prompts,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run claims every eligible lead and processes it in sequential batches.
// Row failures never fail the run; the returned error covers store failures
// before any batch starts and context cancellation. When a lock file is
// configured and another run holds it, Run does nothing and reports Skipped.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	if o.cfg.LockFile == "" {
		return o.run(ctx)
	}

	var summary *RunSummary
	err := runlock.Do(o.cfg.LockFile, func() error {
		var err error
		summary, err = o.run(ctx)
		return err
	})
	if errors.Is(err, runlock.ErrHeld) {
		zap.L().Info("pipeline: another campaign run in progress, skipping", zap.String("lock", o.cfg.LockFile))
		return &RunSummary{Skipped: true, StartedAt: o.now()}, nil
	}
	return summary, err
}

func (o *Orchestrator) run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{StartedAt: o.now()}
	sp, accounted := o.gw.(spender)
	var usage0 cost.Usage
	var usd0 float64
	if accounted {
		usage0, usd0 = sp.Spend()
	}
	defer func() {
		summary.Duration = o.now().Sub(summary.StartedAt)
		if accounted {
			u, usd := sp.Spend()
			summary.Usage = cost.Usage{
				Input:      u.Input - usage0.Input,
				Output:     u.Output - usage0.Output,
				CacheWrite: u.CacheWrite - usage0.CacheWrite,
				CacheRead:  u.CacheRead - usage0.CacheRead,
			}
			summary.CostUSD = usd - usd0
		}
	}()

	leads, err := o.store.ListUnclaimed(ctx)
	if err != nil {
		return summary, eris.Wrap(err, "pipeline: list unclaimed")
	}
	summary.Selected = len(leads)
	if len(leads) == 0 {
		zap.L().Info("pipeline: no leads to process")
		return summary, nil
	}

	claimedIDs, err := o.store.ClaimLeads(ctx, leadIDs(leads))
	if err != nil {
		return summary, eris.Wrap(err, "pipeline: claim leads")
	}
	leads, ids := keepClaimed(leads, claimedIDs)
	summary.Claimed = len(leads)

	batches, err := CreateBatches(leads, ids, o.cfg.BatchSize)
	if err != nil {
		return summary, err
	}

	zap.L().Info("pipeline: starting campaign run",
		zap.Int("selected", summary.Selected),
		zap.Int("claimed", summary.Claimed),
		zap.Int("batches", len(batches)),
	)

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			o.interrupt(ctx, summary, batches[i:], err)
			return summary, eris.Wrap(err, "pipeline: run cancelled")
		}

		summary.add(o.processBatch(ctx, batch, usd0))

		if i < len(batches)-1 && o.cfg.BatchDelay() > 0 {
			if err := o.sleep(ctx, o.cfg.BatchDelay()); err != nil {
				o.interrupt(ctx, summary, batches[i+1:], err)
				return summary, eris.Wrap(err, "pipeline: run cancelled")
			}
		}
	}

	zap.L().Info("pipeline: campaign run complete",
		zap.Int("running", summary.Running),
		zap.Int("errored", summary.Errored),
		zap.Float64("cost_usd", summary.CostUSD),
	)
	return summary, nil
}

// rowState carries one lead through the stages of a batch.
type rowState struct {
	lead  model.Lead
	stage model.RowStage
	kind  FailureKind
}

func (r *rowState) fail(kind FailureKind, step string, err error) {
	r.stage = model.Errored(lifecycle.ErrorNote(step, err))
	r.kind = kind
}

// stage describes one generation step: rows in From are prompted, successful
// replies are applied and move the row to To.
type stage struct {
	name   string
	from   model.StageKind
	to     model.StageKind
	prompt func(model.Lead) gateway.Prompt
	apply  func(*model.Lead, string) error
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{
			name:   "profile",
			from:   model.StagePending,
			to:     model.StageProfileDone,
			prompt: o.prompts.ProfilePrompt,
			apply: func(l *model.Lead, content string) error {
				profile, err := ParseProfile(content)
				if err != nil {
					return err
				}
				l.ProfileText = profile
				return nil
			},
		},
		{
			name:   "angles",
			from:   model.StageProfileDone,
			to:     model.StageAnglesDone,
			prompt: o.prompts.AnglesPrompt,
			apply: func(l *model.Lead, content string) error {
				set, err := ParseAngles(content)
				if err != nil {
					return err
				}
				l.Angles = set.Angles
				l.ProfileText = set.AppendContext(l.ProfileText)
				return nil
			},
		},
		{
			name: "mail",
			from: model.StageAnglesDone,
			to:   model.StageMailDone,
			prompt: func(l model.Lead) gateway.Prompt {
				return o.prompts.MailPrompt(l, 1)
			},
			apply: func(l *model.Lead, content string) error {
				mail, err := ParseMail(content)
				if err != nil {
					return err
				}
				l.MailContent[0] = mail
				return nil
			},
		},
	}
}

func (o *Orchestrator) processBatch(ctx context.Context, batch model.Batch, usdAtStart float64) BatchResult {
	log := zap.L().With(
		zap.Int("batch", batch.Number),
		zap.Int("total_batches", batch.Total),
		zap.Int("rows", len(batch.Leads)),
	)
	log.Info("pipeline: processing batch")

	res := BatchResult{Number: batch.Number, Size: len(batch.Leads), Failures: map[FailureKind]int{}}

	rows := make([]*rowState, len(batch.Leads))
	for i, l := range batch.Leads {
		rows[i] = &rowState{lead: l, stage: model.Pending()}
	}

	if err := o.precondition(usdAtStart); err != nil {
		log.Warn("pipeline: batch precondition failed, aborting batch", zap.Error(err))
		for _, r := range rows {
			r.fail(FailurePrecondition, "precondition", err)
		}
		res.Aborted = true
		o.finalize(ctx, rows, &res, log)
		return res
	}

	for _, st := range o.stages() {
		o.runStage(ctx, rows, st, log)
	}

	o.finalize(ctx, rows, &res, log)
	log.Info("pipeline: batch complete",
		zap.Int("running", res.Running),
		zap.Int("errored", res.Errored),
	)
	return res
}

// precondition applies to the batch as a whole. The cost budget covers what
// this run has spent since usdAtStart.
func (o *Orchestrator) precondition(usdAtStart float64) error {
	if err := o.gw.Ready(); err != nil {
		return eris.Wrap(err, "generation gateway not ready")
	}
	if o.cfg.MaxCostUSD > 0 {
		if sp, ok := o.gw.(spender); ok {
			if _, total := sp.Spend(); total-usdAtStart >= o.cfg.MaxCostUSD {
				spent := total - usdAtStart
				return eris.Errorf("cost budget exhausted: $%.2f of $%.2f", spent, o.cfg.MaxCostUSD)
			}
		}
	}
	return nil
}

// runStage fans the stage's prompts out for every eligible row and applies
// the results once all of them are back.
func (o *Orchestrator) runStage(ctx context.Context, rows []*rowState, st stage, log *zap.Logger) {
	var (
		idx     []int
		prompts []gateway.Prompt
	)
	for i, r := range rows {
		switch r.stage.Kind {
		case st.from:
			idx = append(idx, i)
			prompts = append(prompts, st.prompt(r.lead))
		case model.StageErrored:
			// Dropped out in an earlier stage.
		default:
			r.fail(FailureStage, st.name, eris.Errorf("row in stage %s, expected %s", r.stage.Kind, st.from))
		}
	}
	if len(prompts) == 0 {
		return
	}

	start := time.Now()
	results := o.gw.GenerateBatch(ctx, prompts)
	if len(results) != len(prompts) {
		err := eris.Errorf("gateway returned %d results for %d prompts", len(results), len(prompts))
		for _, i := range idx {
			rows[i].fail(FailureStage, st.name, err)
		}
		log.Error("pipeline: stage result mismatch", zap.String("stage", st.name), zap.Error(err))
		return
	}

	failed := 0
	for j, result := range results {
		r := rows[idx[j]]
		if !result.Success {
			r.fail(FailureStage, st.name, result.Err)
			failed++
			log.Warn("pipeline: stage failed for lead",
				zap.String("stage", st.name),
				zap.String("lead", r.lead.ID),
				zap.Error(result.Err),
			)
			continue
		}
		if err := st.apply(&r.lead, result.Content); err != nil {
			r.fail(classify(err), st.name, err)
			failed++
			log.Warn("pipeline: could not parse stage output",
				zap.String("stage", st.name),
				zap.String("lead", r.lead.ID),
				zap.Error(err),
			)
			continue
		}
		r.stage = model.Advance(st.to)
	}

	log.Debug("pipeline: stage complete",
		zap.String("stage", st.name),
		zap.Int("dispatched", len(prompts)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// finalize schedules and persists survivors, and annotates errored rows.
func (o *Orchestrator) finalize(ctx context.Context, rows []*rowState, res *BatchResult, log *zap.Logger) {
	for _, r := range rows {
		if r.stage.Kind == model.StageMailDone {
			err := o.schedule(ctx, r)
			if err == nil {
				res.Running++
				continue
			}
			r.fail(FailureSchedule, "schedule", err)
			log.Warn("pipeline: could not schedule lead", zap.String("lead", r.lead.ID), zap.Error(err))
		}

		res.Errored++
		res.Failures[r.kind]++
		o.persistError(ctx, r, log)
	}
}

func (o *Orchestrator) schedule(ctx context.Context, r *rowState) error {
	lead := r.lead
	if err := lifecycle.Transition(&lead, model.StatusRunning); err != nil {
		return err
	}

	slots, err := o.assigner.AssignLeadSlots(ctx)
	if err != nil {
		return err
	}

	info, _ := lifecycle.Annotate(lead.Info, lifecycle.SignalProgress,
		fmt.Sprintf("Scheduled %s", slots[0].UTC().Format(time.RFC3339)))
	mail := lead.MailContent[0]
	update := model.LeadUpdate{
		ProfileText: &lead.ProfileText,
		Angles:      &lead.Angles,
		MailContent: map[int]string{1: mail},
		SendSlots:   &slots,
		Status:      model.StatusPtr(model.StatusRunning),
		Info:        &info,
	}
	if err := o.store.UpdateLead(ctx, lead.ID, update); err != nil {
		return eris.Wrap(err, "persist scheduled lead")
	}
	return nil
}

// persistError writes the error note plus whatever the row produced before
// failing. The row stays Processing and is re-selected next run.
func (o *Orchestrator) persistError(ctx context.Context, r *rowState, log *zap.Logger) {
	info, ok := lifecycle.Annotate(r.lead.Info, lifecycle.SignalProgress, r.stage.Reason)
	if !ok {
		info = r.lead.Info
	}
	update := model.LeadUpdate{Info: &info}
	if r.lead.ProfileText != "" {
		update.ProfileText = &r.lead.ProfileText
	}
	if err := o.store.UpdateLead(context.WithoutCancel(ctx), r.lead.ID, update); err != nil {
		log.Error("pipeline: could not annotate errored lead", zap.String("lead", r.lead.ID), zap.Error(err))
	}
}

// interrupt annotates claimed rows of batches that never ran so the next run
// picks them up again.
func (o *Orchestrator) interrupt(ctx context.Context, summary *RunSummary, pending []model.Batch, cause error) {
	log := zap.L().With(zap.Int("pending_batches", len(pending)))
	log.Warn("pipeline: run interrupted", zap.Error(cause))
	for _, b := range pending {
		res := BatchResult{Number: b.Number, Size: len(b.Leads), Aborted: true, Failures: map[FailureKind]int{}}
		for _, l := range b.Leads {
			r := &rowState{lead: l}
			r.fail(FailureInterrupted, "campaign", cause)
			res.Errored++
			res.Failures[FailureInterrupted]++
			o.persistError(ctx, r, log)
		}
		summary.add(res)
	}
}

func leadIDs(leads []model.Lead) []string {
	ids := make([]string, len(leads))
	for i, l := range leads {
		ids[i] = l.ID
	}
	return ids
}

// keepClaimed filters leads down to claimed, preserving order.
func keepClaimed(leads []model.Lead, claimed []string) ([]model.Lead, []string) {
	set := make(map[string]bool, len(claimed))
	for _, id := range claimed {
		set[id] = true
	}
	var (
		out []model.Lead
		ids []string
	)
	for _, l := range leads {
		if set[l.ID] {
			l.Status = model.StatusProcessing
			out = append(out, l)
			ids = append(ids, l.ID)
		}
	}
	return out, ids
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

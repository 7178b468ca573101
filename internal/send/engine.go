// Package send delivers due nurture mails and generates the follow-up mail
// content that each delivery unlocks.
package send

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nurture-cli/internal/config"
	"github.com/sells-group/nurture-cli/internal/gateway"
	"github.com/sells-group/nurture-cli/internal/lifecycle"
	"github.com/sells-group/nurture-cli/internal/mail"
	"github.com/sells-group/nurture-cli/internal/model"
	"github.com/sells-group/nurture-cli/internal/pipeline"
	"github.com/sells-group/nurture-cli/internal/runlock"
	"github.com/sells-group/nurture-cli/internal/store"
)

// Store is the persistence the engine needs.
type Store interface {
	store.RecordStore
	store.SendLog
}

// Summary describes one invocation.
type Summary struct {
	// Skipped is set when another invocation held the lock.
	Skipped          bool          `json:"skipped,omitempty"`
	Leads            int           `json:"leads"`
	Sent             int           `json:"sent"`
	Failed           int           `json:"failed"`
	MissingContent   int           `json:"missing_content"`
	Completed        int           `json:"completed"`
	CascadeRequested int           `json:"cascade_requested"`
	CascadeGenerated int           `json:"cascade_generated"`
	CascadeFailed    int           `json:"cascade_failed"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
}

// Engine scans Running leads and sends the mails that are due.
type Engine struct {
	cfg       config.SendConfig
	store     Store
	transport mail.Transport
	gw        gateway.Gateway
	prompts   pipeline.Prompts
	now       func() time.Time
}

// New creates an Engine. gw may be nil, in which case follow-up content is
// never generated.
func New(cfg config.SendConfig, st Store, transport mail.Transport, gw gateway.Gateway, prompts pipeline.Prompts) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     st,
		transport: transport,
		gw:        gw,
		prompts:   prompts,
		now:       time.Now,
	}
}

// leadPass collects what happened to one lead during an invocation.
type leadPass struct {
	lead     model.Lead
	newSends []int
	info     string
	dirty    bool
	// stopped is set once the stored lead is seen outside Running, e.g. a
	// bounce recorded while the pass was under way.
	stopped bool
}

func (p *leadPass) annotate(note string) {
	if info, ok := lifecycle.Annotate(p.info, lifecycle.SignalProgress, note); ok {
		p.info = info
		p.dirty = true
	}
}

// Run performs one invocation. When a lock file is configured and another
// invocation holds it, Run does nothing and reports Skipped.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	if e.cfg.LockFile == "" {
		return e.run(ctx)
	}

	var summary *Summary
	err := runlock.Do(e.cfg.LockFile, func() error {
		var err error
		summary, err = e.run(ctx)
		return err
	})
	if errors.Is(err, runlock.ErrHeld) {
		zap.L().Info("send: previous invocation still running, skipping", zap.String("lock", e.cfg.LockFile))
		return &Summary{Skipped: true, StartedAt: e.now()}, nil
	}
	return summary, err
}

func (e *Engine) run(ctx context.Context) (*Summary, error) {
	now := e.now()
	summary := &Summary{StartedAt: now}
	defer func() { summary.Duration = e.now().Sub(now) }()

	running := model.StatusRunning
	leads, err := e.store.ListLeads(ctx, store.LeadFilter{Status: &running})
	if err != nil {
		return summary, eris.Wrap(err, "send: list running leads")
	}
	summary.Leads = len(leads)

	passes := make([]*leadPass, len(leads))
	var targets []target
	for i, l := range leads {
		p := &leadPass{lead: l, info: l.Info}
		passes[i] = p
		targets = append(targets, e.scanLead(ctx, p, now, summary)...)
		if len(p.newSends) > 0 || lifecycle.IsComplete(p.lead) {
			p.annotate(lifecycle.ProgressNote(p.lead.SentCount()))
		}
	}

	for _, p := range passes {
		for _, m := range p.newSends {
			if m < model.MailCount && p.lead.Content(m+1) == "" {
				targets = append(targets, target{pass: p, mail: m + 1})
			}
		}
	}
	e.cascade(ctx, e.stillRunning(ctx, dedupe(targets)), summary)

	for _, p := range passes {
		e.finish(ctx, p, summary)
	}

	zap.L().Info("send: invocation complete",
		zap.Int("leads", summary.Leads),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Int("completed", summary.Completed),
		zap.Int("cascade_generated", summary.CascadeGenerated),
		zap.Int("cascade_failed", summary.CascadeFailed),
	)
	return summary, nil
}

// scanLead sends the lead's due mails in order. A mail is only attempted once
// every earlier mail has gone out. It returns the next mail when its content
// is missing.
func (e *Engine) scanLead(ctx context.Context, p *leadPass, now time.Time, summary *Summary) []target {
	log := zap.L().With(zap.String("lead", p.lead.ID))

	for m := 1; m <= model.MailCount; m++ {
		if p.lead.IsSent(m) {
			continue
		}
		slot := p.lead.Slot(m)
		if slot == nil || slot.After(now) {
			if m > 1 && p.lead.Content(m) == "" {
				// Follow-up left empty by an earlier failed cascade.
				return []target{{pass: p, mail: m}}
			}
			return nil
		}
		if p.lead.Content(m) == "" {
			log.Warn("send: mail due but content missing", zap.Int("mail", m))
			summary.MissingContent++
			return []target{{pass: p, mail: m}}
		}
		if !e.refresh(ctx, p) {
			return nil
		}
		if err := e.deliver(ctx, p, m, now); err != nil {
			log.Warn("send: delivery failed", zap.Int("mail", m), zap.Error(err))
			summary.Failed++
			p.annotate(lifecycle.ErrorNote(fmt.Sprintf("send mail %d", m), err))
			return nil
		}
		summary.Sent++
	}
	return nil
}

// refresh re-reads the lead and reports whether it is still Running. A
// detector may finish the lead while the pass is under way.
func (e *Engine) refresh(ctx context.Context, p *leadPass) bool {
	if p.stopped {
		return false
	}
	cur, err := e.store.GetLead(ctx, p.lead.ID)
	if err != nil {
		zap.L().Warn("send: could not re-read lead, skipping", zap.String("lead", p.lead.ID), zap.Error(err))
		return false
	}
	if cur.Status != model.StatusRunning {
		zap.L().Info("send: lead left Running during pass",
			zap.String("lead", p.lead.ID), zap.String("status", string(cur.Status)))
		p.stopped = true
		return false
	}
	return true
}

// stillRunning drops cascade targets whose lead is no longer Running.
func (e *Engine) stillRunning(ctx context.Context, targets []target) []target {
	out := targets[:0]
	for _, t := range targets {
		if e.refresh(ctx, t.pass) {
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) deliver(ctx context.Context, p *leadPass, m int, now time.Time) error {
	subject, body := model.SplitMail(p.lead.Content(m))
	if subject == "" {
		subject = pipeline.Render(e.cfg.DefaultSubject, p.lead, m)
	}

	msg := mail.Outgoing{
		To:        p.lead.Email,
		Subject:   subject,
		Body:      body,
		LeadID:    p.lead.ID,
		MailIndex: m,
	}
	if err := e.transport.Send(ctx, msg); err != nil {
		return err
	}

	// The sent flag is the double-send guard and is stored first.
	if err := e.store.MarkSent(context.WithoutCancel(ctx), p.lead.ID, m); err != nil {
		zap.L().Error("send: mail delivered but sent flag not stored",
			zap.String("lead", p.lead.ID), zap.Int("mail", m), zap.Error(err))
		return eris.Wrap(err, "mark sent")
	}
	p.lead.Sent[m-1] = true
	p.newSends = append(p.newSends, m)

	rec := model.SendRecord{
		LeadID:    p.lead.ID,
		Email:     p.lead.Email,
		Subject:   subject,
		MailIndex: m,
		SentAt:    now,
	}
	if err := e.store.RecordSend(context.WithoutCancel(ctx), rec); err != nil {
		zap.L().Warn("send: could not record send", zap.String("lead", p.lead.ID), zap.Int("mail", m), zap.Error(err))
	}
	return nil
}

// finish applies the lead's status change and annotation against the stored
// row, so a signal recorded during the pass keeps its precedence and a lead
// finished elsewhere is not moved again.
func (e *Engine) finish(ctx context.Context, p *leadPass, summary *Summary) {
	complete := lifecycle.IsComplete(p.lead)
	if !p.dirty && !complete {
		return
	}
	ctx = context.WithoutCancel(ctx)

	cur, err := e.store.GetLead(ctx, p.lead.ID)
	if err != nil {
		zap.L().Error("send: could not re-read lead", zap.String("lead", p.lead.ID), zap.Error(err))
		return
	}

	var update model.LeadUpdate
	if complete && cur.Status == model.StatusRunning {
		if err := lifecycle.Transition(cur, model.StatusDone); err != nil {
			zap.L().Warn("send: cannot complete lead", zap.String("lead", p.lead.ID), zap.Error(err))
		} else {
			update.Status = model.StatusPtr(model.StatusDone)
			summary.Completed++
		}
	}
	if p.dirty {
		if info, ok := lifecycle.Annotate(cur.Info, lifecycle.SignalProgress, p.info); ok {
			update.Info = &info
		}
	}
	if update.IsEmpty() {
		return
	}
	if err := e.store.UpdateLead(ctx, p.lead.ID, update); err != nil {
		zap.L().Error("send: could not update lead", zap.String("lead", p.lead.ID), zap.Error(err))
	}
}

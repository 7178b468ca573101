package send

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/nurture-cli/internal/gateway"
	"github.com/sells-group/nurture-cli/internal/lifecycle"
	"github.com/sells-group/nurture-cli/internal/model"
	"github.com/sells-group/nurture-cli/internal/pipeline"
)

// target is a mail whose content has to be generated.
type target struct {
	pass *leadPass
	mail int
}

func dedupe(targets []target) []target {
	seen := make(map[string]bool, len(targets))
	out := targets[:0]
	for _, t := range targets {
		key := fmt.Sprintf("%s/%d", t.pass.lead.ID, t.mail)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// cascade generates content for every target in one wave. Failures leave the
// content empty; the next invocation finds it missing and asks again.
func (e *Engine) cascade(ctx context.Context, targets []target, summary *Summary) {
	if len(targets) == 0 {
		return
	}
	summary.CascadeRequested = len(targets)

	if e.gw == nil {
		zap.L().Warn("send: no generation gateway, follow-up content not generated", zap.Int("targets", len(targets)))
		return
	}
	if err := e.gw.Ready(); err != nil {
		zap.L().Warn("send: generation gateway not ready, deferring follow-up content",
			zap.Int("targets", len(targets)), zap.Error(err))
		return
	}

	prompts := make([]gateway.Prompt, len(targets))
	for i, t := range targets {
		prompts[i] = e.prompts.MailPrompt(t.pass.lead, t.mail)
	}

	results := e.gw.GenerateBatch(ctx, prompts)
	if len(results) != len(prompts) {
		zap.L().Error("send: gateway result mismatch",
			zap.Int("prompts", len(prompts)), zap.Int("results", len(results)))
		summary.CascadeFailed += len(targets)
		return
	}

	for i, res := range results {
		t := targets[i]
		step := fmt.Sprintf("generate mail %d", t.mail)
		log := zap.L().With(zap.String("lead", t.pass.lead.ID), zap.Int("mail", t.mail))

		if !res.Success {
			log.Warn("send: follow-up generation failed", zap.Error(res.Err))
			summary.CascadeFailed++
			t.pass.annotate(lifecycle.ErrorNote(step, res.Err))
			continue
		}
		content, err := pipeline.ParseMail(res.Content)
		if err != nil {
			log.Warn("send: follow-up content unparseable", zap.Error(err))
			summary.CascadeFailed++
			t.pass.annotate(lifecycle.ErrorNote(step, err))
			continue
		}
		update := model.LeadUpdate{MailContent: map[int]string{t.mail: content}}
		if err := e.store.UpdateLead(context.WithoutCancel(ctx), t.pass.lead.ID, update); err != nil {
			log.Error("send: could not store follow-up content", zap.Error(err))
			summary.CascadeFailed++
			continue
		}
		t.pass.lead.MailContent[t.mail-1] = content
		summary.CascadeGenerated++
	}
}

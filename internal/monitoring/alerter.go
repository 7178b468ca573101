package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nurture-cli/internal/config"
	"github.com/sells-group/nurture-cli/internal/pipeline"
	"github.com/sells-group/nurture-cli/internal/send"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertErroredRate     AlertType = "campaign_errored_rate"
	AlertSendFailures    AlertType = "send_failures"
	AlertCostOverrun     AlertType = "cost_overrun"
	AlertStaleProcessing AlertType = "stale_processing"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates run summaries and lead snapshots against configured
// thresholds and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateCampaign checks a campaign run.
func (a *Alerter) EvaluateCampaign(s *pipeline.RunSummary) []Alert {
	if s == nil {
		return nil
	}
	var alerts []Alert
	now := a.now()

	rate := s.ErroredRate()
	if a.cfg.ErroredRateThreshold > 0 && s.Claimed >= a.cfg.MinRowsForRate && rate > a.cfg.ErroredRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertErroredRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Campaign errored rate %.1f%% exceeds threshold %.1f%% (%d errored / %d claimed)",
				rate*100, a.cfg.ErroredRateThreshold*100, s.Errored, s.Claimed,
			),
			Details: map[string]any{
				"errored_rate": rate,
				"threshold":    a.cfg.ErroredRateThreshold,
				"errored":      s.Errored,
				"claimed":      s.Claimed,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && s.CostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Campaign generation cost $%.2f exceeds threshold $%.2f",
				s.CostUSD, a.cfg.CostThresholdUSD,
			),
			Details: map[string]any{
				"cost_usd":      s.CostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"claimed":       s.Claimed,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// EvaluateSend checks a send-engine invocation.
func (a *Alerter) EvaluateSend(s *send.Summary) []Alert {
	if s == nil || s.Skipped {
		return nil
	}
	if a.cfg.SendFailureThreshold <= 0 || s.Failed < a.cfg.SendFailureThreshold {
		return nil
	}
	return []Alert{{
		Type:     AlertSendFailures,
		Severity: "high",
		Message: fmt.Sprintf(
			"%d mail deliveries failed in one send invocation (threshold %d)",
			s.Failed, a.cfg.SendFailureThreshold,
		),
		Details: map[string]any{
			"failed":    s.Failed,
			"sent":      s.Sent,
			"threshold": a.cfg.SendFailureThreshold,
		},
		Timestamp: a.now(),
	}}
}

// Evaluate checks a lead snapshot.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	if snap == nil || snap.StaleProcessing == 0 {
		return nil
	}
	return []Alert{{
		Type:     AlertStaleProcessing,
		Severity: "medium",
		Message: fmt.Sprintf(
			"%d leads stuck in Processing for more than %dh without an error note",
			snap.StaleProcessing, snap.StaleAfterHours,
		),
		Details: map[string]any{
			"stale":      snap.StaleProcessing,
			"processing": snap.Processing,
			"lead_ids":   snap.StaleIDs,
		},
		Timestamp: a.now(),
	}}
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if len(alerts) == 0 {
		return 0
	}
	if a.cfg.WebhookURL == "" {
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert triggered (no webhook configured)",
				zap.String("type", string(alert.Type)),
				zap.String("message", alert.Message),
			)
		}
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

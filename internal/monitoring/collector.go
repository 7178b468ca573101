// Package monitoring evaluates run outcomes and lead-table health and posts
// alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nurture-cli/internal/model"
	"github.com/sells-group/nurture-cli/internal/store"
)

// Snapshot is a point-in-time count of leads by lifecycle position.
type Snapshot struct {
	Total      int `json:"total"`
	Unclaimed  int `json:"unclaimed"`
	Processing int `json:"processing"`
	// ProcessingErrored are Processing rows carrying an error note; the next
	// campaign run re-selects them.
	ProcessingErrored int `json:"processing_errored"`
	// StaleProcessing are Processing rows without an error note that have not
	// changed for StaleAfterHours, typically left by a crashed run.
	StaleProcessing int       `json:"stale_processing"`
	StaleIDs        []string  `json:"stale_ids,omitempty"`
	Running         int       `json:"running"`
	Done            int       `json:"done"`
	StaleAfterHours int       `json:"stale_after_hours"`
	CollectedAt     time.Time `json:"collected_at"`
}

// Collector gathers lead counts from the record store.
type Collector struct {
	store store.RecordStore
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.RecordStore) *Collector {
	return &Collector{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Collect counts every lead. Processing rows untouched for staleAfterHours
// are reported as stale.
func (c *Collector) Collect(ctx context.Context, staleAfterHours int) (*Snapshot, error) {
	now := c.now()
	snap := &Snapshot{StaleAfterHours: staleAfterHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(staleAfterHours) * time.Hour)

	leads, err := c.store.ListLeads(ctx, store.LeadFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list leads")
	}

	snap.Total = len(leads)
	for _, l := range leads {
		switch l.Status {
		case model.StatusEmpty:
			snap.Unclaimed++
		case model.StatusProcessing:
			snap.Processing++
			if l.HasErrorAnnotation() {
				snap.ProcessingErrored++
			} else if staleAfterHours > 0 && l.UpdatedAt.Before(cutoff) {
				snap.StaleProcessing++
				snap.StaleIDs = append(snap.StaleIDs, l.ID)
			}
		case model.StatusRunning:
			snap.Running++
		case model.StatusDone:
			snap.Done++
		}
	}
	return snap, nil
}

// Package store persists leads, the schedule cursor and the send log.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nurture-cli/internal/model"
)

// ErrNotFound is returned when a lead does not exist.
var ErrNotFound = eris.New("store: not found")

// LeadFilter narrows ListLeads.
type LeadFilter struct {
	Status *model.Status `json:"status,omitempty"`
	Limit  int           `json:"limit,omitempty"`
	Offset int           `json:"offset,omitempty"`
}

// RecordStore holds lead rows.
type RecordStore interface {
	// InsertLeads adds new leads, skipping emails already present. Leads
	// without an ID get one. It returns the number inserted.
	InsertLeads(ctx context.Context, leads []model.Lead) (int, error)
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error)
	// ListUnclaimed returns leads eligible for a campaign run in import order:
	// required inputs present and either no status or Processing with an
	// error annotation.
	ListUnclaimed(ctx context.Context) ([]model.Lead, error)
	// ClaimLeads moves eligible leads to Processing and returns the IDs it
	// claimed.
	ClaimLeads(ctx context.Context, ids []string) ([]string, error)
	UpdateLead(ctx context.Context, id string, u model.LeadUpdate) error
	// MarkSent flags a 1-based mail as sent. Flags are never cleared.
	MarkSent(ctx context.Context, id string, mail int) error
}

// CursorStore persists the schedule cursor as two scalar settings.
type CursorStore interface {
	LoadCursor(ctx context.Context) (model.Cursor, error)
	SaveCursor(ctx context.Context, c model.Cursor) error
	ResetCursor(ctx context.Context) error
}

// SendLog records delivered mails.
type SendLog interface {
	RecordSend(ctx context.Context, rec model.SendRecord) error
	ListSends(ctx context.Context, leadID string, limit int) ([]model.SendRecord, error)
	PruneSends(ctx context.Context, before time.Time) (int, error)
}

// Store is the full persistence interface.
type Store interface {
	RecordStore
	CursorStore
	SendLog

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// leadColumns is the select list scanned by scanLead.
const leadColumns = `id, email, first_name, department, position, company_url, profile_text,
	angle_1, angle_2, angle_3, mail_1, mail_2, mail_3, slot_1, slot_2, slot_3,
	sent_1, sent_2, sent_3, status, info, created_at, updated_at`

const sendColumns = `id, lead_id, email, subject, mail_index, sent_at`

// eligibleClause matches rows a campaign run may claim.
const eligibleClause = `(status = '' OR (status = 'Processing' AND info LIKE 'Error: %'))`

const requiredInputsClause = `trim(email) <> '' AND trim(first_name) <> '' AND trim(company_url) <> '' AND trim(position) <> ''`

type scannable interface {
	Scan(dest ...any) error
}

func scanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var status string
	err := row.Scan(
		&l.ID, &l.Email, &l.FirstName, &l.Department, &l.Position, &l.CompanyURL, &l.ProfileText,
		&l.Angles[0], &l.Angles[1], &l.Angles[2],
		&l.MailContent[0], &l.MailContent[1], &l.MailContent[2],
		&l.SendSlots[0], &l.SendSlots[1], &l.SendSlots[2],
		&l.Sent[0], &l.Sent[1], &l.Sent[2],
		&status, &l.Info, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Status = model.Status(status)
	for i, s := range l.SendSlots {
		if s != nil {
			utc := s.UTC()
			l.SendSlots[i] = &utc
		}
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func scanSend(row scannable) (*model.SendRecord, error) {
	var r model.SendRecord
	if err := row.Scan(&r.ID, &r.LeadID, &r.Email, &r.Subject, &r.MailIndex, &r.SentAt); err != nil {
		return nil, err
	}
	r.SentAt = r.SentAt.UTC()
	return &r, nil
}

// sentColumn returns the flag column for a 1-based mail index.
func sentColumn(mail int) (string, error) {
	if mail < 1 || mail > model.MailCount {
		return "", eris.Errorf("store: mail index %d out of range", mail)
	}
	return fmt.Sprintf("sent_%d", mail), nil
}

// buildLeadUpdate renders the SET list of u. placeholder returns the bind
// marker for the n-th (1-based) argument.
func buildLeadUpdate(u model.LeadUpdate, now time.Time, placeholder func(n int) string) (string, []any, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+placeholder(len(args)))
	}

	if u.ProfileText != nil {
		add("profile_text", *u.ProfileText)
	}
	if u.Angles != nil {
		for i, a := range u.Angles {
			add(fmt.Sprintf("angle_%d", i+1), a)
		}
	}
	for mail := 1; mail <= model.MailCount; mail++ {
		if content, ok := u.MailContent[mail]; ok {
			add(fmt.Sprintf("mail_%d", mail), content)
		}
	}
	for mail := range u.MailContent {
		if mail < 1 || mail > model.MailCount {
			return "", nil, eris.Errorf("store: mail index %d out of range", mail)
		}
	}
	if u.SendSlots != nil {
		for i, s := range u.SendSlots {
			add(fmt.Sprintf("slot_%d", i+1), s.UTC())
		}
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Info != nil {
		add("info", *u.Info)
	}
	add("updated_at", now)
	return strings.Join(sets, ", "), args, nil
}

// importOrder stamps created_at so that leads inserted together keep their
// input order.
func importOrder(leads []model.Lead, base time.Time) {
	for i := range leads {
		if leads[i].CreatedAt.IsZero() {
			leads[i].CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		}
		leads[i].UpdatedAt = leads[i].CreatedAt
	}
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

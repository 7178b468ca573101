package model

import (
	"strings"
	"time"
)

// MailCount is the number of touches in a nurture sequence.
const MailCount = 3

// Status represents where a lead sits in the nurture lifecycle.
type Status string

const (
	StatusEmpty      Status = ""
	StatusProcessing Status = "Processing"
	StatusRunning    Status = "Running"
	StatusDone       Status = "Done"
)

// ErrorPrefix marks an info annotation written for a failed campaign step.
// Processing leads carrying it are re-selected on the next campaign run.
const ErrorPrefix = "Error: "

// Lead is a single row of the record store.
type Lead struct {
	ID          string                `json:"id"`
	Email       string                `json:"email"`
	FirstName   string                `json:"first_name"`
	Department  string                `json:"department"`
	Position    string                `json:"position"`
	CompanyURL  string                `json:"company_url"`
	ProfileText string                `json:"profile_text,omitempty"`
	Angles      [MailCount]string     `json:"angles"`
	MailContent [MailCount]string     `json:"mail_content"`
	SendSlots   [MailCount]*time.Time `json:"send_slots"`
	Sent        [MailCount]bool       `json:"sent"`
	Status      Status                `json:"status"`
	Info        string                `json:"info,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// HasRequiredInputs reports whether the lead carries every field the
// generation pipeline needs.
func (l Lead) HasRequiredInputs() bool {
	return strings.TrimSpace(l.Email) != "" &&
		strings.TrimSpace(l.FirstName) != "" &&
		strings.TrimSpace(l.CompanyURL) != "" &&
		strings.TrimSpace(l.Position) != ""
}

// Angle returns the angle for a 1-based mail index.
func (l Lead) Angle(mail int) string {
	if mail < 1 || mail > MailCount {
		return ""
	}
	return l.Angles[mail-1]
}

// Content returns the stored mail content for a 1-based mail index.
func (l Lead) Content(mail int) string {
	if mail < 1 || mail > MailCount {
		return ""
	}
	return l.MailContent[mail-1]
}

// Slot returns the send slot for a 1-based mail index, or nil.
func (l Lead) Slot(mail int) *time.Time {
	if mail < 1 || mail > MailCount {
		return nil
	}
	return l.SendSlots[mail-1]
}

// IsSent reports whether mail (1-based) has already gone out.
func (l Lead) IsSent(mail int) bool {
	if mail < 1 || mail > MailCount {
		return false
	}
	return l.Sent[mail-1]
}

// SentCount returns how many of the sequence's mails have been sent.
func (l Lead) SentCount() int {
	n := 0
	for _, s := range l.Sent {
		if s {
			n++
		}
	}
	return n
}

// HasErrorAnnotation reports whether the current info is an error note.
func (l Lead) HasErrorAnnotation() bool {
	return strings.HasPrefix(l.Info, ErrorPrefix)
}

// LeadUpdate is a partial field update. Nil fields are left untouched.
// Sent flags are deliberately absent: they only move through MarkSent.
type LeadUpdate struct {
	ProfileText *string
	Angles      *[MailCount]string
	MailContent map[int]string // 1-based mail index -> content
	SendSlots   *[MailCount]time.Time
	Status      *Status
	Info        *string
}

// IsEmpty reports whether the update changes nothing.
func (u LeadUpdate) IsEmpty() bool {
	return u.ProfileText == nil && u.Angles == nil && len(u.MailContent) == 0 &&
		u.SendSlots == nil && u.Status == nil && u.Info == nil
}

// StatusPtr returns a pointer to s, for building LeadUpdates.
func StatusPtr(s Status) *Status { return &s }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

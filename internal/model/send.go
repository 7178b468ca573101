package model

import (
	"strings"
	"time"
)

// SendRecord is written once per delivered mail.
type SendRecord struct {
	ID        string    `json:"id"`
	LeadID    string    `json:"lead_id"`
	Email     string    `json:"email"`
	Subject   string    `json:"subject"`
	MailIndex int       `json:"mail_index"`
	SentAt    time.Time `json:"sent_at"`
}

const subjectPrefix = "Subject:"

// JoinMail renders subject and body into the stored mail content format.
func JoinMail(subject, body string) string {
	subject = strings.TrimSpace(subject)
	body = strings.TrimSpace(body)
	if subject == "" {
		return body
	}
	return subjectPrefix + " " + subject + "\n\n" + body
}

// SplitMail separates stored content into subject and body. The subject is
// empty when the content has no leading "Subject:" line.
func SplitMail(content string) (subject, body string) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, subjectPrefix) {
		return "", content
	}
	first, rest, _ := strings.Cut(content, "\n")
	subject = strings.TrimSpace(strings.TrimPrefix(first, subjectPrefix))
	return subject, strings.TrimSpace(rest)
}

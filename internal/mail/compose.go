// Package mail delivers generated emails over SMTP.
package mail

import (
	"bytes"
	"io"
	"strconv"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"
)

// Outgoing is one email addressed to one lead.
type Outgoing struct {
	To      string
	Subject string
	Body    string
	// LeadID and MailIndex are stamped as X- headers for traceability.
	LeadID    string
	MailIndex int
}

// Sender identifies the From address.
type Sender struct {
	Name    string
	Address string
	ReplyTo string
}

// Compose renders msg as an RFC 5322 plain-text message.
func Compose(from Sender, msg Outgoing, now time.Time) ([]byte, error) {
	var h gomail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*gomail.Address{{Name: from.Name, Address: from.Address}})
	h.SetAddressList("To", []*gomail.Address{{Address: msg.To}})
	if from.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*gomail.Address{{Address: from.ReplyTo}})
	}
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, eris.Wrap(err, "mail: generate message id")
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if msg.LeadID != "" {
		h.Set("X-Nurture-Lead", msg.LeadID)
	}
	if msg.MailIndex > 0 {
		h.Set("X-Nurture-Mail", strconv.Itoa(msg.MailIndex))
	}

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, eris.Wrap(err, "mail: create writer")
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, eris.Wrap(err, "mail: write body")
	}
	if err := w.Close(); err != nil {
		return nil, eris.Wrap(err, "mail: close writer")
	}
	return buf.Bytes(), nil
}

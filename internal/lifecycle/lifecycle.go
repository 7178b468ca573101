// Package lifecycle holds the lead state machine and the precedence rules for
// info annotations written by the campaign, the send engine and detectors.
package lifecycle

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nurture-cli/internal/model"
)

// ErrInvalidTransition is returned for a status change the lifecycle forbids.
var ErrInvalidTransition = eris.New("lifecycle: invalid status transition")

// transitions lists the allowed forward moves. Processing→Processing covers a
// retried campaign pass re-claiming an errored row.
var transitions = map[model.Status][]model.Status{
	model.StatusEmpty:      {model.StatusProcessing},
	model.StatusProcessing: {model.StatusProcessing, model.StatusRunning},
	model.StatusRunning:    {model.StatusDone},
	model.StatusDone:       nil,
}

// CanTransition reports whether from→to is a legal move.
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change on lead.
func Transition(lead *model.Lead, to model.Status) error {
	if !CanTransition(lead.Status, to) {
		return eris.Wrapf(ErrInvalidTransition, "%q -> %q for lead %s", lead.Status, to, lead.ID)
	}
	lead.Status = to
	return nil
}

// IsClaimable reports whether a campaign run may pick the lead up: a fresh row
// with every input present, or a Processing row left errored by a prior run.
func IsClaimable(lead model.Lead) bool {
	if !lead.HasRequiredInputs() {
		return false
	}
	switch lead.Status {
	case model.StatusEmpty:
		return true
	case model.StatusProcessing:
		return lead.HasErrorAnnotation()
	default:
		return false
	}
}

// IsComplete reports whether every mail in the sequence has been sent.
func IsComplete(lead model.Lead) bool {
	return lead.SentCount() == model.MailCount
}

// ProgressNote renders the routine "k/3" annotation.
func ProgressNote(sent int) string {
	return fmt.Sprintf("Sent %d/%d", sent, model.MailCount)
}

// maxErrorNote caps the error text in bytes.
const maxErrorNote = 200

// ErrorNote renders a row-level failure annotation.
func ErrorNote(step string, err error) string {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	msg = strings.ToValidUTF8(strings.ReplaceAll(msg, "\n", " "), "?")
	if len(msg) > maxErrorNote {
		cut := maxErrorNote
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return model.ErrorPrefix + step + ": " + msg
}

package lifecycle

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nurture-cli/internal/model"
)

// Signal identifies who is writing an annotation.
type Signal int

const (
	// SignalProgress covers routine notes: send progress and error notes.
	SignalProgress Signal = iota
	SignalOpen
	SignalReply
	SignalBounce
)

var signalPrefixes = map[Signal]string{
	SignalOpen:   "Opened",
	SignalReply:  "Replied",
	SignalBounce: "Bounced",
}

func (s Signal) String() string {
	switch s {
	case SignalProgress:
		return "progress"
	case SignalOpen:
		return "open"
	case SignalReply:
		return "reply"
	case SignalBounce:
		return "bounce"
	default:
		return "unknown"
	}
}

// ParseSignal maps an operator-facing name to a Signal.
func ParseSignal(name string) (Signal, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "open", "opened":
		return SignalOpen, nil
	case "reply", "replied":
		return SignalReply, nil
	case "bounce", "bounced":
		return SignalBounce, nil
	case "progress":
		return SignalProgress, nil
	default:
		return 0, eris.Errorf("lifecycle: unknown signal %q", name)
	}
}

// Classify infers which signal wrote an existing annotation. Anything not
// written by a detector ranks as routine progress.
func Classify(info string) Signal {
	for sig, prefix := range signalPrefixes {
		if strings.HasPrefix(info, prefix) {
			return sig
		}
	}
	return SignalProgress
}

// Note renders the annotation a detector signal writes.
func Note(sig Signal, detail string) string {
	prefix, ok := signalPrefixes[sig]
	if !ok {
		return detail
	}
	if detail == "" {
		return prefix
	}
	return prefix + ": " + detail
}

// Annotate decides whether note (written for sig) may replace current.
// Precedence is bounce > reply > open > progress; equal precedence overwrites.
func Annotate(current string, sig Signal, note string) (string, bool) {
	if current != "" && Classify(current) > sig {
		return current, false
	}
	if current == note {
		return current, false
	}
	return note, true
}

// ApplySignal folds an external detector signal into the lead. Reply and
// bounce finish a Running lead; open only annotates.
func ApplySignal(lead *model.Lead, sig Signal, detail string) (changed bool, err error) {
	if info, ok := Annotate(lead.Info, sig, Note(sig, detail)); ok {
		lead.Info = info
		changed = true
	}
	if sig == SignalReply || sig == SignalBounce {
		if lead.Status == model.StatusRunning {
			if err := Transition(lead, model.StatusDone); err != nil {
				return changed, err
			}
			changed = true
		}
	}
	return changed, nil
}

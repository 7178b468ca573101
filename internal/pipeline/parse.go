package pipeline

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nurture-cli/internal/model"
)

// ErrUnparseable is wrapped by every parse failure.
var ErrUnparseable = eris.New("pipeline: unparseable response")

// AngleSet is the parsed stage B output.
type AngleSet struct {
	Angles     [model.MailCount]string
	PainPoints string
	ValueHook  string
}

// AppendContext adds the derived fields to a profile as labelled lines.
func (a AngleSet) AppendContext(profile string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(profile))
	if a.PainPoints != "" {
		b.WriteString("\n\nPain points: ")
		b.WriteString(a.PainPoints)
	}
	if a.ValueHook != "" {
		if a.PainPoints == "" {
			b.WriteString("\n")
		}
		b.WriteString("\nValue hook: ")
		b.WriteString(a.ValueHook)
	}
	return b.String()
}

// flexText accepts either a JSON string or an array of strings.
type flexText string

func (f *flexText) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexText(strings.TrimSpace(s))
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		if item = strings.TrimSpace(item); item != "" {
			parts = append(parts, item)
		}
	}
	*f = flexText(strings.Join(parts, "; "))
	return nil
}

type anglesJSON struct {
	Angles     []string `json:"angles"`
	PainPoints flexText `json:"pain_points"`
	ValueHook  flexText `json:"value_hook"`
}

var (
	numberedLine = regexp.MustCompile(`(?i)^\s*(?:angle\s*)?([1-9])\s*[.):-]\s*(.+)$`)
	labelledLine = regexp.MustCompile(`(?i)^\s*(pain points?|value hook)\s*:\s*(.+)$`)
)

// ParseAngles parses stage B output: the JSON object the prompt asks for,
// or a numbered list as fallback. Exactly three non-empty angles are
// required; anything else is a parse failure.
func ParseAngles(text string) (AngleSet, error) {
	var set AngleSet

	var parsed anglesJSON
	if cleaned := cleanJSON(text); strings.HasPrefix(cleaned, "{") {
		if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil && parsed.Angles != nil {
			angles := nonEmpty(parsed.Angles)
			if len(angles) != model.MailCount {
				return set, eris.Wrapf(ErrUnparseable, "expected %d angles, got %d", model.MailCount, len(angles))
			}
			copy(set.Angles[:], angles)
			set.PainPoints = string(parsed.PainPoints)
			set.ValueHook = string(parsed.ValueHook)
			return set, nil
		}
	}

	return parseNumbered(text)
}

func parseNumbered(text string) (AngleSet, error) {
	var set AngleSet
	found := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "*# "))
		if m := labelledLine.FindStringSubmatch(line); m != nil {
			val := strings.TrimSpace(m[2])
			if strings.HasPrefix(strings.ToLower(m[1]), "pain") {
				set.PainPoints = val
			} else {
				set.ValueHook = val
			}
			continue
		}
		m := numberedLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx := int(m[1][0]-'0') - 1
		if idx >= model.MailCount || set.Angles[idx] != "" {
			continue
		}
		if angle := strings.TrimSpace(m[2]); angle != "" {
			set.Angles[idx] = angle
			found++
		}
	}
	if found != model.MailCount {
		return AngleSet{}, eris.Wrapf(ErrUnparseable, "expected %d numbered angles, found %d", model.MailCount, found)
	}
	return set, nil
}

// ParseProfile validates stage A output.
func ParseProfile(text string) (string, error) {
	profile := strings.TrimSpace(stripFences(text))
	if profile == "" {
		return "", eris.Wrap(ErrUnparseable, "empty profile")
	}
	return profile, nil
}

// ParseMail normalises generated mail into the stored "Subject:" format. A
// missing body is a parse failure; a missing subject line is allowed and
// filled in at send time.
func ParseMail(text string) (string, error) {
	subject, body := model.SplitMail(stripFences(text))
	if body == "" {
		return "", eris.Wrap(ErrUnparseable, "mail has no body")
	}
	return model.JoinMail(subject, body), nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.Index(text, "\n"); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// cleanJSON strips markdown fences and surrounding prose from a JSON reply.
func cleanJSON(text string) string {
	text = stripFences(text)

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

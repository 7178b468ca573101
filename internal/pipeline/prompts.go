package pipeline

import (
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/nurture-cli/internal/gateway"
	"github.com/sells-group/nurture-cli/internal/model"
)

// Prompts holds the templates for every generation step. Templates use
// {{placeholder}} tokens, see Render.
type Prompts struct {
	System  string `yaml:"system"`
	Profile string `yaml:"profile"`
	Angles  string `yaml:"angles"`
	Mail    string `yaml:"mail"`
}

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() Prompts {
	return Prompts{
		System: `You write short, specific B2B outreach emails for a sales team.
Write plainly, never invent facts about the recipient, and never use placeholder
text such as [Company]. Keep every email under 150 words.`,

		Profile: `Research the company at {{company_url}} from what you know about it.
The contact works there as {{position}}.
Write a factual profile of 4-6 sentences covering what the company sells,
who its customers are, its approximate size and anything a {{position}}
there is likely to care about. Return only the profile text.`,

		Angles: `Company profile:
{{profile}}

Contact: {{first_name}}, {{position}} in {{department}}.

Propose three distinct outreach angles for a three-email sequence, one per
email, each a single sentence. Also name the contact's main pain points and a
one-line value hook.

Respond with JSON only:
{"angles": ["...", "...", "..."], "pain_points": "...", "value_hook": "..."}`,

		Mail: `Company profile:
{{profile}}

Contact: {{first_name}}, {{position}} in {{department}}.
This is email {{mail_index}} of 3. Angle for this email: {{angle}}

Write the email. The first line must be "Subject: <subject>", followed by a
blank line and the body. Sign off without a name.`,
	}
}

// LoadPrompts returns DefaultPrompts overlaid with the non-empty templates in
// the YAML file at path. An empty path returns the defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return p, eris.Wrapf(err, "pipeline: read prompts %s", path)
	}

	var override Prompts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return p, eris.Wrapf(err, "pipeline: parse prompts %s", path)
	}

	if strings.TrimSpace(override.System) != "" {
		p.System = override.System
	}
	if strings.TrimSpace(override.Profile) != "" {
		p.Profile = override.Profile
	}
	if strings.TrimSpace(override.Angles) != "" {
		p.Angles = override.Angles
	}
	if strings.TrimSpace(override.Mail) != "" {
		p.Mail = override.Mail
	}
	return p, nil
}

// Render substitutes lead fields into tmpl. mail selects the angle and is
// ignored when outside 1..3.
//
// Placeholders: {{first_name}} {{email}} {{position}} {{department}}
// {{company_url}} {{profile}} {{angle}} {{mail_index}}.
func Render(tmpl string, l model.Lead, mail int) string {
	r := strings.NewReplacer(
		"{{first_name}}", l.FirstName,
		"{{email}}", l.Email,
		"{{position}}", l.Position,
		"{{department}}", orDefault(l.Department, "their team"),
		"{{company_url}}", l.CompanyURL,
		"{{profile}}", l.ProfileText,
		"{{angle}}", l.Angle(mail),
		"{{mail_index}}", strconv.Itoa(mail),
	)
	return r.Replace(tmpl)
}

// ProfilePrompt builds the stage A request.
func (p Prompts) ProfilePrompt(l model.Lead) gateway.Prompt {
	return gateway.Prompt{Label: "profile:" + l.ID, System: p.System, User: Render(p.Profile, l, 0)}
}

// AnglesPrompt builds the stage B request.
func (p Prompts) AnglesPrompt(l model.Lead) gateway.Prompt {
	return gateway.Prompt{Label: "angles:" + l.ID, System: p.System, User: Render(p.Angles, l, 0)}
}

// MailPrompt builds the request for mail (1-based). Stage C asks for mail 1;
// the send engine's cascade asks for 2 and 3.
func (p Prompts) MailPrompt(l model.Lead, mail int) gateway.Prompt {
	return gateway.Prompt{
		Label:  "mail" + strconv.Itoa(mail) + ":" + l.ID,
		System: p.System,
		User:   Render(p.Mail, l, mail),
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nurture-cli/internal/model"
)

func TestRender(t *testing.T) {
	l := model.Lead{
		FirstName:   "Ada",
		Position:    "CTO",
		CompanyURL:  "https://acme.example",
		ProfileText: "Acme builds robots.",
		Angles:      [3]string{"speed", "cost", "risk"},
	}
	out := Render("{{first_name}} ({{position}}, {{department}}) at {{company_url}}: {{angle}} #{{mail_index}}", l, 2)
	assert.Equal(t, "Ada (CTO, their team) at https://acme.example: cost #2", out)
	assert.Equal(t, "[]", Render("[{{angle}}]", l, 0))
}

func TestPrompts_Builders(t *testing.T) {
	p := DefaultPrompts()
	l := model.Lead{ID: "lead-1", FirstName: "Ada", Position: "CTO", CompanyURL: "https://acme.example",
		ProfileText: "Acme builds robots.", Angles: [3]string{"speed", "cost", "risk"}}

	profile := p.ProfilePrompt(l)
	assert.Equal(t, "profile:lead-1", profile.Label)
	assert.Equal(t, p.System, profile.System)
	assert.Contains(t, profile.User, "https://acme.example")
	assert.NotContains(t, profile.User, "{{")

	angles := p.AnglesPrompt(l)
	assert.Equal(t, "angles:lead-1", angles.Label)
	assert.Contains(t, angles.User, "Acme builds robots.")

	mail := p.MailPrompt(l, 3)
	assert.Equal(t, "mail3:lead-1", mail.Label)
	assert.Contains(t, mail.User, "Angle for this email: risk")
	assert.Contains(t, mail.User, "email 3 of 3")
}

func TestLoadPrompts(t *testing.T) {
	p, err := LoadPrompts("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPrompts(), p)

	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("system: Be brief.\nmail: |\n  Write to {{first_name}}.\n"), 0o644))

	p, err = LoadPrompts(path)
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", p.System)
	assert.Equal(t, "Write to {{first_name}}.\n", p.Mail)
	assert.Equal(t, DefaultPrompts().Profile, p.Profile)

	_, err = LoadPrompts(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("system: [broken"), 0o644))
	_, err = LoadPrompts(path)
	assert.Error(t, err)
}

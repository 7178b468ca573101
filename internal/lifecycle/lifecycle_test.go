package lifecycle

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nurture-cli/internal/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.Status
		want     bool
	}{
		{model.StatusEmpty, model.StatusProcessing, true},
		{model.StatusProcessing, model.StatusRunning, true},
		{model.StatusProcessing, model.StatusProcessing, true},
		{model.StatusRunning, model.StatusDone, true},
		{model.StatusEmpty, model.StatusRunning, false},
		{model.StatusRunning, model.StatusProcessing, false},
		{model.StatusDone, model.StatusRunning, false},
		{model.StatusDone, model.StatusEmpty, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%q -> %q", tt.from, tt.to)
	}
}

func TestTransition_Invalid(t *testing.T) {
	lead := &model.Lead{ID: "l1", Status: model.StatusDone}
	err := Transition(lead, model.StatusRunning)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidTransition))
	assert.Equal(t, model.StatusDone, lead.Status)
}

func TestIsClaimable(t *testing.T) {
	base := model.Lead{Email: "a@b.co", FirstName: "A", CompanyURL: "b.co", Position: "CEO"}

	assert.True(t, IsClaimable(base))

	errored := base
	errored.Status = model.StatusProcessing
	errored.Info = ErrorNote("profile", eris.New("boom"))
	assert.True(t, IsClaimable(errored))

	inFlight := base
	inFlight.Status = model.StatusProcessing
	assert.False(t, IsClaimable(inFlight))

	running := base
	running.Status = model.StatusRunning
	assert.False(t, IsClaimable(running))

	missing := base
	missing.Email = ""
	assert.False(t, IsClaimable(missing))
}

func TestErrorNote(t *testing.T) {
	note := ErrorNote("angles", eris.New("line1\nline2"))
	assert.Equal(t, "Error: angles: line1 line2", note)

	long := ErrorNote("mail", eris.New(string(make([]byte, 500))))
	assert.LessOrEqual(t, len(long), len("Error: mail: ")+200)
}

func TestErrorNote_TruncatesOnRuneBoundary(t *testing.T) {
	// 199 ASCII bytes followed by two-byte runes puts byte 200 mid-rune.
	msg := strings.Repeat("x", 199) + strings.Repeat("é", 10)
	note := ErrorNote("mail", eris.New(msg))

	assert.True(t, utf8.ValidString(note))
	assert.Equal(t, "Error: mail: "+strings.Repeat("x", 199), note)
}

func TestErrorNote_ReplacesInvalidUTF8(t *testing.T) {
	note := ErrorNote("smtp", eris.New("bad \xff byte"))
	assert.True(t, utf8.ValidString(note))
	assert.Equal(t, "Error: smtp: bad ? byte", note)
}

func TestProgressNote(t *testing.T) {
	assert.Equal(t, "Sent 2/3", ProgressNote(2))
}

func TestAnnotate_Precedence(t *testing.T) {
	tests := []struct {
		name    string
		current string
		sig     Signal
		note    string
		want    string
		changed bool
	}{
		{"empty accepts progress", "", SignalProgress, "Sent 1/3", "Sent 1/3", true},
		{"progress replaces progress", "Sent 1/3", SignalProgress, "Sent 2/3", "Sent 2/3", true},
		{"open beats progress", "Sent 1/3", SignalOpen, "Opened", "Opened", true},
		{"progress cannot replace open", "Opened", SignalProgress, "Sent 2/3", "Opened", false},
		{"reply beats open", "Opened", SignalReply, "Replied", "Replied", true},
		{"open cannot replace reply", "Replied", SignalOpen, "Opened", "Replied", false},
		{"bounce beats reply", "Replied", SignalBounce, "Bounced", "Bounced", true},
		{"reply cannot replace bounce", "Bounced: 550", SignalReply, "Replied", "Bounced: 550", false},
		{"error note cannot replace bounce", "Bounced", SignalProgress, "Error: send: x", "Bounced", false},
		{"identical note is a no-op", "Sent 1/3", SignalProgress, "Sent 1/3", "Sent 1/3", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Annotate(tt.current, tt.sig, tt.note)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestApplySignal_ReplyFinishesRunningLead(t *testing.T) {
	lead := &model.Lead{ID: "l1", Status: model.StatusRunning, Info: "Sent 1/3"}
	changed, err := ApplySignal(lead, SignalReply, "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.StatusDone, lead.Status)
	assert.Equal(t, "Replied", lead.Info)
}

func TestApplySignal_OpenOnlyAnnotates(t *testing.T) {
	lead := &model.Lead{ID: "l1", Status: model.StatusRunning}
	changed, err := ApplySignal(lead, SignalOpen, "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.StatusRunning, lead.Status)
	assert.Equal(t, "Opened", lead.Info)
}

func TestApplySignal_OpenAfterBounceKeepsBounce(t *testing.T) {
	lead := &model.Lead{ID: "l1", Status: model.StatusDone, Info: "Bounced"}
	changed, err := ApplySignal(lead, SignalOpen, "")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "Bounced", lead.Info)
}

func TestParseSignal(t *testing.T) {
	sig, err := ParseSignal("Bounce")
	require.NoError(t, err)
	assert.Equal(t, SignalBounce, sig)

	_, err = ParseSignal("nope")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, SignalBounce, Classify("Bounced: mailbox full"))
	assert.Equal(t, SignalReply, Classify("Replied"))
	assert.Equal(t, SignalOpen, Classify("Opened"))
	assert.Equal(t, SignalProgress, Classify("Sent 3/3"))
	assert.Equal(t, SignalProgress, Classify(""))
}

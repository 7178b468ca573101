package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type apiErr struct{ code int }

func (e *apiErr) Error() string       { return fmt.Sprintf("api status %d", e.code) }
func (e *apiErr) HTTPStatusCode() int { return e.code }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad request"), false},
		{"explicit", NewTransientError(errors.New("x"), 503), true},
		{"wrapped explicit", fmt.Errorf("outer: %w", NewTransientError(errors.New("x"), 0)), true},
		{"status coder 429", &apiErr{code: 429}, true},
		{"status coder 400", &apiErr{code: 400}, false},
		{"conn reset", fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{"pattern", errors.New("read tcp: i/o timeout"), true},
		{"overloaded body", errors.New(`{"type":"overloaded_error"}`), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		assert.True(t, IsTransientHTTPStatus(code), "%d", code)
	}
	for _, code := range []int{200, 400, 401, 404} {
		assert.False(t, IsTransientHTTPStatus(code), "%d", code)
	}
}

func TestIsTransientSMTPCode(t *testing.T) {
	assert.True(t, IsTransientSMTPCode(421))
	assert.True(t, IsTransientSMTPCode(451))
	assert.False(t, IsTransientSMTPCode(550))
	assert.False(t, IsTransientSMTPCode(250))
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	te := NewTransientError(inner, 500)
	assert.ErrorIs(t, te, inner)
	assert.Equal(t, "inner", te.Error())
}

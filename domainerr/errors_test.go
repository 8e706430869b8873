package domainerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NotFound("condition.resolve", "condition"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrValidationFailed)
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Equal(t, "condition not found", MessageOf(err))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("boom"), want: CodeInternal},
		{name: "sentinel", err: fmt.Errorf("x: %w", ErrNoActiveStep), want: CodeNoActiveStep},
		{name: "typed", err: New("op", CodeBlockingCannotSkip, "nope"), want: CodeBlockingCannotSkip},
		{name: "coded", err: codedErr{}, want: CodeBlockingConditions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap("transaction.advance", CodeInternal, "lock", errors.New("timeout"))
	assert.Equal(t, "transaction.advance: lock: timeout", err.Error())

	bare := &Error{Code: CodeInvalidTransition}
	assert.Equal(t, ErrInvalidTransition.Error(), bare.Error())
}

type codedErr struct{}

func (codedErr) Error() string { return "coded" }
func (codedErr) ErrorCode() Code { return CodeBlockingConditions }

package flowrelay

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	assert.Equal(t, "NOT_FOUND: step 4 not found", NotFoundError("step", 4).Error())

	wrapped := NewErrorWithCause(ErrCodeTransport, "publish failed", errors.New("connection reset"))
	assert.Equal(t, "TRANSPORT_ERROR: publish failed: connection reset", wrapped.Error())
}

func TestError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("load step: %w", NotFoundError("step", 4))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrInvalidConfiguration)
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{name: "nil", err: nil, code: "", retryable: false},
		{name: "plain", err: errors.New("boom"), code: "", retryable: true},
		{name: "database", err: NewError(ErrCodeDatabase, "deadlock"), code: ErrCodeDatabase, retryable: true},
		{name: "transport", err: NewError(ErrCodeTransport, "broker down"), code: ErrCodeTransport, retryable: true},
		{name: "policy", err: PolicyError("p", errors.New("x")), code: ErrCodePolicy, retryable: true},
		{name: "not found", err: NotFoundError("step", 1), code: ErrCodeNotFound, retryable: false},
		{name: "configuration", err: ConfigurationError("unknown route %q", "r"), code: ErrCodeConfiguration, retryable: false},
		{name: "validation", err: NewError(ErrCodeValidation, "bad"), code: ErrCodeValidation, retryable: false},
		{name: "terminated", err: NewError(ErrCodeStepTerminated, "filtered"), code: ErrCodeStepTerminated, retryable: false},
		{
			name:      "not found under processing",
			err:       NewErrorWithCause(ErrCodeProcessing, "outbound processor failed", NotFoundError("step", 1)),
			code:      ErrCodeProcessing,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, Code(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

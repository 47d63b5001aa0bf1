package instance

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantName string
	}{
		{"pointer type", &paymentError{code: 1}, "paymentError"},
		{"value type with Name", quotaError{}, "QuotaExceeded"},
		{"wrapped twice", fmt.Errorf("a: %w", fmt.Errorf("b: %w", &paymentError{})), "paymentError"},
		{"context", fmt.Errorf("wait: %w", context.DeadlineExceeded), "deadlineExceededError"},
		{"already normalized", &StepError{Name: "Custom", Message: "m"}, "Custom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeError(tt.err)
			assert.Equal(t, tt.wantName, got.Name)
			assert.NotEmpty(t, got.Message)
		})
	}
}

func TestStepErrorUnwraps(t *testing.T) {
	cause := &paymentError{code: 7}
	se := normalizeError(fmt.Errorf("charge: %w", cause))

	var target *paymentError
	assert.True(t, errors.As(se, &target))
	assert.Equal(t, "paymentError: charge: payment declined (7)", se.Error())
}

func TestPanicError(t *testing.T) {
	assert.Equal(t, &StepError{Name: "panic", Message: "42"}, panicError(42))

	err := errors.New("nil map")
	se := panicError(err)
	assert.Equal(t, "panic", se.Name)
	assert.ErrorIs(t, se, err)
}

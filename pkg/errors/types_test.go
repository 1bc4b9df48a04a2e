package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesCodeAndMessage(t *testing.T) {
	err := New(CodeBudgetExhausted, "session budget exceeded")
	assert.Equal(t, CodeBudgetExhausted, err.Code)
	assert.Contains(t, err.Error(), "budget-exhausted")
	assert.Contains(t, err.Error(), "session budget exceeded")
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesUnderlying(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(cause, CodeAuditAppendFailed, "append failed")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, cause))
	assert.Contains(t, err.Error(), "disk full")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeInternal, "unused"))
}

func TestWithContextAndRetryable(t *testing.T) {
	err := New(CodeRateLimited, "too many requests").
		WithContext("session_id", "abc123").
		WithRetryable(true)

	assert.True(t, err.IsRetryable())
	assert.Equal(t, "abc123", err.Context["session_id"])
	assert.Contains(t, err.Error(), "session_id: abc123")
}

func TestIsCodeAndGetCode(t *testing.T) {
	err := New(CodeCapabilityExpired, "expired")
	assert.True(t, IsCode(err, CodeCapabilityExpired))
	assert.False(t, IsCode(err, CodeCapabilityMissing))
	assert.Equal(t, CodeCapabilityExpired, GetCode(err))

	plain := stderrors.New("plain")
	assert.False(t, IsCode(plain, CodeCapabilityExpired))
	assert.Equal(t, CodeInternal, GetCode(plain))
	assert.Equal(t, Code(""), GetCode(nil))
}

func TestIsRetryableHelper(t *testing.T) {
	retryable := New(CodeRateLimited, "retry me").WithRetryable(true)
	notRetryable := New(CodePolicyViolation, "denied")

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(notRetryable))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(stderrors.New("plain")))
}

func TestStackTraceRenders(t *testing.T) {
	err := New(CodeInternal, "boom")
	trace := err.StackTrace()
	assert.Contains(t, trace, "Stack trace:")
}

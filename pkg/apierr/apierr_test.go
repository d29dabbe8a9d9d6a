package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageIncludesReason(t *testing.T) {
	err := New(CodeCommandRejected, "sequence %d does not follow %d", 3, 1)
	assert.Equal(t, "command_rejected: sequence 3 does not follow 1", err.Error())
}

func TestErrorMessageWithoutReason(t *testing.T) {
	err := &Error{Code: CodeTransient}
	assert.Equal(t, "transient", err.Error())
}

func TestWrapPreservesUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(CodeTransient, cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, cause, err.Unwrap())
}

func TestToEnvelopeNilIsOK(t *testing.T) {
	env := ToEnvelope(nil)
	assert.Equal(t, Envelope{OK: true}, env)
}

func TestToEnvelopeClassifiedError(t *testing.T) {
	err := New(CodeBindingStale, "binding expired 3m ago")
	env := ToEnvelope(err)

	assert.False(t, env.OK)
	assert.Equal(t, CodeBindingStale, env.Code)
	assert.Contains(t, env.Message, "binding expired")
}

func TestToEnvelopeUnclassifiedErrorHidesMessage(t *testing.T) {
	env := ToEnvelope(errors.New("pq: relation \"tenants\" does not exist"))

	assert.False(t, env.OK)
	assert.Equal(t, CodeInternal, env.Code)
	assert.Equal(t, "internal error", env.Message,
		"unclassified errors must not leak their raw message across the tenant boundary")
}

func TestFromEnvelopeRoundTrip(t *testing.T) {
	original := New(CodeSubscriptionBlocked, "subscription expired")
	env := ToEnvelope(original)

	reconstructed := FromEnvelope(env)
	var apiErr *Error
	assert.True(t, errors.As(reconstructed, &apiErr))
	assert.Equal(t, CodeSubscriptionBlocked, apiErr.Code)
}

func TestFromEnvelopeOKIsNil(t *testing.T) {
	assert.NoError(t, FromEnvelope(Envelope{OK: true}))
}

package cqlcore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryPolicyUnavailableRetriesOnceSameHost(t *testing.T) {
	p := DefaultRetryPolicy{}
	assert.Equal(t, RetrySameHost, p.OnUnavailable(&ResponseError{}, 0, false))
	assert.Equal(t, RetryRethrow, p.OnUnavailable(&ResponseError{}, 1, false))
}

func TestDefaultRetryPolicyReadTimeoutRetriesOnceSameHost(t *testing.T) {
	p := DefaultRetryPolicy{}
	assert.Equal(t, RetrySameHost, p.OnReadTimeout(&ResponseError{}, 0, true))
	assert.Equal(t, RetryRethrow, p.OnReadTimeout(&ResponseError{}, 1, true))
}

func TestDefaultRetryPolicyWriteTimeoutNeverRetries(t *testing.T) {
	p := DefaultRetryPolicy{}
	assert.Equal(t, RetryRethrow, p.OnWriteTimeout(&ResponseError{}, 0, true))
}

func TestDefaultRetryPolicyRequestErrorGatedByIdempotence(t *testing.T) {
	p := DefaultRetryPolicy{}
	err := errors.New("connection reset")

	assert.Equal(t, RetryRethrow, p.OnRequestError(err, 0, false), "non-idempotent request must never be replayed")
	assert.Equal(t, RetryNextHost, p.OnRequestError(err, 0, true))
	assert.Equal(t, RetryRethrow, p.OnRequestError(err, 1, true), "only the first attempt moves to the next host")
}

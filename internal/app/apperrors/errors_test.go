package apperrors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesHTTPStatus(t *testing.T) {
	cases := []struct {
		kind   Kind
		status int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindAuthentication, http.StatusUnauthorized},
		{KindAuthorization, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindQuota, http.StatusPaymentRequired},
		{KindPrecondition, http.StatusPreconditionFailed},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindOverload, http.StatusTooManyRequests},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		se := New(c.kind, CodeInternal, "x")
		assert.Equal(t, c.status, se.HTTPStatus, "kind %s", c.kind)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, KindUnavailable.Retryable())
	assert.True(t, KindOverload.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindInternal.Retryable())
}

func TestWithDetailsChaining(t *testing.T) {
	se := NotFound("cluster", "abc").WithDetails("extra", 1)
	assert.Equal(t, "cluster", se.Details["resource"])
	assert.Equal(t, "abc", se.Details["id"])
	assert.Equal(t, 1, se.Details["extra"])
}

func TestExtractionHelpers(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", StaleWrite(3))

	require.True(t, IsServiceError(wrapped))
	se := GetServiceError(wrapped)
	require.NotNil(t, se)
	assert.Equal(t, CodeConflictStale, se.Code)
	assert.Equal(t, http.StatusConflict, GetHTTPStatus(wrapped))
	assert.Equal(t, KindConflict, GetKind(wrapped))

	plain := fmt.Errorf("boom")
	assert.False(t, IsServiceError(plain))
	assert.Nil(t, GetServiceError(plain))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(plain))
	assert.Equal(t, KindInternal, GetKind(plain))
}

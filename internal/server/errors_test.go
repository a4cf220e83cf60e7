package server

import (
	"net/http"
	"testing"

	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
	"github.com/stretchr/testify/assert"
)

func TestMapErrorBlockedPeriodIsTenantBlocked(t *testing.T) {
	// Recorder denials on a blocked period carry TENANT_BLOCKED whatever
	// the block reason; the reason still travels in the payload.
	for _, reason := range []string{"included_exhausted", "cap_reached"} {
		status, payload := mapError(&usagedomain.BlockedError{Reason: reason})
		assert.Equal(t, http.StatusForbidden, status, reason)
		assert.Equal(t, "TENANT_BLOCKED", payload.Code, reason)
		assert.Equal(t, reason, payload.Reason)
	}
}

func TestMapErrorValidation(t *testing.T) {
	status, payload := mapError(newValidationError("seconds_used", "invalid_seconds", "seconds_used must be positive"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_INPUT", payload.Code)
	assert.Len(t, payload.Errors, 1)
	assert.Equal(t, "seconds_used", payload.Errors[0].Field)
}

func TestMapErrorUnknownIsInternal(t *testing.T) {
	status, payload := mapError(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL_ERROR", payload.Code)
}

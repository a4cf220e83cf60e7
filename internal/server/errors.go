package server

import (
	"errors"
	"net/http"

	apikeydomain "github.com/smallbiznis/voxbill/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/voxbill/internal/audit/domain"
	"github.com/smallbiznis/voxbill/internal/authorization"
	plandomain "github.com/smallbiznis/voxbill/internal/plan/domain"
	policydomain "github.com/smallbiznis/voxbill/internal/policy/domain"
	processordomain "github.com/smallbiznis/voxbill/internal/processor/domain"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Reason  string            `json:"reason,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// mapError translates domain sentinels into the wire-level error taxonomy.
// Anything unmatched is an infrastructure failure and stays a 500.
func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Code:    "INTERNAL_ERROR",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Code:    "INVALID_INPUT",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	// A blocked period denies the recorder as TENANT_BLOCKED regardless of
	// the block reason; LIMIT_EXCEEDED_BLOCK_POLICY belongs to the advisory
	// admission gate, which reports denials in-band rather than as errors.
	var blocked *usagedomain.BlockedError
	if errors.As(err, &blocked) {
		return http.StatusForbidden, errorPayload{
			Code:    "TENANT_BLOCKED",
			Message: "usage recording blocked",
			Reason:  blocked.Reason,
		}
	}

	switch {
	case errors.Is(err, tenantdomain.ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Code:    "TENANT_NOT_FOUND",
			Message: "tenant not found",
		}
	case errors.Is(err, plandomain.ErrNotEligible):
		return http.StatusConflict, errorPayload{
			Code:    "PLAN_NOT_ELIGIBLE",
			Message: "tenant's plan does not include voice minutes",
		}
	case errors.Is(err, usagedomain.ErrTenantBlocked):
		return http.StatusForbidden, errorPayload{
			Code:    "TENANT_BLOCKED",
			Message: "usage recording blocked",
		}
	case errors.Is(err, usagedomain.ErrAccessDenied),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Code:    "ACCESS_DENIED",
			Message: "access denied",
		}
	case errors.Is(err, usagedomain.ErrUsageNotFound):
		return http.StatusNotFound, errorPayload{
			Code:    "USAGE_NOT_FOUND",
			Message: "usage period not found or already billed",
		}
	case errors.Is(err, policydomain.ErrInvalidPolicy),
		errors.Is(err, plandomain.ErrInvalidPolicy):
		return http.StatusBadRequest, errorPayload{
			Code:    "INVALID_POLICY",
			Message: "invalid overage policy",
		}
	case isInvalidInput(err):
		return http.StatusBadRequest, errorPayload{
			Code:    "INVALID_INPUT",
			Message: "invalid input",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, processordomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Code:    "UNAUTHORIZED",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, tenantdomain.ErrSlugTaken):
		return http.StatusConflict, errorPayload{
			Code:    "CONFLICT",
			Message: "conflict",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Code:    "RATE_LIMITED",
			Message: "rate limit exceeded",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Code:    "NOT_FOUND",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Code:    "SERVICE_UNAVAILABLE",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Code:    "INTERNAL_ERROR",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isInvalidInput(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, usagedomain.ErrInvalidSeconds),
		errors.Is(err, policydomain.ErrInvalidInput),
		errors.Is(err, tenantdomain.ErrInvalidName),
		errors.Is(err, tenantdomain.ErrInvalidSlug),
		errors.Is(err, tenantdomain.ErrInvalidPlan),
		errors.Is(err, tenantdomain.ErrInvalidStatus),
		errors.Is(err, plandomain.ErrInvalidCode),
		errors.Is(err, plandomain.ErrInvalidName),
		errors.Is(err, plandomain.ErrInvalidMinutes),
		errors.Is(err, apikeydomain.ErrInvalidName),
		errors.Is(err, apikeydomain.ErrInvalidKeyID),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, processordomain.ErrInvalidPayload),
		errors.Is(err, processordomain.ErrInvalidEvent),
		errors.Is(err, processordomain.ErrProviderNotFound):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, plandomain.ErrNotFound),
		errors.Is(err, policydomain.ErrNotFound),
		errors.Is(err, apikeydomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog feeds the request logger an (error_type, error_code)
// pair without rendering a response.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= 500:
		return "server_error", payload.Code
	case status >= 400:
		return "client_error", payload.Code
	default:
		return "none", ""
	}
}

package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/storybind/storybind/internal/credit/domain"
	grantdomain "github.com/storybind/storybind/internal/grant/domain"
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
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
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

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	// The balance and shortfall stay out of the payload; callers only
	// learn that the reservation did not fit.
	var insufficient *creditdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}
	}

	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
		}
	case errors.Is(err, grantdomain.ErrUnderpaidGrant):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "underpaid_grant",
			Message: "verified payment does not cover the requested credits",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, creditdomain.ErrTransientStore):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "temporary storage failure, retry the request",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
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

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidUser),
		errors.Is(err, grantdomain.ErrInvalidUser),
		errors.Is(err, grantdomain.ErrInvalidAmount),
		errors.Is(err, grantdomain.ErrInvalidSource),
		errors.Is(err, grantdomain.ErrMissingExternalRef):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog buckets handler errors for the request log line.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}

	var insufficient *creditdomain.InsufficientCreditsError
	switch {
	case asValidationErrors(err) != nil, isValidationError(err):
		return "validation", "invalid_request"
	case errors.As(err, &insufficient):
		return "domain", "insufficient_credits"
	case errors.Is(err, grantdomain.ErrUnderpaidGrant):
		return "domain", "underpaid_grant"
	case isNotFoundError(err):
		return "client", "not_found"
	case errors.Is(err, creditdomain.ErrTransientStore):
		return "transient", "store_failure"
	default:
		return "internal", "unknown"
	}
}

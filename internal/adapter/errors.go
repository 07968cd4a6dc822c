package adapter

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"acms/internal/logging"
	"acms/internal/types"
)

// =============================================================================
// WIRE ERROR MAPPING
// =============================================================================
// Internal errors map to a small, stable set of wire strings. Internal
// details never cross the boundary; internal_error responses carry a
// correlation id logged alongside the cause.

// Wire error codes. These strings are the external contract.
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeNotFound             = "not_found"
	CodeValidationError      = "validation_error"
	CodeRateLimited          = "rate_limited"
	CodeComplianceBlocked    = "compliance_blocked"
	CodePIIConsentRequired   = "pii_consent_required"
	CodeOverloaded           = "overloaded"
	CodeDeadlineExceeded     = "deadline_exceeded"
	CodeIntegrityFailure     = "integrity_failure"
	CodeInternalError        = "internal_error"
)

// WireError is the boundary error shape.
type WireError struct {
	Code string `json:"code"`
	// Message is safe for external display.
	Message string `json:"message"`
	// RetryAfterSeconds accompanies rate_limited.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
	// ConsentKinds accompanies pii_consent_required.
	ConsentKinds []string `json:"consent_kinds,omitempty"`
	// CorrelationID accompanies internal_error for audit cross-reference.
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (e *WireError) Error() string { return e.Code + ": " + e.Message }

// toWire translates an internal error into its wire shape.
func toWire(err error) *WireError {
	var rateLimited *RateLimitedError
	if errors.As(err, &rateLimited) {
		return &WireError{
			Code:              CodeRateLimited,
			Message:           "rate limit exceeded",
			RetryAfterSeconds: int(rateLimited.RetryAfter.Seconds()) + 1,
		}
	}
	var consent *types.ConsentRequiredError
	if errors.As(err, &consent) {
		return &WireError{
			Code:         CodePIIConsentRequired,
			Message:      "consent required for flagged personal data",
			ConsentKinds: consent.Kinds,
		}
	}

	switch {
	case errors.Is(err, types.ErrUnauthorized):
		return &WireError{Code: CodeAuthenticationFailed, Message: "authentication failed"}
	case errors.Is(err, types.ErrNotFound):
		return &WireError{Code: CodeNotFound, Message: "not found"}
	case errors.Is(err, types.ErrValidation),
		errors.Is(err, types.ErrDuplicateID),
		errors.Is(err, types.ErrSchemaMismatch):
		return &WireError{Code: CodeValidationError, Message: err.Error()}
	case errors.Is(err, types.ErrRateLimited):
		return &WireError{Code: CodeRateLimited, Message: "rate limit exceeded"}
	case errors.Is(err, types.ErrComplianceBlocked):
		return &WireError{Code: CodeComplianceBlocked, Message: "blocked by compliance policy"}
	case errors.Is(err, types.ErrPIIConsentRequired):
		return &WireError{Code: CodePIIConsentRequired, Message: "consent required for flagged personal data"}
	case errors.Is(err, types.ErrOverloaded):
		return &WireError{Code: CodeOverloaded, Message: "too many concurrent requests"}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &WireError{Code: CodeDeadlineExceeded, Message: "deadline exceeded"}
	case errors.Is(err, types.ErrIntegrityFailure):
		return &WireError{Code: CodeIntegrityFailure, Message: "stored data failed integrity verification"}
	}

	correlation := uuid.NewString()
	logging.Get(logging.CategoryAdapter).Errorw("internal error",
		"correlation_id", correlation, "error", err)
	return &WireError{
		Code:          CodeInternalError,
		Message:       "internal error",
		CorrelationID: correlation,
	}
}

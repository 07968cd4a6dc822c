package types

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================
// Internal errors are sentinel values so callers can errors.Is across package
// boundaries. The boundary adapter owns the mapping to stable wire strings.

var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrComplianceBlocked  = errors.New("compliance blocked")
	ErrPIIConsentRequired = errors.New("pii consent required")
	ErrKeyUnavailable     = errors.New("key unavailable")
	ErrIntegrityFailure   = errors.New("integrity failure")
	ErrIndexNotReady      = errors.New("vector index not ready")
	ErrOverloaded         = errors.New("overloaded")
	ErrRateLimited        = errors.New("rate limited")
	ErrDuplicateID        = errors.New("duplicate id")
	ErrSchemaMismatch     = errors.New("schema mismatch")
	ErrVersionConflict    = errors.New("version conflict")
	ErrInternal           = errors.New("internal error")
)

// BackendUnavailableError wraps a named backend failure. Persistent backend
// failures surface with the backend name attached for the audit trail.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// BackendUnavailable constructs a BackendUnavailableError.
func BackendUnavailable(backend string, err error) error {
	return &BackendUnavailableError{Backend: backend, Err: err}
}

// ConsentRequiredError carries the PII kinds that need consent before a
// promotion to LONG may proceed.
type ConsentRequiredError struct {
	UserID string
	Topic  string
	Kinds  []string
}

func (e *ConsentRequiredError) Error() string {
	return fmt.Sprintf("pii consent required for user %s topic %s kinds %v", e.UserID, e.Topic, e.Kinds)
}

func (e *ConsentRequiredError) Is(target error) bool { return target == ErrPIIConsentRequired }

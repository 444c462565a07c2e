package errors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// Account errors
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrInvalidCredentials = errors.New("invalid phone number or PIN")
	ErrUnknownPlan        = errors.New("unknown subscription plan")

	// Payment errors
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrDuplicateCorrelationID = errors.New("duplicate correlation id")
	ErrUnknownCorrelationID   = errors.New("unknown correlation id")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrMalformedCallback      = errors.New("malformed provider callback")
	ErrCallbackMismatch       = errors.New("callback does not match payment request")

	// Provider errors
	ErrUpstreamAuth        = errors.New("payment provider rejected credentials")
	ErrUpstreamUnavailable = errors.New("payment provider unavailable")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Auth errors
	ErrUnauthorized = errors.New("unauthorized")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// Is lets callers match any validation error with ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// ReconciliationError is a bookkeeping anomaly while resolving a callback.
// It is logged at the ingestion boundary and never reported to the provider.
type ReconciliationError struct {
	CorrelationID string
	Reason        string
	Err           error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s: %s", e.CorrelationID, e.Reason)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

func NewReconciliationError(correlationID, reason string, err error) *ReconciliationError {
	return &ReconciliationError{CorrelationID: correlationID, Reason: reason, Err: err}
}

// AccountEffectError means a payment completed but the subscription update did not.
// The payment stays completed; the update is owed and retried out of band.
type AccountEffectError struct {
	AccountID uuid.UUID
	PaymentID uuid.UUID
	Tier      string
	Err       error
}

func (e *AccountEffectError) Error() string {
	return fmt.Sprintf("apply tier %q to account %s for payment %s: %v", e.Tier, e.AccountID, e.PaymentID, e.Err)
}

func (e *AccountEffectError) Unwrap() error {
	return e.Err
}

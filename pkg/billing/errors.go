package billing

import (
	"errors"
	"fmt"
)

// Sentinel errors for state machine rejections.
var (
	ErrTerminal          = errors.New("subscription is in a terminal state")
	ErrAlreadyEnded      = errors.New("subscription has already ended")
	ErrInvalidTransition = errors.New("invalid subscription transition")
)

// ValidationError reports malformed input. It is never retryable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing entity. Inbound events referencing a
// subscription that does not exist yet are retried later by the caller.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// ConflictError reports a uniqueness or state conflict.
type ConflictError struct {
	Entity  string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Entity, e.Message)
}

// PaymentError reports a declined or failed charge at the payment gateway.
type PaymentError struct {
	Code    string
	Message string
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment failed (%s): %s", e.Code, e.Message)
	}
	return "payment failed: " + e.Message
}

func (e *PaymentError) Unwrap() error { return e.Err }

// TransitionError wraps ErrInvalidTransition with the attempted states.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid subscription transition from %s to %s", e.From, e.To)
	if allowed := ValidTransitionsFrom(e.From); len(allowed) > 0 {
		msg += fmt.Sprintf(" (allowed: %v)", allowed)
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError, a rejected transition
// or an operation against a terminal subscription.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTerminal) ||
		errors.Is(err, ErrAlreadyEnded)
}

// IsPayment reports whether err is a PaymentError.
func IsPayment(err error) bool {
	var p *PaymentError
	return errors.As(err, &p)
}

// IsRetryable reports whether the operation may succeed if attempted later.
// Missing subscriptions are transient: the creation event may still be in
// flight.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) || IsConflict(err) || IsPayment(err) {
		return false
	}
	return IsNotFound(err)
}

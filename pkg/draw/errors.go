package draw

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the draw service. Callers branch on
// these to decide whether an operation is retryable.
var (
	// Validation failures: reported immediately, never retried.
	ErrNoOpenPeriod          = errors.New("no open period")
	ErrPeriodNotOpen         = errors.New("period not open")
	ErrPeriodExists          = errors.New("period already exists")
	ErrDuplicateEntry        = errors.New("duplicate entry for period")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrNoEntries             = errors.New("period has no entries")
	ErrInvalidParticipantID  = errors.New("invalid participant id")
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
	ErrInvalidAmountCents    = errors.New("invalid amount cents")
	ErrInvalidPeriodDate     = errors.New("invalid period date")
	ErrInvalidContextJSON    = errors.New("invalid context json")
	ErrInvalidSecret         = errors.New("invalid secret")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
	ErrUnknownPeriod         = errors.New("unknown period")

	// Terminal settlement outcomes, distinguishable from each other.
	ErrAlreadySettled = errors.New("period already settled")
	ErrMissingSecret  = errors.New("period has no stored secret")

	// Integrity failures: fatal, the period stays locked until an operator
	// intervenes.
	ErrCommitmentMismatch = errors.New("commitment does not match stored secret")
	ErrPeriodHalted       = errors.New("period locked pending investigation")

	// Concurrency contention: retryable with backoff.
	ErrLockTimeout = errors.New("row lock wait timed out")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// ReasonCode maps a domain error to the stable reason code reported to
// callers. Unknown errors map to "internal".
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrNoOpenPeriod):
		return "no_open_period"
	case errors.Is(err, ErrPeriodNotOpen):
		return "period_not_open"
	case errors.Is(err, ErrDuplicateEntry):
		return "duplicate_entry"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNoEntries):
		return "no_entries"
	case errors.Is(err, ErrMissingSecret):
		return "missing_secret"
	case errors.Is(err, ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, ErrCommitmentMismatch):
		return "commitment_mismatch"
	case errors.Is(err, ErrPeriodHalted):
		return "period_halted"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrIdempotencyReplay):
		return "idempotency_conflict"
	case errors.Is(err, ErrInvalidIdempotencyKey):
		return "invalid_idempotency_key"
	case errors.Is(err, ErrInvalidAmountCents):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidParticipantID):
		return "invalid_participant"
	case errors.Is(err, ErrInvalidPeriodDate):
		return "invalid_period_date"
	case errors.Is(err, ErrInvalidSecret):
		return "invalid_secret"
	case errors.Is(err, ErrUnknownPeriod):
		return "unknown_period"
	case errors.Is(err, ErrPeriodExists):
		return "period_exists"
	default:
		return "internal"
	}
}

// Retryable reports whether a caller may retry the failed operation.
// ErrIdempotencyReplay is retryable only in the surfaced form: it escapes
// runOnce when a concurrent holder of the same key committed no result, so a
// retry observes that holder's final state.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrIdempotencyReplay)
}

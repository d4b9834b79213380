package errors

import (
	"errors"
	"fmt"
)

// Code identifies a member of the closed domain error set. Codes are part of
// the wire contract and never change meaning once released.
type Code string

const (
	CodeInsufficientCapacity Code = "INSUFFICIENT_CAPACITY"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeReplayNonce          Code = "REPLAY_NONCE"
	CodeInactiveParticipant  Code = "INACTIVE_PARTICIPANT"
	CodePolicyDenied         Code = "POLICY_DENIED"
	CodeTimeout              Code = "TIMEOUT"
	CodeInvariantViolation   Code = "INVARIANT_VIOLATION"
	CodeEquivalentInactive   Code = "EQUIVALENT_INACTIVE"
	CodeIdempotencyConflict  Code = "IDEMPOTENCY_CONFLICT"
	CodeOrphanedPrepare      Code = "ORPHANED_PREPARE"
	CodeNotFound             Code = "NOT_FOUND"
	CodeValidation           Code = "VALIDATION"
	CodeInternal             Code = "INTERNAL"
)

// Error is a coded domain error. Details carries offending edges or
// conflicting parameters when the code warrants it.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on the code so sentinel comparisons work across wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New constructs a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a coded error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails returns a copy carrying the supplied details map.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Details = details
	return &clone
}

// Sentinels for the stable error taxonomy. Engines return these (optionally
// wrapped) so callers can branch with errors.Is.
var (
	ErrInsufficientCapacity = New(CodeInsufficientCapacity, "insufficient capacity along available routes")
	ErrInvalidSignature     = New(CodeInvalidSignature, "signature does not verify against the claimed key")
	ErrReplayNonce          = New(CodeReplayNonce, "nonce already used")
	ErrInactiveParticipant  = New(CodeInactiveParticipant, "participant is not active")
	ErrPolicyDenied         = New(CodePolicyDenied, "trust line policy denies the operation")
	ErrTimeout              = New(CodeTimeout, "operation deadline exceeded")
	ErrInvariantViolation   = New(CodeInvariantViolation, "ledger invariant violated")
	ErrEquivalentInactive   = New(CodeEquivalentInactive, "equivalent does not accept new operations")
	ErrIdempotencyConflict  = New(CodeIdempotencyConflict, "idempotency key reused with different parameters")
	ErrOrphanedPrepare      = New(CodeOrphanedPrepare, "transaction abandoned before prepare completed")
	ErrNotFound             = New(CodeNotFound, "not found")
	ErrValidation           = New(CodeValidation, "validation error")
	ErrInternal             = New(CodeInternal, "internal error")
)

// CodeOf extracts the domain code from err, defaulting to CodeInternal for
// infrastructure failures.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// IsDomain reports whether err belongs to the closed domain set, as opposed
// to an infrastructure failure.
func IsDomain(err error) bool {
	var coded *Error
	return errors.As(err, &coded)
}

// AsDomain extracts the coded error from err's chain.
func AsDomain(err error, target **Error) bool {
	return errors.As(err, target)
}

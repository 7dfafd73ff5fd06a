package migrate

import (
	"errors"
	"fmt"

	"github.com/roach88/idmigrate/internal/ndjson"
)

// ErrorCode categorizes migration errors.
type ErrorCode string

const (
	// ErrCodeReconciliation indicates one record could not be reconciled.
	// Local to the record: logged, counted, and the run continues.
	ErrCodeReconciliation ErrorCode = "RECONCILIATION_FAILED"

	// ErrCodeResource indicates the staging store or an export file could not
	// be opened or read. Fatal.
	ErrCodeResource ErrorCode = "RESOURCE_ERROR"
)

// Reasons a record fails reconciliation.
var (
	ErrMissingEmail   = errors.New("record has no email")
	ErrNoMatch        = errors.New("no remote user matches email")
	ErrAmbiguousMatch = errors.New("more than one remote user matches email")
	ErrLookupFailed   = errors.New("remote lookup by email failed")
	ErrMFAEnrollment  = errors.New("mfa enrollment failed")
	ErrPasswordUpdate = errors.New("password update failed")
)

// Error is a migration error with a category and optional record context.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Subject is the external subject id, when the error concerns one record.
	Subject string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s (subject=%s)", e.Code, msg, e.Subject)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewReconciliationError creates an Error for a record that could not be
// matched to a remote identity.
func NewReconciliationError(subject, message string, err error) *Error {
	return &Error{Code: ErrCodeReconciliation, Message: message, Subject: subject, Err: err}
}

// NewResourceError creates an Error for storage or file failures.
func NewResourceError(message string, err error) *Error {
	return &Error{Code: ErrCodeResource, Message: message, Err: err}
}

// IsReconciliationFailure returns true if err ends only the current record.
// Uses errors.As to handle wrapped errors.
func IsReconciliationFailure(err error) bool {
	return hasCode(err, ErrCodeReconciliation)
}

// IsResourceError returns true if err is a storage or file failure.
func IsResourceError(err error) bool {
	return hasCode(err, ErrCodeResource)
}

// IsParseError returns true if err comes from malformed or invalid input.
func IsParseError(err error) bool {
	return ndjson.IsParseError(err)
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

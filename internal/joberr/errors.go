// Package joberr carries the wire-visible error taxonomy shared by producers,
// workers and the atomic scripts. Codes are grouped by thousands: 1xxx
// validation, 2xxx lifecycle, 3xxx worker, 4xxx routing, 5xxx rate-limit,
// 6xxx dependencies, 7xxx workflow, 8xxx security, 9xxx storage.
package joberr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code identifies an error class on the wire.
type Code int

const (
	CodeInvalidPayload     Code = 1001
	CodeInvalidConfig      Code = 1002
	CodeInvalidJobType     Code = 1003
	CodeInvalidPriority    Code = 1004
	CodeJobNotFound        Code = 2001
	CodeInvalidTransition  Code = 2002
	CodeNotOwner           Code = 2003
	CodeHandlerMissing     Code = 3001
	CodeHandlerPanic       Code = 3002
	CodeCapabilityMismatch Code = 3003
	CodeNoMatchingWorker   Code = 4001
	CodeRateLimited        Code = 5001
	CodeDependencyCycle    Code = 6001
	CodeBatchEmpty         Code = 7001
	CodeRedisFailure       Code = 9001
	CodeStorageWrite       Code = 9004
	CodeStorageRead        Code = 9005
	CodeEventPublish       Code = 9006
)

// nonRetryable is the fixed set of codes the retry policy never reschedules.
var nonRetryable = map[Code]bool{
	CodeInvalidPayload:     true,
	CodeInvalidConfig:      true,
	CodeCapabilityMismatch: true,
}

// Error is a coded job error. Retryable, when set, overrides the code-based
// classification; handlers use it to force or veto a retry.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable *bool  `json:"retryable,omitempty"`
	// Timestamp (ms) is filled when the error is appended to a job's history.
	Timestamp int64 `json:"timestamp,omitempty"`
	// Attempt records which attempt produced this error.
	Attempt int `json:"attempt,omitempty"`

	cause error
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a coded error; the cause is visible to errors.Is
// and errors.Unwrap but never serialized.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// NonRetryable marks the error so the retry policy reports it as terminal.
func (e *Error) NonRetryable() *Error {
	f := false
	e.Retryable = &f
	return e
}

// ForceRetryable marks the error retryable even if its code is in the
// non-retryable set.
func (e *Error) ForceRetryable() *Error {
	t := true
	e.Retryable = &t
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// IsRetryable classifies an arbitrary error for the retry policy. Coded
// errors use the non-retryable set unless an explicit Retryable flag is
// carried; uncoded errors default to retryable.
func IsRetryable(err error) bool {
	var je *Error
	if errors.As(err, &je) {
		if je.Retryable != nil {
			return *je.Retryable
		}
		return !nonRetryable[je.Code]
	}
	return true
}

// From converts any error into a coded error, preserving an existing one.
// Uncoded errors become CodeHandlerPanic only when panicked (see recovery.go);
// plain handler errors map to a generic worker failure with code 0 omitted,
// so the error list stays honest about its origin.
func From(err error) *Error {
	var je *Error
	if errors.As(err, &je) {
		return je
	}
	return &Error{Message: err.Error()}
}

// MarshalRecord serializes the error for the job's bounded error history.
func (e *Error) MarshalRecord() ([]byte, error) {
	return json.Marshal(e)
}

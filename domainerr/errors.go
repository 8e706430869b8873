// Package domainerr defines the stable error codes surfaced by the workflow and
// conditions engine.
package domainerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeNoActiveStep       Code = "E_NO_ACTIVE_STEP"
	CodeBlockingConditions Code = "E_BLOCKING_CONDITIONS"
	CodeBlockingCannotSkip Code = "E_BLOCKING_CANNOT_SKIP"
	CodeInvalidTransition  Code = "E_INVALID_TRANSITION"
	CodeNotFound           Code = "E_NOT_FOUND"
	CodeValidationFailed   Code = "E_VALIDATION_FAILED"
	CodeForbidden          Code = "E_FORBIDDEN"
	CodeUnauthorized       Code = "E_UNAUTHORIZED"
	CodeConflict           Code = "E_CONFLICT"
	CodeInternal           Code = "E_INTERNAL"
)

var (
	ErrNoActiveStep       = errors.New("domain: transaction has no active step")
	ErrBlockingConditions = errors.New("domain: unresolved blocking conditions")
	ErrBlockingCannotSkip = errors.New("domain: blocking condition cannot be skipped")
	ErrInvalidTransition  = errors.New("domain: invalid transition")
	ErrNotFound           = errors.New("domain: not found")
	ErrValidationFailed   = errors.New("domain: validation failed")
	ErrForbidden          = errors.New("domain: forbidden")
	ErrUnauthorized       = errors.New("domain: unauthorized")
	ErrConflict           = errors.New("domain: conflict")
)

var sentinels = map[Code]error{
	CodeNoActiveStep:       ErrNoActiveStep,
	CodeBlockingConditions: ErrBlockingConditions,
	CodeBlockingCannotSkip: ErrBlockingCannotSkip,
	CodeInvalidTransition:  ErrInvalidTransition,
	CodeNotFound:           ErrNotFound,
	CodeValidationFailed:   ErrValidationFailed,
	CodeForbidden:          ErrForbidden,
	CodeUnauthorized:       ErrUnauthorized,
	CodeConflict:           ErrConflict,
}

// Error carries a stable code, the operation that failed and an optional cause.
type Error struct {
	Op      string
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		if s, ok := sentinels[e.Code]; ok {
			msg = s.Error()
		} else {
			msg = string(e.Code)
		}
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel registered for the error's code.
func (e *Error) Is(target error) bool {
	if s, ok := sentinels[e.Code]; ok && s == target {
		return true
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Op == "" || t.Op == e.Op)
}

func New(op string, code Code, message string) *Error {
	return &Error{Op: op, Code: code, Message: message}
}

func Wrap(op string, code Code, message string, err error) *Error {
	return &Error{Op: op, Code: code, Message: message, Err: err}
}

func NotFound(op, what string) *Error {
	return &Error{Op: op, Code: CodeNotFound, Message: what + " not found"}
}

func Validation(op, message string) *Error {
	return &Error{Op: op, Code: CodeValidationFailed, Message: message}
}

func InvalidTransition(op, message string) *Error {
	return &Error{Op: op, Code: CodeInvalidTransition, Message: message}
}

// CodeOf classifies err. Errors that carry no code are reported as E_INTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded interface{ ErrorCode() Code }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	for code, s := range sentinels {
		if errors.Is(err, s) {
			return code
		}
	}
	return CodeInternal
}

// MessageOf returns the human readable part of err without the operation prefix.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

package auth

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeNoCredential           Code = "no_credential"
	CodeInvalidCredential      Code = "invalid_credential"
	CodeMissingIdentity        Code = "missing_identity"
	CodeInsufficientPermission Code = "insufficient_permission"
)

// Sentinels for errors.Is; every *Error matches the sentinel of its code.
var (
	ErrNoCredential           = &Error{Code: CodeNoCredential}
	ErrInvalidCredential      = &Error{Code: CodeInvalidCredential}
	ErrMissingIdentity        = &Error{Code: CodeMissingIdentity}
	ErrInsufficientPermission = &Error{Code: CodeInsufficientPermission}
)

// Error is the only error type Authenticate returns.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := "auth: " + string(e.Code)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Reason == "" && t.Err == nil
}

func newError(code Code, reason string, cause error) *Error {
	return &Error{Code: code, Reason: reason, Err: cause}
}

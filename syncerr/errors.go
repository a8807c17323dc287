// Package syncerr provides the engine's error taxonomy.
package syncerr

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure per the engine's error taxonomy.
type Code string

const (
	NotInitialized    Code = "NOT_INITIALIZED"
	DuplicateRepo     Code = "DUPLICATE_REPOSITORY"
	LateRegistration  Code = "LATE_REGISTRATION"
	NamespaceClosed   Code = "NAMESPACE_CLOSED"
	SchemaMismatch    Code = "SCHEMA_MISMATCH"
	FormatError       Code = "FORMAT_ERROR"
	ConflictUnresolvd Code = "CONFLICT_UNRESOLVED"
	StrategyPushFaild Code = "STRATEGY_PUSH_FAILED"
	ConfigUnsupported Code = "CONFIG_UNSUPPORTED_TYPE"
	NotAuthenticated  Code = "NOT_AUTHENTICATED"
)

// Error is a structured error carrying a taxonomy code, a message, an
// optional wrapped cause, and arbitrary diagnostic details.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches a diagnostic key/value pair and returns the
// same error for chaining.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that wraps an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// As extracts an *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func NotInitializedError(what string) *Error {
	return New(NotInitialized, "operation requires initialize(): "+what)
}

func DuplicateRepositoryError(name string) *Error {
	return New(DuplicateRepo, "repository already registered").WithDetails("name", name)
}

func LateRegistrationError(kind, name string) *Error {
	return New(LateRegistration, "cannot register after initialize()").
		WithDetails("kind", kind).WithDetails("name", name)
}

func NamespaceClosedError(namespace string) *Error {
	return New(NamespaceClosed, "storage adapter is closed").WithDetails("namespace", namespace)
}

func SchemaMismatchError(repo string, err error) *Error {
	return Wrap(SchemaMismatch, "persisted row shape incompatible with declared schema", err).
		WithDetails("repository", repo)
}

func FormatErrorf(reason string) *Error {
	return New(FormatError, "malformed remote event payload: "+reason)
}

func ConflictUnresolvedError(dataID string) *Error {
	return New(ConflictUnresolvd, "conflict function failed to produce a winner").WithDetails("data_id", dataID)
}

func StrategyPushFailedError(repo string, err error) *Error {
	return Wrap(StrategyPushFaild, "sync strategy push failed", err).WithDetails("repository", repo)
}

func ConfigUnsupportedTypeError(key string) *Error {
	return New(ConfigUnsupported, "config value type is not a supported primitive").WithDetails("key", key)
}

func NotAuthenticatedError(reason string) *Error {
	return New(NotAuthenticated, reason)
}

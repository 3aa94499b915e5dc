package models

import (
	"errors"
	"fmt"
)

// NotFoundError indicates an entity was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates the entity is not in a state where the mutation is legal.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...any) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// CredentialError means the principal must reauthenticate. It is never retried.
type CredentialError struct {
	PrincipalID string
	Err         error
}

func (e *CredentialError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("reauthentication required for principal %s", e.PrincipalID)
	}
	return fmt.Sprintf("reauthentication required for principal %s: %v", e.PrincipalID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// TransientKind classifies retryable external failures.
type TransientKind string

const (
	TransientServer    TransientKind = "server"
	TransientRateLimit TransientKind = "rate_limit"
	TransientNetwork   TransientKind = "network"
)

// TransientError is a retryable failure of an external call.
type TransientError struct {
	Kind TransientKind
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("temporarily unavailable (%s): %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// DataError marks malformed results that need operator intervention.
type DataError struct {
	Err error
}

func (e *DataError) Error() string { return fmt.Sprintf("data error: %v", e.Err) }

func (e *DataError) Unwrap() error { return e.Err }

// ConfigurationError marks missing configuration such as an absent account linkage.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// ErrConfiguration creates a ConfigurationError with a formatted message.
func ErrConfiguration(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsConflict reports whether err wraps a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsPermanentCredential reports whether err wraps a CredentialError.
func IsPermanentCredential(err error) bool {
	var e *CredentialError
	return errors.As(err, &e)
}

// IsTransient reports whether err wraps a TransientError.
func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

// TransientKindOf returns the kind of a wrapped TransientError.
func TransientKindOf(err error) (TransientKind, bool) {
	var e *TransientError
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsDataError reports whether err wraps a DataError.
func IsDataError(err error) bool {
	var e *DataError
	return errors.As(err, &e)
}

// IsConfiguration reports whether err wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var e *ConfigurationError
	return errors.As(err, &e)
}

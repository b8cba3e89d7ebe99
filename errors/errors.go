// Package errors provides internal-facing error types for use in serverpki.
// These are not meant to be returned to operators verbatim; the renewal
// summary and the log lines render them.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType provides a coarse category for PKIErrors.
type ErrorType int

// These numeric constants are used when errors are persisted in logs and
// metrics labels. Do not reorder.
const (
	InternalServer ErrorType = iota
	Malformed
	NotFound
	Conflict
	Authorization
	ChallengePublish
	Distribution
	KeyStore
	SchemaVersion
	Locked
)

func (t ErrorType) String() string {
	switch t {
	case InternalServer:
		return "internalServer"
	case Malformed:
		return "malformed"
	case NotFound:
		return "notFound"
	case Conflict:
		return "conflict"
	case Authorization:
		return "authorization"
	case ChallengePublish:
		return "challengePublish"
	case Distribution:
		return "distribution"
	case KeyStore:
		return "keyStore"
	case SchemaVersion:
		return "schemaVersion"
	case Locked:
		return "locked"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// PKIError represents an internal serverpki error.
type PKIError struct {
	Type   ErrorType
	Detail string
}

func (pe *PKIError) Error() string {
	return pe.Detail
}

// New is a convenience function for creating a new PKIError.
func New(errType ErrorType, msg string, args ...any) error {
	return &PKIError{
		Type:   errType,
		Detail: fmt.Sprintf(msg, args...),
	}
}

// Is is a convenience function for testing the internal type of a PKIError,
// or of one of the structured errors which carry a PKIError.
func Is(err error, errType ErrorType) bool {
	var typed interface{ ErrorType() ErrorType }
	if errors.As(err, &typed) {
		return typed.ErrorType() == errType
	}
	var pkiErr *PKIError
	if errors.As(err, &pkiErr) {
		return pkiErr.Type == errType
	}
	return false
}

// TypeOf returns the ErrorType of err, or InternalServer if err carries none.
func TypeOf(err error) ErrorType {
	var typed interface{ ErrorType() ErrorType }
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}
	var pkiErr *PKIError
	if errors.As(err, &pkiErr) {
		return pkiErr.Type
	}
	return InternalServer
}

func InternalServerError(msg string, args ...any) error {
	return New(InternalServer, msg, args...)
}

func MalformedError(msg string, args ...any) error {
	return New(Malformed, msg, args...)
}

func NotFoundError(msg string, args ...any) error {
	return New(NotFound, msg, args...)
}

func ConflictError(msg string, args ...any) error {
	return New(Conflict, msg, args...)
}

func ChallengePublishError(msg string, args ...any) error {
	return New(ChallengePublish, msg, args...)
}

func KeyStoreError(msg string, args ...any) error {
	return New(KeyStore, msg, args...)
}

func LockedError(msg string, args ...any) error {
	return New(Locked, msg, args...)
}

// SchemaVersionError is returned when the persisted schema version is not the
// one this build was written against. It is always fatal.
func SchemaVersionError(have, want int) error {
	return New(SchemaVersion, "schema version %d is not supported (want %d)", have, want)
}

// AuthorizationError reports that a single domain could not be validated.
// Other domains in the same batch are unaffected.
type AuthorizationError struct {
	Domain string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization for %q failed: %s", e.Domain, e.Reason)
}

func (e *AuthorizationError) ErrorType() ErrorType {
	return Authorization
}

// DistributionError reports that writing material to a single place failed.
type DistributionError struct {
	Place string
	Err   error
}

func (e *DistributionError) Error() string {
	return fmt.Sprintf("distribution to place %q failed: %s", e.Place, e.Err)
}

func (e *DistributionError) Unwrap() error {
	return e.Err
}

func (e *DistributionError) ErrorType() ErrorType {
	return Distribution
}

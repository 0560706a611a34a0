package gramdb

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the gramdb package.
var (
	// ErrClosed is returned when operations are attempted on a closed database.
	ErrClosed = errors.New("database is closed")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("schema validation failed")

	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicateKey is matched by every *DuplicateKeyError.
	ErrDuplicateKey = errors.New("duplicate document id")

	// ErrMigration is matched by every *MigrationError.
	ErrMigration = errors.New("schema migration failed")

	// ErrDecode is returned when a peer payload cannot be decompressed or parsed.
	ErrDecode = errors.New("payload decode failed")

	// ErrInvalidPayload is returned when a decoded payload has an unknown shape.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrNetwork is matched by every *NetworkError.
	ErrNetwork = errors.New("network failure")

	// ErrUnknownCollection is returned for collection names outside the schema set.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrNoActiveUser is returned when an operation needs a logged-in user.
	ErrNoActiveUser = errors.New("no active user")

	// ErrInvalidPIN is returned when a login PIN does not match.
	ErrInvalidPIN = errors.New("invalid pin")

	// ErrNoRemote is returned when replication runs without an endpoint.
	ErrNoRemote = errors.New("no remote endpoint configured")

	// ErrScanAborted is returned when a scan session ends without a decoded frame.
	ErrScanAborted = errors.New("scan ended without a decoded code")

	// ErrScanComplete is returned for frames fed after a scan has completed.
	ErrScanComplete = errors.New("scan already completed")
)

// ValidationError reports a document that does not satisfy its collection schema.
type ValidationError struct {
	Collection string
	Field      string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Collection, e.Message)
	}
	return fmt.Sprintf("%s.%s: %s", e.Collection, e.Field, e.Message)
}

// Is implements error matching for ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func newValidationError(collection, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Collection: collection,
		Field:      field,
		Message:    fmt.Sprintf(format, args...),
	}
}

// NotFoundError reports a missing document.
type NotFoundError struct {
	Collection string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s: document not found", e.Collection, e.ID)
}

// Is implements error matching for NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// DuplicateKeyError reports an insert whose id already exists.
type DuplicateKeyError struct {
	Collection string
	ID         string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s/%s: document already exists", e.Collection, e.ID)
}

// Is implements error matching for DuplicateKeyError.
func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

// MigrationError reports a failed migration step. It is fatal to Open; the
// only supported recovery is Destroy followed by a fresh Open.
type MigrationError struct {
	Collection  string
	DocumentID  string
	FromVersion int
	Cause       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate %s/%s from v%d to v%d: %v",
		e.Collection, e.DocumentID, e.FromVersion, e.FromVersion+1, e.Cause)
}

func (e *MigrationError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for MigrationError.
func (e *MigrationError) Is(target error) bool {
	return target == ErrMigration
}

// DecodeError reports a payload that is not valid compressed structured data.
type DecodeError struct {
	Stage string // "base64", "decompress" or "json"
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload (%s): %v", e.Stage, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// InvalidPayloadError reports a decoded payload with an unrecognized shape.
type InvalidPayloadError struct {
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return "invalid payload: " + e.Reason
}

// Is implements error matching for InvalidPayloadError.
func (e *InvalidPayloadError) Is(target error) bool {
	return target == ErrInvalidPayload
}

// NetworkError wraps a transport failure during replication.
type NetworkError struct {
	Collection string
	Phase      string // "pull" or "push"
	Attempts   int
	Cause      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Collection, e.Phase, e.Attempts, e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for NetworkError.
func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// StatusError is returned for non-success HTTP responses from a remote.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d", e.Status)
}

// IsNotFound reports whether err is a missing-document error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

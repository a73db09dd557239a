package spec

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every typed error below matches exactly one of these
// through errors.Is.
var (
	ErrSchema         = errors.New("schema error")
	ErrCodec          = errors.New("codec error")
	ErrNotFound       = errors.New("not found")
	ErrCommitConflict = errors.New("commit conflict")
	ErrTransport      = errors.New("transport error")
	ErrValidation     = errors.New("validation error")
)

// SchemaError reports an invalid schema, partition spec, sort order or
// schema change.
type SchemaError struct {
	FieldID int
	Field   string
	Message string
}

func (e *SchemaError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("schema error: field %q: %s", e.Field, e.Message)
	case e.FieldID != 0:
		return fmt.Sprintf("schema error: field id %d: %s", e.FieldID, e.Message)
	default:
		return "schema error: " + e.Message
	}
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

func schemaErrorf(field string, format string, args ...any) *SchemaError {
	return &SchemaError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CodecError reports a malformed metadata document, manifest list,
// manifest or bound value. Document names the kind of artifact, Location
// the file it came from when known.
type CodecError struct {
	Document string
	Location string
	Field    string
	Cause    error
}

func (e *CodecError) Error() string {
	msg := "failed to decode " + e.Document
	if e.Location != "" {
		msg += " " + e.Location
	}
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CodecError) Unwrap() error { return e.Cause }

func (e *CodecError) Is(target error) bool { return target == ErrCodec }

func codecErrorf(document, field string, format string, args ...any) *CodecError {
	return &CodecError{Document: document, Field: field, Cause: fmt.Errorf(format, args...)}
}

// NotFoundError reports a missing snapshot, table, schema or file.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CommitConflictError is returned once a commit has exhausted its retries.
// Latest carries the most recent metadata observed by the committer.
type CommitConflictError struct {
	Table          string
	Attempts       int
	Latest         *TableMetadata
	LatestLocation string
	Cause          error
}

func (e *CommitConflictError) Error() string {
	msg := fmt.Sprintf("commit conflict on %s after %d attempts", e.Table, e.Attempts)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CommitConflictError) Unwrap() error { return e.Cause }

func (e *CommitConflictError) Is(target error) bool { return target == ErrCommitConflict }

// TransportError wraps a storage or network failure.
type TransportError struct {
	Operation string
	Location  string
	Retryable bool
	Cause     error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport error: %s %s", e.Operation, e.Location)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Cause }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ValidationError reports a failed precondition: a commit that no longer
// applies to the current table state, a predicate that does not bind, or
// an invalid argument.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// AtLocation records the file a codec error came from. Other errors are
// returned unchanged.
func AtLocation(err error, location string) error {
	var ce *CodecError
	if errors.As(err, &ce) && ce.Location == "" {
		ce.Location = location
	}
	return err
}

package icelake

import (
	"errors"

	"github.com/TennyZhuang/icelake/catalog"
	"github.com/TennyZhuang/icelake/spec"
)

// Error categories. Every error returned by the client matches at most one
// of ErrSchema, ErrCodec, ErrNotFound, ErrCommitConflict, ErrTransport and
// ErrValidation through errors.Is.
var (
	ErrSchema         = spec.ErrSchema
	ErrCodec          = spec.ErrCodec
	ErrNotFound       = spec.ErrNotFound
	ErrCommitConflict = spec.ErrCommitConflict
	ErrTransport      = spec.ErrTransport
	ErrValidation     = spec.ErrValidation

	// ErrTableAlreadyExists is returned by CreateTable for an existing table.
	ErrTableAlreadyExists = catalog.ErrTableExists

	// ErrInvalidConfig is returned for an unusable Config.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Typed errors carried by the categories above.
type (
	SchemaError         = spec.SchemaError
	CodecError          = spec.CodecError
	NotFoundError       = spec.NotFoundError
	CommitConflictError = spec.CommitConflictError
	TransportError      = spec.TransportError
	ValidationError     = spec.ValidationError
)

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	return spec.IsRetryable(err)
}

// IsNotFound reports whether err is a missing table, snapshot or file.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCommitConflict reports whether a commit lost every attempt to a
// concurrent writer.
func IsCommitConflict(err error) bool {
	return errors.Is(err, ErrCommitConflict)
}

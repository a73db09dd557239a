// Package io provides the object storage transport used by tables and
// catalogs.
package io

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TennyZhuang/icelake/spec"
)

// ErrFileExists is returned by CreateFile when the target already exists.
var ErrFileExists = errors.New("file already exists")

// FileIO is the interface for file operations. Paths are full locations
// such as s3://bucket/key or file:///tmp/table.
type FileIO interface {
	// ReadFile returns the content of a file. A missing file fails with an
	// error matching spec.ErrNotFound.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile creates or overwrites a file.
	WriteFile(ctx context.Context, path string, data []byte) error

	// CreateFile writes a file only if it does not exist yet. It fails
	// with ErrFileExists otherwise.
	CreateFile(ctx context.Context, path string, data []byte) error

	// Exists checks if a file exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete deletes a file.
	Delete(ctx context.Context, path string) error

	// ListFiles lists the files under a prefix in lexical order.
	ListFiles(ctx context.Context, prefix string) ([]string, error)
}

// IsNotFound reports whether err means the file does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, spec.ErrNotFound)
}

func fileNotFound(path string) error {
	return &spec.NotFoundError{Kind: "file", Key: path}
}

func transportError(op, path string, retryable bool, err error) error {
	return &spec.TransportError{Operation: op, Location: path, Retryable: retryable, Cause: err}
}

// splitScheme splits "scheme://rest" into its parts. Paths without a
// scheme return an empty scheme.
func splitScheme(path string) (scheme, rest string) {
	if i := strings.Index(path, "://"); i > 0 {
		return path[:i], path[i+3:]
	}
	return "", path
}

// Join joins a location and path elements with single slashes.
func Join(location string, elems ...string) string {
	out := strings.TrimRight(location, "/")
	for _, e := range elems {
		e = strings.Trim(e, "/")
		if e == "" {
			continue
		}
		out += "/" + e
	}
	return out
}

func unsupportedScheme(op, path, scheme string) error {
	return transportError(op, path, false, fmt.Errorf("unsupported scheme %q", scheme))
}

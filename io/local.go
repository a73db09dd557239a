package io

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// AferoFileIO implements FileIO over an afero filesystem. It serves the
// local filesystem and the in-memory filesystem used by tests and
// examples.
type AferoFileIO struct {
	fs afero.Fs
	// schemes accepted besides plain paths.
	schemes map[string]bool
	// anyScheme maps every scheme onto the filesystem root, so that
	// s3:// locations can be exercised in memory.
	anyScheme bool

	// createMu makes check-and-rename atomic on filesystems without an
	// exclusive link.
	createMu sync.Mutex
}

// NewLocalFileIO creates a FileIO for the local filesystem. It accepts
// plain paths and file:// locations.
func NewLocalFileIO() *AferoFileIO {
	return &AferoFileIO{fs: afero.NewOsFs(), schemes: map[string]bool{"file": true}}
}

// NewMemFileIO creates a FileIO backed by memory. Locations of any scheme
// are stored by their path component.
func NewMemFileIO() *AferoFileIO {
	return &AferoFileIO{fs: afero.NewMemMapFs(), anyScheme: true}
}

// NewAferoFileIO wraps an arbitrary afero filesystem.
func NewAferoFileIO(fs afero.Fs) *AferoFileIO {
	return &AferoFileIO{fs: fs, schemes: map[string]bool{"file": true}}
}

// Fs returns the underlying filesystem.
func (a *AferoFileIO) Fs() afero.Fs {
	return a.fs
}

func (a *AferoFileIO) resolve(op, location string) (string, error) {
	scheme, rest := splitScheme(location)
	if scheme == "" {
		return filepath.Clean(location), nil
	}
	if !a.anyScheme && !a.schemes[scheme] {
		return "", unsupportedScheme(op, location, scheme)
	}
	return path.Clean("/" + strings.TrimLeft(rest, "/")), nil
}

func (a *AferoFileIO) wrap(op, location string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fileNotFound(location)
	}
	return transportError(op, location, false, err)
}

// ReadFile returns the content of a file.
func (a *AferoFileIO) ReadFile(ctx context.Context, location string) ([]byte, error) {
	p, err := a.resolve("read", location)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(a.fs, p)
	if err != nil {
		return nil, a.wrap("read", location, err)
	}
	return data, nil
}

// WriteFile creates or overwrites a file, creating parent directories.
// The content is staged in a temporary file and renamed into place, so
// readers see the old or the new file and never a partial one.
func (a *AferoFileIO) WriteFile(ctx context.Context, location string, data []byte) error {
	p, err := a.resolve("write", location)
	if err != nil {
		return err
	}
	tmp, err := a.stage(p, data)
	if err != nil {
		return a.wrap("write", location, err)
	}
	if err := a.fs.Rename(tmp, p); err != nil {
		_ = a.fs.Remove(tmp)
		return a.wrap("write", location, err)
	}
	return nil
}

// CreateFile publishes a file only if none exists at location. The
// content is staged first, so a failed write never leaves a file behind
// and readers never see a partial one.
func (a *AferoFileIO) CreateFile(ctx context.Context, location string, data []byte) error {
	p, err := a.resolve("create", location)
	if err != nil {
		return err
	}
	tmp, err := a.stage(p, data)
	if err != nil {
		return a.wrap("create", location, err)
	}
	defer func() { _ = a.fs.Remove(tmp) }()

	if err := a.publishExclusive(tmp, p); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrFileExists
		}
		return a.wrap("create", location, err)
	}
	return nil
}

// stage writes data to a hidden temporary file next to p.
func (a *AferoFileIO) stage(p string, data []byte) (string, error) {
	dir := filepath.Dir(p)
	if err := a.fs.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	f, err := afero.TempFile(a.fs, dir, "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = a.fs.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = a.fs.Remove(tmp)
		return "", err
	}
	if err := a.fs.Chmod(tmp, 0644); err != nil {
		_ = a.fs.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// publishExclusive moves tmp to p unless p exists. On the local disk a
// hard link fails atomically when p exists. Other filesystems rename
// under createMu, which serializes creators of this FileIO.
func (a *AferoFileIO) publishExclusive(tmp, p string) error {
	if _, ok := a.fs.(*afero.OsFs); ok {
		return os.Link(tmp, p)
	}
	a.createMu.Lock()
	defer a.createMu.Unlock()
	if ok, err := afero.Exists(a.fs, p); err != nil {
		return err
	} else if ok {
		return fs.ErrExist
	}
	return a.fs.Rename(tmp, p)
}

// Exists checks if a file exists.
func (a *AferoFileIO) Exists(ctx context.Context, location string) (bool, error) {
	p, err := a.resolve("stat", location)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(a.fs, p)
	if err != nil {
		return false, a.wrap("stat", location, err)
	}
	return ok, nil
}

// Delete deletes a file. Deleting a missing file fails with a not found
// error.
func (a *AferoFileIO) Delete(ctx context.Context, location string) error {
	p, err := a.resolve("delete", location)
	if err != nil {
		return err
	}
	if _, err := a.fs.Stat(p); err != nil {
		return a.wrap("delete", location, err)
	}
	if err := a.fs.Remove(p); err != nil {
		return a.wrap("delete", location, err)
	}
	return nil
}

// ListFiles lists the files under a directory prefix. A missing directory
// has no files.
func (a *AferoFileIO) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	root, err := a.resolve("list", prefix)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(prefix, "/")
	var files []string
	err = afero.Walk(a.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.IsDir() && !isStaged(info.Name()) {
			files = append(files, base+filepath.ToSlash(strings.TrimPrefix(p, root)))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, a.wrap("list", prefix, err)
	}
	return files, nil
}

// isStaged reports whether name is a temporary file of an unfinished
// write.
func isStaged(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
}

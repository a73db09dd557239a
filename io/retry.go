package io

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/spec"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 100 * time.Millisecond
	defaultRetryMax      = 2 * time.Second
)

// RetryingFileIO retries retryable transport failures of the wrapped
// FileIO with exponential backoff. Not found, file exists and
// non-retryable errors are returned at once.
type RetryingFileIO struct {
	inner    FileIO
	attempts int
	base     time.Duration
	max      time.Duration
	logger   *zap.Logger
}

// RetryOption configures a RetryingFileIO.
type RetryOption func(*RetryingFileIO)

// WithRetryAttempts sets the total number of attempts per operation.
func WithRetryAttempts(n int) RetryOption {
	return func(r *RetryingFileIO) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithRetryBackoff sets the first delay and the delay cap.
func WithRetryBackoff(base, max time.Duration) RetryOption {
	return func(r *RetryingFileIO) {
		r.base = base
		r.max = max
	}
}

// WithRetryLogger sets the logger for retried failures.
func WithRetryLogger(logger *zap.Logger) RetryOption {
	return func(r *RetryingFileIO) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRetryingFileIO wraps inner.
func NewRetryingFileIO(inner FileIO, opts ...RetryOption) *RetryingFileIO {
	r := &RetryingFileIO{
		inner:    inner,
		attempts: defaultRetryAttempts,
		base:     defaultRetryBase,
		max:      defaultRetryMax,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RetryingFileIO) do(ctx context.Context, op, path string, fn func() error) error {
	delay := r.base
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !spec.IsRetryable(err) || attempt >= r.attempts {
			return err
		}
		r.logger.Warn("retrying storage operation",
			zap.String("op", op),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > r.max {
			delay = r.max
		}
	}
}

func (r *RetryingFileIO) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "read", path, func() error {
		var err error
		data, err = r.inner.ReadFile(ctx, path)
		return err
	})
	return data, err
}

func (r *RetryingFileIO) WriteFile(ctx context.Context, path string, data []byte) error {
	return r.do(ctx, "write", path, func() error {
		return r.inner.WriteFile(ctx, path, data)
	})
}

// CreateFile retries an exclusive create. An attempt whose outcome was
// lost may make the retry report ErrFileExists for a file it wrote.
func (r *RetryingFileIO) CreateFile(ctx context.Context, path string, data []byte) error {
	return r.do(ctx, "create", path, func() error {
		return r.inner.CreateFile(ctx, path, data)
	})
}

func (r *RetryingFileIO) Exists(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := r.do(ctx, "exists", path, func() error {
		var err error
		ok, err = r.inner.Exists(ctx, path)
		return err
	})
	return ok, err
}

func (r *RetryingFileIO) Delete(ctx context.Context, path string) error {
	return r.do(ctx, "delete", path, func() error {
		return r.inner.Delete(ctx, path)
	})
}

func (r *RetryingFileIO) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	var files []string
	err := r.do(ctx, "list", prefix, func() error {
		var err error
		files, err = r.inner.ListFiles(ctx, prefix)
		return err
	})
	return files, err
}

package table

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/catalog"
	"github.com/TennyZhuang/icelake/io"
	"github.com/TennyZhuang/icelake/spec"
)

const (
	// DefaultMaxCommitAttempts is used when the table does not set
	// commit.retry.num-retries.
	DefaultMaxCommitAttempts = 5

	defaultCommitBackoff    = 100 * time.Millisecond
	defaultCommitBackoffMax = 5 * time.Second
)

// PendingUpdate is one change to a table. Apply is called once per commit
// attempt against the latest base, so implementations must derive
// everything from the CommitContext and keep no state between attempts.
type PendingUpdate interface {
	// Kind names the update in logs.
	Kind() string
	// Apply validates the update against cc.Base and records it in b.
	// Files it writes must go through cc.WriteFile.
	Apply(ctx context.Context, cc *CommitContext, b *spec.MetadataBuilder) error
}

// CommitContext is what an update sees during one commit attempt.
type CommitContext struct {
	// Base is the version this attempt builds on.
	Base *catalog.TableVersion
	// Original is the version the caller started from. It equals Base on
	// the first attempt.
	Original *catalog.TableVersion
	// Attempt counts from 1.
	Attempt int

	coord    *Coordinator
	written  []string
	snapshot *spec.Snapshot
}

// Resolver returns the resolver used to read the base snapshots.
func (cc *CommitContext) Resolver() *Resolver { return cc.coord.resolver }

// Logger returns the coordinator logger.
func (cc *CommitContext) Logger() *zap.Logger { return cc.coord.logger }

// Now returns the commit clock.
func (cc *CommitContext) Now() time.Time { return cc.coord.now() }

// MetadataPath returns a path under the table's metadata directory.
func (cc *CommitContext) MetadataPath(name string) string {
	return io.Join(cc.Base.Metadata.Location, "metadata", name)
}

// WriteFile writes a file that the new version will reference. Files of
// attempts that do not publish are reported as orphans.
func (cc *CommitContext) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := cc.coord.fio.WriteFile(ctx, path, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	cc.written = append(cc.written, path)
	return nil
}

// NewSnapshotID returns a positive id not used by the base metadata.
func (cc *CommitContext) NewSnapshotID() int64 {
	for {
		u := uuid.New()
		id := int64((binary.BigEndian.Uint64(u[:8]) ^ binary.BigEndian.Uint64(u[8:])) & math.MaxInt64)
		if id != 0 && cc.Base.Metadata.SnapshotByID(id) == nil {
			return id
		}
	}
}

// setSnapshot records the snapshot this attempt produced.
func (cc *CommitContext) setSnapshot(s *spec.Snapshot) { cc.snapshot = s }

// CommitResult is a published commit.
type CommitResult struct {
	Version *catalog.TableVersion
	// Snapshot is the snapshot the commit added, nil for metadata-only
	// updates.
	Snapshot *spec.Snapshot
	Attempts int
}

// Coordinator publishes table updates through a catalog, retrying on
// pointer conflicts.
type Coordinator struct {
	cat         catalog.Catalog
	fio         io.FileIO
	resolver    *Resolver
	maxAttempts int
	backoff     time.Duration
	backoffMax  time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMaxAttempts sets the attempts per commit for tables that do not set
// commit.retry.num-retries.
func WithMaxAttempts(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithCommitBackoff sets the first retry delay and the delay cap.
func WithCommitBackoff(base, max time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.backoff = base
		c.backoffMax = max
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithResolver sets the resolver used to read base snapshots.
func WithResolver(r *Resolver) CoordinatorOption {
	return func(c *Coordinator) {
		if r != nil {
			c.resolver = r
		}
	}
}

// WithClock replaces time.Now for snapshot and metadata timestamps.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator creates a coordinator committing to cat and writing
// manifests through fio.
func NewCoordinator(cat catalog.Catalog, fio io.FileIO, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cat:         cat,
		fio:         fio,
		maxAttempts: DefaultMaxCommitAttempts,
		backoff:     defaultCommitBackoff,
		backoffMax:  defaultCommitBackoffMax,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		c.resolver = NewResolver(fio, WithResolverLogger(c.logger))
	}
	return c
}

func (c *Coordinator) attempts(meta *spec.TableMetadata) int {
	if n := meta.IntProperty(spec.PropertyCommitNumRetries, -1); n >= 0 {
		return n + 1
	}
	return c.maxAttempts
}

// Commit applies update on top of base and publishes it. When the table
// moved on, the update is re-applied to the latest version after a
// backoff. Validation failures are returned at once; running out of
// attempts returns a spec.CommitConflictError holding the latest version.
func (c *Coordinator) Commit(ctx context.Context, base *catalog.TableVersion, update PendingUpdate) (*CommitResult, error) {
	table := base.Identifier.String()
	maxAttempts := c.attempts(base.Metadata)
	delay := c.backoff
	current := base
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cc := &CommitContext{Base: current, Original: base, Attempt: attempt, coord: c}
		published, next, err := c.attempt(ctx, cc, update)
		if err == nil {
			c.logger.Info("committed table update",
				zap.String("table", table),
				zap.String("update", update.Kind()),
				zap.Int("attempt", attempt),
				zap.String("metadata_location", published.MetadataLocation))
			return &CommitResult{Version: published, Snapshot: cc.snapshot, Attempts: attempt}, nil
		}
		if !errors.Is(err, catalog.ErrCommitConflict) {
			c.reportOrphans(table, cc)
			return nil, err
		}
		lastErr = err

		latest, err := c.cat.LoadTable(ctx, base.Identifier)
		if err != nil {
			c.reportOrphans(table, cc)
			return nil, fmt.Errorf("failed to reload %s after conflict: %w", table, err)
		}
		if landed(latest, cc, next) {
			c.logger.Info("table update was published before its conflict",
				zap.String("table", table),
				zap.String("update", update.Kind()),
				zap.Int("attempt", attempt),
				zap.String("metadata_location", latest.MetadataLocation))
			return &CommitResult{Version: latest, Snapshot: cc.snapshot, Attempts: attempt}, nil
		}
		c.reportOrphans(table, cc)
		current = latest
		if attempt == maxAttempts {
			break
		}
		c.logger.Warn("commit conflict, retrying",
			zap.String("table", table),
			zap.String("update", update.Kind()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > c.backoffMax {
			delay = c.backoffMax
		}
	}
	return nil, &spec.CommitConflictError{
		Table:          table,
		Attempts:       maxAttempts,
		Latest:         current.Metadata,
		LatestLocation: current.MetadataLocation,
		Cause:          lastErr,
	}
}

func (c *Coordinator) attempt(ctx context.Context, cc *CommitContext, update PendingUpdate) (*catalog.TableVersion, *spec.TableMetadata, error) {
	baseMeta := cc.Base.Metadata
	b := spec.NewMetadataBuilder(baseMeta)
	if err := update.Apply(ctx, cc, b); err != nil {
		return nil, nil, err
	}
	next, err := b.AppendMetadataLog(cc.Base.MetadataLocation, baseMeta.LastUpdatedMs).
		SetLastUpdatedMs(cc.Now().UnixMilli()).
		Build()
	if err != nil {
		return nil, nil, err
	}
	published, err := c.cat.CommitTable(ctx, cc.Base, next)
	return published, next, err
}

// landed reports whether latest already holds the attempt that failed with
// a conflict. A catalog can publish a document and still report a conflict
// when the acknowledgement of its write is lost and the write is retried.
// Snapshot updates are recognised by their snapshot id, metadata-only
// updates by an identical document.
func landed(latest *catalog.TableVersion, cc *CommitContext, next *spec.TableMetadata) bool {
	if cc.snapshot != nil {
		return latest.Metadata.SnapshotByID(cc.snapshot.SnapshotID) != nil
	}
	if next == nil {
		return false
	}
	want, err := canonicalJSON(next)
	if err != nil {
		return false
	}
	got, err := canonicalJSON(latest.Metadata)
	return err == nil && bytes.Equal(want, got)
}

// canonicalJSON encodes m after one parse, so documents read back from
// storage compare equal to the ones that were written.
func canonicalJSON(m *spec.TableMetadata) ([]byte, error) {
	data, err := m.ToJSON()
	if err != nil {
		return nil, err
	}
	parsed, err := spec.ParseTableMetadata(data)
	if err != nil {
		return nil, err
	}
	return parsed.ToJSON()
}

func (c *Coordinator) reportOrphans(table string, cc *CommitContext) {
	if len(cc.written) == 0 {
		return
	}
	c.logger.Warn("leaving files of unpublished commit attempt",
		zap.String("table", table),
		zap.Int("attempt", cc.Attempt),
		zap.Strings("files", cc.written))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

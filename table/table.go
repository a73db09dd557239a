// Package table plans scans over Iceberg tables and commits new versions
// of them.
package table

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/catalog"
	"github.com/TennyZhuang/icelake/io"
	"github.com/TennyZhuang/icelake/spec"
)

// Table is a handle on one catalog table. It holds the version it was
// loaded at until Refresh or Commit moves it forward.
type Table struct {
	cat      catalog.Catalog
	fileIO   io.FileIO
	coord    *Coordinator
	resolver *Resolver
	logger   *zap.Logger

	mu      sync.RWMutex
	version *catalog.TableVersion
}

// NewTable wraps a loaded version. The options configure the commit
// coordinator the table commits through.
func NewTable(version *catalog.TableVersion, cat catalog.Catalog, fileIO io.FileIO, opts ...CoordinatorOption) *Table {
	coord := NewCoordinator(cat, fileIO, opts...)
	return &Table{
		cat:      cat,
		fileIO:   fileIO,
		coord:    coord,
		resolver: coord.resolver,
		logger:   coord.logger,
		version:  version,
	}
}

// Version returns the version the table currently points at.
func (t *Table) Version() *catalog.TableVersion {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Identifier returns the table identifier.
func (t *Table) Identifier() catalog.TableIdentifier {
	return t.Version().Identifier
}

// Metadata returns the table metadata.
func (t *Table) Metadata() *spec.TableMetadata {
	return t.Version().Metadata
}

// MetadataLocation returns the metadata file location.
func (t *Table) MetadataLocation() string {
	return t.Version().MetadataLocation
}

// Location returns the table location.
func (t *Table) Location() string {
	return t.Metadata().Location
}

// Schema returns the current schema.
func (t *Table) Schema() *spec.Schema {
	return t.Metadata().CurrentSchema()
}

// PartitionSpec returns the default partition spec.
func (t *Table) PartitionSpec() *spec.PartitionSpec {
	return t.Metadata().DefaultPartitionSpec()
}

// SortOrder returns the default sort order.
func (t *Table) SortOrder() *spec.SortOrder {
	return t.Metadata().DefaultSortOrder()
}

// Properties returns the table properties.
func (t *Table) Properties() map[string]string {
	return t.Metadata().Properties
}

// CurrentSnapshot returns the current snapshot or nil.
func (t *Table) CurrentSnapshot() *spec.Snapshot {
	return t.Metadata().CurrentSnapshot()
}

// Snapshots returns all snapshots.
func (t *Table) Snapshots() []spec.Snapshot {
	return t.Metadata().Snapshots
}

// SnapshotByID returns a snapshot by ID.
func (t *Table) SnapshotByID(id int64) *spec.Snapshot {
	return t.Metadata().SnapshotByID(id)
}

// SnapshotAt returns the snapshot that was current at the given time.
func (t *Table) SnapshotAt(ts time.Time) (*spec.Snapshot, error) {
	return t.Metadata().SnapshotAt(spec.SnapshotAsOfTime(ts))
}

// History returns the snapshot log.
func (t *Table) History() []spec.SnapshotLogEntry {
	return t.Metadata().SnapshotLog
}

// FileIO returns the storage the table reads and writes through.
func (t *Table) FileIO() io.FileIO {
	return t.fileIO
}

// Catalog returns the catalog.
func (t *Table) Catalog() catalog.Catalog {
	return t.cat
}

// Resolver returns the snapshot resolver.
func (t *Table) Resolver() *Resolver {
	return t.resolver
}

// Refresh reloads the table from the catalog.
func (t *Table) Refresh(ctx context.Context) error {
	latest, err := t.cat.LoadTable(ctx, t.Identifier())
	if err != nil {
		return fmt.Errorf("failed to refresh table: %w", err)
	}
	t.setVersion(latest)
	return nil
}

func (t *Table) setVersion(v *catalog.TableVersion) {
	t.mu.Lock()
	t.version = v
	t.mu.Unlock()
}

// Scan creates a new scan builder for this table.
func (t *Table) Scan() *ScanBuilder {
	return NewScanBuilder(t)
}

// Commit applies update on top of the table's version and moves the
// table to the published version.
func (t *Table) Commit(ctx context.Context, update PendingUpdate) (*CommitResult, error) {
	res, err := t.coord.Commit(ctx, t.Version(), update)
	if err != nil {
		return nil, err
	}
	t.setVersion(res.Version)
	return res, nil
}

// CurrentDataFiles returns the live data files of the current snapshot.
func (t *Table) CurrentDataFiles(ctx context.Context) ([]spec.DataFile, error) {
	entries, err := t.resolver.ResolveLive(ctx, t.Metadata(), spec.CurrentSnapshotSelector())
	if err != nil {
		return nil, err
	}
	files := make([]spec.DataFile, len(entries))
	for i := range entries {
		files[i] = entries[i].DataFile
	}
	return files, nil
}

// Changes returns the files added and deleted after snapshot fromID up to
// snapshot toID.
func (t *Table) Changes(ctx context.Context, fromID, toID int64) (*Changes, error) {
	return t.resolver.ResolveIncremental(ctx, t.Metadata(), fromID, toID)
}

// RelPath returns path relative to the table location. A path outside the
// table location fails with a ValidationError.
func (t *Table) RelPath(path string) (string, error) {
	prefix := strings.TrimRight(t.Location(), "/") + "/"
	if rel, ok := strings.CutPrefix(path, prefix); ok && rel != "" {
		return rel, nil
	}
	return "", spec.Validationf("%s is not inside table location %s", path, t.Location())
}

package catalog

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/io"
	"github.com/TennyZhuang/icelake/spec"
)

// MemoryCatalog keeps table pointers in process memory. Metadata files are
// written through a FileIO; the pointer swap is a compare-and-swap under a
// mutex.
type MemoryCatalog struct {
	opts      options
	warehouse string
	fio       io.FileIO

	mu       sync.Mutex
	pointers map[string]memoryEntry
}

type memoryEntry struct {
	id       TableIdentifier
	location string
}

// NewMemoryCatalog creates an empty catalog. Tables without an explicit
// location are placed under warehouse.
func NewMemoryCatalog(fio io.FileIO, warehouse string, opts ...Option) *MemoryCatalog {
	return &MemoryCatalog{
		opts:      newOptions("memory", opts),
		warehouse: warehouse,
		fio:       fio,
		pointers:  make(map[string]memoryEntry),
	}
}

// Name returns the catalog name.
func (c *MemoryCatalog) Name() string {
	return c.opts.name
}

func (c *MemoryCatalog) pointer(id TableIdentifier) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pointers[id.String()]
	return e.location, ok
}

// ListTables lists the tables of a namespace in name order.
func (c *MemoryCatalog) ListTables(ctx context.Context, namespace Namespace) ([]TableIdentifier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []TableIdentifier
	for _, e := range c.pointers {
		if e.id.Namespace.String() == namespace.String() {
			out = append(out, e.id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateTable writes the first metadata version and registers the table.
func (c *MemoryCatalog) CreateTable(ctx context.Context, id TableIdentifier, schema *spec.Schema, opts ...CreateTableOption) (*TableVersion, error) {
	if _, ok := c.pointer(id); ok {
		return nil, ErrTableExists
	}
	meta, err := newTableMetadata(c.warehouse, id, schema, newCreateTableConfig(opts))
	if err != nil {
		return nil, err
	}
	location, err := writeMetadata(ctx, c.fio, "", meta)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pointers[id.String()]; ok {
		return nil, ErrTableExists
	}
	c.pointers[id.String()] = memoryEntry{id: id, location: location}
	c.opts.logger.Info("created table", zap.String("table", id.String()), zap.String("metadata", location))
	return &TableVersion{Identifier: id, MetadataLocation: location, Metadata: meta}, nil
}

// LoadTable reads the metadata the table points at.
func (c *MemoryCatalog) LoadTable(ctx context.Context, id TableIdentifier) (*TableVersion, error) {
	location, ok := c.pointer(id)
	if !ok {
		return nil, tableNotFound(id)
	}
	meta, err := readMetadata(ctx, c.fio, location)
	if err != nil {
		return nil, err
	}
	return &TableVersion{Identifier: id, MetadataLocation: location, Metadata: meta}, nil
}

// DropTable removes the pointer and, with purge, the table files.
func (c *MemoryCatalog) DropTable(ctx context.Context, id TableIdentifier, purge bool) error {
	c.mu.Lock()
	e, ok := c.pointers[id.String()]
	delete(c.pointers, id.String())
	c.mu.Unlock()
	if !ok {
		return tableNotFound(id)
	}
	if purge {
		meta, err := readMetadata(ctx, c.fio, e.location)
		if err != nil {
			return err
		}
		purgeTable(ctx, c.fio, meta.Location, c.opts.logger)
	}
	return nil
}

// CommitTable writes next and swaps the pointer if it still names base.
// The file written by a losing commit is left behind.
func (c *MemoryCatalog) CommitTable(ctx context.Context, base *TableVersion, next *spec.TableMetadata) (*TableVersion, error) {
	id := base.Identifier
	if _, ok := c.pointer(id); !ok {
		return nil, tableNotFound(id)
	}
	location, err := writeMetadata(ctx, c.fio, base.MetadataLocation, next)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pointers[id.String()]
	if !ok {
		return nil, tableNotFound(id)
	}
	if e.location != base.MetadataLocation {
		return nil, ErrCommitConflict
	}
	c.pointers[id.String()] = memoryEntry{id: id, location: location}
	return &TableVersion{Identifier: id, MetadataLocation: location, Metadata: next}, nil
}

package catalog

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/io"
	"github.com/TennyZhuang/icelake/spec"
)

const versionHintFile = "version-hint.text"

// FilesystemCatalog stores tables in the Hadoop layout: the metadata of
// version N lives at <table>/metadata/vN.metadata.json and
// version-hint.text names the latest N. A commit is the exclusive create
// of v(N+1); the hint is advisory.
type FilesystemCatalog struct {
	opts      options
	warehouse string
	fio       io.FileIO
}

// NewFilesystemCatalog creates a catalog rooted at warehouse.
func NewFilesystemCatalog(fio io.FileIO, warehouse string, opts ...Option) *FilesystemCatalog {
	return &FilesystemCatalog{
		opts:      newOptions("filesystem", opts),
		warehouse: strings.TrimRight(warehouse, "/"),
		fio:       fio,
	}
}

// Name returns the catalog name.
func (c *FilesystemCatalog) Name() string {
	return c.opts.name
}

func (c *FilesystemCatalog) tableLocation(id TableIdentifier) string {
	return defaultLocation(c.warehouse, id)
}

func metadataDir(tableLocation string) string {
	return io.Join(tableLocation, "metadata")
}

func versionFile(tableLocation string, version int) string {
	return io.Join(metadataDir(tableLocation), fmt.Sprintf("v%d.metadata.json", version))
}

// hadoopVersion parses "vN.metadata.json".
func hadoopVersion(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "v")
	if !ok {
		return 0, false
	}
	num, ok := strings.CutSuffix(rest, ".metadata.json")
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(num)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// currentVersion finds the latest version of a table, 0 if none.
func (c *FilesystemCatalog) currentVersion(ctx context.Context, tableLocation string) (int, error) {
	version := 0
	hint, err := c.fio.ReadFile(ctx, io.Join(metadataDir(tableLocation), versionHintFile))
	switch {
	case err == nil:
		v, perr := strconv.Atoi(strings.TrimSpace(string(hint)))
		if perr == nil && v > 0 {
			version = v
		} else {
			c.opts.logger.Warn("ignoring invalid version hint", zap.String("table", tableLocation), zap.ByteString("hint", hint))
		}
	case io.IsNotFound(err):
	default:
		return 0, err
	}

	if version == 0 {
		files, err := c.fio.ListFiles(ctx, metadataDir(tableLocation))
		if err != nil {
			return 0, err
		}
		for _, f := range files {
			if v, ok := hadoopVersion(path.Base(f)); ok && v > version {
				version = v
			}
		}
		if version == 0 {
			return 0, nil
		}
	}

	// A writer may have died between the create and the hint update.
	for {
		ok, err := c.fio.Exists(ctx, versionFile(tableLocation, version+1))
		if err != nil {
			return 0, err
		}
		if !ok {
			return version, nil
		}
		version++
	}
}

// ListTables lists tables directly under the namespace directory.
func (c *FilesystemCatalog) ListTables(ctx context.Context, namespace Namespace) ([]TableIdentifier, error) {
	root := io.Join(c.warehouse, namespace...)
	files, err := c.fio.ListFiles(ctx, root)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []TableIdentifier
	for _, f := range files {
		rel := strings.TrimPrefix(strings.TrimPrefix(f, root), "/")
		parts := strings.Split(rel, "/")
		if len(parts) != 3 || parts[1] != "metadata" {
			continue
		}
		if _, ok := hadoopVersion(parts[2]); !ok && parts[2] != versionHintFile {
			continue
		}
		if !seen[parts[0]] {
			seen[parts[0]] = true
			out = append(out, TableIdentifier{Namespace: append(Namespace(nil), namespace...), Name: parts[0]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateTable writes v1 of a new table. Explicit locations are rejected
// since the location is derived from the identifier.
func (c *FilesystemCatalog) CreateTable(ctx context.Context, id TableIdentifier, schema *spec.Schema, opts ...CreateTableOption) (*TableVersion, error) {
	cfg := newCreateTableConfig(opts)
	location := c.tableLocation(id)
	if cfg.Location != "" && strings.TrimRight(cfg.Location, "/") != location {
		return nil, spec.Validationf("filesystem catalog tables live at %s, not %s", location, cfg.Location)
	}
	cfg.Location = location

	current, err := c.currentVersion(ctx, location)
	if err != nil {
		return nil, err
	}
	if current > 0 {
		return nil, ErrTableExists
	}
	meta, err := newTableMetadata(c.warehouse, id, schema, cfg)
	if err != nil {
		return nil, err
	}
	next, err := c.publish(ctx, id, 1, meta)
	if errors.Is(err, ErrCommitConflict) {
		return nil, ErrTableExists
	}
	return next, err
}

// LoadTable reads the latest version.
func (c *FilesystemCatalog) LoadTable(ctx context.Context, id TableIdentifier) (*TableVersion, error) {
	location := c.tableLocation(id)
	version, err := c.currentVersion(ctx, location)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, tableNotFound(id)
	}
	file := versionFile(location, version)
	meta, err := readMetadata(ctx, c.fio, file)
	if err != nil {
		return nil, err
	}
	return &TableVersion{Identifier: id, MetadataLocation: file, Metadata: meta}, nil
}

// DropTable deletes the metadata directory, and with purge every table
// file.
func (c *FilesystemCatalog) DropTable(ctx context.Context, id TableIdentifier, purge bool) error {
	location := c.tableLocation(id)
	version, err := c.currentVersion(ctx, location)
	if err != nil {
		return err
	}
	if version == 0 {
		return tableNotFound(id)
	}
	if purge {
		purgeTable(ctx, c.fio, location, c.opts.logger)
		return nil
	}
	purgeTable(ctx, c.fio, metadataDir(location), c.opts.logger)
	return nil
}

// CommitTable creates v(N+1) where N is the base version.
func (c *FilesystemCatalog) CommitTable(ctx context.Context, base *TableVersion, next *spec.TableMetadata) (*TableVersion, error) {
	version, ok := hadoopVersion(path.Base(base.MetadataLocation))
	if !ok {
		return nil, spec.Validationf("%s is not a filesystem catalog metadata file", base.MetadataLocation)
	}
	if next.Location != c.tableLocation(base.Identifier) {
		return nil, spec.Validationf("filesystem catalog cannot move table %s to %s", base.Identifier, next.Location)
	}
	return c.publish(ctx, base.Identifier, version+1, next)
}

func (c *FilesystemCatalog) publish(ctx context.Context, id TableIdentifier, version int, meta *spec.TableMetadata) (*TableVersion, error) {
	data, err := meta.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode table metadata: %w", err)
	}
	file := versionFile(meta.Location, version)
	if err := c.fio.CreateFile(ctx, file, data); err != nil {
		if errors.Is(err, io.ErrFileExists) {
			return nil, ErrCommitConflict
		}
		return nil, fmt.Errorf("failed to write %s: %w", file, err)
	}
	hint := io.Join(metadataDir(meta.Location), versionHintFile)
	if err := c.fio.WriteFile(ctx, hint, []byte(strconv.Itoa(version))); err != nil {
		c.opts.logger.Warn("failed to update version hint",
			zap.String("table", id.String()), zap.Int("version", version), zap.Error(err))
	}
	return &TableVersion{Identifier: id, MetadataLocation: file, Metadata: meta}, nil
}

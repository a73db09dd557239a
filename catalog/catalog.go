// Package catalog stores the current metadata pointer of each table and
// swaps it atomically on commit.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/io"
	"github.com/TennyZhuang/icelake/spec"
)

var (
	// ErrCommitConflict is returned by CommitTable when the table no longer
	// points at the base version.
	ErrCommitConflict = errors.New("metadata pointer changed since the base version")

	// ErrTableExists is returned by CreateTable for an existing table.
	ErrTableExists = errors.New("table already exists")
)

// Catalog is the interface for Iceberg catalog operations.
type Catalog interface {
	// Name returns the catalog name.
	Name() string

	// ListTables lists all tables in a namespace.
	ListTables(ctx context.Context, namespace Namespace) ([]TableIdentifier, error)

	// CreateTable creates a new table and publishes its first version.
	CreateTable(ctx context.Context, identifier TableIdentifier, schema *spec.Schema, opts ...CreateTableOption) (*TableVersion, error)

	// LoadTable loads the current pointer and the metadata it names.
	LoadTable(ctx context.Context, identifier TableIdentifier) (*TableVersion, error)

	// DropTable drops a table.
	DropTable(ctx context.Context, identifier TableIdentifier, purge bool) error

	// CommitTable publishes next if the table still points at base. It
	// fails with ErrCommitConflict otherwise. base.Metadata is used by
	// catalogs that transfer changes instead of documents.
	CommitTable(ctx context.Context, base *TableVersion, next *spec.TableMetadata) (*TableVersion, error)
}

// TableVersion is one published version of a table: the pointer value and
// the metadata it names.
type TableVersion struct {
	Identifier       TableIdentifier
	MetadataLocation string
	Metadata         *spec.TableMetadata
}

// Namespace represents an Iceberg namespace (database).
type Namespace []string

// String returns the namespace as a dot-separated string.
func (n Namespace) String() string {
	return strings.Join(n, ".")
}

// TableIdentifier represents a fully qualified table identifier.
type TableIdentifier struct {
	Namespace Namespace
	Name      string
}

// String returns the table identifier as a dot-separated string.
func (t TableIdentifier) String() string {
	if len(t.Namespace) == 0 {
		return t.Name
	}
	return t.Namespace.String() + "." + t.Name
}

// ParseIdentifier splits "db.schema.table" into namespace and name.
func ParseIdentifier(s string) (TableIdentifier, error) {
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return TableIdentifier{}, spec.Validationf("invalid table identifier %q", s)
		}
	}
	return TableIdentifier{Namespace: Namespace(parts[:len(parts)-1]), Name: parts[len(parts)-1]}, nil
}

// CreateTableOption configures table creation.
type CreateTableOption func(*CreateTableConfig)

// CreateTableConfig holds table creation configuration.
type CreateTableConfig struct {
	PartitionSpec *spec.PartitionSpec
	SortOrder     *spec.SortOrder
	Location      string
	Properties    map[string]string
}

// WithPartitionSpec sets the partition spec for table creation.
func WithPartitionSpec(p *spec.PartitionSpec) CreateTableOption {
	return func(c *CreateTableConfig) {
		c.PartitionSpec = p
	}
}

// WithSortOrder sets the sort order for table creation.
func WithSortOrder(order *spec.SortOrder) CreateTableOption {
	return func(c *CreateTableConfig) {
		c.SortOrder = order
	}
}

// WithLocation sets the location for table creation.
func WithLocation(location string) CreateTableOption {
	return func(c *CreateTableConfig) {
		c.Location = location
	}
}

// WithProperties sets properties for table creation.
func WithProperties(props map[string]string) CreateTableOption {
	return func(c *CreateTableConfig) {
		c.Properties = props
	}
}

func newCreateTableConfig(opts []CreateTableOption) *CreateTableConfig {
	cfg := &CreateTableConfig{Properties: make(map[string]string)}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option configures the built-in catalogs.
type Option func(*options)

type options struct {
	name   string
	logger *zap.Logger
}

// WithName sets the catalog name.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(defaultName string, opts []Option) options {
	o := options{name: defaultName, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// defaultLocation places a table under the warehouse by namespace.
func defaultLocation(warehouse string, id TableIdentifier) string {
	elems := append(append([]string(nil), id.Namespace...), id.Name)
	return io.Join(warehouse, elems...)
}

// newTableMetadata builds the first version of a table.
func newTableMetadata(warehouse string, id TableIdentifier, schema *spec.Schema, cfg *CreateTableConfig) (*spec.TableMetadata, error) {
	if id.Name == "" {
		return nil, spec.Validationf("table name is empty")
	}
	location := cfg.Location
	if location == "" {
		if warehouse == "" {
			return nil, spec.Validationf("no location for table %s and no warehouse configured", id)
		}
		location = defaultLocation(warehouse, id)
	}
	return spec.NewTableMetadata(strings.TrimRight(location, "/"), schema, cfg.PartitionSpec, cfg.SortOrder, cfg.Properties)
}

var metadataFilePattern = regexp.MustCompile(`^(\d+)-[0-9a-fA-F-]+\.metadata\.json$`)

// NewMetadataLocation names the metadata file of a new version:
// <location>/metadata/<version>-<uuid>.metadata.json.
func NewMetadataLocation(tableLocation string, version int) string {
	return io.Join(tableLocation, "metadata", fmt.Sprintf("%05d-%s.metadata.json", version, uuid.NewString()))
}

// ParseMetadataVersion returns the version number encoded in a metadata
// file name, or -1 when the name carries none.
func ParseMetadataVersion(location string) int {
	name := path.Base(location)
	if m := metadataFilePattern.FindStringSubmatch(name); m != nil {
		v, err := strconv.Atoi(m[1])
		if err == nil {
			return v
		}
	}
	if v, ok := hadoopVersion(name); ok {
		return v
	}
	return -1
}

// writeMetadata writes a new metadata file next to the previous one and
// returns its location.
func writeMetadata(ctx context.Context, fio io.FileIO, base string, meta *spec.TableMetadata) (string, error) {
	version := ParseMetadataVersion(base) + 1
	location := NewMetadataLocation(meta.Location, version)
	data, err := meta.ToJSON()
	if err != nil {
		return "", fmt.Errorf("failed to encode table metadata: %w", err)
	}
	if err := fio.CreateFile(ctx, location, data); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", location, err)
	}
	return location, nil
}

// readMetadata reads and parses a metadata file.
func readMetadata(ctx context.Context, fio io.FileIO, location string) (*spec.TableMetadata, error) {
	data, err := fio.ReadFile(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to read table metadata: %w", err)
	}
	meta, err := spec.ParseTableMetadata(data)
	if err != nil {
		return nil, spec.AtLocation(err, location)
	}
	return meta, nil
}

func tableNotFound(id TableIdentifier) error {
	return &spec.NotFoundError{Kind: "table", Key: id.String()}
}

// purgeTable deletes every file under the table location. Failures are
// logged; dropping the pointer already happened.
func purgeTable(ctx context.Context, fio io.FileIO, location string, logger *zap.Logger) {
	files, err := fio.ListFiles(ctx, location)
	if err != nil {
		logger.Warn("failed to list table files for purge", zap.String("location", location), zap.Error(err))
		return
	}
	for _, f := range files {
		if err := fio.Delete(ctx, f); err != nil && !io.IsNotFound(err) {
			logger.Warn("failed to delete table file", zap.String("path", f), zap.Error(err))
		}
	}
}

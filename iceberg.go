package icelake

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/catalog"
	"github.com/TennyZhuang/icelake/io"
	"github.com/TennyZhuang/icelake/spec"
	"github.com/TennyZhuang/icelake/table"
)

// Client is the main entry point for icelake operations.
type Client struct {
	catalog   catalog.Catalog
	config    *Config
	io        io.FileIO
	logger    *zap.Logger
	tableOpts []table.CoordinatorOption
}

// NewClient creates a new client with the given configuration.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	return NewClientFromConfig(ctx, config)
}

// NewClientFromConfig creates a client from a prepared configuration, such
// as one returned by LoadConfig.
func NewClientFromConfig(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(config)
	if err != nil {
		return nil, err
	}

	fileIO, err := createFileIO(ctx, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create file IO: %w", err)
	}

	cat, err := createCatalog(ctx, config, fileIO, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}

	resolver := table.NewResolver(fileIO,
		table.WithFetchConcurrency(config.FetchConcurrency),
		table.WithResolverLogger(logger))

	logger.Debug("client ready",
		zap.String("catalog", cat.Name()),
		zap.String("catalog_type", string(config.CatalogType)),
		zap.String("storage_type", string(config.StorageType)),
		zap.String("warehouse", config.Warehouse))

	return &Client{
		catalog: cat,
		config:  config,
		io:      fileIO,
		logger:  logger,
		tableOpts: []table.CoordinatorOption{
			table.WithMaxAttempts(config.MaxCommitAttempts),
			table.WithCommitBackoff(config.CommitBackoff, config.CommitBackoffMax),
			table.WithLogger(logger),
			table.WithResolver(resolver),
		},
	}, nil
}

func newLogger(config *Config) (*zap.Logger, error) {
	if config.Logger != nil {
		return config.Logger, nil
	}
	level, err := zap.ParseAtomicLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// createCatalog creates a catalog based on the configuration.
func createCatalog(ctx context.Context, config *Config, fileIO io.FileIO, logger *zap.Logger) (catalog.Catalog, error) {
	opts := []catalog.Option{catalog.WithLogger(logger)}
	if config.CatalogName != "" {
		opts = append(opts, catalog.WithName(config.CatalogName))
	}

	switch config.CatalogType {
	case CatalogREST:
		rest := config.REST
		if rest.Warehouse == "" {
			rest.Warehouse = config.Warehouse
		}
		return catalog.NewRESTCatalog(ctx, rest, opts...)
	case CatalogFilesystem:
		return catalog.NewFilesystemCatalog(fileIO, config.Warehouse, opts...), nil
	case CatalogMemory:
		return catalog.NewMemoryCatalog(fileIO, config.Warehouse, opts...), nil
	case CatalogZooKeeper:
		return catalog.NewZooKeeperCatalog(ctx, config.ZooKeeper.Servers, config.ZooKeeper.Root, fileIO, config.Warehouse, opts...)
	default:
		return nil, fmt.Errorf("%w: unsupported catalog type: %s", ErrInvalidConfig, config.CatalogType)
	}
}

// createFileIO creates a file IO based on the configuration.
func createFileIO(ctx context.Context, config *Config, logger *zap.Logger) (io.FileIO, error) {
	var fileIO io.FileIO
	switch config.StorageType {
	case StorageS3:
		s3IO, err := io.NewS3FileIO(ctx, &config.S3)
		if err != nil {
			return nil, err
		}
		fileIO = s3IO
	case StorageLocal:
		fileIO = io.NewLocalFileIO()
	case StorageMemory:
		fileIO = io.NewMemFileIO()
	default:
		return nil, fmt.Errorf("%w: unsupported storage type: %s", ErrInvalidConfig, config.StorageType)
	}

	if config.TransportRetries > 1 {
		fileIO = io.NewRetryingFileIO(fileIO,
			io.WithRetryAttempts(config.TransportRetries),
			io.WithRetryLogger(logger))
	}
	return fileIO, nil
}

// Close releases the catalog connection and flushes the logger.
func (c *Client) Close() error {
	var err error
	if closer, ok := c.catalog.(interface{ Close() error }); ok {
		err = closer.Close()
	}
	_ = c.logger.Sync()
	return err
}

// Config returns the client configuration.
func (c *Client) Config() *Config {
	return c.config
}

// Catalog returns the underlying catalog for advanced operations.
func (c *Client) Catalog() catalog.Catalog {
	return c.catalog
}

// FileIO returns the file I/O handler.
func (c *Client) FileIO() io.FileIO {
	return c.io
}

// Logger returns the client logger.
func (c *Client) Logger() *zap.Logger {
	return c.logger
}

func identifier(namespace, name string) catalog.TableIdentifier {
	return catalog.TableIdentifier{Namespace: splitNamespace(namespace), Name: name}
}

func splitNamespace(namespace string) catalog.Namespace {
	if namespace == "" {
		return nil
	}
	return catalog.Namespace(strings.Split(namespace, "."))
}

// Table opens an existing table.
func (c *Client) Table(ctx context.Context, namespace, name string) (*table.Table, error) {
	id := identifier(namespace, name)
	version, err := c.catalog.LoadTable(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load table %s: %w", id, err)
	}
	return table.NewTable(version, c.catalog, c.io, c.tableOpts...), nil
}

// CreateTable creates a new table.
func (c *Client) CreateTable(ctx context.Context, namespace, name string, schema *spec.Schema, opts ...CreateTableOption) (*table.Table, error) {
	id := identifier(namespace, name)
	version, err := c.catalog.CreateTable(ctx, id, schema, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", id, err)
	}
	return table.NewTable(version, c.catalog, c.io, c.tableOpts...), nil
}

// DropTable drops a table. With purge set the catalog also removes the
// table's files.
func (c *Client) DropTable(ctx context.Context, namespace, name string, purge bool) error {
	id := identifier(namespace, name)
	if err := c.catalog.DropTable(ctx, id, purge); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", id, err)
	}
	return nil
}

// TableExists checks if a table exists.
func (c *Client) TableExists(ctx context.Context, namespace, name string) (bool, error) {
	_, err := c.catalog.LoadTable(ctx, identifier(namespace, name))
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// ListTables lists all tables in a namespace.
func (c *Client) ListTables(ctx context.Context, namespace string) ([]string, error) {
	tables, err := c.catalog.ListTables(ctx, splitNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	result := make([]string, len(tables))
	for i, t := range tables {
		result[i] = t.String()
	}
	return result, nil
}

// namespaceCatalog is implemented by catalogs that manage namespaces
// explicitly.
type namespaceCatalog interface {
	ListNamespaces(ctx context.Context, parent catalog.Namespace) ([]catalog.Namespace, error)
	CreateNamespace(ctx context.Context, namespace catalog.Namespace, properties map[string]string) error
	DropNamespace(ctx context.Context, namespace catalog.Namespace) error
}

type renamingCatalog interface {
	RenameTable(ctx context.Context, from, to catalog.TableIdentifier) error
}

func (c *Client) namespaces() (namespaceCatalog, error) {
	nc, ok := c.catalog.(namespaceCatalog)
	if !ok {
		return nil, spec.Validationf("catalog %s does not manage namespaces", c.catalog.Name())
	}
	return nc, nil
}

// ListNamespaces lists the namespaces below parent.
func (c *Client) ListNamespaces(ctx context.Context, parent string) ([]string, error) {
	nc, err := c.namespaces()
	if err != nil {
		return nil, err
	}
	namespaces, err := nc.ListNamespaces(ctx, splitNamespace(parent))
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	result := make([]string, len(namespaces))
	for i, ns := range namespaces {
		result[i] = ns.String()
	}
	return result, nil
}

// CreateNamespace creates a new namespace.
func (c *Client) CreateNamespace(ctx context.Context, namespace string, props map[string]string) error {
	nc, err := c.namespaces()
	if err != nil {
		return err
	}
	if err := nc.CreateNamespace(ctx, splitNamespace(namespace), props); err != nil {
		return fmt.Errorf("failed to create namespace %s: %w", namespace, err)
	}
	return nil
}

// DropNamespace drops a namespace.
func (c *Client) DropNamespace(ctx context.Context, namespace string) error {
	nc, err := c.namespaces()
	if err != nil {
		return err
	}
	if err := nc.DropNamespace(ctx, splitNamespace(namespace)); err != nil {
		return fmt.Errorf("failed to drop namespace %s: %w", namespace, err)
	}
	return nil
}

// RenameTable renames a table.
func (c *Client) RenameTable(ctx context.Context, fromNamespace, fromName, toNamespace, toName string) error {
	rc, ok := c.catalog.(renamingCatalog)
	if !ok {
		return spec.Validationf("catalog %s does not rename tables", c.catalog.Name())
	}
	from, to := identifier(fromNamespace, fromName), identifier(toNamespace, toName)
	if err := rc.RenameTable(ctx, from, to); err != nil {
		return fmt.Errorf("failed to rename table %s: %w", from, err)
	}
	return nil
}

// CreateTableOption configures table creation.
type CreateTableOption = catalog.CreateTableOption

// WithTablePartitionSpec sets the partition spec for table creation.
func WithTablePartitionSpec(p *spec.PartitionSpec) CreateTableOption {
	return catalog.WithPartitionSpec(p)
}

// WithTableSortOrder sets the sort order for table creation.
func WithTableSortOrder(order *spec.SortOrder) CreateTableOption {
	return catalog.WithSortOrder(order)
}

// WithTableLocation sets the location for table creation.
func WithTableLocation(location string) CreateTableOption {
	return catalog.WithLocation(location)
}

// WithTableProperties sets properties for table creation.
func WithTableProperties(props map[string]string) CreateTableOption {
	return catalog.WithProperties(props)
}

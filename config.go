package icelake

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/TennyZhuang/icelake/catalog"
	"github.com/TennyZhuang/icelake/io"
	"github.com/TennyZhuang/icelake/table"
)

// CatalogType represents supported catalog types.
type CatalogType string

const (
	// CatalogREST represents the Iceberg REST Catalog.
	CatalogREST CatalogType = "rest"
	// CatalogFilesystem keeps pointers as versioned metadata files and a
	// version hint under the warehouse.
	CatalogFilesystem CatalogType = "filesystem"
	// CatalogMemory keeps pointers in process memory.
	CatalogMemory CatalogType = "memory"
	// CatalogZooKeeper keeps pointers in znodes.
	CatalogZooKeeper CatalogType = "zookeeper"
)

// StorageType represents supported storage backends.
type StorageType string

const (
	// StorageLocal represents local filesystem storage.
	StorageLocal StorageType = "local"
	// StorageS3 represents Amazon S3 storage.
	StorageS3 StorageType = "s3"
	// StorageMemory keeps files in process memory.
	StorageMemory StorageType = "memory"
)

// Config holds the client configuration.
type Config struct {
	// Catalog configuration
	CatalogType CatalogType        `yaml:"catalog_type"`
	CatalogName string             `yaml:"catalog_name"`
	Warehouse   string             `yaml:"warehouse"`
	REST        catalog.RESTConfig `yaml:"rest"`
	ZooKeeper   ZooKeeperConfig    `yaml:"zookeeper"`

	// Storage configuration
	StorageType StorageType `yaml:"storage_type"`
	S3          io.S3Config `yaml:"s3"`

	// Commit configuration
	MaxCommitAttempts int           `yaml:"max_commit_attempts"`
	CommitBackoff     time.Duration `yaml:"commit_backoff"`
	CommitBackoffMax  time.Duration `yaml:"commit_backoff_max"`

	// Read configuration
	FetchConcurrency int `yaml:"fetch_concurrency"`

	// TransportRetries is the attempts per storage operation. Values
	// above one wrap the storage backend in io.RetryingFileIO.
	TransportRetries int `yaml:"transport_retries"`

	// Logging. Logger wins over LogLevel when both are set.
	LogLevel string      `yaml:"log_level"`
	Logger   *zap.Logger `yaml:"-"`
}

// ZooKeeperConfig configures the ZooKeeper catalog.
type ZooKeeperConfig struct {
	Servers []string `yaml:"servers"`
	Root    string   `yaml:"root"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		CatalogType:       CatalogMemory,
		CatalogName:       "icelake",
		StorageType:       StorageMemory,
		ZooKeeper:         ZooKeeperConfig{Root: "/icelake"},
		MaxCommitAttempts: table.DefaultMaxCommitAttempts,
		CommitBackoff:     100 * time.Millisecond,
		CommitBackoffMax:  5 * time.Second,
		FetchConcurrency:  table.DefaultFetchConcurrency,
		TransportRetries:  3,
		LogLevel:          "info",
	}
}

// LoadConfig reads a YAML configuration file. Keys missing from the file
// keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Warehouse == "" && c.CatalogType != CatalogREST {
		return fmt.Errorf("%w: warehouse is required", ErrInvalidConfig)
	}

	switch c.CatalogType {
	case CatalogREST:
		if c.REST.URI == "" {
			return fmt.Errorf("%w: REST catalog requires a uri", ErrInvalidConfig)
		}
	case CatalogZooKeeper:
		if len(c.ZooKeeper.Servers) == 0 {
			return fmt.Errorf("%w: ZooKeeper catalog requires servers", ErrInvalidConfig)
		}
	case CatalogFilesystem, CatalogMemory:
	default:
		return fmt.Errorf("%w: unsupported catalog type %q", ErrInvalidConfig, c.CatalogType)
	}

	switch c.StorageType {
	case StorageS3:
		if c.S3.Region == "" && c.S3.Endpoint == "" {
			return fmt.Errorf("%w: S3 storage requires a region or an endpoint", ErrInvalidConfig)
		}
	case StorageLocal, StorageMemory:
	default:
		return fmt.Errorf("%w: unsupported storage type %q", ErrInvalidConfig, c.StorageType)
	}

	if c.MaxCommitAttempts < 1 {
		return fmt.Errorf("%w: max commit attempts must be positive", ErrInvalidConfig)
	}
	if c.CommitBackoff < 0 || c.CommitBackoffMax < c.CommitBackoff {
		return fmt.Errorf("%w: commit backoff %s exceeds its cap %s", ErrInvalidConfig, c.CommitBackoff, c.CommitBackoffMax)
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("%w: fetch concurrency must be positive", ErrInvalidConfig)
	}
	if c.Logger == nil {
		if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Option is a functional option for client configuration.
type Option func(*Config)

// WithRESTCatalog configures the client to use a REST catalog.
func WithRESTCatalog(uri string) Option {
	return func(c *Config) {
		c.CatalogType = CatalogREST
		c.REST.URI = uri
	}
}

// WithFilesystemCatalog keeps table pointers as metadata files under the
// warehouse.
func WithFilesystemCatalog() Option {
	return func(c *Config) {
		c.CatalogType = CatalogFilesystem
	}
}

// WithMemoryCatalog keeps table pointers in memory.
func WithMemoryCatalog() Option {
	return func(c *Config) {
		c.CatalogType = CatalogMemory
	}
}

// WithZooKeeperCatalog keeps table pointers in znodes below root.
func WithZooKeeperCatalog(servers []string, root string) Option {
	return func(c *Config) {
		c.CatalogType = CatalogZooKeeper
		c.ZooKeeper.Servers = servers
		if root != "" {
			c.ZooKeeper.Root = root
		}
	}
}

// WithWarehouse sets the warehouse location.
func WithWarehouse(warehouse string) Option {
	return func(c *Config) {
		c.Warehouse = warehouse
		c.REST.Warehouse = warehouse
	}
}

// WithToken sets a bearer token for the REST catalog.
func WithToken(token string) Option {
	return func(c *Config) {
		c.REST.Token = token
	}
}

// WithCredential sets OAuth2 client credentials for the REST catalog.
func WithCredential(clientID, clientSecret string) Option {
	return func(c *Config) {
		c.REST.Credential = clientID + ":" + clientSecret
	}
}

// WithS3 configures S3 storage backend.
func WithS3(cfg io.S3Config) Option {
	return func(c *Config) {
		c.StorageType = StorageS3
		c.S3 = cfg
	}
}

// WithLocalStorage configures local filesystem storage. A non-empty
// basePath becomes the warehouse.
func WithLocalStorage(basePath string) Option {
	return func(c *Config) {
		c.StorageType = StorageLocal
		if basePath != "" {
			c.Warehouse = basePath
		}
	}
}

// WithMemoryStorage keeps files in memory.
func WithMemoryStorage() Option {
	return func(c *Config) {
		c.StorageType = StorageMemory
	}
}

// WithMaxCommitAttempts sets the attempts per commit for tables without
// commit.retry.num-retries.
func WithMaxCommitAttempts(n int) Option {
	return func(c *Config) {
		c.MaxCommitAttempts = n
	}
}

// WithCommitBackoff sets the first commit retry delay and its cap.
func WithCommitBackoff(base, max time.Duration) Option {
	return func(c *Config) {
		c.CommitBackoff = base
		c.CommitBackoffMax = max
	}
}

// WithFetchConcurrency bounds parallel manifest reads.
func WithFetchConcurrency(n int) Option {
	return func(c *Config) {
		c.FetchConcurrency = n
	}
}

// WithTransportRetries sets the attempts per storage operation.
func WithTransportRetries(n int) Option {
	return func(c *Config) {
		c.TransportRetries = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithLogLevel sets the level of the default logger.
func WithLogLevel(level string) Option {
	return func(c *Config) {
		c.LogLevel = level
	}
}

package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/io"
	"github.com/TennyZhuang/icelake/spec"
)

// zkConn is the part of *zk.Conn the catalog uses.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	Children(path string) ([]string, *zk.Stat, error)
}

// ZooKeeperCatalog keeps each table pointer in a znode at
// <root>/<namespace...>/<table>. The znode version is the compare-and-swap
// token: a commit sets the new location conditioned on the version read
// together with the base location.
type ZooKeeperCatalog struct {
	opts      options
	conn      zkConn
	closer    func()
	root      string
	warehouse string
	fio       io.FileIO
}

// NewZooKeeperCatalog connects to the ensemble and waits for a session.
func NewZooKeeperCatalog(ctx context.Context, servers []string, root string, fio io.FileIO, warehouse string, opts ...Option) (*ZooKeeperCatalog, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	if err := waitConnected(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	c := newZooKeeperCatalog(conn, root, fio, warehouse, opts...)
	c.closer = conn.Close
	return c, nil
}

func newZooKeeperCatalog(conn zkConn, root string, fio io.FileIO, warehouse string, opts ...Option) *ZooKeeperCatalog {
	return &ZooKeeperCatalog{
		opts:      newOptions("zookeeper", opts),
		conn:      conn,
		root:      "/" + strings.Trim(root, "/"),
		warehouse: warehouse,
		fio:       fio,
	}
}

func waitConnected(ctx context.Context, conn *zk.Conn) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected, state=%v: %w", st, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close closes the connection.
func (c *ZooKeeperCatalog) Close() error {
	if c.closer != nil {
		c.closer()
	}
	return nil
}

// Name returns the catalog name.
func (c *ZooKeeperCatalog) Name() string {
	return c.opts.name
}

func (c *ZooKeeperCatalog) namespacePath(ns Namespace) string {
	if len(ns) == 0 {
		return c.root
	}
	return c.root + "/" + strings.Join(ns, "/")
}

func (c *ZooKeeperCatalog) tablePath(id TableIdentifier) string {
	return c.namespacePath(id.Namespace) + "/" + id.Name
}

func (c *ZooKeeperCatalog) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := c.conn.Exists(cur)
		if err != nil {
			return zkError("exists", cur, err)
		}
		if !exists {
			_, err = c.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return zkError("create", cur, err)
			}
		}
	}
	return nil
}

func zkError(op, path string, err error) error {
	retryable := errors.Is(err, zk.ErrConnectionClosed) || errors.Is(err, zk.ErrNoServer) || errors.Is(err, zk.ErrSessionExpired)
	return &spec.TransportError{Operation: "zk " + op, Location: path, Retryable: retryable, Cause: err}
}

// pointer reads the metadata location and znode version of a table.
func (c *ZooKeeperCatalog) pointer(id TableIdentifier) (string, int32, error) {
	data, stat, err := c.conn.Get(c.tablePath(id))
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return "", 0, tableNotFound(id)
		}
		return "", 0, zkError("get", c.tablePath(id), err)
	}
	if len(data) == 0 {
		// a namespace node
		return "", 0, tableNotFound(id)
	}
	return string(data), stat.Version, nil
}

// ListTables lists the table znodes of a namespace.
func (c *ZooKeeperCatalog) ListTables(ctx context.Context, namespace Namespace) ([]TableIdentifier, error) {
	children, _, err := c.conn.Children(c.namespacePath(namespace))
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, zkError("children", c.namespacePath(namespace), err)
	}
	sort.Strings(children)
	var out []TableIdentifier
	for _, name := range children {
		id := TableIdentifier{Namespace: append(Namespace(nil), namespace...), Name: name}
		if _, _, err := c.pointer(id); err != nil {
			if errors.Is(err, spec.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// CreateTable writes the first metadata file and creates the znode.
func (c *ZooKeeperCatalog) CreateTable(ctx context.Context, id TableIdentifier, schema *spec.Schema, opts ...CreateTableOption) (*TableVersion, error) {
	meta, err := newTableMetadata(c.warehouse, id, schema, newCreateTableConfig(opts))
	if err != nil {
		return nil, err
	}
	if err := c.ensurePath(c.namespacePath(id.Namespace)); err != nil {
		return nil, err
	}
	if ok, _, err := c.conn.Exists(c.tablePath(id)); err != nil {
		return nil, zkError("exists", c.tablePath(id), err)
	} else if ok {
		return nil, ErrTableExists
	}
	location, err := writeMetadata(ctx, c.fio, "", meta)
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.Create(c.tablePath(id), []byte(location), 0, zk.WorldACL(zk.PermAll)); err != nil {
		if errors.Is(err, zk.ErrNodeExists) {
			return nil, ErrTableExists
		}
		return nil, zkError("create", c.tablePath(id), err)
	}
	c.opts.logger.Info("created table", zap.String("table", id.String()), zap.String("metadata", location))
	return &TableVersion{Identifier: id, MetadataLocation: location, Metadata: meta}, nil
}

// LoadTable reads the pointer and the metadata it names.
func (c *ZooKeeperCatalog) LoadTable(ctx context.Context, id TableIdentifier) (*TableVersion, error) {
	location, _, err := c.pointer(id)
	if err != nil {
		return nil, err
	}
	meta, err := readMetadata(ctx, c.fio, location)
	if err != nil {
		return nil, err
	}
	return &TableVersion{Identifier: id, MetadataLocation: location, Metadata: meta}, nil
}

// DropTable deletes the znode at the version it was read with.
func (c *ZooKeeperCatalog) DropTable(ctx context.Context, id TableIdentifier, purge bool) error {
	location, version, err := c.pointer(id)
	if err != nil {
		return err
	}
	var meta *spec.TableMetadata
	if purge {
		if meta, err = readMetadata(ctx, c.fio, location); err != nil {
			return err
		}
	}
	if err := c.conn.Delete(c.tablePath(id), version); err != nil {
		if errors.Is(err, zk.ErrBadVersion) {
			return ErrCommitConflict
		}
		return zkError("delete", c.tablePath(id), err)
	}
	if meta != nil {
		purgeTable(ctx, c.fio, meta.Location, c.opts.logger)
	}
	return nil
}

// CommitTable writes next and sets the znode conditioned on its version.
func (c *ZooKeeperCatalog) CommitTable(ctx context.Context, base *TableVersion, next *spec.TableMetadata) (*TableVersion, error) {
	id := base.Identifier
	current, version, err := c.pointer(id)
	if err != nil {
		return nil, err
	}
	if current != base.MetadataLocation {
		return nil, ErrCommitConflict
	}
	location, err := writeMetadata(ctx, c.fio, base.MetadataLocation, next)
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.Set(c.tablePath(id), []byte(location), version); err != nil {
		if errors.Is(err, zk.ErrBadVersion) {
			c.opts.logger.Debug("lost pointer race", zap.String("table", id.String()), zap.String("orphan", location))
			return nil, ErrCommitConflict
		}
		return nil, zkError("set", c.tablePath(id), err)
	}
	return &TableVersion{Identifier: id, MetadataLocation: location, Metadata: next}, nil
}

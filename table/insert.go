package table

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/spec"
)

// OverwriteMode selects which live files an insert replaces.
type OverwriteMode int

const (
	// OverwriteNone appends.
	OverwriteNone OverwriteMode = iota
	// OverwriteAll replaces every live data file.
	OverwriteAll
	// OverwritePartitions replaces the live files of the partitions the
	// new rows land in.
	OverwritePartitions
)

// InsertOption configures an insert.
type InsertOption func(*InsertConfig)

// InsertConfig holds the settings of one insert.
type InsertConfig struct {
	Mode       OverwriteMode
	Properties map[string]string
	Codec      DataFileWriter
}

// WithOverwrite sets the overwrite mode.
func WithOverwrite(mode OverwriteMode) InsertOption {
	return func(c *InsertConfig) { c.Mode = mode }
}

// WithSnapshotProperty adds a key to the snapshot summary.
func WithSnapshotProperty(key, value string) InsertOption {
	return func(c *InsertConfig) {
		if c.Properties == nil {
			c.Properties = make(map[string]string)
		}
		c.Properties[key] = value
	}
}

// WithDataFileWriter overrides the codec chosen from write.format.default.
func WithDataFileWriter(codec DataFileWriter) InsertOption {
	return func(c *InsertConfig) { c.Codec = codec }
}

// Insert writes records as new data files and commits them in one
// snapshot.
func (t *Table) Insert(ctx context.Context, records []arrow.Record, opts ...InsertOption) (*CommitResult, error) {
	cfg := &InsertConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(records) == 0 && cfg.Mode == OverwriteNone {
		return nil, spec.Validationf("no records to insert")
	}

	writer, err := NewDataWriter(t)
	if err != nil {
		return nil, err
	}
	if cfg.Codec != nil {
		writer.WithCodec(cfg.Codec)
	}
	files, err := writer.Write(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("failed to write data files: %w", err)
	}

	var update *SnapshotUpdate
	switch cfg.Mode {
	case OverwriteNone:
		update = NewAppend()
	case OverwriteAll, OverwritePartitions:
		update = NewOverwrite()
		replaced, err := t.replacedFiles(ctx, cfg.Mode, files)
		if err != nil {
			return nil, err
		}
		update.DeleteFile(replaced...)
	default:
		return nil, spec.Validationf("unknown overwrite mode %d", cfg.Mode)
	}
	update.AddFile(files...)
	for k, v := range cfg.Properties {
		update.Set(k, v)
	}

	res, err := t.Commit(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("failed to commit insert: %w", err)
	}
	return res, nil
}

// replacedFiles lists the live data files an overwrite removes.
func (t *Table) replacedFiles(ctx context.Context, mode OverwriteMode, added []spec.DataFile) ([]string, error) {
	live, err := t.CurrentDataFiles(ctx)
	if err != nil {
		return nil, err
	}
	touched := make(map[string]bool, len(added))
	for _, f := range added {
		touched[partitionKey(f.SpecID, f.Partition)] = true
	}
	var paths []string
	for _, f := range live {
		if mode == OverwriteAll || touched[partitionKey(f.SpecID, f.Partition)] {
			paths = append(paths, f.FilePath)
		}
	}
	return paths, nil
}

// InsertTable inserts every batch of an Arrow table.
func (t *Table) InsertTable(ctx context.Context, tbl arrow.Table, opts ...InsertOption) (*CommitResult, error) {
	records := tableRecords(tbl)
	defer func() {
		for _, r := range records {
			r.Release()
		}
	}()
	return t.Insert(ctx, records, opts...)
}

func tableRecords(tbl arrow.Table) []arrow.Record {
	reader := array.NewTableReader(tbl, tbl.NumRows())
	defer reader.Release()

	var records []arrow.Record
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		records = append(records, rec)
	}
	return records
}

// Append inserts records without replacing anything.
func (t *Table) Append(ctx context.Context, records []arrow.Record, opts ...InsertOption) (*CommitResult, error) {
	return t.Insert(ctx, records, append(opts, WithOverwrite(OverwriteNone))...)
}

// AppendTable appends an Arrow table.
func (t *Table) AppendTable(ctx context.Context, tbl arrow.Table, opts ...InsertOption) (*CommitResult, error) {
	return t.InsertTable(ctx, tbl, append(opts, WithOverwrite(OverwriteNone))...)
}

// Overwrite replaces the table contents with records.
func (t *Table) Overwrite(ctx context.Context, records []arrow.Record, opts ...InsertOption) (*CommitResult, error) {
	return t.Insert(ctx, records, append(opts, WithOverwrite(OverwriteAll))...)
}

// OverwritePartitions replaces the partitions records land in.
func (t *Table) OverwritePartitions(ctx context.Context, records []arrow.Record, opts ...InsertOption) (*CommitResult, error) {
	return t.Insert(ctx, records, append(opts, WithOverwrite(OverwritePartitions))...)
}

// InsertBuilder is a fluent form of Insert.
type InsertBuilder struct {
	table      *Table
	records    []arrow.Record
	arrowTable arrow.Table
	opts       []InsertOption
}

// NewInsert starts an insert.
func (t *Table) NewInsert() *InsertBuilder {
	return &InsertBuilder{table: t}
}

// Records sets the records to insert.
func (b *InsertBuilder) Records(records ...arrow.Record) *InsertBuilder {
	b.records = append(b.records, records...)
	return b
}

// Table sets an Arrow table to insert. It takes precedence over Records.
func (b *InsertBuilder) Table(tbl arrow.Table) *InsertBuilder {
	b.arrowTable = tbl
	return b
}

// Overwrite replaces every live file.
func (b *InsertBuilder) Overwrite() *InsertBuilder {
	b.opts = append(b.opts, WithOverwrite(OverwriteAll))
	return b
}

// OverwritePartitions replaces the partitions written to.
func (b *InsertBuilder) OverwritePartitions() *InsertBuilder {
	b.opts = append(b.opts, WithOverwrite(OverwritePartitions))
	return b
}

// Set adds a snapshot summary property.
func (b *InsertBuilder) Set(key, value string) *InsertBuilder {
	b.opts = append(b.opts, WithSnapshotProperty(key, value))
	return b
}

// Execute runs the insert.
func (b *InsertBuilder) Execute(ctx context.Context) (*CommitResult, error) {
	if b.arrowTable != nil {
		return b.table.InsertTable(ctx, b.arrowTable, b.opts...)
	}
	return b.table.Insert(ctx, b.records, b.opts...)
}

// BulkWriter writes many batches and commits them together.
type BulkWriter struct {
	table   *Table
	writer  *DataWriter
	pending []spec.DataFile
	config  BulkWriterConfig
}

// BulkWriterConfig configures a BulkWriter.
type BulkWriterConfig struct {
	// MaxPendingFiles triggers a commit from Write when AutoCommit is set.
	MaxPendingFiles int
	AutoCommit      bool
}

// NewBulkWriter creates a bulk writer. A nil cfg holds files until
// Commit.
func (t *Table) NewBulkWriter(cfg *BulkWriterConfig) (*BulkWriter, error) {
	writer, err := NewDataWriter(t)
	if err != nil {
		return nil, err
	}
	bw := &BulkWriter{table: t, writer: writer, config: BulkWriterConfig{MaxPendingFiles: 100}}
	if cfg != nil {
		bw.config = *cfg
	}
	return bw, nil
}

// Write encodes records into data files and keeps them pending.
func (bw *BulkWriter) Write(ctx context.Context, records []arrow.Record) error {
	files, err := bw.writer.Write(ctx, records)
	if err != nil {
		return err
	}
	bw.pending = append(bw.pending, files...)

	if bw.config.AutoCommit && bw.config.MaxPendingFiles > 0 && len(bw.pending) >= bw.config.MaxPendingFiles {
		_, err := bw.Commit(ctx)
		return err
	}
	return nil
}

// Commit appends every pending file in one snapshot. It returns nil when
// nothing is pending.
func (bw *BulkWriter) Commit(ctx context.Context) (*CommitResult, error) {
	if len(bw.pending) == 0 {
		return nil, nil
	}
	res, err := bw.table.Commit(ctx, NewAppend().AddFile(bw.pending...))
	if err != nil {
		return nil, fmt.Errorf("failed to commit %d pending files: %w", len(bw.pending), err)
	}
	bw.pending = bw.pending[:0]
	return res, nil
}

// Abort deletes the pending files. Deletion failures are logged.
func (bw *BulkWriter) Abort(ctx context.Context) error {
	for _, df := range bw.pending {
		if err := bw.table.FileIO().Delete(ctx, df.FilePath); err != nil {
			bw.table.logger.Warn("failed to delete pending data file",
				zap.String("path", df.FilePath),
				zap.Error(err))
		}
	}
	bw.pending = bw.pending[:0]
	return ctx.Err()
}

// PendingFileCount returns the number of files not yet committed.
func (bw *BulkWriter) PendingFileCount() int {
	return len(bw.pending)
}

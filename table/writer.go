package table

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/io"
	"github.com/TennyZhuang/icelake/spec"
)

const (
	// DefaultBoundsTruncateLength is the width string and binary bounds
	// are truncated to.
	DefaultBoundsTruncateLength = 16

	positionDeletePosID = 2147483545
)

// DataFileWriter encodes records into a single file of one format.
type DataFileWriter interface {
	Format() spec.FileFormat
	// Write encodes records, whose columns are matched to schema by name,
	// stores the file at path and describes it. Partition and SpecID of
	// the result are left for the caller.
	Write(ctx context.Context, fio io.FileIO, path string, schema *spec.Schema, records []arrow.Record) (*spec.DataFile, error)
}

var (
	writersMu sync.RWMutex
	writers   = map[spec.FileFormat]func() DataFileWriter{
		spec.FileFormatParquet: func() DataFileWriter { return NewParquetWriter() },
	}
)

// RegisterDataFileWriter makes a codec available to tables whose
// write.format.default names its format.
func RegisterDataFileWriter(format spec.FileFormat, factory func() DataFileWriter) {
	writersMu.Lock()
	defer writersMu.Unlock()
	writers[format] = factory
}

// WriterForFormat returns a codec for format.
func WriterForFormat(format spec.FileFormat) (DataFileWriter, error) {
	writersMu.RLock()
	factory, ok := writers[spec.FileFormat(strings.ToUpper(string(format)))]
	writersMu.RUnlock()
	if !ok {
		return nil, spec.Validationf("no writer for file format %q", format)
	}
	return factory(), nil
}

// ParquetWriter is the Parquet DataFileWriter.
type ParquetWriter struct {
	mem          memory.Allocator
	compression  compress.Compression
	rowGroupRows int64
	truncate     int
}

// ParquetOption configures a ParquetWriter.
type ParquetOption func(*ParquetWriter)

// WithCompression sets the column compression codec.
func WithCompression(c compress.Compression) ParquetOption {
	return func(w *ParquetWriter) { w.compression = c }
}

// WithRowGroupLength sets the maximum rows per row group.
func WithRowGroupLength(rows int64) ParquetOption {
	return func(w *ParquetWriter) {
		if rows > 0 {
			w.rowGroupRows = rows
		}
	}
}

// WithBoundsTruncation sets the string and binary bound width. Zero keeps
// full values.
func WithBoundsTruncation(width int) ParquetOption {
	return func(w *ParquetWriter) { w.truncate = width }
}

// WithAllocator sets the Arrow allocator used for filler columns.
func WithAllocator(mem memory.Allocator) ParquetOption {
	return func(w *ParquetWriter) { w.mem = mem }
}

// NewParquetWriter returns a snappy-compressed Parquet codec.
func NewParquetWriter(opts ...ParquetOption) *ParquetWriter {
	w := &ParquetWriter{
		mem:          memory.NewGoAllocator(),
		compression:  compress.Codecs.Snappy,
		rowGroupRows: parquet.DefaultMaxRowGroupLen,
		truncate:     DefaultBoundsTruncateLength,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *ParquetWriter) Format() spec.FileFormat { return spec.FileFormatParquet }

func (w *ParquetWriter) Write(ctx context.Context, fio io.FileIO, path string, schema *spec.Schema, records []arrow.Record) (*spec.DataFile, error) {
	if len(records) == 0 {
		return nil, spec.Validationf("no records to write to %s", path)
	}
	arrowSchema, err := writerSchema(schema, records[0].Schema())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(w.compression),
		parquet.WithMaxRowGroupLength(w.rowGroupRows),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	pqWriter, err := pqarrow.NewFileWriter(arrowSchema, &buf, writerProps, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	metrics := newColumnMetrics(schema, w.truncate)
	var totalRecords int64
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			pqWriter.Close()
			return nil, err
		}
		conformed, err := w.conform(schema, arrowSchema, rec)
		if err != nil {
			pqWriter.Close()
			return nil, err
		}
		metrics.observe(conformed)
		err = pqWriter.WriteBuffered(conformed)
		conformed.Release()
		if err != nil {
			pqWriter.Close()
			return nil, fmt.Errorf("failed to write record: %w", err)
		}
		totalRecords += rec.NumRows()
	}
	if err := pqWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}

	data := buf.Bytes()
	columnSizes, splitOffsets, err := parquetLayout(data)
	if err != nil {
		return nil, err
	}
	if err := fio.WriteFile(ctx, path, data); err != nil {
		return nil, fmt.Errorf("failed to write data file %s: %w", path, err)
	}

	df := &spec.DataFile{
		Content:         spec.FileContentData,
		FilePath:        path,
		FileFormat:      spec.FileFormatParquet,
		RecordCount:     totalRecords,
		FileSizeInBytes: int64(len(data)),
		ColumnSizes:     columnSizes,
		SplitOffsets:    splitOffsets,
	}
	if err := metrics.fill(df); err != nil {
		return nil, err
	}
	return df, nil
}

// writerSchema orders the file columns like schema. Column types come
// from the incoming records so nested layouts pass through untouched;
// primitive columns must match the Iceberg type.
func writerSchema(schema *spec.Schema, in *arrow.Schema) (*arrow.Schema, error) {
	for _, f := range in.Fields() {
		if schema.FieldByName(f.Name) == nil {
			return nil, spec.Validationf("record column %q is not in the table schema", f.Name)
		}
	}
	fields := make([]arrow.Field, len(schema.Fields))
	for i, f := range schema.Fields {
		typ := specTypeToArrow(f.Type)
		if idx := in.FieldIndices(f.Name); len(idx) > 0 {
			got := in.Field(idx[0]).Type
			if !compatibleArrowType(typ, got) {
				return nil, spec.Validationf("column %q has arrow type %s, want %s", f.Name, got, typ)
			}
			typ = got
		} else if f.Required {
			return nil, spec.Validationf("required column %q is missing", f.Name)
		}
		fields[i] = arrow.Field{
			Name:     f.Name,
			Type:     typ,
			Nullable: !f.Required,
			Metadata: fieldIDMetadata(f.ID),
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

func compatibleArrowType(want, got arrow.DataType) bool {
	if want.ID() != got.ID() {
		return false
	}
	switch g := got.(type) {
	case *arrow.TimestampType:
		return g.Unit == arrow.Microsecond
	case *arrow.Time64Type:
		return g.Unit == arrow.Microsecond
	case *arrow.FixedSizeBinaryType, *arrow.Decimal128Type:
		return arrow.TypeEqual(want, got)
	}
	return true
}

// conform rebuilds rec against the file schema, filling absent optional
// columns with nulls.
func (w *ParquetWriter) conform(schema *spec.Schema, target *arrow.Schema, rec arrow.Record) (arrow.Record, error) {
	n := int(rec.NumRows())
	cols := make([]arrow.Array, len(schema.Fields))
	var fillers []arrow.Array
	defer func() {
		for _, a := range fillers {
			a.Release()
		}
	}()
	for i, f := range schema.Fields {
		idx := rec.Schema().FieldIndices(f.Name)
		if len(idx) == 0 {
			if f.Required {
				return nil, spec.Validationf("required column %q is missing", f.Name)
			}
			filler := array.MakeArrayOfNull(w.mem, target.Field(i).Type, n)
			fillers = append(fillers, filler)
			cols[i] = filler
			continue
		}
		col := rec.Column(idx[0])
		if !arrow.TypeEqual(col.DataType(), target.Field(i).Type) {
			return nil, spec.Validationf("column %q changed type to %s between records", f.Name, col.DataType())
		}
		if f.Required && col.NullN() > 0 {
			return nil, spec.Validationf("required column %q has %d nulls", f.Name, col.NullN())
		}
		cols[i] = col
	}
	return array.NewRecord(target, cols, rec.NumRows()), nil
}

// parquetLayout reads the footer of an encoded file for the per-column
// compressed sizes and the row group start offsets.
func parquetLayout(data []byte) (map[int]int64, []int64, error) {
	rdr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, &spec.CodecError{Document: "parquet footer", Cause: err}
	}
	defer rdr.Close()

	md := rdr.MetaData()
	sizes := make(map[int]int64)
	offsets := make([]int64, 0, md.NumRowGroups())
	for i := 0; i < md.NumRowGroups(); i++ {
		rg := md.RowGroup(i)
		for j := 0; j < rg.NumColumns(); j++ {
			cc, err := rg.ColumnChunk(j)
			if err != nil {
				return nil, nil, &spec.CodecError{Document: "parquet column chunk", Field: md.Schema.Column(j).Path(), Cause: err}
			}
			if j == 0 {
				start := cc.DataPageOffset()
				if cc.HasDictionaryPage() && cc.DictionaryPageOffset() > 0 && cc.DictionaryPageOffset() < start {
					start = cc.DictionaryPageOffset()
				}
				offsets = append(offsets, start)
			}
			if id := int(md.Schema.Column(j).SchemaNode().FieldID()); id > 0 {
				sizes[id] += cc.TotalCompressedSize()
			}
		}
	}
	slices.Sort(offsets)
	return sizes, offsets, nil
}

// columnMetrics accumulates counts and bounds of top-level primitive
// columns.
type columnMetrics struct {
	truncate int
	columns  []*columnAccumulator
}

type columnAccumulator struct {
	field  spec.NestedField
	values int64
	nulls  int64
	nans   int64
	lower  any
	upper  any
	err    error
}

func newColumnMetrics(schema *spec.Schema, truncate int) *columnMetrics {
	m := &columnMetrics{truncate: truncate}
	for _, f := range schema.Fields {
		if spec.IsPrimitive(f.Type) {
			m.columns = append(m.columns, &columnAccumulator{field: f})
		}
	}
	return m
}

func (m *columnMetrics) observe(rec arrow.Record) {
	for _, c := range m.columns {
		idx := rec.Schema().FieldIndices(c.field.Name)
		if len(idx) == 0 || c.err != nil {
			continue
		}
		col := rec.Column(idx[0])
		for i := 0; i < col.Len(); i++ {
			c.values++
			if col.IsNull(i) {
				c.nulls++
				continue
			}
			v, err := spec.NormalizeValue(c.field.Type, arrowValue(col, i))
			if err != nil {
				c.err = fmt.Errorf("failed to read column %s: %w", c.field.Name, err)
				break
			}
			if spec.IsNaN(v) {
				c.nans++
				continue
			}
			if c.lower == nil || less(c.field.Type, v, c.lower) {
				c.lower = cloneValue(v)
			}
			if c.upper == nil || less(c.field.Type, c.upper, v) {
				c.upper = cloneValue(v)
			}
		}
	}
}

func less(t spec.Type, a, b any) bool {
	c, err := spec.CompareValues(t, a, b)
	return err == nil && c < 0
}

func (m *columnMetrics) fill(df *spec.DataFile) error {
	df.ValueCounts = make(map[int]int64, len(m.columns))
	df.NullValueCounts = make(map[int]int64, len(m.columns))
	df.LowerBounds = make(map[int][]byte)
	df.UpperBounds = make(map[int][]byte)
	for _, c := range m.columns {
		if c.err != nil {
			return c.err
		}
		id := c.field.ID
		df.ValueCounts[id] = c.values
		df.NullValueCounts[id] = c.nulls
		if isFloat(c.field.Type) {
			if df.NaNValueCounts == nil {
				df.NaNValueCounts = make(map[int]int64)
			}
			df.NaNValueCounts[id] = c.nans
		}
		if c.lower == nil {
			continue
		}
		lower, upper, hasUpper := c.lower, c.upper, true
		if m.truncate > 0 && truncatable(c.field.Type) {
			lower = spec.TruncateLowerBound(lower, m.truncate)
			upper, hasUpper = spec.TruncateUpperBound(upper, m.truncate)
		}
		lb, err := spec.SerializeValue(c.field.Type, lower)
		if err != nil {
			return err
		}
		df.LowerBounds[id] = lb
		if hasUpper {
			ub, err := spec.SerializeValue(c.field.Type, upper)
			if err != nil {
				return err
			}
			df.UpperBounds[id] = ub
		}
	}
	return nil
}

func isFloat(t spec.Type) bool {
	id := t.TypeID()
	return id == spec.TypeFloat || id == spec.TypeDouble
}

func truncatable(t spec.Type) bool {
	id := t.TypeID()
	return id == spec.TypeString || id == spec.TypeBinary
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case string:
		return strings.Clone(t)
	case []byte:
		return bytes.Clone(t)
	case spec.Decimal:
		return spec.Decimal{Unscaled: new(big.Int).Set(t.Unscaled), Scale: t.Scale}
	}
	return v
}

// arrowValue returns row i of a primitive column as a Go value accepted
// by spec.NormalizeValue, or nil when the row is null or nested.
func arrowValue(arr arrow.Array, i int) any {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Boolean:
		return a.Value(i)
	case *array.Int32:
		return a.Value(i)
	case *array.Int64:
		return a.Value(i)
	case *array.Float32:
		return a.Value(i)
	case *array.Float64:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.Binary:
		return a.Value(i)
	case *array.Date32:
		return int32(a.Value(i))
	case *array.Time64:
		return int64(a.Value(i))
	case *array.Timestamp:
		return int64(a.Value(i))
	case *array.FixedSizeBinary:
		return a.Value(i)
	case *array.Decimal128:
		scale := int(a.DataType().(*arrow.Decimal128Type).Scale)
		return spec.Decimal{Unscaled: a.Value(i).BigInt(), Scale: scale}
	}
	return nil
}

// DataWriter writes records into the data files of a table, one file per
// partition of the default spec.
type DataWriter struct {
	table  *Table
	codec  DataFileWriter
	logger *zap.Logger
}

// NewDataWriter picks the codec from write.format.default, Parquet when
// unset.
func NewDataWriter(t *Table) (*DataWriter, error) {
	format := spec.FileFormat(t.Properties()[spec.PropertyWriteFormatDefault])
	if format == "" {
		format = spec.FileFormatParquet
	}
	codec, err := WriterForFormat(format)
	if err != nil {
		return nil, err
	}
	return &DataWriter{table: t, codec: codec, logger: t.logger}, nil
}

// WithCodec replaces the codec.
func (w *DataWriter) WithCodec(codec DataFileWriter) *DataWriter {
	w.codec = codec
	return w
}

type partitionGroup struct {
	tuple   []any
	records []arrow.Record
}

// Write encodes records and returns the files it wrote. Nothing is
// committed; pass the files to a SnapshotUpdate.
func (w *DataWriter) Write(ctx context.Context, records []arrow.Record) ([]spec.DataFile, error) {
	if len(records) == 0 {
		return nil, nil
	}
	schema := w.table.Schema()
	pspec := w.table.PartitionSpec()

	groups, err := splitByPartition(schema, pspec, records)
	defer func() {
		for _, g := range groups {
			for _, r := range g.records {
				r.Release()
			}
		}
	}()
	if err != nil {
		return nil, err
	}

	files := make([]spec.DataFile, 0, len(groups))
	for n, g := range groups {
		path, err := w.dataPath(schema, pspec, g.tuple, n)
		if err != nil {
			return nil, err
		}
		df, err := w.codec.Write(ctx, w.table.FileIO(), path, schema, g.records)
		if err != nil {
			return nil, fmt.Errorf("failed to write data file %s: %w", path, err)
		}
		df.SpecID = pspec.SpecID
		df.Partition = g.tuple
		if order := w.table.SortOrder(); order != nil && order.OrderID != 0 {
			id := order.OrderID
			df.SortOrderID = &id
		}
		files = append(files, *df)
		w.logger.Debug("wrote data file",
			zap.String("table", w.table.Identifier().String()),
			zap.String("path", path),
			zap.Int64("records", df.RecordCount))
	}
	return files, nil
}

func (w *DataWriter) dataPath(schema *spec.Schema, pspec *spec.PartitionSpec, tuple []any, n int) (string, error) {
	name := fmt.Sprintf("%05d-%s.%s", n, uuid.NewString(), strings.ToLower(string(w.codec.Format())))
	if pspec.IsUnpartitioned() {
		return io.Join(w.table.Location(), "data", name), nil
	}
	dir, err := pspec.PartitionPath(schema, tuple)
	if err != nil {
		return "", err
	}
	return io.Join(w.table.Location(), "data", dir, name), nil
}

// splitByPartition slices records into runs of rows sharing a partition
// tuple. Groups keep first-seen order.
func splitByPartition(schema *spec.Schema, pspec *spec.PartitionSpec, records []arrow.Record) ([]*partitionGroup, error) {
	if pspec.IsUnpartitioned() {
		g := &partitionGroup{tuple: []any{}}
		for _, r := range records {
			r.Retain()
			g.records = append(g.records, r)
		}
		return []*partitionGroup{g}, nil
	}

	var groups []*partitionGroup
	byKey := make(map[string]*partitionGroup)
	for _, rec := range records {
		sources := make(map[int]arrow.Array, len(pspec.Fields))
		for _, f := range pspec.Fields {
			src := schema.Field(f.SourceID)
			if src == nil {
				return groups, &spec.SchemaError{FieldID: f.SourceID, Field: f.Name, Message: "partition source column does not exist"}
			}
			idx := rec.Schema().FieldIndices(src.Name)
			if len(idx) == 0 {
				sources[f.SourceID] = nil
				continue
			}
			sources[f.SourceID] = rec.Column(idx[0])
		}

		start, runKey := 0, ""
		var runTuple []any
		flush := func(end int) {
			if end <= start {
				return
			}
			g, ok := byKey[runKey]
			if !ok {
				g = &partitionGroup{tuple: runTuple}
				byKey[runKey] = g
				groups = append(groups, g)
			}
			g.records = append(g.records, rec.NewSlice(int64(start), int64(end)))
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			row := make(map[int]any, len(sources))
			for id, col := range sources {
				if col != nil {
					row[id] = arrowValue(col, i)
				}
			}
			tuple, err := pspec.PartitionValue(schema, row)
			if err != nil {
				return groups, err
			}
			key := partitionKey(pspec.SpecID, tuple)
			if i > 0 && key != runKey {
				flush(i)
				start = i
			}
			runKey, runTuple = key, tuple
		}
		flush(int(rec.NumRows()))
	}
	return groups, nil
}

// DeleteFileWriter writes position and equality delete files.
type DeleteFileWriter struct {
	table *Table
	codec DataFileWriter
}

// NewDeleteFileWriter creates a delete writer. Bounds are kept at full
// width so file_path ranges stay exact.
func NewDeleteFileWriter(t *Table) *DeleteFileWriter {
	return &DeleteFileWriter{table: t, codec: NewParquetWriter(WithBoundsTruncation(0))}
}

// PositionDelete marks row Position of FilePath deleted.
type PositionDelete struct {
	FilePath string
	Position int64
}

// PositionDeleteSchema is the layout of position delete files.
var PositionDeleteSchema = spec.NewSchema(0,
	spec.NestedField{ID: positionDeleteFilePathID, Name: "file_path", Required: true, Type: spec.StringType},
	spec.NestedField{ID: positionDeletePosID, Name: "pos", Required: true, Type: spec.LongType},
)

// WritePositionDeletes writes a position delete file in the given
// partition of the default spec. Deletes are sorted by path and position.
func (w *DeleteFileWriter) WritePositionDeletes(ctx context.Context, partition []any, deletes []PositionDelete) (*spec.DataFile, error) {
	if len(deletes) == 0 {
		return nil, spec.Validationf("no position deletes to write")
	}
	sorted := slices.Clone(deletes)
	slices.SortFunc(sorted, func(a, b PositionDelete) int {
		if c := strings.Compare(a.FilePath, b.FilePath); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})

	arrowSchema, err := (&ScanPlan{Schema: PositionDeleteSchema, ProjectedFieldIDs: []int{positionDeleteFilePathID, positionDeletePosID}}).ArrowSchema()
	if err != nil {
		return nil, err
	}
	builder := array.NewRecordBuilder(memory.NewGoAllocator(), arrowSchema)
	defer builder.Release()
	pathBuilder := builder.Field(0).(*array.StringBuilder)
	posBuilder := builder.Field(1).(*array.Int64Builder)
	for _, d := range sorted {
		pathBuilder.Append(d.FilePath)
		posBuilder.Append(d.Position)
	}
	record := builder.NewRecord()
	defer record.Release()

	df, err := w.write(ctx, "position", PositionDeleteSchema, partition, []arrow.Record{record})
	if err != nil {
		return nil, err
	}
	df.Content = spec.FileContentPositionDeletes
	return df, nil
}

// WriteEqualityDeletes writes an equality delete file whose rows carry
// the values of the equalityIDs columns.
func (w *DeleteFileWriter) WriteEqualityDeletes(ctx context.Context, partition []any, equalityIDs []int, records []arrow.Record) (*spec.DataFile, error) {
	if len(records) == 0 {
		return nil, spec.Validationf("no equality deletes to write")
	}
	if len(equalityIDs) == 0 {
		return nil, spec.Validationf("equality deletes need at least one column")
	}
	schema := w.table.Schema()
	fields := make([]spec.NestedField, 0, len(equalityIDs))
	for _, id := range equalityIDs {
		f := schema.Field(id)
		if f == nil || !spec.IsPrimitive(f.Type) {
			return nil, spec.Validationf("equality delete column %d is not a primitive column", id)
		}
		if sf := schema.FieldByName(f.Name); sf == nil || sf.ID != id {
			return nil, spec.Validationf("equality delete column %d is not a top-level column", id)
		}
		fields = append(fields, *f)
	}

	df, err := w.write(ctx, "equality", spec.NewSchema(schema.SchemaID, fields...), partition, records)
	if err != nil {
		return nil, err
	}
	df.Content = spec.FileContentEqualityDeletes
	df.EqualityIDs = slices.Clone(equalityIDs)
	return df, nil
}

func (w *DeleteFileWriter) write(ctx context.Context, kind string, schema *spec.Schema, partition []any, records []arrow.Record) (*spec.DataFile, error) {
	pspec := w.table.PartitionSpec()
	if partition == nil {
		partition = []any{}
	}
	if len(partition) != len(pspec.Fields) {
		return nil, spec.Validationf("delete partition has %d values, spec %d has %d fields", len(partition), pspec.SpecID, len(pspec.Fields))
	}
	dir := io.Join(w.table.Location(), "data")
	if !pspec.IsUnpartitioned() {
		partPath, err := pspec.PartitionPath(w.table.Schema(), partition)
		if err != nil {
			return nil, err
		}
		dir = io.Join(dir, partPath)
	}
	path := io.Join(dir, fmt.Sprintf("%s-delete-%s.parquet", uuid.NewString(), kind))
	df, err := w.codec.Write(ctx, w.table.FileIO(), path, schema, records)
	if err != nil {
		return nil, fmt.Errorf("failed to write %s delete file: %w", kind, err)
	}
	df.SpecID = pspec.SpecID
	df.Partition = partition
	return df, nil
}

package table

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/spec"
)

// positionDeleteFilePathID is the reserved field id of the file_path column
// of position delete files.
const positionDeleteFilePathID = 2147483546

// ScanBuilder builds a table scan with various options.
type ScanBuilder struct {
	table         *Table
	snapshotID    *int64
	asOf          *time.Time
	filter        *Expression
	selected      []string
	caseSensitive bool
	concurrency   int
}

// NewScanBuilder creates a new scan builder for the given table.
func NewScanBuilder(t *Table) *ScanBuilder {
	return &ScanBuilder{table: t, caseSensitive: true}
}

// WithSnapshot sets the snapshot ID to scan.
func (sb *ScanBuilder) WithSnapshot(snapshotID int64) *ScanBuilder {
	sb.snapshotID = &snapshotID
	return sb
}

// AsOf scans the snapshot that was current at ts.
func (sb *ScanBuilder) AsOf(ts time.Time) *ScanBuilder {
	sb.asOf = &ts
	return sb
}

// Filter sets the row filter. Files that cannot hold a matching row are
// left out of the plan.
func (sb *ScanBuilder) Filter(filter *Expression) *ScanBuilder {
	sb.filter = filter
	return sb
}

// Select specifies the columns to return. No selection means all columns.
func (sb *ScanBuilder) Select(columns ...string) *ScanBuilder {
	sb.selected = columns
	return sb
}

// CaseSensitive sets whether column names are case-sensitive.
func (sb *ScanBuilder) CaseSensitive(b bool) *ScanBuilder {
	sb.caseSensitive = b
	return sb
}

// WithConcurrency bounds the manifests read at once for this scan.
func (sb *ScanBuilder) WithConcurrency(n int) *ScanBuilder {
	sb.concurrency = n
	return sb
}

// FileScanTask is one unit of read work: a byte range of a data file with
// the delete files that apply to it.
type FileScanTask struct {
	File        spec.DataFile
	Start       int64
	Length      int64
	SpecID      int
	Partition   []any
	Projection  []int
	DeleteFiles []spec.DataFile
}

// ScanPlan is the result of planning a scan.
type ScanPlan struct {
	// Snapshot is nil for a table without snapshots.
	Snapshot          *spec.Snapshot
	Schema            *spec.Schema
	ProjectedFieldIDs []int
	Filter            *BoundExpr
	Tasks             []FileScanTask
}

func (sb *ScanBuilder) selector() (spec.SnapshotSelector, error) {
	switch {
	case sb.snapshotID != nil && sb.asOf != nil:
		return spec.SnapshotSelector{}, spec.Validationf("scan sets both a snapshot id and a timestamp")
	case sb.snapshotID != nil:
		return spec.SnapshotWithID(*sb.snapshotID), nil
	case sb.asOf != nil:
		return spec.SnapshotAsOfTime(*sb.asOf), nil
	}
	return spec.CurrentSnapshotSelector(), nil
}

func (sb *ScanBuilder) resolver() *Resolver {
	r := sb.table.resolver
	if sb.concurrency > 0 {
		return NewResolver(sb.table.fileIO, WithFetchConcurrency(sb.concurrency), WithResolverLogger(sb.table.logger))
	}
	return r
}

// PlanFiles resolves the snapshot, prunes manifests and files with the
// filter and returns one task per split in manifest, entry and split
// order.
func (sb *ScanBuilder) PlanFiles(ctx context.Context) (*ScanPlan, error) {
	meta := sb.table.Metadata()
	sel, err := sb.selector()
	if err != nil {
		return nil, err
	}

	var snap *spec.Snapshot
	schema := meta.CurrentSchema()
	if !sel.IsCurrent() || meta.CurrentSnapshot() != nil {
		if snap, err = meta.SnapshotAt(sel); err != nil {
			return nil, err
		}
		if !sel.IsCurrent() {
			schema = meta.SnapshotSchema(snap)
		}
	}

	projection, err := sb.projection(schema)
	if err != nil {
		return nil, err
	}
	bound, err := Bind(schema, sb.filter, sb.caseSensitive)
	if err != nil {
		return nil, err
	}
	plan := &ScanPlan{Snapshot: snap, Schema: schema, ProjectedFieldIDs: projection, Filter: bound}
	if snap == nil {
		return plan, nil
	}

	p := &planner{meta: meta, resolver: sb.resolver(), filter: bound, specs: map[int]*specFilters{}}
	tasks, err := p.plan(ctx, snap, projection)
	if err != nil {
		return nil, err
	}
	plan.Tasks = tasks
	return plan, nil
}

// projection returns the field ids of the selected columns in selection
// order.
func (sb *ScanBuilder) projection(schema *spec.Schema) ([]int, error) {
	if len(sb.selected) == 0 {
		ids := make([]int, len(schema.Fields))
		for i, f := range schema.Fields {
			ids[i] = f.ID
		}
		return ids, nil
	}
	ids := make([]int, 0, len(sb.selected))
	seen := make(map[int]bool, len(sb.selected))
	for _, name := range sb.selected {
		var f *spec.NestedField
		if sb.caseSensitive {
			f = schema.FieldByName(name)
		} else {
			f = schema.FieldByNameCaseInsensitive(name)
		}
		if f == nil {
			return nil, spec.Validationf("cannot select unknown column %q", name)
		}
		if !seen[f.ID] {
			seen[f.ID] = true
			ids = append(ids, f.ID)
		}
	}
	return ids, nil
}

// Count returns the record count of the files the scan would read. It is
// an upper bound of the matching rows.
func (sb *ScanBuilder) Count(ctx context.Context) (int64, error) {
	plan, err := sb.PlanFiles(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	seen := make(map[string]bool)
	for _, task := range plan.Tasks {
		if !seen[task.File.FilePath] {
			seen[task.File.FilePath] = true
			count += task.File.RecordCount
		}
	}
	return count, nil
}

// specFilters are the evaluators of one partition spec.
type specFilters struct {
	pspec     *spec.PartitionSpec
	manifest  *manifestEvaluator
	partition *partitionEvaluator
}

type planner struct {
	meta     *spec.TableMetadata
	resolver *Resolver
	filter   *BoundExpr
	specs    map[int]*specFilters
}

func (p *planner) filtersFor(specID int) (*specFilters, error) {
	if f, ok := p.specs[specID]; ok {
		return f, nil
	}
	ps := p.meta.PartitionSpecByID(specID)
	if ps == nil {
		return nil, &spec.NotFoundError{Kind: "partition spec", Key: strconv.Itoa(specID)}
	}
	projected, err := Project(p.filter, ps)
	if err != nil {
		return nil, err
	}
	f := &specFilters{
		pspec:     ps,
		manifest:  newManifestEvaluator(projected, ps),
		partition: newPartitionEvaluator(projected, ps),
	}
	p.specs[specID] = f
	return f, nil
}

func (p *planner) plan(ctx context.Context, snap *spec.Snapshot, projection []int) ([]FileScanTask, error) {
	files, err := p.resolver.ReadManifestList(ctx, snap)
	if err != nil {
		return nil, err
	}

	var dataManifests, deleteManifests []spec.ManifestFile
	for i := range files {
		mf := &files[i]
		if !mf.MayHaveLiveFiles() {
			continue
		}
		f, err := p.filtersFor(mf.PartitionSpecID)
		if err != nil {
			return nil, err
		}
		ok, err := f.manifest.MightMatch(mf)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if mf.Content == spec.ManifestContentDeletes {
			deleteManifests = append(deleteManifests, *mf)
		} else {
			dataManifests = append(dataManifests, *mf)
		}
	}

	deletes, err := p.deleteIndex(ctx, deleteManifests)
	if err != nil {
		return nil, err
	}

	manifests, err := p.resolver.ReadManifests(ctx, dataManifests)
	if err != nil {
		return nil, err
	}
	metrics := newMetricsEvaluator(p.filter)
	var tasks []FileScanTask
	var scanned, matched int
	for i, m := range manifests {
		f, err := p.filtersFor(dataManifests[i].PartitionSpecID)
		if err != nil {
			return nil, err
		}
		for _, e := range m.Entries {
			if !e.IsLive() {
				continue
			}
			scanned++
			e = e.Inherit(&dataManifests[i])
			if !f.partition.Match(e.DataFile.Partition) {
				continue
			}
			ok, err := metrics.MightMatch(&e.DataFile)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			matched++
			tasks = appendSplits(tasks, FileScanTask{
				File:        e.DataFile,
				SpecID:      e.DataFile.SpecID,
				Partition:   e.DataFile.Partition,
				Projection:  projection,
				DeleteFiles: deletes.forFile(&e),
			})
		}
	}
	p.resolver.logger.Debug("planned scan",
		zap.Int64("snapshot_id", snap.SnapshotID),
		zap.String("filter", p.filter.String()),
		zap.Int("manifests", len(files)),
		zap.Int("manifests_read", len(dataManifests)),
		zap.Int("files_scanned", scanned),
		zap.Int("files_matched", matched),
		zap.Int("tasks", len(tasks)))
	return tasks, nil
}

// appendSplits appends one task per split of a splittable file, or one
// task covering the file.
func appendSplits(tasks []FileScanTask, t FileScanTask) []FileScanTask {
	f := &t.File
	offsets := f.SplitOffsets
	if !f.FileFormat.Splittable() || len(offsets) == 0 || offsets[len(offsets)-1] >= f.FileSizeInBytes {
		t.Start, t.Length = 0, f.FileSizeInBytes
		return append(tasks, t)
	}
	for i, start := range offsets {
		end := f.FileSizeInBytes
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		split := t
		split.Start, split.Length = start, end-start
		tasks = append(tasks, split)
	}
	return tasks
}

// deleteIndex holds the live delete files of a snapshot.
type deleteIndex struct {
	meta    *spec.TableMetadata
	entries []spec.ManifestEntry
}

func (p *planner) deleteIndex(ctx context.Context, files []spec.ManifestFile) (*deleteIndex, error) {
	idx := &deleteIndex{meta: p.meta}
	manifests, err := p.resolver.ReadManifests(ctx, files)
	if err != nil {
		return nil, err
	}
	for i, m := range manifests {
		for _, e := range m.Entries {
			if e.IsLive() {
				idx.entries = append(idx.entries, e.Inherit(&files[i]))
			}
		}
	}
	return idx, nil
}

// forFile returns the delete files that apply to a data file entry.
// Position deletes apply to files with a data sequence number at or below
// theirs, equality deletes only to strictly older files. Deletes of an
// unpartitioned spec apply to every partition.
func (d *deleteIndex) forFile(data *spec.ManifestEntry) []spec.DataFile {
	var out []spec.DataFile
	seq := data.DataSequenceNumber()
	key := partitionKey(data.DataFile.SpecID, data.DataFile.Partition)
	for i := range d.entries {
		del := &d.entries[i]
		df := &del.DataFile
		switch df.Content {
		case spec.FileContentPositionDeletes:
			if del.DataSequenceNumber() < seq || !pathInBounds(df, data.DataFile.FilePath) {
				continue
			}
		case spec.FileContentEqualityDeletes:
			if del.DataSequenceNumber() <= seq {
				continue
			}
		default:
			continue
		}
		if ds := d.meta.PartitionSpecByID(df.SpecID); ds == nil || !ds.IsUnpartitioned() {
			if partitionKey(df.SpecID, df.Partition) != key {
				continue
			}
		}
		out = append(out, *df)
	}
	return out
}

// pathInBounds checks the file_path bounds of a position delete file.
func pathInBounds(f *spec.DataFile, path string) bool {
	p := []byte(path)
	if lower, ok := f.LowerBounds[positionDeleteFilePathID]; ok && bytes.Compare(p, lower) < 0 {
		return false
	}
	if upper, ok := f.UpperBounds[positionDeleteFilePathID]; ok && bytes.Compare(p, upper) > 0 {
		return false
	}
	return true
}

// ArrowSchema returns the projected columns as an Arrow schema. Every
// field carries its Iceberg field id in PARQUET:field_id metadata.
func (p *ScanPlan) ArrowSchema() (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(p.ProjectedFieldIDs))
	for _, id := range p.ProjectedFieldIDs {
		f := p.Schema.Field(id)
		if f == nil {
			return nil, &spec.NotFoundError{Kind: "field", Key: strconv.Itoa(id)}
		}
		af := arrowField(*f)
		if name, ok := p.Schema.ColumnName(id); ok {
			af.Name = name
		}
		fields = append(fields, af)
	}
	return arrow.NewSchema(fields, nil), nil
}

func fieldIDMetadata(id int) arrow.Metadata {
	return arrow.NewMetadata([]string{"PARQUET:field_id"}, []string{strconv.Itoa(id)})
}

func arrowField(f spec.NestedField) arrow.Field {
	return arrow.Field{
		Name:     f.Name,
		Type:     specTypeToArrow(f.Type),
		Nullable: !f.Required,
		Metadata: fieldIDMetadata(f.ID),
	}
}

// specTypeToArrow converts a spec.Type to an arrow.DataType.
func specTypeToArrow(t spec.Type) arrow.DataType {
	switch v := t.(type) {
	case spec.PrimitiveType:
		switch v.TypeID() {
		case spec.TypeBoolean:
			return arrow.FixedWidthTypes.Boolean
		case spec.TypeInt:
			return arrow.PrimitiveTypes.Int32
		case spec.TypeLong:
			return arrow.PrimitiveTypes.Int64
		case spec.TypeFloat:
			return arrow.PrimitiveTypes.Float32
		case spec.TypeDouble:
			return arrow.PrimitiveTypes.Float64
		case spec.TypeString:
			return arrow.BinaryTypes.String
		case spec.TypeBinary:
			return arrow.BinaryTypes.Binary
		case spec.TypeDate:
			return arrow.FixedWidthTypes.Date32
		case spec.TypeTime:
			return arrow.FixedWidthTypes.Time64us
		case spec.TypeTimestamp:
			return &arrow.TimestampType{Unit: arrow.Microsecond}
		case spec.TypeTimestampTz:
			return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
		case spec.TypeUUID:
			return &arrow.FixedSizeBinaryType{ByteWidth: 16}
		}
	case spec.DecimalType:
		return &arrow.Decimal128Type{Precision: int32(v.Precision), Scale: int32(v.Scale)}
	case spec.FixedType:
		return &arrow.FixedSizeBinaryType{ByteWidth: v.Length}
	case spec.ListType:
		elem := arrow.Field{
			Name:     "element",
			Type:     specTypeToArrow(v.Element),
			Nullable: !v.ElementRequired,
			Metadata: fieldIDMetadata(v.ElementID),
		}
		return arrow.ListOfField(elem)
	case spec.MapType:
		return arrow.MapOf(specTypeToArrow(v.Key), specTypeToArrow(v.Value))
	case spec.StructType:
		fields := make([]arrow.Field, len(v.Fields))
		for i, f := range v.Fields {
			fields[i] = arrowField(f)
		}
		return arrow.StructOf(fields...)
	}
	return arrow.BinaryTypes.String
}

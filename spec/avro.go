package spec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/linkedin/goavro/v2"
)

const (
	docManifestList = "manifest list"
	docManifest     = "manifest"

	// v1 data files carry a block size that readers ignore.
	v1BlockSizeInBytes = 64 * 1024 * 1024
)

// ManifestListInfo is the header of a manifest list file.
type ManifestListInfo struct {
	FormatVersion    FormatVersion
	SnapshotID       int64
	ParentSnapshotID *int64
	SequenceNumber   int64
}

// ManifestListWriter writes manifest list files in Avro format.
type ManifestListWriter struct {
	info    ManifestListInfo
	codec   *goavro.Codec
	records []any
}

// NewManifestListWriter creates a manifest list writer for one snapshot.
func NewManifestListWriter(info ManifestListInfo) (*ManifestListWriter, error) {
	if info.FormatVersion == 0 {
		info.FormatVersion = FormatVersionV2
	}
	schema, err := manifestListSchema(info.FormatVersion)
	if err != nil {
		return nil, err
	}
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}
	return &ManifestListWriter{info: info, codec: codec}, nil
}

// Append appends a manifest file entry.
func (w *ManifestListWriter) Append(mf ManifestFile) error {
	v1 := w.info.FormatVersion == FormatVersionV1
	if v1 && mf.Content != ManifestContentData {
		return Validationf("format version 1 cannot track delete manifest %s", mf.ManifestPath)
	}

	counts := map[string]any{
		"added_files_count":    int32(mf.AddedFilesCount),
		"existing_files_count": int32(mf.ExistingFilesCount),
		"deleted_files_count":  int32(mf.DeletedFilesCount),
		"added_rows_count":     mf.AddedRowsCount,
		"existing_rows_count":  mf.ExistingRowsCount,
		"deleted_rows_count":   mf.DeletedRowsCount,
	}
	record := map[string]any{
		"manifest_path":     mf.ManifestPath,
		"manifest_length":   mf.ManifestLength,
		"partition_spec_id": int32(mf.PartitionSpecID),
		"added_snapshot_id": mf.AddedSnapshotID,
		"partitions":        encodeFieldSummaries(mf.Partitions),
		"key_metadata":      optionalBytes(mf.KeyMetadata),
	}
	for k, v := range counts {
		if v1 {
			record[k] = goavro.Union(avroPrimitiveName(v), v)
		} else {
			record[k] = v
		}
	}
	if !v1 {
		record["content"] = int32(mf.Content)
		record["sequence_number"] = mf.SequenceNumber
		record["min_sequence_number"] = mf.MinSequenceNumber
	}
	w.records = append(w.records, record)
	return nil
}

// Bytes returns the encoded manifest list.
func (w *ManifestListWriter) Bytes() ([]byte, error) {
	parent := "null"
	if w.info.ParentSnapshotID != nil {
		parent = strconv.FormatInt(*w.info.ParentSnapshotID, 10)
	}
	meta := map[string][]byte{
		"snapshot-id":        []byte(strconv.FormatInt(w.info.SnapshotID, 10)),
		"parent-snapshot-id": []byte(parent),
		"format-version":     []byte(strconv.Itoa(int(w.info.FormatVersion))),
	}
	if w.info.FormatVersion >= FormatVersionV2 {
		meta["sequence-number"] = []byte(strconv.FormatInt(w.info.SequenceNumber, 10))
	}
	return writeOCF(w.codec, meta, w.records)
}

// EncodeManifestList encodes files as a manifest list.
func EncodeManifestList(info ManifestListInfo, files []ManifestFile) ([]byte, error) {
	w, err := NewManifestListWriter(info)
	if err != nil {
		return nil, err
	}
	for _, mf := range files {
		if err := w.Append(mf); err != nil {
			return nil, err
		}
	}
	return w.Bytes()
}

func encodeFieldSummaries(parts []PartitionFieldSummary) any {
	if parts == nil {
		return nil
	}
	items := make([]any, len(parts))
	for i, p := range parts {
		var nan any
		if p.ContainsNaN != nil {
			nan = goavro.Union("boolean", *p.ContainsNaN)
		}
		items[i] = map[string]any{
			"contains_null": p.ContainsNull,
			"contains_nan":  nan,
			"lower_bound":   optionalBytes(p.LowerBound),
			"upper_bound":   optionalBytes(p.UpperBound),
		}
	}
	return goavro.Union("array", items)
}

// ManifestListReader reads manifest list files.
type ManifestListReader struct {
	ocf *goavro.OCFReader
}

// NewManifestListReader creates a manifest list reader.
func NewManifestListReader(r io.Reader) (*ManifestListReader, error) {
	ocf, err := goavro.NewOCFReader(r)
	if err != nil {
		return nil, &CodecError{Document: docManifestList, Cause: err}
	}
	return &ManifestListReader{ocf: ocf}, nil
}

// Metadata returns the file header key/value pairs.
func (r *ManifestListReader) Metadata() map[string][]byte {
	return r.ocf.MetaData()
}

// Read decodes every manifest file entry. Any malformed field fails the
// whole read.
func (r *ManifestListReader) Read() ([]ManifestFile, error) {
	var out []ManifestFile
	for r.ocf.Scan() {
		datum, err := r.ocf.Read()
		if err != nil {
			return nil, &CodecError{Document: docManifestList, Cause: err}
		}
		rec, err := toRecord(docManifestList, "", datum)
		if err != nil {
			return nil, err
		}
		mf, err := decodeManifestFile(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, mf)
	}
	if err := r.ocf.Err(); err != nil {
		return nil, &CodecError{Document: docManifestList, Cause: err}
	}
	return out, nil
}

// DecodeManifestList decodes a manifest list file.
func DecodeManifestList(data []byte) ([]ManifestFile, error) {
	r, err := NewManifestListReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return r.Read()
}

func decodeManifestFile(rec avroRecord) (ManifestFile, error) {
	var (
		mf  ManifestFile
		err error
	)
	if mf.ManifestPath, err = rec.reqString("manifest_path"); err != nil {
		return mf, err
	}
	if mf.ManifestLength, err = rec.reqLong("manifest_length"); err != nil {
		return mf, err
	}
	if mf.PartitionSpecID, err = rec.reqInt("partition_spec_id"); err != nil {
		return mf, err
	}
	content, err := rec.intOr("content", int(ManifestContentData))
	if err != nil {
		return mf, err
	}
	if content != int(ManifestContentData) && content != int(ManifestContentDeletes) {
		return mf, rec.errorf("content", "unknown manifest content %d", content)
	}
	mf.Content = ManifestContent(content)
	if mf.SequenceNumber, err = rec.longOr("sequence_number", 0); err != nil {
		return mf, err
	}
	if mf.MinSequenceNumber, err = rec.longOr("min_sequence_number", 0); err != nil {
		return mf, err
	}
	if mf.AddedSnapshotID, err = rec.reqLong("added_snapshot_id"); err != nil {
		return mf, err
	}
	if mf.AddedFilesCount, err = rec.intOr(rec.firstPresent("added_files_count", "added_data_files_count"), 0); err != nil {
		return mf, err
	}
	if mf.ExistingFilesCount, err = rec.intOr(rec.firstPresent("existing_files_count", "existing_data_files_count"), 0); err != nil {
		return mf, err
	}
	if mf.DeletedFilesCount, err = rec.intOr(rec.firstPresent("deleted_files_count", "deleted_data_files_count"), 0); err != nil {
		return mf, err
	}
	if mf.AddedRowsCount, err = rec.longOr("added_rows_count", 0); err != nil {
		return mf, err
	}
	if mf.ExistingRowsCount, err = rec.longOr("existing_rows_count", 0); err != nil {
		return mf, err
	}
	if mf.DeletedRowsCount, err = rec.longOr("deleted_rows_count", 0); err != nil {
		return mf, err
	}
	if mf.KeyMetadata, err = rec.optBytes("key_metadata"); err != nil {
		return mf, err
	}

	parts, err := rec.records("partitions")
	if err != nil {
		return mf, err
	}
	for _, p := range parts {
		var s PartitionFieldSummary
		if s.ContainsNull, err = p.reqBool("contains_null"); err != nil {
			return mf, err
		}
		if s.ContainsNaN, err = p.optBool("contains_nan"); err != nil {
			return mf, err
		}
		if s.LowerBound, err = p.optBytes("lower_bound"); err != nil {
			return mf, err
		}
		if s.UpperBound, err = p.optBytes("upper_bound"); err != nil {
			return mf, err
		}
		mf.Partitions = append(mf.Partitions, s)
	}
	return mf, nil
}

// ManifestWriter writes manifest files in Avro format and accumulates the
// counts and partition summaries of the manifest list entry.
type ManifestWriter struct {
	version    FormatVersion
	schema     *Schema
	spec       *PartitionSpec
	content    ManifestContent
	partType   StructType
	codec      *goavro.Codec
	avroSchema string
	records    []any
	stats      manifestStats
}

type manifestStats struct {
	added, existing, deleted             int
	addedRows, existingRows, deletedRows int64
	minSeq                               *int64
	fields                               []fieldSummary
}

type fieldSummary struct {
	typ          Type
	containsNull bool
	containsNaN  bool
	lower, upper any
}

// NewManifestWriter creates a manifest writer for files of one partition
// spec, written against schema.
func NewManifestWriter(version FormatVersion, schema *Schema, spec *PartitionSpec, content ManifestContent) (*ManifestWriter, error) {
	if version == 0 {
		version = FormatVersionV2
	}
	if version == FormatVersionV1 && content != ManifestContentData {
		return nil, Validationf("format version 1 has no delete manifests")
	}
	partType, err := spec.PartitionType(schema)
	if err != nil {
		return nil, err
	}
	avroSchema, err := manifestEntrySchema(version, partType)
	if err != nil {
		return nil, err
	}
	codec, err := goavro.NewCodec(avroSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}
	w := &ManifestWriter{
		version:    version,
		schema:     schema,
		spec:       spec,
		content:    content,
		partType:   partType,
		codec:      codec,
		avroSchema: avroSchema,
	}
	w.stats.fields = make([]fieldSummary, len(partType.Fields))
	for i, f := range partType.Fields {
		w.stats.fields[i].typ = f.Type
	}
	return w, nil
}

// Append adds an entry. The data file must belong to the writer's spec and
// content kind.
func (w *ManifestWriter) Append(entry ManifestEntry) error {
	f := &entry.DataFile
	if err := f.Validate(w.spec); err != nil {
		return err
	}
	isData := f.Content == FileContentData
	if isData != (w.content == ManifestContentData) {
		return Validationf("%s file %s cannot be written to a %s manifest", f.Content, f.FilePath, w.content)
	}
	if entry.Status < EntryStatusExisting || entry.Status > EntryStatusDeleted {
		return Validationf("invalid entry status %d for %s", entry.Status, f.FilePath)
	}

	partition, err := w.encodePartition(f.Partition)
	if err != nil {
		return err
	}
	dataFile := map[string]any{
		"file_path":          f.FilePath,
		"file_format":        string(f.FileFormat),
		"partition":          partition,
		"record_count":       f.RecordCount,
		"file_size_in_bytes": f.FileSizeInBytes,
		"column_sizes":       encodeIntMap(f.ColumnSizes),
		"value_counts":       encodeIntMap(f.ValueCounts),
		"null_value_counts":  encodeIntMap(f.NullValueCounts),
		"nan_value_counts":   encodeIntMap(f.NaNValueCounts),
		"lower_bounds":       encodeIntMap(f.LowerBounds),
		"upper_bounds":       encodeIntMap(f.UpperBounds),
		"key_metadata":       optionalBytes(f.KeyMetadata),
		"split_offsets":      encodeList(f.SplitOffsets, func(v int64) any { return v }),
		"sort_order_id":      nil,
	}
	if f.SortOrderID != nil {
		dataFile["sort_order_id"] = goavro.Union("int", int32(*f.SortOrderID))
	}
	record := map[string]any{
		"status":    int32(entry.Status),
		"data_file": dataFile,
	}
	if w.version == FormatVersionV1 {
		if entry.SnapshotID == nil {
			return Validationf("format version 1 entry for %s has no snapshot id", f.FilePath)
		}
		record["snapshot_id"] = *entry.SnapshotID
		dataFile["block_size_in_bytes"] = int64(v1BlockSizeInBytes)
	} else {
		record["snapshot_id"] = optionalLong(entry.SnapshotID)
		record["sequence_number"] = optionalLong(entry.SequenceNumber)
		record["file_sequence_number"] = optionalLong(entry.FileSequenceNumber)
		dataFile["content"] = int32(f.Content)
		dataFile["equality_ids"] = encodeList(f.EqualityIDs, func(v int) any { return int32(v) })
	}
	w.records = append(w.records, record)
	w.track(&entry)
	return nil
}

func (w *ManifestWriter) encodePartition(tuple []any) (map[string]any, error) {
	rec := make(map[string]any, len(w.partType.Fields))
	for i, field := range w.partType.Fields {
		v, err := partitionValueToAvro(field, tuple[i])
		if err != nil {
			return nil, err
		}
		rec[field.Name] = v
	}
	return rec, nil
}

func (w *ManifestWriter) track(e *ManifestEntry) {
	s := &w.stats
	rows := e.DataFile.RecordCount
	switch e.Status {
	case EntryStatusAdded:
		s.added++
		s.addedRows += rows
	case EntryStatusExisting:
		s.existing++
		s.existingRows += rows
	case EntryStatusDeleted:
		s.deleted++
		s.deletedRows += rows
	}
	if e.IsLive() && e.SequenceNumber != nil && (s.minSeq == nil || *e.SequenceNumber < *s.minSeq) {
		seq := *e.SequenceNumber
		s.minSeq = &seq
	}
	for i := range s.fields {
		fs := &s.fields[i]
		v := e.DataFile.Partition[i]
		switch {
		case v == nil:
			fs.containsNull = true
		case IsNaN(v):
			fs.containsNaN = true
		default:
			if fs.lower == nil || compareOrZero(fs.typ, v, fs.lower) < 0 {
				fs.lower = v
			}
			if fs.upper == nil || compareOrZero(fs.typ, v, fs.upper) > 0 {
				fs.upper = v
			}
		}
	}
}

func compareOrZero(typ Type, a, b any) int {
	c, err := CompareValues(typ, a, b)
	if err != nil {
		return 0
	}
	return c
}

// Bytes returns the encoded manifest.
func (w *ManifestWriter) Bytes() ([]byte, error) {
	schemaJSON, err := json.Marshal(w.schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	specJSON, err := json.Marshal(w.spec.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal partition spec: %w", err)
	}
	meta := map[string][]byte{
		"schema":            schemaJSON,
		"schema-id":         []byte(strconv.Itoa(w.schema.SchemaID)),
		"partition-spec":    specJSON,
		"partition-spec-id": []byte(strconv.Itoa(w.spec.SpecID)),
		"format-version":    []byte(strconv.Itoa(int(w.version))),
	}
	if w.version >= FormatVersionV2 {
		meta["content"] = []byte(w.content.String())
	}
	return writeOCF(w.codec, meta, w.records)
}

// ManifestFile returns the manifest list entry for the written manifest.
// Entries without a sequence number inherit seq, which also bounds the
// minimum sequence number. It fails when a partition bound cannot be
// serialized for its field type.
func (w *ManifestWriter) ManifestFile(path string, length int64, snapshotID, seq int64) (ManifestFile, error) {
	s := &w.stats
	minSeq := seq
	if s.minSeq != nil && *s.minSeq < minSeq {
		minSeq = *s.minSeq
	}
	mf := ManifestFile{
		ManifestPath:       path,
		ManifestLength:     length,
		PartitionSpecID:    w.spec.SpecID,
		Content:            w.content,
		SequenceNumber:     seq,
		MinSequenceNumber:  minSeq,
		AddedSnapshotID:    snapshotID,
		AddedFilesCount:    s.added,
		ExistingFilesCount: s.existing,
		DeletedFilesCount:  s.deleted,
		AddedRowsCount:     s.addedRows,
		ExistingRowsCount:  s.existingRows,
		DeletedRowsCount:   s.deletedRows,
		Partitions:         make([]PartitionFieldSummary, len(s.fields)),
	}
	for i, fs := range s.fields {
		nan := fs.containsNaN
		sum := PartitionFieldSummary{ContainsNull: fs.containsNull, ContainsNaN: &nan}
		if fs.lower != nil {
			var err error
			if sum.LowerBound, err = SerializeValue(fs.typ, fs.lower); err != nil {
				return ManifestFile{}, fmt.Errorf("partition field %d lower bound: %w", i, err)
			}
			if sum.UpperBound, err = SerializeValue(fs.typ, fs.upper); err != nil {
				return ManifestFile{}, fmt.Errorf("partition field %d upper bound: %w", i, err)
			}
		}
		mf.Partitions[i] = sum
	}
	return mf, nil
}

// EncodeManifest encodes m. Entries are written in order.
func EncodeManifest(m *Manifest) ([]byte, error) {
	w, err := NewManifestWriter(m.FormatVersion, m.Schema, m.Spec, m.Content)
	if err != nil {
		return nil, err
	}
	for _, e := range m.Entries {
		if err := w.Append(e); err != nil {
			return nil, err
		}
	}
	return w.Bytes()
}

// ManifestReader reads manifest files.
type ManifestReader struct {
	ocf *goavro.OCFReader
}

// NewManifestReader creates a manifest reader.
func NewManifestReader(r io.Reader) (*ManifestReader, error) {
	ocf, err := goavro.NewOCFReader(r)
	if err != nil {
		return nil, &CodecError{Document: docManifest, Cause: err}
	}
	return &ManifestReader{ocf: ocf}, nil
}

// Metadata returns the file header key/value pairs.
func (r *ManifestReader) Metadata() map[string][]byte {
	return r.ocf.MetaData()
}

// Read decodes the manifest. Partition tuples are ordered by the header's
// partition spec and matched to the record by field id.
func (r *ManifestReader) Read() (*Manifest, error) {
	meta := r.ocf.MetaData()
	m, err := decodeManifestHeader(meta)
	if err != nil {
		return nil, err
	}
	partType, err := m.Spec.PartitionType(m.Schema)
	if err != nil {
		return nil, &CodecError{Document: docManifest, Field: "partition-spec", Cause: err}
	}
	names, err := partitionFieldNames(meta["avro.schema"])
	if err != nil {
		return nil, &CodecError{Document: docManifest, Field: "avro.schema", Cause: err}
	}

	for r.ocf.Scan() {
		datum, err := r.ocf.Read()
		if err != nil {
			return nil, &CodecError{Document: docManifest, Cause: err}
		}
		rec, err := toRecord(docManifest, "", datum)
		if err != nil {
			return nil, err
		}
		entry, err := decodeManifestEntry(rec, partType, names)
		if err != nil {
			return nil, err
		}
		entry.DataFile.SpecID = m.Spec.SpecID
		if (entry.DataFile.Content == FileContentData) != (m.Content == ManifestContentData) {
			return nil, codecErrorf(docManifest, "data_file.content", "%s file in a %s manifest", entry.DataFile.Content, m.Content)
		}
		m.Entries = append(m.Entries, entry)
	}
	if err := r.ocf.Err(); err != nil {
		return nil, &CodecError{Document: docManifest, Cause: err}
	}
	return m, nil
}

// DecodeManifest decodes a manifest file.
func DecodeManifest(data []byte) (*Manifest, error) {
	r, err := NewManifestReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return r.Read()
}

func decodeManifestHeader(meta map[string][]byte) (*Manifest, error) {
	m := &Manifest{FormatVersion: FormatVersionV1, Content: ManifestContentData}
	if raw, ok := meta["format-version"]; ok {
		v, err := strconv.Atoi(string(raw))
		if err != nil || v < int(FormatVersionV1) || v > int(FormatVersionV2) {
			return nil, codecErrorf(docManifest, "format-version", "unsupported value %q", raw)
		}
		m.FormatVersion = FormatVersion(v)
	}
	if raw, ok := meta["content"]; ok {
		switch string(raw) {
		case "data":
		case "deletes":
			m.Content = ManifestContentDeletes
		default:
			return nil, codecErrorf(docManifest, "content", "unknown value %q", raw)
		}
	}

	rawSchema, ok := meta["schema"]
	if !ok {
		return nil, codecErrorf(docManifest, "schema", "missing from header")
	}
	m.Schema = new(Schema)
	if err := json.Unmarshal(rawSchema, m.Schema); err != nil {
		return nil, &CodecError{Document: docManifest, Field: "schema", Cause: err}
	}
	if raw, ok := meta["schema-id"]; ok {
		id, err := strconv.Atoi(string(raw))
		if err != nil {
			return nil, codecErrorf(docManifest, "schema-id", "invalid value %q", raw)
		}
		m.Schema.SchemaID = id
	}

	rawSpec, ok := meta["partition-spec"]
	if !ok {
		return nil, codecErrorf(docManifest, "partition-spec", "missing from header")
	}
	var fields []PartitionField
	if err := json.Unmarshal(rawSpec, &fields); err != nil {
		return nil, &CodecError{Document: docManifest, Field: "partition-spec", Cause: err}
	}
	specID := 0
	if raw, ok := meta["partition-spec-id"]; ok {
		id, err := strconv.Atoi(string(raw))
		if err != nil {
			return nil, codecErrorf(docManifest, "partition-spec-id", "invalid value %q", raw)
		}
		specID = id
	}
	m.Spec = NewPartitionSpec(specID, fields...)
	return m, nil
}

func decodeManifestEntry(rec avroRecord, partType StructType, names map[int]string) (ManifestEntry, error) {
	var (
		e   ManifestEntry
		err error
	)
	status, err := rec.reqInt("status")
	if err != nil {
		return e, err
	}
	if status < int(EntryStatusExisting) || status > int(EntryStatusDeleted) {
		return e, rec.errorf("status", "unknown entry status %d", status)
	}
	e.Status = EntryStatus(status)
	if e.SnapshotID, err = rec.optLong("snapshot_id"); err != nil {
		return e, err
	}
	if e.SequenceNumber, err = rec.optLong("sequence_number"); err != nil {
		return e, err
	}
	if e.FileSequenceNumber, err = rec.optLong("file_sequence_number"); err != nil {
		return e, err
	}
	df, err := rec.record("data_file")
	if err != nil {
		return e, err
	}
	e.DataFile, err = decodeDataFile(df, partType, names)
	return e, err
}

func decodeDataFile(rec avroRecord, partType StructType, names map[int]string) (DataFile, error) {
	var (
		f   DataFile
		err error
	)
	content, err := rec.intOr("content", int(FileContentData))
	if err != nil {
		return f, err
	}
	if content < int(FileContentData) || content > int(FileContentEqualityDeletes) {
		return f, rec.errorf("content", "unknown file content %d", content)
	}
	f.Content = FileContent(content)
	if f.FilePath, err = rec.reqString("file_path"); err != nil {
		return f, err
	}
	format, err := rec.reqString("file_format")
	if err != nil {
		return f, err
	}
	f.FileFormat = FileFormat(strings.ToUpper(format))
	if f.RecordCount, err = rec.reqLong("record_count"); err != nil {
		return f, err
	}
	if f.FileSizeInBytes, err = rec.reqLong("file_size_in_bytes"); err != nil {
		return f, err
	}
	if f.ColumnSizes, err = rec.longMap("column_sizes"); err != nil {
		return f, err
	}
	if f.ValueCounts, err = rec.longMap("value_counts"); err != nil {
		return f, err
	}
	if f.NullValueCounts, err = rec.longMap("null_value_counts"); err != nil {
		return f, err
	}
	if f.NaNValueCounts, err = rec.longMap("nan_value_counts"); err != nil {
		return f, err
	}
	if f.LowerBounds, err = rec.bytesMap("lower_bounds"); err != nil {
		return f, err
	}
	if f.UpperBounds, err = rec.bytesMap("upper_bounds"); err != nil {
		return f, err
	}
	if f.KeyMetadata, err = rec.optBytes("key_metadata"); err != nil {
		return f, err
	}
	if f.SplitOffsets, err = rec.longList("split_offsets"); err != nil {
		return f, err
	}
	if f.EqualityIDs, err = rec.intList("equality_ids"); err != nil {
		return f, err
	}
	if f.SortOrderID, err = rec.optInt("sort_order_id"); err != nil {
		return f, err
	}

	part, err := rec.record("partition")
	if err != nil {
		return f, err
	}
	if len(partType.Fields) > 0 {
		f.Partition = make([]any, len(partType.Fields))
	}
	for i, field := range partType.Fields {
		name, ok := names[field.ID]
		if !ok {
			name = field.Name
		}
		if _, ok := part.fields[name]; !ok {
			return f, part.errorf(name, "missing partition field")
		}
		raw, present := part.value(name)
		if !present {
			continue
		}
		v, err := partitionValueFromAvro(field.Type, raw)
		if err != nil {
			return f, part.errorf(name, "%v", err)
		}
		f.Partition[i] = v
	}
	return f, nil
}

// partitionValueToAvro wraps a canonical partition value in its union
// branch.
func partitionValueToAvro(field NestedField, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	bad := func() (any, error) {
		return nil, Validationf("partition value %v (%T) does not match %s field %s", v, v, field.Type, field.Name)
	}
	switch t := field.Type.(type) {
	case DecimalType:
		d, ok := v.(Decimal)
		if !ok || d.Unscaled == nil {
			return bad()
		}
		return goavro.Union("bytes", twosComplement(d.Unscaled)), nil
	case FixedType:
		b, ok := v.([]byte)
		if !ok || len(b) != t.Length {
			return bad()
		}
		return goavro.Union(fixedName(field.ID), b), nil
	case PrimitiveType:
		if t.id == TypeUUID {
			u, ok := v.(uuid.UUID)
			if !ok {
				return bad()
			}
			return goavro.Union(fixedName(field.ID), append([]byte(nil), u[:]...)), nil
		}
		want, err := partitionAvroType(field)
		if err != nil {
			return nil, err
		}
		if avroPrimitiveName(v) != want {
			return bad()
		}
		return goavro.Union(want.(string), v), nil
	}
	return bad()
}

// partitionValueFromAvro converts a decoded Avro value to the canonical
// value of typ. Logical-type values produced by foreign writers are
// converted back to their physical form.
func partitionValueFromAvro(typ Type, v any) (any, error) {
	bad := func() (any, error) {
		return nil, fmt.Errorf("value %v (%T) is not a valid %s", v, v, typ)
	}
	switch t := typ.(type) {
	case DecimalType:
		switch d := v.(type) {
		case []byte:
			return Decimal{Unscaled: fromTwosComplement(d), Scale: t.Scale}, nil
		case *big.Rat:
			scaled := new(big.Rat).Mul(d, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(t.Scale)), nil)))
			if !scaled.IsInt() {
				return bad()
			}
			return Decimal{Unscaled: new(big.Int).Set(scaled.Num()), Scale: t.Scale}, nil
		}
		return bad()
	case FixedType:
		b, ok := v.([]byte)
		if !ok || len(b) != t.Length {
			return bad()
		}
		return bytes.Clone(b), nil
	case PrimitiveType:
		switch t.id {
		case TypeBoolean:
			if b, ok := v.(bool); ok {
				return b, nil
			}
		case TypeInt:
			if i, ok := v.(int32); ok {
				return i, nil
			}
		case TypeDate:
			switch d := v.(type) {
			case int32:
				return d, nil
			case time.Time:
				return int32(floorDiv(d.UTC().Unix(), 86400)), nil
			}
		case TypeLong:
			switch i := v.(type) {
			case int64:
				return i, nil
			case int32:
				return int64(i), nil
			}
		case TypeTime:
			switch d := v.(type) {
			case int64:
				return d, nil
			case time.Duration:
				return d.Microseconds(), nil
			}
		case TypeTimestamp, TypeTimestampTz:
			switch ts := v.(type) {
			case int64:
				return ts, nil
			case time.Time:
				return ts.UnixMicro(), nil
			}
		case TypeFloat:
			if f, ok := v.(float32); ok {
				return f, nil
			}
		case TypeDouble:
			switch f := v.(type) {
			case float64:
				return f, nil
			case float32:
				return float64(f), nil
			}
		case TypeString:
			if s, ok := v.(string); ok {
				return s, nil
			}
		case TypeUUID:
			switch u := v.(type) {
			case []byte:
				if id, err := uuid.FromBytes(u); err == nil {
					return id, nil
				}
			case string:
				if id, err := uuid.Parse(u); err == nil {
					return id, nil
				}
			}
		case TypeBinary:
			if b, ok := v.([]byte); ok {
				return bytes.Clone(b), nil
			}
		}
	}
	return bad()
}

// avroPrimitiveName returns the Avro union branch for a Go value.
func avroPrimitiveName(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case int32:
		return "int"
	case int64:
		return "long"
	case float32:
		return "float"
	case float64:
		return "double"
	case string:
		return "string"
	case []byte:
		return "bytes"
	}
	return ""
}

func writeOCF(codec *goavro.Codec, meta map[string][]byte, records []any) ([]byte, error) {
	buf := new(bytes.Buffer)
	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               buf,
		Codec:           codec,
		CompressionName: "deflate",
		MetaData:        meta,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OCF writer: %w", err)
	}
	if len(records) > 0 {
		if err := ocf.Append(records); err != nil {
			return nil, fmt.Errorf("failed to append records: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func optionalBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return goavro.Union("bytes", b)
}

func optionalLong(v *int64) any {
	if v == nil {
		return nil
	}
	return goavro.Union("long", *v)
}

func encodeIntMap[V int64 | []byte](m map[int]V) any {
	if len(m) == 0 {
		return nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	items := make([]any, len(keys))
	for i, k := range keys {
		items[i] = map[string]any{"key": int32(k), "value": m[k]}
	}
	return goavro.Union("array", items)
}

func encodeList[V any](vs []V, conv func(V) any) any {
	if vs == nil {
		return nil
	}
	items := make([]any, len(vs))
	for i, v := range vs {
		items[i] = conv(v)
	}
	return goavro.Union("array", items)
}

// avroRecord is a decoded Avro record with strict typed accessors. Every
// accessor reports a CodecError naming the offending field.
type avroRecord struct {
	doc    string
	path   string
	fields map[string]any
}

func toRecord(doc, path string, v any) (avroRecord, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return avroRecord{}, codecErrorf(doc, path, "expected a record, got %T", v)
	}
	return avroRecord{doc: doc, path: path, fields: m}, nil
}

func (r avroRecord) fieldPath(name string) string {
	if r.path == "" {
		return name
	}
	return r.path + "." + name
}

func (r avroRecord) errorf(name, format string, args ...any) *CodecError {
	return codecErrorf(r.doc, r.fieldPath(name), format, args...)
}

// value returns a non-record field with its union unwrapped. present is
// false when the field is absent or null.
func (r avroRecord) value(name string) (any, bool) {
	v, ok := r.fields[name]
	if !ok || v == nil {
		return nil, false
	}
	if u, ok := v.(map[string]any); ok && len(u) == 1 {
		for _, inner := range u {
			return inner, inner != nil
		}
	}
	return v, true
}

func (r avroRecord) firstPresent(names ...string) string {
	for _, n := range names {
		if _, ok := r.fields[n]; ok {
			return n
		}
	}
	return names[0]
}

func (r avroRecord) record(name string) (avroRecord, error) {
	v, ok := r.fields[name]
	if !ok || v == nil {
		return avroRecord{}, r.errorf(name, "missing required field")
	}
	return toRecord(r.doc, r.fieldPath(name), v)
}

func (r avroRecord) records(name string) ([]avroRecord, error) {
	v, ok := r.value(name)
	if !ok {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, r.errorf(name, "expected an array, got %T", v)
	}
	out := make([]avroRecord, len(items))
	for i, item := range items {
		rec, err := toRecord(r.doc, r.fieldPath(name), item)
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

func (r avroRecord) reqString(name string) (string, error) {
	v, ok := r.value(name)
	if !ok {
		return "", r.errorf(name, "missing required field")
	}
	s, ok := v.(string)
	if !ok {
		return "", r.errorf(name, "expected a string, got %T", v)
	}
	return s, nil
}

func (r avroRecord) reqBool(name string) (bool, error) {
	v, ok := r.value(name)
	if !ok {
		return false, r.errorf(name, "missing required field")
	}
	b, ok := v.(bool)
	if !ok {
		return false, r.errorf(name, "expected a boolean, got %T", v)
	}
	return b, nil
}

func (r avroRecord) optBool(name string) (*bool, error) {
	v, ok := r.value(name)
	if !ok {
		return nil, nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil, r.errorf(name, "expected a boolean, got %T", v)
	}
	return &b, nil
}

func (r avroRecord) asInt(name string, v any) (int, error) {
	i, ok := v.(int32)
	if !ok {
		return 0, r.errorf(name, "expected an int, got %T", v)
	}
	return int(i), nil
}

func (r avroRecord) asLong(name string, v any) (int64, error) {
	switch i := v.(type) {
	case int64:
		return i, nil
	case int32:
		return int64(i), nil
	}
	return 0, r.errorf(name, "expected a long, got %T", v)
}

func (r avroRecord) reqInt(name string) (int, error) {
	v, ok := r.value(name)
	if !ok {
		return 0, r.errorf(name, "missing required field")
	}
	return r.asInt(name, v)
}

func (r avroRecord) reqLong(name string) (int64, error) {
	v, ok := r.value(name)
	if !ok {
		return 0, r.errorf(name, "missing required field")
	}
	return r.asLong(name, v)
}

func (r avroRecord) intOr(name string, def int) (int, error) {
	v, ok := r.value(name)
	if !ok {
		return def, nil
	}
	return r.asInt(name, v)
}

func (r avroRecord) longOr(name string, def int64) (int64, error) {
	v, ok := r.value(name)
	if !ok {
		return def, nil
	}
	return r.asLong(name, v)
}

func (r avroRecord) optInt(name string) (*int, error) {
	v, ok := r.value(name)
	if !ok {
		return nil, nil
	}
	i, err := r.asInt(name, v)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (r avroRecord) optLong(name string) (*int64, error) {
	v, ok := r.value(name)
	if !ok {
		return nil, nil
	}
	i, err := r.asLong(name, v)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (r avroRecord) optBytes(name string) ([]byte, error) {
	v, ok := r.value(name)
	if !ok {
		return nil, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, r.errorf(name, "expected bytes, got %T", v)
	}
	return bytes.Clone(b), nil
}

// pairs decodes an int-keyed map. Arrays of key/value records are the
// standard layout; Avro maps with decimal string keys are also accepted.
func (r avroRecord) pairs(name string, fn func(key int, value any) error) error {
	v, ok := r.value(name)
	if !ok {
		return nil
	}
	switch m := v.(type) {
	case []any:
		for _, item := range m {
			kv, ok := item.(map[string]any)
			if !ok {
				return r.errorf(name, "expected a key/value record, got %T", item)
			}
			key, ok := kv["key"].(int32)
			if !ok {
				return r.errorf(name, "expected an int key, got %T", kv["key"])
			}
			if err := fn(int(key), kv["value"]); err != nil {
				return err
			}
		}
	case map[string]any:
		for k, val := range m {
			key, err := strconv.Atoi(k)
			if err != nil {
				return r.errorf(name, "invalid field id key %q", k)
			}
			if err := fn(key, val); err != nil {
				return err
			}
		}
	default:
		return r.errorf(name, "expected a map, got %T", v)
	}
	return nil
}

func (r avroRecord) longMap(name string) (map[int]int64, error) {
	var out map[int]int64
	err := r.pairs(name, func(key int, value any) error {
		n, err := r.asLong(name, value)
		if err != nil {
			return err
		}
		out = setStat(out, key, n)
		return nil
	})
	return out, err
}

func (r avroRecord) bytesMap(name string) (map[int][]byte, error) {
	var out map[int][]byte
	err := r.pairs(name, func(key int, value any) error {
		b, ok := value.([]byte)
		if !ok {
			return r.errorf(name, "expected bytes, got %T", value)
		}
		out = setStat(out, key, bytes.Clone(b))
		return nil
	})
	return out, err
}

func (r avroRecord) longList(name string) ([]int64, error) {
	v, ok := r.value(name)
	if !ok {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, r.errorf(name, "expected an array, got %T", v)
	}
	out := make([]int64, len(items))
	for i, item := range items {
		n, err := r.asLong(name, item)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (r avroRecord) intList(name string) ([]int, error) {
	v, ok := r.value(name)
	if !ok {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, r.errorf(name, "expected an array, got %T", v)
	}
	out := make([]int, len(items))
	for i, item := range items {
		n, err := r.asInt(name, item)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

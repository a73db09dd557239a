package spec

import "fmt"

// ManifestContent is the kind of files a manifest tracks.
type ManifestContent int

const (
	ManifestContentData    ManifestContent = 0
	ManifestContentDeletes ManifestContent = 1
)

func (c ManifestContent) String() string {
	switch c {
	case ManifestContentData:
		return "data"
	case ManifestContentDeletes:
		return "deletes"
	default:
		return fmt.Sprintf("content(%d)", int(c))
	}
}

// FileContent is the kind of a tracked file.
type FileContent int

const (
	FileContentData            FileContent = 0
	FileContentPositionDeletes FileContent = 1
	FileContentEqualityDeletes FileContent = 2
)

func (c FileContent) String() string {
	switch c {
	case FileContentData:
		return "data"
	case FileContentPositionDeletes:
		return "position-deletes"
	case FileContentEqualityDeletes:
		return "equality-deletes"
	default:
		return fmt.Sprintf("content(%d)", int(c))
	}
}

// FileFormat is the on-disk format of a data file.
type FileFormat string

const (
	FileFormatParquet FileFormat = "PARQUET"
	FileFormatAvro    FileFormat = "AVRO"
	FileFormatORC     FileFormat = "ORC"
)

// Splittable reports whether readers can start at a split offset.
func (f FileFormat) Splittable() bool {
	switch f {
	case FileFormatParquet, FileFormatAvro, FileFormatORC:
		return true
	}
	return false
}

// EntryStatus tells whether a manifest entry adds, keeps or removes a file.
type EntryStatus int

const (
	EntryStatusExisting EntryStatus = 0
	EntryStatusAdded    EntryStatus = 1
	EntryStatusDeleted  EntryStatus = 2
)

func (s EntryStatus) String() string {
	switch s {
	case EntryStatusExisting:
		return "existing"
	case EntryStatusAdded:
		return "added"
	case EntryStatusDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ManifestEntry tracks one file in a manifest.
type ManifestEntry struct {
	Status EntryStatus
	// SnapshotID is the snapshot that added or deleted the file. Nil means
	// it is inherited from the manifest.
	SnapshotID *int64
	// SequenceNumber is the data sequence number. Nil means inherited.
	SequenceNumber     *int64
	FileSequenceNumber *int64
	DataFile           DataFile
}

// IsLive reports whether the entry is part of its snapshot's table state.
func (e *ManifestEntry) IsLive() bool {
	return e.Status == EntryStatusAdded || e.Status == EntryStatusExisting
}

// Inherit fills null snapshot ids and sequence numbers from the manifest
// that holds the entry. Sequence numbers are only inherited by ADDED
// entries, as existing and deleted entries always carry their own.
func (e ManifestEntry) Inherit(mf *ManifestFile) ManifestEntry {
	if e.SnapshotID == nil {
		id := mf.AddedSnapshotID
		e.SnapshotID = &id
	}
	if e.Status == EntryStatusAdded {
		if e.SequenceNumber == nil {
			seq := mf.SequenceNumber
			e.SequenceNumber = &seq
		}
		if e.FileSequenceNumber == nil {
			seq := mf.SequenceNumber
			e.FileSequenceNumber = &seq
		}
	}
	e.DataFile.SpecID = mf.PartitionSpecID
	return e
}

// Snapshot returns the entry's snapshot id or 0 when unknown.
func (e *ManifestEntry) Snapshot() int64 {
	if e.SnapshotID == nil {
		return 0
	}
	return *e.SnapshotID
}

// DataSequenceNumber returns the entry's data sequence number or 0.
func (e *ManifestEntry) DataSequenceNumber() int64 {
	if e.SequenceNumber == nil {
		return 0
	}
	return *e.SequenceNumber
}

// DataFile describes a data or delete file and its column statistics.
// Statistic maps are keyed by field id; absent keys mean unknown.
type DataFile struct {
	Content         FileContent
	FilePath        string
	FileFormat      FileFormat
	Partition       []any
	RecordCount     int64
	FileSizeInBytes int64
	ColumnSizes     map[int]int64
	ValueCounts     map[int]int64
	NullValueCounts map[int]int64
	NaNValueCounts  map[int]int64
	LowerBounds     map[int][]byte
	UpperBounds     map[int][]byte
	KeyMetadata     []byte
	SplitOffsets    []int64
	EqualityIDs     []int
	SortOrderID     *int

	// SpecID is the partition spec the tuple belongs to. It is not part of
	// the manifest entry record; readers take it from the manifest.
	SpecID int
}

// Validate checks that the file is well formed for spec p.
func (f *DataFile) Validate(p *PartitionSpec) error {
	if f.FilePath == "" {
		return Validationf("data file has no path")
	}
	if f.FileFormat == "" {
		return Validationf("data file %s has no format", f.FilePath)
	}
	if f.RecordCount < 0 || f.FileSizeInBytes < 0 {
		return Validationf("data file %s has negative counts", f.FilePath)
	}
	if p != nil && len(f.Partition) != len(p.Fields) {
		return Validationf("data file %s has %d partition values, spec %d has %d fields",
			f.FilePath, len(f.Partition), p.SpecID, len(p.Fields))
	}
	if f.Content == FileContentEqualityDeletes && len(f.EqualityIDs) == 0 {
		return Validationf("equality delete file %s has no equality ids", f.FilePath)
	}
	for i := 1; i < len(f.SplitOffsets); i++ {
		if f.SplitOffsets[i] <= f.SplitOffsets[i-1] {
			return Validationf("data file %s has unsorted split offsets", f.FilePath)
		}
	}
	return nil
}

// PartitionFieldSummary bounds the values of one partition field across a
// manifest. Bounds use the single-value binary form.
type PartitionFieldSummary struct {
	ContainsNull bool
	ContainsNaN  *bool
	LowerBound   []byte
	UpperBound   []byte
}

// ManifestFile is an entry of a manifest list.
type ManifestFile struct {
	ManifestPath       string
	ManifestLength     int64
	PartitionSpecID    int
	Content            ManifestContent
	SequenceNumber     int64
	MinSequenceNumber  int64
	AddedSnapshotID    int64
	AddedFilesCount    int
	ExistingFilesCount int
	DeletedFilesCount  int
	AddedRowsCount     int64
	ExistingRowsCount  int64
	DeletedRowsCount   int64
	Partitions         []PartitionFieldSummary
	KeyMetadata        []byte
}

// HasAddedFiles reports whether the manifest adds files.
func (m *ManifestFile) HasAddedFiles() bool { return m.AddedFilesCount > 0 }

// HasExistingFiles reports whether the manifest carries existing files.
func (m *ManifestFile) HasExistingFiles() bool { return m.ExistingFilesCount > 0 }

// HasDeletedFiles reports whether the manifest records deletions.
func (m *ManifestFile) HasDeletedFiles() bool { return m.DeletedFilesCount > 0 }

// MayHaveLiveFiles is false only when the counts prove every entry is
// deleted.
func (m *ManifestFile) MayHaveLiveFiles() bool {
	if m.AddedFilesCount == 0 && m.ExistingFilesCount == 0 && m.DeletedFilesCount > 0 {
		return false
	}
	return true
}

// Manifest is a decoded manifest file: the files of one partition spec
// and content kind, with the schema they were written against.
type Manifest struct {
	FormatVersion FormatVersion
	Schema        *Schema
	Spec          *PartitionSpec
	Content       ManifestContent
	Entries       []ManifestEntry
}

// LiveEntries returns the ADDED and EXISTING entries.
func (m *Manifest) LiveEntries() []ManifestEntry {
	out := make([]ManifestEntry, 0, len(m.Entries))
	for _, e := range m.Entries {
		if e.IsLive() {
			out = append(out, e)
		}
	}
	return out
}

// DataFileBuilder assembles a DataFile.
type DataFileBuilder struct {
	file DataFile
}

// NewDataFileBuilder starts a data file of the default content kind.
func NewDataFileBuilder(path string, format FileFormat) *DataFileBuilder {
	return &DataFileBuilder{file: DataFile{Content: FileContentData, FilePath: path, FileFormat: format}}
}

func (b *DataFileBuilder) WithContent(content FileContent) *DataFileBuilder {
	b.file.Content = content
	return b
}

func (b *DataFileBuilder) WithPartition(specID int, values ...any) *DataFileBuilder {
	b.file.SpecID = specID
	b.file.Partition = values
	return b
}

func (b *DataFileBuilder) WithRecordCount(count int64) *DataFileBuilder {
	b.file.RecordCount = count
	return b
}

func (b *DataFileBuilder) WithFileSize(size int64) *DataFileBuilder {
	b.file.FileSizeInBytes = size
	return b
}

// WithColumnStats records statistics for one column. Negative counts and
// nil bounds are treated as unknown.
func (b *DataFileBuilder) WithColumnStats(fieldID int, values, nulls int64, lower, upper []byte) *DataFileBuilder {
	if values >= 0 {
		b.file.ValueCounts = setStat(b.file.ValueCounts, fieldID, values)
	}
	if nulls >= 0 {
		b.file.NullValueCounts = setStat(b.file.NullValueCounts, fieldID, nulls)
	}
	if lower != nil {
		b.file.LowerBounds = setStat(b.file.LowerBounds, fieldID, lower)
	}
	if upper != nil {
		b.file.UpperBounds = setStat(b.file.UpperBounds, fieldID, upper)
	}
	return b
}

func (b *DataFileBuilder) WithColumnSize(fieldID int, size int64) *DataFileBuilder {
	b.file.ColumnSizes = setStat(b.file.ColumnSizes, fieldID, size)
	return b
}

func (b *DataFileBuilder) WithNaNCount(fieldID int, nans int64) *DataFileBuilder {
	b.file.NaNValueCounts = setStat(b.file.NaNValueCounts, fieldID, nans)
	return b
}

func (b *DataFileBuilder) WithSplitOffsets(offsets ...int64) *DataFileBuilder {
	b.file.SplitOffsets = offsets
	return b
}

func (b *DataFileBuilder) WithEqualityIDs(ids ...int) *DataFileBuilder {
	b.file.EqualityIDs = ids
	return b
}

func (b *DataFileBuilder) WithSortOrderID(id int) *DataFileBuilder {
	b.file.SortOrderID = &id
	return b
}

func (b *DataFileBuilder) WithKeyMetadata(key []byte) *DataFileBuilder {
	b.file.KeyMetadata = key
	return b
}

// Build returns the file.
func (b *DataFileBuilder) Build() DataFile {
	return b.file
}

func setStat[V any](m map[int]V, id int, v V) map[int]V {
	if m == nil {
		m = make(map[int]V)
	}
	m[id] = v
	return m
}

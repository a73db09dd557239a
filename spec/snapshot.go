package spec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Operation names the kind of change that produced a snapshot.
type Operation string

const (
	OpAppend    Operation = "append"
	OpReplace   Operation = "replace"
	OpOverwrite Operation = "overwrite"
	OpDelete    Operation = "delete"
)

// Summary is the string map attached to a snapshot. Well-known counters
// are exposed as fields; everything else is kept in Extra.
type Summary struct {
	Operation             Operation
	AddedDataFiles        int64
	AddedRecords          int64
	AddedFileSize         int64
	DeletedDataFiles      int64
	DeletedRecords        int64
	RemovedFileSize       int64
	AddedDeleteFiles      int64
	AddedPositionDeletes  int64
	AddedEqualityDeletes  int64
	TotalRecords          int64
	TotalDataFiles        int64
	TotalDeleteFiles      int64
	TotalFileSize         int64
	TotalPositionDeletes  int64
	TotalEqualityDeletes  int64
	ChangedPartitionCount int64
	Extra                 map[string]string
}

var summaryCounters = []struct {
	key   string
	field func(*Summary) *int64
}{
	{"added-data-files", func(s *Summary) *int64 { return &s.AddedDataFiles }},
	{"added-records", func(s *Summary) *int64 { return &s.AddedRecords }},
	{"added-files-size", func(s *Summary) *int64 { return &s.AddedFileSize }},
	{"deleted-data-files", func(s *Summary) *int64 { return &s.DeletedDataFiles }},
	{"deleted-records", func(s *Summary) *int64 { return &s.DeletedRecords }},
	{"removed-files-size", func(s *Summary) *int64 { return &s.RemovedFileSize }},
	{"added-delete-files", func(s *Summary) *int64 { return &s.AddedDeleteFiles }},
	{"added-position-deletes", func(s *Summary) *int64 { return &s.AddedPositionDeletes }},
	{"added-equality-deletes", func(s *Summary) *int64 { return &s.AddedEqualityDeletes }},
	{"total-records", func(s *Summary) *int64 { return &s.TotalRecords }},
	{"total-data-files", func(s *Summary) *int64 { return &s.TotalDataFiles }},
	{"total-delete-files", func(s *Summary) *int64 { return &s.TotalDeleteFiles }},
	{"total-files-size", func(s *Summary) *int64 { return &s.TotalFileSize }},
	{"total-position-deletes", func(s *Summary) *int64 { return &s.TotalPositionDeletes }},
	{"total-equality-deletes", func(s *Summary) *int64 { return &s.TotalEqualityDeletes }},
	{"changed-partition-count", func(s *Summary) *int64 { return &s.ChangedPartitionCount }},
}

// MarshalJSON implements json.Marshaler. Zero counters are omitted except
// the totals, which readers use to size scans.
func (s *Summary) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(summaryCounters)+len(s.Extra)+1)
	for k, v := range s.Extra {
		m[k] = v
	}
	m["operation"] = string(s.Operation)
	for _, c := range summaryCounters {
		v := *c.field(s)
		if v != 0 || strings.HasPrefix(c.key, "total-") {
			m[c.key] = strconv.FormatInt(v, 10)
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler. A counter that is not a
// base-10 integer is an error.
func (s *Summary) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	op, ok := m["operation"]
	if !ok {
		return fmt.Errorf("snapshot summary has no operation")
	}
	*s = Summary{Operation: Operation(op)}
	delete(m, "operation")
	for _, c := range summaryCounters {
		raw, ok := m[c.key]
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid summary %s %q: %w", c.key, raw, err)
		}
		*c.field(s) = v
		delete(m, c.key)
	}
	if len(m) > 0 {
		s.Extra = m
	}
	return nil
}

// Snapshot is one committed version of the table.
type Snapshot struct {
	SnapshotID       int64    `json:"snapshot-id"`
	ParentSnapshotID *int64   `json:"parent-snapshot-id,omitempty"`
	SequenceNumber   int64    `json:"sequence-number"`
	TimestampMs      int64    `json:"timestamp-ms"`
	ManifestList     string   `json:"manifest-list,omitempty"`
	Manifests        []string `json:"manifests,omitempty"`
	Summary          *Summary `json:"summary,omitempty"`
	SchemaID         *int     `json:"schema-id,omitempty"`
}

// Timestamp returns the commit time.
func (s *Snapshot) Timestamp() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// HasParent reports whether the snapshot has a parent.
func (s *Snapshot) HasParent() bool {
	return s.ParentSnapshotID != nil
}

// Operation returns the summary operation, or "" when there is no summary.
func (s *Snapshot) Operation() Operation {
	if s.Summary == nil {
		return ""
	}
	return s.Summary.Operation
}

// MainBranch is the ref that tracks the current snapshot.
const MainBranch = "main"

// Ref types.
const (
	RefBranch = "branch"
	RefTag    = "tag"
)

// SnapshotRef is a named pointer to a snapshot.
type SnapshotRef struct {
	SnapshotID         int64  `json:"snapshot-id"`
	Type               string `json:"type"`
	MinSnapshotsToKeep *int   `json:"min-snapshots-to-keep,omitempty"`
	MaxSnapshotAgeMs   *int64 `json:"max-snapshot-age-ms,omitempty"`
	MaxRefAgeMs        *int64 `json:"max-ref-age-ms,omitempty"`
}

// SnapshotLogEntry records when a snapshot became current.
type SnapshotLogEntry struct {
	SnapshotID  int64 `json:"snapshot-id"`
	TimestampMs int64 `json:"timestamp-ms"`
}

// MetadataLogEntry records a previous metadata document.
type MetadataLogEntry struct {
	TimestampMs  int64  `json:"timestamp-ms"`
	MetadataFile string `json:"metadata-file"`
}

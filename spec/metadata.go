package spec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// FormatVersion is the table format version.
type FormatVersion int

const (
	FormatVersionV1 FormatVersion = 1
	FormatVersionV2 FormatVersion = 2
)

// Table properties read by this module.
const (
	PropertyFormatVersion               = "format-version"
	PropertyMetadataPreviousVersionsMax = "write.metadata.previous-versions-max"
	PropertyCommitNumRetries            = "commit.retry.num-retries"
	PropertyWriteFormatDefault          = "write.format.default"
	PropertySplitTargetSize             = "read.split.target-size"

	DefaultMetadataPreviousVersionsMax = 100
)

// TableMetadata is the root document describing a table version.
// Instances returned by ParseTableMetadata and MetadataBuilder.Build are
// treated as immutable; use a builder to derive a new version.
type TableMetadata struct {
	FormatVersion      FormatVersion          `json:"format-version"`
	TableUUID          string                 `json:"table-uuid,omitempty"`
	Location           string                 `json:"location"`
	LastSequenceNumber int64                  `json:"last-sequence-number"`
	LastUpdatedMs      int64                  `json:"last-updated-ms"`
	LastColumnID       int                    `json:"last-column-id"`
	Schemas            []*Schema              `json:"schemas"`
	CurrentSchemaID    int                    `json:"current-schema-id"`
	PartitionSpecs     []*PartitionSpec       `json:"partition-specs"`
	DefaultSpecID      int                    `json:"default-spec-id"`
	LastPartitionID    int                    `json:"last-partition-id"`
	Properties         map[string]string      `json:"properties,omitempty"`
	CurrentSnapshotID  *int64                 `json:"current-snapshot-id,omitempty"`
	Snapshots          []Snapshot             `json:"snapshots,omitempty"`
	SnapshotLog        []SnapshotLogEntry     `json:"snapshot-log,omitempty"`
	MetadataLog        []MetadataLogEntry     `json:"metadata-log,omitempty"`
	SortOrders         []*SortOrder           `json:"sort-orders"`
	DefaultSortOrderID int                    `json:"default-sort-order-id"`
	Refs               map[string]SnapshotRef `json:"refs,omitempty"`

	// Extra holds top-level fields this package does not model. They are
	// written back unchanged.
	Extra map[string]json.RawMessage `json:"-"`

	index *metadataIndex
}

type metadataIndex struct {
	schemas   map[int]*Schema
	specs     map[int]*PartitionSpec
	snapshots map[int64]*Snapshot
}

// metadataAlias drops the JSON methods of TableMetadata.
type metadataAlias TableMetadata

var knownMetadataFields = map[string]struct{}{
	"format-version": {}, "table-uuid": {}, "location": {}, "last-sequence-number": {},
	"last-updated-ms": {}, "last-column-id": {}, "schemas": {}, "current-schema-id": {},
	"partition-specs": {}, "default-spec-id": {}, "last-partition-id": {}, "properties": {},
	"current-snapshot-id": {}, "snapshots": {}, "snapshot-log": {}, "metadata-log": {},
	"sort-orders": {}, "default-sort-order-id": {}, "refs": {},
	"schema": {}, "partition-spec": {},
}

// UnmarshalJSON implements json.Unmarshaler. Version 1 fields are migrated
// to their version 2 equivalents.
func (m *TableMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = TableMetadata{}
	if err := json.Unmarshal(data, (*metadataAlias)(m)); err != nil {
		return err
	}
	if m.CurrentSnapshotID != nil && *m.CurrentSnapshotID == -1 {
		m.CurrentSnapshotID = nil
	}

	if v1, ok := raw["schema"]; ok && len(m.Schemas) == 0 {
		var s Schema
		if err := json.Unmarshal(v1, &s); err != nil {
			return fmt.Errorf("invalid schema: %w", err)
		}
		m.Schemas = []*Schema{&s}
		m.CurrentSchemaID = s.SchemaID
	}
	if v1, ok := raw["partition-spec"]; ok && len(m.PartitionSpecs) == 0 {
		var fields []PartitionField
		if err := json.Unmarshal(v1, &fields); err != nil {
			return fmt.Errorf("invalid partition-spec: %w", err)
		}
		m.PartitionSpecs = []*PartitionSpec{NewPartitionSpec(0, fields...)}
		m.DefaultSpecID = 0
	}
	if _, ok := raw["last-partition-id"]; !ok {
		m.LastPartitionID = PartitionFieldIDStart - 1
		for _, s := range m.PartitionSpecs {
			if id := s.LastFieldID(); id > m.LastPartitionID {
				m.LastPartitionID = id
			}
		}
	}
	if len(m.SortOrders) == 0 {
		m.SortOrders = []*SortOrder{UnsortedOrder()}
		m.DefaultSortOrderID = 0
	}
	if m.CurrentSnapshotID != nil {
		if _, ok := m.Refs[MainBranch]; !ok {
			if m.Refs == nil {
				m.Refs = make(map[string]SnapshotRef)
			}
			m.Refs[MainBranch] = SnapshotRef{SnapshotID: *m.CurrentSnapshotID, Type: RefBranch}
		}
	}

	for k, v := range raw {
		if _, known := knownMetadataFields[k]; known {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m *TableMetadata) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal((*metadataAlias)(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 && m.FormatVersion != FormatVersionV1 {
		return base, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(base, &obj); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, exists := obj[k]; !exists {
			obj[k] = v
		}
	}
	if m.FormatVersion == FormatVersionV1 {
		if s := m.CurrentSchema(); s != nil {
			if obj["schema"], err = json.Marshal(s); err != nil {
				return nil, err
			}
		}
		if p := m.DefaultPartitionSpec(); p != nil {
			if obj["partition-spec"], err = json.Marshal(p.Fields); err != nil {
				return nil, err
			}
		}
		if m.CurrentSnapshotID == nil {
			obj["current-snapshot-id"] = json.RawMessage("-1")
		}
	}
	return json.Marshal(obj)
}

// ParseTableMetadata decodes and validates a metadata document.
func ParseTableMetadata(data []byte) (*TableMetadata, error) {
	var meta TableMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, &CodecError{Document: "table metadata", Cause: err}
	}
	if err := meta.validate(); err != nil {
		return nil, &CodecError{Document: "table metadata", Cause: err}
	}
	meta.reindex()
	return &meta, nil
}

// ToJSON encodes the document.
func (m *TableMetadata) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func (m *TableMetadata) validate() error {
	if m.FormatVersion != FormatVersionV1 && m.FormatVersion != FormatVersionV2 {
		return fmt.Errorf("unsupported format version %d", m.FormatVersion)
	}
	if m.Location == "" {
		return fmt.Errorf("missing location")
	}
	if m.FormatVersion == FormatVersionV2 && m.TableUUID == "" {
		return fmt.Errorf("missing table-uuid")
	}
	if len(m.Schemas) == 0 {
		return fmt.Errorf("no schemas")
	}

	schemaIDs := make(map[int]struct{}, len(m.Schemas))
	for _, s := range m.Schemas {
		if s == nil {
			return fmt.Errorf("null schema")
		}
		if _, dup := schemaIDs[s.SchemaID]; dup {
			return fmt.Errorf("duplicate schema id %d", s.SchemaID)
		}
		schemaIDs[s.SchemaID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("schema %d: %w", s.SchemaID, err)
		}
		if h := s.HighestFieldID(); h > m.LastColumnID {
			return fmt.Errorf("schema %d uses field id %d above last-column-id %d", s.SchemaID, h, m.LastColumnID)
		}
	}
	if _, ok := schemaIDs[m.CurrentSchemaID]; !ok {
		return fmt.Errorf("current-schema-id %d does not exist", m.CurrentSchemaID)
	}

	if len(m.PartitionSpecs) == 0 {
		return fmt.Errorf("no partition specs")
	}
	var defaultSpec *PartitionSpec
	specIDs := make(map[int]struct{}, len(m.PartitionSpecs))
	for _, p := range m.PartitionSpecs {
		if p == nil {
			return fmt.Errorf("null partition spec")
		}
		if _, dup := specIDs[p.SpecID]; dup {
			return fmt.Errorf("duplicate partition spec id %d", p.SpecID)
		}
		specIDs[p.SpecID] = struct{}{}
		if p.SpecID == m.DefaultSpecID {
			defaultSpec = p
		}
		if p.LastFieldID() > m.LastPartitionID {
			return fmt.Errorf("partition spec %d uses field id above last-partition-id %d", p.SpecID, m.LastPartitionID)
		}
	}
	if defaultSpec == nil {
		return fmt.Errorf("default-spec-id %d does not exist", m.DefaultSpecID)
	}
	if err := ValidateSpec(defaultSpec, m.schemaLinear(m.CurrentSchemaID)); err != nil {
		return fmt.Errorf("default partition spec: %w", err)
	}

	foundOrder := false
	for _, o := range m.SortOrders {
		if o != nil && o.OrderID == m.DefaultSortOrderID {
			foundOrder = true
		}
	}
	if !foundOrder {
		return fmt.Errorf("default-sort-order-id %d does not exist", m.DefaultSortOrderID)
	}

	snapshotIDs := make(map[int64]struct{}, len(m.Snapshots))
	for i := range m.Snapshots {
		s := &m.Snapshots[i]
		if _, dup := snapshotIDs[s.SnapshotID]; dup {
			return fmt.Errorf("duplicate snapshot id %d", s.SnapshotID)
		}
		snapshotIDs[s.SnapshotID] = struct{}{}
		if s.ManifestList == "" && len(s.Manifests) == 0 && m.FormatVersion == FormatVersionV2 {
			return fmt.Errorf("snapshot %d has no manifest-list", s.SnapshotID)
		}
		if m.FormatVersion == FormatVersionV2 && s.SequenceNumber > m.LastSequenceNumber {
			return fmt.Errorf("snapshot %d sequence number %d above last-sequence-number %d",
				s.SnapshotID, s.SequenceNumber, m.LastSequenceNumber)
		}
	}
	if m.CurrentSnapshotID != nil {
		if _, ok := snapshotIDs[*m.CurrentSnapshotID]; !ok {
			return fmt.Errorf("current-snapshot-id %d does not exist", *m.CurrentSnapshotID)
		}
	}
	for name, ref := range m.Refs {
		if _, ok := snapshotIDs[ref.SnapshotID]; !ok {
			return fmt.Errorf("ref %s points at unknown snapshot %d", name, ref.SnapshotID)
		}
	}
	return nil
}

func (m *TableMetadata) reindex() {
	idx := &metadataIndex{
		schemas:   make(map[int]*Schema, len(m.Schemas)),
		specs:     make(map[int]*PartitionSpec, len(m.PartitionSpecs)),
		snapshots: make(map[int64]*Snapshot, len(m.Snapshots)),
	}
	for _, s := range m.Schemas {
		idx.schemas[s.SchemaID] = s
	}
	for _, p := range m.PartitionSpecs {
		idx.specs[p.SpecID] = p
	}
	for i := range m.Snapshots {
		idx.snapshots[m.Snapshots[i].SnapshotID] = &m.Snapshots[i]
	}
	m.index = idx
}

func (m *TableMetadata) schemaLinear(id int) *Schema {
	for _, s := range m.Schemas {
		if s.SchemaID == id {
			return s
		}
	}
	return nil
}

// SchemaByID returns the schema with the given id, or nil.
func (m *TableMetadata) SchemaByID(id int) *Schema {
	if m.index != nil {
		return m.index.schemas[id]
	}
	return m.schemaLinear(id)
}

// CurrentSchema returns the schema new writes use.
func (m *TableMetadata) CurrentSchema() *Schema {
	return m.SchemaByID(m.CurrentSchemaID)
}

// PartitionSpecByID returns the partition spec with the given id, or nil.
func (m *TableMetadata) PartitionSpecByID(id int) *PartitionSpec {
	if m.index != nil {
		return m.index.specs[id]
	}
	for _, p := range m.PartitionSpecs {
		if p.SpecID == id {
			return p
		}
	}
	return nil
}

// DefaultPartitionSpec returns the partition spec new writes use.
func (m *TableMetadata) DefaultPartitionSpec() *PartitionSpec {
	return m.PartitionSpecByID(m.DefaultSpecID)
}

// DefaultSortOrder returns the default sort order, or nil.
func (m *TableMetadata) DefaultSortOrder() *SortOrder {
	for _, o := range m.SortOrders {
		if o.OrderID == m.DefaultSortOrderID {
			return o
		}
	}
	return nil
}

// SnapshotByID returns the snapshot with the given id, or nil.
func (m *TableMetadata) SnapshotByID(id int64) *Snapshot {
	if m.index != nil {
		return m.index.snapshots[id]
	}
	for i := range m.Snapshots {
		if m.Snapshots[i].SnapshotID == id {
			return &m.Snapshots[i]
		}
	}
	return nil
}

// CurrentSnapshot returns the current snapshot, or nil for an empty table.
func (m *TableMetadata) CurrentSnapshot() *Snapshot {
	if m.CurrentSnapshotID == nil {
		return nil
	}
	return m.SnapshotByID(*m.CurrentSnapshotID)
}

// SnapshotSchema returns the schema a snapshot was written with, falling
// back to the current schema.
func (m *TableMetadata) SnapshotSchema(s *Snapshot) *Schema {
	if s != nil && s.SchemaID != nil {
		if schema := m.SchemaByID(*s.SchemaID); schema != nil {
			return schema
		}
	}
	return m.CurrentSchema()
}

// Property returns a table property or def.
func (m *TableMetadata) Property(key, def string) string {
	if v, ok := m.Properties[key]; ok {
		return v
	}
	return def
}

// IntProperty returns an integer table property or def when it is unset
// or malformed.
func (m *TableMetadata) IntProperty(key string, def int) int {
	v, ok := m.Properties[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// SnapshotSelector picks a snapshot. The zero value selects the current
// snapshot.
type SnapshotSelector struct {
	byID bool
	byTS bool
	id   int64
	tsMs int64
}

// CurrentSnapshotSelector selects the current snapshot.
func CurrentSnapshotSelector() SnapshotSelector { return SnapshotSelector{} }

// SnapshotWithID selects one snapshot by id.
func SnapshotWithID(id int64) SnapshotSelector { return SnapshotSelector{byID: true, id: id} }

// SnapshotAsOf selects the latest snapshot committed at or before tsMs.
func SnapshotAsOf(tsMs int64) SnapshotSelector { return SnapshotSelector{byTS: true, tsMs: tsMs} }

// SnapshotAsOfTime is SnapshotAsOf for a time.Time.
func SnapshotAsOfTime(t time.Time) SnapshotSelector { return SnapshotAsOf(t.UnixMilli()) }

// IsCurrent reports whether the selector selects the current snapshot.
func (s SnapshotSelector) IsCurrent() bool { return !s.byID && !s.byTS }

func (s SnapshotSelector) String() string {
	switch {
	case s.byID:
		return "id " + strconv.FormatInt(s.id, 10)
	case s.byTS:
		return "as of " + strconv.FormatInt(s.tsMs, 10)
	}
	return "current"
}

// SnapshotAt resolves a selector. It fails with NotFoundError when no
// snapshot matches, including when the table has no current snapshot.
func (m *TableMetadata) SnapshotAt(sel SnapshotSelector) (*Snapshot, error) {
	switch {
	case sel.byID:
		if s := m.SnapshotByID(sel.id); s != nil {
			return s, nil
		}
	case sel.byTS:
		var best *Snapshot
		for i := range m.Snapshots {
			s := &m.Snapshots[i]
			if s.TimestampMs > sel.tsMs {
				continue
			}
			if best == nil || s.TimestampMs > best.TimestampMs ||
				(s.TimestampMs == best.TimestampMs && s.SequenceNumber > best.SequenceNumber) {
				best = s
			}
		}
		if best != nil {
			return best, nil
		}
	default:
		if s := m.CurrentSnapshot(); s != nil {
			return s, nil
		}
	}
	return nil, &NotFoundError{Kind: "snapshot", Key: sel.String()}
}

// Ancestors returns the snapshot with the given id followed by its
// parents, newest first. The walk stops at the root or at the first parent
// missing from the document.
func (m *TableMetadata) Ancestors(id int64) []*Snapshot {
	var out []*Snapshot
	seen := make(map[int64]struct{})
	for s := m.SnapshotByID(id); s != nil; {
		if _, loop := seen[s.SnapshotID]; loop {
			break
		}
		seen[s.SnapshotID] = struct{}{}
		out = append(out, s)
		if s.ParentSnapshotID == nil {
			break
		}
		s = m.SnapshotByID(*s.ParentSnapshotID)
	}
	return out
}

// IsAncestor reports whether ancestorID is id or one of its ancestors.
func (m *TableMetadata) IsAncestor(ancestorID, id int64) bool {
	for _, s := range m.Ancestors(id) {
		if s.SnapshotID == ancestorID {
			return true
		}
	}
	return false
}

// NewTableMetadata creates the first version of a table. The format
// version can be chosen with the "format-version" property; it defaults
// to 2 and the property itself is not stored.
func NewTableMetadata(location string, schema *Schema, partSpec *PartitionSpec, order *SortOrder, properties map[string]string) (*TableMetadata, error) {
	if partSpec == nil {
		partSpec = UnpartitionedSpec()
	}
	if order == nil {
		order = UnsortedOrder()
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSpec(partSpec, schema); err != nil {
		return nil, err
	}
	if err := order.Validate(schema); err != nil {
		return nil, err
	}

	props := make(map[string]string, len(properties))
	version := FormatVersionV2
	for k, v := range properties {
		if k == PropertyFormatVersion {
			n, err := strconv.Atoi(v)
			if err != nil || (n != 1 && n != 2) {
				return nil, Validationf("unsupported format-version %q", v)
			}
			version = FormatVersion(n)
			continue
		}
		props[k] = v
	}

	meta := &TableMetadata{
		FormatVersion:      version,
		TableUUID:          uuid.NewString(),
		Location:           location,
		LastUpdatedMs:      time.Now().UnixMilli(),
		LastColumnID:       schema.HighestFieldID(),
		Schemas:            []*Schema{schema},
		CurrentSchemaID:    schema.SchemaID,
		PartitionSpecs:     []*PartitionSpec{partSpec},
		DefaultSpecID:      partSpec.SpecID,
		LastPartitionID:    partSpec.LastFieldID(),
		Properties:         props,
		SortOrders:         []*SortOrder{order},
		DefaultSortOrderID: order.OrderID,
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	meta.reindex()
	return meta, nil
}

// MetadataBuilder derives a new metadata version from a base. Errors are
// collected and returned by Build.
type MetadataBuilder struct {
	meta            *TableMetadata
	err             error
	lastAddedSchema int
	lastAddedSpec   int
	lastAddedOrder  int
}

// NewMetadataBuilder copies base so the base stays untouched.
func NewMetadataBuilder(base *TableMetadata) *MetadataBuilder {
	c := *base
	c.index = nil
	c.Schemas = append([]*Schema(nil), base.Schemas...)
	c.PartitionSpecs = append([]*PartitionSpec(nil), base.PartitionSpecs...)
	c.SortOrders = append([]*SortOrder(nil), base.SortOrders...)
	c.Snapshots = append([]Snapshot(nil), base.Snapshots...)
	c.SnapshotLog = append([]SnapshotLogEntry(nil), base.SnapshotLog...)
	c.MetadataLog = append([]MetadataLogEntry(nil), base.MetadataLog...)
	c.Properties = copyMap(base.Properties)
	c.Refs = copyMap(base.Refs)
	c.Extra = copyMap(base.Extra)
	return &MetadataBuilder{meta: &c, lastAddedSchema: -1, lastAddedSpec: -1, lastAddedOrder: -1}
}

func copyMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (b *MetadataBuilder) fail(err error) *MetadataBuilder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// AddSchema registers a schema. An identical existing schema is reused;
// otherwise the schema gets the next free id. lastColumnID advances the
// column id counter and may not move it backwards.
func (b *MetadataBuilder) AddSchema(schema *Schema, lastColumnID int) *MetadataBuilder {
	if lastColumnID < b.meta.LastColumnID {
		return b.fail(&SchemaError{Message: fmt.Sprintf("last column id cannot move from %d to %d", b.meta.LastColumnID, lastColumnID)})
	}
	if h := schema.HighestFieldID(); h > lastColumnID {
		return b.fail(&SchemaError{Message: fmt.Sprintf("schema uses id %d above last column id %d", h, lastColumnID)})
	}
	if err := schema.Validate(); err != nil {
		return b.fail(err)
	}
	b.meta.LastColumnID = lastColumnID
	maxID := -1
	for _, s := range b.meta.Schemas {
		if s.SameColumns(schema) {
			b.lastAddedSchema = s.SchemaID
			return b
		}
		if s.SchemaID > maxID {
			maxID = s.SchemaID
		}
	}
	added := *schema
	added.SchemaID = maxID + 1
	b.meta.Schemas = append(b.meta.Schemas, &added)
	b.lastAddedSchema = added.SchemaID
	return b
}

// SetCurrentSchema makes a schema current; -1 selects the last added one.
func (b *MetadataBuilder) SetCurrentSchema(id int) *MetadataBuilder {
	if id == -1 {
		id = b.lastAddedSchema
	}
	if b.meta.schemaLinear(id) == nil {
		return b.fail(&NotFoundError{Kind: "schema", Key: strconv.Itoa(id)})
	}
	b.meta.CurrentSchemaID = id
	return b
}

// AddPartitionSpec registers a spec, validated against the current schema.
// Field ids must lie above the table's last partition id unless an existing
// spec already uses them for the same source and transform.
func (b *MetadataBuilder) AddPartitionSpec(p *PartitionSpec) *MetadataBuilder {
	schema := b.meta.schemaLinear(b.meta.CurrentSchemaID)
	if schema == nil {
		return b.fail(&NotFoundError{Kind: "schema", Key: strconv.Itoa(b.meta.CurrentSchemaID)})
	}
	if err := ValidateSpec(p, schema); err != nil {
		return b.fail(err)
	}
	known := make(map[int]PartitionField)
	for _, existing := range b.meta.PartitionSpecs {
		for _, f := range existing.Fields {
			known[f.FieldID] = f
		}
	}
	for _, f := range p.Fields {
		if prev, ok := known[f.FieldID]; ok {
			if prev.SourceID != f.SourceID || prev.Transform != f.Transform {
				return b.fail(&SchemaError{FieldID: f.FieldID, Field: f.Name, Message: "partition field id reused for a different field"})
			}
		} else if f.FieldID <= b.meta.LastPartitionID {
			return b.fail(&SchemaError{FieldID: f.FieldID, Field: f.Name, Message: "partition field id is not above last-partition-id"})
		}
	}

	maxID := -1
	for _, existing := range b.meta.PartitionSpecs {
		if existing.SameFields(p) {
			b.lastAddedSpec = existing.SpecID
			return b
		}
		if existing.SpecID > maxID {
			maxID = existing.SpecID
		}
	}
	added := NewPartitionSpec(maxID+1, append([]PartitionField(nil), p.Fields...)...)
	b.meta.PartitionSpecs = append(b.meta.PartitionSpecs, added)
	if last := added.LastFieldID(); last > b.meta.LastPartitionID {
		b.meta.LastPartitionID = last
	}
	b.lastAddedSpec = added.SpecID
	return b
}

// SetDefaultSpec makes a spec the default; -1 selects the last added one.
func (b *MetadataBuilder) SetDefaultSpec(id int) *MetadataBuilder {
	if id == -1 {
		id = b.lastAddedSpec
	}
	for _, p := range b.meta.PartitionSpecs {
		if p.SpecID == id {
			b.meta.DefaultSpecID = id
			return b
		}
	}
	return b.fail(&NotFoundError{Kind: "partition spec", Key: strconv.Itoa(id)})
}

// AddSortOrder registers a sort order validated against the current schema.
func (b *MetadataBuilder) AddSortOrder(o *SortOrder) *MetadataBuilder {
	if err := o.Validate(b.meta.schemaLinear(b.meta.CurrentSchemaID)); err != nil {
		return b.fail(err)
	}
	maxID := 0
	for _, existing := range b.meta.SortOrders {
		if existing.OrderID > maxID {
			maxID = existing.OrderID
		}
	}
	added := &SortOrder{OrderID: maxID + 1, Fields: append([]SortField(nil), o.Fields...)}
	if len(o.Fields) == 0 {
		added.OrderID = 0
		b.lastAddedOrder = 0
		return b
	}
	b.meta.SortOrders = append(b.meta.SortOrders, added)
	b.lastAddedOrder = added.OrderID
	return b
}

// SetDefaultSortOrder makes an order the default; -1 selects the last added one.
func (b *MetadataBuilder) SetDefaultSortOrder(id int) *MetadataBuilder {
	if id == -1 {
		id = b.lastAddedOrder
	}
	for _, o := range b.meta.SortOrders {
		if o.OrderID == id {
			b.meta.DefaultSortOrderID = id
			return b
		}
	}
	return b.fail(&NotFoundError{Kind: "sort order", Key: strconv.Itoa(id)})
}

// AddSnapshot appends a snapshot. Its sequence number must exceed the
// table's last sequence number and its parent, when set, must exist.
func (b *MetadataBuilder) AddSnapshot(s Snapshot) *MetadataBuilder {
	if b.meta.SnapshotByID(s.SnapshotID) != nil {
		return b.fail(Validationf("snapshot %d already exists", s.SnapshotID))
	}
	if s.ParentSnapshotID != nil && b.meta.SnapshotByID(*s.ParentSnapshotID) == nil {
		return b.fail(&NotFoundError{Kind: "snapshot", Key: strconv.FormatInt(*s.ParentSnapshotID, 10)})
	}
	if b.meta.FormatVersion >= FormatVersionV2 && s.SequenceNumber <= b.meta.LastSequenceNumber {
		return b.fail(Validationf("sequence number %d is not above last sequence number %d",
			s.SequenceNumber, b.meta.LastSequenceNumber))
	}
	b.meta.Snapshots = append(b.meta.Snapshots, s)
	if s.SequenceNumber > b.meta.LastSequenceNumber {
		b.meta.LastSequenceNumber = s.SequenceNumber
	}
	return b
}

// SetCurrentSnapshot points the main branch at a snapshot and records
// the change in the snapshot log.
func (b *MetadataBuilder) SetCurrentSnapshot(id int64) *MetadataBuilder {
	s := b.meta.SnapshotByID(id)
	if s == nil {
		return b.fail(&NotFoundError{Kind: "snapshot", Key: strconv.FormatInt(id, 10)})
	}
	changed := b.meta.CurrentSnapshotID == nil || *b.meta.CurrentSnapshotID != id
	b.meta.CurrentSnapshotID = &id
	if b.meta.Refs == nil {
		b.meta.Refs = make(map[string]SnapshotRef)
	}
	b.meta.Refs[MainBranch] = SnapshotRef{SnapshotID: id, Type: RefBranch}
	if changed {
		b.meta.SnapshotLog = append(b.meta.SnapshotLog, SnapshotLogEntry{SnapshotID: id, TimestampMs: s.TimestampMs})
	}
	return b
}

// SetRef sets a named branch or tag.
func (b *MetadataBuilder) SetRef(name string, ref SnapshotRef) *MetadataBuilder {
	if name == MainBranch {
		return b.SetCurrentSnapshot(ref.SnapshotID)
	}
	if b.meta.SnapshotByID(ref.SnapshotID) == nil {
		return b.fail(&NotFoundError{Kind: "snapshot", Key: strconv.FormatInt(ref.SnapshotID, 10)})
	}
	if b.meta.Refs == nil {
		b.meta.Refs = make(map[string]SnapshotRef)
	}
	b.meta.Refs[name] = ref
	return b
}

// SetProperties sets table properties.
func (b *MetadataBuilder) SetProperties(props map[string]string) *MetadataBuilder {
	if len(props) == 0 {
		return b
	}
	if b.meta.Properties == nil {
		b.meta.Properties = make(map[string]string, len(props))
	}
	for k, v := range props {
		b.meta.Properties[k] = v
	}
	return b
}

// RemoveProperties removes table properties.
func (b *MetadataBuilder) RemoveProperties(keys ...string) *MetadataBuilder {
	for _, k := range keys {
		delete(b.meta.Properties, k)
	}
	return b
}

// SetLocation changes the table location.
func (b *MetadataBuilder) SetLocation(location string) *MetadataBuilder {
	b.meta.Location = location
	return b
}

// UpgradeFormatVersion raises the format version. Downgrades fail.
func (b *MetadataBuilder) UpgradeFormatVersion(v FormatVersion) *MetadataBuilder {
	if v < b.meta.FormatVersion {
		return b.fail(Validationf("cannot downgrade format version from %d to %d", b.meta.FormatVersion, v))
	}
	if v > FormatVersionV2 {
		return b.fail(Validationf("unsupported format version %d", v))
	}
	b.meta.FormatVersion = v
	return b
}

// SetLastUpdatedMs sets the modification time.
func (b *MetadataBuilder) SetLastUpdatedMs(ts int64) *MetadataBuilder {
	b.meta.LastUpdatedMs = ts
	return b
}

// AppendMetadataLog records the previous metadata document. The log is
// trimmed to write.metadata.previous-versions-max entries on Build,
// dropping the oldest first.
func (b *MetadataBuilder) AppendMetadataLog(location string, tsMs int64) *MetadataBuilder {
	if location == "" {
		return b
	}
	b.meta.MetadataLog = append(b.meta.MetadataLog, MetadataLogEntry{TimestampMs: tsMs, MetadataFile: location})
	return b
}

// Build validates and returns the new version.
func (b *MetadataBuilder) Build() (*TableMetadata, error) {
	if b.err != nil {
		return nil, b.err
	}
	limit := b.meta.IntProperty(PropertyMetadataPreviousVersionsMax, DefaultMetadataPreviousVersionsMax)
	if limit < 1 {
		limit = 1
	}
	if n := len(b.meta.MetadataLog); n > limit {
		b.meta.MetadataLog = append([]MetadataLogEntry(nil), b.meta.MetadataLog[n-limit:]...)
	}
	if err := b.meta.validate(); err != nil {
		if errors.Is(err, ErrSchema) {
			return nil, fmt.Errorf("invalid table metadata: %w", err)
		}
		return nil, Validationf("invalid table metadata: %v", err)
	}
	out := b.meta
	out.reindex()
	b.meta = nil
	return out, nil
}

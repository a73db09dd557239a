package spec

import (
	"fmt"
	"net/url"
	"strings"
)

// PartitionFieldIDStart is the first id assigned to partition fields.
const PartitionFieldIDStart = 1000

// PartitionField derives one partition value from a source column.
type PartitionField struct {
	SourceID  int       `json:"source-id"`
	FieldID   int       `json:"field-id"`
	Name      string    `json:"name"`
	Transform Transform `json:"transform"`
}

// PartitionSpec describes how rows map to partition tuples.
type PartitionSpec struct {
	SpecID int              `json:"spec-id"`
	Fields []PartitionField `json:"fields"`
}

// NewPartitionSpec creates a partition spec.
func NewPartitionSpec(specID int, fields ...PartitionField) *PartitionSpec {
	if fields == nil {
		fields = []PartitionField{}
	}
	return &PartitionSpec{SpecID: specID, Fields: fields}
}

// UnpartitionedSpec returns spec 0 with no fields.
func UnpartitionedSpec() *PartitionSpec {
	return NewPartitionSpec(0)
}

// IsUnpartitioned reports whether every row lands in the same partition.
func (p *PartitionSpec) IsUnpartitioned() bool {
	for _, f := range p.Fields {
		if f.Transform != TransformVoid {
			return false
		}
	}
	return true
}

// LastFieldID returns the highest partition field id, or
// PartitionFieldIDStart-1 for an empty spec.
func (p *PartitionSpec) LastFieldID() int {
	last := PartitionFieldIDStart - 1
	for _, f := range p.Fields {
		if f.FieldID > last {
			last = f.FieldID
		}
	}
	return last
}

// FieldsBySource returns the partition fields derived from a source column.
func (p *PartitionSpec) FieldsBySource(sourceID int) []PartitionField {
	var out []PartitionField
	for _, f := range p.Fields {
		if f.SourceID == sourceID {
			out = append(out, f)
		}
	}
	return out
}

// SameFields reports whether two specs partition identically, ignoring
// their spec ids.
func (p *PartitionSpec) SameFields(other *PartitionSpec) bool {
	if len(p.Fields) != len(other.Fields) {
		return false
	}
	for i := range p.Fields {
		if p.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

// ValidateSpec checks that every source column exists in schema, that each
// transform applies to its source type, and that partition field ids and
// names are unique.
func ValidateSpec(p *PartitionSpec, schema *Schema) error {
	ids := make(map[int]struct{}, len(p.Fields))
	names := make(map[string]struct{}, len(p.Fields))
	for _, f := range p.Fields {
		if f.Name == "" {
			return &SchemaError{FieldID: f.FieldID, Message: "partition field has no name"}
		}
		if _, dup := names[f.Name]; dup {
			return schemaErrorf(f.Name, "duplicate partition field name")
		}
		if _, dup := ids[f.FieldID]; dup {
			return &SchemaError{FieldID: f.FieldID, Field: f.Name, Message: "duplicate partition field id"}
		}
		names[f.Name] = struct{}{}
		ids[f.FieldID] = struct{}{}

		if err := f.Transform.Validate(); err != nil {
			return err
		}
		src := schema.Field(f.SourceID)
		if src == nil {
			return &SchemaError{FieldID: f.SourceID, Field: f.Name, Message: "partition source column does not exist"}
		}
		if !f.Transform.CanTransform(src.Type) {
			return schemaErrorf(f.Name, "transform %s cannot apply to %s column %q", f.Transform, src.Type, src.Name)
		}
	}
	return nil
}

// PartitionType returns the struct of partition values, using partition
// field ids as field ids. Every partition value is optional.
func (p *PartitionSpec) PartitionType(schema *Schema) (StructType, error) {
	fields := make([]NestedField, len(p.Fields))
	for i, f := range p.Fields {
		src := schema.Field(f.SourceID)
		if src == nil {
			return StructType{}, &SchemaError{FieldID: f.SourceID, Field: f.Name, Message: "partition source column does not exist"}
		}
		rt, err := f.Transform.ResultType(src.Type)
		if err != nil {
			return StructType{}, err
		}
		fields[i] = NestedField{ID: f.FieldID, Name: f.Name, Type: rt}
	}
	return StructType{Fields: fields}, nil
}

// PartitionValue computes the partition tuple of a record, given as
// values keyed by source field id. It is a pure function of its inputs.
func (p *PartitionSpec) PartitionValue(schema *Schema, record map[int]any) ([]any, error) {
	tuple := make([]any, len(p.Fields))
	for i, f := range p.Fields {
		src := schema.Field(f.SourceID)
		if src == nil {
			return nil, &SchemaError{FieldID: f.SourceID, Field: f.Name, Message: "partition source column does not exist"}
		}
		v, err := NormalizeValue(src.Type, record[f.SourceID])
		if err != nil {
			return nil, fmt.Errorf("failed to derive partition field %s: %w", f.Name, err)
		}
		out, err := f.Transform.Apply(src.Type, v)
		if err != nil {
			return nil, fmt.Errorf("failed to derive partition field %s: %w", f.Name, err)
		}
		tuple[i] = out
	}
	return tuple, nil
}

// PartitionPath renders a tuple as a "name=value/..." directory path.
func (p *PartitionSpec) PartitionPath(schema *Schema, tuple []any) (string, error) {
	if len(tuple) != len(p.Fields) {
		return "", Validationf("partition tuple has %d values, spec %d has %d fields", len(tuple), p.SpecID, len(p.Fields))
	}
	pt, err := p.PartitionType(schema)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		value := f.Transform.HumanString(pt.Fields[i].Type, tuple[i])
		parts[i] = url.QueryEscape(f.Name) + "=" + url.QueryEscape(value)
	}
	return strings.Join(parts, "/"), nil
}

// PartitionSpecBuilder assembles a spec with sequential field ids.
type PartitionSpecBuilder struct {
	specID int
	fields []PartitionField
	nextID int
}

// NewPartitionSpecBuilder starts a spec whose first field id is
// PartitionFieldIDStart.
func NewPartitionSpecBuilder(specID int) *PartitionSpecBuilder {
	return &PartitionSpecBuilder{specID: specID, nextID: PartitionFieldIDStart}
}

// StartAt continues numbering after an existing last partition id.
func (b *PartitionSpecBuilder) StartAt(lastPartitionID int) *PartitionSpecBuilder {
	b.nextID = lastPartitionID + 1
	return b
}

// Add appends a field with the next partition field id.
func (b *PartitionSpecBuilder) Add(sourceID int, name string, t Transform) *PartitionSpecBuilder {
	b.fields = append(b.fields, PartitionField{SourceID: sourceID, FieldID: b.nextID, Name: name, Transform: t})
	b.nextID++
	return b
}

func (b *PartitionSpecBuilder) Identity(sourceID int, name string) *PartitionSpecBuilder {
	return b.Add(sourceID, name, TransformIdentity)
}

func (b *PartitionSpecBuilder) Bucket(sourceID int, name string, n int) *PartitionSpecBuilder {
	return b.Add(sourceID, name, BucketTransform(n))
}

func (b *PartitionSpecBuilder) Truncate(sourceID int, name string, width int) *PartitionSpecBuilder {
	return b.Add(sourceID, name, TruncateTransform(width))
}

func (b *PartitionSpecBuilder) Year(sourceID int, name string) *PartitionSpecBuilder {
	return b.Add(sourceID, name, TransformYear)
}

func (b *PartitionSpecBuilder) Month(sourceID int, name string) *PartitionSpecBuilder {
	return b.Add(sourceID, name, TransformMonth)
}

func (b *PartitionSpecBuilder) Day(sourceID int, name string) *PartitionSpecBuilder {
	return b.Add(sourceID, name, TransformDay)
}

func (b *PartitionSpecBuilder) Hour(sourceID int, name string) *PartitionSpecBuilder {
	return b.Add(sourceID, name, TransformHour)
}

// Build returns the partition spec.
func (b *PartitionSpecBuilder) Build() *PartitionSpec {
	return NewPartitionSpec(b.specID, b.fields...)
}

// SortDirection orders a sort field.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// NullOrder places nulls in a sort field.
type NullOrder string

const (
	NullsFirst NullOrder = "nulls-first"
	NullsLast  NullOrder = "nulls-last"
)

// SortField is one key of a sort order.
type SortField struct {
	Transform Transform     `json:"transform"`
	SourceID  int           `json:"source-id"`
	Direction SortDirection `json:"direction"`
	NullOrder NullOrder     `json:"null-order"`
}

// SortOrder is an advisory ordering of rows within data files.
type SortOrder struct {
	OrderID int         `json:"order-id"`
	Fields  []SortField `json:"fields"`
}

// UnsortedOrder returns order 0 with no fields.
func UnsortedOrder() *SortOrder {
	return &SortOrder{OrderID: 0, Fields: []SortField{}}
}

// Validate checks the order against schema.
func (o *SortOrder) Validate(schema *Schema) error {
	if o.OrderID == 0 && len(o.Fields) > 0 {
		return &SchemaError{Message: "sort order 0 is reserved for the unsorted order"}
	}
	for _, f := range o.Fields {
		src := schema.Field(f.SourceID)
		if src == nil {
			return &SchemaError{FieldID: f.SourceID, Message: "sort column does not exist"}
		}
		if !f.Transform.CanTransform(src.Type) {
			return schemaErrorf(src.Name, "sort transform %s cannot apply to %s", f.Transform, src.Type)
		}
		if f.Direction != SortAsc && f.Direction != SortDesc {
			return schemaErrorf(src.Name, "invalid sort direction %q", f.Direction)
		}
		if f.NullOrder != NullsFirst && f.NullOrder != NullsLast {
			return schemaErrorf(src.Name, "invalid null order %q", f.NullOrder)
		}
	}
	return nil
}

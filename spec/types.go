// Package spec holds the table format model: types and schemas, partition
// specs and transforms, the table metadata document, and the manifest
// codec.
package spec

import (
	"fmt"
	"strconv"
	"strings"
)

// TypeID identifies the kind of a Type.
type TypeID int

const (
	TypeBoolean TypeID = iota
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeDate
	TypeTime
	TypeTimestamp
	TypeTimestampTz
	TypeString
	TypeUUID
	TypeBinary
	TypeFixed
	TypeDecimal
	TypeStruct
	TypeList
	TypeMap
)

// Type is a column type.
type Type interface {
	TypeID() TypeID
	String() string
	Equals(other Type) bool
}

// PrimitiveType is a type without parameters or children.
type PrimitiveType struct {
	id TypeID
}

func (t PrimitiveType) TypeID() TypeID { return t.id }

func (t PrimitiveType) Equals(other Type) bool {
	o, ok := other.(PrimitiveType)
	return ok && t.id == o.id
}

var primitiveNames = map[TypeID]string{
	TypeBoolean:     "boolean",
	TypeInt:         "int",
	TypeLong:        "long",
	TypeFloat:       "float",
	TypeDouble:      "double",
	TypeDate:        "date",
	TypeTime:        "time",
	TypeTimestamp:   "timestamp",
	TypeTimestampTz: "timestamptz",
	TypeString:      "string",
	TypeUUID:        "uuid",
	TypeBinary:      "binary",
}

func (t PrimitiveType) String() string {
	if name, ok := primitiveNames[t.id]; ok {
		return name
	}
	return "unknown"
}

var (
	BooleanType     = PrimitiveType{TypeBoolean}
	IntType         = PrimitiveType{TypeInt}
	LongType        = PrimitiveType{TypeLong}
	FloatType       = PrimitiveType{TypeFloat}
	DoubleType      = PrimitiveType{TypeDouble}
	DateType        = PrimitiveType{TypeDate}
	TimeType        = PrimitiveType{TypeTime}
	TimestampType   = PrimitiveType{TypeTimestamp}
	TimestampTzType = PrimitiveType{TypeTimestampTz}
	StringType      = PrimitiveType{TypeString}
	UUIDType        = PrimitiveType{TypeUUID}
	BinaryType      = PrimitiveType{TypeBinary}
)

// FixedType is a fixed-length byte array.
type FixedType struct {
	Length int
}

func (t FixedType) TypeID() TypeID { return TypeFixed }
func (t FixedType) String() string { return fmt.Sprintf("fixed[%d]", t.Length) }
func (t FixedType) Equals(other Type) bool {
	o, ok := other.(FixedType)
	return ok && t.Length == o.Length
}

// DecimalType is a fixed-point decimal.
type DecimalType struct {
	Precision int
	Scale     int
}

func (t DecimalType) TypeID() TypeID { return TypeDecimal }
func (t DecimalType) String() string { return fmt.Sprintf("decimal(%d, %d)", t.Precision, t.Scale) }
func (t DecimalType) Equals(other Type) bool {
	o, ok := other.(DecimalType)
	return ok && t.Precision == o.Precision && t.Scale == o.Scale
}

// NestedField is a field of a struct. Fields are identified by ID; the
// name can change through schema evolution.
type NestedField struct {
	ID       int
	Name     string
	Required bool
	Type     Type
	Doc      string
}

func (f NestedField) equals(o NestedField) bool {
	return f.ID == o.ID && f.Name == o.Name && f.Required == o.Required && f.Type.Equals(o.Type)
}

// StructType is an ordered list of named fields.
type StructType struct {
	Fields []NestedField
}

func (t StructType) TypeID() TypeID { return TypeStruct }

func (t StructType) String() string {
	fields := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		opt := "optional"
		if f.Required {
			opt = "required"
		}
		fields = append(fields, fmt.Sprintf("%d: %s: %s %s", f.ID, f.Name, opt, f.Type))
	}
	return "struct<" + strings.Join(fields, ", ") + ">"
}

func (t StructType) Equals(other Type) bool {
	o, ok := other.(StructType)
	if !ok || len(t.Fields) != len(o.Fields) {
		return false
	}
	for i := range t.Fields {
		if !t.Fields[i].equals(o.Fields[i]) {
			return false
		}
	}
	return true
}

// Field returns the direct child with the given ID, or nil.
func (t StructType) Field(id int) *NestedField {
	for i := range t.Fields {
		if t.Fields[i].ID == id {
			return &t.Fields[i]
		}
	}
	return nil
}

// FieldByName returns the direct child with the given name, or nil.
func (t StructType) FieldByName(name string) *NestedField {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// ListType is a list of elements of one type.
type ListType struct {
	ElementID       int
	Element         Type
	ElementRequired bool
}

func (t ListType) TypeID() TypeID { return TypeList }
func (t ListType) String() string { return "list<" + t.Element.String() + ">" }
func (t ListType) Equals(other Type) bool {
	o, ok := other.(ListType)
	return ok && t.ElementID == o.ElementID &&
		t.ElementRequired == o.ElementRequired &&
		t.Element.Equals(o.Element)
}

// MapType maps keys of one type to values of another.
type MapType struct {
	KeyID         int
	Key           Type
	ValueID       int
	Value         Type
	ValueRequired bool
}

func (t MapType) TypeID() TypeID { return TypeMap }
func (t MapType) String() string { return "map<" + t.Key.String() + ", " + t.Value.String() + ">" }
func (t MapType) Equals(other Type) bool {
	o, ok := other.(MapType)
	return ok && t.KeyID == o.KeyID &&
		t.ValueID == o.ValueID &&
		t.ValueRequired == o.ValueRequired &&
		t.Key.Equals(o.Key) &&
		t.Value.Equals(o.Value)
}

// IsPrimitive reports whether t has no child fields.
func IsPrimitive(t Type) bool {
	switch t.(type) {
	case StructType, ListType, MapType:
		return false
	}
	return t != nil
}

// ParseType parses the string form of a primitive type, e.g. "long",
// "fixed[16]" or "decimal(9, 2)".
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	for id, name := range primitiveNames {
		if name == s {
			return PrimitiveType{id}, nil
		}
	}

	if inner, ok := cutEnclosed(s, "fixed[", "]"); ok {
		length, err := strconv.Atoi(inner)
		if err != nil || length <= 0 {
			return nil, fmt.Errorf("invalid fixed type: %s", s)
		}
		return FixedType{Length: length}, nil
	}

	if inner, ok := cutEnclosed(s, "decimal(", ")"); ok {
		p, sc, found := strings.Cut(inner, ",")
		if !found {
			return nil, fmt.Errorf("invalid decimal type: %s", s)
		}
		precision, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid decimal precision: %s", s)
		}
		scale, err := strconv.Atoi(strings.TrimSpace(sc))
		if err != nil {
			return nil, fmt.Errorf("invalid decimal scale: %s", s)
		}
		if precision <= 0 || precision > 38 || scale < 0 || scale > precision {
			return nil, fmt.Errorf("invalid decimal type: %s", s)
		}
		return DecimalType{Precision: precision, Scale: scale}, nil
	}

	return nil, fmt.Errorf("unknown type: %s", s)
}

func cutEnclosed(s, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) {
		return "", false
	}
	return s[len(prefix) : len(s)-len(suffix)], true
}

package spec

import (
	"testing"
)

func TestTypeIdentity(t *testing.T) {
	tests := []struct {
		typ  Type
		id   TypeID
		want string
	}{
		{BooleanType, TypeBoolean, "boolean"},
		{IntType, TypeInt, "int"},
		{LongType, TypeLong, "long"},
		{FloatType, TypeFloat, "float"},
		{DoubleType, TypeDouble, "double"},
		{StringType, TypeString, "string"},
		{BinaryType, TypeBinary, "binary"},
		{DateType, TypeDate, "date"},
		{TimeType, TypeTime, "time"},
		{TimestampType, TypeTimestamp, "timestamp"},
		{TimestampTzType, TypeTimestampTz, "timestamptz"},
		{UUIDType, TypeUUID, "uuid"},
		{FixedType{Length: 16}, TypeFixed, "fixed[16]"},
		{DecimalType{Precision: 10, Scale: 2}, TypeDecimal, "decimal(10, 2)"},
		{ListType{ElementID: 3, Element: StringType}, TypeList, "list<string>"},
		{MapType{KeyID: 4, Key: StringType, ValueID: 5, Value: LongType}, TypeMap, "map<string, long>"},
		{StructType{Fields: []NestedField{{ID: 1, Name: "id", Type: LongType, Required: true}}}, TypeStruct, "struct<1: id: required long>"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if tt.typ.TypeID() != tt.id {
				t.Errorf("TypeID() = %v, want %v", tt.typ.TypeID(), tt.id)
			}
			if tt.typ.String() != tt.want {
				t.Errorf("String() = %s, want %s", tt.typ, tt.want)
			}
			if !tt.typ.Equals(tt.typ) {
				t.Errorf("%s does not equal itself", tt.typ)
			}
		})
	}
}

func TestTypeEquality(t *testing.T) {
	list := ListType{ElementID: 1, Element: StringType, ElementRequired: true}
	m := MapType{KeyID: 1, Key: StringType, ValueID: 2, Value: LongType}
	st := StructType{Fields: []NestedField{
		{ID: 1, Name: "id", Type: LongType, Required: true},
		{ID: 2, Name: "name", Type: StringType},
	}}

	tests := []struct {
		name string
		a, b Type
		want bool
	}{
		{"different primitives", BooleanType, IntType, false},
		{"decimal scale", DecimalType{Precision: 10, Scale: 2}, DecimalType{Precision: 10, Scale: 3}, false},
		{"fixed length", FixedType{Length: 4}, FixedType{Length: 8}, false},
		{"list element id", list, ListType{ElementID: 2, Element: StringType, ElementRequired: true}, false},
		{"list optional element", list, ListType{ElementID: 1, Element: StringType}, false},
		{"map value type", m, MapType{KeyID: 1, Key: StringType, ValueID: 2, Value: IntType}, false},
		{"struct copy", st, StructType{Fields: append([]NestedField(nil), st.Fields...)}, true},
		{"struct renamed field", st, StructType{Fields: []NestedField{st.Fields[0], {ID: 2, Name: "title", Type: StringType}}}, false},
		{"struct fewer fields", st, StructType{Fields: st.Fields[:1]}, false},
		{"list against struct", list, st, false},
	}
	for _, tt := range tests {
		if got := tt.a.Equals(tt.b); got != tt.want {
			t.Errorf("%s: Equals() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStructTypeLookup(t *testing.T) {
	st := StructType{Fields: []NestedField{
		{ID: 1, Name: "id", Type: LongType, Required: true},
		{ID: 2, Name: "name", Type: StringType, Doc: "display name"},
	}}

	if f := st.Field(2); f == nil || f.Name != "name" || f.Doc != "display name" {
		t.Errorf("Field(2) = %+v", f)
	}
	if f := st.FieldByName("id"); f == nil || f.ID != 1 {
		t.Errorf("FieldByName(id) = %+v", f)
	}
	if st.Field(9) != nil || st.FieldByName("missing") != nil {
		t.Error("lookups of absent fields should return nil")
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want Type
	}{
		{"long", LongType},
		{"timestamptz", TimestampTzType},
		{" uuid ", UUIDType},
		{"fixed[16]", FixedType{Length: 16}},
		{"decimal(9, 2)", DecimalType{Precision: 9, Scale: 2}},
		{"decimal(38,0)", DecimalType{Precision: 38, Scale: 0}},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if err != nil {
			t.Fatalf("ParseType(%q) error: %v", tt.in, err)
		}
		if !got.Equals(tt.want) {
			t.Errorf("ParseType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"varchar", "fixed[0]", "fixed[x]", "decimal(39, 2)", "decimal(4, 5)", "decimal(4)"} {
		if _, err := ParseType(bad); err == nil {
			t.Errorf("ParseType(%q) should fail", bad)
		}
	}
}

func TestTypeStringRoundTrip(t *testing.T) {
	for _, typ := range []Type{BooleanType, DateType, BinaryType, FixedType{Length: 3}, DecimalType{Precision: 10, Scale: 4}} {
		got, err := ParseType(typ.String())
		if err != nil {
			t.Fatalf("ParseType(%q) error: %v", typ.String(), err)
		}
		if !got.Equals(typ) {
			t.Errorf("round trip of %v produced %v", typ, got)
		}
	}
}

func TestIsPrimitive(t *testing.T) {
	if !IsPrimitive(StringType) || !IsPrimitive(DecimalType{Precision: 5, Scale: 1}) {
		t.Error("primitive types should report IsPrimitive")
	}
	if IsPrimitive(StructType{}) || IsPrimitive(ListType{Element: IntType}) || IsPrimitive(nil) {
		t.Error("nested or nil types should not report IsPrimitive")
	}
}

package spec

import (
	"encoding/json"
	"fmt"
)

// Avro schemas for manifest lists and manifests. Field ids are fixed by
// the table format and must never change; readers in other engines project
// by id, not by name.

type avroField struct {
	Name    string `json:"name"`
	Type    any    `json:"type"`
	Doc     string `json:"doc,omitempty"`
	Default any    `json:"default,omitempty"`
	FieldID int    `json:"field-id"`
}

// avroFieldSpec is one row of the field table. Optional fields are written
// as ["null", T] with a null default.
type avroFieldSpec struct {
	name     string
	id       int
	typ      func(v FormatVersion) any
	optional func(v FormatVersion) bool
	versions []FormatVersion
}

func fixedType(t any) func(FormatVersion) any { return func(FormatVersion) any { return t } }
func always(b bool) func(FormatVersion) bool   { return func(FormatVersion) bool { return b } }
func optionalIn(v1 bool) func(FormatVersion) bool {
	return func(v FormatVersion) bool { return v == FormatVersionV1 && v1 }
}

var (
	bothVersions = []FormatVersion{FormatVersionV1, FormatVersionV2}
	v2Only       = []FormatVersion{FormatVersionV2}
	v1Only       = []FormatVersion{FormatVersionV1}
)

func avroArray(elementID int, items any) map[string]any {
	return map[string]any{"type": "array", "element-id": elementID, "items": items}
}

// avroIntMap encodes map<int, V> as an array of key/value records, the
// layout the format requires for non-string keys.
func avroIntMap(keyID, valueID int, valueType string) map[string]any {
	return map[string]any{
		"type":        "array",
		"logicalType": "map",
		"items": map[string]any{
			"type": "record",
			"name": fmt.Sprintf("k%d_v%d", keyID, valueID),
			"fields": []avroField{
				{Name: "key", Type: "int", FieldID: keyID},
				{Name: "value", Type: valueType, FieldID: valueID},
			},
		},
	}
}

var fieldSummaryType = map[string]any{
	"type": "record",
	"name": "r508",
	"fields": []avroField{
		{Name: "contains_null", Type: "boolean", FieldID: 509},
		{Name: "contains_nan", Type: []any{"null", "boolean"}, FieldID: 518},
		{Name: "lower_bound", Type: []any{"null", "bytes"}, FieldID: 510},
		{Name: "upper_bound", Type: []any{"null", "bytes"}, FieldID: 511},
	},
}

var manifestFileFields = []avroFieldSpec{
	{"manifest_path", 500, fixedType("string"), always(false), bothVersions},
	{"manifest_length", 501, fixedType("long"), always(false), bothVersions},
	{"partition_spec_id", 502, fixedType("int"), always(false), bothVersions},
	{"content", 517, fixedType("int"), always(false), v2Only},
	{"sequence_number", 515, fixedType("long"), always(false), v2Only},
	{"min_sequence_number", 516, fixedType("long"), always(false), v2Only},
	{"added_snapshot_id", 503, fixedType("long"), always(false), bothVersions},
	{"added_files_count", 504, fixedType("int"), optionalIn(true), bothVersions},
	{"existing_files_count", 505, fixedType("int"), optionalIn(true), bothVersions},
	{"deleted_files_count", 506, fixedType("int"), optionalIn(true), bothVersions},
	{"added_rows_count", 512, fixedType("long"), optionalIn(true), bothVersions},
	{"existing_rows_count", 513, fixedType("long"), optionalIn(true), bothVersions},
	{"deleted_rows_count", 514, fixedType("long"), optionalIn(true), bothVersions},
	{"partitions", 507, fixedType(avroArray(508, fieldSummaryType)), always(true), bothVersions},
	{"key_metadata", 519, fixedType("bytes"), always(true), bothVersions},
}

func dataFileFields(partition map[string]any) []avroFieldSpec {
	return []avroFieldSpec{
		{"content", 134, fixedType("int"), always(false), v2Only},
		{"file_path", 100, fixedType("string"), always(false), bothVersions},
		{"file_format", 101, fixedType("string"), always(false), bothVersions},
		{"partition", 102, fixedType(partition), always(false), bothVersions},
		{"record_count", 103, fixedType("long"), always(false), bothVersions},
		{"file_size_in_bytes", 104, fixedType("long"), always(false), bothVersions},
		{"block_size_in_bytes", 105, fixedType("long"), always(false), v1Only},
		{"column_sizes", 108, fixedType(avroIntMap(117, 118, "long")), always(true), bothVersions},
		{"value_counts", 109, fixedType(avroIntMap(119, 120, "long")), always(true), bothVersions},
		{"null_value_counts", 110, fixedType(avroIntMap(121, 122, "long")), always(true), bothVersions},
		{"nan_value_counts", 137, fixedType(avroIntMap(138, 139, "long")), always(true), bothVersions},
		{"lower_bounds", 125, fixedType(avroIntMap(126, 127, "bytes")), always(true), bothVersions},
		{"upper_bounds", 128, fixedType(avroIntMap(129, 130, "bytes")), always(true), bothVersions},
		{"key_metadata", 131, fixedType("bytes"), always(true), bothVersions},
		{"split_offsets", 132, fixedType(avroArray(133, "long")), always(true), bothVersions},
		{"equality_ids", 135, fixedType(avroArray(136, "int")), always(true), v2Only},
		{"sort_order_id", 140, fixedType("int"), always(true), bothVersions},
	}
}

func manifestEntryFields(dataFile map[string]any) []avroFieldSpec {
	return []avroFieldSpec{
		{"status", 0, fixedType("int"), always(false), bothVersions},
		{"snapshot_id", 1, fixedType("long"), func(v FormatVersion) bool { return v >= FormatVersionV2 }, bothVersions},
		{"sequence_number", 3, fixedType("long"), always(true), v2Only},
		{"file_sequence_number", 4, fixedType("long"), always(true), v2Only},
		{"data_file", 2, fixedType(dataFile), always(false), bothVersions},
	}
}

func buildFields(specs []avroFieldSpec, v FormatVersion) []avroField {
	out := make([]avroField, 0, len(specs))
	for _, s := range specs {
		if !containsVersion(s.versions, v) {
			continue
		}
		f := avroField{Name: s.name, Type: s.typ(v), FieldID: s.id}
		if s.optional(v) {
			f.Type = []any{"null", f.Type}
			f.Default = json.RawMessage("null")
		}
		out = append(out, f)
	}
	return out
}

func containsVersion(vs []FormatVersion, v FormatVersion) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

func manifestListSchema(v FormatVersion) (string, error) {
	return marshalAvroSchema(map[string]any{
		"type":   "record",
		"name":   "manifest_file",
		"fields": buildFields(manifestFileFields, v),
	})
}

func manifestEntrySchema(v FormatVersion, partition StructType) (string, error) {
	partFields := make([]avroField, len(partition.Fields))
	for i, f := range partition.Fields {
		at, err := partitionAvroType(f)
		if err != nil {
			return "", err
		}
		partFields[i] = avroField{Name: f.Name, Type: []any{"null", at}, Default: json.RawMessage("null"), FieldID: f.ID}
	}
	partRecord := map[string]any{"type": "record", "name": "r102", "fields": partFields}
	dataFile := map[string]any{"type": "record", "name": "r2", "fields": buildFields(dataFileFields(partRecord), v)}
	return marshalAvroSchema(map[string]any{
		"type":   "record",
		"name":   "manifest_entry",
		"fields": buildFields(manifestEntryFields(dataFile), v),
	})
}

// partitionAvroType maps a partition value type to its Avro type. Dates,
// times and timestamps are written as plain int/long.
func partitionAvroType(f NestedField) (any, error) {
	switch t := f.Type.(type) {
	case FixedType:
		return map[string]any{"type": "fixed", "name": fixedName(f.ID), "size": t.Length}, nil
	case DecimalType:
		return "bytes", nil
	case PrimitiveType:
		switch t.id {
		case TypeBoolean:
			return "boolean", nil
		case TypeInt, TypeDate:
			return "int", nil
		case TypeLong, TypeTime, TypeTimestamp, TypeTimestampTz:
			return "long", nil
		case TypeFloat:
			return "float", nil
		case TypeDouble:
			return "double", nil
		case TypeString:
			return "string", nil
		case TypeUUID:
			return map[string]any{"type": "fixed", "name": fixedName(f.ID), "size": 16}, nil
		case TypeBinary:
			return "bytes", nil
		}
	}
	return nil, &SchemaError{FieldID: f.ID, Field: f.Name, Message: fmt.Sprintf("type %s cannot be a partition value", f.Type)}
}

func fixedName(fieldID int) string { return fmt.Sprintf("fixed_%d", fieldID) }

func marshalAvroSchema(schema map[string]any) (string, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("failed to marshal avro schema: %w", err)
	}
	return string(data), nil
}

// partitionFieldNames maps field ids to names in the partition record of a
// manifest's writer schema.
func partitionFieldNames(writerSchema []byte) (map[int]string, error) {
	var entry struct {
		Fields []struct {
			Name string          `json:"name"`
			Type json.RawMessage `json:"type"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(writerSchema, &entry); err != nil {
		return nil, err
	}
	type recordType struct {
		Fields []struct {
			Name    string          `json:"name"`
			FieldID *int            `json:"field-id"`
			Type    json.RawMessage `json:"type"`
		} `json:"fields"`
	}
	for _, f := range entry.Fields {
		if f.Name != "data_file" {
			continue
		}
		var df recordType
		if err := json.Unmarshal(f.Type, &df); err != nil {
			return nil, fmt.Errorf("data_file is not a record: %w", err)
		}
		for _, dff := range df.Fields {
			if dff.Name != "partition" {
				continue
			}
			var part recordType
			if err := json.Unmarshal(dff.Type, &part); err != nil {
				return nil, fmt.Errorf("partition is not a record: %w", err)
			}
			names := make(map[int]string, len(part.Fields))
			for _, pf := range part.Fields {
				if pf.FieldID != nil {
					names[*pf.FieldID] = pf.Name
				}
			}
			return names, nil
		}
	}
	return nil, fmt.Errorf("writer schema has no data_file.partition record")
}

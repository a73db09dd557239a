package spec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Schema is the set of columns of a table at one point in its history.
// A schema is immutable once a snapshot or the metadata document refers to
// it; evolution always produces a new schema with a new SchemaID.
type Schema struct {
	SchemaID           int
	IdentifierFieldIDs []int
	Fields             []NestedField
}

// NewSchema creates a schema with the given top-level fields.
func NewSchema(schemaID int, fields ...NestedField) *Schema {
	return &Schema{SchemaID: schemaID, Fields: fields}
}

// AsStruct returns the schema as a struct type.
func (s *Schema) AsStruct() StructType {
	return StructType{Fields: s.Fields}
}

// Field returns the field with the given ID at any depth, or nil.
func (s *Schema) Field(id int) *NestedField {
	var found *NestedField
	walkFields(s.Fields, func(f *NestedField) bool {
		if f.ID == id {
			found = f
			return false
		}
		return true
	})
	return found
}

// FieldByName resolves a dotted column name ("a.b") through nested
// structs. Names match exactly.
func (s *Schema) FieldByName(name string) *NestedField {
	return s.findByName(name, true)
}

// FieldByNameCaseInsensitive is FieldByName with case folding.
func (s *Schema) FieldByNameCaseInsensitive(name string) *NestedField {
	return s.findByName(name, false)
}

func (s *Schema) findByName(name string, caseSensitive bool) *NestedField {
	fields := s.Fields
	parts := strings.Split(name, ".")
	for i, part := range parts {
		var match *NestedField
		for j := range fields {
			if fields[j].Name == part || (!caseSensitive && strings.EqualFold(fields[j].Name, part)) {
				match = &fields[j]
				break
			}
		}
		if match == nil {
			return nil
		}
		if i == len(parts)-1 {
			return match
		}
		st, ok := match.Type.(StructType)
		if !ok {
			return nil
		}
		fields = st.Fields
	}
	return nil
}

// ColumnName returns the dotted name of the field with the given ID.
func (s *Schema) ColumnName(id int) (string, bool) {
	var path []string
	var search func(fields []NestedField) bool
	search = func(fields []NestedField) bool {
		for _, f := range fields {
			path = append(path, f.Name)
			if f.ID == id {
				return true
			}
			if st, ok := f.Type.(StructType); ok && search(st.Fields) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}
	if !search(s.Fields) {
		return "", false
	}
	return strings.Join(path, "."), true
}

// walkFields visits every struct field, list element and map key/value
// that carries an id. Non-struct children are visited as synthetic fields.
// Returning false from fn stops the walk.
func walkFields(fields []NestedField, fn func(*NestedField) bool) bool {
	for i := range fields {
		if !fn(&fields[i]) {
			return false
		}
		if !walkType(fields[i].Type, fn) {
			return false
		}
	}
	return true
}

func walkType(t Type, fn func(*NestedField) bool) bool {
	switch v := t.(type) {
	case StructType:
		return walkFields(v.Fields, fn)
	case ListType:
		elem := NestedField{ID: v.ElementID, Name: "element", Required: v.ElementRequired, Type: v.Element}
		return fn(&elem) && walkType(v.Element, fn)
	case MapType:
		key := NestedField{ID: v.KeyID, Name: "key", Required: true, Type: v.Key}
		value := NestedField{ID: v.ValueID, Name: "value", Required: v.ValueRequired, Type: v.Value}
		return fn(&key) && walkType(v.Key, fn) && fn(&value) && walkType(v.Value, fn)
	}
	return true
}

// HighestFieldID returns the highest id used anywhere in the schema.
func (s *Schema) HighestFieldID() int {
	highest := 0
	walkFields(s.Fields, func(f *NestedField) bool {
		if f.ID > highest {
			highest = f.ID
		}
		return true
	})
	return highest
}

// Equals reports whether two schemas have the same id, identifier fields
// and columns.
func (s *Schema) Equals(other *Schema) bool {
	return s.SchemaID == other.SchemaID && s.SameColumns(other)
}

// SameColumns compares columns and identifier fields, ignoring the schema id.
func (s *Schema) SameColumns(other *Schema) bool {
	if len(s.IdentifierFieldIDs) != len(other.IdentifierFieldIDs) {
		return false
	}
	for i := range s.IdentifierFieldIDs {
		if s.IdentifierFieldIDs[i] != other.IdentifierFieldIDs[i] {
			return false
		}
	}
	return s.AsStruct().Equals(other.AsStruct())
}

// Validate checks that ids are unique and positive, sibling names are
// unique, and identifier fields are required primitive columns.
func (s *Schema) Validate() error {
	seen := make(map[int]string)
	var err error
	walkFields(s.Fields, func(f *NestedField) bool {
		if f.ID <= 0 {
			err = &SchemaError{Field: f.Name, FieldID: f.ID, Message: "field id must be positive"}
			return false
		}
		if prev, dup := seen[f.ID]; dup {
			err = &SchemaError{FieldID: f.ID, Message: fmt.Sprintf("id assigned to both %q and %q", prev, f.Name)}
			return false
		}
		if f.Type == nil {
			err = &SchemaError{Field: f.Name, FieldID: f.ID, Message: "missing type"}
			return false
		}
		seen[f.ID] = f.Name
		return true
	})
	if err != nil {
		return err
	}
	if err := checkSiblingNames(s.Fields); err != nil {
		return err
	}
	for _, id := range s.IdentifierFieldIDs {
		f := s.Field(id)
		if f == nil {
			return &SchemaError{FieldID: id, Message: "identifier field does not exist"}
		}
		if !f.Required || !IsPrimitive(f.Type) {
			return &SchemaError{FieldID: id, Field: f.Name, Message: "identifier field must be a required primitive"}
		}
	}
	return nil
}

func checkSiblingNames(fields []NestedField) error {
	names := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, dup := names[f.Name]; dup {
			return schemaErrorf(f.Name, "duplicate column name")
		}
		names[f.Name] = struct{}{}
		if st, ok := f.Type.(StructType); ok {
			if err := checkSiblingNames(st.Fields); err != nil {
				return err
			}
		}
	}
	return nil
}

type schemaJSON struct {
	Type               string      `json:"type"`
	SchemaID           int         `json:"schema-id"`
	IdentifierFieldIDs []int       `json:"identifier-field-ids,omitempty"`
	Fields             []fieldJSON `json:"fields"`
}

type fieldJSON struct {
	ID       int             `json:"id"`
	Name     string          `json:"name"`
	Required bool            `json:"required"`
	Type     json.RawMessage `json:"type"`
	Doc      string          `json:"doc,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s *Schema) MarshalJSON() ([]byte, error) {
	fields, err := marshalFields(s.Fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(schemaJSON{
		Type:               "struct",
		SchemaID:           s.SchemaID,
		IdentifierFieldIDs: s.IdentifierFieldIDs,
		Fields:             fields,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var sj schemaJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return err
	}
	fields, err := unmarshalFields(sj.Fields)
	if err != nil {
		return err
	}
	s.SchemaID = sj.SchemaID
	s.IdentifierFieldIDs = sj.IdentifierFieldIDs
	s.Fields = fields
	return nil
}

func marshalFields(fields []NestedField) ([]fieldJSON, error) {
	out := make([]fieldJSON, len(fields))
	for i, f := range fields {
		raw, err := marshalType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal field %s: %w", f.Name, err)
		}
		out[i] = fieldJSON{ID: f.ID, Name: f.Name, Required: f.Required, Type: raw, Doc: f.Doc}
	}
	return out, nil
}

func unmarshalFields(in []fieldJSON) ([]NestedField, error) {
	out := make([]NestedField, len(in))
	for i, f := range in {
		t, err := unmarshalType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal field %s type: %w", f.Name, err)
		}
		out[i] = NestedField{ID: f.ID, Name: f.Name, Required: f.Required, Type: t, Doc: f.Doc}
	}
	return out, nil
}

func marshalType(t Type) (json.RawMessage, error) {
	switch v := t.(type) {
	case PrimitiveType, FixedType, DecimalType:
		return json.Marshal(v.String())
	case StructType:
		fields, err := marshalFields(v.Fields)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type   string      `json:"type"`
			Fields []fieldJSON `json:"fields"`
		}{"struct", fields})
	case ListType:
		elem, err := marshalType(v.Element)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type            string          `json:"type"`
			ElementID       int             `json:"element-id"`
			Element         json.RawMessage `json:"element"`
			ElementRequired bool            `json:"element-required"`
		}{"list", v.ElementID, elem, v.ElementRequired})
	case MapType:
		key, err := marshalType(v.Key)
		if err != nil {
			return nil, err
		}
		value, err := marshalType(v.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type          string          `json:"type"`
			KeyID         int             `json:"key-id"`
			Key           json.RawMessage `json:"key"`
			ValueID       int             `json:"value-id"`
			Value         json.RawMessage `json:"value"`
			ValueRequired bool            `json:"value-required"`
		}{"map", v.KeyID, key, v.ValueID, value, v.ValueRequired})
	default:
		return nil, fmt.Errorf("unknown type: %T", t)
	}
}

func unmarshalType(data json.RawMessage) (Type, error) {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return ParseType(name)
	}

	var obj struct {
		Type            string          `json:"type"`
		Fields          []fieldJSON     `json:"fields"`
		ElementID       *int            `json:"element-id"`
		Element         json.RawMessage `json:"element"`
		ElementRequired bool            `json:"element-required"`
		KeyID           *int            `json:"key-id"`
		Key             json.RawMessage `json:"key"`
		ValueID         *int            `json:"value-id"`
		Value           json.RawMessage `json:"value"`
		ValueRequired   bool            `json:"value-required"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("invalid type JSON: %s", string(data))
	}

	switch obj.Type {
	case "struct":
		fields, err := unmarshalFields(obj.Fields)
		if err != nil {
			return nil, err
		}
		return StructType{Fields: fields}, nil
	case "list":
		if obj.ElementID == nil || obj.Element == nil {
			return nil, fmt.Errorf("list type requires element-id and element")
		}
		elem, err := unmarshalType(obj.Element)
		if err != nil {
			return nil, fmt.Errorf("invalid list element type: %w", err)
		}
		return ListType{ElementID: *obj.ElementID, Element: elem, ElementRequired: obj.ElementRequired}, nil
	case "map":
		if obj.KeyID == nil || obj.ValueID == nil || obj.Key == nil || obj.Value == nil {
			return nil, fmt.Errorf("map type requires key-id, key, value-id and value")
		}
		key, err := unmarshalType(obj.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid map key type: %w", err)
		}
		value, err := unmarshalType(obj.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid map value type: %w", err)
		}
		return MapType{KeyID: *obj.KeyID, Key: key, ValueID: *obj.ValueID, Value: value, ValueRequired: obj.ValueRequired}, nil
	default:
		return nil, fmt.Errorf("unknown type: %q", obj.Type)
	}
}

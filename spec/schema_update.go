package spec

import (
	"fmt"
	"strings"
)

// SchemaChangeKind names one kind of schema evolution step.
type SchemaChangeKind int

const (
	ChangeAddColumn SchemaChangeKind = iota
	ChangeDropColumn
	ChangeRenameColumn
	ChangeWidenColumn
	ChangeMakeOptional
)

func (k SchemaChangeKind) String() string {
	switch k {
	case ChangeAddColumn:
		return "add"
	case ChangeDropColumn:
		return "drop"
	case ChangeRenameColumn:
		return "rename"
	case ChangeWidenColumn:
		return "widen"
	case ChangeMakeOptional:
		return "make-optional"
	default:
		return fmt.Sprintf("change(%d)", int(k))
	}
}

// SchemaChange is one evolution step. Column is a dotted path; for adds it
// names the parent struct ("" for the top level) and Name is the new
// column. For renames Name is the new name.
type SchemaChange struct {
	Kind     SchemaChangeKind
	Column   string
	Name     string
	Type     Type
	Required bool
	Doc      string
}

// AddColumn adds an optional column under parent. Any ids inside typ are
// replaced with fresh ones.
func AddColumn(parent, name string, typ Type, doc string) SchemaChange {
	return SchemaChange{Kind: ChangeAddColumn, Column: parent, Name: name, Type: typ, Doc: doc}
}

// DropColumn removes a column and everything nested under it.
func DropColumn(column string) SchemaChange {
	return SchemaChange{Kind: ChangeDropColumn, Column: column}
}

// RenameColumn changes the name of a column, keeping its id.
func RenameColumn(column, newName string) SchemaChange {
	return SchemaChange{Kind: ChangeRenameColumn, Column: column, Name: newName}
}

// WidenColumn promotes a column to a wider type.
func WidenColumn(column string, typ Type) SchemaChange {
	return SchemaChange{Kind: ChangeWidenColumn, Column: column, Type: typ}
}

// MakeOptional relaxes a required column to optional.
func MakeOptional(column string) SchemaChange {
	return SchemaChange{Kind: ChangeMakeOptional, Column: column}
}

// Evolve applies changes in order and returns the new schema together with
// the advanced column id counter. New ids are taken from lastColumnID+1
// upwards, so no id is ever reused, even one that belonged to a dropped
// column. The returned schema has SchemaID one above the receiver's; the
// metadata builder may renumber it.
func (s *Schema) Evolve(lastColumnID int, changes ...SchemaChange) (*Schema, int, error) {
	if highest := s.HighestFieldID(); lastColumnID < highest {
		return nil, 0, &SchemaError{Message: fmt.Sprintf("last column id %d is below assigned id %d", lastColumnID, highest)}
	}

	identifiers := make(map[int]struct{}, len(s.IdentifierFieldIDs))
	for _, id := range s.IdentifierFieldIDs {
		identifiers[id] = struct{}{}
	}

	next := lastColumnID
	nextID := func() int {
		next++
		return next
	}

	fields := copyFields(s.Fields)
	for _, change := range changes {
		var err error
		fields, err = applyChange(fields, change, identifiers, nextID)
		if err != nil {
			return nil, 0, err
		}
	}

	evolved := &Schema{
		SchemaID:           s.SchemaID + 1,
		IdentifierFieldIDs: append([]int(nil), s.IdentifierFieldIDs...),
		Fields:             fields,
	}
	if err := evolved.Validate(); err != nil {
		return nil, 0, err
	}
	return evolved, next, nil
}

func applyChange(fields []NestedField, c SchemaChange, identifiers map[int]struct{}, nextID func() int) ([]NestedField, error) {
	switch c.Kind {
	case ChangeAddColumn:
		if c.Name == "" || strings.Contains(c.Name, ".") {
			return nil, schemaErrorf(c.Name, "invalid column name")
		}
		if c.Type == nil {
			return nil, schemaErrorf(c.Name, "missing type")
		}
		if c.Required {
			return nil, schemaErrorf(c.Name, "cannot add a required column")
		}
		path := []string{c.Name}
		if c.Column != "" {
			path = append(strings.Split(c.Column, "."), c.Name)
		}
		return updateAt(fields, path, true, func(siblings []NestedField, idx int) ([]NestedField, error) {
			if idx >= 0 {
				return nil, schemaErrorf(c.Name, "column already exists")
			}
			added := NestedField{ID: nextID(), Name: c.Name, Doc: c.Doc}
			added.Type = assignFreshIDs(c.Type, nextID)
			return append(siblings, added), nil
		})

	case ChangeDropColumn:
		return updateAt(fields, strings.Split(c.Column, "."), false, func(siblings []NestedField, idx int) ([]NestedField, error) {
			var blocked error
			walkFields(siblings[idx:idx+1], func(f *NestedField) bool {
				if _, ok := identifiers[f.ID]; ok {
					blocked = &SchemaError{FieldID: f.ID, Field: c.Column, Message: "cannot drop an identifier field"}
					return false
				}
				return true
			})
			if blocked != nil {
				return nil, blocked
			}
			return append(siblings[:idx:idx], siblings[idx+1:]...), nil
		})

	case ChangeRenameColumn:
		if c.Name == "" || strings.Contains(c.Name, ".") {
			return nil, schemaErrorf(c.Column, "invalid new name %q", c.Name)
		}
		return updateAt(fields, strings.Split(c.Column, "."), false, func(siblings []NestedField, idx int) ([]NestedField, error) {
			for i, f := range siblings {
				if i != idx && f.Name == c.Name {
					return nil, schemaErrorf(c.Column, "cannot rename to %q: name in use", c.Name)
				}
			}
			siblings[idx].Name = c.Name
			return siblings, nil
		})

	case ChangeWidenColumn:
		return updateAt(fields, strings.Split(c.Column, "."), false, func(siblings []NestedField, idx int) ([]NestedField, error) {
			from := siblings[idx].Type
			if !CanPromote(from, c.Type) {
				return nil, &SchemaError{FieldID: siblings[idx].ID, Field: c.Column,
					Message: fmt.Sprintf("cannot change type from %s to %s", from, c.Type)}
			}
			siblings[idx].Type = c.Type
			return siblings, nil
		})

	case ChangeMakeOptional:
		return updateAt(fields, strings.Split(c.Column, "."), false, func(siblings []NestedField, idx int) ([]NestedField, error) {
			if _, ok := identifiers[siblings[idx].ID]; ok {
				return nil, &SchemaError{FieldID: siblings[idx].ID, Field: c.Column, Message: "identifier fields must stay required"}
			}
			siblings[idx].Required = false
			return siblings, nil
		})
	}
	return nil, &SchemaError{Message: "unknown schema change " + c.Kind.String()}
}

// updateAt walks path through nested structs and hands the sibling slice
// and index of the final element to fn. When allowMissing is set a missing
// final element is reported as index -1.
func updateAt(fields []NestedField, path []string, allowMissing bool, fn func([]NestedField, int) ([]NestedField, error)) ([]NestedField, error) {
	idx := -1
	for i := range fields {
		if fields[i].Name == path[0] {
			idx = i
			break
		}
	}
	if len(path) == 1 {
		if idx < 0 && !allowMissing {
			return nil, schemaErrorf(path[0], "column does not exist")
		}
		return fn(fields, idx)
	}
	if idx < 0 {
		return nil, schemaErrorf(path[0], "column does not exist")
	}
	st, ok := fields[idx].Type.(StructType)
	if !ok {
		return nil, schemaErrorf(path[0], "not a struct")
	}
	children, err := updateAt(st.Fields, path[1:], allowMissing, fn)
	if err != nil {
		return nil, err
	}
	fields[idx].Type = StructType{Fields: children}
	return fields, nil
}

// CanPromote reports whether values of type from can be read as type to.
func CanPromote(from, to Type) bool {
	if from.Equals(to) {
		return true
	}
	switch f := from.(type) {
	case PrimitiveType:
		switch f.id {
		case TypeInt:
			return to.Equals(LongType)
		case TypeFloat:
			return to.Equals(DoubleType)
		}
	case DecimalType:
		if t, ok := to.(DecimalType); ok {
			return t.Scale == f.Scale && t.Precision >= f.Precision
		}
	}
	return false
}

func assignFreshIDs(t Type, nextID func() int) Type {
	switch v := t.(type) {
	case StructType:
		fields := make([]NestedField, len(v.Fields))
		for i, f := range v.Fields {
			fields[i] = NestedField{ID: nextID(), Name: f.Name, Required: f.Required, Doc: f.Doc}
			fields[i].Type = assignFreshIDs(f.Type, nextID)
		}
		return StructType{Fields: fields}
	case ListType:
		id := nextID()
		return ListType{ElementID: id, Element: assignFreshIDs(v.Element, nextID), ElementRequired: v.ElementRequired}
	case MapType:
		keyID, valueID := nextID(), nextID()
		return MapType{
			KeyID: keyID, Key: assignFreshIDs(v.Key, nextID),
			ValueID: valueID, Value: assignFreshIDs(v.Value, nextID),
			ValueRequired: v.ValueRequired,
		}
	}
	return t
}

func copyFields(fields []NestedField) []NestedField {
	out := make([]NestedField, len(fields))
	for i, f := range fields {
		out[i] = f
		if st, ok := f.Type.(StructType); ok {
			out[i].Type = StructType{Fields: copyFields(st.Fields)}
		}
	}
	return out
}

package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvolveAddColumnAssignsFreshIDs(t *testing.T) {
	base := nestedSchema()

	evolved, last, err := base.Evolve(12,
		AddColumn("", "point", StructType{Fields: []NestedField{
			{ID: 1, Name: "x", Type: DoubleType},
			{ID: 2, Name: "y", Type: DoubleType},
		}}, "a point"),
		AddColumn("location", "zip", StringType, ""),
	)
	require.NoError(t, err)
	assert.Equal(t, 16, last)
	assert.Equal(t, base.SchemaID+1, evolved.SchemaID)

	point := evolved.FieldByName("point")
	require.NotNil(t, point)
	assert.Equal(t, 13, point.ID)
	assert.False(t, point.Required)
	assert.Equal(t, "a point", point.Doc)
	assert.Equal(t, 14, evolved.FieldByName("point.x").ID)
	assert.Equal(t, 15, evolved.FieldByName("point.y").ID)
	assert.Equal(t, 16, evolved.FieldByName("location.zip").ID)

	// The receiver is untouched.
	assert.Nil(t, base.FieldByName("location.zip"))
	assert.Len(t, base.Fields, 4)
}

func TestEvolveNeverReusesDroppedIDs(t *testing.T) {
	base := nestedSchema()
	dropped, last, err := base.Evolve(9, DropColumn("props"))
	require.NoError(t, err)
	assert.Equal(t, 9, last)
	assert.Nil(t, dropped.Field(7))
	assert.Nil(t, dropped.Field(8))

	readded, last, err := dropped.Evolve(last, AddColumn("", "props", StringType, ""))
	require.NoError(t, err)
	assert.Equal(t, 10, last)
	assert.Equal(t, 10, readded.FieldByName("props").ID)
}

func TestEvolveRenameWidenMakeOptional(t *testing.T) {
	base := NewSchema(0,
		NestedField{ID: 1, Name: "id", Type: IntType, Required: true},
		NestedField{ID: 2, Name: "amount", Type: DecimalType{Precision: 9, Scale: 2}, Required: true},
		NestedField{ID: 3, Name: "ratio", Type: FloatType},
	)
	evolved, _, err := base.Evolve(3,
		RenameColumn("id", "key"),
		WidenColumn("key", LongType),
		WidenColumn("amount", DecimalType{Precision: 18, Scale: 2}),
		WidenColumn("ratio", DoubleType),
		MakeOptional("amount"),
	)
	require.NoError(t, err)

	key := evolved.Field(1)
	assert.Equal(t, "key", key.Name)
	assert.Equal(t, LongType, key.Type)
	amount := evolved.Field(2)
	assert.Equal(t, DecimalType{Precision: 18, Scale: 2}, amount.Type)
	assert.False(t, amount.Required)
	assert.Equal(t, DoubleType, evolved.Field(3).Type)
}

func TestEvolveRejectsInvalidChanges(t *testing.T) {
	base := NewSchema(0,
		NestedField{ID: 1, Name: "id", Type: LongType, Required: true},
		NestedField{ID: 2, Name: "name", Type: StringType},
		NestedField{ID: 3, Name: "price", Type: DecimalType{Precision: 9, Scale: 2}},
	)
	base.IdentifierFieldIDs = []int{1}

	tests := []struct {
		name   string
		change SchemaChange
	}{
		{"duplicate add", AddColumn("", "name", StringType, "")},
		{"required add", SchemaChange{Kind: ChangeAddColumn, Name: "x", Type: IntType, Required: true}},
		{"add under missing parent", AddColumn("nope", "x", IntType, "")},
		{"add under primitive", AddColumn("name", "x", IntType, "")},
		{"drop missing", DropColumn("nope")},
		{"drop identifier", DropColumn("id")},
		{"rename collision", RenameColumn("name", "id")},
		{"narrow", WidenColumn("id", IntType)},
		{"string to long", WidenColumn("name", LongType)},
		{"decimal scale change", WidenColumn("price", DecimalType{Precision: 10, Scale: 3})},
		{"identifier optional", MakeOptional("id")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := base.Evolve(3, tt.change)
			assert.ErrorIs(t, err, ErrSchema)
		})
	}

	_, _, err := base.Evolve(2, AddColumn("", "x", IntType, ""))
	assert.ErrorIs(t, err, ErrSchema, "column id counter below assigned ids")
}

func TestCanPromote(t *testing.T) {
	assert.True(t, CanPromote(IntType, LongType))
	assert.True(t, CanPromote(FloatType, DoubleType))
	assert.True(t, CanPromote(StringType, StringType))
	assert.False(t, CanPromote(LongType, IntType))
	assert.False(t, CanPromote(IntType, DoubleType))
	assert.False(t, CanPromote(DecimalType{Precision: 9, Scale: 2}, DecimalType{Precision: 8, Scale: 2}))
}

package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TennyZhuang/icelake/io"
	"github.com/TennyZhuang/icelake/spec"
)

func testSchema() *spec.Schema {
	return spec.NewSchema(0,
		spec.NestedField{ID: 1, Name: "id", Required: true, Type: spec.LongType},
		spec.NestedField{ID: 2, Name: "category", Type: spec.StringType},
	)
}

var eventsID = TableIdentifier{Namespace: Namespace{"db"}, Name: "events"}

func withProperty(t *testing.T, base *TableVersion, key, value string) *spec.TableMetadata {
	t.Helper()
	next, err := spec.NewMetadataBuilder(base.Metadata).
		SetProperties(map[string]string{key: value}).
		AppendMetadataLog(base.MetadataLocation, base.Metadata.LastUpdatedMs).
		Build()
	require.NoError(t, err)
	return next
}

// runCatalogContract checks the behaviour every catalog shares.
func runCatalogContract(t *testing.T, newCatalog func(t *testing.T) Catalog) {
	ctx := context.Background()

	t.Run("CreateLoadList", func(t *testing.T) {
		cat := newCatalog(t)
		created, err := cat.CreateTable(ctx, eventsID, testSchema(), WithProperties(map[string]string{"owner": "etl"}))
		require.NoError(t, err)
		assert.NotEmpty(t, created.MetadataLocation)

		loaded, err := cat.LoadTable(ctx, eventsID)
		require.NoError(t, err)
		assert.Equal(t, created.MetadataLocation, loaded.MetadataLocation)
		assert.Equal(t, created.Metadata.TableUUID, loaded.Metadata.TableUUID)
		assert.Equal(t, "etl", loaded.Metadata.Property("owner", ""))

		_, err = cat.CreateTable(ctx, eventsID, testSchema())
		assert.ErrorIs(t, err, ErrTableExists)

		tables, err := cat.ListTables(ctx, Namespace{"db"})
		require.NoError(t, err)
		require.Len(t, tables, 1)
		assert.Equal(t, "db.events", tables[0].String())

		tables, err = cat.ListTables(ctx, Namespace{"other"})
		require.NoError(t, err)
		assert.Empty(t, tables)
	})

	t.Run("LoadMissing", func(t *testing.T) {
		cat := newCatalog(t)
		_, err := cat.LoadTable(ctx, eventsID)
		assert.ErrorIs(t, err, spec.ErrNotFound)
	})

	t.Run("CommitAndConflict", func(t *testing.T) {
		cat := newCatalog(t)
		base, err := cat.CreateTable(ctx, eventsID, testSchema())
		require.NoError(t, err)

		v2, err := cat.CommitTable(ctx, base, withProperty(t, base, "k", "1"))
		require.NoError(t, err)
		assert.NotEqual(t, base.MetadataLocation, v2.MetadataLocation)

		loaded, err := cat.LoadTable(ctx, eventsID)
		require.NoError(t, err)
		assert.Equal(t, v2.MetadataLocation, loaded.MetadataLocation)
		assert.Equal(t, "1", loaded.Metadata.Property("k", ""))

		_, err = cat.CommitTable(ctx, base, withProperty(t, base, "k", "stale"))
		assert.ErrorIs(t, err, ErrCommitConflict)

		loaded, err = cat.LoadTable(ctx, eventsID)
		require.NoError(t, err)
		assert.Equal(t, "1", loaded.Metadata.Property("k", ""))
	})

	t.Run("ConcurrentCommitsHaveOneWinner", func(t *testing.T) {
		cat := newCatalog(t)
		base, err := cat.CreateTable(ctx, eventsID, testSchema())
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			next := withProperty(t, base, "writer", string(rune('a'+i)))
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = cat.CommitTable(ctx, base, next)
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrCommitConflict)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("Drop", func(t *testing.T) {
		cat := newCatalog(t)
		_, err := cat.CreateTable(ctx, eventsID, testSchema())
		require.NoError(t, err)
		require.NoError(t, cat.DropTable(ctx, eventsID, true))

		_, err = cat.LoadTable(ctx, eventsID)
		assert.ErrorIs(t, err, spec.ErrNotFound)
		assert.ErrorIs(t, cat.DropTable(ctx, eventsID, false), spec.ErrNotFound)
	})
}

func TestMemoryCatalog(t *testing.T) {
	runCatalogContract(t, func(t *testing.T) Catalog {
		return NewMemoryCatalog(io.NewMemFileIO(), "mem://warehouse")
	})
}

func TestFilesystemCatalog(t *testing.T) {
	runCatalogContract(t, func(t *testing.T) Catalog {
		return NewFilesystemCatalog(io.NewMemFileIO(), "mem://warehouse")
	})
}

func TestFilesystemCatalogOnDisk(t *testing.T) {
	ctx := context.Background()
	cat := NewFilesystemCatalog(io.NewLocalFileIO(), t.TempDir())
	base, err := cat.CreateTable(ctx, eventsID, testSchema())
	require.NoError(t, err)
	_, err = cat.CommitTable(ctx, base, withProperty(t, base, "k", "v"))
	require.NoError(t, err)

	loaded, err := cat.LoadTable(ctx, eventsID)
	require.NoError(t, err)
	assert.Equal(t, 2, ParseMetadataVersion(loaded.MetadataLocation))
}

func TestFilesystemCatalogVersionHint(t *testing.T) {
	ctx := context.Background()
	fio := io.NewMemFileIO()
	cat := NewFilesystemCatalog(fio, "mem://warehouse")

	v, err := cat.CreateTable(ctx, eventsID, testSchema())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		v, err = cat.CommitTable(ctx, v, withProperty(t, v, "n", string(rune('0'+i))))
		require.NoError(t, err)
	}
	assert.Equal(t, "mem://warehouse/db/events/metadata/v3.metadata.json", v.MetadataLocation)

	hint := "mem://warehouse/db/events/metadata/version-hint.text"
	data, err := fio.ReadFile(ctx, hint)
	require.NoError(t, err)
	assert.Equal(t, "3", string(data))

	tests := []struct {
		name   string
		change func(t *testing.T)
	}{
		{"stale hint", func(t *testing.T) { require.NoError(t, fio.WriteFile(ctx, hint, []byte("1"))) }},
		{"garbage hint", func(t *testing.T) { require.NoError(t, fio.WriteFile(ctx, hint, []byte("x"))) }},
		{"missing hint", func(t *testing.T) { require.NoError(t, fio.Delete(ctx, hint)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.change(t)
			loaded, err := cat.LoadTable(ctx, eventsID)
			require.NoError(t, err)
			assert.Equal(t, v.MetadataLocation, loaded.MetadataLocation)
		})
	}
}

func TestFilesystemCatalogRejectsForeignLocations(t *testing.T) {
	ctx := context.Background()
	cat := NewFilesystemCatalog(io.NewMemFileIO(), "mem://warehouse")

	_, err := cat.CreateTable(ctx, eventsID, testSchema(), WithLocation("mem://elsewhere"))
	assert.ErrorIs(t, err, spec.ErrValidation)

	base, err := cat.CreateTable(ctx, eventsID, testSchema())
	require.NoError(t, err)
	moved, err := spec.NewMetadataBuilder(base.Metadata).SetLocation("mem://elsewhere").Build()
	require.NoError(t, err)
	_, err = cat.CommitTable(ctx, base, moved)
	assert.ErrorIs(t, err, spec.ErrValidation)
}

func TestMetadataLocations(t *testing.T) {
	loc := NewMetadataLocation("s3://b/t", 7)
	assert.Regexp(t, `^s3://b/t/metadata/00007-[0-9a-f-]{36}\.metadata\.json$`, loc)
	assert.Equal(t, 7, ParseMetadataVersion(loc))
	assert.Equal(t, 12, ParseMetadataVersion("s3://b/t/metadata/v12.metadata.json"))
	assert.Equal(t, -1, ParseMetadataVersion("s3://b/t/metadata/snap-1.avro"))
	assert.Equal(t, -1, ParseMetadataVersion(""))
}

func TestParseIdentifier(t *testing.T) {
	id, err := ParseIdentifier("a.b.events")
	require.NoError(t, err)
	assert.Equal(t, Namespace{"a", "b"}, id.Namespace)
	assert.Equal(t, "events", id.Name)
	assert.Equal(t, "a.b.events", id.String())

	id, err = ParseIdentifier("events")
	require.NoError(t, err)
	assert.Empty(t, id.Namespace)

	for _, bad := range []string{"", "a..b", "a."} {
		_, err := ParseIdentifier(bad)
		assert.True(t, errors.Is(err, spec.ErrValidation), bad)
	}
}

func TestMemoryCatalogMetadataLog(t *testing.T) {
	ctx := context.Background()
	cat := NewMemoryCatalog(io.NewMemFileIO(), "mem://warehouse")
	base, err := cat.CreateTable(ctx, eventsID, testSchema())
	require.NoError(t, err)
	next, err := cat.CommitTable(ctx, base, withProperty(t, base, "k", "v"))
	require.NoError(t, err)

	require.Len(t, next.Metadata.MetadataLog, 1)
	assert.Equal(t, base.MetadataLocation, next.Metadata.MetadataLog[0].MetadataFile)
	assert.Equal(t, 1, ParseMetadataVersion(next.MetadataLocation))
}

package table

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TennyZhuang/icelake/catalog"
	"github.com/TennyZhuang/icelake/io"
	"github.com/TennyZhuang/icelake/spec"
)

var ordersID = catalog.TableIdentifier{Namespace: catalog.Namespace{"shop"}, Name: "orders"}

func ordersSchema() *spec.Schema {
	return spec.NewSchema(0,
		spec.NestedField{ID: 1, Name: "id", Required: true, Type: spec.LongType},
		spec.NestedField{ID: 2, Name: "category", Type: spec.StringType},
		spec.NestedField{ID: 3, Name: "amount", Type: spec.DoubleType},
	)
}

type fixture struct {
	fio   *io.AferoFileIO
	cat   catalog.Catalog
	coord *Coordinator
	base  *catalog.TableVersion
}

func newFixture(t *testing.T, props map[string]string, opts ...CoordinatorOption) *fixture {
	t.Helper()
	fio := io.NewMemFileIO()
	cat := catalog.NewMemoryCatalog(fio, "mem://warehouse")
	base, err := cat.CreateTable(context.Background(), ordersID, ordersSchema(),
		catalog.WithPartitionSpec(spec.NewPartitionSpecBuilder(0).Identity(2, "category").Build()),
		catalog.WithProperties(props))
	require.NoError(t, err)
	opts = append([]CoordinatorOption{WithCommitBackoff(time.Millisecond, time.Millisecond)}, opts...)
	return &fixture{fio: fio, cat: cat, coord: NewCoordinator(cat, fio, opts...), base: base}
}

func dataFile(path, category string, records int64) spec.DataFile {
	return spec.NewDataFileBuilder(path, spec.FileFormatParquet).
		WithPartition(0, category).
		WithRecordCount(records).
		WithFileSize(records * 10).
		Build()
}

func (f *fixture) commit(t *testing.T, base *catalog.TableVersion, u PendingUpdate) *CommitResult {
	t.Helper()
	res, err := f.coord.Commit(context.Background(), base, u)
	require.NoError(t, err)
	return res
}

func (f *fixture) livePaths(t *testing.T, v *catalog.TableVersion) []string {
	t.Helper()
	entries, err := NewResolver(f.fio).ResolveLive(context.Background(), v.Metadata, spec.CurrentSnapshotSelector())
	require.NoError(t, err)
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.DataFile.FilePath
	}
	sort.Strings(paths)
	return paths
}

func TestAppendCommit(t *testing.T) {
	f := newFixture(t, nil)

	res := f.commit(t, f.base, NewAppend().
		AddFile(dataFile("mem://data/a.parquet", "books", 10), dataFile("mem://data/b.parquet", "games", 5)).
		Set("writer", "test"))

	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, int64(1), res.Snapshot.SequenceNumber)
	assert.Nil(t, res.Snapshot.ParentSnapshotID)

	meta := res.Version.Metadata
	require.NotNil(t, meta.CurrentSnapshot())
	assert.Equal(t, res.Snapshot.SnapshotID, meta.CurrentSnapshot().SnapshotID)
	assert.Equal(t, int64(1), meta.LastSequenceNumber)
	require.Len(t, meta.MetadataLog, 1)
	assert.Equal(t, f.base.MetadataLocation, meta.MetadataLog[0].MetadataFile)

	sum := meta.CurrentSnapshot().Summary
	assert.Equal(t, spec.OpAppend, sum.Operation)
	assert.Equal(t, int64(2), sum.AddedDataFiles)
	assert.Equal(t, int64(15), sum.AddedRecords)
	assert.Equal(t, int64(15), sum.TotalRecords)
	assert.Equal(t, int64(2), sum.ChangedPartitionCount)
	assert.Equal(t, "test", sum.Extra["writer"])

	assert.Equal(t, []string{"mem://data/a.parquet", "mem://data/b.parquet"}, f.livePaths(t, res.Version))

	loaded, err := f.cat.LoadTable(context.Background(), ordersID)
	require.NoError(t, err)
	assert.Equal(t, res.Version.MetadataLocation, loaded.MetadataLocation)
}

func TestOverwriteRewritesManifests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.commit(t, f.base, NewAppend().
		AddFile(dataFile("mem://data/a.parquet", "books", 10), dataFile("mem://data/b.parquet", "books", 5)))
	second := f.commit(t, first.Version, NewOverwrite().
		DeleteFile("mem://data/a.parquet").
		AddFile(dataFile("mem://data/c.parquet", "books", 7)))

	snap := second.Snapshot
	assert.Equal(t, int64(2), snap.SequenceNumber)
	assert.Equal(t, first.Snapshot.SnapshotID, *snap.ParentSnapshotID)
	assert.Equal(t, spec.OpOverwrite, snap.Summary.Operation)
	assert.Equal(t, int64(1), snap.Summary.DeletedDataFiles)
	assert.Equal(t, int64(10), snap.Summary.DeletedRecords)
	assert.Equal(t, int64(12), snap.Summary.TotalRecords)
	assert.Equal(t, int64(2), snap.Summary.TotalDataFiles)

	assert.Equal(t, []string{"mem://data/b.parquet", "mem://data/c.parquet"}, f.livePaths(t, second.Version))

	r := NewResolver(f.fio)
	manifests, err := r.ReadManifestList(ctx, snap)
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	assert.Equal(t, 1, manifests[0].AddedFilesCount)
	assert.Equal(t, 1, manifests[1].ExistingFilesCount)
	assert.Equal(t, 1, manifests[1].DeletedFilesCount)

	changes, err := r.ResolveIncremental(ctx, second.Version.Metadata, first.Snapshot.SnapshotID, snap.SnapshotID)
	require.NoError(t, err)
	require.Len(t, changes.Added, 1)
	require.Len(t, changes.Deleted, 1)
	assert.Equal(t, "mem://data/c.parquet", changes.Added[0].DataFile.FilePath)
	assert.Equal(t, "mem://data/a.parquet", changes.Deleted[0].DataFile.FilePath)

	// The first snapshot still resolves to its own files.
	old, err := r.ResolveLive(ctx, second.Version.Metadata, spec.SnapshotWithID(first.Snapshot.SnapshotID))
	require.NoError(t, err)
	assert.Len(t, old, 2)
}

func TestSnapshotUpdateRejects(t *testing.T) {
	f := newFixture(t, nil)
	first := f.commit(t, f.base, NewAppend().AddFile(dataFile("mem://data/a.parquet", "books", 1)))

	tests := []struct {
		name   string
		update PendingUpdate
	}{
		{"append deletes", NewAppend().DeleteFile("mem://data/a.parquet")},
		{"missing file", NewOverwrite().DeleteFile("mem://data/missing.parquet")},
		{"delete file as data", NewAppend().AddFile(spec.NewDataFileBuilder("mem://d.parquet", spec.FileFormatParquet).
			WithContent(spec.FileContentPositionDeletes).WithPartition(0, "books").Build())},
		{"wrong partition arity", NewAppend().AddFile(spec.NewDataFileBuilder("mem://e.parquet", spec.FileFormatParquet).Build())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.Commit(context.Background(), first.Version, tt.update)
			assert.ErrorIs(t, err, spec.ErrValidation)
		})
	}
}

func TestConcurrentAppendsRetry(t *testing.T) {
	f := newFixture(t, nil)

	winner := f.commit(t, f.base, NewAppend().AddFile(dataFile("mem://data/a.parquet", "books", 1)))
	loser := f.commit(t, f.base, NewAppend().AddFile(dataFile("mem://data/b.parquet", "games", 1)))

	assert.Equal(t, 2, loser.Attempts)
	assert.Equal(t, winner.Snapshot.SnapshotID, *loser.Snapshot.ParentSnapshotID)
	assert.Equal(t, int64(2), loser.Snapshot.SequenceNumber)
	assert.Equal(t, int64(2), loser.Snapshot.Summary.TotalDataFiles)
	assert.Equal(t, []string{"mem://data/a.parquet", "mem://data/b.parquet"}, f.livePaths(t, loser.Version))
}

func TestRetryKeepsFileSpec(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	evolved := f.commit(t, f.base, NewSpecUpdate().
		RemoveField("category").
		AddField("category", "", spec.TruncateTransform(2)))
	require.Equal(t, 1, evolved.Version.Metadata.DefaultSpecID)

	// Written for spec 0 against the stale base, published after the spec change.
	res := f.commit(t, f.base, NewAppend().AddFile(dataFile("mem://data/a.parquet", "books", 10)))
	assert.Equal(t, 2, res.Attempts)
	manifests, err := NewResolver(f.fio).ReadManifestList(ctx, res.Snapshot)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, 0, manifests[0].PartitionSpecID)

	tbl := NewTable(res.Version, f.cat, f.fio)
	plan, err := tbl.Scan().Filter(Eq("category", "books")).PlanFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem://data/a.parquet"}, taskPaths(plan))

	truncated := spec.NewDataFileBuilder("mem://data/b.parquet", spec.FileFormatParquet).
		WithPartition(1, "bo").WithRecordCount(1).WithFileSize(10).Build()
	mixed := f.commit(t, res.Version, NewAppend().
		AddFile(dataFile("mem://data/c.parquet", "games", 1), truncated))
	manifests, err = NewResolver(f.fio).ReadManifestList(ctx, mixed.Snapshot)
	require.NoError(t, err)
	var specs []int
	for _, mf := range manifests {
		if mf.AddedSnapshotID == mixed.Snapshot.SnapshotID {
			specs = append(specs, mf.PartitionSpecID)
		}
	}
	assert.Equal(t, []int{0, 1}, specs)

	plan, err = NewTable(mixed.Version, f.cat, f.fio).Scan().Filter(Eq("category", "books")).PlanFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem://data/a.parquet", "mem://data/b.parquet"}, taskPaths(plan))

	unknown := spec.NewDataFileBuilder("mem://data/x.parquet", spec.FileFormatParquet).
		WithPartition(7, "books").WithRecordCount(1).Build()
	_, err = f.coord.Commit(ctx, mixed.Version, NewAppend().AddFile(unknown))
	assert.ErrorIs(t, err, spec.ErrValidation)
}

// lostAckIO completes the first create of a path with the given suffix
// and then reports a transient failure for it.
type lostAckIO struct {
	io.FileIO
	suffix string
	lost   bool
}

func (l *lostAckIO) CreateFile(ctx context.Context, path string, data []byte) error {
	if err := l.FileIO.CreateFile(ctx, path, data); err != nil {
		return err
	}
	if !l.lost && strings.HasSuffix(path, l.suffix) {
		l.lost = true
		return &spec.TransportError{Operation: "create", Location: path, Retryable: true, Cause: errors.New("connection reset")}
	}
	return nil
}

func TestCommitSurvivesLostAcknowledgement(t *testing.T) {
	newTable := func(t *testing.T) (io.FileIO, catalog.Catalog, *catalog.TableVersion) {
		fio := io.NewRetryingFileIO(&lostAckIO{FileIO: io.NewMemFileIO(), suffix: "/v2.metadata.json"},
			io.WithRetryBackoff(time.Millisecond, time.Millisecond))
		cat := catalog.NewFilesystemCatalog(fio, "mem://warehouse")
		base, err := cat.CreateTable(context.Background(), ordersID, ordersSchema(),
			catalog.WithPartitionSpec(spec.NewPartitionSpecBuilder(0).Identity(2, "category").Build()))
		require.NoError(t, err)
		return fio, cat, base
	}

	t.Run("append", func(t *testing.T) {
		fio, cat, base := newTable(t)
		coord := NewCoordinator(cat, fio, WithCommitBackoff(time.Millisecond, time.Millisecond))
		res, err := coord.Commit(context.Background(), base, NewAppend().AddFile(dataFile("mem://data/a.parquet", "books", 10)))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Attempts)
		assert.True(t, strings.HasSuffix(res.Version.MetadataLocation, "/v2.metadata.json"))
		assert.Len(t, res.Version.Metadata.Snapshots, 1)
		assert.Equal(t, int64(10), res.Snapshot.Summary.TotalRecords)

		latest, err := cat.LoadTable(context.Background(), ordersID)
		require.NoError(t, err)
		entries, err := NewResolver(fio).ResolveLive(context.Background(), latest.Metadata, spec.CurrentSnapshotSelector())
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("properties", func(t *testing.T) {
		fio, cat, base := newTable(t)
		coord := NewCoordinator(cat, fio, WithCommitBackoff(time.Millisecond, time.Millisecond))
		res, err := coord.Commit(context.Background(), base, NewPropertiesUpdate().Set("owner", "etl"))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Attempts)
		assert.Nil(t, res.Snapshot)

		latest, err := cat.LoadTable(context.Background(), ordersID)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(latest.MetadataLocation, "/v2.metadata.json"))
		assert.Equal(t, "etl", latest.Metadata.Property("owner", ""))
		assert.Len(t, latest.Metadata.MetadataLog, 1)
	})
}

func TestOverwriteRevalidatesAfterConflict(t *testing.T) {
	t.Run("concurrent add in overwritten partition", func(t *testing.T) {
		f := newFixture(t, nil)
		base := f.commit(t, f.base, NewAppend().AddFile(dataFile("mem://data/a.parquet", "books", 1))).Version
		f.commit(t, base, NewAppend().AddFile(dataFile("mem://data/late.parquet", "books", 1)))

		_, err := f.coord.Commit(context.Background(), base, NewOverwrite().
			DeleteFile("mem://data/a.parquet").
			AddFile(dataFile("mem://data/a2.parquet", "books", 1)))
		assert.ErrorIs(t, err, spec.ErrValidation)
	})

	t.Run("concurrent add elsewhere", func(t *testing.T) {
		f := newFixture(t, nil)
		base := f.commit(t, f.base, NewAppend().AddFile(dataFile("mem://data/a.parquet", "books", 1))).Version
		f.commit(t, base, NewAppend().AddFile(dataFile("mem://data/g.parquet", "games", 1)))

		res, err := f.coord.Commit(context.Background(), base, NewOverwrite().
			DeleteFile("mem://data/a.parquet").
			AddFile(dataFile("mem://data/a2.parquet", "books", 1)))
		require.NoError(t, err)
		assert.Equal(t, 2, res.Attempts)
		assert.Equal(t, []string{"mem://data/a2.parquet", "mem://data/g.parquet"}, f.livePaths(t, res.Version))
	})

	t.Run("file deleted concurrently", func(t *testing.T) {
		f := newFixture(t, nil)
		base := f.commit(t, f.base, NewAppend().AddFile(dataFile("mem://data/a.parquet", "books", 1))).Version
		f.commit(t, base, NewOverwrite().DeleteFile("mem://data/a.parquet"))

		_, err := f.coord.Commit(context.Background(), base, NewOverwrite().DeleteFile("mem://data/a.parquet"))
		assert.ErrorIs(t, err, spec.ErrValidation)
	})
}

// conflictingCatalog rejects every commit.
type conflictingCatalog struct {
	catalog.Catalog
	commits int
}

func (c *conflictingCatalog) CommitTable(context.Context, *catalog.TableVersion, *spec.TableMetadata) (*catalog.TableVersion, error) {
	c.commits++
	return nil, catalog.ErrCommitConflict
}

func TestCommitExhaustsAttempts(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]string
		want  int
	}{
		{"coordinator default", nil, 3},
		{"table property", map[string]string{spec.PropertyCommitNumRetries: "1"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.props)
			cat := &conflictingCatalog{Catalog: f.cat}
			coord := NewCoordinator(cat, f.fio, WithMaxAttempts(3), WithCommitBackoff(0, 0))

			_, err := coord.Commit(context.Background(), f.base, NewAppend().AddFile(dataFile("mem://data/a.parquet", "books", 1)))
			require.Error(t, err)
			assert.ErrorIs(t, err, spec.ErrCommitConflict)
			assert.ErrorIs(t, err, catalog.ErrCommitConflict)

			var conflict *spec.CommitConflictError
			require.True(t, errors.As(err, &conflict))
			assert.Equal(t, tt.want, conflict.Attempts)
			assert.Equal(t, tt.want, cat.commits)
			assert.Equal(t, f.base.MetadataLocation, conflict.LatestLocation)
			assert.Equal(t, "shop.orders", conflict.Table)

			// Every attempt left its manifest and manifest list behind.
			files, err := f.fio.ListFiles(context.Background(), "mem://warehouse/shop/orders/metadata")
			require.NoError(t, err)
			var avro int
			for _, p := range files {
				if strings.HasSuffix(p, ".avro") {
					avro++
				}
			}
			assert.Equal(t, 2*tt.want, avro)
		})
	}
}

func TestCommitStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	cat := &conflictingCatalog{Catalog: f.cat}
	coord := NewCoordinator(cat, f.fio, WithCommitBackoff(time.Hour, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := coord.Commit(ctx, f.base, NewAppend().AddFile(dataFile("mem://data/a.parquet", "books", 1)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, cat.commits)
}

func TestMetadataUpdates(t *testing.T) {
	f := newFixture(t, map[string]string{"owner": "etl"})

	res := f.commit(t, f.base, NewSchemaUpdate(spec.AddColumn("", "note", spec.StringType, "")))
	assert.Nil(t, res.Snapshot)
	schema := res.Version.Metadata.CurrentSchema()
	require.NotNil(t, schema.FieldByName("note"))
	assert.Equal(t, 4, schema.FieldByName("note").ID)
	assert.Equal(t, 4, res.Version.Metadata.LastColumnID)

	res = f.commit(t, res.Version, NewSpecUpdate().AddField("id", "", spec.BucketTransform(8)))
	p := res.Version.Metadata.DefaultPartitionSpec()
	require.Len(t, p.Fields, 2)
	assert.Equal(t, "id_bucket", p.Fields[1].Name)
	assert.Equal(t, 1001, p.Fields[1].FieldID)

	res = f.commit(t, res.Version, NewSpecUpdate().RemoveField("category"))
	p = res.Version.Metadata.DefaultPartitionSpec()
	require.Len(t, p.Fields, 1)
	assert.Equal(t, 1001, p.Fields[0].FieldID)

	res = f.commit(t, res.Version, NewPropertiesUpdate().Set("retention", "7d").Remove("owner"))
	assert.Equal(t, "7d", res.Version.Metadata.Property("retention", ""))
	assert.Equal(t, "", res.Version.Metadata.Property("owner", ""))
	assert.Len(t, res.Version.Metadata.MetadataLog, 4)

	_, err := f.coord.Commit(context.Background(), f.base, NewSchemaUpdate(spec.DropColumn("category")))
	var schemaErr *spec.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "category", schemaErr.Field)
	assert.NotErrorIs(t, err, spec.ErrValidation)

	_, err = f.coord.Commit(context.Background(), res.Version, NewPropertiesUpdate().Set("a", "1").Remove("a"))
	assert.ErrorIs(t, err, spec.ErrValidation)
	_, err = f.coord.Commit(context.Background(), res.Version, NewSpecUpdate().AddField("missing", "", spec.TransformIdentity))
	assert.ErrorIs(t, err, spec.ErrValidation)
}

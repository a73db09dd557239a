package table

import (
	"context"
	"slices"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TennyZhuang/icelake/spec"
)

func entryPaths(entries []spec.ManifestEntry) []string {
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.DataFile.FilePath
	}
	sort.Strings(paths)
	return paths
}

func TestResolveLiveInherits(t *testing.T) {
	f := newFixture(t, nil)
	first := f.commit(t, f.base, NewAppend().AddFile(dataFile("mem://data/a.parquet", "books", 1)))
	second := f.commit(t, first.Version, NewAppend().AddFile(dataFile("mem://data/b.parquet", "games", 1)))
	r := NewResolver(f.fio, WithFetchConcurrency(1))
	ctx := context.Background()

	entries, err := r.ResolveLive(ctx, second.Version.Metadata, spec.CurrentSnapshotSelector())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		switch e.DataFile.FilePath {
		case "mem://data/a.parquet":
			assert.Equal(t, first.Snapshot.SnapshotID, e.Snapshot())
			assert.Equal(t, int64(1), e.DataSequenceNumber())
		case "mem://data/b.parquet":
			assert.Equal(t, second.Snapshot.SnapshotID, e.Snapshot())
			assert.Equal(t, int64(2), e.DataSequenceNumber())
		default:
			t.Fatalf("unexpected file %s", e.DataFile.FilePath)
		}
	}

	old, err := r.ResolveLive(ctx, second.Version.Metadata, spec.SnapshotWithID(first.Snapshot.SnapshotID))
	require.NoError(t, err)
	assert.Equal(t, []string{"mem://data/a.parquet"}, entryPaths(old))

	empty, err := r.ResolveLive(ctx, f.base.Metadata, spec.CurrentSnapshotSelector())
	require.NoError(t, err)
	assert.Empty(t, empty)
	_, err = r.ResolveLive(ctx, f.base.Metadata, spec.SnapshotWithID(7))
	assert.ErrorIs(t, err, spec.ErrNotFound)
}

func TestResolveIncremental(t *testing.T) {
	f := newFixture(t, nil)
	first := f.commit(t, f.base, NewAppend().AddFile(dataFile("mem://data/a.parquet", "books", 1)))
	second := f.commit(t, first.Version, NewAppend().AddFile(dataFile("mem://data/b.parquet", "books", 1)))
	third := f.commit(t, second.Version, NewOverwrite().
		DeleteFile("mem://data/a.parquet").
		AddFile(dataFile("mem://data/c.parquet", "books", 1)))
	meta := third.Version.Metadata
	r := NewResolver(f.fio)
	ctx := context.Background()

	changes, err := r.ResolveIncremental(ctx, meta, first.Snapshot.SnapshotID, third.Snapshot.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem://data/b.parquet", "mem://data/c.parquet"}, entryPaths(changes.Added))
	assert.Equal(t, []string{"mem://data/a.parquet"}, entryPaths(changes.Deleted))
	assert.Equal(t, "mem://data/b.parquet", changes.Added[0].DataFile.FilePath)

	changes, err = r.ResolveIncremental(ctx, meta, second.Snapshot.SnapshotID, second.Snapshot.SnapshotID)
	require.NoError(t, err)
	assert.Empty(t, changes.Added)
	assert.Empty(t, changes.Deleted)

	_, err = r.ResolveIncremental(ctx, meta, third.Snapshot.SnapshotID, first.Snapshot.SnapshotID)
	assert.ErrorIs(t, err, spec.ErrNotFound)
	_, err = r.ResolveIncremental(ctx, meta, first.Snapshot.SnapshotID, 99)
	assert.ErrorIs(t, err, spec.ErrNotFound)
}

func TestResolveManifestsWithoutList(t *testing.T) {
	f := newFixture(t, nil)
	res := f.commit(t, f.base, NewAppend().AddFile(
		dataFile("mem://data/a.parquet", "books", 1), dataFile("mem://data/b.parquet", "games", 1)))
	r := NewResolver(f.fio)
	ctx := context.Background()

	listed, err := r.ReadManifestList(ctx, res.Snapshot)
	require.NoError(t, err)
	snap := *res.Snapshot
	snap.ManifestList = ""
	for _, mf := range listed {
		snap.Manifests = append(snap.Manifests, mf.ManifestPath)
	}

	files, err := r.ReadManifestList(ctx, &snap)
	require.NoError(t, err)
	require.Len(t, files, len(listed))
	for i := range files {
		assert.Equal(t, listed[i].ManifestPath, files[i].ManifestPath)
		assert.Equal(t, listed[i].Content, files[i].Content)
		assert.Equal(t, listed[i].PartitionSpecID, files[i].PartitionSpecID)
	}

	entries, err := r.LiveEntries(ctx, &snap, spec.ManifestContentData)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem://data/a.parquet", "mem://data/b.parquet"}, entryPaths(entries))
}

func TestResolveFailures(t *testing.T) {
	f := newFixture(t, nil)
	res := f.commit(t, f.base, NewAppend().AddFile(dataFile("mem://data/a.parquet", "books", 1)))
	r := NewResolver(f.fio)
	ctx := context.Background()

	listed, err := r.ReadManifestList(ctx, res.Snapshot)
	require.NoError(t, err)
	require.NotEmpty(t, listed)

	t.Run("canceled", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := r.ReadManifests(canceled, listed)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("corrupt manifest", func(t *testing.T) {
		require.NoError(t, f.fio.WriteFile(ctx, listed[0].ManifestPath, []byte("not avro")))
		_, err := r.ResolveLive(ctx, res.Version.Metadata, spec.CurrentSnapshotSelector())
		assert.ErrorIs(t, err, spec.ErrCodec)
	})

	t.Run("missing manifest list", func(t *testing.T) {
		snap := *res.Snapshot
		snap.ManifestList = snap.ManifestList + ".gone"
		_, err := r.LiveEntries(ctx, &snap, spec.ManifestContentData)
		assert.ErrorIs(t, err, spec.ErrNotFound)
	})

	t.Run("missing manifest", func(t *testing.T) {
		files := slices.Repeat(listed[:1], 3)
		require.NoError(t, f.fio.Delete(ctx, listed[0].ManifestPath))
		_, err := r.ReadManifests(ctx, files)
		assert.ErrorIs(t, err, spec.ErrNotFound)
	})
}

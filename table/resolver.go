package table

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TennyZhuang/icelake/io"
	"github.com/TennyZhuang/icelake/spec"
)

// DefaultFetchConcurrency bounds parallel manifest reads.
const DefaultFetchConcurrency = 8

// Resolver turns snapshots into the data files they reference.
type Resolver struct {
	fio         io.FileIO
	concurrency int
	logger      *zap.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithFetchConcurrency sets how many manifests are read at once.
func WithFetchConcurrency(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a resolver reading through fio.
func NewResolver(fio io.FileIO, opts ...ResolverOption) *Resolver {
	r := &Resolver{fio: fio, concurrency: DefaultFetchConcurrency, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Changes are the files a range of snapshots added and deleted, oldest
// snapshot first.
type Changes struct {
	Added   []spec.ManifestEntry
	Deleted []spec.ManifestEntry
}

// ReadManifestList returns the manifests of a snapshot. Snapshots written
// without a manifest list name their manifests directly; those are
// described from the manifest headers.
func (r *Resolver) ReadManifestList(ctx context.Context, snap *spec.Snapshot) ([]spec.ManifestFile, error) {
	if snap.ManifestList != "" {
		data, err := r.fio.ReadFile(ctx, snap.ManifestList)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest list of snapshot %d: %w", snap.SnapshotID, err)
		}
		files, err := spec.DecodeManifestList(data)
		if err != nil {
			return nil, spec.AtLocation(err, snap.ManifestList)
		}
		return files, nil
	}

	files := make([]spec.ManifestFile, len(snap.Manifests))
	for i, path := range snap.Manifests {
		files[i] = spec.ManifestFile{ManifestPath: path, AddedSnapshotID: snap.SnapshotID, SequenceNumber: snap.SequenceNumber}
	}
	manifests, err := r.ReadManifests(ctx, files)
	if err != nil {
		return nil, err
	}
	for i, m := range manifests {
		files[i].PartitionSpecID = m.Spec.SpecID
		files[i].Content = m.Content
	}
	return files, nil
}

// ReadManifest reads one manifest. Entries are returned as written, with
// nothing inherited.
func (r *Resolver) ReadManifest(ctx context.Context, mf *spec.ManifestFile) (*spec.Manifest, error) {
	data, err := r.fio.ReadFile(ctx, mf.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := spec.DecodeManifest(data)
	if err != nil {
		return nil, spec.AtLocation(err, mf.ManifestPath)
	}
	return m, nil
}

// ReadManifests reads manifests in parallel and returns them in input
// order. The first failure cancels the remaining reads.
func (r *Resolver) ReadManifests(ctx context.Context, files []spec.ManifestFile) ([]*spec.Manifest, error) {
	out := make([]*spec.Manifest, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := r.ReadManifest(ctx, &files[i])
			if err != nil {
				return err
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveLive returns the ADDED and EXISTING data file entries of the
// selected snapshot in manifest list order, then entry order. Snapshot ids
// and sequence numbers are inherited from the manifests. A table without
// snapshots resolves to no entries for the current selector.
func (r *Resolver) ResolveLive(ctx context.Context, meta *spec.TableMetadata, sel spec.SnapshotSelector) ([]spec.ManifestEntry, error) {
	if sel.IsCurrent() && meta.CurrentSnapshot() == nil {
		return nil, nil
	}
	snap, err := meta.SnapshotAt(sel)
	if err != nil {
		return nil, err
	}
	return r.LiveEntries(ctx, snap, spec.ManifestContentData)
}

// LiveEntries returns the live entries of one content kind in snap.
func (r *Resolver) LiveEntries(ctx context.Context, snap *spec.Snapshot, content spec.ManifestContent) ([]spec.ManifestEntry, error) {
	files, err := r.ReadManifestList(ctx, snap)
	if err != nil {
		return nil, err
	}
	files = filterManifests(files, func(mf *spec.ManifestFile) bool {
		return mf.Content == content && mf.MayHaveLiveFiles()
	})
	manifests, err := r.ReadManifests(ctx, files)
	if err != nil {
		return nil, err
	}

	var entries []spec.ManifestEntry
	for i, m := range manifests {
		for _, e := range m.Entries {
			if e.IsLive() {
				entries = append(entries, e.Inherit(&files[i]))
			}
		}
	}
	r.logger.Debug("resolved live files",
		zap.Int64("snapshot_id", snap.SnapshotID),
		zap.Int("manifests", len(files)),
		zap.Int("files", len(entries)))
	return entries, nil
}

// ResolveIncremental returns what the snapshots after fromID up to and
// including toID changed. fromID must be an ancestor of toID; equal ids
// yield no changes.
func (r *Resolver) ResolveIncremental(ctx context.Context, meta *spec.TableMetadata, fromID, toID int64) (*Changes, error) {
	if meta.SnapshotByID(toID) == nil {
		return nil, &spec.NotFoundError{Kind: "snapshot", Key: fmt.Sprint(toID)}
	}
	if fromID == toID {
		return &Changes{}, nil
	}
	if !meta.IsAncestor(fromID, toID) {
		return nil, &spec.NotFoundError{Kind: "ancestor snapshot", Key: fmt.Sprintf("%d of %d", fromID, toID)}
	}

	// Ancestors lists toID first.
	var chain []*spec.Snapshot
	for _, s := range meta.Ancestors(toID) {
		if s.SnapshotID == fromID {
			break
		}
		chain = append(chain, s)
	}
	return r.chainChanges(ctx, chain)
}

// chainChanges collects what each snapshot of chain authored. chain is
// newest first.
func (r *Resolver) chainChanges(ctx context.Context, chain []*spec.Snapshot) (*Changes, error) {
	changes := &Changes{}
	for i := len(chain) - 1; i >= 0; i-- {
		snap := chain[i]
		files, err := r.ReadManifestList(ctx, snap)
		if err != nil {
			return nil, err
		}
		files = filterManifests(files, func(mf *spec.ManifestFile) bool {
			return mf.Content == spec.ManifestContentData && mf.AddedSnapshotID == snap.SnapshotID
		})
		manifests, err := r.ReadManifests(ctx, files)
		if err != nil {
			return nil, err
		}
		for j, m := range manifests {
			for _, e := range m.Entries {
				e = e.Inherit(&files[j])
				if e.Snapshot() != snap.SnapshotID {
					continue
				}
				switch e.Status {
				case spec.EntryStatusAdded:
					changes.Added = append(changes.Added, e)
				case spec.EntryStatusDeleted:
					changes.Deleted = append(changes.Deleted, e)
				}
			}
		}
	}
	return changes, nil
}

func filterManifests(files []spec.ManifestFile, keep func(*spec.ManifestFile) bool) []spec.ManifestFile {
	out := files[:0:0]
	for i := range files {
		if keep(&files[i]) {
			out = append(out, files[i])
		}
	}
	return out
}

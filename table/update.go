package table

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TennyZhuang/icelake/spec"
)

// IsolationMode decides what a snapshot update checks against commits
// that landed after its base.
type IsolationMode int

const (
	// IsolationAppend only adds files. Concurrent appends never conflict.
	IsolationAppend IsolationMode = iota
	// IsolationOverwrite replaces files. The deleted files must still be
	// live and no concurrent commit may have added files to a partition
	// the update overwrites.
	IsolationOverwrite
)

func (m IsolationMode) String() string {
	if m == IsolationOverwrite {
		return "overwrite"
	}
	return "append"
}

// SnapshotUpdate adds and removes files in one new snapshot.
type SnapshotUpdate struct {
	isolation    IsolationMode
	added        []spec.DataFile
	addedDeletes []spec.DataFile
	deleted      []string
	properties   map[string]string
}

// NewAppend starts an update that only adds files.
func NewAppend() *SnapshotUpdate {
	return &SnapshotUpdate{isolation: IsolationAppend}
}

// NewOverwrite starts an update that may add and remove files.
func NewOverwrite() *SnapshotUpdate {
	return &SnapshotUpdate{isolation: IsolationOverwrite}
}

// AddFile adds data files. Each file stays under the partition spec its
// SpecID names, even when the default spec changed before the commit.
func (u *SnapshotUpdate) AddFile(files ...spec.DataFile) *SnapshotUpdate {
	u.added = append(u.added, files...)
	return u
}

// AddDeleteFile adds position or equality delete files.
func (u *SnapshotUpdate) AddDeleteFile(files ...spec.DataFile) *SnapshotUpdate {
	u.addedDeletes = append(u.addedDeletes, files...)
	return u
}

// DeleteFile removes live data files by path.
func (u *SnapshotUpdate) DeleteFile(paths ...string) *SnapshotUpdate {
	u.deleted = append(u.deleted, paths...)
	return u
}

// Set adds a custom property to the snapshot summary.
func (u *SnapshotUpdate) Set(key, value string) *SnapshotUpdate {
	if u.properties == nil {
		u.properties = make(map[string]string)
	}
	u.properties[key] = value
	return u
}

func (u *SnapshotUpdate) Kind() string { return u.isolation.String() }

// Apply writes the manifests and manifest list of the new snapshot and
// makes it current.
func (u *SnapshotUpdate) Apply(ctx context.Context, cc *CommitContext, b *spec.MetadataBuilder) error {
	meta := cc.Base.Metadata
	version := meta.FormatVersion
	if u.isolation == IsolationAppend && len(u.deleted) > 0 {
		return spec.Validationf("append cannot delete %d files", len(u.deleted))
	}
	if version == spec.FormatVersionV1 && len(u.addedDeletes) > 0 {
		return spec.Validationf("format version 1 tables cannot track delete files")
	}

	schema := meta.CurrentSchema()
	for i := range u.added {
		if u.added[i].Content != spec.FileContentData {
			return spec.Validationf("%s file %s added as a data file", u.added[i].Content, u.added[i].FilePath)
		}
	}
	for i := range u.addedDeletes {
		if u.addedDeletes[i].Content == spec.FileContentData {
			return spec.Validationf("data file %s added as a delete file", u.addedDeletes[i].FilePath)
		}
	}
	dataGroups, err := groupBySpec(meta, u.added)
	if err != nil {
		return err
	}
	deleteGroups, err := groupBySpec(meta, u.addedDeletes)
	if err != nil {
		return err
	}

	parent := meta.CurrentSnapshot()
	snapshotID := cc.NewSnapshotID()
	var seq int64
	if version >= spec.FormatVersionV2 {
		seq = meta.LastSequenceNumber + 1
	}

	var existing []spec.ManifestFile
	if parent != nil {
		if existing, err = cc.Resolver().ReadManifestList(ctx, parent); err != nil {
			return err
		}
	}

	w := &snapshotWriter{cc: cc, version: version, snapshotID: snapshotID, seq: seq}
	var manifests []spec.ManifestFile
	for _, g := range dataGroups {
		mf, err := w.writeManifest(ctx, schema, g.spec, spec.ManifestContentData, g.files)
		if err != nil {
			return err
		}
		manifests = append(manifests, mf)
	}
	for _, g := range deleteGroups {
		mf, err := w.writeManifest(ctx, schema, g.spec, spec.ManifestContentDeletes, g.files)
		if err != nil {
			return err
		}
		manifests = append(manifests, mf)
	}

	carried, removed, err := u.removeFiles(ctx, w, existing)
	if err != nil {
		return err
	}
	manifests = append(manifests, carried...)

	if u.isolation == IsolationOverwrite && len(removed) > 0 {
		if err := checkConcurrentAdds(ctx, cc, removed); err != nil {
			return err
		}
	}

	info := spec.ManifestListInfo{FormatVersion: version, SnapshotID: snapshotID, SequenceNumber: seq}
	if parent != nil {
		parentID := parent.SnapshotID
		info.ParentSnapshotID = &parentID
	}
	list, err := spec.EncodeManifestList(info, manifests)
	if err != nil {
		return fmt.Errorf("failed to encode manifest list: %w", err)
	}
	listPath := cc.MetadataPath(fmt.Sprintf("snap-%d-%d-%s.avro", snapshotID, cc.Attempt, uuid.NewString()))
	if err := cc.WriteFile(ctx, listPath, list); err != nil {
		return err
	}

	schemaID := schema.SchemaID
	snap := spec.Snapshot{
		SnapshotID:       snapshotID,
		ParentSnapshotID: info.ParentSnapshotID,
		SequenceNumber:   seq,
		TimestampMs:      cc.Now().UnixMilli(),
		ManifestList:     listPath,
		Summary:          u.summary(parent, removed),
		SchemaID:         &schemaID,
	}
	b.AddSnapshot(snap).SetCurrentSnapshot(snapshotID)
	cc.setSnapshot(&snap)

	cc.Logger().Debug("prepared snapshot",
		zap.Int64("snapshot_id", snapshotID),
		zap.Int("manifests", len(manifests)),
		zap.Int("added_files", len(u.added)),
		zap.Int("deleted_files", len(removed)))
	return nil
}

// removeFiles carries the base manifests forward, rewriting those that
// hold deleted files. It returns the manifest list tail and the removed
// files.
func (u *SnapshotUpdate) removeFiles(ctx context.Context, w *snapshotWriter, existing []spec.ManifestFile) ([]spec.ManifestFile, []spec.DataFile, error) {
	if len(u.deleted) == 0 {
		return existing, nil, nil
	}
	pending := make(map[string]bool, len(u.deleted))
	for _, p := range u.deleted {
		pending[p] = true
	}

	data := filterManifests(existing, func(mf *spec.ManifestFile) bool {
		return mf.Content == spec.ManifestContentData && mf.MayHaveLiveFiles()
	})
	read, err := w.cc.Resolver().ReadManifests(ctx, data)
	if err != nil {
		return nil, nil, err
	}
	byPath := make(map[string]*spec.Manifest, len(data))
	for i := range data {
		byPath[data[i].ManifestPath] = read[i]
	}

	out := make([]spec.ManifestFile, 0, len(existing))
	var removed []spec.DataFile
	for i := range existing {
		mf := &existing[i]
		m, ok := byPath[mf.ManifestPath]
		if !ok || !holdsAny(m, pending) {
			out = append(out, *mf)
			continue
		}
		rewritten, files, err := w.rewriteManifest(ctx, mf, m, pending)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, rewritten)
		removed = append(removed, files...)
	}
	for _, p := range u.deleted {
		if pending[p] {
			return nil, nil, spec.Validationf("cannot delete %s: file is not live in the table", p)
		}
	}
	return out, removed, nil
}

type specGroup struct {
	spec  *spec.PartitionSpec
	files []spec.DataFile
}

// groupBySpec splits files by the partition spec they were written for,
// in order of first use. A spec id the table does not know is rejected.
func groupBySpec(meta *spec.TableMetadata, files []spec.DataFile) ([]specGroup, error) {
	var groups []specGroup
	index := make(map[int]int)
	for _, f := range files {
		i, ok := index[f.SpecID]
		if !ok {
			p := meta.PartitionSpecByID(f.SpecID)
			if p == nil {
				return nil, spec.Validationf("file %s names unknown partition spec %d", f.FilePath, f.SpecID)
			}
			i = len(groups)
			index[f.SpecID] = i
			groups = append(groups, specGroup{spec: p})
		}
		groups[i].files = append(groups[i].files, f)
	}
	return groups, nil
}

func holdsAny(m *spec.Manifest, paths map[string]bool) bool {
	for i := range m.Entries {
		if m.Entries[i].IsLive() && paths[m.Entries[i].DataFile.FilePath] {
			return true
		}
	}
	return false
}

func (u *SnapshotUpdate) summary(parent *spec.Snapshot, removed []spec.DataFile) *spec.Summary {
	s := &spec.Summary{Operation: spec.OpAppend}
	if len(removed) > 0 || len(u.addedDeletes) > 0 {
		s.Operation = spec.OpDelete
		if len(u.added) > 0 {
			s.Operation = spec.OpOverwrite
		}
	}
	if len(u.properties) > 0 {
		s.Extra = make(map[string]string, len(u.properties))
		for k, v := range u.properties {
			s.Extra[k] = v
		}
	}

	partitions := make(map[string]struct{})
	for i := range u.added {
		f := &u.added[i]
		s.AddedDataFiles++
		s.AddedRecords += f.RecordCount
		s.AddedFileSize += f.FileSizeInBytes
		partitions[partitionKey(f.SpecID, f.Partition)] = struct{}{}
	}
	for i := range removed {
		f := &removed[i]
		s.DeletedDataFiles++
		s.DeletedRecords += f.RecordCount
		s.RemovedFileSize += f.FileSizeInBytes
		partitions[partitionKey(f.SpecID, f.Partition)] = struct{}{}
	}
	for i := range u.addedDeletes {
		f := &u.addedDeletes[i]
		s.AddedDeleteFiles++
		if f.Content == spec.FileContentPositionDeletes {
			s.AddedPositionDeletes += f.RecordCount
		} else {
			s.AddedEqualityDeletes += f.RecordCount
		}
		partitions[partitionKey(f.SpecID, f.Partition)] = struct{}{}
	}
	s.ChangedPartitionCount = int64(len(partitions))

	prev := &spec.Summary{}
	if parent != nil && parent.Summary != nil {
		prev = parent.Summary
	}
	s.TotalRecords = prev.TotalRecords + s.AddedRecords - s.DeletedRecords
	s.TotalDataFiles = prev.TotalDataFiles + s.AddedDataFiles - s.DeletedDataFiles
	s.TotalFileSize = prev.TotalFileSize + s.AddedFileSize - s.RemovedFileSize
	s.TotalDeleteFiles = prev.TotalDeleteFiles + s.AddedDeleteFiles
	s.TotalPositionDeletes = prev.TotalPositionDeletes + s.AddedPositionDeletes
	s.TotalEqualityDeletes = prev.TotalEqualityDeletes + s.AddedEqualityDeletes
	return s
}

// checkConcurrentAdds fails when a commit between the caller's base and
// the attempt's base added a file to a partition this update overwrites.
func checkConcurrentAdds(ctx context.Context, cc *CommitContext, removed []spec.DataFile) error {
	meta := cc.Base.Metadata
	to := meta.CurrentSnapshotID
	from := cc.Original.Metadata.CurrentSnapshotID
	if to == nil || (from != nil && *from == *to) {
		return nil
	}

	var chain []*spec.Snapshot
	for _, s := range meta.Ancestors(*to) {
		if from != nil && s.SnapshotID == *from {
			break
		}
		chain = append(chain, s)
	}
	changes, err := cc.Resolver().chainChanges(ctx, chain)
	if err != nil {
		return err
	}

	overwritten := make(map[string]bool, len(removed))
	for i := range removed {
		overwritten[partitionKey(removed[i].SpecID, removed[i].Partition)] = true
	}
	for _, e := range changes.Added {
		if overwritten[partitionKey(e.DataFile.SpecID, e.DataFile.Partition)] {
			return spec.Validationf("snapshot %d added %s to a partition this overwrite replaces",
				e.Snapshot(), e.DataFile.FilePath)
		}
	}
	return nil
}

func partitionKey(specID int, tuple []any) string {
	return fmt.Sprintf("%d/%v", specID, tuple)
}

// snapshotWriter writes the manifests of one snapshot.
type snapshotWriter struct {
	cc         *CommitContext
	version    spec.FormatVersion
	snapshotID int64
	seq        int64
	count      int
}

func (w *snapshotWriter) nextPath() string {
	w.count++
	return w.cc.MetadataPath(fmt.Sprintf("%s-m%d.avro", uuid.NewString(), w.count-1))
}

func (w *snapshotWriter) writeManifest(ctx context.Context, schema *spec.Schema, p *spec.PartitionSpec, content spec.ManifestContent, files []spec.DataFile) (spec.ManifestFile, error) {
	mw, err := spec.NewManifestWriter(w.version, schema, p, content)
	if err != nil {
		return spec.ManifestFile{}, err
	}
	for _, f := range files {
		id := w.snapshotID
		if err := mw.Append(spec.ManifestEntry{Status: spec.EntryStatusAdded, SnapshotID: &id, DataFile: f}); err != nil {
			return spec.ManifestFile{}, err
		}
	}
	return w.finish(ctx, mw)
}

// rewriteManifest copies the live entries of m, marking those in pending
// as deleted by this snapshot. Matched paths are removed from pending.
func (w *snapshotWriter) rewriteManifest(ctx context.Context, mf *spec.ManifestFile, m *spec.Manifest, pending map[string]bool) (spec.ManifestFile, []spec.DataFile, error) {
	schema := m.Schema
	if schema == nil {
		schema = w.cc.Base.Metadata.CurrentSchema()
	}
	p := m.Spec
	if p == nil {
		p = w.cc.Base.Metadata.PartitionSpecByID(mf.PartitionSpecID)
	}
	mw, err := spec.NewManifestWriter(w.version, schema, p, spec.ManifestContentData)
	if err != nil {
		return spec.ManifestFile{}, nil, err
	}

	var removed []spec.DataFile
	for _, e := range m.Entries {
		if !e.IsLive() {
			continue
		}
		e = e.Inherit(mf)
		if pending[e.DataFile.FilePath] {
			delete(pending, e.DataFile.FilePath)
			id := w.snapshotID
			e.Status = spec.EntryStatusDeleted
			e.SnapshotID = &id
			removed = append(removed, e.DataFile)
		} else {
			e.Status = spec.EntryStatusExisting
		}
		if err := mw.Append(e); err != nil {
			return spec.ManifestFile{}, nil, err
		}
	}
	out, err := w.finish(ctx, mw)
	if err != nil {
		return spec.ManifestFile{}, nil, err
	}
	return out, removed, nil
}

func (w *snapshotWriter) finish(ctx context.Context, mw *spec.ManifestWriter) (spec.ManifestFile, error) {
	data, err := mw.Bytes()
	if err != nil {
		return spec.ManifestFile{}, fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := w.nextPath()
	if err := w.cc.WriteFile(ctx, path, data); err != nil {
		return spec.ManifestFile{}, err
	}
	return mw.ManifestFile(path, int64(len(data)), w.snapshotID, w.seq)
}

// SchemaUpdate evolves the current schema and makes the result current.
type SchemaUpdate struct {
	changes []spec.SchemaChange
}

// NewSchemaUpdate collects schema changes applied in order.
func NewSchemaUpdate(changes ...spec.SchemaChange) *SchemaUpdate {
	return &SchemaUpdate{changes: changes}
}

// Add appends more changes.
func (u *SchemaUpdate) Add(changes ...spec.SchemaChange) *SchemaUpdate {
	u.changes = append(u.changes, changes...)
	return u
}

func (u *SchemaUpdate) Kind() string { return "schema" }

func (u *SchemaUpdate) Apply(_ context.Context, cc *CommitContext, b *spec.MetadataBuilder) error {
	meta := cc.Base.Metadata
	schema, lastColumnID, err := meta.CurrentSchema().Evolve(meta.LastColumnID, u.changes...)
	if err != nil {
		return err
	}
	if err := spec.ValidateSpec(meta.DefaultPartitionSpec(), schema); err != nil {
		return fmt.Errorf("default partition spec %d: %w", meta.DefaultSpecID, err)
	}
	b.AddSchema(schema, lastColumnID).SetCurrentSchema(-1)
	return nil
}

// SpecUpdate derives a new default partition spec from the current one.
type SpecUpdate struct {
	adds    []specFieldAdd
	removes []string
}

type specFieldAdd struct {
	column    string
	name      string
	transform spec.Transform
}

// NewSpecUpdate starts a partition spec change.
func NewSpecUpdate() *SpecUpdate { return &SpecUpdate{} }

// AddField partitions by transform of column. An empty name is derived
// from the column and transform.
func (u *SpecUpdate) AddField(column, name string, t spec.Transform) *SpecUpdate {
	u.adds = append(u.adds, specFieldAdd{column: column, name: name, transform: t})
	return u
}

// RemoveField stops partitioning by the named field. Format version 1
// keeps the field with a void transform.
func (u *SpecUpdate) RemoveField(name string) *SpecUpdate {
	u.removes = append(u.removes, name)
	return u
}

func (u *SpecUpdate) Kind() string { return "partition-spec" }

func (u *SpecUpdate) Apply(_ context.Context, cc *CommitContext, b *spec.MetadataBuilder) error {
	meta := cc.Base.Metadata
	schema := meta.CurrentSchema()
	current := meta.DefaultPartitionSpec()

	fields := append([]spec.PartitionField(nil), current.Fields...)
	for _, name := range u.removes {
		idx := -1
		for i, f := range fields {
			if f.Name == name {
				idx = i
			}
		}
		if idx < 0 {
			return spec.Validationf("cannot remove unknown partition field %q", name)
		}
		if meta.FormatVersion == spec.FormatVersionV1 {
			fields[idx].Transform = spec.TransformVoid
		} else {
			fields = append(fields[:idx], fields[idx+1:]...)
		}
	}

	nextID := meta.LastPartitionID + 1
	for _, add := range u.adds {
		src := schema.FieldByName(add.column)
		if src == nil {
			return spec.Validationf("cannot partition by unknown column %q", add.column)
		}
		name := add.name
		if name == "" {
			name = add.column
			if add.transform != spec.TransformIdentity {
				name = add.column + "_" + add.transform.Kind()
			}
		}
		for _, f := range fields {
			if f.Name == name {
				return spec.Validationf("partition field %q already exists", name)
			}
		}
		id := reusedFieldID(meta, src.ID, add.transform)
		if id == 0 {
			id = nextID
			nextID++
		}
		fields = append(fields, spec.PartitionField{SourceID: src.ID, FieldID: id, Name: name, Transform: add.transform})
	}

	b.AddPartitionSpec(spec.NewPartitionSpec(0, fields...)).SetDefaultSpec(-1)
	return nil
}

// reusedFieldID returns the id an earlier spec gave to the same source and
// transform, or 0.
func reusedFieldID(meta *spec.TableMetadata, sourceID int, t spec.Transform) int {
	for _, p := range meta.PartitionSpecs {
		for _, f := range p.Fields {
			if f.SourceID == sourceID && f.Transform == t {
				return f.FieldID
			}
		}
	}
	return 0
}

// PropertiesUpdate sets and removes table properties.
type PropertiesUpdate struct {
	set    map[string]string
	remove []string
}

// NewPropertiesUpdate starts a property change.
func NewPropertiesUpdate() *PropertiesUpdate {
	return &PropertiesUpdate{set: make(map[string]string)}
}

func (u *PropertiesUpdate) Set(key, value string) *PropertiesUpdate {
	u.set[key] = value
	return u
}

func (u *PropertiesUpdate) Remove(keys ...string) *PropertiesUpdate {
	u.remove = append(u.remove, keys...)
	return u
}

func (u *PropertiesUpdate) Kind() string { return "properties" }

func (u *PropertiesUpdate) Apply(_ context.Context, _ *CommitContext, b *spec.MetadataBuilder) error {
	for _, k := range u.remove {
		if _, ok := u.set[k]; ok {
			return spec.Validationf("property %q is both set and removed", k)
		}
	}
	b.SetProperties(u.set).RemoveProperties(u.remove...)
	return nil
}

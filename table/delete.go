package table

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/TennyZhuang/icelake/spec"
)

// DeleteBuilder assembles a delete commit. Rows are never read: whole
// files are dropped by a filter over identity partition columns, and
// row-level deletes arrive as positions or key rows the caller computed.
type DeleteBuilder struct {
	table      *Table
	filter     *Expression
	positions  []positionDeleteGroup
	equalities []equalityDeleteGroup
	properties map[string]string
}

type positionDeleteGroup struct {
	partition []any
	deletes   []PositionDelete
}

type equalityDeleteGroup struct {
	partition   []any
	equalityIDs []int
	records     []arrow.Record
}

// NewDelete starts a delete.
func (t *Table) NewDelete() *DeleteBuilder {
	return &DeleteBuilder{table: t}
}

// Where drops every live data file whose partition satisfies filter. The
// filter may only read columns with an identity partition field, so a
// file either matches as a whole or not at all.
func (b *DeleteBuilder) Where(filter *Expression) *DeleteBuilder {
	b.filter = filter
	return b
}

// Positions records row positions to delete in one partition.
func (b *DeleteBuilder) Positions(partition []any, deletes ...PositionDelete) *DeleteBuilder {
	b.positions = append(b.positions, positionDeleteGroup{partition: partition, deletes: deletes})
	return b
}

// Equalities records rows whose equalityIDs columns identify rows to
// delete in one partition.
func (b *DeleteBuilder) Equalities(partition []any, equalityIDs []int, records ...arrow.Record) *DeleteBuilder {
	b.equalities = append(b.equalities, equalityDeleteGroup{partition: partition, equalityIDs: equalityIDs, records: records})
	return b
}

// Set adds a snapshot summary property.
func (b *DeleteBuilder) Set(key, value string) *DeleteBuilder {
	if b.properties == nil {
		b.properties = make(map[string]string)
	}
	b.properties[key] = value
	return b
}

// Execute writes the delete files and commits one snapshot.
func (b *DeleteBuilder) Execute(ctx context.Context) (*CommitResult, error) {
	if b.filter == nil && len(b.positions) == 0 && len(b.equalities) == 0 {
		return nil, spec.Validationf("delete has no filter and no row deletes")
	}
	update := NewOverwrite()
	for k, v := range b.properties {
		update.Set(k, v)
	}

	if b.filter != nil {
		paths, err := b.matchingFiles(ctx)
		if err != nil {
			return nil, err
		}
		update.DeleteFile(paths...)
	}

	writer := NewDeleteFileWriter(b.table)
	for _, g := range b.positions {
		df, err := writer.WritePositionDeletes(ctx, g.partition, g.deletes)
		if err != nil {
			return nil, err
		}
		update.AddDeleteFile(*df)
	}
	for _, g := range b.equalities {
		df, err := writer.WriteEqualityDeletes(ctx, g.partition, g.equalityIDs, g.records)
		if err != nil {
			return nil, err
		}
		update.AddDeleteFile(*df)
	}

	res, err := b.table.Commit(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return res, nil
}

func (b *DeleteBuilder) matchingFiles(ctx context.Context) ([]string, error) {
	meta := b.table.Metadata()
	bound, err := Bind(meta.CurrentSchema(), b.filter, true)
	if err != nil {
		return nil, err
	}
	live, err := b.table.CurrentDataFiles(ctx)
	if err != nil {
		return nil, err
	}

	identity := make(map[int]map[int]int)
	var paths []string
	for i := range live {
		f := &live[i]
		positions, ok := identity[f.SpecID]
		if !ok {
			pspec := meta.PartitionSpecByID(f.SpecID)
			if pspec == nil {
				return nil, &spec.NotFoundError{Kind: "partition spec", Key: fmt.Sprint(f.SpecID)}
			}
			if positions, err = identityPositions(bound, pspec); err != nil {
				return nil, err
			}
			identity[f.SpecID] = positions
		}
		matched := bound.Eval(func(id int) any {
			pos := positions[id]
			if pos >= len(f.Partition) {
				return nil
			}
			return f.Partition[pos]
		})
		if matched {
			paths = append(paths, f.FilePath)
		}
	}
	return paths, nil
}

// identityPositions maps each field the filter reads to its identity
// partition position in pspec.
func identityPositions(bound *BoundExpr, pspec *spec.PartitionSpec) (map[int]int, error) {
	positions := make(map[int]int)
	for _, id := range bound.FieldIDs() {
		found := false
		for i, pf := range pspec.Fields {
			if pf.SourceID == id && pf.Transform == spec.TransformIdentity {
				positions[id] = i
				found = true
				break
			}
		}
		if !found {
			return nil, spec.Validationf("delete filter reads field %d, which spec %d does not partition by identity", id, pspec.SpecID)
		}
	}
	return positions, nil
}

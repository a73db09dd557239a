package catalog

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/TennyZhuang/icelake/spec"
)

// Requirement and update types of the REST commit request.
const (
	requireTableUUID     = "assert-table-uuid"
	requireRefSnapshotID = "assert-ref-snapshot-id"
	requireLastFieldID   = "assert-last-assigned-field-id"
	requireCurrentSchema = "assert-current-schema-id"
	requireDefaultSpec   = "assert-default-spec-id"

	actionUpgradeFormat    = "upgrade-format-version"
	actionAddSchema        = "add-schema"
	actionSetCurrentSchema = "set-current-schema"
	actionAddSpec          = "add-spec"
	actionSetDefaultSpec   = "set-default-spec"
	actionAddSortOrder     = "add-sort-order"
	actionSetDefaultOrder  = "set-default-sort-order"
	actionAddSnapshot      = "add-snapshot"
	actionSetSnapshotRef   = "set-snapshot-ref"
	actionSetLocation      = "set-location"
	actionSetProperties    = "set-properties"
	actionRemoveProperties = "remove-properties"
)

// TableRequirement represents a requirement that must be met before committing changes.
type TableRequirement struct {
	Type                string  `json:"type"`
	Ref                 *string `json:"ref,omitempty"`
	UUID                *string `json:"uuid,omitempty"`
	SnapshotID          *int64  `json:"snapshot-id,omitempty"`
	LastAssignedFieldID *int    `json:"last-assigned-field-id,omitempty"`
	CurrentSchemaID     *int    `json:"current-schema-id,omitempty"`
	DefaultSpecID       *int    `json:"default-spec-id,omitempty"`
}

// MarshalJSON writes an explicit null snapshot id for a ref that must not
// exist yet.
func (r TableRequirement) MarshalJSON() ([]byte, error) {
	type alias TableRequirement
	data, err := json.Marshal(alias(r))
	if err != nil || r.Type != requireRefSnapshotID || r.SnapshotID != nil {
		return data, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m["snapshot-id"] = nil
	return json.Marshal(m)
}

// TableUpdate represents an update to apply to a table.
type TableUpdate struct {
	Action              string              `json:"action"`
	Format              *int                `json:"format-version,omitempty"`
	Schema              *spec.Schema        `json:"schema,omitempty"`
	SchemaID            *int                `json:"schema-id,omitempty"`
	LastAssignedFieldID *int                `json:"last-column-id,omitempty"`
	Spec                *spec.PartitionSpec `json:"spec,omitempty"`
	SpecID              *int                `json:"spec-id,omitempty"`
	SortOrder           *spec.SortOrder     `json:"sort-order,omitempty"`
	SortOrderID         *int                `json:"sort-order-id,omitempty"`
	Snapshot            *spec.Snapshot      `json:"snapshot,omitempty"`
	RefName             *string             `json:"ref-name,omitempty"`
	Type                *string             `json:"type,omitempty"`
	SnapshotID          *int64              `json:"snapshot-id,omitempty"`
	Location            *string             `json:"location,omitempty"`
	Removals            []string            `json:"removals,omitempty"`
	Updates             map[string]string   `json:"updates,omitempty"`
}

// RequireAssertTableUUID requires a specific table UUID.
func RequireAssertTableUUID(uuid string) TableRequirement {
	return TableRequirement{Type: requireTableUUID, UUID: &uuid}
}

// RequireAssertRefSnapshotID requires a ref to point at a snapshot. A nil
// id requires the ref to be absent.
func RequireAssertRefSnapshotID(ref string, snapshotID *int64) TableRequirement {
	return TableRequirement{Type: requireRefSnapshotID, Ref: &ref, SnapshotID: snapshotID}
}

// RequireAssertLastAssignedFieldID requires a specific last assigned field ID.
func RequireAssertLastAssignedFieldID(id int) TableRequirement {
	return TableRequirement{Type: requireLastFieldID, LastAssignedFieldID: &id}
}

// RequireAssertCurrentSchemaID requires a specific current schema ID.
func RequireAssertCurrentSchemaID(id int) TableRequirement {
	return TableRequirement{Type: requireCurrentSchema, CurrentSchemaID: &id}
}

// RequireAssertDefaultSpecID requires a specific default spec ID.
func RequireAssertDefaultSpecID(id int) TableRequirement {
	return TableRequirement{Type: requireDefaultSpec, DefaultSpecID: &id}
}

// UpdateUpgradeFormatVersion upgrades the format version.
func UpdateUpgradeFormatVersion(version int) TableUpdate {
	return TableUpdate{Action: actionUpgradeFormat, Format: &version}
}

// UpdateAddSchema adds a new schema.
func UpdateAddSchema(schema *spec.Schema, lastColumnID int) TableUpdate {
	return TableUpdate{Action: actionAddSchema, Schema: schema, LastAssignedFieldID: &lastColumnID}
}

// UpdateSetCurrentSchema sets the current schema.
func UpdateSetCurrentSchema(schemaID int) TableUpdate {
	return TableUpdate{Action: actionSetCurrentSchema, SchemaID: &schemaID}
}

// UpdateAddPartitionSpec adds a partition spec.
func UpdateAddPartitionSpec(p *spec.PartitionSpec) TableUpdate {
	return TableUpdate{Action: actionAddSpec, Spec: p}
}

// UpdateSetDefaultSpec sets the default partition spec.
func UpdateSetDefaultSpec(specID int) TableUpdate {
	return TableUpdate{Action: actionSetDefaultSpec, SpecID: &specID}
}

// UpdateAddSortOrder adds a sort order.
func UpdateAddSortOrder(order *spec.SortOrder) TableUpdate {
	return TableUpdate{Action: actionAddSortOrder, SortOrder: order}
}

// UpdateSetDefaultSortOrder sets the default sort order.
func UpdateSetDefaultSortOrder(sortOrderID int) TableUpdate {
	return TableUpdate{Action: actionSetDefaultOrder, SortOrderID: &sortOrderID}
}

// UpdateAddSnapshot adds a snapshot.
func UpdateAddSnapshot(snapshot *spec.Snapshot) TableUpdate {
	return TableUpdate{Action: actionAddSnapshot, Snapshot: snapshot}
}

// UpdateSetSnapshotRef sets a snapshot reference.
func UpdateSetSnapshotRef(refName string, snapshotID int64, refType string) TableUpdate {
	return TableUpdate{
		Action:     actionSetSnapshotRef,
		RefName:    &refName,
		SnapshotID: &snapshotID,
		Type:       &refType,
	}
}

// UpdateSetLocation sets the table location.
func UpdateSetLocation(location string) TableUpdate {
	return TableUpdate{Action: actionSetLocation, Location: &location}
}

// UpdateSetProperties sets table properties.
func UpdateSetProperties(updates map[string]string) TableUpdate {
	return TableUpdate{Action: actionSetProperties, Updates: updates}
}

// UpdateRemoveProperties removes table properties.
func UpdateRemoveProperties(removals []string) TableUpdate {
	return TableUpdate{Action: actionRemoveProperties, Removals: removals}
}

// Requirements returns the preconditions a commit derived from base
// carries: same table, same main branch head, same schema and spec
// counters.
func Requirements(base *spec.TableMetadata) []TableRequirement {
	var head *int64
	if ref, ok := base.Refs[spec.MainBranch]; ok {
		id := ref.SnapshotID
		head = &id
	}
	reqs := []TableRequirement{
		RequireAssertRefSnapshotID(spec.MainBranch, head),
		RequireAssertLastAssignedFieldID(base.LastColumnID),
		RequireAssertCurrentSchemaID(base.CurrentSchemaID),
		RequireAssertDefaultSpecID(base.DefaultSpecID),
	}
	if base.TableUUID != "" {
		reqs = append([]TableRequirement{RequireAssertTableUUID(base.TableUUID)}, reqs...)
	}
	return reqs
}

// DiffMetadata expresses next as updates over base. Snapshot log and
// metadata log changes are not sent; the server derives them.
func DiffMetadata(base, next *spec.TableMetadata) []TableUpdate {
	var updates []TableUpdate
	if next.FormatVersion > base.FormatVersion {
		updates = append(updates, UpdateUpgradeFormatVersion(int(next.FormatVersion)))
	}

	for _, s := range next.Schemas {
		if base.SchemaByID(s.SchemaID) == nil {
			updates = append(updates, UpdateAddSchema(s, next.LastColumnID))
		}
	}
	if next.CurrentSchemaID != base.CurrentSchemaID {
		updates = append(updates, UpdateSetCurrentSchema(next.CurrentSchemaID))
	}

	for _, p := range next.PartitionSpecs {
		if base.PartitionSpecByID(p.SpecID) == nil {
			updates = append(updates, UpdateAddPartitionSpec(p))
		}
	}
	if next.DefaultSpecID != base.DefaultSpecID {
		updates = append(updates, UpdateSetDefaultSpec(next.DefaultSpecID))
	}

	known := make(map[int]bool, len(base.SortOrders))
	for _, o := range base.SortOrders {
		known[o.OrderID] = true
	}
	for _, o := range next.SortOrders {
		if !known[o.OrderID] {
			updates = append(updates, UpdateAddSortOrder(o))
		}
	}
	if next.DefaultSortOrderID != base.DefaultSortOrderID {
		updates = append(updates, UpdateSetDefaultSortOrder(next.DefaultSortOrderID))
	}

	for i := range next.Snapshots {
		s := next.Snapshots[i]
		if base.SnapshotByID(s.SnapshotID) == nil {
			updates = append(updates, UpdateAddSnapshot(&s))
		}
	}
	refNames := make([]string, 0, len(next.Refs))
	for name := range next.Refs {
		refNames = append(refNames, name)
	}
	sort.Strings(refNames)
	for _, name := range refNames {
		ref := next.Refs[name]
		if prev, ok := base.Refs[name]; !ok || prev.SnapshotID != ref.SnapshotID || prev.Type != ref.Type {
			updates = append(updates, UpdateSetSnapshotRef(name, ref.SnapshotID, ref.Type))
		}
	}

	if next.Location != base.Location {
		updates = append(updates, UpdateSetLocation(next.Location))
	}

	set := make(map[string]string)
	for k, v := range next.Properties {
		if old, ok := base.Properties[k]; !ok || old != v {
			set[k] = v
		}
	}
	if len(set) > 0 {
		updates = append(updates, UpdateSetProperties(set))
	}
	var removed []string
	for k := range base.Properties {
		if _, ok := next.Properties[k]; !ok {
			removed = append(removed, k)
		}
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		updates = append(updates, UpdateRemoveProperties(removed))
	}
	return updates
}

// CheckRequirements validates reqs against the current metadata. A failed
// requirement is reported as ErrCommitConflict.
func CheckRequirements(current *spec.TableMetadata, reqs []TableRequirement) error {
	for _, r := range reqs {
		ok := true
		switch r.Type {
		case requireTableUUID:
			ok = r.UUID != nil && *r.UUID == current.TableUUID
		case requireRefSnapshotID:
			ref, exists := current.Refs[deref(r.Ref)]
			if r.SnapshotID == nil {
				ok = !exists
			} else {
				ok = exists && ref.SnapshotID == *r.SnapshotID
			}
		case requireLastFieldID:
			ok = r.LastAssignedFieldID != nil && *r.LastAssignedFieldID == current.LastColumnID
		case requireCurrentSchema:
			ok = r.CurrentSchemaID != nil && *r.CurrentSchemaID == current.CurrentSchemaID
		case requireDefaultSpec:
			ok = r.DefaultSpecID != nil && *r.DefaultSpecID == current.DefaultSpecID
		default:
			return spec.Validationf("unknown requirement %q", r.Type)
		}
		if !ok {
			return fmt.Errorf("requirement %s failed: %w", r.Type, ErrCommitConflict)
		}
	}
	return nil
}

// ApplyUpdates derives a new metadata version from current.
func ApplyUpdates(current *spec.TableMetadata, updates []TableUpdate) (*spec.TableMetadata, error) {
	b := spec.NewMetadataBuilder(current)
	for _, u := range updates {
		switch u.Action {
		case actionUpgradeFormat:
			if u.Format == nil {
				return nil, missingField(u, "format-version")
			}
			b.UpgradeFormatVersion(spec.FormatVersion(*u.Format))
		case actionAddSchema:
			if u.Schema == nil {
				return nil, missingField(u, "schema")
			}
			last := u.Schema.HighestFieldID()
			if u.LastAssignedFieldID != nil {
				last = *u.LastAssignedFieldID
			}
			if last < current.LastColumnID {
				last = current.LastColumnID
			}
			b.AddSchema(u.Schema, last)
		case actionSetCurrentSchema:
			if u.SchemaID == nil {
				return nil, missingField(u, "schema-id")
			}
			b.SetCurrentSchema(*u.SchemaID)
		case actionAddSpec:
			if u.Spec == nil {
				return nil, missingField(u, "spec")
			}
			b.AddPartitionSpec(u.Spec)
		case actionSetDefaultSpec:
			if u.SpecID == nil {
				return nil, missingField(u, "spec-id")
			}
			b.SetDefaultSpec(*u.SpecID)
		case actionAddSortOrder:
			if u.SortOrder == nil {
				return nil, missingField(u, "sort-order")
			}
			b.AddSortOrder(u.SortOrder)
		case actionSetDefaultOrder:
			if u.SortOrderID == nil {
				return nil, missingField(u, "sort-order-id")
			}
			b.SetDefaultSortOrder(*u.SortOrderID)
		case actionAddSnapshot:
			if u.Snapshot == nil {
				return nil, missingField(u, "snapshot")
			}
			b.AddSnapshot(*u.Snapshot)
		case actionSetSnapshotRef:
			if u.RefName == nil || u.SnapshotID == nil {
				return nil, missingField(u, "ref-name")
			}
			refType := spec.RefBranch
			if u.Type != nil {
				refType = *u.Type
			}
			b.SetRef(*u.RefName, spec.SnapshotRef{SnapshotID: *u.SnapshotID, Type: refType})
		case actionSetLocation:
			if u.Location == nil {
				return nil, missingField(u, "location")
			}
			b.SetLocation(*u.Location)
		case actionSetProperties:
			b.SetProperties(u.Updates)
		case actionRemoveProperties:
			b.RemoveProperties(u.Removals...)
		default:
			return nil, spec.Validationf("unknown table update %q", u.Action)
		}
	}
	return b.Build()
}

func missingField(u TableUpdate, field string) error {
	return spec.Validationf("update %s is missing %s", u.Action, field)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

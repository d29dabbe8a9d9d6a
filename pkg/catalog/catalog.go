package catalog

import (
	"fmt"

	"github.com/fieldmesh/edgecore/pkg/types"
)

// ChangeKind names what happened to a CatalogRecord, mirroring the Sync
// frame's change_kind field for catalog resources.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Edit is one cloud-side catalog mutation request, prior to being
// assigned an id and version.
type Edit struct {
	TenantID string
	SKU      string
	Name     string
	Price    types.Fixed
	Kind     ChangeKind
	RecordID string // required for ChangeUpdated/ChangeDeleted
}

// Validate checks the structural invariants an Edit must satisfy before
// it can be written to the authoritative store.
func (e Edit) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("catalog: edit missing tenant_id")
	}
	if e.Kind != ChangeCreated && e.RecordID == "" {
		return fmt.Errorf("catalog: %s edit missing record id", e.Kind)
	}
	if e.Kind == ChangeCreated && e.SKU == "" {
		return fmt.Errorf("catalog: created edit missing sku")
	}
	return nil
}

// Apply produces the next CatalogRecord for an edit, given the tenant's
// current catalog version (the caller is responsible for persisting the
// bumped version transactionally alongside the record).
func Apply(edit Edit, existing *types.CatalogRecord, nextVersion uint64) (*types.CatalogRecord, error) {
	if err := edit.Validate(); err != nil {
		return nil, err
	}

	switch edit.Kind {
	case ChangeCreated:
		id, err := NewID()
		if err != nil {
			return nil, err
		}
		return &types.CatalogRecord{
			ID:       fmt.Sprintf("%d", id),
			TenantID: edit.TenantID,
			SKU:      edit.SKU,
			Name:     edit.Name,
			Price:    edit.Price,
			Version:  nextVersion,
		}, nil
	case ChangeUpdated:
		if existing == nil {
			return nil, fmt.Errorf("catalog: update of unknown record %s", edit.RecordID)
		}
		updated := *existing
		if edit.Name != "" {
			updated.Name = edit.Name
		}
		updated.Price = edit.Price
		updated.Version = nextVersion
		return &updated, nil
	case ChangeDeleted:
		if existing == nil {
			return nil, fmt.Errorf("catalog: delete of unknown record %s", edit.RecordID)
		}
		deleted := *existing
		deleted.Deleted = true
		deleted.Version = nextVersion
		return &deleted, nil
	default:
		return nil, fmt.Errorf("catalog: unknown change kind %q", edit.Kind)
	}
}

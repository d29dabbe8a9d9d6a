package catalog

import (
	"testing"

	"github.com/fieldmesh/edgecore/pkg/types"
)

func TestApplyCreatedAssignsID(t *testing.T) {
	rec, err := Apply(Edit{TenantID: "t1", SKU: "SKU-1", Name: "Burger", Kind: ChangeCreated}, nil, 1)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected a generated id")
	}
	if rec.Version != 1 {
		t.Fatalf("got version %d, want 1", rec.Version)
	}
}

func TestApplyUpdateRequiresExisting(t *testing.T) {
	_, err := Apply(Edit{TenantID: "t1", Kind: ChangeUpdated, RecordID: "123"}, nil, 2)
	if err == nil {
		t.Fatal("expected error updating unknown record")
	}
}

func TestApplyDeleteMarksDeleted(t *testing.T) {
	existing := &types.CatalogRecord{ID: "123", TenantID: "t1", SKU: "SKU-1", Version: 1}
	rec, err := Apply(Edit{TenantID: "t1", Kind: ChangeDeleted, RecordID: "123"}, existing, 2)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !rec.Deleted {
		t.Fatal("expected Deleted to be true")
	}
}

func TestEditValidateRejectsMissingTenant(t *testing.T) {
	if err := (Edit{Kind: ChangeCreated, SKU: "x"}).Validate(); err == nil {
		t.Fatal("expected error for missing tenant_id")
	}
}

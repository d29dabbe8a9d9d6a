package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fieldmesh/edgecore/pkg/catalog"
	"github.com/fieldmesh/edgecore/pkg/cloudcontrol"
	"github.com/fieldmesh/edgecore/pkg/cloudstore"
	"github.com/fieldmesh/edgecore/pkg/config"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a catalog manifest to one tenant's edge",
	Long: `apply reads a YAML catalog manifest and runs each record edit
through cloudcontrol. posctl holds no edge connection, so it never
pushes live: every edit is left in the pending-op queue for delivery
on the edge's next reconnect.

Manifest shape:

  tenantId: acme-hardware
  edgeId: store-04
  records:
    - kind: created
      sku: "SKU-1001"
      name: "16oz Hammer"
      price: 1999
    - kind: updated
      recordId: "258696806401234"
      name: "16oz Hammer (Fiberglass)"
      price: 2199
    - kind: deleted
      recordId: "258696806401234"
`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

// catalogManifest is the on-disk shape of a bulk catalog-apply request.
type catalogManifest struct {
	TenantID string          `yaml:"tenantId"`
	EdgeID   string          `yaml:"edgeId"`
	Records  []manifestEntry `yaml:"records"`
}

type manifestEntry struct {
	Kind     string `yaml:"kind"`
	RecordID string `yaml:"recordId,omitempty"`
	SKU      string `yaml:"sku,omitempty"`
	Name     string `yaml:"name,omitempty"`
	Price    int64  `yaml:"price,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var manifest catalogManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if manifest.TenantID == "" || manifest.EdgeID == "" {
		return fmt.Errorf("manifest missing tenantId or edgeId")
	}

	cfg, err := config.LoadCloudConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := cloudstore.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer store.Close()

	// posctl runs offline from any connected edge, so it never delivers
	// live — every edit it applies lands in the pending-op queue and is
	// drained on the edge's next reconnect. cloudcontrol.New accepts a
	// nil Pusher for exactly this: ApplyEdit treats c.pusher == nil the
	// same as a pusher reporting the edge isn't connected.
	control := cloudcontrol.New(store, nil)

	for i, entry := range manifest.Records {
		edit := catalog.Edit{
			TenantID: manifest.TenantID,
			SKU:      entry.SKU,
			Name:     entry.Name,
			Price:    types.Fixed(entry.Price),
			Kind:     catalog.ChangeKind(entry.Kind),
			RecordID: entry.RecordID,
		}
		rec, err := control.ApplyEdit(ctx, manifest.EdgeID, edit)
		if err != nil {
			return fmt.Errorf("record %d (%s): %w", i, entry.Kind, err)
		}
		fmt.Printf("applied %s: record %s (sku=%s version=%d)\n", entry.Kind, rec.ID, rec.SKU, rec.Version)
	}
	return nil
}

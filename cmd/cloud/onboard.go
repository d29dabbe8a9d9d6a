package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fieldmesh/edgecore/pkg/cloudcontrol"
	"github.com/fieldmesh/edgecore/pkg/cloudstore"
	"github.com/fieldmesh/edgecore/pkg/config"
	"github.com/fieldmesh/edgecore/pkg/identitystore"
	"github.com/fieldmesh/edgecore/pkg/storage"
	"github.com/spf13/cobra"
)

var onboardTenantCmd = &cobra.Command{
	Use:   "onboard-tenant",
	Short: "Create a tenant, its subscription, and its intermediate CA",
	Long: `onboard-tenant is the control plane's out-of-band provisioning
step: it creates the tenant row, activates a subscription plan, and
issues the tenant's intermediate CA so the first edge enrolled for this
tenant has something to request a device cert under.`,
	RunE: runOnboardTenant,
}

func init() {
	onboardTenantCmd.Flags().String("tenant-id", "", "Tenant id to create (required)")
	onboardTenantCmd.Flags().String("name", "", "Tenant display name (required)")
	onboardTenantCmd.Flags().String("plan", "standard", "Subscription plan name")
	onboardTenantCmd.Flags().Duration("validity", 365*24*time.Hour, "Subscription validity from now")
	_ = onboardTenantCmd.MarkFlagRequired("tenant-id")
	_ = onboardTenantCmd.MarkFlagRequired("name")
}

func runOnboardTenant(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadCloudConfig(cmd)
	if err != nil {
		return err
	}
	tenantID, _ := cmd.Flags().GetString("tenant-id")
	name, _ := cmd.Flags().GetString("name")
	plan, _ := cmd.Flags().GetString("plan")
	validity, _ := cmd.Flags().GetDuration("validity")

	ctx := context.Background()
	pgStore, err := cloudstore.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pgStore.Close()

	if _, err := pgStore.CreateTenant(ctx, tenantID, name); err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}

	control := cloudcontrol.New(pgStore, nil)
	if err := control.ActivateTenant(ctx, tenantID, plan, time.Now().Add(validity)); err != nil {
		return fmt.Errorf("activate subscription: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	boltStore, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open bolt store: %w", err)
	}
	defer boltStore.Close()

	identity, err := identitystore.Open(boltStore)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	if err := identity.GetOrCreateRootCA(); err != nil {
		return fmt.Errorf("root CA: %w", err)
	}
	if _, err := identity.LoadTenantCA(tenantID); err != nil {
		return fmt.Errorf("issue tenant CA: %w", err)
	}

	fmt.Printf("Onboarded tenant %q (%s), plan %q expiring %s\n", tenantID, name, plan, time.Now().Add(validity).Format(time.RFC3339))
	return nil
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldmesh/edgecore/pkg/cloudcontrol"
	"github.com/fieldmesh/edgecore/pkg/cloudstore"
	"github.com/fieldmesh/edgecore/pkg/config"
	"github.com/spf13/cobra"
)

var activateTenantCmd = &cobra.Command{
	Use:   "activate-tenant",
	Short: "Activate or renew a tenant's subscription",
	RunE:  runActivateTenant,
}

func init() {
	activateTenantCmd.Flags().String("tenant-id", "", "Tenant id to activate (required)")
	activateTenantCmd.Flags().String("plan", "standard", "Subscription plan name")
	activateTenantCmd.Flags().Duration("validity", 365*24*time.Hour, "Subscription validity from now")
	_ = activateTenantCmd.MarkFlagRequired("tenant-id")
}

func runActivateTenant(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadCloudConfig(cmd)
	if err != nil {
		return err
	}
	tenantID, _ := cmd.Flags().GetString("tenant-id")
	plan, _ := cmd.Flags().GetString("plan")
	validity, _ := cmd.Flags().GetDuration("validity")

	ctx := context.Background()
	store, err := cloudstore.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer store.Close()

	control := cloudcontrol.New(store, nil)
	expiresAt := time.Now().Add(validity)
	if err := control.ActivateTenant(ctx, tenantID, plan, expiresAt); err != nil {
		return fmt.Errorf("activate tenant: %w", err)
	}

	fmt.Printf("Tenant %q subscription set to plan %q, expires %s\n", tenantID, plan, expiresAt.Format(time.RFC3339))
	return nil
}

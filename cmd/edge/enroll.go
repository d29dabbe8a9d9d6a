package main

import (
	"crypto/x509"
	"fmt"
	"os"

	"github.com/fieldmesh/edgecore/pkg/config"
	"github.com/fieldmesh/edgecore/pkg/identitystore"
	"github.com/fieldmesh/edgecore/pkg/security"
	"github.com/fieldmesh/edgecore/pkg/storage"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/spf13/cobra"
)

var enrollTerminalCmd = &cobra.Command{
	Use:   "enroll-terminal",
	Short: "Mint a POS terminal device certificate and export it as a PKCS-12 bundle",
	Long: `enroll-terminal issues a device certificate under this edge's tenant
CA and writes it as a password-protected PKCS-12 bundle, for offline
transport to a terminal during setup (the same chain-of-trust the
terminal's mTLS handshake against this edge will later be checked
against).`,
	RunE: runEnrollTerminal,
}

func init() {
	enrollTerminalCmd.Flags().String("device-id", "", "Terminal device id to enroll (required)")
	enrollTerminalCmd.Flags().String("client-name", "", "Human-readable label for the terminal (e.g. register 3)")
	enrollTerminalCmd.Flags().String("out", "", "Output PKCS-12 bundle path (required)")
	enrollTerminalCmd.Flags().String("password", "", "PKCS-12 bundle password (required)")
	_ = enrollTerminalCmd.MarkFlagRequired("device-id")
	_ = enrollTerminalCmd.MarkFlagRequired("out")
	_ = enrollTerminalCmd.MarkFlagRequired("password")
}

func runEnrollTerminal(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadEdgeConfig(cmd)
	if err != nil {
		return err
	}

	deviceID, _ := cmd.Flags().GetString("device-id")
	clientName, _ := cmd.Flags().GetString("client-name")
	outPath, _ := cmd.Flags().GetString("out")
	password, _ := cmd.Flags().GetString("password")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open bolt store: %w", err)
	}
	defer store.Close()

	identity, err := identitystore.Open(store)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	if err := identity.GetOrCreateRootCA(); err != nil {
		return fmt.Errorf("root CA: %w", err)
	}
	tenantCert, err := identity.LoadTenantCA(cfg.TenantID)
	if err != nil {
		return fmt.Errorf("tenant CA: %w", err)
	}

	cert, err := identity.CA().IssueDeviceCert(security.DeviceCertProfile{
		TenantID:   cfg.TenantID,
		DeviceID:   deviceID,
		ClientName: clientName,
		Role:       string(types.DeviceRoleTerminal),
	})
	if err != nil {
		return fmt.Errorf("issue terminal cert: %w", err)
	}

	if err := identity.SaveDevice(&types.Device{
		ID:       deviceID,
		TenantID: cfg.TenantID,
		Role:     types.DeviceRoleTerminal,
		Name:     clientName,
	}); err != nil {
		return fmt.Errorf("save device record: %w", err)
	}
	if err := identity.SaveActivation(deviceID, cert); err != nil {
		return fmt.Errorf("save activation record: %w", err)
	}

	bundle, err := security.ExportPKCS12(cert, []*x509.Certificate{tenantCert}, password)
	if err != nil {
		return fmt.Errorf("export PKCS-12 bundle: %w", err)
	}
	if err := os.WriteFile(outPath, bundle, 0o600); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}

	fmt.Printf("Enrolled terminal %q; bundle written to %s\n", deviceID, outPath)
	return nil
}

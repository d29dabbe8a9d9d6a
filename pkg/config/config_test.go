package config

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEdgeConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadEdgeConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.CloudLinkEnabled)
	assert.Equal(t, 30, cfg.HotRetentionDays)
	assert.Equal(t, time.Hour, cfg.ArchivalInterval)
}

func TestLoadEdgeConfigFlagOverridesEnv(t *testing.T) {
	t.Setenv("EDGECORE_EDGE_ID", "from-env")

	cmd := &cobra.Command{}
	cmd.Flags().String("edge-id", "", "")
	require.NoError(t, cmd.Flags().Set("edge-id", "from-flag"))

	cfg, err := LoadEdgeConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.EdgeID)
}

func TestLoadEdgeConfigUnsetFlagDoesNotOverrideEnv(t *testing.T) {
	t.Setenv("EDGECORE_TENANT_ID", "tenant-from-env")

	cmd := &cobra.Command{}
	cmd.Flags().String("tenant-id", "", "")

	cfg, err := LoadEdgeConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "tenant-from-env", cfg.TenantID)
}

func TestLoadCloudConfigRequiresDatabaseURL(t *testing.T) {
	_, err := LoadCloudConfig(nil)
	assert.Error(t, err)
}

func TestLoadCloudConfigWithDatabaseURL(t *testing.T) {
	t.Setenv("EDGECORE_DATABASE_URL", "postgres://localhost/edgecore")

	cfg, err := LoadCloudConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/edgecore", cfg.DatabaseURL)
	assert.Equal(t, ":8444", cfg.ListenAddr)
	assert.Equal(t, ".edgecore/cloud-data", cfg.DataDir)
}

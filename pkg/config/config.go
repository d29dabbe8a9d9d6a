// Package config loads edge and cloud process configuration from the
// environment, with Cobra command-line flags layered on top so that
// an explicit flag always overrides an environment variable.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

// EdgeConfig configures one per-store edge node process.
type EdgeConfig struct {
	DataDir          string        `env:"EDGECORE_DATA_DIR" envDefault:".edgecore/data"`
	ListenAddr       string        `env:"EDGECORE_LISTEN_ADDR" envDefault:":8443"`
	TenantID         string        `env:"EDGECORE_TENANT_ID"`
	EdgeID           string        `env:"EDGECORE_EDGE_ID"`
	CloudAddr        string        `env:"EDGECORE_CLOUD_ADDR"`
	CloudLinkEnabled bool          `env:"EDGECORE_CLOUDLINK_ENABLED" envDefault:"true"`
	ReconnectMinWait time.Duration `env:"EDGECORE_RECONNECT_MIN_WAIT" envDefault:"1s"`
	ReconnectMaxWait time.Duration `env:"EDGECORE_RECONNECT_MAX_WAIT" envDefault:"60s"`
	LogLevel         string        `env:"EDGECORE_LOG_LEVEL" envDefault:"info"`
	LogJSON          bool          `env:"EDGECORE_LOG_JSON" envDefault:"false"`
	MetricsAddr      string        `env:"EDGECORE_METRICS_ADDR" envDefault:":9090"`
	ArchivalInterval time.Duration `env:"EDGECORE_ARCHIVAL_INTERVAL" envDefault:"1h"`
	HotRetentionDays int           `env:"EDGECORE_HOT_RETENTION_DAYS" envDefault:"30"`
}

// CloudConfig configures the cloud control-plane process.
type CloudConfig struct {
	ListenAddr       string        `env:"EDGECORE_CLOUD_LISTEN_ADDR" envDefault:":8444"`
	DataDir          string        `env:"EDGECORE_CLOUD_DATA_DIR" envDefault:".edgecore/cloud-data"`
	DatabaseURL      string        `env:"EDGECORE_DATABASE_URL,required"`
	LogLevel         string        `env:"EDGECORE_LOG_LEVEL" envDefault:"info"`
	LogJSON          bool          `env:"EDGECORE_LOG_JSON" envDefault:"false"`
	MetricsAddr      string        `env:"EDGECORE_METRICS_ADDR" envDefault:":9090"`
	CatalogSweep     time.Duration `env:"EDGECORE_CATALOG_SWEEP_INTERVAL" envDefault:"30s"`
	PendingOpsSweep  time.Duration `env:"EDGECORE_PENDING_OPS_SWEEP_INTERVAL" envDefault:"10s"`
}

// LoadEdgeConfig parses EdgeConfig from the environment, then applies
// any flags the caller explicitly set on cmd, which always win over
// the corresponding environment variable.
func LoadEdgeConfig(cmd *cobra.Command) (*EdgeConfig, error) {
	cfg := &EdgeConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse edge config from environment: %w", err)
	}

	overlay := map[string]func(string){
		"data-dir":     func(v string) { cfg.DataDir = v },
		"listen-addr":  func(v string) { cfg.ListenAddr = v },
		"tenant-id":    func(v string) { cfg.TenantID = v },
		"edge-id":      func(v string) { cfg.EdgeID = v },
		"cloud-addr":   func(v string) { cfg.CloudAddr = v },
		"log-level":    func(v string) { cfg.LogLevel = v },
		"metrics-addr": func(v string) { cfg.MetricsAddr = v },
	}
	applyStringFlags(cmd, overlay)

	return cfg, nil
}

// LoadCloudConfig parses CloudConfig from the environment with the
// same flag-overlay behavior as LoadEdgeConfig.
func LoadCloudConfig(cmd *cobra.Command) (*CloudConfig, error) {
	cfg := &CloudConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse cloud config from environment: %w", err)
	}

	overlay := map[string]func(string){
		"listen-addr":  func(v string) { cfg.ListenAddr = v },
		"data-dir":     func(v string) { cfg.DataDir = v },
		"database-url": func(v string) { cfg.DatabaseURL = v },
		"log-level":    func(v string) { cfg.LogLevel = v },
		"metrics-addr": func(v string) { cfg.MetricsAddr = v },
	}
	applyStringFlags(cmd, overlay)

	return cfg, nil
}

func applyStringFlags(cmd *cobra.Command, overlay map[string]func(string)) {
	if cmd == nil {
		return
	}
	for name, set := range overlay {
		flag := cmd.Flags().Lookup(name)
		if flag != nil && flag.Changed {
			set(flag.Value.String())
		}
	}
}

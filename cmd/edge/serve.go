package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fieldmesh/edgecore/pkg/archival"
	"github.com/fieldmesh/edgecore/pkg/auditchain"
	"github.com/fieldmesh/edgecore/pkg/cloudlink"
	"github.com/fieldmesh/edgecore/pkg/config"
	"github.com/fieldmesh/edgecore/pkg/edgeserver"
	"github.com/fieldmesh/edgecore/pkg/eventlog"
	"github.com/fieldmesh/edgecore/pkg/events"
	"github.com/fieldmesh/edgecore/pkg/health"
	"github.com/fieldmesh/edgecore/pkg/identitystore"
	"github.com/fieldmesh/edgecore/pkg/log"
	"github.com/fieldmesh/edgecore/pkg/metrics"
	"github.com/fieldmesh/edgecore/pkg/orderengine"
	"github.com/fieldmesh/edgecore/pkg/security"
	"github.com/fieldmesh/edgecore/pkg/snapshotstore"
	"github.com/fieldmesh/edgecore/pkg/storage"
	"github.com/fieldmesh/edgecore/pkg/transport"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/fieldmesh/edgecore/pkg/wireframe"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const healthCheckInterval = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the edge node's order engine and terminal listener",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("acknowledge-anomaly", false, "Acknowledge a detected audit-chain startup anomaly and proceed")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadEdgeConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithEdgeID(cfg.EdgeID)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

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

	edgeCert, err := edgeServerCert(identity, cfg.TenantID, cfg.EdgeID)
	if err != nil {
		return fmt.Errorf("edge server cert: %w", err)
	}

	eventLog, err := eventlog.Open(store.DB())
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	snapshots, err := snapshotstore.Open(store.DB())
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	businessDay := time.Now().Format("2006-01-02")
	lockPath := filepath.Join(cfg.DataDir, "audit.lock")
	audit, err := auditchain.Open(store.DB(), cfg.EdgeID, businessDay, lockPath)
	if err != nil {
		return fmt.Errorf("open audit chain: %w", err)
	}
	anomaly, err := audit.VerifyStartup()
	if err != nil {
		return fmt.Errorf("verify audit chain on startup: %w", err)
	}
	if anomaly != nil {
		ack, _ := cmd.Flags().GetBool("acknowledge-anomaly")
		logger.Error().Interface("anomaly", anomaly).Bool("acknowledged", ack).Msg("audit chain startup anomaly detected")
		if !ack {
			return fmt.Errorf("audit startup anomaly: %s (rerun with --acknowledge-anomaly once investigated)", anomaly.Reason)
		}
		if err := audit.AcknowledgeStartupAnomaly(); err != nil {
			return fmt.Errorf("acknowledge anomaly: %w", err)
		}
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	engine, err := orderengine.New(cfg.EdgeID, cfg.TenantID, businessDay, eventLog, snapshots, broker, audit)
	if err != nil {
		return fmt.Errorf("create order engine: %w", err)
	}
	issues, err := engine.Replay()
	if err != nil {
		return fmt.Errorf("startup replay: %w", err)
	}
	for _, issue := range issues {
		logger.Error().Str("order_id", issue.Target).Str("kind", issue.Kind).Bool("blocking", issue.Blocking).Msg(issue.Title)
	}

	healthRegistry := health.NewRegistry()
	healthRegistry.Register("event_log", health.NewFuncChecker("event_log", func(context.Context) error { return nil }))
	healthRegistry.Register("identity_ca", health.NewFuncChecker("identity_ca", func(context.Context) error {
		if !identity.CA().IsInitialized() {
			return fmt.Errorf("root CA not initialized")
		}
		return nil
	}))
	metrics.RegisterComponent("event_log", true, "")
	metrics.RegisterComponent("identity_ca", true, "")

	var link *cloudlink.Link
	if cfg.CloudLinkEnabled && cfg.CloudAddr != "" {
		rootPool := x509.NewCertPool()
		if der := identity.CA().GetRootCACert(); der != nil {
			if rootX509, err := x509.ParseCertificate(der); err == nil {
				rootPool.AddCert(rootX509)
			}
		}
		clientCfg := transport.ClientConfig{Cert: *edgeCert, RootCAs: rootPool}
		handshake := cloudlink.Handshake{
			TenantID:        cfg.TenantID,
			DeviceID:        cfg.EdgeID,
			SoftwareVersion: Version,
		}
		link = cloudlink.New(cfg.CloudAddr, clientCfg, handshake, onCloudSync(identity, broker, logger))
		healthRegistry.Register("cloudlink", health.NewFuncChecker("cloudlink", func(context.Context) error {
			if !link.Connected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}))
		metrics.RegisterComponent("cloudlink", false, "connecting")
	}

	server, err := edgeserver.New(cfg.EdgeID, engine, identity, audit, broker, link)
	if err != nil {
		return fmt.Errorf("create edge server: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start edge server: %w", err)
	}

	var uploadFn func(*types.OrderSnapshot) error
	if link != nil {
		uploadFn = func(snap *types.OrderSnapshot) error {
			callCtx, callCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer callCancel()
			_, err := link.Call(callCtx, "order.archive", snap)
			return err
		}
	}
	archiver := archival.New(archival.Config{
		EdgeID:           cfg.EdgeID,
		ArchiveDir:       filepath.Join(cfg.DataDir, "archive"),
		HotRetentionDays: cfg.HotRetentionDays,
		ArchivalInterval: cfg.ArchivalInterval,
		Upload:           uploadFn,
	}, snapshots, audit)
	archiver.Start()
	defer archiver.Stop()

	healthComponents := []string{"event_log", "identity_ca"}
	if link != nil {
		healthComponents = append(healthComponents, "cloudlink")
	}
	go runHealthLoop(ctx, healthRegistry, healthComponents)

	tenantPool := x509.NewCertPool()
	tenantPool.AddCert(tenantCert)
	lis, err := transport.Listen(cfg.ListenAddr, transport.ServerConfig{
		Cert:              *edgeCert,
		ClientCAs:         tenantPool,
		RequireClientCert: true,
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	defer lis.Close()

	termLis := &terminalListener{server: server, logger: logger}
	errCh := make(chan error, 1)
	go func() { errCh <- termLis.serve(ctx, lis) }()

	metricsLis, metricsErr := net.Listen("tcp", cfg.MetricsAddr)
	if metricsErr != nil {
		logger.Warn().Err(metricsErr).Str("addr", cfg.MetricsAddr).Msg("metrics listener failed, metrics disabled")
	} else {
		defer metricsLis.Close()
		go func() { _ = http.Serve(metricsLis, metricsMux()) }()
	}

	logger.Info().Str("listen_addr", cfg.ListenAddr).Bool("cloudlink_enabled", cfg.CloudLinkEnabled).Msg("edge node serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("terminal listener stopped")
		}
	}

	cancel()
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error().Err(err).Msg("edge server shutdown error")
	}
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	return mux
}

// runHealthLoop periodically feeds pkg/health's probe results into
// pkg/metrics' readiness tracker, bridging the two: health.Registry
// owns the probe logic, metrics owns the HTTP surface ops already
// polls.
func runHealthLoop(ctx context.Context, registry *health.Registry, components []string) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	cfg := health.DefaultConfig()
	for {
		select {
		case <-ticker.C:
			registry.CheckAll(ctx, cfg)
			for _, name := range components {
				status, ok := registry.Status(name)
				if !ok {
					continue
				}
				metrics.UpdateComponent(name, status.Healthy, status.LastResult.Message)
			}
		case <-ctx.Done():
			return
		}
	}
}

// edgeServerCert loads this edge's own TLS identity from disk, minting
// and persisting one on first boot.
func edgeServerCert(identity *identitystore.Store, tenantID, edgeID string) (*tls.Certificate, error) {
	certDir, err := security.GetCertDir(tenantID, string(types.DeviceRoleEdge), edgeID)
	if err != nil {
		return nil, err
	}
	if security.CertExists(certDir) {
		return security.LoadCertFromFile(certDir)
	}

	cert, err := identity.CA().IssueDeviceCert(security.DeviceCertProfile{
		TenantID: tenantID,
		DeviceID: edgeID,
		Role:     string(types.DeviceRoleEdge),
	})
	if err != nil {
		return nil, err
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return nil, err
	}
	if !identity.HasActivation(edgeID) {
		if err := identity.SaveActivation(edgeID, cert); err != nil {
			return nil, err
		}
	}
	return cert, nil
}

// onCloudSync dispatches unsolicited pushes from the control plane:
// catalog changes ripple to connected terminals via the broker,
// subscription changes update the cached gate identitystore checks
// offline.
func onCloudSync(identity *identitystore.Store, broker *events.Broker, logger zerolog.Logger) cloudlink.SyncHandler {
	return func(sync wireframe.Sync) {
		switch sync.Resource {
		case "catalog_record":
			broker.Publish(&events.Event{Type: events.EventCatalogPushed, Message: sync.ID})
		case "subscription":
			var sub types.Subscription
			if err := json.Unmarshal(sync.Payload, &sub); err != nil {
				logger.Error().Err(err).Msg("decode subscription sync")
				return
			}
			if err := identity.SaveSubscription(&sub); err != nil {
				logger.Error().Err(err).Msg("cache subscription sync")
			}
		default:
			logger.Warn().Str("resource", sync.Resource).Msg("unrecognized sync resource")
		}
	}
}

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldmesh/edgecore/pkg/cloudcontrol"
	"github.com/fieldmesh/edgecore/pkg/cloudserver"
	"github.com/fieldmesh/edgecore/pkg/cloudstore"
	"github.com/fieldmesh/edgecore/pkg/config"
	"github.com/fieldmesh/edgecore/pkg/health"
	"github.com/fieldmesh/edgecore/pkg/identitystore"
	"github.com/fieldmesh/edgecore/pkg/log"
	"github.com/fieldmesh/edgecore/pkg/metrics"
	"github.com/fieldmesh/edgecore/pkg/security"
	"github.com/fieldmesh/edgecore/pkg/storage"
	"github.com/fieldmesh/edgecore/pkg/transport"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/spf13/cobra"
)

const (
	healthCheckInterval = 15 * time.Second

	// platformTenant is the reserved intermediate-CA namespace the
	// control plane's own mTLS serving certificate is issued under.
	// It is never a real tenant; cloudstore never sees it.
	platformTenant = "_platform"
	platformDevice = "cloud-control-plane"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane's catalog distribution and edge listener",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadCloudConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("cloud")

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
	serverCert, rootPool, err := platformServerCert(identity)
	if err != nil {
		return fmt.Errorf("platform server cert: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgStore, err := cloudstore.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pgStore.Close()

	cloudSrv := cloudserver.New(pgStore)
	control := cloudcontrol.New(pgStore, cloudSrv)
	cloudSrv.SetControl(control)
	control.Start()
	defer control.Stop()

	healthRegistry := health.NewRegistry()
	healthRegistry.Register("database", health.NewFuncChecker("database", func(checkCtx context.Context) error {
		tx, err := pgStore.Begin(checkCtx)
		if err != nil {
			return err
		}
		return tx.Rollback(checkCtx)
	}))
	healthRegistry.Register("identity_ca", health.NewFuncChecker("identity_ca", func(context.Context) error {
		if !identity.CA().IsInitialized() {
			return fmt.Errorf("root CA not initialized")
		}
		return nil
	}))
	metrics.RegisterComponent("database", true, "")
	metrics.RegisterComponent("identity_ca", true, "")
	go runHealthLoop(ctx, healthRegistry, []string{"database", "identity_ca"})

	lis, err := transport.Listen(cfg.ListenAddr, transport.ServerConfig{
		Cert:              *serverCert,
		ClientCAs:         rootPool,
		RequireClientCert: true,
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	defer lis.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- cloudSrv.Serve(ctx, lis) }()

	metricsLis, metricsErr := net.Listen("tcp", cfg.MetricsAddr)
	if metricsErr != nil {
		logger.Warn().Err(metricsErr).Str("addr", cfg.MetricsAddr).Msg("metrics listener failed, metrics disabled")
	} else {
		defer metricsLis.Close()
		go func() { _ = http.Serve(metricsLis, metricsMux()) }()
	}

	logger.Info().Str("listen_addr", cfg.ListenAddr).Msg("cloud control plane serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("edge listener stopped")
		}
	}

	cancel()
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

// platformServerCert mints (once) and reloads the control plane's own
// mTLS serving identity: a device cert issued under a reserved
// intermediate CA that is never exposed as a tenant, chained to the
// same root every edge's CloudLink dial trusts. The returned pool holds
// only the root, since the leaf's presented chain already carries its
// signing intermediate.
func platformServerCert(identity *identitystore.Store) (*tls.Certificate, *x509.CertPool, error) {
	rootPool := x509.NewCertPool()
	der := identity.CA().GetRootCACert()
	if der == nil {
		return nil, nil, fmt.Errorf("root CA has no certificate material")
	}
	rootCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root cert: %w", err)
	}
	rootPool.AddCert(rootCert)

	if _, err := identity.LoadTenantCA(platformTenant); err != nil {
		return nil, nil, fmt.Errorf("platform intermediate CA: %w", err)
	}

	certDir, err := security.GetCertDir(platformTenant, string(types.DeviceRoleEdge), platformDevice)
	if err != nil {
		return nil, nil, err
	}
	if security.CertExists(certDir) {
		cert, err := security.LoadCertFromFile(certDir)
		if err != nil {
			return nil, nil, err
		}
		return cert, rootPool, nil
	}

	cert, err := identity.CA().IssueDeviceCert(security.DeviceCertProfile{
		TenantID: platformTenant,
		DeviceID: platformDevice,
		Role:     string(types.DeviceRoleEdge),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("issue platform server cert: %w", err)
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return nil, nil, err
	}
	return cert, rootPool, nil
}

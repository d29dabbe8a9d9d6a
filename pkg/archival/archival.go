// Package archival runs an edge's two background maintenance loops:
// moving completed/voided order snapshots out of hot storage into
// dated manifest files, and verifying the audit hash chain once a
// day. Both are ticker+stopCh loops in the style this edge's
// maintenance workers have always used.
package archival

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fieldmesh/edgecore/pkg/auditchain"
	"github.com/fieldmesh/edgecore/pkg/log"
	"github.com/fieldmesh/edgecore/pkg/metrics"
	"github.com/fieldmesh/edgecore/pkg/snapshotstore"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/rs/zerolog"
)

// defaultHotRetentionDays is the fallback for Config.HotRetentionDays.
// The value is kept on the Worker but archiveOnce does not consult it:
// every archivable snapshot is dropped from the hot bucket as soon as
// it has been written to its day's manifest.
const defaultHotRetentionDays = 30

// Worker owns the archival and audit-verify tickers for one edge.
type Worker struct {
	edgeID       string
	archiveDir   string
	snapshots    *snapshotstore.Store
	audit        *auditchain.Chain
	logger       zerolog.Logger
	hotRetention int
	upload       func(*types.OrderSnapshot) error

	archivalInterval time.Duration
	auditInterval    time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
}

// Config configures a Worker's ticker cadence; zero values fall back
// to sane defaults (1 hour archival sweep, 24 hour audit verify).
type Config struct {
	EdgeID           string
	ArchiveDir       string
	HotRetentionDays int
	ArchivalInterval time.Duration
	AuditInterval    time.Duration

	// Upload, if set, is called once per archived snapshot before it
	// is dropped from the hot bucket (e.g. a CloudLink push of
	// "order.archive"). A failure is logged but never blocks local
	// retention — the manifest file on disk remains the durable record
	// an offline edge falls back on.
	Upload func(*types.OrderSnapshot) error
}

// New builds a Worker. Call Start to begin both tickers.
func New(cfg Config, snapshots *snapshotstore.Store, audit *auditchain.Chain) *Worker {
	hotRetention := cfg.HotRetentionDays
	if hotRetention <= 0 {
		hotRetention = defaultHotRetentionDays
	}
	archivalInterval := cfg.ArchivalInterval
	if archivalInterval <= 0 {
		archivalInterval = time.Hour
	}
	auditInterval := cfg.AuditInterval
	if auditInterval <= 0 {
		auditInterval = 24 * time.Hour
	}

	return &Worker{
		edgeID:           cfg.EdgeID,
		archiveDir:       cfg.ArchiveDir,
		snapshots:        snapshots,
		audit:            audit,
		logger:           log.WithEdgeID(cfg.EdgeID),
		hotRetention:     hotRetention,
		upload:           cfg.Upload,
		archivalInterval: archivalInterval,
		auditInterval:    auditInterval,
		stopCh:           make(chan struct{}),
	}
}

// Start begins both background loops.
func (w *Worker) Start() {
	go w.runArchival()
	go w.runAuditVerify()
}

// Stop halts both loops.
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) runArchival() {
	ticker := time.NewTicker(w.archivalInterval)
	defer ticker.Stop()

	w.logger.Info().Msg("archival worker started")

	for {
		select {
		case <-ticker.C:
			if err := w.archiveOnce(); err != nil {
				w.logger.Error().Err(err).Msg("archival cycle failed")
			}
		case <-w.stopCh:
			w.logger.Info().Msg("archival worker stopped")
			return
		}
	}
}

// archiveOnce moves every completed/voided snapshot into the manifest
// file for its UpdatedAt day under archiveDir/YYYY-MM-DD/, then deletes
// it from the hot snapshot bucket.
func (w *Worker) archiveOnce() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ArchivalCycleDuration)
		metrics.ArchivalCyclesTotal.Inc()
	}()

	w.mu.Lock()
	defer w.mu.Unlock()

	snaps, err := w.snapshots.ListArchivable()
	if err != nil {
		return fmt.Errorf("list archivable snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return nil
	}

	byDay := make(map[string][]*types.OrderSnapshot)
	for _, s := range snaps {
		day := s.UpdatedAt.Format("2006-01-02")
		byDay[day] = append(byDay[day], s)
	}

	for day, group := range byDay {
		if err := w.appendManifest(day, group); err != nil {
			return fmt.Errorf("write manifest for %s: %w", day, err)
		}
		for _, s := range group {
			if w.upload != nil {
				if err := w.upload(s); err != nil {
					w.logger.Warn().Err(err).Str("order_id", s.OrderID).Msg("cloud archive upload failed, manifest file remains authoritative")
				}
			}
			if err := w.snapshots.Delete(s.OrderID); err != nil {
				w.logger.Error().Err(err).Str("order_id", s.OrderID).Msg("failed to delete archived snapshot from hot bucket")
				continue
			}
			metrics.ArchivalOrdersMovedTotal.Inc()
		}
	}

	return nil
}

func (w *Worker) appendManifest(day string, snaps []*types.OrderSnapshot) error {
	dir := filepath.Join(w.archiveDir, day)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-manifest.jsonl", w.edgeID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, s := range snaps {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) runAuditVerify() {
	ticker := time.NewTicker(w.auditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.verifyAuditOnce()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) verifyAuditOnce() {
	count, err := w.audit.Count()
	if err != nil {
		w.logger.Error().Err(err).Msg("audit verify: failed to read chain tip")
		metrics.AuditVerifyCyclesTotal.WithLabelValues("error").Inc()
		return
	}
	if count == 0 {
		metrics.AuditVerifyCyclesTotal.WithLabelValues("empty").Inc()
		return
	}

	ok, brokenAtID, expected, found, err := w.audit.VerifyRange(1, count)
	if err != nil {
		w.logger.Error().Err(err).Msg("audit verify: range check failed")
		metrics.AuditVerifyCyclesTotal.WithLabelValues("error").Inc()
		return
	}
	if !ok {
		w.logger.Error().
			Uint64("broken_at_id", brokenAtID).
			Str("expected", fmt.Sprintf("%x", expected)).
			Str("found", fmt.Sprintf("%x", found)).
			Msg("audit chain verification found a break")
		metrics.AuditVerifyCyclesTotal.WithLabelValues("broken").Inc()
		return
	}

	metrics.AuditVerifyCyclesTotal.WithLabelValues("ok").Inc()
}

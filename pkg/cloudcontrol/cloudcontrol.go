// Package cloudcontrol is the cloud side of catalog distribution: it
// accepts catalog edits, writes them to cloudstore, bumps the tenant
// catalog version, and either pushes the change live to a connected
// edge or enqueues it in PendingOpQueue for delivery on reconnect. A
// fallback sweep ticker catches anything a live push failed to
// deliver, mirroring the ticker+stopCh reconciliation loop shape this
// control plane inherited from its diff-and-act predecessor.
package cloudcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fieldmesh/edgecore/pkg/catalog"
	"github.com/fieldmesh/edgecore/pkg/cloudstore"
	"github.com/fieldmesh/edgecore/pkg/log"
	"github.com/fieldmesh/edgecore/pkg/metrics"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/fieldmesh/edgecore/pkg/wireframe"
	"github.com/rs/zerolog"
)

// sweepInterval is the fallback-sweep ticker period; it exists so a
// pending op enqueued while no push path was tried (e.g. the edge
// disconnected mid-push) is not stuck until the next unrelated edit.
const sweepInterval = 30 * time.Second

// Pusher delivers a Sync frame to a connected edge, returning false if
// the edge isn't connected or the send queue is full.
type Pusher interface {
	PushCatalogSync(edgeID string, sync wireframe.Sync) bool
}

// Control is the cloud catalog-distribution service.
type Control struct {
	store  *cloudstore.Store
	pusher Pusher
	logger zerolog.Logger
	stopCh chan struct{}

	mu         sync.Mutex
	knownEdges map[string]struct{}
}

// New creates a Control. pusher may be nil in tests exercising only
// the PendingOpQueue path.
func New(store *cloudstore.Store, pusher Pusher) *Control {
	return &Control{
		store:      store,
		pusher:     pusher,
		logger:     log.WithComponent("cloudcontrol"),
		stopCh:     make(chan struct{}),
		knownEdges: make(map[string]struct{}),
	}
}

// NoteEdge records an edge id as one whose PendingOpQueue the fallback
// sweep should retry. Called whenever an edge sends a Hello or an edit
// is addressed to it.
func (c *Control) NoteEdge(edgeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knownEdges[edgeID] = struct{}{}
}

// Start begins the fallback sweep ticker.
func (c *Control) Start() {
	go c.run()
}

// Stop halts the sweep ticker.
func (c *Control) Stop() {
	close(c.stopCh)
}

func (c *Control) run() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepOnce()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Control) sweepOnce() {
	c.mu.Lock()
	edges := make([]string, 0, len(c.knownEdges))
	for id := range c.knownEdges {
		edges = append(edges, id)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sweepInterval)
	defer cancel()
	for _, edgeID := range edges {
		if err := c.DrainPending(ctx, edgeID); err != nil {
			c.logger.Error().Err(err).Str("edge_id", edgeID).Msg("fallback sweep drain failed")
		}
	}
}

// ApplyEdit validates and writes a catalog edit, bumping the tenant's
// catalog version in the same transaction, then attempts live delivery
// before falling back to the pending-op queue.
func (c *Control) ApplyEdit(ctx context.Context, edgeID string, edit catalog.Edit) (*types.CatalogRecord, error) {
	if err := edit.Validate(); err != nil {
		return nil, err
	}
	c.NoteEdge(edgeID)

	var existing *types.CatalogRecord
	if edit.RecordID != "" {
		rec, err := c.store.GetCatalogRecord(ctx, edit.RecordID)
		if err != nil && err != cloudstore.ErrNotFound {
			return nil, fmt.Errorf("cloudcontrol: load existing record: %w", err)
		}
		if err == nil {
			existing = &rec
		}
	}

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudcontrol: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	version, err := c.store.BumpCatalogVersion(ctx, tx, edit.TenantID)
	if err != nil {
		return nil, err
	}

	rec, err := catalog.Apply(edit, existing, version)
	if err != nil {
		return nil, err
	}

	if err := c.store.UpsertCatalogRecord(ctx, tx, *rec); err != nil {
		return nil, err
	}

	sync, err := syncFrame(edit.Kind, *rec)
	if err != nil {
		return nil, err
	}

	delivered := c.pusher != nil && c.pusher.PushCatalogSync(edgeID, sync)
	if !delivered {
		opBytes, err := json.Marshal(sync)
		if err != nil {
			return nil, fmt.Errorf("cloudcontrol: marshal pending op: %w", err)
		}
		if err := c.store.Enqueue(ctx, tx, edgeID, opBytes, rec.UpdatedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("cloudcontrol: commit: %w", err)
	}

	path := "queued"
	if delivered {
		path = "live"
	}
	metrics.CatalogPushesTotal.WithLabelValues(path).Inc()
	c.logger.Info().Str("tenant_id", edit.TenantID).Str("sku", rec.SKU).Bool("delivered_live", delivered).Msg("applied catalog edit")
	return rec, nil
}

func syncFrame(kind catalog.ChangeKind, rec types.CatalogRecord) (wireframe.Sync, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return wireframe.Sync{}, fmt.Errorf("cloudcontrol: marshal catalog record: %w", err)
	}
	return wireframe.Sync{
		Resource:   "catalog_record",
		ChangeKind: string(kind),
		ID:         rec.ID,
		Payload:    payload,
	}, nil
}

// DrainPending is called when an edge's Hello arrives (or on the
// fallback sweep) to flush its PendingOpQueue in FIFO order, stopping
// at the first op that cannot be delivered so order is preserved.
func (c *Control) DrainPending(ctx context.Context, edgeID string) error {
	ops, err := c.store.DrainOrdered(ctx, edgeID)
	if err != nil {
		return fmt.Errorf("cloudcontrol: drain pending: %w", err)
	}

	for _, op := range ops {
		var sync wireframe.Sync
		if err := json.Unmarshal(op.Op, &sync); err != nil {
			// A bad op must not block the queue; drop and log it.
			c.logger.Error().Err(err).Int64("row_id", op.ID).Msg("dropping undeserializable pending op")
			if ackErr := c.store.Ack(ctx, op.ID); ackErr != nil {
				return ackErr
			}
			continue
		}

		if c.pusher == nil || !c.pusher.PushCatalogSync(edgeID, sync) {
			// edge went away mid-drain; stop here, the rest remain
			// queued for the next attempt.
			return nil
		}
		if err := c.store.Ack(ctx, op.ID); err != nil {
			return fmt.Errorf("cloudcontrol: ack pending op %d: %w", op.ID, err)
		}
	}
	return nil
}

// ActivateTenant writes the active subscription row a newly onboarded
// tenant needs before its first edge can enroll, so CheckSubscription
// doesn't fail open unexpectedly. It does not issue the tenant CA:
// identitystore.LoadTenantCA does that, called from cmd/cloud's
// onboard command and from cmd/edge at startup and enrollment.
func (c *Control) ActivateTenant(ctx context.Context, tenantID, plan string, expiresAt time.Time) error {
	return c.store.UpsertSubscription(ctx, types.Subscription{
		TenantID:  tenantID,
		Plan:      plan,
		Active:    true,
		ExpiresAt: expiresAt,
	})
}

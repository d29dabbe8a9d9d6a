// Package cloudstore is the cloud control plane's authoritative
// Postgres store: tenants, subscriptions, archived orders, catalog
// records, and the per-edge pending-op queue. Queries are plain SQL
// strings with manual row scanning, the pattern the pack's
// subscription-service repo uses for its own pgx store.
package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("cloudstore: not found")

// Store wraps a shared connection pool; all methods are safe for
// concurrent use since pgxpool itself is.
type Store struct {
	pool *pgxpool.Pool
}

// Open builds a Store from a pre-established pool. Callers own the
// pool's lifecycle (including Close).
func Open(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect dials Postgres and returns a ready Store.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("cloudstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cloudstore: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

const tenantColumns = `id, name, status, catalog_version, created_at`

func scanTenant(row pgx.Row) (types.Tenant, error) {
	var t types.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Status, &t.CatalogVersion, &t.CreatedAt)
	return t, err
}

// GetTenant fetches one tenant by id.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (types.Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Tenant{}, ErrNotFound
	}
	if err != nil {
		return types.Tenant{}, fmt.Errorf("cloudstore: get tenant: %w", err)
	}
	return t, nil
}

// CreateTenant inserts a new tenant, starting its catalog version at 0.
func (s *Store) CreateTenant(ctx context.Context, id, name string) (types.Tenant, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tenants (id, name, status, catalog_version, created_at)
		 VALUES ($1, $2, $3, 0, now())
		 RETURNING `+tenantColumns,
		id, name, types.TenantStatusActive,
	)
	t, err := scanTenant(row)
	if err != nil {
		return types.Tenant{}, fmt.Errorf("cloudstore: create tenant: %w", err)
	}
	return t, nil
}

// BumpCatalogVersion increments a tenant's catalog version and returns
// the new value; callers do this inside the same edit that writes the
// catalog record so the two stay consistent.
func (s *Store) BumpCatalogVersion(ctx context.Context, tx pgx.Tx, tenantID string) (uint64, error) {
	var version uint64
	err := tx.QueryRow(ctx,
		`UPDATE tenants SET catalog_version = catalog_version + 1 WHERE id = $1 RETURNING catalog_version`,
		tenantID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("cloudstore: bump catalog version: %w", err)
	}
	return version, nil
}

// Begin starts a transaction, used by callers (CloudControl) that need
// to write a catalog record and bump the tenant version atomically.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

const subscriptionColumns = `tenant_id, plan, active, expires_at`

func scanSubscription(row pgx.Row) (types.Subscription, error) {
	var sub types.Subscription
	err := row.Scan(&sub.TenantID, &sub.Plan, &sub.Active, &sub.ExpiresAt)
	return sub, err
}

// GetSubscription fetches the current subscription row for a tenant.
func (s *Store) GetSubscription(ctx context.Context, tenantID string) (types.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1`, tenantID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Subscription{}, ErrNotFound
	}
	if err != nil {
		return types.Subscription{}, fmt.Errorf("cloudstore: get subscription: %w", err)
	}
	return sub, nil
}

// UpsertSubscription writes a tenant's subscription state.
func (s *Store) UpsertSubscription(ctx context.Context, sub types.Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (tenant_id, plan, active, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id) DO UPDATE SET plan = $2, active = $3, expires_at = $4`,
		sub.TenantID, sub.Plan, sub.Active, sub.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("cloudstore: upsert subscription: %w", err)
	}
	return nil
}

const catalogColumns = `id, tenant_id, sku, name, price, version, deleted, updated_at`

func scanCatalogRecord(row pgx.Row) (types.CatalogRecord, error) {
	var r types.CatalogRecord
	err := row.Scan(&r.ID, &r.TenantID, &r.SKU, &r.Name, &r.Price, &r.Version, &r.Deleted, &r.UpdatedAt)
	return r, err
}

// UpsertCatalogRecord writes a catalog record inside tx, so the caller
// can bump the tenant's catalog version in the same transaction.
func (s *Store) UpsertCatalogRecord(ctx context.Context, tx pgx.Tx, rec types.CatalogRecord) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO catalog_records (id, tenant_id, sku, name, price, version, deleted, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (id) DO UPDATE SET sku = $3, name = $4, price = $5, version = $6, deleted = $7, updated_at = now()`,
		rec.ID, rec.TenantID, rec.SKU, rec.Name, rec.Price, rec.Version, rec.Deleted,
	)
	if err != nil {
		return fmt.Errorf("cloudstore: upsert catalog record: %w", err)
	}
	return nil
}

// ListCatalog returns every catalog record stored for a tenant, in
// ascending version order. It applies no version cutoff.
func (s *Store) ListCatalog(ctx context.Context, tenantID string) ([]types.CatalogRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+catalogColumns+` FROM catalog_records WHERE tenant_id = $1 ORDER BY version ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("cloudstore: list catalog: %w", err)
	}
	defer rows.Close()

	var out []types.CatalogRecord
	for rows.Next() {
		var r types.CatalogRecord
		if err := rows.Scan(&r.ID, &r.TenantID, &r.SKU, &r.Name, &r.Price, &r.Version, &r.Deleted, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("cloudstore: scan catalog record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetCatalogRecord fetches one record by id, for update/delete edits
// that need the prior state.
func (s *Store) GetCatalogRecord(ctx context.Context, recordID string) (*types.CatalogRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+catalogColumns+` FROM catalog_records WHERE id = $1`, recordID)
	r, err := scanCatalogRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cloudstore: get catalog record: %w", err)
	}
	return &r, nil
}

// InsertArchivedOrder persists one edge-streamed archived order
// snapshot. Re-inserting the same order id is idempotent.
func (s *Store) InsertArchivedOrder(ctx context.Context, tenantID, edgeID, orderID string, payload []byte, archivedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO archived_orders (tenant_id, edge_id, order_id, payload, archived_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (order_id) DO UPDATE SET payload = $4, archived_at = $5`,
		tenantID, edgeID, orderID, payload, archivedAt,
	)
	if err != nil {
		return fmt.Errorf("cloudstore: insert archived order: %w", err)
	}
	return nil
}

// Enqueue adds a catalog op to an edge's pending-op FIFO, identified
// by ascending row id.
func (s *Store) Enqueue(ctx context.Context, tx pgx.Tx, edgeID string, op []byte, changedAt time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO pending_ops (edge_id, op, changed_at, created_at) VALUES ($1, $2, $3, now())`,
		edgeID, op, changedAt,
	)
	if err != nil {
		return fmt.Errorf("cloudstore: enqueue pending op: %w", err)
	}
	return nil
}

// DrainOrdered returns every pending op for edgeID in FIFO (row id)
// order. Callers Ack each row once delivery is confirmed.
func (s *Store) DrainOrdered(ctx context.Context, edgeID string) ([]types.PendingOp, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, edge_id, op, changed_at, created_at FROM pending_ops WHERE edge_id = $1 ORDER BY id ASC`,
		edgeID,
	)
	if err != nil {
		return nil, fmt.Errorf("cloudstore: drain pending ops: %w", err)
	}
	defer rows.Close()

	var out []types.PendingOp
	for rows.Next() {
		var p types.PendingOp
		if err := rows.Scan(&p.ID, &p.EdgeID, &p.Op, &p.ChangedAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("cloudstore: scan pending op: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Ack removes a pending op after the edge has confirmed delivery. Also
// used to drop a row that failed to deserialize, per the
// don't-block-the-queue policy.
func (s *Store) Ack(ctx context.Context, rowID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pending_ops WHERE id = $1`, rowID)
	if err != nil {
		return fmt.Errorf("cloudstore: ack pending op: %w", err)
	}
	return nil
}

// Package snapshotstore holds the materialized current state of every
// order an edge knows about. It is written only by OrderEngine, which
// enforces single-writer-per-order discipline; reads are lock-free
// against bbolt's own MVCC.
package snapshotstore

import (
	"encoding/json"
	"fmt"

	"github.com/fieldmesh/edgecore/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// Store maps order id to OrderSnapshot.
type Store struct {
	db *bolt.DB
}

// Open creates the snapshots bucket on db if absent.
func Open(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshotstore bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the snapshot for orderID, or nil if it has none yet.
func (s *Store) Load(orderID string) (*types.OrderSnapshot, error) {
	var snap *types.OrderSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSnapshots).Get([]byte(orderID))
		if raw == nil {
			return nil
		}
		var decoded types.OrderSnapshot
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("unmarshal snapshot %s: %w", orderID, err)
		}
		snap = &decoded
		return nil
	})
	return snap, err
}

// Save persists snap, replacing whatever was there for its OrderID.
func (s *Store) Save(snap *types.OrderSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.OrderID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(snap.OrderID), data)
	})
}

// Delete removes a snapshot, used once an order has been migrated into
// the archive.
func (s *Store) Delete(orderID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(orderID))
	})
}

// ListActive returns every snapshot whose Status is Active.
func (s *Store) ListActive() ([]*types.OrderSnapshot, error) {
	return s.list(func(snap *types.OrderSnapshot) bool {
		return snap.Status == types.OrderStatusActive
	})
}

// ListArchivable returns every snapshot whose Status is Completed or
// Voided, the set the archival worker moves out to the archive.
func (s *Store) ListArchivable() ([]*types.OrderSnapshot, error) {
	return s.list(func(snap *types.OrderSnapshot) bool {
		return snap.Status == types.OrderStatusCompleted || snap.Status == types.OrderStatusVoided
	})
}

// ListAll returns every snapshot regardless of status, for the
// startup replay/checksum-reverification pass.
func (s *Store) ListAll() ([]*types.OrderSnapshot, error) {
	return s.list(func(*types.OrderSnapshot) bool { return true })
}

func (s *Store) list(keep func(*types.OrderSnapshot) bool) ([]*types.OrderSnapshot, error) {
	var out []*types.OrderSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(_, v []byte) error {
			var snap types.OrderSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			if keep(&snap) {
				out = append(out, &snap)
			}
			return nil
		})
	})
	return out, err
}

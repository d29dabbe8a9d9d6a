package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketCA = []byte("ca")

// BoltStore is the single BoltDB file an edge process opens; individual
// packages create and manage their own buckets inside it via DB().
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) edgecore.db under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "edgecore.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCA)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating CA bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// DB returns the underlying bbolt handle for packages that own their own
// buckets (identitystore, eventlog, snapshotstore, auditchain).
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveCA persists the root CA material under the fixed key "root".
func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		return b.Put([]byte("root"), data)
	})
}

// GetCA retrieves the root CA material, copying it out of the
// transaction-scoped byte slice bbolt returns since that slice is only
// valid for the lifetime of the View transaction.
func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		v := b.Get([]byte("root"))
		if v == nil {
			return fmt.Errorf("CA not found")
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Package storage provides the edge-local durable KV layer: a single
// BoltDB file shared by every edge-resident store (identity, event log,
// snapshots, audit chain), each owning its own top-level bucket.
package storage

import bolt "go.etcd.io/bbolt"

// Store is the minimal interface the security package depends on for
// root CA persistence. identitystore also takes a Store; eventlog,
// snapshotstore and auditchain take the *bolt.DB that DB() returns and
// manage their own buckets through it.
type Store interface {
	SaveCA(data []byte) error
	GetCA() ([]byte, error)
	DB() *bolt.DB
	Close() error
}

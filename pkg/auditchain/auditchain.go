// Package auditchain is the append-only, tamper-evident log of every
// sensitive action an edge performs: permission-gated operations,
// shift open/close, cash drawer open, void, comp, refund, discount,
// print-config changes. Each entry links to the previous entry's hash;
// a verifier walks a range and reports the first break it finds.
package auditchain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fieldmesh/edgecore/pkg/metrics"
	"github.com/fieldmesh/edgecore/pkg/security"
	"github.com/fieldmesh/edgecore/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAudit    = []byte("audit")
	bucketMeta     = []byte("audit_meta")
	keyTipID       = []byte("tip_id")
	keyTipHash     = []byte("tip_hash")
)

// Chain is the append-only audit log for one edge.
type Chain struct {
	mu          sync.Mutex
	db          *bolt.DB
	lockPath    string
	edgeID      string
	businessDay string
}

// Open creates the audit buckets on db if absent and wires lockPath as
// the clean-shutdown sentinel checked by VerifyStartup.
func Open(db *bolt.DB, edgeID, businessDay, lockPath string) (*Chain, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAudit, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create auditchain buckets: %w", err)
	}
	return &Chain{db: db, lockPath: lockPath, edgeID: edgeID, businessDay: businessDay}, nil
}

func encodeID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// Append records one audit entry, chaining it to the current tip.
func (c *Chain) Append(category types.AuditCategory, action, detail string) (*types.AuditEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entry types.AuditEntry
	err := c.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		auditBucket := tx.Bucket(bucketAudit)

		var id uint64
		var prevHash []byte
		if raw := meta.Get(keyTipID); raw != nil {
			id = binary.BigEndian.Uint64(raw) + 1
		} else {
			id = 1
		}
		if raw := meta.Get(keyTipHash); raw != nil {
			prevHash = append([]byte(nil), raw...)
		} else {
			prevHash = security.GenesisHash(c.edgeID, c.businessDay)
		}

		entry = types.AuditEntry{
			ID:        id,
			Category:  category,
			Action:    action,
			Detail:    detail,
			Timestamp: time.Now(),
			PrevHash:  prevHash,
		}
		entry.EntryHash = entryHash(&entry)

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		if err := auditBucket.Put(encodeID(id), data); err != nil {
			return err
		}
		if err := meta.Put(keyTipID, encodeID(id)); err != nil {
			return err
		}
		return meta.Put(keyTipHash, entry.EntryHash)
	})
	if err != nil {
		return nil, err
	}

	if err := c.writeLockFile(); err != nil {
		return nil, fmt.Errorf("update audit lock sentinel: %w", err)
	}
	return &entry, nil
}

// entryHash computes entry_hash = SHA256(prev_hash || id || category ||
// action || detail || timestamp), matching the wire contract in full.
func entryHash(e *types.AuditEntry) []byte {
	idBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idBytes, e.ID)
	payload := append(idBytes, fmt.Appendf(nil, "|%s|%s|%s|%d", e.Category, e.Action, e.Detail, e.Timestamp.UnixNano())...)
	return security.Link(e.PrevHash, payload)
}

// VerifyRange walks entries with id in [from, to] and reports the
// first gap or break it finds, comparing each entry's recorded
// prev_hash to the preceding entry's actual hash.
func (c *Chain) VerifyRange(from, to uint64) (ok bool, brokenAtID uint64, expected, found []byte, err error) {
	ok = true
	err = c.db.View(func(tx *bolt.Tx) error {
		auditBucket := tx.Bucket(bucketAudit)
		var prevHash []byte
		for id := from; id <= to; id++ {
			raw := auditBucket.Get(encodeID(id))
			if raw == nil {
				continue
			}
			var entry types.AuditEntry
			if unmarshalErr := json.Unmarshal(raw, &entry); unmarshalErr != nil {
				return unmarshalErr
			}
			if prevHash != nil && string(entry.PrevHash) != string(prevHash) {
				ok = false
				brokenAtID = id
				expected = prevHash
				found = entry.PrevHash
				return nil
			}
			recomputed := entryHash(&entry)
			if string(recomputed) != string(entry.EntryHash) {
				ok = false
				brokenAtID = id
				expected = recomputed
				found = entry.EntryHash
				return nil
			}
			prevHash = entry.EntryHash
		}
		return nil
	})
	if !ok {
		metrics.AuditChainGapsTotal.Inc()
	}
	return ok, brokenAtID, expected, found, err
}

// Count returns the number of entries currently in the chain.
func (c *Chain) Count() (uint64, error) {
	var count uint64
	err := c.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketMeta).Get(keyTipID); raw != nil {
			count = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	return count, err
}

// lockFile is the clean-shutdown sentinel written after every audit
// append and on graceful shutdown; VerifyStartup reads it back.
type lockFile struct {
	LastSeenAt   time.Time `json:"last_seen_at"`
	LastEntryHash []byte   `json:"last_entry_hash"`
}

func (c *Chain) writeLockFile() error {
	var tipHash []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		tipHash = append([]byte(nil), tx.Bucket(bucketMeta).Get(keyTipHash)...)
		return nil
	})
	if err != nil {
		return err
	}

	data, err := json.Marshal(lockFile{LastSeenAt: time.Now(), LastEntryHash: tipHash})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.lockPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(c.lockPath, data, 0o600)
}

// StartupAnomaly describes why VerifyStartup requires an operator
// acknowledgment before normal operation resumes.
type StartupAnomaly struct {
	Reason string
	Gap    time.Duration
}

// VerifyStartup reads the LOCK file and raises a blocking anomaly if
// it is missing or if the gap to now exceeds 24 hours, per section
// 4.6's startup anomaly detection.
func (c *Chain) VerifyStartup() (*StartupAnomaly, error) {
	data, err := os.ReadFile(c.lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &StartupAnomaly{Reason: "lock_file_missing"}, nil
		}
		return nil, fmt.Errorf("read lock file: %w", err)
	}
	var lf lockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return &StartupAnomaly{Reason: "lock_file_corrupt"}, nil
	}
	gap := time.Since(lf.LastSeenAt)
	if gap > 24*time.Hour {
		return &StartupAnomaly{Reason: "lock_file_stale", Gap: gap}, nil
	}
	return nil, nil
}

// AcknowledgeStartupAnomaly clears the way for normal operation after
// an operator has reviewed a startup anomaly, by refreshing the lock
// file to now.
func (c *Chain) AcknowledgeStartupAnomaly() error {
	return c.writeLockFile()
}

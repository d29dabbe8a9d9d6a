// Package eventlog is the append-only, crash-safe record of every
// OrderEvent an edge has ever produced. It assigns the global
// monotonic sequence OrderEngine's hash chain is built over, and keeps
// a secondary per-order index so a single order's history can be
// replayed without scanning the whole log.
package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fieldmesh/edgecore/pkg/metrics"
	"github.com/fieldmesh/edgecore/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents     = []byte("events")
	bucketOrderIndex = []byte("order_index")
	bucketMeta       = []byte("event_log_meta")
	keyTipSequence   = []byte("tip_sequence")
	keyTipHash       = []byte("tip_hash")
)

// Log is the segmented append log. bbolt already gives each Update
// transaction fsync-on-commit durability, so "segments" here are a
// logical grouping (one bbolt bucket) rather than separate files; a
// torn write is impossible because bbolt commits are atomic.
type Log struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open creates the buckets this log owns on db if absent.
func Open(db *bolt.DB) (*Log, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketOrderIndex, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create eventlog buckets: %w", err)
	}
	return &Log{db: db}, nil
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// Tip returns the current head sequence and hash. A fresh log reports
// sequence 0 and a nil hash, the signal to use the genesis hash.
func (l *Log) Tip() (uint64, []byte, error) {
	var seq uint64
	var hash []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(keyTipSequence); raw != nil {
			seq = binary.BigEndian.Uint64(raw)
		}
		if raw := meta.Get(keyTipHash); raw != nil {
			hash = append([]byte(nil), raw...)
		}
		return nil
	})
	return seq, hash, err
}

// Append writes a batch of events atomically, checking that their
// sequences run on from the log's tip+1, and advances the tip to the
// last event's sequence and hash.
// Events must already carry their Sequence and ContentHash, computed
// by the caller (OrderEngine) against the tip this function returned
// from Tip — Append itself never recomputes hashes, it only persists
// them and enforces that the batch is dense and contiguous with the
// current tip.
func (l *Log) Append(events []types.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EventAppendDuration)

	return l.db.Update(func(tx *bolt.Tx) error {
		eventsBucket := tx.Bucket(bucketEvents)
		indexBucket := tx.Bucket(bucketOrderIndex)
		meta := tx.Bucket(bucketMeta)

		var expectSeq uint64
		if raw := meta.Get(keyTipSequence); raw != nil {
			expectSeq = binary.BigEndian.Uint64(raw) + 1
		} else {
			expectSeq = 1
		}

		for _, ev := range events {
			if ev.Sequence != expectSeq {
				return fmt.Errorf("eventlog: non-contiguous append, expected sequence %d, got %d", expectSeq, ev.Sequence)
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event %d: %w", ev.Sequence, err)
			}
			if err := eventsBucket.Put(encodeSeq(ev.Sequence), data); err != nil {
				return err
			}
			if err := appendOrderIndex(indexBucket, ev.OrderID, ev.Sequence); err != nil {
				return err
			}
			expectSeq++
		}

		last := events[len(events)-1]
		if err := meta.Put(keyTipSequence, encodeSeq(last.Sequence)); err != nil {
			return err
		}
		return meta.Put(keyTipHash, last.ContentHash)
	})
}

func appendOrderIndex(indexBucket *bolt.Bucket, orderID string, seq uint64) error {
	key := []byte(orderID)
	existing := indexBucket.Get(key)
	buf := make([]byte, len(existing)+8)
	copy(buf, existing)
	binary.BigEndian.PutUint64(buf[len(existing):], seq)
	return indexBucket.Put(key, buf)
}

// Read returns every event recorded for orderID, in sequence order.
func (l *Log) Read(orderID string) ([]types.OrderEvent, error) {
	var out []types.OrderEvent
	err := l.db.View(func(tx *bolt.Tx) error {
		indexBucket := tx.Bucket(bucketOrderIndex)
		eventsBucket := tx.Bucket(bucketEvents)

		raw := indexBucket.Get([]byte(orderID))
		for i := 0; i+8 <= len(raw); i += 8 {
			seq := binary.BigEndian.Uint64(raw[i : i+8])
			data := eventsBucket.Get(encodeSeq(seq))
			if data == nil {
				return fmt.Errorf("eventlog: missing event at sequence %d indexed for order %s", seq, orderID)
			}
			var ev types.OrderEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("unmarshal event %d: %w", seq, err)
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// ReadRange returns every event with sequence in [since, until].
func (l *Log) ReadRange(since, until uint64) ([]types.OrderEvent, error) {
	var out []types.OrderEvent
	err := l.db.View(func(tx *bolt.Tx) error {
		eventsBucket := tx.Bucket(bucketEvents)
		c := eventsBucket.Cursor()
		for k, v := c.Seek(encodeSeq(since)); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint64(k)
			if seq > until {
				break
			}
			var ev types.OrderEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshal event %d: %w", seq, err)
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// HighestSequenceForOrder returns the largest recorded sequence for
// orderID, and false if the order has no events yet.
func (l *Log) HighestSequenceForOrder(orderID string) (uint64, bool, error) {
	var seq uint64
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketOrderIndex).Get([]byte(orderID))
		if len(raw) < 8 {
			return nil
		}
		found = true
		seq = binary.BigEndian.Uint64(raw[len(raw)-8:])
		return nil
	})
	return seq, found, err
}

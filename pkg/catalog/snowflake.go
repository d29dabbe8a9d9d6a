// Package catalog holds the tenant product catalog's id scheme and small
// value-level helpers shared by cloudstore and cloudcontrol.
package catalog

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// epochMs is the fixed epoch ids are measured from: 2024-01-01T00:00:00Z.
const epochMs int64 = 1704067200000

// timestampBits is the width of the millisecond-since-epoch field; the
// remaining 12 bits (randBits) are filled from crypto/rand so two ids
// minted in the same millisecond still differ with overwhelming
// probability, without requiring a coordinated sequence counter.
const timestampBits = 41
const randBits = 12
const timestampMask = (int64(1) << timestampBits) - 1
const randMask = (int64(1) << randBits) - 1

// NewID mints a 53-bit, JSON-number-safe, roughly time-ordered id:
// ((now_ms - epochMs) & timestampMask) << randBits | rand12.
func NewID() (int64, error) {
	return newIDAt(time.Now())
}

func newIDAt(now time.Time) (int64, error) {
	nowMs := now.UnixMilli()
	ts := (nowMs - epochMs) & timestampMask

	randBuf := make([]byte, 2)
	if _, err := rand.Read(randBuf); err != nil {
		return 0, fmt.Errorf("catalog: generate random bits: %w", err)
	}
	r := int64(binary.BigEndian.Uint16(randBuf)) & randMask

	id := ts<<randBits | r
	if id < 0 || id >= (int64(1)<<53) {
		return 0, fmt.Errorf("catalog: generated id %d exceeds 53-bit budget", id)
	}
	return id, nil
}

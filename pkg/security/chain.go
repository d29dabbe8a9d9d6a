package security

import (
	"crypto/sha256"
	"encoding/binary"
)

// Link computes the hash-chain link for one entry: SHA-256 over the
// previous link's hash followed by this entry's canonical payload. The
// audit chain's entry_hash uses it; the event log's content_hash is
// computed by EventContentHash instead.
func Link(prevHash []byte, payload []byte) []byte {
	h := sha256.New()
	h.Write(prevHash)
	h.Write(payload)
	sum := h.Sum(nil)
	return sum
}

// VerifyLink reports whether expected matches the link computed from
// prevHash and payload.
func VerifyLink(prevHash, payload, expected []byte) bool {
	got := Link(prevHash, payload)
	if len(got) != len(expected) {
		return false
	}
	for i := range got {
		if got[i] != expected[i] {
			return false
		}
	}
	return true
}

// GenesisHash derives the deterministic starting hash for a tenant's
// business-day chain: a fresh chain every day, rather than one unbroken
// chain across a tenant's entire lifetime, so daily verification stays
// O(one day) rather than O(lifetime).
func GenesisHash(tenantID, businessDay string) []byte {
	h := sha256.New()
	h.Write([]byte("edgecore-genesis"))
	h.Write([]byte(tenantID))
	h.Write([]byte(businessDay))
	return h.Sum(nil)
}

// EventContentHash computes an OrderEvent's content_hash per the wire
// contract: SHA256(prev_hash || sequence_BE64 || order_id || payload).
func EventContentHash(prevHash []byte, sequence uint64, orderID string, payload []byte) []byte {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], sequence)

	h := sha256.New()
	h.Write(prevHash)
	h.Write(seqBytes[:])
	h.Write([]byte(orderID))
	h.Write(payload)
	return h.Sum(nil)
}

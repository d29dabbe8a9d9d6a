package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/fieldmesh/edgecore/pkg/types"
)

// canonicalBindingBytes serializes the fields of a SignedBinding that
// are covered by its signature, in a fixed field order, with Sig
// omitted. Both signing and verification must use exactly this
// encoding or chains will verify on one platform and fail on another.
func canonicalBindingBytes(b *types.SignedBinding) []byte {
	return fmt.Appendf(nil, `{"tenant_id":%q,"entity_id":%q,"issued_at_ms":%d,"expires_at_ms":%d}`,
		b.TenantID, b.EntityID, b.IssuedAtMs, b.ExpiresAtMs)
}

// SignBinding signs the canonical bytes of a SignedBinding (with Sig
// omitted) using tenantID's intermediate CA key.
func (ca *CertAuthority) SignBinding(tenantID string, b *types.SignedBinding) ([]byte, error) {
	ca.mu.RLock()
	t, ok := ca.tenantCAs[tenantID]
	ca.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no CA for tenant %s", tenantID)
	}

	digest := sha256.Sum256(canonicalBindingBytes(b))
	sig, err := rsa.SignPKCS1v15(rand.Reader, t.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing binding: %w", err)
	}
	return sig, nil
}

// VerifyBinding checks b.Sig against tenantID's CA public key over the
// binding's canonical bytes.
func (ca *CertAuthority) VerifyBinding(tenantID string, b *types.SignedBinding) (bool, error) {
	ca.mu.RLock()
	t, ok := ca.tenantCAs[tenantID]
	ca.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("no CA for tenant %s", tenantID)
	}

	digest := sha256.Sum256(canonicalBindingBytes(b))
	err := rsa.VerifyPKCS1v15(&t.key.PublicKey, crypto.SHA256, digest[:], b.Sig)
	if err != nil {
		return false, nil
	}
	return true, nil
}

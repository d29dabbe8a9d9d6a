package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/fieldmesh/edgecore/pkg/storage"
)

// Custom extension OIDs under a private enterprise arc, carrying tenant
// and device identity directly on the certificate so VerifyPeerCert can
// recover it without an out-of-band lookup.
var (
	oidTenantID   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57150, 1, 1}
	oidDeviceID   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57150, 1, 2}
	oidClientName = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57150, 1, 3}
)

const (
	// RootCAValidity is the root CA certificate's lifetime.
	RootCAValidity = 10 * 365 * 24 * time.Hour
	// TenantCAValidity is a per-tenant intermediate CA's lifetime.
	TenantCAValidity = 5 * 365 * 24 * time.Hour
	// DeviceCertValidity is an issued device (edge or terminal) cert's lifetime.
	DeviceCertValidity = 90 * 24 * time.Hour

	rootKeySize   = 4096
	tenantKeySize = 3072
	deviceKeySize = 2048
)

// CertAuthority manages the root CA and every tenant intermediate CA
// issued under it. A single root signs many tenant CAs; each tenant CA
// signs only that tenant's device certificates, so compromising one
// tenant's key never lets an attacker mint credentials for another.
type CertAuthority struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	store    storage.Store

	mu         sync.RWMutex
	tenantCAs  map[string]*tenantCA
}

type tenantCA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// CAData is the serialized root CA material persisted to storage.
type CAData struct {
	RootCertDER []byte
	RootKeyDER  []byte
}

// TenantCAData is the serialized tenant intermediate CA persisted per
// tenant, keyed by tenant id in the identity store.
type TenantCAData struct {
	TenantID    string
	CertDER     []byte
	KeyDER      []byte
}

// NewCertAuthority creates a certificate authority bound to store.
func NewCertAuthority(store storage.Store) *CertAuthority {
	return &CertAuthority{
		store:     store,
		tenantCAs: make(map[string]*tenantCA),
	}
}

// Initialize generates a new root CA certificate and key.
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("generating root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"fieldmesh"},
			CommonName:   "fieldmesh Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(RootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("creating root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parsing root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// LoadFromStore loads the root CA from storage.
func (ca *CertAuthority) LoadFromStore() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	data, err := ca.store.GetCA()
	if err != nil {
		return fmt.Errorf("getting CA from storage: %w", err)
	}

	var caData CAData
	if err := json.Unmarshal(data, &caData); err != nil {
		return fmt.Errorf("unmarshaling CA data: %w", err)
	}

	decryptedKey, err := Decrypt(caData.RootKeyDER)
	if err != nil {
		return fmt.Errorf("decrypting root key: %w", err)
	}

	rootCert, err := x509.ParseCertificate(caData.RootCertDER)
	if err != nil {
		return fmt.Errorf("parsing root certificate: %w", err)
	}

	rootKey, err := x509.ParsePKCS1PrivateKey(decryptedKey)
	if err != nil {
		return fmt.Errorf("parsing root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// SaveToStore persists the root CA to storage, root key encrypted at rest.
func (ca *CertAuthority) SaveToStore() error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}

	rootKeyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encryptedKey, err := Encrypt(rootKeyDER)
	if err != nil {
		return fmt.Errorf("encrypting root key: %w", err)
	}

	data, err := json.Marshal(CAData{RootCertDER: ca.rootCert.Raw, RootKeyDER: encryptedKey})
	if err != nil {
		return fmt.Errorf("marshaling CA data: %w", err)
	}

	if err := ca.store.SaveCA(data); err != nil {
		return fmt.Errorf("saving CA to storage: %w", err)
	}
	return nil
}

// IssueTenantCA mints an intermediate CA for tenantID, signed by the root.
// MaxPathLen is zero: a tenant CA can sign device certs but never another CA.
func (ca *CertAuthority) IssueTenantCA(tenantID string) (*x509.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("root CA not initialized")
	}

	key, err := rsa.GenerateKey(rand.Reader, tenantKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating tenant CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"fieldmesh"},
			CommonName:   fmt.Sprintf("fieldmesh Tenant CA %s", tenantID),
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(TenantCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		ExtraExtensions: []pkix.Extension{
			{Id: oidTenantID, Value: []byte(tenantID)},
		},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("creating tenant CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing tenant CA certificate: %w", err)
	}

	ca.tenantCAs[tenantID] = &tenantCA{cert: cert, key: key}
	return cert, nil
}

// LoadTenantCA registers a previously issued tenant CA, e.g. after reading
// it back from the identity store.
func (ca *CertAuthority) LoadTenantCA(tenantID string, cert *x509.Certificate, key *rsa.PrivateKey) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.tenantCAs[tenantID] = &tenantCA{cert: cert, key: key}
}

// TenantCACert returns the tenant CA certificate, for distribution as
// part of the trust chain devices verify against.
func (ca *CertAuthority) TenantCACert(tenantID string) (*x509.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	t, ok := ca.tenantCAs[tenantID]
	if !ok {
		return nil, fmt.Errorf("no CA for tenant %s", tenantID)
	}
	return t.cert, nil
}

// DeviceCertProfile describes the identity to embed in an issued device
// certificate.
type DeviceCertProfile struct {
	TenantID   string
	DeviceID   string
	ClientName string
	Role       string // "edge" or "terminal"
	DNSNames   []string
}

// IssueDeviceCert issues a leaf certificate for an edge node or POS
// terminal, signed by the named tenant's intermediate CA, carrying the
// tenant id, device id, and client name as custom extensions.
func (ca *CertAuthority) IssueDeviceCert(profile DeviceCertProfile) (*tls.Certificate, error) {
	ca.mu.RLock()
	t, ok := ca.tenantCAs[profile.TenantID]
	ca.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no CA for tenant %s", profile.TenantID)
	}

	key, err := rsa.GenerateKey(rand.Reader, deviceKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"fieldmesh"},
			CommonName:   fmt.Sprintf("%s-%s", profile.Role, profile.DeviceID),
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(DeviceCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    profile.DNSNames,
		ExtraExtensions: []pkix.Extension{
			{Id: oidTenantID, Value: []byte(profile.TenantID)},
			{Id: oidDeviceID, Value: []byte(profile.DeviceID)},
			{Id: oidClientName, Value: []byte(profile.ClientName)},
		},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, t.cert, &key.PublicKey, t.key)
	if err != nil {
		return nil, fmt.Errorf("creating device certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing device certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, t.cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// PeerIdentity is the tenant/device identity recovered from a verified
// peer certificate's custom extensions.
type PeerIdentity struct {
	TenantID   string
	DeviceID   string
	ClientName string
}

// ExtractPeerIdentity reads the custom extensions embedded by
// IssueDeviceCert, without any out-of-band identity lookup.
func ExtractPeerIdentity(cert *x509.Certificate) (PeerIdentity, error) {
	var id PeerIdentity
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(oidTenantID):
			id.TenantID = string(ext.Value)
		case ext.Id.Equal(oidDeviceID):
			id.DeviceID = string(ext.Value)
		case ext.Id.Equal(oidClientName):
			id.ClientName = string(ext.Value)
		}
	}
	if id.TenantID == "" || id.DeviceID == "" {
		return id, fmt.Errorf("certificate missing tenant/device identity extensions")
	}
	return id, nil
}

// VerifyCertificate verifies cert against the root CA through whatever
// intermediates are embedded in its chain.
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate, intermediates *x509.CertPool) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// GetRootCACert returns the root CA certificate in DER format.
func (ca *CertAuthority) GetRootCACert() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.rootCert == nil {
		return nil
	}
	return ca.rootCert.Raw
}

// IsInitialized reports whether the root CA has been generated or loaded.
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

// Package identitystore persists everything PKI-adjacent that an edge
// needs to survive a restart: the root and tenant CAs, enrolled device
// records, the device's current signed binding, a cached copy of the
// tenant's subscription, and the activation record written at
// first-boot enrollment. It is the durable half of pkg/security's
// CryptoKit, which only ever holds key material in memory.
package identitystore

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldmesh/edgecore/pkg/security"
	"github.com/fieldmesh/edgecore/pkg/storage"
	"github.com/fieldmesh/edgecore/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevice       = []byte("device")
	bucketBinding      = []byte("binding")
	bucketSubscription = []byte("subscription_cache")
	bucketActivation   = []byte("activation")
)

// Failure modes returned by Store operations.
var (
	ErrTenantCAMissing        = errors.New("tenant CA not found")
	ErrBindingExpired         = errors.New("signed binding expired")
	ErrBindingSignatureInvalid = errors.New("signed binding signature invalid")
	ErrSubscriptionBlocked    = errors.New("subscription blocked")
	ErrDeviceNotFound         = errors.New("device not found")
)

// SubscriptionBlockedReason enumerates why a subscription blocks activity.
type SubscriptionBlockedReason string

const (
	ReasonSubscriptionExpired   SubscriptionBlockedReason = "expired"
	ReasonDeviceLimitExceeded   SubscriptionBlockedReason = "device_limit"
	ReasonSubscriptionNotActive SubscriptionBlockedReason = "status_not_active"
)

// Store is the durable identity and credential store for one edge.
type Store struct {
	mu    sync.Mutex
	db    *bolt.DB
	bolt  storage.Store
	ca    *security.CertAuthority
}

// Open opens (creating if absent) the bbolt buckets this store owns on
// top of an already-opened storage.Store, and wires a CertAuthority
// that persists through the same handle.
func Open(store storage.Store) (*Store, error) {
	db := store.DB()
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevice, bucketBinding, bucketSubscription, bucketActivation} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create identitystore buckets: %w", err)
	}

	ca := security.NewCertAuthority(store)
	return &Store{db: db, bolt: store, ca: ca}, nil
}

// GetOrCreateRootCA loads the root CA from the store, generating and
// persisting a fresh one on first boot. Production callers always use
// OS randomness; deterministic seeding is a test-only concern of
// pkg/security, not of this store.
func (s *Store) GetOrCreateRootCA() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ca.LoadFromStore(); err == nil {
		return nil
	}
	return s.ca.Initialize()
}

// LoadTenantCA loads (or lazily issues) the intermediate CA for tenantID.
func (s *Store) LoadTenantCA(tenantID string) (*x509.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cert, err := s.ca.TenantCACert(tenantID)
	if err == nil {
		return cert, nil
	}
	return s.ca.IssueTenantCA(tenantID)
}

// CA exposes the underlying CertAuthority for certificate issuance
// callers that need more than binding/device lookups.
func (s *Store) CA() *security.CertAuthority {
	return s.ca
}

// SaveDevice persists an enrolled device record.
func (s *Store) SaveDevice(d *types.Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevice).Put([]byte(d.ID), data)
	})
}

// GetDevice loads a device by id.
func (s *Store) GetDevice(deviceID string) (*types.Device, error) {
	var d types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDevice).Get([]byte(deviceID))
		if raw == nil {
			return ErrDeviceNotFound
		}
		return json.Unmarshal(raw, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CurrentBinding returns the device's stored SignedBinding, if any.
func (s *Store) CurrentBinding(deviceID string) (*types.SignedBinding, error) {
	var b types.SignedBinding
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBinding).Get([]byte(deviceID))
		if raw == nil {
			return ErrBindingExpired
		}
		return json.Unmarshal(raw, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// saveBinding persists a SignedBinding for a device.
func (s *Store) saveBinding(b *types.SignedBinding) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal binding: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBinding).Put([]byte(b.EntityID), data)
	})
}

// RefreshBinding confirms the device exists and is not revoked and
// that the tenant CA is loaded, then issues + persists a fresh binding
// signed by the tenant CA. It does not read or verify the device's
// previous binding. validity is the envelope's lifetime, typically a
// few hours.
func (s *Store) RefreshBinding(tenantID, deviceID string, validity time.Duration) (*types.SignedBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, err := s.GetDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if device.Revoked {
		return nil, fmt.Errorf("device %s is revoked", deviceID)
	}

	tenantCA, err := s.ca.TenantCACert(tenantID)
	if err != nil {
		return nil, ErrTenantCAMissing
	}
	_ = tenantCA

	now := time.Now()
	binding := &types.SignedBinding{
		TenantID:    tenantID,
		EntityID:    deviceID,
		IssuedAtMs:  now.UnixMilli(),
		ExpiresAtMs: now.Add(validity).UnixMilli(),
	}
	sig, err := s.ca.SignBinding(tenantID, binding)
	if err != nil {
		return nil, fmt.Errorf("sign binding: %w", err)
	}
	binding.Sig = sig

	if err := s.saveBinding(binding); err != nil {
		return nil, err
	}
	device.LastSeen = now
	if err := s.SaveDevice(device); err != nil {
		return nil, err
	}
	return binding, nil
}

// VerifyBinding checks a presented binding's signature and expiry
// against the issuing tenant CA.
func (s *Store) VerifyBinding(b *types.SignedBinding) error {
	if time.Now().After(time.UnixMilli(b.ExpiresAtMs)) {
		return ErrBindingExpired
	}
	ok, err := s.ca.VerifyBinding(b.TenantID, b)
	if err != nil {
		return fmt.Errorf("verify binding: %w", err)
	}
	if !ok {
		return ErrBindingSignatureInvalid
	}
	return nil
}

// SaveSubscription caches a tenant's subscription for offline checks.
func (s *Store) SaveSubscription(sub *types.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscription).Put([]byte(sub.TenantID), data)
	})
}

// GetSubscription returns the cached subscription for a tenant.
func (s *Store) GetSubscription(tenantID string) (*types.Subscription, error) {
	var sub types.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSubscription).Get([]byte(tenantID))
		if raw == nil {
			return errors.New("no cached subscription")
		}
		return json.Unmarshal(raw, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CheckSubscription returns ErrSubscriptionBlocked wrapping the
// specific reason if the cached subscription does not permit activity.
func (s *Store) CheckSubscription(tenantID string) error {
	sub, err := s.GetSubscription(tenantID)
	if err != nil {
		return nil // no cache yet: fail open until first cloud contact
	}
	if !sub.Active {
		return fmt.Errorf("%w: %s", ErrSubscriptionBlocked, ReasonSubscriptionNotActive)
	}
	if time.Now().After(sub.ExpiresAt) {
		return fmt.Errorf("%w: %s", ErrSubscriptionBlocked, ReasonSubscriptionExpired)
	}
	return nil
}

// SaveActivation persists the first-boot activation record (the
// enrollment certificate bundle), keyed by device id.
func (s *Store) SaveActivation(deviceID string, cert *tls.Certificate) error {
	var der [][]byte
	for _, c := range cert.Certificate {
		der = append(der, c)
	}
	data, err := json.Marshal(der)
	if err != nil {
		return fmt.Errorf("marshal activation: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActivation).Put([]byte(deviceID), data)
	})
}

// HasActivation reports whether a device has completed first-boot
// enrollment.
func (s *Store) HasActivation(deviceID string) bool {
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketActivation).Get([]byte(deviceID)) != nil
		return nil
	})
	return found
}

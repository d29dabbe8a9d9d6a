package identitystore

import (
	"os"
	"testing"
	"time"

	"github.com/fieldmesh/edgecore/pkg/security"
	"github.com/fieldmesh/edgecore/pkg/storage"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	require.NoError(t, security.SetClusterEncryptionKey(security.DeriveKeyFromTenantID("identitystore-test")))

	dir, err := os.MkdirTemp("", "edgecore-identitystore-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	bolt, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	s, err := Open(bolt)
	require.NoError(t, err)
	require.NoError(t, s.GetOrCreateRootCA())
	return s
}

func TestGetOrCreateRootCAIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.GetOrCreateRootCA())
	require.True(t, s.CA().IsInitialized())
}

func TestLoadTenantCAIssuesOnce(t *testing.T) {
	s := newTestStore(t)

	first, err := s.LoadTenantCA("tenant-1")
	require.NoError(t, err)

	second, err := s.LoadTenantCA("tenant-1")
	require.NoError(t, err)
	require.Equal(t, first.Raw, second.Raw, "a second load must reuse the already-issued intermediate, not mint a new one")
}

func TestSaveAndGetDeviceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	device := &types.Device{ID: "edge-1", TenantID: "tenant-1", Role: types.DeviceRoleEdge, Name: "Store 4"}

	require.NoError(t, s.SaveDevice(device))

	loaded, err := s.GetDevice("edge-1")
	require.NoError(t, err)
	require.Equal(t, device.TenantID, loaded.TenantID)
	require.Equal(t, device.Name, loaded.Name)
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDevice("no-such-device")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRefreshBindingRejectsRevokedDevice(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadTenantCA("tenant-1")
	require.NoError(t, err)
	require.NoError(t, s.SaveDevice(&types.Device{ID: "terminal-1", TenantID: "tenant-1", Role: types.DeviceRoleTerminal, Revoked: true}))

	_, err = s.RefreshBinding("tenant-1", "terminal-1", time.Hour)
	require.Error(t, err)
}

func TestRefreshBindingAndVerifyBindingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadTenantCA("tenant-1")
	require.NoError(t, err)
	require.NoError(t, s.SaveDevice(&types.Device{ID: "terminal-1", TenantID: "tenant-1", Role: types.DeviceRoleTerminal}))

	binding, err := s.RefreshBinding("tenant-1", "terminal-1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.VerifyBinding(binding))

	current, err := s.CurrentBinding("terminal-1")
	require.NoError(t, err)
	require.Equal(t, binding.Sig, current.Sig)
}

func TestVerifyBindingRejectsExpired(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadTenantCA("tenant-1")
	require.NoError(t, err)
	require.NoError(t, s.SaveDevice(&types.Device{ID: "terminal-1", TenantID: "tenant-1", Role: types.DeviceRoleTerminal}))

	binding, err := s.RefreshBinding("tenant-1", "terminal-1", -time.Hour)
	require.NoError(t, err)

	require.ErrorIs(t, s.VerifyBinding(binding), ErrBindingExpired)
}

func TestCheckSubscriptionFailsOpenWithoutCache(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CheckSubscription("unknown-tenant"))
}

func TestCheckSubscriptionBlocksInactive(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSubscription(&types.Subscription{TenantID: "tenant-1", Active: false, ExpiresAt: time.Now().Add(time.Hour)}))

	err := s.CheckSubscription("tenant-1")
	require.ErrorIs(t, err, ErrSubscriptionBlocked)
}

func TestCheckSubscriptionBlocksExpired(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSubscription(&types.Subscription{TenantID: "tenant-1", Active: true, ExpiresAt: time.Now().Add(-time.Hour)}))

	err := s.CheckSubscription("tenant-1")
	require.ErrorIs(t, err, ErrSubscriptionBlocked)
}

func TestActivationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadTenantCA("tenant-1")
	require.NoError(t, err)

	require.False(t, s.HasActivation("edge-1"))

	cert, err := s.CA().IssueDeviceCert(security.DeviceCertProfile{TenantID: "tenant-1", DeviceID: "edge-1", Role: "edge"})
	require.NoError(t, err)
	require.NoError(t, s.SaveActivation("edge-1", cert))

	require.True(t, s.HasActivation("edge-1"))
}

package snapshotstore

import (
	"os"
	"testing"
	"time"

	"github.com/fieldmesh/edgecore/pkg/storage"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "edgecore-snapshotstore-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	bolt, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	s, err := Open(bolt.DB())
	require.NoError(t, err)
	return s
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	snap, err := s.Load("no-such-order")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	snap := &types.OrderSnapshot{OrderID: "o1", EdgeID: "edge-1", Status: types.OrderStatusActive, UpdatedAt: time.Now()}
	require.NoError(t, s.Save(snap))

	loaded, err := s.Load("o1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.EdgeID, loaded.EdgeID)
	assert.Equal(t, snap.Status, loaded.Status)
}

func TestSaveOverwritesExisting(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(&types.OrderSnapshot{OrderID: "o1", Status: types.OrderStatusActive}))
	require.NoError(t, s.Save(&types.OrderSnapshot{OrderID: "o1", Status: types.OrderStatusCompleted}))

	loaded, err := s.Load("o1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCompleted, loaded.Status)
}

func TestDeleteRemovesSnapshot(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(&types.OrderSnapshot{OrderID: "o1"}))
	require.NoError(t, s.Delete("o1"))

	loaded, err := s.Load("o1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestListActiveFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(&types.OrderSnapshot{OrderID: "o1", Status: types.OrderStatusActive}))
	require.NoError(t, s.Save(&types.OrderSnapshot{OrderID: "o2", Status: types.OrderStatusCompleted}))
	require.NoError(t, s.Save(&types.OrderSnapshot{OrderID: "o3", Status: types.OrderStatusActive}))

	active, err := s.ListActive()
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestListArchivableIncludesCompletedAndVoided(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(&types.OrderSnapshot{OrderID: "o1", Status: types.OrderStatusActive}))
	require.NoError(t, s.Save(&types.OrderSnapshot{OrderID: "o2", Status: types.OrderStatusCompleted}))
	require.NoError(t, s.Save(&types.OrderSnapshot{OrderID: "o3", Status: types.OrderStatusVoided}))

	archivable, err := s.ListArchivable()
	require.NoError(t, err)
	assert.Len(t, archivable, 2)
}

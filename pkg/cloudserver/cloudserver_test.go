package cloudserver

import (
	"testing"

	"github.com/fieldmesh/edgecore/pkg/wireframe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServerStartsWithNoConnectedEdges(t *testing.T) {
	s := New(nil)
	assert.Equal(t, 0, s.ConnectedEdgeCount())
}

func TestPushCatalogSyncFailsForUnknownEdge(t *testing.T) {
	s := New(nil)
	assert.False(t, s.PushCatalogSync("no-such-edge", wireframe.Sync{ID: "sync-1"}))
}

func TestRegisterAndPushCatalogSyncDelivers(t *testing.T) {
	s := New(nil)
	ec := &edgeConn{tenantID: "tenant-1", edgeID: "edge-1", outbox: make(chan wireframe.Sync, edgeOutboxDepth), done: make(chan struct{})}
	s.register(ec)

	assert.Equal(t, 1, s.ConnectedEdgeCount())
	assert.True(t, s.PushCatalogSync("edge-1", wireframe.Sync{ID: "sync-1", Resource: "catalog_record"}))

	select {
	case sync := <-ec.outbox:
		assert.Equal(t, "catalog_record", sync.Resource)
	default:
		t.Fatal("push did not land in the edge's outbox")
	}
}

func TestPushCatalogSyncDropsOnFullOutbox(t *testing.T) {
	s := New(nil)
	ec := &edgeConn{tenantID: "tenant-1", edgeID: "edge-1", outbox: make(chan wireframe.Sync, 1), done: make(chan struct{})}
	s.register(ec)

	require.True(t, s.PushCatalogSync("edge-1", wireframe.Sync{ID: "sync-1"}))
	assert.False(t, s.PushCatalogSync("edge-1", wireframe.Sync{ID: "sync-2"}), "a full outbox must be dropped, never block")
}

func TestRegisterReplacesExistingConnectionAndClosesOldDone(t *testing.T) {
	s := New(nil)
	first := &edgeConn{tenantID: "tenant-1", edgeID: "edge-1", outbox: make(chan wireframe.Sync, edgeOutboxDepth), done: make(chan struct{})}
	second := &edgeConn{tenantID: "tenant-1", edgeID: "edge-1", outbox: make(chan wireframe.Sync, edgeOutboxDepth), done: make(chan struct{})}

	s.register(first)
	s.register(second)

	assert.Equal(t, 1, s.ConnectedEdgeCount())
	_, open := <-first.done
	assert.False(t, open, "registering a reconnect must close the superseded connection's done channel")
}

func TestDeregisterOnlyRemovesMatchingConnection(t *testing.T) {
	s := New(nil)
	ec := &edgeConn{tenantID: "tenant-1", edgeID: "edge-1", outbox: make(chan wireframe.Sync, edgeOutboxDepth), done: make(chan struct{})}
	stale := &edgeConn{tenantID: "tenant-1", edgeID: "edge-1", outbox: make(chan wireframe.Sync, edgeOutboxDepth), done: make(chan struct{})}

	s.register(ec)
	s.deregister(stale)

	assert.Equal(t, 1, s.ConnectedEdgeCount(), "deregistering a superseded entry must not remove the current one")
}

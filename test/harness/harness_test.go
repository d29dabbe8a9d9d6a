// Package harness exercises a full edge stack — identity store,
// event log, snapshot store, order engine, audit chain, and
// edgeserver — wired together the way cmd/edge wires them, without a
// network hop. It covers the end-to-end scenarios a single edge must
// satisfy regardless of whether the cloud is reachable.
package harness

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldmesh/edgecore/pkg/auditchain"
	"github.com/fieldmesh/edgecore/pkg/edgeserver"
	"github.com/fieldmesh/edgecore/pkg/events"
	"github.com/fieldmesh/edgecore/pkg/eventlog"
	"github.com/fieldmesh/edgecore/pkg/identitystore"
	"github.com/fieldmesh/edgecore/pkg/orderengine"
	"github.com/fieldmesh/edgecore/pkg/security"
	"github.com/fieldmesh/edgecore/pkg/snapshotstore"
	"github.com/fieldmesh/edgecore/pkg/storage"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/stretchr/testify/require"
)

type edge struct {
	server   *edgeserver.Server
	identity *identitystore.Store
	audit    *auditchain.Chain
	bolt     *storage.BoltStore
	dir      string
}

func newEdge(t *testing.T) *edge {
	t.Helper()
	require.NoError(t, security.SetClusterEncryptionKey(security.DeriveKeyFromTenantID("harness-test")))

	dir, err := os.MkdirTemp("", "edgecore-harness-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	bolt, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	identity, err := identitystore.Open(bolt)
	require.NoError(t, err)
	require.NoError(t, identity.GetOrCreateRootCA())
	_, err = identity.LoadTenantCA("tenant-1")
	require.NoError(t, err)
	require.NoError(t, identity.SaveDevice(&types.Device{
		ID: "terminal-1", TenantID: "tenant-1", Role: types.DeviceRoleTerminal,
		Name: "Register 1", Capabilities: []string{types.CapabilityAll},
	}))

	evLog, err := eventlog.Open(bolt.DB())
	require.NoError(t, err)
	snaps, err := snapshotstore.Open(bolt.DB())
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	audit, err := auditchain.Open(bolt.DB(), "edge-1", "2026-07-30", filepath.Join(dir, "AUDIT.LOCK"))
	require.NoError(t, err)

	engine, err := orderengine.New("edge-1", "tenant-1", "2026-07-30", evLog, snaps, broker, audit)
	require.NoError(t, err)

	server, err := edgeserver.New("edge-1", engine, identity, audit, broker, nil)
	require.NoError(t, err)

	return &edge{server: server, identity: identity, audit: audit, bolt: bolt, dir: dir}
}

func submit(t *testing.T, e *edge, cmdID string, kind types.OrderCommandKind, orderID string, v interface{}) *orderengine.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := e.server.SubmitCommand("terminal-1", types.OrderCommand{
		CommandID: cmdID,
		OrderID:   orderID,
		Kind:      kind,
		Payload:   body,
		IssuedAt:  time.Now(),
	})
	require.NoError(t, err)
	return resp
}

// TestScenarioS1OpenAddPayComplete covers opening a table, adding two
// line items, paying in full, and completing the order.
func TestScenarioS1OpenAddPayComplete(t *testing.T) {
	e := newEdge(t)

	opened := submit(t, e, "k-open", types.CommandOpenOrder, "", map[string]interface{}{
		"table_id": "T1", "guest_count": 2,
	})
	require.True(t, opened.OK)
	orderID := opened.Snapshot.OrderID
	require.Equal(t, types.OrderStatusActive, opened.Snapshot.Status)
	require.Zero(t, opened.Snapshot.Total().Cmp(types.Zero))

	unitPrice, err := types.NewFixedFromString("4.50")
	require.NoError(t, err)
	added := submit(t, e, "k-add", types.CommandAddItem, orderID, map[string]interface{}{
		"sku": "P", "name": "Widget", "quantity": 2, "unit_cost": unitPrice,
	})
	require.True(t, added.OK)
	total, err := types.NewFixedFromString("9.00")
	require.NoError(t, err)
	require.Zero(t, added.Snapshot.Total().Cmp(total))

	tendered, err := types.NewFixedFromString("10.00")
	require.NoError(t, err)
	paid := submit(t, e, "k-pay", types.CommandApplyPayment, orderID, map[string]interface{}{
		"method": "cash", "amount": total, "tendered": tendered,
	})
	require.True(t, paid.OK)
	require.Zero(t, paid.Snapshot.Remaining().Cmp(types.Zero))
	require.Zero(t, paid.Snapshot.Paid().Cmp(total))

	completed := submit(t, e, "k-complete", types.CommandCloseOrder, orderID, map[string]interface{}{
		"receipt_number": "R-1",
	})
	require.True(t, completed.OK)
	require.Equal(t, types.OrderStatusCompleted, completed.Snapshot.Status)
	require.NotEmpty(t, completed.Snapshot.Checksum)

	snap, err := e.server.GetSnapshot(orderID)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusCompleted, snap.Status)
}

// TestScenarioS2DuplicateCommandID replays the same command id twice
// and requires an identical response with no duplicate event applied.
func TestScenarioS2DuplicateCommandID(t *testing.T) {
	e := newEdge(t)
	opened := submit(t, e, "k-open", types.CommandOpenOrder, "", map[string]interface{}{"table_id": "T1", "guest_count": 2})
	orderID := opened.Snapshot.OrderID

	cmd := types.OrderCommand{
		CommandID: "k1",
		OrderID:   orderID,
		Kind:      types.CommandAddItem,
		Payload:   mustMarshal(t, map[string]interface{}{"sku": "P", "name": "Widget", "quantity": 1, "unit_cost": types.Fixed(450)}),
	}
	r1, err := e.server.SubmitCommand("terminal-1", cmd)
	require.NoError(t, err)
	r2, err := e.server.SubmitCommand("terminal-1", cmd)
	require.NoError(t, err)
	require.Equal(t, r1, r2)

	snap, err := e.server.GetSnapshot(orderID)
	require.NoError(t, err)
	require.Len(t, snap.Lines, 1, "the duplicate submit must not double-apply the line item")
}

// TestScenarioS3SplitModeLock takes a SplitByAmount share, then rejects
// a later attempt to switch the order to an AA split.
func TestScenarioS3SplitModeLock(t *testing.T) {
	e := newEdge(t)
	opened := submit(t, e, "k-open", types.CommandOpenOrder, "", map[string]interface{}{"table_id": "T1", "guest_count": 4})
	orderID := opened.Snapshot.OrderID

	unitPrice, err := types.NewFixedFromString("20.00")
	require.NoError(t, err)
	added := submit(t, e, "k-add", types.CommandAddItem, orderID, map[string]interface{}{
		"sku": "P", "name": "Combo", "quantity": 1, "unit_cost": unitPrice,
	})
	require.True(t, added.OK)

	amount, err := types.NewFixedFromString("5.00")
	require.NoError(t, err)
	split := submit(t, e, "k-split", types.CommandSetSplit, orderID, map[string]interface{}{"mode": types.SplitModeAmount})
	require.True(t, split.OK)

	paid := submit(t, e, "k-pay-share", types.CommandApplyPayment, orderID, map[string]interface{}{
		"method": "cash", "amount": amount, "tendered": amount,
	})
	require.True(t, paid.OK)
	require.True(t, paid.Snapshot.SplitLocked)

	resp, err := e.server.SubmitCommand("terminal-1", types.OrderCommand{
		CommandID: "k-aa",
		OrderID:   orderID,
		Kind:      types.CommandSetSplit,
		Payload:   mustMarshal(t, map[string]interface{}{"mode": types.SplitModeAA, "headcount": 4}),
	})
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, "SplitModeLocked", resp.Message)
}

// TestScenarioS5HashChainTamperDetection runs S1's first two events,
// overwrites the prev_hash of event sequence 2 in the read-back copy
// with a fixed bogus value, and requires a chain walk over that copy
// to report the break at seq 2 with the
// expected vs. found prev_hash.
func TestScenarioS5HashChainTamperDetection(t *testing.T) {
	e := newEdge(t)
	opened := submit(t, e, "k-open", types.CommandOpenOrder, "", map[string]interface{}{"table_id": "T1", "guest_count": 2})
	orderID := opened.Snapshot.OrderID
	submit(t, e, "k-add", types.CommandAddItem, orderID, map[string]interface{}{
		"sku": "P", "name": "Widget", "quantity": 1, "unit_cost": types.Fixed(450),
	})

	history, err := eventHistory(e, orderID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, history[0].ContentHash, history[1].PrevHash, "chain must be intact before tampering")

	history[1].PrevHash = []byte("deliberately-corrupted-hash")

	brokenAtSeq, expected, found, ok := verifyEventChain(history)
	require.False(t, ok)
	require.Equal(t, uint64(2), brokenAtSeq)
	require.Equal(t, history[0].ContentHash, expected)
	require.Equal(t, []byte("deliberately-corrupted-hash"), found)
}

// verifyEventChain walks events in sequence order and reports the
// first pair whose recorded prev_hash does not match the predecessor's
// actual content hash.
func verifyEventChain(events []types.OrderEvent) (brokenAtSeq uint64, expected, found []byte, ok bool) {
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if string(cur.PrevHash) != string(prev.ContentHash) {
			return cur.Sequence, prev.ContentHash, cur.PrevHash, false
		}
	}
	return 0, nil, nil, true
}

// TestScenarioS6BindingRefresh exercises the binding-refresh endpoint
// for an active device and rejects it outright for a revoked one.
func TestScenarioS6BindingRefresh(t *testing.T) {
	e := newEdge(t)
	require.NoError(t, e.identity.SaveDevice(&types.Device{ID: "terminal-1", TenantID: "tenant-1", Role: types.DeviceRoleTerminal}))

	old, err := e.identity.RefreshBinding("tenant-1", "terminal-1", time.Hour)
	require.NoError(t, err)

	refreshed, err := e.server.RefreshBinding("tenant-1", "terminal-1", time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, old.Sig, refreshed.Sig, "a refresh must issue a new signature, not resend the old one")

	require.NoError(t, e.identity.SaveDevice(&types.Device{ID: "terminal-2", TenantID: "tenant-1", Role: types.DeviceRoleTerminal, Revoked: true}))
	_, err = e.server.RefreshBinding("tenant-1", "terminal-2", time.Hour)
	require.Error(t, err)
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// eventHistory reaches into the edge's event log through the same path
// GetSnapshot's caller would use to audit an order's full history.
func eventHistory(e *edge, orderID string) ([]types.OrderEvent, error) {
	evLog, err := eventlog.Open(e.bolt.DB())
	if err != nil {
		return nil, err
	}
	return evLog.Read(orderID)
}

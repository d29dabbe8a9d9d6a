package termclient

import (
	"bufio"
	"context"
	"crypto/x509"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/fieldmesh/edgecore/pkg/apierr"
	"github.com/fieldmesh/edgecore/pkg/orderengine"
	"github.com/fieldmesh/edgecore/pkg/security"
	"github.com/fieldmesh/edgecore/pkg/storage"
	"github.com/fieldmesh/edgecore/pkg/transport"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/fieldmesh/edgecore/pkg/wireframe"
)

// newLoopbackCerts builds a tenant CA plus an edge server cert and a
// terminal client cert off it, the same two-tier PKI every real
// mTLS listener in this repo relies on.
func newLoopbackCerts(t *testing.T, tenantID string) (serverCfg transport.ServerConfig, clientCfg transport.ClientConfig) {
	t.Helper()

	key := security.DeriveKeyFromTenantID(tenantID)
	if err := security.SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("set encryption key: %v", err)
	}

	dir, err := os.MkdirTemp("", "termclient-ca-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.NewBoltStore(dir)
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ca := security.NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("initialize ca: %v", err)
	}
	if _, err := ca.IssueTenantCA(tenantID); err != nil {
		t.Fatalf("issue tenant ca: %v", err)
	}

	tenantCert, err := ca.TenantCACert(tenantID)
	if err != nil {
		t.Fatalf("tenant ca cert: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(tenantCert)

	edgeCert, err := ca.IssueDeviceCert(security.DeviceCertProfile{TenantID: tenantID, DeviceID: "edge1", Role: "edge"})
	if err != nil {
		t.Fatalf("issue edge cert: %v", err)
	}
	termCert, err := ca.IssueDeviceCert(security.DeviceCertProfile{TenantID: tenantID, DeviceID: "term1", Role: "terminal"})
	if err != nil {
		t.Fatalf("issue terminal cert: %v", err)
	}

	serverCfg = transport.ServerConfig{Cert: *edgeCert, ClientCAs: pool, RequireClientCert: true}
	clientCfg = transport.ClientConfig{Cert: *termCert, RootCAs: pool}
	return serverCfg, clientCfg
}

// fakeEdge accepts one connection and answers order.submit with a
// canned orderengine.Response, echoing back whatever CommandID it saw.
func fakeEdge(t *testing.T, lis net.Listener) {
	t.Helper()
	conn, err := lis.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)

	// Hello
	if _, err := wireframe.ReadFrame(reader); err != nil {
		return
	}

	for {
		frame, err := wireframe.ReadFrame(reader)
		if err != nil {
			return
		}
		if frame.Tag != wireframe.TagRpc {
			continue
		}
		var rpc wireframe.Rpc
		if err := json.Unmarshal(frame.Body, &rpc); err != nil {
			continue
		}

		switch rpc.Method {
		case "order.submit":
			var cmd types.OrderCommand
			_ = json.Unmarshal(rpc.Payload, &cmd)
			resp := orderengine.Response{
				OK: true,
				Snapshot: &types.OrderSnapshot{
					OrderID: cmd.OrderID,
					Status:  types.OrderStatusActive,
				},
			}
			body, _ := json.Marshal(resp)
			_ = wireframe.WriteFrame(conn, wireframe.TagRpcResult, wireframe.RpcResult{ID: rpc.ID, Result: body})
		case "order.snapshot":
			env := apierr.ToEnvelope(apierr.New(apierr.CodeCommandRejected, "order not found"))
			body, _ := json.Marshal(struct {
				apierr.Envelope
				Snapshot types.OrderSnapshot `json:"snapshot"`
			}{Envelope: env})
			_ = wireframe.WriteFrame(conn, wireframe.TagRpcResult, wireframe.RpcResult{ID: rpc.ID, Result: body})
		}
	}
}

func TestSubmitCommandRoundTrip(t *testing.T) {
	serverCfg, clientCfg := newLoopbackCerts(t, "tenant-term")

	lis, err := transport.Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	go fakeEdge(t, lis)

	client, err := Dial(lis.Addr().String(), clientCfg, "tenant-term", "term1", "1.0.0", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.SubmitCommand(ctx, types.OrderCommand{
		CommandID: "cmd-1",
		OrderID:   "order-1",
		Kind:      types.CommandOpenOrder,
	})
	if err != nil {
		t.Fatalf("submit command: %v", err)
	}
	if resp.Snapshot == nil || resp.Snapshot.OrderID != "order-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetSnapshotSurfacesRejection(t *testing.T) {
	serverCfg, clientCfg := newLoopbackCerts(t, "tenant-term2")

	lis, err := transport.Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	go fakeEdge(t, lis)

	client, err := Dial(lis.Addr().String(), clientCfg, "tenant-term2", "term1", "1.0.0", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.GetSnapshot(ctx, "missing-order")
	if err == nil {
		t.Fatal("expected an error for a rejected snapshot lookup")
	}
	var apiErr *apierr.Error
	if !isAPIErr(err, &apiErr) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if apiErr.Code != apierr.CodeCommandRejected {
		t.Errorf("expected CodeCommandRejected, got %s", apiErr.Code)
	}
}

func isAPIErr(err error, target **apierr.Error) bool {
	ae, ok := err.(*apierr.Error)
	if ok {
		*target = ae
	}
	return ok
}

func TestCallTimesOutWhenEdgeNeverResponds(t *testing.T) {
	serverCfg, clientCfg := newLoopbackCerts(t, "tenant-term3")

	lis, err := transport.Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		_, _ = wireframe.ReadFrame(reader) // Hello only, then go silent
		<-make(chan struct{})
	}()

	client, err := Dial(lis.Addr().String(), clientCfg, "tenant-term3", "term1", "1.0.0", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = client.SubmitCommand(ctx, types.OrderCommand{CommandID: "cmd-2", OrderID: "order-2"})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

// Package termclient is the POS client-terminal SDK: a thin wrapper
// over one mTLS connection to the local edge, speaking pkg/wireframe's
// Rpc/Sync framing directly instead of a generated stub. It mirrors
// the teacher's pkg/client shape (one struct, one constructor, a
// method per server operation) with the gRPC stub swapped for the
// edge's own tagged-frame protocol.
package termclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fieldmesh/edgecore/pkg/apierr"
	"github.com/fieldmesh/edgecore/pkg/orderengine"
	"github.com/fieldmesh/edgecore/pkg/transport"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/fieldmesh/edgecore/pkg/wireframe"
	"github.com/google/uuid"
)

// rpcTimeout is the default per-call deadline; the terminal is talking
// to its own store's edge over a local/LAN hop, so this is far tighter
// than CloudLink's WAN budget.
const rpcTimeout = 5 * time.Second

const sendQueueDepth = 64

// SyncHandler is invoked for every unsolicited Sync frame the edge
// pushes — order/catalog changes relevant to this terminal (e.g. a
// kitchen display watching order state change out from under it).
type SyncHandler func(sync wireframe.Sync)

// Client is one terminal's connection to its edge.
type Client struct {
	tenantID string
	deviceID string

	conn   *tls.Conn
	writer *bufio.Writer
	onSync SyncHandler

	mu      sync.Mutex
	pending map[string]chan wireframe.RpcResult
	sendCh  chan wireframeSend
	closed  bool
}

type wireframeSend struct {
	tag  wireframe.Tag
	body interface{}
}

// Dial opens an mTLS connection to the edge at addr, sends the initial
// Hello, and starts the send/receive loops. onSync may be nil if this
// terminal doesn't need push updates (e.g. a one-shot admin tool).
func Dial(addr string, cfg transport.ClientConfig, tenantID, deviceID, softwareVersion string, onSync SyncHandler) (*Client, error) {
	conn, err := transport.Dial(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("termclient: dial edge: %w", err)
	}

	writer := bufio.NewWriter(conn)
	if err := wireframe.WriteFrame(writer, wireframe.TagHello, wireframe.Hello{
		TenantID:        tenantID,
		DeviceID:        deviceID,
		SoftwareVersion: softwareVersion,
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("termclient: send hello: %w", err)
	}
	if err := writer.Flush(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("termclient: flush hello: %w", err)
	}

	c := &Client{
		tenantID: tenantID,
		deviceID: deviceID,
		conn:     conn,
		writer:   writer,
		onSync:   onSync,
		pending:  make(map[string]chan wireframe.RpcResult),
		sendCh:   make(chan wireframeSend, sendQueueDepth),
	}

	errCh := make(chan error, 2)
	go c.sendLoop(errCh)
	go c.recvLoop(errCh)

	return c, nil
}

// Close shuts down the connection. Any RPCs in flight receive a
// transient error.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) sendLoop(errCh chan error) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.sendCh:
			if err := wireframe.WriteFrame(c.writer, msg.tag, msg.body); err != nil {
				errCh <- err
				return
			}
			if err := c.writer.Flush(); err != nil {
				errCh <- err
				return
			}
		case <-ticker.C:
			if err := wireframe.WriteFrame(c.writer, wireframe.TagPing, nil); err != nil {
				errCh <- err
				return
			}
			if err := c.writer.Flush(); err != nil {
				errCh <- err
				return
			}
		}
	}
}

func (c *Client) recvLoop(errCh chan error) {
	reader := bufio.NewReader(c.conn)
	for {
		frame, err := wireframe.ReadFrame(reader)
		if err != nil {
			c.failPending(err)
			errCh <- err
			return
		}
		switch frame.Tag {
		case wireframe.TagPong, wireframe.TagPing:
			// heartbeat, nothing to do
		case wireframe.TagRpcResult:
			var result wireframe.RpcResult
			if err := json.Unmarshal(frame.Body, &result); err != nil {
				continue
			}
			c.deliver(result)
		case wireframe.TagSync:
			var sync wireframe.Sync
			if err := json.Unmarshal(frame.Body, &sync); err != nil {
				continue
			}
			if c.onSync != nil {
				c.onSync(sync)
			}
			c.tryEnqueue(wireframe.TagAck, wireframe.Ack{ID: sync.ID})
		}
	}
}

func (c *Client) deliver(result wireframe.RpcResult) {
	c.mu.Lock()
	ch, ok := c.pending[result.ID]
	if ok {
		delete(c.pending, result.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- result
	}
}

// failPending unblocks every outstanding call when the connection
// drops out from under it, rather than letting them hang until their
// own deadline.
func (c *Client) failPending(_ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

func (c *Client) tryEnqueue(tag wireframe.Tag, body interface{}) bool {
	select {
	case c.sendCh <- wireframeSend{tag: tag, body: body}:
		return true
	default:
		return false
	}
}

// call issues an Rpc and waits for its RpcResult, translating a
// closed/timed-out wait into apierr.CodeTransient so callers can
// switch on Code uniformly regardless of failure mode.
func (c *Client) call(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	id := uuid.NewString()
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("termclient: marshal payload: %w", err)
	}

	ch := make(chan wireframe.RpcResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apierr.New(apierr.CodeTransient, "connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if !c.tryEnqueue(wireframe.TagRpc, wireframe.Rpc{ID: id, Method: method, Payload: body}) {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, apierr.New(apierr.CodeTransient, "send queue full")
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	select {
	case result, ok := <-ch:
		if !ok {
			return nil, apierr.New(apierr.CodeTransient, "connection closed mid-call")
		}
		return result.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, apierr.New(apierr.CodeTransient, "rpc timed out")
	}
}

// SubmitCommand submits an order command to the edge and waits for the
// resulting Response (events applied plus the new snapshot). The edge
// hands back orderengine.Response directly — it already carries its
// own OK/Code/Message, so no separate envelope wrapping is needed.
func (c *Client) SubmitCommand(ctx context.Context, cmd types.OrderCommand) (*orderengine.Response, error) {
	raw, err := c.call(ctx, "order.submit", cmd)
	if err != nil {
		return nil, err
	}
	var res orderengine.Response
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("termclient: decode submit result: %w", err)
	}
	if !res.OK {
		return nil, apierr.New(res.Code, "%s", res.Message)
	}
	return &res, nil
}

type getSnapshotRequest struct {
	OrderID string `json:"order_id"`
}

type getSnapshotResult struct {
	apierr.Envelope
	Snapshot types.OrderSnapshot `json:"snapshot"`
}

// GetSnapshot fetches the current materialized state of one order.
func (c *Client) GetSnapshot(ctx context.Context, orderID string) (*types.OrderSnapshot, error) {
	raw, err := c.call(ctx, "order.snapshot", getSnapshotRequest{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	var res getSnapshotResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("termclient: decode snapshot result: %w", err)
	}
	if !res.OK {
		return nil, apierr.FromEnvelope(res.Envelope)
	}
	return &res.Snapshot, nil
}

type refreshBindingRequest struct {
	TenantID   string `json:"tenant_id"`
	DeviceID   string `json:"device_id"`
	ValiditySec int64 `json:"validity_sec"`
}

type refreshBindingResult struct {
	apierr.Envelope
	Binding types.SignedBinding `json:"binding"`
}

// RefreshBinding asks the edge for a freshly signed binding. Callers
// should invoke this at SignedBinding.RefreshDueAt, well before the
// current binding actually expires.
func (c *Client) RefreshBinding(ctx context.Context, validity time.Duration) (*types.SignedBinding, error) {
	raw, err := c.call(ctx, "binding.refresh", refreshBindingRequest{
		TenantID:    c.tenantID,
		DeviceID:    c.deviceID,
		ValiditySec: int64(validity.Seconds()),
	})
	if err != nil {
		return nil, err
	}
	var res refreshBindingResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("termclient: decode refresh result: %w", err)
	}
	if !res.OK {
		return nil, apierr.FromEnvelope(res.Envelope)
	}
	return &res.Binding, nil
}

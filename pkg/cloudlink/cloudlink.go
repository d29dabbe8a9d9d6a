// Package cloudlink is the edge's single long-lived duplex channel to
// the cloud control plane: framing (via pkg/wireframe), heartbeat,
// reconnect with backoff, request/response correlation, and
// subscription-to-push delivery of catalog ops and archived events.
package cloudlink

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fieldmesh/edgecore/pkg/apierr"
	"github.com/fieldmesh/edgecore/pkg/log"
	"github.com/fieldmesh/edgecore/pkg/metrics"
	"github.com/fieldmesh/edgecore/pkg/transport"
	"github.com/fieldmesh/edgecore/pkg/wireframe"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// rpcTimeout is the default per-RPC deadline; exceeding it removes the
// pending entry and returns apierr.CodeTransient.
const rpcTimeout = 10 * time.Second

// sendQueueDepth bounds both directions' outbound buffering.
const sendQueueDepth = 1024

// Handshake is supplied by the caller (EdgeServer) and identifies this
// edge to the cloud on every (re)connect.
type Handshake struct {
	TenantID             string
	DeviceID             string
	SoftwareVersion      string
	CatalogVersion       uint64
	LastArchivedSequence uint64
}

// SyncHandler is invoked for every unsolicited Sync frame the cloud
// pushes (catalog edits, subscription changes).
type SyncHandler func(sync wireframe.Sync)

// Link manages one edge's connection to the cloud. It owns the
// reconnect loop; callers never dial directly.
type Link struct {
	addr        string
	tlsConfig   transport.ClientConfig
	handshake   Handshake
	onSync      SyncHandler

	logger zerolog.Logger

	mu        sync.Mutex
	conn      *tls.Conn
	writer    *bufio.Writer
	connected bool
	pending   map[string]chan wireframe.RpcResult
	sendCh    chan wireframeSend
	stopCh    chan struct{}
}

type wireframeSend struct {
	tag  wireframe.Tag
	body interface{}
}

// New creates a Link. Call Start to begin connecting.
func New(addr string, tlsConfig transport.ClientConfig, handshake Handshake, onSync SyncHandler) *Link {
	return &Link{
		addr:      addr,
		tlsConfig: tlsConfig,
		handshake: handshake,
		onSync:    onSync,
		logger:    log.WithDeviceID(handshake.DeviceID),
		pending:   make(map[string]chan wireframe.RpcResult),
		sendCh:    make(chan wireframeSend, sendQueueDepth),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the reconnect loop in the background.
func (l *Link) Start() {
	go l.run()
}

// Stop sends a graceful-close frame if connected and halts the loop.
func (l *Link) Stop() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = wireframe.WriteFrame(conn, wireframe.TagAck, wireframe.Ack{ID: "shutdown"})
	}
	close(l.stopCh)
}

func (l *Link) run() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever; the edge must keep serving offline

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		metrics.CloudLinkReconnectsTotal.Inc()
		if err := l.connectOnce(); err != nil {
			l.logger.Warn().Err(err).Msg("cloudlink connect failed, backing off")
			wait := b.NextBackOff()
			select {
			case <-time.After(wait):
			case <-l.stopCh:
				return
			}
			continue
		}
		b.Reset()
	}
}

func (l *Link) connectOnce() error {
	conn, err := transport.Dial(l.addr, l.tlsConfig)
	if err != nil {
		return err
	}
	defer func() {
		l.mu.Lock()
		l.connected = false
		metrics.CloudLinkConnected.Set(0)
		l.mu.Unlock()
	}()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	if err := wireframe.WriteFrame(writer, wireframe.TagHello, wireframe.Hello{
		TenantID:             l.handshake.TenantID,
		DeviceID:             l.handshake.DeviceID,
		SoftwareVersion:      l.handshake.SoftwareVersion,
		CatalogVersion:       l.handshake.CatalogVersion,
		LastArchivedSequence: l.handshake.LastArchivedSequence,
	}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush hello: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.writer = writer
	l.connected = true
	metrics.CloudLinkConnected.Set(1)
	l.mu.Unlock()

	errCh := make(chan error, 2)
	go l.sendLoop(conn, writer, errCh)
	go l.recvLoop(reader, errCh)

	select {
	case err := <-errCh:
		_ = conn.Close()
		return err
	case <-l.stopCh:
		_ = conn.Close()
		return nil
	}
}

func (l *Link) sendLoop(conn *tls.Conn, writer *bufio.Writer, errCh chan error) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg := <-l.sendCh:
			if err := wireframe.WriteFrame(writer, msg.tag, msg.body); err != nil {
				errCh <- err
				return
			}
			if err := writer.Flush(); err != nil {
				errCh <- err
				return
			}
		case <-ticker.C:
			if err := wireframe.WriteFrame(writer, wireframe.TagPing, nil); err != nil {
				errCh <- err
				return
			}
			if err := writer.Flush(); err != nil {
				errCh <- err
				return
			}
		case <-l.stopCh:
			return
		}
	}
}

func (l *Link) recvLoop(reader *bufio.Reader, errCh chan error) {
	for {
		frame, err := wireframe.ReadFrame(reader)
		if err != nil {
			errCh <- err
			return
		}
		switch frame.Tag {
		case wireframe.TagPong, wireframe.TagPing:
			// heartbeat, nothing to do
		case wireframe.TagRpcResult:
			var result wireframe.RpcResult
			if err := json.Unmarshal(frame.Body, &result); err != nil {
				l.logger.Warn().Err(err).Msg("malformed RpcResult frame")
				continue
			}
			l.deliver(result)
		case wireframe.TagSync:
			var sync wireframe.Sync
			if err := json.Unmarshal(frame.Body, &sync); err != nil {
				l.logger.Warn().Err(err).Msg("malformed Sync frame")
				continue
			}
			if l.onSync != nil {
				l.onSync(sync)
			}
			l.tryEnqueue(wireframe.TagAck, wireframe.Ack{ID: sync.ID})
		}
	}
}

func (l *Link) deliver(result wireframe.RpcResult) {
	l.mu.Lock()
	ch, ok := l.pending[result.ID]
	if ok {
		delete(l.pending, result.ID)
	}
	l.mu.Unlock()
	if ok {
		ch <- result
	}
}

// Connected reports whether the link currently has a live connection.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Call issues an Rpc and waits for its RpcResult up to rpcTimeout,
// registering a correlation entry that is removed on completion,
// timeout, or eviction from a full send queue.
func (l *Link) Call(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	id := uuid.NewString()
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc payload: %w", err)
	}

	ch := make(chan wireframe.RpcResult, 1)
	l.mu.Lock()
	l.pending[id] = ch
	l.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CloudLinkRPCDuration, method)

	if !l.tryEnqueue(wireframe.TagRpc, wireframe.Rpc{ID: id, Method: method, Payload: body}) {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return nil, apierr.New(apierr.CodeTransient, "EdgeQueueFull")
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	select {
	case result := <-ch:
		return result.Result, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return nil, apierr.New(apierr.CodeTransient, "RpcTimedOut")
	}
}

// tryEnqueue is a non-blocking send: a full queue evicts immediately
// rather than backing up the caller.
func (l *Link) tryEnqueue(tag wireframe.Tag, body interface{}) bool {
	select {
	case l.sendCh <- wireframeSend{tag: tag, body: body}:
		return true
	default:
		return false
	}
}

// PushSync sends an unsolicited Sync frame, used for edge-to-cloud
// archived-event streaming. Repeatable syncs are dropped on backpressure
// rather than blocking; callers requiring durability should route
// through a durable queue instead.
func (l *Link) PushSync(sync wireframe.Sync) bool {
	return l.tryEnqueue(wireframe.TagSync, sync)
}

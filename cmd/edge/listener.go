package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/fieldmesh/edgecore/pkg/apierr"
	"github.com/fieldmesh/edgecore/pkg/edgeserver"
	"github.com/fieldmesh/edgecore/pkg/events"
	"github.com/fieldmesh/edgecore/pkg/transport"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/fieldmesh/edgecore/pkg/wireframe"
	"github.com/rs/zerolog"
)

// terminalListener accepts POS-terminal mTLS connections and dispatches
// their Rpc frames into edgeserver.Server, the same "one struct, one
// registry, fan-out without blocking" shape pkg/cloudserver uses for
// the cloud's side of the wire.
type terminalListener struct {
	server *edgeserver.Server
	logger zerolog.Logger
}

func (t *terminalListener) serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("terminal listener accept: %w", err)
			}
		}
		go t.handleConn(conn)
	}
}

func (t *terminalListener) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	frame, err := wireframe.ReadFrame(reader)
	if err != nil || frame.Tag != wireframe.TagHello {
		return
	}
	var hello wireframe.Hello
	if err := json.Unmarshal(frame.Body, &hello); err != nil {
		return
	}

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if _, err := transport.PeerIdentity(tlsConn); err != nil {
			t.logger.Warn().Err(err).Msg("terminal presented no verifiable identity")
			return
		}
	}

	alive := func() bool { return conn.SetReadDeadline(time.Time{}) == nil }
	outbox, deregister := t.server.RegisterClient(hello.DeviceID, alive)
	defer deregister()

	logger := t.logger.With().Str("device_id", hello.DeviceID).Logger()
	logger.Info().Msg("terminal connected")

	writer := bufio.NewWriter(conn)
	writerDone := make(chan struct{})
	go t.writeLoop(outbox, writer, writerDone, logger)
	defer close(writerDone)

	for {
		frame, err := wireframe.ReadFrame(reader)
		if err != nil {
			logger.Info().Err(err).Msg("terminal disconnected")
			return
		}
		switch frame.Tag {
		case wireframe.TagPing:
			_ = wireframe.WriteFrame(writer, wireframe.TagPong, nil)
			_ = writer.Flush()
		case wireframe.TagAck:
			// terminal acknowledged a Sync push; nothing to reconcile.
		case wireframe.TagRpc:
			t.dispatchRpc(hello, writer, frame, logger)
		}
	}
}

func (t *terminalListener) writeLoop(outbox <-chan *events.Event, writer *bufio.Writer, done <-chan struct{}, logger zerolog.Logger) {
	for {
		select {
		case ev, ok := <-outbox:
			if !ok {
				return
			}
			sync := wireframe.Sync{Resource: string(ev.Type), ChangeKind: "event", ID: ev.ID, Payload: eventPayload(ev)}
			if err := wireframe.WriteFrame(writer, wireframe.TagSync, sync); err != nil {
				logger.Error().Err(err).Msg("push event failed")
				return
			}
			if err := writer.Flush(); err != nil {
				logger.Error().Err(err).Msg("flush event failed")
				return
			}
		case <-done:
			return
		}
	}
}

func eventPayload(ev *events.Event) json.RawMessage {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	return body
}

type getSnapshotRequest struct {
	OrderID string `json:"order_id"`
}

type refreshBindingRequest struct {
	TenantID    string `json:"tenant_id"`
	DeviceID    string `json:"device_id"`
	ValiditySec int64  `json:"validity_sec"`
}

func (t *terminalListener) dispatchRpc(hello wireframe.Hello, writer *bufio.Writer, frame *wireframe.Frame, logger zerolog.Logger) {
	var rpc wireframe.Rpc
	if err := json.Unmarshal(frame.Body, &rpc); err != nil {
		return
	}

	var result json.RawMessage
	switch rpc.Method {
	case "order.submit":
		var cmd types.OrderCommand
		if err := json.Unmarshal(rpc.Payload, &cmd); err != nil {
			result = envelopeBody(apierr.New(apierr.CodeInternal, "decode command: %v", err))
			break
		}
		resp, err := t.server.SubmitCommand(hello.DeviceID, cmd)
		if err != nil {
			result = envelopeBody(err)
			break
		}
		result, _ = json.Marshal(resp)
	case "order.snapshot":
		var req getSnapshotRequest
		if err := json.Unmarshal(rpc.Payload, &req); err != nil {
			result = envelopeBody(apierr.New(apierr.CodeInternal, "decode request: %v", err))
			break
		}
		snap, err := t.server.GetSnapshot(req.OrderID)
		if err != nil {
			result = envelopeBody(err)
			break
		}
		result, _ = json.Marshal(struct {
			apierr.Envelope
			Snapshot *types.OrderSnapshot `json:"snapshot"`
		}{Envelope: apierr.Envelope{OK: true}, Snapshot: snap})
	case "binding.refresh":
		var req refreshBindingRequest
		if err := json.Unmarshal(rpc.Payload, &req); err != nil {
			result = envelopeBody(apierr.New(apierr.CodeInternal, "decode request: %v", err))
			break
		}
		binding, err := t.server.RefreshBinding(req.TenantID, req.DeviceID, time.Duration(req.ValiditySec)*time.Second)
		if err != nil {
			result = envelopeBody(err)
			break
		}
		result, _ = json.Marshal(struct {
			apierr.Envelope
			Binding *types.SignedBinding `json:"binding"`
		}{Envelope: apierr.Envelope{OK: true}, Binding: binding})
	default:
		logger.Warn().Str("method", rpc.Method).Msg("unknown rpc method")
		result = envelopeBody(apierr.New(apierr.CodeInternal, "unknown method %s", rpc.Method))
	}

	_ = wireframe.WriteFrame(writer, wireframe.TagRpcResult, wireframe.RpcResult{ID: rpc.ID, Result: result})
	_ = writer.Flush()
}

func envelopeBody(err error) json.RawMessage {
	body, _ := json.Marshal(apierr.ToEnvelope(err))
	return body
}

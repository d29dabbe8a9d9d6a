// Package cloudserver is the cloud control plane's side of the
// edge↔cloud channel: it accepts the mTLS listener's connections,
// speaks the Hello/Rpc/Sync/Ping handshake pkg/cloudlink drives from
// the edge, and keeps the connected-edge registry cloudcontrol pushes
// catalog syncs through. Its registry/outbox shape mirrors
// pkg/edgeserver's client registry — the same fan-out-without-blocking
// problem, just on the other end of the wire.
package cloudserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fieldmesh/edgecore/pkg/cloudcontrol"
	"github.com/fieldmesh/edgecore/pkg/cloudstore"
	"github.com/fieldmesh/edgecore/pkg/log"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/fieldmesh/edgecore/pkg/wireframe"
	"github.com/rs/zerolog"
)

// edgeOutboxDepth bounds one edge's pending-push buffer; a push beyond
// this is dropped and left for cloudcontrol's fallback sweep to
// deliver via PendingOpQueue instead.
const edgeOutboxDepth = 256

type edgeConn struct {
	tenantID string
	edgeID   string
	conn     net.Conn
	outbox   chan wireframe.Sync
	done     chan struct{}
}

// Server accepts edge connections and dispatches their frames.
type Server struct {
	store   *cloudstore.Store
	control *cloudcontrol.Control
	logger  zerolog.Logger

	mu    sync.Mutex
	edges map[string]*edgeConn
}

// New builds a Server. control may be set after construction via
// SetControl if the two need to be wired up in either order (Control
// itself needs a Pusher, which this Server is, creating the
// opposite-direction dependency).
func New(store *cloudstore.Store) *Server {
	return &Server{
		store:  store,
		logger: log.WithComponent("cloudserver"),
		edges:  make(map[string]*edgeConn),
	}
}

// SetControl wires the cloudcontrol instance this server notifies of
// new edges and drains pending ops through.
func (s *Server) SetControl(c *cloudcontrol.Control) {
	s.control = c
}

// Serve accepts connections from lis until it returns an error or ctx
// is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
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
				return fmt.Errorf("cloudserver: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	frame, err := wireframe.ReadFrame(reader)
	if err != nil || frame.Tag != wireframe.TagHello {
		s.logger.Warn().Err(err).Msg("connection did not open with Hello")
		return
	}
	var hello wireframe.Hello
	if err := json.Unmarshal(frame.Body, &hello); err != nil {
		s.logger.Warn().Err(err).Msg("malformed Hello")
		return
	}

	ec := &edgeConn{
		tenantID: hello.TenantID,
		edgeID:   hello.DeviceID,
		conn:     conn,
		outbox:   make(chan wireframe.Sync, edgeOutboxDepth),
		done:     make(chan struct{}),
	}
	s.register(ec)
	defer s.deregister(ec)

	logger := s.logger.With().Str("tenant_id", ec.tenantID).Str("edge_id", ec.edgeID).Logger()
	logger.Info().Msg("edge connected")

	if s.control != nil {
		s.control.NoteEdge(ec.edgeID)
		go func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.control.DrainPending(drainCtx, ec.edgeID); err != nil {
				logger.Error().Err(err).Msg("drain pending ops on connect failed")
			}
		}()
	}

	writer := bufio.NewWriter(conn)
	go s.writeLoop(ec, writer, logger)

	for {
		frame, err := wireframe.ReadFrame(reader)
		if err != nil {
			logger.Info().Err(err).Msg("edge disconnected")
			return
		}
		switch frame.Tag {
		case wireframe.TagPing:
			_ = wireframe.WriteFrame(writer, wireframe.TagPong, nil)
			_ = writer.Flush()
		case wireframe.TagAck:
			// sync delivery acknowledged; nothing to reconcile here,
			// cloudcontrol already committed the edit before pushing.
		case wireframe.TagRpc:
			s.dispatchRpc(ctx, ec, writer, frame, logger)
		}
	}
}

func (s *Server) writeLoop(ec *edgeConn, writer *bufio.Writer, logger zerolog.Logger) {
	for {
		select {
		case sync, ok := <-ec.outbox:
			if !ok {
				return
			}
			if err := wireframe.WriteFrame(writer, wireframe.TagSync, sync); err != nil {
				logger.Error().Err(err).Msg("push sync failed")
				return
			}
			if err := writer.Flush(); err != nil {
				logger.Error().Err(err).Msg("flush sync failed")
				return
			}
		case <-ec.done:
			return
		}
	}
}

type archiveOrderRequest struct {
	types.OrderSnapshot
}

func (s *Server) dispatchRpc(ctx context.Context, ec *edgeConn, writer *bufio.Writer, frame *wireframe.Frame, logger zerolog.Logger) {
	var rpc wireframe.Rpc
	if err := json.Unmarshal(frame.Body, &rpc); err != nil {
		return
	}

	var result json.RawMessage
	switch rpc.Method {
	case "order.archive":
		result = s.handleArchive(ctx, ec, rpc.Payload, logger)
	default:
		logger.Warn().Str("method", rpc.Method).Msg("unknown rpc method")
		return
	}

	_ = wireframe.WriteFrame(writer, wireframe.TagRpcResult, wireframe.RpcResult{ID: rpc.ID, Result: result})
	_ = writer.Flush()
}

func (s *Server) handleArchive(ctx context.Context, ec *edgeConn, payload json.RawMessage, logger zerolog.Logger) json.RawMessage {
	var req archiveOrderRequest
	ok := true
	msg := ""
	if err := json.Unmarshal(payload, &req); err != nil {
		ok, msg = false, err.Error()
	} else if err := s.store.InsertArchivedOrder(ctx, ec.tenantID, ec.edgeID, req.OrderID, payload, time.Now()); err != nil {
		logger.Error().Err(err).Str("order_id", req.OrderID).Msg("insert archived order failed")
		ok, msg = false, "archive write failed"
	}
	body, _ := json.Marshal(struct {
		OK      bool   `json:"ok"`
		Message string `json:"message,omitempty"`
	}{OK: ok, Message: msg})
	return body
}

func (s *Server) register(ec *edgeConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.edges[ec.edgeID]; ok {
		close(existing.done)
	}
	s.edges[ec.edgeID] = ec
}

func (s *Server) deregister(ec *edgeConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.edges[ec.edgeID]; ok && existing == ec {
		close(ec.done)
		delete(s.edges, ec.edgeID)
	}
}

// PushCatalogSync implements cloudcontrol.Pusher: it delivers sync to
// edgeID's live connection if one exists, returning false (never
// blocking) otherwise.
func (s *Server) PushCatalogSync(edgeID string, sync wireframe.Sync) bool {
	s.mu.Lock()
	ec, ok := s.edges[edgeID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ec.outbox <- sync:
		return true
	default:
		return false
	}
}

// ConnectedEdgeCount reports how many edges currently hold a live
// connection, for readiness/metrics reporting.
func (s *Server) ConnectedEdgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edges)
}

// Package edgeserver orchestrates one edge node: it owns the
// connected-client registry, the per-resource version map, the
// process-wide epoch, and wires together OrderEngine, CloudLink, and
// the PKI endpoints terminals use to enroll and refresh their binding.
package edgeserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fieldmesh/edgecore/pkg/apierr"
	"github.com/fieldmesh/edgecore/pkg/auditchain"
	"github.com/fieldmesh/edgecore/pkg/cloudlink"
	"github.com/fieldmesh/edgecore/pkg/events"
	"github.com/fieldmesh/edgecore/pkg/identitystore"
	"github.com/fieldmesh/edgecore/pkg/log"
	"github.com/fieldmesh/edgecore/pkg/orderengine"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// clientSendBuffer bounds each connected client's outbound channel;
// holding the registry lock during a send is forbidden, so a full
// buffer drops the broadcast for that client rather than blocking
// every other client behind it.
const clientSendBuffer = 1024

// staleCleanupInterval is how often the registry evicts entries whose
// transport died without an explicit disconnect.
const staleCleanupInterval = 30 * time.Second

// clientEntry is one connected terminal's registry row.
type clientEntry struct {
	deviceID string
	outbox   chan *events.Event
	alive    func() bool
	lastSeen time.Time
}

// Server is the per-edge orchestrator.
type Server struct {
	EdgeID string
	Epoch  string

	engine    *orderengine.Engine
	identity  *identitystore.Store
	audit     *auditchain.Chain
	broker    *events.Broker
	cloudLink *cloudlink.Link
	logger    zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*clientEntry

	stopCh chan struct{}
}

// New wires an edge's already-constructed components together.
func New(edgeID string, engine *orderengine.Engine, identity *identitystore.Store, audit *auditchain.Chain, broker *events.Broker, link *cloudlink.Link) (*Server, error) {
	epoch, err := randomEpoch()
	if err != nil {
		return nil, fmt.Errorf("generate epoch: %w", err)
	}
	return &Server{
		EdgeID:    edgeID,
		Epoch:     epoch,
		engine:    engine,
		identity:  identity,
		audit:     audit,
		broker:    broker,
		cloudLink: link,
		logger:    log.WithEdgeID(edgeID),
		clients:   make(map[string]*clientEntry),
		stopCh:    make(chan struct{}),
	}, nil
}

func randomEpoch() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Start begins the registry's broadcast fan-in and stale-entry cleaner,
// plus CloudLink if configured.
func (s *Server) Start(ctx context.Context) error {
	sub := s.broker.Subscribe()
	go s.fanOut(sub)
	go s.cleanStale()
	if s.cloudLink != nil {
		s.cloudLink.Start()
	}
	return nil
}

// Shutdown closes stopCh, which ends the broadcast fan-out and the
// stale-entry cleaner, then stops CloudLink and waits for that stop to
// return. Registered clients are not disconnected here. OrderEngine has
// already stopped accepting commands by the time Shutdown is called
// (the caller owns that sequencing).
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s.cloudLink != nil {
			s.cloudLink.Stop()
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) fanOut(sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.broadcast(ev)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) broadcast(ev *events.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.outbox <- ev:
		default:
			// client's outbox is full; it will catch up on next
			// resource-version poll rather than blocking every other
			// client behind a slow one.
		}
	}
}

func (s *Server) cleanStale() {
	ticker := time.NewTicker(staleCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictDead()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) evictDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		if c.alive != nil && !c.alive() {
			close(c.outbox)
			delete(s.clients, id)
			s.logger.Info().Str("device_id", id).Msg("evicted stale client registry entry")
		}
	}
}

// RegisterClient adds a connected terminal to the registry, returning
// its outbound event channel and a deregister func to call on
// disconnect.
func (s *Server) RegisterClient(deviceID string, alive func() bool) (<-chan *events.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &clientEntry{
		deviceID: deviceID,
		outbox:   make(chan *events.Event, clientSendBuffer),
		alive:    alive,
		lastSeen: time.Now(),
	}
	s.clients[deviceID] = entry
	s.broker.Publish(&events.Event{Type: events.EventDeviceConnected, Message: deviceID})

	return entry.outbox, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.clients[deviceID]; ok && existing == entry {
			close(entry.outbox)
			delete(s.clients, deviceID)
			s.broker.Publish(&events.Event{Type: events.EventDeviceDisconnected, Message: deviceID})
		}
	}
}

// ConnectedClientCount reports how many terminals are currently
// registered, for readiness/metrics reporting.
func (s *Server) ConnectedClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// SubmitCommand is the command-submission endpoint clients call.
// deviceID identifies the connection the command arrived on (the
// terminal's hello.DeviceID); its stored Capabilities are attached to
// cmd here, overriding whatever the wire payload claimed, so a
// terminal can never grant itself permissions it wasn't enrolled
// with.
func (s *Server) SubmitCommand(deviceID string, cmd types.OrderCommand) (*orderengine.Response, error) {
	device, err := s.identity.GetDevice(deviceID)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeAuthFailed, err)
	}
	cmd.Capabilities = device.Capabilities
	if cmd.OperatorID == "" {
		cmd.OperatorID = device.ID
	}
	if cmd.OperatorName == "" {
		cmd.OperatorName = device.Name
	}
	return s.engine.Submit(cmd)
}

// GetSnapshot is the read-only order lookup endpoint clients call.
func (s *Server) GetSnapshot(orderID string) (*types.OrderSnapshot, error) {
	return s.engine.GetSnapshot(orderID)
}

// RefreshBinding is the PKI endpoint clients call before their current
// binding's remaining validity drops below 50%.
func (s *Server) RefreshBinding(tenantID, deviceID string, validity time.Duration) (*types.SignedBinding, error) {
	device, err := s.identity.GetDevice(deviceID)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeAuthFailed, err)
	}
	if device.Revoked {
		return nil, apierr.New(apierr.CodeAuthFailed, "device_revoked")
	}
	if err := s.identity.CheckSubscription(tenantID); err != nil {
		return nil, apierr.Wrap(apierr.CodeSubscriptionBlocked, err)
	}
	binding, err := s.identity.RefreshBinding(tenantID, deviceID, validity)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, err)
	}
	return binding, nil
}

// ReadinessProbe is green only after local CA is loaded, the snapshot
// store has been verified (the caller passes that result in as
// snapshotsVerified), and at least one cloud handshake has succeeded
// (or offline is explicitly true).
func (s *Server) ReadinessProbe(snapshotsVerified, offline bool) bool {
	if !s.identity.CA().IsInitialized() {
		return false
	}
	if !snapshotsVerified {
		return false
	}
	if offline {
		return true
	}
	return s.cloudLink == nil || s.cloudLink.Connected()
}

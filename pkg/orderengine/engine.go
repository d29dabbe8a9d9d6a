// Package orderengine is the single-writer command processor at the
// heart of an edge: it validates OrderCommands against the current
// OrderSnapshot, emits OrderEvents, maintains the business-day hash
// chain, and keeps an idempotency cache so a retried command never
// double-applies.
package orderengine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fieldmesh/edgecore/pkg/apierr"
	"github.com/fieldmesh/edgecore/pkg/auditchain"
	"github.com/fieldmesh/edgecore/pkg/eventlog"
	"github.com/fieldmesh/edgecore/pkg/events"
	"github.com/fieldmesh/edgecore/pkg/log"
	"github.com/fieldmesh/edgecore/pkg/metrics"
	"github.com/fieldmesh/edgecore/pkg/security"
	"github.com/fieldmesh/edgecore/pkg/snapshotstore"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// auditableEvents names the event kinds AuditChain records an entry
// for, per section 4.6's sensitive-action list: void, comp, refund,
// discount application, and permission-gated operations.
var auditableEvents = map[types.OrderEventKind]string{
	types.EventOrderVoided:     "order_voided",
	types.EventItemComped:      "item_comped",
	types.EventPaymentRefunded: "payment_refunded",
	types.EventDiscountApplied: "discount_applied",
	types.EventPriceModified:   "price_modified",
}

// idempotencyCacheSize bounds the recent-commands map; cold misses
// beyond this window are simply re-executed, which commands are
// designed to tolerate (validation makes re-execution safe or a clean
// rejection, never a double side effect on money).
const idempotencyCacheSize = 10000

// Response is what Submit returns, and what the idempotency cache
// stores verbatim so a replayed command id gets back exactly R1.
type Response struct {
	OK       bool               `json:"ok"`
	Events   []types.OrderEvent `json:"events,omitempty"`
	Snapshot *types.OrderSnapshot `json:"snapshot,omitempty"`
	Code     apierr.Code        `json:"code,omitempty"`
	Message  string             `json:"message,omitempty"`
}

// Engine is the per-edge single logical writer. All commands for an
// edge funnel through Submit, serialized by mu — there is no
// per-order lock, because an edge is itself the serialization domain.
type Engine struct {
	edgeID      string
	tenantID    string
	log         *eventlog.Log
	snapshots   *snapshotstore.Store
	broker      *events.Broker
	audit       *auditchain.Chain
	logger      zerolog.Logger
	businessDay string

	mu          sync.Mutex
	idempotency *lru.Cache[string, *Response]
}

// New creates an Engine. businessDay seeds the genesis hash per
// section 4.1's per-tenant, per-day chain scoping. audit may be nil in
// tests that don't exercise sensitive-action logging; production
// callers always pass the edge's AuditChain.
func New(edgeID, tenantID, businessDay string, eventLog *eventlog.Log, snapshots *snapshotstore.Store, broker *events.Broker, audit *auditchain.Chain) (*Engine, error) {
	cache, err := lru.New[string, *Response](idempotencyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create idempotency cache: %w", err)
	}
	return &Engine{
		edgeID:      edgeID,
		tenantID:    tenantID,
		log:         eventLog,
		snapshots:   snapshots,
		broker:      broker,
		audit:       audit,
		logger:      log.WithEdgeID(edgeID),
		businessDay: businessDay,
		idempotency: cache,
	}, nil
}

// Submit runs one OrderCommand through the pipeline: idempotency
// check, snapshot load, action dispatch, event construction, commit,
// broadcast.
func (e *Engine) Submit(cmd types.OrderCommand) (*Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OrderCommandDuration, string(cmd.Kind))

	if resp, hit := e.idempotency.Get(cmd.CommandID); hit {
		metrics.IdempotencyHitsTotal.Inc()
		return resp, nil
	}

	resp, err := e.process(cmd)
	if err != nil {
		metrics.OrderCommandsTotal.WithLabelValues(string(cmd.Kind), "error").Inc()
		return nil, err
	}

	outcome := "accepted"
	if !resp.OK {
		outcome = "rejected"
	}
	metrics.OrderCommandsTotal.WithLabelValues(string(cmd.Kind), outcome).Inc()

	e.idempotency.Add(cmd.CommandID, resp)
	return resp, nil
}

// GetSnapshot returns the current materialized state of one order, for
// read-only lookups that don't go through Submit (a terminal polling
// after reconnect, a kitchen display resuming after a dropped Sync).
func (e *Engine) GetSnapshot(orderID string) (*types.OrderSnapshot, error) {
	snap, err := e.snapshots.Load(orderID)
	if err != nil {
		return nil, fmt.Errorf("orderengine: load snapshot: %w", err)
	}
	if snap == nil {
		return nil, apierr.New(apierr.CodeCommandRejected, "order not found")
	}
	return snap, nil
}

func (e *Engine) process(cmd types.OrderCommand) (*Response, error) {
	orderID := cmd.OrderID
	var snap *types.OrderSnapshot

	if cmd.Kind == types.CommandOpenOrder {
		orderID = uuid.NewString()
	} else {
		loaded, err := e.snapshots.Load(orderID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", orderID, err)
		}
		if loaded == nil {
			return rejected(apierr.CodeCommandRejected, "OrderNotFound"), nil
		}
		snap = loaded
	}

	action, ok := actions[cmd.Kind]
	if !ok {
		return rejected(apierr.CodeCommandRejected, "InvalidOperation"), nil
	}

	kinds, payloads, rejectReason := action(snap, cmd)
	if rejectReason != "" {
		return rejected(apierr.CodeCommandRejected, rejectReason), nil
	}

	tipSeq, tipHash, err := e.log.Tip()
	if err != nil {
		return nil, fmt.Errorf("read event log tip: %w", err)
	}
	if tipHash == nil {
		tipHash = security.GenesisHash(e.tenantID, e.businessDay)
	}

	now := time.Now()
	builtEvents := make([]types.OrderEvent, 0, len(kinds))
	prevHash := tipHash
	seq := tipSeq
	for i, kind := range kinds {
		seq++
		payload, err := json.Marshal(payloads[i])
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		contentHash := security.EventContentHash(prevHash, seq, orderID, payload)
		ev := types.OrderEvent{
			Sequence:     seq,
			OrderID:      orderID,
			CommandID:    cmd.CommandID,
			Kind:         kind,
			Payload:      payload,
			Timestamp:    now,
			PrevHash:     prevHash,
			ContentHash:  contentHash,
			OperatorID:   cmd.OperatorID,
			OperatorName: cmd.OperatorName,
		}
		builtEvents = append(builtEvents, ev)
		prevHash = contentHash
	}

	working := snap
	for _, ev := range builtEvents {
		next, err := Apply(working, ev)
		if err != nil {
			return nil, fmt.Errorf("apply event seq %d: %w", ev.Sequence, err)
		}
		working = next
	}
	working.Checksum = checksum(working)

	if err := e.log.Append(builtEvents); err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}
	if err := e.snapshots.Save(working); err != nil {
		return nil, fmt.Errorf("save snapshot %s: %w", orderID, err)
	}

	e.appendAuditEntries(builtEvents)

	metrics.ActiveOrdersTotal.Set(e.countActive())

	e.broker.Publish(&events.Event{
		Type:    events.EventOrderSnapshotPushed,
		Message: orderID,
	})

	return &Response{OK: true, Events: builtEvents, Snapshot: working}, nil
}

// appendAuditEntries records one AuditChain entry per sensitive event
// in evs, per section 4.6. A nil audit chain (unit tests that don't
// exercise the trail) is a no-op, not an error.
func (e *Engine) appendAuditEntries(evs []types.OrderEvent) {
	if e.audit == nil {
		return
	}
	for _, ev := range evs {
		action, sensitive := auditableEvents[ev.Kind]
		if !sensitive {
			continue
		}
		detail := fmt.Sprintf("order=%s operator=%s(%s) command=%s", ev.OrderID, ev.OperatorName, ev.OperatorID, ev.CommandID)
		if _, err := e.audit.Append(types.AuditCategoryOrder, action, detail); err != nil {
			e.logger.Error().Err(err).Str("order_id", ev.OrderID).Str("action", action).Msg("failed to append audit entry for sensitive order action")
		}
	}
}

func (e *Engine) countActive() float64 {
	active, err := e.snapshots.ListActive()
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to count active orders")
		return 0
	}
	return float64(len(active))
}

func rejected(code apierr.Code, reason string) *Response {
	return &Response{OK: false, Code: code, Message: reason}
}

package orderengine

import (
	"encoding/json"
	"fmt"

	"github.com/fieldmesh/edgecore/pkg/types"
)

// applier is a pure function: given the snapshot before an event and
// the event itself, it returns the snapshot after. Appliers never read
// external state; dispatch by event kind is static so replay is
// deterministic given only the event stream.
type applier func(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error)

var appliers = map[types.OrderEventKind]applier{
	types.EventOrderOpened:     applyOrderOpened,
	types.EventItemAdded:       applyItemAdded,
	types.EventItemRemoved:     applyItemRemoved,
	types.EventPriceModified:   applyPriceModified,
	types.EventDiscountApplied: applyDiscountApplied,
	types.EventItemComped:      applyItemComped,
	types.EventPaymentRefunded: applyPaymentRefunded,
	types.EventPaymentApplied:  applyPaymentApplied,
	types.EventSplitSet:        applySplitSet,
	types.EventOrderVoided:     applyOrderVoided,
	types.EventOrderClosed:     applyOrderClosed,
}

// Apply dispatches ev against snap through its registered applier and
// stamps the resulting snapshot's bookkeeping fields.
func Apply(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error) {
	fn, ok := appliers[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("orderengine: no applier registered for event kind %q", ev.Kind)
	}
	next, err := fn(snap, ev)
	if err != nil {
		return nil, err
	}
	next.LastSequence = ev.Sequence
	next.UpdatedAt = ev.Timestamp
	return next, nil
}

func cloneSnapshot(snap *types.OrderSnapshot) types.OrderSnapshot {
	if snap == nil {
		return types.OrderSnapshot{}
	}
	next := *snap
	next.Lines = append([]types.OrderLine(nil), snap.Lines...)
	next.Payments = append([]types.Payment(nil), snap.Payments...)
	return next
}

func applyOrderOpened(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error) {
	var p OpenOrderPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, err
	}
	next := types.OrderSnapshot{
		OrderID: ev.OrderID,
		Status:  types.OrderStatusActive,
	}
	_ = p
	return &next, nil
}

func applyItemAdded(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error) {
	var p AddItemPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, err
	}
	next := cloneSnapshot(snap)
	next.Lines = append(next.Lines, types.OrderLine{
		SKU:      p.SKU,
		Name:     p.Name,
		Quantity: p.Quantity,
		UnitCost: p.UnitCost,
	})
	return &next, nil
}

func applyItemRemoved(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error) {
	var p RemoveItemPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, err
	}
	next := cloneSnapshot(snap)
	remaining := p.Quantity
	lines := make([]types.OrderLine, 0, len(next.Lines))
	for _, line := range next.Lines {
		if line.SKU == p.SKU && remaining > 0 {
			if line.Quantity <= remaining {
				remaining -= line.Quantity
				continue
			}
			line.Quantity -= remaining
			remaining = 0
		}
		lines = append(lines, line)
	}
	next.Lines = lines
	return &next, nil
}

// applyPaymentApplied records the payment and, per section 4.5's
// split-mode lock, engages SplitLocked on this first payment taken
// under the order's current split mode — not earlier, when the mode
// was merely declared by SetSplit.
func applyPaymentApplied(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error) {
	var p ApplyPaymentPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, err
	}
	next := cloneSnapshot(snap)
	next.Payments = append(next.Payments, types.Payment{
		ID:        ev.CommandID,
		Method:    p.Method,
		Amount:    p.Amount,
		AppliedAt: ev.Timestamp,
	})
	next.SplitLocked = true
	return &next, nil
}

// applySplitSet records the declared mode/headcount only. It must
// never lock the mode itself — that happens in applyPaymentApplied,
// once a payment actually commits under it.
func applySplitSet(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error) {
	var p SetSplitPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, err
	}
	next := cloneSnapshot(snap)
	next.SplitMode = p.Mode
	if p.Headcount > 0 {
		next.AAHeadcount = p.Headcount
	}
	return &next, nil
}

func applyPriceModified(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error) {
	var p ModifyPricePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, err
	}
	next := cloneSnapshot(snap)
	for i := range next.Lines {
		if next.Lines[i].SKU == p.SKU {
			next.Lines[i].UnitCost = p.NewPrice
		}
	}
	return &next, nil
}

func applyDiscountApplied(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error) {
	var p ApplyDiscountPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, err
	}
	next := cloneSnapshot(snap)
	next.DiscountTotal = next.DiscountTotal.Add(p.Amount)
	return &next, nil
}

func applyItemComped(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error) {
	var p CompPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, err
	}
	next := cloneSnapshot(snap)
	for i := range next.Lines {
		if next.Lines[i].SKU == p.SKU {
			next.Lines[i].Comped = true
		}
	}
	return &next, nil
}

func applyPaymentRefunded(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error) {
	var p RefundPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, err
	}
	next := cloneSnapshot(snap)
	next.Payments = append(next.Payments, types.Payment{
		ID:         ev.CommandID,
		Method:     "refund",
		Amount:     types.Zero.Sub(p.Amount),
		AppliedAt:  ev.Timestamp,
		RefundOfID: p.PaymentID,
	})
	return &next, nil
}

func applyOrderVoided(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error) {
	next := cloneSnapshot(snap)
	next.Status = types.OrderStatusVoided
	return &next, nil
}

func applyOrderClosed(snap *types.OrderSnapshot, ev types.OrderEvent) (*types.OrderSnapshot, error) {
	next := cloneSnapshot(snap)
	next.Status = types.OrderStatusCompleted
	return &next, nil
}

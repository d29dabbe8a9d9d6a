package orderengine

import (
	"encoding/json"

	"github.com/fieldmesh/edgecore/pkg/types"
)

// action validates cmd's preconditions against snap and produces the
// event kinds (and matching payloads) it should emit. A non-empty
// rejectReason short-circuits event construction entirely; no sequence
// is consumed for a rejected command.
type action func(snap *types.OrderSnapshot, cmd types.OrderCommand) (kinds []types.OrderEventKind, payloads []interface{}, rejectReason string)

var actions = map[types.OrderCommandKind]action{
	types.CommandOpenOrder:     actionOpenOrder,
	types.CommandAddItem:       actionAddItem,
	types.CommandRemoveItem:    actionRemoveItem,
	types.CommandModifyPrice:   actionModifyPrice,
	types.CommandApplyDiscount: actionApplyDiscount,
	types.CommandComp:          actionComp,
	types.CommandRefund:        actionRefund,
	types.CommandApplyPayment:  actionApplyPayment,
	types.CommandSetSplit:      actionSetSplit,
	types.CommandVoidOrder:     actionVoidOrder,
	types.CommandCloseOrder:    actionCloseOrder,
}

// requireCapability rejects a command whose issuing device was not
// granted cap, per section 4.5 rule 5.
func requireCapability(cmd types.OrderCommand, cap string) string {
	for _, c := range cmd.Capabilities {
		if c == cap || c == types.CapabilityAll {
			return ""
		}
	}
	return "PermissionDenied"
}

func mustActive(snap *types.OrderSnapshot) string {
	if snap == nil || snap.Status != types.OrderStatusActive {
		return "OrderNotActive"
	}
	return ""
}

func actionOpenOrder(snap *types.OrderSnapshot, cmd types.OrderCommand) ([]types.OrderEventKind, []interface{}, string) {
	var p OpenOrderPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, nil, "InvalidOperation"
	}
	return []types.OrderEventKind{types.EventOrderOpened}, []interface{}{p}, ""
}

func actionAddItem(snap *types.OrderSnapshot, cmd types.OrderCommand) ([]types.OrderEventKind, []interface{}, string) {
	if r := mustActive(snap); r != "" {
		return nil, nil, r
	}
	var p AddItemPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Quantity <= 0 {
		return nil, nil, "InvalidAmount"
	}
	return []types.OrderEventKind{types.EventItemAdded}, []interface{}{p}, ""
}

func actionRemoveItem(snap *types.OrderSnapshot, cmd types.OrderCommand) ([]types.OrderEventKind, []interface{}, string) {
	if r := mustActive(snap); r != "" {
		return nil, nil, r
	}
	var p RemoveItemPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Quantity <= 0 {
		return nil, nil, "InvalidAmount"
	}
	return []types.OrderEventKind{types.EventItemRemoved}, []interface{}{p}, ""
}

// actionApplyPayment enforces the split-mode lock, the AA headcount
// lock, and the fixed-point overpayment boundary with an explicit
// epsilon, per section 4.5's validation rules. The split-mode lock
// itself engages only once this payment actually commits (in
// applyPaymentApplied) — merely declaring a mode via SetSplit must
// never lock it.
func actionApplyPayment(snap *types.OrderSnapshot, cmd types.OrderCommand) ([]types.OrderEventKind, []interface{}, string) {
	if r := mustActive(snap); r != "" {
		return nil, nil, r
	}
	var p ApplyPaymentPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, nil, "InvalidAmount"
	}
	if p.Amount.Cmp(types.Zero) <= 0 {
		return nil, nil, "InvalidAmount"
	}

	if snap.SplitMode == types.SplitModeAA && snap.AAHeadcount > 0 && snap.PaidShares() >= snap.AAHeadcount {
		return nil, nil, "SplitModeLocked"
	}

	remaining := snap.Remaining()
	if p.Amount.Sub(remaining).Cmp(types.Epsilon) > 0 {
		return nil, nil, "SplitExceedsRemaining"
	}
	return []types.OrderEventKind{types.EventPaymentApplied}, []interface{}{p}, ""
}

// actionSetSplit accepts any mode change until a payment has actually
// been taken under the order's current mode — the lock itself is
// applied by applyPaymentApplied, not here.
func actionSetSplit(snap *types.OrderSnapshot, cmd types.OrderCommand) ([]types.OrderEventKind, []interface{}, string) {
	if r := mustActive(snap); r != "" {
		return nil, nil, r
	}
	var p SetSplitPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, nil, "InvalidOperation"
	}
	if snap.SplitLocked && snap.SplitMode != p.Mode {
		return nil, nil, "SplitModeLocked"
	}
	if p.Mode == types.SplitModeAA && snap.SplitLocked && snap.AAHeadcount > 0 && p.Headcount > 0 && p.Headcount != snap.AAHeadcount {
		return nil, nil, "SplitModeLocked"
	}
	return []types.OrderEventKind{types.EventSplitSet}, []interface{}{p}, ""
}

// actionModifyPrice requires the orders:modify_price capability on the
// issuing device.
func actionModifyPrice(snap *types.OrderSnapshot, cmd types.OrderCommand) ([]types.OrderEventKind, []interface{}, string) {
	if r := mustActive(snap); r != "" {
		return nil, nil, r
	}
	if r := requireCapability(cmd, types.CapabilityModifyPrice); r != "" {
		return nil, nil, r
	}
	var p ModifyPricePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.NewPrice.Cmp(types.Zero) < 0 {
		return nil, nil, "InvalidAmount"
	}
	found := false
	for _, l := range snap.Lines {
		if l.SKU == p.SKU {
			found = true
			break
		}
	}
	if !found {
		return nil, nil, "InvalidOperation"
	}
	return []types.OrderEventKind{types.EventPriceModified}, []interface{}{p}, ""
}

// actionApplyDiscount requires the orders:discount capability and
// rejects a discount that would exceed the order's current total.
func actionApplyDiscount(snap *types.OrderSnapshot, cmd types.OrderCommand) ([]types.OrderEventKind, []interface{}, string) {
	if r := mustActive(snap); r != "" {
		return nil, nil, r
	}
	if r := requireCapability(cmd, types.CapabilityDiscount); r != "" {
		return nil, nil, r
	}
	var p ApplyDiscountPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Amount.Cmp(types.Zero) <= 0 {
		return nil, nil, "InvalidAmount"
	}
	if p.Amount.Sub(snap.Total()).Cmp(types.Epsilon) > 0 {
		return nil, nil, "SplitExceedsRemaining"
	}
	return []types.OrderEventKind{types.EventDiscountApplied}, []interface{}{p}, ""
}

// actionComp requires the orders:comp capability.
func actionComp(snap *types.OrderSnapshot, cmd types.OrderCommand) ([]types.OrderEventKind, []interface{}, string) {
	if r := mustActive(snap); r != "" {
		return nil, nil, r
	}
	if r := requireCapability(cmd, types.CapabilityComp); r != "" {
		return nil, nil, r
	}
	var p CompPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, nil, "InvalidOperation"
	}
	found := false
	for _, l := range snap.Lines {
		if l.SKU == p.SKU {
			found = true
			break
		}
	}
	if !found {
		return nil, nil, "InvalidOperation"
	}
	return []types.OrderEventKind{types.EventItemComped}, []interface{}{p}, ""
}

// actionRefund requires the orders:refund capability and rejects a
// refund larger than the payment it targets, or one that targets a
// payment that does not exist or is itself already a refund.
func actionRefund(snap *types.OrderSnapshot, cmd types.OrderCommand) ([]types.OrderEventKind, []interface{}, string) {
	if snap == nil {
		return nil, nil, "OrderNotFound"
	}
	if r := requireCapability(cmd, types.CapabilityRefund); r != "" {
		return nil, nil, r
	}
	var p RefundPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Amount.Cmp(types.Zero) <= 0 {
		return nil, nil, "InvalidAmount"
	}
	var original *types.Payment
	for i := range snap.Payments {
		if snap.Payments[i].ID == p.PaymentID && snap.Payments[i].RefundOfID == "" {
			original = &snap.Payments[i]
			break
		}
	}
	if original == nil {
		return nil, nil, "InvalidOperation"
	}
	if p.Amount.Sub(original.Amount).Cmp(types.Epsilon) > 0 {
		return nil, nil, "SplitExceedsRemaining"
	}
	return []types.OrderEventKind{types.EventPaymentRefunded}, []interface{}{p}, ""
}

func actionVoidOrder(snap *types.OrderSnapshot, cmd types.OrderCommand) ([]types.OrderEventKind, []interface{}, string) {
	if r := mustActive(snap); r != "" {
		return nil, nil, r
	}
	var p VoidOrderPayload
	_ = json.Unmarshal(cmd.Payload, &p)
	return []types.OrderEventKind{types.EventOrderVoided}, []interface{}{p}, ""
}

func actionCloseOrder(snap *types.OrderSnapshot, cmd types.OrderCommand) ([]types.OrderEventKind, []interface{}, string) {
	if r := mustActive(snap); r != "" {
		return nil, nil, r
	}
	if snap.Remaining().Cmp(types.Epsilon) > 0 {
		return nil, nil, "SplitExceedsRemaining"
	}
	var p CloseOrderPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, nil, "InvalidOperation"
	}
	return []types.OrderEventKind{types.EventOrderClosed}, []interface{}{p}, ""
}

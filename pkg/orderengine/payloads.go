package orderengine

import "github.com/fieldmesh/edgecore/pkg/types"

// OpenOrderPayload opens a new table/tab order.
type OpenOrderPayload struct {
	TableID    string `json:"table_id"`
	GuestCount int    `json:"guest_count"`
}

// AddItemPayload adds one line item to an order.
type AddItemPayload struct {
	SKU      string      `json:"sku"`
	Name     string      `json:"name"`
	Quantity int         `json:"quantity"`
	UnitCost types.Fixed `json:"unit_cost"`
}

// RemoveItemPayload removes a line item by SKU.
type RemoveItemPayload struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// ModifyPricePayload overrides a line item's unit price, gated behind
// the orders:modify_price capability.
type ModifyPricePayload struct {
	SKU      string      `json:"sku"`
	NewPrice types.Fixed `json:"new_price"`
	Reason   string      `json:"reason"`
}

// ApplyDiscountPayload applies a fixed-amount discount across the
// order's current total.
type ApplyDiscountPayload struct {
	Amount types.Fixed `json:"amount"`
	Reason string      `json:"reason"`
}

// CompPayload removes a line item's cost from the order total without
// removing the line itself, recorded as a comp rather than a void.
type CompPayload struct {
	SKU    string `json:"sku"`
	Reason string `json:"reason"`
}

// RefundPayload returns a prior payment, in full or in part.
type RefundPayload struct {
	PaymentID string      `json:"payment_id"`
	Amount    types.Fixed `json:"amount"`
	Reason    string      `json:"reason"`
}

// ApplyPaymentPayload records one payment against an order.
type ApplyPaymentPayload struct {
	Method   string      `json:"method"`
	Amount   types.Fixed `json:"amount"`
	Tendered types.Fixed `json:"tendered"`
}

// SetSplitPayload establishes or extends the order's split mode.
type SetSplitPayload struct {
	Mode      types.SplitMode `json:"mode"`
	Headcount int             `json:"headcount,omitempty"`
}

// VoidOrderPayload voids an order in full.
type VoidOrderPayload struct {
	Reason string `json:"reason"`
}

// CloseOrderPayload completes a fully-paid order.
type CloseOrderPayload struct {
	ReceiptNumber string `json:"receipt_number"`
}

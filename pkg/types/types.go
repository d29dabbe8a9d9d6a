// Package types holds the plain data model shared across edge, cloud, and
// client-terminal code: tenants, devices, bindings, orders, catalog
// records, and the audit trail. None of these types carry behavior beyond
// small value-level helpers; engines and stores operate on them.
package types

import "time"

// Tenant represents one merchant account, the root of catalog and
// subscription data and the anchor of a per-tenant certificate authority.
type Tenant struct {
	ID             string
	Name           string
	Status         TenantStatus
	CatalogVersion uint64
	CreatedAt      time.Time
}

// TenantStatus gates whether a tenant's devices may transact.
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
	TenantStatusClosed    TenantStatus = "closed"
)

// DeviceRole distinguishes the edge server itself from client terminals
// enrolled under it.
type DeviceRole string

const (
	DeviceRoleEdge     DeviceRole = "edge"
	DeviceRoleTerminal DeviceRole = "terminal"
)

// Device is one enrolled identity (an edge node or a POS terminal) bound
// to a tenant via its certificate's custom extensions.
type Device struct {
	ID           string
	TenantID     string
	Role         DeviceRole
	Name         string
	EnrolledAt   time.Time
	Revoked      bool
	LastSeen     time.Time
	Capabilities []string
}

// HasCapability reports whether d carries cap. "all" grants every
// capability, matching an admin-role device's default grant.
func (d *Device) HasCapability(cap string) bool {
	if d == nil {
		return false
	}
	for _, c := range d.Capabilities {
		if c == cap || c == CapabilityAll {
			return true
		}
	}
	return false
}

// Capability names the small, fixed set of sensitive operations a
// device must be explicitly granted rather than allowed by default.
const (
	CapabilityAll         = "all"
	CapabilityModifyPrice = "orders:modify_price"
	CapabilityDiscount    = "orders:discount"
	CapabilityVoid        = "orders:void"
	CapabilityComp        = "orders:comp"
	CapabilityRefund      = "orders:refund"
	CapabilityCashDrawer  = "cash_drawer:open"
)

// SignedBinding is the short-lived envelope a device presents as proof of
// tenant membership; it is refreshed well before expiry and doubles as a
// liveness signal for the entity it names.
type SignedBinding struct {
	TenantID    string
	EntityID    string
	IssuedAtMs  int64
	ExpiresAtMs int64
	Sig         []byte
}

// RefreshDueAt is the instant by which this binding must be refreshed:
// halfway through its remaining validity, per the refresh-as-liveness
// contract.
func (b SignedBinding) RefreshDueAt() time.Time {
	issued := time.UnixMilli(b.IssuedAtMs)
	expires := time.UnixMilli(b.ExpiresAtMs)
	half := issued.Add(expires.Sub(issued) / 2)
	return half
}

// OrderStatus is the lifecycle state of an order snapshot.
type OrderStatus string

const (
	OrderStatusActive    OrderStatus = "active"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusVoided    OrderStatus = "voided"
)

// SplitMode describes how an order's remaining balance may be divided
// across multiple payments. Once the first payment of a mode is recorded
// the mode locks for the rest of the order's life.
type SplitMode string

const (
	SplitModeNone   SplitMode = ""
	SplitModeItems  SplitMode = "items"
	SplitModeAmount SplitMode = "amount"
	SplitModeAA     SplitMode = "aa"
)

// OrderCommandKind enumerates the mutations a terminal may request against
// an order. CommandID is the idempotency key: replaying the same command
// twice must produce the same events and never double-apply.
type OrderCommandKind string

const (
	CommandOpenOrder     OrderCommandKind = "open_order"
	CommandAddItem       OrderCommandKind = "add_item"
	CommandRemoveItem    OrderCommandKind = "remove_item"
	CommandModifyPrice   OrderCommandKind = "modify_price"
	CommandApplyDiscount OrderCommandKind = "apply_discount"
	CommandComp          OrderCommandKind = "comp"
	CommandRefund        OrderCommandKind = "refund"
	CommandApplyPayment  OrderCommandKind = "apply_payment"
	CommandSetSplit      OrderCommandKind = "set_split"
	CommandVoidOrder     OrderCommandKind = "void_order"
	CommandCloseOrder    OrderCommandKind = "close_order"
)

// OrderCommand is a single requested mutation, addressed to a specific
// order and carrying whatever payload its Kind requires. OperatorID and
// OperatorName identify the staff member who issued it, for the audit
// trail; Capabilities is the issuing device's permission grant, looked
// up and attached by EdgeServer before the command reaches OrderEngine.
type OrderCommand struct {
	CommandID    string
	OrderID      string
	EdgeID       string
	Kind         OrderCommandKind
	Payload      []byte
	IssuedAt     time.Time
	OperatorID   string
	OperatorName string
	Capabilities []string
}

// OrderEventKind mirrors OrderCommandKind but names what actually
// happened, since a single command can in principle fan out into more
// than one event (e.g. closing a fully-paid order).
type OrderEventKind string

const (
	EventOrderOpened     OrderEventKind = "order_opened"
	EventItemAdded       OrderEventKind = "item_added"
	EventItemRemoved     OrderEventKind = "item_removed"
	EventPriceModified   OrderEventKind = "price_modified"
	EventDiscountApplied OrderEventKind = "discount_applied"
	EventItemComped      OrderEventKind = "item_comped"
	EventPaymentRefunded OrderEventKind = "payment_refunded"
	EventPaymentApplied  OrderEventKind = "payment_applied"
	EventSplitSet        OrderEventKind = "split_set"
	EventOrderVoided     OrderEventKind = "order_voided"
	EventOrderClosed     OrderEventKind = "order_closed"
)

// OrderEvent is one entry in the append-only, hash-chained event log.
// Sequence is global per edge; OrderID indexes the per-order replay path.
// OperatorID/OperatorName are carried from the originating command so a
// replayed event stream still names who did what.
type OrderEvent struct {
	Sequence     uint64
	OrderID      string
	CommandID    string
	Kind         OrderEventKind
	Payload      []byte
	Timestamp    time.Time
	PrevHash     []byte
	ContentHash  []byte
	OperatorID   string
	OperatorName string
}

// OrderLine is one line item on an order snapshot. Comped lines stay on
// the order for the kitchen and the receipt but drop out of Total.
type OrderLine struct {
	SKU      string
	Name     string
	Quantity int
	UnitCost Fixed
	Comped   bool
}

// Payment is one recorded payment against an order. A refund is
// recorded as a second Payment with a negative Amount referencing the
// original payment's ID, rather than mutating the original entry —
// payments, like events, are never rewritten in place.
type Payment struct {
	ID          string
	Method      string
	Amount      Fixed
	AppliedAt   time.Time
	RefundOfID  string
}

// OrderSnapshot is the materialized current state of one order, the
// result of applying every event for OrderID in sequence. Checksum is
// recomputed after every apply as a sanity check against drift.
type OrderSnapshot struct {
	OrderID      string
	EdgeID       string
	Status       OrderStatus
	Lines        []OrderLine
	Payments     []Payment
	SplitMode    SplitMode
	SplitLocked   bool
	AAHeadcount   int
	DiscountTotal Fixed
	LastSequence  uint64
	Checksum      []byte
	UpdatedAt     time.Time
}

// Total returns the sum of all non-comped line items, less
// DiscountTotal, never reported negative.
func (s OrderSnapshot) Total() Fixed {
	var t Fixed
	for _, l := range s.Lines {
		if l.Comped {
			continue
		}
		t = t.Add(l.UnitCost.MulInt(l.Quantity))
	}
	t = t.Sub(s.DiscountTotal)
	if t.Cmp(Zero) < 0 {
		return Zero
	}
	return t
}

// Paid returns the sum of all recorded payments, refunds included
// (a refund is a negative-amount Payment).
func (s OrderSnapshot) Paid() Fixed {
	var t Fixed
	for _, p := range s.Payments {
		t = t.Add(p.Amount)
	}
	return t
}

// PaidShares returns how many of Payments were forward (non-refund)
// payments, the count the AA headcount lock is enforced against.
func (s OrderSnapshot) PaidShares() int {
	n := 0
	for _, p := range s.Payments {
		if p.RefundOfID == "" {
			n++
		}
	}
	return n
}

// Remaining returns Total minus Paid, never reported negative.
func (s OrderSnapshot) Remaining() Fixed {
	r := s.Total().Sub(s.Paid())
	if r.Cmp(Zero) < 0 {
		return Zero
	}
	return r
}

// AuditCategory classifies an audit entry for operator review.
type AuditCategory string

const (
	AuditCategorySecurity AuditCategory = "security"
	AuditCategoryOrder    AuditCategory = "order"
	AuditCategoryCatalog  AuditCategory = "catalog"
	AuditCategorySystem   AuditCategory = "system"
)

// AuditEntry is one entry in the append-only audit hash chain.
type AuditEntry struct {
	ID         uint64
	Category   AuditCategory
	Action     string
	Detail     string
	Timestamp  time.Time
	PrevHash   []byte
	EntryHash  []byte
}

// SystemIssue is a blocking or informational problem surfaced to an
// operator: a startup checksum mismatch, a broken hash chain, anything
// in the IntegrityFailure family that must never resolve silently.
// Blocking issues require an explicit operator acknowledgment before
// normal operation resumes.
type SystemIssue struct {
	Source      string
	Kind        string
	Blocking    bool
	Target      string
	Title       string
	Description string
	CreatedAt   time.Time
}

// CatalogRecord is one priced, named item a tenant sells. Catalog edits
// only ever flow cloud-to-edge; edges never originate catalog changes.
type CatalogRecord struct {
	ID        string
	TenantID  string
	SKU       string
	Name      string
	Price     Fixed
	Version   uint64
	Deleted   bool
	UpdatedAt time.Time
}

// PendingOp is a queued mutation destined for an edge that is not
// currently connected; drained in FIFO order once the edge reconnects.
type PendingOp struct {
	ID        int64
	EdgeID    string
	Op        []byte
	ChangedAt time.Time
	CreatedAt time.Time
}

// Subscription gates whether a tenant's devices are permitted to
// transact; checked on binding refresh.
type Subscription struct {
	TenantID  string
	Plan      string
	Active    bool
	ExpiresAt time.Time
}

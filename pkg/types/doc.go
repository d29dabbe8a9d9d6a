/*
Package types defines the data model shared by the edge node, the cloud
control plane, and POS client terminals: tenants and enrolled devices,
signed bindings, orders and their event log, the catalog, and the audit
trail.

# Core Types

Identity and PKI:
  - Tenant: a merchant account, root of catalog/subscription data
  - Device: an enrolled edge node or client terminal
  - SignedBinding: short-lived proof of tenant membership, refreshed
    well before expiry

Orders:
  - OrderCommand: a requested mutation, addressed by CommandID for
    idempotent replay
  - OrderEvent: one entry in the append-only, hash-chained event log
  - OrderSnapshot: materialized current state of one order
  - OrderLine, Payment: line items and recorded payments

Audit:
  - AuditEntry: one entry in the append-only audit hash chain

Catalog and sync:
  - CatalogRecord: one priced, named item; edits flow cloud-to-edge only
  - PendingOp: a catalog op queued for a disconnected edge
  - Subscription: gates whether a tenant's devices may transact

# Design Patterns

Enumerations are typed string constants:

	type OrderStatus string
	const (
	    OrderStatusActive    OrderStatus = "active"
	    OrderStatusCompleted OrderStatus = "completed"
	)

Money uses Fixed, a fixed-point int64 (see money.go), not floating point
or arbitrary-precision decimal — orders need exact, fast comparison
against Epsilon, not general decimal math.

# Thread Safety

Types in this package carry no behavior beyond small value-level
helpers (Total, Paid, Remaining, RefreshDueAt) and are not
self-synchronizing. Mutation and concurrent access are the
responsibility of the packages that hold them: pkg/orderengine for
OrderSnapshot, pkg/identitystore for Device/SignedBinding,
pkg/auditchain for AuditEntry.

# See Also

  - pkg/orderengine for order command processing
  - pkg/identitystore for device/binding/subscription persistence
  - pkg/auditchain for the audit hash chain
  - pkg/cloudstore for the cloud-side Postgres mapping of these types
*/
package types

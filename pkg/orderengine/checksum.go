package orderengine

import (
	"crypto/sha256"
	"fmt"

	"github.com/fieldmesh/edgecore/pkg/types"
)

// checksum recomputes a snapshot's state_checksum over a stable,
// canonical serialization: fixed field order, decimal money rendered
// through Fixed.String rather than a binary float, so the checksum is
// reproducible across platforms and across Go versions' map iteration
// order (there are no maps in the serialized form).
func checksum(snap *types.OrderSnapshot) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "order_id=%s;status=%s;split_mode=%s;split_locked=%t;headcount=%d;discount=%s;",
		snap.OrderID, snap.Status, snap.SplitMode, snap.SplitLocked, snap.AAHeadcount, snap.DiscountTotal.String())
	for _, line := range snap.Lines {
		fmt.Fprintf(h, "line:%s,%s,%d,%s,%t;", line.SKU, line.Name, line.Quantity, line.UnitCost.String(), line.Comped)
	}
	for _, p := range snap.Payments {
		fmt.Fprintf(h, "payment:%s,%s,%s,%s;", p.ID, p.Method, p.Amount.String(), p.RefundOfID)
	}
	return h.Sum(nil)
}

// verifyChecksum recomputes and compares, reporting the current and
// expected value for diagnostics rather than just a bool.
func verifyChecksum(snap *types.OrderSnapshot) (ok bool, recomputed []byte) {
	recomputed = checksum(snap)
	ok = string(recomputed) == string(snap.Checksum)
	return ok, recomputed
}

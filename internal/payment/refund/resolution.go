package refund

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"storefront-backend/internal/money"
	"storefront-backend/internal/payment/charge"
)

// LineDelta is the per-line (qty, amount) approved against one charge line,
// plus the merchant's own per-reason reject counts propagated from the
// completion line that produced it.
type LineDelta struct {
	ID     money.OrderLineIdentity
	Qty    uint32
	Amount uint32
	Reject map[RejectReason]uint32
}

func (d *LineDelta) rejectTotal() uint32 {
	var total uint32
	for _, v := range d.Reject {
		total += v
	}
	return total
}

// Resolution is the per-charge outcome of resolving a completion request
// against one ChargeBuyer: the line deltas to apply to both the charge and
// the OLineRefund ledger. ChargeCreateTime identifies which charge this
// resolution belongs to alongside ChargeOrderID, since an order can carry
// more than one charge. ID tags the resolution itself so a payout attempt
// can be traced back to the exact allocation that produced it.
type Resolution struct {
	ID               string
	ChargeOrderID    string
	ChargeCreateTime time.Time
	MerchantID       uint32
	Deltas           []LineDelta
}

// MissingCurrencyError reports that a charge's currency snapshot does not
// cover the merchant being refunded — the resolution cannot price the
// payout.
type MissingCurrencyError struct {
	Actor string
	ID    uint32
}

func (e *MissingCurrencyError) Error() string {
	return fmt.Sprintf("missing currency snapshot for %s %d", e.Actor, e.ID)
}

// NewResolution builds the per-charge resolution for one completion
// request: for each completion line, find candidate charge lines at the
// same (store, product) and allocate qty greedily, in charge-line order,
// against each line's remaining capacity (amount_orig.qty -
// amount_refunded.qty - num_rejected). attr_seq is not matched: every
// attribute variant of the product is a candidate.
func NewResolution(merchantID uint32, storeID uint32, ch *charge.Buyer, completion []CompletionLine) (*Resolution, *MissingCurrencyError) {
	if _, ok := ch.Currency.Sellers[storeID]; !ok {
		return nil, &MissingCurrencyError{Actor: "merchant", ID: merchantID}
	}

	res := &Resolution{
		ID:            uuid.NewString(),
		ChargeOrderID: ch.Meta.OrderID, ChargeCreateTime: ch.Meta.CreateTime, MerchantID: merchantID,
	}
	for _, cl := range completion {
		remainingQty := cl.ApprovedQty
		for _, line := range ch.Lines {
			if line.ID.ProductID() != cl.ProductID || line.ID.StoreID() != storeID {
				continue
			}
			capacity := line.RemainingQty()
			if capacity == 0 || remainingQty == 0 {
				continue
			}
			take := capacity
			if take > remainingQty {
				take = remainingQty
			}
			res.Deltas = append(res.Deltas, LineDelta{ID: line.ID, Qty: take, Amount: take * line.AmountOrig.Unit})
			remainingQty -= take
		}
		if len(cl.Reject) > 0 {
			res.Deltas = append(res.Deltas, LineDelta{
				ID:     money.NewOrderLineIdentity(storeID, cl.ProductID, 0),
				Reject: cl.Reject,
			})
		}
	}
	return res, nil
}

// Apply applies an approved resolution's deltas to the OLineRefund ledger,
// returning the number of lines updated.
func (r *Refund) Apply(res *Resolution) int {
	updated := 0
	for _, d := range res.Deltas {
		for _, line := range r.Lines {
			if !line.ID.Equal(d.ID) {
				continue
			}
			for reason, qty := range d.Reject {
				line.Reject[reason] += qty
			}
			if d.Qty > 0 {
				line.AmountRefunded.Qty += d.Qty
				line.AmountRefunded.Total += d.Amount
			}
			updated++
			break
		}
	}
	return updated
}

// ApplyToCharge writes a resolution's deltas onto the charge it was
// resolved against, mutating AmountRefund/NumRejected on the matching
// charge.Line entries. Without this, RemainingQty on the charge never
// shrinks, so a repeated FinalizeRefund call against the same charge would
// see the same capacity every time and could re-approve (and re-pay-out)
// quantity already refunded.
func (res *Resolution) ApplyToCharge(c *charge.Buyer) {
	for _, d := range res.Deltas {
		for _, line := range c.Lines {
			if !line.ID.Equal(d.ID) {
				continue
			}
			if d.Qty > 0 {
				line.AmountRefund.Qty += d.Qty
				line.AmountRefund.Total += d.Amount
			}
			line.NumRejected += d.rejectTotal()
			break
		}
	}
}

// ReduceResolved strips a completion request of amounts already resolved
// by res, producing the remainder the caller can retry against the next
// charge in newest-first order. ApprovedAmt is recomputed from the residual
// quantity at the line's own unit price, so a reduced line never carries
// the pre-reduction amount.
func ReduceResolved(completion []CompletionLine, res *Resolution) []CompletionLine {
	resolvedQty := make(map[uint64]uint32)
	for _, d := range res.Deltas {
		resolvedQty[d.ID.ProductID()] += d.Qty + d.rejectTotal()
	}
	out := make([]CompletionLine, 0, len(completion))
	for _, cl := range completion {
		remaining := cl.ApprovedQty
		if used := resolvedQty[cl.ProductID]; used > 0 {
			if used >= remaining {
				remaining = 0
			} else {
				remaining -= used
			}
		}
		if remaining == 0 {
			continue
		}
		next := cl
		next.ApprovedQty = remaining
		if cl.ApprovedQty > 0 {
			next.ApprovedAmt = remaining * (cl.ApprovedAmt / cl.ApprovedQty)
		}
		out = append(out, next)
	}
	return out
}

// ChargeLineKey groups one charge's per-(store,product) payout delta for
// the persistence layer. OrderID alone does not identify a charge — an
// order can carry more than one — so CreateTime disambiguates which charge
// a given amount belongs to.
type ChargeLineKey struct {
	OrderID    string
	CreateTime time.Time
	StoreID    uint32
	ProductID  uint64
}

// ChargeRefundMap groups resolutions by charge and (store,product), for the
// charge persistence layer's audit breakdown. It is NOT used to merge
// payout calls across charges: each resolution (i.e. each charge) gets its
// own transfer, so FinalizeRefund iterates resolutions directly for payouts
// and uses this map only as the per-line breakdown to persist alongside
// them.
type ChargeRefundMap map[ChargeLineKey]uint32

// BuildChargeRefundMap groups per-charge, per-(store,product) payout amount
// deltas across a batch of resolutions.
func BuildChargeRefundMap(resolutions []*Resolution) ChargeRefundMap {
	m := make(ChargeRefundMap)
	for _, res := range resolutions {
		for _, d := range res.Deltas {
			if d.Amount == 0 {
				continue
			}
			key := ChargeLineKey{
				OrderID: res.ChargeOrderID, CreateTime: res.ChargeCreateTime,
				StoreID: d.ID.StoreID(), ProductID: d.ID.ProductID(),
			}
			m[key] += d.Amount
		}
	}
	return m
}

// SortChargesNewestFirst orders a batch of charges by create_time
// descending; refund resolution walks an order's charges newest first so
// allocation is deterministic.
func SortChargesNewestFirst(charges []*charge.Buyer) {
	sort.Slice(charges, func(i, j int) bool {
		return charges[i].Meta.CreateTime.After(charges[j].Meta.CreateTime)
	})
}

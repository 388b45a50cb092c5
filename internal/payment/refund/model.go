// Package refund implements merchant-driven refund resolution: parsing a
// completion request against a merchant's OLineRefund rows, allocating the
// requested amounts against the original charge lines newest-first, and
// reducing the request by what has already been resolved.
package refund

import (
	"fmt"
	"time"

	"storefront-backend/internal/money"
	"storefront-backend/internal/payment/charge"
)

// ParseOlineError reports a malformed amount string on one refund line,
// distinguishing a bad unit from a bad total and preserving the offending
// raw string for the error log.
type ParseOlineError struct {
	ProductID uint64
	BadField  string // "unit" or "total"
	Raw       string
}

func (e *ParseOlineError) Error() string {
	return fmt.Sprintf("refund line parse error: product=%d field=%s raw=%q", e.ProductID, e.BadField, e.Raw)
}

// RejectReason is the merchant's category for declining part of a requested
// refund quantity outright.
type RejectReason string

const (
	RejectDamaged    RejectReason = "DAMAGED"
	RejectFraudulent RejectReason = "FRAUDULENT"
)

// ValidateFailReason labels why a completion line fails Validate — distinct
// from RejectReason, which is the merchant's own reject-category input, not
// a validation outcome.
type ValidateFailReason string

const (
	ValidateQtyInsufficient    ValidateFailReason = "QTY_INSUFFICIENT"
	ValidateAmountInsufficient ValidateFailReason = "AMOUNT_INSUFFICIENT"
)

// OLineRefund is one (store,product,attr_seq) line of a merchant's refund
// ledger.
type OLineRefund struct {
	ID             money.OrderLineIdentity
	AmountReq      charge.LineAmount
	CreateTime     time.Time
	AmountRefunded charge.LineAmount
	Reject         map[RejectReason]uint32
}

func (l *OLineRefund) remainingQty() uint32 {
	var rejected uint32
	for _, v := range l.Reject {
		rejected += v
	}
	if l.AmountRefunded.Qty+rejected >= l.AmountReq.Qty {
		return 0
	}
	return l.AmountReq.Qty - l.AmountRefunded.Qty - rejected
}

func (l *OLineRefund) remainingAmount() uint32 {
	if l.AmountRefunded.Total >= l.AmountReq.Total {
		return 0
	}
	return l.AmountReq.Total - l.AmountRefunded.Total
}

// Refund is the order-level refund ledger the merchant resolves against.
type Refund struct {
	OrderID string
	Lines   []*OLineRefund
}

// RawLine parses one wire-format refund line (decimal strings for amounts)
// into a fully-typed OLineRefund, reporting which field failed to parse.
type RawLine struct {
	ProductID  uint64
	AttrSeq    uint16
	StoreID    uint32
	UnitRaw    string
	TotalRaw   string
	Qty        uint32
	CreateTime time.Time
}

// TryFromRaw parses dto_lines into a Refund, collecting per-line parse
// errors rather than aborting on the first one.
func TryFromRaw(orderID string, lines []RawLine) (*Refund, []*ParseOlineError) {
	var errs []*ParseOlineError
	out := make([]*OLineRefund, 0, len(lines))
	for _, rl := range lines {
		unit, err := money.ParseAmount(rl.UnitRaw)
		if err != nil {
			errs = append(errs, &ParseOlineError{ProductID: rl.ProductID, BadField: "unit", Raw: rl.UnitRaw})
			continue
		}
		total, err := money.ParseAmount(rl.TotalRaw)
		if err != nil {
			errs = append(errs, &ParseOlineError{ProductID: rl.ProductID, BadField: "total", Raw: rl.TotalRaw})
			continue
		}
		out = append(out, &OLineRefund{
			ID:         money.NewOrderLineIdentity(rl.StoreID, rl.ProductID, rl.AttrSeq),
			AmountReq:  charge.LineAmount{Unit: uint32(unit.IntPart()), Total: uint32(total.IntPart()), Qty: rl.Qty},
			CreateTime: rl.CreateTime,
			Reject:     make(map[RejectReason]uint32),
		})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return &Refund{OrderID: orderID, Lines: out}, nil
}

// CompletionLine is one requested resolution against an existing
// OLineRefund, identified by (product_id, time_issued). Reject carries the
// merchant's own per-reason rejection counts for this line, e.g.
// {Damaged: 1, Fraudulent: 2}.
type CompletionLine struct {
	ProductID   uint64
	TimeIssued  time.Time
	ApprovedQty uint32
	ApprovedAmt uint32
	Reject      map[RejectReason]uint32
}

func (cl *CompletionLine) rejectTotal() uint32 {
	var total uint32
	for _, v := range cl.Reject {
		total += v
	}
	return total
}

// ValidateError reports why a completion line cannot be approved as
// requested.
type ValidateError struct {
	ProductID uint64
	Reason    ValidateFailReason
}

func (e *ValidateError) Error() string {
	return fmt.Sprintf("refund validate: product=%d reason=%s", e.ProductID, e.Reason)
}

// Remaining is the per-line (qty, amount) still available after a
// completion line is hypothetically approved; used for logging.
type Remaining struct {
	ProductID uint64
	Qty       uint32
	Amount    uint32
}

// Validate locates the matching OLineRefund for each completion line
// (filtered to lines the merchant owns, by product_id/time_issued) and
// checks approval.qty plus total rejects does not exceed what remains.
func (r *Refund) Validate(merchantStoreIDs map[uint32]bool, completion []CompletionLine) ([]Remaining, []*ValidateError) {
	var errs []*ValidateError
	var remaining []Remaining
	for _, cl := range completion {
		line := r.findLine(merchantStoreIDs, cl.ProductID, cl.TimeIssued)
		if line == nil {
			errs = append(errs, &ValidateError{ProductID: cl.ProductID, Reason: ValidateQtyInsufficient})
			continue
		}
		rejectTotal := cl.rejectTotal()
		if cl.ApprovedQty+rejectTotal > line.remainingQty() {
			errs = append(errs, &ValidateError{ProductID: cl.ProductID, Reason: ValidateQtyInsufficient})
			continue
		}
		if cl.ApprovedAmt > line.remainingAmount() {
			errs = append(errs, &ValidateError{ProductID: cl.ProductID, Reason: ValidateAmountInsufficient})
			continue
		}
		remaining = append(remaining, Remaining{
			ProductID: cl.ProductID,
			Qty:       line.remainingQty() - cl.ApprovedQty - rejectTotal,
			Amount:    line.remainingAmount() - cl.ApprovedAmt,
		})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return remaining, nil
}

func (r *Refund) findLine(merchantStoreIDs map[uint32]bool, productID uint64, timeIssued time.Time) *OLineRefund {
	for _, l := range r.Lines {
		if l.ID.ProductID() == productID && l.CreateTime.Equal(timeIssued) && merchantStoreIDs[l.ID.StoreID()] {
			return l
		}
	}
	return nil
}

// Package order implements order lines: reservation/warranty windows,
// quantity accounting between reserved and paid, and duplicate-line
// rejection at creation time.
package order

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"storefront-backend/internal/money"
)

// AppliedPolicy freezes the reservation and warranty deadlines computed
// at line-creation time. Immutable afterwards.
type AppliedPolicy struct {
	ReservedUntil time.Time
	WarrantyUntil time.Time
}

// LinePrice holds smallest-seller-currency-unit amounts; Total == Unit*Qty
// by construction.
type LinePrice struct {
	Unit  uint32
	Total uint32
}

func newLinePrice(unit uint32, qty uint32) LinePrice {
	return LinePrice{Unit: unit, Total: unit * qty}
}

func (p LinePrice) ToPayAmount(rate money.CurrencyRate) money.Amount {
	unit := decimal.New(int64(p.Unit), 0)
	total := decimal.New(int64(p.Total), 0)
	scale := rate.Label.FractionScale()
	return money.Amount{
		Unit:  unit.Mul(rate.Rate).Truncate(scale),
		Total: total.Mul(rate.Rate).Truncate(scale),
	}
}

// Quantity tracks reserved vs paid. Invariant: 0 <= Paid <= Reserved;
// PaidLastUpdate is present iff Paid > 0.
type Quantity struct {
	Reserved       uint32
	Paid           uint32
	PaidLastUpdate *time.Time
}

func (q Quantity) HasUnpaid() bool { return q.Reserved > q.Paid }

// Line is one (store, product, attribute-set) row within an order.
// ProductType comes from the product's policy at creation time; the stock
// engine needs it since stock buckets key on (type, id, expiry).
type Line struct {
	ID          money.OrderLineIdentity
	ProductType money.ProductType
	Price       LinePrice
	Quantity    Quantity
	Policy      AppliedPolicy
	AttrsCharge []AttributeOption // the specific surcharges applied
}

// NumReserved returns Reserved while now < ReservedUntil, Paid afterwards
// — expiry collapses unpaid reservations into the paid-accounting view for
// downstream return/warranty checks.
func (l *Line) NumReserved(now time.Time) uint32 {
	if now.Before(l.Policy.ReservedUntil) {
		return l.Quantity.Reserved
	}
	return l.Quantity.Paid
}

// CreateLineRequest is the input to TryCreateLine: one requested product +
// quantity + chosen attribute values.
type CreateLineRequest struct {
	StoreID            uint32
	ProductID          uint64
	Quantity           uint32
	SelectedAttributes []string
}

// TryCreateLine validates a requested line against its policy and price,
// computes the final unit price (base + selected attribute surcharges)
// and the reservation/warranty deadlines. AttrSetSeq is left at zero;
// AssignAttrSeqs fills it in once the whole set is known.
func TryCreateLine(req CreateLineRequest, policy *Policy, price *Price, now time.Time) (*Line, *money.AppError) {
	if req.ProductID != policy.ProductID {
		return nil, money.NewAppError(money.ErrDataCorruption, "product-policy id mismatch")
	}
	if req.ProductID != price.ProductID {
		return nil, money.NewAppError(money.ErrDataCorruption, "product-price id mismatch")
	}
	if policy.MaxReserve > 0 && req.Quantity > policy.MaxReserve {
		return nil, money.NewAppError(money.ErrValidation,
			fmt.Sprintf("rsv-limit: max=%d given=%d", policy.MaxReserve, req.Quantity))
	}
	if policy.MinReserve > 0 && req.Quantity < policy.MinReserve {
		return nil, money.NewAppError(money.ErrValidation,
			fmt.Sprintf("rsv-limit: min=%d given=%d", policy.MinReserve, req.Quantity))
	}

	attrs, err := price.ExtractAttributes(req.SelectedAttributes)
	if err != nil {
		return nil, money.NewAppError(money.ErrValidation, err.Error())
	}

	base := price.BasePrice.IntPart()
	var surcharge int64
	for _, a := range attrs {
		surcharge += a.Surcharge.IntPart()
	}
	finalUnit := base + surcharge
	if finalUnit < 0 || finalUnit > int64(^uint32(0)) {
		return nil, money.NewAppError(money.ErrDataCorruption, "final unit price overflow")
	}
	unit := uint32(finalUnit)
	total64 := uint64(unit) * uint64(req.Quantity)
	if total64 > uint64(^uint32(0)) {
		return nil, money.NewAppError(money.ErrDataCorruption, "line total price overflow")
	}

	return &Line{
		ID:          money.NewOrderLineIdentity(req.StoreID, req.ProductID, 0),
		ProductType: policy.ProductType,
		Price:       newLinePrice(unit, req.Quantity),
		Quantity: Quantity{
			Reserved: req.Quantity,
		},
		Policy: AppliedPolicy{
			ReservedUntil: now.Add(time.Duration(policy.AutoCancelSecs) * time.Second),
			WarrantyUntil: now.Add(time.Duration(policy.WarrantyHours) * time.Hour),
		},
		AttrsCharge: attrs,
	}, nil
}

// AssignAttrSeqs assigns a dense attr_set_seq per (store, product) group so
// that N duplicate base-product lines (distinct attribute choices) become
// seqs 0..N-1 in the order the lines appear.
func AssignAttrSeqs(lines []*Line) {
	seen := make(map[money.BaseProductIdentity]uint16)
	for _, l := range lines {
		key := l.ID.Base
		seq := seen[key]
		l.ID.AttrSetSeq = seq
		seen[key] = seq + 1
	}
}

// DuplicateError flags a set of lines that collide on (store, product,
// sorted-attribute-vector) before attr_set_seq assignment. Attribute
// values are explicitly sorted before hashing so the same attribute set
// listed in a different order is still detected as a duplicate.
type DuplicateError struct {
	Base     money.BaseProductIdentity
	AttrVals []string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("order-line-dup: store=%d product=%d attrs=%v", e.Base.StoreID, e.Base.ProductID, e.AttrVals)
}

func attrValues(l *Line) []string {
	vals := make([]string, len(l.AttrsCharge))
	for i, a := range l.AttrsCharge {
		vals[i] = a.Value
	}
	sort.Strings(vals)
	return vals
}

func dupKey(base money.BaseProductIdentity, vals []string) string {
	return fmt.Sprintf("%d|%d|%v", base.StoreID, base.ProductID, vals)
}

// FindDuplicates groups lines by (base identity, sorted attribute vector)
// and reports every group with more than one member.
func FindDuplicates(lines []*Line) []*DuplicateError {
	type group struct {
		base money.BaseProductIdentity
		vals []string
		n    int
	}
	grps := make(map[string]*group)
	for _, l := range lines {
		vals := attrValues(l)
		k := dupKey(l.ID.Base, vals)
		if g, ok := grps[k]; ok {
			g.n++
		} else {
			grps[k] = &group{base: l.ID.Base, vals: vals, n: 1}
		}
	}
	var out []*DuplicateError
	for _, g := range grps {
		if g.n > 1 {
			out = append(out, &DuplicateError{Base: g.base, AttrVals: g.vals})
		}
	}
	return out
}

// PaymentUpdate is one (line identity, qty) payment-progress update.
type PaymentUpdate struct {
	StoreID    uint32
	ProductID  uint64
	AttrSetSeq uint16
	Qty        uint32
}

// PaymentUpdateErrorReason classifies why one line's payment update did
// not apply.
type PaymentUpdateErrorReason string

const (
	PayUpdateNotExist   PaymentUpdateErrorReason = "NOT_EXIST"
	PayUpdateInvalidQty PaymentUpdateErrorReason = "INVALID_QUANTITY"
	PayUpdateOmitted    PaymentUpdateErrorReason = "OMITTED"
)

type PaymentUpdateError struct {
	StoreID    uint32
	ProductID  uint64
	AttrSetSeq uint16
	Reason     PaymentUpdateErrorReason
}

// UpdatePayments applies a batch of payment-progress updates in place.
// Returns the per-line failures; callers still persist the lines that
// succeeded even when some in the same batch fail.
func UpdatePayments(lines []*Line, updates []PaymentUpdate, chargeTime time.Time) []PaymentUpdateError {
	var errs []PaymentUpdateError
	for _, u := range updates {
		var found *Line
		for _, l := range lines {
			if l.ID.StoreID() == u.StoreID && l.ID.ProductID() == u.ProductID && l.ID.AttrSeqNum() == u.AttrSetSeq {
				found = l
				break
			}
		}
		if found == nil {
			errs = append(errs, PaymentUpdateError{u.StoreID, u.ProductID, u.AttrSetSeq, PayUpdateNotExist})
			continue
		}
		newPaid := found.Quantity.Paid + u.Qty
		if newPaid > found.Quantity.Reserved {
			errs = append(errs, PaymentUpdateError{u.StoreID, u.ProductID, u.AttrSetSeq, PayUpdateInvalidQty})
			continue
		}
		if old := found.Quantity.PaidLastUpdate; old != nil && !old.Before(chargeTime) {
			errs = append(errs, PaymentUpdateError{u.StoreID, u.ProductID, u.AttrSetSeq, PayUpdateOmitted})
			continue
		}
		found.Quantity.Paid = newPaid
		t := chargeTime
		found.Quantity.PaidLastUpdate = &t
	}
	return errs
}

package order

import (
	"time"

	"storefront-backend/internal/money"
)

// LineSet is the order as a whole: its id, owner, creation time, currency
// snapshot and nonempty line collection. Owns its lines; no cyclic
// ownership back to the repo.
type LineSet struct {
	OrderID    string
	OwnerID    uint32
	CreateTime time.Time
	Currency   money.OrderCurrencySnapshot
	Lines      []*Line
}

// NewLineSet validates that no two lines share an OrderLineIdentity after
// attr_set_seq assignment (duplicate (store,product,attribute-vector)
// triples are rejected at creation), assigns attr_set_seqs, and freezes
// the set. machineCode feeds the order id codec in internal/money.
func NewLineSet(ownerID uint32, currency money.OrderCurrencySnapshot, lines []*Line, now time.Time, machineCode byte) (*LineSet, []*DuplicateError) {
	if dupErrs := FindDuplicates(lines); len(dupErrs) > 0 {
		return nil, dupErrs
	}
	AssignAttrSeqs(lines)
	return &LineSet{
		OrderID:    money.GenerateOrderID(machineCode),
		OwnerID:    ownerID,
		CreateTime: now,
		Currency:   currency,
		Lines:      lines,
	}, nil
}

// FromRepo reconstructs a LineSet from persisted rows. attr_set_seq is
// already assigned on each line by the caller (it was fixed at creation),
// so duplicate detection is skipped here — unlike NewLineSet, which
// validates a brand-new set before minting an id.
func FromRepo(orderID string, ownerID uint32, createTime time.Time, currency money.OrderCurrencySnapshot, lines []*Line) *LineSet {
	return &LineSet{OrderID: orderID, OwnerID: ownerID, CreateTime: createTime, Currency: currency, Lines: lines}
}

func (s *LineSet) UnpaidLines() []*Line {
	var out []*Line
	for _, l := range s.Lines {
		if l.Quantity.HasUnpaid() {
			out = append(out, l)
		}
	}
	return out
}

// ReservedLineDTO is the buyer-currency view of a reserved line, used for
// the CreateOrder response and for the payment-service order replica.
type ReservedLineDTO struct {
	StoreID       uint32
	ProductID     uint64
	AttrSetSeq    uint16
	Quantity      uint32
	ReservedUntil time.Time
	Amount        money.Amount
}

// ToReservedLineDTOs converts every line into its buyer-currency DTO.
// Returns the first currency-conversion error encountered, matching the
// original's all-or-nothing OrderCreateRespOkDto conversion.
func (s *LineSet) ToReservedLineDTOs() ([]ReservedLineDTO, *money.AppError) {
	out := make([]ReservedLineDTO, 0, len(s.Lines))
	for _, l := range s.Lines {
		rate, err := s.Currency.ToBuyerRate(l.ID.StoreID())
		if err != nil {
			return nil, err
		}
		out = append(out, ReservedLineDTO{
			StoreID: l.ID.StoreID(), ProductID: l.ID.ProductID(), AttrSetSeq: l.ID.AttrSeqNum(),
			Quantity: l.Quantity.Reserved, ReservedUntil: l.Policy.ReservedUntil,
			Amount: l.Price.ToPayAmount(rate),
		})
	}
	return out, nil
}

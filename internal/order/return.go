package order

import (
	"time"

	"storefront-backend/internal/money"
)

// minSecsIntvlReq is the rounding granularity for return requests: two
// submissions landing in the same window are treated as the same request
// and rejected as DuplicateReturn.
const minSecsIntvlReq = 60

// ReturnQuantity maps a rounded request time to the (qty, refund price)
// recorded for that submission.
type ReturnQuantity struct {
	Qty   uint32
	Price LinePrice
}

// Return is the accepted-returns ledger for one order line, keyed by the
// rounded request time so a resubmission within the same window is
// detectable.
type Return struct {
	ID  money.OrderLineIdentity
	Qty map[time.Time]ReturnQuantity
}

func (r *Return) NumReturned() uint32 {
	var sum uint32
	for _, q := range r.Qty {
		sum += q.Qty
	}
	return sum
}

// RoundRequestTime truncates a timestamp down to the return-window
// granularity.
func RoundRequestTime(t time.Time) time.Time {
	return t.Truncate(minSecsIntvlReq * time.Second)
}

// ReturnRequest is one requested return line.
type ReturnRequest struct {
	StoreID    uint32
	ProductID  uint64
	AttrSetSeq uint16
	Quantity   uint32
}

// ReturnErrorReason classifies why a return request line was rejected.
type ReturnErrorReason string

const (
	ReturnErrNotExist        ReturnErrorReason = "NOT_EXIST"
	ReturnErrWarrantyExpired ReturnErrorReason = "WARRANTY_EXPIRED"
	ReturnErrQtyLimitExceed  ReturnErrorReason = "QTY_LIMIT_EXCEED"
	ReturnErrDuplicateReturn ReturnErrorReason = "DUPLICATE_RETURN"
)

type ReturnRequestError struct {
	StoreID    uint32
	ProductID  uint64
	AttrSetSeq uint16
	Reason     ReturnErrorReason
}

// FilterReturnRequests validates a batch of return requests against the
// order's lines and its prior accepted returns, then folds accepted
// requests into the returns ledger. Rejects the whole batch (returning
// only errors) if any line fails validation — matching the original's
// all-or-nothing filter_requests.
func FilterReturnRequests(reqs []ReturnRequest, lines []*Line, existing []*Return, now time.Time) ([]*Return, []ReturnRequestError) {
	roundedNow := RoundRequestTime(now)

	var errs []ReturnRequestError
	for _, req := range reqs {
		line := findLine(lines, req.StoreID, req.ProductID, req.AttrSetSeq)
		if line == nil {
			errs = append(errs, ReturnRequestError{req.StoreID, req.ProductID, req.AttrSetSeq, ReturnErrNotExist})
			continue
		}
		if !line.Policy.WarrantyUntil.After(roundedNow) {
			errs = append(errs, ReturnRequestError{req.StoreID, req.ProductID, req.AttrSetSeq, ReturnErrWarrantyExpired})
			continue
		}
		existingReturn := findReturn(existing, line.ID)
		var numReturned uint32
		if existingReturn != nil {
			numReturned = existingReturn.NumReturned()
		}
		if numReturned+req.Quantity > line.NumReserved(roundedNow) {
			errs = append(errs, ReturnRequestError{req.StoreID, req.ProductID, req.AttrSetSeq, ReturnErrQtyLimitExceed})
			continue
		}
		if existingReturn != nil {
			if _, dup := existingReturn.Qty[roundedNow]; dup {
				errs = append(errs, ReturnRequestError{req.StoreID, req.ProductID, req.AttrSetSeq, ReturnErrDuplicateReturn})
				continue
			}
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	out := append([]*Return{}, existing...)
	for _, req := range reqs {
		line := findLine(lines, req.StoreID, req.ProductID, req.AttrSetSeq)
		total := line.Price.Unit * req.Quantity
		val := ReturnQuantity{Qty: req.Quantity, Price: LinePrice{Unit: line.Price.Unit, Total: total}}

		if existingReturn := findReturn(out, line.ID); existingReturn != nil {
			existingReturn.Qty[roundedNow] = val
			continue
		}
		out = append(out, &Return{ID: line.ID, Qty: map[time.Time]ReturnQuantity{roundedNow: val}})
	}
	return out, nil
}

func findLine(lines []*Line, storeID uint32, productID uint64, attrSeq uint16) *Line {
	for _, l := range lines {
		if l.ID.StoreID() == storeID && l.ID.ProductID() == productID && l.ID.AttrSeqNum() == attrSeq {
			return l
		}
	}
	return nil
}

func findReturn(returns []*Return, id money.OrderLineIdentity) *Return {
	for _, r := range returns {
		if r.ID.Equal(id) {
			return r
		}
	}
	return nil
}

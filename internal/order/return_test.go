package order

import (
	"testing"
	"time"

	"storefront-backend/internal/money"
)

func mkLine(storeID uint32, productID uint64, attrSeq uint16, reserved uint32, warrantyUntil time.Time) *Line {
	return &Line{
		ID:       money.NewOrderLineIdentity(storeID, productID, attrSeq),
		Price:    LinePrice{Unit: 500, Total: 500 * reserved},
		Quantity: Quantity{Reserved: reserved},
		Policy:   AppliedPolicy{ReservedUntil: warrantyUntil.Add(-time.Hour), WarrantyUntil: warrantyUntil},
	}
}

func TestFilterReturnRequestsAcceptsWithinLimit(t *testing.T) {
	now := time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)
	line := mkLine(1, 100, 0, 10, now.Add(24*time.Hour))

	returns, errs := FilterReturnRequests(
		[]ReturnRequest{{StoreID: 1, ProductID: 100, AttrSetSeq: 0, Quantity: 4}},
		[]*Line{line}, nil, now,
	)
	if errs != nil {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if len(returns) != 1 || returns[0].NumReturned() != 4 {
		t.Fatalf("expected 1 return totalling 4, got %+v", returns)
	}
}

func TestFilterReturnRequestsRejectsOverLimit(t *testing.T) {
	now := time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)
	line := mkLine(1, 100, 0, 10, now.Add(24*time.Hour))
	existing := &Return{ID: line.ID, Qty: map[time.Time]ReturnQuantity{
		now.Add(-2 * time.Hour): {Qty: 8, Price: LinePrice{Unit: 500, Total: 4000}},
	}}

	_, errs := FilterReturnRequests(
		[]ReturnRequest{{StoreID: 1, ProductID: 100, AttrSetSeq: 0, Quantity: 5}},
		[]*Line{line}, []*Return{existing}, now,
	)
	if len(errs) != 1 || errs[0].Reason != ReturnErrQtyLimitExceed {
		t.Fatalf("expected QtyLimitExceed, got %v", errs)
	}
}

func TestFilterReturnRequestsRejectsExpiredWarranty(t *testing.T) {
	now := time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)
	line := mkLine(1, 100, 0, 10, now.Add(-time.Hour))

	_, errs := FilterReturnRequests(
		[]ReturnRequest{{StoreID: 1, ProductID: 100, AttrSetSeq: 0, Quantity: 1}},
		[]*Line{line}, nil, now,
	)
	if len(errs) != 1 || errs[0].Reason != ReturnErrWarrantyExpired {
		t.Fatalf("expected WarrantyExpired, got %v", errs)
	}
}

func TestFilterReturnRequestsRejectsUnknownLine(t *testing.T) {
	now := time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)

	_, errs := FilterReturnRequests(
		[]ReturnRequest{{StoreID: 1, ProductID: 999, AttrSetSeq: 0, Quantity: 1}},
		nil, nil, now,
	)
	if len(errs) != 1 || errs[0].Reason != ReturnErrNotExist {
		t.Fatalf("expected NotExist, got %v", errs)
	}
}

func TestRoundRequestTimeTruncatesToWindow(t *testing.T) {
	t1 := time.Date(2029, 1, 1, 10, 0, 30, 0, time.UTC)
	rounded := RoundRequestTime(t1)
	if rounded.Second() != 0 || !rounded.Before(t1) {
		t.Fatalf("expected truncation to the minute boundary, got %v", rounded)
	}
}

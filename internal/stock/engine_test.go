package stock

import (
	"testing"
	"time"

	"storefront-backend/internal/money"
)

func mustExpiry(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("bad expiry fixture %q: %v", s, err)
	}
	return ts
}

// S1 CreateOrder happy path.
func TestTryReserveHappyPath(t *testing.T) {
	s := NewLevelSet()
	s.Update([]EditEntry{
		{StoreID: 1006, ProductType: money.ProductPhysical, ProductID: 9200125,
			Expiry: mustExpiry(t, "2029-12-24"), QtyDelta: 12},
		{StoreID: 1009, ProductType: money.ProductPhysical, ProductID: 7001,
			Expiry: mustExpiry(t, "2029-12-27"), QtyDelta: 18},
	})

	errs := s.TryReserve("06e712fa05", []ReserveLine{
		{StoreID: 1006, ProductType: money.ProductPhysical, ProductID: 9200125, Quantity: 3},
		{StoreID: 1009, ProductType: money.ProductPhysical, ProductID: 7001, Quantity: 5},
	})
	if errs != nil {
		t.Fatalf("expected no errors, got %v", errs)
	}

	snaps := s.ToSnapshots()
	avail := map[uint64]uint32{}
	for _, sn := range snaps {
		avail[sn.ProductID] = sn.Available
	}
	if avail[9200125] != 9 {
		t.Fatalf("expected avail 9 for 9200125, got %d", avail[9200125])
	}
	if avail[7001] != 13 {
		t.Fatalf("expected avail 13 for 7001, got %d", avail[7001])
	}
}

// S2 Stock shortage classification.
func TestTryReserveShortageClassification(t *testing.T) {
	s := NewLevelSet()
	s.Update([]EditEntry{
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1001, Expiry: mustExpiry(t, "2029-01-01"), QtyDelta: 5},
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1002, Expiry: mustExpiry(t, "2029-01-01"), QtyDelta: 11},
	})
	// another order already booked 4 of product A and all 11 of product B.
	s.TryReserve("other-order", []ReserveLine{
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1001, Quantity: 4},
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1002, Quantity: 11},
	})

	errs := s.TryReserve("new-order", []ReserveLine{
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1001, Quantity: 3},
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1002, Quantity: 1},
	})
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	byProduct := map[uint64]ReserveError{}
	for _, e := range errs {
		byProduct[e.ProductID] = e
	}
	if a := byProduct[1001]; a.Reason != ReasonNotEnoughToClaim || a.Shortage != 2 {
		t.Fatalf("expected product A NotEnoughToClaim shortage=2, got %+v", a)
	}
	if b := byProduct[1002]; b.Reason != ReasonOutOfStock || b.Shortage != 1 {
		t.Fatalf("expected product B OutOfStock shortage=1, got %+v", b)
	}

	// No mutation applied: new-order must not appear in any rsv_detail.
	for _, sn := range s.ToSnapshots() {
		if sn.Booked != 4 && sn.Booked != 11 {
			t.Fatalf("expected booked to stay at pre-attempt levels, got %d for product %d", sn.Booked, sn.ProductID)
		}
	}
}

func TestUpdateNegativeDeltaAgainstNonexistentEntryRejected(t *testing.T) {
	s := NewLevelSet()
	err := s.Update([]EditEntry{
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 999, Expiry: mustExpiry(t, "2029-01-01"), QtyDelta: -5},
	})
	if err == nil {
		t.Fatalf("expected error for negative delta against nonexistent entry")
	}
	if err.Code != money.ErrValidation {
		t.Fatalf("expected ErrValidation, got %v", err.Code)
	}
}

func TestUpdateClampsCancelledToAvailable(t *testing.T) {
	s := NewLevelSet()
	s.Update([]EditEntry{
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1, Expiry: mustExpiry(t, "2029-01-01"), QtyDelta: 5},
	})
	s.Update([]EditEntry{
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1, Expiry: mustExpiry(t, "2029-01-01"), QtyDelta: -100},
	})
	snap := s.ToSnapshots()[0]
	if snap.Cancelled != 5 {
		t.Fatalf("expected cancelled clamped to 5, got %d", snap.Cancelled)
	}
}

// S4 Return across expiry.
func TestReturnAcrossExpiryPrefersLongestLivedBucket(t *testing.T) {
	s := NewLevelSet()
	e1 := mustExpiry(t, "2029-01-01")
	e2 := mustExpiry(t, "2029-06-01")
	e3 := mustExpiry(t, "2029-12-01")
	s.Update([]EditEntry{
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1, Expiry: e1, QtyDelta: 1},
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1, Expiry: e2, QtyDelta: 2},
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1, Expiry: e3, QtyDelta: 3},
	})
	s.TryReserve("O", []ReserveLine{{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1, Quantity: 6}})

	errs := s.ReturnAcrossExpiry("O", []ReturnItem{
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1, Qty: 4},
	})
	if errs != nil {
		t.Fatalf("expected no errors, got %v", errs)
	}

	byExpiry := map[time.Time]uint32{}
	for _, store := range s.Stores {
		for _, p := range store.Products {
			byExpiry[p.Expiry] = p.Quantity.Reservation()["O"]
		}
	}
	if byExpiry[e1] != 1 {
		t.Fatalf("expected E1 reservation unchanged at 1, got %d", byExpiry[e1])
	}
	if byExpiry[e2] != 1 {
		t.Fatalf("expected E2 reservation reduced to 1, got %d", byExpiry[e2])
	}
	for _, p := range s.findStore(1).Products {
		if !p.Expiry.Equal(e3) {
			continue
		}
		if _, stillPresent := p.Quantity.Reservation()["O"]; stillPresent {
			t.Fatalf("expected E3 reservation key removed entirely")
		}
	}
}

func TestReturnByExpiryRejectsWhenQuantityDoesNotFitSingleBucket(t *testing.T) {
	s := NewLevelSet()
	e1 := mustExpiry(t, "2029-01-01")
	s.Update([]EditEntry{{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1, Expiry: e1, QtyDelta: 5}})
	s.TryReserve("O", []ReserveLine{{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1, Quantity: 3}})

	errs := s.ReturnByExpiry("O", []ReturnItem{
		{StoreID: 1, ProductType: money.ProductPhysical, ProductID: 1, Qty: 4, Expiry: e1},
	})
	if len(errs) != 1 || errs[0].Reason != ReasonInvalidQuantity {
		t.Fatalf("expected single InvalidQuantity error, got %v", errs)
	}
}

func TestTryReserveStoreAbsentIsDistinctFromOutOfStock(t *testing.T) {
	s := NewLevelSet()
	errs := s.TryReserve("O", []ReserveLine{{StoreID: 999, ProductType: money.ProductPhysical, ProductID: 1, Quantity: 1}})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if !errs[0].StoreAbsent || errs[0].Reason != ReasonNotExist {
		t.Fatalf("expected StoreAbsent NotExist, got %+v", errs[0])
	}
}

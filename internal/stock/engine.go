package stock

import (
	"fmt"
	"time"

	"storefront-backend/internal/money"
)

// ErrorReason is the per-line classification returned by try_reserve /
// return_* calls. Distinct from money.ErrorCode, which is the coarser
// taxonomy used once errors leave this package.
type ErrorReason string

const (
	ReasonNotExist         ErrorReason = "NOT_EXIST"
	ReasonOutOfStock       ErrorReason = "OUT_OF_STOCK"
	ReasonNotEnoughToClaim ErrorReason = "NOT_ENOUGH_TO_CLAIM"
	ReasonInvalidQuantity  ErrorReason = "INVALID_QUANTITY"
)

// ReserveLine is one requested line of a reservation attempt.
type ReserveLine struct {
	StoreID     uint32
	ProductType money.ProductType
	ProductID   uint64
	Quantity    uint32
}

// ReserveError is a per-line failure. StoreAbsent distinguishes "the store
// itself was never seen" from a same-store shortage.
type ReserveError struct {
	StoreID     uint32
	ProductID   uint64
	Reason      ErrorReason
	Shortage    uint32
	StoreAbsent bool
}

func (e *ReserveError) Error() string {
	return fmt.Sprintf("reserve store=%d product=%d reason=%s shortage=%d",
		e.StoreID, e.ProductID, e.Reason, e.Shortage)
}

// ReturnItem describes one line of a return call against a specific
// reservation. Expiry is only consulted by ReturnByExpiry.
type ReturnItem struct {
	StoreID     uint32
	ProductType money.ProductType
	ProductID   uint64
	Qty         uint32
	Expiry      time.Time
}

type ReturnError struct {
	StoreID   uint32
	ProductID uint64
	Reason    ErrorReason
}

func (e *ReturnError) Error() string {
	return fmt.Sprintf("return store=%d product=%d reason=%s", e.StoreID, e.ProductID, e.Reason)
}

// EditEntry is one manual stock-level edit: a positive delta increases
// total (or creates the entry), a negative delta increases cancelled,
// clamped to total-cancelled.
type EditEntry struct {
	StoreID     uint32
	ProductType money.ProductType
	ProductID   uint64
	Expiry      time.Time
	QtyDelta    int64
}

// Update applies manual stock-level edits. The store is created on demand;
// a negative delta against a nonexistent product is rejected as invalid
// input and stops processing at that edit. Edits before it in the batch
// stay applied; edits after it are not applied.
func (s *LevelSet) Update(edits []EditEntry) *money.AppError {
	for _, d := range edits {
		store := s.findOrCreateStore(d.StoreID)
		var found *ProductStock
		for _, p := range store.Products {
			if p.Type == d.ProductType && p.ID == d.ProductID &&
				p.ExpiryWithoutMillis().Equal(d.Expiry.Truncate(time.Second)) {
				found = p
				break
			}
		}
		if found != nil {
			if d.QtyDelta >= 0 {
				found.Quantity.Total += uint32(d.QtyDelta)
			} else {
				avail := found.Quantity.Total - found.Quantity.Cancelled
				cancel := uint32(-d.QtyDelta)
				if cancel > avail {
					cancel = avail
				}
				found.Quantity.Cancelled += cancel
			}
			continue
		}
		if d.QtyDelta < 0 {
			return money.NewAppError(money.ErrValidation,
				fmt.Sprintf("negative initial quantity: store=%d product=%d qty_add=%d",
					d.StoreID, d.ProductID, d.QtyDelta))
		}
		store.Products = append(store.Products, &ProductStock{
			Type: d.ProductType, ID: d.ProductID, Expiry: d.Expiry, IsCreate: true,
			Quantity: NewQuantity(uint32(d.QtyDelta), 0, nil),
		})
	}
	return nil
}

// TryReserve books stock for every line of an order. Iterates matching
// products sorted by ascending expiry so near-expiry stock is consumed
// first; each line is a dry-run-then-commit two-phase booking so a
// shortfall on one line never partially commits that line. Returns nil on
// full success, or one ReserveError per failing line; the caller discards
// the whole attempt on any error (stock.LevelSet must not be persisted).
func (s *LevelSet) TryReserve(orderID string, lines []ReserveLine) []ReserveError {
	for _, store := range s.Stores {
		store.sortByExpiry(true)
	}
	var errs []ReserveError
	for _, req := range lines {
		store := s.findStore(req.StoreID)
		if store == nil {
			errs = append(errs, ReserveError{StoreID: req.StoreID, ProductID: req.ProductID,
				Reason: ReasonNotExist, StoreAbsent: true})
			continue
		}
		if reason, shortage, ok := store.tryReserveOne(orderID, req); !ok {
			errs = append(errs, ReserveError{StoreID: req.StoreID, ProductID: req.ProductID,
				Reason: reason, Shortage: shortage})
		}
	}
	return errs
}

func (st *StoreStock) tryReserveOne(orderID string, req ReserveLine) (reason ErrorReason, shortage uint32, ok bool) {
	numRequired := req.Quantity
	for _, p := range st.Products {
		if p.Type != req.ProductType || p.ID != req.ProductID {
			continue
		}
		numRequired -= min32(p.Quantity.Available(), numRequired)
		if numRequired == 0 {
			break
		}
	} // dry run

	if numRequired == 0 {
		remaining := req.Quantity
		for _, p := range st.Products {
			if p.Type != req.ProductType || p.ID != req.ProductID {
				continue
			}
			taken := p.Quantity.Reserve(orderID, remaining)
			remaining -= taken
			if remaining == 0 {
				break
			}
		}
		return "", 0, true
	}
	if numRequired < req.Quantity {
		return ReasonNotEnoughToClaim, numRequired, false
	}
	return ReasonOutOfStock, numRequired, false
}

// ReturnAcrossExpiry releases reservations across whichever expiry buckets
// hold them, preferring the longest-lived bucket first (descending
// expiry) so near-expiry stock stays committed as long as possible.
func (s *LevelSet) ReturnAcrossExpiry(orderID string, items []ReturnItem) []ReturnError {
	for _, store := range s.Stores {
		store.sortByExpiry(false)
	}
	return s.returnCommon(orderID, items, (*StoreStock).returnAcrossExpiryOne)
}

// ReturnByExpiry targets one specific (type, id, expiry) bucket; the whole
// quantity must fit in that single reservation or the item is rejected.
func (s *LevelSet) ReturnByExpiry(orderID string, items []ReturnItem) []ReturnError {
	return s.returnCommon(orderID, items, (*StoreStock).returnByExpiryOne)
}

type storeReturnFn func(*StoreStock, string, ReturnItem) (ErrorReason, bool)

func (s *LevelSet) returnCommon(orderID string, items []ReturnItem, fn storeReturnFn) []ReturnError {
	var errs []ReturnError
	for _, req := range items {
		store := s.findStore(req.StoreID)
		if store == nil {
			errs = append(errs, ReturnError{StoreID: req.StoreID, ProductID: req.ProductID, Reason: ReasonNotExist})
			continue
		}
		if reason, ok := fn(store, orderID, req); !ok {
			errs = append(errs, ReturnError{StoreID: req.StoreID, ProductID: req.ProductID, Reason: reason})
		}
	}
	return errs
}

func (st *StoreStock) returnAcrossExpiryOne(orderID string, req ReturnItem) (ErrorReason, bool) {
	numReturning := req.Qty
	for _, p := range st.Products {
		if p.Type != req.ProductType || p.ID != req.ProductID {
			continue
		}
		if rsved, ok := p.Quantity.Reservation()[orderID]; ok {
			numReturning -= min32(rsved, numReturning)
		}
		if numReturning == 0 {
			break
		}
	} // dry run

	if numReturning == 0 {
		remaining := req.Qty
		for _, p := range st.Products {
			if p.Type != req.ProductType || p.ID != req.ProductID {
				continue
			}
			remaining -= p.Quantity.Return(orderID, remaining)
			if remaining == 0 {
				break
			}
		}
		return "", true
	}
	if numReturning < req.Qty {
		return ReasonInvalidQuantity, false
	}
	return ReasonNotExist, false
}

func (st *StoreStock) returnByExpiryOne(orderID string, req ReturnItem) (ErrorReason, bool) {
	for _, p := range st.Products {
		if p.Type != req.ProductType || p.ID != req.ProductID || !p.Expiry.Equal(req.Expiry) {
			continue
		}
		rsved, ok := p.Quantity.Reservation()[orderID]
		if !ok || rsved < req.Qty {
			return ReasonInvalidQuantity, false
		}
		p.Quantity.Return(orderID, req.Qty)
		return "", true
	}
	return ReasonNotExist, false
}

// Snapshot renders the whole working set as a read DTO, e.g. for a RPC
// reply to the inventory-replica route.
type Snapshot struct {
	StoreID     uint32
	ProductType money.ProductType
	ProductID   uint64
	Expiry      time.Time
	Total       uint32
	Cancelled   uint32
	Booked      uint32
	Available   uint32
}

func (s *LevelSet) ToSnapshots() []Snapshot {
	var out []Snapshot
	for _, store := range s.Stores {
		for _, p := range store.Products {
			out = append(out, Snapshot{
				StoreID: store.StoreID, ProductType: p.Type, ProductID: p.ID, Expiry: p.Expiry,
				Total: p.Quantity.Total, Cancelled: p.Quantity.Cancelled,
				Booked: p.Quantity.Booked(), Available: p.Quantity.Available(),
			})
		}
	}
	return out
}

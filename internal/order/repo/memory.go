package repo

import (
	"context"
	"sync"
	"time"

	"storefront-backend/internal/money"
	"storefront-backend/internal/order"
	"storefront-backend/internal/stock"
)

// orderRecord is one order's full persisted state in the in-memory table.
type orderRecord struct {
	lineset  *order.LineSet
	billing  Contact
	shipping Contact
	returns  []*order.Return
}

// Memory is an in-memory OrderRepo: a mutex-guarded map of order records
// plus the live stock working set. MaxItems caps the table size per the
// max_items_per_inmem_table option; zero means unbounded, used by tests.
type Memory struct {
	mu       sync.Mutex
	orders   map[string]*orderRecord
	levels   *stock.LevelSet
	lastRun  time.Time
	MaxItems int
}

func NewMemory(levels *stock.LevelSet) *Memory {
	return &Memory{orders: make(map[string]*orderRecord), levels: levels}
}

func (m *Memory) Create(ctx context.Context, ls *order.LineSet, billing, shipping Contact, reserveFn StockReserveFn) ([]stock.ReserveError, *money.AppError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MaxItems > 0 && len(m.orders) >= m.MaxItems {
		return nil, money.NewAppError(money.ErrTransient, "in-memory order table full").WithFnLabel("Create")
	}
	if rsvErrs := reserveFn(m.levels); len(rsvErrs) > 0 {
		// The order id is fresh, so every reservation under it was booked by
		// this attempt; drop them so a rejected order leaves no booking.
		for _, st := range m.levels.Stores {
			for _, p := range st.Products {
				delete(p.Quantity.Reservation(), ls.OrderID)
			}
		}
		return rsvErrs, nil
	}
	m.orders[ls.OrderID] = &orderRecord{lineset: ls, billing: billing, shipping: shipping}
	return nil, nil
}

func (m *Memory) find(orderID string) (*orderRecord, *money.AppError) {
	rec, ok := m.orders[orderID]
	if !ok {
		return nil, money.NewAppError(money.ErrNotExist, "order not found: "+orderID)
	}
	return rec, nil
}

func (m *Memory) FetchAllLines(ctx context.Context, orderID string) ([]*order.Line, *money.AppError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.find(orderID)
	if err != nil {
		return nil, err.WithFnLabel("FetchAllLines")
	}
	return rec.lineset.Lines, nil
}

func (m *Memory) FetchLinesByPID(ctx context.Context, orderID string, ids []money.OrderLineIdentity) ([]*order.Line, *money.AppError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.find(orderID)
	if err != nil {
		return nil, err.WithFnLabel("FetchLinesByPID")
	}
	var out []*order.Line
	for _, l := range rec.lineset.Lines {
		for _, id := range ids {
			if l.ID.Equal(id) {
				out = append(out, l)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) FetchBilling(ctx context.Context, orderID string) (Contact, *money.AppError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.find(orderID)
	if err != nil {
		return Contact{}, err.WithFnLabel("FetchBilling")
	}
	return rec.billing, nil
}

func (m *Memory) FetchShipping(ctx context.Context, orderID string) (Contact, *money.AppError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.find(orderID)
	if err != nil {
		return Contact{}, err.WithFnLabel("FetchShipping")
	}
	return rec.shipping, nil
}

func (m *Memory) CurrencyExrates(ctx context.Context, orderID string) (money.OrderCurrencySnapshot, *money.AppError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.find(orderID)
	if err != nil {
		return money.OrderCurrencySnapshot{}, err.WithFnLabel("CurrencyExrates")
	}
	return rec.lineset.Currency, nil
}

func (m *Memory) OwnerID(ctx context.Context, orderID string) (uint32, *money.AppError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.find(orderID)
	if err != nil {
		return 0, err.WithFnLabel("OwnerID")
	}
	return rec.lineset.OwnerID, nil
}

func (m *Memory) CreatedTime(ctx context.Context, orderID string) (time.Time, *money.AppError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.find(orderID)
	if err != nil {
		return time.Time{}, err.WithFnLabel("CreatedTime")
	}
	return rec.lineset.CreateTime, nil
}

func (m *Memory) UpdateLinesPayment(ctx context.Context, orderID string, ids []money.OrderLineIdentity, fn UpdatePaymentsFn) ([]order.PaymentUpdateError, *money.AppError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.find(orderID)
	if err != nil {
		return nil, err.WithFnLabel("UpdateLinesPayment")
	}
	var targeted []*order.Line
	for _, l := range rec.lineset.Lines {
		for _, id := range ids {
			if l.ID.Equal(id) {
				targeted = append(targeted, l)
				break
			}
		}
	}
	// fn mutates the targeted lines in place; failed lines are left
	// untouched, so there is nothing extra to roll back here.
	return fn(targeted), nil
}

func (m *Memory) FetchLinesByRsvTime(ctx context.Context, t0, t1 time.Time, cb FetchByRsvTimeFn) *money.AppError {
	m.mu.Lock()
	matches := make([]*order.LineSet, 0)
	for _, rec := range m.orders {
		for _, l := range rec.lineset.Lines {
			if l.Policy.ReservedUntil.After(t0) && !l.Policy.ReservedUntil.After(t1) {
				matches = append(matches, rec.lineset)
				break
			}
		}
	}
	m.mu.Unlock()

	for _, ls := range matches {
		if err := cb(ctx, ls); err != nil {
			return money.NewAppError(money.ErrTransient, err.Error()).WithFnLabel("FetchLinesByRsvTime")
		}
	}
	return nil
}

func (m *Memory) CancelUnpaidLastTime(ctx context.Context) (time.Time, *money.AppError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun, nil
}

func (m *Memory) CancelUnpaidTimeUpdate(ctx context.Context, t time.Time) *money.AppError {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRun = t
	return nil
}

func (m *Memory) ReturnStock(ctx context.Context, fn StockReturnFn) *money.AppError {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.levels)
	return nil
}

func (m *Memory) SaveReturns(ctx context.Context, orderID string, returns []*order.Return) *money.AppError {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.find(orderID)
	if err != nil {
		return err.WithFnLabel("SaveReturns")
	}
	rec.returns = returns
	return nil
}

func (m *Memory) FetchReturns(ctx context.Context, orderID string) ([]*order.Return, *money.AppError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.find(orderID)
	if err != nil {
		return nil, err.WithFnLabel("FetchReturns")
	}
	return rec.returns, nil
}

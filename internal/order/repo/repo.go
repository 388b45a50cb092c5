// Package repo defines the OrderRepo capability used by internal/order's
// use cases, plus an in-memory and a Postgres-backed implementation.
package repo

import (
	"context"
	"time"

	"storefront-backend/internal/money"
	"storefront-backend/internal/order"
	"storefront-backend/internal/stock"
)

// Contact is a billing or shipping contact attached to an order.
type Contact struct {
	Label       string
	FullName    string
	Emails      []string
	Phones      []string
	AddressLine string
}

// StockReserveFn is the per-table-lock callback CreateOrder hands to the
// repo: it runs against the live stock.LevelSet and must not perform
// network I/O while the table lock is held.
type StockReserveFn func(levels *stock.LevelSet) []stock.ReserveError

// StockReturnFn is the analogous callback for DiscardUnpaidItems and
// ReturnLinesReq: it mutates the stock.LevelSet to release quantity.
type StockReturnFn func(levels *stock.LevelSet)

// UpdatePaymentsFn computes the payment mutations for one order's lines
// under lock and returns one PaymentUpdateError per line it could not
// update; the repo skips the persist only when no line was updated.
type UpdatePaymentsFn func(lines []*order.Line) []order.PaymentUpdateError

// FetchByRsvTimeFn is invoked once per distinct order found in the
// reserved_until range query; the repo propagates the first error it
// returns and aborts remaining callbacks.
type FetchByRsvTimeFn func(ctx context.Context, ls *order.LineSet) error

// OrderRepo is the full persistence capability consulted by
// internal/order/usecase. Implementations: repo.Memory (tests, single
// process), repo.Postgres (cmd/orderservice).
type OrderRepo interface {
	// Create reserves stock for lineset.Lines via reserveFn under the
	// per-table stock lock, then — only if reserveFn reports no errors —
	// persists order meta, contacts, addresses and lines atomically.
	Create(ctx context.Context, ls *order.LineSet, billing, shipping Contact, reserveFn StockReserveFn) ([]stock.ReserveError, *money.AppError)

	FetchAllLines(ctx context.Context, orderID string) ([]*order.Line, *money.AppError)
	FetchLinesByPID(ctx context.Context, orderID string, ids []money.OrderLineIdentity) ([]*order.Line, *money.AppError)
	FetchBilling(ctx context.Context, orderID string) (Contact, *money.AppError)
	FetchShipping(ctx context.Context, orderID string) (Contact, *money.AppError)
	CurrencyExrates(ctx context.Context, orderID string) (money.OrderCurrencySnapshot, *money.AppError)
	OwnerID(ctx context.Context, orderID string) (uint32, *money.AppError)
	CreatedTime(ctx context.Context, orderID string) (time.Time, *money.AppError)

	// UpdateLinesPayment fetches the lines named by ids under lock
	// (Memory: its table mutex; Postgres: a per-order advisory lock), runs
	// fn to compute mutations, and persists the
	// lines only if at least one mutation applied without error.
	UpdateLinesPayment(ctx context.Context, orderID string, ids []money.OrderLineIdentity, fn UpdatePaymentsFn) ([]order.PaymentUpdateError, *money.AppError)

	// FetchLinesByRsvTime ranges over orders whose lines have
	// reserved_until in (t0, t1], invoking cb once per distinct order.
	FetchLinesByRsvTime(ctx context.Context, t0, t1 time.Time, cb FetchByRsvTimeFn) *money.AppError

	CancelUnpaidLastTime(ctx context.Context) (time.Time, *money.AppError)
	CancelUnpaidTimeUpdate(ctx context.Context, t time.Time) *money.AppError

	// ReturnStock applies returnFn to the store's stock under the
	// per-table lock, used by DiscardUnpaidItems and ReturnLinesReq.
	ReturnStock(ctx context.Context, fn StockReturnFn) *money.AppError

	SaveReturns(ctx context.Context, orderID string, returns []*order.Return) *money.AppError
	FetchReturns(ctx context.Context, orderID string) ([]*order.Return, *money.AppError)
}

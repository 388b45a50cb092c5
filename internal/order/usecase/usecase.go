// Package usecase wires internal/order/repo and internal/stock into the
// order-service operations: CreateOrder, DiscardUnpaidItems,
// OrderReplica{Payment,Inventory,Refund}, ReturnLinesReq, ApplyStockEdits.
// One struct holds the repo/policy/clock dependencies, one method per
// operation.
package usecase

import (
	"context"
	"log"
	"time"

	"storefront-backend/internal/money"
	"storefront-backend/internal/order"
	"storefront-backend/internal/order/repo"
	"storefront-backend/internal/stock"
)

// PolicyLookup resolves the per-(store,product) policy and price needed by
// TryCreateLine; backed by a config table or a repo call in production.
type PolicyLookup interface {
	Policy(storeID uint32, productID uint64) (*order.Policy, *money.AppError)
	Price(storeID uint32, productID uint64) (*order.Price, *money.AppError)
}

// Clock abstracts time.Now so DiscardUnpaidItems is testable.
type Clock func() time.Time

type OrderUseCases struct {
	Repo        repo.OrderRepo
	Policies    PolicyLookup
	MachineCode byte
	Now         Clock
}

func New(r repo.OrderRepo, policies PolicyLookup, machineCode byte) *OrderUseCases {
	return &OrderUseCases{Repo: r, Policies: policies, MachineCode: machineCode, Now: time.Now}
}

// CreateOrderRequest is the validated input to CreateOrder.
type CreateOrderRequest struct {
	OwnerID  uint32
	Currency money.OrderCurrencySnapshot
	Lines    []order.CreateLineRequest
	Billing  repo.Contact
	Shipping repo.Contact
}

// CreateOrderResult is the ok-DTO: reserved lines converted to buyer
// currency plus the minted order id.
type CreateOrderResult struct {
	OrderID string
	Lines   []order.ReservedLineDTO
}

// CreateOrderError distinguishes client-visible rejection shapes
// (duplicate lines, stock shortage) from server-side failures; the HTTP
// adapter maps them to distinct response classes.
type CreateOrderError struct {
	DuplicateLines []*order.DuplicateError
	StockShortage  []stock.ReserveError
	Server         *money.AppError
}

func (e *CreateOrderError) Error() string {
	switch {
	case e.Server != nil:
		return e.Server.Error()
	case len(e.StockShortage) > 0:
		return "stock shortage on one or more lines"
	default:
		return "duplicate order lines"
	}
}

func (u *OrderUseCases) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, *CreateOrderError) {
	now := u.Now()

	lines := make([]*order.Line, 0, len(req.Lines))
	for _, lr := range req.Lines {
		policy, err := u.Policies.Policy(lr.StoreID, lr.ProductID)
		if err != nil {
			return nil, &CreateOrderError{Server: err}
		}
		price, err := u.Policies.Price(lr.StoreID, lr.ProductID)
		if err != nil {
			return nil, &CreateOrderError{Server: err}
		}
		line, cerr := order.TryCreateLine(lr, policy, price, now)
		if cerr != nil {
			return nil, &CreateOrderError{Server: cerr}
		}
		lines = append(lines, line)
	}

	ls, dupErrs := order.NewLineSet(req.OwnerID, req.Currency, lines, now, u.MachineCode)
	if len(dupErrs) > 0 {
		return nil, &CreateOrderError{DuplicateLines: dupErrs}
	}

	reserveFn := func(levels *stock.LevelSet) []stock.ReserveError {
		rsvLines := make([]stock.ReserveLine, len(ls.Lines))
		for i, l := range ls.Lines {
			rsvLines[i] = stock.ReserveLine{
				StoreID: l.ID.StoreID(), ProductType: l.ProductType, ProductID: l.ID.ProductID(),
				Quantity: l.Quantity.Reserved,
			}
		}
		return levels.TryReserve(ls.OrderID, rsvLines)
	}

	rsvErrs, aerr := u.Repo.Create(ctx, ls, req.Billing, req.Shipping, reserveFn)
	if aerr != nil {
		return nil, &CreateOrderError{Server: aerr}
	}
	if len(rsvErrs) > 0 {
		return nil, &CreateOrderError{StockShortage: rsvErrs}
	}

	dtos, aerr := ls.ToReservedLineDTOs()
	if aerr != nil {
		return nil, &CreateOrderError{Server: aerr}
	}
	return &CreateOrderResult{OrderID: ls.OrderID, Lines: dtos}, nil
}

// DiscardUnpaidItems is driven by a scheduler: it fetches lines whose
// reserved_until fell in (last_run, now], returns their unpaid quantity to
// stock, and advances the progress marker only on success.
func (u *OrderUseCases) DiscardUnpaidItems(ctx context.Context) *money.AppError {
	lastRun, aerr := u.Repo.CancelUnpaidLastTime(ctx)
	if aerr != nil {
		return aerr
	}
	now := u.Now()

	cbErr := u.Repo.FetchLinesByRsvTime(ctx, lastRun, now, func(ctx context.Context, ls *order.LineSet) error {
		unpaid := ls.UnpaidLines()
		if len(unpaid) == 0 {
			return nil
		}
		items := make([]stock.ReturnItem, 0, len(unpaid))
		for _, l := range unpaid {
			qty := l.Quantity.Reserved - l.Quantity.Paid
			if qty == 0 {
				continue
			}
			items = append(items, stock.ReturnItem{
				StoreID: l.ID.StoreID(), ProductType: l.ProductType, ProductID: l.ID.ProductID(), Qty: qty,
			})
		}
		if len(items) == 0 {
			return nil
		}
		returnErr := u.Repo.ReturnStock(ctx, func(levels *stock.LevelSet) {
			if errs := levels.ReturnAcrossExpiry(ls.OrderID, items); len(errs) > 0 {
				log.Printf("[order] discard-unpaid return-across-expiry partial failure order=%s errs=%v", ls.OrderID, errs)
			}
		})
		if returnErr != nil {
			return returnErr
		}
		return nil
	})
	if cbErr != nil {
		return cbErr
	}
	return u.Repo.CancelUnpaidTimeUpdate(ctx, now)
}

// OrderReplicaPayment is the read-side projection used by the payment
// service's CreateCharge to pull an order's lines into its local replica.
func (u *OrderUseCases) OrderReplicaPayment(ctx context.Context, orderID string) (*order.LineSet, *money.AppError) {
	return u.fetchReplica(ctx, orderID)
}

// OrderReplicaInventory mirrors OrderReplicaPayment for inventory-facing
// callers: same underlying projection, kept distinct because the two RPC
// routes (order_reserved_replica_payment vs order_reserved_replica_inventory)
// are separate wire contracts.
func (u *OrderUseCases) OrderReplicaInventory(ctx context.Context, orderID string) (*order.LineSet, *money.AppError) {
	return u.fetchReplica(ctx, orderID)
}

// OrderReplicaRefund is the projection consulted when the payment service
// resolves a refund against original charge lines.
func (u *OrderUseCases) OrderReplicaRefund(ctx context.Context, orderID string) (*order.LineSet, []*order.Return, *money.AppError) {
	ls, err := u.fetchReplica(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	returns, err := u.Repo.FetchReturns(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return ls, returns, nil
}

func (u *OrderUseCases) fetchReplica(ctx context.Context, orderID string) (*order.LineSet, *money.AppError) {
	owner, err := u.Repo.OwnerID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	created, err := u.Repo.CreatedTime(ctx, orderID)
	if err != nil {
		return nil, err
	}
	currency, err := u.Repo.CurrencyExrates(ctx, orderID)
	if err != nil {
		return nil, err
	}
	lines, err := u.Repo.FetchAllLines(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return order.FromRepo(orderID, owner, created, currency, lines), nil
}

// ApplyPaymentUpdate is invoked over RPC (order_reserved_update_payment)
// when the payment service reports progress on an order's lines.
func (u *OrderUseCases) ApplyPaymentUpdate(ctx context.Context, orderID string, updates []order.PaymentUpdate, chargeTime time.Time) ([]order.PaymentUpdateError, *money.AppError) {
	ids := make([]money.OrderLineIdentity, len(updates))
	for i, up := range updates {
		ids[i] = money.NewOrderLineIdentity(up.StoreID, up.ProductID, up.AttrSetSeq)
	}
	return u.Repo.UpdateLinesPayment(ctx, orderID, ids, func(lines []*order.Line) []order.PaymentUpdateError {
		return order.UpdatePayments(lines, updates, chargeTime)
	})
}

// ReturnLinesReqError wraps a rejection from ReturnLinesReq: either the
// caller isn't the order owner, or one or more lines failed filtering.
type ReturnLinesReqError struct {
	NotOwner bool
	Lines    []order.ReturnRequestError
	Server   *money.AppError
}

func (e *ReturnLinesReqError) Error() string {
	switch {
	case e.Server != nil:
		return e.Server.Error()
	case e.NotOwner:
		return "caller is not the order owner"
	default:
		return "one or more return lines rejected"
	}
}

// ReturnLinesReq verifies the caller owns the order, then runs
// filter_requests against the current lines and prior returns before
// persisting the accepted set and releasing the corresponding stock.
func (u *OrderUseCases) ReturnLinesReq(ctx context.Context, orderID string, callerID uint32, reqs []order.ReturnRequest) *ReturnLinesReqError {
	owner, err := u.Repo.OwnerID(ctx, orderID)
	if err != nil {
		return &ReturnLinesReqError{Server: err}
	}
	if owner != callerID {
		return &ReturnLinesReqError{NotOwner: true}
	}

	lines, err := u.Repo.FetchAllLines(ctx, orderID)
	if err != nil {
		return &ReturnLinesReqError{Server: err}
	}
	existing, err := u.Repo.FetchReturns(ctx, orderID)
	if err != nil {
		return &ReturnLinesReqError{Server: err}
	}

	accepted, filterErrs := order.FilterReturnRequests(reqs, lines, existing, u.Now())
	if len(filterErrs) > 0 {
		return &ReturnLinesReqError{Lines: filterErrs}
	}

	if err := u.Repo.SaveReturns(ctx, orderID, accepted); err != nil {
		return &ReturnLinesReqError{Server: err}
	}

	items := make([]stock.ReturnItem, 0, len(reqs))
	for _, r := range reqs {
		item := stock.ReturnItem{StoreID: r.StoreID, ProductID: r.ProductID, Qty: r.Quantity}
		for _, l := range lines {
			if l.ID.StoreID() == r.StoreID && l.ID.ProductID() == r.ProductID && l.ID.AttrSeqNum() == r.AttrSetSeq {
				item.ProductType = l.ProductType
				break
			}
		}
		items = append(items, item)
	}
	returnErr := u.Repo.ReturnStock(ctx, func(levels *stock.LevelSet) {
		if errs := levels.ReturnAcrossExpiry(orderID, items); len(errs) > 0 {
			log.Printf("[order] return-lines-req partial stock-return failure order=%s errs=%v", orderID, errs)
		}
	})
	if returnErr != nil {
		return &ReturnLinesReqError{Server: returnErr}
	}
	return nil
}

// ApplyStockEdits backs the catalog-management RPC routes
// (update_store_products, stock_level_edit, stock_return_cancelled): all
// three deliver the same manual total/cancelled adjustment shape, so they
// share this single entry point into stock.LevelSet.Update under the
// per-table lock.
func (u *OrderUseCases) ApplyStockEdits(ctx context.Context, edits []stock.EditEntry) *money.AppError {
	var editErr *money.AppError
	err := u.Repo.ReturnStock(ctx, func(levels *stock.LevelSet) {
		editErr = levels.Update(edits)
	})
	if err != nil {
		return err
	}
	return editErr
}

// DiscardScheduler drives DiscardUnpaidItems on a fixed interval until ctx
// is cancelled.
func DiscardScheduler(ctx context.Context, u *OrderUseCases, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.DiscardUnpaidItems(ctx); err != nil {
				log.Printf("[order] discard-unpaid-items failed: %v", err)
			}
		}
	}
}

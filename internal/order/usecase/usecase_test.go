package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"storefront-backend/internal/money"
	"storefront-backend/internal/order"
	"storefront-backend/internal/order/repo"
	"storefront-backend/internal/stock"
)

type fixedPolicies struct {
	policy map[uint64]*order.Policy
	price  map[uint64]*order.Price
}

func (f *fixedPolicies) Policy(storeID uint32, productID uint64) (*order.Policy, *money.AppError) {
	p, ok := f.policy[productID]
	if !ok {
		return nil, money.NewAppError(money.ErrNotExist, "no policy")
	}
	return p, nil
}

func (f *fixedPolicies) Price(storeID uint32, productID uint64) (*order.Price, *money.AppError) {
	p, ok := f.price[productID]
	if !ok {
		return nil, money.NewAppError(money.ErrNotExist, "no price")
	}
	return p, nil
}

func newFixture() (*OrderUseCases, *repo.Memory) {
	levels := stock.NewLevelSet()
	levels.Update([]stock.EditEntry{
		{StoreID: 10, ProductType: money.ProductPhysical, ProductID: 500, Expiry: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), QtyDelta: 20},
	})
	mem := repo.NewMemory(levels)
	policies := &fixedPolicies{
		policy: map[uint64]*order.Policy{500: {StoreID: 10, ProductID: 500, ProductType: money.ProductPhysical,
			MaxReserve: 40, AutoCancelSecs: 900, WarrantyHours: 24}},
		price:  map[uint64]*order.Price{500: {StoreID: 10, ProductID: 500, BasePrice: decimal.New(1000, 0)}},
	}
	u := New(mem, policies, 0x06)
	return u, mem
}

func currencySnapshot() money.OrderCurrencySnapshot {
	return money.OrderCurrencySnapshot{
		Buyer:   money.CurrencyRate{Label: money.CurrencyUSD, Rate: decimal.New(1, 0)},
		Sellers: map[uint32]money.CurrencyRate{10: {Label: money.CurrencyUSD, Rate: decimal.New(1, 0)}},
	}
}

func TestCreateOrderHappyPath(t *testing.T) {
	u, _ := newFixture()
	res, cerr := u.CreateOrder(context.Background(), CreateOrderRequest{
		OwnerID:  42,
		Currency: currencySnapshot(),
		Lines:    []order.CreateLineRequest{{StoreID: 10, ProductID: 500, Quantity: 3}},
		Billing:  repo.Contact{Label: "billing", FullName: "A Buyer"},
		Shipping: repo.Contact{Label: "shipping", FullName: "A Buyer"},
	})
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if res.OrderID == "" || len(res.Lines) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Lines[0].Quantity != 3 {
		t.Fatalf("expected reserved qty 3, got %d", res.Lines[0].Quantity)
	}
}

func TestCreateOrderStockShortage(t *testing.T) {
	u, _ := newFixture()
	req := CreateOrderRequest{
		OwnerID:  1,
		Currency: currencySnapshot(),
		Lines:    []order.CreateLineRequest{{StoreID: 10, ProductID: 500, Quantity: 12}},
		Billing:  repo.Contact{Label: "billing"},
		Shipping: repo.Contact{Label: "shipping"},
	}
	if _, cerr := u.CreateOrder(context.Background(), req); cerr != nil {
		t.Fatalf("first order should succeed, got %v", cerr)
	}
	_, cerr := u.CreateOrder(context.Background(), req)
	if cerr == nil || len(cerr.StockShortage) != 1 {
		t.Fatalf("expected stock shortage on second order, got %+v", cerr)
	}
}

func TestReturnLinesReqRejectsNonOwner(t *testing.T) {
	u, _ := newFixture()
	res, _ := u.CreateOrder(context.Background(), CreateOrderRequest{
		OwnerID:  42,
		Currency: currencySnapshot(),
		Lines:    []order.CreateLineRequest{{StoreID: 10, ProductID: 500, Quantity: 3}},
		Billing:  repo.Contact{Label: "billing"},
		Shipping: repo.Contact{Label: "shipping"},
	})

	err := u.ReturnLinesReq(context.Background(), res.OrderID, 999, []order.ReturnRequest{
		{StoreID: 10, ProductID: 500, AttrSetSeq: 0, Quantity: 1},
	})
	if err == nil || !err.NotOwner {
		t.Fatalf("expected NotOwner rejection, got %v", err)
	}
}

func TestReturnLinesReqAcceptsValidReturn(t *testing.T) {
	u, mem := newFixture()
	res, _ := u.CreateOrder(context.Background(), CreateOrderRequest{
		OwnerID:  42,
		Currency: currencySnapshot(),
		Lines:    []order.CreateLineRequest{{StoreID: 10, ProductID: 500, Quantity: 3}},
		Billing:  repo.Contact{Label: "billing"},
		Shipping: repo.Contact{Label: "shipping"},
	})

	err := u.ReturnLinesReq(context.Background(), res.OrderID, 42, []order.ReturnRequest{
		{StoreID: 10, ProductID: 500, AttrSetSeq: 0, Quantity: 2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	returns, aerr := mem.FetchReturns(context.Background(), res.OrderID)
	if aerr != nil || len(returns) != 1 || returns[0].NumReturned() != 2 {
		t.Fatalf("expected 1 return totalling 2, got %+v err=%v", returns, aerr)
	}
}

func TestApplyPaymentUpdate(t *testing.T) {
	u, _ := newFixture()
	res, _ := u.CreateOrder(context.Background(), CreateOrderRequest{
		OwnerID:  42,
		Currency: currencySnapshot(),
		Lines:    []order.CreateLineRequest{{StoreID: 10, ProductID: 500, Quantity: 3}},
		Billing:  repo.Contact{Label: "billing"},
		Shipping: repo.Contact{Label: "shipping"},
	})

	errs, aerr := u.ApplyPaymentUpdate(context.Background(), res.OrderID,
		[]order.PaymentUpdate{{StoreID: 10, ProductID: 500, AttrSetSeq: 0, Qty: 3}}, time.Now())
	if aerr != nil || len(errs) != 0 {
		t.Fatalf("unexpected failure: errs=%v aerr=%v", errs, aerr)
	}

	lines, aerr := u.Repo.FetchAllLines(context.Background(), res.OrderID)
	if aerr != nil || lines[0].Quantity.Paid != 3 {
		t.Fatalf("expected paid qty 3, got %+v err=%v", lines, aerr)
	}
}

func TestApplyStockEdits(t *testing.T) {
	u, _ := newFixture()

	aerr := u.ApplyStockEdits(context.Background(), []stock.EditEntry{
		{StoreID: 10, ProductType: money.ProductPhysical, ProductID: 500,
			Expiry: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), QtyDelta: 5},
	})
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}

	res, cerr := u.CreateOrder(context.Background(), CreateOrderRequest{
		OwnerID:  42,
		Currency: currencySnapshot(),
		Lines:    []order.CreateLineRequest{{StoreID: 10, ProductID: 500, Quantity: 25}},
		Billing:  repo.Contact{Label: "billing"},
		Shipping: repo.Contact{Label: "shipping"},
	})
	if cerr != nil {
		t.Fatalf("expected the +5 edit to make 25 units reservable, got %+v", cerr)
	}
	if len(res.Lines) != 1 || res.Lines[0].Quantity != 25 {
		t.Fatalf("expected line reserving 25, got %+v", res.Lines)
	}
}

func TestApplyStockEditsRejectsNegativeOnUnknownProduct(t *testing.T) {
	u, _ := newFixture()

	aerr := u.ApplyStockEdits(context.Background(), []stock.EditEntry{
		{StoreID: 10, ProductType: money.ProductPhysical, ProductID: 999,
			Expiry: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), QtyDelta: -1},
	})
	if aerr == nil || aerr.Code != money.ErrValidation {
		t.Fatalf("expected a validation error, got %v", aerr)
	}
}

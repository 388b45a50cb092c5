package rpcserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"storefront-backend/internal/money"
	"storefront-backend/internal/order"
	"storefront-backend/internal/order/repo"
	"storefront-backend/internal/order/usecase"
	"storefront-backend/internal/stock"
)

type fixedPolicies struct {
	policy *order.Policy
	price  *order.Price
}

func (f *fixedPolicies) Policy(storeID uint32, productID uint64) (*order.Policy, *money.AppError) {
	return f.policy, nil
}

func (f *fixedPolicies) Price(storeID uint32, productID uint64) (*order.Price, *money.AppError) {
	return f.price, nil
}

func newFixture(t *testing.T) (*Server, string) {
	t.Helper()
	levels := stock.NewLevelSet()
	levels.Update([]stock.EditEntry{
		{StoreID: 10, ProductType: money.ProductPhysical, ProductID: 500,
			Expiry: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), QtyDelta: 20},
	})
	mem := repo.NewMemory(levels)
	policies := &fixedPolicies{
		policy: &order.Policy{StoreID: 10, ProductID: 500, ProductType: money.ProductPhysical,
			MaxReserve: 10, AutoCancelSecs: 900, WarrantyHours: 24},
		price:  &order.Price{StoreID: 10, ProductID: 500, BasePrice: decimal.New(1000, 0)},
	}
	uc := usecase.New(mem, policies, 0x06)

	snapshot := money.OrderCurrencySnapshot{
		Buyer:   money.CurrencyRate{Label: money.CurrencyUSD, Rate: decimal.New(1, 0)},
		Sellers: map[uint32]money.CurrencyRate{10: {Label: money.CurrencyUSD, Rate: decimal.New(1, 0)}},
	}
	res, cerr := uc.CreateOrder(context.Background(), usecase.CreateOrderRequest{
		OwnerID:  42,
		Currency: snapshot,
		Lines:    []order.CreateLineRequest{{StoreID: 10, ProductID: 500, Quantity: 3}},
		Billing:  repo.Contact{Label: "billing"},
		Shipping: repo.Contact{Label: "shipping"},
	})
	if cerr != nil {
		t.Fatalf("fixture create order: %+v", cerr)
	}
	return &Server{uc: uc}, res.OrderID
}

func TestHandleReplicaRoundTrip(t *testing.T) {
	s, orderID := newFixture(t)

	body, _ := json.Marshal(orderIDWire{OrderID: orderID})
	reply, err := s.dispatch(context.Background(), "order_reserved_replica_payment", body)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	var wire orderReplicaWire
	if err := json.Unmarshal(reply, &wire); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if wire.BuyerRateLabel != "USD" {
		t.Fatalf("expected USD buyer label, got %q", wire.BuyerRateLabel)
	}
	if len(wire.Lines) != 1 || wire.Lines[0].Qty != 3 {
		t.Fatalf("expected 1 line reserving 3, got %+v", wire.Lines)
	}
}

func TestHandleReplicaRefundRoundTrip(t *testing.T) {
	s, orderID := newFixture(t)

	if rerr := s.uc.ReturnLinesReq(context.Background(), orderID, 42, []order.ReturnRequest{
		{StoreID: 10, ProductID: 500, Quantity: 1},
	}); rerr != nil {
		t.Fatalf("fixture return request: %+v", rerr)
	}

	body, _ := json.Marshal(orderIDWire{OrderID: orderID})
	reply, err := s.dispatch(context.Background(), "order_returned_replica_refund", body)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	var wire replicaRefundWire
	if err := json.Unmarshal(reply, &wire); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if len(wire.Returns) != 1 {
		t.Fatalf("expected 1 return row, got %+v", wire.Returns)
	}
	r := wire.Returns[0]
	if r.StoreID != 10 || r.ProductID != 500 || r.Qty != 1 {
		t.Fatalf("unexpected return row: %+v", r)
	}
	if _, terr := time.Parse(time.RFC3339, r.RequestTime); terr != nil {
		t.Fatalf("request_time not RFC3339: %q (%v)", r.RequestTime, terr)
	}
}

func TestHandleStockEdits(t *testing.T) {
	s, _ := newFixture(t)

	body, _ := json.Marshal(stockEditWire{Edits: []struct {
		StoreID     uint32 `json:"store_id"`
		ProductType string `json:"product_type"`
		ProductID   uint64 `json:"product_id"`
		Expiry      string `json:"expiry"`
		QtyDelta    int64  `json:"qty_delta"`
	}{
		{StoreID: 10, ProductType: "PHYSICAL", ProductID: 500, Expiry: "2030-01-01T00:00:00Z", QtyDelta: 4},
	}})

	reply, err := s.dispatch(context.Background(), "stock_level_edit", body)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var ok map[string]bool
	if err := json.Unmarshal(reply, &ok); err != nil || !ok["ok"] {
		t.Fatalf("expected {ok:true}, got %s (err=%v)", reply, err)
	}
}

func TestHandleUpdatePayment(t *testing.T) {
	s, orderID := newFixture(t)

	body, _ := json.Marshal(updatePaymentWire{
		OrderID: orderID,
		Updates: []struct {
			StoreID   uint32 `json:"store_id"`
			ProductID uint64 `json:"product_id"`
			AttrSeq   uint16 `json:"attr_seq"`
			Qty       uint32 `json:"qty"`
		}{{StoreID: 10, ProductID: 500, AttrSeq: 0, Qty: 3}},
	})

	reply, err := s.dispatch(context.Background(), "order_reserved_update_payment", body)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var wire paymentUpdateReplyWire
	if err := json.Unmarshal(reply, &wire); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if len(wire.FailedLines) != 0 {
		t.Fatalf("expected no failures, got %v", wire.FailedLines)
	}
}

package refund

import (
	"testing"
	"time"

	"storefront-backend/internal/money"
	"storefront-backend/internal/payment/charge"
)

func fixtureCharge() *charge.Buyer {
	return &charge.Buyer{
		Meta: charge.Meta{OrderID: "ord1"},
		Currency: money.OrderCurrencySnapshot{
			Sellers: map[uint32]money.CurrencyRate{7: {Label: money.CurrencyUSD}},
		},
		Lines: []*charge.Line{
			{ID: money.NewOrderLineIdentity(7, 100, 0), AmountOrig: charge.LineAmount{Unit: 500, Total: 2500, Qty: 5}},
		},
	}
}

func TestNewResolutionAllocatesWithinCapacity(t *testing.T) {
	ch := fixtureCharge()
	res, err := NewResolution(42, 7, ch, []CompletionLine{{ProductID: 100, ApprovedQty: 3}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Deltas) != 1 || res.Deltas[0].Qty != 3 || res.Deltas[0].Amount != 1500 {
		t.Fatalf("unexpected deltas: %+v", res.Deltas)
	}
}

// S5: completion request of qty=10 approved plus qty=1 damage and qty=2
// fraud against a charge line with capacity 17 propagates the merchant's
// own reject reasons onto the ledger, not a capacity-derived bucket.
func TestNewResolutionPropagatesMerchantReject(t *testing.T) {
	ch := &charge.Buyer{
		Meta:     charge.Meta{OrderID: "ord1"},
		Currency: money.OrderCurrencySnapshot{Sellers: map[uint32]money.CurrencyRate{7: {Label: money.CurrencyUSD}}},
		Lines: []*charge.Line{
			{ID: money.NewOrderLineIdentity(7, 100, 0), AmountOrig: charge.LineAmount{Unit: 500, Total: 8500, Qty: 17}},
		},
	}
	completion := []CompletionLine{{
		ProductID:   100,
		ApprovedQty: 10,
		Reject:      map[RejectReason]uint32{RejectDamaged: 1, RejectFraudulent: 2},
	}}
	res, err := NewResolution(42, 7, ch, completion)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var gotQty uint32
	reject := map[RejectReason]uint32{}
	for _, d := range res.Deltas {
		gotQty += d.Qty
		for reason, qty := range d.Reject {
			reject[reason] += qty
		}
	}
	if gotQty != 10 {
		t.Fatalf("expected approved qty=10, got %d", gotQty)
	}
	if reject[RejectDamaged] != 1 || reject[RejectFraudulent] != 2 {
		t.Fatalf("expected reject{Damaged:1, Fraudulent:2}, got %+v", reject)
	}
}

func TestNewResolutionMissingCurrency(t *testing.T) {
	ch := fixtureCharge()
	_, err := NewResolution(42, 999, ch, []CompletionLine{{ProductID: 100, ApprovedQty: 1}})
	if err == nil {
		t.Fatalf("expected MissingCurrencyError")
	}
}

func TestApplyUpdatesOLineRefundLedger(t *testing.T) {
	r := &Refund{OrderID: "ord1", Lines: []*OLineRefund{
		{ID: money.NewOrderLineIdentity(7, 100, 0), AmountReq: charge.LineAmount{Qty: 17, Total: 8500}, Reject: map[RejectReason]uint32{}},
	}}
	res := &Resolution{ChargeOrderID: "ord1", Deltas: []LineDelta{
		{ID: money.NewOrderLineIdentity(7, 100, 0), Qty: 10, Amount: 5000},
		{ID: money.NewOrderLineIdentity(7, 100, 0), Reject: map[RejectReason]uint32{RejectDamaged: 1, RejectFraudulent: 2}},
	}}
	n := r.Apply(res)
	if n != 2 {
		t.Fatalf("expected 2 deltas applied, got %d", n)
	}
	if r.Lines[0].AmountRefunded.Qty != 10 || r.Lines[0].AmountRefunded.Total != 5000 {
		t.Fatalf("unexpected ledger state: %+v", r.Lines[0])
	}
	if r.Lines[0].Reject[RejectDamaged] != 1 || r.Lines[0].Reject[RejectFraudulent] != 2 {
		t.Fatalf("expected reject{Damaged:1, Fraudulent:2}, got %+v", r.Lines[0].Reject)
	}
}

func TestApplyToChargeShrinksRemainingCapacity(t *testing.T) {
	ch := fixtureCharge()
	res := &Resolution{ChargeOrderID: "ord1", Deltas: []LineDelta{
		{ID: money.NewOrderLineIdentity(7, 100, 0), Qty: 3, Amount: 1500},
	}}
	res.ApplyToCharge(ch)
	if ch.Lines[0].AmountRefund.Qty != 3 || ch.Lines[0].AmountRefund.Total != 1500 {
		t.Fatalf("unexpected charge line after apply: %+v", ch.Lines[0])
	}
	if got := ch.Lines[0].RemainingQty(); got != 2 {
		t.Fatalf("expected remaining capacity 2, got %d", got)
	}

	// A second FinalizeRefund pass against the same charge must see the
	// shrunk capacity, not re-approve what the first pass already paid out.
	second, err := NewResolution(42, 7, ch, []CompletionLine{{ProductID: 100, ApprovedQty: 5}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second.Deltas) != 1 || second.Deltas[0].Qty != 2 {
		t.Fatalf("expected second resolution capped at remaining 2, got %+v", second.Deltas)
	}
}

func TestBuildChargeRefundMapKeepsChargesDistinct(t *testing.T) {
	t0 := time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	resolutions := []*Resolution{
		{ChargeOrderID: "ord1", ChargeCreateTime: t0, Deltas: []LineDelta{
			{ID: money.NewOrderLineIdentity(7, 100, 0), Qty: 2, Amount: 1000},
		}},
		{ChargeOrderID: "ord1", ChargeCreateTime: t1, Deltas: []LineDelta{
			{ID: money.NewOrderLineIdentity(7, 100, 0), Qty: 3, Amount: 1500},
		}},
	}
	m := BuildChargeRefundMap(resolutions)
	if len(m) != 2 {
		t.Fatalf("expected one entry per charge, got %+v", m)
	}
	if m[ChargeLineKey{OrderID: "ord1", CreateTime: t0, StoreID: 7, ProductID: 100}] != 1000 {
		t.Fatalf("missing/incorrect amount for first charge: %+v", m)
	}
	if m[ChargeLineKey{OrderID: "ord1", CreateTime: t1, StoreID: 7, ProductID: 100}] != 1500 {
		t.Fatalf("missing/incorrect amount for second charge: %+v", m)
	}
}

func TestReduceResolvedStripsSatisfiedLines(t *testing.T) {
	completion := []CompletionLine{{ProductID: 100, ApprovedQty: 5, ApprovedAmt: 2500}}
	res := &Resolution{Deltas: []LineDelta{{ID: money.NewOrderLineIdentity(7, 100, 0), Qty: 3, Amount: 1500}}}
	reduced := ReduceResolved(completion, res)
	if len(reduced) != 1 || reduced[0].ApprovedQty != 2 {
		t.Fatalf("expected remainder 2, got %+v", reduced)
	}
	if reduced[0].ApprovedAmt != 1000 {
		t.Fatalf("expected residual amount recomputed to 2x500=1000, got %d", reduced[0].ApprovedAmt)
	}
}

func TestSortChargesNewestFirst(t *testing.T) {
	t0 := time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)
	charges := []*charge.Buyer{
		{Meta: charge.Meta{OrderID: "a", CreateTime: t0}},
		{Meta: charge.Meta{OrderID: "b", CreateTime: t0.Add(time.Hour)}},
	}
	SortChargesNewestFirst(charges)
	if charges[0].Meta.OrderID != "b" {
		t.Fatalf("expected newest charge first, got %+v", charges)
	}
}

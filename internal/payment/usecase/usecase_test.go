package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"storefront-backend/internal/money"
	"storefront-backend/internal/payment/charge"
	"storefront-backend/internal/payment/processor/stripe"
	"storefront-backend/internal/payment/refund"
	"storefront-backend/internal/rpcclient"
)

type fakeChargeRepo struct {
	byKey map[string]*charge.Buyer
}

func newFakeChargeRepo() *fakeChargeRepo { return &fakeChargeRepo{byKey: map[string]*charge.Buyer{}} }

func (r *fakeChargeRepo) SaveCharge(ctx context.Context, c *charge.Buyer) *money.AppError {
	r.byKey[c.Meta.OrderID] = c
	return nil
}

func (r *fakeChargeRepo) FetchCharge(ctx context.Context, owner uint32, orderID string) (*charge.Buyer, *money.AppError) {
	c, ok := r.byKey[orderID]
	if !ok {
		return nil, money.NewAppError(money.ErrNotExist, "no charge")
	}
	return c, nil
}

func (r *fakeChargeRepo) FetchChargesByOrder(ctx context.Context, orderID string) ([]*charge.Buyer, *money.AppError) {
	c, ok := r.byKey[orderID]
	if !ok {
		return nil, nil
	}
	return []*charge.Buyer{c}, nil
}

type fakeRefundRepo struct {
	byOrder map[string]*refund.Refund
}

func (r *fakeRefundRepo) FetchRefund(ctx context.Context, orderID string) (*refund.Refund, *money.AppError) {
	if ref, ok := r.byOrder[orderID]; ok {
		return ref, nil
	}
	return &refund.Refund{OrderID: orderID}, nil
}

func (r *fakeRefundRepo) SaveRefund(ctx context.Context, ref *refund.Refund) *money.AppError {
	r.byOrder[ref.OrderID] = ref
	return nil
}

type fakeMerchantRepo struct {
	byID map[uint32]*MerchantProfile
}

func (r *fakeMerchantRepo) FetchMerchant(ctx context.Context, merchantID uint32) (*MerchantProfile, *money.AppError) {
	m, ok := r.byID[merchantID]
	if !ok {
		return nil, money.NewAppError(money.ErrNotExist, "no merchant")
	}
	return m, nil
}

func (r *fakeMerchantRepo) SaveMerchant(ctx context.Context, m *MerchantProfile) *money.AppError {
	r.byID[m.ID] = m
	return nil
}

type fakeProcessor struct {
	session          charge.Charge3party
	refreshSnapshot  charge.Charge3party
	connectAccountID string
	onboardingLink   stripe.OnboardingLink
	onboardingDone   bool
	payoutID         string
	payoutAmounts    []int64
}

func (p *fakeProcessor) CreateCheckoutSession(ctx context.Context, orderID string, amountTotal uint32, currencyLabel string, connectedAccountID string, mode stripe.UIMode) (charge.Charge3party, error) {
	return p.session, nil
}

func (p *fakeProcessor) RefreshSnapshot(ctx context.Context, sessionID string) (charge.Charge3party, error) {
	return p.refreshSnapshot, nil
}

func (p *fakeProcessor) CreateConnectAccount(ctx context.Context, merchantEmail string) (string, error) {
	return p.connectAccountID, nil
}

func (p *fakeProcessor) CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (stripe.OnboardingLink, error) {
	return p.onboardingLink, nil
}

func (p *fakeProcessor) OnboardingComplete(ctx context.Context, accountID string) (bool, error) {
	return p.onboardingDone, nil
}

func (p *fakeProcessor) TransferPayout(ctx context.Context, destinationAccountID string, amount int64, currency string) (string, error) {
	p.payoutAmounts = append(p.payoutAmounts, amount)
	return p.payoutID, nil
}

type fakeLock struct{ held map[string]bool }

func newFakeLock() *fakeLock { return &fakeLock{held: map[string]bool{}} }

func (f *fakeLock) Acquire(ctx context.Context, orderID string) (func(context.Context), error) {
	if f.held[orderID] {
		return nil, context.DeadlineExceeded
	}
	f.held[orderID] = true
	return func(context.Context) { delete(f.held, orderID) }, nil
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestCreateChargeReplicatesAndPersistsWhenAbsent(t *testing.T) {
	charges := newFakeChargeRepo()
	proc := &fakeProcessor{session: charge.Charge3party{SessionID: "sess_1", SessionState: charge.SessionOpen, PaymentState: charge.PaymentUnpaid}}
	replica := orderReplicaWire{
		BuyerRateLabel: "USD", BuyerRate: "1",
		Sellers: []struct {
			StoreID uint32 `json:"store_id"`
			Label   string `json:"label"`
			Rate    string `json:"rate"`
		}{{StoreID: 7, Label: "USD", Rate: "1"}},
		Lines: []struct {
			StoreID   uint32 `json:"store_id"`
			ProductID uint64 `json:"product_id"`
			AttrSeq   uint16 `json:"attr_seq"`
			Unit      uint32 `json:"unit"`
			Total     uint32 `json:"total"`
			Qty       uint32 `json:"qty"`
		}{{StoreID: 7, ProductID: 100, Unit: 500, Total: 1500, Qty: 3}},
	}
	body, err := json.Marshal(replica)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	rpc := newStubReplyClient(t, body)

	u := New(charges, &fakeRefundRepo{byOrder: map[string]*refund.Refund{}}, &fakeMerchantRepo{byID: map[uint32]*MerchantProfile{}}, proc, rpc, newFakeLock())
	u.Now = fixedClock(time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC))

	got, err := u.CreateCharge(context.Background(), CreateChargeRequest{Owner: 1, OrderID: "ord1", Currency: "USD", UIMode: stripe.UIModeEmbeddedJs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Meta.Progress.Name != charge.StateProcessorAccepted {
		t.Fatalf("expected progress PROCESSOR_ACCEPTED, got %s", got.Meta.Progress.Name)
	}
	if len(got.Lines) != 1 || got.Lines[0].AmountOrig.Qty != 3 {
		t.Fatalf("unexpected replicated lines: %+v", got.Lines)
	}
	if _, ok := charges.byKey["ord1"]; !ok {
		t.Fatalf("expected charge to be persisted")
	}
}

func TestRefreshChargeStatusAdvancesOnEligibleAndSyncs(t *testing.T) {
	charges := newFakeChargeRepo()
	existing := &charge.Buyer{
		Meta: charge.Meta{
			Owner: 1, OrderID: "ord1",
			Progress: charge.BuyerPayInState{Name: charge.StateProcessorAccepted},
			Method:   charge.Charge3party{SessionID: "sess_1"},
		},
		Lines: []*charge.Line{{ID: money.NewOrderLineIdentity(7, 100, 0), AmountOrig: charge.LineAmount{Qty: 3}}},
	}
	charges.byKey["ord1"] = existing

	proc := &fakeProcessor{refreshSnapshot: charge.Charge3party{SessionState: charge.SessionComplete, PaymentState: charge.PaymentPaid}}
	rpc := newStubReplyClient(t, []byte(`{"failed_lines": []}`))

	u := New(charges, &fakeRefundRepo{byOrder: map[string]*refund.Refund{}}, &fakeMerchantRepo{byID: map[uint32]*MerchantProfile{}}, proc, rpc, newFakeLock())
	u.Now = fixedClock(time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC))

	got, failed, err := u.RefreshChargeStatus(context.Background(), 1, "ord1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected no failed lines, got %v", failed)
	}
	if got.Meta.Progress.Name != charge.StateOrderAppSynced {
		t.Fatalf("expected ORDER_APP_SYNCED, got %s", got.Meta.Progress.Name)
	}
}

func TestFinalizeRefundRejectsUnauthorizedCaller(t *testing.T) {
	merchants := &fakeMerchantRepo{byID: map[uint32]*MerchantProfile{
		42: {ID: 42, SupervisorID: 9},
	}}
	u := New(newFakeChargeRepo(), &fakeRefundRepo{byOrder: map[string]*refund.Refund{}}, merchants, &fakeProcessor{}, nil, newFakeLock())

	_, err := u.FinalizeRefund(context.Background(), FinalizeRefundRequest{CallerID: 5, MerchantID: 42, OrderID: "ord1"})
	if err == nil {
		t.Fatalf("expected authorization error")
	}
}

func TestFinalizeRefundAppliesResolutionAndPaysOut(t *testing.T) {
	charges := newFakeChargeRepo()
	charges.byKey["ord1"] = &charge.Buyer{
		Meta:     charge.Meta{OrderID: "ord1", CreateTime: time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)},
		Currency: money.OrderCurrencySnapshot{Sellers: map[uint32]money.CurrencyRate{7: {Label: money.CurrencyUSD}}},
		Lines:    []*charge.Line{{ID: money.NewOrderLineIdentity(7, 100, 0), AmountOrig: charge.LineAmount{Unit: 500, Total: 2500, Qty: 5}}},
	}
	refunds := &fakeRefundRepo{byOrder: map[string]*refund.Refund{}}
	merchants := &fakeMerchantRepo{byID: map[uint32]*MerchantProfile{
		42: {ID: 42, SupervisorID: 9, ConnectAccountID: "acct_1"},
	}}
	proc := &fakeProcessor{payoutID: "tr_1"}

	returnedBody, err := json.Marshal(replicaRefundWire{
		orderReplicaWire: orderReplicaWire{BuyerRateLabel: "USD", BuyerRate: "1"},
		Returns: []struct {
			StoreID     uint32 `json:"store_id"`
			ProductID   uint64 `json:"product_id"`
			AttrSeq     uint16 `json:"attr_seq"`
			Qty         uint32 `json:"qty"`
			UnitPrice   uint32 `json:"unit_price"`
			TotalPrice  uint32 `json:"total_price"`
			RequestTime string `json:"request_time"`
		}{{StoreID: 7, ProductID: 100, Qty: 5, UnitPrice: 500, TotalPrice: 2500, RequestTime: time.Time{}.UTC().Format(time.RFC3339)}},
	})
	if err != nil {
		t.Fatalf("marshal returns fixture: %v", err)
	}
	rpc := newStubReplyClient(t, returnedBody)

	u := New(charges, refunds, merchants, proc, rpc, newFakeLock())

	res, err := u.FinalizeRefund(context.Background(), FinalizeRefundRequest{
		CallerID: 9, MerchantID: 42, OrderID: "ord1", StoreID: 7,
		Completion: []refund.CompletionLine{{ProductID: 100, ApprovedQty: 3}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.ProcessorErrors) != 0 {
		t.Fatalf("unexpected processor errors: %v", res.ProcessorErrors)
	}
	if len(proc.payoutAmounts) != 1 || proc.payoutAmounts[0] != 1500 {
		t.Fatalf("expected one payout of 1500, got %v", proc.payoutAmounts)
	}
}

func TestMerchantOnboardingCreatesAccountWhenAbsent(t *testing.T) {
	merchants := &fakeMerchantRepo{byID: map[uint32]*MerchantProfile{
		42: {ID: 42},
	}}
	proc := &fakeProcessor{connectAccountID: "acct_new", onboardingLink: stripe.OnboardingLink{AccountID: "acct_new", URL: "https://connect.stripe.com/x"}, onboardingDone: true}

	u := New(newFakeChargeRepo(), &fakeRefundRepo{byOrder: map[string]*refund.Refund{}}, merchants, proc, nil, newFakeLock())

	link, complete, err := u.MerchantOnboarding(context.Background(), 42, "merchant@example.com", "https://refresh", "https://return")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !complete {
		t.Fatalf("expected onboarding complete")
	}
	if link.AccountID != "acct_new" {
		t.Fatalf("unexpected link: %+v", link)
	}
	if merchants.byID[42].ConnectAccountID != "acct_new" {
		t.Fatalf("expected connect account id persisted")
	}
}

type fakeRPC struct{ body []byte }

func (f *fakeRPC) Call(ctx context.Context, route rpcclient.Route, payload any, retry uint8) ([]byte, error) {
	return f.body, nil
}

func newStubReplyClient(t *testing.T, body []byte) *fakeRPC {
	t.Helper()
	return &fakeRPC{body: body}
}

// Package usecase implements the payment-service operations: CreateCharge,
// RefreshChargeStatus, FinalizeRefund, MerchantOnboarding. One struct holds
// every capability (repos, processor, RPC client, lock cache), one method
// per operation.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"storefront-backend/internal/money"
	"storefront-backend/internal/payment/charge"
	"storefront-backend/internal/payment/processor/stripe"
	"storefront-backend/internal/payment/refund"
	"storefront-backend/internal/rpcclient"
)

// ChargeRepo is the persistence capability for buyer charges. The payment
// service wires the SQL-backed internal/payment/repo implementation; kept as
// an interface to mirror internal/order/repo's seam for tests.
type ChargeRepo interface {
	SaveCharge(ctx context.Context, c *charge.Buyer) *money.AppError
	FetchCharge(ctx context.Context, owner uint32, orderID string) (*charge.Buyer, *money.AppError)
	FetchChargesByOrder(ctx context.Context, orderID string) ([]*charge.Buyer, *money.AppError)
}

// RefundRepo is the persistence capability for merchant refund ledgers.
type RefundRepo interface {
	FetchRefund(ctx context.Context, orderID string) (*refund.Refund, *money.AppError)
	SaveRefund(ctx context.Context, r *refund.Refund) *money.AppError
}

// MerchantRepo resolves merchant-profile and store-profile replicas.
type MerchantRepo interface {
	FetchMerchant(ctx context.Context, merchantID uint32) (*MerchantProfile, *money.AppError)
	SaveMerchant(ctx context.Context, m *MerchantProfile) *money.AppError
}

// OrderLock is the per-order sync lock capability (internal/lockcache.Cache
// satisfies this).
type OrderLock interface {
	Acquire(ctx context.Context, orderID string) (release func(context.Context), err error)
}

// RPCCaller is the order-service RPC capability (internal/rpcclient.Client
// satisfies this).
type RPCCaller interface {
	Call(ctx context.Context, route rpcclient.Route, payload any, retry uint8) ([]byte, error)
}

// MerchantProfile is the replicated merchant record: staff roster for
// refund authorization plus the processor-side account id.
type MerchantProfile struct {
	ID               uint32
	Name             string
	SupervisorID     uint32
	StaffIDs         []uint32
	LastUpdate       time.Time
	ConnectAccountID string
}

func (m *MerchantProfile) authorized(callerID uint32) bool {
	if callerID == m.SupervisorID {
		return true
	}
	for _, id := range m.StaffIDs {
		if id == callerID {
			return true
		}
	}
	return false
}

// Processor is the pay-in + payout capability (internal/payment/processor/stripe
// satisfies this).
type Processor interface {
	CreateCheckoutSession(ctx context.Context, orderID string, amountTotal uint32, currencyLabel string, connectedAccountID string, mode stripe.UIMode) (charge.Charge3party, error)
	RefreshSnapshot(ctx context.Context, sessionID string) (charge.Charge3party, error)
	CreateConnectAccount(ctx context.Context, merchantEmail string) (string, error)
	CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (stripe.OnboardingLink, error)
	OnboardingComplete(ctx context.Context, accountID string) (bool, error)
	TransferPayout(ctx context.Context, destinationAccountID string, amount int64, currency string) (string, error)
}

type PaymentUseCases struct {
	Charges   ChargeRepo
	Refunds   RefundRepo
	Merchants MerchantRepo
	Processor Processor
	RPC       RPCCaller
	Locks     OrderLock
	Now       func() time.Time
}

func New(charges ChargeRepo, refunds RefundRepo, merchants MerchantRepo, proc Processor, rpc RPCCaller, locks OrderLock) *PaymentUseCases {
	return &PaymentUseCases{Charges: charges, Refunds: refunds, Merchants: merchants, Processor: proc, RPC: rpc, Locks: locks, Now: time.Now}
}

// CreateChargeRequest is the validated input to CreateCharge.
type CreateChargeRequest struct {
	Owner              uint32
	OrderID            string
	ConnectedAccountID string
	Currency           string
	UIMode             stripe.UIMode
}

// CreateCharge replicates the order locally (under the per-order sync
// lock, at most once concurrently) if not already replicated, then starts
// pay-in with the processor, persisting the resulting charge even if the
// processor has not yet completed it.
func (u *PaymentUseCases) CreateCharge(ctx context.Context, req CreateChargeRequest) (*charge.Buyer, error) {
	existing, aerr := u.Charges.FetchCharge(ctx, req.Owner, req.OrderID)
	if aerr != nil && aerr.Code != money.ErrNotExist {
		return nil, aerr
	}
	if existing == nil {
		release, err := u.Locks.Acquire(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
		defer release(ctx)

		replyBody, err := u.RPC.Call(ctx, rpcclient.RouteOrderReservedReplicaPayment, map[string]string{"order_id": req.OrderID}, 2)
		if err != nil {
			return nil, fmt.Errorf("createcharge: replicate order: %w", err)
		}
		ls, lines, err := decodeOrderReplica(replyBody)
		if err != nil {
			return nil, err
		}
		existing = &charge.Buyer{
			Meta:     charge.Meta{Owner: req.Owner, OrderID: req.OrderID, CreateTime: u.Now()},
			Lines:    lines,
			Currency: ls,
		}
	}

	snapshot, err := u.Processor.CreateCheckoutSession(ctx, req.OrderID, totalAmount(existing.Lines), req.Currency, req.ConnectedAccountID, req.UIMode)
	if err != nil {
		return existing, fmt.Errorf("createcharge: processor pay-in: %w", err)
	}
	existing.Meta.UpdateThirdParty(snapshot)
	existing.Meta.UpdateProgress(charge.StateProcessorAccepted, u.Now())

	if aerr := u.Charges.SaveCharge(ctx, existing); aerr != nil {
		return existing, aerr
	}
	return existing, nil
}

func totalAmount(lines []*charge.Line) uint32 {
	var sum uint32
	for _, l := range lines {
		sum += l.AmountOrig.Total
	}
	return sum
}

// orderReplicaWire is the RPC reply body for order_reserved_replica_payment:
// a currency snapshot plus the reserved lines.
type orderReplicaWire struct {
	BuyerRateLabel string `json:"buyer_rate_label"`
	BuyerRate      string `json:"buyer_rate"`
	Sellers        []struct {
		StoreID uint32 `json:"store_id"`
		Label   string `json:"label"`
		Rate    string `json:"rate"`
	} `json:"sellers"`
	Lines []struct {
		StoreID   uint32 `json:"store_id"`
		ProductID uint64 `json:"product_id"`
		AttrSeq   uint16 `json:"attr_seq"`
		Unit      uint32 `json:"unit"`
		Total     uint32 `json:"total"`
		Qty       uint32 `json:"qty"`
	} `json:"lines"`
}

// decodeOrderReplica unmarshals the replica RPC reply into the currency
// snapshot and charge lines CreateCharge persists locally.
func decodeOrderReplica(body []byte) (money.OrderCurrencySnapshot, []*charge.Line, error) {
	var wire orderReplicaWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return money.OrderCurrencySnapshot{}, nil, fmt.Errorf("decodeOrderReplica: %w", err)
	}
	return convertOrderReplicaWire(wire)
}

func convertOrderReplicaWire(wire orderReplicaWire) (money.OrderCurrencySnapshot, []*charge.Line, error) {
	buyerRate, err := decimal.NewFromString(wire.BuyerRate)
	if err != nil {
		return money.OrderCurrencySnapshot{}, nil, fmt.Errorf("convertOrderReplicaWire: buyer rate: %w", err)
	}
	snapshot := money.OrderCurrencySnapshot{
		Buyer:   money.CurrencyRate{Label: money.CurrencyLabel(wire.BuyerRateLabel), Rate: buyerRate},
		Sellers: make(map[uint32]money.CurrencyRate, len(wire.Sellers)),
	}
	for _, s := range wire.Sellers {
		rate, err := decimal.NewFromString(s.Rate)
		if err != nil {
			return money.OrderCurrencySnapshot{}, nil, fmt.Errorf("convertOrderReplicaWire: seller %d rate: %w", s.StoreID, err)
		}
		snapshot.Sellers[s.StoreID] = money.CurrencyRate{Label: money.CurrencyLabel(s.Label), Rate: rate}
	}

	lines := make([]*charge.Line, 0, len(wire.Lines))
	for _, l := range wire.Lines {
		lines = append(lines, &charge.Line{
			ID:         money.NewOrderLineIdentity(l.StoreID, l.ProductID, l.AttrSeq),
			AmountOrig: charge.LineAmount{Unit: l.Unit, Total: l.Total, Qty: l.Qty},
		})
	}
	return snapshot, lines, nil
}

// replicaRefundWire mirrors internal/order/rpcserver.replicaRefundWire
// exactly — the two services never import each other, so the wire shape is
// duplicated rather than shared; the RPC boundary is a wire contract, not
// a Go interface. One row per accepted return request, not a summed total,
// since refund.RawLine needs each request's own (qty, unit, total, time)
// to build one OLineRefund per request.
type replicaRefundWire struct {
	orderReplicaWire
	Returns []struct {
		StoreID     uint32 `json:"store_id"`
		ProductID   uint64 `json:"product_id"`
		AttrSeq     uint16 `json:"attr_seq"`
		Qty         uint32 `json:"qty"`
		UnitPrice   uint32 `json:"unit_price"`
		TotalPrice  uint32 `json:"total_price"`
		RequestTime string `json:"request_time"`
	} `json:"returns"`
}

// decodeOrderReturnReplica unmarshals the order_returned_replica_refund RPC
// reply into the currency snapshot/lines (as decodeOrderReplica does) plus
// the raw return-request rows refund.TryFromRaw needs to build the
// merchant-facing OLineRefund ledger.
func decodeOrderReturnReplica(body []byte) (money.OrderCurrencySnapshot, []*charge.Line, []refund.RawLine, error) {
	var wire replicaRefundWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return money.OrderCurrencySnapshot{}, nil, nil, fmt.Errorf("decodeOrderReturnReplica: %w", err)
	}
	snapshot, lines, err := convertOrderReplicaWire(wire.orderReplicaWire)
	if err != nil {
		return money.OrderCurrencySnapshot{}, nil, nil, err
	}

	rawLines := make([]refund.RawLine, 0, len(wire.Returns))
	for _, r := range wire.Returns {
		t, terr := time.Parse(time.RFC3339, r.RequestTime)
		if terr != nil {
			return money.OrderCurrencySnapshot{}, nil, nil, fmt.Errorf("decodeOrderReturnReplica: request_time %q: %w", r.RequestTime, terr)
		}
		rawLines = append(rawLines, refund.RawLine{
			StoreID: r.StoreID, ProductID: r.ProductID, AttrSeq: r.AttrSeq,
			UnitRaw: strconv.FormatUint(uint64(r.UnitPrice), 10), TotalRaw: strconv.FormatUint(uint64(r.TotalPrice), 10),
			Qty: r.Qty, CreateTime: t,
		})
	}
	return snapshot, lines, rawLines, nil
}

// syncRefundLedger pulls the order service's current return requests over
// RouteOrderReturnedReplicaRefund and folds any that aren't already in the
// local refund ledger into it via refund.TryFromRaw. Without this, a
// merchant's completion request has nothing to resolve against but
// whatever FetchRefund already persisted — which is empty for an order
// that has never had FinalizeRefund called on it before, making the whole
// merchant-driven refund flow unreachable.
func (u *PaymentUseCases) syncRefundLedger(ctx context.Context, orderID string, existing *refund.Refund) (*refund.Refund, error) {
	replyBody, err := u.RPC.Call(ctx, rpcclient.RouteOrderReturnedReplicaRefund, map[string]string{"order_id": orderID}, 2)
	if err != nil {
		return nil, fmt.Errorf("syncrefundledger: replicate returns: %w", err)
	}
	_, _, rawLines, err := decodeOrderReturnReplica(replyBody)
	if err != nil {
		return nil, err
	}
	fresh, parseErrs := refund.TryFromRaw(orderID, rawLines)
	if len(parseErrs) > 0 {
		return nil, fmt.Errorf("syncrefundledger: parse return line: %w", parseErrs[0])
	}

	seen := make(map[string]bool, len(existing.Lines))
	for _, l := range existing.Lines {
		seen[refundLineKey(l.ID, l.CreateTime)] = true
	}
	for _, l := range fresh.Lines {
		if !seen[refundLineKey(l.ID, l.CreateTime)] {
			existing.Lines = append(existing.Lines, l)
		}
	}
	return existing, nil
}

func refundLineKey(id money.OrderLineIdentity, t time.Time) string {
	return fmt.Sprintf("%d|%d|%d|%d", id.StoreID(), id.ProductID(), id.AttrSeqNum(), t.UnixNano())
}

// RefreshChargeStatus polls the processor for the charge's current session
// state, advances the progress machine, and on success pushes the payment
// update to the order service before marking the charge synced. Idempotent:
// an already-synced charge returns immediately without touching the
// processor or the RPC channel.
func (u *PaymentUseCases) RefreshChargeStatus(ctx context.Context, owner uint32, orderID string) (*charge.Buyer, []string, error) {
	c, aerr := u.Charges.FetchCharge(ctx, owner, orderID)
	if aerr != nil {
		return nil, nil, aerr
	}
	if c.Meta.Owner != owner {
		return nil, nil, fmt.Errorf("refreshchargestatus: owner mismatch")
	}
	if c.Meta.Progress.Name == charge.StateOrderAppSynced {
		return c, nil, nil
	}

	if c.Meta.Progress.Name != charge.StateProcessorComplete {
		snapshot, err := u.Processor.RefreshSnapshot(ctx, c.Meta.Method.SessionID)
		if err != nil {
			return nil, nil, fmt.Errorf("refreshchargestatus: processor: %w", err)
		}
		c.Meta.UpdateThirdParty(snapshot)
		if snapshot.DerivedStatus() == charge.StatusEligibleToSync {
			c.Meta.UpdateProgress(charge.StateProcessorComplete, u.Now())
		} else if snapshot.DerivedStatus() == charge.StatusSessionExpired {
			c.Meta.UpdateProgress(charge.StateSessionExpired, u.Now())
		} else if snapshot.DerivedStatus() == charge.StatusPspRefused {
			c.Meta.UpdateProgress(charge.StatePspRefused, u.Now())
		}
		if err := u.Charges.SaveCharge(ctx, c); err != nil {
			return nil, nil, err
		}
	}

	if c.Meta.Progress.Name != charge.StateProcessorComplete {
		return c, nil, nil
	}

	updates := make([]map[string]any, 0, len(c.Lines))
	for _, l := range c.Lines {
		updates = append(updates, map[string]any{
			"store_id": l.ID.StoreID(), "product_id": l.ID.ProductID(), "attr_seq": l.ID.AttrSeqNum(), "qty": l.AmountOrig.Qty,
		})
	}
	replyBody, err := u.RPC.Call(ctx, rpcclient.RouteOrderReservedUpdatePayment, map[string]any{
		"order_id": orderID, "charge_time": c.Meta.Progress.At.UTC().Format(time.RFC3339Nano), "updates": updates,
	}, 2)
	if err != nil {
		return c, nil, fmt.Errorf("refreshchargestatus: rpc: %w", err)
	}
	failedLines, err := decodePaymentUpdateFailures(replyBody)
	if err != nil {
		return c, nil, err
	}
	if len(failedLines) > 0 {
		return c, failedLines, nil
	}
	c.Meta.UpdateProgress(charge.StateOrderAppSynced, u.Now())
	if err := u.Charges.SaveCharge(ctx, c); err != nil {
		return c, nil, err
	}
	return c, nil, nil
}

// paymentUpdateReplyWire is the RPC reply body for
// order_reserved_update_payment: the order lines the order service could
// not apply the payment update to (already cancelled, already paid, or
// stale per paid_last_update).
type paymentUpdateReplyWire struct {
	FailedLines []string `json:"failed_lines"`
}

func decodePaymentUpdateFailures(body []byte) ([]string, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var wire paymentUpdateReplyWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decodePaymentUpdateFailures: %w", err)
	}
	return wire.FailedLines, nil
}

// FinalizeRefundRequest is the caller's refund completion request for one
// order.
type FinalizeRefundRequest struct {
	CallerID   uint32
	MerchantID uint32
	OrderID    string
	StoreID    uint32
	Completion []refund.CompletionLine
}

// FinalizeRefundResult pairs the persisted refund ledger with any
// processor-level errors, which are surfaced alongside a successful
// response rather than aborting the whole batch — partial payout success
// is expected.
type FinalizeRefundResult struct {
	Refund          *refund.Refund
	ProcessorErrors []error
	ChargeRefundMap refund.ChargeRefundMap
}

// FinalizeRefund authorizes the caller against the merchant's staff
// roster, syncs the refund ledger from the order service, then resolves
// the completion request against the order's charges newest-first, paying
// out once per touched charge.
func (u *PaymentUseCases) FinalizeRefund(ctx context.Context, req FinalizeRefundRequest) (*FinalizeRefundResult, error) {
	merchant, aerr := u.Merchants.FetchMerchant(ctx, req.MerchantID)
	if aerr != nil {
		return nil, aerr
	}
	if !merchant.authorized(req.CallerID) {
		return nil, fmt.Errorf("finalizerefund: caller not authorized for merchant %d", req.MerchantID)
	}

	charges, aerr := u.Charges.FetchChargesByOrder(ctx, req.OrderID)
	if aerr != nil {
		return nil, aerr
	}
	for _, c := range charges {
		if c.Meta.OrderID != req.OrderID {
			return nil, fmt.Errorf("finalizerefund: charge belongs to a different order")
		}
	}
	refund.SortChargesNewestFirst(charges)

	r, aerr := u.Refunds.FetchRefund(ctx, req.OrderID)
	if aerr != nil {
		return nil, aerr
	}
	r, err := u.syncRefundLedger(ctx, req.OrderID, r)
	if err != nil {
		return nil, err
	}

	if _, verrs := r.Validate(map[uint32]bool{req.StoreID: true}, req.Completion); len(verrs) > 0 {
		return nil, fmt.Errorf("finalizerefund: %w", verrs[0])
	}

	remaining := req.Completion
	var resolutions []*refund.Resolution
	for _, c := range charges {
		if len(remaining) == 0 {
			break
		}
		res, merr := refund.NewResolution(req.MerchantID, req.StoreID, c, remaining)
		if merr != nil {
			continue
		}
		if len(res.Deltas) == 0 {
			continue
		}
		r.Apply(res)
		res.ApplyToCharge(c)
		if aerr := u.Charges.SaveCharge(ctx, c); aerr != nil {
			return nil, aerr
		}
		resolutions = append(resolutions, res)
		remaining = refund.ReduceResolved(remaining, res)
	}

	chargeByTime := make(map[time.Time]*charge.Buyer, len(charges))
	for _, c := range charges {
		chargeByTime[c.Meta.CreateTime] = c
	}
	var procErrs []error
	for _, res := range resolutions {
		var amount uint32
		for _, d := range res.Deltas {
			amount += d.Amount
		}
		if amount == 0 {
			continue
		}
		// Payout in the seller's snapshot currency: the resolved amounts are
		// seller-currency units, frozen at order creation.
		currency := "usd"
		if c, ok := chargeByTime[res.ChargeCreateTime]; ok {
			if rate, ok := c.Currency.Sellers[req.StoreID]; ok {
				currency = strings.ToLower(string(rate.Label))
			}
		}
		if _, err := u.Processor.TransferPayout(ctx, merchant.ConnectAccountID, int64(amount), currency); err != nil {
			procErrs = append(procErrs, fmt.Errorf("finalizerefund: payout for resolution %s (charge %s@%s): %w",
				res.ID, res.ChargeOrderID, res.ChargeCreateTime, err))
		}
	}

	if err := u.Refunds.SaveRefund(ctx, r); err != nil {
		return nil, err
	}
	return &FinalizeRefundResult{Refund: r, ProcessorErrors: procErrs, ChargeRefundMap: refund.BuildChargeRefundMap(resolutions)}, nil
}

// MerchantOnboarding validates the replicated store profile, creates (or
// reuses) a Connect account, and returns an onboarding link. The
// onboarding-complete flag is recomputed from the processor's capability
// state rather than stored.
func (u *PaymentUseCases) MerchantOnboarding(ctx context.Context, merchantID uint32, merchantEmail, refreshURL, returnURL string) (stripe.OnboardingLink, bool, error) {
	m, aerr := u.Merchants.FetchMerchant(ctx, merchantID)
	if aerr != nil {
		return stripe.OnboardingLink{}, false, aerr
	}
	if m.ConnectAccountID == "" {
		acctID, err := u.Processor.CreateConnectAccount(ctx, merchantEmail)
		if err != nil {
			return stripe.OnboardingLink{}, false, err
		}
		m.ConnectAccountID = acctID
		m.LastUpdate = u.Now()
		if err := u.Merchants.SaveMerchant(ctx, m); err != nil {
			return stripe.OnboardingLink{}, false, err
		}
	}

	link, err := u.Processor.CreateOnboardingLink(ctx, m.ConnectAccountID, refreshURL, returnURL)
	if err != nil {
		return stripe.OnboardingLink{}, false, err
	}
	complete, err := u.Processor.OnboardingComplete(ctx, m.ConnectAccountID)
	if err != nil {
		return link, false, err
	}
	return link, complete, nil
}

// Package stripe adapts the Stripe API (github.com/stripe/stripe-go/v76)
// to the Charge3party / merchant-onboarding capability internal/payment
// needs: checkout session + payment intent for buyer pay-in, Connect
// account + onboarding link + transfer for merchant payout.
package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/account"
	"github.com/stripe/stripe-go/v76/accountlink"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/transfer"

	"storefront-backend/internal/payment/charge"
)

// UIMode selects how the buyer reaches checkout: embedded JS component or
// a hosted redirect page.
type UIMode string

const (
	UIModeEmbeddedJs   UIMode = "embedded"
	UIModeRedirectPage UIMode = "hosted"
)

// subunitMultiplier maps a currency label to the factor converting the
// core's fixed-precision decimal amount into Stripe's integer smallest-unit
// representation.
var subunitMultiplier = map[string]int64{
	"USD": 100, "INR": 100, "TWD": 1, "IDR": 1,
}

// Processor implements the pay-in + payout side of internal/payment's
// processor capability.
type Processor struct {
	APIKey string
}

func New(apiKey string) *Processor {
	stripe.Key = apiKey
	return &Processor{APIKey: apiKey}
}

// CreateCheckoutSession starts a buyer pay-in for one charge, returning the
// session id and the Charge3party snapshot the caller persists immediately,
// even when the session is not yet completed. mode is not set on the
// session params, so every session is created in Stripe's default UI mode.
func (p *Processor) CreateCheckoutSession(ctx context.Context, orderID string, amountTotal uint32, currency string, connectedAccountID string, mode UIMode) (charge.Charge3party, error) {
	mult, ok := subunitMultiplier[currency]
	if !ok {
		return charge.Charge3party{}, fmt.Errorf("stripe: unrecognized currency %q", currency)
	}
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(int64(amountTotal) * mult / 100),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("order " + orderID),
				},
			},
		}},
		ClientReferenceID: stripe.String(orderID),
	}
	if connectedAccountID != "" {
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			TransferData: &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
				Destination: stripe.String(connectedAccountID),
			},
		}
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return charge.Charge3party{}, err
	}
	return charge.Charge3party{
		SessionID:       sess.ID,
		SessionState:    mapSessionState(sess.Status),
		PaymentState:    mapPaymentState(sess.PaymentStatus),
		PaymentIntentID: paymentIntentID(sess),
	}, nil
}

// RefreshSnapshot polls the current checkout session + payment intent
// state, used by RefreshChargeStatus.
func (p *Processor) RefreshSnapshot(ctx context.Context, sessionID string) (charge.Charge3party, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := session.Get(sessionID, params)
	if err != nil {
		return charge.Charge3party{}, err
	}
	return charge.Charge3party{
		SessionID:       sess.ID,
		SessionState:    mapSessionState(sess.Status),
		PaymentState:    mapPaymentState(sess.PaymentStatus),
		PaymentIntentID: paymentIntentID(sess),
	}, nil
}

func paymentIntentID(sess *stripe.CheckoutSession) string {
	if sess.PaymentIntent == nil {
		return ""
	}
	return sess.PaymentIntent.ID
}

func mapSessionState(s stripe.CheckoutSessionStatus) charge.SessionState {
	switch s {
	case stripe.CheckoutSessionStatusComplete:
		return charge.SessionComplete
	case stripe.CheckoutSessionStatusExpired:
		return charge.SessionExpired
	default:
		return charge.SessionOpen
	}
}

func mapPaymentState(s stripe.CheckoutSessionPaymentStatus) charge.PaymentState {
	if s == stripe.CheckoutSessionPaymentStatusPaid {
		return charge.PaymentPaid
	}
	return charge.PaymentUnpaid
}

// VerifyPaymentIntent is a secondary check against the payment intent
// directly, used when a webhook or refresh needs the authoritative state
// rather than the checkout session's summary.
func (p *Processor) VerifyPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	return paymentintent.Get(id, params)
}

// OnboardingLink is the merchant-onboarding capability: creates a Connect
// Express account (if absent) and an account link the merchant follows to
// complete onboarding.
type OnboardingLink struct {
	AccountID string
	URL       string
}

func (p *Processor) CreateConnectAccount(ctx context.Context, merchantEmail string) (string, error) {
	params := &stripe.AccountParams{
		Type:  stripe.String(string(stripe.AccountTypeExpress)),
		Email: stripe.String(merchantEmail),
	}
	params.Context = ctx
	acct, err := account.New(params)
	if err != nil {
		return "", err
	}
	return acct.ID, nil
}

func (p *Processor) CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (OnboardingLink, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx
	link, err := accountlink.New(params)
	if err != nil {
		return OnboardingLink{}, err
	}
	return OnboardingLink{AccountID: accountID, URL: link.URL}, nil
}

// OnboardingComplete recomputes the merchant's onboarding-complete flag
// from the account's current capability set rather than a stored bool.
func (p *Processor) OnboardingComplete(ctx context.Context, accountID string) (bool, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := account.GetByID(accountID, params)
	if err != nil {
		return false, err
	}
	return acct.ChargesEnabled && acct.PayoutsEnabled, nil
}

// TransferPayout moves a resolved refund's offsetting payout to the
// merchant's connected account, invoked once per resolution — i.e. once per
// charge touched by a finalize-refund request.
func (p *Processor) TransferPayout(ctx context.Context, destinationAccountID string, amount int64, currency string) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(currency),
		Destination: stripe.String(destinationAccountID),
	}
	params.Context = ctx
	t, err := transfer.New(params)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

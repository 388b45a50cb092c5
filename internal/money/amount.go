package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CurrencyLabel is the fixed set of ISO-ish currency codes recognized by
// the core; the Stripe adapter enumerates subunit multipliers by the same
// labels.
type CurrencyLabel string

const (
	CurrencyUSD CurrencyLabel = "USD"
	CurrencyTWD CurrencyLabel = "TWD"
	CurrencyINR CurrencyLabel = "INR"
	CurrencyIDR CurrencyLabel = "IDR"
)

// FractionScale returns the number of decimal places a currency's smallest
// unit is quoted to. TWD and IDR commonly trade without fractional
// subunits; the rest default to 2.
func (c CurrencyLabel) FractionScale() int32 {
	switch c {
	case CurrencyTWD, CurrencyIDR:
		return 0
	default:
		return 2
	}
}

// CurrencyRate is a (label, rate-to-base) pair. The base is fixed at USD.
type CurrencyRate struct {
	Label CurrencyLabel
	Rate  decimal.Decimal
}

// OrderCurrencySnapshot is frozen at order creation: one buyer rate and one
// rate per seller (store) touched by the order.
type OrderCurrencySnapshot struct {
	Buyer   CurrencyRate
	Sellers map[uint32]CurrencyRate
}

func (s OrderCurrencySnapshot) ToBuyerRate(storeID uint32) (CurrencyRate, *AppError) {
	sellerRate, ok := s.Sellers[storeID]
	if !ok {
		return CurrencyRate{}, NewAppError(ErrDataCorruption,
			fmt.Sprintf("missing currency snapshot for store %d", storeID))
	}
	// rate-to-buyer = seller-to-base / buyer-to-base, expressed so that
	// seller_amount * rate == buyer_amount.
	if s.Buyer.Rate.IsZero() {
		return CurrencyRate{}, NewAppError(ErrDataCorruption, "buyer currency rate is zero")
	}
	rate := sellerRate.Rate.Div(s.Buyer.Rate)
	return CurrencyRate{Label: s.Buyer.Label, Rate: rate}, nil
}

// Amount is a fixed-precision decimal. Unit * Qty must equal Total by
// construction — enforced at the call sites that build one, not here.
type Amount struct {
	Unit  decimal.Decimal
	Total decimal.Decimal
	Qty   uint32
}

func NewAmount(unit decimal.Decimal, qty uint32) Amount {
	return Amount{Unit: unit, Total: unit.Mul(decimal.NewFromInt(int64(qty))), Qty: qty}
}

// ConvertAndTruncate converts a seller-currency amount to the buyer
// currency using the snapshot rate, truncating to the buyer currency's
// fraction scale.
func (a Amount) ConvertAndTruncate(rate CurrencyRate) Amount {
	scale := rate.Label.FractionScale()
	unit := a.Unit.Mul(rate.Rate).Truncate(scale)
	total := a.Total.Mul(rate.Rate).Truncate(scale)
	return Amount{Unit: unit, Total: total, Qty: a.Qty}
}

// ParseAmount parses a decimal string, wrapping malformed input as a typed
// parse error rather than propagating decimal.NewFromString's raw error.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("malformed decimal %q: %w", raw, err)
	}
	return d, nil
}

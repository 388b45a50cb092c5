// Package charge implements the buyer-side charge: its progress state
// machine, processor snapshot, and line-level refund accounting.
package charge

import (
	"time"

	"storefront-backend/internal/money"
)

// BuyerPayInStateName enumerates the charge progress states. Transitions
// along the chain are forward-only; UpdateProgress silently ignores any
// attempt to regress within it.
type BuyerPayInStateName string

const (
	StateInitialized       BuyerPayInStateName = "INITIALIZED"
	StateProcessorAccepted BuyerPayInStateName = "PROCESSOR_ACCEPTED"
	StateProcessorComplete BuyerPayInStateName = "PROCESSOR_COMPLETED"
	StateOrderAppSynced    BuyerPayInStateName = "ORDER_APP_SYNCED"
	StateSessionExpired    BuyerPayInStateName = "SESSION_EXPIRED"
	StatePspRefused        BuyerPayInStateName = "PSP_REFUSED"
)

// rank orders the forward-progressing states. The failure states
// (SessionExpired, PspRefused) have no rank: a move into one is always
// accepted, and from one of them a move into any chain state is accepted
// too, since there is no current rank to compare against.
var rank = map[BuyerPayInStateName]int{
	StateInitialized:       0,
	StateProcessorAccepted: 1,
	StateProcessorComplete: 2,
	StateOrderAppSynced:    3,
}

// BuyerPayInState pairs a state name with the timestamp it was reached.
type BuyerPayInState struct {
	Name BuyerPayInStateName
	At   time.Time
}

// Meta is the charge's identity and lifecycle state.
type Meta struct {
	Owner      uint32
	OrderID    string
	CreateTime time.Time
	Progress   BuyerPayInState
	Method     Charge3party
}

// Charge3party is the processor-specific payment session snapshot. Stripe
// is the only processor wired (internal/payment/processor/stripe).
// session_state and payment_state are two independent enums; their cross
// product determines the derived web-visible status.
type Charge3party struct {
	SessionID       string
	SessionState    SessionState
	PaymentState    PaymentState
	PaymentIntentID string
	Expiry          time.Time
}

type SessionState string

const (
	SessionOpen     SessionState = "open"
	SessionComplete SessionState = "complete"
	SessionExpired  SessionState = "expired"
)

type PaymentState string

const (
	PaymentUnpaid PaymentState = "unpaid"
	PaymentPaid   PaymentState = "paid"
)

// DerivedStatus is the web-visible status computed from the current
// Charge3party snapshot alone.
type DerivedStatus string

const (
	StatusPspProcessing  DerivedStatus = "PspProcessing"
	StatusEligibleToSync DerivedStatus = "EligibleToSync"
	StatusPspRefused     DerivedStatus = "PspRefused"
	StatusSessionExpired DerivedStatus = "SessionExpired"
)

func (c Charge3party) DerivedStatus() DerivedStatus {
	switch {
	case c.SessionState == SessionExpired:
		return StatusSessionExpired
	case c.SessionState == SessionComplete && c.PaymentState == PaymentPaid:
		return StatusEligibleToSync
	case c.SessionState == SessionComplete && c.PaymentState == PaymentUnpaid:
		return StatusPspRefused
	case c.SessionState == SessionOpen && c.PaymentState == PaymentUnpaid:
		return StatusPspProcessing
	default:
		return StatusPspProcessing
	}
}

// UpdateProgress accepts the transition only if it is a forward move in the
// Initialized->...->OrderAppSynced chain, a transition into one of the two
// failure states, or a move from a failure state (or an empty state) into
// the chain. Regressions within the chain are silently ignored.
func (m *Meta) UpdateProgress(newState BuyerPayInStateName, at time.Time) {
	if newState == StateSessionExpired || newState == StatePspRefused {
		m.Progress = BuyerPayInState{Name: newState, At: at}
		return
	}
	newRank, ok := rank[newState]
	if !ok {
		return
	}
	curRank, curOK := rank[m.Progress.Name]
	if !curOK || newRank > curRank {
		m.Progress = BuyerPayInState{Name: newState, At: at}
	}
}

// UpdateThirdParty replaces the processor snapshot wholesale; the snapshot
// alone determines DerivedStatus, it does not itself advance Progress.
func (m *Meta) UpdateThirdParty(snapshot Charge3party) {
	m.Method = snapshot
}

// LineAmount is a (unit, total, qty) triple in the smallest currency unit.
type LineAmount struct {
	Unit  uint32
	Total uint32
	Qty   uint32
}

// Line is one (store, product, attr_seq) row of a buyer charge.
type Line struct {
	ID           money.OrderLineIdentity
	AmountOrig   LineAmount
	AmountRefund LineAmount
	NumRejected  uint32
}

func (l *Line) RemainingQty() uint32 {
	if l.AmountRefund.Qty+l.NumRejected >= l.AmountOrig.Qty {
		return 0
	}
	return l.AmountOrig.Qty - l.AmountRefund.Qty - l.NumRejected
}

// Buyer is the charge as a whole.
type Buyer struct {
	Meta     Meta
	Lines    []*Line
	Currency money.OrderCurrencySnapshot
}

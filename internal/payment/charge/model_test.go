package charge

import (
	"testing"
	"time"
)

func TestUpdateProgressIgnoresRegression(t *testing.T) {
	m := &Meta{}
	t1 := time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	m.UpdateProgress(StateProcessorComplete, t2)
	if m.Progress.Name != StateProcessorComplete {
		t.Fatalf("expected ProcessorCompleted, got %v", m.Progress.Name)
	}

	m.UpdateProgress(StateProcessorAccepted, t1)
	if m.Progress.Name != StateProcessorComplete {
		t.Fatalf("regression should be ignored, got %v", m.Progress.Name)
	}
}

func TestUpdateProgressAdvancesForward(t *testing.T) {
	m := &Meta{}
	now := time.Now()
	for _, s := range []BuyerPayInStateName{StateInitialized, StateProcessorAccepted, StateProcessorComplete, StateOrderAppSynced} {
		m.UpdateProgress(s, now)
	}
	if m.Progress.Name != StateOrderAppSynced {
		t.Fatalf("expected OrderAppSynced, got %v", m.Progress.Name)
	}
}

func TestUpdateProgressAcceptsTerminalFailureFromAnyState(t *testing.T) {
	m := &Meta{}
	m.UpdateProgress(StateProcessorAccepted, time.Now())
	m.UpdateProgress(StateSessionExpired, time.Now())
	if m.Progress.Name != StateSessionExpired {
		t.Fatalf("expected SessionExpired, got %v", m.Progress.Name)
	}
}

func TestDerivedStatusMapping(t *testing.T) {
	cases := []struct {
		session SessionState
		payment PaymentState
		want    DerivedStatus
	}{
		{SessionOpen, PaymentUnpaid, StatusPspProcessing},
		{SessionComplete, PaymentPaid, StatusEligibleToSync},
		{SessionComplete, PaymentUnpaid, StatusPspRefused},
		{SessionExpired, PaymentUnpaid, StatusSessionExpired},
	}
	for _, c := range cases {
		got := Charge3party{SessionState: c.session, PaymentState: c.payment}.DerivedStatus()
		if got != c.want {
			t.Fatalf("session=%s payment=%s: expected %s, got %s", c.session, c.payment, c.want, got)
		}
	}
}

func TestLineRemainingQty(t *testing.T) {
	l := &Line{AmountOrig: LineAmount{Qty: 10}, AmountRefund: LineAmount{Qty: 3}, NumRejected: 2}
	if l.RemainingQty() != 5 {
		t.Fatalf("expected remaining 5, got %d", l.RemainingQty())
	}
	l2 := &Line{AmountOrig: LineAmount{Qty: 5}, AmountRefund: LineAmount{Qty: 5}}
	if l2.RemainingQty() != 0 {
		t.Fatalf("expected remaining 0, got %d", l2.RemainingQty())
	}
}

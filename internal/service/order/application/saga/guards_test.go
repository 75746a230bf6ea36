package saga

import (
	"testing"

	"ordersaga/internal/service/order/domain"
)

func TestRetryGuard(t *testing.T) {
	guard := RetryGuard(domain.StageValidation, 2)
	s := newSnapshot(t, domain.StateValidationFailed)

	for i := 1; i <= 2; i++ {
		var d Decision
		s, d = guard(s, event("m", domain.EventRetryValidation))
		if !d.Allowed {
			t.Fatalf("attempt %d denied", i)
		}
		if s.Saga.RetryCount(domain.StageValidation) != i {
			t.Fatalf("attempt %d: retries = %d", i, s.Saga.RetryCount(domain.StageValidation))
		}
	}
	_, d := guard(s, event("m", domain.EventRetryValidation))
	if d.Allowed || d.Fallback != domain.EventCancel {
		t.Errorf("exhausted guard decision = %+v, want cancel", d)
	}
	if s.Saga.RetryCount(domain.StageValidation) != 2 {
		t.Errorf("denied guard changed the counter")
	}
}

func TestCELRetryGuard(t *testing.T) {
	factory, err := NewCELRetryGuard(`stage == "payment" ? retries < 1 : retries < max_retries`)
	if err != nil {
		t.Fatalf("NewCELRetryGuard: %v", err)
	}

	payment := factory(domain.StagePayment, 3)
	s := newSnapshot(t, domain.StatePaymentFailed)
	s, d := payment(s, event("m", domain.EventRetryPayment))
	if !d.Allowed || s.Saga.RetryCount(domain.StagePayment) != 1 {
		t.Fatalf("first payment retry: %+v retries=%d", d, s.Saga.RetryCount(domain.StagePayment))
	}
	if _, d = payment(s, event("m", domain.EventRetryPayment)); d.Allowed || d.Fallback != domain.EventCancel {
		t.Errorf("second payment retry allowed: %+v", d)
	}

	shipment := factory(domain.StageShipment, 3)
	s = newSnapshot(t, domain.StateShippingFailed)
	for i := 0; i < 3; i++ {
		s, d = shipment(s, event("m", domain.EventRetryShipment))
		if !d.Allowed {
			t.Fatalf("shipment retry %d denied", i+1)
		}
	}
	if _, d = shipment(s, event("m", domain.EventRetryShipment)); d.Allowed {
		t.Error("expression allowed a retry past the budget")
	}
}

func TestCELRetryGuard_CapsPermissiveExpressions(t *testing.T) {
	factory, err := NewCELRetryGuard(`true`)
	if err != nil {
		t.Fatalf("NewCELRetryGuard: %v", err)
	}
	table, err := NewDefaultTable(Policy{MaxRetries: 1, Timeouts: DefaultPolicy().Timeouts, RetryGuard: factory})
	if err != nil {
		t.Fatalf("NewDefaultTable: %v", err)
	}
	s := newSnapshot(t, domain.StateValidationPending)
	res, _ := table.Fire(s, event("f-1", domain.EventValidationFailed))
	if res.Snapshot.State() != domain.StateValidationPending {
		t.Fatalf("first failure: %s", res.Snapshot.State())
	}
	res, _ = table.Fire(res.Snapshot, event("f-2", domain.EventValidationFailed))
	if res.Snapshot.State() != domain.StateCancelled {
		t.Errorf("second failure: %s, want CANCELLED", res.Snapshot.State())
	}
}

func TestNewCELRetryGuard_Errors(t *testing.T) {
	for _, expr := range []string{`retries <`, `retries + 1`, `unknown_var > 0`} {
		if _, err := NewCELRetryGuard(expr); err == nil {
			t.Errorf("expression %q compiled", expr)
		}
	}
}

package saga

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ordersaga/internal/service/order/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var allEventTypes = []domain.EventType{
	domain.EventOrderCreated, domain.EventOrderUpdated, domain.EventCancel,
	domain.EventValidationSucceeded, domain.EventValidationFailed,
	domain.EventPaymentSucceeded, domain.EventPaymentFailed,
	domain.EventShipmentSucceeded, domain.EventShipmentFailed,
	domain.EventStartPayment, domain.EventStartShipment, domain.EventComplete,
	domain.EventRetryValidation, domain.EventRetryPayment, domain.EventRetryShipment,
}

func testDraft() *domain.OrderDraft {
	return &domain.OrderDraft{
		CustomerID: "c-1",
		Items: []domain.DraftItem{
			{ProductID: "p-1", Quantity: 2, UnitPrice: decimal.RequireFromString("9.99")},
			{ProductID: "p-2", Quantity: 1, UnitPrice: decimal.RequireFromString("5")},
		},
		ShippingAddress: "1 Main St",
	}
}

func newSnapshot(t *testing.T, state domain.State) Snapshot {
	t.Helper()
	order, err := domain.NewOrder("o-1", testDraft(), testNow)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	sg := domain.NewSagaInstance("o-1", testNow)
	sg.CurrentState = state
	order.Status = state
	return Snapshot{Order: order, Saga: sg, At: testNow}
}

func event(id string, typ domain.EventType) domain.Event {
	return domain.Event{
		ID:      id,
		Type:    typ,
		OrderID: "o-1",
		Payload: domain.Payload{OrderID: "o-1"},
		Draft:   testDraft(),
	}
}

func countTypes(cmds []domain.Command, typ domain.CommandType) int {
	n := 0
	for _, c := range cmds {
		if c.Type == typ {
			n++
		}
	}
	return n
}

func TestStep_ValidPairsReachTargetAndFireActionOnce(t *testing.T) {
	transitions := DefaultTransitions(DefaultPolicy())
	calls := make(map[transitionKey]int)
	for i := range transitions {
		tr := transitions[i]
		key := transitionKey{tr.From, tr.On}
		inner := tr.Action
		transitions[i].Action = func(s Snapshot, evt domain.Event) (Snapshot, []domain.Command, error) {
			calls[key]++
			if inner == nil {
				return s, nil, nil
			}
			return inner(s, evt)
		}
	}
	table, err := NewTable(transitions, DefaultPolicy().Timeouts)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	for _, tr := range table.Transitions() {
		name := string(tr.From) + "/" + string(tr.On)
		t.Run(name, func(t *testing.T) {
			s := newSnapshot(t, tr.From)
			res, err := table.Step(s, event("m-1", tr.On))
			if err != nil {
				t.Fatalf("Step: %v", err)
			}
			if !res.Applied {
				t.Fatalf("transition was not applied")
			}
			if got := res.Snapshot.State(); got != tr.To {
				t.Errorf("state = %s, want %s", got, tr.To)
			}
			if got := res.Snapshot.Order.Status; got != tr.To {
				t.Errorf("order status = %s, want %s", got, tr.To)
			}
			if got := calls[transitionKey{tr.From, tr.On}]; got != 1 {
				t.Errorf("action fired %d times, want 1", got)
			}
			if len(res.Path) != 1 || res.Path[0] != (Move{From: tr.From, Event: tr.On, To: tr.To}) {
				t.Errorf("path = %+v", res.Path)
			}
		})
	}
}

func TestStep_UndefinedPairsAreNoOps(t *testing.T) {
	table, err := NewDefaultTable(DefaultPolicy())
	if err != nil {
		t.Fatalf("NewDefaultTable: %v", err)
	}
	for _, st := range domain.AllStates {
		for _, on := range allEventTypes {
			if _, ok := table.Lookup(st, on); ok {
				continue
			}
			s := newSnapshot(t, st)
			res, err := table.Fire(s, event("m-1", on))
			if err != nil {
				t.Fatalf("(%s, %s): unexpected error %v", st, on, err)
			}
			if res.Applied {
				t.Errorf("(%s, %s): expected no-op", st, on)
			}
			if res.Snapshot.State() != st || len(res.Commands) != 0 {
				t.Errorf("(%s, %s): state %s, %d commands", st, on, res.Snapshot.State(), len(res.Commands))
			}
		}
	}
}

func TestStep_TerminalStatesAcceptNothing(t *testing.T) {
	table, err := NewDefaultTable(DefaultPolicy())
	if err != nil {
		t.Fatalf("NewDefaultTable: %v", err)
	}
	for _, st := range []domain.State{domain.StateFulfilled, domain.StateCancelled} {
		for _, on := range allEventTypes {
			if _, ok := table.Lookup(st, on); ok {
				t.Errorf("terminal state %s has a transition on %s", st, on)
			}
		}
	}
}

func TestStep_DoesNotMutateInput(t *testing.T) {
	table, _ := NewDefaultTable(DefaultPolicy())
	s := newSnapshot(t, domain.StatePaymentFailed)

	res, err := table.Step(s, event("m-1", domain.EventRetryPayment))
	if err != nil || !res.Applied {
		t.Fatalf("Step: applied=%v err=%v", res.Applied, err)
	}
	if s.Saga.CurrentState != domain.StatePaymentFailed || s.Saga.RetryCount(domain.StagePayment) != 0 {
		t.Errorf("input snapshot was modified: %+v", s.Saga)
	}
	if res.Snapshot.Saga.RetryCount(domain.StagePayment) != 1 {
		t.Errorf("retry count = %d, want 1", res.Snapshot.Saga.RetryCount(domain.StagePayment))
	}
}

func TestFire_FollowsAutomaticTransitions(t *testing.T) {
	table, _ := NewDefaultTable(DefaultPolicy())

	tests := []struct {
		name     string
		from     domain.State
		on       domain.EventType
		want     domain.State
		pathLen  int
		commands []domain.CommandType
	}{
		{"validation succeeded starts payment", domain.StateValidationPending, domain.EventValidationSucceeded, domain.StatePaymentPending, 2, []domain.CommandType{domain.CommandStartPayment}},
		{"payment succeeded starts shipment", domain.StatePaymentPending, domain.EventPaymentSucceeded, domain.StateShippingPending, 2, []domain.CommandType{domain.CommandStartShipment}},
		{"shipment succeeded completes", domain.StateShippingPending, domain.EventShipmentSucceeded, domain.StateFulfilled, 2, nil},
		{"failure retries", domain.StateShippingPending, domain.EventShipmentFailed, domain.StateShippingPending, 2, []domain.CommandType{domain.CommandStartShipment}},
		{"create requests validation", domain.StateCreated, domain.EventOrderCreated, domain.StateValidationPending, 1, []domain.CommandType{domain.CommandValidateOrder}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := table.Fire(newSnapshot(t, tt.from), event("m-1", tt.on))
			if err != nil {
				t.Fatalf("Fire: %v", err)
			}
			if res.To() != tt.want || res.Snapshot.State() != tt.want {
				t.Errorf("state = %s, want %s", res.Snapshot.State(), tt.want)
			}
			if len(res.Path) != tt.pathLen {
				t.Errorf("path = %+v, want %d moves", res.Path, tt.pathLen)
			}
			if len(res.Commands) != len(tt.commands) {
				t.Fatalf("commands = %+v, want %v", res.Commands, tt.commands)
			}
			for i, typ := range tt.commands {
				if res.Commands[i].Type != typ {
					t.Errorf("command[%d] = %s, want %s", i, res.Commands[i].Type, typ)
				}
			}
		})
	}
}

func TestFire_RetryBudgetForcesCancel(t *testing.T) {
	table, _ := NewDefaultTable(DefaultPolicy())
	s := newSnapshot(t, domain.StatePaymentPending)
	s.Saga.Progress.ValidationRequested = true
	s.Saga.Progress.PaymentRequested = true

	for i := 1; i <= 3; i++ {
		res, err := table.Fire(s, event("fail-"+string(rune('0'+i)), domain.EventPaymentFailed))
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if res.Snapshot.State() != domain.StatePaymentPending {
			t.Fatalf("failure %d: state = %s, want PAYMENT_PENDING", i, res.Snapshot.State())
		}
		if got := res.Snapshot.Saga.RetryCount(domain.StagePayment); got != i {
			t.Fatalf("failure %d: retries = %d", i, got)
		}
		if countTypes(res.Commands, domain.CommandStartPayment) != 1 {
			t.Fatalf("failure %d: commands = %+v", i, res.Commands)
		}
		s = res.Snapshot
	}

	res, err := table.Fire(s, event("fail-4", domain.EventPaymentFailed))
	if err != nil {
		t.Fatalf("fourth failure: %v", err)
	}
	if res.Snapshot.State() != domain.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", res.Snapshot.State())
	}
	want := []Move{
		{From: domain.StatePaymentPending, Event: domain.EventPaymentFailed, To: domain.StatePaymentFailed},
		{From: domain.StatePaymentFailed, Event: domain.EventCancel, To: domain.StateCancelled},
	}
	if len(res.Path) != len(want) || res.Path[0] != want[0] || res.Path[1] != want[1] {
		t.Errorf("path = %+v, want %+v", res.Path, want)
	}
	if countTypes(res.Commands, domain.CommandStartPayment) != 0 {
		t.Errorf("a fourth payment attempt was emitted: %+v", res.Commands)
	}
	if countTypes(res.Commands, domain.CommandRestock) != 2 || countTypes(res.Commands, domain.CommandRefund) != 0 {
		t.Errorf("compensation = %+v, want two restocks and no refund", res.Commands)
	}
}

func TestFire_RedeliveryProducesSameCommand(t *testing.T) {
	table, _ := NewDefaultTable(DefaultPolicy())
	s := newSnapshot(t, domain.StateValidationPending)

	first, _ := table.Fire(s, event("m-7", domain.EventValidationSucceeded))
	second, _ := table.Fire(s, event("m-7", domain.EventValidationSucceeded))
	if len(first.Commands) != 1 || len(second.Commands) != 1 {
		t.Fatalf("commands = %v / %v", first.Commands, second.Commands)
	}
	if first.Commands[0].ID != second.Commands[0].ID {
		t.Errorf("command id differs across redelivery: %s vs %s", first.Commands[0].ID, second.Commands[0].ID)
	}

	// 推进之后再收到同一条结果事件: 查表失败，不再发命令
	again, _ := table.Fire(first.Snapshot, event("m-7", domain.EventValidationSucceeded))
	if again.Applied || len(again.Commands) != 0 {
		t.Errorf("duplicate result was applied: %+v", again)
	}
}

func TestFire_OrderUpdatedRevisesAndRevalidates(t *testing.T) {
	table, _ := NewDefaultTable(DefaultPolicy())
	s := newSnapshot(t, domain.StateValidationPending)

	evt := event("m-2", domain.EventOrderUpdated)
	evt.Draft = &domain.OrderDraft{
		Items: []domain.DraftItem{{ProductID: "p-3", Quantity: 4, UnitPrice: decimal.RequireFromString("2.50")}},
	}
	res, err := table.Fire(s, evt)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if res.Snapshot.State() != domain.StateValidationPending {
		t.Errorf("state = %s", res.Snapshot.State())
	}
	if !res.Snapshot.Order.TotalPrice.Equal(decimal.RequireFromString("10")) {
		t.Errorf("total = %s, want 10", res.Snapshot.Order.TotalPrice)
	}
	if res.Snapshot.Order.ShippingAddress != "1 Main St" {
		t.Errorf("address = %q", res.Snapshot.Order.ShippingAddress)
	}
	if len(res.Commands) != 1 || res.Commands[0].Type != domain.CommandValidateOrder || res.Commands[0].Items[0].ProductID != "p-3" {
		t.Errorf("commands = %+v", res.Commands)
	}

	evt.Draft = &domain.OrderDraft{}
	if _, err := table.Fire(s, evt); !domain.IsPermanent(err) {
		t.Errorf("invalid revision err = %v, want permanent", err)
	}
}

func TestNewTable_RejectsBadTables(t *testing.T) {
	tests := []struct {
		name string
		ts   []Transition
		want string
	}{
		{"duplicate", []Transition{
			{From: domain.StateCreated, On: domain.EventCancel, To: domain.StateCancelled},
			{From: domain.StateCreated, On: domain.EventCancel, To: domain.StateCancelled},
		}, "duplicate"},
		{"terminal source", []Transition{
			{From: domain.StateFulfilled, On: domain.EventCancel, To: domain.StateCancelled},
		}, "terminal"},
		{"unknown state", []Transition{
			{From: "LIMBO", On: domain.EventCancel, To: domain.StateCancelled},
		}, "unknown"},
		{"two autos", []Transition{
			{From: domain.StatePaymentFailed, On: domain.EventRetryPayment, To: domain.StatePaymentPending, Auto: true},
			{From: domain.StatePaymentFailed, On: domain.EventComplete, To: domain.StateFulfilled, Auto: true},
		}, "automatic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.ts, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}

	if _, err := NewTable(nil, map[domain.Stage]time.Duration{domain.StagePayment: 0}); err == nil {
		t.Error("zero timeout accepted")
	}
}

func TestTable_Timeouts(t *testing.T) {
	table, _ := NewDefaultTable(DefaultPolicy())
	want := map[domain.State]time.Duration{
		domain.StateValidationPending: 30 * time.Second,
		domain.StatePaymentPending:    60 * time.Second,
		domain.StateShippingPending:   120 * time.Second,
	}
	for _, st := range domain.AllStates {
		d, ok := table.Timeout(st)
		if w, armed := want[st]; armed != ok || d != w {
			t.Errorf("Timeout(%s) = %v, %v", st, d, ok)
		}
	}
}

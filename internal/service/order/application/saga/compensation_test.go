package saga

import (
	"testing"

	"github.com/shopspring/decimal"

	"ordersaga/internal/service/order/domain"
)

func TestPlanCompensation(t *testing.T) {
	tests := []struct {
		name     string
		progress domain.Progress
		want     []domain.CommandType
	}{
		{"nothing reached", domain.Progress{}, nil},
		{"validation requested", domain.Progress{ValidationRequested: true}, []domain.CommandType{domain.CommandRestock, domain.CommandRestock}},
		{"payment requested but not captured", domain.Progress{ValidationRequested: true, PaymentRequested: true}, []domain.CommandType{domain.CommandRestock, domain.CommandRestock}},
		{"payment captured", domain.Progress{ValidationRequested: true, PaymentRequested: true, PaymentCaptured: true, ShipmentRequested: true},
			[]domain.CommandType{domain.CommandRefund, domain.CommandRestock, domain.CommandRestock}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSnapshot(t, domain.StateShippingPending)
			s.Saga.Progress = tt.progress

			plan := PlanCompensation(s)
			cmds := plan.Commands()
			if plan.Len() != len(tt.want) || len(cmds) != len(tt.want) {
				t.Fatalf("commands = %+v, want %v", cmds, tt.want)
			}
			for i, typ := range tt.want {
				if cmds[i].Type != typ {
					t.Errorf("command[%d] = %s, want %s", i, cmds[i].Type, typ)
				}
				if cmds[i].OrderID != "o-1" {
					t.Errorf("command[%d] order = %s", i, cmds[i].OrderID)
				}
			}
		})
	}
}

func TestPlanCompensation_IdempotencyKeys(t *testing.T) {
	s := newSnapshot(t, domain.StatePaymentSucceeded)
	s.Saga.Progress = domain.Progress{ValidationRequested: true, PaymentCaptured: true}

	first := PlanCompensation(s).Commands()
	second := PlanCompensation(s).Commands()
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("command %d id is not stable: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}

	keys := map[string]bool{}
	for _, c := range first {
		keys[c.IdempotencyKey] = true
	}
	for _, want := range []string{"refund:o-1", "restock:o-1:p-1", "restock:o-1:p-2"} {
		if !keys[want] {
			t.Errorf("missing idempotency key %q in %v", want, keys)
		}
	}

	for _, c := range first {
		if c.Type == domain.CommandRestock && (len(c.Items) != 1 || c.Items[0].ProductID == "") {
			t.Errorf("restock must carry exactly its product: %+v", c)
		}
	}
}

func TestCompensationPlan_LIFO(t *testing.T) {
	var plan CompensationPlan
	plan.Push(domain.Command{ID: "first"})
	plan.Push()
	plan.Push(domain.Command{ID: "second-a"}, domain.Command{ID: "second-b"})

	got := plan.Commands()
	want := []string{"second-a", "second-b", "first"}
	if len(got) != len(want) {
		t.Fatalf("commands = %+v", got)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("command[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestPlanCompensation_MergesRepeatedProducts(t *testing.T) {
	s := newSnapshot(t, domain.StateValidationPending)
	order, err := domain.NewOrder("o-1", &domain.OrderDraft{
		CustomerID: "c-1",
		Items: []domain.DraftItem{
			{ProductID: "sku-1", Quantity: 2, UnitPrice: decimal.NewFromInt(3)},
			{ProductID: "sku-1", Quantity: 3, UnitPrice: decimal.NewFromInt(3)},
		},
	}, testNow)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	s.Order = order
	s, _, _ = requestValidation(s, event("create", domain.EventOrderCreated))

	cmds := PlanCompensation(s).Commands()
	if len(cmds) != 1 {
		t.Fatalf("restocks = %+v, want one per product", cmds)
	}
	if cmds[0].Items[0].ProductID != "sku-1" || cmds[0].Items[0].Quantity != 5 {
		t.Errorf("restock items = %+v, want sku-1 x5", cmds[0].Items)
	}
}

func TestPlanCompensation_RestocksItemsRemovedByUpdate(t *testing.T) {
	s := newSnapshot(t, domain.StateValidationPending)
	s, _, _ = requestValidation(s, event("create", domain.EventOrderCreated))

	upd := event("update", domain.EventOrderUpdated)
	upd.Draft = &domain.OrderDraft{
		CustomerID: "c-1",
		Items:      []domain.DraftItem{{ProductID: "p-3", Quantity: 4, UnitPrice: decimal.NewFromInt(1)}},
	}
	s, _, err := reviseAndRevalidate(s, upd)
	if err != nil {
		t.Fatalf("reviseAndRevalidate: %v", err)
	}

	got := map[string]int{}
	ids := map[string]bool{}
	for _, c := range PlanCompensation(s).Commands() {
		if c.Type != domain.CommandRestock || len(c.Items) != 1 {
			t.Fatalf("unexpected compensation %+v", c)
		}
		got[c.Items[0].ProductID] = c.Items[0].Quantity
		ids[c.ID] = true
	}
	want := map[string]int{"p-1": 2, "p-2": 1, "p-3": 4}
	if len(got) != len(want) || len(ids) != len(want) {
		t.Fatalf("restocks = %v (ids %d), want %v", got, len(ids), want)
	}
	for p, q := range want {
		if got[p] != q {
			t.Errorf("restock %s = %d, want %d", p, got[p], q)
		}
	}
}

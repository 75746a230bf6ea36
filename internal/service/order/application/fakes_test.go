package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ordersaga/internal/service/order/application/saga"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/infrastructure"
	"ordersaga/internal/service/order/port"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu   sync.Mutex
	cmds []domain.Command
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, cmd domain.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.cmds = append(p.cmds, cmd)
	return nil
}

func (p *recordingPublisher) count(typ domain.CommandType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.cmds {
		if c.Type == typ {
			n++
		}
	}
	return n
}

type recordingScheduler struct {
	mu       sync.Mutex
	armed    []domain.Timer
	disarmed []domain.Timer
}

func (s *recordingScheduler) Arm(_ context.Context, t domain.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = append(s.armed, t)
	return nil
}

func (s *recordingScheduler) Disarm(_ context.Context, t domain.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmed = append(s.disarmed, t)
}

func (s *recordingScheduler) last(t *testing.T) domain.Timer {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.armed) == 0 {
		t.Fatal("no timer armed")
	}
	return s.armed[len(s.armed)-1]
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []port.StatusChange
}

func (n *recordingNotifier) NotifyStatus(_ context.Context, c port.StatusChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
}

type memoryCache struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (c *memoryCache) Seen(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids[id], nil
}

func (c *memoryCache) Remember(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ids == nil {
		c.ids = make(map[string]bool)
	}
	c.ids[id] = true
	return nil
}

type recordingProducer struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (p *recordingProducer) Produce(_ context.Context, evt domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

type harness struct {
	t     *testing.T
	repo  *infrastructure.MemoryRepository
	pub   *recordingPublisher
	sched *recordingScheduler
	orch  *SagaOrchestrator
}

func newHarness(t *testing.T, opts ...OrchestratorOption) *harness {
	t.Helper()
	table, err := saga.NewDefaultTable(saga.DefaultPolicy())
	if err != nil {
		t.Fatalf("NewDefaultTable: %v", err)
	}
	h := &harness{
		t:     t,
		repo:  infrastructure.NewMemoryRepository(),
		pub:   &recordingPublisher{},
		sched: &recordingScheduler{},
	}
	opts = append([]OrchestratorOption{WithClock(func() time.Time { return testNow })}, opts...)
	h.orch = NewSagaOrchestrator(h.repo, table, h.pub, h.sched, opts...)
	return h
}

func (h *harness) handle(evt domain.Event, want Outcome) {
	h.t.Helper()
	got, err := h.orch.Handle(context.Background(), evt)
	if err != nil {
		h.t.Fatalf("Handle(%s %s): %v", evt.Type, evt.ID, err)
	}
	if got != want {
		h.t.Fatalf("Handle(%s %s) = %s, want %s", evt.Type, evt.ID, got, want)
	}
}

func (h *harness) state(orderID string) domain.State {
	h.t.Helper()
	sg, order, err := h.repo.Load(context.Background(), orderID)
	if err != nil {
		h.t.Fatalf("Load(%s): %v", orderID, err)
	}
	if order.Status != sg.CurrentState {
		h.t.Fatalf("order status %s diverged from saga state %s", order.Status, sg.CurrentState)
	}
	return sg.CurrentState
}

func testDraft() *domain.OrderDraft {
	return &domain.OrderDraft{
		CustomerID: "c-1",
		Items: []domain.DraftItem{
			{ProductID: "p-1", Quantity: 2, UnitPrice: decimal.RequireFromString("19.90")},
			{ProductID: "p-2", Quantity: 1, UnitPrice: decimal.RequireFromString("5.25")},
		},
		ShippingAddress: "1 Main St",
	}
}

func createdEvent(orderID string) domain.Event {
	return domain.Event{
		ID:      "create-" + orderID,
		Type:    domain.EventOrderCreated,
		OrderID: orderID,
		Payload: domain.Payload{OrderID: orderID},
		Source:  SourceOrderAPI,
		Draft:   testDraft(),
	}
}

func resultEvent(id string, typ domain.EventType, orderID string) domain.Event {
	return domain.Event{
		ID:      id,
		Type:    typ,
		OrderID: orderID,
		Payload: domain.Payload{OrderID: orderID},
		Source:  "test",
	}
}

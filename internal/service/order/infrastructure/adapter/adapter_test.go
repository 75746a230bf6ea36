package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"ordersaga/internal/pkg/mq"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/infrastructure"
	"ordersaga/internal/service/order/port"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

var testTopics = CommandTopics{Inventory: "inventory-commands", Payment: "payment-commands", Shipment: "shipment-commands"}

func TestCommandKafkaAdapter_Routing(t *testing.T) {
	tests := []struct {
		typ   domain.CommandType
		topic string
	}{
		{domain.CommandValidateOrder, "inventory-commands"},
		{domain.CommandRestock, "inventory-commands"},
		{domain.CommandStartPayment, "payment-commands"},
		{domain.CommandRefund, "payment-commands"},
		{domain.CommandStartShipment, "shipment-commands"},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			w := &recordingWriter{}
			a := NewCommandKafkaAdapter(w, testTopics)
			cmd := domain.Command{ID: "c-1", Type: tt.typ, OrderID: "o-1", IdempotencyKey: "k"}
			if err := a.Publish(context.Background(), cmd); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if len(w.msgs) != 1 {
				t.Fatalf("messages = %d", len(w.msgs))
			}
			msg := w.msgs[0]
			if msg.Topic != tt.topic || string(msg.Key) != "o-1" {
				t.Errorf("topic/key = %s/%s", msg.Topic, msg.Key)
			}
			got, err := infrastructure.DecodeCommand(msg.Value)
			if err != nil || got.ID != "c-1" || got.Type != tt.typ {
				t.Errorf("decoded %+v %v", got, err)
			}
		})
	}
}

func TestCommandKafkaAdapter_Errors(t *testing.T) {
	w := &recordingWriter{}
	a := NewCommandKafkaAdapter(w, CommandTopics{Inventory: "inventory-commands"})
	if err := a.Publish(context.Background(), domain.Command{ID: "c-1", Type: domain.CommandRefund, OrderID: "o-1"}); err == nil {
		t.Error("published to an unconfigured topic")
	}

	w.err = errors.New("broker down")
	err := a.Publish(context.Background(), domain.Command{ID: "c-2", Type: domain.CommandRestock, OrderID: "o-1"})
	if !errors.Is(err, w.err) {
		t.Errorf("err = %v", err)
	}
}

func TestSchedulerKafkaAdapter_Arm(t *testing.T) {
	w := &recordingWriter{}
	a := NewSchedulerKafkaAdapter(w, "saga-delay", "order-saga-events")
	deadline := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	timer := domain.Timer{OrderID: "o-1", State: domain.StatePaymentPending, Seq: 4, Deadline: deadline}

	if err := a.Arm(context.Background(), timer); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	msg := w.msgs[0]
	if msg.Topic != "saga-delay-payment" || string(msg.Key) != "o-1" {
		t.Errorf("topic/key = %s/%s", msg.Topic, msg.Key)
	}
	if got := mq.Header(msg.Headers, mq.HeaderRealTopic); got != "order-saga-events" {
		t.Errorf("real-topic = %q", got)
	}
	at, err := time.Parse(time.RFC3339Nano, mq.Header(msg.Headers, mq.HeaderDeliverAt))
	if err != nil || !at.Equal(deadline) {
		t.Errorf("deliver-at = %v %v", at, err)
	}

	evt, err := infrastructure.DecodeEvent(msg.Value)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	want, _ := timer.FailureEvent()
	if evt.ID != want.ID || evt.Type != domain.EventPaymentFailed || evt.TimerSeq != 4 {
		t.Errorf("scheduled event = %+v", evt)
	}

	if err := a.Arm(context.Background(), domain.Timer{OrderID: "o-1", State: domain.StateFulfilled}); err == nil {
		t.Error("armed a timer for a state without a deadline")
	}
}

func TestDelayLevels(t *testing.T) {
	levels := DelayLevels("saga-delay", map[domain.Stage]time.Duration{
		domain.StageValidation: 30 * time.Second,
		domain.StageShipment:   2 * time.Minute,
	})
	if len(levels) != 2 || levels["saga-delay-validation"] != 30*time.Second || levels["saga-delay-shipment"] != 2*time.Minute {
		t.Errorf("levels = %v", levels)
	}
}

func TestReplayKafkaAdapter(t *testing.T) {
	w := &recordingWriter{}
	a := NewReplayKafkaAdapter(w)
	if err := a.Replay(context.Background(), "order-saga-events", []byte("o-1"), []byte("payload")); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	msg := w.msgs[0]
	if msg.Topic != "order-saga-events" || string(msg.Value) != "payload" || mq.Header(msg.Headers, HeaderReplayedAt) == "" {
		t.Errorf("replayed %+v", msg)
	}

	w.err = errors.New("broker down")
	if err := a.Replay(context.Background(), "t", nil, nil); err == nil {
		t.Error("expected error")
	}
}

type countingNotifier struct{ n int }

func (c *countingNotifier) NotifyStatus(context.Context, port.StatusChange) { c.n++ }

func TestNotifiers(t *testing.T) {
	w := &recordingWriter{}
	counter := &countingNotifier{}
	n := Notifiers{NewNotificationKafkaAdapter(w, "order-status-notifications"), counter}

	change := port.StatusChange{OrderID: "o-1", From: domain.StatePaymentPending, To: domain.StateCancelled}
	n.NotifyStatus(context.Background(), change)

	if counter.n != 1 || len(w.msgs) != 1 {
		t.Fatalf("fan-out: counter=%d kafka=%d", counter.n, len(w.msgs))
	}
	var got port.StatusChange
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil || got.To != domain.StateCancelled {
		t.Errorf("notification = %+v %v", got, err)
	}

	// 通知失败不影响其他订阅方
	w.err = errors.New("broker down")
	n.NotifyStatus(context.Background(), change)
	if counter.n != 2 {
		t.Errorf("counter = %d after kafka failure", counter.n)
	}
}

package interfaces

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"ordersaga/internal/pkg/mq"
	"ordersaga/internal/pkg/workerpool"
	"ordersaga/internal/service/order/application"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/infrastructure"
)

const eventsTopic = "order-saga-events"

type stubSagaHandler struct {
	mu       sync.Mutex
	handled  []domain.Event
	timeouts []domain.Timer
	failFor  map[string]error
	calls    map[string]int

	// timeoutFailures 个超时调用先失败，模拟存储短暂不可用
	timeoutFailures int
	timeoutCalls    int
}

func (h *stubSagaHandler) Handle(_ context.Context, evt domain.Event) (application.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls == nil {
		h.calls = map[string]int{}
	}
	h.calls[evt.ID]++
	if err := h.failFor[evt.OrderID]; err != nil {
		return application.OutcomeFailed, err
	}
	h.handled = append(h.handled, evt)
	return application.OutcomeApplied, nil
}

func (h *stubSagaHandler) HandleTimeout(_ context.Context, timer domain.Timer) (application.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeoutCalls++
	if h.timeoutFailures > 0 {
		h.timeoutFailures--
		return application.OutcomeFailed, errors.New("storage unavailable")
	}
	h.timeouts = append(h.timeouts, timer)
	return application.OutcomeApplied, nil
}

func (h *stubSagaHandler) callsFor(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[id]
}

func fastPolicy() mq.RetryPolicy {
	return mq.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func encodedMessage(t *testing.T, offset int64, evt domain.Event) kafka.Message {
	t.Helper()
	b, err := infrastructure.EncodeEvent(evt, time.Now())
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	return kafka.Message{Topic: eventsTopic, Offset: offset, Key: []byte(evt.OrderID), Value: b}
}

func startConsumer(t *testing.T, reader *fakeReader, handler SagaHandler, dlt *recordingWriter) (*SagaEventHandler, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := workerpool.New(ctx, 4, 8)
	consumer := NewSagaEventHandler(reader, handler, dispatcher, mq.NewFailureHandler(dlt), fastPolicy())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Run(ctx)
	}()
	return consumer, func() {
		cancel()
		<-done
		dispatcher.Stop(true)
	}
}

func TestSagaEventHandler_PoisonMessagesGoToDLT(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		encodedMessage(t, 0, domain.Event{ID: "e-1", Type: domain.EventCancel, OrderID: "o-1"}),
		{Topic: eventsTopic, Offset: 1, Key: []byte("o-2"), Value: []byte(`{"not a cloudevent"`)},
		encodedMessage(t, 2, domain.Event{ID: "e-3", Type: domain.EventCancel, OrderID: "o-3"}),
		encodedMessage(t, 3, domain.Event{ID: "e-4", Type: domain.EventCancel, OrderID: "o-4"}),
	}}
	handler := &stubSagaHandler{failFor: map[string]error{
		"o-3": errors.New("database unavailable"),
	}}
	dlt := &recordingWriter{}

	_, stop := startConsumer(t, reader, handler, dlt)
	defer stop()
	waitFor(t, "all offsets committed", func() bool { return reader.committed() == 3 })

	written := dlt.written()
	if len(written) != 2 {
		t.Fatalf("dead letters = %d, want 2", len(written))
	}
	byOffset := map[string]kafka.Message{}
	for _, m := range written {
		if m.Topic != mq.DLTTopic(eventsTopic) {
			t.Errorf("dead letter topic = %s", m.Topic)
		}
		byOffset[mq.Header(m.Headers, mq.HeaderOriginalOffset)] = m
	}
	if m, ok := byOffset["1"]; !ok || mq.Header(m.Headers, mq.HeaderAttempts) != "1" {
		t.Errorf("malformed message must skip retries: %+v", m.Headers)
	}
	if m, ok := byOffset["2"]; !ok || mq.Header(m.Headers, mq.HeaderAttempts) != "3" ||
		mq.Header(m.Headers, mq.HeaderExceptionMessage) != "database unavailable" {
		t.Errorf("transient failure headers: %+v", m.Headers)
	}
	if handler.callsFor("e-3") != 3 {
		t.Errorf("e-3 attempts = %d, want 3", handler.callsFor("e-3"))
	}

	// 其他订单不受影响
	if handler.callsFor("e-1") != 1 || handler.callsFor("e-4") != 1 {
		t.Errorf("healthy orders handled %d/%d times", handler.callsFor("e-1"), handler.callsFor("e-4"))
	}
}

func TestSagaEventHandler_HoldsOffsetWhenDLTUnavailable(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Topic: eventsTopic, Offset: 0, Key: []byte("o-1"), Value: []byte(`garbage`)},
		encodedMessage(t, 1, domain.Event{ID: "e-2", Type: domain.EventCancel, OrderID: "o-2"}),
	}}
	handler := &stubSagaHandler{}
	dlt := &recordingWriter{err: errors.New("broker down")}

	_, stop := startConsumer(t, reader, handler, dlt)
	defer stop()
	waitFor(t, "healthy message handled", func() bool { return handler.callsFor("e-2") == 1 })
	time.Sleep(20 * time.Millisecond)

	if got := reader.committed(); got != -1 {
		t.Errorf("committed offset %d past a message that never reached the DLT", got)
	}
}

func TestSagaEventHandler_SubmitTimeout(t *testing.T) {
	reader := &fakeReader{}
	handler := &stubSagaHandler{}
	consumer, stop := startConsumer(t, reader, handler, &recordingWriter{})
	defer stop()

	consumer.SubmitTimeout(context.Background(), domain.Timer{OrderID: "o-1", State: domain.StatePaymentPending, Seq: 2})
	waitFor(t, "timeout handled", func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.timeouts) == 1
	})
	if handler.timeouts[0].Seq != 2 {
		t.Errorf("timer = %+v", handler.timeouts[0])
	}
}

func TestRoutingKey(t *testing.T) {
	if got := routingKey(kafka.Message{Key: []byte("o-1"), Topic: "t", Partition: 3}); got != "o-1" {
		t.Errorf("keyed message routed by %q", got)
	}
	if got := routingKey(kafka.Message{Topic: "t", Partition: 3}); got != "t/3" {
		t.Errorf("unkeyed message routed by %q", got)
	}
}

func TestSagaEventHandler_RearmsFailedTimeout(t *testing.T) {
	reader := &fakeReader{}
	// fastPolicy 每轮 3 次，第一轮全部失败
	handler := &stubSagaHandler{timeoutFailures: 3}
	consumer, stop := startConsumer(t, reader, handler, &recordingWriter{})
	defer stop()

	supervisor := application.NewTimeoutSupervisor()
	defer supervisor.Stop()
	consumer.SetTimeoutScheduler(supervisor, 10*time.Millisecond)
	supervisor.SetHandler(func(tm domain.Timer) { consumer.SubmitTimeout(context.Background(), tm) })

	timer := domain.Timer{OrderID: "o-1", State: domain.StateValidationPending, Seq: 4, Deadline: time.Now().Add(5 * time.Millisecond)}
	if err := supervisor.Arm(context.Background(), timer); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	waitFor(t, "timeout handled after storage recovered", func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.timeouts) == 1
	})
	handler.mu.Lock()
	got, calls := handler.timeouts[0], handler.timeoutCalls
	handler.mu.Unlock()
	if got.Seq != 4 || got.State != domain.StateValidationPending {
		t.Errorf("re-armed timer = %+v, want seq 4 in VALIDATION_PENDING", got)
	}
	if calls != 4 {
		t.Errorf("HandleTimeout calls = %d, want 4", calls)
	}
	waitFor(t, "supervisor drained", func() bool { return supervisor.Armed() == 0 })
}

func TestSagaEventHandler_FailedTimeoutWithoutSchedulerIsDropped(t *testing.T) {
	reader := &fakeReader{}
	handler := &stubSagaHandler{timeoutFailures: 3}
	consumer, stop := startConsumer(t, reader, handler, &recordingWriter{})
	defer stop()

	consumer.SubmitTimeout(context.Background(), domain.Timer{OrderID: "o-1", State: domain.StatePaymentPending, Seq: 1})
	waitFor(t, "retry budget spent", func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return handler.timeoutCalls == 3
	})
	time.Sleep(30 * time.Millisecond)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.timeoutCalls != 3 || len(handler.timeouts) != 0 {
		t.Errorf("calls = %d handled = %d, want 3 and 0", handler.timeoutCalls, len(handler.timeouts))
	}
}

package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
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

func msgAt(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "saga.events", Partition: partition, Offset: offset}
}

func TestOffsetTracker_CommitsContiguousPrefix(t *testing.T) {
	tr := NewOffsetTracker()
	for off := int64(10); off < 14; off++ {
		tr.Track(msgAt(0, off))
	}
	tr.Track(msgAt(1, 5))

	if _, ok := tr.Done(msgAt(0, 12)); ok {
		t.Fatal("offset 12 committable while 10 and 11 are in flight")
	}
	if m, ok := tr.Done(msgAt(1, 5)); !ok || m.Offset != 5 {
		t.Fatalf("partition 1: got %v %v", m.Offset, ok)
	}
	if m, ok := tr.Done(msgAt(0, 10)); !ok || m.Offset != 10 {
		t.Fatalf("after 10: got %v %v", m.Offset, ok)
	}
	if m, ok := tr.Done(msgAt(0, 11)); !ok || m.Offset != 12 {
		t.Fatalf("after 11: got %v %v, want 12", m.Offset, ok)
	}
	if tr.Pending() != 1 {
		t.Errorf("pending = %d, want 1", tr.Pending())
	}
	if _, ok := tr.Done(msgAt(3, 1)); ok {
		t.Error("untracked partition reported committable")
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	errBoom := errors.New("boom")
	errFatal := errors.New("fatal")
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2}
	isFatal := func(err error) bool { return errors.Is(err, errFatal) }

	tests := []struct {
		name         string
		failures     int
		err          error
		wantAttempts int
		wantErr      error
	}{
		{"first try", 0, nil, 1, nil},
		{"recovers", 2, errBoom, 3, nil},
		{"exhausted", 10, errBoom, 3, errBoom},
		{"permanent skips retries", 10, errFatal, 1, errFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			attempts, err := policy.Do(context.Background(), isFatal, func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			if attempts != tt.wantAttempts || calls != tt.wantAttempts {
				t.Errorf("attempts = %d, calls = %d, want %d", attempts, calls, tt.wantAttempts)
			}
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_StopsOnCancel(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := policy.Do(ctx, nil, func(context.Context) error { return errors.New("boom") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

type stockError struct{ sku string }

func (e *stockError) Error() string { return "out of stock: " + e.sku }

func TestFailureHandler_WritesDeadLetter(t *testing.T) {
	w := &recordingWriter{}
	h := NewFailureHandler(w)
	msg := kafka.Message{
		Topic: "saga.events", Partition: 2, Offset: 41,
		Key: []byte("o-1"), Value: []byte("{not json"),
		Headers: []kafka.Header{{Key: "traceparent", Value: []byte("00-abc")}},
	}
	cause := fmt.Errorf("decode: %w", &stockError{sku: "p-1"})

	if err := h.Handle(context.Background(), msg, cause, 5); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}
	dlt := w.msgs[0]
	if dlt.Topic != "saga.events.DLT" || string(dlt.Key) != "o-1" || string(dlt.Value) != "{not json" {
		t.Errorf("dlt message = %+v", dlt)
	}
	for key, want := range map[string]string{
		HeaderOriginalTopic:     "saga.events",
		HeaderOriginalPartition: "2",
		HeaderOriginalOffset:    "41",
		HeaderExceptionFqcn:     "*mq.stockError",
		HeaderExceptionMessage:  "decode: out of stock: p-1",
		HeaderAttempts:          "5",
		"traceparent":           "00-abc",
	} {
		if got := Header(dlt.Headers, key); got != want {
			t.Errorf("header %s = %q, want %q", key, got, want)
		}
	}
}

func TestFailureHandler_ReportsWriteError(t *testing.T) {
	h := NewFailureHandler(&recordingWriter{err: errors.New("broker down")})
	if err := h.Handle(context.Background(), msgAt(0, 1), errors.New("x"), 1); err == nil {
		t.Error("expected write error")
	}
}

func TestCloudEventRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e, err := NewCloudEvent("evt-1", "PAYMENT_SUCCEEDED", "payment-service", "o-1", at, map[string]string{"orderId": "o-1"})
	if err != nil {
		t.Fatalf("NewCloudEvent: %v", err)
	}
	e.SetExtension("timerseq", "3")
	b, err := MarshalCloudEvent(e)
	if err != nil {
		t.Fatalf("MarshalCloudEvent: %v", err)
	}
	got, err := ParseCloudEvent(b)
	if err != nil {
		t.Fatalf("ParseCloudEvent: %v", err)
	}
	if got.ID() != "evt-1" || got.Type() != "PAYMENT_SUCCEEDED" || got.Subject() != "o-1" || got.Source() != "payment-service" {
		t.Errorf("parsed = %s", got)
	}
	if StringExtension(got, "timerseq") != "3" {
		t.Errorf("timerseq = %q", StringExtension(got, "timerseq"))
	}

	for _, bad := range []string{`{`, `{"specversion":"1.0","type":"x"}`} {
		if _, err := ParseCloudEvent([]byte(bad)); err == nil {
			t.Errorf("ParseCloudEvent(%s) succeeded", bad)
		}
	}
}

func TestInjectExtractTraceContext(t *testing.T) {
	var headers []kafka.Header
	SetHeader(&headers, "a", "1")
	SetHeader(&headers, "a", "2")
	if len(headers) != 1 || Header(headers, "a") != "2" {
		t.Errorf("headers = %+v", headers)
	}
	// 没有活动 span 时注入不应该破坏已有消息头
	InjectTraceContext(context.Background(), &headers)
	if Header(headers, "a") != "2" {
		t.Errorf("existing header lost: %+v", headers)
	}
	_ = ExtractTraceContext(context.Background(), headers)
}

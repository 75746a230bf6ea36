package application

import (
	"context"
	"sync"
	"time"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/metrics"
	"ordersaga/internal/service/order/domain"
)

type armedTimer struct {
	seq   int64
	timer *time.Timer
}

// TimeoutSupervisor 是进程内的阶段超时实现，每个订单最多一个定时器。
// 到期后调用 handler，由 handler 把超时事件送进该订单的串行队列。
type TimeoutSupervisor struct {
	mu      sync.Mutex
	timers  map[string]armedTimer
	handler func(domain.Timer)
	now     func() time.Time
	stopped bool
}

func NewTimeoutSupervisor() *TimeoutSupervisor {
	return &TimeoutSupervisor{timers: make(map[string]armedTimer), now: time.Now}
}

// SetHandler 设置到期回调，必须在第一次 Arm 之前调用。
func (s *TimeoutSupervisor) SetHandler(fn func(domain.Timer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Arm 挂起定时器并替换该订单已有的定时器。
func (s *TimeoutSupervisor) Arm(ctx context.Context, t domain.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	if cur, ok := s.timers[t.OrderID]; ok {
		if cur.seq > t.Seq {
			// 恢复流程可能带着旧的序号，不能覆盖更新的定时器
			return nil
		}
		cur.timer.Stop()
		metrics.ArmedTimers.Dec()
	}
	delay := t.Deadline.Sub(s.now())
	s.timers[t.OrderID] = armedTimer{seq: t.Seq, timer: time.AfterFunc(delay, func() { s.expire(t) })}
	metrics.ArmedTimers.Inc()
	logger.Ctx(ctx).Debug().
		Str("order_id", t.OrderID).
		Str("state", string(t.State)).
		Int64("timer_seq", t.Seq).
		Dur("delay", delay).
		Msg("⏱️ Stage timer armed")
	return nil
}

// Disarm 取消定时器，只在序号匹配时生效。
func (s *TimeoutSupervisor) Disarm(_ context.Context, t domain.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.timers[t.OrderID]; ok && cur.seq == t.Seq {
		cur.timer.Stop()
		delete(s.timers, t.OrderID)
		metrics.ArmedTimers.Dec()
	}
}

func (s *TimeoutSupervisor) expire(t domain.Timer) {
	s.mu.Lock()
	cur, ok := s.timers[t.OrderID]
	if !ok || cur.seq != t.Seq || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, t.OrderID)
	metrics.ArmedTimers.Dec()
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		handler(t)
	}
}

// Armed 返回当前挂起的定时器数量。
func (s *TimeoutSupervisor) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop 取消所有定时器；之后的 Arm 被忽略。
func (s *TimeoutSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, cur := range s.timers {
		cur.timer.Stop()
		delete(s.timers, id)
		metrics.ArmedTimers.Dec()
	}
}

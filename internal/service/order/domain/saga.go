package domain

import "time"

// Progress 记录 Saga 已经推进到哪些步骤，补偿时据此决定要撤销什么。
type Progress struct {
	ValidationRequested bool // 已向库存服务发出校验/预占命令
	PaymentRequested    bool // 已发出支付命令
	PaymentCaptured     bool // 支付已成功
	ShipmentRequested   bool // 已发出发货命令
}

// SagaInstance 是按 orderId 持久化的 Saga 实例。
// 只有编排器会修改它，并且同一 orderId 一次只处理一个事件。
type SagaInstance struct {
	OrderID      string
	CurrentState State
	Retries      map[Stage]int
	Progress     Progress

	// Reserved 历次校验/预占请求涉及的商品并集，每个商品取请求过的最大数量
	Reserved []ItemRef

	// TimerSeq 每次挂起新定时器时递增，用于识别过期的超时事件
	TimerSeq int64
	// Deadline 当前定时器的到期时间，未挂定时器时为 nil
	Deadline *time.Time

	// Version 乐观锁版本号，0 表示尚未持久化
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSagaInstance 创建一个处于 CREATED 状态的新实例。
func NewSagaInstance(orderID string, now time.Time) *SagaInstance {
	return &SagaInstance{
		OrderID:      orderID,
		CurrentState: StateCreated,
		Retries:      make(map[Stage]int, len(Stages)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsTerminal 终态实例不可变。
func (s *SagaInstance) IsTerminal() bool {
	return s.CurrentState.IsTerminal()
}

// RetryCount 返回某阶段已经消耗的重试次数。
func (s *SagaInstance) RetryCount(stage Stage) int {
	return s.Retries[stage]
}

// RecordReservation 把一次校验请求的商品并入 Reserved。
// 同一订单的预占按商品覆盖，所以取最大数量而不是累加。
func (s *SagaInstance) RecordReservation(refs []ItemRef) {
	idx := make(map[string]int, len(s.Reserved))
	for i, r := range s.Reserved {
		idx[r.ProductID] = i
	}
	for _, r := range MergeItemRefs(refs) {
		i, ok := idx[r.ProductID]
		if !ok {
			idx[r.ProductID] = len(s.Reserved)
			s.Reserved = append(s.Reserved, r)
			continue
		}
		if r.Quantity > s.Reserved[i].Quantity {
			s.Reserved[i].Quantity = r.Quantity
		}
	}
}

// ArmedTimer 返回当前挂起的定时器。
func (s *SagaInstance) ArmedTimer() (Timer, bool) {
	if s.Deadline == nil || !s.CurrentState.IsPending() {
		return Timer{}, false
	}
	return Timer{OrderID: s.OrderID, State: s.CurrentState, Seq: s.TimerSeq, Deadline: *s.Deadline}, true
}

// Arm 为当前的 PENDING 状态挂起新定时器。
func (s *SagaInstance) Arm(deadline time.Time) Timer {
	s.TimerSeq++
	d := deadline
	s.Deadline = &d
	return Timer{OrderID: s.OrderID, State: s.CurrentState, Seq: s.TimerSeq, Deadline: d}
}

// Disarm 清除定时器；TimerSeq 保留，过期事件仍能被识别。
func (s *SagaInstance) Disarm() {
	s.Deadline = nil
}

// Clone 深拷贝。
func (s *SagaInstance) Clone() *SagaInstance {
	if s == nil {
		return nil
	}
	c := *s
	c.Retries = make(map[Stage]int, len(s.Retries))
	for k, v := range s.Retries {
		c.Retries[k] = v
	}
	c.Reserved = append([]ItemRef(nil), s.Reserved...)
	if s.Deadline != nil {
		d := *s.Deadline
		c.Deadline = &d
	}
	return &c
}

// TransitionRecord 是 Saga 日志中的一行，记录一次状态迁移。
type TransitionRecord struct {
	OrderID   string
	MessageID string
	From      State
	Event     EventType
	To        State
	At        time.Time
}

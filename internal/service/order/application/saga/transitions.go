package saga

import (
	"time"

	"ordersaga/internal/service/order/domain"
)

// Policy 是迁移表的可调参数。
type Policy struct {
	MaxRetries int
	Timeouts   map[domain.Stage]time.Duration
	// RetryGuard 为空时使用 RetryGuard
	RetryGuard RetryGuardFactory
}

// DefaultPolicy: 每阶段最多重试 3 次，超时 30s / 60s / 120s。
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Timeouts: map[domain.Stage]time.Duration{
			domain.StageValidation: 30 * time.Second,
			domain.StagePayment:    60 * time.Second,
			domain.StageShipment:   120 * time.Second,
		},
	}
}

// DefaultTransitions 返回订单生命周期的完整迁移表。
func DefaultTransitions(p Policy) []Transition {
	guard := p.RetryGuard
	if guard == nil {
		guard = RetryGuard
	}

	ts := []Transition{
		// 下单
		{From: domain.StateCreated, On: domain.EventOrderCreated, To: domain.StateValidationPending, Action: requestValidation},
		// 校验阶段允许修改订单，修改后重新校验
		{From: domain.StateValidationPending, On: domain.EventOrderUpdated, To: domain.StateValidationPending, Action: reviseAndRevalidate},

		// 库存校验
		{From: domain.StateValidationPending, On: domain.EventValidationSucceeded, To: domain.StateValidationSucceeded},
		{From: domain.StateValidationPending, On: domain.EventValidationFailed, To: domain.StateValidationFailed},
		{From: domain.StateValidationSucceeded, On: domain.EventStartPayment, To: domain.StatePaymentPending, Action: requestPayment, Auto: true},

		// 支付
		{From: domain.StatePaymentPending, On: domain.EventPaymentSucceeded, To: domain.StatePaymentSucceeded, Action: markPaymentCaptured},
		{From: domain.StatePaymentPending, On: domain.EventPaymentFailed, To: domain.StatePaymentFailed},
		{From: domain.StatePaymentSucceeded, On: domain.EventStartShipment, To: domain.StateShippingPending, Action: requestShipment, Auto: true},

		// 发货
		{From: domain.StateShippingPending, On: domain.EventShipmentSucceeded, To: domain.StateShippingSucceeded},
		{From: domain.StateShippingPending, On: domain.EventShipmentFailed, To: domain.StateShippingFailed},
		{From: domain.StateShippingSucceeded, On: domain.EventComplete, To: domain.StateFulfilled, Auto: true},
	}

	// 每个阶段: *_FAILED --RETRY_*--> *_PENDING，守卫控制预算
	for _, stage := range domain.Stages {
		ts = append(ts, Transition{
			From:   stage.FailedState(),
			On:     stage.RetryEvent(),
			To:     stage.PendingState(),
			Guard:  guard(stage, p.MaxRetries),
			Action: retryAction(stage),
			Auto:   true,
		})
	}

	// 任意非终态都可以取消
	for _, st := range domain.AllStates {
		if st.IsTerminal() {
			continue
		}
		ts = append(ts, Transition{From: st, On: domain.EventCancel, To: domain.StateCancelled, Action: compensate})
	}
	return ts
}

// NewDefaultTable 按策略构建迁移表。
func NewDefaultTable(p Policy) (*Table, error) {
	return NewTable(DefaultTransitions(p), p.Timeouts)
}

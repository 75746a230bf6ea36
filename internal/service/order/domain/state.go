package domain

// State 定义了订单/Saga 的生命周期状态，同时也是对外暴露的 OrderStatus 闭集。
type State string

const (
	StateCreated             State = "CREATED"              // 初始状态，尚未发出任何命令
	StateValidationPending   State = "VALIDATION_PENDING"   // 等待库存校验结果
	StateValidationSucceeded State = "VALIDATION_SUCCEEDED" // 库存校验通过
	StateValidationFailed    State = "VALIDATION_FAILED"    // 库存校验失败或超时
	StatePaymentPending      State = "PAYMENT_PENDING"      // 等待支付授权结果
	StatePaymentSucceeded    State = "PAYMENT_SUCCEEDED"    // 支付成功
	StatePaymentFailed       State = "PAYMENT_FAILED"       // 支付失败或超时
	StateShippingPending     State = "SHIPPING_PENDING"     // 等待发货结果
	StateShippingSucceeded   State = "SHIPPING_SUCCEEDED"   // 发货成功
	StateShippingFailed      State = "SHIPPING_FAILED"      // 发货失败或超时
	StateFulfilled           State = "FULFILLED"            // 终态: 履约完成
	StateCancelled           State = "CANCELLED"            // 终态: 已取消 (用户主动或重试耗尽)
)

// AllStates 按生命周期顺序列出全部状态。
var AllStates = []State{
	StateCreated,
	StateValidationPending, StateValidationSucceeded, StateValidationFailed,
	StatePaymentPending, StatePaymentSucceeded, StatePaymentFailed,
	StateShippingPending, StateShippingSucceeded, StateShippingFailed,
	StateFulfilled, StateCancelled,
}

// Valid 判断 s 是否属于已定义的状态集合。
func (s State) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal 终态之后 Saga 不再接受任何事件。
func (s State) IsTerminal() bool {
	return s == StateFulfilled || s == StateCancelled
}

// IsPending 判断是否为需要挂超时定时器的 *_PENDING 状态。
func (s State) IsPending() bool {
	_, ok := pendingStages[s]
	return ok
}

// Stage 返回 *_PENDING / *_FAILED 状态所属的阶段。
func (s State) Stage() (Stage, bool) {
	if st, ok := pendingStages[s]; ok {
		return st, true
	}
	st, ok := failedStages[s]
	return st, ok
}

// Stage 是 Saga 的一个业务步骤，每个步骤拥有独立的重试预算和超时时间。
type Stage string

const (
	StageValidation Stage = "validation"
	StagePayment    Stage = "payment"
	StageShipment   Stage = "shipment"
)

// Stages 按执行顺序排列。
var Stages = []Stage{StageValidation, StagePayment, StageShipment}

var (
	pendingStages = map[State]Stage{
		StateValidationPending: StageValidation,
		StatePaymentPending:    StagePayment,
		StateShippingPending:   StageShipment,
	}
	failedStages = map[State]Stage{
		StateValidationFailed: StageValidation,
		StatePaymentFailed:    StagePayment,
		StateShippingFailed:   StageShipment,
	}
)

// PendingState 返回阶段对应的等待状态。
func (s Stage) PendingState() State {
	switch s {
	case StageValidation:
		return StateValidationPending
	case StagePayment:
		return StatePaymentPending
	case StageShipment:
		return StateShippingPending
	}
	return ""
}

// FailedState 返回阶段对应的失败状态。
func (s Stage) FailedState() State {
	switch s {
	case StageValidation:
		return StateValidationFailed
	case StagePayment:
		return StatePaymentFailed
	case StageShipment:
		return StateShippingFailed
	}
	return ""
}

// FailureEvent 是超时后由引擎合成的失败事件。
func (s Stage) FailureEvent() EventType {
	switch s {
	case StageValidation:
		return EventValidationFailed
	case StagePayment:
		return EventPaymentFailed
	case StageShipment:
		return EventShipmentFailed
	}
	return ""
}

// RetryEvent 是 *_FAILED 状态回到 *_PENDING 的自动事件。
func (s Stage) RetryEvent() EventType {
	switch s {
	case StageValidation:
		return EventRetryValidation
	case StagePayment:
		return EventRetryPayment
	case StageShipment:
		return EventRetryShipment
	}
	return ""
}

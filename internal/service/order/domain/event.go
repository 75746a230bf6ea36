package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType 是驱动状态机的事件类型。
type EventType string

const (
	// 来自订单入口的命令
	EventOrderCreated EventType = "ORDER_CREATED"
	EventOrderUpdated EventType = "ORDER_UPDATED"
	EventCancel       EventType = "CANCEL"

	// 协作服务回传的结果事件
	EventValidationSucceeded EventType = "VALIDATION_SUCCEEDED"
	EventValidationFailed    EventType = "VALIDATION_FAILED"
	EventPaymentSucceeded    EventType = "PAYMENT_SUCCEEDED"
	EventPaymentFailed       EventType = "PAYMENT_FAILED"
	EventShipmentSucceeded   EventType = "SHIPMENT_SUCCEEDED"
	EventShipmentFailed      EventType = "SHIPMENT_FAILED"

	// 引擎内部的自动推进事件，不会出现在总线上
	EventStartPayment    EventType = "PAYMENT_START"
	EventStartShipment   EventType = "SHIPMENT_START"
	EventComplete        EventType = "COMPLETE"
	EventRetryValidation EventType = "RETRY_VALIDATION"
	EventRetryPayment    EventType = "RETRY_PAYMENT"
	EventRetryShipment   EventType = "RETRY_SHIPMENT"
)

// InboundEventTypes 是允许从总线进入编排器的事件类型。
var InboundEventTypes = []EventType{
	EventOrderCreated, EventOrderUpdated, EventCancel,
	EventValidationSucceeded, EventValidationFailed,
	EventPaymentSucceeded, EventPaymentFailed,
	EventShipmentSucceeded, EventShipmentFailed,
}

// IsInbound 判断事件类型是否可以从外部投递。
func (t EventType) IsInbound() bool {
	for _, it := range InboundEventTypes {
		if it == t {
			return true
		}
	}
	return false
}

// ItemRef 是跨服务传递的最小商品信息，刻意不包含价格。
type ItemRef struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Payload 是事件信封中的最小载荷。
type Payload struct {
	OrderID string    `json:"orderId"`
	Items   []ItemRef `json:"items"`
}

// OrderDraft 携带创建/修改订单所需的完整数据，只出现在订单入口发出的事件里。
type OrderDraft struct {
	CustomerID      string      `json:"customerId"`
	Items           []DraftItem `json:"items"`
	ShippingAddress string      `json:"shippingAddress"`
}

// DraftItem 是带单价的订单行。
type DraftItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Event 是编排器消费的事件信封。
type Event struct {
	ID      string
	Type    EventType
	OrderID string
	Payload Payload
	Source  string

	// Draft 仅在 ORDER_CREATED / ORDER_UPDATED 上出现
	Draft *OrderDraft
	// TimerSeq 非零表示该事件由超时监督器合成
	TimerSeq int64
}

// Validate 检查信封的结构完整性，失败即视为格式错误的消息。
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if e.OrderID == "" {
		return fmt.Errorf("%w: event %s has no order id", ErrMalformedEvent, e.ID)
	}
	if !e.Type.IsInbound() {
		return fmt.Errorf("%w: unsupported event type %q", ErrMalformedEvent, e.Type)
	}
	if e.Payload.OrderID != "" && e.Payload.OrderID != e.OrderID {
		return fmt.Errorf("%w: payload order id %s does not match %s", ErrMalformedEvent, e.Payload.OrderID, e.OrderID)
	}
	if (e.Type == EventOrderCreated || e.Type == EventOrderUpdated) && e.Draft == nil {
		return fmt.Errorf("%w: %s without order data", ErrMalformedEvent, e.Type)
	}
	return nil
}

// IsTimeout 判断事件是否来自超时监督器。
func (e Event) IsTimeout() bool {
	return e.TimerSeq != 0
}

// CommandType 是发往协作服务的命令类型。
type CommandType string

const (
	CommandValidateOrder CommandType = "ORDER_CREATED"
	CommandStartPayment  CommandType = "PAYMENT_START"
	CommandStartShipment CommandType = "SHIPMENT_START"
	CommandRefund        CommandType = "REFUND"
	CommandRestock       CommandType = "RESTOCK"
)

// IsCompensation 判断命令是否属于补偿命令。
func (t CommandType) IsCompensation() bool {
	return t == CommandRefund || t == CommandRestock
}

// Command 是 Saga 发出的出站命令。
// ID 由幂等键确定性生成，协作服务可据此去重。
type Command struct {
	ID             string      `json:"id"`
	Type           CommandType `json:"type"`
	OrderID        string      `json:"orderId"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Items          []ItemRef   `json:"items"`
}

// Timer 描述一个已挂起的阶段超时。
type Timer struct {
	OrderID  string
	State    State
	Seq      int64
	Deadline time.Time
}

// FailureEvent 构造超时到期时注入的失败事件。
func (t Timer) FailureEvent() (Event, bool) {
	stage, ok := t.State.Stage()
	if !ok || !t.State.IsPending() {
		return Event{}, false
	}
	return Event{
		ID:       fmt.Sprintf("%s:timeout:%s:%d", t.OrderID, stage, t.Seq),
		Type:     stage.FailureEvent(),
		OrderID:  t.OrderID,
		Payload:  Payload{OrderID: t.OrderID},
		Source:   SourceTimeoutSupervisor,
		TimerSeq: t.Seq,
	}, true
}

// SourceTimeoutSupervisor 是合成超时事件的 source 标签。
const SourceTimeoutSupervisor = "saga/timeout-supervisor"

// internal/service/order/application/dto.go
package application

import (
	"time"

	"github.com/shopspring/decimal"

	"ordersaga/internal/service/order/domain"
)

// OrderItemRequest 是下单/改单请求中的一行
type OrderItemRequest struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// CreateOrderRequest 是创建订单用例的输入数据
type CreateOrderRequest struct {
	CustomerID      string             `json:"customerId"`
	Items           []OrderItemRequest `json:"items"`
	ShippingAddress string             `json:"shippingAddress"`
}

// UpdateOrderRequest 替换商品，地址为空时保持不变
type UpdateOrderRequest struct {
	Items           []OrderItemRequest `json:"items"`
	ShippingAddress string             `json:"shippingAddress"`
}

// OrderAcceptedResponse 表示命令已写入事件总线，处理是异步的
type OrderAcceptedResponse struct {
	OrderID string       `json:"orderId"`
	EventID string       `json:"eventId"`
	Status  domain.State `json:"status"`
	Message string       `json:"message"`
}

// TransitionView 是 Saga 日志中的一行
type TransitionView struct {
	From  domain.State     `json:"from"`
	Event domain.EventType `json:"event"`
	To    domain.State     `json:"to"`
	At    time.Time        `json:"at"`
}

// OrderView 是订单查询的输出
type OrderView struct {
	ID              string             `json:"id"`
	CustomerID      string             `json:"customerId"`
	Status          domain.State       `json:"status"`
	Items           []OrderItemRequest `json:"items"`
	TotalPrice      decimal.Decimal    `json:"totalPrice"`
	ShippingAddress string             `json:"shippingAddress"`
	Retries         map[string]int     `json:"retries"`
	Deadline        *time.Time         `json:"deadline,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
	History         []TransitionView   `json:"history"`
}

// DeadLetterView 是死信查询的输出
type DeadLetterView struct {
	ID         string     `json:"id"`
	Topic      string     `json:"topic"`
	Partition  int        `json:"partition"`
	Offset     int64      `json:"offset"`
	Key        string     `json:"key"`
	Payload    string     `json:"payload"`
	Cause      string     `json:"cause"`
	ErrorType  string     `json:"errorType"`
	CreatedAt  time.Time  `json:"createdAt"`
	ReplayedAt *time.Time `json:"replayedAt,omitempty"`
}

func toDraftItems(items []OrderItemRequest) []domain.DraftItem {
	out := make([]domain.DraftItem, 0, len(items))
	for _, it := range items {
		out = append(out, domain.DraftItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return out
}

func toItemRefs(items []OrderItemRequest) []domain.ItemRef {
	out := make([]domain.ItemRef, 0, len(items))
	for _, it := range items {
		out = append(out, domain.ItemRef{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

// ToOrderView 组装订单、Saga 和迁移日志
func ToOrderView(sg *domain.SagaInstance, order *domain.Order, history []domain.TransitionRecord) *OrderView {
	v := &OrderView{
		ID:              order.ID,
		CustomerID:      order.CustomerID,
		Status:          sg.CurrentState,
		TotalPrice:      order.TotalPrice,
		ShippingAddress: order.ShippingAddress,
		Retries:         make(map[string]int, len(sg.Retries)),
		Deadline:        sg.Deadline,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
		History:         make([]TransitionView, 0, len(history)),
	}
	for _, it := range order.Items {
		v.Items = append(v.Items, OrderItemRequest{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	for stage, n := range sg.Retries {
		v.Retries[string(stage)] = n
	}
	for _, h := range history {
		v.History = append(v.History, TransitionView{From: h.From, Event: h.Event, To: h.To, At: h.At})
	}
	return v
}

// ToDeadLetterView 转换死信记录
func ToDeadLetterView(dl domain.DeadLetter) DeadLetterView {
	return DeadLetterView{
		ID:         dl.ID,
		Topic:      dl.Topic,
		Partition:  dl.Partition,
		Offset:     dl.Offset,
		Key:        dl.Key,
		Payload:    string(dl.Payload),
		Cause:      dl.Cause,
		ErrorType:  dl.ErrorType,
		CreatedAt:  dl.CreatedAt,
		ReplayedAt: dl.ReplayedAt,
	}
}

package port

import (
	"context"
	"time"

	"ordersaga/internal/service/order/domain"
)

// StatusChange 是一次提交后的订单状态变化。
type StatusChange struct {
	OrderID string       `json:"orderId"`
	From    domain.State `json:"from"`
	To      domain.State `json:"to"`
	At      time.Time    `json:"at"`
}

// StatusNotifier 向订阅者推送状态变化，推送失败不影响 Saga。
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, change StatusChange)
}

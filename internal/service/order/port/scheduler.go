package port

import (
	"context"

	"ordersaga/internal/service/order/domain"
)

// TimeoutScheduler 是阶段超时的出站端口。
// 到期时实现方需要把 timer.FailureEvent() 送回编排器。
type TimeoutScheduler interface {
	// Arm 挂起一个定时器，同一订单之前的定时器被替换。
	Arm(ctx context.Context, timer domain.Timer) error
	// Disarm 取消定时器；Seq 不匹配时什么也不做。
	Disarm(ctx context.Context, timer domain.Timer)
}

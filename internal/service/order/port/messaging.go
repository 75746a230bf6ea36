package port

import (
	"context"

	"ordersaga/internal/service/order/domain"
)

// CommandPublisher 把 Saga 命令发给协作服务，按 orderId 分区。
type CommandPublisher interface {
	Publish(ctx context.Context, cmd domain.Command) error
}

// EventProducer 把入口命令 (ORDER_CREATED / ORDER_UPDATED / CANCEL) 写到 Saga 事件 topic。
type EventProducer interface {
	Produce(ctx context.Context, evt domain.Event) error
}

// MessageReplayer 把死信原样写回原 topic。
type MessageReplayer interface {
	Replay(ctx context.Context, topic string, key, payload []byte) error
}

// ProcessedCache 是已处理消息 ID 的快速缓存，持久化标记仍以仓储为准。
type ProcessedCache interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Remember(ctx context.Context, messageID string) error
}

// Locker 保证维护任务在多个实例间互斥。
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock() error
}

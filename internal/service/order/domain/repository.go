package domain

import (
	"context"
	"time"
)

// OutboxEntry 是与状态迁移同一事务落库的待发送命令。
type OutboxEntry struct {
	Command      Command
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// UnitOfWork 是编排器每处理一个事件产生的一次原子写入。
type UnitOfWork struct {
	Saga            *SagaInstance
	Order           *Order
	MessageID       string
	ExpectedVersion int64
	Transitions     []TransitionRecord
	Outbox          []OutboxEntry
}

// SagaRepository 定义了 Saga 实例与订单聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type SagaRepository interface {
	// Load 读取 orderId 对应的 Saga 与订单，不存在时返回 ErrSagaNotFound。
	Load(ctx context.Context, orderID string) (*SagaInstance, *Order, error)

	// IsProcessed 判断消息是否已经处理过。
	IsProcessed(ctx context.Context, messageID string) (bool, error)

	// Commit 在一个事务内写入订单、Saga、处理标记、迁移日志和 outbox。
	// 处理标记冲突返回 ErrDuplicateMessage，版本冲突返回 ErrConcurrentModification。
	Commit(ctx context.Context, uow UnitOfWork) error

	// PendingOutbox 返回创建时间早于 before 且尚未发送的命令。
	PendingOutbox(ctx context.Context, before time.Time, limit int) ([]OutboxEntry, error)

	// MarkDispatched 标记命令已发送。
	MarkDispatched(ctx context.Context, commandIDs []string, at time.Time) error

	// ArmedTimers 返回所有仍挂着定时器的非终态 Saga，用于重启恢复。
	ArmedTimers(ctx context.Context) ([]Timer, error)

	// Transitions 按时间顺序返回某订单的迁移日志。
	Transitions(ctx context.Context, orderID string) ([]TransitionRecord, error)
}

// DeadLetter 是一条进入死信通道的消息。
type DeadLetter struct {
	ID         string
	Topic      string
	Partition  int
	Offset     int64
	Key        string
	Payload    []byte
	Cause      string
	ErrorType  string
	CreatedAt  time.Time
	ReplayedAt *time.Time
}

// DeadLetterRepository 保存死信，供带外检查和重放。
type DeadLetterRepository interface {
	Save(ctx context.Context, dl *DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	Get(ctx context.Context, id string) (*DeadLetter, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

package domain

import "errors"

var (
	// ErrMalformedEvent 消息无法反序列化或结构不完整，直接进入死信，不消耗重试预算
	ErrMalformedEvent = errors.New("malformed saga event")
	// ErrInvalidOrder 订单数据不满足聚合不变量
	ErrInvalidOrder = errors.New("invalid order")
	// ErrSagaNotFound 指定 orderId 没有 Saga 实例
	ErrSagaNotFound = errors.New("saga instance not found")
	// ErrDuplicateMessage 消息已经处理过（并发重投时由存储层的唯一约束发现）
	ErrDuplicateMessage = errors.New("message already processed")
	// ErrConcurrentModification 乐观锁冲突，需要重新投递
	ErrConcurrentModification = errors.New("saga instance was modified concurrently")
	// ErrDeadLetterNotFound 死信记录不存在
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// IsPermanent 判断错误是否不值得本地重投。
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrInvalidOrder)
}

package adapter

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/mq"
	"ordersaga/internal/service/order/port"
)

// NotificationKafkaAdapter 实现了 port.StatusNotifier 接口，把状态变化广播到通知 topic。
type NotificationKafkaAdapter struct {
	writer mq.MessageWriter
	topic  string
}

// NewNotificationKafkaAdapter 创建一个新的通知生产者适配器。writer 不能绑定 topic。
func NewNotificationKafkaAdapter(writer mq.MessageWriter, topic string) *NotificationKafkaAdapter {
	return &NotificationKafkaAdapter{writer: writer, topic: topic}
}

func (a *NotificationKafkaAdapter) NotifyStatus(ctx context.Context, change port.StatusChange) {
	b, err := json.Marshal(change)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", change.OrderID).Msg("Failed to marshal status notification")
		return
	}
	msg := kafka.Message{Topic: a.topic, Key: []byte(change.OrderID), Value: b}
	mq.InjectTraceContext(ctx, &msg.Headers)
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", change.OrderID).Msg("Failed to send status notification")
	}
}

// Notifiers 把一次状态变化分发给多个订阅方。
type Notifiers []port.StatusNotifier

func (n Notifiers) NotifyStatus(ctx context.Context, change port.StatusChange) {
	for _, notifier := range n {
		notifier.NotifyStatus(ctx, change)
	}
}

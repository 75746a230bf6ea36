package adapter

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"ordersaga/internal/pkg/mq"
)

// HeaderReplayedAt 标记由死信重放写回的消息
const HeaderReplayedAt = "x-replayed-at"

// ReplayKafkaAdapter 实现了 port.MessageReplayer 接口。
type ReplayKafkaAdapter struct {
	writer mq.MessageWriter
	now    func() time.Time
}

func NewReplayKafkaAdapter(writer mq.MessageWriter) *ReplayKafkaAdapter {
	return &ReplayKafkaAdapter{writer: writer, now: time.Now}
}

func (a *ReplayKafkaAdapter) Replay(ctx context.Context, topic string, key, payload []byte) error {
	msg := kafka.Message{Topic: topic, Key: key, Value: payload}
	mq.SetHeader(&msg.Headers, HeaderReplayedAt, a.now().UTC().Format(time.RFC3339Nano))
	mq.InjectTraceContext(ctx, &msg.Headers)
	return errors.Wrapf(a.writer.WriteMessages(ctx, msg), "replay to %s", topic)
}

package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/mq"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/infrastructure"
)

// DelayTopic 返回某阶段的延迟 topic。每个阶段一个延迟级别，同一 topic 内消息的到期时间单调。
func DelayTopic(prefix string, stage domain.Stage) string {
	return fmt.Sprintf("%s-%s", prefix, stage)
}

// DelayLevels 返回 delay-scheduler 需要轮询的 topic 和对应延迟。
func DelayLevels(prefix string, timeouts map[domain.Stage]time.Duration) map[string]time.Duration {
	levels := make(map[string]time.Duration, len(timeouts))
	for stage, d := range timeouts {
		levels[DelayTopic(prefix, stage)] = d
	}
	return levels
}

// SchedulerKafkaAdapter 实现了 port.TimeoutScheduler 接口。
// 超时事件预先编码好写入延迟 topic，delay-scheduler 到期后原样转发到 Saga 事件 topic。
type SchedulerKafkaAdapter struct {
	writer    mq.MessageWriter
	prefix    string
	realTopic string
	now       func() time.Time
}

// NewSchedulerKafkaAdapter 创建一个新的延迟任务调度器适配器。writer 不能绑定 topic。
func NewSchedulerKafkaAdapter(writer mq.MessageWriter, prefix, realTopic string) *SchedulerKafkaAdapter {
	return &SchedulerKafkaAdapter{writer: writer, prefix: prefix, realTopic: realTopic, now: time.Now}
}

// Arm 实现了发送延迟消息的逻辑。
func (a *SchedulerKafkaAdapter) Arm(ctx context.Context, t domain.Timer) error {
	evt, ok := t.FailureEvent()
	if !ok {
		return fmt.Errorf("state %s has no stage timeout", t.State)
	}
	stage, _ := t.State.Stage()
	value, err := infrastructure.EncodeEvent(evt, a.now().UTC())
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: DelayTopic(a.prefix, stage),
		Key:   []byte(t.OrderID),
		Value: value,
		Headers: []kafka.Header{
			{Key: mq.HeaderRealTopic, Value: []byte(a.realTopic)},
			{Key: mq.HeaderDeliverAt, Value: []byte(t.Deadline.UTC().Format(time.RFC3339Nano))},
		},
	}
	mq.InjectTraceContext(ctx, &msg.Headers)
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "schedule %s timeout for order %s", stage, t.OrderID)
	}
	logger.Ctx(ctx).Debug().
		Str("order_id", t.OrderID).
		Str("topic", msg.Topic).
		Int64("timer_seq", t.Seq).
		Time("deliver_at", t.Deadline).
		Msg("⏱️ Stage timeout scheduled")
	return nil
}

// Disarm 什么也不做: 延迟消息无法撤回，到期后由 TimerSeq 识别为过期事件丢弃。
func (a *SchedulerKafkaAdapter) Disarm(context.Context, domain.Timer) {}

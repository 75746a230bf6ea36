// internal/service/order/interfaces/dlt_handler.go
package interfaces

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/mq"
	"ordersaga/internal/service/order/domain"
)

// DltConsumerAdapter 监听死信队列，记录日志并落库供带外检查和重放
type DltConsumerAdapter struct {
	reader mq.MessageReader
	repo   domain.DeadLetterRepository
	policy mq.RetryPolicy
	now    func() time.Time
}

func NewDltConsumerAdapter(reader mq.MessageReader, repo domain.DeadLetterRepository, policy mq.RetryPolicy) *DltConsumerAdapter {
	return &DltConsumerAdapter{reader: reader, repo: repo, policy: policy, now: time.Now}
}

func (a *DltConsumerAdapter) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Msg("✅ DLT Consumer Adapter started.")
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 DLT Consumer Adapter shutting down.")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("Could not fetch dead letter, retrying...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
		dl := ToDeadLetter(msg, a.now().UTC())
		logDeadLetter(msgCtx, dl)

		if _, err := a.policy.Do(msgCtx, nil, func(ctx context.Context) error {
			return a.repo.Save(ctx, dl)
		}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// 日志里已经有完整内容，不能因为存储故障卡住死信 topic
			logger.Ctx(msgCtx).Error().Err(err).Str("dead_letter_id", dl.ID).Msg("❌ Failed to persist dead letter")
		}

		// DLT中的消息总是直接提交，因为它们已经被"处理"了（即记录日志）
		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit dead letter")
		}
	}
}

// ToDeadLetter 从死信消息头还原原始位置。ID 由原始位置确定，DLT 重复投递时幂等。
func ToDeadLetter(msg kafka.Message, at time.Time) *domain.DeadLetter {
	topic := mq.Header(msg.Headers, mq.HeaderOriginalTopic)
	if topic == "" {
		topic = strings.TrimSuffix(msg.Topic, mq.DLTSuffix)
	}
	partition, _ := strconv.Atoi(mq.Header(msg.Headers, mq.HeaderOriginalPartition))
	offset, _ := strconv.ParseInt(mq.Header(msg.Headers, mq.HeaderOriginalOffset), 10, 64)
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("kafka://%s/%d/%d", topic, partition, offset)))

	return &domain.DeadLetter{
		ID:        id.String(),
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       string(msg.Key),
		Payload:   msg.Value,
		Cause:     mq.Header(msg.Headers, mq.HeaderExceptionMessage),
		ErrorType: mq.Header(msg.Headers, mq.HeaderExceptionFqcn),
		CreatedAt: at,
	}
}

func logDeadLetter(ctx context.Context, dl *domain.DeadLetter) {
	// 使用结构化日志记录，便于后续分析
	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("dead_letter_id", dl.ID).
		Str("original_topic", dl.Topic).
		Int("original_partition", dl.Partition).
		Int64("original_offset", dl.Offset).
		Str("exception_fqcn", dl.ErrorType).
		Str("exception_message", dl.Cause).
		Str("key", dl.Key).
		Str("value", string(dl.Payload)).
		Msg("🚨 CRITICAL: Dead letter message received")
}

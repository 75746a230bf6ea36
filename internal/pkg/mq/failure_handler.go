package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/metrics"
)

// FailureHandler 把处理失败的消息转发到对应的死信 topic。
// writer 不能绑定 topic，目标 topic 写在每条消息上。
type FailureHandler struct {
	writer MessageWriter
}

func NewFailureHandler(writer MessageWriter) *FailureHandler {
	return &FailureHandler{writer: writer}
}

// Handle 携带原始位置和失败原因写入死信 topic。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error, attempts int) error {
	dlt := kafka.Message{
		Topic: DLTTopic(msg.Topic),
		Key:   msg.Key,
		Value: msg.Value,
	}
	// 保留原消息头 (包括追踪头)，再追加死信头
	dlt.Headers = append(dlt.Headers, msg.Headers...)
	SetHeader(&dlt.Headers, HeaderOriginalTopic, msg.Topic)
	SetHeader(&dlt.Headers, HeaderOriginalPartition, strconv.Itoa(msg.Partition))
	SetHeader(&dlt.Headers, HeaderOriginalOffset, strconv.FormatInt(msg.Offset, 10))
	SetHeader(&dlt.Headers, HeaderExceptionFqcn, ErrorType(cause))
	SetHeader(&dlt.Headers, HeaderExceptionMessage, cause.Error())
	SetHeader(&dlt.Headers, HeaderAttempts, strconv.Itoa(attempts))

	if err := h.writer.WriteMessages(ctx, dlt); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("❌ Failed to forward message to DLT")
		return errors.Wrapf(err, "write %s", dlt.Topic)
	}

	metrics.DeadLettersTotal.WithLabelValues(msg.Topic).Inc()
	logger.Ctx(ctx).Warn().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Int("attempts", attempts).
		Err(cause).
		Msgf("☠️ Message moved to %s", dlt.Topic)
	return nil
}

// ErrorType 返回错误链根部的具体类型名。
func ErrorType(err error) string {
	for err != nil {
		err = errors.Cause(err)
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return fmt.Sprintf("%T", err)
}

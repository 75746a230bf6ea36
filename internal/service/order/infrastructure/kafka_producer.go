package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/mq"
	"ordersaga/internal/service/order/domain"
)

// SagaEventProducer 把事件写入 Saga 事件 topic，key 为 orderId。
type SagaEventProducer struct {
	writer mq.MessageWriter
	now    func() time.Time
}

func NewSagaEventProducer(writer mq.MessageWriter) *SagaEventProducer {
	return &SagaEventProducer{writer: writer, now: time.Now}
}

func (p *SagaEventProducer) Produce(ctx context.Context, evt domain.Event) error {
	b, err := EncodeEvent(evt, p.now().UTC())
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("event_id", evt.ID).Msg("Failed to encode saga event")
		return err
	}
	if err := mq.ProduceMessage(ctx, p.writer, []byte(evt.OrderID), b); err != nil {
		return errors.Wrapf(err, "produce %s for order %s", evt.Type, evt.OrderID)
	}
	return nil
}

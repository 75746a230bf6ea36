package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"ordersaga/internal/pkg/mq"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/infrastructure"
)

// CommandTopics 是各协作服务的命令 topic。
type CommandTopics struct {
	Inventory string
	Payment   string
	Shipment  string
}

// CommandKafkaAdapter 实现了 port.CommandPublisher 接口。
// writer 不绑定 topic，按命令类型路由；key 为 orderId，同一订单的命令落在同一分区。
type CommandKafkaAdapter struct {
	writer mq.MessageWriter
	routes map[domain.CommandType]string
	now    func() time.Time
}

// NewCommandKafkaAdapter 创建一个新的命令生产者适配器。
func NewCommandKafkaAdapter(writer mq.MessageWriter, topics CommandTopics) *CommandKafkaAdapter {
	return &CommandKafkaAdapter{
		writer: writer,
		routes: map[domain.CommandType]string{
			domain.CommandValidateOrder: topics.Inventory,
			domain.CommandRestock:       topics.Inventory,
			domain.CommandStartPayment:  topics.Payment,
			domain.CommandRefund:        topics.Payment,
			domain.CommandStartShipment: topics.Shipment,
		},
		now: time.Now,
	}
}

// TopicFor 返回命令类型对应的 topic。
func (a *CommandKafkaAdapter) TopicFor(typ domain.CommandType) (string, bool) {
	topic, ok := a.routes[typ]
	return topic, ok && topic != ""
}

func (a *CommandKafkaAdapter) Publish(ctx context.Context, cmd domain.Command) error {
	topic, ok := a.TopicFor(cmd.Type)
	if !ok {
		return fmt.Errorf("no topic configured for command %s", cmd.Type)
	}
	value, err := infrastructure.EncodeCommand(cmd, a.now().UTC())
	if err != nil {
		return err
	}
	msg := kafka.Message{Topic: topic, Key: []byte(cmd.OrderID), Value: value}
	mq.InjectTraceContext(ctx, &msg.Headers)
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish %s to %s", cmd.Type, topic)
	}
	return nil
}

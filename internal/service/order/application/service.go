// internal/service/order/application/service.go
package application

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/port"
)

// SourceOrderAPI 是订单入口发出的事件的 source 标签
const SourceOrderAPI = "order-api"

// OrderApplicationService 是订单入口: 校验请求后把命令作为事件写入 Saga 总线，立即返回。
// 读侧直接查询仓储。
type OrderApplicationService struct {
	producer port.EventProducer
	repo     domain.SagaRepository
	tracer   trace.Tracer
	newID    func() string
}

func NewOrderApplicationService(producer port.EventProducer, repo domain.SagaRepository) *OrderApplicationService {
	return &OrderApplicationService{
		producer: producer,
		repo:     repo,
		tracer:   otel.Tracer("order-api"),
		newID:    func() string { return uuid.New().String() },
	}
}

// RequestOrderCreation 生成订单 ID 并发出 ORDER_CREATED。
func (s *OrderApplicationService) RequestOrderCreation(ctx context.Context, req *CreateOrderRequest) (*OrderAcceptedResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.RequestOrderCreation")
	defer span.End()

	draft := &domain.OrderDraft{CustomerID: req.CustomerID, Items: toDraftItems(req.Items), ShippingAddress: req.ShippingAddress}
	if draft.CustomerID == "" {
		return nil, fmt.Errorf("%w: customerId is required", domain.ErrInvalidOrder)
	}
	if err := domain.ValidateItems(draft.Items); err != nil {
		return nil, err
	}

	orderID := s.newID()
	evt := domain.Event{
		ID:      s.newID(),
		Type:    domain.EventOrderCreated,
		OrderID: orderID,
		Payload: domain.Payload{OrderID: orderID, Items: toItemRefs(req.Items)},
		Source:  SourceOrderAPI,
		Draft:   draft,
	}
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("customer.id", req.CustomerID))
	// 上游可以通过 baggage 标注下单渠道
	if channel := baggage.FromContext(ctx).Member("sales_channel").Value(); channel != "" {
		span.SetAttributes(attribute.String("order.channel", channel))
	}
	if err := s.produce(ctx, span, evt); err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Info().Str("order_id", orderID).Str("customer_id", req.CustomerID).
		Msg("📨 Order creation request enqueued")
	return &OrderAcceptedResponse{
		OrderID: orderID,
		EventID: evt.ID,
		Status:  domain.StateCreated,
		Message: "Your order is being processed.",
	}, nil
}

// RequestOrderUpdate 发出 ORDER_UPDATED。只有在库存校验阶段的订单会接受修改。
func (s *OrderApplicationService) RequestOrderUpdate(ctx context.Context, orderID string, req *UpdateOrderRequest) (*OrderAcceptedResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.RequestOrderUpdate", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	draft := &domain.OrderDraft{Items: toDraftItems(req.Items), ShippingAddress: req.ShippingAddress}
	if err := domain.ValidateItems(draft.Items); err != nil {
		return nil, err
	}
	sg, _, err := s.repo.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	evt := domain.Event{
		ID:      s.newID(),
		Type:    domain.EventOrderUpdated,
		OrderID: orderID,
		Payload: domain.Payload{OrderID: orderID, Items: toItemRefs(req.Items)},
		Source:  SourceOrderAPI,
		Draft:   draft,
	}
	if err := s.produce(ctx, span, evt); err != nil {
		return nil, err
	}
	return &OrderAcceptedResponse{OrderID: orderID, EventID: evt.ID, Status: sg.CurrentState, Message: "Order update requested."}, nil
}

// RequestCancellation 发出 CANCEL。
func (s *OrderApplicationService) RequestCancellation(ctx context.Context, orderID string) (*OrderAcceptedResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.RequestCancellation", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	sg, order, err := s.repo.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	evt := domain.Event{
		ID:      s.newID(),
		Type:    domain.EventCancel,
		OrderID: orderID,
		Payload: domain.Payload{OrderID: orderID, Items: order.ItemRefs()},
		Source:  SourceOrderAPI,
	}
	if err := s.produce(ctx, span, evt); err != nil {
		return nil, err
	}
	logger.Ctx(ctx).Info().Str("order_id", orderID).Str("state", string(sg.CurrentState)).Msg("🛑 Cancellation requested")
	return &OrderAcceptedResponse{OrderID: orderID, EventID: evt.ID, Status: sg.CurrentState, Message: "Cancellation requested."}, nil
}

// GetOrder 返回订单当前状态和迁移历史。
func (s *OrderApplicationService) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	sg, order, err := s.repo.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	history, err := s.repo.Transitions(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return ToOrderView(sg, order, history), nil
}

func (s *OrderApplicationService) produce(ctx context.Context, span trace.Span, evt domain.Event) error {
	if err := s.producer.Produce(ctx, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to enqueue saga event")
		logger.Ctx(ctx).Error().Err(err).Str("order_id", evt.OrderID).Str("event", string(evt.Type)).
			Msg("❌ Failed to enqueue saga event")
		return err
	}
	span.AddEvent("Saga event sent to Kafka queue.")
	return nil
}

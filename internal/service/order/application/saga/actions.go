package saga

import (
	"fmt"

	"github.com/google/uuid"

	"ordersaga/internal/service/order/domain"
)

// commandNamespace 用于从幂等键派生确定性的命令 ID
var commandNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ordersaga/commands"))

// NewCommand 按幂等键生成命令，同一个键永远得到同一个 ID。
func NewCommand(typ domain.CommandType, orderID, key string, items []domain.ItemRef) domain.Command {
	return domain.Command{
		ID:             uuid.NewSHA1(commandNamespace, []byte(key)).String(),
		Type:           typ,
		OrderID:        orderID,
		IdempotencyKey: key,
		Items:          items,
	}
}

// 正向命令的幂等键绑定触发它的消息，重投同一条消息会得到同一条命令
func stageCommand(typ domain.CommandType, s Snapshot, evt domain.Event) domain.Command {
	key := fmt.Sprintf("%s:%s:%s", s.Saga.OrderID, typ, evt.ID)
	var items []domain.ItemRef
	if s.Order != nil {
		items = s.Order.ItemRefs()
	}
	return NewCommand(typ, s.Saga.OrderID, key, items)
}

// requestValidation 向库存服务发出校验/预占命令。
func requestValidation(s Snapshot, evt domain.Event) (Snapshot, []domain.Command, error) {
	s.Saga.Progress.ValidationRequested = true
	if s.Order != nil {
		s.Saga.RecordReservation(s.Order.ItemRefs())
	}
	return s, []domain.Command{stageCommand(domain.CommandValidateOrder, s, evt)}, nil
}

// reviseAndRevalidate 用新草稿更新订单并重新发起校验。
func reviseAndRevalidate(s Snapshot, evt domain.Event) (Snapshot, []domain.Command, error) {
	if s.Order == nil {
		return s, nil, fmt.Errorf("%w: order %s has no aggregate to revise", domain.ErrInvalidOrder, s.Saga.OrderID)
	}
	if err := s.Order.Revise(evt.Draft, s.At); err != nil {
		return s, nil, err
	}
	return requestValidation(s, evt)
}

func requestPayment(s Snapshot, evt domain.Event) (Snapshot, []domain.Command, error) {
	s.Saga.Progress.PaymentRequested = true
	return s, []domain.Command{stageCommand(domain.CommandStartPayment, s, evt)}, nil
}

func markPaymentCaptured(s Snapshot, _ domain.Event) (Snapshot, []domain.Command, error) {
	s.Saga.Progress.PaymentCaptured = true
	return s, nil, nil
}

func requestShipment(s Snapshot, evt domain.Event) (Snapshot, []domain.Command, error) {
	s.Saga.Progress.ShipmentRequested = true
	return s, []domain.Command{stageCommand(domain.CommandStartShipment, s, evt)}, nil
}

// compensate 按已完成步骤的逆序生成补偿命令。
func compensate(s Snapshot, _ domain.Event) (Snapshot, []domain.Command, error) {
	return s, PlanCompensation(s).Commands(), nil
}

// retryAction 返回某阶段重试时重新发出的命令。
func retryAction(stage domain.Stage) Action {
	switch stage {
	case domain.StageValidation:
		return requestValidation
	case domain.StagePayment:
		return requestPayment
	default:
		return requestShipment
	}
}

package infrastructure

import (
	"encoding/json"

	"github.com/pkg/errors"

	"ordersaga/internal/service/order/domain"
)

// ToDomainSaga 将数据库模型转换为 Saga 实例和订单聚合
func ToDomainSaga(model *OrderSagaModel) (*domain.SagaInstance, *domain.Order, error) {
	var items []domain.OrderItem
	if model.Items != "" {
		if err := json.Unmarshal([]byte(model.Items), &items); err != nil {
			return nil, nil, errors.Wrapf(err, "decode items of order %s", model.OrderID)
		}
	}
	retries := make(map[domain.Stage]int, len(domain.Stages))
	if model.Retries != "" {
		if err := json.Unmarshal([]byte(model.Retries), &retries); err != nil {
			return nil, nil, errors.Wrapf(err, "decode retries of order %s", model.OrderID)
		}
	}
	var reserved []domain.ItemRef
	if model.ReservedItems != "" {
		if err := json.Unmarshal([]byte(model.ReservedItems), &reserved); err != nil {
			return nil, nil, errors.Wrapf(err, "decode reserved items of order %s", model.OrderID)
		}
	}

	state := domain.State(model.Status)
	sg := &domain.SagaInstance{
		OrderID:      model.OrderID,
		CurrentState: state,
		Retries:      retries,
		Progress: domain.Progress{
			ValidationRequested: model.ValidationRequested,
			PaymentRequested:    model.PaymentRequested,
			PaymentCaptured:     model.PaymentCaptured,
			ShipmentRequested:   model.ShipmentRequested,
		},
		Reserved:  reserved,
		TimerSeq:  model.TimerSeq,
		Deadline:  model.Deadline,
		Version:   model.Version,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
	order := &domain.Order{
		ID:              model.OrderID,
		CustomerID:      model.CustomerID,
		Items:           items,
		Status:          state,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
		TotalPrice:      model.TotalPrice,
		ShippingAddress: model.ShippingAddress,
	}
	return sg, order, nil
}

// FromDomainSaga 将 Saga 和订单合并成一行。Version 由仓储决定。
func FromDomainSaga(sg *domain.SagaInstance, order *domain.Order) (*OrderSagaModel, error) {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return nil, errors.Wrap(err, "encode items")
	}
	retries, err := json.Marshal(sg.Retries)
	if err != nil {
		return nil, errors.Wrap(err, "encode retries")
	}
	reserved, err := json.Marshal(sg.Reserved)
	if err != nil {
		return nil, errors.Wrap(err, "encode reserved items")
	}
	return &OrderSagaModel{
		OrderID:             sg.OrderID,
		CustomerID:          order.CustomerID,
		Status:              string(sg.CurrentState),
		Items:               string(items),
		TotalPrice:          order.TotalPrice,
		ShippingAddress:     order.ShippingAddress,
		Retries:             string(retries),
		ReservedItems:       string(reserved),
		ValidationRequested: sg.Progress.ValidationRequested,
		PaymentRequested:    sg.Progress.PaymentRequested,
		PaymentCaptured:     sg.Progress.PaymentCaptured,
		ShipmentRequested:   sg.Progress.ShipmentRequested,
		TimerSeq:            sg.TimerSeq,
		Deadline:            sg.Deadline,
		CreatedAt:           sg.CreatedAt,
		UpdatedAt:           sg.UpdatedAt,
	}, nil
}

// FromDomainTransition 转换迁移日志
func FromDomainTransition(r domain.TransitionRecord) SagaTransitionModel {
	return SagaTransitionModel{
		OrderID:   r.OrderID,
		MessageID: r.MessageID,
		FromState: string(r.From),
		Event:     string(r.Event),
		ToState:   string(r.To),
		CreatedAt: r.At,
	}
}

func ToDomainTransition(m SagaTransitionModel) domain.TransitionRecord {
	return domain.TransitionRecord{
		OrderID:   m.OrderID,
		MessageID: m.MessageID,
		From:      domain.State(m.FromState),
		Event:     domain.EventType(m.Event),
		To:        domain.State(m.ToState),
		At:        m.CreatedAt,
	}
}

func FromDomainOutbox(e domain.OutboxEntry) (SagaOutboxModel, error) {
	items, err := json.Marshal(e.Command.Items)
	if err != nil {
		return SagaOutboxModel{}, errors.Wrapf(err, "encode items of command %s", e.Command.ID)
	}
	return SagaOutboxModel{
		CommandID:      e.Command.ID,
		OrderID:        e.Command.OrderID,
		Type:           string(e.Command.Type),
		IdempotencyKey: e.Command.IdempotencyKey,
		Items:          string(items),
		CreatedAt:      e.CreatedAt,
		DispatchedAt:   e.DispatchedAt,
	}, nil
}

func ToDomainOutbox(m SagaOutboxModel) (domain.OutboxEntry, error) {
	var items []domain.ItemRef
	if m.Items != "" {
		if err := json.Unmarshal([]byte(m.Items), &items); err != nil {
			return domain.OutboxEntry{}, errors.Wrapf(err, "decode items of command %s", m.CommandID)
		}
	}
	return domain.OutboxEntry{
		Command: domain.Command{
			ID:             m.CommandID,
			Type:           domain.CommandType(m.Type),
			OrderID:        m.OrderID,
			IdempotencyKey: m.IdempotencyKey,
			Items:          items,
		},
		CreatedAt:    m.CreatedAt,
		DispatchedAt: m.DispatchedAt,
	}, nil
}

func ToDomainDeadLetter(m *DeadLetterModel) domain.DeadLetter {
	return domain.DeadLetter{
		ID:         m.ID,
		Topic:      m.Topic,
		Partition:  m.Partition,
		Offset:     m.Offset,
		Key:        m.MsgKey,
		Payload:    m.Payload,
		Cause:      m.Cause,
		ErrorType:  m.ErrorType,
		CreatedAt:  m.CreatedAt,
		ReplayedAt: m.ReplayedAt,
	}
}

func FromDomainDeadLetter(dl *domain.DeadLetter) *DeadLetterModel {
	return &DeadLetterModel{
		ID:         dl.ID,
		Topic:      dl.Topic,
		Partition:  dl.Partition,
		Offset:     dl.Offset,
		MsgKey:     dl.Key,
		Payload:    dl.Payload,
		Cause:      dl.Cause,
		ErrorType:  dl.ErrorType,
		CreatedAt:  dl.CreatedAt,
		ReplayedAt: dl.ReplayedAt,
	}
}

package infrastructure

import (
	"fmt"
	"strconv"
	"time"

	"ordersaga/internal/pkg/mq"
	"ordersaga/internal/service/order/domain"
)

// CommandSource 是编排器发出的命令的 source 标签
const CommandSource = "order-saga/orchestrator"

// defaultEventSource 用于没有标注来源的事件
const defaultEventSource = "order-saga"

// extTimerSeq 是合成超时事件携带的扩展属性
const extTimerSeq = "timerseq"

type eventData struct {
	OrderID string             `json:"orderId"`
	Items   []domain.ItemRef   `json:"items"`
	Order   *domain.OrderDraft `json:"order,omitempty"`
}

type commandData struct {
	OrderID        string           `json:"orderId"`
	IdempotencyKey string           `json:"idempotencyKey"`
	Items          []domain.ItemRef `json:"items"`
}

// EncodeEvent 把事件编码为结构化 CloudEvent。
func EncodeEvent(evt domain.Event, at time.Time) ([]byte, error) {
	source := evt.Source
	if source == "" {
		source = defaultEventSource
	}
	ce, err := mq.NewCloudEvent(evt.ID, string(evt.Type), source, evt.OrderID, at, eventData{
		OrderID: evt.OrderID,
		Items:   evt.Payload.Items,
		Order:   evt.Draft,
	})
	if err != nil {
		return nil, err
	}
	if evt.TimerSeq != 0 {
		ce.SetExtension(extTimerSeq, strconv.FormatInt(evt.TimerSeq, 10))
	}
	return mq.MarshalCloudEvent(ce)
}

// DecodeEvent 解码总线上的事件。任何结构问题都归为 ErrMalformedEvent，不值得重试。
func DecodeEvent(b []byte) (domain.Event, error) {
	ce, err := mq.ParseCloudEvent(b)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	var data eventData
	if len(ce.Data()) > 0 {
		if err := ce.DataAs(&data); err != nil {
			return domain.Event{}, fmt.Errorf("%w: event %s data: %v", domain.ErrMalformedEvent, ce.ID(), err)
		}
	}
	orderID := ce.Subject()
	if orderID == "" {
		orderID = data.OrderID
	}
	evt := domain.Event{
		ID:      ce.ID(),
		Type:    domain.EventType(ce.Type()),
		OrderID: orderID,
		Payload: domain.Payload{OrderID: data.OrderID, Items: data.Items},
		Source:  ce.Source(),
		Draft:   data.Order,
	}
	if s := mq.StringExtension(ce, extTimerSeq); s != "" {
		seq, err := strconv.ParseInt(s, 10, 64)
		if err != nil || seq <= 0 {
			return domain.Event{}, fmt.Errorf("%w: event %s has bad timer seq %q", domain.ErrMalformedEvent, ce.ID(), s)
		}
		evt.TimerSeq = seq
	}
	return evt, nil
}

// EncodeCommand 把出站命令编码为 CloudEvent，ID 就是命令的确定性 ID。
func EncodeCommand(cmd domain.Command, at time.Time) ([]byte, error) {
	ce, err := mq.NewCloudEvent(cmd.ID, string(cmd.Type), CommandSource, cmd.OrderID, at, commandData{
		OrderID:        cmd.OrderID,
		IdempotencyKey: cmd.IdempotencyKey,
		Items:          cmd.Items,
	})
	if err != nil {
		return nil, err
	}
	return mq.MarshalCloudEvent(ce)
}

// DecodeCommand 是 EncodeCommand 的逆操作，协作服务一侧使用。
func DecodeCommand(b []byte) (domain.Command, error) {
	ce, err := mq.ParseCloudEvent(b)
	if err != nil {
		return domain.Command{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	var data commandData
	if err := ce.DataAs(&data); err != nil {
		return domain.Command{}, fmt.Errorf("%w: command %s data: %v", domain.ErrMalformedEvent, ce.ID(), err)
	}
	return domain.Command{
		ID:             ce.ID(),
		Type:           domain.CommandType(ce.Type()),
		OrderID:        ce.Subject(),
		IdempotencyKey: data.IdempotencyKey,
		Items:          data.Items,
	}, nil
}

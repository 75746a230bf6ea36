package mq

import (
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// NewCloudEvent 构造一个 JSON 数据的 CloudEvents v1.0 事件。
// subject 用来携带聚合 ID (orderId)。
func NewCloudEvent(id, typ, source, subject string, at time.Time, data any) (cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(id)
	e.SetType(typ)
	e.SetSource(source)
	e.SetSubject(subject)
	e.SetTime(at)
	if err := e.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return e, fmt.Errorf("encode cloudevent data: %w", err)
	}
	return e, nil
}

// MarshalCloudEvent 以结构化模式编码，整条事件放在 Kafka 消息体里。
func MarshalCloudEvent(e cloudevents.Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloudevent: %w", err)
	}
	return json.Marshal(e)
}

// ParseCloudEvent 解码并校验结构化模式的 CloudEvent。
func ParseCloudEvent(b []byte) (cloudevents.Event, error) {
	var e cloudevents.Event
	if err := json.Unmarshal(b, &e); err != nil {
		return e, fmt.Errorf("decode cloudevent: %w", err)
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("invalid cloudevent: %w", err)
	}
	return e, nil
}

// StringExtension 读取字符串扩展属性。
func StringExtension(e cloudevents.Event, name string) string {
	v, ok := e.Extensions()[name]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

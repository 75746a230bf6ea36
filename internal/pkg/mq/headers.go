package mq

// 死信消息头
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
	HeaderAttempts          = "x-delivery-attempts"
)

// 延迟投递消息头
const (
	HeaderRealTopic = "real-topic"
	HeaderDeliverAt = "deliver-at" // RFC3339Nano，缺省时按消息时间 + 延迟级别计算
)

// DLTSuffix 是死信 topic 的后缀
const DLTSuffix = ".DLT"

// DLTTopic 返回 topic 对应的死信 topic。
func DLTTopic(topic string) string {
	return topic + DLTSuffix
}

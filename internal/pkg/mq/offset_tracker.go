package mq

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

type partitionKey struct {
	topic     string
	partition int
}

type partitionState struct {
	inflight []kafka.Message // 按拉取顺序排列
	done     map[int64]bool
}

// OffsetTracker 记录并发处理中的消息，只允许提交每个分区上连续完成的最大 offset。
// 这样一个慢订单不会因为后面的消息先完成而丢失。
type OffsetTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionState
}

func NewOffsetTracker() *OffsetTracker {
	return &OffsetTracker{partitions: make(map[partitionKey]*partitionState)}
}

// Track 在消息交给 worker 之前调用，必须按拉取顺序调用。
func (t *OffsetTracker) Track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := partitionKey{msg.Topic, msg.Partition}
	st, ok := t.partitions[key]
	if !ok {
		st = &partitionState{done: make(map[int64]bool)}
		t.partitions[key] = st
	}
	st.inflight = append(st.inflight, msg)
}

// Done 标记消息处理完成 (包括已转入死信)。
// 返回值为当前可以提交的消息；ok=false 表示前面还有未完成的消息。
func (t *OffsetTracker) Done(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.partitions[partitionKey{msg.Topic, msg.Partition}]
	if !ok {
		return kafka.Message{}, false
	}
	st.done[msg.Offset] = true

	var commit kafka.Message
	advanced := false
	for len(st.inflight) > 0 && st.done[st.inflight[0].Offset] {
		commit = st.inflight[0]
		delete(st.done, commit.Offset)
		st.inflight = st.inflight[1:]
		advanced = true
	}
	return commit, advanced
}

// Pending 返回尚未提交的消息数。
func (t *OffsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.partitions {
		n += len(st.inflight)
	}
	return n
}

// internal/service/order/interfaces/saga_event_handler.go
package interfaces

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/metrics"
	"ordersaga/internal/pkg/mq"
	"ordersaga/internal/pkg/workerpool"
	"ordersaga/internal/service/order/application"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/infrastructure"
	"ordersaga/internal/service/order/port"
)

// SagaHandler 是消费端驱动的应用服务。
type SagaHandler interface {
	Handle(ctx context.Context, evt domain.Event) (application.Outcome, error)
	HandleTimeout(ctx context.Context, timer domain.Timer) (application.Outcome, error)
}

// SagaEventHandler 是一个驱动适配器，它监听 Saga 事件 topic 并驱动编排器。
// 消息按 orderId 分发到固定的 worker，同一订单串行，不同订单并行；
// 失败的消息本地退避重投，仍失败则转入死信，不阻塞其他订单。
type SagaEventHandler struct {
	reader     mq.MessageReader
	handler    SagaHandler
	dispatcher *workerpool.Dispatcher
	failure    *mq.FailureHandler
	policy     mq.RetryPolicy
	tracker    *mq.OffsetTracker

	// timers 非空时，处理失败的超时会按 rearmDelay 重新挂起
	timers     port.TimeoutScheduler
	rearmDelay time.Duration

	commitMu sync.Mutex
}

// NewSagaEventHandler 创建一个新的 Kafka 消费者适配器。
func NewSagaEventHandler(reader mq.MessageReader, handler SagaHandler, dispatcher *workerpool.Dispatcher, failure *mq.FailureHandler, policy mq.RetryPolicy) *SagaEventHandler {
	return &SagaEventHandler{
		reader:     reader,
		handler:    handler,
		dispatcher: dispatcher,
		failure:    failure,
		policy:     policy,
		tracker:    mq.NewOffsetTracker(),
	}
}

// Run 拉取消息直到 ctx 取消。这是一个长期运行的方法。
func (h *SagaEventHandler) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Msg("✅ Saga event consumer started.")
	for {
		// 使用 FetchMessage 而不是 ReadMessage，offset 由我们在处理完成后提交
		msg, err := h.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Int("uncommitted", h.tracker.Pending()).Msg("🛑 Saga event consumer shutting down.")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("Could not fetch message, retrying...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		h.tracker.Track(msg)
		if err := h.dispatcher.Submit(ctx, routingKey(msg), func(wctx context.Context) {
			h.process(wctx, msg)
		}); err != nil {
			if ctx.Err() != nil || errors.Is(err, workerpool.ErrStopped) {
				return nil
			}
			return err
		}
	}
}

// SetTimeoutScheduler 设置本地超时的重挂调度器。到期的定时器已经从调度器里移除，
// 处理失败后在 rearmDelay 之后以同一序号重新触发。
func (h *SagaEventHandler) SetTimeoutScheduler(s port.TimeoutScheduler, rearmDelay time.Duration) {
	if rearmDelay <= 0 {
		rearmDelay = time.Second
	}
	h.timers = s
	h.rearmDelay = rearmDelay
}

// SubmitTimeout 把到期的定时器放进对应订单的队列，供 TimeoutSupervisor 回调。
func (h *SagaEventHandler) SubmitTimeout(ctx context.Context, timer domain.Timer) {
	err := h.dispatcher.Submit(ctx, timer.OrderID, func(wctx context.Context) {
		_, err := h.policy.Do(wctx, domain.IsPermanent, func(ctx context.Context) error {
			_, err := h.handler.HandleTimeout(ctx, timer)
			return err
		})
		if err == nil || wctx.Err() != nil {
			return
		}
		log := logger.Ctx(wctx).With().Str("order_id", timer.OrderID).Int64("timer_seq", timer.Seq).Logger()
		if h.timers == nil || domain.IsPermanent(err) {
			// 定时器仍然持久化在 Saga 上，重启恢复时会重新触发
			log.Error().Err(err).Msg("❌ Failed to handle stage timeout")
			return
		}
		// 同一序号重新挂起；期间状态已推进的话，新的定时器序号更大，旧的会被忽略
		retry := timer
		retry.Deadline = time.Now().Add(h.rearmDelay)
		if aerr := h.timers.Arm(wctx, retry); aerr != nil {
			log.Error().Err(aerr).AnErr("cause", err).Msg("❌ Failed to re-arm stage timeout")
			return
		}
		log.Warn().Err(err).Dur("retry_in", h.rearmDelay).Msg("⏰ Stage timeout failed, re-armed")
	})
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", timer.OrderID).Msg("Stage timeout dropped, dispatcher unavailable")
	}
}

func (h *SagaEventHandler) process(ctx context.Context, msg kafka.Message) {
	ctx = mq.ExtractTraceContext(ctx, msg.Headers)
	log := logger.Ctx(ctx).With().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	attempts := 1
	evt, err := infrastructure.DecodeEvent(msg.Value)
	if err == nil {
		if evt.IsTimeout() {
			countTimeout(evt.Type)
		}
		attempts, err = h.policy.Do(ctx, domain.IsPermanent, func(ctx context.Context) error {
			_, err := h.handler.Handle(ctx, evt)
			return err
		})
		if attempts > 1 {
			metrics.DeliveryRetriesTotal.WithLabelValues(msg.Topic).Add(float64(attempts - 1))
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			// 正在关闭，不提交，重启后重新投递
			return
		}
		log.Warn().Err(err).Int("attempts", attempts).Msg("Message failed, moving to DLT")
		if _, ferr := h.policy.Do(ctx, nil, func(ctx context.Context) error {
			return h.failure.Handle(ctx, msg, err, attempts)
		}); ferr != nil {
			// 不标记完成，该分区的 offset 停在这里，重启后重新处理
			log.Error().Err(ferr).Msg("❌ Could not forward message to DLT, offset held")
			return
		}
	}
	h.markDone(ctx, msg)
}

// markDone 标记完成并提交连续完成的最大 offset。加锁保证提交单调。
func (h *SagaEventHandler) markDone(ctx context.Context, msg kafka.Message) {
	h.commitMu.Lock()
	defer h.commitMu.Unlock()
	commit, ok := h.tracker.Done(msg)
	if !ok {
		return
	}
	if err := h.reader.CommitMessages(ctx, commit); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("offset", commit.Offset).Msg("Failed to commit messages")
	}
}

// countTimeout 记录经由延迟 topic 送达的超时事件
func countTimeout(typ domain.EventType) {
	for _, st := range domain.Stages {
		if st.FailureEvent() == typ {
			metrics.TimeoutsFiredTotal.WithLabelValues(string(st)).Inc()
			return
		}
	}
}

func routingKey(msg kafka.Message) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return msg.Topic + "/" + strconv.Itoa(msg.Partition)
}

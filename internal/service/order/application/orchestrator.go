// internal/service/order/application/orchestrator.go
package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/metrics"
	"ordersaga/internal/service/order/application/saga"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/port"
)

// Outcome 描述一次 Handle 的处理结果。
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"       // 迁移已提交
	OutcomeDuplicate    Outcome = "duplicate"     // 消息已处理过
	OutcomeUndefined    Outcome = "undefined"     // (状态, 事件) 不在迁移表中
	OutcomeTerminal     Outcome = "terminal"      // Saga 已结束
	OutcomeStaleTimer   Outcome = "stale_timer"   // 超时事件对应的定时器已被替换
	OutcomeUnknownOrder Outcome = "unknown_order" // 订单不存在且事件不是 ORDER_CREATED
	OutcomeRejected     Outcome = "rejected"      // 事件格式错误或订单数据非法
	OutcomeFailed       Outcome = "failed"        // 基础设施错误，需要重投
)

// SagaOrchestrator 是 Saga 的唯一写入方: 每个事件一次读-改-写事务。
// 调用方需要保证同一 orderId 的事件串行进入 Handle。
type SagaOrchestrator struct {
	repo      domain.SagaRepository
	table     *saga.Table
	publisher port.CommandPublisher
	scheduler port.TimeoutScheduler
	cache     port.ProcessedCache
	notifier  port.StatusNotifier
	tracer    trace.Tracer
	now       func() time.Time
}

// OrchestratorOption 配置可选依赖。
type OrchestratorOption func(*SagaOrchestrator)

// WithProcessedCache 设置已处理消息的快速去重缓存。
func WithProcessedCache(c port.ProcessedCache) OrchestratorOption {
	return func(o *SagaOrchestrator) { o.cache = c }
}

// WithStatusNotifier 设置状态变更通知。
func WithStatusNotifier(n port.StatusNotifier) OrchestratorOption {
	return func(o *SagaOrchestrator) { o.notifier = n }
}

// WithClock 替换时钟，测试用。
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *SagaOrchestrator) { o.now = now }
}

// WithTracer 替换默认的 otel tracer。
func WithTracer(t trace.Tracer) OrchestratorOption {
	return func(o *SagaOrchestrator) { o.tracer = t }
}

func NewSagaOrchestrator(repo domain.SagaRepository, table *saga.Table, publisher port.CommandPublisher, scheduler port.TimeoutScheduler, opts ...OrchestratorOption) *SagaOrchestrator {
	o := &SagaOrchestrator{
		repo:      repo,
		table:     table,
		publisher: publisher,
		scheduler: scheduler,
		tracer:    otel.Tracer("saga-orchestrator"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle 处理一个事件: 去重、加载、查表迁移、原子提交，然后挂定时器并发送命令。
// 只有基础设施错误和格式错误会返回 error；重复、过期、未定义的事件都被确认并丢弃。
func (o *SagaOrchestrator) Handle(ctx context.Context, evt domain.Event) (outcome Outcome, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "saga.Handle", trace.WithAttributes(
		attribute.String("order.id", evt.OrderID),
		attribute.String("event.type", string(evt.Type)),
		attribute.String("event.id", evt.ID),
	))
	defer func() {
		span.SetAttributes(attribute.String("saga.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(outcome))
		}
		span.End()
		metrics.EventsTotal.WithLabelValues(string(evt.Type), string(outcome)).Inc()
		metrics.HandleDuration.WithLabelValues(string(evt.Type)).Observe(time.Since(start).Seconds())
	}()

	log := logger.Ctx(ctx).With().
		Str("order_id", evt.OrderID).
		Str("event", string(evt.Type)).
		Str("event_id", evt.ID).
		Logger()

	if err := evt.Validate(); err != nil {
		log.Error().Err(err).Msg("❌ Rejecting malformed saga event")
		return OutcomeRejected, err
	}

	// 1. 去重: 先查缓存，再以持久化标记为准
	if o.seen(ctx, evt.ID) {
		log.Debug().Msg("Duplicate event (cache), discarded")
		return OutcomeDuplicate, nil
	}
	processed, err := o.repo.IsProcessed(ctx, evt.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if processed {
		o.remember(ctx, evt.ID)
		log.Debug().Msg("Duplicate event, discarded")
		return OutcomeDuplicate, nil
	}

	// 2. 加载或创建 Saga
	now := o.now().UTC()
	sg, order, err := o.repo.Load(ctx, evt.OrderID)
	switch {
	case errors.Is(err, domain.ErrSagaNotFound):
		if evt.Type != domain.EventOrderCreated {
			log.Warn().Msg("⚠️ Event for unknown order, discarded")
			return OutcomeUnknownOrder, nil
		}
		order, err = domain.NewOrder(evt.OrderID, evt.Draft, now)
		if err != nil {
			log.Error().Err(err).Msg("❌ Order creation rejected")
			return OutcomeRejected, err
		}
		sg = domain.NewSagaInstance(evt.OrderID, now)
	case err != nil:
		return OutcomeFailed, err
	}

	if sg.IsTerminal() {
		log.Info().Str("state", string(sg.CurrentState)).Msg("Saga already finished, event discarded")
		return OutcomeTerminal, nil
	}
	if evt.IsTimeout() {
		if armed, ok := sg.ArmedTimer(); !ok || armed.Seq != evt.TimerSeq {
			log.Info().Int64("timer_seq", evt.TimerSeq).Int64("current_seq", sg.TimerSeq).Msg("Stale timeout discarded")
			return OutcomeStaleTimer, nil
		}
	}

	// 3. 查表并执行动作 (纯函数)
	res, err := o.table.Fire(saga.Snapshot{Order: order, Saga: sg, At: now}, evt)
	if err != nil {
		log.Error().Err(err).Msg("❌ Transition action failed")
		if domain.IsPermanent(err) {
			return OutcomeRejected, err
		}
		return OutcomeFailed, err
	}
	if !res.Applied {
		log.Info().Str("state", string(sg.CurrentState)).Msg("No transition for event, discarded")
		return OutcomeUndefined, nil
	}

	// 4. 重新挂定时器并在一个事务里提交
	next := res.Snapshot
	oldTimer, hadTimer := sg.ArmedTimer()
	var newTimer *domain.Timer
	if d, ok := o.table.Timeout(next.State()); ok {
		t := next.Saga.Arm(now.Add(d))
		newTimer = &t
	} else {
		next.Saga.Disarm()
	}

	uow := domain.UnitOfWork{
		Saga:            next.Saga,
		Order:           next.Order,
		MessageID:       evt.ID,
		ExpectedVersion: sg.Version,
		Transitions:     transitionRecords(evt, res.Path, now),
		Outbox:          outboxEntries(res.Commands, now),
	}
	if err := o.repo.Commit(ctx, uow); err != nil {
		if errors.Is(err, domain.ErrDuplicateMessage) {
			log.Info().Msg("Event committed concurrently by another delivery, discarded")
			return OutcomeDuplicate, nil
		}
		log.Error().Err(err).Msg("❌ Failed to commit saga transition")
		return OutcomeFailed, err
	}
	o.remember(ctx, evt.ID)

	// 5. 提交后的副作用: 失败都可以被恢复流程补上，只记录日志
	if hadTimer && (newTimer == nil || newTimer.Seq != oldTimer.Seq) {
		o.scheduler.Disarm(ctx, oldTimer)
	}
	if newTimer != nil {
		if err := o.scheduler.Arm(ctx, *newTimer); err != nil {
			log.Error().Err(err).Msg("❌ Failed to arm stage timeout")
		}
	}
	dispatched := dispatchOutbox(ctx, o.repo, o.publisher, uow.Outbox, now)

	for _, mv := range res.Path {
		metrics.TransitionsTotal.WithLabelValues(string(mv.From), string(mv.To)).Inc()
	}
	if o.notifier != nil {
		o.notifier.NotifyStatus(ctx, port.StatusChange{OrderID: evt.OrderID, From: sg.CurrentState, To: next.State(), At: now})
	}

	logTransition(&log, sg.CurrentState, res, dispatched)
	return OutcomeApplied, nil
}

// HandleTimeout 把到期的定时器转换为阶段失败事件，走与外部失败相同的路径。
func (o *SagaOrchestrator) HandleTimeout(ctx context.Context, timer domain.Timer) (Outcome, error) {
	evt, ok := timer.FailureEvent()
	if !ok {
		return OutcomeStaleTimer, nil
	}
	stage, _ := timer.State.Stage()
	metrics.TimeoutsFiredTotal.WithLabelValues(string(stage)).Inc()
	logger.Ctx(ctx).Warn().
		Str("order_id", timer.OrderID).
		Str("state", string(timer.State)).
		Int64("timer_seq", timer.Seq).
		Msg("⏰ Stage deadline elapsed, injecting failure event")
	return o.Handle(ctx, evt)
}

// RecoverTimers 在启动时重新挂起所有持久化的定时器，已过期的会立即触发。
func (o *SagaOrchestrator) RecoverTimers(ctx context.Context) (int, error) {
	timers, err := o.repo.ArmedTimers(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range timers {
		if err := o.scheduler.Arm(ctx, t); err != nil {
			return 0, err
		}
	}
	logger.Ctx(ctx).Info().Int("timers", len(timers)).Msg("⏱️ Recovered stage timers")
	return len(timers), nil
}

func (o *SagaOrchestrator) seen(ctx context.Context, id string) bool {
	if o.cache == nil {
		return false
	}
	ok, err := o.cache.Seen(ctx, id)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("Processed cache unavailable, falling back to repository")
		return false
	}
	return ok
}

func (o *SagaOrchestrator) remember(ctx context.Context, id string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Remember(ctx, id); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("Failed to cache processed message id")
	}
}

func transitionRecords(evt domain.Event, path []saga.Move, at time.Time) []domain.TransitionRecord {
	out := make([]domain.TransitionRecord, 0, len(path))
	for _, mv := range path {
		out = append(out, domain.TransitionRecord{
			OrderID:   evt.OrderID,
			MessageID: evt.ID,
			From:      mv.From,
			Event:     mv.Event,
			To:        mv.To,
			At:        at,
		})
	}
	return out
}

func outboxEntries(cmds []domain.Command, at time.Time) []domain.OutboxEntry {
	out := make([]domain.OutboxEntry, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, domain.OutboxEntry{Command: c, CreatedAt: at})
	}
	return out
}

func logTransition(log *zerolog.Logger, from domain.State, res saga.Result, dispatched int) {
	path := make([]string, 0, len(res.Path))
	for _, mv := range res.Path {
		path = append(path, string(mv.Event)+"->"+string(mv.To))
	}
	ev := log.Info()
	if res.To() == domain.StateCancelled {
		ev = log.Warn()
	}
	ev.Str("from", string(from)).
		Str("to", string(res.To())).
		Strs("path", path).
		Int("commands", len(res.Commands)).
		Int("dispatched", dispatched).
		Msg("🔄 Saga transition committed")
}

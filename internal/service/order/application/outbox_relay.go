package application

import (
	"context"
	"time"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/metrics"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/port"
)

// dispatchOutbox 按顺序发送命令，遇到第一个失败就停下，保证同一订单的命令不乱序。
// 返回成功发送的条数。
func dispatchOutbox(ctx context.Context, repo domain.SagaRepository, publisher port.CommandPublisher, entries []domain.OutboxEntry, at time.Time) int {
	if len(entries) == 0 {
		return 0
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := publisher.Publish(ctx, e.Command); err != nil {
			logger.Ctx(ctx).Error().Err(err).
				Str("order_id", e.Command.OrderID).
				Str("command", string(e.Command.Type)).
				Str("command_id", e.Command.ID).
				Msg("❌ Failed to publish command, left in outbox")
			break
		}
		metrics.CommandsPublishedTotal.WithLabelValues(string(e.Command.Type)).Inc()
		ids = append(ids, e.Command.ID)
	}
	if len(ids) > 0 {
		if err := repo.MarkDispatched(ctx, ids, at); err != nil {
			// 下次扫描会重发，协作方按命令 ID 去重
			logger.Ctx(ctx).Warn().Err(err).Strs("command_ids", ids).Msg("Failed to mark commands dispatched")
		}
	}
	return len(ids)
}

// OutboxRelay 定期补发已提交但没有发送成功的命令 (例如进程在提交后崩溃)。
type OutboxRelay struct {
	repo      domain.SagaRepository
	publisher port.CommandPublisher
	locker    port.Locker
	interval  time.Duration
	grace     time.Duration
	batch     int
	now       func() time.Time
}

// NewOutboxRelay 创建补发器。locker 可以为 nil (单实例部署)。
func NewOutboxRelay(repo domain.SagaRepository, publisher port.CommandPublisher, locker port.Locker, interval, grace time.Duration) *OutboxRelay {
	return &OutboxRelay{
		repo:      repo,
		publisher: publisher,
		locker:    locker,
		interval:  interval,
		grace:     grace,
		batch:     100,
		now:       time.Now,
	}
}

// RelayOnce 扫描一次，返回补发的命令数。
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	if r.locker != nil {
		ok, err := r.locker.TryLock(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := r.locker.Unlock(); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("Failed to release outbox relay lock")
			}
		}()
	}

	now := r.now().UTC()
	pending, err := r.repo.PendingOutbox(ctx, now.Add(-r.grace), r.batch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	n := dispatchOutbox(ctx, r.repo, r.publisher, pending, now)
	metrics.OutboxRelayedTotal.Add(float64(n))
	logger.Ctx(ctx).Info().Int("pending", len(pending)).Int("relayed", n).Msg("📮 Outbox relay sweep")
	return n, nil
}

// Run 按间隔扫描直到 ctx 取消。
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	logger.Ctx(ctx).Info().Dur("interval", r.interval).Msg("✅ Outbox relay started")
	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Outbox relay sweep failed")
			}
		}
	}
}

package application

import (
	"context"
	"time"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/service/order/domain"
	"ordersaga/internal/service/order/port"
)

// DeadLetterService 提供死信的带外查询和重放。
type DeadLetterService struct {
	repo     domain.DeadLetterRepository
	replayer port.MessageReplayer
	now      func() time.Time
}

func NewDeadLetterService(repo domain.DeadLetterRepository, replayer port.MessageReplayer) *DeadLetterService {
	return &DeadLetterService{repo: repo, replayer: replayer, now: time.Now}
}

func (s *DeadLetterService) List(ctx context.Context, limit int) ([]DeadLetterView, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	dls, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetterView, 0, len(dls))
	for _, dl := range dls {
		out = append(out, ToDeadLetterView(dl))
	}
	return out, nil
}

// Replay 把死信原样写回原始 topic。编排器按消息 ID 去重，重放已处理过的消息是安全的。
func (s *DeadLetterService) Replay(ctx context.Context, id string) (*DeadLetterView, error) {
	dl, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.replayer.Replay(ctx, dl.Topic, []byte(dl.Key), dl.Payload); err != nil {
		return nil, err
	}
	at := s.now().UTC()
	if err := s.repo.MarkReplayed(ctx, id, at); err != nil {
		return nil, err
	}
	dl.ReplayedAt = &at
	logger.Ctx(ctx).Info().Str("dead_letter_id", id).Str("topic", dl.Topic).Int64("offset", dl.Offset).
		Msg("♻️ Dead letter replayed")
	v := ToDeadLetterView(*dl)
	return &v, nil
}

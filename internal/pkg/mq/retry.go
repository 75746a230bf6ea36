package mq

import (
	"context"
	"math"
	"time"
)

// RetryPolicy 是消费端的本地重投策略。
type RetryPolicy struct {
	// MaxAttempts 包括第一次处理
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy: 最多 5 次，100ms 起指数退避，上限 5s。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second, Multiplier: 2}
}

// Backoff 返回第 attempt 次重试 (从 1 开始) 之前的等待时间。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1)))
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d < 0) {
		d = p.MaxBackoff
	}
	return d
}

// Do 执行 fn 直到成功、遇到永久错误或用完次数。返回实际尝试次数和最后一次的错误。
// ctx 取消时立即返回 ctx.Err()。
func (p RetryPolicy) Do(ctx context.Context, permanent func(error) bool, fn func(ctx context.Context) error) (int, error) {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if (permanent != nil && permanent(err)) || attempt >= limit {
			return attempt, err
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}

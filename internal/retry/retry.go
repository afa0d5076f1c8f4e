// Package retry 提供指数退避加抖动的通用重试策略，交易执行与事件外发共用。
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy 描述一次重试的预算与退避参数。
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// Jitter 为 [0,1] 之间的抖动比例，0 表示无抖动。
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy 返回交易执行使用的默认策略。
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2}
}

// Normalize 为缺省字段填充默认值。
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff 返回第 attempt 次失败后的等待时间（attempt 从 1 开始）。
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		// 在 [1-j, 1+j] 区间内随机缩放
		delay *= 1 - p.Jitter + rand.Float64()*2*p.Jitter
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Remaining 判断在已经尝试 attempts 次后是否还允许重试。
func (p Policy) Remaining(attempts int) bool {
	return attempts < p.Normalize().MaxAttempts
}

type hooks struct {
	onRetry   func(attempt int, delay time.Duration, err error)
	onGiveUp  func(attempts int, err error)
	onSuccess func(attempts int)
	retryable func(error) bool
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option 配置 Do 的回调。
type Option func(*hooks)

// OnRetry 在每次等待前回调。
func OnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(h *hooks) { h.onRetry = fn }
}

// OnGiveUp 在预算耗尽或遇到不可重试错误时回调。
func OnGiveUp(fn func(attempts int, err error)) Option {
	return func(h *hooks) { h.onGiveUp = fn }
}

// OnSuccess 在成功时回调。
func OnSuccess(fn func(attempts int)) Option {
	return func(h *hooks) { h.onSuccess = fn }
}

// If 限定只有 fn 返回 true 的错误才会重试。
func If(fn func(error) bool) Option {
	return func(h *hooks) { h.retryable = fn }
}

func withSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(h *hooks) { h.sleep = fn }
}

// Do 按策略执行 fn，直到成功、预算耗尽、错误不可重试或 ctx 结束。
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, opts ...Option) error {
	p = p.Normalize()
	h := hooks{sleep: sleepCtx}
	for _, opt := range opts {
		opt(&h)
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			if h.onSuccess != nil {
				h.onSuccess(attempt)
			}
			return nil
		}
		if attempt >= p.MaxAttempts || (h.retryable != nil && !h.retryable(err)) {
			if h.onGiveUp != nil {
				h.onGiveUp(attempt, err)
			}
			return err
		}
		delay := p.Backoff(attempt)
		if h.onRetry != nil {
			h.onRetry(attempt, delay, err)
		}
		if serr := h.sleep(ctx, delay); serr != nil {
			if h.onGiveUp != nil {
				h.onGiveUp(attempt, err)
			}
			return serr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

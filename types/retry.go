package types

import (
	"context"
	"math"
	"sync"
	"time"
)

// RetryStrategy 重试策略
type RetryStrategy struct {
	MaxRetries    int           // 最大重试次数
	InitialDelay  time.Duration // 初始延迟
	MaxDelay      time.Duration // 最大延迟
	BackoffFactor float64       // 退避因子
}

// NewRetryStrategy 创建重试策略
func NewRetryStrategy(maxRetries int, initialDelay, maxDelay time.Duration, backoffFactor float64) *RetryStrategy {
	return &RetryStrategy{
		MaxRetries:    maxRetries,
		InitialDelay:  initialDelay,
		MaxDelay:      maxDelay,
		BackoffFactor: backoffFactor,
	}
}

// NewDefaultRetryStrategy 创建默认重试策略
func NewDefaultRetryStrategy() *RetryStrategy {
	return NewRetryStrategy(
		3,              // 最大重试 3 次
		1*time.Second,  // 初始延迟 1 秒
		30*time.Second, // 最大延迟 30 秒
		2.0,            // 指数退避因子 2.0
	)
}

// ShouldRetry 判断是否应该重试
func (s *RetryStrategy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= s.MaxRetries {
		return false
	}
	return KindOf(err).IsRetryable()
}

// GetDelay 获取重试延迟（指数退避）
func (s *RetryStrategy) GetDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// 指数退避：delay = initialDelay * (backoffFactor ^ attempt)
	delay := float64(s.InitialDelay) * math.Pow(s.BackoffFactor, float64(attempt))

	if time.Duration(delay) > s.MaxDelay {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// Wait 等待指定的重试延迟
func (s *RetryStrategy) Wait(ctx context.Context, attempt int) error {
	delay := s.GetDelay(attempt)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// Retry 执行带重试的操作
func (s *RetryStrategy) Retry(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		// 第一次尝试不需要等待
		if attempt > 0 {
			if err := s.Wait(ctx, attempt-1); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !s.ShouldRetry(err, attempt) {
			return err
		}
	}

	return lastErr
}

// RetryWithResult 执行带重试的操作（带返回值）
func RetryWithResult[T any](ctx context.Context, strategy *RetryStrategy, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= strategy.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := strategy.Wait(ctx, attempt-1); err != nil {
				return result, err
			}
		}

		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !strategy.ShouldRetry(err, attempt) {
			return result, err
		}
	}

	return result, lastErr
}

// Backoff 重连退避：从最小延迟起每次失败翻倍，封顶后保持，成功后 Reset
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64

	mu      sync.Mutex
	current time.Duration
}

// NewBackoff 创建重连退避
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = 1 * time.Second
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max, Factor: 2.0}
}

// Next 返回下一次重连的等待时长，并推进内部状态
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == 0 {
		b.current = b.Min
		return b.current
	}
	next := time.Duration(float64(b.current) * b.Factor)
	if next > b.Max {
		next = b.Max
	}
	b.current = next
	return b.current
}

// Reset 连接认证成功后重置退避
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = 0
}

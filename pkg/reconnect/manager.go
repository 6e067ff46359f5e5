// Package reconnect is the single reconnect policy for console clients:
// exponential backoff with jitter and a bounded number of attempts.
package reconnect

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrGaveUp is returned by Run when the strategy stops retrying.
var ErrGaveUp = errors.New("reconnect: attempts exhausted")

// Strategy 重连策略
type Strategy interface {
	// NextDelay 获取下一次重连延迟，attempt 从 1 开始
	NextDelay(attempt int, err error) time.Duration

	// ShouldRetry 判断是否应该重试
	ShouldRetry(attempt int, err error) bool
}

// ExponentialBackoffStrategy 指数退避 + 抖动
type ExponentialBackoffStrategy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Multiplier   float64
	// Jitter 为 [0,1]，延迟在 ±Jitter 比例内随机浮动
	Jitter float64
	// Permanent 返回 true 的错误不再重试，例如鉴权被拒
	Permanent func(error) bool
}

// NewExponentialBackoffStrategy 创建指数退避策略
func NewExponentialBackoffStrategy() *ExponentialBackoffStrategy {
	return &ExponentialBackoffStrategy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// NextDelay 获取下一次重连延迟
func (s *ExponentialBackoffStrategy) NextDelay(attempt int, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(s.InitialDelay) * math.Pow(s.Multiplier, float64(attempt-1))
	if ceiling := float64(s.MaxDelay); s.MaxDelay > 0 && delay > ceiling {
		delay = ceiling
	}
	if s.Jitter > 0 {
		delay += delay * s.Jitter * (2*rand.Float64() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ShouldRetry 判断是否应该重试
func (s *ExponentialBackoffStrategy) ShouldRetry(attempt int, err error) bool {
	if s.Permanent != nil && err != nil && s.Permanent(err) {
		return false
	}
	return s.MaxAttempts <= 0 || attempt < s.MaxAttempts
}

// Manager 重连管理器。Run 同一时间只有一个循环在跑
type Manager struct {
	logger   *zap.Logger
	strategy Strategy

	mu           sync.Mutex
	attempt      int
	reconnecting bool
	lastError    error
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewManager 创建重连管理器
func NewManager(logger *zap.Logger, strategy Strategy) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	if strategy == nil {
		strategy = NewExponentialBackoffStrategy()
	}
	return &Manager{logger: logger, strategy: strategy, sleep: sleepCtx}
}

// Run calls connect until it succeeds, ctx ends, or the strategy gives up.
// The returned error wraps ErrGaveUp with the last connect error.
func (m *Manager) Run(ctx context.Context, connect func(ctx context.Context) error) error {
	m.mu.Lock()
	if m.reconnecting {
		m.mu.Unlock()
		return errors.New("reconnect: already running")
	}
	m.reconnecting = true
	m.attempt = 0
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := connect(ctx)
		m.mu.Lock()
		m.attempt++
		attempt := m.attempt
		m.lastError = err
		m.mu.Unlock()

		if err == nil {
			m.logger.Info("重连成功", zap.Int("attempt", attempt))
			return nil
		}
		if !m.strategy.ShouldRetry(attempt, err) {
			m.logger.Error("重连失败，停止重试",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return errors.Join(ErrGaveUp, err)
		}

		delay := m.strategy.NextDelay(attempt, err)
		m.logger.Warn("重连失败，等待后重试",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// IsReconnecting 检查是否正在重连
func (m *Manager) IsReconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnecting
}

// Attempts 本轮已尝试次数
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// LastError 最近一次连接错误
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

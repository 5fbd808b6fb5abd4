package smtp

import (
	"sync"

	"golang.org/x/time/rate"
)

// 拒绝连接的原因，用作指标标签
const (
	RejectConcurrency = "concurrency"
	RejectRate        = "rate"
)

// ConnectionLimiter SMTP 连接限流器
//
// 同时限制并发连接数和每秒新建连接数。
type ConnectionLimiter struct {
	maxConns int
	current  int
	mu       sync.Mutex
	rate     *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数，<=0 表示不限制
//   - maxRate: 每秒最大新建连接数，<=0 表示不限制
func NewConnectionLimiter(maxConns, maxRate int) *ConnectionLimiter {
	limit := rate.Inf
	burst := 0
	if maxRate > 0 {
		limit = rate.Limit(maxRate)
		burst = maxRate
	}
	return &ConnectionLimiter{
		maxConns: maxConns,
		rate:     rate.NewLimiter(limit, burst),
	}
}

// Acquire 获取连接许可
//
// 返回值:
//   - bool: 是否获取成功
//   - string: 失败原因（RejectConcurrency 或 RejectRate）
func (l *ConnectionLimiter) Acquire() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxConns > 0 && l.current >= l.maxConns {
		return false, RejectConcurrency
	}
	if !l.rate.Allow() {
		return false, RejectRate
	}

	l.current++
	return true, ""
}

// Release 释放连接
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

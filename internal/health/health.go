package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// 存活检查允许的最大 goroutine 数，每个在线会话约占三个
const defaultGoroutineLimit = 100000

// Pinger 可探测的外部依赖，例如 Redis 计数器
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options 健康检查配置
type Options struct {
	GoroutineLimit int           // 存活检查的 goroutine 上限
	CheckTimeout   time.Duration // 单项就绪检查超时
	SMTPAddr       string        // 非空时就绪检查会拨测 SMTP 监听端口
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
//
// 参数:
//   - opts: 检查配置
//   - counter: 统计计数器后端，为 nil 时不检查
//   - logger: 日志记录器
func NewHealthChecker(opts Options, counter Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.GoroutineLimit <= 0 {
		opts.GoroutineLimit = defaultGoroutineLimit
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 2 * time.Second
	}

	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		logger: logger,
	}

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(opts.GoroutineLimit))

	if counter != nil {
		hc.health.AddReadinessCheck("redis", healthcheck.Timeout(RedisHealthCheck(counter, opts.CheckTimeout), opts.CheckTimeout))
	}
	if opts.SMTPAddr != "" {
		hc.health.AddReadinessCheck("smtp", healthcheck.TCPDialCheck(opts.SMTPAddr, opts.CheckTimeout))
	}

	return hc
}

// Handler 返回健康检查处理器，提供 /live 和 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// RedisHealthCheck Redis 健康检查
func RedisHealthCheck(p Pinger, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		return p.Ping(ctx)
	}
}

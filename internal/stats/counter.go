package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"exploding/gateway/internal/config"
)

// ErrUnavailable 表示计数服务不可用
var ErrUnavailable = errors.New("counter store unavailable")

// Counter 是全局收信计数器
type Counter interface {
	// Incr 计数加一并返回新值
	Incr(ctx context.Context) (int64, error)
	// Get 返回当前计数
	Get(ctx context.Context) (int64, error)
}

// redisCmdable 是 RedisCounter 用到的命令子集，*goredis.Client 满足该接口
type redisCmdable interface {
	Incr(ctx context.Context, key string) *goredis.IntCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// RedisCounter 基于 Redis INCR/GET 的计数器
type RedisCounter struct {
	rdb redisCmdable
	key string
	log *zap.Logger
}

// NewRedisCounter 连接 Redis 并创建计数器
//
// 参数:
//   - cfg: Redis 配置
//   - logger: 日志记录器
//
// 返回值:
//   - *RedisCounter: 连接成功的计数器
//   - error: 连接失败时返回包装了 ErrUnavailable 的错误
func NewRedisCounter(cfg config.RedisConfig, logger *zap.Logger) (*RedisCounter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: connect to redis %s: %v", ErrUnavailable, cfg.Address, err)
	}

	logger.Info("connected to Redis",
		zap.String("address", cfg.Address),
		zap.Int("db", cfg.DB),
		zap.String("key", cfg.CounterKey))

	return newRedisCounter(rdb, cfg.CounterKey, logger), nil
}

func newRedisCounter(rdb redisCmdable, key string, logger *zap.Logger) *RedisCounter {
	if key == "" {
		key = "exp-stats"
	}
	return &RedisCounter{rdb: rdb, key: key, log: logger}
}

// Incr 实现 Counter
func (c *RedisCounter) Incr(ctx context.Context) (int64, error) {
	n, err := c.rdb.Incr(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incr %s: %v", ErrUnavailable, c.key, err)
	}
	return n, nil
}

// Get 实现 Counter，键不存在时返回 0
func (c *RedisCounter) Get(ctx context.Context) (int64, error) {
	val, err := c.rdb.Get(ctx, c.key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: get %s: %v", ErrUnavailable, c.key, err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s=%q: %w", c.key, val, err)
	}
	return n, nil
}

// Ping 检查 Redis 连接，供就绪检查使用
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (c *RedisCounter) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.log.Error("failed to close Redis connection", zap.Error(err))
		return err
	}
	c.log.Info("Redis connection closed")
	return nil
}

// MemoryCounter 进程内计数器，未配置 Redis 或 Redis 不可用时使用
type MemoryCounter struct {
	n atomic.Int64
}

// NewMemoryCounter 创建进程内计数器
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

// Incr 实现 Counter
func (c *MemoryCounter) Incr(context.Context) (int64, error) {
	return c.n.Add(1), nil
}

// Get 实现 Counter
func (c *MemoryCounter) Get(context.Context) (int64, error) {
	return c.n.Load(), nil
}

// Open 根据配置选择计数器实现
//
// 配置了 Redis 地址且连接成功时返回 RedisCounter，否则记录警告并回退到 MemoryCounter。
// 返回的 closer 在进程退出时调用。
func Open(cfg config.RedisConfig, logger *zap.Logger) (Counter, func() error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Address == "" {
		logger.Info("redis not configured, using in-process counter")
		return NewMemoryCounter(), func() error { return nil }
	}

	rc, err := NewRedisCounter(cfg, logger)
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-process counter", zap.Error(err))
		return NewMemoryCounter(), func() error { return nil }
	}
	return rc, rc.Close
}

package routing

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"exploding/gateway/internal/domain"
)

// Target 是路由表持有的会话引用，*session.Session 满足该接口
type Target interface {
	DeliverEmail(email domain.Email)
	NotifyExpired()
	Terminated() bool
}

// entry 路由表中的一条绑定
type entry struct {
	target    Target // 断线后为 nil，条目保留到过期
	expiresAt time.Time
}

// Expired 是一次扫描中被移除的条目
type Expired struct {
	Key       string
	Target    Target
	ExpiresAt time.Time
}

// Option 路由表选项
type Option func(*Table)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(t *Table) { t.log = logger }
}

// Table 维护 路由键 -> 会话 的映射
//
// 路由键为完整地址或通配键 "*@domain"。同一个键后写覆盖先写，
// 已过期但尚未扫描的条目不参与路由。
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry

	primary map[string]struct{}
	now     func() time.Time
	log     *zap.Logger
}

// NewTable 创建路由表
//
// 参数:
//   - primaryDomains: 主域名，这些域名下的地址永远不回退到通配绑定
func NewTable(primaryDomains []string, opts ...Option) *Table {
	t := &Table{
		entries: make(map[string]*entry),
		primary: make(map[string]struct{}, len(primaryDomains)),
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, d := range primaryDomains {
		t.primary[strings.ToLower(d)] = struct{}{}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Bind 绑定键到会话，覆盖已有绑定（旧会话不会收到通知）
func (t *Table) Bind(key string, target Target, expiresAt time.Time) {
	key = strings.ToLower(key)

	t.mu.Lock()
	t.entries[key] = &entry{target: target, expiresAt: expiresAt}
	t.mu.Unlock()
}

// Resolve 为收件地址查找在线会话
//
// 先精确匹配；没有命中且域名不是主域名时回退到 "*@domain"。
// 已过期或会话已断开的条目视为不存在。
func (t *Table) Resolve(recipient string) Target {
	target, _ := t.Lookup(recipient)
	return target
}

// Lookup 与 Resolve 相同，同时返回命中的路由键（未命中时为空）
func (t *Table) Lookup(recipient string) (Target, string) {
	recipient = strings.ToLower(recipient)
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	if target := t.liveLocked(recipient, now); target != nil {
		return target, recipient
	}

	_, d, ok := domain.SplitAddress(recipient)
	if !ok {
		return nil, ""
	}
	if _, isPrimary := t.primary[d]; isPrimary {
		return nil, ""
	}
	key := domain.WildcardKey(d)
	if target := t.liveLocked(key, now); target != nil {
		return target, key
	}
	return nil, ""
}

func (t *Table) liveLocked(key string, now time.Time) Target {
	e, ok := t.entries[key]
	if !ok || e.target == nil || e.target.Terminated() || !now.Before(e.expiresAt) {
		return nil
	}
	return e.target
}

// Unbind 删除绑定并返回原会话（不存在时为 nil）
func (t *Table) Unbind(key string) Target {
	key = strings.ToLower(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	delete(t.entries, key)
	return e.target
}

// Detach 在会话断开时清除其引用，仅当条目仍指向该会话时生效。
// 条目与过期时间保留，之后可以通过恢复重新绑定。
func (t *Table) Detach(key string, target Target) bool {
	key = strings.ToLower(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.target != target {
		return false
	}
	e.target = nil
	return true
}

// Expiry 返回键的过期时间
func (t *Table) Expiry(key string) (time.Time, bool) {
	key = strings.ToLower(key)

	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

// Has 判断键是否存在（包括已断开但尚未过期的条目）
func (t *Table) Has(key string) bool {
	_, ok := t.Expiry(key)
	return ok
}

// Len 返回条目数量
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Clients 返回持有在线会话的条目数量
func (t *Table) Clients() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, e := range t.entries {
		if e.target != nil && !e.target.Terminated() {
			n++
		}
	}
	return n
}

// Sweep 移除所有 expiresAt <= now 的条目，并在释放锁后通知对应会话过期
func (t *Table) Sweep(now time.Time) []Expired {
	var expired []Expired

	t.mu.Lock()
	for key, e := range t.entries {
		if !e.expiresAt.After(now) {
			expired = append(expired, Expired{Key: key, Target: e.target, ExpiresAt: e.expiresAt})
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, ex := range expired {
		if ex.Target != nil {
			ex.Target.NotifyExpired()
		}
	}
	return expired
}

// Run 按固定间隔执行扫描，直到 ctx 取消
//
// 参数:
//   - onSweep: 每次扫描后的回调，可为 nil
func (t *Table) Run(ctx context.Context, interval time.Duration, onSweep func([]Expired)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := t.Sweep(t.now())
			t.log.Info("expired inboxes swept",
				zap.Int("expired", len(expired)),
				zap.Int("remaining", t.Len()))
			if onSweep != nil {
				onSweep(expired)
			}
		}
	}
}

package relay

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exploding/gateway/internal/domain"
	"exploding/gateway/internal/issuer"
	"exploding/gateway/internal/monitoring"
	"exploding/gateway/internal/pool"
	"exploding/gateway/internal/routing"
	"exploding/gateway/internal/session"
	"exploding/gateway/internal/stats"
	"exploding/gateway/internal/verify"
)

const (
	// maxGenerateAttempts 生成的地址已在路由表中时的重试次数
	maxGenerateAttempts = 3
	// counterTimeout 单次计数操作超时
	counterTimeout = 3 * time.Second

	msgInvalidURI   = "Invalid URI"
	msgInvalidToken = "Invalid token."
	msgInvalidKey   = "Invalid key"
	msgGeneration   = "Failed to generate an inbox."
	msgDeleted      = "Deleted.  Please re-connect."
)

// ProofVerifier 校验自定义域名的 DNS 证明，*verify.Verifier 满足该接口
type ProofVerifier interface {
	HasProof(ctx context.Context, domain, key string) bool
}

// Options 中继参数
type Options struct {
	Version           string
	TTL               time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	ExpireTokens      bool // 邮箱过期时同时作废令牌
	SendBuffer        int
	MaxFrameBytes     int64
	WriteTimeout      time.Duration
}

// Deps 中继依赖的组件
type Deps struct {
	Issuer   *issuer.Issuer
	Table    *routing.Table
	Verifier ProofVerifier
	Counter  stats.Counter
	Pool     *pool.WorkerPool
	Metrics  *monitoring.Metrics
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Relay 把邮件路由到在线会话，并驱动会话的生成/恢复/认领/删除流程
type Relay struct {
	opts     Options
	issuer   *issuer.Issuer
	table    *routing.Table
	verifier ProofVerifier
	counter  stats.Counter
	workers  *pool.WorkerPool
	metrics  *monitoring.Metrics
	log      *zap.Logger
	now      func() time.Time

	primary map[string]struct{}

	// 统计快照，由 Run 定期刷新，所有会话的心跳共享
	received atomic.Int64
	clients  atomic.Int64
}

// New 创建中继
func New(opts Options, deps Deps) *Relay {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewMetrics(nil)
	}
	if deps.Counter == nil {
		deps.Counter = stats.NewMemoryCounter()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}

	r := &Relay{
		opts:     opts,
		issuer:   deps.Issuer,
		table:    deps.Table,
		verifier: deps.Verifier,
		counter:  deps.Counter,
		workers:  deps.Pool,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		now:      deps.Clock,
		primary:  make(map[string]struct{}),
	}
	for _, d := range deps.Issuer.Domains() {
		r.primary[strings.ToLower(d)] = struct{}{}
	}
	return r
}

// HandleConnection 接管一个新连接
//
// 启动会话、通告版本，然后按连接路径执行生成、恢复或认领。
// 返回的会话已经在运行，连接关闭后自动从路由表中摘除。
//
// 参数:
//   - conn: 已完成握手的连接
//   - path: 请求路径，例如 /generate、/auth/<token>、/custom/<key>/<domain>
//   - remoteAddr: 对端地址，仅用于日志
func (r *Relay) HandleConnection(conn session.Conn, path, remoteAddr string) *session.Session {
	s := session.New(conn, session.Options{
		RemoteAddr:        remoteAddr,
		SendBuffer:        r.opts.SendBuffer,
		MaxFrameBytes:     r.opts.MaxFrameBytes,
		WriteTimeout:      r.opts.WriteTimeout,
		HeartbeatInterval: r.opts.HeartbeatInterval,
		Stats:             r.Stats,
		Handler:           r,
		OnProtocolError: func(code domain.OpCode) {
			r.metrics.RecordProtocolError(code.String())
		},
		OnFrameDropped: r.metrics.FramesDropped.Inc,
		Logger:         r.log,
	})
	s.Start()

	r.metrics.SessionsOpened.Inc()
	r.metrics.SessionsActive.Inc()
	go r.watch(s)

	s.AnnounceVersion(r.opts.Version)
	r.route(s, path)
	return s
}

// watch 连接关闭后摘除会话引用，条目保留到过期
func (r *Relay) watch(s *session.Session) {
	<-s.Done()
	r.metrics.SessionsActive.Dec()
	if key := s.Key(); key != "" {
		if r.table.Detach(key, s) {
			r.log.Debug("session detached", zap.String("key", key), zap.String("session", s.ID()))
		}
	}
}

// route 按连接路径选择生命周期操作
func (r *Relay) route(s *session.Session, path string) {
	switch {
	case strings.TrimSuffix(path, "/") == "/generate":
		r.generate(s)

	case strings.HasPrefix(path, "/auth/"):
		r.resume(s, strings.TrimPrefix(path, "/auth/"))

	case strings.HasPrefix(path, "/resume/"):
		r.resume(s, strings.TrimPrefix(path, "/resume/"))

	case strings.HasPrefix(path, "/custom/"):
		parts := strings.Split(path, "/")
		if len(parts) != 4 || parts[2] == "" || parts[3] == "" {
			r.terminate(s, domain.OpInvalidURI, msgInvalidURI)
			return
		}
		go r.claim(s, parts[2], parts[3])

	default:
		r.terminate(s, domain.OpInvalidURI, msgInvalidURI)
	}
}

// generate 分配新地址并绑定到会话
func (r *Relay) generate(s *session.Session) {
	expiresAt := r.now().Add(r.opts.TTL)

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		inbox, err := r.issuer.Issue(expiresAt)
		if err != nil {
			r.log.Error("failed to issue inbox", zap.Error(err))
			r.terminate(s, domain.OpGenerationFailure, msgGeneration)
			return
		}

		// 地址在路由表中仍有条目时换一个，旧令牌作废
		if r.table.Has(inbox.Address) {
			r.issuer.Revoke(inbox.Token)
			continue
		}

		if !s.Bind(inbox.Address) {
			r.issuer.Revoke(inbox.Token)
			return
		}
		r.bind(inbox.Address, s, inbox.ExpiresAt)
		s.NotifyNewInbox(inbox.Address, inbox.Token, inbox.ExpiresAt)

		r.metrics.InboxesGenerated.Inc()
		r.log.Info("inbox generated",
			zap.String("session", s.ID()),
			zap.String("address", inbox.Address),
			zap.Time("expires_at", inbox.ExpiresAt))
		return
	}

	r.log.Error("failed to issue unique inbox", zap.Int("attempts", maxGenerateAttempts))
	r.terminate(s, domain.OpGenerationFailure, msgGeneration)
}

// resume 用令牌把已有地址重新绑定到会话
func (r *Relay) resume(s *session.Session, token string) {
	address, ok := r.issuer.Lookup(token)
	if !ok {
		r.terminate(s, domain.OpInvalidToken, msgInvalidToken)
		return
	}

	now := r.now()
	expiresAt, ok := r.table.Expiry(address)
	if !ok || !expiresAt.After(now) {
		expiresAt = now.Add(r.opts.TTL)
	}

	if !s.Bind(address) {
		return
	}
	r.bind(address, s, expiresAt)
	s.NotifyResumed(address, expiresAt)

	r.metrics.InboxesResumed.Inc()
	r.log.Info("inbox resumed",
		zap.String("session", s.ID()),
		zap.String("address", address),
		zap.Time("expires_at", expiresAt))
}

// claim 校验 DNS 证明后把通配键绑定到会话
//
// 在 DNS 查询返回前不修改路由表；查询期间会话已关闭时放弃绑定。
func (r *Relay) claim(s *session.Session, key, name string) {
	normalized, ok := verify.Normalize(name)
	if !ok || r.isPrimary(normalized) || r.verifier == nil {
		r.metrics.RecordClaim(false)
		r.terminate(s, domain.OpInvalidKey, msgInvalidKey)
		return
	}

	if !r.verifier.HasProof(context.Background(), normalized, key) {
		r.metrics.RecordClaim(false)
		r.terminate(s, domain.OpInvalidKey, msgInvalidKey)
		return
	}

	wildcard := domain.WildcardKey(normalized)
	expiresAt := r.now().Add(r.opts.TTL)

	if !s.Bind(wildcard) {
		r.log.Debug("session closed during domain proof, skipping bind", zap.String("domain", normalized))
		return
	}
	r.bind(wildcard, s, expiresAt)
	s.NotifyNewInbox(wildcard, "", expiresAt)

	r.metrics.RecordClaim(true)
	r.log.Info("custom domain claimed",
		zap.String("session", s.ID()),
		zap.String("domain", normalized),
		zap.Time("expires_at", expiresAt))
}

// HandleDeleteInbox 实现 session.Handler
func (r *Relay) HandleDeleteInbox(s *session.Session, req session.DeleteInbox) {
	address, ok := r.issuer.Revoke(req.Token)
	if !ok {
		r.terminate(s, domain.OpDeleteFailure, msgInvalidToken)
		return
	}

	r.table.Unbind(address)
	s.Close(domain.OpDeleteSuccess, msgDeleted)

	r.metrics.InboxesDeleted.Inc()
	r.log.Info("inbox deleted", zap.String("session", s.ID()), zap.String("address", address))
}

// DeliverEmail 把一条邮件记录投递给在线会话
//
// 不修改计数，计数由 CountMessage 按邮件提交。
//
// 返回值:
//   - bool: 是否找到在线会话
func (r *Relay) DeliverEmail(email domain.Email) bool {
	target, key := r.table.Lookup(email.To)

	if target == nil {
		r.metrics.RecordDelivery("")
		r.log.Debug("no live session for recipient", zap.String("to", email.To))
		return false
	}

	target.DeliverEmail(email)
	if domain.IsWildcardKey(key) {
		r.metrics.RecordDelivery("wildcard")
	} else {
		r.metrics.RecordDelivery("exact")
	}
	return true
}

// CountMessage 为一封已接收的邮件提交一次计数，与收件人数量和投递结果无关。
// 计数在后台协程池中执行，队列满时丢弃。
func (r *Relay) CountMessage() {
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), counterTimeout)
		defer cancel()
		if _, err := r.counter.Incr(ctx); err != nil {
			r.metrics.CounterErrors.Inc()
			r.log.Warn("failed to increment email counter", zap.Error(err))
		}
	}

	if r.workers == nil {
		task()
		return
	}
	if !r.workers.TrySubmit(task) {
		r.metrics.PoolTasksDropped.Inc()
	}
}

// Stats 返回最近一次刷新的统计快照
func (r *Relay) Stats() domain.Stats {
	return domain.Stats{
		EmailsReceived: r.received.Load(),
		Clients:        int(r.clients.Load()),
	}
}

// Run 运行过期扫描和统计刷新，直到 ctx 取消
func (r *Relay) Run(ctx context.Context) error {
	r.refreshStats(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.table.Run(ctx, r.opts.SweepInterval, r.onSweep)
		return nil
	})

	g.Go(func() error {
		interval := r.opts.HeartbeatInterval
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				r.refreshStats(ctx)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// refreshStats 读取计数器和在线会话数，失败时保留上一次的值
func (r *Relay) refreshStats(ctx context.Context) {
	r.clients.Store(int64(r.table.Clients()))

	ctx, cancel := context.WithTimeout(ctx, counterTimeout)
	defer cancel()

	n, err := r.counter.Get(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.metrics.CounterErrors.Inc()
			r.log.Debug("failed to read email counter", zap.Error(err))
		}
		return
	}
	r.received.Store(n)
}

// onSweep 记录扫描结果，开启令牌同步过期时作废对应令牌
func (r *Relay) onSweep(expired []routing.Expired) {
	r.metrics.InboxesExpired.Add(float64(len(expired)))
	r.metrics.BindingsCurrent.Set(float64(r.table.Len()))

	if !r.opts.ExpireTokens {
		return
	}
	revoked := 0
	for _, ex := range expired {
		if domain.IsWildcardKey(ex.Key) {
			continue
		}
		revoked += r.issuer.RevokeAddress(ex.Key)
	}
	if revoked > 0 {
		r.log.Info("tokens expired with their inboxes", zap.Int("revoked", revoked))
	}
}

// bind 写入路由表；写入前会话已关闭时立即摘除，watch 可能已经错过这条绑定
func (r *Relay) bind(key string, s *session.Session, expiresAt time.Time) {
	r.table.Bind(key, s, expiresAt)
	if s.Terminated() {
		r.table.Detach(key, s)
	}
}

func (r *Relay) terminate(s *session.Session, code domain.OpCode, reason string) {
	if s.Terminate(code, reason) {
		r.metrics.RecordProtocolError(code.String())
	}
}

func (r *Relay) isPrimary(name string) bool {
	_, ok := r.primary[name]
	return ok
}

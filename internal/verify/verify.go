package verify

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/idna"

	"exploding/gateway/internal/cache"
	"exploding/gateway/internal/domain"
)

// 支持的摘要算法
const (
	HashSHA512  = "sha512"
	HashBLAKE2b = "blake2b"
)

// Resolver 是 TXT 记录查询接口，*net.Resolver 满足该接口
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Options 校验器配置
type Options struct {
	RecordPrefix string        // TXT 记录前缀，查询 <prefix>.<domain>
	Timeout      time.Duration // 单次查询超时
	Hash         string        // HashSHA512 或 HashBLAKE2b
	Salt         []byte        // blake2b 密钥，最长 64 字节
	NegativeTTL  time.Duration // 未通过结果的缓存时间，<=0 表示不缓存
}

// 未通过缓存的容量上限
const negativeCacheSize = 10000

// Verifier 通过 DNS TXT 记录证明自定义域名的所有权
type Verifier struct {
	resolver Resolver
	opts     Options
	logger   *zap.Logger

	// 最近未通过的 (域名, 摘要)，重复认领不再查 DNS
	misses *cache.TTLCache[struct{}]
}

// New 创建校验器
//
// 参数:
//   - resolver: DNS 查询实现，为 nil 时使用 net.DefaultResolver
//   - opts: 校验配置
//   - logger: 日志记录器，为 nil 时不输出
func New(resolver Resolver, opts Options, logger *zap.Logger) (*Verifier, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RecordPrefix == "" {
		opts.RecordPrefix = "exploding-email"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	switch opts.Hash {
	case "":
		opts.Hash = HashSHA512
	case HashSHA512:
	case HashBLAKE2b:
		if len(opts.Salt) > blake2b.Size {
			return nil, fmt.Errorf("blake2b salt too long: %d bytes", len(opts.Salt))
		}
	default:
		return nil, fmt.Errorf("unsupported hash %q", opts.Hash)
	}

	v := &Verifier{
		resolver: resolver,
		opts:     opts,
		logger:   logger,
	}
	if opts.NegativeTTL > 0 {
		v.misses = cache.New[struct{}](negativeCacheSize, opts.NegativeTTL)
	}
	return v, nil
}

// Run 定期清理未通过缓存，直到 ctx 取消
func (v *Verifier) Run(ctx context.Context) {
	if v.misses == nil {
		<-ctx.Done()
		return
	}
	v.misses.Run(ctx, v.opts.NegativeTTL)
}

// Digest 计算密钥的证明值（小写十六进制），即域名所有者需要写入 TXT 记录的内容
func (v *Verifier) Digest(key string) string {
	var h hash.Hash
	if v.opts.Hash == HashBLAKE2b {
		// 密钥长度已在 New 中校验，这里不会失败
		h, _ = blake2b.New512(v.opts.Salt)
	} else {
		h = sha512.New()
	}
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize 将域名转换为小写 ASCII 形式，格式非法时 ok 为 false
func Normalize(name string) (string, bool) {
	name = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(name)), ".")
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", false
	}
	if !domain.ValidDomain(ascii) {
		return "", false
	}
	return ascii, true
}

// HasProof 判断域名是否发布了与密钥匹配的 TXT 证明
//
// 查询 <prefix>.<domain> 的全部 TXT 记录，任意一条包含密钥摘要即通过。
// 域名格式错误、查询失败或超时都返回 false。
//
// 参数:
//   - ctx: 上下文，取消时立即返回 false
//   - name: 待认领的域名
//   - key: 客户端提供的密钥
func (v *Verifier) HasProof(ctx context.Context, name, key string) bool {
	normalized, ok := Normalize(name)
	if !ok {
		v.logger.Debug("rejecting malformed domain", zap.String("domain", name))
		return false
	}
	if key == "" {
		return false
	}

	digest := v.Digest(key)
	missKey := normalized + "|" + digest
	if v.misses != nil {
		if _, hit := v.misses.Get(missKey); hit {
			v.logger.Debug("recently failed proof, skipping lookup", zap.String("domain", normalized))
			return false
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	record := v.opts.RecordPrefix + "." + normalized
	txtRecords, err := v.resolver.LookupTXT(lookupCtx, record)
	if err != nil {
		v.logger.Warn("TXT lookup failed",
			zap.String("record", record),
			zap.Error(err))
		v.rememberMiss(ctx, missKey)
		return false
	}

	for _, txt := range txtRecords {
		if strings.Contains(strings.ToLower(txt), digest) {
			return true
		}
	}

	v.logger.Debug("no matching TXT proof",
		zap.String("record", record),
		zap.Int("records", len(txtRecords)))
	v.rememberMiss(ctx, missKey)
	return false
}

// rememberMiss 缓存未通过结果，调用方取消导致的失败不缓存
func (v *Verifier) rememberMiss(ctx context.Context, key string) {
	if v.misses == nil || ctx.Err() != nil {
		return
	}
	v.misses.Set(key, struct{}{}, 0)
}

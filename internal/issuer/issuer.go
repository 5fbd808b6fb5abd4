package issuer

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"exploding/gateway/internal/domain"
)

var (
	// ErrGenerationFailed 表示无法生成新的地址/令牌（随机源失败或令牌冲突重试耗尽）。
	ErrGenerationFailed = errors.New("inbox generation failed")
	// ErrNoDomains 表示没有可用的主域名。
	ErrNoDomains = errors.New("no mailbox domains configured")
)

const (
	// tokenBytes 恢复令牌的随机字节数
	tokenBytes = 64
	// localPartLength 随机本地部分长度
	localPartLength = 12
	// maxAttempts 令牌冲突时的最大重试次数
	maxAttempts = 3

	localAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Issuer 负责签发临时邮箱地址与恢复令牌，并维护 令牌 -> 地址 映射。
//
// 这里不处理过期：地址的生存时间只记录在路由表中。
type Issuer struct {
	domains []string

	mu     sync.RWMutex
	tokens map[string]string // token -> address

	// 以下随机函数可在测试中替换
	randomInt   func(max int) (int, error)
	randomBytes func(b []byte) error
}

// New 创建签发器
//
// 参数:
//   - domains: 主域名列表，随机地址从中均匀挑选
func New(domains []string) (*Issuer, error) {
	if len(domains) == 0 {
		return nil, ErrNoDomains
	}
	list := make([]string, len(domains))
	copy(list, domains)

	return &Issuer{
		domains:     list,
		tokens:      make(map[string]string),
		randomInt:   cryptoInt,
		randomBytes: cryptoBytes,
	}, nil
}

// Issue 签发一个新的邮箱地址和恢复令牌
//
// 参数:
//   - expiresAt: 过期时间，原样写入返回值
//
// 返回值:
//   - domain.Inbox: 地址、令牌和过期时间
//   - error: 随机源失败或冲突重试耗尽时返回 ErrGenerationFailed
func (i *Issuer) Issue(expiresAt time.Time) (domain.Inbox, error) {
	idx, err := i.randomInt(len(i.domains))
	if err != nil {
		return domain.Inbox{}, fmt.Errorf("%w: pick domain: %v", ErrGenerationFailed, err)
	}

	local, err := i.localPart()
	if err != nil {
		return domain.Inbox{}, fmt.Errorf("%w: local part: %v", ErrGenerationFailed, err)
	}
	address := local + "@" + i.domains[idx]

	for attempt := 0; attempt < maxAttempts; attempt++ {
		token, err := i.token()
		if err != nil {
			return domain.Inbox{}, fmt.Errorf("%w: token: %v", ErrGenerationFailed, err)
		}

		i.mu.Lock()
		if _, taken := i.tokens[token]; taken {
			i.mu.Unlock()
			continue
		}
		i.tokens[token] = address
		i.mu.Unlock()

		return domain.Inbox{
			Address:   address,
			Token:     token,
			ExpiresAt: expiresAt,
		}, nil
	}

	return domain.Inbox{}, fmt.Errorf("%w: token collision", ErrGenerationFailed)
}

// Lookup 查找令牌对应的地址
func (i *Issuer) Lookup(token string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	address, ok := i.tokens[token]
	return address, ok
}

// Revoke 原子地删除令牌并返回其地址
func (i *Issuer) Revoke(token string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	address, ok := i.tokens[token]
	if ok {
		delete(i.tokens, token)
	}
	return address, ok
}

// RevokeAddress 作废指向某地址的所有令牌，返回作废数量。
//
// 仅在令牌随邮箱一起过期的模式下由扫描调用；线性遍历可以接受，
// 因为扫描周期以分钟计。
func (i *Issuer) RevokeAddress(address string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for token, addr := range i.tokens {
		if addr == address {
			delete(i.tokens, token)
			n++
		}
	}
	return n
}

// Len 返回当前有效令牌数量
func (i *Issuer) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.tokens)
}

// Domains 返回主域名列表的副本
func (i *Issuer) Domains() []string {
	out := make([]string, len(i.domains))
	copy(out, i.domains)
	return out
}

func (i *Issuer) localPart() (string, error) {
	b := make([]byte, localPartLength)
	for n := range b {
		idx, err := i.randomInt(len(localAlphabet))
		if err != nil {
			return "", err
		}
		b[n] = localAlphabet[idx]
	}
	return string(b), nil
}

func (i *Issuer) token() (string, error) {
	b := make([]byte, tokenBytes)
	if err := i.randomBytes(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func cryptoInt(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

func cryptoBytes(b []byte) error {
	_, err := rand.Read(b)
	return err
}

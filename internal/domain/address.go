package domain

import (
	"regexp"
	"strings"
)

// 地址长度限制（RFC 5321）
const (
	MaxAddressLength   = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
)

// WildcardPrefix 是通配域名认领的键前缀，完整键为 "*@domain"
const WildcardPrefix = "*@"

// 域名验证（支持子域名，要求至少两级）
var domainRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

// NormalizeAddress 去掉尖括号和空白并转为小写
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

// SplitAddress 按最后一个 @ 拆分地址，任一部分为空时 ok 为 false
func SplitAddress(addr string) (local, domain string, ok bool) {
	i := strings.LastIndexByte(addr, '@')
	if i <= 0 || i == len(addr)-1 {
		return "", "", false
	}
	return addr[:i], addr[i+1:], true
}

// WildcardKey 返回域名对应的通配路由键
func WildcardKey(domain string) string {
	return WildcardPrefix + strings.ToLower(domain)
}

// IsWildcardKey 判断路由键是否为通配认领
func IsWildcardKey(key string) bool {
	return strings.HasPrefix(key, WildcardPrefix)
}

// ValidDomain 校验 ASCII 域名格式（调用方负责 IDNA 转换与小写）
func ValidDomain(domain string) bool {
	if domain == "" || len(domain) > MaxDomainLength {
		return false
	}
	return domainRegex.MatchString(domain)
}

// ValidAddress 校验收件地址的基本结构
func ValidAddress(addr string) bool {
	if len(addr) > MaxAddressLength {
		return false
	}
	local, domain, ok := SplitAddress(addr)
	if !ok || len(local) > MaxLocalPartLength {
		return false
	}
	return ValidDomain(domain)
}

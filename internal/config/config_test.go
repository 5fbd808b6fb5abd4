package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"EXPLODING_SERVER_HOST",
	"EXPLODING_SERVER_PORT",
	"EXPLODING_MAILBOX_DOMAINS",
	"EXPLODING_MAILBOX_TTL",
	"EXPLODING_MAILBOX_EXPIRE_TOKENS",
	"EXPLODING_GATEWAY_HEARTBEAT_INTERVAL",
	"EXPLODING_GATEWAY_SWEEP_INTERVAL",
	"EXPLODING_GATEWAY_ALLOWED_ORIGINS",
	"EXPLODING_DNS_HASH",
	"EXPLODING_DNS_SALT",
	"EXPLODING_DNS_RECORD_PREFIX",
	"EXPLODING_SMTP_BIND_ADDR",
	"EXPLODING_REDIS_ADDRESS",
	"EXPLODING_HTTP_ONION_HOST",
	"EXPLODING_LOG_LEVEL",
	"EXPLODING_LOG_DEVELOPMENT",
}

// clearEnv 把相关环境变量置空（viper 视空值为未设置），t.Setenv 会在测试结束后恢复原值
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		clearEnv(t)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8099, cfg.Server.Port)
		assert.Equal(t, []string{"theeyeoftruth.com", "magicaljellyfish.com"}, cfg.Mailbox.Domains)
		assert.Equal(t, 72*time.Hour, cfg.Mailbox.TTL)
		assert.False(t, cfg.Mailbox.ExpireTokens)
		assert.Equal(t, time.Second, cfg.Gateway.HeartbeatInterval)
		assert.Equal(t, 5*time.Minute, cfg.Gateway.SweepInterval)
		assert.Equal(t, []string{"*"}, cfg.Gateway.AllowedOrigins)
		assert.Equal(t, "exploding-email", cfg.DNS.RecordPrefix)
		assert.Equal(t, "sha512", cfg.DNS.Hash)
		assert.Equal(t, 30*time.Second, cfg.DNS.NegativeTTL)
		assert.Equal(t, ":2525", cfg.SMTP.BindAddr)
		assert.Equal(t, int64(1<<20), cfg.SMTP.MaxMessageBytes)
		assert.Equal(t, "exp-stats", cfg.Redis.CounterKey)
		assert.Equal(t, "https://exploding.email", cfg.HTTP.RedirectURL)
		assert.Equal(t, 10*time.Minute, cfg.Webhook.Interval)
		assert.Equal(t, "info", cfg.Log.Level)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("EXPLODING_SERVER_PORT", "9000")
		t.Setenv("EXPLODING_MAILBOX_DOMAINS", "DomainA.test, domainb.test")
		t.Setenv("EXPLODING_MAILBOX_TTL", "30m")
		t.Setenv("EXPLODING_MAILBOX_EXPIRE_TOKENS", "true")
		t.Setenv("EXPLODING_GATEWAY_ALLOWED_ORIGINS", "https://a.test,https://b.test")
		t.Setenv("EXPLODING_DNS_HASH", "BLAKE2B")
		t.Setenv("EXPLODING_DNS_SALT", "pepper")
		t.Setenv("EXPLODING_HTTP_ONION_HOST", "ABC.onion")
		t.Setenv("EXPLODING_LOG_DEVELOPMENT", "true")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, []string{"domaina.test", "domainb.test"}, cfg.Mailbox.Domains)
		assert.Equal(t, 30*time.Minute, cfg.Mailbox.TTL)
		assert.True(t, cfg.Mailbox.ExpireTokens)
		assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.Gateway.AllowedOrigins)
		assert.Equal(t, "blake2b", cfg.DNS.Hash)
		assert.Equal(t, "pepper", cfg.DNS.Salt)
		assert.Equal(t, "abc.onion", cfg.HTTP.OnionHost)
		assert.True(t, cfg.Log.Development)
	})

	t.Run("非法TTL失败", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("EXPLODING_MAILBOX_TTL", "forever")

		cfg, err := Load()
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "mailbox.ttl")
	})

	t.Run("非正数扫描间隔失败", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("EXPLODING_GATEWAY_SWEEP_INTERVAL", "0s")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("空域名列表失败", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("EXPLODING_MAILBOX_DOMAINS", " , ")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "mailbox.domains")
	})

	t.Run("未知摘要算法失败", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("EXPLODING_DNS_HASH", "md5")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestIsPrimaryDomain(t *testing.T) {
	cfg := &Config{Mailbox: MailboxConfig{Domains: []string{"domaina.test"}}}

	assert.True(t, cfg.IsPrimaryDomain("domaina.test"))
	assert.True(t, cfg.IsPrimaryDomain("DomainA.Test"))
	assert.False(t, cfg.IsPrimaryDomain("example.org"))
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b ,"))
	assert.Empty(t, parseList(""))
}

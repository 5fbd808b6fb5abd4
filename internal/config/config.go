package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义网关（WebSocket + HTTP）的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8099
}

// MailboxConfig 定义临时邮箱的核心业务配置
type MailboxConfig struct {
	Domains      []string      // 主域名列表，随机地址只从这里挑选
	TTL          time.Duration // 邮箱生存时间，默认 72 小时
	ExpireTokens bool          // 邮箱过期时是否同时作废恢复令牌（默认保留，令牌可继续恢复）
}

// GatewayConfig 定义实时推送连接的行为
type GatewayConfig struct {
	Version           string        // 连接建立时通告的服务端版本
	HeartbeatInterval time.Duration // 统计/心跳推送间隔，默认 1 秒
	SweepInterval     time.Duration // 过期扫描间隔，默认 5 分钟
	AllowedOrigins    []string      // 允许的 Origin 列表，"*" 表示全部
	SendBuffer        int           // 每个会话的出站队列长度
	MaxFrameBytes     int64         // 入站帧大小上限
	WriteTimeout      time.Duration // 单帧写超时
}

// DNSConfig 定义自定义域名所有权校验配置
type DNSConfig struct {
	RecordPrefix string        // TXT 记录所在的子域前缀，默认 "exploding-email"
	Timeout      time.Duration // 单次查询超时
	Hash         string        // 摘要算法: "sha512" 或 "blake2b"
	Salt         string        // blake2b 的密钥（盐），sha512 时忽略
	NegativeTTL  time.Duration // 校验失败结果的缓存时间，0 表示不缓存
}

// SMTPConfig 定义 SMTP 邮件接收服务器的配置
type SMTPConfig struct {
	BindAddr        string        // SMTP 服务监听地址，格式 "host:port"，默认 ":2525"
	Domain          string        // SMTP 服务器域名，用于 220/EHLO 响应
	MaxMessageBytes int64         // 单封邮件大小上限，默认 1MB
	MaxRecipients   int           // 单封邮件最多收件人
	ReadTimeout     time.Duration // 读超时
	WriteTimeout    time.Duration // 写超时
	MaxConns        int           // 最大并发连接数
	ConnRate        int           // 每秒最多新建连接数
}

// RedisConfig 定义统计计数器使用的 Redis 配置
type RedisConfig struct {
	Address    string // Redis 服务地址，留空则使用进程内计数器
	Password   string // Redis 认证密码，留空表示无密码
	DB         int    // Redis 数据库编号，默认 0
	CounterKey string // 计数器键名，默认 "exp-stats"
}

// HTTPConfig 定义与网关共用端口的普通 HTTP 响应
type HTTPConfig struct {
	RedirectURL    string   // 普通请求的 302 跳转目标
	OnionHost      string   // 命中该 Host 时返回精简页面
	MinimalPage    string   // 精简页面文件路径
	AllowedOrigins []string // CORS 允许来源
}

// WebhookConfig 定义统计通知 Webhook
type WebhookConfig struct {
	URL      string        // 留空表示禁用
	Interval time.Duration // 通知间隔，默认 10 分钟
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 控制台编码 + 详细堆栈
	File        string // 日志文件路径，留空只输出到 stdout
}

// Config 是系统配置的根结构体
type Config struct {
	Server  ServerConfig
	Mailbox MailboxConfig
	Gateway GatewayConfig
	DNS     DNSConfig
	SMTP    SMTPConfig
	Redis   RedisConfig
	HTTP    HTTPConfig
	Webhook WebhookConfig
	Log     LogConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: EXPLODING_
// 例如: EXPLODING_SERVER_PORT, EXPLODING_MAILBOX_DOMAINS
//
// 返回值:
//   - *Config: 加载成功的配置对象
//   - error: 配置验证失败时返回错误
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("exploding")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8099)
	v.SetDefault("mailbox.domains", "theeyeoftruth.com,magicaljellyfish.com")
	v.SetDefault("mailbox.ttl", "72h")
	v.SetDefault("mailbox.expire_tokens", false)
	v.SetDefault("gateway.version", "1.0.0")
	v.SetDefault("gateway.heartbeat_interval", "1s")
	v.SetDefault("gateway.sweep_interval", "5m")
	v.SetDefault("gateway.allowed_origins", "*")
	v.SetDefault("gateway.send_buffer", 64)
	v.SetDefault("gateway.max_frame_bytes", 4096)
	v.SetDefault("gateway.write_timeout", "10s")
	v.SetDefault("dns.record_prefix", "exploding-email")
	v.SetDefault("dns.timeout", "5s")
	v.SetDefault("dns.hash", "sha512")
	v.SetDefault("dns.salt", "")
	v.SetDefault("dns.negative_ttl", "30s")
	v.SetDefault("smtp.bind_addr", ":2525")
	v.SetDefault("smtp.domain", "localhost")
	v.SetDefault("smtp.max_message_bytes", 1<<20)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.read_timeout", "20s")
	v.SetDefault("smtp.write_timeout", "20s")
	v.SetDefault("smtp.max_conns", 200)
	v.SetDefault("smtp.conn_rate", 20)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.counter_key", "exp-stats")
	v.SetDefault("http.redirect_url", "https://exploding.email")
	v.SetDefault("http.onion_host", "")
	v.SetDefault("http.minimal_page", "minimal.html")
	v.SetDefault("http.allowed_origins", "*")
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.interval", "10m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")

	domainList := parseDomains(v.GetString("mailbox.domains"))
	if len(domainList) == 0 {
		return nil, fmt.Errorf("mailbox.domains must not be empty")
	}

	ttl, err := parseDuration(v, "mailbox.ttl")
	if err != nil {
		return nil, err
	}
	heartbeat, err := parseDuration(v, "gateway.heartbeat_interval")
	if err != nil {
		return nil, err
	}
	sweep, err := parseDuration(v, "gateway.sweep_interval")
	if err != nil {
		return nil, err
	}
	dnsTimeout, err := parseDuration(v, "dns.timeout")
	if err != nil {
		return nil, err
	}
	webhookInterval, err := parseDuration(v, "webhook.interval")
	if err != nil {
		return nil, err
	}

	// 以下超时解析失败时回退默认值，与其余可选项保持一致
	writeTimeout, err := time.ParseDuration(v.GetString("gateway.write_timeout"))
	if err != nil || writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	negativeTTL, err := time.ParseDuration(v.GetString("dns.negative_ttl"))
	if err != nil || negativeTTL < 0 {
		negativeTTL = 30 * time.Second
	}
	smtpRead, err := time.ParseDuration(v.GetString("smtp.read_timeout"))
	if err != nil || smtpRead <= 0 {
		smtpRead = 20 * time.Second
	}
	smtpWrite, err := time.ParseDuration(v.GetString("smtp.write_timeout"))
	if err != nil || smtpWrite <= 0 {
		smtpWrite = 20 * time.Second
	}

	hash := strings.ToLower(strings.TrimSpace(v.GetString("dns.hash")))
	if hash != "sha512" && hash != "blake2b" {
		return nil, fmt.Errorf("dns.hash must be sha512 or blake2b, got %q", hash)
	}
	salt := v.GetString("dns.salt")
	if hash == "blake2b" && len(salt) > 64 {
		return nil, fmt.Errorf("dns.salt must be at most 64 bytes for blake2b")
	}

	sendBuffer := v.GetInt("gateway.send_buffer")
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	maxFrame := v.GetInt64("gateway.max_frame_bytes")
	if maxFrame <= 0 {
		maxFrame = 4096
	}

	gatewayOrigins := parseList(v.GetString("gateway.allowed_origins"))
	if len(gatewayOrigins) == 0 {
		gatewayOrigins = []string{"*"}
	}
	httpOrigins := parseList(v.GetString("http.allowed_origins"))
	if len(httpOrigins) == 0 {
		httpOrigins = []string{"*"}
	}

	maxRecipients := v.GetInt("smtp.max_recipients")
	if maxRecipients <= 0 {
		maxRecipients = 50
	}
	maxConns := v.GetInt("smtp.max_conns")
	if maxConns <= 0 {
		maxConns = 200
	}
	connRate := v.GetInt("smtp.conn_rate")
	if connRate <= 0 {
		connRate = 20
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Mailbox: MailboxConfig{
			Domains:      domainList,
			TTL:          ttl,
			ExpireTokens: v.GetBool("mailbox.expire_tokens"),
		},
		Gateway: GatewayConfig{
			Version:           v.GetString("gateway.version"),
			HeartbeatInterval: heartbeat,
			SweepInterval:     sweep,
			AllowedOrigins:    gatewayOrigins,
			SendBuffer:        sendBuffer,
			MaxFrameBytes:     maxFrame,
			WriteTimeout:      writeTimeout,
		},
		DNS: DNSConfig{
			RecordPrefix: strings.Trim(v.GetString("dns.record_prefix"), "."),
			Timeout:      dnsTimeout,
			Hash:         hash,
			Salt:         salt,
			NegativeTTL:  negativeTTL,
		},
		SMTP: SMTPConfig{
			BindAddr:        v.GetString("smtp.bind_addr"),
			Domain:          v.GetString("smtp.domain"),
			MaxMessageBytes: v.GetInt64("smtp.max_message_bytes"),
			MaxRecipients:   maxRecipients,
			ReadTimeout:     smtpRead,
			WriteTimeout:    smtpWrite,
			MaxConns:        maxConns,
			ConnRate:        connRate,
		},
		Redis: RedisConfig{
			Address:    v.GetString("redis.address"),
			Password:   v.GetString("redis.password"),
			DB:         v.GetInt("redis.db"),
			CounterKey: v.GetString("redis.counter_key"),
		},
		HTTP: HTTPConfig{
			RedirectURL:    v.GetString("http.redirect_url"),
			OnionHost:      strings.ToLower(v.GetString("http.onion_host")),
			MinimalPage:    v.GetString("http.minimal_page"),
			AllowedOrigins: httpOrigins,
		},
		Webhook: WebhookConfig{
			URL:      v.GetString("webhook.url"),
			Interval: webhookInterval,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
	}

	if cfg.Redis.CounterKey == "" {
		cfg.Redis.CounterKey = "exp-stats"
	}
	if cfg.DNS.RecordPrefix == "" {
		return nil, fmt.Errorf("dns.record_prefix must not be empty")
	}

	return cfg, nil
}

// IsPrimaryDomain 判断域名是否属于配置的主域名
func (c *Config) IsPrimaryDomain(domain string) bool {
	domain = strings.ToLower(domain)
	for _, d := range c.Mailbox.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// parseDuration 解析必须为正数的时长配置项
func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

// parseDomains 将逗号分隔的域名字符串解析为小写域名数组
//
// 参数:
//   - value: 逗号分隔的域名字符串，如 "domaina.test,domainb.test"
//
// 返回值:
//   - []string: 解析后的小写域名数组
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env
//
// 文件不存在时静默忽略；已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}

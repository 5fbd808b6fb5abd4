package domain

import "time"

// Inbox 描述一次签发的临时邮箱。
type Inbox struct {
	Address   string    // 邮箱地址 local@domain
	Token     string    // 恢复令牌，通配域名认领时为空
	ExpiresAt time.Time // 过期时间
}

// Stats 是心跳推送的统计数据
type Stats struct {
	EmailsReceived int64 `json:"emails_received"`
	Clients        int   `json:"clients"`
}

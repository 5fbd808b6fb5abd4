package domain

import (
	"encoding/json"
	"time"
)

// Email 表示一封已被 SMTP 接收并规范化的邮件（每个收件人一条）。
//
// 记录创建后不可修改，只被路由决策消费一次。
type Email struct {
	From    string    // 信封发件人
	To      string    // 信封收件人（已小写）
	Subject string    // 解码后的主题
	Body    string    // 纯文本正文
	HTML    string    // HTML 正文，可能为空
	Date    time.Time // 接收时间
	IP      string    // 发送方地址
}

// emailJSON 是推送给客户端的邮件结构，date 为 unix 毫秒
type emailJSON struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
	Date    int64  `json:"date"`
	IP      string `json:"ip"`
}

// MarshalJSON 以客户端约定的字段名输出邮件
func (e Email) MarshalJSON() ([]byte, error) {
	return json.Marshal(emailJSON{
		From:    e.From,
		To:      e.To,
		Subject: e.Subject,
		Body:    e.Body,
		HTML:    e.HTML,
		Date:    UnixMilli(e.Date),
		IP:      e.IP,
	})
}

// UnixMilli 把时间转换为 unix 毫秒，零值返回 0
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

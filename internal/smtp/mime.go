package smtp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// 邮件缺少主题或正文时使用的占位文本
const (
	NoSubject   = "[no subject]"
	InvalidBody = "[email has empty or invalid body]"
)

func init() {
	// go-message 解码正文和编码字时使用
	message.CharsetReader = charsetReader
}

// ParsedEmail 表示解析后的邮件内容。
type ParsedEmail struct {
	Subject string
	From    string
	Text    string
	HTML    string
}

// ParseEmail 解析邮件，提取主题、文本和 HTML。
//
// 嵌套的 multipart 会被展开，只保留第一段文本和第一段 HTML，附件被跳过。
// 未知字符集不视为错误，对应部分按原始字节保留。
func ParseEmail(rawEmail []byte) (*ParsedEmail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(rawEmail))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse mail: %w", err)
	}
	defer mr.Close()

	parsed := &ParsedEmail{
		Subject: headerText(mr.Header, "Subject"),
		From:    headerText(mr.Header, "From"),
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return parsed, nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("read part: %w", err)
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		mediaType, _, err := inline.ContentType()
		if err != nil || mediaType == "" {
			mediaType = "text/plain"
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if parsed.HTML == "" {
				parsed.HTML = string(body)
			}
		case strings.HasPrefix(mediaType, "text/plain"):
			if parsed.Text == "" {
				parsed.Text = string(body)
			}
		}
	}
}

// headerText 解码 RFC 2047 编码的头部，解码失败时返回原值
func headerText(h mail.Header, key string) string {
	decoded, err := h.Text(key)
	if err != nil {
		return h.Get(key)
	}
	return decoded
}

// charsetReader 为非 UTF-8 字符集提供解码
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(strings.ToLower(strings.TrimSpace(charset)))
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// Normalize 按固定规则补全主题和正文
//
// 没有纯文本正文时从 HTML 转换；仍然为空时使用 InvalidBody。
func (p *ParsedEmail) Normalize() (subject, body, html string) {
	subject = strings.TrimSpace(p.Subject)
	if subject == "" {
		subject = NoSubject
	}

	body = p.Text
	if strings.TrimSpace(body) == "" && p.HTML != "" {
		body = html2text.HTML2Text(p.HTML)
	}
	if strings.TrimSpace(body) == "" {
		body = InvalidBody
	}
	return subject, body, p.HTML
}

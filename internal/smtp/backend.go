package smtp

import (
	"errors"
	"io"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"exploding/gateway/internal/config"
	"exploding/gateway/internal/domain"
	"exploding/gateway/internal/monitoring"
)

// Ingestor 接收规范化后的邮件记录
//
// DeliverEmail 每个 (邮件, 收件人) 调用一次，CountMessage 每封邮件调用一次。
type Ingestor interface {
	DeliverEmail(email domain.Email) bool
	CountMessage()
}

var (
	errTooManyConnections = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
		Message:      "too many connections, try again later",
	}
	errInvalidRecipient = &gosmtp.SMTPError{
		Code:         501,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
		Message:      "invalid recipient address",
	}
	errInvalidEnvelope = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "invalid envelope (missing sender or recipient)",
	}
	errMessageTooLarge = &gosmtp.SMTPError{
		Code:         552,
		EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
		Message:      "message size exceeded",
	}
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只接收邮件的服务器：任何语法合法的收件人都会被接受，
// 是否有在线会话由 Ingestor 决定，没有会话的邮件被静默丢弃。
// 不提供 AUTH，也不外发邮件。
type Backend struct {
	ingestor        Ingestor
	limiter         *ConnectionLimiter
	maxMessageBytes int64
	metrics         *monitoring.Metrics
	log             *zap.Logger
	now             func() time.Time
}

// NewBackend 创建 SMTP Backend。
//
// 参数:
//   - cfg: SMTP 配置
//   - ingestor: 邮件记录的接收方
//   - metrics: 监控指标，可为 nil
//   - logger: 日志记录器，可为 nil
func NewBackend(cfg config.SMTPConfig, ingestor Ingestor, metrics *monitoring.Metrics, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Backend{
		ingestor:        ingestor,
		limiter:         NewConnectionLimiter(cfg.MaxConns, cfg.ConnRate),
		maxMessageBytes: maxBytes,
		metrics:         metrics,
		log:             logger,
		now:             time.Now,
	}
}

// NewServer 创建绑定到该 Backend 的 SMTP 服务器
func NewServer(cfg config.SMTPConfig, be *Backend) *gosmtp.Server {
	s := gosmtp.NewServer(be)
	s.Addr = cfg.BindAddr
	s.Domain = cfg.Domain
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = be.maxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	return s
}

// NewSession 创建新的 SMTP 会话，超过连接限制时返回 421。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	return b.newSession(remote)
}

func (b *Backend) newSession(remoteAddr string) (*session, error) {
	if ok, reason := b.limiter.Acquire(); !ok {
		b.metrics.SMTPConnsRejected.WithLabelValues(reason).Inc()
		b.log.Warn("smtp connection rejected",
			zap.String("remote_addr", remoteAddr),
			zap.String("reason", reason))
		return nil, errTooManyConnections
	}

	ip := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ip = host
	}

	id := uuid.NewString()
	return &session{
		backend: b,
		id:      id,
		ip:      ip,
		log:     b.log.With(zap.String("smtp_session", id), zap.String("remote_ip", ip)),
	}, nil
}

type session struct {
	backend    *Backend
	id         string
	ip         string
	log        *zap.Logger
	from       string
	recipients []string
	released   bool
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = domain.NormalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令，只校验地址语法。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := domain.NormalizeAddress(to)
	if !domain.ValidAddress(addr) {
		return errInvalidRecipient
	}
	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容，为每个收件人生成一条邮件记录。
func (s *session) Data(r io.Reader) error {
	if s.from == "" || len(s.recipients) == 0 {
		// 读完数据再拒绝，保持协议同步
		_, _ = io.Copy(io.Discard, r)
		return errInvalidEnvelope
	}

	raw, err := io.ReadAll(io.LimitReader(r, s.backend.maxMessageBytes+1))
	if err != nil {
		if errors.Is(err, gosmtp.ErrDataTooLarge) {
			return errMessageTooLarge
		}
		return err
	}
	if int64(len(raw)) > s.backend.maxMessageBytes {
		_, _ = io.Copy(io.Discard, r)
		return errMessageTooLarge
	}
	s.backend.metrics.EmailSize.Observe(float64(len(raw)))

	subject, body, html := NoSubject, InvalidBody, ""
	parsed, err := ParseEmail(raw)
	if err != nil {
		s.log.Debug("failed to parse message, using placeholders", zap.Error(err))
	} else {
		subject, body, html = parsed.Normalize()
	}

	s.backend.ingestor.CountMessage()

	received := s.backend.now()
	delivered := 0
	for _, rcpt := range s.recipients {
		ok := s.backend.ingestor.DeliverEmail(domain.Email{
			From:    s.from,
			To:      rcpt,
			Subject: subject,
			Body:    body,
			HTML:    html,
			Date:    received,
			IP:      s.ip,
		})
		if ok {
			delivered++
		}
	}

	s.log.Info("message accepted",
		zap.String("from", s.from),
		zap.Int("recipients", len(s.recipients)),
		zap.Int("delivered", delivered),
		zap.Int("size", len(raw)))
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束，归还连接许可。
func (s *session) Logout() error {
	if !s.released {
		s.released = true
		s.backend.limiter.Release()
	}
	return nil
}

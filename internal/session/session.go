package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"exploding/gateway/internal/domain"
)

// Conn 是会话依赖的最小连接接口，*websocket.Conn 满足该接口
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// State 会话状态
type State int32

const (
	StateUnbound    State = iota // 已连接，尚未绑定地址
	StateBound                   // 已绑定地址或通配域名
	StateTerminated              // 已终止，不可恢复
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Options 会话参数
type Options struct {
	ID                string              // 会话 ID，留空时生成 UUID
	RemoteAddr        string              // 对端地址，仅用于日志
	SendBuffer        int                 // 出站队列长度
	MaxFrameBytes     int64               // 入站帧大小上限
	WriteTimeout      time.Duration       // 单帧写超时
	HeartbeatInterval time.Duration       // 统计推送间隔，<=0 表示不推送
	Stats             func() domain.Stats // 统计快照来源
	Handler           Handler             // 客户端请求处理
	OnProtocolError   func(code domain.OpCode)
	OnFrameDropped    func()
	Logger            *zap.Logger
}

// closeRequest 终止连接的最后一帧
type closeRequest struct {
	frame    []byte
	graceful bool
}

// Session 代表一个客户端实时连接
//
// 所有出站方法都是非阻塞的：帧进入有界队列，队列满时丢弃并记录日志。
// 终止后的所有发送都是空操作。
type Session struct {
	id   string
	conn Conn
	opts Options
	log  *zap.Logger

	state atomic.Int32
	key   atomic.Value // string

	send    chan []byte
	closing chan closeRequest
	quit    chan struct{} // 终止时关闭
	done    chan struct{} // 连接关闭后关闭

	startOnce sync.Once
}

// New 创建会话，调用 Start 后开始收发
func New(conn Conn, opts Options) *Session {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Session{
		id:      opts.ID,
		conn:    conn,
		opts:    opts,
		log:     opts.Logger.With(zap.String("session", opts.ID), zap.String("remote_addr", opts.RemoteAddr)),
		send:    make(chan []byte, opts.SendBuffer),
		closing: make(chan closeRequest, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.key.Store("")
	return s
}

// ID 返回会话 ID
func (s *Session) ID() string { return s.id }

// RemoteAddr 返回对端地址
func (s *Session) RemoteAddr() string { return s.opts.RemoteAddr }

// State 返回当前状态
func (s *Session) State() State { return State(s.state.Load()) }

// Terminated 判断会话是否已终止
func (s *Session) Terminated() bool { return s.State() == StateTerminated }

// Key 返回会话绑定的路由键，未绑定时为空
func (s *Session) Key() string { return s.key.Load().(string) }

// Done 返回在连接完全关闭后关闭的通道
func (s *Session) Done() <-chan struct{} { return s.done }

// Bind 记录会话绑定的路由键并进入 bound 状态，已终止时返回 false
func (s *Session) Bind(key string) bool {
	for {
		cur := s.state.Load()
		if State(cur) == StateTerminated {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(StateBound)) {
			s.key.Store(key)
			return true
		}
	}
}

// Start 启动读写协程和心跳
func (s *Session) Start() {
	s.startOnce.Do(func() {
		if s.opts.MaxFrameBytes > 0 {
			s.conn.SetReadLimit(s.opts.MaxFrameBytes)
		}
		go s.writePump()
		go s.readPump()
		if s.opts.HeartbeatInterval > 0 && s.opts.Stats != nil {
			go s.heartbeat()
		}
	})
}

// AnnounceVersion 发送服务端版本
func (s *Session) AnnounceVersion(version string) {
	s.enqueue(versionFrame{Op: domain.OpVersion, Version: version})
}

// DeliverStats 推送统计快照
func (s *Session) DeliverStats(stats domain.Stats) {
	s.enqueue(statsFrame{Op: domain.OpStatisticsRequestResponse, Statistics: stats})
}

// DeliverEmail 推送一封邮件
func (s *Session) DeliverEmail(email domain.Email) {
	s.enqueue(emailFrame{Op: domain.OpEmailIncoming, Type: "email", Data: email})
}

// NotifyNewInbox 通知新分配的地址（通配认领时 token 为空）
func (s *Session) NotifyNewInbox(address, token string, expiresAt time.Time) {
	s.enqueue(newInboxFrame{
		Op:      domain.OpHereIsYourEmailAndToken,
		Email:   address,
		Token:   token,
		Expires: domain.UnixMilli(expiresAt),
	})
}

// NotifyResumed 通知恢复成功
func (s *Session) NotifyResumed(address string, expiresAt time.Time) {
	s.enqueue(resumeFrame{
		Op:      domain.OpResumeSuccess,
		Email:   address,
		Expires: domain.UnixMilli(expiresAt),
	})
}

// NotifyExpired 通知邮箱过期并关闭连接
func (s *Session) NotifyExpired() {
	s.Close(domain.OpInboxExpired, "Inbox expired.")
}

// Terminate 发送错误帧后立即断开连接
//
// 返回值:
//   - bool: 本次调用是否实际终止了会话（已终止时为 false）
func (s *Session) Terminate(code domain.OpCode, reason string) bool {
	frame, err := json.Marshal(terminateFrame{Op: code, Error: reason, Terminated: true})
	if err != nil {
		frame = nil
	}
	ok := s.shutdown(closeRequest{frame: frame})
	if ok {
		s.log.Debug("session terminated", zap.Stringer("op", code), zap.String("reason", reason))
	}
	return ok
}

// Close 发送说明帧后正常关闭连接，客户端应当重连
func (s *Session) Close(code domain.OpCode, message string) bool {
	frame, err := json.Marshal(closeFrame{Op: code, Message: message, Terminated: true})
	if err != nil {
		frame = nil
	}
	ok := s.shutdown(closeRequest{frame: frame, graceful: true})
	if ok {
		s.log.Debug("session closed", zap.Stringer("op", code), zap.String("message", message))
	}
	return ok
}

// shutdown 将会话置为终止并通知写协程，只有第一次调用生效
func (s *Session) shutdown(req closeRequest) bool {
	for {
		cur := s.state.Load()
		if State(cur) == StateTerminated {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(StateTerminated)) {
			break
		}
	}
	close(s.quit)
	s.closing <- req
	return true
}

func (s *Session) enqueue(v any) {
	if s.Terminated() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case s.send <- data:
	default:
		s.log.Warn("session send queue full, dropping frame")
		if s.opts.OnFrameDropped != nil {
			s.opts.OnFrameDropped()
		}
	}
}

// writePump 串行写出所有帧
func (s *Session) writePump() {
	defer close(s.done)

	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				s.shutdown(closeRequest{})
			}

		case req := <-s.closing:
			s.finish(req)
			return
		}
	}
}

// finish 写出已排队的帧和最后一帧，然后关闭连接
func (s *Session) finish(req closeRequest) {
	defer s.conn.Close()

drain:
	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				return
			}
		default:
			break drain
		}
	}

	if req.frame != nil {
		if err := s.write(req.frame); err != nil {
			return
		}
	}
	if req.graceful {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
	}
}

func (s *Session) write(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump 读取客户端帧，忽略二进制帧
func (s *Session) readPump() {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.Terminated() {
				s.log.Debug("connection read ended", zap.Error(err))
			}
			s.shutdown(closeRequest{})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if s.Terminated() {
			return
		}

		req, err := Decode(data)
		if err != nil {
			perr := err.(*ProtocolError)
			if s.opts.OnProtocolError != nil {
				s.opts.OnProtocolError(perr.Code)
			}
			s.Terminate(perr.Code, perr.Reason)
			return
		}
		if s.opts.Handler != nil {
			dispatch(s.opts.Handler, s, req)
		}
	}
}

// heartbeat 定期推送统计，同时充当心跳
func (s *Session) heartbeat() {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.DeliverStats(s.opts.Stats())
		}
	}
}

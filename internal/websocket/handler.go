package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"exploding/gateway/internal/session"
)

// Acceptor 接管升级后的连接，路径决定会话的初始动作
type Acceptor interface {
	HandleConnection(conn session.Conn, path, remoteAddr string) *session.Session
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// 未配置或包含 "*" 时允许所有来源
			if len(allowedOrigins) == 0 {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 非浏览器客户端不带 Origin
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// IsUpgrade 判断请求是否为 WebSocket 握手
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Handler 返回处理 WebSocket 握手的 gin 处理函数。
//
// 任意路径都可以升级，路径原样交给 Acceptor 解释；
// 握手失败时 gorilla 已经写出错误响应，这里只记录日志。
func Handler(acceptor Acceptor, allowedOrigins []string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := upgraderFactory(allowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		// 保留百分号编码，令牌和密钥按客户端发送的原始字节处理
		path := c.Request.URL.EscapedPath()
		sess := acceptor.HandleConnection(conn, path, c.ClientIP())
		logger.Debug("websocket session accepted",
			zap.String("session_id", sess.ID()),
			zap.String("path", path),
			zap.String("remote_addr", c.ClientIP()))
	}
}

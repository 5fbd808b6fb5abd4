package httptransport

import (
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"exploding/gateway/internal/config"
	"exploding/gateway/internal/health"
	"exploding/gateway/internal/middleware"
	"exploding/gateway/internal/monitoring"
	"exploding/gateway/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config   config.HTTPConfig
	Origins  []string // WebSocket 允许的 Origin
	Acceptor websocket.Acceptor
	Health   *health.HealthChecker
	Metrics  *monitoring.Metrics
	Logger   *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
//
// 同一端口上：WebSocket 握手交给会话层，/metrics 与 /health/* 供运维使用，
// 其余普通请求按 Host 返回精简页面或跳转到主站。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}

	router := gin.New()
	router.Use(middleware.RecoveryHandler(log))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.HTTPMetrics(metrics))

	if len(deps.Config.AllowedOrigins) > 0 {
		corsConfig := gincors.Config{
			AllowOrigins: deps.Config.AllowedOrigins,
			AllowMethods: []string{"GET", "HEAD", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}
		for _, origin := range corsConfig.AllowOrigins {
			if origin == "*" {
				corsConfig.AllowAllOrigins = true
				corsConfig.AllowOrigins = nil
				break
			}
		}
		router.Use(gincors.New(corsConfig))
	}

	router.GET("/metrics", gin.WrapH(metrics.HTTPHandler()))
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}

	site := newSiteHandler(deps.Config, log)
	upgrade := websocket.Handler(deps.Acceptor, deps.Origins, log)

	// 路径由会话层解释，所有未注册的路径都可能是握手
	router.NoRoute(middleware.SecurityHeaders(), func(c *gin.Context) {
		if websocket.IsUpgrade(c.Request) {
			upgrade(c)
			return
		}
		site.serve(c)
	})

	return router
}

// siteHandler 普通 HTTP 请求的响应
type siteHandler struct {
	redirectURL string
	onionHost   string
	page        []byte
}

// newSiteHandler 启动时读取精简页面，读取失败时 onion 请求也按普通请求跳转
func newSiteHandler(cfg config.HTTPConfig, log *zap.Logger) *siteHandler {
	h := &siteHandler{
		redirectURL: cfg.RedirectURL,
		onionHost:   strings.ToLower(cfg.OnionHost),
	}
	if h.onionHost != "" && cfg.MinimalPage != "" {
		page, err := os.ReadFile(cfg.MinimalPage)
		if err != nil {
			log.Warn("failed to read minimal page, onion requests will be redirected",
				zap.String("path", cfg.MinimalPage),
				zap.Error(err))
		} else {
			h.page = page
		}
	}
	return h
}

func (h *siteHandler) serve(c *gin.Context) {
	if h.page != nil && requestHost(c.Request) == h.onionHost {
		c.Data(http.StatusOK, "text/html; charset=utf-8", h.page)
		return
	}
	c.Redirect(http.StatusFound, h.redirectURL)
}

// requestHost 去掉端口并转为小写
func requestHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

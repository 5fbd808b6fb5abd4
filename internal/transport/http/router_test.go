package httptransport

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"exploding/gateway/internal/config"
	"exploding/gateway/internal/domain"
	"exploding/gateway/internal/health"
	"exploding/gateway/internal/issuer"
	"exploding/gateway/internal/monitoring"
	"exploding/gateway/internal/relay"
	"exploding/gateway/internal/routing"
	"exploding/gateway/internal/stats"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router *gin.Engine
	relay  *relay.Relay
}

func newFixture(t *testing.T, cfg config.HTTPConfig) *fixture {
	t.Helper()
	primary := []string{"domaina.test"}
	iss, err := issuer.New(primary)
	require.NoError(t, err)

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	r := relay.New(relay.Options{
		Version: "1.0.0",
		TTL:     time.Hour,
	}, relay.Deps{
		Issuer:  iss,
		Table:   routing.NewTable(primary),
		Counter: stats.NewMemoryCounter(),
		Metrics: metrics,
	})

	if cfg.RedirectURL == "" {
		cfg.RedirectURL = "https://exploding.email"
	}
	router := NewRouter(RouterDependencies{
		Config:   cfg,
		Acceptor: r,
		Health:   health.NewHealthChecker(health.Options{}, nil, zap.NewNop()),
		Metrics:  metrics,
		Logger:   zap.NewNop(),
	})
	return &fixture{router: router, relay: r}
}

func (f *fixture) get(host, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if host != "" {
		req.Host = host
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func writePage(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "minimal.html")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSiteResponses(t *testing.T) {
	page := writePage(t, "<html>minimal</html>")
	onion := "abcdefghijklmnop.onion"

	t.Run("普通请求跳转", func(t *testing.T) {
		f := newFixture(t, config.HTTPConfig{OnionHost: onion, MinimalPage: page})
		for _, path := range []string{"/", "/anything", "/generate"} {
			rec := f.get("gateway.test", path)
			assert.Equal(t, http.StatusFound, rec.Code, path)
			assert.Equal(t, "https://exploding.email", rec.Header().Get("Location"), path)
		}
	})

	t.Run("onion 主机返回精简页面", func(t *testing.T) {
		f := newFixture(t, config.HTTPConfig{OnionHost: onion, MinimalPage: page})
		for _, host := range []string{onion, strings.ToUpper(onion), onion + ":80"} {
			rec := f.get(host, "/")
			assert.Equal(t, http.StatusOK, rec.Code, host)
			assert.Equal(t, "<html>minimal</html>", rec.Body.String(), host)
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		}
	})

	t.Run("页面缺失时 onion 也跳转", func(t *testing.T) {
		f := newFixture(t, config.HTTPConfig{
			OnionHost:   onion,
			MinimalPage: filepath.Join(t.TempDir(), "missing.html"),
		})
		rec := f.get(onion, "/")
		assert.Equal(t, http.StatusFound, rec.Code)
	})

	t.Run("未配置 onion 主机", func(t *testing.T) {
		f := newFixture(t, config.HTTPConfig{MinimalPage: page})
		rec := f.get("", "/")
		assert.Equal(t, http.StatusFound, rec.Code)
	})
}

func TestOperationalEndpoints(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})

	rec := f.get("", "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.get("", "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.get("", "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "exploding_sessions_active")
}

func TestCORS(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{AllowedOrigins: []string{"https://exploding.email"}})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("Origin", "https://exploding.email")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, "https://exploding.email", rec.Header().Get("Access-Control-Allow-Origin"))
}

func readFrame(t *testing.T, conn *gorilla.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWebSocketEndToEnd(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("生成地址并接收邮件", func(t *testing.T) {
		conn, resp, err := gorilla.DefaultDialer.Dial(wsURL+"/generate", nil)
		require.NoError(t, err)
		defer conn.Close()
		_ = resp.Body.Close()

		version := readFrame(t, conn)
		assert.Equal(t, float64(domain.OpVersion), version["op"])
		assert.Equal(t, "1.0.0", version["version"])

		inbox := readFrame(t, conn)
		require.Equal(t, float64(domain.OpHereIsYourEmailAndToken), inbox["op"])
		address := inbox["email"].(string)
		assert.True(t, strings.HasSuffix(address, "@domaina.test"))
		assert.NotEmpty(t, inbox["token"])

		delivered := f.relay.DeliverEmail(domain.Email{
			From:    "alice@example.org",
			To:      address,
			Subject: "hi",
			Body:    "hello",
			Date:    time.UnixMilli(1700000000000),
			IP:      "127.0.0.1",
		})
		require.True(t, delivered)

		email := readFrame(t, conn)
		assert.Equal(t, float64(domain.OpEmailIncoming), email["op"])
		assert.Equal(t, "email", email["type"])
		data := email["data"].(map[string]any)
		assert.Equal(t, "hi", data["subject"])
		assert.Equal(t, float64(1700000000000), data["date"])
	})

	t.Run("非法路径", func(t *testing.T) {
		conn, resp, err := gorilla.DefaultDialer.Dial(wsURL+"/nope", nil)
		require.NoError(t, err)
		defer conn.Close()
		_ = resp.Body.Close()

		readFrame(t, conn)
		frame := readFrame(t, conn)
		assert.Equal(t, float64(domain.OpInvalidURI), frame["op"])
		assert.Equal(t, "Invalid URI", frame["error"])
		assert.Equal(t, true, frame["terminated"])

		_, _, err = conn.ReadMessage()
		assert.Error(t, err)
	})

	t.Run("普通 GET 不升级", func(t *testing.T) {
		client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}}
		resp, err := client.Get(srv.URL + "/generate")
		require.NoError(t, err)
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
	})
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"exploding/gateway/internal/config"
	"exploding/gateway/internal/monitoring"
)

// CounterReader 读取累计接收邮件数
type CounterReader interface {
	Get(ctx context.Context) (int64, error)
}

// payload Discord 兼容的消息体
type payload struct {
	Content string `json:"content"`
}

// Notifier 定期把邮件接收量增量推送到 Webhook
type Notifier struct {
	url        string
	interval   time.Duration
	counter    CounterReader
	httpClient *http.Client
	metrics    *monitoring.Metrics
	log        *zap.Logger

	last int64
}

// NewNotifier 创建通知器，URL 为空时返回 nil
func NewNotifier(cfg config.WebhookConfig, counter CounterReader, metrics *monitoring.Metrics, logger *zap.Logger) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Notifier{
		url:      cfg.URL,
		interval: interval,
		counter:  counter,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		metrics: metrics,
		log:     logger,
	}
}

// Run 每个周期推送一次，直到 ctx 取消。nil 接收者直接等待 ctx。
func (n *Notifier) Run(ctx context.Context) error {
	if n == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	n.log.Info("stats webhook enabled", zap.Duration("interval", n.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

// tick 读取计数并推送与上次的差值
func (n *Notifier) tick(ctx context.Context) {
	current, err := n.counter.Get(ctx)
	if err != nil {
		n.metrics.CounterErrors.Inc()
		n.log.Warn("failed to read email counter", zap.Error(err))
		return
	}

	diff := current - n.last
	n.last = current

	if err := n.send(ctx, fmt.Sprintf("%d emails sent since last check", diff)); err != nil {
		n.metrics.WebhookFailures.Inc()
		n.log.Warn("failed to send stats webhook", zap.Error(err))
	}
}

func (n *Notifier) send(ctx context.Context, content string) error {
	body, err := json.Marshal(payload{Content: content})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exploding"

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 会话指标
	SessionsActive  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	ProtocolErrors  *prometheus.CounterVec // 按终止操作码
	FramesDropped   prometheus.Counter
	BindingsCurrent prometheus.Gauge

	// 邮箱生命周期指标
	InboxesGenerated prometheus.Counter
	InboxesResumed   prometheus.Counter
	InboxesDeleted   prometheus.Counter
	InboxesExpired   prometheus.Counter
	DomainClaims     *prometheus.CounterVec // result=accepted|rejected

	// 邮件指标
	EmailsReceived  prometheus.Counter
	EmailsDelivered *prometheus.CounterVec // route=exact|wildcard
	EmailsDropped   prometheus.Counter
	EmailSize       prometheus.Histogram

	// 外部依赖指标
	CounterErrors     prometheus.Counter
	SMTPConnsRejected *prometheus.CounterVec // reason=concurrency|rate
	WebhookFailures   prometheus.Counter
	PoolTasksDropped  prometheus.Counter
}

// NewMetrics 在独立注册表上创建监控指标
//
// 参数:
//   - registry: 为 nil 时新建，测试中每个用例可以使用自己的注册表
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of plain HTTP requests",
			},
			[]string{"method", "status_code"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Plain HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open gateway sessions",
		}),

		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total number of gateway sessions opened",
		}),

		ProtocolErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_errors_total",
				Help:      "Sessions terminated by a protocol or authorization error",
			},
			[]string{"op"},
		),

		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped because a session queue was full",
		}),

		BindingsCurrent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routing_entries",
			Help:      "Entries held by the routing table after the last sweep",
		}),

		InboxesGenerated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inboxes_generated_total",
			Help:      "Total number of inboxes generated",
		}),

		InboxesResumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inboxes_resumed_total",
			Help:      "Total number of successful resumes",
		}),

		InboxesDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inboxes_deleted_total",
			Help:      "Total number of inboxes deleted by their owner",
		}),

		InboxesExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inboxes_expired_total",
			Help:      "Total number of routing entries removed by the sweep",
		}),

		DomainClaims: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "domain_claims_total",
				Help:      "Custom domain claims by result",
			},
			[]string{"result"},
		),

		EmailsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_received_total",
			Help:      "Email records handed to the relay",
		}),

		EmailsDelivered: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "emails_delivered_total",
				Help:      "Email records pushed to a live session",
			},
			[]string{"route"},
		),

		EmailsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_dropped_total",
			Help:      "Email records with no live session",
		}),

		EmailSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "email_size_bytes",
			Help:      "Size of accepted SMTP message data",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),

		CounterErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_errors_total",
			Help:      "Failed operations against the counter store",
		}),

		SMTPConnsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "smtp_connections_rejected_total",
				Help:      "SMTP connections refused by the limiter",
			},
			[]string{"reason"},
		),

		WebhookFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_failures_total",
			Help:      "Failed stats webhook posts",
		}),

		PoolTasksDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_tasks_dropped_total",
			Help:      "Background tasks dropped because the worker queue was full",
		}),
	}
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDelivery 记录一次投递结果，route 为空表示没有在线会话
func (m *Metrics) RecordDelivery(route string) {
	m.EmailsReceived.Inc()
	if route == "" {
		m.EmailsDropped.Inc()
		return
	}
	m.EmailsDelivered.WithLabelValues(route).Inc()
}

// RecordClaim 记录域名认领结果
func (m *Metrics) RecordClaim(accepted bool) {
	if accepted {
		m.DomainClaims.WithLabelValues("accepted").Inc()
		return
	}
	m.DomainClaims.WithLabelValues("rejected").Inc()
}

// RecordProtocolError 记录因协议错误终止的会话
func (m *Metrics) RecordProtocolError(op string) {
	m.ProtocolErrors.WithLabelValues(op).Inc()
}

// HTTPHandler 获取 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

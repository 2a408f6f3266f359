// Package metrics 汇总 Prometheus 指标。nil *Metrics 的方法都是空操作，测试里可以直接传 nil。
package metrics

import (
	"time"

	"eshop_checkout/internal/apperr"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eshop"

type Metrics struct {
	useCaseRequests *prometheus.CounterVec
	useCaseDuration *prometheus.HistogramVec
	callbacks       *prometheus.CounterVec
	reclaimed       prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New 创建并注册全部指标。reg 为 nil 时使用默认注册表。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		useCaseRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "usecase_requests_total",
			Help: "Use case executions by outcome.",
		}, []string{"use_case", "outcome"}),
		useCaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "usecase_duration_seconds",
			Help:    "Use case latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"use_case"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payment_callbacks_total",
			Help: "Payment callbacks by result (captured, failed, duplicate, rejected).",
		}, []string{"result"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_reclaimed_total",
			Help: "Orders cancelled by the payment timeout sweep.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.useCaseRequests, m.useCaseDuration, m.callbacks, m.reclaimed, m.httpRequests, m.httpDuration)
	return m
}

// ObserveUseCase 记录一次用例执行的结果与耗时。
func (m *Metrics) ObserveUseCase(useCase, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.useCaseRequests.WithLabelValues(useCase, outcome).Inc()
	m.useCaseDuration.WithLabelValues(useCase).Observe(time.Since(start).Seconds())
}

func (m *Metrics) CallbackResult(result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) OrdersReclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaimed.Add(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Outcome 按业务错误分类生成结果标签，基数固定。
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(apperr.KindOf(err))
}

package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"OpenLP-Agent/internal/agent"
	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/risk"
	"OpenLP-Agent/internal/transaction"
)

const namespace = "openlp"

// Metrics 持有进程内全部 Prometheus 指标，使用独立的 Registry。
// 所有方法对 nil 接收者安全，未启用指标时可直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	transactions *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	inFlight     prometheus.Gauge

	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	remediation *prometheus.CounterVec
	cycles      prometheus.Histogram
	cycleErrors *prometheus.CounterVec

	safetyViolations *prometheus.CounterVec
}

var (
	_ transaction.Observer = (*Metrics)(nil)
	_ risk.Observer        = (*Metrics)(nil)
)

// New 创建并注册所有指标，同时注册 Go 运行时与进程采集器。
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transaction status updates by type and status.",
		}, []string{"type", "status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transaction_queue_depth",
			Help:      "Transactions waiting in the priority queue.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_in_flight",
			Help:      "Transactions currently being executed.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_transitions_total",
			Help:      "Agent state transitions.",
		}, []string{"from", "to", "event"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_rejected_events_total",
			Help:      "Events ignored because the current state has no transition for them.",
		}, []string{"state", "event"}),
		remediation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_remediations_total",
			Help:      "Emergency exits and partial reductions by outcome.",
		}, []string{"kind", "ok"}),
		cycles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_cycle_duration_seconds",
			Help:      "Duration of risk control cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		cycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_cycle_errors_total",
			Help:      "Risk control cycles that ended with an error, by error code.",
		}, []string{"code"}),
		safetyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funds_safety_violations_total",
			Help:      "Reserve violations detected by the funds ledger.",
		}, []string{"agent"}),
	}

	reg.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.transactions,
		m.queueDepth,
		m.inFlight,
		m.transitions,
		m.rejected,
		m.remediation,
		m.cycles,
		m.cycleErrors,
		m.safetyViolations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层 Registry，测试与额外采集器注册使用。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 以 Prometheus 文本格式暴露指标。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterDB 暴露数据库连接池统计。
func (m *Metrics) RegisterDB(name string, db *sql.DB) error {
	if m == nil || db == nil {
		return nil
	}
	return m.registry.Register(collectors.NewDBStatsCollector(db, name))
}

// RegisterRelayDropped 暴露事件转发缓冲区丢弃计数。
func (m *Metrics) RegisterRelayDropped(dropped func() int64) error {
	if m == nil || dropped == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_relay_dropped_total",
		Help:      "Events dropped because the relay buffer was full.",
	}, func() float64 { return float64(dropped()) }))
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTransaction 实现 transaction.Observer。
func (m *Metrics) ObserveTransaction(typ transaction.Type, status transaction.Status) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(string(typ), string(status)).Inc()
}

// ObserveQueue 实现 transaction.Observer。
func (m *Metrics) ObserveQueue(depth, inFlight int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.inFlight.Set(float64(inFlight))
}

// ObserveTransition 记录状态迁移。
func (m *Metrics) ObserveTransition(change agent.StateChange) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(change.From), string(change.To), string(change.Event)).Inc()
}

// ObserveRejectedEvent 记录被状态机拒绝的事件。
func (m *Metrics) ObserveRejectedEvent(state agent.State, event agent.Event) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(string(state), string(event)).Inc()
}

// ObserveRemediation 记录一次紧急退出或部分减仓的结果。
func (m *Metrics) ObserveRemediation(kind string, ok bool) {
	if m == nil {
		return
	}
	m.remediation.WithLabelValues(kind, strconv.FormatBool(ok)).Inc()
}

// ObserveCycle 记录一次风控周期。
func (m *Metrics) ObserveCycle(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.cycles.Observe(d.Seconds())
	if err != nil {
		m.cycleErrors.WithLabelValues(string(xerrors.CodeOf(err))).Inc()
	}
}

// IncSafetyViolation 记录一次储备金不足。
func (m *Metrics) IncSafetyViolation(agentID string) {
	if m == nil {
		return
	}
	m.safetyViolations.WithLabelValues(agentID).Inc()
}

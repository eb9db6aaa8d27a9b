package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics экспортирует Prometheus метрики диспетчера.
//
// Все операции thread-safe. Nil-receiver допустим: компоненты ядра
// можно использовать без сбора метрик (например в тестах).
type Metrics struct {
	admittedTotal   prometheus.Counter
	rejectedTotal   *prometheus.CounterVec
	forwardedTotal  prometheus.Counter
	noRouteTotal    prometheus.Counter
	bridgedTotal    prometheus.Counter
	abandonedTotal  prometheus.Counter
	faultsTotal     prometheus.Counter
	queueDepth      prometheus.Gauge
	queueWait       prometheus.Histogram
	forwardDuration prometheus.Histogram
}

// NewMetrics создает и регистрирует метрики в переданном Registerer.
// При reg == nil используется изолированный реестр.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	const (
		namespace = "sip"
		subsystem = "dispatch"
	)

	return &Metrics{
		admittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "admitted_total",
			Help:      "Total number of admitted inbound transactions",
		}),
		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rejected_total",
			Help:      "Total number of rejected inbound requests by reason",
		}, []string{"reason"}),
		forwardedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forwarded_total",
			Help:      "Total number of forwarding attempts",
		}),
		noRouteTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "no_route_total",
			Help:      "Total number of transactions rejected with 404 (no destination)",
		}),
		bridgedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bridged_total",
			Help:      "Total number of successfully bridged call pairs",
		}),
		abandonedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "abandoned_total",
			Help:      "Total number of transactions abandoned (outbound leg never established)",
		}),
		faultsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "worker_faults_total",
			Help:      "Total number of isolated worker faults while forwarding",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Current length of the admission queue",
		}),
		queueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_wait_seconds",
			Help:      "Time between admission and dispatch to a worker",
			Buckets:   prometheus.DefBuckets,
		}),
		forwardDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forward_duration_seconds",
			Help:      "Duration of synchronous forwarding work per transaction",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Admitted учитывает принятую транзакцию и новую глубину очереди.
func (m *Metrics) Admitted(depth int) {
	if m == nil {
		return
	}
	m.admittedTotal.Inc()
	m.queueDepth.Set(float64(depth))
}

// Rejected учитывает отказ в приеме.
func (m *Metrics) Rejected(reason RejectReason) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(string(reason)).Inc()
}

// Dequeued обновляет глубину очереди после снятия транзакции и
// учитывает время ожидания в очереди с момента приема.
func (m *Metrics) Dequeued(depth int, wait time.Duration) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.queueWait.Observe(wait.Seconds())
}

// Forwarded учитывает попытку форвардинга и ее синхронную длительность.
func (m *Metrics) Forwarded(d time.Duration) {
	if m == nil {
		return
	}
	m.forwardedTotal.Inc()
	m.forwardDuration.Observe(d.Seconds())
}

// NoRoute учитывает отказ 404.
func (m *Metrics) NoRoute() {
	if m == nil {
		return
	}
	m.noRouteTotal.Inc()
}

// Bridged учитывает успешный бридж.
func (m *Metrics) Bridged() {
	if m == nil {
		return
	}
	m.bridgedTotal.Inc()
}

// Abandoned учитывает транзакцию, завершенную без бриджа.
func (m *Metrics) Abandoned() {
	if m == nil {
		return
	}
	m.abandonedTotal.Inc()
}

// Fault учитывает изолированный сбой воркера.
func (m *Metrics) Fault() {
	if m == nil {
		return
	}
	m.faultsTotal.Inc()
}

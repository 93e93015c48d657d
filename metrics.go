package offlinecache

import (
	"github.com/prometheus/client_golang/prometheus"
)

type fetchOutcome string

const (
	outcomeHit      fetchOutcome = "hit"
	outcomeStored   fetchOutcome = "stored"
	outcomeNetwork  fetchOutcome = "network"
	outcomeFallback fetchOutcome = "fallback"
	outcomeFailed   fetchOutcome = "failed"
	outcomeBypass   fetchOutcome = "bypass"
)

type notificationEvent string

const (
	notificationShown   notificationEvent = "shown"
	notificationFailed  notificationEvent = "failed"
	notificationClicked notificationEvent = "clicked"
)

// Metrics are the Prometheus metrics of a worker.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	fetches          *prometheus.CounterVec
	installs         *prometheus.CounterVec
	storesDeleted    prometheus.Counter
	cacheWriteErrors prometheus.Counter
	notifications    *prometheus.CounterVec
}

// NewMetrics creates and registers worker metrics with the given registerer.
// If reg is nil, metrics are created but not registered.
// Collectors already registered (e.g. by a previous worker version) are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "fetches_total",
			Help:      "Intercepted requests by outcome",
		}, []string{"outcome"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "installs_total",
			Help:      "Worker installs by result",
		}, []string{"result"}),
		storesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "stores_deleted_total",
			Help:      "Stale cache stores deleted on activation",
		}),
		cacheWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "cache_write_errors_total",
			Help:      "Failed cache writes",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "notifications_total",
			Help:      "Notification events",
		}, []string{"event"}),
	}

	if reg != nil {
		m.fetches = registerOrReuse(reg, m.fetches).(*prometheus.CounterVec)
		m.installs = registerOrReuse(reg, m.installs).(*prometheus.CounterVec)
		m.storesDeleted = registerOrReuse(reg, m.storesDeleted).(prometheus.Counter)
		m.cacheWriteErrors = registerOrReuse(reg, m.cacheWriteErrors).(prometheus.Counter)
		m.notifications = registerOrReuse(reg, m.notifications).(*prometheus.CounterVec)
	}

	return m
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (m *Metrics) recordFetch(outcome fetchOutcome) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) recordInstall(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.installs.WithLabelValues(result).Inc()
}

func (m *Metrics) recordStoreDeleted() {
	if m == nil {
		return
	}
	m.storesDeleted.Inc()
}

func (m *Metrics) recordCacheWriteError() {
	if m == nil {
		return
	}
	m.cacheWriteErrors.Inc()
}

func (m *Metrics) recordNotification(event notificationEvent) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(event)).Inc()
}

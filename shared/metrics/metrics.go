package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Ticks            prometheus.Counter
	TickDuration     prometheus.Histogram
	Fetches          *prometheus.CounterVec
	TrackedContracts prometheus.Gauge
	AlertsSent       *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	DeliveryFailures prometheus.Counter
	Removals         *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
}

// New registers the collectors on reg under the given namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_ticks_total",
			Help:      "Number of completed refresh ticks.",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_tick_duration_seconds",
			Help:      "Wall time of a refresh tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fetches_total",
			Help:      "Price provider fetches by result.",
		}, []string{"result"}),
		TrackedContracts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_contracts",
			Help:      "Unique contracts in the last refresh tick.",
		}),
		AlertsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Alerts handed to the dispatcher by family.",
		}, []string{"family"}),
		AlertsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Alerts held back by the cooldown guard by family.",
		}, []string{"family"}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_delivery_failures_total",
			Help:      "Dispatcher errors.",
		}),
		Removals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_removals_total",
			Help:      "Tracking rows moved to a terminal status.",
		}, []string{"status"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Persistent store failures by operation.",
		}, []string{"op"}),
	}
}

func (m *Metrics) ObserveTick(seconds float64, unique int) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(seconds)
	m.TrackedContracts.Set(float64(unique))
}

func (m *Metrics) Fetch(result string) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(result).Inc()
}

func (m *Metrics) AlertSent(family string) {
	if m == nil {
		return
	}
	m.AlertsSent.WithLabelValues(family).Inc()
}

func (m *Metrics) AlertSuppressed(family string) {
	if m == nil {
		return
	}
	m.AlertsSuppressed.WithLabelValues(family).Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

func (m *Metrics) Removed(status string) {
	if m == nil {
		return
	}
	m.Removals.WithLabelValues(status).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

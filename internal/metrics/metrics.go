// Package metrics содержит Prometheus-метрики сервиса активации кодов.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "giftcode"

// Metrics хранит счётчики сервиса в собственном реестре.
// Методы безопасны для nil-получателя.
type Metrics struct {
	registry      *prometheus.Registry
	redemptions   *prometheus.CounterVec
	runs          *prometheus.CounterVec
	apiRequests   *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	discoveryRuns *prometheus.CounterVec
	codesAdded    prometheus.Counter
	codesRemoved  prometheus.Counter
	knownCodes    prometheus.Gauge
}

// New создаёт набор метрик и регистрирует его в новом реестре.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Redemption attempts by classified outcome.",
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemption_runs_total",
			Help:      "Bulk redemption runs by result.",
		}, []string{"result"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Requests sent to the game API by endpoint and HTTP status.",
		}, []string{"endpoint", "status"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_rate_limited_total",
			Help:      "HTTP 429 responses received from the game API by endpoint.",
		}, []string{"endpoint"}),
		discoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_runs_total",
			Help:      "Code discovery runs by result.",
		}, []string{"result"}),
		codesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_added_total",
			Help:      "Gift codes discovered upstream.",
		}),
		codesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_removed_total",
			Help:      "Gift codes retired because they disappeared upstream.",
		}),
		knownCodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_codes",
			Help:      "Gift codes currently known locally.",
		}),
	}

	m.registry.MustRegister(
		m.redemptions,
		m.runs,
		m.apiRequests,
		m.rateLimited,
		m.discoveryRuns,
		m.codesAdded,
		m.codesRemoved,
		m.knownCodes,
	)

	return m
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOutcome учитывает исход одной попытки активации.
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

// ObserveRun учитывает завершение массового прогона.
func (m *Metrics) ObserveRun(result string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
}

// ObserveAPIRequest учитывает ответ игрового API. Статус 0 означает транспортную ошибку.
func (m *Metrics) ObserveAPIRequest(endpoint string, status int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.apiRequests.WithLabelValues(endpoint, label).Inc()
}

// ObserveRateLimited учитывает ответ 429.
func (m *Metrics) ObserveRateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(endpoint).Inc()
}

// ObserveDiscovery учитывает прогон обнаружения кодов.
func (m *Metrics) ObserveDiscovery(err error, added, removed, total int) {
	if m == nil {
		return
	}
	if err != nil {
		m.discoveryRuns.WithLabelValues("error").Inc()
		return
	}
	m.discoveryRuns.WithLabelValues("ok").Inc()
	m.codesAdded.Add(float64(added))
	m.codesRemoved.Add(float64(removed))
	m.knownCodes.Set(float64(total))
}

package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is created before the chain client so the relayer queue can report into it.
type Metrics struct {
	registry         *prometheus.Registry
	intentsTotal     *prometheus.CounterVec
	confirmsTotal    *prometheus.CounterVec
	claimsTotal      *prometheus.CounterVec
	settlementsTotal *prometheus.CounterVec
	relayerTotal     *prometheus.CounterVec
	relayerSeconds   *prometheus.HistogramVec
	httpSeconds      *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	intents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrails_intents_total",
		Help: "Send intents built, by transfer type and outcome",
	}, []string{"type", "outcome"})

	confirms := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrails_confirmations_total",
		Help: "Sender confirmations recorded, by transfer type and outcome",
	}, []string{"type", "outcome"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrails_claims_total",
		Help: "Claim attempts by result code",
	}, []string{"code"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrails_operator_actions_total",
		Help: "Expire, refund and reconcile runs by outcome",
	}, []string{"action", "outcome"})

	relayer := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrails_relayer_submissions_total",
		Help: "Relayer jobs by label and outcome",
	}, []string{"label", "outcome"})

	relayerSeconds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailrails_relayer_submission_seconds",
		Help:    "Time from dequeue to receipt for relayer jobs",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
	}, []string{"label"})

	httpSeconds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailrails_http_request_seconds",
		Help:    "HTTP request latency by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})

	r := prometheus.NewRegistry()
	r.MustRegister(intents, confirms, claims, settlements, relayer, relayerSeconds, httpSeconds)

	return &Metrics{
		registry:         r,
		intentsTotal:     intents,
		confirmsTotal:    confirms,
		claimsTotal:      claims,
		settlementsTotal: settlements,
		relayerTotal:     relayer,
		relayerSeconds:   relayerSeconds,
		httpSeconds:      httpSeconds,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRelayer matches relayer.Options.Observe.
func (m *Metrics) ObserveRelayer(label, outcome string, elapsed time.Duration) {
	m.relayerTotal.WithLabelValues(label, outcome).Inc()
	m.relayerSeconds.WithLabelValues(label).Observe(elapsed.Seconds())
}

// watchQueue exports the relayer backlog as a gauge read at scrape time.
func (m *Metrics) watchQueue(depth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mailrails_relayer_queue_depth",
		Help: "Relayer jobs waiting or in flight",
	}, func() float64 { return float64(depth()) }))
}

func (m *Metrics) incIntent(typ, outcome string) {
	m.intentsTotal.WithLabelValues(typ, outcome).Inc()
}

func (m *Metrics) incConfirm(typ, outcome string) {
	m.confirmsTotal.WithLabelValues(typ, outcome).Inc()
}

func (m *Metrics) incClaim(code string) {
	m.claimsTotal.WithLabelValues(code).Inc()
}

func (m *Metrics) incOperator(action, outcome string) {
	m.settlementsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) observeHTTP(route string, status int, elapsed time.Duration) {
	m.httpSeconds.WithLabelValues(route, http.StatusText(status)).Observe(elapsed.Seconds())
}

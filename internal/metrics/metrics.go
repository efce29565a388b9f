// Package metrics holds the Prometheus collectors for the executor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_requests_total", Help: "Inbound webhook requests by result"},
		[]string{"result"},
	)
	WebhookAckSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_ack_seconds",
			Help:    "Time from request arrival to webhook response",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signals reaching a status"},
		[]string{"status"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Order transitions"},
		[]string{"symbol", "side", "status"},
	)
	CredentialResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "credential_resolutions_total", Help: "Credential resolutions by branch"},
		[]string{"branch"},
	)
	ExchangeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "exchange_errors_total", Help: "Exchange call failures by class"},
		[]string{"class"},
	)
	ProcessingSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signal_processing_seconds",
			Help:    "Worker time per signal attempt",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(
		WebhookRequests, WebhookAckSeconds, SignalsTotal, OrdersTotal,
		CredentialResolutions, ExchangeErrors, ProcessingSeconds,
	)
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

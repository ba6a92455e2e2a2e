package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ddns"

var (
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_total",
		Help:      "Update requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "status"})

	DNSResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dns",
		Name:      "responses_total",
		Help:      "DNS responses by transport and rcode.",
	}, []string{"net", "rcode"})

	DNSDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dns",
		Name:      "dropped_total",
		Help:      "DNS packets dropped without a response, by reason.",
	}, []string{"reason"})

	DNSCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dns",
		Name:      "cache_lookups_total",
		Help:      "Resolver cache lookups by result.",
	}, []string{"result"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Webhook deliveries by result.",
	}, []string{"result"})

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_streams",
		Help:      "Connected dashboard change streams.",
	})

	SignalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signal_errors_total",
		Help:      "Change signal store errors by operation.",
	}, []string{"op"})
)

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		WebhookDeliveries.WithLabelValues("success").Inc()
	} else {
		WebhookDeliveries.WithLabelValues("failure").Inc()
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

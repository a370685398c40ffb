package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// OrdersImported counts per-order importer outcomes (imported, updated, skipped, failed)
	OrdersImported = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ordersync_orders_total", Help: "Orders processed by the importer by trigger and outcome."},
		[]string{"triggered_by", "outcome"},
	)
	OrdersExported = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ordersync_exports_total", Help: "Order exports by outcome."},
		[]string{"outcome"},
	)
	Webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ordersync_webhooks_total", Help: "Inbound webhooks by topic and outcome."},
		[]string{"topic", "outcome"},
	)
	RemoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ordersync_remote_requests_total", Help: "Remote store API calls by method and status code."},
		[]string{"method", "code"},
	)
	RemoteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "ordersync_remote_request_seconds", Help: "Remote store API latency in seconds.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}},
		[]string{"method"},
	)
	PollingPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ordersync_polling_passes_total", Help: "Polling passes by result (skipped, success, partial, failed, locked)."},
		[]string{"result"},
	)
	JobPages = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ordersync_import_job_pages_total", Help: "Pages processed by batch import jobs."},
	)
	StatusHeuristic = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ordersync_status_heuristic_total", Help: "Remote statuses resolved by keyword guessing."},
		[]string{"local_status"},
	)
)

// RegisterDefault registers collectors on Registry. Safe to call repeatedly.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(OrdersImported)
		Registry.MustRegister(OrdersExported)
		Registry.MustRegister(Webhooks)
		Registry.MustRegister(RemoteRequests)
		Registry.MustRegister(RemoteLatency)
		Registry.MustRegister(PollingPasses)
		Registry.MustRegister(JobPages)
		Registry.MustRegister(StatusHeuristic)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Delivery metrics
	DeliveryAttemptsTotal *prometheus.CounterVec
	DeliveryDuration      *prometheus.HistogramVec
	DeliveriesInFlight    prometheus.Gauge
	DeliveriesCreated     prometheus.Counter

	// Event metrics
	EventsTotal *prometheus.CounterVec

	// Scheduler metrics
	SweepDuration      prometheus.Histogram
	SweepItemsTotal    *prometheus.CounterVec
	RateLimitedTotal   prometheus.Counter
	HealthTransitions  *prometheus.CounterVec
	SubscriptionsCache *prometheus.CounterVec

	otel *OTelMetrics
}

// MirrorTo forwards delivery, sweep and health observations to OpenTelemetry
func (m *Metrics) MirrorTo(o *OTelMetrics) {
	m.otel = o
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookd_http_requests_total",
				Help: "Total number of management API requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookd_http_request_duration_seconds",
				Help:    "Management API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookd_http_response_size_bytes",
				Help:    "Management API response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		DeliveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookd_delivery_attempts_total",
				Help: "Total number of outbound delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookd_delivery_duration_seconds",
				Help:    "Outbound delivery attempt duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		DeliveriesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookd_deliveries_in_flight",
				Help: "Number of delivery attempts currently in flight",
			},
		),
		DeliveriesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hookd_deliveries_created_total",
				Help: "Total number of deliveries created by event fan-out",
			},
		),

		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookd_events_total",
				Help: "Total number of event lifecycle operations",
			},
			[]string{"operation", "status"},
		),

		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hookd_sweep_duration_seconds",
				Help:    "Retry scheduler sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		SweepItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookd_sweep_items_total",
				Help: "Deliveries handled by the retry scheduler by result",
			},
			[]string{"result"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hookd_rate_limited_total",
				Help: "Deliveries deferred by the per-subscription rate limiter",
			},
		),
		HealthTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookd_subscription_health_transitions_total",
				Help: "Subscription health flag transitions",
			},
			[]string{"state"},
		),
		SubscriptionsCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookd_subscription_cache_total",
				Help: "Subscription read cache lookups by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.DeliveryAttemptsTotal,
		m.DeliveryDuration,
		m.DeliveriesInFlight,
		m.DeliveriesCreated,
		m.EventsTotal,
		m.SweepDuration,
		m.SweepItemsTotal,
		m.RateLimitedTotal,
		m.HealthTransitions,
		m.SubscriptionsCache,
	)

	return m
}

// ObserveDelivery records one finished delivery attempt
func (m *Metrics) ObserveDelivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryAttemptsTotal.WithLabelValues(outcome).Inc()
	m.DeliveryDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if m.otel != nil {
		m.otel.RecordDelivery(context.Background(), outcome, d)
	}
}

// TrackInFlight increments the in-flight gauge and returns its decrement
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.DeliveriesInFlight.Inc()
	return m.DeliveriesInFlight.Dec
}

// ObserveEvent counts an event lifecycle operation
func (m *Metrics) ObserveEvent(operation, status string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(operation, status).Inc()
}

// AddDeliveriesCreated counts deliveries produced by fan-out
func (m *Metrics) AddDeliveriesCreated(n int) {
	if m == nil {
		return
	}
	m.DeliveriesCreated.Add(float64(n))
}

// ObserveSweep records a finished scheduler sweep
func (m *Metrics) ObserveSweep(d time.Duration, counts map[string]int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
	for result, n := range counts {
		if n > 0 {
			m.SweepItemsTotal.WithLabelValues(result).Add(float64(n))
		}
	}
	if m.otel != nil {
		m.otel.RecordSweep(context.Background(), counts)
	}
}

// IncRateLimited counts a delivery deferred by the rate limiter
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// ObserveHealthTransition counts a subscription flipping health state
func (m *Metrics) ObserveHealthTransition(healthy bool) {
	if m == nil {
		return
	}
	state := "unhealthy"
	if healthy {
		state = "healthy"
	}
	m.HealthTransitions.WithLabelValues(state).Inc()
	if m.otel != nil {
		m.otel.RecordHealthTransition(context.Background(), healthy)
	}
}

// ObserveCache counts a subscription cache lookup
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SubscriptionsCache.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel uses the mux route template so path labels stay low-cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := routeLabel(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

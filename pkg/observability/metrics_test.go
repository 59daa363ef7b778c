package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Registers(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	// a second registration of the same collectors must panic
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetrics_Helpers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveDelivery("delivered", 150*time.Millisecond)
	m.ObserveDelivery("retrying", time.Second)
	m.ObserveDelivery("delivered", time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeliveryAttemptsTotal.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryAttemptsTotal.WithLabelValues("retrying")))

	done := m.TrackInFlight()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveriesInFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DeliveriesInFlight))

	m.AddDeliveriesCreated(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DeliveriesCreated))

	m.ObserveEvent("process", "PROCESSED")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("process", "PROCESSED")))

	m.ObserveSweep(time.Second, map[string]int{"attempted": 4, "deferred": 0})
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SweepItemsTotal.WithLabelValues("attempted")))

	m.IncRateLimited()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitedTotal))

	m.ObserveHealthTransition(false)
	m.ObserveHealthTransition(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthTransitions.WithLabelValues("unhealthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthTransitions.WithLabelValues("healthy")))

	m.ObserveCache(true)
	m.ObserveCache(false)
	m.ObserveCache(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SubscriptionsCache.WithLabelValues("miss")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDelivery("delivered", time.Second)
		m.TrackInFlight()()
		m.AddDeliveriesCreated(1)
		m.ObserveEvent("create", "PENDING")
		m.ObserveSweep(time.Second, nil)
		m.IncRateLimited()
		m.ObserveHealthTransition(true)
		m.ObserveCache(true)
	})
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/deliveries/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	}).Methods(http.MethodGet)

	for _, id := range []string{"a", "b"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deliveries/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/deliveries/{id}", "404")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.IncRateLimited()

	router := mux.NewRouter()
	RegisterMetricsEndpoint(router, registry)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "hookd_rate_limited_total 1")
}

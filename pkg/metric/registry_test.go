package metric

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_PluginMetrics(t *testing.T) {
	r := NewRegistry()
	m := r.Plugin("alarm")

	m.ObserveRequest("command", "ok", 2*time.Millisecond)
	m.ObserveRequest("command", "ok", time.Millisecond)
	m.ObserveRequest("query", "error", time.Millisecond)
	m.RequestRejected("queue_full")
	m.EventPublished()
	m.EventDropped()
	m.TasksActive(3)
	m.TaskAbandoned()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.requests.WithLabelValues("alarm", "command", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("alarm", "query", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requestsRejected.WithLabelValues("alarm", "queue_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.eventsPublished.WithLabelValues("alarm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.eventsDropped.WithLabelValues("alarm")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.tasksActive.WithLabelValues("alarm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tasksAbandoned.WithLabelValues("alarm")))
}

func TestRegistry_MediatorMetrics(t *testing.T) {
	r := NewRegistry()
	m := r.Mediator("threshold-alarm")
	m.Delivery("delivered")
	m.Delivery("delivered")
	m.Delivery("failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.mediatorDelivery.WithLabelValues("threshold-alarm", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.mediatorDelivery.WithLabelValues("threshold-alarm", "failed")))
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry
	assert.Nil(t, r.Plugin("x"))
	assert.Nil(t, r.Mediator("x"))

	assert.NotPanics(t, func() {
		r.Plugin("x").ObserveRequest("command", "ok", time.Second)
		r.Plugin("x").EventDropped()
		r.Plugin("x").TasksActive(1)
		r.Mediator("x").Delivery("failed")
	})
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.Plugin("journal").EventPublished()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `msr_events_published_total{plugin="journal"} 1`)
}

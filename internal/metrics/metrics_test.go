package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	if len(body) == 0 {
		t.Error("Expected non-empty metrics response")
	}

	// Gauges always appear; counters/histograms only after first observation.
	for _, name := range []string{
		"mealtrust_event_queue_depth",
		"mealtrust_active_websocket_clients",
		"mealtrust_listener_last_block",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}

	// Trigger a counter so we can verify it appears
	EventsIngestedTotal.WithLabelValues("FundLocked").Inc()

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)
	body = w.Body.String()

	if !strings.Contains(body, "mealtrust_events_ingested_total") {
		t.Error("Expected metrics output to contain mealtrust_events_ingested_total")
	}
}

func TestReconcileCounterIncrements(t *testing.T) {
	c := ReconcileAppliesTotal.WithLabelValues("PaymentReleased", "applied")
	before := counterValue(t, c.Write)
	c.Inc()
	c.Inc()
	after := counterValue(t, c.Write)

	if after-before != 2 {
		t.Errorf("Expected counter to increase by 2, got %v", after-before)
	}
}

// counterValue extracts the current value of a counter via the dto protobuf.
func counterValue(t *testing.T, write func(*dto.Metric) error) float64 {
	t.Helper()
	var m dto.Metric
	if err := write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

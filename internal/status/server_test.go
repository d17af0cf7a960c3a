package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/internal/coordinator"
	"tickflow/internal/metrics"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	monitor := metrics.NewMonitor(config.HealthConfig{
		LowErrorRate:   0.01,
		HighErrorRate:  0.10,
		StaleAfter:     30 * time.Second,
		ReconnectGrace: time.Minute,
		Window:         time.Minute,
		Retention:      time.Hour,
	}, 16)
	return NewServer("127.0.0.1:0", coordinator.New(monitor), monitor)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal health body: %v", err)
	}
	if body["health"] != "healthy" {
		t.Errorf("expected healthy with no collectors, got %s", body["health"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Health     string                 `json:"health"`
		Collectors []interface{}          `json:"collectors"`
		Metrics    map[string]interface{} `json:"metrics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal status body: %v", err)
	}
	if len(body.Collectors) != 0 {
		t.Errorf("expected no collectors, got %d", len(body.Collectors))
	}
	if body.Metrics == nil {
		t.Error("status body should carry the per-collector metrics summary")
	}
}

func TestBookUnknownExchange(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/books/okx/BTCUSDT")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown exchange, got %d", rec.Code)
	}
}

func TestSamplesEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/samples/binance-collector")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected prometheus exposition output")
	}
}

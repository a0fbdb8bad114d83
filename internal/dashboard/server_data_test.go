package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cortexflow/config"
	"cortexflow/internal/metrics"
	"cortexflow/logger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, RefreshInterval: time.Second, MetricsHistory: 10, LogHistory: 10}, logger.Logger())
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected non-nil server")
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	res := httptest.NewRecorder()
	srv.router("cortexflow").ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
	return res
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	srv := newTestServer(t)
	metrics.EmitMetric(logger.Logger(), "channel_size", "frames_buffer_length", 5, "gauge", logger.Fields{"capacity": 10})

	res := get(t, srv, "/api/metrics")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if len(srv.metrics.snapshot(nil)) == 0 {
		t.Fatalf("metrics store empty")
	}

	res = get(t, srv, "/api/metrics?latest=true")
	var body struct {
		Metrics map[string]metrics.Metric `json:"metrics"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body.Metrics["channel_size/frames_buffer_length"]; !ok {
		t.Fatalf("latest metrics missing frames_buffer_length: %s", res.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)

	if res := get(t, srv, "/api/status"); res.Code != http.StatusServiceUnavailable {
		t.Fatalf("status before SetStatus = %d, want 503", res.Code)
	}

	srv.SetStatus(func() any {
		return map[string]int{"frames": 12}
	})
	res := get(t, srv, "/api/status")
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.Code)
	}
	var body struct {
		Status map[string]int `json:"status"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status["frames"] != 12 {
		t.Fatalf("unexpected status body: %s", res.Body.String())
	}
}

func TestLogsEndpointFiltersByComponent(t *testing.T) {
	srv := newTestServer(t)
	log := logger.Logger()
	log.AddHook(srv.logStore)
	log.WithComponent("cortex").Info("connected")
	log.WithComponent("parquet_writer").Info("flushed")

	res := get(t, srv, "/api/logs?component=cortex")
	var body struct {
		Logs []logRecord `json:"logs"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Logs) == 0 {
		t.Fatal("expected cortex log entries")
	}
	for _, l := range body.Logs {
		if l.Component != "cortex" {
			t.Fatalf("unexpected component %q", l.Component)
		}
	}
}

func TestNilServerIsInert(t *testing.T) {
	var srv *Server
	srv.SetStatus(func() any { return nil })
	if srv.Address() != "" {
		t.Fatal("nil server has an address")
	}
	srv, err := NewServer(config.DashboardConfig{}, logger.Logger())
	if err != nil || srv != nil {
		t.Fatalf("disabled dashboard: srv=%v err=%v", srv, err)
	}
}

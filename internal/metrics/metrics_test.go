package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHealthzReportsOK(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpointExposesRegisteredSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)
	m.SetActiveSessions(3)
	m.RecordSessionAction("start")
	m.ObserveRPC("start", 10*time.Millisecond)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 64*1024)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])

	if !strings.Contains(body, "neatxd_active_sessions 3") {
		t.Errorf("missing active sessions gauge: %q", body)
	}
	if !strings.Contains(body, `neatxd_sessions_started_total{action="start"} 1`) {
		t.Errorf("missing session action counter: %q", body)
	}
}

func TestNilRegistryMethodsAreSafe(t *testing.T) {
	var m *Registry
	m.SetActiveSessions(1)
	m.RecordSessionAction("start")
	m.ObserveRPC("start", time.Second)
}

package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthzReportsPool(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[healthResponse](t, resp)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Busy != 0 {
		t.Errorf("busy = %d on an idle pool", body.Busy)
	}
}

func TestMetricsExposeEngineSeries(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	// Route patterns, not raw paths, label the request series.
	doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/some-id", nil)

	resp := doJSON(t, http.MethodGet, ts.URL+"/metrics", nil)
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)

	for _, want := range []string{
		`quire_http_requests_total{method="GET",route="/v1/jobs/{id}",status="404"}`,
		"quire_http_request_duration_seconds",
		"quire_http_event_streams",
		"quire_pool_tasks_total",
		"quire_jobs_total",
		"quire_replication_messages_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
	if strings.Contains(body, "some-id") {
		t.Error("raw path leaked into metric labels")
	}
}

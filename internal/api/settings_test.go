package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/quire/internal/store"
	"github.com/seantiz/quire/internal/workerpool"
)

func TestSettingsRoundTrip(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/settings/output_dir", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing setting status = %d, want 404", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPut, ts.URL+"/v1/settings/output_dir", settingBody{Value: "/tmp/out"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want 200", resp.StatusCode)
	}

	got := decode[settingBody](t, doJSON(t, http.MethodGet, ts.URL+"/v1/settings/output_dir", nil))
	if got.Key != "output_dir" || got.Value != "/tmp/out" {
		t.Errorf("setting = %+v", got)
	}
}

func TestStorageAndPool(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/storage", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("storage status = %d, want 200", resp.StatusCode)
	}
	est := decode[store.Estimate](t, resp)
	if est.Used < 0 {
		t.Errorf("used = %d, want >= 0", est.Used)
	}

	stats := decode[workerpool.Stats](t, doJSON(t, http.MethodGet, ts.URL+"/v1/pool", nil))
	if stats.Max != 2 {
		t.Errorf("max workers = %d, want 2", stats.Max)
	}
}

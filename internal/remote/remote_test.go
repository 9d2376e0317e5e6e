package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/quire/internal/task"
)

func TestDispatchPostsJSON(t *testing.T) {
	var got DispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, time.Second)
	req := DispatchRequest{
		JobID: "job-1",
		Files: []Staged{{ID: "f1", URL: "https://example.invalid/f1"}},
		Steps: []task.Step{{Kind: task.KindOCR, Params: task.Params{Language: "deu"}}},
		Tool:  "quire",
	}
	if err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.JobID != "job-1" || len(got.Files) != 1 || got.Steps[0].Kind != task.KindOCR || got.Tool != "quire" {
		t.Errorf("server received %+v", got)
	}
}

func TestDispatchWireFieldNames(t *testing.T) {
	raw, err := json.Marshal(DispatchRequest{JobID: "j", Tool: "t"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, field := range []string{`"jobId"`, `"files"`, `"steps"`, `"tool"`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("encoded request %s lacks %s", raw, field)
		}
	}
}

func TestDispatchNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTPDispatcher(srv.URL, time.Second).Dispatch(context.Background(), DispatchRequest{JobID: "job-1"})
	if err == nil {
		t.Fatal("expected error for 503")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "queue full") {
		t.Errorf("error = %v, want status and body", err)
	}
}

func TestDispatchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if err := NewHTTPDispatcher(url, time.Second).Dispatch(context.Background(), DispatchRequest{}); err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestObjectName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"report.pdf", "job/f-report.pdf"},
		{"../../etc/passwd", "job/f-passwd"},
		{`C:\scans\page.pdf`, "job/f-page.pdf"},
		{"", "job/f-file"},
	}
	for _, tt := range tests {
		if got := ObjectName("job", "f", tt.name); got != tt.want {
			t.Errorf("ObjectName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNewMinioStagerDefaults(t *testing.T) {
	if _, err := NewMinioStager(MinioConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
	s, err := NewMinioStager(MinioConfig{Endpoint: "localhost:9000", AccessKey: "k", SecretKey: "s"})
	if err != nil {
		t.Fatalf("NewMinioStager: %v", err)
	}
	if s.bucket != "quire-staging" || s.expiry != DefaultURLExpiry {
		t.Errorf("stager = bucket %q expiry %s", s.bucket, s.expiry)
	}
}

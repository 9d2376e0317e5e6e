package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/quire/internal/model"
	"github.com/seantiz/quire/internal/orchestrator"
	"github.com/seantiz/quire/internal/task"
)

func compressJob(label string) createJobRequest {
	return createJobRequest{
		Label: label,
		Files: []task.Document{{Name: "a.pdf", Data: []byte("A")}},
		Steps: []task.Step{{Kind: task.KindCompress, Params: task.Params{Level: task.LevelMedium}}},
	}
}

func TestCreateJobCompletesAndRecordsHistory(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", compressJob("report"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	created := decode[model.Job](t, resp)
	if created.ID == "" || created.Name != "report" || created.Kind != task.KindCompress {
		t.Fatalf("created job = %+v", created)
	}

	job := waitJob(t, ts.URL, created.ID)
	if job.Status != model.StatusCompleted || job.Progress != 100 {
		t.Fatalf("job = %+v, want completed at 100", job)
	}
	if job.ResultRef != orchestrator.ResultRef(job.ID) {
		t.Errorf("result_ref = %q, want %q", job.ResultRef, orchestrator.ResultRef(job.ID))
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/history/"+job.ID+"/result", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "A+c" {
		t.Errorf("result body = %q, want %q", body, "A+c")
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q, want application/pdf", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "a.pdf") {
		t.Errorf("Content-Disposition = %q, want filename a.pdf", cd)
	}
}

func TestCreateJobRejectsBadJSON(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestInvalidRequestBecomesFailedJob(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	req := compressJob("")
	req.Files = nil
	created := decode[model.Job](t, doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", req))

	job := waitJob(t, ts.URL, created.ID)
	if job.Status != model.StatusFailed || !strings.Contains(job.Error, "no input files") {
		t.Errorf("job = %+v, want failed with %q", job, "no input files")
	}
}

func TestFailedStepAndRetry(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	req := compressJob("")
	req.Steps = []task.Step{{Kind: task.KindRotate, Params: task.Params{Degrees: 90}}}
	created := decode[model.Job](t, doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", req))

	job := waitJob(t, ts.URL, created.ID)
	if job.Status != model.StatusFailed || !strings.Contains(job.Error, "rotate exploded") {
		t.Fatalf("job = %+v, want failed with handler error", job)
	}

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/"+job.ID+"/retry", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("retry status = %d, want 202", resp.StatusCode)
	}
	retried := decode[model.Job](t, resp)
	if retried.ID == job.ID {
		t.Error("retry reused the original job id")
	}
	waitJob(t, ts.URL, retried.ID)
}

func TestJobConflicts(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	created := decode[model.Job](t, doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", compressJob("")))
	waitJob(t, ts.URL, created.ID)

	for _, path := range []string{"/cancel", "/retry", "/complete"} {
		resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/"+created.ID+path, map[string]string{})
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("POST %s status = %d, want 409", path, resp.StatusCode)
		}
	}
}

func TestUnknownJob(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/jobs/missing"},
		{http.MethodDelete, "/v1/jobs/missing"},
		{http.MethodPost, "/v1/jobs/missing/cancel"},
		{http.MethodPost, "/v1/jobs/missing/retry"},
		{http.MethodPost, "/v1/jobs/missing/complete"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp := doJSON(t, tt.method, ts.URL+tt.path, map[string]string{})
			if resp.StatusCode != http.StatusNotFound {
				t.Errorf("status = %d, want 404", resp.StatusCode)
			}
		})
	}
}

func TestDeleteAndListJobs(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()

	ok := decode[model.Job](t, doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", compressJob("ok")))
	bad := compressJob("bad")
	bad.Steps = nil
	failed := decode[model.Job](t, doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", bad))
	waitJob(t, ts.URL, ok.ID)
	waitJob(t, ts.URL, failed.ID)

	list := decode[listJobsResponse](t, doJSON(t, http.MethodGet, ts.URL+"/v1/jobs?status=failed", nil))
	if len(list.Jobs) != 1 || list.Jobs[0].ID != failed.ID {
		t.Errorf("failed jobs = %+v, want only %s", list.Jobs, failed.ID)
	}

	resp := doJSON(t, http.MethodDelete, ts.URL+"/v1/jobs/"+ok.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	list = decode[listJobsResponse](t, doJSON(t, http.MethodGet, ts.URL+"/v1/jobs", nil))
	if len(list.Jobs) != 1 {
		t.Errorf("jobs after delete = %d, want 1", len(list.Jobs))
	}
}

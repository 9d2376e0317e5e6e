package e2e

import (
	"bytes"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func soloInstance(t *testing.T, id string) instance {
	dir := t.TempDir()
	return instance{id: id, dbPath: filepath.Join(dir, "quire.db"), peerDir: filepath.Join(dir, "peers")}
}

func TestHealthzAndMetrics(t *testing.T) {
	sp := startServer(t, getBinary(t), soloInstance(t, "solo"))

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"quire_jobs_total", "quire_pool_workers", "quire_http_requests_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}

func TestMergeThenCompress(t *testing.T) {
	sp := startServer(t, getBinary(t), soloInstance(t, "solo"))

	created := sp.submit(t, createJob{
		Label: "combined",
		Files: []document{{Name: "a.pdf", Data: samplePDF(1)}, {Name: "b.pdf", Data: samplePDF(2)}},
		Steps: []step{
			{Kind: "merge", Params: map[string]any{"output": "combined.pdf"}},
			{Kind: "compress", Params: map[string]any{"level": "high"}},
		},
	})
	if created.Kind != "pipeline" {
		t.Errorf("kind = %q, want pipeline", created.Kind)
	}

	j := sp.waitJob(t, created.ID)
	if j.Status != "completed" || j.Progress != 100 {
		t.Fatalf("job = %+v, want completed", j)
	}

	resp, err := http.Get(sp.url + "/v1/history/" + j.ID + "/result")
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Errorf("result does not look like a PDF: %q", data[:min(len(data), 16)])
	}
	if int64(len(data)) != j.ResultSize {
		t.Errorf("result size = %d, job reports %d", len(data), j.ResultSize)
	}
}

func TestCorruptInputFailsJob(t *testing.T) {
	sp := startServer(t, getBinary(t), soloInstance(t, "solo"))

	created := sp.submit(t, createJob{
		Files: []document{{Name: "broken.pdf", Data: []byte("not a pdf")}},
		Steps: []step{{Kind: "rotate", Params: map[string]any{"degrees": 90}}},
	})
	j := sp.waitJob(t, created.ID)
	if j.Status != "failed" || j.Error == "" {
		t.Errorf("job = %+v, want failed with an error", j)
	}
	if slices.Contains(sp.historyIDs(t), j.ID) {
		t.Error("failed job was recorded in history")
	}
}

func TestProcessWorkers(t *testing.T) {
	in := soloInstance(t, "proc")
	in.workerMode = "process"
	sp := startServer(t, getBinary(t), in)

	created := sp.submit(t, createJob{
		Files: []document{{Name: "a.pdf", Data: samplePDF(1)}, {Name: "b.pdf", Data: samplePDF(1)}},
		Steps: []step{{Kind: "rotate", Params: map[string]any{"degrees": 180}}},
	})
	if j := sp.waitJob(t, created.ID); j.Status != "completed" {
		t.Fatalf("job = %+v, want completed", j)
	}
}

// Two instances on one device share storage and a peer directory. A job
// run on one appears on the other, and so does its history item.
func TestJobsReplicateBetweenInstances(t *testing.T) {
	binary := getBinary(t)
	dir := t.TempDir()
	shared := func(id string) instance {
		return instance{id: id, dbPath: filepath.Join(dir, "quire.db"), peerDir: filepath.Join(dir, "peers")}
	}
	a := startServer(t, binary, shared("window-a"))
	b := startServer(t, binary, shared("window-b"))

	created := a.submit(t, createJob{
		Files: []document{{Name: "a.pdf", Data: samplePDF(1)}},
		Steps: []step{{Kind: "compress", Params: map[string]any{"level": "medium"}}},
	})
	a.waitJob(t, created.ID)

	j := b.waitJob(t, created.ID)
	if j.Status != "completed" {
		t.Errorf("replicated job = %+v, want completed", j)
	}

	deadline := time.Now().Add(jobTimeout)
	for !slices.Contains(b.historyIDs(t), created.ID) {
		if time.Now().After(deadline) {
			t.Fatal("history item did not reach the second instance")
		}
		time.Sleep(pollInterval)
	}

	req, _ := http.NewRequest(http.MethodDelete, b.url+"/v1/jobs/"+created.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE job: %v", err)
	}
	resp.Body.Close()

	deadline = time.Now().Add(jobTimeout)
	for {
		if _, ok := a.getJob(t, created.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("removal did not reach the first instance")
		}
		time.Sleep(pollInterval)
	}
}

// Package e2e drives a built quire binary over HTTP.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	jobTimeout     = 20 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	output *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "quire-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "quire")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/quire")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// instance describes one server process. Instances that share dbPath and
// peerDir act as two windows on the same device.
type instance struct {
	id         string
	dbPath     string
	peerDir    string
	workerMode string
}

func startServer(t *testing.T, binary string, in instance) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if in.workerMode == "" {
		in.workerMode = "local"
	}

	output := &lockedBuffer{}
	cmd := exec.Command(binary, "serve")
	cmd.Env = append(os.Environ(),
		"QUIRE_CONFIG=",
		"QUIRE_LISTEN_ADDR="+addr,
		"QUIRE_DB_PATH="+in.dbPath,
		"QUIRE_PEER_DIR="+in.peerDir,
		"QUIRE_INSTANCE_ID="+in.id,
		"QUIRE_WORKER_MODE="+in.workerMode,
		"QUIRE_LOG_LEVEL=debug",
		"QUIRE_LOG_FORMAT=json",
	)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{cmd: cmd, output: output, url: "http://" + addr}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
		if t.Failed() {
			t.Logf("%s output:\n%s", in.id, output.String())
		}
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\noutput:\n%s", startupTimeout, output.String())
	return nil
}

// job mirrors the fields of the job JSON the tests look at.
type job struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Error      string `json:"error"`
	ResultRef  string `json:"result_ref"`
	ResultSize int64  `json:"result_size"`
}

func (j job) terminal() bool { return j.Status == "completed" || j.Status == "failed" }

type document struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type step struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

type createJob struct {
	Label string     `json:"label,omitempty"`
	Mode  string     `json:"mode,omitempty"`
	Files []document `json:"files"`
	Steps []step     `json:"steps"`
}

func (sp *serverProc) submit(t *testing.T, req createJob) job {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	resp, err := http.Post(sp.url+"/v1/jobs", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST /v1/jobs status = %d, body = %s", resp.StatusCode, body)
	}
	var j job
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return j
}

// getJob returns the job and whether the server knows it.
func (sp *serverProc) getJob(t *testing.T, id string) (job, bool) {
	t.Helper()
	resp, err := http.Get(sp.url + "/v1/jobs/" + id)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return job{}, false
	}
	var j job
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return j, true
}

// waitJob polls until the job is terminal on sp.
func (sp *serverProc) waitJob(t *testing.T, id string) job {
	t.Helper()
	deadline := time.Now().Add(jobTimeout)
	for time.Now().Before(deadline) {
		if j, ok := sp.getJob(t, id); ok && j.terminal() {
			return j
		}
		time.Sleep(pollInterval)
	}
	j, _ := sp.getJob(t, id)
	t.Fatalf("job %s not finished within %v, last seen %+v", id, jobTimeout, j)
	return j
}

func (sp *serverProc) historyIDs(t *testing.T) []string {
	t.Helper()
	resp, err := http.Get(sp.url + "/v1/history")
	if err != nil {
		t.Fatalf("GET /v1/history: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	ids := make([]string, 0, len(body.Items))
	for _, it := range body.Items {
		ids = append(ids, it.ID)
	}
	return ids
}

// samplePDF builds a minimal valid PDF with the given number of blank pages.
func samplePDF(pages int) []byte {
	var objs []string
	objs = append(objs, "<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := range pages {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	objs = append(objs, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for range pages {
		objs = append(objs, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

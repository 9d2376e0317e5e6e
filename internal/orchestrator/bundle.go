package orchestrator

import (
	"archive/zip"
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/seantiz/quire/internal/task"
)

// bundle returns the single output of a job. Several output documents are
// packed into one zip archive named after the job.
func bundle(jobName string, docs []task.Document) (task.Document, error) {
	switch len(docs) {
	case 0:
		return task.Document{}, fmt.Errorf("job produced no output")
	case 1:
		return docs[0], nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	used := make(map[string]bool, len(docs))
	now := time.Now()
	for _, d := range docs {
		name := entryName(used, safeName(d.Name))
		used[name] = true

		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: now})
		if err != nil {
			return task.Document{}, fmt.Errorf("bundle %s: %w", name, err)
		}
		if _, err := w.Write(d.Data); err != nil {
			return task.Document{}, fmt.Errorf("bundle %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return task.Document{}, fmt.Errorf("finish bundle: %w", err)
	}

	stem := strings.TrimSuffix(safeName(jobName), filepath.Ext(jobName))
	return task.Document{Name: stem + ".zip", Data: buf.Bytes()}, nil
}

// entryName returns name, or the first "stem (n).ext" variant of it, that is
// not already in used.
func entryName(used map[string]bool, name string) string {
	if !used[name] {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if !used[candidate] {
			return candidate
		}
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/seantiz/quire/internal/store"
	"github.com/seantiz/quire/internal/task"
)

// SettingOutputDir is the setting naming the folder results are saved to.
const SettingOutputDir = "output_dir"

// maxNameAttempts bounds the search for a free file name in the output folder.
const maxNameAttempts = 1000

// save writes doc into the output folder. Failures are logged and otherwise
// ignored; the result is still available from history.
func (o *Orchestrator) save(ctx context.Context, jobID string, doc task.Document) {
	dir := o.resultDir(ctx)
	if dir == "" {
		return
	}
	path, err := writeUnique(o.fs, dir, doc)
	if err != nil {
		o.logger.Warn("failed to save result to output folder", "job_id", jobID, "dir", dir, "error", err)
		return
	}
	o.logger.Info("result saved", "job_id", jobID, "path", path)
}

func (o *Orchestrator) resultDir(ctx context.Context) string {
	dir, err := o.jobs.GetSetting(ctx, SettingOutputDir)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("failed to read output folder setting", "error", err)
	}
	if dir = strings.TrimSpace(dir); dir != "" {
		return dir
	}
	return o.outputDir
}

// writeUnique writes doc into dir without overwriting an existing file,
// appending " (n)" to the base name until it finds a free one.
func writeUnique(fs afero.Fs, dir string, doc task.Document) (string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output folder: %w", err)
	}
	name := safeName(doc.Name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := range maxNameAttempts {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		exists, err := afero.Exists(fs, path)
		if err != nil {
			return "", fmt.Errorf("check %s: %w", path, err)
		}
		if exists {
			continue
		}
		if err := afero.WriteFile(fs, path, doc.Data, 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %q in %s", name, dir)
}

// safeName reduces a client-supplied name to a plain file name.
func safeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." || base == "" {
		return "result"
	}
	return base
}

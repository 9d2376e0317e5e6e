package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/seantiz/quire/internal/model"
	"github.com/seantiz/quire/internal/remote"
	"github.com/seantiz/quire/internal/task"
)

// Status texts shown on a remote job while it is in flight.
const (
	TextUploading   = "Uploading files"
	TextDispatching = "Dispatching"
	TextAwaiting    = "Processing on server"
)

// historyTimeout bounds the durable writes made when a job completes.
const historyTimeout = 30 * time.Second

func (o *Orchestrator) runLocal(ctx context.Context, job model.Job, req request) error {
	if !o.advance(job.ID, model.Patch().WithStatus(model.StatusProcessing).WithProgress(0)) {
		return nil
	}

	// The pool takes ownership of payload buffers, so the pipeline works on
	// copies and the retained request stays intact for Retry.
	docs := make([]task.Document, len(req.files))
	for i, f := range req.files {
		docs[i] = f.Clone()
	}

	n := len(req.steps)
	for i, step := range req.steps {
		next, err := o.runStep(ctx, step, docs)
		if ctx.Err() != nil {
			o.interrupted(job.ID)
			return ctx.Err()
		}
		if err != nil {
			o.fail(job.ID, err.Error())
			return err
		}
		docs = next

		progress := int(math.Round(float64(i+1) / float64(n) * 100))
		if !o.advance(job.ID, model.Patch().WithProgress(progress)) {
			return nil
		}
		o.logger.Debug("job step finished", "job_id", job.ID, "step", i+1, "kind", step.Kind, "progress", progress)
	}

	out, err := bundle(job.Name, docs)
	if err != nil {
		o.fail(job.ID, err.Error())
		return err
	}

	r, ok := o.claim(job.ID)
	if !ok {
		return nil
	}
	o.complete(ctx, job, &out)
	o.record(r, outcomeCompleted)
	return nil
}

// runStep runs one pipeline step over docs and returns its output documents
// in input order.
func (o *Orchestrator) runStep(ctx context.Context, step task.Step, docs []task.Document) ([]task.Document, error) {
	payloads, err := task.Build(step.Kind, step.Params, docs)
	if err != nil {
		return nil, err
	}

	var results []task.Result
	if len(payloads) == 1 {
		res, err := o.runner.RunTask(ctx, step.Kind, payloads[0])
		if err != nil {
			return nil, err
		}
		results = []task.Result{res}
	} else {
		results, err = o.runner.RunChunkedTask(ctx, step.Kind, payloads)
		if err != nil {
			return nil, err
		}
	}

	var out []task.Document
	for _, res := range results {
		out = append(out, res.Documents...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s step produced no output", step.Kind)
	}
	return out, nil
}

// complete saves the result, records it in history and marks the job
// completed. The result reference is only set once the history write
// succeeded, so it never points at a missing item.
func (o *Orchestrator) complete(ctx context.Context, job model.Job, out *task.Document) {
	done := model.Patch().WithStatus(model.StatusCompleted).WithProgress(100).WithError("")

	if out != nil {
		o.save(ctx, job.ID, *out)

		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
		defer cancel()
		item := model.HistoryItem{
			ID:        job.ID,
			FileName:  out.Name,
			Kind:      job.Kind,
			Timestamp: time.Now().UTC(),
			SizeBytes: int64(len(out.Data)),
			Result:    out.Data,
		}
		if err := o.jobs.AddToHistory(hctx, item); err != nil {
			o.logger.Error("failed to record job in history", "job_id", job.ID, "error", err)
		} else {
			done = done.WithResult(ResultRef(job.ID), item.SizeBytes)
		}
	}

	o.jobs.UpdateJob(job.ID, done)
	o.forget(job.ID)
	o.logger.Info("job completed", "job_id", job.ID, "mode", job.Mode)
}

// ResultRef is the reference stored on a completed job for its history item.
func ResultRef(id string) string {
	return "history/" + id
}

func (o *Orchestrator) runRemote(ctx context.Context, job model.Job, req request) error {
	if o.stager == nil || o.dispatcher == nil {
		err := fmt.Errorf("remote execution is not configured")
		o.fail(job.ID, err.Error())
		return err
	}

	if !o.advance(job.ID, model.Patch().WithStatus(model.StatusProcessing).WithError(TextUploading)) {
		return nil
	}
	files := make([]remote.Staged, 0, len(req.files))
	for _, f := range req.files {
		staged, err := o.stager.Stage(ctx, job.ID, f)
		if ctx.Err() != nil {
			o.interrupted(job.ID)
			return ctx.Err()
		}
		if err != nil {
			o.fail(job.ID, err.Error())
			return err
		}
		files = append(files, staged)
	}

	if !o.advance(job.ID, model.Patch().WithError(TextDispatching)) {
		return nil
	}
	err := o.dispatcher.Dispatch(ctx, remote.DispatchRequest{
		JobID: job.ID,
		Files: files,
		Steps: req.steps,
		Tool:  o.tool,
	})
	if ctx.Err() != nil {
		o.interrupted(job.ID)
		return ctx.Err()
	}
	if err != nil {
		o.fail(job.ID, err.Error())
		return err
	}

	if !o.advance(job.ID, model.Patch().WithError(TextAwaiting)) {
		return nil
	}
	o.logger.Info("job dispatched", "job_id", job.ID, "files", len(files))
	return nil
}

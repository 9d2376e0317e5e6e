package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seantiz/quire/internal/jobstore"
	"github.com/seantiz/quire/internal/model"
	"github.com/seantiz/quire/internal/remote"
	"github.com/seantiz/quire/internal/task"
	"github.com/seantiz/quire/internal/tracing"
	"github.com/seantiz/quire/internal/workerpool"
)

// Orchestrator errors.
var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrJobFinished  = errors.New("job is no longer running")
	ErrNotRetryable = errors.New("job cannot be retried")
	ErrNotRemote    = errors.New("job is not a remote job")
)

// CancelledMessage is the error text of a job cancelled through CancelJob.
const CancelledMessage = "cancelled by user"

// DefaultTool names this engine to the remote dispatch endpoint.
const DefaultTool = "quire"

// DefaultMaxRetained caps how many failed requests are kept for Retry.
const DefaultMaxRetained = 64

// TaskRunner runs tasks on the worker pool.
type TaskRunner interface {
	RunTask(ctx context.Context, kind task.Kind, payload task.Payload, opts ...workerpool.RunOption) (task.Result, error)
	RunChunkedTask(ctx context.Context, kind task.Kind, chunks []task.Payload, opts ...workerpool.RunOption) ([]task.Result, error)
}

// Stager uploads one input file to the remote staging area.
type Stager interface {
	Stage(ctx context.Context, jobID string, doc task.Document) (remote.Staged, error)
}

// Dispatcher hands a staged job to the remote execution endpoint.
type Dispatcher interface {
	Dispatch(ctx context.Context, req remote.DispatchRequest) error
}

var (
	_ TaskRunner = (*workerpool.Pool)(nil)
	_ Stager     = (*remote.MinioStager)(nil)
	_ Dispatcher = (*remote.HTTPDispatcher)(nil)
)

// Options configures an Orchestrator. Stager and Dispatcher may be nil, in
// which case remote jobs fail at once.
type Options struct {
	Logger     *slog.Logger
	Fs         afero.Fs
	Stager     Stager
	Dispatcher Dispatcher
	Tool       string
	// OutputDir is the result folder used when the output_dir setting is
	// unset. Empty disables saving unless the setting names a folder.
	OutputDir string
	// MaxRetained caps the failed requests kept for Retry. The oldest is
	// dropped first. Zero means DefaultMaxRetained.
	MaxRetained int
}

// EnqueueOptions selects how a job runs.
type EnqueueOptions struct {
	Mode model.Mode
}

// RemoteOutcome is the out-of-band result of a remote job.
type RemoteOutcome struct {
	Error  string
	Result *task.Document
}

type request struct {
	files []task.Document
	steps []task.Step
	label string
	mode  model.Mode
}

type running struct {
	cancel  context.CancelFunc
	mode    model.Mode
	started time.Time
}

// Orchestrator turns multi-file, multi-step requests into pool tasks or
// remote dispatches and records progress in the job store.
type Orchestrator struct {
	jobs       *jobstore.Store
	runner     TaskRunner
	stager     Stager
	dispatcher Dispatcher
	fs         afero.Fs
	tool       string
	outputDir  string
	logger     *slog.Logger

	maxRetained int

	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	running  map[string]running
	requests map[string]request
	retained []string // failed job ids with a kept request, oldest first
	wg       sync.WaitGroup
}

// New creates an orchestrator that records jobs in jobs and runs local steps
// on runner.
func New(jobs *jobstore.Store, runner TaskRunner, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Tool == "" {
		opts.Tool = DefaultTool
	}
	if opts.MaxRetained <= 0 {
		opts.MaxRetained = DefaultMaxRetained
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		jobs:        jobs,
		runner:      runner,
		stager:      opts.Stager,
		dispatcher:  opts.Dispatcher,
		fs:          opts.Fs,
		tool:        opts.Tool,
		outputDir:   opts.OutputDir,
		logger:      opts.Logger,
		maxRetained: opts.MaxRetained,
		base:        base,
		stop:        stop,
		running:     make(map[string]running),
		requests:    make(map[string]request),
	}
}

// Enqueue records a pending job and starts it in the background. The job id
// is returned before any work happens. A malformed request still gets a job,
// which fails at once with the reason.
func (o *Orchestrator) Enqueue(files []task.Document, steps []task.Step, label string, opts EnqueueOptions) string {
	mode := opts.Mode
	if mode == "" {
		mode = model.ModeLocal
	}
	req := request{files: files, steps: steps, label: label, mode: mode}

	now := time.Now().UTC()
	job := model.Job{
		ID:        model.NewJobID(),
		Name:      jobName(label, files),
		Kind:      jobKind(steps),
		Mode:      mode,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.jobs.AddJob(job)
	jobsRunning.WithLabelValues(string(mode)).Inc()

	ctx, cancel := context.WithCancel(o.base)
	o.mu.Lock()
	o.requests[job.ID] = req
	o.running[job.ID] = running{cancel: cancel, mode: mode, started: now}
	o.mu.Unlock()

	o.logger.Info("job enqueued", "job_id", job.ID, "mode", mode, "steps", len(steps), "files", len(files))

	if err := validate(req); err != nil {
		o.fail(job.ID, err.Error())
		return job.ID
	}

	o.wg.Go(func() {
		o.run(ctx, job, req)
	})
	return job.ID
}

// CancelJob stops tracking job id and marks it failed. Work already running
// on the pool is asked to stop, and its result is discarded either way.
func (o *Orchestrator) CancelJob(id string) error {
	if _, ok := o.jobs.Job(id); !ok {
		return ErrUnknownJob
	}
	r, ok := o.claim(id)
	if !ok {
		return ErrJobFinished
	}
	r.cancel()
	o.settleFailed(id, r, CancelledMessage, outcomeCancelled)
	o.logger.Info("job cancelled", "job_id", id)
	return nil
}

// Retry enqueues a failed job's original request again under a new id.
func (o *Orchestrator) Retry(id string) (string, error) {
	job, ok := o.jobs.Job(id)
	if !ok {
		return "", ErrUnknownJob
	}
	if job.Status != model.StatusFailed {
		return "", fmt.Errorf("%w: status is %s", ErrNotRetryable, job.Status)
	}
	o.mu.Lock()
	req, ok := o.requests[id]
	o.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: request is not retained on this instance", ErrNotRetryable)
	}
	newID := o.Enqueue(req.files, req.steps, req.label, EnqueueOptions{Mode: req.mode})
	o.logger.Info("job retried", "job_id", newID, "retry_of", id)
	return newID, nil
}

// RemoveJob stops job id if it is still running and drops it from the live
// table on every instance.
func (o *Orchestrator) RemoveJob(id string) bool {
	if r, ok := o.claim(id); ok {
		r.cancel()
		jobsRunning.WithLabelValues(string(r.mode)).Dec()
	}
	o.forget(id)
	return o.jobs.RemoveJob(id)
}

// ReportRemote settles a remote job that is waiting on the server. A report
// may arrive before the local run marked the job processing, so the job is
// moved to processing first and then settled.
func (o *Orchestrator) ReportRemote(ctx context.Context, id string, out RemoteOutcome) error {
	job, ok := o.jobs.Job(id)
	if !ok {
		return ErrUnknownJob
	}
	if job.Mode != model.ModeRemote {
		return ErrNotRemote
	}
	r, ok := o.claim(id)
	if !ok {
		return ErrJobFinished
	}
	r.cancel()
	o.jobs.UpdateJob(id, model.Patch().WithStatus(model.StatusProcessing))

	if msg := strings.TrimSpace(out.Error); msg != "" {
		o.settleFailed(id, r, msg, outcomeFailed)
		o.logger.Warn("remote job failed", "job_id", id, "error", msg)
		return nil
	}
	var result *task.Document
	if out.Result != nil && len(out.Result.Data) > 0 {
		result = out.Result
	}
	o.complete(ctx, job, result)
	o.record(r, outcomeCompleted)
	return nil
}

// Wait blocks until every job goroutine has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown interrupts running jobs and waits for their goroutines. Jobs cut
// short are marked failed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, job model.Job, req request) {
	ctx, span := tracing.StartSpan(ctx, "job.run",
		attribute.String("job_id", job.ID),
		attribute.String("mode", string(req.mode)),
		attribute.Int("steps", len(req.steps)),
		attribute.Int("files", len(req.files)),
	)
	defer span.End()

	var err error
	if req.mode == model.ModeRemote {
		err = o.runRemote(ctx, job, req)
	} else {
		err = o.runLocal(ctx, job, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// interrupted settles a job whose context ended. A user cancel has already
// claimed the job, so only a shutdown gets here with the job still owned.
func (o *Orchestrator) interrupted(id string) {
	if r, ok := o.claim(id); ok {
		o.settleFailed(id, r, "interrupted by shutdown", outcomeFailed)
	}
}

// fail marks a job failed unless something else already settled it.
func (o *Orchestrator) fail(id, msg string) {
	r, ok := o.claim(id)
	if !ok {
		return
	}
	r.cancel()
	o.settleFailed(id, r, msg, outcomeFailed)
	o.logger.Warn("job failed", "job_id", id, "error", msg)
}

// settleFailed marks a claimed job failed and keeps its request for Retry,
// dropping the oldest kept request once more than maxRetained are held.
func (o *Orchestrator) settleFailed(id string, r running, msg, outcome string) {
	o.jobs.UpdateJob(id, model.Patch().WithStatus(model.StatusFailed).WithError(msg))
	o.record(r, outcome)

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.requests[id]; !ok {
		return
	}
	o.retained = append(o.retained, id)
	for len(o.retained) > o.maxRetained {
		delete(o.requests, o.retained[0])
		o.retained = o.retained[1:]
	}
}

// forget drops the request kept for job id.
func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.requests, id)
	o.retained = slices.DeleteFunc(o.retained, func(r string) bool { return r == id })
}

// advance applies an in-flight update to job id while the run loop still
// owns it. It reports false once the job was settled elsewhere, and the
// caller stops.
func (o *Orchestrator) advance(id string, p model.JobPatch) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[id]; !ok {
		return false
	}
	o.jobs.UpdateJob(id, p)
	return true
}

// claim takes exclusive ownership of settling job id. Exactly one of the
// run loop, CancelJob, RemoveJob and ReportRemote wins.
func (o *Orchestrator) claim(id string) (running, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.running[id]
	if ok {
		delete(o.running, id)
	}
	return r, ok
}

func (o *Orchestrator) record(r running, outcome string) {
	jobsRunning.WithLabelValues(string(r.mode)).Dec()
	jobsTotal.WithLabelValues(string(r.mode), outcome).Inc()
	jobDuration.WithLabelValues(string(r.mode)).Observe(time.Since(r.started).Seconds())
}

func validate(req request) error {
	if len(req.files) == 0 {
		return fmt.Errorf("%w: no input files", task.ErrInvalidPayload)
	}
	if len(req.steps) == 0 {
		return fmt.Errorf("%w: no steps", task.ErrInvalidPayload)
	}
	for i, s := range req.steps {
		if !s.Kind.Valid() {
			return fmt.Errorf("%w: step %d has unknown kind %q", task.ErrInvalidPayload, i+1, s.Kind)
		}
	}
	switch req.mode {
	case model.ModeLocal, model.ModeRemote:
	default:
		return fmt.Errorf("unknown execution mode %q", req.mode)
	}
	return nil
}

func jobName(label string, files []task.Document) string {
	if s := strings.TrimSpace(label); s != "" {
		return s
	}
	if len(files) > 0 && files[0].Name != "" {
		return files[0].Name
	}
	return "job"
}

func jobKind(steps []task.Step) task.Kind {
	switch len(steps) {
	case 0:
		return ""
	case 1:
		return steps[0].Kind
	default:
		return task.KindPipeline
	}
}

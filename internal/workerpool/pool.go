package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/quire/internal/model"
	"github.com/seantiz/quire/internal/task"
)

// Pool errors.
var (
	ErrPoolClosed    = errors.New("worker pool is shut down")
	ErrTaskTimeout   = errors.New("task exceeded its time limit")
	ErrWorkerCrashed = errors.New("worker exited while running task")
	ErrKindMismatch  = errors.New("payload does not match task kind")
)

// TaskError is a failure reported by the handler that ran a task.
type TaskError struct {
	Kind    task.Kind
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s task failed: %s", e.Kind, e.Message)
}

// Config controls pool sizing and liveness.
type Config struct {
	// MaxWorkers is the ceiling on live units. Zero selects DefaultMaxWorkers.
	MaxWorkers int
	// TaskTimeout bounds how long one task may hold a unit. A unit that
	// exceeds it is closed and replaced. Zero disables the limit.
	TaskTimeout time.Duration
	// Prewarm is how many units Init starts eagerly.
	Prewarm int
}

// DefaultMaxWorkers returns the logical CPU count, or 4 when it is unknown.
func DefaultMaxWorkers() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 4
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Max     int `json:"max"`
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
}

// RunOption adjusts a single RunTask call.
type RunOption func(*runOptions)

type runOptions struct {
	retain bool
}

// Retain keeps the caller's payload untouched by handing the worker a deep
// copy. Without it, ownership of the payload's buffers moves to the pool.
func Retain() RunOption {
	return func(o *runOptions) { o.retain = true }
}

// Pool runs tasks on a bounded set of lazily created units. Tasks that find
// every unit busy wait in a FIFO queue, and each settled task immediately
// pulls the next one.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	workers  []*worker
	starting int
	queue    []*call
	closed   bool
	nextID   int
	wg       sync.WaitGroup
}

type worker struct {
	id      int
	unit    Unit
	current *call
	timer   *time.Timer
	retired chan struct{}
}

type call struct {
	id       string
	kind     task.Kind
	payload  task.Payload
	enqueued time.Time
	started  time.Time
	worker   *worker
	resolved bool
	done     chan outcome
}

type outcome struct {
	result task.Result
	err    error
}

// New creates a pool that obtains units from factory. No unit is started
// until Init or the first RunTask.
func New(cfg Config, factory Factory, logger *slog.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers()
	}
	if cfg.Prewarm > cfg.MaxWorkers {
		cfg.Prewarm = cfg.MaxWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg, factory: factory, logger: logger}
}

// Init starts cfg.Prewarm units up front so the first tasks skip unit startup.
func (p *Pool) Init(ctx context.Context) error {
	for range p.cfg.Prewarm {
		unit, err := p.factory(ctx)
		if err != nil {
			return fmt.Errorf("prewarm worker: %w", err)
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = unit.Close()
			return ErrPoolClosed
		}
		p.addWorkerLocked(unit)
		p.mu.Unlock()
	}
	return nil
}

// RunTask executes payload on a worker and waits for its result.
//
// If ctx ends while the task is queued it is withdrawn. If it ends while the
// task is running, the unit is asked to cancel, ctx.Err() is returned at
// once and the late reply is discarded.
func (p *Pool) RunTask(ctx context.Context, kind task.Kind, payload task.Payload, opts ...RunOption) (task.Result, error) {
	if payload == nil {
		return task.Result{}, fmt.Errorf("%w: nil payload", task.ErrInvalidPayload)
	}
	if payload.Kind() != kind {
		return task.Result{}, fmt.Errorf("%w: %s payload for %s task", ErrKindMismatch, payload.Kind(), kind)
	}
	if err := payload.Validate(); err != nil {
		return task.Result{}, err
	}
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.retain {
		payload = payload.Clone()
	}
	if err := ctx.Err(); err != nil {
		return task.Result{}, err
	}

	c := &call{
		id:       model.NewID(),
		kind:     kind,
		payload:  payload,
		enqueued: time.Now(),
		done:     make(chan outcome, 1),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return task.Result{}, ErrPoolClosed
	}
	p.queue = append(p.queue, c)
	queuedGauge.Set(float64(len(p.queue)))
	p.drainLocked()
	p.mu.Unlock()

	select {
	case out := <-c.done:
		return out.result, out.err
	case <-ctx.Done():
		p.abandon(c)
		return task.Result{}, ctx.Err()
	}
}

// RunChunkedTask runs every chunk concurrently and returns the results in
// chunk order. The first failure cancels the remaining chunks.
func (p *Pool) RunChunkedTask(ctx context.Context, kind task.Kind, chunks []task.Payload, opts ...RunOption) ([]task.Result, error) {
	results := make([]task.Result, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			res, err := p.RunTask(gctx, kind, chunk, opts...)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Max: p.cfg.MaxWorkers, Workers: len(p.workers), Queued: len(p.queue)}
	for _, w := range p.workers {
		if w.current != nil {
			s.Busy++
		}
	}
	return s
}

// Shutdown rejects queued and running tasks with ErrPoolClosed, closes every
// unit and waits for the pool's goroutines to exit or ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for _, c := range p.queue {
		p.resolveLocked(c, outcome{err: ErrPoolClosed}, outcomeCancelled)
	}
	p.queue = nil

	workers := p.workers
	p.workers = nil
	for _, w := range workers {
		if c := w.current; c != nil {
			w.current = nil
			p.resolveLocked(c, outcome{err: ErrPoolClosed}, outcomeCancelled)
		}
		p.retireLocked(w)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	var errs []error
	for _, w := range workers {
		if err := w.unit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close worker %d: %w", w.id, err))
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.Join(errs...)
}

// drainLocked hands queued calls to idle units and starts new units for the
// rest, up to the ceiling. Units already starting count against the queue so
// a burst of submissions never overshoots.
func (p *Pool) drainLocked() {
	defer p.updateGaugesLocked()

	for len(p.queue) > 0 && !p.closed {
		w := p.idleWorkerLocked()
		if w == nil {
			for p.starting < len(p.queue) && len(p.workers)+p.starting < p.cfg.MaxWorkers {
				p.starting++
				p.wg.Go(p.spawn)
			}
			return
		}
		p.dispatchLocked(w, p.popLocked())
	}
}

func (p *Pool) idleWorkerLocked() *worker {
	for _, w := range p.workers {
		if w.current == nil {
			return w
		}
	}
	return nil
}

func (p *Pool) popLocked() *call {
	c := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return c
}

func (p *Pool) dispatchLocked(w *worker, c *call) {
	c.worker = w
	c.started = time.Now()
	w.current = c
	queueWait.Observe(c.started.Sub(c.enqueued).Seconds())

	if p.cfg.TaskTimeout > 0 {
		w.timer = time.AfterFunc(p.cfg.TaskTimeout, func() { p.expire(w, c) })
	}

	if err := w.unit.Post(Request{CorrelationID: c.id, Kind: c.kind, Payload: c.payload}); err != nil {
		w.current = nil
		p.stopTimer(w)
		p.removeWorkerLocked(w)
		go w.unit.Close()
		p.resolveLocked(c, outcome{err: fmt.Errorf("post task: %w", err)}, outcomeCrashed)
	}
}

// spawn creates one unit outside the lock. A factory failure with no other
// unit alive or starting rejects the oldest queued call so callers never wait
// on capacity that cannot appear.
func (p *Pool) spawn() {
	unit, err := p.factory(context.Background())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.starting--

	if err != nil {
		p.logger.Error("start worker unit", "error", err)
		if len(p.workers) == 0 && p.starting == 0 && len(p.queue) > 0 {
			c := p.popLocked()
			p.resolveLocked(c, outcome{err: fmt.Errorf("start worker: %w", err)}, outcomeCrashed)
		}
		p.drainLocked()
		return
	}
	if p.closed {
		go unit.Close()
		return
	}
	p.addWorkerLocked(unit)
	p.drainLocked()
}

func (p *Pool) addWorkerLocked(unit Unit) {
	p.nextID++
	w := &worker{id: p.nextID, unit: unit, retired: make(chan struct{})}
	p.workers = append(p.workers, w)
	p.logger.Debug("worker unit started", "worker", w.id)
	p.wg.Go(func() { p.listen(w) })
	p.updateGaugesLocked()
}

// listen consumes a unit's replies until it dies or the pool retires it.
func (p *Pool) listen(w *worker) {
	replies := w.unit.Replies()
	for {
		select {
		case <-w.retired:
			return
		case r, ok := <-replies:
			if !ok {
				p.handleExit(w)
				return
			}
			p.handleReply(w, r)
		}
	}
}

func (p *Pool) handleReply(w *worker, r Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := w.current
	if c == nil || c.id != r.CorrelationID {
		p.logger.Debug("discarding stray reply", "worker", w.id, "correlation_id", r.CorrelationID)
		return
	}
	w.current = nil
	p.stopTimer(w)
	taskDuration.WithLabelValues(string(c.kind)).Observe(time.Since(c.started).Seconds())

	if r.Status == StatusSuccess {
		p.resolveLocked(c, outcome{result: r.Result}, outcomeSuccess)
	} else {
		p.resolveLocked(c, outcome{err: &TaskError{Kind: c.kind, Message: r.Message}}, outcomeError)
	}
	p.drainLocked()
}

func (p *Pool) handleExit(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.removeWorkerLocked(w) {
		return
	}
	p.logger.Warn("worker unit exited", "worker", w.id)
	unitRestarts.Inc()
	if c := w.current; c != nil {
		w.current = nil
		p.stopTimer(w)
		p.resolveLocked(c, outcome{err: ErrWorkerCrashed}, outcomeCrashed)
	}
	p.drainLocked()
}

// expire fires when a task outlives TaskTimeout. The unit may be wedged, so
// it is discarded rather than reused.
func (p *Pool) expire(w *worker, c *call) {
	p.mu.Lock()
	if w.current != c {
		p.mu.Unlock()
		return
	}
	w.current = nil
	p.removeWorkerLocked(w)
	unitRestarts.Inc()
	p.logger.Warn("task timed out, replacing worker unit",
		"worker", w.id, "kind", c.kind, "timeout", p.cfg.TaskTimeout)
	p.resolveLocked(c, outcome{err: fmt.Errorf("%w after %s", ErrTaskTimeout, p.cfg.TaskTimeout)}, outcomeTimeout)
	p.drainLocked()
	p.mu.Unlock()

	if err := w.unit.Close(); err != nil {
		p.logger.Warn("close timed out worker unit", "worker", w.id, "error", err)
	}
}

// abandon withdraws c after its caller stopped waiting.
func (p *Pool) abandon(c *call) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.resolved {
		return
	}
	w := c.worker
	if w == nil {
		for i, q := range p.queue {
			if q == c {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
		p.resolveLocked(c, outcome{err: context.Canceled}, outcomeCancelled)
		p.updateGaugesLocked()
		return
	}

	// The unit stays busy until its reply arrives or the timeout fires, so
	// the ceiling keeps holding while it winds down.
	c.resolved = true
	tasksTotal.WithLabelValues(string(c.kind), outcomeCancelled).Inc()
	if cn, ok := w.unit.(Canceler); ok {
		go cn.Cancel(c.id)
	}
}

// resolveLocked settles c exactly once.
func (p *Pool) resolveLocked(c *call, out outcome, label string) {
	if c.resolved {
		return
	}
	c.resolved = true
	tasksTotal.WithLabelValues(string(c.kind), label).Inc()
	c.done <- out
}

// removeWorkerLocked drops w from the live set. It reports false if w was
// already gone.
func (p *Pool) removeWorkerLocked(w *worker) bool {
	for i, x := range p.workers {
		if x == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			p.retireLocked(w)
			p.updateGaugesLocked()
			return true
		}
	}
	return false
}

func (p *Pool) retireLocked(w *worker) {
	p.stopTimer(w)
	select {
	case <-w.retired:
	default:
		close(w.retired)
	}
}

func (p *Pool) stopTimer(w *worker) {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (p *Pool) updateGaugesLocked() {
	busy := 0
	for _, w := range p.workers {
		if w.current != nil {
			busy++
		}
	}
	workersGauge.Set(float64(len(p.workers)))
	busyGauge.Set(float64(busy))
	queuedGauge.Set(float64(len(p.queue)))
}

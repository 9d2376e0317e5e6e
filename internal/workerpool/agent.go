package workerpool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/seantiz/quire/internal/task"
)

// Agent is the worker side of the frame protocol. It runs inside a worker
// process, decodes task frames, executes them through its registry and writes
// one result frame per task.
type Agent struct {
	reg    *Registry
	logger *slog.Logger
}

// NewAgent creates an agent that executes tasks through reg.
func NewAgent(reg *Registry, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{reg: reg, logger: logger}
}

// Serve reads frames from r and writes results to w until r reaches EOF or
// ctx is cancelled. Tasks run concurrently so cancel frames are honored while
// a task is in flight.
func (a *Agent) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		writeMu  sync.Mutex
		mu       sync.Mutex
		inflight = make(map[string]context.CancelFunc)
	)

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	go func() {
		br := bufio.NewReader(r)
		for {
			var f Frame
			if err := ReadMessage(br, &f); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		case f := <-frames:
			switch f.Type {
			case FrameTask:
				taskCtx, taskCancel := context.WithCancel(ctx)
				mu.Lock()
				inflight[f.CorrelationID] = taskCancel
				mu.Unlock()

				wg.Go(func() {
					defer func() {
						mu.Lock()
						delete(inflight, f.CorrelationID)
						mu.Unlock()
						taskCancel()
					}()

					out := a.execute(taskCtx, f)
					writeMu.Lock()
					err := WriteMessage(w, &out)
					writeMu.Unlock()
					if err != nil {
						a.logger.Error("write result frame", "correlation_id", f.CorrelationID, "error", err)
					}
				})
			case FrameCancel:
				mu.Lock()
				taskCancel, ok := inflight[f.CorrelationID]
				mu.Unlock()
				if ok {
					a.logger.Info("cancelling task", "correlation_id", f.CorrelationID)
					taskCancel()
				}
			default:
				a.logger.Warn("ignoring unknown frame", "type", f.Type)
			}
		}
	}
}

// execute decodes and runs one task frame and builds its result frame.
func (a *Agent) execute(ctx context.Context, f Frame) Frame {
	out := Frame{Type: FrameResult, CorrelationID: f.CorrelationID, Kind: f.Kind}

	p, err := task.Decode(f.Kind, f.Payload)
	if err != nil {
		out.Status = StatusError
		out.Message = err.Error()
		return out
	}

	log := a.logger.With("correlation_id", f.CorrelationID, "kind", f.Kind)
	log.Debug("task started")

	res, err := a.reg.invoke(ctx, f.Kind, p)
	if err != nil {
		log.Info("task failed", "error", err)
		out.Status = StatusError
		out.Message = err.Error()
		return out
	}
	log.Debug("task finished", "documents", len(res.Documents))
	out.Status = StatusSuccess
	out.Result = &res
	return out
}

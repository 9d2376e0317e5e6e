package workerpool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/seantiz/quire/internal/task"
)

// ErrNoHandler is returned when no handler is registered for a task kind.
var ErrNoHandler = errors.New("no handler registered for task kind")

// Handler executes one kind of document task.
type Handler interface {
	Handle(ctx context.Context, p task.Payload) (task.Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, p task.Payload) (task.Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, p task.Payload) (task.Result, error) {
	return f(ctx, p)
}

// Registry maps task kinds to the handlers that execute them. Both the local
// units and the process worker agent resolve handlers through a Registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[task.Kind]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[task.Kind]Handler),
	}
}

// Register adds a handler for kind, replacing any previous one.
func (r *Registry) Register(kind task.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Resolve returns the handler for kind.
func (r *Registry) Resolve(kind task.Kind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, kind)
	}
	return h, nil
}

// Kinds returns the registered kinds, sorted for a stable API response.
func (r *Registry) Kinds() []task.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]task.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// invoke runs the handler for kind and turns a handler panic into an error
// so a single bad document cannot take down the process hosting the unit.
func (r *Registry) invoke(ctx context.Context, kind task.Kind, p task.Payload) (res task.Result, err error) {
	h, err := r.Resolve(kind)
	if err != nil {
		return task.Result{}, err
	}
	defer func() {
		if v := recover(); v != nil {
			res = task.Result{}
			err = fmt.Errorf("%s handler panicked: %v", kind, v)
		}
	}()
	return h.Handle(ctx, p)
}

// reply converts a handler outcome into a Reply for correlationID.
func reply(correlationID string, res task.Result, err error) Reply {
	if err != nil {
		return Reply{CorrelationID: correlationID, Status: StatusError, Message: err.Error()}
	}
	return Reply{CorrelationID: correlationID, Status: StatusSuccess, Result: res}
}

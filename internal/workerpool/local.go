package workerpool

import (
	"context"
	"sync"
)

// localUnit runs handlers on goroutines inside the current process.
type localUnit struct {
	reg     *Registry
	replies chan Reply
	ctx     context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewLocalUnit returns an in-process unit that executes tasks through reg.
func NewLocalUnit(reg *Registry) Unit {
	ctx, stop := context.WithCancel(context.Background())
	return &localUnit{
		reg:     reg,
		replies: make(chan Reply, 1),
		ctx:     ctx,
		stop:    stop,
		cancels: make(map[string]context.CancelFunc),
	}
}

// LocalFactory returns a Factory producing in-process units backed by reg.
func LocalFactory(reg *Registry) Factory {
	return func(context.Context) (Unit, error) {
		return NewLocalUnit(reg), nil
	}
}

func (u *localUnit) Post(req Request) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrUnitClosed
	}
	ctx, cancel := context.WithCancel(u.ctx)
	u.cancels[req.CorrelationID] = cancel
	u.wg.Add(1)
	u.mu.Unlock()

	go func() {
		defer u.wg.Done()
		res, err := u.reg.invoke(ctx, req.Kind, req.Payload)

		u.mu.Lock()
		delete(u.cancels, req.CorrelationID)
		u.mu.Unlock()
		cancel()

		select {
		case u.replies <- reply(req.CorrelationID, res, err):
		case <-u.ctx.Done():
		}
	}()
	return nil
}

func (u *localUnit) Replies() <-chan Reply { return u.replies }

func (u *localUnit) Cancel(correlationID string) {
	u.mu.Lock()
	cancel, ok := u.cancels[correlationID]
	u.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close cancels running handlers and returns without waiting for them. The
// replies channel closes once every handler goroutine has returned.
func (u *localUnit) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	u.stop()
	go func() {
		u.wg.Wait()
		close(u.replies)
	}()
	return nil
}

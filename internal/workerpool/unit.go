package workerpool

import (
	"context"
	"errors"

	"github.com/seantiz/quire/internal/task"
)

// ReplyStatus reports whether a worker finished a task successfully.
type ReplyStatus string

// Reply status constants.
const (
	StatusSuccess ReplyStatus = "SUCCESS"
	StatusError   ReplyStatus = "ERROR"
)

// ErrUnitClosed is returned by Post after a unit has been closed.
var ErrUnitClosed = errors.New("worker unit is closed")

// Request is one task handed to a unit.
type Request struct {
	CorrelationID string
	Kind          task.Kind
	Payload       task.Payload
}

// Reply answers exactly one Request, matched by CorrelationID.
type Reply struct {
	CorrelationID string
	Status        ReplyStatus
	Result        task.Result
	Message       string
}

// Unit is one execution context owned by a pool. The pool sends it at most
// one request at a time. A unit reports its own death by closing the channel
// returned from Replies.
type Unit interface {
	// Post hands req to the unit without waiting for it to run.
	Post(req Request) error
	// Replies delivers results. It is closed when the unit dies or is closed.
	Replies() <-chan Reply
	// Close terminates the unit. It must not block on a running handler.
	Close() error
}

// Canceler is implemented by units that can abort a task already in flight.
// Cancel is advisory: the unit may still deliver a reply, which the pool
// discards.
type Canceler interface {
	Cancel(correlationID string)
}

// Factory creates a new unit. The pool calls it lazily, outside its lock.
type Factory func(ctx context.Context) (Unit, error)

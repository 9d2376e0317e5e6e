package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// outboxSize bounds frames waiting to be written. A unit holds at most one
// task plus its cancel, so a full outbox means the peer stopped reading.
const outboxSize = 8

// connUnit talks to a worker agent over a framed byte stream.
type connUnit struct {
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	replies chan Reply
	outbox  chan Frame
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

// NewConnUnit wraps a connection to a running worker agent. The unit owns
// conn and closes it on Close or when the peer goes away.
func NewConnUnit(conn io.ReadWriteCloser, logger *slog.Logger) Unit {
	if logger == nil {
		logger = slog.Default()
	}
	u := &connUnit{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		replies: make(chan Reply, 1),
		outbox:  make(chan Frame, outboxSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go u.readLoop()
	go u.writeLoop()
	return u
}

// ProcessFactory returns a Factory that starts `path args...` for every unit
// and speaks the frame protocol over the child's stdin and stdout. The child
// inherits stderr so its logs reach the parent's log stream.
func ProcessFactory(logger *slog.Logger, path string, args ...string) Factory {
	return func(ctx context.Context) (Unit, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// The unit outlives ctx, so the child is not bound to it.
		cmd := exec.Command(path, args...)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker process: %w", err)
		}

		return NewConnUnit(&processConn{Reader: stdout, WriteCloser: stdin, cmd: cmd}, logger), nil
	}
}

// processConn joins a child's pipes into one connection.
type processConn struct {
	io.Reader
	io.WriteCloser
	cmd *exec.Cmd
}

func (p *processConn) Close() error {
	_ = p.WriteCloser.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	// The child was killed, so a non-nil wait error is expected.
	_ = p.cmd.Wait()
	return nil
}

func (u *connUnit) Post(req Request) error {
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return u.send(Frame{
		Type:          FrameTask,
		CorrelationID: req.CorrelationID,
		Kind:          req.Kind,
		Payload:       raw,
	})
}

func (u *connUnit) Cancel(correlationID string) {
	if err := u.send(Frame{Type: FrameCancel, CorrelationID: correlationID}); err != nil {
		u.logger.Debug("send cancel frame", "correlation_id", correlationID, "error", err)
	}
}

func (u *connUnit) send(f Frame) error {
	select {
	case <-u.done:
		return ErrUnitClosed
	default:
	}
	select {
	case u.outbox <- f:
		return nil
	case <-u.done:
		return ErrUnitClosed
	default:
		return errors.New("worker connection is not draining frames")
	}
}

func (u *connUnit) Replies() <-chan Reply { return u.replies }

func (u *connUnit) Close() error {
	var err error
	u.once.Do(func() {
		close(u.done)
		err = u.conn.Close()
	})
	return err
}

func (u *connUnit) writeLoop() {
	for {
		select {
		case <-u.done:
			return
		case f := <-u.outbox:
			if err := WriteMessage(u.conn, &f); err != nil {
				u.logger.Warn("write worker frame", "type", f.Type, "error", err)
				_ = u.Close()
				return
			}
		}
	}
}

// readLoop delivers result frames until the stream ends. Closing replies is
// how the pool learns that the worker died.
func (u *connUnit) readLoop() {
	defer close(u.replies)
	defer u.Close()

	for {
		var f Frame
		if err := ReadMessage(u.reader, &f); err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-u.done:
				default:
					u.logger.Warn("read worker frame", "error", err)
				}
			}
			return
		}
		if f.Type != FrameResult {
			u.logger.Warn("unexpected frame from worker", "type", f.Type)
			continue
		}

		r := Reply{CorrelationID: f.CorrelationID, Status: f.Status, Message: f.Message}
		if f.Result != nil {
			r.Result = *f.Result
		}
		select {
		case u.replies <- r:
		case <-u.done:
			return
		}
	}
}

package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/seantiz/quire/internal/fanout"
)

// maxDatagram bounds one encoded message. Jobs carry no document bytes, so
// real messages are far smaller.
const maxDatagram = 64 << 10

// ErrClosed is returned when publishing on a closed channel.
var ErrClosed = errors.New("replication channel is closed")

// Compile-time interface satisfaction check.
var _ Channel = (*Socket)(nil)

// Socket is a Channel between processes on one machine. Every instance binds
// a datagram socket named after its id in a shared directory and holds an
// exclusive lock beside it for as long as it lives. The lock lets peers tell
// a dead instance from a busy one.
type Socket struct {
	dir      string
	id       string
	sockPath string
	conn     *net.UnixConn
	lock     *flock.Flock
	inbox    *fanout.Fanout[Message]
	logger   *slog.Logger
	done     chan struct{}
	once     sync.Once
}

// OpenSocket joins the peer group in dir as instanceID.
func OpenSocket(dir, instanceID string, logger *slog.Logger) (*Socket, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create replication dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, instanceID+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock instance %s: %w", instanceID, err)
	}
	if !locked {
		return nil, fmt.Errorf("instance id %q is already in use", instanceID)
	}

	sockPath := filepath.Join(dir, instanceID+".sock")
	// We hold the lock, so any socket file under our name is stale.
	_ = os.Remove(sockPath)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("bind replication socket: %w", err)
	}

	s := &Socket{
		dir:      dir,
		id:       instanceID,
		sockPath: sockPath,
		conn:     conn,
		lock:     lock,
		inbox:    fanout.New[Message](inboxSize),
		logger:   logger.With("instance", instanceID),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Publish sends msg to every peer socket in the directory. A peer that
// cannot be reached and whose lock is free has exited; its files are removed.
func (s *Socket) Publish(msg Message) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	msg.Origin = s.id
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > maxDatagram {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), maxDatagram)
	}

	peers, err := filepath.Glob(filepath.Join(s.dir, "*.sock"))
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}
	for _, p := range peers {
		if p == s.sockPath {
			continue
		}
		addr := &net.UnixAddr{Name: p, Net: "unixgram"}
		if _, err := s.conn.WriteToUnix(data, addr); err != nil {
			s.reap(p, err)
		}
	}
	return nil
}

// reap removes a peer's files if the peer no longer holds its lock.
func (s *Socket) reap(sockPath string, sendErr error) {
	lockPath := strings.TrimSuffix(sockPath, ".sock") + ".lock"
	l := flock.New(lockPath)
	locked, err := l.TryLock()
	if err != nil || !locked {
		s.logger.Debug("peer unreachable", "peer", filepath.Base(sockPath), "error", sendErr)
		return
	}
	_ = os.Remove(sockPath)
	_ = os.Remove(lockPath)
	_ = l.Unlock()
	s.logger.Info("removed dead peer", "peer", filepath.Base(sockPath))
}

func (s *Socket) Subscribe() (<-chan Message, func()) {
	return s.inbox.Subscribe()
}

// Close leaves the peer group and releases the instance id.
func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.inbox.Close()
		_ = os.Remove(s.sockPath)
		_ = os.Remove(s.lock.Path())
		if uerr := s.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	})
	return err
}

func (s *Socket) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("read replication datagram", "error", err)
			continue
		}

		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			s.logger.Warn("discarding malformed replication message", "error", err)
			continue
		}
		if msg.Origin == s.id {
			continue
		}
		s.inbox.Publish(msg)
	}
}

package workerpool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/quire/internal/task"
)

// MaxMessageSize is the maximum allowed frame payload (256 MiB). Documents
// travel inline, so this bounds the largest task a process worker accepts.
const MaxMessageSize = 256 << 20

// Frame types exchanged between a pool and a process worker.
const (
	FrameTask   = "task"
	FrameCancel = "cancel"
	FrameResult = "result"
)

// Frame is the envelope for every message on a worker connection. Task and
// cancel frames flow from the pool to the worker. Result frames flow back and
// carry the correlation id of the task they answer.
type Frame struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Kind          task.Kind       `json:"kind,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        ReplyStatus     `json:"status,omitempty"`
	Result        *task.Result    `json:"result,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// Prefix and body go out in one write so concurrent writers behind a
	// mutex never interleave partial frames on a pipe.
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}

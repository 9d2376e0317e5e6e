package workerpool

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/seantiz/quire/internal/task"
)

func TestWriteReadTaskFrame(t *testing.T) {
	raw, err := json.Marshal(compressPayload("a.pdf"))
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	original := Frame{
		Type:          FrameTask,
		CorrelationID: "01HZX3V6Q7K0A8M2N4P5R6S7T8",
		Kind:          task.KindCompress,
		Payload:       raw,
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Frame
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.Type != FrameTask || decoded.CorrelationID != original.CorrelationID || decoded.Kind != task.KindCompress {
		t.Errorf("decoded header = %+v", decoded)
	}
	p, err := task.Decode(decoded.Kind, decoded.Payload)
	if err != nil {
		t.Fatalf("Decode payload: %v", err)
	}
	if got := p.(*task.CompressPayload).Document.Name; got != "a.pdf" {
		t.Errorf("payload document = %q, want a.pdf", got)
	}
}

func TestWriteReadResultFrame(t *testing.T) {
	original := Frame{
		Type:          FrameResult,
		CorrelationID: "c-1",
		Status:        StatusSuccess,
		Result:        &task.Result{Documents: []task.Document{{Name: "out.pdf", Data: []byte{0, 1, 2, 255}}}},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	var decoded Frame
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.Status != StatusSuccess || decoded.Result == nil {
		t.Fatalf("decoded = %+v", decoded)
	}
	if got := decoded.Result.Documents[0].Data; !bytes.Equal(got, []byte{0, 1, 2, 255}) {
		t.Errorf("result bytes = %v", got)
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	// Only 2 bytes instead of 4, so the length prefix cannot be read.
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var f Frame
	if err := ReadMessage(buf, &f); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	// Length prefix says 100 bytes, but only 2 bytes of payload follow.
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64})
	buf.Write([]byte{0x7B, 0x7D})

	var f Frame
	if err := ReadMessage(&buf, &f); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadMessageOversized(t *testing.T) {
	// Length prefix claims MaxMessageSize + 1 and must be rejected before allocating.
	var buf bytes.Buffer
	oversize := uint32(MaxMessageSize + 1)
	buf.Write([]byte{
		byte(oversize >> 24), byte(oversize >> 16),
		byte(oversize >> 8), byte(oversize),
	})

	var f Frame
	if err := ReadMessage(&buf, &f); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

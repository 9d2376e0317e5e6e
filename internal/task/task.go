package task

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Kind identifies the operation a task performs.
type Kind string

// Task kinds understood by the worker pool.
const (
	KindMerge     Kind = "merge"
	KindCompress  Kind = "compress"
	KindRotate    Kind = "rotate"
	KindConvert   Kind = "convert"
	KindOCR       Kind = "ocr"
	KindWatermark Kind = "watermark"
)

// KindPipeline labels a job built from more than one step. It is never
// dispatched to a worker.
const KindPipeline Kind = "pipeline"

// Compression levels accepted by CompressPayload.
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// DefaultOCRLanguage is used when an OCR step does not name a language.
const DefaultOCRLanguage = "eng"

// Kinds lists every dispatchable kind.
var Kinds = []Kind{KindMerge, KindCompress, KindRotate, KindConvert, KindOCR, KindWatermark}

// ErrInvalidPayload is returned when a payload fails validation.
var ErrInvalidPayload = errors.New("invalid payload")

// Valid reports whether k is a dispatchable kind.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// Document is a named binary input or output of a task.
type Document struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	return Document{Name: d.Name, Data: bytes.Clone(d.Data)}
}

func (d Document) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: document name is required", ErrInvalidPayload)
	}
	if len(d.Data) == 0 {
		return fmt.Errorf("%w: document %q is empty", ErrInvalidPayload, d.Name)
	}
	return nil
}

// Payload is the input of a single task. Implementations are the per-kind
// payload types in this package.
type Payload interface {
	Kind() Kind
	Validate() error
	Clone() Payload
}

// Result is the output of a single task.
type Result struct {
	Documents []Document `json:"documents"`
}

// Size returns the total byte size of all result documents.
func (r Result) Size() int64 {
	var n int64
	for _, d := range r.Documents {
		n += int64(len(d.Data))
	}
	return n
}

// MergePayload concatenates documents in order into one output.
type MergePayload struct {
	Documents []Document `json:"documents"`
	Output    string     `json:"output,omitempty"`
}

func (p *MergePayload) Kind() Kind { return KindMerge }

func (p *MergePayload) Validate() error {
	if len(p.Documents) < 2 {
		return fmt.Errorf("%w: merge needs at least 2 documents, got %d", ErrInvalidPayload, len(p.Documents))
	}
	for _, d := range p.Documents {
		if err := d.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p *MergePayload) Clone() Payload {
	docs := make([]Document, len(p.Documents))
	for i, d := range p.Documents {
		docs[i] = d.Clone()
	}
	return &MergePayload{Documents: docs, Output: p.Output}
}

// CompressPayload reduces the size of one document.
type CompressPayload struct {
	Document Document `json:"document"`
	Level    string   `json:"level"`
}

func (p *CompressPayload) Kind() Kind { return KindCompress }

func (p *CompressPayload) Validate() error {
	switch p.Level {
	case LevelLow, LevelMedium, LevelHigh:
	default:
		return fmt.Errorf("%w: unknown compression level %q", ErrInvalidPayload, p.Level)
	}
	return p.Document.validate()
}

func (p *CompressPayload) Clone() Payload {
	return &CompressPayload{Document: p.Document.Clone(), Level: p.Level}
}

// RotatePayload rotates every page of one document clockwise.
type RotatePayload struct {
	Document Document `json:"document"`
	Degrees  int      `json:"degrees"`
}

func (p *RotatePayload) Kind() Kind { return KindRotate }

func (p *RotatePayload) Validate() error {
	if p.Degrees == 0 || p.Degrees%90 != 0 {
		return fmt.Errorf("%w: rotation must be a non-zero multiple of 90, got %d", ErrInvalidPayload, p.Degrees)
	}
	return p.Document.validate()
}

func (p *RotatePayload) Clone() Payload {
	return &RotatePayload{Document: p.Document.Clone(), Degrees: p.Degrees}
}

// ConvertPayload converts one document to another format.
type ConvertPayload struct {
	Document Document `json:"document"`
	Format   string   `json:"format"`
}

func (p *ConvertPayload) Kind() Kind { return KindConvert }

func (p *ConvertPayload) Validate() error {
	if strings.TrimSpace(p.Format) == "" {
		return fmt.Errorf("%w: target format is required", ErrInvalidPayload)
	}
	return p.Document.validate()
}

func (p *ConvertPayload) Clone() Payload {
	return &ConvertPayload{Document: p.Document.Clone(), Format: p.Format}
}

// OCRPayload adds a text layer to one document.
type OCRPayload struct {
	Document Document `json:"document"`
	Language string   `json:"language"`
}

func (p *OCRPayload) Kind() Kind { return KindOCR }

func (p *OCRPayload) Validate() error {
	if strings.TrimSpace(p.Language) == "" {
		return fmt.Errorf("%w: OCR language is required", ErrInvalidPayload)
	}
	return p.Document.validate()
}

func (p *OCRPayload) Clone() Payload {
	return &OCRPayload{Document: p.Document.Clone(), Language: p.Language}
}

// WatermarkPayload stamps text onto every page of one document.
type WatermarkPayload struct {
	Document Document `json:"document"`
	Text     string   `json:"text"`
	Opacity  float64  `json:"opacity"`
}

func (p *WatermarkPayload) Kind() Kind { return KindWatermark }

func (p *WatermarkPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: watermark text is required", ErrInvalidPayload)
	}
	if p.Opacity < 0 || p.Opacity > 1 {
		return fmt.Errorf("%w: opacity must be within [0,1], got %v", ErrInvalidPayload, p.Opacity)
	}
	return p.Document.validate()
}

func (p *WatermarkPayload) Clone() Payload {
	return &WatermarkPayload{Document: p.Document.Clone(), Text: p.Text, Opacity: p.Opacity}
}

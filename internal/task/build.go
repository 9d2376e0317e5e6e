package task

import (
	"encoding/json"
	"fmt"
)

// Params carries the per-step options of a pipeline step. Only the fields
// relevant to the step's kind are read.
type Params struct {
	Level    string  `json:"level,omitempty"`
	Degrees  int     `json:"degrees,omitempty"`
	Format   string  `json:"format,omitempty"`
	Language string  `json:"language,omitempty"`
	Text     string  `json:"text,omitempty"`
	Opacity  float64 `json:"opacity,omitempty"`
	Output   string  `json:"output,omitempty"`
}

// Step is one stage of a job's pipeline.
type Step struct {
	Kind   Kind   `json:"kind"`
	Params Params `json:"params"`
}

// Build turns the documents produced so far into the payloads for one step.
// Merge consumes every document in a single payload; every other kind gets
// one payload per document so the chunks can run in parallel.
func Build(kind Kind, params Params, docs []Document) ([]Payload, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no documents for %s step", ErrInvalidPayload, kind)
	}

	if kind == KindMerge {
		p := &MergePayload{Documents: docs, Output: params.Output}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return []Payload{p}, nil
	}

	payloads := make([]Payload, 0, len(docs))
	for _, d := range docs {
		var p Payload
		switch kind {
		case KindCompress:
			level := params.Level
			if level == "" {
				level = LevelMedium
			}
			p = &CompressPayload{Document: d, Level: level}
		case KindRotate:
			p = &RotatePayload{Document: d, Degrees: params.Degrees}
		case KindConvert:
			p = &ConvertPayload{Document: d, Format: params.Format}
		case KindOCR:
			lang := params.Language
			if lang == "" {
				lang = DefaultOCRLanguage
			}
			p = &OCRPayload{Document: d, Language: lang}
		case KindWatermark:
			p = &WatermarkPayload{Document: d, Text: params.Text, Opacity: params.Opacity}
		default:
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}

// Decode parses a wire-encoded payload of the given kind and validates it.
func Decode(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindMerge:
		p = &MergePayload{}
	case KindCompress:
		p = &CompressPayload{}
	case KindRotate:
		p = &RotatePayload{}
	case KindConvert:
		p = &ConvertPayload{}
	case KindOCR:
		p = &OCRPayload{}
	case KindWatermark:
		p = &WatermarkPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidPayload, kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

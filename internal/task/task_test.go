package task

import (
	"encoding/json"
	"errors"
	"testing"
)

func doc(name, data string) Document {
	return Document{Name: name, Data: []byte(data)}
}

func TestBuildMergeProducesSinglePayload(t *testing.T) {
	payloads, err := Build(KindMerge, Params{Output: "all.pdf"}, []Document{doc("a.pdf", "a"), doc("b.pdf", "b")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("len(payloads) = %d, want 1", len(payloads))
	}
	mp, ok := payloads[0].(*MergePayload)
	if !ok {
		t.Fatalf("payload type = %T, want *MergePayload", payloads[0])
	}
	if len(mp.Documents) != 2 || mp.Output != "all.pdf" {
		t.Errorf("merge payload = %+v", mp)
	}
}

func TestBuildPerDocumentKinds(t *testing.T) {
	docs := []Document{doc("a.pdf", "a"), doc("b.pdf", "b"), doc("c.pdf", "c")}

	tests := []struct {
		kind   Kind
		params Params
	}{
		{KindCompress, Params{}},
		{KindRotate, Params{Degrees: 90}},
		{KindConvert, Params{Format: "png"}},
		{KindOCR, Params{}},
		{KindWatermark, Params{Text: "DRAFT", Opacity: 0.5}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			payloads, err := Build(tt.kind, tt.params, docs)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if len(payloads) != len(docs) {
				t.Fatalf("len(payloads) = %d, want %d", len(payloads), len(docs))
			}
			for _, p := range payloads {
				if p.Kind() != tt.kind {
					t.Errorf("payload kind = %q, want %q", p.Kind(), tt.kind)
				}
			}
		})
	}
}

func TestBuildDefaults(t *testing.T) {
	payloads, err := Build(KindCompress, Params{}, []Document{doc("a.pdf", "a")})
	if err != nil {
		t.Fatalf("Build compress: %v", err)
	}
	if got := payloads[0].(*CompressPayload).Level; got != LevelMedium {
		t.Errorf("compress level = %q, want %q", got, LevelMedium)
	}

	payloads, err = Build(KindOCR, Params{}, []Document{doc("a.pdf", "a")})
	if err != nil {
		t.Fatalf("Build ocr: %v", err)
	}
	if got := payloads[0].(*OCRPayload).Language; got != DefaultOCRLanguage {
		t.Errorf("ocr language = %q, want %q", got, DefaultOCRLanguage)
	}
}

func TestBuildRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		params Params
		docs   []Document
	}{
		{"no documents", KindCompress, Params{}, nil},
		{"merge single", KindMerge, Params{}, []Document{doc("a.pdf", "a")}},
		{"rotate zero", KindRotate, Params{}, []Document{doc("a.pdf", "a")}},
		{"rotate odd", KindRotate, Params{Degrees: 45}, []Document{doc("a.pdf", "a")}},
		{"convert no format", KindConvert, Params{}, []Document{doc("a.pdf", "a")}},
		{"watermark no text", KindWatermark, Params{}, []Document{doc("a.pdf", "a")}},
		{"empty document", KindCompress, Params{}, []Document{{Name: "a.pdf"}}},
		{"unknown kind", Kind("shred"), Params{}, []Document{doc("a.pdf", "a")}},
		{"pipeline kind", KindPipeline, Params{}, []Document{doc("a.pdf", "a")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.kind, tt.params, tt.docs)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("Build error = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestDecodeValidatesAtBoundary(t *testing.T) {
	raw, _ := json.Marshal(&RotatePayload{Document: doc("a.pdf", "a"), Degrees: 180})
	p, err := Decode(KindRotate, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	rp, ok := p.(*RotatePayload)
	if !ok || rp.Degrees != 180 || string(rp.Document.Data) != "a" {
		t.Errorf("decoded payload = %+v", p)
	}

	bad, _ := json.Marshal(&RotatePayload{Document: doc("a.pdf", "a"), Degrees: 7})
	if _, err := Decode(KindRotate, bad); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Decode invalid rotation error = %v, want ErrInvalidPayload", err)
	}
	if _, err := Decode(KindRotate, json.RawMessage(`{not json`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Decode malformed error = %v, want ErrInvalidPayload", err)
	}
	if _, err := Decode(Kind("nope"), raw); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Decode unknown kind error = %v, want ErrInvalidPayload", err)
	}
}

func TestCloneDoesNotShareBuffers(t *testing.T) {
	orig := &MergePayload{Documents: []Document{doc("a.pdf", "aaa"), doc("b.pdf", "bbb")}}
	cp := orig.Clone().(*MergePayload)
	cp.Documents[0].Data[0] = 'z'
	if string(orig.Documents[0].Data) != "aaa" {
		t.Errorf("original mutated through clone: %q", orig.Documents[0].Data)
	}
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		if !k.Valid() {
			t.Errorf("%q.Valid() = false", k)
		}
	}
	if KindPipeline.Valid() {
		t.Error("pipeline kind must not be dispatchable")
	}
}

func TestResultSize(t *testing.T) {
	r := Result{Documents: []Document{doc("a", "12345"), doc("b", "678")}}
	if r.Size() != 8 {
		t.Errorf("Size() = %d, want 8", r.Size())
	}
}

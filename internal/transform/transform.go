// Package transform provides the local document handlers run by worker
// units. Each handler is a pure function of its payload; PDF work is done by
// pdfcpu.
package transform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/seantiz/quire/internal/task"
	"github.com/seantiz/quire/internal/workerpool"
)

// DefaultMergeName names a merge result when the step gives no output name.
const DefaultMergeName = "merged.pdf"

// Register binds every locally supported kind to its handler. OCR and
// format conversion have no local handler and only run remotely.
func Register(reg *workerpool.Registry) {
	reg.Register(task.KindMerge, workerpool.HandlerFunc(Merge))
	reg.Register(task.KindCompress, workerpool.HandlerFunc(Compress))
	reg.Register(task.KindRotate, workerpool.HandlerFunc(Rotate))
	reg.Register(task.KindWatermark, workerpool.HandlerFunc(Watermark))
}

func init() {
	// Handlers use built-in defaults only and never touch the user's
	// pdfcpu config directory.
	api.DisableConfigDir()
}

func config() *pdfmodel.Configuration {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	return conf
}

// Merge concatenates the payload's documents in order.
func Merge(ctx context.Context, p task.Payload) (task.Result, error) {
	mp, ok := p.(*task.MergePayload)
	if !ok {
		return task.Result{}, unexpected(task.KindMerge, p)
	}
	if err := ctx.Err(); err != nil {
		return task.Result{}, err
	}

	rs := make([]io.ReadSeeker, len(mp.Documents))
	for i, d := range mp.Documents {
		rs[i] = bytes.NewReader(d.Data)
	}
	var out bytes.Buffer
	if err := api.MergeRaw(rs, &out, false, config()); err != nil {
		return task.Result{}, fmt.Errorf("merge: %w", err)
	}

	name := strings.TrimSpace(mp.Output)
	if name == "" {
		name = DefaultMergeName
	}
	return single(name, out.Bytes()), nil
}

// Compress rewrites one document with pdfcpu's optimizer. Higher levels
// also pack objects into object streams.
func Compress(ctx context.Context, p task.Payload) (task.Result, error) {
	cp, ok := p.(*task.CompressPayload)
	if !ok {
		return task.Result{}, unexpected(task.KindCompress, p)
	}
	if err := ctx.Err(); err != nil {
		return task.Result{}, err
	}

	conf := config()
	conf.WriteObjectStream = cp.Level != task.LevelLow
	conf.WriteXRefStream = cp.Level != task.LevelLow

	var out bytes.Buffer
	if err := api.Optimize(bytes.NewReader(cp.Document.Data), &out, conf); err != nil {
		return task.Result{}, fmt.Errorf("compress %s: %w", cp.Document.Name, err)
	}
	return single(cp.Document.Name, out.Bytes()), nil
}

// Rotate turns every page clockwise by the payload's degrees.
func Rotate(ctx context.Context, p task.Payload) (task.Result, error) {
	rp, ok := p.(*task.RotatePayload)
	if !ok {
		return task.Result{}, unexpected(task.KindRotate, p)
	}
	if err := ctx.Err(); err != nil {
		return task.Result{}, err
	}

	var out bytes.Buffer
	if err := api.Rotate(bytes.NewReader(rp.Document.Data), &out, rp.Degrees, nil, config()); err != nil {
		return task.Result{}, fmt.Errorf("rotate %s: %w", rp.Document.Name, err)
	}
	return single(rp.Document.Name, out.Bytes()), nil
}

// Watermark stamps the payload's text diagonally across every page.
func Watermark(ctx context.Context, p task.Payload) (task.Result, error) {
	wp, ok := p.(*task.WatermarkPayload)
	if !ok {
		return task.Result{}, unexpected(task.KindWatermark, p)
	}
	if err := ctx.Err(); err != nil {
		return task.Result{}, err
	}

	opacity := wp.Opacity
	if opacity == 0 {
		opacity = 0.3
	}
	desc := fmt.Sprintf("font:Helvetica, points:48, rot:45, opacity:%.2f, scale:0.8 rel", opacity)
	wm, err := api.TextWatermark(wp.Text, desc, true, false, types.POINTS)
	if err != nil {
		return task.Result{}, fmt.Errorf("watermark %s: %w", wp.Document.Name, err)
	}

	var out bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(wp.Document.Data), &out, nil, wm, config()); err != nil {
		return task.Result{}, fmt.Errorf("watermark %s: %w", wp.Document.Name, err)
	}
	return single(wp.Document.Name, out.Bytes()), nil
}

func single(name string, data []byte) task.Result {
	return task.Result{Documents: []task.Document{{Name: name, Data: data}}}
}

func unexpected(kind task.Kind, p task.Payload) error {
	return fmt.Errorf("%w: %s handler got %T", task.ErrInvalidPayload, kind, p)
}

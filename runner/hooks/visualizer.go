package hooks

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/detector"
	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/runner"
)

// Renderer turns normalized model inputs back into images.
type Renderer interface {
	Denormalize(pixels []float64) (*image.RGBA, error)
	ClassNames() []string
}

var (
	truthColor = color.RGBA{G: 200, A: 255}
	predColor  = color.RGBA{R: 220, A: 255}
)

// VisualizerHook renders the first validation image with its ground-truth
// box and the predicted box, titled with the top-k class scores, to
// <OutDir>/iter_<n>.png every Interval training iterations. Only the
// primary worker renders.
type VisualizerHook struct {
	runner.BaseHook

	Source   data.Source
	Model    Predictor
	Renderer Renderer
	Every    int
	TopK     int
	OutDir   string
}

func (h *VisualizerHook) Name() string  { return "VisualizerHook" }
func (h *VisualizerHook) Interval() int { return h.Every }

func (h *VisualizerHook) AfterIter(r *runner.Runner) error {
	if !r.Training() || !r.Worker().IsPrimary() {
		return nil
	}
	path := filepath.Join(h.OutDir, fmt.Sprintf("iter_%d.png", r.Iter()))
	return h.Render(r, path)
}

// Render draws the current prediction for the first validation image.
func (h *VisualizerHook) Render(r *runner.Runner, path string) error {
	ctx := r.Context()
	it, err := h.Source.Open(ctx, 0)
	if err != nil {
		return err
	}
	defer it.Close()
	b, err := it.Next(ctx)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	preds, err := h.Model.Predict(b)
	if err != nil {
		return err
	}
	img, err := h.Renderer.Denormalize(b.Inputs.RawRowView(0))
	if err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = h.caption(preds[0])
	p.HideAxes()
	w, ht := float64(img.Bounds().Dx()), float64(img.Bounds().Dy())
	p.Add(plotter.NewImage(img, 0, 0, w, ht))
	p.X.Min, p.X.Max = 0, w
	p.Y.Min, p.Y.Max = 0, ht

	if t := b.Targets[0]; t.Label > 0 {
		if err := addBox(p, t.Box, w, ht, truthColor, "truth: "+h.className(t.Label)); err != nil {
			return err
		}
	}
	label, _ := preds[0].Label()
	if err := addBox(p, preds[0].Box, w, ht, predColor, "pred: "+h.className(label)); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return p.Save(4*vg.Inch, 4*vg.Inch, path)
}

func (h *VisualizerHook) caption(p detector.Prediction) string {
	type scored struct {
		label int
		score float64
	}
	var all []scored
	for k := 1; k < len(p.Probs); k++ {
		all = append(all, scored{k, p.Probs[k]})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })
	k := h.TopK
	if k <= 0 || k > len(all) {
		k = len(all)
	}
	parts := make([]string, 0, k)
	for _, s := range all[:k] {
		parts = append(parts, fmt.Sprintf("%s %.2f", h.className(s.label), s.score))
	}
	return strings.Join(parts, ", ")
}

func (h *VisualizerHook) className(label int) string {
	names := h.Renderer.ClassNames()
	if label >= 1 && label <= len(names) {
		return names[label-1]
	}
	return fmt.Sprintf("class_%d", label)
}

// addBox draws b, given in unit image coordinates with y pointing down, as
// a closed outline in plot coordinates.
func addBox(p *plot.Plot, b data.Box, w, h float64, c color.Color, legend string) error {
	x1, x2 := b[0]*w, b[2]*w
	y1, y2 := h-b[1]*h, h-b[3]*h
	line, err := plotter.NewLine(plotter.XYs{
		{X: x1, Y: y1}, {X: x2, Y: y1}, {X: x2, Y: y2}, {X: x1, Y: y2}, {X: x1, Y: y1},
	})
	if err != nil {
		return err
	}
	line.LineStyle.Color = c
	line.LineStyle.Width = vg.Points(2)
	p.Add(line)
	p.Legend.Add(legend, line)
	return nil
}

package detector

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// Loss term names.
const (
	LossCls  = "loss_cls"
	LossBBox = "loss_bbox"
	Accuracy = "acc"
)

// Losses computes the loss terms of out against the batch targets:
// label-smoothed softmax cross entropy over all samples, and smooth L1 box
// regression over foreground samples. acc is top-1 accuracy in percent.
func (m *Model) Losses(out *Output, b *data.Batch) (map[string]float64, error) {
	n := out.Rows()
	if b.Size() != n {
		return nil, errors.NewDimensionError("Losses", n, b.Size(), 0)
	}
	k := m.cfg.NumClasses + 1

	var cls, box float64
	var fg, correct int
	q := make([]float64, k)
	for i := 0; i < n; i++ {
		t := b.Targets[i]
		if t.Label < 0 || t.Label >= k {
			return nil, errors.NewValueError("Losses", "target label out of range")
		}
		row := out.Logits.RawRowView(i)
		lse := errors.LogSumExp(row)
		m.smoothTarget(q, t.Label)
		for j, v := range row {
			cls -= q[j] * (v - lse)
		}
		if floats.MaxIdx(row) == t.Label {
			correct++
		}
		if t.Label > 0 {
			fg++
			for c, v := range out.Boxes.RawRowView(i) {
				box += smoothL1(v - t.Box[c])
			}
		}
	}
	losses := map[string]float64{
		LossCls:  cls / float64(n),
		LossBBox: 0,
		Accuracy: 100 * float64(correct) / float64(n),
	}
	if fg > 0 {
		losses[LossBBox] = box / float64(fg)
	}
	return losses, nil
}

// Backward returns the gradient of scale * sum(weight(term) * term) with
// respect to Params, in parameter order. A term missing from weights has
// weight 1.
func (m *Model) Backward(out *Output, b *data.Batch, weights map[string]float64, scale float64) ([]float64, error) {
	if err := m.requireMaterialized("Backward"); err != nil {
		return nil, err
	}
	n := out.Rows()
	if b.Size() != n {
		return nil, errors.NewDimensionError("Backward", n, b.Size(), 0)
	}
	k := m.cfg.NumClasses + 1
	wCls, wBox := weightOf(weights, LossCls)*scale, weightOf(weights, LossBBox)*scale

	fg := 0
	for _, t := range b.Targets {
		if t.Label > 0 {
			fg++
		}
	}

	dLogits := mat.NewDense(n, k, nil)
	dBoxes := mat.NewDense(n, boxDim, nil)
	q := make([]float64, k)
	for i := 0; i < n; i++ {
		t := b.Targets[i]
		m.smoothTarget(q, t.Label)
		for j := 0; j < k; j++ {
			dLogits.Set(i, j, wCls*(out.Probs.At(i, j)-q[j])/float64(n))
		}
		if t.Label > 0 {
			for c := 0; c < boxDim; c++ {
				dBoxes.Set(i, c, wBox*smoothL1Grad(out.Boxes.At(i, c)-t.Box[c])/float64(fg))
			}
		}
	}

	grad := make([]float64, len(m.params))
	dFeat := m.backHead(grad, m.cls, out.feat, dLogits)
	dFeat.Add(dFeat, m.backHead(grad, m.reg, out.feat, dBoxes))

	dH := dFeat
	if m.gamma >= 0 {
		gamma := m.slice(m.params, m.gamma)
		gGamma, gBeta := m.slice(grad, m.gamma), m.slice(grad, m.beta)
		r, c := dFeat.Dims()
		dH = mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				d := dFeat.At(i, j)
				gGamma[j] += d * out.xhat.At(i, j)
				gBeta[j] += d
				dH.Set(i, j, d*gamma[j]/math.Sqrt(m.vari[j]+bnEpsilon))
			}
		}
	}

	for i := len(m.hidden) - 1; i >= 0; i-- {
		l := m.hidden[i]
		dZ := mat.DenseCopyOf(dH)
		dZ.Apply(func(r, c int, v float64) float64 {
			if out.pre[i].At(r, c) > 0 {
				return v
			}
			return 0
		}, dZ)
		in := out.inputs
		if i > 0 {
			in = out.acts[i-1]
		}
		m.matrix(grad, l.kernel).Mul(in.T(), dZ)
		colSums(m.slice(grad, l.bias), dZ)
		if i > 0 {
			var next mat.Dense
			next.Mul(dZ, m.matrix(m.params, l.kernel).T())
			dH = &next
		}
	}
	return grad, nil
}

// backHead writes the kernel and bias gradients of l into grad and returns
// the gradient with respect to its input.
func (m *Model) backHead(grad []float64, l layer, in, dOut *mat.Dense) *mat.Dense {
	m.matrix(grad, l.kernel).Mul(in.T(), dOut)
	colSums(m.slice(grad, l.bias), dOut)
	var dIn mat.Dense
	dIn.Mul(dOut, m.matrix(m.params, l.kernel).T())
	return &dIn
}

// smoothTarget fills q with the label-smoothed one-hot distribution.
func (m *Model) smoothTarget(q []float64, label int) {
	ls := m.cfg.BBoxHead.LabelSmoothing
	for j := range q {
		q[j] = ls / float64(len(q))
	}
	q[label] += 1 - ls
}

func colSums(dst []float64, x *mat.Dense) {
	r, _ := x.Dims()
	for i := 0; i < r; i++ {
		floats.Add(dst, x.RawRowView(i))
	}
}

func weightOf(weights map[string]float64, name string) float64 {
	if w, ok := weights[name]; ok {
		return w
	}
	return 1
}

func smoothL1(d float64) float64 {
	a := math.Abs(d)
	if a < 1 {
		return 0.5 * d * d
	}
	return a - 0.5
}

func smoothL1Grad(d float64) float64 {
	switch {
	case d >= 1:
		return 1
	case d <= -1:
		return -1
	default:
		return d
	}
}

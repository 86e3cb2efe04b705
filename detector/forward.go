package detector

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// Output holds the activations of one forward pass. Backward needs it.
type Output struct {
	inputs *mat.Dense
	pre    []*mat.Dense
	acts   []*mat.Dense
	xhat   *mat.Dense
	feat   *mat.Dense

	// Logits and Probs are n x (NumClasses+1); column 0 is background.
	Logits *mat.Dense
	Probs  *mat.Dense
	// Boxes is the n x 4 raw box regression.
	Boxes *mat.Dense
}

// Rows is the number of samples in the pass.
func (o *Output) Rows() int {
	r, _ := o.Logits.Dims()
	return r
}

// Forward computes the model outputs for inputs. It reads parameters and
// the frozen normalization statistics but never writes them.
func (m *Model) Forward(inputs *mat.Dense) (*Output, error) {
	if err := m.requireMaterialized("Forward"); err != nil {
		return nil, err
	}
	r, c := inputs.Dims()
	if c != m.state.InputDim() {
		return nil, errors.NewDimensionError("Forward", m.state.InputDim(), c, 1)
	}
	if r == 0 {
		return nil, errors.NewValueError("Forward", "empty batch")
	}

	out := &Output{inputs: inputs}
	h := inputs
	for _, l := range m.hidden {
		z := affine(h, m.matrix(m.params, l.kernel), m.slice(m.params, l.bias))
		a := mat.DenseCopyOf(z)
		a.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, a)
		out.pre = append(out.pre, z)
		out.acts = append(out.acts, a)
		h = a
	}

	feat := h
	if m.gamma >= 0 {
		gamma, beta := m.slice(m.params, m.gamma), m.slice(m.params, m.beta)
		out.xhat = mat.NewDense(r, len(gamma), nil)
		out.xhat.Apply(func(_, j int, v float64) float64 {
			return (v - m.mean[j]) / math.Sqrt(m.vari[j]+bnEpsilon)
		}, h)
		feat = mat.NewDense(r, len(gamma), nil)
		feat.Apply(func(_, j int, v float64) float64 { return gamma[j]*v + beta[j] }, out.xhat)
	}
	out.feat = feat

	out.Logits = affine(feat, m.matrix(m.params, m.cls.kernel), m.slice(m.params, m.cls.bias))
	out.Probs = softmax(out.Logits)
	out.Boxes = affine(feat, m.matrix(m.params, m.reg.kernel), m.slice(m.params, m.reg.bias))
	return out, nil
}

// Prediction is the per-image result of Predict.
type Prediction struct {
	ImageID int
	// Probs are the class probabilities, background first.
	Probs []float64
	Box   data.Box
}

// Detection is one class hypothesis of a Prediction.
type Detection struct {
	Label int
	Score float64
	Box   data.Box
}

// Label is the most probable object class and its score. Background never
// wins.
func (p Prediction) Label() (int, float64) {
	best, score := 0, -1.0
	for k := 1; k < len(p.Probs); k++ {
		if p.Probs[k] > score {
			best, score = k, p.Probs[k]
		}
	}
	return best, score
}

// Detections returns every object class scoring at least threshold. All
// share the class-agnostic box.
func (p Prediction) Detections(threshold float64) []Detection {
	var out []Detection
	for k := 1; k < len(p.Probs); k++ {
		if p.Probs[k] >= threshold {
			out = append(out, Detection{Label: k, Score: p.Probs[k], Box: p.Box})
		}
	}
	return out
}

// Predict runs inference on a batch. It does not change any model state.
func (m *Model) Predict(b *data.Batch) ([]Prediction, error) {
	out, err := m.Forward(b.Inputs)
	if err != nil {
		return nil, err
	}
	preds := make([]Prediction, out.Rows())
	for i := range preds {
		preds[i] = Prediction{
			Probs: mat.Row(nil, i, out.Probs),
			Box:   decodeBox(mat.Row(nil, i, out.Boxes)),
		}
		if i < len(b.ImageIDs) {
			preds[i].ImageID = b.ImageIDs[i]
		}
	}
	return preds, nil
}

// decodeBox clips a raw regression to the unit square and orders corners.
func decodeBox(raw []float64) data.Box {
	var b data.Box
	for i := range b {
		b[i] = math.Min(math.Max(raw[i], 0), 1)
	}
	if b[0] > b[2] {
		b[0], b[2] = b[2], b[0]
	}
	if b[1] > b[3] {
		b[1], b[3] = b[3], b[1]
	}
	return b
}

func affine(x mat.Matrix, w *mat.Dense, bias []float64) *mat.Dense {
	var z mat.Dense
	z.Mul(x, w)
	z.Apply(func(_, j int, v float64) float64 { return v + bias[j] }, &z)
	return &z
}

func softmax(logits *mat.Dense) *mat.Dense {
	r, c := logits.Dims()
	p := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := logits.RawRowView(i)
		lse := errors.LogSumExp(row)
		for j, v := range row {
			p.Set(i, j, math.Exp(v-lse))
		}
	}
	return p
}

// Package detector implements the reference detection model: a dense
// backbone followed by a box head with classification and box regression
// outputs. Parameters live in one flat vector so optimizers update them in
// place.
package detector

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detrain/config"
	"github.com/YuminosukeSato/detrain/core/model"
	"github.com/YuminosukeSato/detrain/pkg/errors"
)

// Tensor names. Backbone tensors come first in parameter order.
const (
	backboneKernel = "backbone.dense_%d/kernel"
	backboneBias   = "backbone.dense_%d/bias"
	sharedKernel   = "bbox_head.shared_fc/kernel"
	sharedBias     = "bbox_head.shared_fc/bias"
	bnGamma        = "bbox_head.bn/gamma"
	bnBeta         = "bbox_head.bn/beta"
	bnMean         = "bbox_head.bn/moving_mean"
	bnVariance     = "bbox_head.bn/moving_variance"
	clsKernel      = "bbox_head.fc_cls/kernel"
	clsBias        = "bbox_head.fc_cls/bias"
	regKernel      = "bbox_head.fc_reg/kernel"
	regBias        = "bbox_head.fc_reg/bias"

	bnEpsilon = 1e-3
	boxDim    = 4
)

// TensorInfo describes one parameter tensor.
type TensorInfo struct {
	Name  string
	Shape []int
}

type tensor struct {
	TensorInfo
	offset int
	size   int
}

type layer struct {
	kernel, bias int
	in, out      int
}

// Model is the reference detector. It is declared from configuration and
// becomes usable after Materialize fixes its input width.
type Model struct {
	cfg   config.Model
	seed  uint64
	state *model.StateManager

	params   []float64
	tensors  []tensor
	backbone int // number of leading backbone tensors

	hidden []layer // backbone layers then the optional shared fc
	gamma  int
	beta   int
	mean   []float64
	vari   []float64
	cls    layer
	reg    layer
}

// Declare builds the model graph from cfg. No parameter is allocated until
// Materialize.
func Declare(cfg config.Model, seed int64) (*Model, error) {
	if cfg.Type != config.ModelReference {
		return nil, errors.NewConfigurationError("model.type", "unknown model type", cfg.Type)
	}
	if cfg.NumClasses < 1 {
		return nil, errors.NewConfigurationError("model.num_classes", "must be >= 1", cfg.NumClasses)
	}
	for i, h := range cfg.Backbone.HiddenSizes {
		if h < 1 {
			return nil, errors.NewConfigurationError(fmt.Sprintf("model.backbone.hidden_sizes[%d]", i), "must be >= 1", h)
		}
	}
	if cfg.BBoxHead.UseConv && cfg.BBoxHead.SharedFCSize < 1 {
		return nil, errors.NewConfigurationError("model.bbox_head.shared_fc_size", "must be >= 1 when use_conv is set", cfg.BBoxHead.SharedFCSize)
	}
	return &Model{
		cfg:   cfg,
		seed:  uint64(seed),
		state: model.NewStateManager(),
		gamma: -1,
		beta:  -1,
	}, nil
}

// Config returns the model configuration.
func (m *Model) Config() config.Model { return m.cfg }

// NumClasses is the number of object classes, background excluded.
func (m *Model) NumClasses() int { return m.cfg.NumClasses }

// Phase returns the construction phase.
func (m *Model) Phase() model.Phase { return m.state.Phase() }

// InputDim is the input width fixed by Materialize, 0 before.
func (m *Model) InputDim() int { return m.state.InputDim() }

// Params returns the live parameter vector. Writes through it change the
// model.
func (m *Model) Params() []float64 { return m.params }

// Tensors lists the parameter tensors in parameter order.
func (m *Model) Tensors() []TensorInfo {
	out := make([]TensorInfo, len(m.tensors))
	for i, t := range m.tensors {
		out[i] = TensorInfo{Name: t.Name, Shape: append([]int(nil), t.Shape...)}
	}
	return out
}

// Materialize runs the single forward pass that fixes every shape-dependent
// parameter. It may be called once.
func (m *Model) Materialize(inputs *mat.Dense) error {
	if m.state.AtLeast(model.Materialized) {
		return errors.NewValueError("Materialize", "model is already materialized")
	}
	if inputs == nil {
		return errors.NewValueError("Materialize", "no inputs")
	}
	_, c := inputs.Dims()
	m.allocate(c)
	if err := m.state.Advance(model.Materialized); err != nil {
		return errors.WithStack(err)
	}
	if _, err := m.Forward(inputs); err != nil {
		return errors.Wrap(err, "dry forward")
	}
	return nil
}

func (m *Model) allocate(inputDim int) {
	m.tensors = m.tensors[:0]
	m.hidden = m.hidden[:0]
	size := 0
	add := func(name string, shape ...int) int {
		n := 1
		for _, d := range shape {
			n *= d
		}
		m.tensors = append(m.tensors, tensor{
			TensorInfo: TensorInfo{Name: name, Shape: shape},
			offset:     size,
			size:       n,
		})
		size += n
		return len(m.tensors) - 1
	}

	in := inputDim
	for i, h := range m.cfg.Backbone.HiddenSizes {
		m.hidden = append(m.hidden, layer{
			kernel: add(fmt.Sprintf(backboneKernel, i), in, h),
			bias:   add(fmt.Sprintf(backboneBias, i), h),
			in:     in,
			out:    h,
		})
		in = h
	}
	m.backbone = len(m.tensors)

	head := m.cfg.BBoxHead
	if head.UseConv {
		m.hidden = append(m.hidden, layer{
			kernel: add(sharedKernel, in, head.SharedFCSize),
			bias:   add(sharedBias, head.SharedFCSize),
			in:     in,
			out:    head.SharedFCSize,
		})
		in = head.SharedFCSize
	}
	if head.UseBN {
		m.gamma = add(bnGamma, in)
		m.beta = add(bnBeta, in)
		m.mean = make([]float64, in)
		m.vari = make([]float64, in)
		for i := range m.vari {
			m.vari[i] = 1
		}
	}
	k := m.cfg.NumClasses + 1
	m.cls = layer{kernel: add(clsKernel, in, k), bias: add(clsBias, k), in: in, out: k}
	m.reg = layer{kernel: add(regKernel, in, boxDim), bias: add(regBias, boxDim), in: in, out: boxDim}

	m.params = make([]float64, size)
	m.initialize()
	m.state.SetInputDim(inputDim)
}

// initialize draws He-normal hidden kernels and small-normal head kernels.
// Biases and beta start at zero, gamma at one.
func (m *Model) initialize() {
	rng := rand.New(rand.NewPCG(m.seed, 0x9e3779b97f4a7c15))
	fill := func(idx int, std float64) {
		s := m.slice(m.params, idx)
		for i := range s {
			s[i] = rng.NormFloat64() * std
		}
	}
	for _, l := range m.hidden {
		fill(l.kernel, math.Sqrt(2/float64(l.in)))
	}
	fill(m.cls.kernel, 0.01)
	fill(m.reg.kernel, 0.001)
	if m.gamma >= 0 {
		g := m.slice(m.params, m.gamma)
		for i := range g {
			g[i] = 1
		}
	}
}

func (m *Model) slice(buf []float64, idx int) []float64 {
	t := m.tensors[idx]
	return buf[t.offset : t.offset+t.size : t.offset+t.size]
}

// matrix views a 2-D tensor of buf. The view shares buf's storage.
func (m *Model) matrix(buf []float64, idx int) *mat.Dense {
	t := m.tensors[idx]
	return mat.NewDense(t.Shape[0], t.Shape[1], m.slice(buf, idx))
}

func (m *Model) requireMaterialized(method string) error {
	if !m.state.AtLeast(model.Materialized) {
		return errors.NewNotMaterializedError(m.cfg.Type, method)
	}
	return nil
}

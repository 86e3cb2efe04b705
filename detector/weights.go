package detector

import (
	"strconv"

	"github.com/YuminosukeSato/detrain/config"
	"github.com/YuminosukeSato/detrain/core/model"
	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/pkg/errors"
)

const inputDimKey = "input_dim"

// LoadBackbone copies pretrained weights into the backbone by position:
// the i-th stored tensor goes to the i-th backbone tensor, names are not
// compared. The model must be materialized.
func (m *Model) LoadBackbone(w *model.Weights) error {
	if err := m.requireMaterialized("LoadBackbone"); err != nil {
		return err
	}
	if len(w.Tensors) != m.backbone {
		return errors.NewWeightShapeMismatchError(-1, "", []int{m.backbone}, []int{len(w.Tensors)})
	}
	for i, src := range w.Tensors {
		dst := m.tensors[i]
		if !sameShape(dst.Shape, src.Shape) || len(src.Data) != dst.size {
			return errors.NewWeightShapeMismatchError(i, dst.Name, dst.Shape, src.Shape)
		}
	}
	for i, src := range w.Tensors {
		copy(m.slice(m.params, i), src.Data)
	}
	return errors.WithStack(m.state.Advance(model.Loaded))
}

// ExportBackbone returns the backbone tensors in the format LoadBackbone
// reads.
func (m *Model) ExportBackbone() (*model.Weights, error) {
	if err := m.requireMaterialized("ExportBackbone"); err != nil {
		return nil, err
	}
	w := m.weights(m.backbone, false)
	w.ModelType = m.cfg.Type + ".backbone"
	return w, nil
}

// State returns every parameter and normalization buffer. The input width
// is recorded in the metadata.
func (m *Model) State() (*model.Weights, error) {
	if err := m.requireMaterialized("State"); err != nil {
		return nil, err
	}
	return m.weights(len(m.tensors), true), nil
}

func (m *Model) weights(n int, buffers bool) *model.Weights {
	w := &model.Weights{
		ModelType: m.cfg.Type,
		Version:   model.WeightsVersion,
		Metadata:  map[string]string{inputDimKey: strconv.Itoa(m.state.InputDim())},
	}
	for i := 0; i < n; i++ {
		t := m.tensors[i]
		w.Tensors = append(w.Tensors, model.Tensor{
			Name:  t.Name,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), m.slice(m.params, i)...),
		})
	}
	if buffers && m.gamma >= 0 {
		w.Tensors = append(w.Tensors,
			model.Tensor{Name: bnMean, Shape: []int{len(m.mean)}, Data: append([]float64(nil), m.mean...)},
			model.Tensor{Name: bnVariance, Shape: []int{len(m.vari)}, Data: append([]float64(nil), m.vari...)},
		)
	}
	return w
}

// LoadState restores a State snapshot. Tensors are matched by name. A
// declared model is materialized from the recorded input width.
func (m *Model) LoadState(w *model.Weights) error {
	if err := w.Validate(); err != nil {
		return errors.Wrap(err, "model state")
	}
	if !m.state.AtLeast(model.Materialized) {
		dim, err := strconv.Atoi(w.Metadata[inputDimKey])
		if err != nil || dim < 1 {
			return errors.NewValueError("LoadState", "state has no valid input_dim")
		}
		m.allocate(dim)
		if err := m.state.Advance(model.Materialized); err != nil {
			return errors.WithStack(err)
		}
	}

	byName := make(map[string]model.Tensor, len(w.Tensors))
	for _, t := range w.Tensors {
		byName[t.Name] = t
	}
	expected := len(m.tensors)
	if m.gamma >= 0 {
		expected += 2
	}
	if len(byName) != expected {
		return errors.NewWeightShapeMismatchError(-1, "", []int{expected}, []int{len(byName)})
	}
	for i, dst := range m.tensors {
		src, ok := byName[dst.Name]
		if !ok {
			return errors.NewValueError("LoadState", "missing tensor "+dst.Name)
		}
		if !sameShape(dst.Shape, src.Shape) {
			return errors.NewWeightShapeMismatchError(i, dst.Name, dst.Shape, src.Shape)
		}
	}
	if m.gamma >= 0 {
		for name, buf := range map[string][]float64{bnMean: m.mean, bnVariance: m.vari} {
			src, ok := byName[name]
			if !ok || len(src.Data) != len(buf) {
				return errors.NewValueError("LoadState", "bad buffer "+name)
			}
		}
		copy(m.mean, byName[bnMean].Data)
		copy(m.vari, byName[bnVariance].Data)
	}
	for i, dst := range m.tensors {
		copy(m.slice(m.params, i), byName[dst.Name].Data)
	}
	return nil
}

// Build declares the model, materializes it on sample and, when
// weightsPath is set, loads the pretrained backbone.
func Build(cfg config.Model, seed int64, sample *data.Batch, weightsPath string) (*Model, error) {
	m, err := Declare(cfg, seed)
	if err != nil {
		return nil, err
	}
	if err := m.Materialize(sample.Inputs); err != nil {
		return nil, err
	}
	if weightsPath == "" {
		return m, nil
	}
	w, err := model.ReadWeightsFile(weightsPath)
	if err != nil {
		return nil, errors.Wrap(err, "backbone weights")
	}
	if err := m.LoadBackbone(w); err != nil {
		return nil, err
	}
	return m, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package detector

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/detrain/config"
	"github.com/YuminosukeSato/detrain/core/model"
	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/pkg/errors"
)

func testConfig() config.Model {
	return config.Model{
		Type:       config.ModelReference,
		NumClasses: 3,
		Backbone:   config.Backbone{HiddenSizes: []int{5, 4}},
		BBoxHead: config.BBoxHead{
			SharedFCSize:   3,
			UseBN:          true,
			UseConv:        true,
			LabelSmoothing: 0.1,
		},
	}
}

func testBatch(n, dim int) *data.Batch {
	rng := rand.New(rand.NewPCG(1, 2))
	x := mat.NewDense(n, dim, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < dim; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	b := &data.Batch{Inputs: x}
	for i := 0; i < n; i++ {
		lo := 0.1 * float64(i%4)
		b.Targets = append(b.Targets, data.Object{Label: i % 4, Box: data.Box{lo, lo, lo + 0.4, lo + 0.5}})
		b.ImageIDs = append(b.ImageIDs, 100+i)
	}
	return b
}

func materialized(t *testing.T, cfg config.Model, b *data.Batch) *Model {
	t.Helper()
	m, err := Declare(cfg, 7)
	require.NoError(t, err)
	require.NoError(t, m.Materialize(b.Inputs))
	return m
}

func TestDeclareValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Model)
	}{
		{"unknown type", func(c *config.Model) { c.Type = "retinanet" }},
		{"no classes", func(c *config.Model) { c.NumClasses = 0 }},
		{"bad hidden size", func(c *config.Model) { c.Backbone.HiddenSizes = []int{4, 0} }},
		{"shared fc without size", func(c *config.Model) { c.BBoxHead.SharedFCSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := Declare(cfg, 1)
			require.Error(t, err)
			assert.True(t, errors.IsConfigurationError(err))
		})
	}
}

func TestMaterializeOnce(t *testing.T) {
	b := testBatch(4, 7)
	m, err := Declare(testConfig(), 7)
	require.NoError(t, err)
	assert.Equal(t, model.Declared, m.Phase())
	assert.Empty(t, m.Params())

	_, err = m.Forward(b.Inputs)
	var nm *errors.NotMaterializedError
	assert.True(t, errors.As(err, &nm))

	require.NoError(t, m.Materialize(b.Inputs))
	assert.Equal(t, model.Materialized, m.Phase())
	assert.Equal(t, 7, m.InputDim())
	assert.Error(t, m.Materialize(b.Inputs))

	names := make([]string, 0)
	for _, ti := range m.Tensors() {
		names = append(names, ti.Name)
	}
	assert.Equal(t, []string{
		"backbone.dense_0/kernel", "backbone.dense_0/bias",
		"backbone.dense_1/kernel", "backbone.dense_1/bias",
		"bbox_head.shared_fc/kernel", "bbox_head.shared_fc/bias",
		"bbox_head.bn/gamma", "bbox_head.bn/beta",
		"bbox_head.fc_cls/kernel", "bbox_head.fc_cls/bias",
		"bbox_head.fc_reg/kernel", "bbox_head.fc_reg/bias",
	}, names)

	_, err = m.Forward(mat.NewDense(2, 6, nil))
	var dim *errors.DimensionError
	assert.True(t, errors.As(err, &dim))
}

func TestHeadVariants(t *testing.T) {
	b := testBatch(3, 6)
	cfg := testConfig()
	cfg.BBoxHead.UseBN = false
	cfg.BBoxHead.UseConv = false
	m := materialized(t, cfg, b)
	for _, ti := range m.Tensors() {
		assert.NotContains(t, ti.Name, "shared_fc")
		assert.NotContains(t, ti.Name, "bn/")
	}
	out, err := m.Forward(b.Inputs)
	require.NoError(t, err)
	r, c := out.Probs.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 4, c)
	for i := 0; i < r; i++ {
		assert.InDelta(t, 1.0, mat.Sum(out.Probs.RowView(i)), 1e-12)
	}
}

func TestLossesAndLabelSmoothing(t *testing.T) {
	b := testBatch(8, 5)
	cfg := testConfig()
	cfg.BBoxHead.LabelSmoothing = 0
	plain := materialized(t, cfg, b)
	cfg.BBoxHead.LabelSmoothing = 0.2
	smoothed := materialized(t, cfg, b)

	out, err := plain.Forward(b.Inputs)
	require.NoError(t, err)
	losses, err := plain.Losses(out, b)
	require.NoError(t, err)
	// near-uniform initial predictions over 4 classes
	assert.InDelta(t, math.Log(4), losses[LossCls], 0.05)
	assert.Greater(t, losses[LossBBox], 0.0)
	assert.Contains(t, losses, Accuracy)

	out2, err := smoothed.Forward(b.Inputs)
	require.NoError(t, err)
	losses2, err := smoothed.Losses(out2, b)
	require.NoError(t, err)
	// same seed, same parameters, same logits
	assert.InDelta(t, losses[LossCls], losses2[LossCls], 0.05)
	assert.InDelta(t, losses[LossBBox], losses2[LossBBox], 1e-12)

	bg := testBatch(4, 5)
	for i := range bg.Targets {
		bg.Targets[i].Label = 0
	}
	out3, err := plain.Forward(bg.Inputs)
	require.NoError(t, err)
	losses3, err := plain.Losses(out3, bg)
	require.NoError(t, err)
	assert.Zero(t, losses3[LossBBox])
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	b := testBatch(6, 7)
	m := materialized(t, testConfig(), b)
	weights := map[string]float64{LossCls: 1, LossBBox: 2}
	const scale = 4.0

	objective := func() float64 {
		out, err := m.Forward(b.Inputs)
		require.NoError(t, err)
		l, err := m.Losses(out, b)
		require.NoError(t, err)
		return scale * (l[LossCls] + 2*l[LossBBox])
	}

	out, err := m.Forward(b.Inputs)
	require.NoError(t, err)
	grad, err := m.Backward(out, b, weights, scale)
	require.NoError(t, err)
	require.Len(t, grad, len(m.Params()))

	const eps = 1e-5
	params := m.Params()
	for i := range params {
		orig := params[i]
		params[i] = orig + eps
		up := objective()
		params[i] = orig - eps
		down := objective()
		params[i] = orig
		numeric := (up - down) / (2 * eps)
		assert.InDelta(t, numeric, grad[i], 1e-6+1e-4*math.Abs(numeric), "param %d", i)
	}
}

func TestPredictDoesNotMutate(t *testing.T) {
	b := testBatch(4, 7)
	m := materialized(t, testConfig(), b)
	before, err := m.State()
	require.NoError(t, err)

	preds, err := m.Predict(b)
	require.NoError(t, err)
	require.Len(t, preds, 4)

	after, err := m.State()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	for i, p := range preds {
		assert.Equal(t, 100+i, p.ImageID)
		label, score := p.Label()
		assert.GreaterOrEqual(t, label, 1)
		assert.Equal(t, p.Probs[label], score)
		assert.LessOrEqual(t, p.Box[0], p.Box[2])
		assert.LessOrEqual(t, p.Box[1], p.Box[3])
		assert.Len(t, p.Detections(0), 3)
		assert.Empty(t, p.Detections(1.1))
	}
}

func TestLoadBackbone(t *testing.T) {
	b := testBatch(2, 7)

	t.Run("before materialize", func(t *testing.T) {
		m, err := Declare(testConfig(), 1)
		require.NoError(t, err)
		err = m.LoadBackbone(&model.Weights{ModelType: "x", Version: "1"})
		var nm *errors.NotMaterializedError
		assert.True(t, errors.As(err, &nm))
	})

	src := materialized(t, testConfig(), b)
	w, err := src.ExportBackbone()
	require.NoError(t, err)
	require.Len(t, w.Tensors, 4)

	t.Run("positional copy", func(t *testing.T) {
		dst, err := Declare(testConfig(), 99)
		require.NoError(t, err)
		require.NoError(t, dst.Materialize(b.Inputs))
		renamed := w.Clone()
		for i := range renamed.Tensors {
			renamed.Tensors[i].Name = "anything"
		}
		require.NoError(t, dst.LoadBackbone(renamed))
		assert.Equal(t, model.Loaded, dst.Phase())
		n := 7*5 + 5 + 5*4 + 4
		assert.Equal(t, src.Params()[:n], dst.Params()[:n])
		assert.NotEqual(t, src.Params()[n:], dst.Params()[n:])
	})

	t.Run("count mismatch", func(t *testing.T) {
		dst := materialized(t, testConfig(), b)
		short := w.Clone()
		short.Tensors = short.Tensors[:3]
		err := dst.LoadBackbone(short)
		var mm *errors.WeightShapeMismatchError
		require.True(t, errors.As(err, &mm))
		assert.Equal(t, -1, mm.Index)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		dst := materialized(t, testConfig(), testBatch(2, 6))
		err := dst.LoadBackbone(w)
		var mm *errors.WeightShapeMismatchError
		require.True(t, errors.As(err, &mm))
		assert.Equal(t, 0, mm.Index)
		assert.Equal(t, []int{6, 5}, mm.Expected)
		assert.Equal(t, []int{7, 5}, mm.Got)
	})
}

func TestBuildWithWeightsFile(t *testing.T) {
	b := testBatch(2, 7)
	src := materialized(t, testConfig(), b)
	w, err := src.ExportBackbone()
	require.NoError(t, err)

	for _, name := range []string{"backbone.json", "backbone.gob"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, model.WriteWeightsFile(w, path))
			m, err := Build(testConfig(), 3, b, path)
			require.NoError(t, err)
			assert.Equal(t, model.Loaded, m.Phase())
		})
	}

	_, err = Build(testConfig(), 3, b, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestStateRoundTrip(t *testing.T) {
	b := testBatch(3, 7)
	src := materialized(t, testConfig(), b)
	st, err := src.State()
	require.NoError(t, err)

	dst, err := Declare(testConfig(), 12345)
	require.NoError(t, err)
	require.NoError(t, dst.LoadState(st))
	assert.Equal(t, src.Params(), dst.Params())
	assert.Equal(t, 7, dst.InputDim())

	bad := st.Clone()
	bad.Tensors = bad.Tensors[1:]
	assert.Error(t, dst.LoadState(bad))
}

package preprocessing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelScalerRoundTrip(t *testing.T) {
	s, err := NewChannelScaler([]float64{10, 20, 30}, []float64{2, 4, 5})
	require.NoError(t, err)

	src := []float64{12, 24, 35, 10, 20, 30}
	out := make([]float64, len(src))
	require.NoError(t, s.Transform(out, src))
	assert.InDeltaSlice(t, []float64{1, 1, 1, 0, 0, 0}, out, 1e-12)

	back := make([]float64, len(src))
	require.NoError(t, s.InverseTransform(back, out))
	assert.InDeltaSlice(t, src, back, 1e-12)
}

func TestChannelScalerErrors(t *testing.T) {
	_, err := NewChannelScaler([]float64{1, 2}, []float64{1})
	assert.Error(t, err)

	_, err = NewChannelScaler([]float64{1}, []float64{0})
	assert.Error(t, err)

	s, err := NewChannelScaler([]float64{0, 0, 0}, []float64{1, 1, 1})
	require.NoError(t, err)
	assert.Error(t, s.Transform(make([]float64, 4), make([]float64, 4)), "not a multiple of the channel count")
	assert.Error(t, s.Transform(make([]float64, 3), make([]float64, 6)))
}

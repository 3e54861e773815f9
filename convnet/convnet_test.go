package convnet

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func (m *ConvNet) weightData(name string) []float64 {
	for _, wt := range m.weights {
		if wt.name == name {
			return wt.val.Data().([]float64)
		}
	}
	return nil
}

func TestStateRoundTrip(t *testing.T) {
	src := New(3)
	var buf bytes.Buffer
	require.NoError(t, src.WriteState(&buf))

	dst := New(3)
	require.NoError(t, dst.ReadState(&buf))

	for _, name := range []string{"conv1_w", "conv2_w", "conv3_w", "fc_w", "fc_b"} {
		assert.Equal(t, src.weightData(name), dst.weightData(name), name)
	}
}

func TestReadStateRejectsClassMismatch(t *testing.T) {
	src := New(5)
	var buf bytes.Buffer
	require.NoError(t, src.WriteState(&buf))

	dst := New(3)
	err := dst.ReadState(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fc_w")
}

func TestPretrainedSkipsClassifierHead(t *testing.T) {
	donor := New(5)
	var buf bytes.Buffer
	require.NoError(t, donor.WriteState(&buf))

	target := New(3)
	headBefore := append([]float64(nil), target.weightData("fc_w")...)
	require.NoError(t, target.ReadPretrained(&buf))

	// backbone transferred even though the head sizes differ
	for _, name := range []string{"conv1_w", "conv2_w", "conv3_w"} {
		assert.Equal(t, donor.weightData(name), target.weightData(name), name)
	}
	assert.Equal(t, headBefore, target.weightData("fc_w"))
}

func TestLoadPretrainedFileMissing(t *testing.T) {
	require.Error(t, New(3).LoadPretrainedFile(t.TempDir()+"/nope.gobz"))
}

func TestForwardShapesAndLoss(t *testing.T) {
	m := New(3)
	m.SetTraining(false)

	inputs := tensor.New(tensor.WithShape(2, 3, InputSize, InputSize),
		tensor.WithBacking(make([]float64, 2*3*InputSize*InputSize)))
	res, err := m.Forward(inputs, []int{0, 2})
	require.NoError(t, err)

	assert.True(t, res.Scores.Shape().Eq(tensor.Shape{2, 3}))
	assert.False(t, math.IsNaN(res.Loss))
	assert.False(t, math.IsInf(res.Loss, 0))
	// an untrained net is near-uniform, so the loss sits near ln(3)
	assert.InDelta(t, math.Log(3), res.Loss, 1.0)
}

func TestForwardRejectsWrongShape(t *testing.T) {
	m := New(3)
	inputs := tensor.New(tensor.WithShape(2, 3, 32, 32),
		tensor.WithBacking(make([]float64, 2*3*32*32)))
	_, err := m.Forward(inputs, []int{0, 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape")
}

func TestParamsRequireTrainingPass(t *testing.T) {
	m := New(3)
	_, err := m.Params()
	require.Error(t, err)
}

func TestTrainingPassLeavesGradients(t *testing.T) {
	m := New(2)
	m.SetTraining(true)

	backing := make([]float64, 1*3*InputSize*InputSize)
	for i := range backing {
		backing[i] = 0.1
	}
	inputs := tensor.New(tensor.WithShape(1, 3, InputSize, InputSize), tensor.WithBacking(backing))
	_, err := m.Forward(inputs, []int{1})
	require.NoError(t, err)

	ps, err := m.Params()
	require.NoError(t, err)
	require.Len(t, ps, 5)

	// the head gradient cannot be identically zero when classes disagree
	var nonZero bool
	for _, p := range ps {
		if p.Name != "fc_w" {
			continue
		}
		for _, g := range p.Grad {
			if g != 0 {
				nonZero = true
				break
			}
		}
	}
	assert.True(t, nonZero, "fc_w gradient is all zeros")
}

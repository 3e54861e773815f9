package loader

import (
	"fmt"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/seedlingcv/classifier/datasets"
	"github.com/seedlingcv/classifier/trainer"
)

// fakeTransform maps a path like "img3" to a 2x2 tensor filled with 3.
type fakeTransform struct {
	failOn string
}

func (f *fakeTransform) Apply(path string) (tensor.Tensor, error) {
	if path == f.failOn {
		return nil, errors.Errorf("unreadable: %s", path)
	}
	var n float64
	fmt.Sscanf(path, "img%f", &n)
	return tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float64{n, n, n, n})), nil
}

func listing(n int) []datasets.Sample {
	out := make([]datasets.Sample, n)
	for i := range out {
		out[i] = datasets.Sample{Path: fmt.Sprintf("img%d", i), Label: i % 2}
	}
	return out
}

func drain(t *testing.T, l *Loader) []*trainer.Batch {
	t.Helper()
	l.Reset()
	var out []*trainer.Batch
	for {
		b, err := l.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func TestBatchSplitting(t *testing.T) {
	l := New(listing(8), &fakeTransform{}, Config{BatchSize: 4, Workers: 2})
	batches := drain(t, l)

	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, 4, b.Size())
		assert.True(t, b.Inputs.Shape().Eq(tensor.Shape{4, 2, 2}))
	}
	assert.Equal(t, []int{0, 1, 0, 1}, batches[0].Labels)
}

func TestPartialFinalBatch(t *testing.T) {
	l := New(listing(5), &fakeTransform{}, Config{BatchSize: 4, Workers: 2})
	batches := drain(t, l)

	require.Len(t, batches, 2)
	assert.Equal(t, 4, batches[0].Size())
	assert.Equal(t, 1, batches[1].Size())
	assert.True(t, batches[1].Inputs.Shape().Eq(tensor.Shape{1, 2, 2}))
}

func TestBatchPreservesSampleOrder(t *testing.T) {
	l := New(listing(4), &fakeTransform{}, Config{BatchSize: 4, Workers: 4})
	batches := drain(t, l)

	require.Len(t, batches, 1)
	data := batches[0].Inputs.Data().([]float64)
	// sample i fills its block with the value i, regardless of which
	// worker loaded it
	for i := 0; i < 4; i++ {
		assert.Equal(t, float64(i), data[i*4], "sample %d", i)
	}
}

func TestShuffleIsSeededAndPerPass(t *testing.T) {
	order := func(seed int64) [][]int {
		l := New(listing(8), &fakeTransform{}, Config{BatchSize: 8, Workers: 1, Shuffle: true, Seed: seed})
		var passes [][]int
		for i := 0; i < 2; i++ {
			batches := drain(t, l)
			require.Len(t, batches, 1)
			var ids []int
			for _, v := range batches[0].Inputs.Data().([]float64) {
				ids = append(ids, int(v))
			}
			passes = append(passes, ids)
		}
		return passes
	}

	a := order(42)
	b := order(42)
	assert.Equal(t, a, b, "same seed must reproduce the same pass orders")
	assert.NotEqual(t, a[0], a[1], "consecutive passes must reshuffle")
}

func TestUnshuffledOrderIsStable(t *testing.T) {
	l := New(listing(6), &fakeTransform{}, Config{BatchSize: 2, Workers: 2})
	first := drain(t, l)
	second := drain(t, l)
	require.Len(t, second, 3)
	for i := range first {
		assert.Equal(t, first[i].Labels, second[i].Labels)
	}
}

func TestLoadFailureFailsTheBatch(t *testing.T) {
	l := New(listing(4), &fakeTransform{failOn: "img2"}, Config{BatchSize: 2, Workers: 2})
	l.Reset()

	_, err := l.Next()
	require.NoError(t, err)

	_, err = l.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "img2")

	_, err = l.Next()
	assert.Equal(t, io.EOF, err)
}

func TestResetRecoversAfterFailure(t *testing.T) {
	tf := &fakeTransform{failOn: "img1"}
	l := New(listing(3), tf, Config{BatchSize: 3, Workers: 1})
	l.Reset()
	_, err := l.Next()
	require.Error(t, err)

	tf.failOn = ""
	batches := drain(t, l)
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].Size())
}

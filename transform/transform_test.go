package transform

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, c color.RGBA, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(t.TempDir(), "img.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestEvalShapeAndNormalization(t *testing.T) {
	// mid-gray input, uniform so the resize cannot change any pixel
	path := writePNG(t, color.RGBA{128, 128, 128, 255}, 32, 48)

	out, err := NewEval().Apply(path)
	require.NoError(t, err)
	require.Equal(t, []int{3, InputSize, InputSize}, []int(out.Shape()))

	data := out.Data().([]float64)
	v := float64(128) / 255
	plane := InputSize * InputSize
	assert.InDelta(t, (v-mean[0])/std[0], data[0], 1e-2)
	assert.InDelta(t, (v-mean[1])/std[1], data[plane], 1e-2)
	assert.InDelta(t, (v-mean[2])/std[2], data[2*plane], 1e-2)

	// uniform in, uniform out
	for i := 1; i < plane; i++ {
		require.Equal(t, data[0], data[i])
	}
}

func TestTrainPipelineDeterministicWithSeed(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 16), uint8(y * 16), 0, 255})
		}
	}
	path := filepath.Join(t.TempDir(), "grad.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	a, err := NewTrain(7).Apply(path)
	require.NoError(t, err)
	b, err := NewTrain(7).Apply(path)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())
}

func TestApplyMissingFile(t *testing.T) {
	_, err := NewEval().Apply(filepath.Join(t.TempDir(), "nope.png"))
	require.Error(t, err)
}

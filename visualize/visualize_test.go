package visualize

import (
	"context"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/ism/guidance"
	"github.com/ollama/ism/tensor"
)

func TestSaturation(t *testing.T) {
	rgb := tensor.New([]float32{
		1, 0.5, // r
		0, 0.5, // g
		0, 0.5, // b
	}, 1, 3, 1, 2)
	alpha := tensor.New([]float32{0, 0.5}, 1, 1, 1, 2)

	got := Saturation(rgb, alpha)
	assert.Equal(t, []int{1, 1, 1, 2}, got.Shape())
	assert.InDelta(t, 1, got.Data()[0], 1e-4)
	// grey keeps the 1e-5 left by the epsilon on max, halved by alpha
	assert.InDelta(t, 1e-5, got.Data()[1], 1e-6)
}

func TestLatentToRGB(t *testing.T) {
	latents := tensor.Zeros(1, 4, 1, 2)
	latents.Set(1, 0, 0, 0, 0) // channel 0 at pixel 0
	latents.Set(1, 0, 3, 0, 1) // channel 3 at pixel 1

	got, err := LatentToRGB(latents)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 1, 2}, got.Shape())

	want := []float32{
		0.298, 0, // r
		0.207, 0, // g
		0.208, 0, // b
	}
	if diff := cmp.Diff(want, got.Data(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("projection mismatch (-want +got):\n%s", diff)
	}

	_, err = LatentToRGB(tensor.Zeros(1, 3, 2, 2))
	assert.Error(t, err)
}

func TestGradientMap(t *testing.T) {
	grad := tensor.New([]float32{-4, 2, 0, 2}, 1, 2, 1, 2)
	got := GradientMap(grad)
	assert.Equal(t, []float32{0.5, 0.5}, got.Data())
}

func TestResize(t *testing.T) {
	flat := tensor.Full(0.25, 2, 1, 4, 4)
	got, err := Resize(flat, 16, 8)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 16, 8}, got.Shape())
	for _, v := range got.Data() {
		assert.InDelta(t, 0.25, v, 1e-4)
	}

	_, err = Resize(tensor.Zeros(1, 4, 2, 2), 4, 4)
	assert.Error(t, err)
}

func TestGridLayout(t *testing.T) {
	images := tensor.Full(1, 10, 3, 4, 4)
	img, err := Grid(images, 8, 2)
	require.NoError(t, err)

	// 8 columns and 2 rows of 4x4 cells with 2 pixels of padding
	assert.Equal(t, 8*6+2, img.Rect.Dx())
	assert.Equal(t, 2*6+2, img.Rect.Dy())

	r, _, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0), r)
	r, _, _, _ = img.At(2, 2).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	// the unused cells of the last row stay black
	r, _, _, _ = img.At(8*6-2, 8).RGBA()
	assert.Equal(t, uint32(0), r)
}

func diagnostics(b, h, w int) guidance.Diagnostics {
	return guidance.Diagnostics{
		Iteration:     100,
		PrevT:         421,
		RGB:           tensor.Full(0.5, b, 3, h, w),
		Depth:         tensor.Full(0.2, b, 1, h, w),
		Alpha:         tensor.Full(1, b, 1, h, w),
		Latents:       tensor.Full(0.1, b, 4, h/8, w/8),
		PredX0Uncond:  tensor.Full(-0.1, b, 4, h/8, w/8),
		Grad:          tensor.Full(2, b, 4, h/8, w/8),
		DecodedUncond: tensor.Full(0.3, b, 3, h, w),
		DecodedGuided: tensor.Full(0.7, b, 3, h, w),
	}
}

func TestStripOrder(t *testing.T) {
	strip, err := Strip(context.Background(), diagnostics(2, 16, 16))
	require.NoError(t, err)
	assert.Equal(t, []int{18, 3, 16, 16}, strip.Shape())

	first := func(panel, sample int) float32 { return strip.At(panel*2+sample, 0, 0, 0) }
	assert.InDelta(t, 0.5, first(0, 1), 1e-4)
	assert.InDelta(t, 0.2, first(1, 0), 1e-4)
	assert.InDelta(t, 1, first(2, 0), 1e-4)
	assert.InDelta(t, 0, first(3, 0), 1e-4)
	assert.InDelta(t, 1, first(6, 0), 1e-4)
	assert.InDelta(t, 0.3, first(7, 1), 1e-4)
	assert.InDelta(t, 0.7, first(8, 0), 1e-4)
}

func TestStripMissingPanel(t *testing.T) {
	d := diagnostics(1, 16, 16)
	d.DecodedGuided = nil
	_, err := Strip(context.Background(), d)
	assert.ErrorContains(t, err, "panel 8")
}

func TestVisualizerWritesJPEG(t *testing.T) {
	dir := t.TempDir()
	v := New(filepath.Join(dir, "vis"))
	require.NoError(t, v.Visualize(context.Background(), diagnostics(1, 16, 16)))

	f, err := os.Open(filepath.Join(dir, "vis", "iter_100_step_421.jpg"))
	require.NoError(t, err)
	defer f.Close()

	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 8*18+2, img.Bounds().Dx())
	assert.Equal(t, 2*18+2, img.Bounds().Dy())
}

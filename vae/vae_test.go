package vae

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/ism/autodiff"
	"github.com/ollama/ism/tensor"
)

func flatImage(colors [][3]float32, h, w int) *tensor.Tensor {
	img := tensor.Zeros(len(colors), 3, h, w)
	for n, rgb := range colors {
		for c := range 3 {
			for y := range h {
				for x := range w {
					img.Set(rgb[c], n, c, y, x)
				}
			}
		}
	}
	return img
}

func TestRoundTripFlatColor(t *testing.T) {
	ctx := context.Background()
	codec := NewCodec(NewPatchAutoencoder(), SDXLScalingFactor)

	img := flatImage([][3]float32{{0.2, 0.5, 0.8}, {1, 0, 0.25}}, 16, 24)
	latents, kl, err := codec.Encode(ctx, img)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 2, 3}, latents.Shape())
	assert.Equal(t, []int{2}, kl.Shape())

	back, err := codec.Decode(ctx, latents)
	require.NoError(t, err)
	require.Equal(t, img.Shape(), back.Shape())
	assert.True(t, tensor.AllClose(img, back, 1e-5), "per-pixel error above tolerance")
}

func TestEncodeScaling(t *testing.T) {
	codec := NewCodec(NewPatchAutoencoder(), 0.5)
	latents, _, err := codec.Encode(context.Background(), flatImage([][3]float32{{1, 1, 1}}, 8, 8))
	require.NoError(t, err)

	// white maps to 1 in [-1, 1], then every channel is scaled by 0.5
	for _, v := range latents.Data() {
		assert.InDelta(t, 0.5, v, 1e-6)
	}
}

func TestEncodeRejectsBadShapes(t *testing.T) {
	codec := NewCodec(NewPatchAutoencoder(), 1)
	ctx := context.Background()

	_, _, err := codec.Encode(ctx, tensor.Zeros(1, 4, 8, 8))
	assert.ErrorContains(t, err, "[B, 3, H, W]")

	_, _, err = codec.Encode(ctx, tensor.Zeros(1, 3, 12, 8))
	assert.ErrorContains(t, err, "multiple of 8")
}

func TestDecodeClamps(t *testing.T) {
	codec := NewCodec(NewPatchAutoencoder(), 1)
	img, err := codec.Decode(context.Background(), tensor.Full(3, 1, 4, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, float32(1), tensor.Max(img))
}

func TestDecodeTiledMatchesDirect(t *testing.T) {
	ctx := context.Background()
	latents := tensor.Zeros(1, 4, 20, 20)
	for i := range latents.Data() {
		latents.Data()[i] = float32(i%17)/17 - 0.5
	}

	direct := NewCodec(NewPatchAutoencoder(), 1)
	want, err := direct.Decode(ctx, latents)
	require.NoError(t, err)

	tiled := NewCodec(NewPatchAutoencoder(), 1)
	tiled.Tiling = &TilingConfig{TileSize: 8, Overlap: 2}
	got, err := tiled.Decode(ctx, latents)
	require.NoError(t, err)

	require.Equal(t, want.Shape(), got.Shape())
	assert.True(t, tensor.AllClose(want, got, 1e-5))
}

func TestDecodeTiledErrors(t *testing.T) {
	decode := func(*tensor.Tensor) (*tensor.Tensor, error) { return nil, errors.New("boom") }

	_, err := DecodeTiled(tensor.Zeros(2, 4, 8, 8), DefaultTilingConfig(), decode)
	assert.ErrorContains(t, err, "[1, C, H, W]")

	_, err = DecodeTiled(tensor.Zeros(1, 4, 8, 8), &TilingConfig{TileSize: 4, Overlap: 4}, decode)
	assert.ErrorContains(t, err, "overlap")

	_, err = DecodeTiled(tensor.Zeros(1, 4, 8, 8), &TilingConfig{TileSize: 4, Overlap: 1}, decode)
	assert.ErrorContains(t, err, "boom")
}

func TestEncodeNodeBackward(t *testing.T) {
	codec := NewCodec(NewPatchAutoencoder(), 0.5)
	img := autodiff.Parameter(flatImage([][3]float32{{0.1, 0.2, 0.3}}, 8, 8))

	latent, _, err := codec.EncodeNode(context.Background(), img)
	require.NoError(t, err)
	require.Equal(t, []int{1, 4, 1, 1}, latent.Value().Shape())

	require.NoError(t, autodiff.Backward(autodiff.SpecifyGradient(latent, tensor.Ones(1, 4, 1, 1)), nil))

	grad := img.Grad()
	require.NotNil(t, grad)
	for c := range 3 {
		want := 2 * 0.5 * (1 + luma[c]) / 64
		assert.InDelta(t, want, grad.At(0, c, 3, 5), 1e-7, "channel %d", c)
	}
}

func TestEncodeNodeWithoutBackward(t *testing.T) {
	codec := NewCodec(struct{ Autoencoder }{NewPatchAutoencoder()}, 1)
	img := autodiff.Parameter(flatImage([][3]float32{{0.5, 0.5, 0.5}}, 8, 8))

	latent, _, err := codec.EncodeNode(context.Background(), img)
	require.NoError(t, err)
	require.NoError(t, autodiff.Backward(autodiff.SpecifyGradient(latent, tensor.Ones(1, 4, 1, 1)), nil))
	assert.Nil(t, img.Grad())
}

type failingBackward struct{ Autoencoder }

func (failingBackward) EncodeBackward(_, _ *tensor.Tensor) (*tensor.Tensor, error) {
	return nil, errors.New("backward unavailable")
}

func TestEncodeNodeBackwardError(t *testing.T) {
	codec := NewCodec(failingBackward{NewPatchAutoencoder()}, 1)
	img := autodiff.Parameter(flatImage([][3]float32{{0.5, 0.5, 0.5}}, 8, 8))

	latent, _, err := codec.EncodeNode(context.Background(), img)
	require.NoError(t, err)

	err = autodiff.Backward(autodiff.SpecifyGradient(latent, tensor.Ones(1, 4, 1, 1)), nil)
	assert.ErrorContains(t, err, "vae encode backward: backward unavailable")
	assert.Nil(t, img.Grad())
}

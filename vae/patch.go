package vae

import (
	"context"
	"fmt"
	"slices"

	"github.com/ollama/ism/tensor"
)

// luma weights for the fourth latent channel
var luma = [3]float32{0.299, 0.587, 0.114}

// PatchAutoencoder is a deterministic stand-in for a learned VAE. Each
// Factor×Factor patch becomes one latent pixel: channels 0-2 hold the mean
// color and channel 3 the mean luminance. Decoding repeats the color over the
// patch, so flat images round-trip exactly.
type PatchAutoencoder struct {
	Factor int
}

func NewPatchAutoencoder() *PatchAutoencoder {
	return &PatchAutoencoder{Factor: 8}
}

func (p *PatchAutoencoder) Encode(_ context.Context, img *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if img.NDim() != 4 || img.Dim(1) != 3 {
		return nil, nil, fmt.Errorf("patch encode expects [B, 3, H, W], got %v", img.Shape())
	}

	b, H, W := img.Dim(0), img.Dim(2), img.Dim(3)
	f := p.Factor
	if H%f != 0 || W%f != 0 {
		return nil, nil, fmt.Errorf("image size %dx%d is not a multiple of %d", H, W, f)
	}

	h, w := H/f, W/f
	latent := tensor.Zeros(b, 4, h, w)
	inv := 1 / float32(f*f)
	for n := range b {
		for y := range h {
			for x := range w {
				var lum float32
				for c := range 3 {
					var sum float32
					for dy := range f {
						for dx := range f {
							sum += img.At(n, c, y*f+dy, x*f+dx)
						}
					}
					mean := sum * inv
					latent.Set(mean, n, c, y, x)
					lum += luma[c] * mean
				}
				latent.Set(lum, n, 3, y, x)
			}
		}
	}
	return latent, tensor.Zeros(b), nil
}

func (p *PatchAutoencoder) Decode(_ context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	if latent.NDim() != 4 || latent.Dim(1) != 4 {
		return nil, fmt.Errorf("patch decode expects [B, 4, h, w], got %v", latent.Shape())
	}

	b, h, w := latent.Dim(0), latent.Dim(2), latent.Dim(3)
	f := p.Factor
	img := tensor.Zeros(b, 3, h*f, w*f)
	for n := range b {
		for c := range 3 {
			for y := range h * f {
				for x := range w * f {
					img.Set(latent.At(n, c, y/f, x/f), n, c, y, x)
				}
			}
		}
	}
	return img, nil
}

// EncodeBackward spreads each latent gradient evenly over its patch.
func (p *PatchAutoencoder) EncodeBackward(img, gradLatent *tensor.Tensor) (*tensor.Tensor, error) {
	b, H, W := img.Dim(0), img.Dim(2), img.Dim(3)
	f := p.Factor
	if want := []int{b, 4, H / f, W / f}; !slices.Equal(gradLatent.Shape(), want) {
		return nil, fmt.Errorf("latent gradient %v does not match %v", gradLatent.Shape(), want)
	}

	inv := 1 / float32(f*f)
	grad := tensor.Zeros(img.Shape()...)
	for n := range b {
		for c := range 3 {
			for y := range H {
				for x := range W {
					g := gradLatent.At(n, c, y/f, x/f) + luma[c]*gradLatent.At(n, 3, y/f, x/f)
					grad.Set(g*inv, n, c, y, x)
				}
			}
		}
	}
	return grad, nil
}

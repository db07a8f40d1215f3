// Package vae converts between pixel space and the latent space of a
// diffusion model.
package vae

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ollama/ism/autodiff"
	"github.com/ollama/ism/tensor"
)

// SDXLScalingFactor is the latent scaling factor published with the SDXL VAE.
const SDXLScalingFactor = 0.13025

// Autoencoder is a variational autoencoder working on images in [-1, 1].
type Autoencoder interface {
	// Encode returns a sample of the latent distribution and its KL divergence.
	Encode(ctx context.Context, img *tensor.Tensor) (latent, kl *tensor.Tensor, err error)
	Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error)
}

// EncodeBackwarder is implemented by autoencoders that can pull a latent
// gradient back to the image.
type EncodeBackwarder interface {
	EncodeBackward(img, gradLatent *tensor.Tensor) (*tensor.Tensor, error)
}

// Codec wraps an Autoencoder with the image range mapping and the latent
// scaling factor. Images are [B, 3, H, W] in [0, 1].
type Codec struct {
	AE            Autoencoder
	ScalingFactor float32

	// Tiling enables tiled decoding when set.
	Tiling *TilingConfig
}

func NewCodec(ae Autoencoder, scalingFactor float32) *Codec {
	return &Codec{AE: ae, ScalingFactor: scalingFactor}
}

// Encode maps img to [-1, 1], encodes it and applies the scaling factor. The
// divergence is returned as is.
func (c *Codec) Encode(ctx context.Context, img *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if img.NDim() != 4 || img.Dim(1) != 3 {
		return nil, nil, fmt.Errorf("encode expects [B, 3, H, W], got %v", img.Shape())
	}

	latent, kl, err := c.AE.Encode(ctx, toSigned(img))
	if err != nil {
		return nil, nil, fmt.Errorf("vae encode: %w", err)
	}
	return tensor.MulScalar(latent, c.ScalingFactor), kl, nil
}

// Decode undoes the scaling factor, decodes and maps the result back to [0, 1].
func (c *Codec) Decode(ctx context.Context, latents *tensor.Tensor) (*tensor.Tensor, error) {
	if latents.NDim() != 4 {
		return nil, fmt.Errorf("decode expects [B, C, h, w], got %v", latents.Shape())
	}

	scaled := tensor.MulScalar(latents, 1/c.ScalingFactor)

	var img *tensor.Tensor
	if c.Tiling == nil {
		var err error
		if img, err = c.AE.Decode(ctx, scaled); err != nil {
			return nil, fmt.Errorf("vae decode: %w", err)
		}
	} else {
		samples := tensor.Chunk(scaled, scaled.Dim(0))
		decoded := make([]*tensor.Tensor, len(samples))
		for i, s := range samples {
			d, err := DecodeTiled(s, c.Tiling, func(tile *tensor.Tensor) (*tensor.Tensor, error) {
				return c.AE.Decode(ctx, tile)
			})
			if err != nil {
				return nil, fmt.Errorf("vae decode: %w", err)
			}
			decoded[i] = d
		}
		img = tensor.Concat(0, decoded...)
	}

	return tensor.Clip(tensor.AddScalar(tensor.MulScalar(img, 0.5), 0.5), 0, 1), nil
}

// EncodeNode encodes the value of img and records the encoding on the tape.
// Gradients reach img only when the autoencoder implements EncodeBackwarder.
func (c *Codec) EncodeNode(ctx context.Context, img *autodiff.Node) (*autodiff.Node, *tensor.Tensor, error) {
	latent, kl, err := c.Encode(ctx, img.Value())
	if err != nil {
		return nil, nil, err
	}

	backwarder, ok := c.AE.(EncodeBackwarder)
	if !ok {
		slog.Debug("autoencoder has no backward pass, latent gradient stops at the codec")
		return autodiff.Custom("vae_encode", latent, nil, img), kl, nil
	}

	vjp := func(_ *autodiff.Node, v *tensor.Tensor) ([]*tensor.Tensor, error) {
		g, err := backwarder.EncodeBackward(toSigned(img.Value()), tensor.MulScalar(v, c.ScalingFactor))
		if err != nil {
			return nil, fmt.Errorf("vae encode backward: %w", err)
		}
		// d(2x-1)/dx
		return []*tensor.Tensor{tensor.MulScalar(g, 2)}, nil
	}
	return autodiff.Custom("vae_encode", latent, vjp, img), kl, nil
}

// toSigned maps [0, 1] to [-1, 1].
func toSigned(img *tensor.Tensor) *tensor.Tensor {
	return tensor.AddScalar(tensor.MulScalar(img, 2), -1)
}

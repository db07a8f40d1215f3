package toy

import (
	"context"
	"fmt"
	"math"

	"github.com/ollama/ism/guidance"
	"github.com/ollama/ism/tensor"
	"github.com/ollama/ism/vae"
)

// TargetPredictor predicts the noise that separates a noisy latent from the
// latent of a flat image in the row's prompt color. Both scheduler families
// hand it sqrt(a)*x0 + sqrt(1-a)*eps after input scaling, so
// eps = (x - sqrt(a)*target) / sqrt(1-a).
type TargetPredictor struct {
	Codec *vae.Codec
	// AlphaAt returns the cumulative alpha of a timestep.
	AlphaAt func(t int) (float64, error)
}

func (p *TargetPredictor) PredictNoise(ctx context.Context, req guidance.PredictRequest) (*tensor.Tensor, error) {
	alpha, err := p.AlphaAt(req.Timestep)
	if err != nil {
		return nil, err
	}
	if req.Hidden.NDim() != 3 || req.Hidden.Dim(2) < 3 {
		return nil, fmt.Errorf("toy predictor needs color embeddings, got hidden %v", req.Hidden.Shape())
	}

	n, c := req.Latents.Dim(0), req.Latents.Dim(1)
	hw := req.Latents.Size() / (n * c)
	a, s := float32(math.Sqrt(alpha)), float32(math.Sqrt(1-alpha))

	out := tensor.ZerosLike(req.Latents)
	for row := range n {
		target, err := p.targetLatent(ctx, [3]float32{
			req.Hidden.At(row, 0, 0),
			req.Hidden.At(row, 0, 1),
			req.Hidden.At(row, 0, 2),
		})
		if err != nil {
			return nil, err
		}
		if target.Dim(1) != c {
			return nil, fmt.Errorf("codec produces %d latent channels, latents have %d", target.Dim(1), c)
		}

		for ch := range c {
			z := target.Data()[ch]
			off := (row*c + ch) * hw
			for i := range hw {
				out.Data()[off+i] = (req.Latents.Data()[off+i] - a*z) / s
			}
		}
	}
	return out, nil
}

// targetLatent encodes one flat 8x8 patch of rgb, [1, C, 1, 1].
func (p *TargetPredictor) targetLatent(ctx context.Context, rgb [3]float32) (*tensor.Tensor, error) {
	img := tensor.Zeros(1, 3, 8, 8)
	for c := range 3 {
		plane := img.Data()[c*64 : (c+1)*64]
		for i := range plane {
			plane[i] = rgb[c]
		}
	}
	latent, _, err := p.Codec.Encode(ctx, img)
	return latent, err
}

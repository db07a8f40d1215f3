package visualize

import (
	"fmt"

	dense "github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/ism/tensor"
)

// LatentFactors projects the four SDXL latent channels onto RGB.
var LatentFactors = mat.NewDense(4, 3, []float64{
	0.298, 0.207, 0.208,
	0.187, 0.286, 0.173,
	-0.158, 0.189, 0.264,
	-0.184, -0.271, -0.473,
})

// LatentToRGB maps latents [B, 4, h, w] to a rough RGB preview [B, 3, h, w]
// clipped to [0, 1].
func LatentToRGB(latents *tensor.Tensor) (*tensor.Tensor, error) {
	if latents.NDim() != 4 || latents.Dim(1) != 4 {
		return nil, fmt.Errorf("expected latents [B, 4, h, w], got %v", latents.Shape())
	}
	b, h, w := latents.Dim(0), latents.Dim(2), latents.Dim(3)

	out := tensor.Zeros(b, 3, h, w)
	for n := range b {
		sample := tensor.Slice0(latents, n, n+1)
		pixels, err := channelsLast(sample.Data(), 4, h, w)
		if err != nil {
			return nil, err
		}

		x := mat.NewDense(h*w, 4, widen(pixels))
		var rgb mat.Dense
		rgb.Mul(x, LatentFactors)

		plane := out.Data()[n*3*h*w : (n+1)*3*h*w]
		for c := range 3 {
			for i := range h * w {
				plane[c*h*w+i] = float32(min(max(rgb.At(i, c), 0), 1))
			}
		}
	}
	return out, nil
}

// channelsLast permutes one [C, H, W] plane stack into [H, W, C].
func channelsLast(data []float32, c, h, w int) ([]float32, error) {
	t := dense.New(dense.WithShape(c, h, w), dense.WithBacking(append([]float32(nil), data...)))
	if err := t.T(1, 2, 0); err != nil {
		return nil, err
	}
	if err := t.Transpose(); err != nil {
		return nil, err
	}
	if err := t.Reshape(h * w * c); err != nil {
		return nil, err
	}
	return native.VectorF32(t)
}

func widen(s []float32) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}
	return out
}

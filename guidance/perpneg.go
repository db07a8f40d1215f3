package guidance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ollama/ism/tensor"
)

const (
	minWeight = 1e-4
	minNormSq = 1e-6
)

// PerpendicularAggregator implements Perp-Neg: every prompt after the first
// contributes only the part of its delta orthogonal to the first prompt's
// delta, scaled by its weight.
type PerpendicularAggregator struct{}

// Aggregate expects deltas [K*B, C, H, W] grouped by prompt and K*B weights in
// the same order. It returns [B, C, H, W].
func (PerpendicularAggregator) Aggregate(deltas *tensor.Tensor, weights []float32, batch int) (*tensor.Tensor, error) {
	if batch <= 0 || deltas.NDim() < 2 || deltas.Dim(0)%batch != 0 {
		return nil, fmt.Errorf("%w: cannot group %v into batches of %d", ErrShapeMismatch, deltas.Shape(), batch)
	}
	k := deltas.Dim(0) / batch
	if len(weights) != k*batch {
		return nil, fmt.Errorf("%w: %d weights for %d prompts and batch %d", ErrShapeMismatch, len(weights), k, batch)
	}

	groups := tensor.Chunk(deltas, k)
	main := groups[0]
	out := main.Clone()

	inner := main.Size() / batch
	mainData, outData := widen(main.Data()), widen(out.Data())
	acc := make([]float64, len(outData))
	for i := 1; i < k; i++ {
		x := widen(groups[i].Data())
		for n := range batch {
			w := float64(weights[i*batch+n])
			if math.Abs(w) <= minWeight {
				continue
			}

			xs := x[n*inner : (n+1)*inner]
			ys := mainData[n*inner : (n+1)*inner]
			proj := floats.Dot(xs, ys) / max(floats.Dot(ys, ys), minNormSq)

			perp := make([]float64, inner)
			floats.AddScaledTo(perp, xs, -proj, ys)
			floats.AddScaled(acc[n*inner:(n+1)*inner], w, perp)
		}
	}

	floats.Add(outData, acc)
	for i, v := range outData {
		out.Data()[i] = float32(v)
	}
	return out, nil
}

func widen(s []float32) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}
	return out
}

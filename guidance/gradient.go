package guidance

import (
	"math"

	"github.com/ollama/ism/tensor"
)

// AssembleGradient returns scale * sqrt((1 - alphaT) / alphaT) * (pred - target)
// with every non-finite entry replaced by zero, and the number of entries
// replaced.
func AssembleGradient(alphaT float64, pred, target *tensor.Tensor, scale float64) (*tensor.Tensor, int) {
	w := math.Sqrt((1 - alphaT) / alphaT)
	grad := tensor.MulScalar(tensor.Sub(pred, target), float32(scale*w))
	return tensor.NanToNum(grad)
}

package schedule

import (
	"fmt"
	"math"

	"github.com/ollama/ism/tensor"
)

// NoiseSource draws standard normal tensors for stochastic steps.
type NoiseSource interface {
	NormalTensor(shape ...int) *tensor.Tensor
}

// StepOutput is the result of a single scheduler update.
type StepOutput struct {
	Prev         *tensor.Tensor
	PredOriginal *tensor.Tensor
}

// Scheduler is a discrete noise schedule with a single-step update. Timesteps
// are in scheduler order, noisiest first. A positive step delta moves toward
// the clean sample, a negative one toward noise.
type Scheduler interface {
	Family() Family
	Config() *Config
	SetTimesteps(numSteps int) error
	Timesteps() []int
	AlphasCumprod() []float64
	AddNoise(x0, noise *tensor.Tensor, t int) (*tensor.Tensor, error)
	ScaleModelInput(x *tensor.Tensor, t int) (*tensor.Tensor, error)
	Step(out *tensor.Tensor, t int, x *tensor.Tensor, delta int, eta float64, rng NoiseSource) (StepOutput, error)
	PredOriginal(out *tensor.Tensor, t int, x *tensor.Tensor) (*tensor.Tensor, error)
}

// alphaTable is the alpha lookup shared by every scheduler.
type alphaTable struct {
	config        *Config
	alphasCumprod []float64
	timesteps     []int
}

func newAlphaTable(cfg *Config) (alphaTable, error) {
	ac, err := cfg.AlphasCumprod()
	if err != nil {
		return alphaTable{}, err
	}
	return alphaTable{config: cfg, alphasCumprod: ac}, nil
}

func (a *alphaTable) Config() *Config          { return a.config }
func (a *alphaTable) Timesteps() []int         { return a.timesteps }
func (a *alphaTable) AlphasCumprod() []float64 { return a.alphasCumprod }
func (a *alphaTable) numTrainTimesteps() int   { return len(a.alphasCumprod) }
func (a *alphaTable) inTable(t int) bool       { return t >= 0 && t < len(a.alphasCumprod) }

func (a *alphaTable) alpha(t int) (float64, error) {
	if !a.inTable(t) {
		return 0, fmt.Errorf("%w: timestep %d outside alpha table of %d", ErrIndexOutOfRange, t, len(a.alphasCumprod))
	}
	return a.alphasCumprod[t], nil
}

// predOriginal recovers x0 from a model output at alpha a.
func predOriginal(predictionType string, out, x *tensor.Tensor, a float64) (*tensor.Tensor, error) {
	switch predictionType {
	case "epsilon", "":
		// (x - sqrt(1-a) eps) / sqrt(a)
		return tensor.Combine(float32(1/math.Sqrt(a)), x, float32(-math.Sqrt(1-a)/math.Sqrt(a)), out), nil
	case "v_prediction":
		// sqrt(a) x - sqrt(1-a) v
		return tensor.Combine(float32(math.Sqrt(a)), x, float32(-math.Sqrt(1-a)), out), nil
	default:
		return nil, fmt.Errorf("unsupported prediction_type %q", predictionType)
	}
}

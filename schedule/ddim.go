package schedule

import (
	"fmt"
	"math"

	"github.com/ollama/ism/tensor"
)

// DDIM implements the denoising diffusion implicit models update. Its step
// delta is measured in timestep values.
type DDIM struct {
	alphaTable
	finalAlphaCumprod float64
}

// NewDDIM creates a DDIM scheduler. Call SetTimesteps before stepping.
func NewDDIM(cfg *Config) (*DDIM, error) {
	table, err := newAlphaTable(cfg)
	if err != nil {
		return nil, err
	}

	final := table.alphasCumprod[0]
	if cfg.SetAlphaToOne {
		final = 1
	}
	return &DDIM{alphaTable: table, finalAlphaCumprod: final}, nil
}

func (s *DDIM) Family() Family { return FamilyDDIM }

// SetTimesteps sets up the timestep grid for numSteps inference steps.
func (s *DDIM) SetTimesteps(numSteps int) error {
	ts, err := s.config.spacedTimesteps(numSteps)
	if err != nil {
		return err
	}
	s.timesteps = ts
	return nil
}

// AddNoise noises a clean sample to timestep t in closed form:
// sqrt(a) x0 + sqrt(1-a) noise.
func (s *DDIM) AddNoise(x0, noise *tensor.Tensor, t int) (*tensor.Tensor, error) {
	a, err := s.alpha(t)
	if err != nil {
		return nil, err
	}
	return tensor.Combine(float32(math.Sqrt(a)), x0, float32(math.Sqrt(1-a)), noise), nil
}

// ScaleModelInput is the identity for DDIM.
func (s *DDIM) ScaleModelInput(x *tensor.Tensor, t int) (*tensor.Tensor, error) {
	if _, err := s.alpha(t); err != nil {
		return nil, err
	}
	return x, nil
}

func (s *DDIM) PredOriginal(out *tensor.Tensor, t int, x *tensor.Tensor) (*tensor.Tensor, error) {
	a, err := s.alpha(t)
	if err != nil {
		return nil, err
	}
	return predOriginal(s.config.PredictionType, out, x, a)
}

// Step moves x from timestep t to t-delta. A negative delta walks toward
// noise, which is how DDIM inversion is expressed.
func (s *DDIM) Step(out *tensor.Tensor, t int, x *tensor.Tensor, delta int, eta float64, rng NoiseSource) (StepOutput, error) {
	alphaT, err := s.alpha(t)
	if err != nil {
		return StepOutput{}, err
	}

	prevT := t - delta
	alphaPrev := s.finalAlphaCumprod
	if prevT >= 0 {
		if alphaPrev, err = s.alpha(prevT); err != nil {
			return StepOutput{}, err
		}
	}

	var x0, eps *tensor.Tensor
	switch s.config.PredictionType {
	case "epsilon", "":
		x0, _ = predOriginal("epsilon", out, x, alphaT)
		eps = out
	case "v_prediction":
		x0, _ = predOriginal("v_prediction", out, x, alphaT)
		eps = tensor.Combine(float32(math.Sqrt(alphaT)), out, float32(math.Sqrt(1-alphaT)), x)
	default:
		return StepOutput{}, fmt.Errorf("unsupported prediction_type %q", s.config.PredictionType)
	}

	if s.config.ClipSample {
		r := float32(s.config.ClipSampleRange)
		x0 = tensor.Clip(x0, -r, r)
	}

	// negative when walking toward noise
	variance := max((1-alphaPrev)/(1-alphaT)*(1-alphaT/alphaPrev), 0)
	std := eta * math.Sqrt(variance)

	dir := float32(math.Sqrt(max(1-alphaPrev-std*std, 0)))
	prev := tensor.Combine(float32(math.Sqrt(alphaPrev)), x0, dir, eps)

	if eta > 0 && std > 0 {
		if rng == nil {
			return StepOutput{}, fmt.Errorf("ddim: eta %v requires a noise source", eta)
		}
		tensor.AddInPlace(prev, tensor.MulScalar(rng.NormalTensor(x.Shape()...), float32(std)))
	}

	return StepOutput{Prev: prev, PredOriginal: x0}, nil
}

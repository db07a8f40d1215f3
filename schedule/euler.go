package schedule

import (
	"fmt"
	"math"
	"slices"

	"github.com/ollama/ism/tensor"
)

// EulerDiscrete implements the Euler discrete sampler over the variance
// exploding parameterisation x = x0 + sigma*noise. Its step delta is measured
// in scheduler indices.
type EulerDiscrete struct {
	alphaTable

	// Sigmas holds one noise level per timestep plus a terminal 0.
	Sigmas []float64
}

// NewEulerDiscrete creates an Euler scheduler. Call SetTimesteps before stepping.
func NewEulerDiscrete(cfg *Config) (*EulerDiscrete, error) {
	table, err := newAlphaTable(cfg)
	if err != nil {
		return nil, err
	}
	return &EulerDiscrete{alphaTable: table}, nil
}

func (s *EulerDiscrete) Family() Family { return FamilyEuler }

func (s *EulerDiscrete) SetTimesteps(numSteps int) error {
	ts, err := s.config.spacedTimesteps(numSteps)
	if err != nil {
		return err
	}

	n := s.numTrainTimesteps()
	sigmas := make([]float64, len(ts)+1)
	for i, t := range ts {
		a := s.alphasCumprod[min(max(t, 0), n-1)]
		sigmas[i] = math.Sqrt((1 - a) / a)
	}

	s.timesteps = ts
	s.Sigmas = sigmas
	return nil
}

func (s *EulerDiscrete) index(t int) (int, error) {
	i := slices.Index(s.timesteps, t)
	if i < 0 {
		return 0, fmt.Errorf("%w: timestep %d is not on the euler grid", ErrIndexOutOfRange, t)
	}
	return i, nil
}

func (s *EulerDiscrete) sigma(t int) (float64, error) {
	i, err := s.index(t)
	if err != nil {
		return 0, err
	}
	return s.Sigmas[i], nil
}

// AddNoise returns x0 + sigma(t)*noise.
func (s *EulerDiscrete) AddNoise(x0, noise *tensor.Tensor, t int) (*tensor.Tensor, error) {
	sigma, err := s.sigma(t)
	if err != nil {
		return nil, err
	}
	return tensor.AddScaled(x0, float32(sigma), noise), nil
}

// ScaleModelInput divides x by sqrt(sigma^2 + 1).
func (s *EulerDiscrete) ScaleModelInput(x *tensor.Tensor, t int) (*tensor.Tensor, error) {
	sigma, err := s.sigma(t)
	if err != nil {
		return nil, err
	}
	return tensor.MulScalar(x, float32(1/math.Sqrt(sigma*sigma+1))), nil
}

func (s *EulerDiscrete) PredOriginal(out *tensor.Tensor, t int, x *tensor.Tensor) (*tensor.Tensor, error) {
	sigma, err := s.sigma(t)
	if err != nil {
		return nil, err
	}
	return s.predOriginal(out, x, sigma)
}

func (s *EulerDiscrete) predOriginal(out, x *tensor.Tensor, sigma float64) (*tensor.Tensor, error) {
	switch s.config.PredictionType {
	case "epsilon", "":
		return tensor.AddScaled(x, float32(-sigma), out), nil
	case "v_prediction":
		c := sigma*sigma + 1
		return tensor.Combine(float32(1/c), x, float32(-sigma/math.Sqrt(c)), out), nil
	default:
		return nil, fmt.Errorf("unsupported prediction_type %q", s.config.PredictionType)
	}
}

// Step moves x from the grid position of t by delta positions. Positive deltas
// move toward the terminal sigma of 0, negative ones toward noise. eta is
// ignored: the discrete Euler update is deterministic.
func (s *EulerDiscrete) Step(out *tensor.Tensor, t int, x *tensor.Tensor, delta int, _ float64, _ NoiseSource) (StepOutput, error) {
	i, err := s.index(t)
	if err != nil {
		return StepOutput{}, err
	}

	j := i + delta
	if j < 0 || j >= len(s.Sigmas) {
		return StepOutput{}, fmt.Errorf("%w: euler step from %d by %d leaves the grid of %d", ErrIndexOutOfRange, i, delta, len(s.Sigmas))
	}

	sigma, sigmaTo := s.Sigmas[i], s.Sigmas[j]
	x0, err := s.predOriginal(out, x, sigma)
	if err != nil {
		return StepOutput{}, err
	}

	// derivative = (x - x0) / sigma
	derivative := tensor.MulScalar(tensor.Sub(x, x0), float32(1/sigma))
	prev := tensor.AddScaled(x, float32(sigmaTo-sigma), derivative)
	return StepOutput{Prev: prev, PredOriginal: x0}, nil
}

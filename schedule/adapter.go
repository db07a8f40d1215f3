package schedule

import (
	"fmt"
	"slices"

	"github.com/ollama/ism/tensor"
)

// Adapter exposes a Scheduler through timestep indices in ascending noise
// order: index 0 is the least noisy timestep. Every method validates its
// indices and returns ErrIndexOutOfRange for values outside [0, Len()).
type Adapter struct {
	scheduler Scheduler
	timesteps []int
}

func NewAdapter(s Scheduler) *Adapter {
	ts := slices.Clone(s.Timesteps())
	slices.Reverse(ts)
	return &Adapter{scheduler: s, timesteps: ts}
}

func (a *Adapter) Scheduler() Scheduler { return a.scheduler }
func (a *Adapter) Family() Family       { return a.scheduler.Family() }

// Len returns the number of timestep indices.
func (a *Adapter) Len() int { return len(a.timesteps) }

// Timesteps returns the index to timestep mapping.
func (a *Adapter) Timesteps() []int { return slices.Clone(a.timesteps) }

// CheckIndex reports whether ind addresses a timestep.
func (a *Adapter) CheckIndex(ind int) error {
	if ind < 0 || ind >= len(a.timesteps) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, ind, len(a.timesteps))
	}
	return nil
}

// Timestep returns the timestep value at ind.
func (a *Adapter) Timestep(ind int) (int, error) {
	if err := a.CheckIndex(ind); err != nil {
		return 0, err
	}
	return a.timesteps[ind], nil
}

// AlphaAt returns the cumulative signal retention at timestep value t.
func (a *Adapter) AlphaAt(t int) (float64, error) {
	ac := a.scheduler.AlphasCumprod()
	if t < 0 || t >= len(ac) {
		return 0, fmt.Errorf("%w: timestep %d outside alpha table of %d", ErrIndexOutOfRange, t, len(ac))
	}
	return ac[t], nil
}

// AlphaAtIndex returns the cumulative signal retention at the timestep of ind.
func (a *Adapter) AlphaAtIndex(ind int) (float64, error) {
	t, err := a.Timestep(ind)
	if err != nil {
		return 0, err
	}
	return a.AlphaAt(t)
}

// AddNoise forward-noises a clean latent to the timestep of ind.
func (a *Adapter) AddNoise(x0, noise *tensor.Tensor, ind int) (*tensor.Tensor, error) {
	t, err := a.Timestep(ind)
	if err != nil {
		return nil, err
	}
	return a.scheduler.AddNoise(x0, noise, t)
}

func (a *Adapter) ScaleModelInput(x *tensor.Tensor, ind int) (*tensor.Tensor, error) {
	t, err := a.Timestep(ind)
	if err != nil {
		return nil, err
	}
	return a.scheduler.ScaleModelInput(x, t)
}

// PredOriginal estimates the clean latent from a prediction at ind.
func (a *Adapter) PredOriginal(out *tensor.Tensor, ind int, x *tensor.Tensor) (*tensor.Tensor, error) {
	t, err := a.Timestep(ind)
	if err != nil {
		return nil, err
	}
	return a.scheduler.PredOriginal(out, t, x)
}

// Delta returns the step delta between two indices in the representation the
// scheduler family expects: timestep values for DDIM, indices for Euler.
func (a *Adapter) Delta(curInd, nextInd int) (int, error) {
	curT, err := a.Timestep(curInd)
	if err != nil {
		return 0, err
	}
	nextT, err := a.Timestep(nextInd)
	if err != nil {
		return 0, err
	}

	switch a.scheduler.Family() {
	case FamilyDDIM:
		return nextT - curT, nil
	case FamilyEuler:
		return nextInd - curInd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFamily, a.scheduler.Family())
	}
}

// ReverseStep moves x from curInd to nextInd (nextInd >= curInd, toward noise)
// with the scheduler's update rule. When the indices are equal x is returned
// unchanged.
func (a *Adapter) ReverseStep(out *tensor.Tensor, curInd, nextInd int, x *tensor.Tensor, eta float64, rng NoiseSource) (StepOutput, error) {
	delta, err := a.Delta(curInd, nextInd)
	if err != nil {
		return StepOutput{}, err
	}
	if nextInd == curInd {
		return StepOutput{Prev: x}, nil
	}

	t := a.timesteps[curInd]
	return a.scheduler.Step(out, t, x, -delta, eta, rng)
}

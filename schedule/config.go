// Package schedule holds the noise schedules of latent diffusion models and the
// adapter the guidance engine walks them with.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	ErrUnknownFamily   = errors.New("unknown scheduler family")
	ErrIndexOutOfRange = errors.New("timestep index out of range")
)

// Family selects how a scheduler interprets the step delta.
type Family string

const (
	// FamilyDDIM steps by a delta in timestep values.
	FamilyDDIM Family = "ddim"
	// FamilyEuler steps by a delta in scheduler indices.
	FamilyEuler Family = "euler"
)

// Config mirrors the fields of a diffusers scheduler_config.json that affect
// the alpha table and the timestep grid.
type Config struct {
	NumTrainTimesteps int     `json:"num_train_timesteps"` // 1000
	BetaStart         float64 `json:"beta_start"`          // 0.00085
	BetaEnd           float64 `json:"beta_end"`            // 0.012
	BetaSchedule      string  `json:"beta_schedule"`       // linear, scaled_linear, squaredcos_cap_v2
	PredictionType    string  `json:"prediction_type"`     // epsilon, v_prediction
	StepsOffset       int     `json:"steps_offset"`        // 1
	TimestepSpacing   string  `json:"timestep_spacing"`    // leading, trailing, linspace
	SetAlphaToOne     bool    `json:"set_alpha_to_one"`
	ClipSample        bool    `json:"clip_sample"`
	ClipSampleRange   float64 `json:"clip_sample_range"`
	Family            Family  `json:"family"`
}

// DefaultConfig returns the DDIM configuration shipped with SDXL.
func DefaultConfig() *Config {
	return &Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      "scaled_linear",
		PredictionType:    "epsilon",
		StepsOffset:       1,
		TimestepSpacing:   "leading",
		SetAlphaToOne:     false,
		ClipSample:        false,
		ClipSampleRange:   1.0,
		Family:            FamilyDDIM,
	}
}

// New builds the scheduler named by cfg.Family with its timesteps set to
// numSteps. numSteps <= 0 uses NumTrainTimesteps.
func New(cfg *Config, numSteps int) (Scheduler, error) {
	if numSteps <= 0 {
		numSteps = cfg.NumTrainTimesteps
	}

	var s Scheduler
	switch cfg.Family {
	case FamilyDDIM, "":
		d, err := NewDDIM(cfg)
		if err != nil {
			return nil, err
		}
		s = d
	case FamilyEuler:
		e, err := NewEulerDiscrete(cfg)
		if err != nil {
			return nil, err
		}
		s = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, cfg.Family)
	}

	if err := s.SetTimesteps(numSteps); err != nil {
		return nil, err
	}
	return s, nil
}

// Betas returns the per-timestep noise variances.
func (c *Config) Betas() ([]float64, error) {
	n := c.NumTrainTimesteps
	if n <= 1 {
		return nil, fmt.Errorf("num_train_timesteps must be > 1, got %d", n)
	}

	betas := make([]float64, n)
	switch c.BetaSchedule {
	case "linear":
		for i := range betas {
			betas[i] = c.BetaStart + (c.BetaEnd-c.BetaStart)*float64(i)/float64(n-1)
		}
	case "scaled_linear", "":
		lo, hi := math.Sqrt(c.BetaStart), math.Sqrt(c.BetaEnd)
		for i := range betas {
			b := lo + (hi-lo)*float64(i)/float64(n-1)
			betas[i] = b * b
		}
	case "squaredcos_cap_v2":
		alphaBar := func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}
		for i := range betas {
			t1 := float64(i) / float64(n)
			t2 := float64(i+1) / float64(n)
			betas[i] = min(1-alphaBar(t2)/alphaBar(t1), 0.999)
		}
	default:
		return nil, fmt.Errorf("unsupported beta_schedule %q", c.BetaSchedule)
	}
	return betas, nil
}

// AlphasCumprod returns the cumulative product of (1 - beta), indexed by
// timestep value.
func (c *Config) AlphasCumprod() ([]float64, error) {
	betas, err := c.Betas()
	if err != nil {
		return nil, err
	}

	out := make([]float64, len(betas))
	p := 1.0
	for i, b := range betas {
		p *= 1 - b
		out[i] = p
	}
	return out, nil
}

// spacedTimesteps returns numSteps timestep values, noisiest first, following
// the diffusers timestep_spacing conventions.
func (c *Config) spacedTimesteps(numSteps int) ([]int, error) {
	n := c.NumTrainTimesteps
	if numSteps <= 0 || numSteps > n {
		return nil, fmt.Errorf("num_inference_steps must be in [1, %d], got %d", n, numSteps)
	}

	ts := make([]int, numSteps)
	switch c.TimestepSpacing {
	case "leading", "":
		ratio := n / numSteps
		for i := range ts {
			ts[i] = i*ratio + c.StepsOffset
		}
	case "trailing":
		ratio := float64(n) / float64(numSteps)
		for i := range ts {
			ts[i] = int(math.RoundToEven(float64(n)-float64(i)*ratio)) - 1
		}
		slices.Reverse(ts)
	case "linspace":
		if numSteps == 1 {
			ts[0] = 0
			break
		}
		for i := range ts {
			ts[i] = int(math.RoundToEven(float64(n-1) * float64(i) / float64(numSteps-1)))
		}
	default:
		return nil, fmt.Errorf("unsupported timestep_spacing %q", c.TimestepSpacing)
	}

	slices.Reverse(ts)
	return ts, nil
}

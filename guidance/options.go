package guidance

import (
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Mode selects how the regression target is built.
type Mode int

const (
	// ModeISM unrolls DDIM inversion over an interval to build the target.
	ModeISM Mode = iota
	// ModeSDS noises the latent in closed form and regresses onto the noise.
	ModeSDS
)

func (m Mode) String() string {
	switch m {
	case ModeISM:
		return "ism"
	case ModeSDS:
		return "sds"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Options configures a Guidance engine. It is read-only after New.
type Options struct {
	GuidanceScale float64 `json:"guidance_scale"`

	// DeltaT is the step between ind_prev_t and ind_t. With annealing it
	// starts at DeltaTStart and moves to DeltaT as warmup progresses.
	DeltaT             int  `json:"delta_t"`
	DeltaTStart        int  `json:"delta_t_start"`
	AnnealingIntervals bool `json:"annealing_intervals"`

	// Gamma blends ind_mu_t between ind_prev_t (1) and ind_t (0).
	Gamma float64 `json:"gamma"`

	// XsDeltaT and XsInvSteps control the inversion down to ind_prev_t. Nil
	// means derive from the current delta.
	XsDeltaT   *int    `json:"xs_delta_t,omitempty"`
	XsInvSteps *int    `json:"xs_inv_steps,omitempty"`
	XsEta      float64 `json:"xs_eta"`

	DenoiseGuidanceScale float64 `json:"denoise_guidance_scale"`

	SDS         bool   `json:"sds"`
	FixNoise    bool   `json:"fix_noise"`
	FlipAugment bool   `json:"flip_augment"`
	VisInterval int    `json:"vis_interval"`
	NoiseSeed   uint64 `json:"noise_seed"`

	TRange     [2]float64 `json:"t_range"`
	MaxTRange  float64    `json:"max_t_range"`
	Resolution [2]int     `json:"resolution"`
}

// DefaultOptions returns the settings of the reference ISM runs.
func DefaultOptions() Options {
	xsDeltaT, xsInvSteps := 200, 5
	return Options{
		GuidanceScale:        7.5,
		DeltaT:               80,
		DeltaTStart:          100,
		AnnealingIntervals:   true,
		Gamma:                0,
		XsDeltaT:             &xsDeltaT,
		XsInvSteps:           &xsInvSteps,
		XsEta:                0,
		DenoiseGuidanceScale: 1,
		SDS:                  false,
		FixNoise:             false,
		FlipAugment:          true,
		VisInterval:          100,
		NoiseSeed:            0,
		TRange:               [2]float64{0.02, 0.98},
		MaxTRange:            0.98,
		Resolution:           [2]int{1024, 1024},
	}
}

// Mode reports whether the options select ISM or SDS.
func (o Options) Mode() Mode {
	if o.SDS {
		return ModeSDS
	}
	return ModeISM
}

// Validate checks the options for values the engine cannot run with.
func (o Options) Validate() error {
	var errs []error
	if o.DeltaT <= 0 {
		errs = append(errs, fmt.Errorf("delta_t must be positive, got %d", o.DeltaT))
	}
	if o.AnnealingIntervals && o.DeltaTStart <= 0 {
		errs = append(errs, fmt.Errorf("delta_t_start must be positive, got %d", o.DeltaTStart))
	}
	if o.Gamma < 0 || o.Gamma > 1 {
		errs = append(errs, fmt.Errorf("gamma must be in [0, 1], got %v", o.Gamma))
	}
	if o.XsDeltaT != nil && *o.XsDeltaT <= 0 {
		errs = append(errs, fmt.Errorf("xs_delta_t must be positive, got %d", *o.XsDeltaT))
	}
	if o.XsInvSteps != nil && *o.XsInvSteps < 0 {
		errs = append(errs, fmt.Errorf("xs_inv_steps must not be negative, got %d", *o.XsInvSteps))
	}
	if o.XsEta < 0 {
		errs = append(errs, fmt.Errorf("xs_eta must not be negative, got %v", o.XsEta))
	}
	if o.VisInterval < 0 {
		errs = append(errs, fmt.Errorf("vis_interval must not be negative, got %d", o.VisInterval))
	}
	for _, r := range o.Resolution {
		if r <= 0 || r%8 != 0 {
			errs = append(errs, fmt.Errorf("resolution must be positive multiples of 8, got %v", o.Resolution))
			break
		}
	}
	return errors.Join(errs...)
}

// LoadOptions reads a YAML or JSON file over DefaultOptions. Keys use the json
// names of Options; unknown keys are an error.
func LoadOptions(path string) (Options, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(bts, &raw); err != nil {
		return Options{}, fmt.Errorf("parse %s: %w", path, err)
	}

	opts := DefaultOptions()
	if err := opts.FromMap(raw); err != nil {
		return Options{}, fmt.Errorf("%s: %w", path, err)
	}
	return opts, opts.Validate()
}

// FromMap overrides the fields named in m.
func (o *Options) FromMap(m map[string]any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      o,
		ErrorUnused: true,
		// null clears the optional xs_* knobs
		ZeroFields: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(m)
}

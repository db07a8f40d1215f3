package schedule

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/ism/tensor"
)

func sample(shape ...int) *tensor.Tensor {
	t := tensor.Zeros(shape...)
	for i := range t.Data() {
		t.Data()[i] = float32(math.Sin(float64(i)*0.7)) * 0.8
	}
	return t
}

func gaussianish(shape ...int) *tensor.Tensor {
	t := tensor.Zeros(shape...)
	for i := range t.Data() {
		t.Data()[i] = float32(math.Cos(float64(i)*1.3)) * 1.2
	}
	return t
}

// TestAlphasCumprod checks the SDXL table against diffusers.
// Golden values generated via:
//
//	python3 -c "
//	from diffusers import DDIMScheduler
//	s = DDIMScheduler(beta_start=0.00085, beta_end=0.012, beta_schedule='scaled_linear')
//	print(s.alphas_cumprod[[0, 1, 499, 980, 999]].numpy())"
func TestAlphasCumprod(t *testing.T) {
	ac, err := DefaultConfig().AlphasCumprod()
	if err != nil {
		t.Fatal(err)
	}

	if len(ac) != 1000 {
		t.Fatalf("alphas_cumprod length: got %d, want 1000", len(ac))
	}

	golden := map[int]float64{
		0:   0.99915,
		1:   0.998296,
		499: 0.277670,
		980: 0.005844,
		999: 0.004660,
	}
	for i, want := range golden {
		if got := ac[i]; math.Abs(got-want) > 1e-5 {
			t.Errorf("alphas_cumprod[%d]: got %v, want %v", i, got, want)
		}
	}

	for i := 1; i < len(ac); i++ {
		if ac[i] >= ac[i-1] {
			t.Errorf("alphas_cumprod not decreasing at %d: %v >= %v", i, ac[i], ac[i-1])
		}
	}
}

func TestBetaSchedules(t *testing.T) {
	for _, name := range []string{"linear", "scaled_linear", "squaredcos_cap_v2"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BetaSchedule = name
			betas, err := cfg.Betas()
			require.NoError(t, err)
			require.Len(t, betas, 1000)
			for _, b := range betas {
				assert.Greater(t, b, 0.0)
				assert.LessOrEqual(t, b, 0.999)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.BetaSchedule = "sigmoid"
	_, err := cfg.Betas()
	assert.ErrorContains(t, err, "sigmoid")
}

func TestTimestepSpacing(t *testing.T) {
	cases := []struct {
		spacing string
		want    []int
	}{
		{"leading", []int{901, 801, 701, 601, 501, 401, 301, 201, 101, 1}},
		{"trailing", []int{999, 899, 799, 699, 599, 499, 399, 299, 199, 99}},
		{"linspace", []int{999, 888, 777, 666, 555, 444, 333, 222, 111, 0}},
	}

	for _, tt := range cases {
		t.Run(tt.spacing, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.TimestepSpacing = tt.spacing
			s, err := New(cfg, 10)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, s.Timesteps()); diff != "" {
				t.Errorf("timesteps mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewUnknownFamily(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Family = "dpm"
	_, err := New(cfg, 0)
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestAdapterIndexing(t *testing.T) {
	s, err := New(DefaultConfig(), 0)
	require.NoError(t, err)
	a := NewAdapter(s)

	require.Equal(t, 1000, a.Len())

	ts, err := a.Timestep(0)
	require.NoError(t, err)
	assert.Equal(t, 1, ts, "index 0 is the least noisy timestep")

	ts, err = a.Timestep(979)
	require.NoError(t, err)
	assert.Equal(t, 980, ts)

	alpha, err := a.AlphaAtIndex(979)
	require.NoError(t, err)
	assert.InDelta(t, 0.005844, alpha, 1e-5)

	for _, ind := range []int{-1, 1000} {
		assert.ErrorIs(t, a.CheckIndex(ind), ErrIndexOutOfRange, "index %d", ind)
	}

	// leading spacing with steps_offset 1 puts the last index past the table
	_, err = a.AlphaAtIndex(999)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestAdapterDelta(t *testing.T) {
	for _, family := range []Family{FamilyDDIM, FamilyEuler} {
		cfg := DefaultConfig()
		cfg.Family = family
		s, err := New(cfg, 10)
		require.NoError(t, err)
		a := NewAdapter(s)

		delta, err := a.Delta(1, 3)
		require.NoError(t, err)
		switch family {
		case FamilyDDIM:
			assert.Equal(t, 200, delta, "timestep delta")
		case FamilyEuler:
			assert.Equal(t, 2, delta, "index delta")
		}

		_, err = a.Delta(1, 10)
		assert.ErrorIs(t, err, ErrIndexOutOfRange)
	}
}

func TestPredOriginalInvertsAddNoise(t *testing.T) {
	for _, family := range []Family{FamilyDDIM, FamilyEuler} {
		for _, prediction := range []string{"epsilon", "v_prediction"} {
			t.Run(string(family)+"/"+prediction, func(t *testing.T) {
				cfg := DefaultConfig()
				cfg.Family = family
				cfg.PredictionType = prediction
				s, err := New(cfg, 0)
				require.NoError(t, err)
				a := NewAdapter(s)

				x0 := sample(1, 4, 2, 2)
				noise := gaussianish(1, 4, 2, 2)
				ind := 500

				xt, err := a.AddNoise(x0, noise, ind)
				require.NoError(t, err)

				out := noise
				if prediction == "v_prediction" {
					out = velocity(t, a, family, x0, noise, ind)
				}

				got, err := a.PredOriginal(out, ind, xt)
				require.NoError(t, err)
				assert.True(t, tensor.AllClose(x0, got, 1e-4), "got %v want %v", got, x0)
			})
		}
	}
}

// velocity builds the v target matching the scheduler's parameterisation.
func velocity(t *testing.T, a *Adapter, family Family, x0, noise *tensor.Tensor, ind int) *tensor.Tensor {
	t.Helper()
	switch family {
	case FamilyEuler:
		// in sigma space, v = (noise - sigma*x0) / sqrt(sigma^2+1)
		e := a.Scheduler().(*EulerDiscrete)
		sigma := e.Sigmas[len(e.Sigmas)-2-ind]
		c := math.Sqrt(sigma*sigma + 1)
		return tensor.Combine(float32(1/c), noise, float32(-sigma/c), x0)
	default:
		alpha, err := a.AlphaAtIndex(ind)
		require.NoError(t, err)
		return tensor.Combine(float32(math.Sqrt(alpha)), noise, float32(-math.Sqrt(1-alpha)), x0)
	}
}

// With the exact noise as model output both families move a noised latent
// onto the closed-form noising of the same x0 at the next index.
func TestReverseStepFollowsForwardProcess(t *testing.T) {
	for _, family := range []Family{FamilyDDIM, FamilyEuler} {
		t.Run(string(family), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Family = family
			s, err := New(cfg, 0)
			require.NoError(t, err)
			a := NewAdapter(s)

			x0 := sample(2, 4, 2, 2)
			noise := gaussianish(2, 4, 2, 2)

			cur, next := 200, 350
			xt, err := a.AddNoise(x0, noise, cur)
			require.NoError(t, err)

			out, err := a.ReverseStep(noise, cur, next, xt, 0, nil)
			require.NoError(t, err)

			want, err := a.AddNoise(x0, noise, next)
			require.NoError(t, err)
			assert.True(t, tensor.AllClose(want, out.Prev, 1e-4))
			assert.True(t, tensor.AllClose(x0, out.PredOriginal, 1e-4))
		})
	}
}

func TestReverseStepSameIndex(t *testing.T) {
	s, err := New(DefaultConfig(), 0)
	require.NoError(t, err)
	a := NewAdapter(s)

	x := sample(1, 4, 2, 2)
	out, err := a.ReverseStep(gaussianish(1, 4, 2, 2), 400, 400, x, 0, nil)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(x, out.Prev))

	_, err = a.ReverseStep(x, 400, 1200, x, 0, nil)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
}

type constantNoise float32

func (c constantNoise) NormalTensor(shape ...int) *tensor.Tensor {
	return tensor.Full(float32(c), shape...)
}

func TestDDIMEta(t *testing.T) {
	s, err := NewDDIM(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, s.SetTimesteps(1000))

	x := sample(1, 4, 2, 2)
	eps := gaussianish(1, 4, 2, 2)

	deterministic, err := s.Step(eps, 500, x, 100, 0, nil)
	require.NoError(t, err)

	_, err = s.Step(eps, 500, x, 100, 1, nil)
	assert.ErrorContains(t, err, "noise source")

	stochastic, err := s.Step(eps, 500, x, 100, 1, constantNoise(0))
	require.NoError(t, err)
	assert.False(t, tensor.AllClose(deterministic.Prev, stochastic.Prev, 1e-6), "eta shrinks the direction term")

	// toward noise the variance clamps to zero, so eta changes nothing
	inverse, err := s.Step(eps, 500, x, -100, 0, nil)
	require.NoError(t, err)
	inverseEta, err := s.Step(eps, 500, x, -100, 1, constantNoise(5))
	require.NoError(t, err)
	assert.True(t, tensor.Equal(inverse.Prev, inverseEta.Prev))
}

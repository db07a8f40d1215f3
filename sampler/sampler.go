// Package sampler draws timestep indices and noise for the guidance engine.
// All randomness comes from a Generator owned by one engine so that runs are
// reproducible under a fixed seed.
package sampler

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/ollama/ism/tensor"
)

var ErrEmptyRange = errors.New("empty timestep range")

// Generator is a seeded random source. It is not safe for concurrent use:
// draws are order dependent.
type Generator struct {
	seed uint64
	rng  *rand.Rand
}

func NewGenerator(seed uint64) *Generator {
	return &Generator{seed: seed, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (g *Generator) Seed() uint64 { return g.seed }

// IntRange returns a uniform integer in [lo, hi).
func (g *Generator) IntRange(lo, hi int) int {
	return lo + g.rng.IntN(hi-lo)
}

func (g *Generator) Float64() float64 { return g.rng.Float64() }

// Normal returns a standard normal draw.
func (g *Generator) Normal() float64 { return g.rng.NormFloat64() }

// NormalTensor fills a tensor of the given shape with standard normal draws.
func (g *Generator) NormalTensor(shape ...int) *tensor.Tensor {
	t := tensor.Zeros(shape...)
	data := t.Data()
	for i := range data {
		data[i] = float32(g.rng.NormFloat64())
	}
	return t
}

// Range bounds the sampled timestep index. The upper bound grows from Max to
// Max+Warmup as the warmup rate goes from 0 to 1.
type Range struct {
	Min    int
	Max    int
	Warmup int
}

// NewRange converts fractional bounds into indices over numTrain timesteps:
// Min = N*lo, Max = N*hi and Warmup = N*(maxHi-hi), each truncated.
func NewRange(numTrain int, lo, hi, maxHi float64) (Range, error) {
	if lo < 0 || hi > 1 || lo >= hi {
		return Range{}, fmt.Errorf("t_range must satisfy 0 <= lo < hi <= 1, got [%v, %v]", lo, hi)
	}
	if maxHi < hi || maxHi > 1 {
		return Range{}, fmt.Errorf("max_t_range %v must be in [%v, 1]", maxHi, hi)
	}

	r := Range{
		Min:    int(float64(numTrain) * lo),
		Max:    int(float64(numTrain) * hi),
		Warmup: int(float64(numTrain) * (maxHi - hi)),
	}
	if r.Max+r.Warmup > numTrain {
		return Range{}, fmt.Errorf("timestep range [%d, %d) exceeds %d timesteps", r.Min, r.Max+r.Warmup, numTrain)
	}
	return r, nil
}

// Upper returns the exclusive upper bound at the given warmup rate.
func (r Range) Upper(rate float64) int {
	return r.Max + int(float64(r.Warmup)*rate)
}

// Sample draws ind_t uniformly from [Min, Max + floor(Warmup*rate)).
func (r Range) Sample(g *Generator, rate float64) (int, error) {
	hi := r.Upper(rate)
	if hi <= r.Min {
		return 0, fmt.Errorf("%w: [%d, %d)", ErrEmptyRange, r.Min, hi)
	}
	return g.IntRange(r.Min, hi), nil
}

// DerivePrev returns max(indT - delta, 0).
func DerivePrev(indT, delta int) int {
	return max(indT-delta, 0)
}

// DeriveMu interpolates between prev and indT with ratio sqrt(1 - gamma^2),
// rounding half to even. gamma 0 gives indT and gamma 1 gives prev.
func DeriveMu(prev, indT int, gamma float64) int {
	ratio := math.Sqrt(1 - gamma*gamma)
	mu := int(math.RoundToEven(float64(prev) + float64(indT-prev)*ratio))
	return min(max(mu, prev), indT)
}

// Rounding selects how the annealed delta is rounded to an integer.
type Rounding int

const (
	// RoundFloor truncates base + rate*(start-base).
	RoundFloor Rounding = iota
	// RoundCeil adds ceil(rate*(start-base)) to base.
	RoundCeil
)

// CurrentDelta returns the step delta at the given warmup rate. Without
// annealing it is the base delta.
func CurrentDelta(base, start int, rate float64, annealing bool, rounding Rounding) int {
	if !annealing {
		return base
	}

	span := rate * float64(start-base)
	switch rounding {
	case RoundCeil:
		return base + int(math.Ceil(span))
	default:
		return int(math.Trunc(float64(base) + span))
	}
}

// Noise draws a latent noise sample of shape [B, C, H, W]: a standard normal
// tensor plus 0.1 times one normal draw per channel, shared by every sample
// and spatial position.
func Noise(g *Generator, shape ...int) *tensor.Tensor {
	if len(shape) != 4 {
		panic(fmt.Sprintf("sampler: noise shape must be [B, C, H, W], got %v", shape))
	}

	noise := g.NormalTensor(shape...)
	b, c, hw := shape[0], shape[1], shape[2]*shape[3]

	offset := g.NormalTensor(c)
	data := noise.Data()
	for n := range b {
		for ch := range c {
			v := 0.1 * offset.Data()[ch]
			plane := data[(n*c+ch)*hw : (n*c+ch+1)*hw]
			for i := range plane {
				plane[i] += v
			}
		}
	}
	return noise
}

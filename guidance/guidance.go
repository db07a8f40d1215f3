// Package guidance turns a pretrained latent diffusion model into a gradient
// for an external renderer, by interval score matching (ISM) or plain score
// distillation (SDS).
package guidance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/ollama/ism/autodiff"
	"github.com/ollama/ism/sampler"
	"github.com/ollama/ism/schedule"
	"github.com/ollama/ism/tensor"
	"github.com/ollama/ism/vae"
)

// visualization scale of the two-way variant
const twoWayVisScale = 7.5

// Guidance is the gradient engine. It owns the noise generator, the fixed
// noise cache and the time-conditioning cache, so a Guidance must not be used
// from several goroutines at once.
type Guidance struct {
	opts Options

	adapter   *schedule.Adapter
	timesteps []int
	predictor NoisePredictor
	codec     *vae.Codec

	// Aggregator combines the per-prompt deltas of StepPerpNeg.
	Aggregator Aggregator
	// Visualizer is called every VisInterval iterations when set.
	Visualizer Visualizer

	tRange sampler.Range

	// gen draws noise and timesteps; augment draws flip decisions so that the
	// noise sequence does not depend on augmentation.
	gen     *sampler.Generator
	augment *sampler.Generator

	noiseTemp *tensor.Tensor
	timeIDs   *tensor.Tensor
}

// New creates an engine over the given schedule and collaborators.
func New(opts Options, adapter *schedule.Adapter, predictor NoisePredictor, codec *vae.Codec) (*Guidance, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if adapter == nil || predictor == nil || codec == nil {
		return nil, fmt.Errorf("guidance needs a schedule, a noise predictor and a codec")
	}

	tRange, err := sampler.NewRange(adapter.Len(), opts.TRange[0], opts.TRange[1], opts.MaxTRange)
	if err != nil {
		return nil, err
	}

	return &Guidance{
		opts:       opts,
		adapter:    adapter,
		timesteps:  adapter.Timesteps(),
		predictor:  predictor,
		codec:      codec,
		Aggregator: PerpendicularAggregator{},
		tRange:     tRange,
		gen:        sampler.NewGenerator(opts.NoiseSeed),
		augment:    sampler.NewGenerator(opts.NoiseSeed + 1),
		timeIDs:    timeIDs(1, opts.Resolution),
	}, nil
}

func (g *Guidance) Options() Options           { return g.opts }
func (g *Guidance) Range() sampler.Range       { return g.tRange }
func (g *Guidance) Adapter() *schedule.Adapter { return g.adapter }

// TimeIDs returns the time conditioning of the last step, [2B, 6]. Before
// the first step it holds the rows of a single sample.
func (g *Guidance) TimeIDs() *tensor.Tensor { return g.timeIDs }

// variant holds what differs between Step and StepPerpNeg.
type variant struct {
	name      string
	rounding  sampler.Rounding
	fixNoise  bool
	aggregate bool
	visScale  float64
}

// Step runs one two-way guidance step: one conditional prompt against the
// unconditional one.
func (g *Guidance) Step(ctx context.Context, in Input) (*Result, error) {
	if len(in.Prompts.Conds) != 1 {
		return nil, fmt.Errorf("%w: two-way guidance takes exactly one conditional prompt, got %d", ErrMissingPrompt, len(in.Prompts.Conds))
	}
	return g.step(ctx, in, variant{
		name:     "two-way",
		rounding: sampler.RoundFloor,
		fixNoise: g.opts.FixNoise,
		visScale: twoWayVisScale,
	})
}

// StepPerpNeg runs one guidance step over K conditional prompts whose deltas
// are combined by the Aggregator with Prompts.Weights.
func (g *Guidance) StepPerpNeg(ctx context.Context, in Input) (*Result, error) {
	if len(in.Prompts.Conds) == 0 {
		return nil, fmt.Errorf("%w: no conditional prompts", ErrMissingPrompt)
	}
	if g.Aggregator == nil {
		return nil, fmt.Errorf("perpendicular guidance needs an aggregator")
	}
	return g.step(ctx, in, variant{
		name:      "perp-neg",
		rounding:  sampler.RoundCeil,
		aggregate: true,
		visScale:  g.opts.GuidanceScale,
	})
}

func (g *Guidance) step(ctx context.Context, in Input, v variant) (*Result, error) {
	rgb, depth, alpha, err := g.prepareImages(in)
	if err != nil {
		return nil, err
	}
	b := rgb.Value().Dim(0)
	k := len(in.Prompts.Conds)
	if err := g.checkPrompts(in, b, v); err != nil {
		return nil, err
	}

	res := &Result{Mode: g.opts.Mode()}

	if g.opts.FlipAugment && g.augment.Float64() < 0.5 {
		rgb, depth, alpha = autodiff.FlipW(rgb), autodiff.FlipW(depth), autodiff.FlipW(alpha)
		res.Flipped = true
	}

	g.timeIDs = timeIDs(b, g.opts.Resolution)

	source := rgb
	if in.AsLatent {
		source = autodiff.RepeatChannels(depth, 3)
	}
	latents, kl, err := g.codec.EncodeNode(ctx, source)
	if err != nil {
		return nil, err
	}
	res.Latents, res.KL = latents, kl

	lat := latents.Value()
	if lat.Dim(2)*8 != g.opts.Resolution[0] || lat.Dim(3)*8 != g.opts.Resolution[1] {
		return nil, fmt.Errorf("%w: latents %v do not match resolution %v", ErrShapeMismatch, lat.Shape(), g.opts.Resolution)
	}

	noise, err := g.noise(lat.Shape(), v.fixNoise)
	if err != nil {
		return nil, err
	}
	res.Noise = noise

	res.DeltaT = sampler.CurrentDelta(g.opts.DeltaT, g.opts.DeltaTStart, in.WarmupRate, g.opts.AnnealingIntervals, v.rounding)
	if res.IndT, err = g.tRange.Sample(g.gen, in.WarmupRate); err != nil {
		return nil, err
	}
	res.IndPrevT = sampler.DerivePrev(res.IndT, res.DeltaT)
	res.IndMuT = sampler.DeriveMu(res.IndPrevT, res.IndT, g.opts.Gamma)

	if err := g.checkIndex(res.IndT); err != nil {
		return nil, err
	}
	res.T, res.PrevT = g.timesteps[res.IndT], g.timesteps[res.IndPrevT]
	if res.AlphaT, err = g.adapter.AlphaAt(res.T); err != nil {
		return nil, err
	}

	slog.Debug("guidance step", "variant", v.name, "mode", res.Mode, "iteration", in.Iteration,
		"ind_t", res.IndT, "ind_prev_t", res.IndPrevT, "ind_mu_t", res.IndMuT, "delta_t", res.DeltaT, "flipped", res.Flipped)

	switch res.Mode {
	case ModeSDS:
		err = g.targetSDS(lat, noise, res)
	default:
		err = g.targetISM(ctx, lat, noise, in.Inversion, res)
	}
	if err != nil {
		return nil, err
	}

	uncond, delta, err := g.guide(ctx, res, in.Prompts, b, k, v)
	if err != nil {
		return nil, err
	}

	predNoise := tensor.AddScaled(uncond, float32(g.opts.GuidanceScale), delta)
	gradScale := in.GradScale
	if gradScale == 0 {
		gradScale = 1
	}
	res.Grad, res.NonFinite = AssembleGradient(res.AlphaT, predNoise, res.TargetMu2t, gradScale)
	if res.NonFinite > 0 {
		slog.Warn("zeroed non-finite gradient entries", "count", res.NonFinite, "ind_t", res.IndT)
	}

	res.Loss = autodiff.SpecifyGradient(latents, res.Grad)

	if g.Visualizer != nil && g.opts.VisInterval > 0 && in.Iteration%g.opts.VisInterval == 0 {
		if err := g.visualize(ctx, in.Iteration, rgb, depth, alpha, uncond, delta, v.visScale, res); err != nil {
			slog.Warn("visualization failed", "iteration", in.Iteration, "error", err)
		}
	}

	return res, nil
}

// targetSDS noises the latent in closed form at prev_t and t. The target is
// the noise itself.
func (g *Guidance) targetSDS(lat, noise *tensor.Tensor, res *Result) error {
	var err error
	if res.PrevNoisyLatents, err = g.adapter.AddNoise(lat, noise, res.IndPrevT); err != nil {
		return err
	}
	if res.NoisyLatents, err = g.adapter.AddNoise(lat, noise, res.IndT); err != nil {
		return err
	}
	res.Target, res.TargetMu2t = noise, noise
	return nil
}

// targetISM runs the four interval unrolls: clean -> prev (xs), prev -> mu,
// mu -> t and prev -> t (xt).
func (g *Guidance) targetISM(ctx context.Context, lat, noise *tensor.Tensor, prompts InversionPrompts, res *Result) error {
	xsDelta := res.DeltaT
	if g.opts.XsDeltaT != nil {
		xsDelta = *g.opts.XsDeltaT
	}
	xsSteps := int(math.Ceil(float64(res.IndPrevT) / float64(xsDelta)))
	if g.opts.XsInvSteps != nil {
		xsSteps = *g.opts.XsInvSteps
	}
	start := max(res.IndPrevT-xsDelta*xsSteps, 0)

	cfg := g.opts.DenoiseGuidanceScale
	xs, err := g.Unroll(ctx, UnrollRequest{
		Latents: lat, Noise: noise,
		Target: res.IndPrevT, Start: start,
		Prompts: prompts, CFG: cfg,
		Delta: xsDelta, Steps: xsSteps,
		Eta: g.opts.XsEta,
	})
	if err != nil {
		return fmt.Errorf("xs unroll: %w", err)
	}
	res.PrevNoisyLatents = xs.Latents

	mu, err := g.Unroll(ctx, UnrollRequest{
		Latents: xs.Latents, Noise: noise,
		Target: res.IndMuT, Start: res.IndPrevT,
		Prompts: prompts, CFG: cfg,
		Delta: xsDelta, Steps: 1,
		Noisy: true,
	})
	if err != nil {
		return fmt.Errorf("mu unroll: %w", err)
	}

	mu2t, err := g.Unroll(ctx, UnrollRequest{
		Latents: mu.Latents, Noise: noise,
		Target: res.IndT, Start: res.IndMuT,
		Prompts: prompts, CFG: cfg,
		Delta: xsDelta, Steps: 1,
		Noisy: true,
	})
	if err != nil {
		return fmt.Errorf("mu2t unroll: %w", err)
	}

	xt, err := g.Unroll(ctx, UnrollRequest{
		Latents: xs.Latents, Noise: noise,
		Target: res.IndT, Start: res.IndPrevT,
		Prompts: prompts, CFG: cfg,
		Delta: res.DeltaT, Steps: 1,
		Noisy: true,
	})
	if err != nil {
		return fmt.Errorf("xt unroll: %w", err)
	}
	res.NoisyLatents = xt.Latents

	// both sequences lead with their latest prediction
	res.Target = firstRecord(xt.Records, xs.Records)
	res.TargetMu2t = firstRecord(mu2t.Records, mu.Records, xs.Records)
	return nil
}

func firstRecord(seqs ...[]Record) *tensor.Tensor {
	for _, s := range seqs {
		if len(s) > 0 {
			return s[0].Noise
		}
	}
	return nil
}

// guide predicts noise at t for the unconditional prompt and the K conditional
// ones and returns the unconditional prediction and the combined delta.
func (g *Guidance) guide(ctx context.Context, res *Result, prompts Prompts, b, k int, v variant) (*tensor.Tensor, *tensor.Tensor, error) {
	scaled, err := g.adapter.ScaleModelInput(tensor.Repeat(res.NoisyLatents, 1+k), res.IndT)
	if err != nil {
		return nil, nil, err
	}

	hidden := []*tensor.Tensor{prompts.Uncond.Hidden}
	pooled := []*tensor.Tensor{prompts.Uncond.Pooled}
	for _, c := range prompts.Conds {
		hidden = append(hidden, c.Hidden)
		pooled = append(pooled, c.Pooled)
	}

	out, err := g.predict(ctx, PredictRequest{
		Latents:  scaled,
		Timestep: res.T,
		Hidden:   batchOf(b, hidden...),
		Pooled:   batchOf(b, pooled...),
		TimeIDs:  g.timeIDRows((1 + k) * b),
	})
	if err != nil {
		return nil, nil, err
	}

	parts := tensor.Split(out, 0, b, k*b)
	uncond, conds := parts[0], parts[1]
	deltas := tensor.Sub(conds, tensor.Repeat(uncond, k))

	if !v.aggregate {
		return uncond, deltas, nil
	}

	delta, err := g.Aggregator.Aggregate(deltas, prompts.Weights, b)
	if err != nil {
		return nil, nil, fmt.Errorf("aggregate: %w", err)
	}
	return uncond, delta, nil
}

// visualize decodes x0 estimates at prev_t and hands everything to the
// Visualizer.
func (g *Guidance) visualize(ctx context.Context, iteration int, rgb, depth, alpha *autodiff.Node, uncond, delta *tensor.Tensor, scale float64, res *Result) error {
	guided := tensor.AddScaled(uncond, float32(scale), delta)

	x0Uncond, err := g.adapter.PredOriginal(uncond, res.IndPrevT, res.PrevNoisyLatents)
	if err != nil {
		return err
	}
	x0Guided, err := g.adapter.PredOriginal(guided, res.IndPrevT, res.PrevNoisyLatents)
	if err != nil {
		return err
	}

	decodedUncond, err := g.codec.Decode(ctx, x0Uncond)
	if err != nil {
		return err
	}
	decodedGuided, err := g.codec.Decode(ctx, x0Guided)
	if err != nil {
		return err
	}

	return g.Visualizer.Visualize(ctx, Diagnostics{
		Iteration:     iteration,
		PrevT:         res.PrevT,
		RGB:           rgb.Value(),
		Depth:         depth.Value(),
		Alpha:         alpha.Value(),
		Latents:       res.Latents.Value(),
		PredX0Uncond:  x0Uncond,
		Grad:          res.Grad,
		DecodedUncond: decodedUncond,
		DecodedGuided: decodedGuided,
	})
}

// noise returns the noise of this step, drawing the cached fixed noise on
// first use when fixed is set.
func (g *Guidance) noise(shape []int, fixed bool) (*tensor.Tensor, error) {
	if !fixed {
		return sampler.Noise(g.gen, shape...), nil
	}

	if g.noiseTemp == nil {
		g.noiseTemp = sampler.Noise(g.gen, shape...)
	}
	if !slices.Equal(g.noiseTemp.Shape(), shape) {
		return nil, fmt.Errorf("%w: fixed noise %v does not match latents %v", ErrShapeMismatch, g.noiseTemp.Shape(), shape)
	}
	return g.noiseTemp, nil
}

func (g *Guidance) predict(ctx context.Context, req PredictRequest) (*tensor.Tensor, error) {
	out, err := g.predictor.PredictNoise(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("predict noise at timestep %d: %w", req.Timestep, err)
	}
	if !tensor.SameShape(out, req.Latents) {
		return nil, fmt.Errorf("%w: predictor returned %v for latents %v", ErrShapeMismatch, out.Shape(), req.Latents.Shape())
	}
	return out, nil
}

func (g *Guidance) checkIndex(ind int) error {
	if err := g.adapter.CheckIndex(ind); err != nil {
		return err
	}
	// every index the engine touches must also address the alpha table
	if _, err := g.adapter.AlphaAtIndex(ind); err != nil {
		return err
	}
	return nil
}

func (g *Guidance) prepareImages(in Input) (rgb, depth, alpha *autodiff.Node, err error) {
	if err := checkImage("rgb", in.RGB, 3); err != nil {
		return nil, nil, nil, err
	}
	rgb = in.RGB
	shape := rgb.Value().Shape()

	fill := func(name string, n *autodiff.Node) (*autodiff.Node, error) {
		if n == nil {
			return autodiff.Constant(tensor.Zeros(shape[0], 1, shape[2], shape[3])), nil
		}
		if err := checkImage(name, n, 1); err != nil {
			return nil, err
		}
		if v := n.Value(); v.Dim(0) != shape[0] || v.Dim(2) != shape[2] || v.Dim(3) != shape[3] {
			return nil, fmt.Errorf("%w: %s %v does not match rgb %v", ErrShapeMismatch, name, v.Shape(), shape)
		}
		return n, nil
	}

	if depth, err = fill("depth", in.Depth); err != nil {
		return nil, nil, nil, err
	}
	if alpha, err = fill("alpha", in.Alpha); err != nil {
		return nil, nil, nil, err
	}
	if in.AsLatent && in.Depth == nil {
		return nil, nil, nil, fmt.Errorf("%w: as_latent needs a depth map", ErrShapeMismatch)
	}
	return rgb, depth, alpha, nil
}

func (g *Guidance) checkPrompts(in Input, b int, v variant) error {
	if !in.Prompts.Uncond.valid() {
		return fmt.Errorf("%w: unconditional prompt", ErrMissingPrompt)
	}
	for i, c := range in.Prompts.Conds {
		if !c.valid() {
			return fmt.Errorf("%w: conditional prompt %d", ErrMissingPrompt, i)
		}
	}
	if v.aggregate && len(in.Prompts.Weights) != len(in.Prompts.Conds)*b {
		return fmt.Errorf("%w: %d weights for %d prompts and batch %d", ErrShapeMismatch, len(in.Prompts.Weights), len(in.Prompts.Conds), b)
	}
	if g.opts.Mode() == ModeISM {
		if !in.Inversion.Cond.valid() || (g.opts.DenoiseGuidanceScale > 1 && !in.Inversion.Uncond.valid()) {
			return fmt.Errorf("%w: inversion prompts", ErrMissingPrompt)
		}
	}
	return nil
}

// timeIDs builds the SDXL micro-conditioning [h, w, 0, 0, h, w] for both
// halves of a classifier-free batch, [2B, 6].
func timeIDs(b int, resolution [2]int) *tensor.Tensor {
	h, w := float32(resolution[0]), float32(resolution[1])
	row := tensor.New([]float32{h, w, 0, 0, h, w}, 1, 6)
	return tensor.Repeat(row, 2*b)
}

// timeIDRows returns n rows of the cached time conditioning.
func (g *Guidance) timeIDRows(n int) *tensor.Tensor {
	return tensor.Repeat(tensor.Slice0(g.timeIDs, 0, 1), n)
}

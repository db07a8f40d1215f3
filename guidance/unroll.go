package guidance

import (
	"context"
	"fmt"
	"slices"

	"github.com/ollama/ism/logutil"
	"github.com/ollama/ism/tensor"
)

// UnrollRequest describes one interval unroll from Start up to Target.
type UnrollRequest struct {
	Latents *tensor.Tensor
	Noise   *tensor.Tensor

	Target int
	Start  int

	Prompts InversionPrompts

	// CFG above 1 runs the guided unroll.
	CFG   float64
	Delta int
	Steps int

	// Noisy means Latents are already at Start's noise level.
	Noisy bool
	Eta   float64
}

// Record is one noise prediction made during an unroll.
type Record struct {
	Index int
	Noise *tensor.Tensor
}

// UnrollResult holds the latent at Start, the latent where the unroll stopped
// and the predictions, latest index first.
type UnrollResult struct {
	Start   *tensor.Tensor
	Latents *tensor.Tensor
	Records []Record
}

// Unroll walks a latent from the noise level of req.Start toward req.Target
// with DDIM inversion. Each iteration predicts noise at the current index,
// advances the index by req.Delta clamped to req.Target and applies the
// scheduler's reverse step. It stops at req.Target or after req.Steps
// iterations, whichever comes first, and always makes at least one prediction.
//
// Guided unrolls combine predictions as cond + cfg*(uncond - cond).
func (g *Guidance) Unroll(ctx context.Context, req UnrollRequest) (UnrollResult, error) {
	if err := g.checkIndex(req.Start); err != nil {
		return UnrollResult{}, err
	}
	if err := g.checkIndex(req.Target); err != nil {
		return UnrollResult{}, err
	}
	if req.Start > req.Target {
		return UnrollResult{}, fmt.Errorf("%w: unroll start %d is past target %d", ErrIndexOutOfRange, req.Start, req.Target)
	}
	if req.Delta <= 0 {
		return UnrollResult{}, fmt.Errorf("unroll delta must be positive, got %d", req.Delta)
	}

	guided := req.CFG > 1
	if !req.Prompts.Cond.valid() || (guided && !req.Prompts.Uncond.valid()) {
		return UnrollResult{}, fmt.Errorf("%w: inversion prompts", ErrMissingPrompt)
	}

	start := req.Latents
	if !req.Noisy {
		var err error
		if start, err = g.adapter.AddNoise(req.Latents, req.Noise, req.Start); err != nil {
			return UnrollResult{}, err
		}
	}

	b := start.Dim(0)
	cur, x := req.Start, start
	var records []Record
	for i := range max(req.Steps, 1) {
		scaled, err := g.adapter.ScaleModelInput(x, cur)
		if err != nil {
			return UnrollResult{}, err
		}

		t := g.timesteps[cur]
		var out *tensor.Tensor
		if guided {
			raw, err := g.predict(ctx, PredictRequest{
				Latents:  tensor.Concat(0, scaled, scaled),
				Timestep: t,
				Hidden:   batchOf(b, req.Prompts.Uncond.Hidden, req.Prompts.Cond.Hidden),
				Pooled:   batchOf(b, req.Prompts.Uncond.Pooled, req.Prompts.Cond.Pooled),
				TimeIDs:  g.timeIDRows(2 * b),
			})
			if err != nil {
				return UnrollResult{}, err
			}

			halves := tensor.Chunk(raw, 2)
			uncond, cond := halves[0], halves[1]
			out = tensor.AddScaled(cond, float32(req.CFG), tensor.Sub(uncond, cond))
			raw.Free()
		} else {
			out, err = g.predict(ctx, PredictRequest{
				Latents:  scaled,
				Timestep: t,
				Hidden:   batchOf(b, req.Prompts.Cond.Hidden),
				Pooled:   batchOf(b, req.Prompts.Cond.Pooled),
				TimeIDs:  g.timeIDRows(b),
			})
			if err != nil {
				return UnrollResult{}, err
			}
		}
		if scaled != x {
			scaled.Free()
		}

		records = append(records, Record{Index: cur, Noise: out})

		next := min(cur+req.Delta, req.Target)
		step, err := g.adapter.ReverseStep(out, cur, next, x, req.Eta, g.gen)
		if err != nil {
			return UnrollResult{}, err
		}
		logutil.Trace("unroll step", "iter", i, "from", cur, "to", next, "timestep", t)

		x, cur = step.Prev, next
		if cur == req.Target {
			break
		}
	}

	slices.Reverse(records)
	return UnrollResult{Start: start, Latents: x, Records: records}, nil
}

// batchOf repeats each single-sample embedding b times and stacks them in
// order: [e0 x b, e1 x b, ...].
func batchOf(b int, es ...*tensor.Tensor) *tensor.Tensor {
	parts := make([]*tensor.Tensor, len(es))
	for i, e := range es {
		parts[i] = tensor.Repeat(e, b)
	}
	return tensor.Concat(0, parts...)
}

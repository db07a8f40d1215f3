package guidance

import (
	"context"
	"errors"
	"fmt"

	"github.com/ollama/ism/autodiff"
	"github.com/ollama/ism/schedule"
	"github.com/ollama/ism/tensor"
)

var (
	ErrShapeMismatch   = errors.New("shape mismatch")
	ErrIndexOutOfRange = schedule.ErrIndexOutOfRange
	ErrMissingPrompt   = errors.New("missing prompt embedding")
)

// Embedding is the conditioning produced by the text encoders for one prompt:
// a sequence embedding [1, S, D] and a pooled embedding [1, P].
type Embedding struct {
	Hidden *tensor.Tensor
	Pooled *tensor.Tensor
}

func (e Embedding) valid() bool {
	return e.Hidden != nil && e.Pooled != nil && e.Hidden.Dim(0) == 1 && e.Pooled.Dim(0) == 1
}

// Prompts conditions the main noise prediction. Conds holds K conditional
// prompts; Weights holds K*B weights grouped by prompt, used only by the
// perpendicular variant.
type Prompts struct {
	Uncond  Embedding
	Conds   []Embedding
	Weights []float32
}

// InversionPrompts conditions the interval unroll. Guided unrolls use both,
// unguided unrolls only Cond.
type InversionPrompts struct {
	Uncond Embedding
	Cond   Embedding
}

// PredictRequest is one batched call to the noise predictor. Every tensor
// shares the batch size N of Latents.
type PredictRequest struct {
	Latents  *tensor.Tensor // [N, 4, h, w], already scaled for the scheduler
	Timestep int
	Hidden   *tensor.Tensor // [N, S, D]
	Pooled   *tensor.Tensor // [N, P]
	TimeIDs  *tensor.Tensor // [N, 6]
}

// NoisePredictor predicts the noise in a batch of latents, like a U-Net.
type NoisePredictor interface {
	PredictNoise(ctx context.Context, req PredictRequest) (*tensor.Tensor, error)
}

// TextEncoder turns a prompt into its conditioning.
type TextEncoder interface {
	EncodePrompt(ctx context.Context, prompt string) (Embedding, error)
}

// Aggregator combines K*B per-prompt deltas, grouped by prompt, into one
// delta per sample.
type Aggregator interface {
	Aggregate(deltas *tensor.Tensor, weights []float32, batch int) (*tensor.Tensor, error)
}

// Visualizer receives diagnostics on visualization iterations.
type Visualizer interface {
	Visualize(ctx context.Context, d Diagnostics) error
}

// Diagnostics is everything needed to draw the per-iteration strip.
type Diagnostics struct {
	Iteration int
	PrevT     int

	RGB   *tensor.Tensor // [B, 3, H, W]
	Depth *tensor.Tensor // [B, 1, H, W]
	Alpha *tensor.Tensor // [B, 1, H, W]

	Latents      *tensor.Tensor // [B, 4, h, w]
	PredX0Uncond *tensor.Tensor // latent x0 estimate from the unconditional prediction
	Grad         *tensor.Tensor // [B, 4, h, w]

	DecodedUncond *tensor.Tensor // [B, 3, H, W]
	DecodedGuided *tensor.Tensor // [B, 3, H, W]
}

// Input is what a renderer hands to one guidance step.
type Input struct {
	// RGB is required. Depth and Alpha default to zeros when nil.
	RGB, Depth, Alpha *autodiff.Node

	Prompts   Prompts
	Inversion InversionPrompts

	// GradScale is the external loss weight. Zero means 1.
	GradScale float64

	Iteration  int
	WarmupRate float64

	// AsLatent encodes the depth map repeated to three channels instead of RGB.
	AsLatent bool
}

// Result carries the loss and the intermediate values of one guidance step.
type Result struct {
	// Loss is the scalar marker to backpropagate. Its backward pass deposits
	// Grad into Latents.
	Loss    *autodiff.Node
	Latents *autodiff.Node
	Grad    *tensor.Tensor
	KL      *tensor.Tensor

	Mode    Mode
	Flipped bool
	Noise   *tensor.Tensor

	IndT, IndPrevT, IndMuT int
	DeltaT                 int
	T, PrevT               int
	AlphaT                 float64

	NoisyLatents     *tensor.Tensor
	PrevNoisyLatents *tensor.Tensor

	// Target is the xt-derived target. TargetMu2t is the one the gradient
	// regresses onto.
	Target     *tensor.Tensor
	TargetMu2t *tensor.Tensor

	// NonFinite counts gradient entries replaced by zero.
	NonFinite int
}

func checkImage(name string, n *autodiff.Node, channels int) error {
	if n == nil {
		return fmt.Errorf("%w: %s is required", ErrShapeMismatch, name)
	}
	v := n.Value()
	if v.NDim() != 4 || v.Dim(1) != channels {
		return fmt.Errorf("%w: %s must be [B, %d, H, W], got %v", ErrShapeMismatch, name, channels, v.Shape())
	}
	return nil
}

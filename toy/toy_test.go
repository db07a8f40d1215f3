package toy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/ism/autodiff"
	"github.com/ollama/ism/guidance"
	"github.com/ollama/ism/sampler"
	"github.com/ollama/ism/schedule"
	"github.com/ollama/ism/tensor"
	"github.com/ollama/ism/vae"
)

func TestColorOf(t *testing.T) {
	cases := map[string][3]float32{
		"":                    Neutral,
		"a photo of a tree":   Neutral,
		"RED":                 {1, 0, 0},
		"red, blue and green": {1.0 / 3, 1.0 / 3, 1.0 / 3},
		"black-white":         {0.5, 0.5, 0.5},
	}
	for prompt, want := range cases {
		t.Run(prompt, func(t *testing.T) {
			got := ColorOf(prompt)
			assert.InDeltaSlice(t, want[:], got[:], 1e-6)
		})
	}
}

func TestColorEncoder(t *testing.T) {
	e, err := ColorEncoder{}.EncodePrompt(context.Background(), "a yellow cube")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3}, e.Hidden.Shape())
	assert.Equal(t, []int{1, 3}, e.Pooled.Shape())
	assert.Equal(t, []float32{1, 1, 0}, e.Hidden.Data())
}

func newPredictor(t *testing.T) (*TargetPredictor, *schedule.Adapter) {
	t.Helper()
	s, err := schedule.New(schedule.DefaultConfig(), 0)
	require.NoError(t, err)
	adapter := schedule.NewAdapter(s)
	return &TargetPredictor{
		Codec:   vae.NewCodec(vae.NewPatchAutoencoder(), vae.SDXLScalingFactor),
		AlphaAt: adapter.AlphaAt,
	}, adapter
}

func TestTargetPredictorRecoversNoise(t *testing.T) {
	p, adapter := newPredictor(t)
	ctx := context.Background()

	img := tensor.Full(0, 1, 3, 16, 16)
	for i := range 256 {
		img.Data()[i] = 1 // red plane
	}
	x0, _, err := p.Codec.Encode(ctx, img)
	require.NoError(t, err)

	noise := sampler.Noise(sampler.NewGenerator(1), 1, 4, 2, 2)
	const ind = 500
	noisy, err := adapter.AddNoise(x0, noise, ind)
	require.NoError(t, err)
	ts, err := adapter.Timestep(ind)
	require.NoError(t, err)

	red, err := ColorEncoder{}.EncodePrompt(ctx, "red")
	require.NoError(t, err)
	got, err := p.PredictNoise(ctx, guidance.PredictRequest{
		Latents:  noisy,
		Timestep: ts,
		Hidden:   red.Hidden,
		Pooled:   red.Pooled,
		TimeIDs:  tensor.Zeros(1, 6),
	})
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(noise, got, 1e-4))
}

func TestSGDStep(t *testing.T) {
	p := autodiff.Parameter(tensor.New([]float32{0.5, 0.95, 0.05}, 3))
	require.NoError(t, autodiff.Backward(autodiff.SpecifyGradient(p, tensor.New([]float32{1, -1, 1}, 3)), nil))

	SGD{LR: 0.1, Min: 0, Max: 1}.Step(p)
	assert.InDeltaSlice(t, []float32{0.4, 1, 0}, p.Value().Data(), 1e-6)
	assert.Nil(t, p.Grad())
}

func optimize(t *testing.T, opts guidance.Options, iterations int) *Canvas {
	t.Helper()
	ctx := context.Background()
	predictor, adapter := newPredictor(t)

	g, err := guidance.New(opts, adapter, predictor, predictor.Codec)
	require.NoError(t, err)

	enc := ColorEncoder{}
	uncond, _ := enc.EncodePrompt(ctx, "")
	cond, _ := enc.EncodePrompt(ctx, "red")

	canvas := NewCanvas(opts.Resolution[0], opts.Resolution[1], Neutral)
	sgd := SGD{LR: 10, Min: 0, Max: 1}
	for it := range iterations {
		rgb, depth, alpha := canvas.Render()
		res, err := g.Step(ctx, guidance.Input{
			RGB: rgb, Depth: depth, Alpha: alpha,
			Prompts:    guidance.Prompts{Uncond: uncond, Conds: []guidance.Embedding{cond}},
			Inversion:  guidance.InversionPrompts{Uncond: uncond, Cond: uncond},
			GradScale:  1,
			Iteration:  it,
			WarmupRate: float64(it) / float64(iterations),
		})
		require.NoError(t, err)
		require.Zero(t, res.NonFinite)
		require.NoError(t, autodiff.Backward(res.Loss, nil))
		sgd.Step(canvas.Pixels)
	}
	return canvas
}

func TestOptimizeTowardPrompt(t *testing.T) {
	for _, sds := range []bool{true, false} {
		t.Run(map[bool]string{true: "sds", false: "ism"}[sds], func(t *testing.T) {
			opts := guidance.DefaultOptions()
			opts.SDS = sds
			opts.Resolution = [2]int{16, 16}
			opts.VisInterval = 0

			got := optimize(t, opts, 20).MeanColor()
			assert.Greater(t, got[0], float32(0.6), "red %v", got)
			assert.Less(t, got[2], float32(0.4), "blue %v", got)
		})
	}
}

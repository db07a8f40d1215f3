package guidance

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/ism/sampler"
	"github.com/ollama/ism/tensor"
)

func unrollLatents() (*tensor.Tensor, *tensor.Tensor) {
	gen := sampler.NewGenerator(3)
	return gen.NormalTensor(1, 4, 2, 2), sampler.Noise(gen, 1, 4, 2, 2)
}

func TestUnrollSameIndex(t *testing.T) {
	p := &fillPredictor{Scale: 0.1}
	g := newTestGuidance(t, testOptions(), p)
	x, noise := unrollLatents()

	res, err := g.Unroll(context.Background(), UnrollRequest{
		Latents: x, Noise: noise,
		Start: 300, Target: 300,
		Prompts: InversionPrompts{Cond: embedding(0)},
		CFG:     1, Delta: 50, Steps: 1,
		Noisy: true,
	})
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	assert.Equal(t, 300, res.Records[0].Index)
	assert.True(t, tensor.Equal(x, res.Latents))
	require.Len(t, p.calls, 1)

	// time ids come from the configured resolution even before the first step
	assert.Equal(t, []float32{16, 16, 0, 0, 16, 16}, p.calls[0].TimeIDs.Data())
}

func TestUnrollRecordOrder(t *testing.T) {
	g := newTestGuidance(t, testOptions(), &fillPredictor{Scale: 0.1})
	x, noise := unrollLatents()

	res, err := g.Unroll(context.Background(), UnrollRequest{
		Latents: x, Noise: noise,
		Start: 0, Target: 600,
		Prompts: InversionPrompts{Cond: embedding(0)},
		CFG:     1, Delta: 200, Steps: 5,
	})
	require.NoError(t, err)

	var indices []int
	for _, r := range res.Records {
		indices = append(indices, r.Index)
	}
	if diff := cmp.Diff([]int{400, 200, 0}, indices); diff != "" {
		t.Errorf("record order mismatch (-want +got):\n%s", diff)
	}

	start, err := g.Adapter().AddNoise(x, noise, 0)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(start, res.Start))
}

func TestUnrollStepLimit(t *testing.T) {
	g := newTestGuidance(t, testOptions(), &fillPredictor{Scale: 0.1})
	x, noise := unrollLatents()

	res, err := g.Unroll(context.Background(), UnrollRequest{
		Latents: x, Noise: noise,
		Start: 100, Target: 900,
		Prompts: InversionPrompts{Cond: embedding(0)},
		CFG:     1, Delta: 100, Steps: 2,
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, 200, res.Records[0].Index)
}

func TestUnrollGuided(t *testing.T) {
	p := &fillPredictor{}
	g := newTestGuidance(t, testOptions(), p)
	x, noise := unrollLatents()

	res, err := g.Unroll(context.Background(), UnrollRequest{
		Latents: x, Noise: noise,
		Start: 10, Target: 20,
		Prompts: InversionPrompts{Uncond: embedding(1), Cond: embedding(2)},
		CFG:     3, Delta: 10, Steps: 1,
		Noisy: true,
	})
	require.NoError(t, err)

	require.Len(t, p.calls, 1)
	assert.Equal(t, []int{2, 4, 2, 2}, p.calls[0].Latents.Shape())
	assert.Equal(t, float32(1), p.calls[0].Hidden.At(0, 0, 0))
	assert.Equal(t, float32(2), p.calls[0].Hidden.At(1, 0, 0))

	// 2 + 3 * (1 - 2)
	for _, v := range res.Records[0].Noise.Data() {
		assert.Equal(t, float32(-1), v)
	}
}

func TestUnrollErrors(t *testing.T) {
	g := newTestGuidance(t, testOptions(), &fillPredictor{})
	x, noise := unrollLatents()
	base := UnrollRequest{
		Latents: x, Noise: noise,
		Start: 10, Target: 20,
		Prompts: InversionPrompts{Cond: embedding(0)},
		CFG:     1, Delta: 10, Steps: 1,
	}

	req := base
	req.Target = 1000
	_, err := g.Unroll(context.Background(), req)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	req = base
	req.Start = 30
	_, err = g.Unroll(context.Background(), req)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	req = base
	req.CFG = 2
	_, err = g.Unroll(context.Background(), req)
	assert.ErrorIs(t, err, ErrMissingPrompt)

	req = base
	req.Delta = 0
	_, err = g.Unroll(context.Background(), req)
	assert.ErrorContains(t, err, "delta")
}

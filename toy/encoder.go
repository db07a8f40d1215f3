// Package toy provides small, analytic collaborators for the guidance engine:
// a color-word text encoder, a noise predictor that knows the clean latent of
// each prompt, and a pixel canvas with plain gradient descent.
package toy

import (
	"context"
	"strings"

	"github.com/ollama/ism/guidance"
	"github.com/ollama/ism/tensor"
)

// Colors maps the words ColorEncoder understands to RGB in [0, 1].
var Colors = map[string][3]float32{
	"red":    {1, 0, 0},
	"green":  {0, 1, 0},
	"blue":   {0, 0, 1},
	"yellow": {1, 1, 0},
	"cyan":   {0, 1, 1},
	"purple": {0.5, 0, 0.5},
	"orange": {1, 0.5, 0},
	"white":  {1, 1, 1},
	"black":  {0, 0, 0},
	"gray":   {0.5, 0.5, 0.5},
}

// Neutral is the color of prompts without color words.
var Neutral = [3]float32{0.5, 0.5, 0.5}

// ColorEncoder embeds a prompt as the mean of its color words. The hidden
// state is [1, 1, 3] and the pooled state [1, 3].
type ColorEncoder struct{}

func (ColorEncoder) EncodePrompt(_ context.Context, prompt string) (guidance.Embedding, error) {
	rgb := ColorOf(prompt)
	return guidance.Embedding{
		Hidden: tensor.New(rgb[:], 1, 1, 3),
		Pooled: tensor.New([]float32{rgb[0], rgb[1], rgb[2]}, 1, 3),
	}, nil
}

// ColorOf averages the colors named in prompt.
func ColorOf(prompt string) [3]float32 {
	var sum [3]float32
	var n int
	for _, word := range strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !('a' <= r && r <= 'z')
	}) {
		c, ok := Colors[word]
		if !ok {
			continue
		}
		for i := range sum {
			sum[i] += c[i]
		}
		n++
	}

	if n == 0 {
		return Neutral
	}
	for i := range sum {
		sum[i] /= float32(n)
	}
	return sum
}

package toy

import (
	"github.com/ollama/ism/autodiff"
	"github.com/ollama/ism/tensor"
)

// Canvas is a renderer whose scene is the image itself: one parameter per
// pixel and channel, with a flat depth map and an opaque alpha.
type Canvas struct {
	Pixels *autodiff.Node
	depth  *tensor.Tensor
	alpha  *tensor.Tensor
}

// NewCanvas returns a [1, 3, h, w] canvas filled with rgb.
func NewCanvas(h, w int, rgb [3]float32) *Canvas {
	pixels := tensor.Zeros(1, 3, h, w)
	for c := range 3 {
		plane := pixels.Data()[c*h*w : (c+1)*h*w]
		for i := range plane {
			plane[i] = rgb[c]
		}
	}
	return &Canvas{
		Pixels: autodiff.Parameter(pixels),
		depth:  tensor.Full(0.5, 1, 1, h, w),
		alpha:  tensor.Ones(1, 1, h, w),
	}
}

// Render returns the rgb, depth and alpha nodes of the current canvas.
func (c *Canvas) Render() (rgb, depth, alpha *autodiff.Node) {
	return c.Pixels, autodiff.Constant(c.depth), autodiff.Constant(c.alpha)
}

// MeanColor is the average color of the canvas.
func (c *Canvas) MeanColor() [3]float32 {
	v := c.Pixels.Value()
	hw := v.Size() / 3
	var out [3]float32
	for ch := range 3 {
		var sum float64
		for _, x := range v.Data()[ch*hw : (ch+1)*hw] {
			sum += float64(x)
		}
		out[ch] = float32(sum / float64(hw))
	}
	return out
}

// SGD is plain gradient descent with values clipped to [Min, Max].
type SGD struct {
	LR       float32
	Min, Max float32
}

// Step applies and clears the accumulated gradients of params.
func (o SGD) Step(params ...*autodiff.Node) {
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		data := p.Value().Data()
		for i, v := range g.Data() {
			data[i] = min(max(data[i]-o.LR*v, o.Min), o.Max)
		}
		p.ZeroGrad()
	}
}

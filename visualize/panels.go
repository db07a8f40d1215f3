package visualize

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/ollama/ism/tensor"
)

// Saturation returns (max - min) / max over the channels of rgb [B, 3, H, W],
// attenuated by 1 - alpha. The result is [B, 1, H, W].
func Saturation(rgb, alpha *tensor.Tensor) *tensor.Tensor {
	b, c, h, w := rgb.Dim(0), rgb.Dim(1), rgb.Dim(2), rgb.Dim(3)
	hw := h * w

	out := tensor.Zeros(b, 1, h, w)
	src, dst := rgb.Data(), out.Data()
	for n := range b {
		for i := range hw {
			lo, hi := src[n*c*hw+i], src[n*c*hw+i]
			for ch := 1; ch < c; ch++ {
				v := src[(n*c+ch)*hw+i]
				lo, hi = min(lo, v), max(hi, v)
			}
			hi += 1e-5
			sat := (hi - lo) / hi
			if alpha != nil {
				sat *= 1 - alpha.Data()[n*hw+i]
			}
			dst[n*hw+i] = sat
		}
	}
	return out
}

// GradientMap normalizes |grad| by its maximum and averages the channels,
// giving [B, 1, h, w] in [0, 1].
func GradientMap(grad *tensor.Tensor) *tensor.Tensor {
	abs := tensor.Abs(grad)
	if m := tensor.Max(abs); m > 0 {
		abs = tensor.MulScalar(abs, 1/m)
	}
	return tensor.MeanChannels(abs)
}

// Resize scales t [B, C, h, w] to [B, 3, H, W] with bilinear filtering. One
// channel inputs are repeated to three.
func Resize(t *tensor.Tensor, height, width int) (*tensor.Tensor, error) {
	if t.NDim() != 4 {
		return nil, fmt.Errorf("expected [B, C, H, W], got %v", t.Shape())
	}
	switch t.Dim(1) {
	case 1:
		t = tensor.RepeatChannels(t, 3)
	case 3:
	default:
		return nil, fmt.Errorf("expected 1 or 3 channels, got %d", t.Dim(1))
	}
	if t.Dim(2) == height && t.Dim(3) == width {
		return t, nil
	}

	b := t.Dim(0)
	out := tensor.Zeros(b, 3, height, width)
	for n := range b {
		src := toRGBA64(tensor.Slice0(t, n, n+1))
		dst := image.NewRGBA64(image.Rect(0, 0, width, height))
		draw.BiLinear.Scale(dst, dst.Rect, src, src.Bounds(), draw.Src, nil)
		fromRGBA64(dst, out.Data()[n*3*height*width:(n+1)*3*height*width])
	}
	return out, nil
}

func toRGBA64(t *tensor.Tensor) *image.RGBA64 {
	h, w := t.Dim(2), t.Dim(3)
	data := t.Data()
	img := image.NewRGBA64(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			i := y*w + x
			img.SetRGBA64(x, y, color.RGBA64{
				R: unit16(data[i]),
				G: unit16(data[h*w+i]),
				B: unit16(data[2*h*w+i]),
				A: 0xffff,
			})
		}
	}
	return img
}

func fromRGBA64(img *image.RGBA64, dst []float32) {
	h, w := img.Rect.Dy(), img.Rect.Dx()
	for y := range h {
		for x := range w {
			c := img.RGBA64At(x, y)
			i := y*w + x
			dst[i] = float32(c.R) / 0xffff
			dst[h*w+i] = float32(c.G) / 0xffff
			dst[2*h*w+i] = float32(c.B) / 0xffff
		}
	}
}

func unit16(v float32) uint16 {
	return uint16(clampF(v, 0, 1)*0xffff + 0.5)
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package tensor

import (
	"fmt"
	"math"
	"slices"

	"gorgonia.org/vecf32"
)

// Add returns a + b.
func Add(a, b *Tensor) *Tensor {
	mustSameShape("add", a, b)
	out := a.Clone()
	vecf32.Add(out.data, b.data)
	return out
}

// Sub returns a - b.
func Sub(a, b *Tensor) *Tensor {
	mustSameShape("sub", a, b)
	out := a.Clone()
	vecf32.Sub(out.data, b.data)
	return out
}

// Mul returns the elementwise product of a and b.
func Mul(a, b *Tensor) *Tensor {
	mustSameShape("mul", a, b)
	out := a.Clone()
	vecf32.Mul(out.data, b.data)
	return out
}

// MulScalar returns s * a.
func MulScalar(a *Tensor, s float32) *Tensor {
	out := a.Clone()
	vecf32.Scale(out.data, s)
	return out
}

// AddScalar returns a + s.
func AddScalar(a *Tensor, s float32) *Tensor {
	out := a.Clone()
	vecf32.Trans(out.data, s)
	return out
}

// AddScaled returns a + s*b.
func AddScaled(a *Tensor, s float32, b *Tensor) *Tensor {
	mustSameShape("add scaled", a, b)
	scaled := MulScalar(b, s)
	vecf32.Add(scaled.data, a.data)
	return scaled
}

// Combine returns x*a + y*b, the linear combination used by every sampler update.
func Combine(x float32, a *Tensor, y float32, b *Tensor) *Tensor {
	mustSameShape("combine", a, b)
	out := MulScalar(a, x)
	vecf32.Add(out.data, MulScalar(b, y).data)
	return out
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *Tensor) {
	mustSameShape("add", a, b)
	vecf32.Add(a.data, b.data)
}

// Concat joins tensors along axis. All other dimensions must agree.
func Concat(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: concat of nothing")
	}
	if len(ts) == 1 {
		return ts[0].Clone()
	}

	base := ts[0].shape
	if axis < 0 {
		axis += len(base)
	}

	shape := slices.Clone(base)
	shape[axis] = 0
	for _, t := range ts {
		if len(t.shape) != len(base) {
			panic(fmt.Sprintf("tensor: concat rank mismatch %v vs %v", base, t.shape))
		}
		for i := range base {
			if i != axis && t.shape[i] != base[i] {
				panic(fmt.Sprintf("tensor: concat shape mismatch %v vs %v on axis %d", base, t.shape, axis))
			}
		}
		shape[axis] += t.shape[axis]
	}

	outer := numel(base[:axis])
	inner := numel(base[axis+1:])

	out := Zeros(shape...)
	off := 0
	for o := range outer {
		for _, t := range ts {
			n := t.shape[axis] * inner
			copy(out.data[off:off+n], t.data[o*n:(o+1)*n])
			off += n
		}
	}
	return out
}

// Split cuts t along axis into pieces of the given sizes.
func Split(t *Tensor, axis int, sizes ...int) []*Tensor {
	if axis < 0 {
		axis += len(t.shape)
	}

	total := 0
	for _, s := range sizes {
		total += s
	}
	if total != t.shape[axis] {
		panic(fmt.Sprintf("tensor: split sizes %v do not cover axis %d of %v", sizes, axis, t.shape))
	}

	outer := numel(t.shape[:axis])
	inner := numel(t.shape[axis+1:])
	stride := t.shape[axis] * inner

	parts := make([]*Tensor, len(sizes))
	start := 0
	for i, s := range sizes {
		shape := slices.Clone(t.shape)
		shape[axis] = s
		part := Zeros(shape...)
		n := s * inner
		for o := range outer {
			copy(part.data[o*n:(o+1)*n], t.data[o*stride+start*inner:o*stride+start*inner+n])
		}
		parts[i] = part
		start += s
	}
	return parts
}

// Chunk splits t into n equal parts along axis 0.
func Chunk(t *Tensor, n int) []*Tensor {
	if n <= 0 || t.shape[0]%n != 0 {
		panic(fmt.Sprintf("tensor: cannot chunk %v into %d parts", t.shape, n))
	}
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = t.shape[0] / n
	}
	return Split(t, 0, sizes...)
}

// Slice0 copies rows [start, end) of axis 0.
func Slice0(t *Tensor, start, end int) *Tensor {
	if start < 0 || end > t.shape[0] || start > end {
		panic(fmt.Sprintf("tensor: slice [%d:%d] out of range for %v", start, end, t.shape))
	}
	inner := numel(t.shape[1:])
	shape := slices.Clone(t.shape)
	shape[0] = end - start
	return New(slices.Clone(t.data[start*inner:end*inner]), shape...)
}

// Repeat tiles t n times along axis 0, like torch's repeat(n, 1, ...).
func Repeat(t *Tensor, n int) *Tensor {
	ts := make([]*Tensor, n)
	for i := range ts {
		ts[i] = t
	}
	return Concat(0, ts...)
}

// RepeatChannels tiles t n times along axis 1.
func RepeatChannels(t *Tensor, n int) *Tensor {
	ts := make([]*Tensor, n)
	for i := range ts {
		ts[i] = t
	}
	return Concat(1, ts...)
}

// SumRepeatedChannels folds a tensor produced by RepeatChannels(x, n) back
// onto x's shape by summing the n copies.
func SumRepeatedChannels(t *Tensor, n int) *Tensor {
	if t.shape[1]%n != 0 {
		panic(fmt.Sprintf("tensor: %d channels are not a multiple of %d", t.shape[1], n))
	}
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = t.shape[1] / n
	}
	parts := Split(t, 1, sizes...)
	out := parts[0]
	for _, p := range parts[1:] {
		AddInPlace(out, p)
	}
	return out
}

// FlipW mirrors t along its last axis.
func FlipW(t *Tensor) *Tensor {
	w := t.shape[len(t.shape)-1]
	out := t.Clone()
	for row := 0; row < len(out.data); row += w {
		slices.Reverse(out.data[row : row+w])
	}
	return out
}

// Clip clamps every element into [lo, hi].
func Clip(t *Tensor, lo, hi float32) *Tensor {
	out := t.Clone()
	for i, v := range out.data {
		out.data[i] = min(max(v, lo), hi)
	}
	return out
}

func Abs(t *Tensor) *Tensor {
	out := t.Clone()
	for i, v := range out.data {
		if v < 0 {
			out.data[i] = -v
		}
	}
	return out
}

// Max returns the largest element, or -Inf for an empty tensor.
func Max(t *Tensor) float32 {
	m := float32(math.Inf(-1))
	for _, v := range t.data {
		m = max(m, v)
	}
	return m
}

// Sum accumulates every element in float64.
func Sum(t *Tensor) float64 {
	var s float64
	for _, v := range t.data {
		s += float64(v)
	}
	return s
}

// MeanChannels averages an NCHW tensor over its channels, keeping the axis.
func MeanChannels(t *Tensor) *Tensor {
	b, c := t.shape[0], t.shape[1]
	hw := numel(t.shape[2:])
	shape := slices.Clone(t.shape)
	shape[1] = 1
	out := Zeros(shape...)
	for n := range b {
		dst := out.data[n*hw : (n+1)*hw]
		for ch := range c {
			vecf32.Add(dst, t.data[(n*c+ch)*hw:(n*c+ch+1)*hw])
		}
		vecf32.Scale(dst, 1/float32(c))
	}
	return out
}

// NanToNum returns a copy of t with NaN and ±Inf replaced by zero, and the
// number of replaced elements.
func NanToNum(t *Tensor) (*Tensor, int) {
	out := t.Clone()
	var n int
	for i, v := range out.data {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			out.data[i] = 0
			n++
		}
	}
	return out, n
}

// AllFinite reports whether t holds no NaN or Inf.
func AllFinite(t *Tensor) bool {
	for _, v := range t.data {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Equal reports exact elementwise equality.
func Equal(a, b *Tensor) bool {
	return SameShape(a, b) && slices.Equal(a.data, b.data)
}

// AllClose reports whether every pair of elements differs by at most tol.
func AllClose(a, b *Tensor, tol float64) bool {
	if !SameShape(a, b) {
		return false
	}
	for i := range a.data {
		if math.Abs(float64(a.data[i])-float64(b.data[i])) > tol {
			return false
		}
	}
	return true
}

package runner

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/ollama/ism/guidance"
	"github.com/ollama/ism/tensor"
)

const contentType = "application/cbor"

// Precision selects how tensor values travel on the wire.
type Precision string

const (
	PrecisionFloat32  Precision = "f32"
	PrecisionFloat16  Precision = "f16"
	PrecisionBFloat16 Precision = "bf16"
)

func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(s); p {
	case "", PrecisionFloat32:
		return PrecisionFloat32, nil
	case PrecisionFloat16, PrecisionBFloat16:
		return p, nil
	default:
		return "", fmt.Errorf("unknown precision %q, want f32, f16 or bf16", s)
	}
}

// Tensor is the wire form of a tensor. Exactly one of Data, Half and BF16 is
// set. Half carries IEEE 754 half precision bits and BF16 little endian
// bfloat16 bytes.
type Tensor struct {
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data,omitempty"`
	Half  []uint16  `cbor:"half,omitempty"`
	BF16  []byte    `cbor:"bf16,omitempty"`
}

// PredictRequest is the wire form of guidance.PredictRequest. The response
// uses the request's precision.
type PredictRequest struct {
	Latents   Tensor    `cbor:"latents"`
	Timestep  int       `cbor:"timestep"`
	Hidden    Tensor    `cbor:"hidden"`
	Pooled    Tensor    `cbor:"pooled"`
	TimeIDs   Tensor    `cbor:"time_ids"`
	Precision Precision `cbor:"precision,omitempty"`
}

// PredictResponse carries the predicted noise.
type PredictResponse struct {
	Noise Tensor `cbor:"noise"`
}

// ErrorResponse is returned as JSON with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

func fromTensor(t *tensor.Tensor, p Precision) Tensor {
	if t == nil {
		return Tensor{}
	}

	w := Tensor{Shape: t.Shape()}
	switch p {
	case PrecisionFloat16:
		w.Half = make([]uint16, t.Size())
		for i, v := range t.Data() {
			w.Half[i] = float16.Fromfloat32(v).Bits()
		}
	case PrecisionBFloat16:
		w.BF16 = bfloat16.EncodeFloat32(t.Data())
	default:
		w.Data = t.Data()
	}
	return w
}

func (w Tensor) tensor() (*tensor.Tensor, error) {
	if len(w.Shape) == 0 {
		return nil, fmt.Errorf("tensor without shape")
	}

	n := 1
	for _, d := range w.Shape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid shape %v", w.Shape)
		}
		n *= d
	}

	var data []float32
	switch {
	case len(w.Half) > 0:
		data = make([]float32, len(w.Half))
		for i, bits := range w.Half {
			data[i] = float16.Frombits(bits).Float32()
		}
	case len(w.BF16) > 0:
		if len(w.BF16)%2 != 0 {
			return nil, fmt.Errorf("odd bfloat16 payload of %d bytes", len(w.BF16))
		}
		data = bfloat16.DecodeFloat32(w.BF16)
	default:
		data = w.Data
	}

	if len(data) != n {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", w.Shape, n, len(data))
	}
	return tensor.New(data, w.Shape...), nil
}

func fromRequest(req guidance.PredictRequest, p Precision) PredictRequest {
	return PredictRequest{
		Latents:   fromTensor(req.Latents, p),
		Timestep:  req.Timestep,
		Hidden:    fromTensor(req.Hidden, p),
		Pooled:    fromTensor(req.Pooled, p),
		TimeIDs:   fromTensor(req.TimeIDs, p),
		Precision: p,
	}
}

func (r PredictRequest) request() (guidance.PredictRequest, error) {
	var out guidance.PredictRequest
	var err error
	for _, f := range []struct {
		name string
		src  Tensor
		dst  **tensor.Tensor
	}{
		{"latents", r.Latents, &out.Latents},
		{"hidden", r.Hidden, &out.Hidden},
		{"pooled", r.Pooled, &out.Pooled},
		{"time_ids", r.TimeIDs, &out.TimeIDs},
	} {
		if *f.dst, err = f.src.tensor(); err != nil {
			return guidance.PredictRequest{}, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	out.Timestep = r.Timestep

	n := out.Latents.Dim(0)
	for _, t := range []*tensor.Tensor{out.Hidden, out.Pooled, out.TimeIDs} {
		if t.Dim(0) != n {
			return guidance.PredictRequest{}, fmt.Errorf("%w: batch %v does not match latents %v", guidance.ErrShapeMismatch, t.Shape(), out.Latents.Shape())
		}
	}
	return out, nil
}

package autodiff

import (
	"fmt"

	"github.com/ollama/ism/tensor"
)

func init() {
	VJPRegistration[NodeTypeSpecifyGradient] = specifyGradientVJP
	VJPRegistration[NodeTypeMulScalar] = mulScalarVJP
	VJPRegistration[NodeTypeAdd] = addVJP
	VJPRegistration[NodeTypeFlipW] = flipWVJP
	VJPRegistration[NodeTypeRepeatChannels] = repeatChannelsVJP
	VJPRegistration[NodeTypeCustom] = customVJP
}

// SpecifyGradient returns a scalar marker whose backward pass hands grad to
// carrier, scaled by the marker's own incoming gradient. The forward value is
// always 1 so that loss scaling applied to the marker shows up as that scale
// in backward. grad itself is a constant.
func SpecifyGradient(carrier *Node, grad *tensor.Tensor) *Node {
	if !tensor.SameShape(carrier.value, grad) {
		panic(fmt.Sprintf("autodiff: gradient shape %v does not match carrier %v", grad.Shape(), carrier.value.Shape()))
	}
	return &Node{
		typ:    NodeTypeSpecifyGradient,
		value:  tensor.Ones(1),
		inputs: []*Node{carrier},
		params: grad,
	}
}

// specifyGradientVJP: d(carrier) = s * grad, where s is the upstream scalar.
func specifyGradientVJP(node *Node, v *tensor.Tensor) ([]*tensor.Tensor, error) {
	grad := node.params.(*tensor.Tensor)
	return []*tensor.Tensor{tensor.MulScalar(grad, v.Data()[0])}, nil
}

// MulScalar scales x by s.
func MulScalar(x *Node, s float32) *Node {
	return &Node{
		typ:    NodeTypeMulScalar,
		value:  tensor.MulScalar(x.value, s),
		inputs: []*Node{x},
		params: s,
	}
}

func mulScalarVJP(node *Node, v *tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{tensor.MulScalar(v, node.params.(float32))}, nil
}

// Add sums two nodes of the same shape.
func Add(a, b *Node) *Node {
	return &Node{
		typ:    NodeTypeAdd,
		value:  tensor.Add(a.value, b.value),
		inputs: []*Node{a, b},
	}
}

func addVJP(_ *Node, v *tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{v, v}, nil
}

// FlipW mirrors x along its last axis.
func FlipW(x *Node) *Node {
	return &Node{
		typ:    NodeTypeFlipW,
		value:  tensor.FlipW(x.value),
		inputs: []*Node{x},
	}
}

func flipWVJP(_ *Node, v *tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{tensor.FlipW(v)}, nil
}

// RepeatChannels tiles an NCHW node n times along the channel axis.
func RepeatChannels(x *Node, n int) *Node {
	return &Node{
		typ:    NodeTypeRepeatChannels,
		value:  tensor.RepeatChannels(x.value, n),
		inputs: []*Node{x},
		params: n,
	}
}

func repeatChannelsVJP(node *Node, v *tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{tensor.SumRepeatedChannels(v, node.params.(int))}, nil
}

// Custom records a collaborator-defined operation with its own VJP. vjp may be
// nil, in which case the node stops gradient flow to its inputs.
func Custom(name string, value *tensor.Tensor, vjp VJP, inputs ...*Node) *Node {
	return &Node{
		typ:    NodeTypeCustom,
		name:   name,
		value:  value,
		inputs: inputs,
		params: vjp,
	}
}

func customVJP(node *Node, v *tensor.Tensor) ([]*tensor.Tensor, error) {
	vjp, _ := node.params.(VJP)
	if vjp == nil {
		return make([]*tensor.Tensor, len(node.inputs)), nil
	}
	return vjp(node, v)
}

// Package autodiff is a small reverse-mode tape. It only carries the handful of
// operations that sit between a renderer's output and the guidance gradient;
// the guidance computation itself never runs through it. Gradients are injected
// with SpecifyGradient instead.
package autodiff

import (
	"fmt"

	"github.com/ollama/ism/tensor"
)

type NodeType int

const (
	NodeTypeParameter NodeType = iota
	NodeTypeConstant
	NodeTypeSpecifyGradient
	NodeTypeMulScalar
	NodeTypeAdd
	NodeTypeFlipW
	NodeTypeRepeatChannels
	NodeTypeCustom
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeParameter:
		return "parameter"
	case NodeTypeConstant:
		return "constant"
	case NodeTypeSpecifyGradient:
		return "specify_gradient"
	case NodeTypeMulScalar:
		return "mul_scalar"
	case NodeTypeAdd:
		return "add"
	case NodeTypeFlipW:
		return "flip_w"
	case NodeTypeRepeatChannels:
		return "repeat_channels"
	case NodeTypeCustom:
		return "custom"
	default:
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
}

// VJP maps the gradient v of node's output to one gradient per input. A nil
// entry means the input receives nothing. An error aborts Backward.
type VJP func(node *Node, v *tensor.Tensor) ([]*tensor.Tensor, error)

// VJPRegistration holds the vector-Jacobian product of every node type.
var VJPRegistration = map[NodeType]VJP{}

// Node is one value on the tape.
type Node struct {
	typ    NodeType
	name   string
	value  *tensor.Tensor
	inputs []*Node
	grad   *tensor.Tensor

	// params carries op-specific state saved during the forward pass.
	params any
}

func (n *Node) Type() NodeType        { return n.typ }
func (n *Node) Value() *tensor.Tensor { return n.value }
func (n *Node) Inputs() []*Node       { return n.inputs }

// Grad returns the gradient accumulated by Backward, or nil.
func (n *Node) Grad() *tensor.Tensor { return n.grad }

// ZeroGrad clears the accumulated gradient.
func (n *Node) ZeroGrad() { n.grad = nil }

func (n *Node) String() string {
	if n.name != "" {
		return fmt.Sprintf("%s(%s)%v", n.typ, n.name, n.value.Shape())
	}
	return fmt.Sprintf("%s%v", n.typ, n.value.Shape())
}

// Parameter creates a leaf that accumulates gradient.
func Parameter(t *tensor.Tensor) *Node {
	return &Node{typ: NodeTypeParameter, value: t}
}

// Constant creates a leaf that never receives gradient.
func Constant(t *tensor.Tensor) *Node {
	return &Node{typ: NodeTypeConstant, value: t}
}

// Backward propagates seed from root through the tape. A nil seed is a tensor
// of ones shaped like root's value.
func Backward(root *Node, seed *tensor.Tensor) error {
	if seed == nil {
		seed = tensor.Ones(root.value.Shape()...)
	}
	if !tensor.SameShape(seed, root.value) {
		return fmt.Errorf("autodiff: seed shape %v does not match root %v", seed.Shape(), root.value.Shape())
	}

	order := topological(root)
	accumulate(root, seed)
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.grad == nil || len(node.inputs) == 0 {
			continue
		}

		vjp, ok := VJPRegistration[node.typ]
		if !ok {
			return fmt.Errorf("autodiff: no VJP registered for %s", node.typ)
		}

		grads, err := vjp(node, node.grad)
		if err != nil {
			return fmt.Errorf("autodiff: backward through %s: %w", node, err)
		}
		if len(grads) != len(node.inputs) {
			return fmt.Errorf("autodiff: %s returned %d gradients for %d inputs", node, len(grads), len(node.inputs))
		}
		for j, g := range grads {
			in := node.inputs[j]
			if g == nil || in.typ == NodeTypeConstant {
				continue
			}
			if !tensor.SameShape(g, in.value) {
				return fmt.Errorf("autodiff: %s produced gradient %v for input %s", node, g.Shape(), in)
			}
			accumulate(in, g)
		}
	}
	return nil
}

func accumulate(n *Node, g *tensor.Tensor) {
	if n.grad == nil {
		n.grad = g.Clone()
		return
	}
	tensor.AddInPlace(n.grad, g)
}

// topological returns the nodes reachable from root, inputs before consumers.
func topological(root *Node) []*Node {
	var order []*Node
	seen := make(map[*Node]bool)
	var visit func(*Node)
	visit = func(n *Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, in := range n.inputs {
			visit(in)
		}
		order = append(order, n)
	}
	visit(root)
	return order
}

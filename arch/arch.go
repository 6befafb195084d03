// Package arch defines an explicit, immutable description of a feed-forward
// convolutional network: a list of named nodes addressable by name, with no
// hidden registries. It is the unit the model surgeon and the trainer operate
// on; the actual computation is delegated to the compute framework at bind
// time.
package arch

import (
	"fmt"
	"slices"
)

// Op is the operation type of a node.
type Op string

const (
	OpInput          Op = "input"
	OpConvolution    Op = "conv"
	OpBatchNorm      Op = "batchnorm"
	OpActivation     Op = "activation"
	OpPooling        Op = "pool"
	OpFlatten        Op = "flatten"
	OpFullyConnected Op = "fc"
	OpSoftmaxOutput  Op = "softmax"
)

// PoolKind selects the pooling flavor of an OpPooling node.
type PoolKind string

const (
	PoolMax       PoolKind = "max"
	PoolAvg       PoolKind = "avg"
	PoolGlobalAvg PoolKind = "global_avg"
)

// Activation functions an OpActivation node supports.
const (
	ActivationReLU    = "relu"
	ActivationTanh    = "tanh"
	ActivationSigmoid = "sigmoid"
)

// Node is a single named operation. Only the fields relevant to the node's Op
// are set; the rest stay at their zero value and are omitted when serialized.
// Image batches are laid out channels-last (NHWC).
type Node struct {
	Name   string   `json:"name"`
	Op     Op       `json:"op"`
	Inputs []string `json:"inputs,omitempty"`

	NumUnits    int      `json:"numUnits,omitempty"`    // fc
	NumFilters  int      `json:"numFilters,omitempty"`  // conv
	Kernel      int      `json:"kernel,omitempty"`      // conv, pool
	Stride      int      `json:"stride,omitempty"`      // conv, pool
	SamePadding bool     `json:"samePadding,omitempty"` // conv
	NoBias      bool     `json:"noBias,omitempty"`      // conv, fc
	Pool        PoolKind `json:"pool,omitempty"`        // pool
	Function    string   `json:"function,omitempty"`    // activation: relu, tanh, sigmoid
	Epsilon     float32  `json:"epsilon,omitempty"`     // batchnorm
}

// Architecture is a directed acyclic graph of named nodes, stored as a
// definition list in topological order. It is immutable once constructed:
// derived architectures are new values, never in-place mutations.
type Architecture struct {
	nodes []Node
	index map[string]int
}

// LayerNotFoundError is returned when a layer name does not resolve in the
// architecture, e.g. when the surgeon is given a cut point that does not
// exist. It indicates a configuration mismatch between model and code and is
// never retried.
type LayerNotFoundError struct {
	Layer string
}

func (e *LayerNotFoundError) Error() string {
	return fmt.Sprintf("layer %q not found in architecture", e.Layer)
}

// New builds an architecture from a definition list. Nodes must be given in
// topological order: every input reference must name an earlier node. Exactly
// one OpInput node is required and it must come first.
func New(nodes []Node) (*Architecture, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("architecture requires at least one node")
	}
	index := make(map[string]int, len(nodes))
	for i, node := range nodes {
		if node.Name == "" {
			return nil, fmt.Errorf("node %d has no name", i)
		}
		if _, ok := index[node.Name]; ok {
			return nil, fmt.Errorf("duplicate node name %q", node.Name)
		}
		if i == 0 {
			if node.Op != OpInput {
				return nil, fmt.Errorf("first node %q must be the input node, got op %q", node.Name, node.Op)
			}
			if len(node.Inputs) != 0 {
				return nil, fmt.Errorf("input node %q cannot have inputs", node.Name)
			}
		} else {
			if node.Op == OpInput {
				return nil, fmt.Errorf("node %q: only the first node may be an input node", node.Name)
			}
			if len(node.Inputs) != 1 {
				return nil, fmt.Errorf("node %q must have exactly one input, got %d", node.Name, len(node.Inputs))
			}
			if _, ok := index[node.Inputs[0]]; !ok {
				return nil, fmt.Errorf("node %q references unknown input %q", node.Name, node.Inputs[0])
			}
		}
		if err := validateNode(node); err != nil {
			return nil, err
		}
		index[node.Name] = i
	}
	return &Architecture{nodes: slices.Clone(nodes), index: index}, nil
}

func validateNode(node Node) error {
	switch node.Op {
	case OpInput, OpFlatten, OpSoftmaxOutput:
	case OpConvolution:
		if node.NumFilters <= 0 {
			return fmt.Errorf("conv node %q: numFilters must be positive", node.Name)
		}
		if node.Kernel <= 0 {
			return fmt.Errorf("conv node %q: kernel must be positive", node.Name)
		}
	case OpPooling:
		switch node.Pool {
		case PoolMax, PoolAvg:
			if node.Kernel <= 0 {
				return fmt.Errorf("pool node %q: kernel must be positive", node.Name)
			}
		case PoolGlobalAvg:
		default:
			return fmt.Errorf("pool node %q: unknown pool kind %q", node.Name, node.Pool)
		}
	case OpFullyConnected:
		if node.NumUnits <= 0 {
			return fmt.Errorf("fc node %q: numUnits must be positive", node.Name)
		}
	case OpActivation:
		switch node.Function {
		case ActivationReLU, ActivationTanh, ActivationSigmoid:
		default:
			return fmt.Errorf("activation node %q: unknown function %q", node.Name, node.Function)
		}
	case OpBatchNorm:
	default:
		return fmt.Errorf("node %q: unknown op %q", node.Name, node.Op)
	}
	return nil
}

// Nodes returns a copy of the definition list.
func (a *Architecture) Nodes() []Node {
	return slices.Clone(a.nodes)
}

// Node returns the named node.
func (a *Architecture) Node(name string) (Node, bool) {
	i, ok := a.index[name]
	if !ok {
		return Node{}, false
	}
	return a.nodes[i], true
}

// HasNode reports whether name resolves in the graph.
func (a *Architecture) HasNode(name string) bool {
	_, ok := a.index[name]
	return ok
}

// InputName returns the name of the input node.
func (a *Architecture) InputName() string {
	return a.nodes[0].Name
}

// OutputName returns the name of the final node, i.e. the training objective
// head once a SoftmaxOutput layer is attached.
func (a *Architecture) OutputName() string {
	return a.nodes[len(a.nodes)-1].Name
}

// Len returns the number of nodes.
func (a *Architecture) Len() int {
	return len(a.nodes)
}

// Truncate returns a new architecture containing the named node and all of
// its ancestors, preserving order. The named node becomes the new output.
func (a *Architecture) Truncate(name string) (*Architecture, error) {
	cut, ok := a.index[name]
	if !ok {
		return nil, &LayerNotFoundError{Layer: name}
	}
	keep := make(map[string]bool, cut+1)
	keep[name] = true
	for i := cut; i >= 0; i-- {
		node := a.nodes[i]
		if !keep[node.Name] {
			continue
		}
		for _, in := range node.Inputs {
			keep[in] = true
		}
	}
	var nodes []Node
	for _, node := range a.nodes[:cut+1] {
		if keep[node.Name] {
			nodes = append(nodes, node)
		}
	}
	return New(nodes)
}

// Append returns a new architecture with the given nodes attached after the
// existing ones.
func (a *Architecture) Append(nodes ...Node) (*Architecture, error) {
	return New(slices.Concat(a.nodes, nodes))
}

// Equal reports structural equality of two architectures.
func (a *Architecture) Equal(other *Architecture) bool {
	if other == nil || len(a.nodes) != len(other.nodes) {
		return false
	}
	for i := range a.nodes {
		if !nodeEqual(a.nodes[i], other.nodes[i]) {
			return false
		}
	}
	return true
}

func nodeEqual(x, y Node) bool {
	return x.Name == y.Name && x.Op == y.Op && slices.Equal(x.Inputs, y.Inputs) &&
		x.NumUnits == y.NumUnits && x.NumFilters == y.NumFilters &&
		x.Kernel == y.Kernel && x.Stride == y.Stride &&
		x.SamePadding == y.SamePadding && x.NoBias == y.NoBias &&
		x.Pool == y.Pool && x.Function == y.Function && x.Epsilon == y.Epsilon
}

package arch

import (
	"fmt"
	"slices"
)

// ParamShapes describes the tensors a bound model requires, keyed by
// parameter name. Args are learnable; Aux holds non-learned state (the
// batch-norm running statistics).
type ParamShapes struct {
	Args map[string][]int
	Aux  map[string][]int
}

// Parameter naming convention, one scope per node:
//
//	conv:      <name>_weight [k,k,inC,outF], <name>_bias [outF]
//	fc:        <name>_weight [units,in],     <name>_bias [units]
//	batchnorm: <name>_gamma, <name>_beta (args); <name>_moving_mean,
//	           <name>_moving_var (aux), all [C].
func WeightName(node string) string { return node + "_weight" }
func BiasName(node string) string   { return node + "_bias" }

// NodeParams lists the parameter names a node owns, args first.
func NodeParams(node Node) (args, aux []string) {
	switch node.Op {
	case OpConvolution, OpFullyConnected:
		args = []string{WeightName(node.Name)}
		if !node.NoBias {
			args = append(args, BiasName(node.Name))
		}
	case OpBatchNorm:
		args = []string{node.Name + "_gamma", node.Name + "_beta"}
		aux = []string{node.Name + "_moving_mean", node.Name + "_moving_var"}
	}
	return args, aux
}

// InferShapes computes the per-sample output shape of every node given the
// per-sample input shape (height, width, channels — no batch axis). It is
// pure shape arithmetic; no tensors are allocated.
func (a *Architecture) InferShapes(inputShape []int) (map[string][]int, error) {
	if len(inputShape) != 3 {
		return nil, fmt.Errorf("input shape must be [height, width, channels], got %v", inputShape)
	}
	shapes := make(map[string][]int, len(a.nodes))
	for _, node := range a.nodes {
		var in []int
		if node.Op != OpInput {
			in = shapes[node.Inputs[0]]
		}
		out, err := nodeOutputShape(node, in, inputShape)
		if err != nil {
			return nil, err
		}
		shapes[node.Name] = out
	}
	return shapes, nil
}

func nodeOutputShape(node Node, in, inputShape []int) ([]int, error) {
	switch node.Op {
	case OpInput:
		return slices.Clone(inputShape), nil
	case OpConvolution:
		if len(in) != 3 {
			return nil, fmt.Errorf("conv node %q expects a spatial input, got shape %v", node.Name, in)
		}
		h, w := convolvedSize(in[0], in[1], node)
		if h <= 0 || w <= 0 {
			return nil, fmt.Errorf("conv node %q: kernel %d does not fit input %v", node.Name, node.Kernel, in)
		}
		return []int{h, w, node.NumFilters}, nil
	case OpPooling:
		if len(in) != 3 {
			return nil, fmt.Errorf("pool node %q expects a spatial input, got shape %v", node.Name, in)
		}
		if node.Pool == PoolGlobalAvg {
			return []int{1, 1, in[2]}, nil
		}
		h, w := convolvedSize(in[0], in[1], node)
		if h <= 0 || w <= 0 {
			return nil, fmt.Errorf("pool node %q: window %d does not fit input %v", node.Name, node.Kernel, in)
		}
		return []int{h, w, in[2]}, nil
	case OpFlatten:
		n := 1
		for _, d := range in {
			n *= d
		}
		return []int{n}, nil
	case OpFullyConnected:
		if len(in) != 1 {
			return nil, fmt.Errorf("fc node %q expects a flat input, got shape %v", node.Name, in)
		}
		return []int{node.NumUnits}, nil
	case OpBatchNorm, OpActivation, OpSoftmaxOutput:
		return slices.Clone(in), nil
	default:
		return nil, fmt.Errorf("node %q: unknown op %q", node.Name, node.Op)
	}
}

func convolvedSize(h, w int, node Node) (int, int) {
	stride := node.Stride
	if stride <= 0 {
		stride = 1
	}
	if node.SamePadding {
		return (h + stride - 1) / stride, (w + stride - 1) / stride
	}
	return (h-node.Kernel)/stride + 1, (w-node.Kernel)/stride + 1
}

// InferParamShapes computes the shapes of every parameter the architecture
// requires for the given per-sample input shape.
func (a *Architecture) InferParamShapes(inputShape []int) (*ParamShapes, error) {
	shapes, err := a.InferShapes(inputShape)
	if err != nil {
		return nil, err
	}
	ps := &ParamShapes{
		Args: make(map[string][]int),
		Aux:  make(map[string][]int),
	}
	for _, node := range a.nodes {
		var in []int
		if node.Op != OpInput {
			in = shapes[node.Inputs[0]]
		}
		switch node.Op {
		case OpConvolution:
			ps.Args[WeightName(node.Name)] = []int{node.Kernel, node.Kernel, in[2], node.NumFilters}
			if !node.NoBias {
				ps.Args[BiasName(node.Name)] = []int{node.NumFilters}
			}
		case OpFullyConnected:
			ps.Args[WeightName(node.Name)] = []int{node.NumUnits, in[0]}
			if !node.NoBias {
				ps.Args[BiasName(node.Name)] = []int{node.NumUnits}
			}
		case OpBatchNorm:
			c := in[len(in)-1]
			ps.Args[node.Name+"_gamma"] = []int{c}
			ps.Args[node.Name+"_beta"] = []int{c}
			ps.Aux[node.Name+"_moving_mean"] = []int{c}
			ps.Aux[node.Name+"_moving_var"] = []int{c}
		}
	}
	return ps, nil
}

// OutputShape returns the per-sample shape of the architecture's output.
func (a *Architecture) OutputShape(inputShape []int) ([]int, error) {
	shapes, err := a.InferShapes(inputShape)
	if err != nil {
		return nil, err
	}
	return shapes[a.OutputName()], nil
}

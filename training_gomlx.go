package graft

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"gorgonia.org/tensor"

	"github.com/graft-ml/graft/arch"
	"github.com/graft-ml/graft/checkpoint"
	"github.com/graft-ml/graft/datasets"
)

// boundModel is the gomlx state of a session: the backend, the context
// holding every parameter as a variable, and an executor that maps a batch
// of images to logits for evaluation.
type boundModel struct {
	backend backends.Backend
	ctx     *context.Context
	exec    *context.Exec
	shapes  *arch.ParamShapes
	destroy func()
}

// paramSuffix strips the owning node's prefix from a parameter name, giving
// the variable name within the node's scope: "conv1_weight" -> "weight".
func paramSuffix(nodeName, param string) string {
	return strings.TrimPrefix(param, nodeName+"_")
}

// bind loads every parameter into a fresh gomlx context, initializing the
// fresh head from the session seed, and builds the evaluation executor.
// Parameters are bound in topological node order so that initialization
// draws from the seeded generator in a fixed sequence.
func (s *TrainingSession) bind() error {
	c := &s.config
	want, err := c.Architecture.InferParamShapes(c.InputShape)
	if err != nil {
		return err
	}
	fresh := make(map[string]bool, len(c.FreshParamNames))
	for _, name := range c.FreshParamNames {
		fresh[name] = true
	}

	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, c.LearningRate)
	rng := rand.New(rand.NewSource(c.Seed))

	for _, node := range c.Architecture.Nodes() {
		args, aux := arch.NodeParams(node)
		for _, name := range args {
			value, valueErr := s.paramTensor(rng, node, name, want.Args[name], fresh[name])
			if valueErr != nil {
				return valueErr
			}
			ctx.In(node.Name).VariableWithValue(paramSuffix(node.Name, name), value)
		}
		for _, name := range aux {
			value, valueErr := s.paramTensor(rng, node, name, want.Aux[name], false)
			if valueErr != nil {
				return valueErr
			}
			v := ctx.In(node.Name).VariableWithValue(paramSuffix(node.Name, name), value)
			v.Trainable = false // running statistics are carried, not learned
		}
	}

	model := &boundModel{ctx: ctx, shapes: want}
	err = exceptions.TryCatch[error](func() {
		model.backend = backends.New()
		model.exec = context.NewExec(
			model.backend, ctx,
			func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
				return modelGraph(ctx.Reuse(), c.Architecture, want, inputs[0])
			})
	})
	if err != nil {
		if model.backend != nil {
			model.backend.Finalize()
		}
		return err
	}
	model.destroy = func() {
		model.exec.Finalize()
		model.backend.Finalize()
	}
	s.model = model
	return nil
}

// paramTensor turns a stored parameter into a device tensor, or initializes
// it when it is a fresh head parameter that the checkpoint does not carry.
func (s *TrainingSession) paramTensor(rng *rand.Rand, node arch.Node, name string, dims []int, isFresh bool) (*tensors.Tensor, error) {
	if dense, ok := s.config.Params.Args[name]; ok {
		return denseToTensor(name, dense)
	}
	if dense, ok := s.config.Params.Aux[name]; ok {
		return denseToTensor(name, dense)
	}
	if !isFresh {
		return nil, fmt.Errorf("parameter %s is missing and not marked for initialization", name)
	}
	var data []float32
	if strings.HasSuffix(name, "_weight") {
		data = heInit(rng, node, dims)
	} else {
		data = make([]float32, numElements(dims))
	}
	return tensors.FromFlatDataAndDimensions(data, dims...), nil
}

func denseToTensor(name string, dense *tensor.Dense) (*tensors.Tensor, error) {
	data, ok := dense.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("parameter %s: expected float32 data, got %T", name, dense.Data())
	}
	// Copy so training never mutates the caller's parameter set.
	return tensors.FromFlatDataAndDimensions(slices.Clone(data), []int(dense.Shape())...), nil
}

// heInit draws a fan-in scaled Gaussian, the standard initialization for
// layers feeding rectified activations.
func heInit(rng *rand.Rand, node arch.Node, dims []int) []float32 {
	fanIn := 1
	switch node.Op {
	case arch.OpConvolution:
		fanIn = dims[0] * dims[1] * dims[2]
	default:
		if len(dims) > 1 {
			fanIn = dims[1]
		}
	}
	stddev := math.Sqrt(2.0 / float64(fanIn))
	out := make([]float32, numElements(dims))
	for i := range out {
		out[i] = float32(rng.NormFloat64() * stddev)
	}
	return out
}

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// modelGraph compiles the architecture into graph operations, node by node
// in topological order, and returns the logits. Images are channels-last
// [batch, height, width, channels]. The softmax output node is compiled as
// identity: the loss and argmax both consume logits directly, and softmax is
// monotone so the predicted class is unchanged.
func modelGraph(ctx *context.Context, a *arch.Architecture, want *arch.ParamShapes, image *graph.Node) *graph.Node {
	g := image.Graph()
	batchSize := image.Shape().Dim(0)

	nodeParam := func(node arch.Node, name string, dims []int) *graph.Node {
		return ctx.In(node.Name).
			VariableWithShape(paramSuffix(node.Name, name), shapes.Make(dtypes.Float32, dims...)).
			ValueGraph(g)
	}

	values := make(map[string]*graph.Node, a.Len())
	for _, node := range a.Nodes() {
		var x *graph.Node
		if node.Op != arch.OpInput {
			x = values[node.Inputs[0]]
		}
		var out *graph.Node
		switch node.Op {
		case arch.OpInput:
			out = image
		case arch.OpConvolution:
			w := nodeParam(node, arch.WeightName(node.Name), want.Args[arch.WeightName(node.Name)])
			conv := graph.Convolve(x, w).Strides(effectiveStride(node))
			if node.SamePadding {
				conv = conv.PadSame()
			} else {
				conv = conv.NoPadding()
			}
			out = conv.Done()
			if !node.NoBias {
				b := nodeParam(node, arch.BiasName(node.Name), want.Args[arch.BiasName(node.Name)])
				out = graph.Add(out, graph.Reshape(b, 1, 1, 1, node.NumFilters))
			}
		case arch.OpBatchNorm:
			out = batchNormGraph(node, x, nodeParam, want)
		case arch.OpActivation:
			switch node.Function {
			case arch.ActivationTanh:
				out = graph.Tanh(x)
			case arch.ActivationSigmoid:
				out = graph.Sigmoid(x)
			default:
				out = graph.Max(x, graph.ZerosLike(x))
			}
		case arch.OpPooling:
			out = poolGraph(node, x, batchSize)
		case arch.OpFlatten:
			out = graph.Reshape(x, batchSize, -1)
		case arch.OpFullyConnected:
			w := nodeParam(node, arch.WeightName(node.Name), want.Args[arch.WeightName(node.Name)])
			out = graph.Einsum("bi,oi->bo", x, w)
			if !node.NoBias {
				b := nodeParam(node, arch.BiasName(node.Name), want.Args[arch.BiasName(node.Name)])
				out = graph.Add(out, graph.Reshape(b, 1, node.NumUnits))
			}
		case arch.OpSoftmaxOutput:
			out = x
		}
		values[node.Name] = out
	}
	return values[a.OutputName()]
}

func batchNormGraph(node arch.Node, x *graph.Node, nodeParam func(arch.Node, string, []int) *graph.Node, want *arch.ParamShapes) *graph.Node {
	channels := want.Args[node.Name+"_gamma"][0]
	broadcast := []int{1, channels}
	if x.Shape().Rank() == 4 {
		broadcast = []int{1, 1, 1, channels}
	}
	param := func(name string, args map[string][]int) *graph.Node {
		return graph.Reshape(nodeParam(node, name, args[name]), broadcast...)
	}
	gamma := param(node.Name+"_gamma", want.Args)
	beta := param(node.Name+"_beta", want.Args)
	mean := param(node.Name+"_moving_mean", want.Aux)
	variance := param(node.Name+"_moving_var", want.Aux)

	eps := float64(node.Epsilon)
	if eps == 0 {
		eps = 1e-5
	}
	norm := graph.Div(graph.Sub(x, mean), graph.Sqrt(graph.AddScalar(variance, eps)))
	return graph.Add(graph.Mul(norm, gamma), beta)
}

func poolGraph(node arch.Node, x *graph.Node, batchSize int) *graph.Node {
	if node.Pool == arch.PoolGlobalAvg {
		return graph.Reshape(graph.ReduceMean(x, 1, 2), batchSize, 1, 1, x.Shape().Dim(3))
	}
	var pool *graph.PoolBuilder
	if node.Pool == arch.PoolAvg {
		pool = graph.MeanPool(x)
	} else {
		pool = graph.MaxPool(x)
	}
	pool = pool.Window(node.Kernel).Strides(effectiveStride(node))
	if node.SamePadding {
		pool = pool.PadSame()
	} else {
		pool = pool.NoPadding()
	}
	return pool.Done()
}

func effectiveStride(node arch.Node) int {
	if node.Stride <= 0 {
		return 1
	}
	return node.Stride
}

// Train runs the configured number of epochs, recording the training loss
// and the validation metric after each. With zero epochs it only binds the
// model, which makes the session a pure surgery-and-save vehicle.
func (s *TrainingSession) Train() error {
	if s.model == nil {
		if err := s.bind(); err != nil {
			return err
		}
	}
	c := &s.config
	if c.Epochs == 0 {
		s.trained = true
		return nil
	}

	var optimizer optimizers.Interface
	switch c.Optimizer {
	case OptimizerAdam:
		optimizer = optimizers.Adam().Done()
	default:
		optimizer = optimizers.StochasticGradientDescent()
	}

	modelFn := func(ctx *context.Context, spec any, inputs []*context.Node) []*context.Node {
		logits := modelGraph(ctx.Reuse(), c.Architecture, s.model.shapes, inputs[0])
		return []*context.Node{logits}
	}

	trainer := train.NewTrainer(s.model.backend,
		s.model.ctx,
		modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizer,
		nil,
		nil)
	loop := train.NewLoop(trainer)

	if c.Verbose {
		fmt.Printf("Fine-tuning for %d epochs\n", c.Epochs)
	}
	for epoch := 0; epoch < c.Epochs; epoch++ {
		loss := float32(math.NaN())
		// An initialization error is returned; a failure inside the loop,
		// like a dataset reset, is thrown as a panic. TryCatch funnels both
		// into a single error.
		err := exceptions.TryCatch[error](func() {
			metrics, runErr := loop.RunEpochs(c.TrainData, 1)
			if runErr != nil {
				panic(runErr)
			}
			if len(metrics) > 0 {
				loss = tensors.CopyFlatData[float32](metrics[0])[0]
			}
			c.TrainData.Reset()
		})
		if err != nil {
			return err
		}
		s.statistics.EpochTrainLosses = append(s.statistics.EpochTrainLosses, loss)

		if c.ValData != nil {
			metric, evalErr := s.evaluate(c.ValData)
			if evalErr != nil {
				return evalErr
			}
			s.statistics.EpochValMetrics = append(s.statistics.EpochValMetrics, metric)
			if c.Verbose {
				fmt.Printf("Epoch %d/%d: loss %.4f, validation %s %.4f\n", epoch+1, c.Epochs, loss, c.EvalMetric, metric)
			}
		} else if c.Verbose {
			fmt.Printf("Epoch %d/%d: loss %.4f\n", epoch+1, c.Epochs, loss)
		}
	}
	if c.Verbose {
		fmt.Println("Training complete")
	}
	s.trained = true
	return nil
}

// evaluate runs a full pass over the dataset and returns the fraction of
// samples whose argmax over the logits matches the label.
func (s *TrainingSession) evaluate(ds datasets.Dataset) (float32, error) {
	correct, total := 0, 0
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}

		var outputs []*tensors.Tensor
		execErr := exceptions.TryCatch[error](func() {
			outputs = s.model.exec.Call(inputs[0])
		})
		if execErr != nil {
			return 0, execErr
		}

		logits := tensors.CopyFlatData[float32](outputs[0])
		labelValues := tensors.CopyFlatData[int32](labels[0])
		batch := outputs[0].Shape().Dim(0)
		classes := outputs[0].Shape().Dim(1)
		for i := 0; i < batch; i++ {
			best := 0
			for j := 1; j < classes; j++ {
				if logits[i*classes+j] > logits[i*classes+best] {
					best = j
				}
			}
			if int32(best) == labelValues[i] {
				correct++
			}
		}
		total += batch

		for _, t := range outputs {
			t.FinalizeAll()
		}
		for _, t := range inputs {
			t.FinalizeAll()
		}
		for _, t := range labels {
			t.FinalizeAll()
		}
	}
	ds.Reset()
	if total == 0 {
		return 0, fmt.Errorf("validation dataset %s yielded no samples", ds.Name())
	}
	return float32(correct) / float32(total), nil
}

// Params reads the current parameter values back out of the bound model.
func (s *TrainingSession) Params() (*checkpoint.ParamSet, error) {
	if s.model == nil {
		return nil, fmt.Errorf("session is not bound; call Train first")
	}
	out := checkpoint.NewParamSet()
	for _, node := range s.config.Architecture.Nodes() {
		args, aux := arch.NodeParams(node)
		for _, name := range args {
			dense, err := s.variableDense(node.Name, name)
			if err != nil {
				return nil, err
			}
			out.Args[name] = dense
		}
		for _, name := range aux {
			dense, err := s.variableDense(node.Name, name)
			if err != nil {
				return nil, err
			}
			out.Aux[name] = dense
		}
	}
	return out, nil
}

func (s *TrainingSession) variableDense(nodeName, name string) (*tensor.Dense, error) {
	v := s.model.ctx.InspectVariable("/"+nodeName, paramSuffix(nodeName, name))
	if v == nil {
		return nil, fmt.Errorf("variable %s is not bound", name)
	}
	value := v.Value()
	data := tensors.CopyFlatData[float32](value)
	dims := slices.Clone(value.Shape().Dimensions)
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data)), nil
}

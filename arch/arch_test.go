package arch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodes() []Node {
	return []Node{
		{Name: "data", Op: OpInput},
		{Name: "conv1", Op: OpConvolution, Inputs: []string{"data"}, NumFilters: 8, Kernel: 3, SamePadding: true},
		{Name: "bn1", Op: OpBatchNorm, Inputs: []string{"conv1"}},
		{Name: "relu1", Op: OpActivation, Inputs: []string{"bn1"}, Function: ActivationReLU},
		{Name: "pool1", Op: OpPooling, Inputs: []string{"relu1"}, Pool: PoolMax, Kernel: 2, Stride: 2},
		{Name: "flatten", Op: OpFlatten, Inputs: []string{"pool1"}},
		{Name: "fc1", Op: OpFullyConnected, Inputs: []string{"flatten"}, NumUnits: 10},
		{Name: "softmax", Op: OpSoftmaxOutput, Inputs: []string{"fc1"}},
	}
}

func testArchitecture(t *testing.T) *Architecture {
	t.Helper()
	a, err := New(testNodes())
	require.NoError(t, err)
	return a
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	nodes := testNodes()
	nodes[0], nodes[1] = nodes[1], nodes[0]
	_, err = New(nodes)
	assert.Error(t, err, "first node must be the input")

	nodes = testNodes()
	nodes[4].Name = "conv1"
	_, err = New(nodes)
	assert.Error(t, err, "duplicate names must be rejected")

	nodes = testNodes()
	nodes[6].Inputs = []string{"missing"}
	_, err = New(nodes)
	assert.Error(t, err, "inputs must reference earlier nodes")

	nodes = testNodes()
	nodes[6].Inputs = []string{"softmax"}
	_, err = New(nodes)
	assert.Error(t, err, "forward references must be rejected")
}

func TestInferShapes(t *testing.T) {
	a := testArchitecture(t)
	shapes, err := a.InferShapes([]int{8, 8, 3})
	require.NoError(t, err)

	assert.Equal(t, []int{8, 8, 3}, shapes["data"])
	assert.Equal(t, []int{8, 8, 8}, shapes["conv1"])
	assert.Equal(t, []int{8, 8, 8}, shapes["relu1"])
	assert.Equal(t, []int{4, 4, 8}, shapes["pool1"])
	assert.Equal(t, []int{128}, shapes["flatten"])
	assert.Equal(t, []int{10}, shapes["fc1"])
	assert.Equal(t, []int{10}, shapes["softmax"])

	out, err := a.OutputShape([]int{8, 8, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{10}, out)
}

func TestInferShapesRejectsTooSmallInput(t *testing.T) {
	nodes := []Node{
		{Name: "data", Op: OpInput},
		{Name: "conv1", Op: OpConvolution, Inputs: []string{"data"}, NumFilters: 4, Kernel: 5},
	}
	a, err := New(nodes)
	require.NoError(t, err)
	_, err = a.InferShapes([]int{3, 3, 1})
	assert.Error(t, err)
}

func TestInferParamShapes(t *testing.T) {
	a := testArchitecture(t)
	ps, err := a.InferParamShapes([]int{8, 8, 3})
	require.NoError(t, err)

	assert.Equal(t, []int{3, 3, 3, 8}, ps.Args["conv1_weight"])
	assert.Equal(t, []int{8}, ps.Args["conv1_bias"])
	assert.Equal(t, []int{8}, ps.Args["bn1_gamma"])
	assert.Equal(t, []int{8}, ps.Args["bn1_beta"])
	assert.Equal(t, []int{8}, ps.Aux["bn1_moving_mean"])
	assert.Equal(t, []int{8}, ps.Aux["bn1_moving_var"])
	assert.Equal(t, []int{10, 128}, ps.Args["fc1_weight"])
	assert.Equal(t, []int{10}, ps.Args["fc1_bias"])
	assert.Len(t, ps.Args, 6)
	assert.Len(t, ps.Aux, 2)
}

func TestTruncate(t *testing.T) {
	a := testArchitecture(t)
	trunk, err := a.Truncate("flatten")
	require.NoError(t, err)

	assert.Equal(t, 6, trunk.Len())
	assert.Equal(t, "flatten", trunk.OutputName())
	assert.False(t, trunk.HasNode("fc1"))
	assert.False(t, trunk.HasNode("softmax"))

	// The receiver is untouched.
	assert.Equal(t, 8, a.Len())
	assert.Equal(t, "softmax", a.OutputName())
}

func TestTruncateUnknownLayer(t *testing.T) {
	a := testArchitecture(t)
	_, err := a.Truncate("features")
	require.Error(t, err)

	var notFound *LayerNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "features", notFound.Layer)
}

func TestReplaceHead(t *testing.T) {
	a := testArchitecture(t)
	replaced, freshNames, err := a.ReplaceHead(4, "flatten")
	require.NoError(t, err)

	assert.Equal(t, []string{"fc1_weight", "fc1_bias"}, freshNames)
	assert.Equal(t, HeadOutputName, replaced.OutputName())

	head, ok := replaced.Node(HeadLayerName)
	require.True(t, ok)
	assert.Equal(t, 4, head.NumUnits)
	assert.Equal(t, []string{"flatten"}, head.Inputs)

	out, err := replaced.OutputShape([]int{8, 8, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{4}, out)

	// ReplaceHead is pure: the original keeps its ten-way head, and a second
	// application produces the same result.
	original, ok := a.Node("fc1")
	require.True(t, ok)
	assert.Equal(t, 10, original.NumUnits)

	again, _, err := a.ReplaceHead(4, "flatten")
	require.NoError(t, err)
	assert.True(t, replaced.Equal(again))
}

func TestReplaceHeadErrors(t *testing.T) {
	a := testArchitecture(t)

	_, _, err := a.ReplaceHead(0, "flatten")
	assert.Error(t, err)

	var notFound *LayerNotFoundError
	_, _, err = a.ReplaceHead(4, "features")
	require.ErrorAs(t, err, &notFound)
}

func TestJSONRoundtrip(t *testing.T) {
	a := testArchitecture(t)
	data, err := a.MarshalJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.True(t, a.Equal(decoded))
}

func TestFromJSONRejectsUnknownFormat(t *testing.T) {
	_, err := FromJSON([]byte(`{"format":"something.else","nodes":[]}`))
	assert.Error(t, err)

	_, err = FromJSON([]byte(`not json`))
	assert.Error(t, err)
}

func TestNodeParams(t *testing.T) {
	args, aux := NodeParams(Node{Name: "conv1", Op: OpConvolution})
	assert.Equal(t, []string{"conv1_weight", "conv1_bias"}, args)
	assert.Empty(t, aux)

	args, aux = NodeParams(Node{Name: "conv1", Op: OpConvolution, NoBias: true})
	assert.Equal(t, []string{"conv1_weight"}, args)
	assert.Empty(t, aux)

	args, aux = NodeParams(Node{Name: "bn1", Op: OpBatchNorm})
	assert.Equal(t, []string{"bn1_gamma", "bn1_beta"}, args)
	assert.Equal(t, []string{"bn1_moving_mean", "bn1_moving_var"}, aux)

	args, aux = NodeParams(Node{Name: "pool1", Op: OpPooling})
	assert.Empty(t, args)
	assert.Empty(t, aux)
}

func TestTruncateKeepsOnlyAncestors(t *testing.T) {
	a := testArchitecture(t)
	trunk, err := a.Truncate("relu1")
	require.NoError(t, err)
	assert.Equal(t, []string{"data", "conv1", "bn1", "relu1"}, nodeNames(trunk))
}

func nodeNames(a *Architecture) []string {
	names := make([]string, 0, a.Len())
	for _, node := range a.Nodes() {
		names = append(names, node.Name)
	}
	return names
}

func TestErrorsIsOnLayerNotFound(t *testing.T) {
	a := testArchitecture(t)
	_, err := a.Truncate("nope")
	assert.True(t, errors.As(err, new(*LayerNotFoundError)))
}

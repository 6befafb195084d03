package graft

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/graft-ml/graft/arch"
	"github.com/graft-ml/graft/checkpoint"
	"github.com/graft-ml/graft/compute"
	"github.com/graft-ml/graft/datasets"
	"github.com/graft-ml/graft/util"
)

var testInputShape = []int{4, 4, 3}

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("test failed with error %s", err.Error())
	}
}

// pretrainedModel builds a tiny classifier with a two-way head, standing in
// for a network pretrained on a larger dataset.
func pretrainedModel(t *testing.T) (*arch.Architecture, *checkpoint.ParamSet) {
	t.Helper()
	a, err := arch.New([]arch.Node{
		{Name: "data", Op: arch.OpInput},
		{Name: "flatten", Op: arch.OpFlatten, Inputs: []string{"data"}},
		{Name: "fc0", Op: arch.OpFullyConnected, Inputs: []string{"flatten"}, NumUnits: 4},
		{Name: "relu1", Op: arch.OpActivation, Inputs: []string{"fc0"}, Function: arch.ActivationReLU},
		{Name: "fc1", Op: arch.OpFullyConnected, Inputs: []string{"relu1"}, NumUnits: 2},
		{Name: "softmax", Op: arch.OpSoftmaxOutput, Inputs: []string{"fc1"}},
	})
	check(t, err)

	want, err := a.InferParamShapes(testInputShape)
	check(t, err)

	params := checkpoint.NewParamSet()
	for name, dims := range want.Args {
		n := 1
		for _, d := range dims {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = 0.01 * float32(i%7)
		}
		params.Args[name] = tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data))
	}
	return a, params
}

func writeImageRecords(t *testing.T, name string, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	writer, err := datasets.NewRecordWriter(path)
	check(t, err)
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				img.Set(x, y, color.RGBA{R: uint8((i % 3) * 80), G: uint8(x * 60), B: uint8(y * 60), A: 255})
			}
		}
		check(t, writer.AppendImage(i%3, img))
	}
	check(t, writer.Close())
	return path
}

func openRecords(t *testing.T, path string, augment bool) *datasets.ImageRecordDataset {
	t.Helper()
	d, err := datasets.NewImageRecordDataset(datasets.ImageRecordConfig{
		Path:         path,
		BatchSize:    4,
		TargetHeight: testInputShape[0],
		TargetWidth:  testInputShape[1],
		Augment:      augment,
		Seed:         3,
	})
	check(t, err)
	return d
}

func graftedModel(t *testing.T, numClasses int) (*arch.Architecture, *checkpoint.ParamSet, []string) {
	t.Helper()
	a, params := pretrainedModel(t)
	replaced, filtered, freshNames, err := ReplaceFinalLayer(a, params, numClasses, "relu1")
	check(t, err)
	return replaced, filtered, freshNames
}

func TestReplaceFinalLayer(t *testing.T) {
	a, params := pretrainedModel(t)
	replaced, filtered, freshNames, err := ReplaceFinalLayer(a, params, 3, "relu1")
	require.NoError(t, err)

	assert.Equal(t, []string{"fc1_weight", "fc1_bias"}, freshNames)
	assert.NotContains(t, filtered.Args, "fc1_weight", "old head weights are dropped")
	assert.NotContains(t, filtered.Args, "fc1_bias")
	assert.Contains(t, filtered.Args, "fc0_weight", "trunk weights are retained")

	out, err := replaced.OutputShape(testInputShape)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, out)

	// Surgery never mutates its inputs.
	assert.Contains(t, params.Args, "fc1_weight")
	assert.Equal(t, "softmax", a.OutputName())
	head, ok := a.Node("fc1")
	require.True(t, ok)
	assert.Equal(t, 2, head.NumUnits)
}

func TestReplaceFinalLayerUnknownCut(t *testing.T) {
	a, params := pretrainedModel(t)
	_, _, _, err := ReplaceFinalLayer(a, params, 3, "features")
	require.Error(t, err)

	var notFound *arch.LayerNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "features", notFound.Layer)
}

func TestTrainEndToEnd(t *testing.T) {
	architecture, params, freshNames := graftedModel(t, 3)
	trainPath := writeImageRecords(t, "train.rec", 12)
	valPath := writeImageRecords(t, "val.rec", 6)

	session, err := NewTrainingSession(TrainingConfig{
		Architecture:    architecture,
		Params:          params,
		FreshParamNames: freshNames,
		TrainData:       openRecords(t, trainPath, true),
		ValData:         openRecords(t, valPath, false),
		InputShape:      testInputShape,
		BatchSize:       4,
		Epochs:          2,
		LearningRate:    0.05,
		Seed:            7,
	})
	check(t, err)
	defer func() {
		check(t, session.Destroy())
	}()

	check(t, session.Train())

	statistics := session.Statistics()
	require.Len(t, statistics.EpochTrainLosses, 2)
	require.Len(t, statistics.EpochValMetrics, 2)
	for _, metric := range statistics.EpochValMetrics {
		assert.GreaterOrEqual(t, metric, float32(0))
		assert.LessOrEqual(t, metric, float32(1))
	}

	prefix := filepath.Join(t.TempDir(), "finetuned")
	check(t, session.Save(prefix))

	loaded, err := checkpoint.Load(prefix, 2)
	check(t, err)
	assert.True(t, architecture.Equal(loaded.Architecture))
	require.Contains(t, loaded.Params.Args, "fc1_weight")
	assert.Equal(t, []int{3, 4}, []int(loaded.Params.Args["fc1_weight"].Shape()))
	require.NoError(t, loaded.Params.Validate(architecture, testInputShape, nil))

	exists, err := util.FileExists(prefix + "-statistics.json")
	check(t, err)
	assert.True(t, exists)
}

func TestZeroEpochsOnlyInitializesHead(t *testing.T) {
	architecture, params, freshNames := graftedModel(t, 3)
	trainPath := writeImageRecords(t, "train.rec", 8)

	trunkBefore := append([]float32(nil), params.Args["fc0_weight"].Data().([]float32)...)

	session, err := NewTrainingSession(TrainingConfig{
		Architecture:    architecture,
		Params:          params,
		FreshParamNames: freshNames,
		TrainData:       openRecords(t, trainPath, true),
		InputShape:      testInputShape,
		BatchSize:       4,
		Epochs:          0,
		Seed:            7,
	})
	check(t, err)
	defer func() {
		check(t, session.Destroy())
	}()

	check(t, session.Train())

	result, err := session.Params()
	check(t, err)

	assert.Equal(t, trunkBefore, result.Args["fc0_weight"].Data().([]float32),
		"zero epochs must leave the retained parameters untouched")

	require.Contains(t, result.Args, "fc1_weight")
	assert.Equal(t, []int{3, 4}, []int(result.Args["fc1_weight"].Shape()))
	require.Contains(t, result.Args, "fc1_bias")
	assert.Equal(t, make([]float32, 3), result.Args["fc1_bias"].Data().([]float32),
		"fresh biases start at zero")

	weights := result.Args["fc1_weight"].Data().([]float32)
	var nonZero bool
	for _, w := range weights {
		if w != 0 {
			nonZero = true
		}
	}
	assert.True(t, nonZero, "fresh weights are randomly initialized")
}

func TestHeadInitializationIsSeeded(t *testing.T) {
	headWeights := func(seed int64) []float32 {
		architecture, params, freshNames := graftedModel(t, 3)
		session, err := NewTrainingSession(TrainingConfig{
			Architecture:    architecture,
			Params:          params,
			FreshParamNames: freshNames,
			TrainData:       openRecords(t, writeImageRecords(t, "train.rec", 8), true),
			InputShape:      testInputShape,
			BatchSize:       4,
			Epochs:          0,
			Seed:            seed,
		})
		check(t, err)
		defer func() {
			check(t, session.Destroy())
		}()
		check(t, session.Train())
		result, err := session.Params()
		check(t, err)
		return result.Args["fc1_weight"].Data().([]float32)
	}

	assert.Equal(t, headWeights(21), headWeights(21), "same seed, same initialization")
	assert.NotEqual(t, headWeights(21), headWeights(22))
}

func TestSaveRefusesPartialRun(t *testing.T) {
	architecture, params, freshNames := graftedModel(t, 3)
	session, err := NewTrainingSession(TrainingConfig{
		Architecture:    architecture,
		Params:          params,
		FreshParamNames: freshNames,
		TrainData:       openRecords(t, writeImageRecords(t, "train.rec", 8), true),
		InputShape:      testInputShape,
		BatchSize:       4,
		Epochs:          1,
		LearningRate:    0.05,
	})
	check(t, err)
	defer func() {
		check(t, session.Destroy())
	}()

	err = session.Save(filepath.Join(t.TempDir(), "partial"))
	require.Error(t, err)

	prefix := filepath.Join(t.TempDir(), "partial")
	exists, err := util.FileExists(checkpoint.SymbolPath(prefix))
	check(t, err)
	assert.False(t, exists, "no checkpoint files are written for an untrained session")
}

func TestSessionValidation(t *testing.T) {
	architecture, params, freshNames := graftedModel(t, 3)
	trainData := openRecords(t, writeImageRecords(t, "train.rec", 8), true)

	base := TrainingConfig{
		Architecture:    architecture,
		Params:          params,
		FreshParamNames: freshNames,
		TrainData:       trainData,
		InputShape:      testInputShape,
		BatchSize:       4,
		Epochs:          1,
		LearningRate:    0.05,
	}

	missing := base
	missing.Params = params.WithoutArgs([]string{"fc0_weight"})
	_, err := NewTrainingSession(missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fc0_weight")

	badLR := base
	badLR.LearningRate = 0
	_, err = NewTrainingSession(badLR)
	assert.Error(t, err)

	badOpt := base
	badOpt.Optimizer = "momentum"
	_, err = NewTrainingSession(badOpt)
	assert.Error(t, err)

	noData := base
	noData.TrainData = nil
	_, err = NewTrainingSession(noData)
	assert.Error(t, err)
}

func TestSessionOutOfResourcesAtConstruction(t *testing.T) {
	architecture, params, freshNames := graftedModel(t, 3)
	session, err := NewTrainingSession(TrainingConfig{
		Architecture:    architecture,
		Params:          params,
		FreshParamNames: freshNames,
		TrainData:       openRecords(t, writeImageRecords(t, "train.rec", 8), true),
		InputShape:      testInputShape,
		BatchSize:       4,
		Epochs:          1,
		LearningRate:    0.05,
		Devices:         []compute.Device{compute.GPU(0).WithMemoryLimit(32)},
	})
	require.Error(t, err)
	assert.Nil(t, session)

	var oom *compute.OutOfResourcesError
	require.ErrorAs(t, err, &oom)
	assert.Greater(t, oom.RequiredBytes, int64(32))
}

func TestTrainingOptions(t *testing.T) {
	architecture, params, freshNames := graftedModel(t, 3)
	session, err := NewTrainingSession(TrainingConfig{
		Architecture:    architecture,
		Params:          params,
		FreshParamNames: freshNames,
		TrainData:       openRecords(t, writeImageRecords(t, "train.rec", 8), true),
		InputShape:      testInputShape,
		BatchSize:       4,
		Epochs:          5,
		LearningRate:    0.05,
		Options: []TrainingOption{
			WithEpochs(0),
			WithDevices(compute.CPU(), compute.CPU()),
		},
	})
	check(t, err)
	defer func() {
		check(t, session.Destroy())
	}()

	assert.Equal(t, 2, session.Plan().PerDeviceBatch)
	check(t, session.Train())
	assert.Empty(t, session.Statistics().EpochTrainLosses)
}

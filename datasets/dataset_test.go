package datasets

import (
	"image"
	"image/color"
	"io"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(seed int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, color.RGBA{R: uint8(seed * 20), G: uint8(x * 40), B: uint8(y * 40), A: 255})
		}
	}
	return img
}

func writeTestRecords(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "images.rec")
	writer, err := NewRecordWriter(path)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, writer.AppendImage(i%3, testImage(i)))
	}
	require.NoError(t, writer.Close())
	return path
}

func TestRecordFileRoundtrip(t *testing.T) {
	path := writeTestRecords(t, 5)
	records, err := ReadRecordFile(path)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, record := range records {
		assert.Equal(t, i%3, record.Label)
		assert.NotEmpty(t, record.Image)
	}
}

func TestReadRecordFileRejectsBadMagic(t *testing.T) {
	_, err := parseRecords([]byte("XXXXXXXX rest"))
	assert.Error(t, err)

	_, err = parseRecords(append(append([]byte{}, recordMagic[:]...), 1, 2, 3))
	assert.Error(t, err, "truncated header must be rejected")
}

func yieldLabels(t *testing.T, d *ImageRecordDataset) ([]int32, []int) {
	t.Helper()
	var labels []int32
	var batchSizes []int
	for {
		_, inputs, labelTensors, err := d.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labelTensors, 1)
		batch := tensors.CopyFlatData[int32](labelTensors[0])
		labels = append(labels, batch...)
		batchSizes = append(batchSizes, len(batch))
	}
	return labels, batchSizes
}

func TestYieldBatchShapesAndEOF(t *testing.T) {
	path := writeTestRecords(t, 5)
	d, err := NewImageRecordDataset(ImageRecordConfig{
		Path:         path,
		BatchSize:    2,
		TargetHeight: 4,
		TargetWidth:  4,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()

	assert.Equal(t, 5, d.Len())
	assert.Equal(t, path, d.Name())

	_, inputs, labels, err := d.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 4, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 1}, labels[0].Shape().Dimensions)

	pixels := tensors.CopyFlatData[float32](inputs[0])
	for _, p := range pixels {
		assert.GreaterOrEqual(t, p, float32(0))
		assert.LessOrEqual(t, p, float32(1))
	}

	// Trailing partial batch is emitted, then EOF.
	_, _, _, err = d.Yield()
	require.NoError(t, err)
	_, inputs, _, err = d.Yield()
	require.NoError(t, err)
	assert.Equal(t, 1, inputs[0].Shape().Dim(0))
	_, _, _, err = d.Yield()
	assert.Equal(t, io.EOF, err)
}

func TestValidationOrderIsSequential(t *testing.T) {
	path := writeTestRecords(t, 7)
	d, err := NewImageRecordDataset(ImageRecordConfig{
		Path:         path,
		BatchSize:    3,
		TargetHeight: 4,
		TargetWidth:  4,
	})
	require.NoError(t, err)

	labels, batchSizes := yieldLabels(t, d)
	assert.Equal(t, []int32{0, 1, 2, 0, 1, 2, 0}, labels)
	assert.Equal(t, []int{3, 3, 1}, batchSizes)

	// Reset replays the identical sequence in validation mode.
	d.Reset()
	again, _ := yieldLabels(t, d)
	assert.Equal(t, labels, again)
}

func TestTrainingShuffleIsSeeded(t *testing.T) {
	path := writeTestRecords(t, 16)
	config := ImageRecordConfig{
		Path:         path,
		BatchSize:    4,
		TargetHeight: 4,
		TargetWidth:  4,
		Augment:      true,
		Seed:         11,
	}

	first, err := NewImageRecordDataset(config)
	require.NoError(t, err)
	second, err := NewImageRecordDataset(config)
	require.NoError(t, err)

	firstLabels, _ := yieldLabels(t, first)
	secondLabels, _ := yieldLabels(t, second)
	assert.Equal(t, firstLabels, secondLabels, "same seed must visit records in the same order")

	config.Seed = 12
	third, err := NewImageRecordDataset(config)
	require.NoError(t, err)
	thirdLabels, _ := yieldLabels(t, third)
	assert.Len(t, thirdLabels, len(firstLabels))
}

func TestValidateErrors(t *testing.T) {
	_, err := NewImageRecordDataset(ImageRecordConfig{BatchSize: 2, TargetHeight: 4, TargetWidth: 4})
	assert.Error(t, err)

	_, err = NewImageRecordDataset(ImageRecordConfig{Path: "x.rec", TargetHeight: 4, TargetWidth: 4})
	assert.Error(t, err)

	_, err = NewImageRecordDataset(ImageRecordConfig{Path: "x.rec", BatchSize: 2})
	assert.Error(t, err)
}

func TestEmptyRecordFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.rec")
	writer, err := NewRecordWriter(path)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	_, err = NewImageRecordDataset(ImageRecordConfig{
		Path:         path,
		BatchSize:    2,
		TargetHeight: 4,
		TargetWidth:  4,
	})
	assert.Error(t, err)
}

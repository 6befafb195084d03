// Package datasets provides the data iterators a fine-tuning run consumes:
// restartable, finite-per-epoch sequences of (image batch, label batch)
// pairs read from a packed record file. Training iterators shuffle batch
// order and augment images; validation iterators do neither.
package datasets

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"math/rand"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/graft-ml/graft/util/imageutil"
)

// Dataset is the iterator contract the trainer consumes: the compute
// framework's dataset interface plus validation and teardown.
type Dataset interface {
	train.Dataset
	Validate() error
	SetVerbose(bool)
	Close() error
}

// ImageRecordConfig configures an ImageRecordDataset.
type ImageRecordConfig struct {
	Path         string
	BatchSize    int
	TargetHeight int
	TargetWidth  int

	// Augment enables training mode: shuffled batch order plus a random
	// spatial crop and a random horizontal mirror per image. When false the
	// iterator is deterministic: sequential order, center crop only.
	Augment bool

	// Seed drives shuffling and augmentation. Runs with the same seed visit
	// the same batches with the same crops.
	Seed int64

	// LogEveryBatches emits a throughput line every N batches when verbose.
	// Zero disables the periodic report.
	LogEveryBatches int

	// Normalization is applied per pixel after augmentation. Defaults to
	// rescaling into [0,1].
	Normalization []imageutil.NormalizationStep
}

// ImageRecordDataset iterates a packed record file in batches. It is a
// single-consumer, stateful iterator: not safe for concurrent Yield calls.
type ImageRecordDataset struct {
	config  ImageRecordConfig
	records []Record
	rng     *rand.Rand
	augment []imageutil.PreprocessStep
	order   []int
	cursor  int
	batchN  int
	started time.Time
	verbose bool
}

// NewImageRecordDataset opens a record file and prepares the iterator.
func NewImageRecordDataset(config ImageRecordConfig) (*ImageRecordDataset, error) {
	d := &ImageRecordDataset{config: config}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	records, err := ReadRecordFile(config.Path)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("record file %s contains no records", config.Path)
	}
	d.records = records
	d.rng = rand.New(rand.NewSource(config.Seed))
	if config.Augment {
		d.augment = []imageutil.PreprocessStep{
			imageutil.RandomCropStep(d.rng, config.TargetWidth, config.TargetHeight),
			imageutil.RandomMirrorStep(d.rng),
		}
	} else {
		d.augment = []imageutil.PreprocessStep{
			imageutil.CenterCropStep(config.TargetWidth, config.TargetHeight),
		}
	}
	if d.config.Normalization == nil {
		d.config.Normalization = []imageutil.NormalizationStep{imageutil.RescaleStep()}
	}
	d.order = make([]int, len(records))
	for i := range d.order {
		d.order[i] = i
	}
	if config.Augment {
		d.rng.Shuffle(len(d.order), func(i, j int) { d.order[i], d.order[j] = d.order[j], d.order[i] })
	}
	d.started = time.Now()
	return d, nil
}

func (d *ImageRecordDataset) Validate() error {
	if d.config.Path == "" {
		return fmt.Errorf("record file path is required")
	}
	if d.config.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", d.config.BatchSize)
	}
	if d.config.TargetHeight <= 0 || d.config.TargetWidth <= 0 {
		return fmt.Errorf("target image shape must be positive, got %dx%d", d.config.TargetHeight, d.config.TargetWidth)
	}
	return nil
}

func (d *ImageRecordDataset) Name() string {
	return d.config.Path
}

func (d *ImageRecordDataset) SetVerbose(v bool) {
	d.verbose = v
}

// Len returns the number of records in the container.
func (d *ImageRecordDataset) Len() int {
	return len(d.records)
}

// Reset restarts the iterator for the next epoch, reshuffling the batch
// order in training mode.
func (d *ImageRecordDataset) Reset() {
	if d.verbose {
		fmt.Printf("completed epoch over %s in %d batches of %d, resetting\n", d.config.Path, d.batchN, d.config.BatchSize)
	}
	d.cursor = 0
	d.batchN = 0
	d.started = time.Now()
	if d.config.Augment {
		d.rng.Shuffle(len(d.order), func(i, j int) { d.order[i], d.order[j] = d.order[j], d.order[i] })
	}
}

// Yield returns the next batch as (image tensor [n, H, W, 3], label tensor
// [n, 1]). It returns io.EOF when the epoch is exhausted; a trailing batch
// shorter than the configured batch size is still emitted.
func (d *ImageRecordDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if d.cursor >= len(d.order) {
		return nil, nil, nil, io.EOF
	}
	end := d.cursor + d.config.BatchSize
	if end > len(d.order) {
		end = len(d.order)
	}
	n := end - d.cursor

	h, w := d.config.TargetHeight, d.config.TargetWidth
	pixels := make([]float32, 0, n*h*w*3)
	labelData := make([]int32, 0, n)
	for _, idx := range d.order[d.cursor:end] {
		record := d.records[idx]
		img, _, decodeErr := image.Decode(bytes.NewReader(record.Image))
		if decodeErr != nil {
			return nil, nil, nil, fmt.Errorf("failed to decode record %d: %w", idx, decodeErr)
		}
		for _, step := range d.augment {
			img, err = step.Apply(img)
			if err != nil {
				return nil, nil, nil, err
			}
		}
		pixels = append(pixels, imageutil.ToNHWC(img, d.config.Normalization)...)
		labelData = append(labelData, int32(record.Label))
	}
	d.cursor = end
	d.batchN++
	d.maybeLogProgress()

	imageTensor := tensors.FromFlatDataAndDimensions(pixels, n, h, w, 3)
	labelTensor := tensors.FromFlatDataAndDimensions(labelData, n, 1)
	return nil, []*tensors.Tensor{imageTensor}, []*tensors.Tensor{labelTensor}, nil
}

func (d *ImageRecordDataset) maybeLogProgress() {
	if !d.verbose || d.config.LogEveryBatches <= 0 || d.batchN%d.config.LogEveryBatches != 0 {
		return
	}
	elapsed := time.Since(d.started).Seconds()
	if elapsed <= 0 {
		return
	}
	fmt.Printf("%s: %d batches (%.1f batches/sec)\n", d.config.Path, d.batchN, float64(d.batchN)/elapsed)
}

// Close releases the in-memory record index.
func (d *ImageRecordDataset) Close() error {
	d.records = nil
	d.order = nil
	return nil
}

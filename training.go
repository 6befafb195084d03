package graft

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/graft-ml/graft/arch"
	"github.com/graft-ml/graft/checkpoint"
	"github.com/graft-ml/graft/compute"
	"github.com/graft-ml/graft/datasets"
	"github.com/graft-ml/graft/util"
)

// TrainingStatistics accumulates the per-epoch history of a run.
type TrainingStatistics struct {
	EpochTrainLosses []float32 `json:"epochTrainLosses"` // loss of the last training step of each epoch
	EpochValMetrics  []float32 `json:"epochValMetrics"`  // validation metric after each epoch
}

// TrainingConfig describes a fine-tuning run. It is constructed once and not
// modified while the run is in flight.
type TrainingConfig struct {
	// Architecture and Params come out of ReplaceFinalLayer: the grafted
	// graph and the retained pretrained parameters.
	Architecture *arch.Architecture
	Params       *checkpoint.ParamSet

	// FreshParamNames lists the parameters that are allowed to be absent from
	// Params and will be randomly initialized (the new head). Returned by
	// ReplaceFinalLayer.
	FreshParamNames []string

	TrainData datasets.Dataset
	ValData   datasets.Dataset // optional; skips evaluation when nil

	// InputShape is the per-sample image shape [height, width, channels].
	InputShape []int

	BatchSize    int
	Devices      []compute.Device // defaults to the host CPU
	Epochs       int
	LearningRate float64
	Optimizer    Optimizer // defaults to OptimizerSGD
	EvalMetric   Metric    // defaults to MetricAccuracy

	// Seed drives the new head's initialization. Fixed seed plus a
	// deterministic iterator gives reproducible runs.
	Seed int64

	Verbose bool
	Options []TrainingOption
}

// TrainingSession owns a fine-tuning run: the device plan, the bound model
// and the statistics. Create it with NewTrainingSession, run it with Train,
// and Destroy it when done.
type TrainingSession struct {
	config     TrainingConfig
	plan       *compute.Plan
	model      *boundModel
	statistics TrainingStatistics
	trained    bool
}

// TrainingOption mutates a session during construction.
type TrainingOption func(s *TrainingSession) error

// WithEpochs overrides the configured number of epochs.
func WithEpochs(epochs int) TrainingOption {
	return func(s *TrainingSession) error {
		if epochs < 0 {
			return fmt.Errorf("epochs cannot be negative")
		}
		s.config.Epochs = epochs
		return nil
	}
}

// WithDevices overrides the device list.
func WithDevices(devices ...compute.Device) TrainingOption {
	return func(s *TrainingSession) error {
		if len(devices) == 0 {
			return fmt.Errorf("at least one device is required")
		}
		s.config.Devices = devices
		return nil
	}
}

// WithVerbose enables progress reporting on the session and its datasets.
func WithVerbose() TrainingOption {
	return func(s *TrainingSession) error {
		s.config.Verbose = true
		return nil
	}
}

// NewTrainingSession validates the configuration, checks the parameter set
// against the architecture with missing-allowed semantics for the fresh
// head, and binds the architecture to the configured devices. Device memory
// is checked here, before any batch is processed: an undersized device fails
// the construction with a *compute.OutOfResourcesError.
func NewTrainingSession(config TrainingConfig) (*TrainingSession, error) {
	session := &TrainingSession{config: config}
	for _, opt := range config.Options {
		if err := opt(session); err != nil {
			return nil, err
		}
	}

	c := &session.config
	if c.Architecture == nil {
		return nil, fmt.Errorf("architecture is required")
	}
	if c.Params == nil {
		return nil, fmt.Errorf("parameter set is required")
	}
	if c.TrainData == nil {
		return nil, fmt.Errorf("training dataset is required")
	}
	if len(c.InputShape) != 3 {
		return nil, fmt.Errorf("input shape must be [height, width, channels], got %v", c.InputShape)
	}
	if c.Epochs < 0 {
		return nil, fmt.Errorf("epochs cannot be negative")
	}
	if c.Epochs > 0 && c.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.Optimizer == "" {
		c.Optimizer = OptimizerSGD
	}
	if err := c.Optimizer.validate(); err != nil {
		return nil, err
	}
	if c.EvalMetric == "" {
		c.EvalMetric = MetricAccuracy
	}
	if err := c.EvalMetric.validate(); err != nil {
		return nil, err
	}
	if len(c.Devices) == 0 {
		c.Devices = []compute.Device{compute.CPU()}
	}

	// Missing-allowed load semantics: only the fresh head may be absent; any
	// other missing or misshapen parameter fails here.
	if err := c.Params.Validate(c.Architecture, c.InputShape, c.FreshParamNames); err != nil {
		return nil, err
	}

	plan, err := compute.Bind(c.Architecture, c.InputShape, c.BatchSize, c.Devices)
	if err != nil {
		return nil, err
	}
	session.plan = plan

	if c.Verbose {
		c.TrainData.SetVerbose(true)
		if c.ValData != nil {
			c.ValData.SetVerbose(true)
		}
	}
	return session, nil
}

// Plan returns the device binding of the session.
func (s *TrainingSession) Plan() *compute.Plan {
	return s.plan
}

// Statistics returns the recorded per-epoch history.
func (s *TrainingSession) Statistics() TrainingStatistics {
	return s.statistics
}

// Save persists the fine-tuned model as a new checkpoint pair under prefix,
// tagged with the number of epochs trained, plus a statistics JSON file. It
// refuses to write anything for a run that has not completed, so a failed
// run never leaves a partial checkpoint behind.
func (s *TrainingSession) Save(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	if !s.trained {
		return fmt.Errorf("session has not been trained; refusing to save a partial checkpoint")
	}
	params, err := s.Params()
	if err != nil {
		return err
	}
	if err := checkpoint.Save(prefix, s.config.Epochs, s.config.Architecture, params); err != nil {
		return err
	}

	statisticsBytes, err := json.Marshal(s.statistics)
	if err != nil {
		return fmt.Errorf("failed to marshal training statistics: %w", err)
	}
	statisticsWriter, err := util.NewFileWriter(prefix + "-statistics.json")
	if err != nil {
		return err
	}
	var writeErr error
	if _, err = statisticsWriter.Write(statisticsBytes); err != nil {
		writeErr = fmt.Errorf("failed to write training statistics: %w", err)
	}
	return errors.Join(writeErr, statisticsWriter.Close())
}

// Destroy releases the bound model and the datasets.
func (s *TrainingSession) Destroy() error {
	var err error
	if s.model != nil {
		s.model.destroy()
		s.model = nil
	}
	if s.config.TrainData != nil {
		err = errors.Join(err, s.config.TrainData.Close())
	}
	if s.config.ValData != nil {
		err = errors.Join(err, s.config.ValData.Close())
	}
	return err
}

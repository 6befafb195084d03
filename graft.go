// Package graft fine-tunes pretrained image classification networks: it
// loads a checkpoint pair, replaces the final classification layer with a
// fresh head sized for a new label set, and re-trains on a packed image
// record dataset. The heavy lifting (graph execution, autodiff, optimizers)
// is delegated to GoMLX; graft owns the architecture description, the
// checkpoint format, the model surgery and the training orchestration.
package graft

import "fmt"

// Optimizer selects the parameter update rule.
type Optimizer string

const (
	OptimizerSGD  Optimizer = "sgd"
	OptimizerAdam Optimizer = "adam"
)

// Metric selects the evaluation metric computed over the validation set.
type Metric string

const (
	MetricAccuracy Metric = "accuracy"
)

func (o Optimizer) validate() error {
	switch o {
	case OptimizerSGD, OptimizerAdam:
		return nil
	default:
		return fmt.Errorf("unknown optimizer %q", o)
	}
}

func (m Metric) validate() error {
	switch m {
	case MetricAccuracy:
		return nil
	default:
		return fmt.Errorf("unknown eval metric %q", m)
	}
}

package arch

import "fmt"

// Names of the replacement classification head appended by ReplaceHead.
const (
	HeadLayerName  = "fc1"
	HeadOutputName = "softmax"
)

// ReplaceHead truncates the architecture at cutLayer and appends a fresh
// classification head: a fully-connected layer with numClasses units followed
// by a softmax output used as the training objective. It returns the new
// architecture together with the parameter names the new head owns, so
// callers can treat exactly those names as freshly initialized instead of
// guessing by substring. The receiver is never modified.
//
// cutLayer must name an existing node; a missing name yields a
// *LayerNotFoundError.
func (a *Architecture) ReplaceHead(numClasses int, cutLayer string) (*Architecture, []string, error) {
	if numClasses <= 0 {
		return nil, nil, fmt.Errorf("numClasses must be positive, got %d", numClasses)
	}
	trunk, err := a.Truncate(cutLayer)
	if err != nil {
		return nil, nil, err
	}
	head := Node{
		Name:     HeadLayerName,
		Op:       OpFullyConnected,
		Inputs:   []string{cutLayer},
		NumUnits: numClasses,
	}
	out := Node{
		Name:   HeadOutputName,
		Op:     OpSoftmaxOutput,
		Inputs: []string{HeadLayerName},
	}
	replaced, err := trunk.Append(head, out)
	if err != nil {
		return nil, nil, err
	}
	headArgs, _ := NodeParams(head)
	return replaced, headArgs, nil
}

package graft

import (
	"slices"

	"github.com/graft-ml/graft/arch"
	"github.com/graft-ml/graft/checkpoint"
)

// ReplaceFinalLayer performs the model surgery of a fine-tuning run: it cuts
// the architecture at cutLayer, appends a fresh fully-connected head with
// numClasses outputs plus a softmax objective, and filters the old head's
// weights out of the parameter set. The names of the new head's parameters
// are returned explicitly so the trainer knows exactly which parameters to
// initialize from scratch; nothing is matched by name substring.
//
// Inputs are never modified; new values are returned. A cutLayer that does
// not resolve in the architecture yields a *arch.LayerNotFoundError.
func ReplaceFinalLayer(a *arch.Architecture, params *checkpoint.ParamSet, numClasses int, cutLayer string) (*arch.Architecture, *checkpoint.ParamSet, []string, error) {
	replaced, freshNames, err := a.ReplaceHead(numClasses, cutLayer)
	if err != nil {
		return nil, nil, nil, err
	}
	// Drop the parameters of every node the cut removed (the old head), plus
	// any pretrained value that shadows the fresh head's names.
	drop := slices.Clone(freshNames)
	for _, node := range a.Nodes() {
		if replaced.HasNode(node.Name) {
			continue
		}
		args, _ := arch.NodeParams(node)
		drop = append(drop, args...)
	}
	filtered := params.WithoutArgs(drop)
	return replaced, filtered, freshNames, nil
}

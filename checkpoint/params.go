package checkpoint

import (
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
	"gorgonia.org/tensor"

	"github.com/graft-ml/graft/arch"
)

// ParamSet holds the tensors of a model, keyed by parameter name. Args are
// the learnable weights and biases; Aux is auxiliary non-learned state such
// as batch-norm running statistics. Tensors are treated as read-only by
// everything except the trainer that owns the set for the duration of a run.
type ParamSet struct {
	Args map[string]*tensor.Dense
	Aux  map[string]*tensor.Dense
}

// NewParamSet returns an empty parameter set.
func NewParamSet() *ParamSet {
	return &ParamSet{
		Args: map[string]*tensor.Dense{},
		Aux:  map[string]*tensor.Dense{},
	}
}

// Clone returns a new set with fresh maps. The tensors themselves are shared,
// consistent with their read-only treatment.
func (p *ParamSet) Clone() *ParamSet {
	return &ParamSet{
		Args: maps.Clone(p.Args),
		Aux:  maps.Clone(p.Aux),
	}
}

// WithoutArgs returns a copy of the set with the named learnable parameters
// removed. Names that are not present are ignored. Aux entries are retained
// untouched.
func (p *ParamSet) WithoutArgs(names []string) *ParamSet {
	out := p.Clone()
	for _, name := range names {
		delete(out.Args, name)
	}
	return out
}

// ArgNames returns the learnable parameter names in sorted order.
func (p *ParamSet) ArgNames() []string {
	names := maps.Keys(p.Args)
	slices.Sort(names)
	return names
}

// AuxNames returns the auxiliary parameter names in sorted order.
func (p *ParamSet) AuxNames() []string {
	names := maps.Keys(p.Aux)
	slices.Sort(names)
	return names
}

// ShapeMismatchError reports a loaded parameter whose tensor shape disagrees
// with what the architecture expects, e.g. a checkpoint incompatible with the
// declared input shape.
type ShapeMismatchError struct {
	Name string
	Want []int
	Got  []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("parameter %q: architecture expects shape %v, checkpoint has %v", e.Name, e.Want, e.Got)
}

// Validate checks the set against the parameters an architecture requires for
// the given per-sample input shape. Names listed in freshlyInitialized are
// permitted to be absent (they will be randomly initialized by the trainer);
// every other required name must be present with the expected shape. Extra
// entries not referenced by the architecture are ignored.
func (p *ParamSet) Validate(a *arch.Architecture, inputShape []int, freshlyInitialized []string) error {
	want, err := a.InferParamShapes(inputShape)
	if err != nil {
		return err
	}
	fresh := make(map[string]bool, len(freshlyInitialized))
	for _, name := range freshlyInitialized {
		fresh[name] = true
	}
	check := func(required map[string][]int, have map[string]*tensor.Dense, kind string) error {
		names := maps.Keys(required)
		slices.Sort(names)
		for _, name := range names {
			t, ok := have[name]
			if !ok {
				if fresh[name] {
					continue
				}
				return fmt.Errorf("%s parameter %q required by the architecture is missing", kind, name)
			}
			if !slices.Equal([]int(t.Shape()), required[name]) {
				return &ShapeMismatchError{Name: name, Want: required[name], Got: t.Shape()}
			}
		}
		return nil
	}
	if err := check(want.Args, p.Args, "learnable"); err != nil {
		return err
	}
	return check(want.Aux, p.Aux, "auxiliary")
}

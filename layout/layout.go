// Package layout converts convolution weights between the filters-first
// (KCRS) storage order used by checkpoints and the filters-last (RSCK)
// order the HPU executes convolutions with.
package layout

import (
	"fmt"

	"github.com/tsawler/go-hpu/tensor"
)

// Axis permutations between the two canonical 4-D weight orders. Applying
// ToFiltersLast and then ToFiltersFirst restores the original axis order.
var (
	ToFiltersLast  = []int{2, 3, 1, 0} // KCRS -> RSCK
	ToFiltersFirst = []int{3, 2, 0, 1} // RSCK -> KCRS
)

// Parameter couples a learnable tensor with its model-scoped name.
type Parameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// ParameterSource is any model exposing its learnable parameters in a
// stable order.
type ParameterSource interface {
	NamedParameters() []Parameter
}

// InvalidRankError reports a rank-4 parameter whose axis semantics are not
// tagged. Permuting such a tensor could silently corrupt its weight layout,
// so the transform refuses to touch the model at all.
type InvalidRankError struct {
	Name  string
	Shape []int
}

func (e *InvalidRankError) Error() string {
	return fmt.Sprintf("parameter %q has rank 4 but unspecified weight layout (shape %v)", e.Name, e.Shape)
}

// PermuteWeights mutates every rank-4 parameter of the model in place,
// reordering its axes between filters-first and filters-last. Parameters of
// any other rank are left untouched. The mutation is a pure layout change:
// element values are preserved and no gradient is recorded.
//
// The transform is not idempotent: two forward applications do not cancel
// out. Callers must pair each forward permutation with exactly one inverse
// permutation, which is what keeps checkpoint save/restore in the
// framework-standard filters-first order.
//
// All rank-4 parameters are validated before any of them is mutated, so a
// failed call leaves the model exactly as it was.
func PermuteWeights(model ParameterSource, toAcceleratorLayout bool) error {
	params := model.NamedParameters()

	for _, p := range params {
		if p.Tensor.Rank() == 4 && p.Tensor.Layout == tensor.LayoutUnspecified {
			return &InvalidRankError{Name: p.Name, Shape: append([]int(nil), p.Tensor.Shape...)}
		}
	}

	axes := ToFiltersFirst
	target := tensor.FiltersFirst
	if toAcceleratorLayout {
		axes = ToFiltersLast
		target = tensor.FiltersLast
	}

	for _, p := range params {
		if p.Tensor.Rank() != 4 {
			continue
		}
		permuted, err := p.Tensor.Permute(axes)
		if err != nil {
			return fmt.Errorf("failed to permute parameter %q: %v", p.Name, err)
		}
		permuted.Layout = target
		*p.Tensor = *permuted
	}

	return nil
}

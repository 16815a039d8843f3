package tensor

import (
	"fmt"
)

// Permute returns a new tensor whose axes are reordered so that output
// dimension i corresponds to input dimension axes[i]. Element values are
// preserved exactly; the backing data is rewritten into the contiguous
// stride order of the new shape. Gradient state is not carried over, so a
// permutation is never recorded as a differentiable operation.
func (t *Tensor) Permute(axes []int) (*Tensor, error) {
	rank := t.Rank()
	if len(axes) != rank {
		return nil, fmt.Errorf("permutation has %d axes, tensor has rank %d", len(axes), rank)
	}

	seen := make([]bool, rank)
	for _, axis := range axes {
		if axis < 0 || axis >= rank {
			return nil, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
		}
		if seen[axis] {
			return nil, fmt.Errorf("axis %d appears more than once in permutation %v", axis, axes)
		}
		seen[axis] = true
	}

	newShape := make([]int, rank)
	for i, axis := range axes {
		newShape[i] = t.Shape[axis]
	}

	permuted := &Tensor{
		Shape:        newShape,
		Strides:      calculateStrides(newShape),
		DType:        t.DType,
		Device:       t.Device,
		NumElems:     t.NumElems,
		Layout:       t.Layout,
		requiresGrad: t.requiresGrad,
		layoutGen:    t.layoutGen + 1,
	}

	switch t.DType {
	case Float32:
		src, err := t.Float32Data()
		if err != nil {
			return nil, err
		}
		dst := make([]float32, t.NumElems)
		copyPermuted(dst, src, t.Shape, axes, permuted.Strides)
		permuted.Data = dst
	case Int32:
		src, err := t.Int32Data()
		if err != nil {
			return nil, err
		}
		dst := make([]int32, t.NumElems)
		copyPermuted(dst, src, t.Shape, axes, permuted.Strides)
		permuted.Data = dst
	default:
		return nil, fmt.Errorf("unsupported dtype for permute: %s", t.DType)
	}

	return permuted, nil
}

// copyPermuted walks every element of the source tensor in its own index
// order and writes it at the position the permutation assigns in dst.
func copyPermuted[T float32 | int32](dst, src []T, srcShape, axes, dstStrides []int) {
	rank := len(srcShape)
	idx := make([]int, rank)

	// invAxes[srcDim] = position of srcDim in the output shape.
	invAxes := make([]int, rank)
	for outDim, srcDim := range axes {
		invAxes[srcDim] = outDim
	}

	for srcOffset := range src {
		dstOffset := 0
		for d := 0; d < rank; d++ {
			dstOffset += idx[d] * dstStrides[invAxes[d]]
		}
		dst[dstOffset] = src[srcOffset]

		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < srcShape[d] {
				break
			}
			idx[d] = 0
		}
	}
}

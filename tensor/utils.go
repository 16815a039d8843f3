package tensor

import (
	"fmt"
)

// Reshape returns a new tensor with the same data but different shape.
// The new shape must have the same total number of elements. One dimension
// may be -1 and is inferred from the rest.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	newNumElems := 1
	hasNegOne := false
	negOneIdx := -1

	for i, dim := range newShape {
		if dim < 0 {
			if dim != -1 {
				return nil, fmt.Errorf("negative dimension %d at index %d is not allowed (only -1 is allowed)", dim, i)
			}
			if hasNegOne {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			hasNegOne = true
			negOneIdx = i
		} else if dim == 0 {
			return nil, fmt.Errorf("dimension %d cannot be 0", i)
		} else {
			newNumElems *= dim
		}
	}

	if hasNegOne {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape with -1: size must be divisible by %d", t.NumElems, newNumElems)
		}
		inferredDim := t.NumElems / newNumElems
		newShape[negOneIdx] = inferredDim
		newNumElems *= inferredDim
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, newShape, newNumElems)
	}

	reshaped := &Tensor{
		Shape:        append([]int(nil), newShape...),
		Strides:      calculateStrides(newShape),
		DType:        t.DType,
		Device:       t.Device,
		Data:         t.Data, // Share the same underlying data
		NumElems:     t.NumElems,
		Layout:       t.Layout,
		requiresGrad: t.requiresGrad,
		layoutGen:    t.layoutGen,
	}

	return reshaped, nil
}

// Clone returns a deep copy of the tensor. Gradient state is not copied.
func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:        append([]int(nil), t.Shape...),
		Strides:      append([]int(nil), t.Strides...),
		DType:        t.DType,
		Device:       t.Device,
		NumElems:     t.NumElems,
		Layout:       t.Layout,
		requiresGrad: t.requiresGrad,
		layoutGen:    t.layoutGen,
	}

	switch t.DType {
	case Float32:
		data, err := t.Float32Data()
		if err != nil {
			return nil, err
		}
		cloneData := make([]float32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	case Int32:
		data, err := t.Int32Data()
		if err != nil {
			return nil, err
		}
		cloneData := make([]int32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	default:
		return nil, fmt.Errorf("unsupported dtype for clone: %s", t.DType)
	}

	return clone, nil
}

// ToHPU marks the tensor as resident on the accelerator. Data stays in host
// memory; the device tag is what placement-aware code dispatches on.
func (t *Tensor) ToHPU() *Tensor {
	t.Device = HPU
	return t
}

// ToCPU marks the tensor as resident in host memory.
func (t *Tensor) ToCPU() *Tensor {
	t.Device = CPU
	return t
}

// Equal reports whether two tensors have identical shape and element values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t.DType != other.DType || len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	switch t.DType {
	case Float32:
		a, errA := t.Float32Data()
		b, errB := other.Float32Data()
		if errA != nil || errB != nil {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	case Int32:
		a, errA := t.Int32Data()
		b, errB := other.Int32Data()
		if errA != nil || errB != nil {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	default:
		return false
	}
	return true
}

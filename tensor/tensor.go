package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

type DeviceType int

const (
	CPU DeviceType = iota
	HPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case HPU:
		return "HPU"
	default:
		return "Unknown"
	}
}

// WeightLayout tags the axis semantics of a rank-4 convolution weight.
// KCRS is (output channels, input channels, kernel height, kernel width);
// RSCK is (kernel height, kernel width, input channels, output channels).
// Tensors that are not convolution weights stay LayoutUnspecified.
type WeightLayout int

const (
	LayoutUnspecified WeightLayout = iota
	FiltersFirst                   // KCRS
	FiltersLast                    // RSCK
)

func (wl WeightLayout) String() string {
	switch wl {
	case LayoutUnspecified:
		return "Unspecified"
	case FiltersFirst:
		return "FiltersFirst"
	case FiltersLast:
		return "FiltersLast"
	default:
		return "Unknown"
	}
}

type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Device   DeviceType
	Data     interface{}
	NumElems int

	// Layout is meaningful only for rank-4 convolution weights.
	Layout WeightLayout

	requiresGrad bool
	grad         *Tensor
	layoutGen    int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// LayoutGeneration counts how many times the tensor's storage order has
// changed. Permute bumps it on the tensor it returns, so code that caches
// per-element state (optimizer moment buffers) can tell when a buffer
// indexed against the old order has gone stale. A permutation preserves the
// element count, so a length check alone cannot detect this.
func (t *Tensor) LayoutGeneration() int {
	return t.layoutGen
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the accumulated gradient tensor.
func (t *Tensor) SetGrad(grad *Tensor) {
	t.grad = grad
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// AccumulateGrad adds grad into the tensor's accumulated gradient,
// initializing it on first use.
func (t *Tensor) AccumulateGrad(grad *Tensor) error {
	if grad.NumElems != t.NumElems {
		return fmt.Errorf("gradient size mismatch: parameter has %d elements, gradient has %d", t.NumElems, grad.NumElems)
	}
	if t.grad == nil {
		clone, err := grad.Clone()
		if err != nil {
			return fmt.Errorf("failed to clone gradient: %v", err)
		}
		t.grad = clone
		return nil
	}
	dst, err := t.grad.Float32Data()
	if err != nil {
		return err
	}
	src, err := grad.Float32Data()
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

// NewTensor creates a tensor from existing data. A nil data slice allocates
// zeroed storage of the right size.
func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	if data == nil {
		switch dtype {
		case Float32:
			data = make([]float32, numElems)
		case Int32:
			data = make([]int32, numElems)
		default:
			return nil, fmt.Errorf("unsupported dtype: %s", dtype)
		}
	} else {
		if err := validateData(data, dtype, numElems); err != nil {
			return nil, err
		}
	}

	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Device:   device,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	return NewTensor(shape, dtype, device, nil)
}

// Float32Data returns the backing slice of a Float32 tensor.
func (t *Tensor) Float32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor has no backing float32 data")
	}
	return data, nil
}

// Int32Data returns the backing slice of an Int32 tensor.
func (t *Tensor) Int32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Int32", t.DType)
	}
	data, ok := t.Data.([]int32)
	if !ok {
		return nil, fmt.Errorf("tensor has no backing int32 data")
	}
	return data, nil
}

// SetData replaces the tensor's backing data in place. The new data must
// match the tensor's dtype and element count.
func (t *Tensor) SetData(data interface{}) error {
	if err := validateData(data, t.DType, t.NumElems); err != nil {
		return err
	}
	t.Data = data
	return nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func validateData(data interface{}, dtype DType, numElems int) error {
	switch dtype {
	case Float32:
		d, ok := data.([]float32)
		if !ok {
			return fmt.Errorf("data type mismatch: expected []float32 for dtype %s", dtype)
		}
		if len(d) != numElems {
			return fmt.Errorf("data length %d does not match shape element count %d", len(d), numElems)
		}
	case Int32:
		d, ok := data.([]int32)
		if !ok {
			return fmt.Errorf("data type mismatch: expected []int32 for dtype %s", dtype)
		}
		if len(d) != numElems {
			return fmt.Errorf("data length %d does not match shape element count %d", len(d), numElems)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", dtype)
	}
	return nil
}

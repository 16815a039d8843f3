package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-hpu/layout"
	"github.com/tsawler/go-hpu/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	// Backward consumes the gradient of the loss with respect to the
	// module's output, accumulates parameter gradients, and returns the
	// gradient with respect to the input.
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor        // Returns trainable parameters
	NamedParameters() []layout.Parameter // Parameters with model-scoped names
	Train()                              // Sets module to training mode
	Eval()                               // Sets module to evaluation mode
	IsTraining() bool                    // Returns true if in training mode
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	name     string
	weight   *tensor.Tensor // [inputSize, outputSize]
	bias     *tensor.Tensor // [outputSize], nil when disabled
	input    *tensor.Tensor // cached for backward
	training bool
}

// NewLinear creates a new Linear layer
func NewLinear(inputSize, outputSize int, bias bool, name string) (*Linear, error) {
	// Xavier/Glorot uniform initialization
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, tensor.Float32, tensor.CPU, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		name:     name,
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}

	batchSize := input.Shape[0]
	inputSize := input.Shape[1]
	outputSize := l.weight.Shape[1]

	if inputSize != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], inputSize)
	}

	x, err := input.Float32Data()
	if err != nil {
		return nil, err
	}
	w, err := l.weight.Float32Data()
	if err != nil {
		return nil, err
	}

	outData := make([]float32, batchSize*outputSize)
	for b := 0; b < batchSize; b++ {
		for i := 0; i < inputSize; i++ {
			xv := x[b*inputSize+i]
			if xv == 0 {
				continue
			}
			for o := 0; o < outputSize; o++ {
				outData[b*outputSize+o] += xv * w[i*outputSize+o]
			}
		}
	}

	if l.bias != nil {
		bias, err := l.bias.Float32Data()
		if err != nil {
			return nil, err
		}
		for b := 0; b < batchSize; b++ {
			for o := 0; o < outputSize; o++ {
				outData[b*outputSize+o] += bias[o]
			}
		}
	}

	if l.training {
		l.input = input
	}

	return tensor.NewTensor([]int{batchSize, outputSize}, tensor.Float32, input.Device, outData)
}

// Backward accumulates weight and bias gradients and returns the input gradient
func (l *Linear) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("Linear backward called before forward")
	}

	batchSize := l.input.Shape[0]
	inputSize := l.weight.Shape[0]
	outputSize := l.weight.Shape[1]

	x, err := l.input.Float32Data()
	if err != nil {
		return nil, err
	}
	g, err := gradOutput.Float32Data()
	if err != nil {
		return nil, err
	}
	w, err := l.weight.Float32Data()
	if err != nil {
		return nil, err
	}

	gradW := make([]float32, inputSize*outputSize)
	gradIn := make([]float32, batchSize*inputSize)
	for b := 0; b < batchSize; b++ {
		for i := 0; i < inputSize; i++ {
			xv := x[b*inputSize+i]
			for o := 0; o < outputSize; o++ {
				gv := g[b*outputSize+o]
				gradW[i*outputSize+o] += xv * gv
				gradIn[b*inputSize+i] += gv * w[i*outputSize+o]
			}
		}
	}

	gradWT, err := tensor.NewTensor([]int{inputSize, outputSize}, tensor.Float32, tensor.CPU, gradW)
	if err != nil {
		return nil, err
	}
	if err := l.weight.AccumulateGrad(gradWT); err != nil {
		return nil, fmt.Errorf("failed to accumulate weight gradient: %v", err)
	}

	if l.bias != nil {
		gradB := make([]float32, outputSize)
		for b := 0; b < batchSize; b++ {
			for o := 0; o < outputSize; o++ {
				gradB[o] += g[b*outputSize+o]
			}
		}
		gradBT, err := tensor.NewTensor([]int{outputSize}, tensor.Float32, tensor.CPU, gradB)
		if err != nil {
			return nil, err
		}
		if err := l.bias.AccumulateGrad(gradBT); err != nil {
			return nil, fmt.Errorf("failed to accumulate bias gradient: %v", err)
		}
	}

	return tensor.NewTensor([]int{batchSize, inputSize}, tensor.Float32, gradOutput.Device, gradIn)
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

// NamedParameters returns parameters with their model-scoped names
func (l *Linear) NamedParameters() []layout.Parameter {
	params := []layout.Parameter{{Name: l.name + ".weight", Tensor: l.weight}}
	if l.bias != nil {
		params = append(params, layout.Parameter{Name: l.name + ".bias", Tensor: l.bias})
	}
	return params
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// ReLU implements the rectified linear activation
type ReLU struct {
	input    *tensor.Tensor
	training bool
}

// NewReLU creates a new ReLU activation
func NewReLU() *ReLU {
	return &ReLU{training: true}
}

// Forward applies max(0, x) elementwise
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := input.Float32Data()
	if err != nil {
		return nil, err
	}

	outData := make([]float32, len(x))
	for i, v := range x {
		if v > 0 {
			outData[i] = v
		}
	}

	if r.training {
		r.input = input
	}

	return tensor.NewTensor(input.Shape, tensor.Float32, input.Device, outData)
}

// Backward masks the output gradient where the input was non-positive
func (r *ReLU) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if r.input == nil {
		return nil, fmt.Errorf("ReLU backward called before forward")
	}

	x, err := r.input.Float32Data()
	if err != nil {
		return nil, err
	}
	g, err := gradOutput.Float32Data()
	if err != nil {
		return nil, err
	}

	gradIn := make([]float32, len(g))
	for i := range g {
		if x[i] > 0 {
			gradIn[i] = g[i]
		}
	}

	return tensor.NewTensor(gradOutput.Shape, tensor.Float32, gradOutput.Device, gradIn)
}

func (r *ReLU) Parameters() []*tensor.Tensor        { return nil }
func (r *ReLU) NamedParameters() []layout.Parameter { return nil }
func (r *ReLU) Train()                              { r.training = true }
func (r *ReLU) Eval()                               { r.training = false }
func (r *ReLU) IsTraining() bool                    { return r.training }

// Flatten collapses all non-batch dimensions into one
type Flatten struct {
	inputShape []int
	training   bool
}

// NewFlatten creates a new Flatten layer
func NewFlatten() *Flatten {
	return &Flatten{training: true}
}

// Forward reshapes [batch, d1, d2, ...] to [batch, d1*d2*...]
func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects at least 2D input, got shape %v", input.Shape)
	}

	f.inputShape = append([]int(nil), input.Shape...)
	return input.Reshape([]int{input.Shape[0], -1})
}

// Backward reshapes the gradient back to the cached input shape
func (f *Flatten) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if f.inputShape == nil {
		return nil, fmt.Errorf("Flatten backward called before forward")
	}
	return gradOutput.Reshape(f.inputShape)
}

func (f *Flatten) Parameters() []*tensor.Tensor        { return nil }
func (f *Flatten) NamedParameters() []layout.Parameter { return nil }
func (f *Flatten) Train()                              { f.training = true }
func (f *Flatten) Eval()                               { f.training = false }
func (f *Flatten) IsTraining() bool                    { return f.training }

// Sequential chains modules, feeding each module's output into the next
type Sequential struct {
	modules []Module
}

// NewSequential creates a Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules}
}

// Add appends a module to the chain
func (s *Sequential) Add(module Module) *Sequential {
	s.modules = append(s.modules, module)
	return s
}

// Forward runs the modules in order
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	current := input
	for i, module := range s.modules {
		output, err := module.Forward(current)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
		current = output
	}
	return current, nil
}

// Backward runs the modules in reverse order
func (s *Sequential) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	current := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		grad, err := s.modules[i].Backward(current)
		if err != nil {
			return nil, fmt.Errorf("module %d backward failed: %v", i, err)
		}
		current = grad
	}
	return current, nil
}

// Parameters returns the trainable parameters of all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

// NamedParameters returns the named parameters of all modules
func (s *Sequential) NamedParameters() []layout.Parameter {
	var params []layout.Parameter
	for _, module := range s.modules {
		params = append(params, module.NamedParameters()...)
	}
	return params
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	for _, module := range s.modules {
		module.Eval()
	}
}

// IsTraining reports whether the first module is in training mode
func (s *Sequential) IsTraining() bool {
	if len(s.modules) == 0 {
		return false
	}
	return s.modules[0].IsTraining()
}

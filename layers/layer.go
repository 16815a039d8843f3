package layers

import (
	"fmt"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration. This is pure configuration - no
// execution logic. Conv2D weight shapes are recorded filters-first (KCRS);
// conversion to the HPU's filters-last order happens at strategy setup, not
// here.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape includes the batch
// dimension, e.g. [batch, channels, height, width] for image models.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model. The input size is computed
// during compilation by flattening every non-batch dimension.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	layer := LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	layer := LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
	return mb.AddLayer(layer)
}

// AddSoftmax adds a Softmax activation to the model
func (mb *ModelBuilder) AddSoftmax(axis int, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	}
	return mb.AddLayer(layer)
}

// AddFlatten adds a Flatten layer collapsing all non-batch dimensions
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	layer := LayerSpec{
		Type:       Flatten,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
	return mb.AddLayer(layer)
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
		Compiled:   false,
	}

	copy(model.Layers, mb.layers)

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case ReLU, Softmax:
		return computeActivationInfo(inputShape)
	case Flatten:
		return computeFlattenInfo(inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires at least 2D input")
	}

	outputSize, ok := layer.Parameters["output_size"].(int)
	if !ok {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}

	useBias := true
	if bias, exists := layer.Parameters["use_bias"].(bool); exists {
		useBias = bias
	}

	// Flatten all dimensions except batch
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	batchSize := inputShape[0]
	outputShape := []int{batchSize, outputSize}

	var paramShapes [][]int
	paramCount := int64(0)

	// Weight matrix: [inputSize, outputSize]
	paramShapes = append(paramShapes, []int{inputSize, outputSize})
	paramCount += int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels, ok := layer.Parameters["output_channels"].(int)
	if !ok {
		return nil, nil, 0, fmt.Errorf("missing output_channels parameter")
	}

	kernelSize, ok := layer.Parameters["kernel_size"].(int)
	if !ok {
		return nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}

	stride, ok := layer.Parameters["stride"].(int)
	if !ok {
		stride = 1
	}

	padding, ok := layer.Parameters["padding"].(int)
	if !ok {
		padding = 0
	}

	useBias := true
	if bias, exists := layer.Parameters["use_bias"].(bool); exists {
		useBias = bias
	}

	batchSize := inputShape[0]
	inputChannels := inputShape[1]
	inputHeight := inputShape[2]
	inputWidth := inputShape[3]

	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputHeight+2*padding-kernelSize)/stride + 1
	outputWidth := (inputWidth+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, fmt.Errorf("kernel %d with stride %d and padding %d does not fit %dx%d input", kernelSize, stride, padding, inputHeight, inputWidth)
	}

	outputShape := []int{batchSize, outputChannels, outputHeight, outputWidth}

	var paramShapes [][]int
	paramCount := int64(0)

	// Weight tensor, filters-first: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes = append(paramShapes, []int{outputChannels, inputChannels, kernelSize, kernelSize})
	paramCount += int64(outputChannels * inputChannels * kernelSize * kernelSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeActivationInfo computes activation layer information (no parameters)
func computeActivationInfo(inputShape []int) ([]int, [][]int, int64, error) {
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)

	return outputShape, [][]int{}, 0, nil
}

// computeFlattenInfo collapses all non-batch dimensions into one
func computeFlattenInfo(inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("flatten layer requires at least 2D input")
	}

	flat := 1
	for i := 1; i < len(inputShape); i++ {
		flat *= inputShape[i]
	}

	return []int{inputShape[0], flat}, [][]int{}, 0, nil
}

package training

import (
	"fmt"

	"github.com/tsawler/go-hpu/layers"
)

// BuildFromSpec instantiates a trainable model from a compiled layer spec.
// The spec describes the architecture; this creates the modules with
// initialized parameters.
func BuildFromSpec(spec *layers.ModelSpec) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled before building")
	}

	model := NewSequential()

	for i, layer := range spec.Layers {
		switch layer.Type {
		case layers.Dense:
			inputSize := 1
			for _, d := range layer.InputShape[1:] {
				inputSize *= d
			}
			outputSize, ok := layer.Parameters["output_size"].(int)
			if !ok {
				return nil, fmt.Errorf("layer %d (%s): missing output_size", i, layer.Name)
			}
			useBias, _ := layer.Parameters["use_bias"].(bool)

			linear, err := NewLinear(inputSize, outputSize, useBias, layer.Name)
			if err != nil {
				return nil, fmt.Errorf("layer %d (%s): %v", i, layer.Name, err)
			}
			model.Add(linear)

		case layers.Conv2D:
			outputChannels, ok := layer.Parameters["output_channels"].(int)
			if !ok {
				return nil, fmt.Errorf("layer %d (%s): missing output_channels", i, layer.Name)
			}
			kernelSize, _ := layer.Parameters["kernel_size"].(int)
			stride, _ := layer.Parameters["stride"].(int)
			padding, _ := layer.Parameters["padding"].(int)
			useBias, _ := layer.Parameters["use_bias"].(bool)

			if len(layer.InputShape) != 4 {
				return nil, fmt.Errorf("layer %d (%s): Conv2D needs a 4D input shape, got %v", i, layer.Name, layer.InputShape)
			}
			inputChannels := layer.InputShape[1]

			conv, err := NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding, useBias, layer.Name)
			if err != nil {
				return nil, fmt.Errorf("layer %d (%s): %v", i, layer.Name, err)
			}
			model.Add(conv)

		case layers.ReLU:
			model.Add(NewReLU())

		case layers.Flatten:
			model.Add(NewFlatten())

		case layers.Softmax:
			// Classification models here end in CrossEntropyLoss, which
			// applies softmax itself, so a trailing Softmax layer is a
			// no-op for training and skipped.
			continue

		default:
			return nil, fmt.Errorf("layer %d (%s): unsupported layer type %s", i, layer.Name, layer.Type.String())
		}
	}

	return model, nil
}

package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-hpu/layout"
	"github.com/tsawler/go-hpu/tensor"
)

// Conv2D implements a 2D convolution over [batch, channels, height, width]
// input. The weight is created filters-first (KCRS); when the layout
// transform has moved it to filters-last (RSCK) for the accelerator, forward
// and backward index it through the tagged layout, so the module keeps
// working in either order.
type Conv2D struct {
	name           string
	weight         *tensor.Tensor // rank 4, KCRS or RSCK per weight.Layout
	bias           *tensor.Tensor // [outputChannels], nil when disabled
	inputChannels  int
	outputChannels int
	kernelSize     int
	stride         int
	padding        int
	input          *tensor.Tensor // cached for backward
	training       bool
}

// NewConv2D creates a new Conv2D layer with a filters-first weight
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool, name string) (*Conv2D, error) {
	if kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid conv2d geometry: kernel=%d stride=%d padding=%d", kernelSize, stride, padding)
	}

	fanIn := inputChannels * kernelSize * kernelSize
	fanOut := outputChannels * kernelSize * kernelSize
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))

	weightData := make([]float32, outputChannels*inputChannels*kernelSize*kernelSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{outputChannels, inputChannels, kernelSize, kernelSize}, tensor.Float32, tensor.CPU, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.Layout = tensor.FiltersFirst
	weight.SetRequiresGrad(true)

	conv := &Conv2D{
		name:           name,
		weight:         weight,
		inputChannels:  inputChannels,
		outputChannels: outputChannels,
		kernelSize:     kernelSize,
		stride:         stride,
		padding:        padding,
		training:       true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputChannels}, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		conv.bias = biasT
	}

	return conv, nil
}

// weightOffset maps the logical (k, c, r, s) kernel coordinate to the flat
// offset under the weight's current axis order.
func (cv *Conv2D) weightOffset(k, c, r, s int) (int, error) {
	K := cv.outputChannels
	C := cv.inputChannels
	R := cv.kernelSize
	S := cv.kernelSize

	switch cv.weight.Layout {
	case tensor.FiltersFirst: // KCRS
		return ((k*C+c)*R+r)*S + s, nil
	case tensor.FiltersLast: // RSCK
		return ((r*S+s)*C+c)*K + k, nil
	default:
		return 0, fmt.Errorf("conv2d weight %q has unspecified layout", cv.name)
	}
}

// Forward performs the convolution with zero padding
func (cv *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	if input.Shape[1] != cv.inputChannels {
		return nil, fmt.Errorf("input channel mismatch: expected %d, got %d", cv.inputChannels, input.Shape[1])
	}

	batchSize := input.Shape[0]
	inH := input.Shape[2]
	inW := input.Shape[3]
	outH := (inH+2*cv.padding-cv.kernelSize)/cv.stride + 1
	outW := (inW+2*cv.padding-cv.kernelSize)/cv.stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("kernel %d with stride %d and padding %d does not fit %dx%d input", cv.kernelSize, cv.stride, cv.padding, inH, inW)
	}

	x, err := input.Float32Data()
	if err != nil {
		return nil, err
	}
	w, err := cv.weight.Float32Data()
	if err != nil {
		return nil, err
	}

	K := cv.outputChannels
	C := cv.inputChannels
	outData := make([]float32, batchSize*K*outH*outW)

	for b := 0; b < batchSize; b++ {
		for k := 0; k < K; k++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					var sum float32
					for c := 0; c < C; c++ {
						for r := 0; r < cv.kernelSize; r++ {
							ih := oh*cv.stride + r - cv.padding
							if ih < 0 || ih >= inH {
								continue
							}
							for s := 0; s < cv.kernelSize; s++ {
								iw := ow*cv.stride + s - cv.padding
								if iw < 0 || iw >= inW {
									continue
								}
								off, err := cv.weightOffset(k, c, r, s)
								if err != nil {
									return nil, err
								}
								sum += x[((b*C+c)*inH+ih)*inW+iw] * w[off]
							}
						}
					}
					outData[((b*K+k)*outH+oh)*outW+ow] = sum
				}
			}
		}
	}

	if cv.bias != nil {
		bias, err := cv.bias.Float32Data()
		if err != nil {
			return nil, err
		}
		for b := 0; b < batchSize; b++ {
			for k := 0; k < K; k++ {
				base := (b*K + k) * outH * outW
				for i := 0; i < outH*outW; i++ {
					outData[base+i] += bias[k]
				}
			}
		}
	}

	if cv.training {
		cv.input = input
	}

	return tensor.NewTensor([]int{batchSize, K, outH, outW}, tensor.Float32, input.Device, outData)
}

// Backward accumulates weight and bias gradients and returns the input
// gradient. The weight gradient is produced in the weight's current axis
// order so the optimizer update stays layout-consistent.
func (cv *Conv2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if cv.input == nil {
		return nil, fmt.Errorf("Conv2D backward called before forward")
	}

	batchSize := cv.input.Shape[0]
	inH := cv.input.Shape[2]
	inW := cv.input.Shape[3]
	outH := gradOutput.Shape[2]
	outW := gradOutput.Shape[3]
	K := cv.outputChannels
	C := cv.inputChannels

	x, err := cv.input.Float32Data()
	if err != nil {
		return nil, err
	}
	g, err := gradOutput.Float32Data()
	if err != nil {
		return nil, err
	}
	w, err := cv.weight.Float32Data()
	if err != nil {
		return nil, err
	}

	gradW := make([]float32, len(w))
	gradIn := make([]float32, len(x))

	for b := 0; b < batchSize; b++ {
		for k := 0; k < K; k++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					gv := g[((b*K+k)*outH+oh)*outW+ow]
					if gv == 0 {
						continue
					}
					for c := 0; c < C; c++ {
						for r := 0; r < cv.kernelSize; r++ {
							ih := oh*cv.stride + r - cv.padding
							if ih < 0 || ih >= inH {
								continue
							}
							for s := 0; s < cv.kernelSize; s++ {
								iw := ow*cv.stride + s - cv.padding
								if iw < 0 || iw >= inW {
									continue
								}
								off, err := cv.weightOffset(k, c, r, s)
								if err != nil {
									return nil, err
								}
								inOff := ((b*C+c)*inH+ih)*inW + iw
								gradW[off] += gv * x[inOff]
								gradIn[inOff] += gv * w[off]
							}
						}
					}
				}
			}
		}
	}

	gradWT, err := tensor.NewTensor(cv.weight.Shape, tensor.Float32, tensor.CPU, gradW)
	if err != nil {
		return nil, err
	}
	if err := cv.weight.AccumulateGrad(gradWT); err != nil {
		return nil, fmt.Errorf("failed to accumulate weight gradient: %v", err)
	}

	if cv.bias != nil {
		gradB := make([]float32, K)
		for b := 0; b < batchSize; b++ {
			for k := 0; k < K; k++ {
				base := (b*K + k) * outH * outW
				for i := 0; i < outH*outW; i++ {
					gradB[k] += g[base+i]
				}
			}
		}
		gradBT, err := tensor.NewTensor([]int{K}, tensor.Float32, tensor.CPU, gradB)
		if err != nil {
			return nil, err
		}
		if err := cv.bias.AccumulateGrad(gradBT); err != nil {
			return nil, fmt.Errorf("failed to accumulate bias gradient: %v", err)
		}
	}

	return tensor.NewTensor(cv.input.Shape, tensor.Float32, gradOutput.Device, gradIn)
}

// Parameters returns the trainable parameters
func (cv *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{cv.weight}
	if cv.bias != nil {
		params = append(params, cv.bias)
	}
	return params
}

// NamedParameters returns parameters with their model-scoped names
func (cv *Conv2D) NamedParameters() []layout.Parameter {
	params := []layout.Parameter{{Name: cv.name + ".weight", Tensor: cv.weight}}
	if cv.bias != nil {
		params = append(params, layout.Parameter{Name: cv.name + ".bias", Tensor: cv.bias})
	}
	return params
}

func (cv *Conv2D) Train()           { cv.training = true }
func (cv *Conv2D) Eval()            { cv.training = false }
func (cv *Conv2D) IsTraining() bool { return cv.training }

package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-hpu/tensor"
)

// Loss computes a scalar training objective and the gradient of that
// objective with respect to the model output.
type Loss interface {
	Forward(output, target *tensor.Tensor) (float64, error)
	Backward() (*tensor.Tensor, error)
}

// CrossEntropyLoss combines log-softmax and negative log likelihood for
// classification. Output is [batch, classes] Float32 logits; target is
// [batch] Int32 class indices.
type CrossEntropyLoss struct {
	probs   []float32
	targets []int32
	batch   int
	classes int
	device  tensor.DeviceType
}

// NewCrossEntropyLoss creates a new cross entropy criterion
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward computes the mean cross entropy over the batch
func (ce *CrossEntropyLoss) Forward(output, target *tensor.Tensor) (float64, error) {
	if len(output.Shape) != 2 {
		return 0, fmt.Errorf("cross entropy expects 2D logits [batch, classes], got shape %v", output.Shape)
	}
	if len(target.Shape) != 1 || target.Shape[0] != output.Shape[0] {
		return 0, fmt.Errorf("target shape %v does not match logits shape %v", target.Shape, output.Shape)
	}

	logits, err := output.Float32Data()
	if err != nil {
		return 0, err
	}
	targets, err := target.Int32Data()
	if err != nil {
		return 0, err
	}

	batch := output.Shape[0]
	classes := output.Shape[1]
	probs := make([]float32, batch*classes)
	totalLoss := 0.0

	for b := 0; b < batch; b++ {
		if targets[b] < 0 || int(targets[b]) >= classes {
			return 0, fmt.Errorf("target class %d out of range [0, %d)", targets[b], classes)
		}

		// Numerically stable softmax
		maxLogit := logits[b*classes]
		for j := 1; j < classes; j++ {
			if logits[b*classes+j] > maxLogit {
				maxLogit = logits[b*classes+j]
			}
		}

		sumExp := 0.0
		for j := 0; j < classes; j++ {
			sumExp += math.Exp(float64(logits[b*classes+j] - maxLogit))
		}

		logSumExp := math.Log(sumExp)
		for j := 0; j < classes; j++ {
			probs[b*classes+j] = float32(math.Exp(float64(logits[b*classes+j]-maxLogit) - logSumExp))
		}

		totalLoss += logSumExp - float64(logits[b*classes+int(targets[b])]-maxLogit)
	}

	ce.probs = probs
	ce.targets = targets
	ce.batch = batch
	ce.classes = classes
	ce.device = output.Device

	return totalLoss / float64(batch), nil
}

// Backward returns the gradient of the mean loss with respect to the logits
func (ce *CrossEntropyLoss) Backward() (*tensor.Tensor, error) {
	if ce.probs == nil {
		return nil, fmt.Errorf("cross entropy backward called before forward")
	}

	grad := make([]float32, ce.batch*ce.classes)
	invBatch := float32(1.0 / float64(ce.batch))
	for b := 0; b < ce.batch; b++ {
		for j := 0; j < ce.classes; j++ {
			grad[b*ce.classes+j] = ce.probs[b*ce.classes+j] * invBatch
		}
		grad[b*ce.classes+int(ce.targets[b])] -= invBatch
	}

	return tensor.NewTensor([]int{ce.batch, ce.classes}, tensor.Float32, ce.device, grad)
}

package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-hpu/tensor"
)

func floatTensor(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	tn, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPU, data)
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	return tn
}

func intTensor(t *testing.T, shape []int, data []int32) *tensor.Tensor {
	t.Helper()
	tn, err := tensor.NewTensor(shape, tensor.Int32, tensor.CPU, data)
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	return tn
}

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestLinearForwardKnownValues(t *testing.T) {
	linear, err := NewLinear(2, 2, true, "fc1")
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}

	// W = [[1, 2], [3, 4]], b = [0.5, -0.5]
	if err := linear.weight.SetData([]float32{1, 2, 3, 4}); err != nil {
		t.Fatalf("failed to set weight: %v", err)
	}
	if err := linear.bias.SetData([]float32{0.5, -0.5}); err != nil {
		t.Fatalf("failed to set bias: %v", err)
	}

	input := floatTensor(t, []int{1, 2}, []float32{1, 2})
	output, err := linear.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// y = [1*1+2*3+0.5, 1*2+2*4-0.5] = [7.5, 9.5]
	got, _ := output.Float32Data()
	want := []float32{7.5, 9.5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("output[%d] = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestLinearBackwardGradients(t *testing.T) {
	linear, err := NewLinear(2, 1, true, "fc1")
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	if err := linear.weight.SetData([]float32{2, 3}); err != nil {
		t.Fatalf("failed to set weight: %v", err)
	}

	input := floatTensor(t, []int{1, 2}, []float32{4, 5})
	if _, err := linear.Forward(input); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	gradOutput := floatTensor(t, []int{1, 1}, []float32{1})
	gradIn, err := linear.Backward(gradOutput)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// dL/dW = x^T g = [4, 5]; dL/db = [1]; dL/dx = g W^T = [2, 3]
	gradW, _ := linear.weight.Grad().Float32Data()
	if gradW[0] != 4 || gradW[1] != 5 {
		t.Errorf("weight grad = %v, want [4 5]", gradW)
	}
	gradB, _ := linear.bias.Grad().Float32Data()
	if gradB[0] != 1 {
		t.Errorf("bias grad = %v, want [1]", gradB)
	}
	gradInData, _ := gradIn.Float32Data()
	if gradInData[0] != 2 || gradInData[1] != 3 {
		t.Errorf("input grad = %v, want [2 3]", gradInData)
	}
}

func TestLinearGradientAccumulation(t *testing.T) {
	linear, err := NewLinear(1, 1, false, "fc1")
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	if err := linear.weight.SetData([]float32{1}); err != nil {
		t.Fatalf("failed to set weight: %v", err)
	}

	input := floatTensor(t, []int{1, 1}, []float32{3})
	gradOutput := floatTensor(t, []int{1, 1}, []float32{1})

	for i := 0; i < 2; i++ {
		if _, err := linear.Forward(input); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if _, err := linear.Backward(gradOutput); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}

	// Two backward passes without ZeroGrad accumulate.
	gradW, _ := linear.weight.Grad().Float32Data()
	if gradW[0] != 6 {
		t.Errorf("accumulated weight grad = %f, want 6", gradW[0])
	}

	linear.weight.ZeroGrad()
	if linear.weight.Grad() != nil {
		t.Error("expected nil gradient after ZeroGrad")
	}
}

func TestReLUForwardBackward(t *testing.T) {
	relu := NewReLU()

	input := floatTensor(t, []int{1, 4}, []float32{-2, -0.5, 0, 3})
	output, err := relu.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	got, _ := output.Float32Data()
	want := []float32{0, 0, 0, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("output[%d] = %f, want %f", i, got[i], want[i])
		}
	}

	gradOutput := floatTensor(t, []int{1, 4}, []float32{1, 1, 1, 1})
	gradIn, err := relu.Backward(gradOutput)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	gradData, _ := gradIn.Float32Data()
	wantGrad := []float32{0, 0, 0, 1}
	for i := range wantGrad {
		if gradData[i] != wantGrad[i] {
			t.Errorf("grad[%d] = %f, want %f", i, gradData[i], wantGrad[i])
		}
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	flatten := NewFlatten()

	input := floatTensor(t, []int{2, 2, 3}, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
	output, err := flatten.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if output.Shape[0] != 2 || output.Shape[1] != 6 {
		t.Errorf("output shape = %v, want [2 6]", output.Shape)
	}

	grad := floatTensor(t, []int{2, 6}, make([]float32, 12))
	gradIn, err := flatten.Backward(grad)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if len(gradIn.Shape) != 3 || gradIn.Shape[1] != 2 || gradIn.Shape[2] != 3 {
		t.Errorf("grad shape = %v, want [2 2 3]", gradIn.Shape)
	}
}

func TestSequentialChainsModules(t *testing.T) {
	linear, err := NewLinear(2, 2, false, "fc1")
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	if err := linear.weight.SetData([]float32{1, -1, 1, -1}); err != nil {
		t.Fatalf("failed to set weight: %v", err)
	}

	model := NewSequential(linear, NewReLU())

	input := floatTensor(t, []int{1, 2}, []float32{1, 2})
	output, err := model.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// xW = [3, -3]; ReLU -> [3, 0]
	got, _ := output.Float32Data()
	if got[0] != 3 || got[1] != 0 {
		t.Errorf("output = %v, want [3 0]", got)
	}

	gradOutput := floatTensor(t, []int{1, 2}, []float32{1, 1})
	if _, err := model.Backward(gradOutput); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if linear.weight.Grad() == nil {
		t.Error("expected weight gradient after sequential backward")
	}

	if len(model.NamedParameters()) != 1 {
		t.Errorf("expected 1 named parameter, got %d", len(model.NamedParameters()))
	}
}

func TestSequentialTrainEvalPropagation(t *testing.T) {
	linear, err := NewLinear(2, 2, false, "fc1")
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	model := NewSequential(linear, NewReLU())

	model.Eval()
	if model.IsTraining() {
		t.Error("expected eval mode after Eval()")
	}
	model.Train()
	if !model.IsTraining() {
		t.Error("expected training mode after Train()")
	}
}

func TestSetRandomSeedIsDeterministic(t *testing.T) {
	SetRandomSeed(7)
	a, err := NewLinear(4, 3, false, "fc1")
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	SetRandomSeed(7)
	b, err := NewLinear(4, 3, false, "fc1")
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}

	aData, _ := a.weight.Float32Data()
	bData, _ := b.weight.Float32Data()
	for i := range aData {
		if aData[i] != bData[i] {
			t.Fatalf("weights differ at %d with the same seed", i)
		}
	}
}

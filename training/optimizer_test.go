package training

import (
	"path/filepath"
	"testing"

	"github.com/tsawler/go-hpu/checkpoints"
	"github.com/tsawler/go-hpu/layout"
	"github.com/tsawler/go-hpu/tensor"
)

func paramWithGrad(t *testing.T, values, grads []float32) *tensor.Tensor {
	t.Helper()

	p := floatTensor(t, []int{len(values)}, append([]float32(nil), values...))
	p.SetRequiresGrad(true)
	p.SetGrad(floatTensor(t, []int{len(grads)}, append([]float32(nil), grads...)))
	return p
}

func TestSGDStep(t *testing.T) {
	p := paramWithGrad(t, []float32{1, 2}, []float32{0.5, -0.5})
	sgd := NewSGD([]*tensor.Tensor{p}, 0.1, 0, 0)

	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	data, _ := p.Float32Data()
	if !approxEqual(float64(data[0]), 0.95, 1e-6) || !approxEqual(float64(data[1]), 2.05, 1e-6) {
		t.Errorf("data = %v, want [0.95 2.05]", data)
	}
}

func TestSGDMomentumAccumulates(t *testing.T) {
	p := paramWithGrad(t, []float32{0}, []float32{1})
	sgd := NewSGD([]*tensor.Tensor{p}, 0.1, 0.9, 0)

	if err := sgd.Step(); err != nil {
		t.Fatalf("first step failed: %v", err)
	}
	// v1 = 1, x = -0.1
	p.SetGrad(floatTensor(t, []int{1}, []float32{1}))
	if err := sgd.Step(); err != nil {
		t.Fatalf("second step failed: %v", err)
	}
	// v2 = 0.9 + 1 = 1.9, x = -0.1 - 0.19 = -0.29
	data, _ := p.Float32Data()
	if !approxEqual(float64(data[0]), -0.29, 1e-6) {
		t.Errorf("data = %f, want -0.29", data[0])
	}
}

func TestSGDWeightDecay(t *testing.T) {
	p := paramWithGrad(t, []float32{2}, []float32{0})
	sgd := NewSGD([]*tensor.Tensor{p}, 0.1, 0, 0.5)

	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// g = 0 + 0.5*2 = 1, x = 2 - 0.1 = 1.9
	data, _ := p.Float32Data()
	if !approxEqual(float64(data[0]), 1.9, 1e-6) {
		t.Errorf("data = %f, want 1.9", data[0])
	}
}

func TestSGDSkipsParamsWithoutGrad(t *testing.T) {
	p := floatTensor(t, []int{2}, []float32{1, 2})
	p.SetRequiresGrad(true)
	sgd := NewSGD([]*tensor.Tensor{p}, 0.1, 0, 0)

	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	data, _ := p.Float32Data()
	if data[0] != 1 || data[1] != 2 {
		t.Errorf("parameter without gradient changed: %v", data)
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	p := paramWithGrad(t, []float32{1}, []float32{0.3})
	adam := NewAdam([]*tensor.Tensor{p}, 0.02)

	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// With bias correction the first Adam step is close to -lr * sign(g).
	data, _ := p.Float32Data()
	if !approxEqual(float64(data[0]), 1-0.02, 1e-4) {
		t.Errorf("data = %f, want ~%f", data[0], 1-0.02)
	}
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	// Minimize (x-3)^2 by feeding grad = 2(x-3).
	p := floatTensor(t, []int{1}, []float32{0})
	p.SetRequiresGrad(true)
	adam := NewAdam([]*tensor.Tensor{p}, 0.1)

	for i := 0; i < 500; i++ {
		data, _ := p.Float32Data()
		grad := 2 * (data[0] - 3)
		p.SetGrad(floatTensor(t, []int{1}, []float32{grad}))
		if err := adam.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	data, _ := p.Float32Data()
	if !approxEqual(float64(data[0]), 3, 0.05) {
		t.Errorf("x = %f after 500 steps, want ~3", data[0])
	}
}

func TestOptimizerZeroGrad(t *testing.T) {
	p := paramWithGrad(t, []float32{1}, []float32{1})
	sgd := NewSGD([]*tensor.Tensor{p}, 0.1, 0, 0)

	sgd.ZeroGrad()
	if p.Grad() != nil {
		t.Error("expected nil gradient after ZeroGrad")
	}
}

func TestOptimizerLearningRateAccessors(t *testing.T) {
	sgd := NewSGD(nil, 0.1, 0, 0)
	if sgd.GetLR() != 0.1 {
		t.Errorf("GetLR = %f, want 0.1", sgd.GetLR())
	}
	sgd.SetLR(0.01)
	if sgd.GetLR() != 0.01 {
		t.Errorf("GetLR after SetLR = %f, want 0.01", sgd.GetLR())
	}

	adam := NewAdam(nil, 0.02)
	if adam.GetLR() != 0.02 {
		t.Errorf("Adam GetLR = %f, want 0.02", adam.GetLR())
	}
}

// singleParamModel exposes one named parameter for layout transforms.
type singleParamModel struct {
	param layout.Parameter
}

func (m *singleParamModel) NamedParameters() []layout.Parameter {
	return []layout.Parameter{m.param}
}

func convParam(t *testing.T, wl tensor.WeightLayout, values []float32) *tensor.Tensor {
	t.Helper()

	w := floatTensor(t, []int{2, 1, 1, 2}, values)
	w.Layout = wl
	w.SetRequiresGrad(true)
	return w
}

func setZeroGrad(t *testing.T, p *tensor.Tensor) {
	t.Helper()

	g, err := tensor.Zeros(p.Shape, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	p.SetGrad(g)
}

func TestSGDMomentumResetsAfterLayoutPermute(t *testing.T) {
	w := convParam(t, tensor.FiltersFirst, []float32{10, 20, 30, 40})
	w.SetGrad(floatTensor(t, []int{2, 1, 1, 2}, []float32{1, 2, 3, 4}))

	sgd := NewSGD([]*tensor.Tensor{w}, 0.1, 0.9, 0)
	if err := sgd.Step(); err != nil {
		t.Fatalf("first step failed: %v", err)
	}

	model := &singleParamModel{param: layout.Parameter{Name: "conv1.weight", Tensor: w}}
	if err := layout.PermuteWeights(model, true); err != nil {
		t.Fatalf("PermuteWeights failed: %v", err)
	}

	data, err := w.Float32Data()
	if err != nil {
		t.Fatalf("Float32Data failed: %v", err)
	}
	snapshot := append([]float32(nil), data...)

	// With zero gradients and no stale momentum the weights must not move;
	// velocity carried over from before the permute would shift each element
	// by the momentum of whatever used to live at its position.
	setZeroGrad(t, w)
	if err := sgd.Step(); err != nil {
		t.Fatalf("step after permute failed: %v", err)
	}

	after, _ := w.Float32Data()
	for i := range after {
		if after[i] != snapshot[i] {
			t.Fatalf("weight[%d] moved from %f to %f on a zero-gradient step", i, snapshot[i], after[i])
		}
	}
}

func TestAdamMomentsResetAfterLayoutPermute(t *testing.T) {
	w := convParam(t, tensor.FiltersFirst, []float32{10, 20, 30, 40})
	w.SetGrad(floatTensor(t, []int{2, 1, 1, 2}, []float32{1, 1, 1, 1}))

	adam := NewAdam([]*tensor.Tensor{w}, 0.1)
	if err := adam.Step(); err != nil {
		t.Fatalf("first step failed: %v", err)
	}

	model := &singleParamModel{param: layout.Parameter{Name: "conv1.weight", Tensor: w}}
	if err := layout.PermuteWeights(model, true); err != nil {
		t.Fatalf("PermuteWeights failed: %v", err)
	}

	data, _ := w.Float32Data()
	snapshot := append([]float32(nil), data...)

	setZeroGrad(t, w)
	if err := adam.Step(); err != nil {
		t.Fatalf("step after permute failed: %v", err)
	}

	after, _ := w.Float32Data()
	for i := range after {
		if after[i] != snapshot[i] {
			t.Fatalf("weight[%d] moved from %f to %f on a zero-gradient step", i, snapshot[i], after[i])
		}
	}
}

func TestSGDMomentumResetAfterRelayoutAtEndSave(t *testing.T) {
	// A final-epoch save with RelayoutAtEnd leaves the model in standard
	// layout. If training continues anyway, momentum accumulated in the
	// accelerator order must not leak into the reordered weights.
	w := convParam(t, tensor.FiltersLast, []float32{1, 2, 3, 4})
	model := &singleParamModel{param: layout.Parameter{Name: "conv1.weight", Tensor: w}}

	sgd := NewSGD([]*tensor.Tensor{w}, 0.1, 0.9, 0)
	w.SetGrad(floatTensor(t, []int{2, 1, 1, 2}, []float32{1, 2, 3, 4}))
	if err := sgd.Step(); err != nil {
		t.Fatalf("step before save failed: %v", err)
	}

	ckptIO := checkpoints.NewLayoutAwareIO(checkpoints.NewCheckpointSaver(checkpoints.FormatJSON), checkpoints.RelayoutAtEnd)
	path := filepath.Join(t.TempDir(), "model.json")
	if err := ckptIO.SaveModel(model, &checkpoints.Checkpoint{}, path); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}
	if w.Layout != tensor.FiltersFirst {
		t.Fatalf("layout = %s after final save, want FiltersFirst", w.Layout)
	}

	data, _ := w.Float32Data()
	snapshot := append([]float32(nil), data...)

	setZeroGrad(t, w)
	if err := sgd.Step(); err != nil {
		t.Fatalf("step after save failed: %v", err)
	}

	after, _ := w.Float32Data()
	for i := range after {
		if after[i] != snapshot[i] {
			t.Fatalf("weight[%d] moved from %f to %f on a zero-gradient step", i, snapshot[i], after[i])
		}
	}
}

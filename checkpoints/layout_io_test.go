package checkpoints

import (
	"path/filepath"
	"testing"

	"github.com/tsawler/go-hpu/layout"
	"github.com/tsawler/go-hpu/tensor"
)

// acceleratedModel builds a model whose conv weight has been permuted to
// filters-last, as it would be after strategy setup.
func acceleratedModel(t *testing.T) *fakeModel {
	t.Helper()

	model := &fakeModel{params: []layout.Parameter{
		newParam(t, "conv1.weight", []int{2, 1, 3, 3}, tensor.FiltersFirst),
		newParam(t, "fc1.bias", []int{4}, tensor.LayoutUnspecified),
	}}
	if err := layout.PermuteWeights(model, true); err != nil {
		t.Fatalf("failed to permute model to accelerator layout: %v", err)
	}
	return model
}

func TestSaveModelPersistsFiltersFirst(t *testing.T) {
	model := acceleratedModel(t)
	conv := model.params[0].Tensor
	if conv.Shape[0] != 3 || conv.Shape[3] != 2 {
		t.Fatalf("model not in accelerator layout before save: %v", conv.Shape)
	}

	path := filepath.Join(t.TempDir(), "model.json")
	io := NewLayoutAwareIO(NewCheckpointSaver(FormatJSON), RelayoutPerSave)

	checkpoint := &Checkpoint{}
	if err := io.SaveModel(model, checkpoint, path); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	// The persisted weight is filters-first with the original values.
	loaded, err := NewCheckpointSaver(FormatJSON).Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	var saved *WeightTensor
	for i := range loaded.Weights {
		if loaded.Weights[i].Name == "conv1.weight" {
			saved = &loaded.Weights[i]
		}
	}
	if saved == nil {
		t.Fatal("conv1.weight missing from checkpoint")
	}
	if len(saved.Shape) != 4 || saved.Shape[0] != 2 || saved.Shape[1] != 1 || saved.Shape[2] != 3 || saved.Shape[3] != 3 {
		t.Fatalf("persisted shape = %v, want [2 1 3 3]", saved.Shape)
	}
	for i, v := range saved.Data {
		if v != float32(i) {
			t.Fatalf("persisted data[%d] = %f, want %f", i, v, float32(i))
		}
	}
}

func TestSaveModelRelayoutPerSaveRestoresAcceleratorLayout(t *testing.T) {
	model := acceleratedModel(t)
	io := NewLayoutAwareIO(NewCheckpointSaver(FormatJSON), RelayoutPerSave)

	path := filepath.Join(t.TempDir(), "model.json")
	if err := io.SaveModel(model, &Checkpoint{}, path); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	conv := model.params[0].Tensor
	if conv.Layout != tensor.FiltersLast {
		t.Errorf("expected model back in accelerator layout, got %s", conv.Layout)
	}
	if conv.Shape[0] != 3 || conv.Shape[3] != 2 {
		t.Errorf("expected shape [3 3 1 2] after restore, got %v", conv.Shape)
	}
}

func TestSaveModelRelayoutAtEndLeavesStandardLayout(t *testing.T) {
	model := acceleratedModel(t)
	io := NewLayoutAwareIO(NewCheckpointSaver(FormatJSON), RelayoutAtEnd)

	path := filepath.Join(t.TempDir(), "model.json")
	if err := io.SaveModel(model, &Checkpoint{}, path); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	conv := model.params[0].Tensor
	if conv.Layout != tensor.FiltersFirst {
		t.Errorf("expected model left in standard layout, got %s", conv.Layout)
	}
	if conv.Shape[0] != 2 || conv.Shape[1] != 1 {
		t.Errorf("expected shape [2 1 3 3] after final save, got %v", conv.Shape)
	}
	for i, v := range mustFloat32(t, conv) {
		if v != float32(i) {
			t.Fatalf("data[%d] = %f after round trip, want %f", i, v, float32(i))
		}
	}
}

func TestLoadModelIntoAcceleratedModel(t *testing.T) {
	// Save from a standard-layout model.
	source := &fakeModel{params: []layout.Parameter{
		newParam(t, "conv1.weight", []int{2, 1, 3, 3}, tensor.FiltersFirst),
	}}
	path := filepath.Join(t.TempDir(), "model.json")
	io := NewLayoutAwareIO(NewCheckpointSaver(FormatJSON), RelayoutPerSave)
	if err := io.SaveModel(source, &Checkpoint{}, path); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	// Load into a model already living in accelerator layout with junk values.
	target := acceleratedModel(t)
	junk := make([]float32, 18)
	if err := target.params[0].Tensor.SetData(junk); err != nil {
		t.Fatalf("failed to scramble target weights: %v", err)
	}

	if _, err := io.LoadModel(target, path); err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}

	conv := target.params[0].Tensor
	if conv.Layout != tensor.FiltersLast {
		t.Errorf("expected accelerator layout restored after load, got %s", conv.Layout)
	}

	// Permuting back to standard layout must recover the source values.
	if err := layout.PermuteWeights(target, false); err != nil {
		t.Fatalf("failed to permute target back: %v", err)
	}
	for i, v := range mustFloat32(t, conv) {
		if v != float32(i) {
			t.Fatalf("restored data[%d] = %f, want %f", i, v, float32(i))
		}
	}
}

func TestRelayoutModeString(t *testing.T) {
	if RelayoutPerSave.String() != "PerSave" || RelayoutAtEnd.String() != "AtEnd" {
		t.Error("unexpected RelayoutMode string values")
	}
	if RelayoutMode(9).String() != "Unknown" {
		t.Error("expected Unknown for invalid mode")
	}
}

func mustFloat32(t *testing.T, tn *tensor.Tensor) []float32 {
	t.Helper()
	data, err := tn.Float32Data()
	if err != nil {
		t.Fatalf("failed to read tensor data: %v", err)
	}
	return data
}

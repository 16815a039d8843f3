package checkpoints

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-hpu/layout"
	"github.com/tsawler/go-hpu/tensor"
)

// RelayoutMode decides what happens to the in-memory model after a
// checkpoint write. The persisted format is always filters-first; the mode
// only controls whether the model returns to accelerator layout so training
// can continue, or stays in standard layout because training is over.
type RelayoutMode int

const (
	// RelayoutPerSave permutes to standard layout for the write and back
	// to accelerator layout afterwards. Use while training continues.
	RelayoutPerSave RelayoutMode = iota
	// RelayoutAtEnd permutes to standard layout for the write and leaves
	// the model there. Use for the final checkpoint of a run.
	RelayoutAtEnd
)

func (rm RelayoutMode) String() string {
	switch rm {
	case RelayoutPerSave:
		return "PerSave"
	case RelayoutAtEnd:
		return "AtEnd"
	default:
		return "Unknown"
	}
}

// LayoutAwareIO couples a CheckpointIO backend with the weight-layout
// transform so checkpoints always hold filters-first weights regardless of
// the layout the model trains in.
//
// Callers must not run forward/backward passes or optimizer steps
// concurrently with SaveModel or LoadModel: the permutation briefly leaves
// parameters in a mixed state.
type LayoutAwareIO struct {
	inner CheckpointIO
	mode  RelayoutMode
}

// NewLayoutAwareIO wraps a checkpoint backend with layout handling.
func NewLayoutAwareIO(inner CheckpointIO, mode RelayoutMode) *LayoutAwareIO {
	return &LayoutAwareIO{inner: inner, mode: mode}
}

// Mode returns the configured relayout mode.
func (io *LayoutAwareIO) Mode() RelayoutMode {
	return io.mode
}

// inAcceleratorLayout reports whether any rank-4 parameter is filters-last.
func inAcceleratorLayout(model layout.ParameterSource) bool {
	for _, p := range model.NamedParameters() {
		if p.Tensor.Rank() == 4 && p.Tensor.Layout == tensor.FiltersLast {
			return true
		}
	}
	return false
}

// SaveModel extracts the model's weights into the checkpoint and writes it.
// A model in accelerator layout is permuted to filters-first for the write;
// whether it is permuted back is decided by the relayout mode.
func (io *LayoutAwareIO) SaveModel(model layout.ParameterSource, checkpoint *Checkpoint, path string) error {
	wasAccelerated := inAcceleratorLayout(model)

	if wasAccelerated {
		if err := layout.PermuteWeights(model, false); err != nil {
			return fmt.Errorf("failed to permute weights to standard layout: %v", err)
		}
	}

	weights, err := ExtractWeights(model)
	if err != nil {
		return fmt.Errorf("failed to extract weights: %v", err)
	}
	checkpoint.Weights = weights

	saveErr := io.inner.Save(checkpoint, path)

	if wasAccelerated && io.mode == RelayoutPerSave {
		if err := layout.PermuteWeights(model, true); err != nil {
			return fmt.Errorf("failed to restore accelerator layout: %v", err)
		}
	}

	if saveErr != nil {
		return fmt.Errorf("failed to save checkpoint: %v", saveErr)
	}

	if klog.V(2).Enabled() {
		klog.Infof("checkpoint: saved %d weights to %s (accelerated=%v, mode=%s)", len(checkpoint.Weights), path, wasAccelerated, io.mode)
	}
	return nil
}

// LoadModel reads a checkpoint and loads its weights into the model. If the
// model is currently in accelerator layout it is restored to that layout
// after the filters-first weights are loaded.
func (io *LayoutAwareIO) LoadModel(model layout.ParameterSource, path string) (*Checkpoint, error) {
	wasAccelerated := inAcceleratorLayout(model)

	if wasAccelerated {
		if err := layout.PermuteWeights(model, false); err != nil {
			return nil, fmt.Errorf("failed to permute weights to standard layout: %v", err)
		}
	}

	checkpoint, err := io.inner.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %v", err)
	}

	if err := LoadWeights(checkpoint.Weights, model); err != nil {
		return nil, fmt.Errorf("failed to load weights into model: %v", err)
	}

	if wasAccelerated {
		if err := layout.PermuteWeights(model, true); err != nil {
			return nil, fmt.Errorf("failed to restore accelerator layout: %v", err)
		}
	}

	return checkpoint, nil
}

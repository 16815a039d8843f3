package strategy

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-hpu/checkpoints"
	"github.com/tsawler/go-hpu/hpu"
	"github.com/tsawler/go-hpu/layout"
	"github.com/tsawler/go-hpu/tensor"
)

// SingleDeviceConfig configures a SingleDeviceStrategy. Zero-value fields
// get sensible defaults: StepFlush, AcceleratorLayout, and JSON checkpoints
// restored to accelerator layout after each save.
type SingleDeviceConfig struct {
	// Capability is the result of the device probe. Pass hpu.Detect()
	// unless a test needs to force a particular outcome.
	Capability hpu.Capability

	// Flush controls lazy-execution step boundaries.
	Flush FlushPolicy

	// Layout controls the weight layout transform at setup.
	Layout LayoutPolicy

	// Checkpoint is the storage backend for checkpoints.
	Checkpoint checkpoints.CheckpointIO

	// Relayout decides the model's layout after a checkpoint write.
	Relayout checkpoints.RelayoutMode
}

// SingleDeviceStrategy trains on a single device. On machines with an HPU
// it places parameters on the device, permutes conv weights to the
// accelerator layout, and flushes the lazy queue at step boundaries; on
// machines without one it degrades to plain CPU training.
type SingleDeviceStrategy struct {
	capability hpu.Capability
	runtime    *hpu.Runtime
	flush      FlushPolicy
	layoutPol  LayoutPolicy
	ckptIO     *checkpoints.LayoutAwareIO

	model     Module
	optimizer Optimizer
}

// NewSingleDeviceStrategy creates a single-device strategy from the config.
func NewSingleDeviceStrategy(config SingleDeviceConfig) *SingleDeviceStrategy {
	if config.Flush == nil {
		config.Flush = StepFlush{}
	}
	if config.Layout == nil {
		config.Layout = AcceleratorLayout{}
	}
	if config.Checkpoint == nil {
		config.Checkpoint = checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	}

	return &SingleDeviceStrategy{
		capability: config.Capability,
		flush:      config.Flush,
		layoutPol:  config.Layout,
		ckptIO:     checkpoints.NewLayoutAwareIO(config.Checkpoint, config.Relayout),
	}
}

// Name identifies the strategy in logs.
func (s *SingleDeviceStrategy) Name() string {
	return "single_device_hpu"
}

// Setup prepares the model for training. Exactly one optimizer is
// supported; the lazy-execution model cannot interleave updates from
// several optimizers within one step.
func (s *SingleDeviceStrategy) Setup(model Module, optimizers ...Optimizer) error {
	if s.model != nil {
		return fmt.Errorf("strategy already set up")
	}
	if len(optimizers) != 1 {
		return &MisconfigurationError{
			Reason: fmt.Sprintf("the HPU backend supports exactly one optimizer, got %d", len(optimizers)),
		}
	}

	permuted, err := s.layoutPol.Apply(model, s.capability)
	if err != nil {
		return fmt.Errorf("failed to apply layout policy: %v", err)
	}

	if s.capability.Available {
		runtime, err := hpu.NewRuntime(s.capability)
		if err != nil {
			return fmt.Errorf("failed to create runtime: %v", err)
		}
		s.runtime = runtime

		for _, p := range model.NamedParameters() {
			if err := s.runtime.ToDevice(p.Tensor); err != nil {
				return fmt.Errorf("failed to place parameter %q on device: %v", p.Name, err)
			}
		}
	}

	s.model = model
	s.optimizer = optimizers[0]

	if klog.V(1).Enabled() {
		klog.Infof("strategy %s: setup complete (device=%v, permuted=%v, params=%d)",
			s.Name(), s.capability.Available, permuted, len(model.NamedParameters()))
	}
	return nil
}

// Backward runs the model's backward pass and marks a step boundary per the
// flush policy.
func (s *SingleDeviceStrategy) Backward(gradOutput *tensor.Tensor) error {
	if s.model == nil {
		return fmt.Errorf("strategy not set up")
	}

	if _, err := s.model.Backward(gradOutput); err != nil {
		return fmt.Errorf("backward pass failed: %v", err)
	}
	s.flush.AfterBackward(s.runtime)
	return nil
}

// OptimizerStep applies the optimizer update and marks a step boundary per
// the flush policy.
func (s *SingleDeviceStrategy) OptimizerStep() error {
	if s.optimizer == nil {
		return fmt.Errorf("strategy not set up")
	}

	if err := s.optimizer.Step(); err != nil {
		return fmt.Errorf("optimizer step failed: %v", err)
	}
	s.flush.AfterOptimizerStep(s.runtime)
	return nil
}

// CheckpointIO returns the layout-aware checkpoint plumbing.
func (s *SingleDeviceStrategy) CheckpointIO() *checkpoints.LayoutAwareIO {
	return s.ckptIO
}

// Runtime exposes the device runtime, or nil when training on CPU.
func (s *SingleDeviceStrategy) Runtime() *hpu.Runtime {
	return s.runtime
}

// Teardown flushes any queued work and restores standard weight layout so
// the model leaves the strategy in a portable state.
func (s *SingleDeviceStrategy) Teardown() error {
	if s.runtime != nil {
		s.runtime.MarkStep()
	}

	if s.model != nil && modelAccelerated(s.model) {
		if err := layout.PermuteWeights(s.model, false); err != nil {
			return fmt.Errorf("failed to restore standard layout: %v", err)
		}
	}

	s.model = nil
	s.optimizer = nil
	return nil
}

// modelAccelerated reports whether any rank-4 parameter is filters-last.
func modelAccelerated(model layout.ParameterSource) bool {
	for _, p := range model.NamedParameters() {
		if p.Tensor.Rank() == 4 && p.Tensor.Layout == tensor.FiltersLast {
			return true
		}
	}
	return false
}

// Package strategy wires models, optimizers, and the HPU runtime together
// into training strategies. A strategy owns device placement, the weight
// layout transform, lazy-execution flushes, and checkpoint plumbing, so the
// training loop itself stays device-agnostic.
package strategy

import (
	"fmt"

	"github.com/tsawler/go-hpu/checkpoints"
	"github.com/tsawler/go-hpu/hpu"
	"github.com/tsawler/go-hpu/layout"
	"github.com/tsawler/go-hpu/tensor"
)

// Module is the slice of a model a strategy needs: named parameters for
// placement and layout work, and a backward pass to drive.
type Module interface {
	layout.ParameterSource
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
}

// Optimizer is the slice of an optimizer a strategy needs.
type Optimizer interface {
	Step() error
	ZeroGrad()
}

// Strategy drives one training replica. Implementations decide where the
// model lives, what layout its weights use, and when queued device work is
// flushed.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Setup prepares the model and optimizers for training on this
	// strategy's device. It must be called before Backward or
	// OptimizerStep.
	Setup(model Module, optimizers ...Optimizer) error

	// Backward runs the model's backward pass and applies the strategy's
	// post-backward work (gradient reduction, flushes).
	Backward(gradOutput *tensor.Tensor) error

	// OptimizerStep applies the optimizer update and the strategy's
	// post-step work.
	OptimizerStep() error

	// CheckpointIO returns the layout-aware checkpoint plumbing for this
	// strategy.
	CheckpointIO() *checkpoints.LayoutAwareIO

	// Teardown releases strategy resources and, if the layout policy
	// permuted the model, restores standard layout.
	Teardown() error
}

// MisconfigurationError reports an invalid strategy configuration, such as
// the wrong number of optimizers.
type MisconfigurationError struct {
	Reason string
}

func (e *MisconfigurationError) Error() string {
	return fmt.Sprintf("strategy misconfiguration: %s", e.Reason)
}

// FlushPolicy decides when a strategy flushes queued lazy-execution work.
// The runtime argument is nil when no device is attached; implementations
// must tolerate that.
type FlushPolicy interface {
	AfterBackward(rt *hpu.Runtime)
	AfterOptimizerStep(rt *hpu.Runtime)
}

// StepFlush marks a step boundary after every backward pass and every
// optimizer step. This is the policy lazy execution needs: without the
// flushes the device graph grows unboundedly.
type StepFlush struct{}

func (StepFlush) AfterBackward(rt *hpu.Runtime) {
	if rt != nil {
		rt.MarkStep()
	}
}

func (StepFlush) AfterOptimizerStep(rt *hpu.Runtime) {
	if rt != nil {
		rt.MarkStep()
	}
}

// NoFlush never marks step boundaries. Useful for eager-mode devices and
// for tests that inspect the pending queue.
type NoFlush struct{}

func (NoFlush) AfterBackward(*hpu.Runtime)      {}
func (NoFlush) AfterOptimizerStep(*hpu.Runtime) {}

// LayoutPolicy decides whether a strategy permutes conv weights to the
// accelerator's preferred layout at setup. Apply reports whether the model
// was permuted.
type LayoutPolicy interface {
	Apply(model layout.ParameterSource, capability hpu.Capability) (bool, error)
}

// AcceleratorLayout permutes rank-4 weights to filters-last, but only when
// the capability probe reports a usable device. On machines without the
// device the model is left untouched, so the same program runs anywhere.
type AcceleratorLayout struct{}

func (AcceleratorLayout) Apply(model layout.ParameterSource, capability hpu.Capability) (bool, error) {
	if !capability.Available {
		return false, nil
	}
	if err := layout.PermuteWeights(model, true); err != nil {
		return false, err
	}
	return true, nil
}

// KeepLayout leaves weights in standard filters-first order regardless of
// the device.
type KeepLayout struct{}

func (KeepLayout) Apply(layout.ParameterSource, hpu.Capability) (bool, error) {
	return false, nil
}

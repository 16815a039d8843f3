package hpu

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-hpu/tensor"
)

// CollectiveBackend is the process-group backend identifier the HPU stack
// registers for distributed collectives. FallbackCollectiveBackend is used
// when no accelerator is present.
const (
	CollectiveBackend         = "hccl"
	FallbackCollectiveBackend = "gloo"
)

// Runtime models the accelerator's lazy execution mode: operations queue up
// until MarkStep forces the pending graph to materialize. Without periodic
// flushes the graph grows without bound across training steps.
type Runtime struct {
	capability Capability

	mu            sync.Mutex
	pending       []func()
	stepsFlushed  int
	tensorsPlaced int
}

// NewRuntime opens a runtime handle. It fails when detection did not report
// an available device, mirroring the accelerator stack's refusal to
// initialize without hardware.
func NewRuntime(capability Capability) (*Runtime, error) {
	if !capability.Available {
		return nil, fmt.Errorf("hpu runtime requires an available HPU device")
	}
	return &Runtime{capability: capability}, nil
}

// Capability returns the detection result the runtime was opened with.
func (r *Runtime) Capability() Capability {
	return r.capability
}

// Enqueue defers an operation onto the lazy graph.
func (r *Runtime) Enqueue(op func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, op)
}

// MarkStep flushes all queued lazy operations, executing them in order.
func (r *Runtime) MarkStep() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.stepsFlushed++
	step := r.stepsFlushed
	r.mu.Unlock()

	for _, op := range pending {
		op()
	}

	if klog.V(2).Enabled() {
		klog.Infof("hpu: mark_step %d flushed %d pending ops", step, len(pending))
	}
}

// PendingOps reports how many operations are queued but not yet flushed.
func (r *Runtime) PendingOps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// StepsFlushed reports how many times MarkStep has run.
func (r *Runtime) StepsFlushed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stepsFlushed
}

// ToDevice places a tensor on the accelerator.
func (r *Runtime) ToDevice(t *tensor.Tensor) error {
	if t == nil {
		return fmt.Errorf("cannot place nil tensor on device")
	}
	t.ToHPU()

	r.mu.Lock()
	r.tensorsPlaced++
	r.mu.Unlock()
	return nil
}

// TensorsPlaced reports how many tensors have been moved to the device.
func (r *Runtime) TensorsPlaced() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tensorsPlaced
}

package strategy

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-hpu/checkpoints"
	"github.com/tsawler/go-hpu/collective"
	"github.com/tsawler/go-hpu/hpu"
	"github.com/tsawler/go-hpu/layout"
	"github.com/tsawler/go-hpu/tensor"
)

// ParallelConfig configures a data-parallel replica group.
type ParallelConfig struct {
	// Capability is the result of the device probe. Without a device the
	// replicas train on CPU over the fallback backend.
	Capability hpu.Capability

	// WorldSize is the number of replicas.
	WorldSize int

	Flush      FlushPolicy
	Layout     LayoutPolicy
	Checkpoint checkpoints.CheckpointIO
	Relayout   checkpoints.RelayoutMode
}

// ParallelGroup owns the shared state of a data-parallel run: the collective
// group the replicas reduce over and one strategy per rank. Each replica
// holds its own copy of the model; gradients are averaged across replicas
// after every backward pass so the copies stay in sync.
type ParallelGroup struct {
	config ParallelConfig
	group  *collective.Group

	replicas []*ParallelStrategy
}

// NewParallelGroup validates the config and creates one strategy per rank.
// With an available device the replicas register the accelerator's
// collective backend; without one they fall back to the CPU backend.
func NewParallelGroup(config ParallelConfig) (*ParallelGroup, error) {
	if config.WorldSize < 1 {
		return nil, &MisconfigurationError{Reason: fmt.Sprintf("world size must be at least 1, got %d", config.WorldSize)}
	}
	if config.Flush == nil {
		config.Flush = StepFlush{}
	}
	if config.Layout == nil {
		config.Layout = AcceleratorLayout{}
	}
	if config.Checkpoint == nil {
		config.Checkpoint = checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	}

	group, err := collective.NewGroup(config.WorldSize)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create collective group")
	}

	pg := &ParallelGroup{
		config: config,
		group:  group,
	}

	backendName := hpu.CollectiveBackend
	if !config.Capability.Available {
		backendName = hpu.FallbackCollectiveBackend
	}

	for rank := 0; rank < config.WorldSize; rank++ {
		backend, err := NewBackendContext(backendName, rank, config.WorldSize)
		if err != nil {
			return nil, err
		}
		pg.replicas = append(pg.replicas, &ParallelStrategy{
			capability: config.Capability,
			flush:      config.Flush,
			layoutPol:  config.Layout,
			ckptIO:     checkpoints.NewLayoutAwareIO(config.Checkpoint, config.Relayout),
			backend:    backend,
			group:      group,
		})
	}

	return pg, nil
}

// Replica returns the strategy for the given rank.
func (pg *ParallelGroup) Replica(rank int) *ParallelStrategy {
	return pg.replicas[rank]
}

// WorldSize returns the number of replicas.
func (pg *ParallelGroup) WorldSize() int {
	return pg.config.WorldSize
}

// Launch runs fn once per rank, each on its own goroutine, and waits for
// all of them. The first error cancels nothing mid-reduce but is returned
// after every replica finishes its function.
func (pg *ParallelGroup) Launch(fn func(rank int, s *ParallelStrategy) error) error {
	var g errgroup.Group
	for rank := range pg.replicas {
		rank := rank
		g.Go(func() error {
			if err := fn(rank, pg.replicas[rank]); err != nil {
				return errors.WithMessagef(err, "replica %d failed", rank)
			}
			return nil
		})
	}
	return g.Wait()
}

// ParallelStrategy is one rank of a data-parallel run. It behaves like the
// single-device strategy with one addition: after every backward pass the
// parameter gradients are mean-reduced across all ranks.
type ParallelStrategy struct {
	capability hpu.Capability
	runtime    *hpu.Runtime
	flush      FlushPolicy
	layoutPol  LayoutPolicy
	ckptIO     *checkpoints.LayoutAwareIO
	backend    *BackendContext
	group      *collective.Group

	model     Module
	optimizer Optimizer
}

// Name identifies the strategy in logs.
func (s *ParallelStrategy) Name() string {
	return "parallel_hpu"
}

// Backend returns this rank's process-group context.
func (s *ParallelStrategy) Backend() *BackendContext {
	return s.backend
}

// Rank returns this replica's rank.
func (s *ParallelStrategy) Rank() int {
	return s.backend.Rank
}

// Setup prepares this rank's model copy, mirroring the single-device setup.
func (s *ParallelStrategy) Setup(model Module, optimizers ...Optimizer) error {
	if s.model != nil {
		return fmt.Errorf("strategy already set up")
	}
	if len(optimizers) != 1 {
		return &MisconfigurationError{
			Reason: fmt.Sprintf("the HPU backend supports exactly one optimizer, got %d", len(optimizers)),
		}
	}
	if !s.backend.Active() {
		return fmt.Errorf("backend context %s is closed", s.backend)
	}

	if _, err := s.layoutPol.Apply(model, s.capability); err != nil {
		return errors.WithMessage(err, "failed to apply layout policy")
	}

	if s.capability.Available {
		runtime, err := hpu.NewRuntime(s.capability)
		if err != nil {
			return errors.WithMessage(err, "failed to create runtime")
		}
		s.runtime = runtime
		for _, p := range model.NamedParameters() {
			if err := s.runtime.ToDevice(p.Tensor); err != nil {
				return errors.WithMessagef(err, "failed to place parameter %q on device", p.Name)
			}
		}
	}

	s.model = model
	s.optimizer = optimizers[0]

	if klog.V(1).Enabled() {
		klog.Infof("strategy %s: rank %d of %d ready over %s", s.Name(), s.backend.Rank, s.backend.WorldSize, s.backend.Backend)
	}
	return nil
}

// Backward runs the backward pass, averages gradients across all ranks, and
// marks a step boundary. All ranks must call Backward for the reduction to
// complete.
func (s *ParallelStrategy) Backward(gradOutput *tensor.Tensor) error {
	if s.model == nil {
		return fmt.Errorf("strategy not set up")
	}

	if _, err := s.model.Backward(gradOutput); err != nil {
		return errors.WithMessage(err, "backward pass failed")
	}

	if err := s.reduceGradients(); err != nil {
		return errors.WithMessage(err, "gradient reduction failed")
	}

	s.flush.AfterBackward(s.runtime)
	return nil
}

// reduceGradients mean-reduces every parameter gradient across the group.
// Parameters are visited in NamedParameters order, which is identical on
// every rank because the replicas share an architecture.
func (s *ParallelStrategy) reduceGradients() error {
	for _, p := range s.model.NamedParameters() {
		grad := p.Tensor.Grad()
		if grad == nil {
			continue
		}
		data, err := grad.Float32Data()
		if err != nil {
			return errors.WithMessagef(err, "failed to read gradient for %s", p.Name)
		}
		if err := s.group.AllReduce(data, collective.Mean); err != nil {
			return errors.WithMessagef(err, "allreduce failed for %s", p.Name)
		}
	}
	return nil
}

// OptimizerStep applies the optimizer update and marks a step boundary.
func (s *ParallelStrategy) OptimizerStep() error {
	if s.optimizer == nil {
		return fmt.Errorf("strategy not set up")
	}

	if err := s.optimizer.Step(); err != nil {
		return errors.WithMessage(err, "optimizer step failed")
	}
	s.flush.AfterOptimizerStep(s.runtime)
	return nil
}

// CheckpointIO returns the layout-aware checkpoint plumbing for this rank.
// Callers normally save from rank 0 only.
func (s *ParallelStrategy) CheckpointIO() *checkpoints.LayoutAwareIO {
	return s.ckptIO
}

// Runtime exposes this rank's device runtime.
func (s *ParallelStrategy) Runtime() *hpu.Runtime {
	return s.runtime
}

// Teardown flushes queued work, restores standard weight layout, and closes
// this rank's backend context.
func (s *ParallelStrategy) Teardown() error {
	if s.runtime != nil {
		s.runtime.MarkStep()
	}

	if s.model != nil && modelAccelerated(s.model) {
		if err := layout.PermuteWeights(s.model, false); err != nil {
			return errors.WithMessage(err, "failed to restore standard layout")
		}
	}

	s.model = nil
	s.optimizer = nil
	return s.backend.Close()
}

var _ Strategy = (*SingleDeviceStrategy)(nil)
var _ Strategy = (*ParallelStrategy)(nil)

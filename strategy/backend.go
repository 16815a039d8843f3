package strategy

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// BackendContext carries the distributed process-group settings for one
// replica. It replaces ambient process-wide configuration: the backend name,
// rank, and world size travel with the strategy that needs them and vanish
// when the context is closed, so nothing leaks between runs sharing a
// process.
type BackendContext struct {
	Backend   string
	Rank      int
	WorldSize int

	mu     sync.Mutex
	closed bool
}

// NewBackendContext validates and creates a process-group context.
func NewBackendContext(backend string, rank, worldSize int) (*BackendContext, error) {
	if worldSize < 1 {
		return nil, &MisconfigurationError{Reason: fmt.Sprintf("world size must be at least 1, got %d", worldSize)}
	}
	if rank < 0 || rank >= worldSize {
		return nil, &MisconfigurationError{Reason: fmt.Sprintf("rank %d out of range for world size %d", rank, worldSize)}
	}
	return &BackendContext{
		Backend:   backend,
		Rank:      rank,
		WorldSize: worldSize,
	}, nil
}

// Active reports whether the context is still usable.
func (bc *BackendContext) Active() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return !bc.closed
}

// Close releases the context. Closing twice is an error so double-teardown
// bugs surface instead of passing silently.
func (bc *BackendContext) Close() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return fmt.Errorf("backend context for rank %d already closed", bc.Rank)
	}
	bc.closed = true
	if klog.V(2).Enabled() {
		klog.Infof("strategy: closed %s backend context (rank %d of %d)", bc.Backend, bc.Rank, bc.WorldSize)
	}
	return nil
}

func (bc *BackendContext) String() string {
	return fmt.Sprintf("%s[%d/%d]", bc.Backend, bc.Rank, bc.WorldSize)
}

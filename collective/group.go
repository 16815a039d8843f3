// Package collective implements in-process collective communication for
// data-parallel replicas running as goroutines. It stands in for the
// accelerator's native process-group backend behind the same reduce
// semantics.
package collective

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReduceOp selects how contributed vectors are combined.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Mean
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "Sum"
	case Mean:
		return "Mean"
	default:
		return "Unknown"
	}
}

// Group coordinates allreduce operations among a fixed number of members.
// Each member calls AllReduce once per round; the call blocks until every
// member has contributed, then all callers observe the reduced vector in
// their own slice. The group is reusable across rounds.
type Group struct {
	size int

	mu         sync.Mutex
	cond       *sync.Cond
	accum      []float64
	arrived    int
	departed   int
	generation int
	op         ReduceOp
	err        error
}

// NewGroup creates a collective group for the given number of members.
func NewGroup(size int) (*Group, error) {
	if size <= 0 {
		return nil, errors.Errorf("collective group size must be positive, got %d", size)
	}
	g := &Group{size: size}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

// Size returns the number of members in the group.
func (g *Group) Size() int {
	return g.size
}

// AllReduce combines data across all members with the given reduction and
// writes the result back into data on every member. All members of a round
// must pass vectors of the same length and the same reduce op.
func (g *Group) AllReduce(data []float32, op ReduceOp) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Wait for the previous round to fully drain.
	for g.arrived == g.size {
		g.cond.Wait()
	}

	if g.arrived == 0 {
		g.accum = make([]float64, len(data))
		g.op = op
		g.err = nil
	} else {
		if len(g.accum) != len(data) {
			g.err = errors.Errorf("allreduce length mismatch: round started with %d elements, member contributed %d", len(g.accum), len(data))
		}
		if g.op != op {
			g.err = errors.Errorf("allreduce op mismatch: round started with %s, member requested %s", g.op, op)
		}
	}

	if g.err == nil {
		for i, v := range data {
			g.accum[i] += float64(v)
		}
	}

	g.arrived++
	round := g.generation

	if g.arrived == g.size {
		if g.err == nil && g.op == Mean {
			for i := range g.accum {
				g.accum[i] /= float64(g.size)
			}
		}
		if klog.V(3).Enabled() {
			klog.Infof("collective: round %d reduced %d elements across %d members", round, len(g.accum), g.size)
		}
		g.generation++
		g.cond.Broadcast()
	} else {
		for g.generation == round {
			g.cond.Wait()
		}
	}

	err := g.err
	if err == nil {
		for i := range data {
			data[i] = float32(g.accum[i])
		}
	}

	g.departed++
	if g.departed == g.size {
		g.arrived = 0
		g.departed = 0
		g.cond.Broadcast()
	}

	if err != nil {
		return errors.WithMessage(err, "allreduce failed")
	}
	return nil
}

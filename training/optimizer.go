package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-hpu/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// SGD implements Stochastic Gradient Descent with optional momentum
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*tensor.Tensor][]float32
	layoutGens   map[*tensor.Tensor]int
	mutex        sync.Mutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr float64, momentum float64, weightDecay float64) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*tensor.Tensor][]float32),
		layoutGens:   make(map[*tensor.Tensor]int),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		data, err := param.Float32Data()
		if err != nil {
			return fmt.Errorf("failed to read parameter data: %v", err)
		}
		grad, err := param.Grad().Float32Data()
		if err != nil {
			return fmt.Errorf("failed to read gradient data: %v", err)
		}

		if sgd.momentum > 0 {
			velocity := sgd.velocities[param]
			if velocity == nil || sgd.layoutGens[param] != param.LayoutGeneration() {
				// A layout permutation rewrites the parameter's storage
				// order without changing its length, which invalidates any
				// momentum accumulated against the old element positions,
				// so start fresh.
				velocity = make([]float32, len(data))
				sgd.velocities[param] = velocity
				sgd.layoutGens[param] = param.LayoutGeneration()
			}

			for i := range data {
				g := grad[i]
				if sgd.weightDecay > 0 {
					g += float32(sgd.weightDecay) * data[i]
				}
				velocity[i] = float32(sgd.momentum)*velocity[i] + g
				data[i] -= float32(sgd.learningRate) * velocity[i]
			}
		} else {
			for i := range data {
				g := grad[i]
				if sgd.weightDecay > 0 {
					g += float32(sgd.weightDecay) * data[i]
				}
				data[i] -= float32(sgd.learningRate) * g
			}
		}
	}

	return nil
}

// ZeroGrad resets gradients for all parameters
func (sgd *SGD) ZeroGrad() {
	for _, param := range sgd.parameters {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 { return sgd.learningRate }

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) { sgd.learningRate = lr }

// Adam implements the Adam optimizer
type Adam struct {
	parameters   []*tensor.Tensor
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	step         int
	m            map[*tensor.Tensor][]float32
	v            map[*tensor.Tensor][]float32
	layoutGens   map[*tensor.Tensor]int
	mutex        sync.Mutex
}

// NewAdam creates a new Adam optimizer with the standard defaults for the
// moment coefficients.
func NewAdam(parameters []*tensor.Tensor, lr float64) *Adam {
	return &Adam{
		parameters:   parameters,
		learningRate: lr,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		m:            make(map[*tensor.Tensor][]float32),
		v:            make(map[*tensor.Tensor][]float32),
		layoutGens:   make(map[*tensor.Tensor]int),
	}
}

// Step performs a single optimization step
func (a *Adam) Step() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.step++
	biasCorrection1 := 1.0 - math.Pow(a.beta1, float64(a.step))
	biasCorrection2 := 1.0 - math.Pow(a.beta2, float64(a.step))

	for _, param := range a.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		data, err := param.Float32Data()
		if err != nil {
			return fmt.Errorf("failed to read parameter data: %v", err)
		}
		grad, err := param.Grad().Float32Data()
		if err != nil {
			return fmt.Errorf("failed to read gradient data: %v", err)
		}

		m := a.m[param]
		v := a.v[param]
		if m == nil || a.layoutGens[param] != param.LayoutGeneration() {
			// Moments accumulated before a layout permutation index the old
			// storage order; reset them rather than misapply them.
			m = make([]float32, len(data))
			v = make([]float32, len(data))
			a.m[param] = m
			a.v[param] = v
			a.layoutGens[param] = param.LayoutGeneration()
		}

		for i := range data {
			g := float64(grad[i])
			mi := a.beta1*float64(m[i]) + (1.0-a.beta1)*g
			vi := a.beta2*float64(v[i]) + (1.0-a.beta2)*g*g
			m[i] = float32(mi)
			v[i] = float32(vi)

			mHat := mi / biasCorrection1
			vHat := vi / biasCorrection2
			data[i] -= float32(a.learningRate * mHat / (math.Sqrt(vHat) + a.epsilon))
		}
	}

	return nil
}

// ZeroGrad resets gradients for all parameters
func (a *Adam) ZeroGrad() {
	for _, param := range a.parameters {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate
func (a *Adam) GetLR() float64 { return a.learningRate }

// SetLR sets the learning rate
func (a *Adam) SetLR(lr float64) { a.learningRate = lr }

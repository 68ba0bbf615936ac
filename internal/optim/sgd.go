package optim

import (
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/pipeprop/internal/layers"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// SGD implements Stochastic Gradient Descent optimizer with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
//
// Example:
//
//	optimizer := optim.NewSGD(model.Parameters(), optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.9,
//	})
type SGD struct {
	params     []*layers.Parameter
	lr         float64
	momentum   float64
	velocities map[*layers.Parameter]*tensor.Tensor
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float64 // Learning rate (default: 0.01)
	Momentum float64 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer over params.
func NewSGD(params []*layers.Parameter, config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{
		params:     params,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*layers.Parameter]*tensor.Tensor),
	}
}

// Step performs a single optimization step.
func (s *SGD) Step() {
	for _, param := range s.params {
		grad := param.Grad().Data()
		if s.momentum == 0 {
			floats.AddScaled(param.Tensor().Data(), -s.lr, grad)
			continue
		}

		velocity, exists := s.velocities[param]
		if !exists {
			velocity = param.Grad().Clone()
			velocity.Zero()
			s.velocities[param] = velocity
		}
		v := velocity.Data()
		floats.Scale(s.momentum, v)
		floats.Add(v, grad)
		floats.AddScaled(param.Tensor().Data(), -s.lr, v)
	}
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD) ZeroGrad() {
	zeroGrad(s.params)
}

// GetLR returns the current learning rate.
func (s *SGD) GetLR() float64 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD) SetLR(lr float64) {
	s.lr = lr
}

// StateDict returns the velocity buffers as "velocity.{param_index}".
// Without momentum, returns an empty map.
func (s *SGD) StateDict() map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	if s.momentum == 0 {
		return state
	}
	for i, param := range s.params {
		if velocity, exists := s.velocities[param]; exists {
			state[stateKey("velocity", i)] = velocity
		}
	}
	return state
}

// LoadStateDict restores velocity buffers. Returns an error if a velocity
// shape does not match its parameter.
func (s *SGD) LoadStateDict(state map[string]*tensor.Tensor) error {
	if s.momentum == 0 {
		return nil
	}
	for i, param := range s.params {
		velocity, err := loadBuffer(state, stateKey("velocity", i), param)
		if err != nil {
			return err
		}
		if velocity != nil {
			s.velocities[param] = velocity
		}
	}
	return nil
}

var _ Optimizer = (*SGD)(nil)

package optim

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/layers"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// Adam implements the Adam (Adaptive Moment Estimation) optimizer.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient       // First moment
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²      // Second moment
//	m_hat = m_t / (1 - beta1^t)                        // Bias correction
//	v_hat = v_t / (1 - beta2^t)                        // Bias correction
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)  // Parameter update
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type Adam struct {
	params []*layers.Parameter
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	t      int                                  // Timestep for bias correction
	m      map[*layers.Parameter]*tensor.Tensor // First moment estimates
	v      map[*layers.Parameter]*tensor.Tensor // Second moment estimates
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR    float64    // Learning rate (default: 0.001)
	Betas [2]float64 // Coefficients for computing running averages (default: [0.9, 0.999])
	Eps   float64    // Term for numerical stability (default: 1e-8)
}

// NewAdam creates a new Adam optimizer with default hyperparameters where
// config leaves them zero.
func NewAdam(params []*layers.Parameter, config AdamConfig) *Adam {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adam{
		params: params,
		lr:     config.LR,
		beta1:  config.Betas[0],
		beta2:  config.Betas[1],
		eps:    config.Eps,
		m:      make(map[*layers.Parameter]*tensor.Tensor),
		v:      make(map[*layers.Parameter]*tensor.Tensor),
	}
}

func (a *Adam) moment(moments map[*layers.Parameter]*tensor.Tensor, param *layers.Parameter) []float64 {
	buf, ok := moments[param]
	if !ok {
		buf = param.Grad().Clone()
		buf.Zero()
		moments[param] = buf
	}
	return buf.Data()
}

// Step performs a single optimization step.
func (a *Adam) Step() {
	a.t++
	biasCorrection1 := 1.0 - math.Pow(a.beta1, float64(a.t))
	biasCorrection2 := 1.0 - math.Pow(a.beta2, float64(a.t))

	for _, param := range a.params {
		grad := param.Grad().Data()
		m := a.moment(a.m, param)
		v := a.moment(a.v, param)
		data := param.Tensor().Data()
		for i, g := range grad {
			m[i] = a.beta1*m[i] + (1.0-a.beta1)*g
			v[i] = a.beta2*v[i] + (1.0-a.beta2)*g*g
			mHat := m[i] / biasCorrection1
			vHat := v[i] / biasCorrection2
			data[i] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	}
}

// ZeroGrad clears gradients for all parameters.
func (a *Adam) ZeroGrad() {
	zeroGrad(a.params)
}

// GetLR returns the current learning rate.
func (a *Adam) GetLR() float64 {
	return a.lr
}

// SetLR updates the learning rate.
func (a *Adam) SetLR(lr float64) {
	a.lr = lr
}

// GetTimestep returns the current timestep.
func (a *Adam) GetTimestep() int {
	return a.t
}

// StateDict returns "m.{i}", "v.{i}" and the timestep under "step".
func (a *Adam) StateDict() map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	step, err := tensor.FromSlice([]float64{float64(a.t)}, tensor.Shape{1}, tensor.CPU)
	if err == nil {
		state["step"] = step
	}
	for i, param := range a.params {
		if m, ok := a.m[param]; ok {
			state[stateKey("m", i)] = m
		}
		if v, ok := a.v[param]; ok {
			state[stateKey("v", i)] = v
		}
	}
	return state
}

// LoadStateDict restores the moments and timestep.
func (a *Adam) LoadStateDict(state map[string]*tensor.Tensor) error {
	if step, ok := state["step"]; ok {
		if step.NumElements() != 1 {
			return errors.Errorf("adam step: want 1 element, got %d", step.NumElements())
		}
		a.t = int(step.Data()[0])
	}
	for i, param := range a.params {
		m, err := loadBuffer(state, stateKey("m", i), param)
		if err != nil {
			return err
		}
		v, err := loadBuffer(state, stateKey("v", i), param)
		if err != nil {
			return err
		}
		if m != nil {
			a.m[param] = m
		}
		if v != nil {
			a.v[param] = v
		}
	}
	return nil
}

var _ Optimizer = (*Adam)(nil)

package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// AdamConfig holds the Adam hyperparameters. Zero fields take the defaults
// LR=5e-4, Betas=[0.9, 0.999], Eps=1e-8.
type AdamConfig struct {
	LR    float64
	Betas [2]float64
	Eps   float64
}

// Adam implements Adam with bias correction:
//
//	m_t   = beta1*m_{t-1} + (1-beta1)*g
//	v_t   = beta2*v_{t-1} + (1-beta2)*g²
//	param = param - lr * (m_t/(1-beta1^t)) / (sqrt(v_t/(1-beta2^t)) + eps)
type Adam struct {
	params []*Param
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	t      int
	m      map[*Param]*mat.Dense
	v      map[*Param]*mat.Dense
}

// NewAdam creates an optimizer over params.
func NewAdam(params []*Param, cfg AdamConfig) *Adam {
	if cfg.LR == 0 {
		cfg.LR = 5e-4
	}
	if cfg.Betas[0] == 0 {
		cfg.Betas[0] = 0.9
	}
	if cfg.Betas[1] == 0 {
		cfg.Betas[1] = 0.999
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-8
	}
	return &Adam{
		params: params,
		lr:     cfg.LR,
		beta1:  cfg.Betas[0],
		beta2:  cfg.Betas[1],
		eps:    cfg.Eps,
		m:      make(map[*Param]*mat.Dense, len(params)),
		v:      make(map[*Param]*mat.Dense, len(params)),
	}
}

// Step applies one update using the gradients currently stored in each Param.
func (a *Adam) Step() {
	a.t++
	bc1 := 1.0 - math.Pow(a.beta1, float64(a.t))
	bc2 := 1.0 - math.Pow(a.beta2, float64(a.t))

	for _, p := range a.params {
		m, ok := a.m[p]
		if !ok {
			r, c := p.Value.Dims()
			m = mat.NewDense(r, c, nil)
			a.m[p] = m
			a.v[p] = mat.NewDense(r, c, nil)
		}
		v := a.v[p]

		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			g := p.Grad.RawRowView(i)
			mr := m.RawRowView(i)
			vr := v.RawRowView(i)
			pr := p.Value.RawRowView(i)
			for j := 0; j < c; j++ {
				mr[j] = a.beta1*mr[j] + (1-a.beta1)*g[j]
				vr[j] = a.beta2*vr[j] + (1-a.beta2)*g[j]*g[j]
				pr[j] -= a.lr * (mr[j] / bc1) / (math.Sqrt(vr[j]/bc2) + a.eps)
			}
		}
	}
}

// ZeroGrad clears the gradients of every parameter under optimization.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int {
	return a.t
}

// ClipGradNorm rescales all gradients so that their joint L2 norm is at most
// maxNorm, and returns the norm before clipping. maxNorm <= 0 disables clipping.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		n := mat.Norm(p.Grad, 2)
		sq += n * n
	}
	total := math.Sqrt(sq)
	if maxNorm > 0 && total > maxNorm {
		scale := maxNorm / (total + 1e-6)
		for _, p := range params {
			p.Grad.Scale(scale, p.Grad)
		}
	}
	return total
}

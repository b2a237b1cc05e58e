// Package prior provides the parameter distributions that simulations are
// drawn from and that posteriors are restricted to.
package prior

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Prior is a distribution over parameter vectors.
type Prior interface {
	// Dim returns the number of parameters.
	Dim() int

	// Sample draws n parameter vectors as an [n, Dim] matrix.
	Sample(n int, rng *rand.Rand) *mat.Dense

	// LogProb returns the log-density of every row; -Inf outside the support.
	LogProb(theta *mat.Dense) []float64

	// InSupport reports whether row has positive density.
	InSupport(row []float64) bool
}

// Spec selects a prior by type. Scalar parameters are broadcast to every
// dimension.
type Spec struct {
	Type   string             `yaml:"type" json:"type"`
	Dim    int                `yaml:"dim" json:"dim"`
	Params map[string]float64 `yaml:"params,omitempty" json:"params,omitempty"`
}

// validPriorTypes lists the accepted Spec.Type values.
var validPriorTypes = map[string]bool{
	"box_uniform": true,
	"gaussian":    true,
}

// IsValidType reports whether name is a known prior type.
func IsValidType(name string) bool {
	return validPriorTypes[name]
}

// BoxUniform is a product of independent uniforms on [Low[i], High[i]].
type BoxUniform struct {
	Low  []float64
	High []float64
}

// NewBoxUniform validates the bounds and returns a BoxUniform.
func NewBoxUniform(low, high []float64) (*BoxUniform, error) {
	if len(low) == 0 || len(low) != len(high) {
		return nil, fmt.Errorf("box_uniform: %d lower and %d upper bounds", len(low), len(high))
	}
	for i := range low {
		if !(low[i] < high[i]) {
			return nil, fmt.Errorf("box_uniform: dimension %d has low=%v >= high=%v", i, low[i], high[i])
		}
	}
	return &BoxUniform{Low: low, High: high}, nil
}

func (b *BoxUniform) Dim() int { return len(b.Low) }

func (b *BoxUniform) Sample(n int, rng *rand.Rand) *mat.Dense {
	out := mat.NewDense(n, b.Dim(), nil)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] = distuv.Uniform{Min: b.Low[j], Max: b.High[j], Src: rng}.Rand()
		}
	}
	return out
}

func (b *BoxUniform) LogProb(theta *mat.Dense) []float64 {
	r, _ := theta.Dims()
	out := make([]float64, r)
	for i := range out {
		for j, v := range theta.RawRowView(i) {
			out[i] += distuv.Uniform{Min: b.Low[j], Max: b.High[j]}.LogProb(v)
		}
	}
	return out
}

func (b *BoxUniform) InSupport(row []float64) bool {
	for j, v := range row {
		if v < b.Low[j] || v > b.High[j] || math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Gaussian is a diagonal normal prior.
type Gaussian struct {
	Mean []float64
	Std  []float64
}

// NewGaussian validates the moments and returns a Gaussian prior.
func NewGaussian(mean, std []float64) (*Gaussian, error) {
	if len(mean) == 0 || len(mean) != len(std) {
		return nil, fmt.Errorf("gaussian prior: %d means and %d stds", len(mean), len(std))
	}
	for i, s := range std {
		if !(s > 0) {
			return nil, fmt.Errorf("gaussian prior: dimension %d has std=%v, must be positive", i, s)
		}
	}
	return &Gaussian{Mean: mean, Std: std}, nil
}

func (g *Gaussian) Dim() int { return len(g.Mean) }

func (g *Gaussian) Sample(n int, rng *rand.Rand) *mat.Dense {
	out := mat.NewDense(n, g.Dim(), nil)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] = distuv.Normal{Mu: g.Mean[j], Sigma: g.Std[j], Src: rng}.Rand()
		}
	}
	return out
}

func (g *Gaussian) LogProb(theta *mat.Dense) []float64 {
	r, _ := theta.Dims()
	out := make([]float64, r)
	for i := range out {
		for j, v := range theta.RawRowView(i) {
			out[i] += distuv.Normal{Mu: g.Mean[j], Sigma: g.Std[j]}.LogProb(v)
		}
	}
	return out
}

func (g *Gaussian) InSupport(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// requireParam checks that all required keys exist in a params map.
func requireParam(params map[string]float64, keys ...string) error {
	for _, k := range keys {
		if _, ok := params[k]; !ok {
			return fmt.Errorf("prior requires parameter %q", k)
		}
	}
	return nil
}

// fill returns dim copies of v.
func fill(v float64, dim int) []float64 {
	out := make([]float64, dim)
	for i := range out {
		out[i] = v
	}
	return out
}

// NewPrior creates a Prior from a Spec.
func NewPrior(spec Spec) (Prior, error) {
	if spec.Dim < 1 {
		return nil, fmt.Errorf("prior dim %d must be positive", spec.Dim)
	}
	switch spec.Type {
	case "box_uniform":
		if err := requireParam(spec.Params, "low", "high"); err != nil {
			return nil, err
		}
		return NewBoxUniform(fill(spec.Params["low"], spec.Dim), fill(spec.Params["high"], spec.Dim))

	case "gaussian":
		if err := requireParam(spec.Params, "mean", "std"); err != nil {
			return nil, err
		}
		return NewGaussian(fill(spec.Params["mean"], spec.Dim), fill(spec.Params["std"], spec.Dim))

	default:
		return nil, fmt.Errorf("unknown prior type %q", spec.Type)
	}
}

// Package simulator holds the stochastic forward models that map parameter
// vectors to observations, and a deterministic parallel runner for them.
package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Simulator draws one observation per parameter row.
type Simulator interface {
	// Simulate returns an [n, ObsDim] matrix for an [n, d] theta. It must only
	// draw randomness from rng.
	Simulate(theta *mat.Dense, rng *rand.Rand) (*mat.Dense, error)

	// ObsDim returns the observation size for parameters of size thetaDim.
	ObsDim(thetaDim int) int
}

// Spec selects a simulator by type. Missing parameters take their defaults.
type Spec struct {
	Type   string             `yaml:"type" json:"type"`
	Params map[string]float64 `yaml:"params,omitempty" json:"params,omitempty"`
}

// defaultParams lists every simulator type with its parameters and defaults.
var defaultParams = map[string]map[string]float64{
	"linear_gaussian":  {"shift": 1.0, "noise": 0.1},
	"two_moons":        {"radius": 0.1, "radius_std": 0.01},
	"gaussian_mixture": {"scale_wide": 1.0, "scale_narrow": 0.1},
}

// Types returns the known simulator types in sorted order.
func Types() []string {
	names := make([]string, 0, len(defaultParams))
	for name := range defaultParams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsValidType reports whether name is a known simulator type.
func IsValidType(name string) bool {
	_, ok := defaultParams[name]
	return ok
}

// resolveParams merges overrides into the defaults of simType, rejecting
// unknown keys.
func resolveParams(simType string, overrides map[string]float64) (map[string]float64, error) {
	defaults := defaultParams[simType]
	params := make(map[string]float64, len(defaults))
	for k, v := range defaults {
		params[k] = v
	}
	for k, v := range overrides {
		if _, ok := defaults[k]; !ok {
			return nil, fmt.Errorf("simulator %s has no parameter %q", simType, k)
		}
		params[k] = v
	}
	return params, nil
}

// NewSimulator creates a Simulator from a Spec.
func NewSimulator(spec Spec) (Simulator, error) {
	if !IsValidType(spec.Type) {
		return nil, fmt.Errorf("unknown simulator type %q (valid: %v)", spec.Type, Types())
	}
	p, err := resolveParams(spec.Type, spec.Params)
	if err != nil {
		return nil, err
	}
	switch spec.Type {
	case "linear_gaussian":
		if p["noise"] < 0 {
			return nil, fmt.Errorf("linear_gaussian: noise=%v must be non-negative", p["noise"])
		}
		return &LinearGaussian{Shift: p["shift"], Noise: p["noise"]}, nil
	case "two_moons":
		return &TwoMoons{Radius: p["radius"], RadiusStd: p["radius_std"]}, nil
	default:
		if p["scale_wide"] <= 0 || p["scale_narrow"] <= 0 {
			return nil, fmt.Errorf("gaussian_mixture: scales must be positive, got %v and %v",
				p["scale_wide"], p["scale_narrow"])
		}
		return &GaussianMixture{ScaleWide: p["scale_wide"], ScaleNarrow: p["scale_narrow"]}, nil
	}
}

// LinearGaussian returns x = theta + Shift + Noise*eps with eps ~ N(0, I).
type LinearGaussian struct {
	Shift float64
	Noise float64
}

func (s *LinearGaussian) ObsDim(thetaDim int) int { return thetaDim }

func (s *LinearGaussian) Simulate(theta *mat.Dense, rng *rand.Rand) (*mat.Dense, error) {
	out := mat.DenseCopyOf(theta)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] += s.Shift + s.Noise*rng.NormFloat64()
		}
	}
	return out, nil
}

// TwoMoons is the two-moons benchmark: a noisy half circle of radius Radius,
// translated by a parameter-dependent offset, so that the posterior for a
// given observation is bimodal and crescent shaped.
type TwoMoons struct {
	Radius    float64
	RadiusStd float64
}

func (s *TwoMoons) ObsDim(int) int { return 2 }

func (s *TwoMoons) Simulate(theta *mat.Dense, rng *rand.Rand) (*mat.Dense, error) {
	r, c := theta.Dims()
	if c != 2 {
		return nil, fmt.Errorf("two_moons: theta has %d columns, want 2", c)
	}
	out := mat.NewDense(r, 2, nil)
	for i := 0; i < r; i++ {
		t := theta.RawRowView(i)
		a := math.Pi * (rng.Float64() - 0.5)
		rad := s.Radius + s.RadiusStd*rng.NormFloat64()
		out.SetRow(i, []float64{
			rad*math.Cos(a) + 0.25 - math.Abs(t[0]+t[1])/math.Sqrt2,
			rad*math.Sin(a) + (t[1]-t[0])/math.Sqrt2,
		})
	}
	return out, nil
}

// GaussianMixture returns x ~ 0.5 N(theta, ScaleWide^2 I) + 0.5 N(theta, ScaleNarrow^2 I).
type GaussianMixture struct {
	ScaleWide   float64
	ScaleNarrow float64
}

func (s *GaussianMixture) ObsDim(thetaDim int) int { return thetaDim }

func (s *GaussianMixture) Simulate(theta *mat.Dense, rng *rand.Rand) (*mat.Dense, error) {
	out := mat.DenseCopyOf(theta)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		scale := s.ScaleNarrow
		if rng.Float64() < 0.5 {
			scale = s.ScaleWide
		}
		row := out.RawRowView(i)
		for j := range row {
			row[j] += scale * rng.NormFloat64()
		}
	}
	return out, nil
}

package density

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Spec selects an estimator family by preset name and overrides its
// hyperparameters. Loadable from YAML.
type Spec struct {
	Model   string             `yaml:"model" json:"model"`
	ZScoreX string             `yaml:"z_score_x,omitempty" json:"z_score_x,omitempty"`
	ZScoreY string             `yaml:"z_score_y,omitempty" json:"z_score_y,omitempty"`
	Params  map[string]float64 `yaml:"params,omitempty" json:"params,omitempty"`
}

// paramRange is the default and accepted interval of one hyperparameter.
type paramRange struct {
	def float64
	lo  float64
	hi  float64
}

// family is a registered estimator kind.
type family struct {
	params map[string]paramRange
	build  func(ctx buildContext) (Estimator, error)
}

// buildContext is everything a family sees when it is finalized.
type buildContext struct {
	inputs     *mat.Dense
	conditions *mat.Dense
	zx         *Standardizer
	zy         *Standardizer
	params     hyperparams
	rng        *rand.Rand
}

type hyperparams map[string]float64

func (h hyperparams) int(key string) int {
	return int(math.Round(h[key]))
}

var families = map[string]family{}

// register adds a family under name. Called from init() in each family file.
func register(name string, f family) {
	if _, dup := families[name]; dup {
		panic(fmt.Sprintf("density: family %q registered twice", name))
	}
	families[name] = f
}

// Models returns the registered family names in sorted order.
func Models() []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsValidModel reports whether name is a registered family.
func IsValidModel(name string) bool {
	_, ok := families[name]
	return ok
}

// Defaults returns the default hyperparameters of a registered family.
func Defaults(model string) (map[string]float64, error) {
	f, ok := families[model]
	if !ok {
		return nil, fmt.Errorf("%w %q (valid: %v)", ErrUnknownModel, model, Models())
	}
	out := make(map[string]float64, len(f.params))
	for k, r := range f.params {
		out[k] = r.def
	}
	return out, nil
}

// Builder is the uninitialized phase of an estimator: configuration without
// data. Build finalizes it against a first batch.
type Builder struct {
	spec   Spec
	zx, zy ZScore
	params hyperparams
	custom BuildFunc
	seed   int64
}

// NewBuilder validates spec and returns a Builder. Unknown hyperparameter keys
// are rejected; out-of-range values are clamped with a warning.
func NewBuilder(spec Spec, seed int64) (*Builder, error) {
	f, ok := families[spec.Model]
	if !ok {
		return nil, fmt.Errorf("%w %q (valid: %v)", ErrUnknownModel, spec.Model, Models())
	}
	zx, err := ParseZScore(spec.ZScoreX)
	if err != nil {
		return nil, fmt.Errorf("z_score_x: %w", err)
	}
	zy, err := ParseZScore(spec.ZScoreY)
	if err != nil {
		return nil, fmt.Errorf("z_score_y: %w", err)
	}

	params := make(hyperparams, len(f.params))
	for k, r := range f.params {
		params[k] = r.def
	}
	for k, v := range spec.Params {
		r, known := f.params[k]
		if !known {
			return nil, fmt.Errorf("%w: %s has no hyperparameter %q", ErrInvalidSpec, spec.Model, k)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s=%v is not finite", ErrInvalidSpec, k, v)
		}
		params[k] = clampAndWarn(k, v, r.lo, r.hi)
	}

	normalized := spec
	normalized.ZScoreX = zx.String()
	normalized.ZScoreY = zy.String()
	normalized.Params = map[string]float64(params)
	return &Builder{spec: normalized, zx: zx, zy: zy, params: params, seed: seed}, nil
}

// NewCustomBuilder wraps a user-supplied BuildFunc.
func NewCustomBuilder(fn BuildFunc, seed int64) *Builder {
	return &Builder{spec: Spec{Model: "custom"}, custom: fn, seed: seed}
}

// Spec returns the normalized configuration, defaults included.
func (b *Builder) Spec() Spec {
	out := b.spec
	if b.spec.Params != nil {
		out.Params = make(map[string]float64, len(b.spec.Params))
		for k, v := range b.spec.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Build observes exactly one batch to fix dimensions and z-score statistics,
// and returns a ready estimator. The batch is not retained.
func (b *Builder) Build(inputs, conditions *mat.Dense) (Estimator, error) {
	if inputs == nil || conditions == nil {
		return nil, fmt.Errorf("build: %w: nil inputs or conditions", ErrDimensionMismatch)
	}
	n, _ := inputs.Dims()
	m, _ := conditions.Dims()
	if n != m {
		return nil, fmt.Errorf("build: %w: %d inputs vs %d conditions", ErrDimensionMismatch, n, m)
	}
	rng := rand.New(rand.NewSource(b.seed))

	if b.custom != nil {
		est, err := b.custom(inputs, conditions, rng)
		if err != nil {
			return nil, fmt.Errorf("build custom estimator: %w", err)
		}
		if est == nil {
			return nil, fmt.Errorf("build custom estimator: %w: builder returned nil", ErrInvalidSpec)
		}
		return est, nil
	}

	f := families[b.spec.Model]
	est, err := f.build(buildContext{
		inputs:     inputs,
		conditions: conditions,
		zx:         NewStandardizer(inputs, b.zx, minStdInputs),
		zy:         NewStandardizer(conditions, b.zy, minStdConditions),
		params:     b.params,
		rng:        rng,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", b.spec.Model, err)
	}
	return est, nil
}

// clampAndWarn returns value clamped to [lo, hi], logging when it changed.
func clampAndWarn(name string, value, lo, hi float64) float64 {
	clamped := math.Max(lo, math.Min(value, hi))
	if clamped != value {
		logrus.Warnf("%s=%v was clamped to %v; must be in [%v,%v]", name, value, clamped, lo, hi)
	}
	return clamped
}

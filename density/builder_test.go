package density

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestModels_ListsEveryFamilySorted(t *testing.T) {
	assert.Equal(t, []string{"gaussian", "maf", "mdn", "ratio"}, Models())
	assert.True(t, IsValidModel("maf"))
	assert.False(t, IsValidModel("nsf"))
	assert.False(t, IsValidModel(""))
}

func TestDefaults(t *testing.T) {
	d, err := Defaults("mdn")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"hidden_features": 50, "num_components": 10, "num_layers": 2}, d)

	d, err = Defaults("maf")
	require.NoError(t, err)
	assert.Equal(t, 5.0, d["num_transforms"])

	_, err = Defaults("made")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestNewBuilder_Validation(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr error
	}{
		{"unknown model", Spec{Model: "nsf"}, ErrUnknownModel},
		{"empty model", Spec{}, ErrUnknownModel},
		{"unknown key", Spec{Model: "maf", Params: map[string]float64{"num_bins": 8}}, ErrInvalidSpec},
		{"key of another family", Spec{Model: "gaussian", Params: map[string]float64{"num_components": 2}}, ErrInvalidSpec},
		{"nan value", Spec{Model: "mdn", Params: map[string]float64{"num_components": math.NaN()}}, ErrInvalidSpec},
		{"inf value", Spec{Model: "mdn", Params: map[string]float64{"hidden_features": math.Inf(1)}}, ErrInvalidSpec},
		{"bad z-score x", Spec{Model: "maf", ZScoreX: "transform_to_unconstrained"}, ErrInvalidSpec},
		{"bad z-score y", Spec{Model: "maf", ZScoreY: "Independent"}, ErrInvalidSpec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(tt.spec, 1)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewBuilder_ClampsOutOfRangeHyperparameters(t *testing.T) {
	// GIVEN overrides outside the accepted ranges
	b, err := NewBuilder(Spec{Model: "mdn", Params: map[string]float64{
		"num_components":  500,
		"hidden_features": 0,
	}}, 1)

	// THEN construction succeeds and the values are clamped
	require.NoError(t, err)
	spec := b.Spec()
	assert.Equal(t, 100.0, spec.Params["num_components"])
	assert.Equal(t, 1.0, spec.Params["hidden_features"])
	assert.Equal(t, 2.0, spec.Params["num_layers"], "defaults fill unspecified keys")
	assert.Equal(t, "independent", spec.ZScoreX)
	assert.Equal(t, "independent", spec.ZScoreY)
}

func TestBuilder_SpecIsACopy(t *testing.T) {
	b, err := NewBuilder(Spec{Model: "maf"}, 1)
	require.NoError(t, err)
	s := b.Spec()
	s.Params["num_transforms"] = 99
	assert.Equal(t, 5.0, b.Spec().Params["num_transforms"])
}

func TestBuilder_BuildRejectsMismatchedBatch(t *testing.T) {
	b, err := NewBuilder(Spec{Model: "gaussian"}, 1)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))

	_, err = b.Build(randomBatch(rng, 3, 1, 1, 0), randomBatch(rng, 5, 1, 1, 0))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = b.Build(nil, randomBatch(rng, 5, 1, 1, 0))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestBuilder_SameSeedSameWeights(t *testing.T) {
	// GIVEN two builders with one seed and one with another
	rng := rand.New(rand.NewSource(2))
	x := randomBatch(rng, 10, 2, 1, 0)
	y := randomBatch(rng, 10, 2, 1, 0)
	spec := Spec{Model: "mdn", Params: map[string]float64{"hidden_features": 8}}

	build := func(seed int64) []float64 {
		b, err := NewBuilder(spec, seed)
		require.NoError(t, err)
		est, err := b.Build(x, y)
		require.NoError(t, err)
		lp, err := est.LogProb(x, y)
		require.NoError(t, err)
		return lp
	}

	// THEN equal seeds give identical estimators
	assert.Equal(t, build(7), build(7))
	assert.NotEqual(t, build(7), build(8))
}

func TestBuilder_ZScoreNoneKeepsRawScale(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := randomBatch(rng, 50, 1, 4, 10)
	y := randomBatch(rng, 50, 1, 1, 0)
	b, err := NewBuilder(Spec{Model: "gaussian", ZScoreX: "none"}, 1)
	require.NoError(t, err)
	est, err := b.Build(x, y)
	require.NoError(t, err)

	// a fresh unstandardized Gaussian is N(0, 1) in input space
	means, stds, err := est.(*Gaussian).Moments(mat.NewDense(1, 1, []float64{0}))
	require.NoError(t, err)
	assert.Equal(t, 0.0, means.At(0, 0))
	assert.Equal(t, 1.0, stds.At(0, 0))
}

// constEstimator is a minimal custom family: a fixed standard normal per feature.
type constEstimator struct{ dim, cond int }

func (c constEstimator) LogProb(inputs, conditions *mat.Dense) ([]float64, error) {
	n, _ := inputs.Dims()
	out := make([]float64, n)
	for i := range out {
		for _, v := range inputs.RawRowView(i) {
			out[i] += -0.5*v*v - 0.5*math.Log(2*math.Pi)
		}
	}
	return out, nil
}

func (c constEstimator) Loss(inputs, conditions *mat.Dense) ([]float64, error) {
	lp, err := c.LogProb(inputs, conditions)
	for i := range lp {
		lp[i] = -lp[i]
	}
	return lp, err
}

func (c constEstimator) Sample(int, *mat.Dense, *rand.Rand) ([]*mat.Dense, error) {
	return nil, ErrUnsupportedOperation
}

func (c constEstimator) InputDim() int     { return c.dim }
func (c constEstimator) ConditionDim() int { return c.cond }

func TestCustomBuilder(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x := randomBatch(rng, 4, 2, 1, 0)
	y := randomBatch(rng, 4, 3, 1, 0)

	t.Run("factory sees the first batch", func(t *testing.T) {
		var seen int
		b := NewCustomBuilder(func(inputs, conditions *mat.Dense, _ *rand.Rand) (Estimator, error) {
			seen, _ = inputs.Dims()
			_, d := inputs.Dims()
			_, c := conditions.Dims()
			return constEstimator{dim: d, cond: c}, nil
		}, 1)
		est, err := b.Build(x, y)
		require.NoError(t, err)
		assert.Equal(t, 4, seen)
		assert.Equal(t, 2, est.InputDim())
		assert.Equal(t, 3, est.ConditionDim())
		assert.Equal(t, "custom", b.Spec().Model)
	})

	t.Run("factory error is wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		b := NewCustomBuilder(func(*mat.Dense, *mat.Dense, *rand.Rand) (Estimator, error) {
			return nil, boom
		}, 1)
		_, err := b.Build(x, y)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("nil estimator is rejected", func(t *testing.T) {
		b := NewCustomBuilder(func(*mat.Dense, *mat.Dense, *rand.Rand) (Estimator, error) {
			return nil, nil
		}, 1)
		_, err := b.Build(x, y)
		assert.ErrorIs(t, err, ErrInvalidSpec)
	})
}

func TestClampAndWarn(t *testing.T) {
	assert.Equal(t, 5.0, clampAndWarn("k", 5, 1, 10))
	assert.Equal(t, 1.0, clampAndWarn("k", -3, 1, 10))
	assert.Equal(t, 10.0, clampAndWarn("k", 11, 1, 10))
}

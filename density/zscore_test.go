package density

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func TestParseZScore(t *testing.T) {
	tests := []struct {
		flag    string
		want    ZScore
		wantErr bool
	}{
		{"", ZScoreIndependent, false},
		{"independent", ZScoreIndependent, false},
		{"none", ZScoreNone, false},
		{"structured", ZScoreStructured, false},
		{"NONE", ZScoreNone, true},
		{"transform_to_unconstrained", ZScoreNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			got, err := ParseZScore(tt.flag)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSpec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.flag != "" {
				assert.Equal(t, tt.flag, got.String())
			}
		})
	}
}

func TestNewStandardizer_Independent(t *testing.T) {
	// GIVEN columns with different location and scale
	batch := mat.NewDense(4, 2, []float64{
		1, 10,
		2, 20,
		3, 30,
		4, 40,
	})

	// WHEN standardized independently
	s := NewStandardizer(batch, ZScoreIndependent, minStdInputs)

	// THEN each column gets its own sample mean and std
	assert.InDeltaSlice(t, []float64{2.5, 25}, s.Mean(), 1e-12)
	sd := math.Sqrt(5.0 / 3.0)
	assert.InDeltaSlice(t, []float64{sd, 10 * sd}, s.Std(), 1e-12)

	z := s.Apply(batch)
	for j := 0; j < 2; j++ {
		col := mat.Col(nil, j, z)
		assert.InDelta(t, 0, col[0]+col[1]+col[2]+col[3], 1e-12)
	}
	assert.InDelta(t, -math.Log(sd)-math.Log(10*sd), s.LogAbsDet(), 1e-12)
}

func TestNewStandardizer_Structured(t *testing.T) {
	batch := mat.NewDense(2, 3, []float64{
		0, 1, 2,
		4, 6, 8,
	})
	s := NewStandardizer(batch, ZScoreStructured, minStdInputs)

	// one mean over every entry, mean of per-row stds
	assert.InDeltaSlice(t, []float64{3.5, 3.5, 3.5}, s.Mean(), 1e-12)
	want := (1.0 + 2.0) / 2
	assert.InDeltaSlice(t, []float64{want, want, want}, s.Std(), 1e-12)
}

func TestNewStandardizer_StructuredSingleFeatureScoresIndependently(t *testing.T) {
	// GIVEN one feature drawn from N(3, 2^2)
	rng := rand.New(rand.NewSource(61))
	batch := randomBatch(rng, 200, 1, 2, 3)

	// WHEN structured scoring is requested
	s := NewStandardizer(batch, ZScoreStructured, minStdInputs)

	// THEN the statistics match independent scoring instead of collapsing to min std
	want := NewStandardizer(batch, ZScoreIndependent, minStdInputs)
	assert.InDeltaSlice(t, want.Mean(), s.Mean(), 1e-12)
	assert.InDeltaSlice(t, want.Std(), s.Std(), 1e-12)
	assert.InDelta(t, 2.0, s.Std()[0], 0.3)
}

func TestBuild_StructuredOneDimensionalInputsStayWide(t *testing.T) {
	// GIVEN a gaussian estimator on 1-D inputs with structured scoring
	rng := rand.New(rand.NewSource(62))
	x := randomBatch(rng, 200, 1, 2, 3)
	y := randomBatch(rng, 200, 1, 1, 0)
	b, err := NewBuilder(Spec{Model: "gaussian", ZScoreX: "structured"}, 1)
	require.NoError(t, err)
	est, err := b.Build(x, y)
	require.NoError(t, err)

	// WHEN sampled
	samples, err := est.Sample(500, mat.NewDense(1, 1, []float64{0}), rng)
	require.NoError(t, err)

	// THEN the draws spread like the training inputs rather than a point mass
	assert.Greater(t, stat.StdDev(samples[0].RawMatrix().Data, nil), 1.0)
}

func TestNewStandardizer_EdgeCases(t *testing.T) {
	t.Run("none is identity", func(t *testing.T) {
		s := NewStandardizer(mat.NewDense(2, 1, []float64{5, 7}), ZScoreNone, minStdInputs)
		assert.Equal(t, []float64{0}, s.Mean())
		assert.Equal(t, []float64{1}, s.Std())
		assert.Zero(t, s.LogAbsDet())
	})

	t.Run("single row falls back to unit std", func(t *testing.T) {
		s := NewStandardizer(mat.NewDense(1, 2, []float64{3, -1}), ZScoreIndependent, minStdInputs)
		assert.Equal(t, []float64{3, -1}, s.Mean())
		assert.Equal(t, []float64{1, 1}, s.Std())
	})

	t.Run("constant column is clamped to min std", func(t *testing.T) {
		s := NewStandardizer(mat.NewDense(3, 1, []float64{2, 2, 2}), ZScoreIndependent, minStdConditions)
		assert.Equal(t, []float64{minStdConditions}, s.Std())
	})

	t.Run("non-finite rows are ignored", func(t *testing.T) {
		s := NewStandardizer(mat.NewDense(4, 1, []float64{1, math.NaN(), 3, math.Inf(-1)}), ZScoreIndependent, minStdInputs)
		assert.InDeltaSlice(t, []float64{2}, s.Mean(), 1e-12)
		assert.InDeltaSlice(t, []float64{math.Sqrt2}, s.Std(), 1e-12)
	})

	t.Run("all rows non-finite leaves identity", func(t *testing.T) {
		s := NewStandardizer(mat.NewDense(1, 1, []float64{math.NaN()}), ZScoreIndependent, minStdInputs)
		assert.Equal(t, 1, s.Dim())
		assert.Equal(t, []float64{1}, s.Std())
	})
}

func TestStandardizer_InvertUndoesApply(t *testing.T) {
	batch := mat.NewDense(3, 2, []float64{1, -4, 2, 8, 9, 0.5})
	s := NewStandardizer(batch, ZScoreIndependent, minStdInputs)
	back := s.Invert(s.Apply(batch))
	assert.True(t, mat.EqualApprox(batch, back, 1e-12))
}

package density

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/sbisim/sbisim/nn"
)

// smallSpecs keeps every family small enough for exhaustive gradient checks.
var smallSpecs = map[string]Spec{
	"gaussian": {Model: "gaussian", Params: map[string]float64{"hidden_features": 6, "num_layers": 1}},
	"mdn":      {Model: "mdn", Params: map[string]float64{"hidden_features": 6, "num_layers": 1, "num_components": 3}},
	"maf":      {Model: "maf", Params: map[string]float64{"hidden_features": 6, "num_layers": 1, "num_transforms": 2}},
	"ratio":    {Model: "ratio", Params: map[string]float64{"hidden_features": 6, "num_layers": 1}},
}

func randomBatch(rng *rand.Rand, n, d int, scale, shift float64) *mat.Dense {
	data := make([]float64, n*d)
	for i := range data {
		data[i] = rng.NormFloat64()*scale + shift
	}
	return mat.NewDense(n, d, data)
}

// perturb adds U(-amount, amount) noise to every unmasked parameter entry so
// zero-initialized output layers stop hiding the rest of the network.
func perturb(params []*nn.Param, rng *rand.Rand, amount float64) {
	for _, p := range params {
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if p.Mask != nil && p.Mask.At(i, j) == 0 {
					continue
				}
				p.Value.Set(i, j, p.Value.At(i, j)+(2*rng.Float64()-1)*amount)
			}
		}
	}
}

func buildSmall(t *testing.T, model string, x, y *mat.Dense) Estimator {
	t.Helper()
	b, err := NewBuilder(smallSpecs[model], 3)
	require.NoError(t, err)
	est, err := b.Build(x, y)
	require.NoError(t, err)
	return est
}

func meanLoss(t *testing.T, est Estimator, x, y *mat.Dense) float64 {
	t.Helper()
	loss, err := est.Loss(x, y)
	require.NoError(t, err)
	return floats.Sum(loss) / float64(len(loss))
}

func TestEstimator_LossGradMatchesFiniteDifferences(t *testing.T) {
	for _, model := range Models() {
		t.Run(model, func(t *testing.T) {
			// GIVEN a small perturbed estimator and a batch of 7 pairs
			rng := rand.New(rand.NewSource(11))
			x := randomBatch(rng, 7, 2, 2, 1)
			y := randomBatch(rng, 7, 2, 0.5, -1)
			est := buildSmall(t, model, x, y)
			tr, ok := est.(Trainable)
			require.True(t, ok, "%s must be trainable", model)
			perturb(tr.Params(), rng, 0.3)

			// WHEN the analytic gradient of the mean loss is accumulated
			for _, p := range tr.Params() {
				p.ZeroGrad()
			}
			loss, err := tr.LossGrad(x, y)
			require.NoError(t, err)

			// THEN the reported loss is the mean of Loss
			assert.InDelta(t, meanLoss(t, est, x, y), loss, 1e-9)

			// AND every unmasked entry matches a central difference; masked entries get none
			const h = 1e-5
			for _, p := range tr.Params() {
				r, c := p.Value.Dims()
				for i := 0; i < r; i++ {
					for j := 0; j < c; j++ {
						if p.Mask != nil && p.Mask.At(i, j) == 0 {
							assert.Zero(t, p.Grad.At(i, j), "masked %s[%d,%d]", p.Name, i, j)
							continue
						}
						orig := p.Value.At(i, j)
						p.Value.Set(i, j, orig+h)
						up := meanLoss(t, est, x, y)
						p.Value.Set(i, j, orig-h)
						down := meanLoss(t, est, x, y)
						p.Value.Set(i, j, orig)
						numeric := (up - down) / (2 * h)
						assert.InDelta(t, numeric, p.Grad.At(i, j), 1e-6+1e-4*math.Abs(numeric),
							"%s[%d,%d]", p.Name, i, j)
					}
				}
			}
		})
	}
}

func TestEstimator_ShapesAndBroadcasting(t *testing.T) {
	for _, model := range Models() {
		t.Run(model, func(t *testing.T) {
			rng := rand.New(rand.NewSource(5))
			x := randomBatch(rng, 6, 3, 1, 0)
			y := randomBatch(rng, 6, 2, 1, 0)
			est := buildSmall(t, model, x, y)
			assert.Equal(t, 3, est.InputDim())
			assert.Equal(t, 2, est.ConditionDim())

			// N inputs against N conditions
			lp, err := est.LogProb(x, y)
			require.NoError(t, err)
			assert.Len(t, lp, 6)
			loss, err := est.Loss(x, y)
			require.NoError(t, err)
			assert.Len(t, loss, 6)

			// N inputs against one broadcast condition
			one := mat.DenseCopyOf(y.Slice(0, 1, 0, 2))
			lp, err = est.LogProb(x, one)
			require.NoError(t, err)
			assert.Len(t, lp, 6)
			loss, err = est.Loss(x, one)
			require.NoError(t, err)
			assert.Len(t, loss, 6)

			// broadcasting row 0 equals pairing every input with a copy of it
			repeated := repeatRow(y.RawRowView(0), 6)
			lpRep, err := est.LogProb(x, repeated)
			require.NoError(t, err)
			assert.InDeltaSlice(t, lpRep, lp, 1e-12)
		})
	}
}

func TestEstimator_DimensionMismatch(t *testing.T) {
	for _, model := range Models() {
		t.Run(model, func(t *testing.T) {
			rng := rand.New(rand.NewSource(9))
			est := buildSmall(t, model, randomBatch(rng, 5, 2, 1, 0), randomBatch(rng, 5, 2, 1, 0))

			// 3 inputs vs 5 conditions
			_, err := est.LogProb(randomBatch(rng, 3, 2, 1, 0), randomBatch(rng, 5, 2, 1, 0))
			assert.ErrorIs(t, err, ErrDimensionMismatch)
			_, err = est.Loss(randomBatch(rng, 3, 2, 1, 0), randomBatch(rng, 5, 2, 1, 0))
			assert.ErrorIs(t, err, ErrDimensionMismatch)

			// wrong feature counts
			_, err = est.LogProb(randomBatch(rng, 4, 3, 1, 0), randomBatch(rng, 4, 2, 1, 0))
			assert.ErrorIs(t, err, ErrDimensionMismatch)
			_, err = est.LogProb(randomBatch(rng, 4, 2, 1, 0), randomBatch(rng, 4, 1, 1, 0))
			assert.ErrorIs(t, err, ErrDimensionMismatch)
			_, err = est.Sample(4, randomBatch(rng, 1, 3, 1, 0), rng)
			assert.ErrorIs(t, err, ErrDimensionMismatch)

			// nil batches
			_, err = est.LogProb(nil, nil)
			assert.ErrorIs(t, err, ErrDimensionMismatch)
		})
	}
}

func TestEstimator_SampleShapes(t *testing.T) {
	for _, model := range []string{"gaussian", "mdn", "maf"} {
		t.Run(model, func(t *testing.T) {
			rng := rand.New(rand.NewSource(13))
			est := buildSmall(t, model, randomBatch(rng, 8, 3, 1, 0), randomBatch(rng, 8, 2, 1, 0))

			// GIVEN a single condition, WHEN sampling 25, THEN one 25x3 matrix
			s, err := est.Sample(25, randomBatch(rng, 1, 2, 1, 0), rng)
			require.NoError(t, err)
			require.Len(t, s, 1)
			r, c := s[0].Dims()
			assert.Equal(t, 25, r)
			assert.Equal(t, 3, c)

			// GIVEN three conditions, THEN three matrices in condition order
			s, err = est.Sample(4, randomBatch(rng, 3, 2, 1, 0), rng)
			require.NoError(t, err)
			require.Len(t, s, 3)
			for _, m := range s {
				r, c := m.Dims()
				assert.Equal(t, 4, r)
				assert.Equal(t, 3, c)
			}

			_, err = est.Sample(0, randomBatch(rng, 1, 2, 1, 0), rng)
			assert.Error(t, err)
		})
	}
}

func TestEstimator_ZeroValueIsNotInitialized(t *testing.T) {
	x := mat.NewDense(2, 1, []float64{1, 2})
	y := mat.NewDense(2, 1, []float64{0, 0})
	rng := rand.New(rand.NewSource(1))

	for name, est := range map[string]Estimator{
		"gaussian": &Gaussian{},
		"mdn":      &MDN{},
		"maf":      &MAF{},
		"ratio":    &Ratio{},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := est.LogProb(x, y)
			assert.ErrorIs(t, err, ErrNotInitialized)
			_, err = est.Loss(x, y)
			assert.ErrorIs(t, err, ErrNotInitialized)
			_, err = est.Sample(3, y, rng)
			assert.ErrorIs(t, err, ErrNotInitialized)
			_, err = est.(Trainable).LossGrad(x, y)
			assert.ErrorIs(t, err, ErrNotInitialized)
		})
	}
}

func TestEstimator_LogProbIsSideEffectFree(t *testing.T) {
	for _, model := range Models() {
		t.Run(model, func(t *testing.T) {
			rng := rand.New(rand.NewSource(21))
			x := randomBatch(rng, 5, 2, 1, 0)
			y := randomBatch(rng, 5, 2, 1, 0)
			est := buildSmall(t, model, x, y)
			xCopy, yCopy := mat.DenseCopyOf(x), mat.DenseCopyOf(y)

			first, err := est.LogProb(x, y)
			require.NoError(t, err)
			_, err = est.Loss(x, y)
			require.NoError(t, err)
			second, err := est.LogProb(x, y)
			require.NoError(t, err)

			assert.Equal(t, first, second)
			assert.True(t, mat.Equal(x, xCopy))
			assert.True(t, mat.Equal(y, yCopy))
			for _, p := range est.(Trainable).Params() {
				assert.Zero(t, mat.Norm(p.Grad, 1), "evaluation must not touch gradients")
			}
		})
	}
}

func TestEstimator_LossIsNegativeLogProbForDensities(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	x := randomBatch(rng, 6, 2, 1, 0)
	y := randomBatch(rng, 6, 2, 1, 0)

	for _, model := range []string{"gaussian", "mdn", "maf"} {
		est := buildSmall(t, model, x, y)
		lp, err := est.LogProb(x, y)
		require.NoError(t, err)
		loss, err := est.Loss(x, y)
		require.NoError(t, err)
		for i := range lp {
			assert.InDelta(t, -lp[i], loss[i], 1e-12, model)
		}
	}
}

func TestRatio_LossDiffersFromLogProbAndCannotSample(t *testing.T) {
	// GIVEN a ratio estimator
	rng := rand.New(rand.NewSource(19))
	x := randomBatch(rng, 6, 2, 1, 0)
	y := randomBatch(rng, 6, 2, 1, 0)
	est := buildSmall(t, "ratio", x, y)
	perturb(est.(Trainable).Params(), rng, 0.3)

	// WHEN loss and log-ratio are evaluated
	lp, err := est.LogProb(x, y)
	require.NoError(t, err)
	loss, err := est.Loss(x, y)
	require.NoError(t, err)

	// THEN the loss is a contrastive cross-entropy, positive and not -log_prob
	differs := false
	for i := range lp {
		assert.Greater(t, loss[i], 0.0)
		if math.Abs(loss[i]+lp[i]) > 1e-6 {
			differs = true
		}
	}
	assert.True(t, differs)

	// AND it reports the prior-relative capability
	rel, ok := est.(RelativeToPrior)
	require.True(t, ok)
	assert.True(t, rel.RelativeToPrior())

	// AND sampling is unsupported
	_, err = est.Sample(10, mat.DenseCopyOf(y.Slice(0, 1, 0, 2)), rng)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
}

func TestRatio_SingleRowContrastsPairWithItself(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	x := randomBatch(rng, 4, 1, 1, 0)
	y := randomBatch(rng, 4, 1, 1, 0)
	est := buildSmall(t, "ratio", x, y)

	one := mat.DenseCopyOf(x.Slice(0, 1, 0, 1))
	cond := mat.DenseCopyOf(y.Slice(0, 1, 0, 1))
	lp, err := est.LogProb(one, cond)
	require.NoError(t, err)
	loss, err := est.Loss(one, cond)
	require.NoError(t, err)

	f := lp[0]
	assert.InDelta(t, softplus(-f)+softplus(f), loss[0], 1e-12)
}

func TestRatio_BroadcastLossContrastsJointPairsOnly(t *testing.T) {
	// GIVEN a ratio estimator and one condition shared by every input
	rng := rand.New(rand.NewSource(29))
	x := randomBatch(rng, 5, 2, 1, 0)
	y := randomBatch(rng, 5, 2, 1, 0)
	est := buildSmall(t, "ratio", x, y)
	perturb(est.(Trainable).Params(), rng, 0.3)
	one := mat.DenseCopyOf(y.Slice(0, 1, 0, 2))

	// WHEN the loss is evaluated against the broadcast condition
	f, err := est.LogProb(x, one)
	require.NoError(t, err)
	loss, err := est.Loss(x, one)
	require.NoError(t, err)

	// THEN the rolled pair also uses that condition
	for i := range loss {
		assert.InDelta(t, softplus(-f[i])+softplus(f[(i+1)%len(f)]), loss[i], 1e-12)
	}
}

func TestSoftplusAndSigmoid_AreStableAtExtremes(t *testing.T) {
	assert.InDelta(t, 1000.0, softplus(1000), 1e-9)
	assert.InDelta(t, 0.0, softplus(-1000), 1e-12)
	assert.InDelta(t, math.Log(2), softplus(0), 1e-15)
	assert.Equal(t, 1.0, sigmoid(1000))
	assert.Equal(t, 0.0, sigmoid(-1000))
	assert.InDelta(t, 0.5, sigmoid(0), 1e-15)
}

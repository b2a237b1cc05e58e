package inference

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/sbisim/sbisim/density"
	"github.com/sbisim/sbisim/prior"
)

const (
	// maxSamplingRounds bounds rejection rounds before giving up.
	maxSamplingRounds = 100
	// maxSamplingBatch bounds the draws requested from the estimator per round.
	maxSamplingBatch = 100_000
	// minAcceptanceRate is the floor below which sampling gives up once
	// minAcceptanceDraws have been made.
	minAcceptanceRate  = 1e-4
	minAcceptanceDraws = 10_000
	// warnAcceptanceRate logs a leakage warning below this rate.
	warnAcceptanceRate = 0.01
)

// ErrNoObservation reports a posterior query without an observation and
// without a default one.
var ErrNoObservation = errors.New("no observation given and no default set")

// Posterior is p(theta | x) as learned by an estimator, restricted to the
// prior support.
type Posterior struct {
	prior     prior.Prior
	estimator density.Estimator
	rng       *rand.Rand
	defaultX  []float64
}

// NewPosterior wraps a trained estimator. rng is used when Sample is called
// without one.
func NewPosterior(p prior.Prior, est density.Estimator, rng *rand.Rand) *Posterior {
	return &Posterior{prior: p, estimator: est, rng: rng}
}

// SetDefaultX stores the observation used when queries pass nil.
func (p *Posterior) SetDefaultX(x []float64) error {
	if len(x) != p.estimator.ConditionDim() {
		return fmt.Errorf("set default x: %w: observation has %d values, estimator expects %d",
			density.ErrDimensionMismatch, len(x), p.estimator.ConditionDim())
	}
	p.defaultX = append([]float64(nil), x...)
	return nil
}

// DefaultX returns a copy of the default observation, nil if unset.
func (p *Posterior) DefaultX() []float64 {
	if p.defaultX == nil {
		return nil
	}
	return append([]float64(nil), p.defaultX...)
}

func (p *Posterior) condition(x []float64) (*mat.Dense, error) {
	if x == nil {
		if p.defaultX == nil {
			return nil, ErrNoObservation
		}
		x = p.defaultX
	}
	if len(x) != p.estimator.ConditionDim() {
		return nil, fmt.Errorf("%w: observation has %d values, estimator expects %d",
			density.ErrDimensionMismatch, len(x), p.estimator.ConditionDim())
	}
	return mat.NewDense(1, len(x), append([]float64(nil), x...)), nil
}

// Sample draws n parameter vectors for observation x (nil: the default) by
// sampling the estimator and rejecting draws outside the prior support.
func (p *Posterior) Sample(n int, x []float64, rng *rand.Rand) (*mat.Dense, error) {
	if n < 1 {
		return nil, fmt.Errorf("posterior sample: count %d must be positive", n)
	}
	cond, err := p.condition(x)
	if err != nil {
		return nil, fmt.Errorf("posterior sample: %w", err)
	}
	if rng == nil {
		rng = p.rng
	}
	d := p.estimator.InputDim()
	out := mat.NewDense(n, d, nil)
	kept, valid, drawn := 0, 0, 0

	for round := 0; kept < n; round++ {
		if round == maxSamplingRounds {
			return nil, fmt.Errorf("posterior sample: %w: %d of %d requested after %s draws",
				ErrLowAcceptance, kept, n, humanize.Comma(int64(drawn)))
		}
		batch := n - kept
		if valid > 0 {
			batch = int(math.Ceil(float64(batch) * float64(drawn) / float64(valid)))
		} else if drawn > 0 {
			batch = drawn * 2
		}
		batch = min(batch, maxSamplingBatch)

		s, err := p.estimator.Sample(batch, cond, rng)
		if err != nil {
			return nil, fmt.Errorf("posterior sample: %w", err)
		}
		drawn += batch
		for i := 0; i < batch; i++ {
			row := s[0].RawRowView(i)
			if !p.prior.InSupport(row) {
				continue
			}
			valid++
			if kept < n {
				out.SetRow(kept, row)
				kept++
			}
		}
		if drawn >= minAcceptanceDraws && float64(valid)/float64(drawn) < minAcceptanceRate {
			return nil, fmt.Errorf("posterior sample: %w: %d of %s draws inside the prior support",
				ErrLowAcceptance, valid, humanize.Comma(int64(drawn)))
		}
	}

	rate := float64(valid) / float64(drawn)
	if rate < warnAcceptanceRate {
		logrus.Warnf("only %.2f%% of posterior samples fall inside the prior support; sampling may be slow", 100*rate)
	} else {
		logrus.Debugf("posterior acceptance rate %.3f over %s draws", rate, humanize.Comma(int64(drawn)))
	}
	return out, nil
}

// LogProb evaluates log p(theta | x) for each row of theta; -Inf outside the
// prior support. For estimators that learn a ratio against the prior the
// prior log-density is added, giving an unnormalized posterior.
func (p *Posterior) LogProb(theta *mat.Dense, x []float64) ([]float64, error) {
	cond, err := p.condition(x)
	if err != nil {
		return nil, fmt.Errorf("posterior log_prob: %w", err)
	}
	lp, err := p.estimator.LogProb(theta, cond)
	if err != nil {
		return nil, fmt.Errorf("posterior log_prob: %w", err)
	}
	var priorLP []float64
	if rel, ok := p.estimator.(density.RelativeToPrior); ok && rel.RelativeToPrior() {
		priorLP = p.prior.LogProb(theta)
	}
	for i := range lp {
		if !p.prior.InSupport(theta.RawRowView(i)) {
			lp[i] = math.Inf(-1)
			continue
		}
		if priorLP != nil {
			lp[i] += priorLP[i]
		}
	}
	return lp, nil
}

// DimSummary describes the marginal of one parameter.
type DimSummary struct {
	Dim  int     `json:"dim"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	P5   float64 `json:"p5"`
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
}

// Describe summarizes every column of samples.
func Describe(samples *mat.Dense) []DimSummary {
	r, c := samples.Dims()
	out := make([]DimSummary, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, samples)
		mean, std := stat.MeanStdDev(col, nil)
		if r < 2 {
			std = 0
		}
		sort.Float64s(col)
		out[j] = DimSummary{
			Dim:  j,
			Mean: mean,
			Std:  std,
			P5:   percentile(col, 5),
			P50:  percentile(col, 50),
			P95:  percentile(col, 95),
		}
	}
	return out
}

// percentile returns the p-th percentile of sorted data with linear
// interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	rank := p / 100.0 * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	return sorted[lower] + (sorted[upper]-sorted[lower])*(rank-float64(lower))
}

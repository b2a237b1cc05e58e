package density

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ZScore selects how a batch is standardized before it enters a network.
type ZScore int

const (
	// ZScoreNone leaves data untouched.
	ZScoreNone ZScore = iota
	// ZScoreIndependent standardizes every feature with its own mean and std.
	ZScoreIndependent
	// ZScoreStructured uses one mean and one std for all features, for data
	// whose features are related (time series, images).
	ZScoreStructured
)

const (
	minStdInputs     = 1e-14
	minStdConditions = 1e-7
)

// ParseZScore converts a z-score flag into a ZScore. The empty string selects
// the default, "independent".
func ParseZScore(flag string) (ZScore, error) {
	switch flag {
	case "", "independent":
		return ZScoreIndependent, nil
	case "none":
		return ZScoreNone, nil
	case "structured":
		return ZScoreStructured, nil
	default:
		return ZScoreNone, fmt.Errorf("%w: z-score option %q (use none, independent or structured)", ErrInvalidSpec, flag)
	}
}

func (z ZScore) String() string {
	switch z {
	case ZScoreNone:
		return "none"
	case ZScoreIndependent:
		return "independent"
	case ZScoreStructured:
		return "structured"
	default:
		return fmt.Sprintf("ZScore(%d)", int(z))
	}
}

// Standardizer is the fixed affine map v -> (v - mean) / std, one entry per feature.
type Standardizer struct {
	mean []float64
	std  []float64
}

// IdentityStandardizer returns a Standardizer that leaves dim features untouched.
func IdentityStandardizer(dim int) *Standardizer {
	s := &Standardizer{mean: make([]float64, dim), std: make([]float64, dim)}
	for j := range s.std {
		s.std[j] = 1
	}
	return s
}

// NewStandardizer computes statistics from batch. Rows with NaN or Inf are
// ignored. Standard deviations below minStd are raised to minStd. With fewer
// than two usable rows the std falls back to one. Structured scoring of a
// single feature has no within-row spread and is done independently instead.
func NewStandardizer(batch *mat.Dense, mode ZScore, minStd float64) *Standardizer {
	_, d := batch.Dims()
	s := IdentityStandardizer(d)
	if mode == ZScoreNone {
		return s
	}
	if mode == ZScoreStructured && d == 1 {
		logrus.Warnf("structured z-scoring needs more than one feature; standardizing the single feature independently")
		mode = ZScoreIndependent
	}

	rows := finiteRows(batch)
	if len(rows) == 0 {
		logrus.Warnf("z-scoring skipped: no finite rows in a batch of %d", rowsOf(batch))
		return s
	}

	switch mode {
	case ZScoreIndependent:
		col := make([]float64, len(rows))
		for j := 0; j < d; j++ {
			for k, i := range rows {
				col[k] = batch.At(i, j)
			}
			s.mean[j] = stat.Mean(col, nil)
			if len(rows) > 1 {
				s.std[j] = math.Max(stat.StdDev(col, nil), minStd)
			}
		}
	case ZScoreStructured:
		all := make([]float64, 0, len(rows)*d)
		rowStd := make([]float64, 0, len(rows))
		for _, i := range rows {
			r := batch.RawRowView(i)
			all = append(all, r...)
			rowStd = append(rowStd, math.Max(stat.StdDev(r, nil), minStd))
		}
		mean := stat.Mean(all, nil)
		std := 1.0
		if len(rows) > 1 {
			std = stat.Mean(rowStd, nil)
		}
		for j := 0; j < d; j++ {
			s.mean[j] = mean
			s.std[j] = std
		}
	}

	if len(rows) < 2 {
		logrus.Warnf("z-scoring from a single usable row: std set to 1, statistics are not representative")
	}
	return s
}

// Dim returns the number of features.
func (s *Standardizer) Dim() int {
	return len(s.mean)
}

// Mean returns a copy of the per-feature means.
func (s *Standardizer) Mean() []float64 {
	return append([]float64(nil), s.mean...)
}

// Std returns a copy of the per-feature standard deviations.
func (s *Standardizer) Std() []float64 {
	return append([]float64(nil), s.std...)
}

// Apply returns (x - mean) / std as a new matrix.
func (s *Standardizer) Apply(x *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(x)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] = (row[j] - s.mean[j]) / s.std[j]
		}
	}
	return out
}

// Invert maps standardized rows back in place: x = z*std + mean.
func (s *Standardizer) Invert(z *mat.Dense) *mat.Dense {
	r, _ := z.Dims()
	for i := 0; i < r; i++ {
		row := z.RawRowView(i)
		for j := range row {
			row[j] = row[j]*s.std[j] + s.mean[j]
		}
	}
	return z
}

// LogAbsDet is the log absolute Jacobian determinant of Apply for one row.
func (s *Standardizer) LogAbsDet() float64 {
	var total float64
	for _, sd := range s.std {
		total -= math.Log(sd)
	}
	return total
}

func rowsOf(x *mat.Dense) int {
	r, _ := x.Dims()
	return r
}

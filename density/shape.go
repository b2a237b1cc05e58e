package density

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// pairing describes how input rows map onto condition rows.
type pairing struct {
	n         int
	broadcast bool
}

// condRow returns the condition row paired with input row i.
func (p pairing) condRow(i int) int {
	if p.broadcast {
		return 0
	}
	return i
}

// checkPairs validates inputs against conditions for an estimator with the
// given dimensionality.
func checkPairs(inputs, conditions *mat.Dense, inputDim, condDim int) (pairing, error) {
	if inputs == nil || conditions == nil {
		return pairing{}, fmt.Errorf("%w: nil inputs or conditions", ErrDimensionMismatch)
	}
	n, ic := inputs.Dims()
	m, cc := conditions.Dims()
	if ic != inputDim {
		return pairing{}, fmt.Errorf("%w: inputs have %d features, estimator expects %d", ErrDimensionMismatch, ic, inputDim)
	}
	if cc != condDim {
		return pairing{}, fmt.Errorf("%w: conditions have %d features, estimator expects %d", ErrDimensionMismatch, cc, condDim)
	}
	switch {
	case m == n:
		return pairing{n: n}, nil
	case m == 1:
		return pairing{n: n, broadcast: true}, nil
	default:
		return pairing{}, fmt.Errorf("%w: %d inputs cannot pair with %d conditions", ErrDimensionMismatch, n, m)
	}
}

// checkConditions validates a condition batch for sampling.
func checkConditions(conditions *mat.Dense, condDim int) (int, error) {
	if conditions == nil {
		return 0, fmt.Errorf("%w: nil conditions", ErrDimensionMismatch)
	}
	m, cc := conditions.Dims()
	if cc != condDim {
		return 0, fmt.Errorf("%w: conditions have %d features, estimator expects %d", ErrDimensionMismatch, cc, condDim)
	}
	return m, nil
}

// expandRows returns a matrix with row p.condRow(i) of src at row i.
// Paired batches are returned as-is.
func expandRows(src *mat.Dense, p pairing) *mat.Dense {
	if !p.broadcast {
		return src
	}
	return repeatRow(src.RawRowView(0), p.n)
}

// repeatRow stacks n copies of row.
func repeatRow(row []float64, n int) *mat.Dense {
	d := len(row)
	data := make([]float64, n*d)
	for i := 0; i < n; i++ {
		copy(data[i*d:(i+1)*d], row)
	}
	return mat.NewDense(n, d, data)
}

// reverseColumns returns a copy of x with its columns in reverse order.
func reverseColumns(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := x.RawRowView(i)
		dst := out.RawRowView(i)
		for j := 0; j < c; j++ {
			dst[j] = src[c-1-j]
		}
	}
	return out
}

// hstack concatenates a and b column-wise.
func hstack(a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Augment(a, b)
	return &out
}

// finiteRows returns the indices of rows without NaN or Inf entries.
func finiteRows(x *mat.Dense) []int {
	r, _ := x.Dims()
	rows := make([]int, 0, r)
	for i := 0; i < r; i++ {
		ok := true
		for _, v := range x.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				ok = false
				break
			}
		}
		if ok {
			rows = append(rows, i)
		}
	}
	return rows
}

// standardNormal fills an [n, d] matrix with N(0, 1) draws.
func standardNormal(n, d int, normFloat func() float64) *mat.Dense {
	data := make([]float64, n*d)
	for i := range data {
		data[i] = normFloat()
	}
	return mat.NewDense(n, d, data)
}

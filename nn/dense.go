package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Dense is a fully connected layer computing y = x·Wᵀ + b.
//
// Shapes:
//   - x: [batch, In]
//   - W: [Out, In]
//   - b: [1, Out]
//   - y: [batch, Out]
type Dense struct {
	In     int
	Out    int
	Weight *Param
	Bias   *Param
}

// NewDense creates a Dense layer with Xavier-uniform weights and zero biases.
// A non-nil mask ([Out, In], entries 0 or 1) is applied to the initial weights
// and to every weight gradient.
func NewDense(in, out int, mask *mat.Dense, rng *rand.Rand) *Dense {
	w := xavier(in, out, rng)
	if mask != nil {
		w.MulElem(w, mask)
	}
	weight := NewParam("weight", w)
	weight.Mask = mask
	return &Dense{
		In:     in,
		Out:    out,
		Weight: weight,
		Bias:   NewParam("bias", mat.NewDense(1, out, nil)),
	}
}

// xavier draws an [out, in] matrix from U(-sqrt(6/(in+out)), sqrt(6/(in+out))).
func xavier(in, out int, rng *rand.Rand) *mat.Dense {
	bound := math.Sqrt(6.0 / float64(in+out))
	data := make([]float64, out*in)
	for i := range data {
		data[i] = (rng.Float64()*2.0 - 1.0) * bound
	}
	return mat.NewDense(out, in, data)
}

// ZeroInit sets weights and biases to zero.
func (d *Dense) ZeroInit() {
	d.Weight.Value.Zero()
	d.Bias.Value.Zero()
}

// Forward computes x·Wᵀ + b without touching layer state.
func (d *Dense) Forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	y := mat.NewDense(n, d.Out, nil)
	y.Mul(x, d.Weight.Value.T())
	bias := d.Bias.Value.RawRowView(0)
	for i := 0; i < n; i++ {
		floats.Add(y.RawRowView(i), bias)
	}
	return y
}

// Backward accumulates dL/dW and dL/db given the layer input x and the upstream
// gradient gradOut ([batch, Out]), and returns dL/dx ([batch, In]).
func (d *Dense) Backward(x, gradOut *mat.Dense) *mat.Dense {
	var dw mat.Dense
	dw.Mul(gradOut.T(), x)
	if d.Weight.Mask != nil {
		dw.MulElem(&dw, d.Weight.Mask)
	}
	d.Weight.Grad.Add(d.Weight.Grad, &dw)

	n, _ := gradOut.Dims()
	db := d.Bias.Grad.RawRowView(0)
	for i := 0; i < n; i++ {
		floats.Add(db, gradOut.RawRowView(i))
	}

	gradIn := mat.NewDense(n, d.In, nil)
	gradIn.Mul(gradOut, d.Weight.Value)
	return gradIn
}

// Params returns the layer's trainable parameters.
func (d *Dense) Params() []*Param {
	return []*Param{d.Weight, d.Bias}
}

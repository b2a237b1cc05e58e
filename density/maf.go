package density

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sbisim/sbisim/nn"
)

func init() {
	register("maf", family{
		params: map[string]paramRange{
			"hidden_features": {def: 50, lo: 1, hi: 1024},
			"num_transforms":  {def: 5, lo: 1, hi: 20},
			"num_layers":      {def: 2, lo: 1, hi: 8},
		},
		build: buildMAF,
	})
}

// MAF is a masked autoregressive flow. Each transform maps v to
// u = (v - mu(v, y)) * exp(-alpha(v, y)), where mu_i and alpha_i depend only
// on v_<i and the condition y through a MADE network. Feature order is
// reversed between transforms. The base density is a standard normal.
type MAF struct {
	inputDim   int
	condDim    int
	zx         *Standardizer
	zy         *Standardizer
	transforms []*nn.MLP
}

// mafStep caches one transform of a forward pass for backpropagation.
type mafStep struct {
	trace *nn.Trace
	u     *mat.Dense
	scale *mat.Dense // exp(-alpha)
}

func buildMAF(ctx buildContext) (Estimator, error) {
	_, d := ctx.inputs.Dims()
	_, c := ctx.conditions.Dims()
	hidden := ctx.params.int("hidden_features")
	layers := ctx.params.int("num_layers")

	m := &MAF{inputDim: d, condDim: c, zx: ctx.zx, zy: ctx.zy}
	for t := 0; t < ctx.params.int("num_transforms"); t++ {
		net, err := nn.NewMLP(nn.MLPConfig{
			In:         d + c,
			Hidden:     hidden,
			Out:        2 * d,
			NumLayers:  layers,
			ZeroOutput: true,
			Masks:      madeMasks(d, c, hidden, layers),
		}, ctx.rng)
		if err != nil {
			return nil, err
		}
		m.transforms = append(m.transforms, net)
	}
	return m, nil
}

// madeMasks returns the [out, in] connectivity masks of a MADE network over
// d autoregressive features followed by c condition features.
//
// Degrees: feature j has degree j+1, condition features degree 0, hidden unit
// h degree h%d. A hidden unit sees units of lower or equal degree; output i
// (mu_i or alpha_i) sees hidden units of degree below i+1, so it never
// depends on feature i or later.
func madeMasks(d, c, hidden, layers int) []*mat.Dense {
	prev := make([]int, d+c)
	for j := 0; j < d; j++ {
		prev[j] = j + 1
	}
	hiddenDeg := make([]int, hidden)
	for h := range hiddenDeg {
		hiddenDeg[h] = h % d
	}

	masks := make([]*mat.Dense, 0, layers+1)
	for l := 0; l < layers; l++ {
		mask := mat.NewDense(hidden, len(prev), nil)
		for h, deg := range hiddenDeg {
			for i, in := range prev {
				if in <= deg {
					mask.Set(h, i, 1)
				}
			}
		}
		masks = append(masks, mask)
		prev = hiddenDeg
	}

	out := mat.NewDense(2*d, len(prev), nil)
	for o := 0; o < 2*d; o++ {
		deg := o%d + 1
		for i, in := range prev {
			if in < deg {
				out.Set(o, i, 1)
			}
		}
	}
	return append(masks, out)
}

func (m *MAF) InputDim() int     { return m.inputDim }
func (m *MAF) ConditionDim() int { return m.condDim }

// Transforms returns the number of stacked autoregressive transforms.
func (m *MAF) Transforms() int { return len(m.transforms) }

// Params implements Trainable.
func (m *MAF) Params() []*nn.Param {
	var params []*nn.Param
	for _, net := range m.transforms {
		params = append(params, net.Params()...)
	}
	return params
}

// forward pushes standardized inputs xs through every transform. ys holds one
// standardized condition row per input row. It returns the base-space points,
// the per-row log-abs-det of the flow and the per-transform caches.
func (m *MAF) forward(xs, ys *mat.Dense) (*mat.Dense, []float64, []mafStep) {
	n, d := xs.Dims()
	logdet := make([]float64, n)
	steps := make([]mafStep, len(m.transforms))

	v := xs
	for t, net := range m.transforms {
		out, tr := net.Forward(hstack(v, ys))
		u := mat.NewDense(n, d, nil)
		scale := mat.NewDense(n, d, nil)
		for i := 0; i < n; i++ {
			o := out.RawRowView(i)
			vr, ur, sr := v.RawRowView(i), u.RawRowView(i), scale.RawRowView(i)
			for j := 0; j < d; j++ {
				sr[j] = math.Exp(-o[d+j])
				ur[j] = (vr[j] - o[j]) * sr[j]
				logdet[i] -= o[d+j]
			}
		}
		steps[t] = mafStep{trace: tr, u: u, scale: scale}
		v = reverseColumns(u)
	}
	return v, logdet, steps
}

// inverse maps base-space points z back to standardized input space. Each
// transform is inverted one feature at a time, d network passes per transform.
func (m *MAF) inverse(z, ys *mat.Dense) *mat.Dense {
	n, d := z.Dims()
	v := z
	for t := len(m.transforms) - 1; t >= 0; t-- {
		u := reverseColumns(v)
		x := mat.NewDense(n, d, nil)
		for j := 0; j < d; j++ {
			out, _ := m.transforms[t].Forward(hstack(x, ys))
			for i := 0; i < n; i++ {
				o := out.RawRowView(i)
				x.Set(i, j, u.At(i, j)*math.Exp(o[d+j])+o[j])
			}
		}
		v = x
	}
	return v
}

func (m *MAF) LogProb(inputs, conditions *mat.Dense) ([]float64, error) {
	if m.transforms == nil {
		return nil, fmt.Errorf("maf log_prob: %w", ErrNotInitialized)
	}
	p, err := checkPairs(inputs, conditions, m.inputDim, m.condDim)
	if err != nil {
		return nil, fmt.Errorf("maf log_prob: %w", err)
	}
	ys := expandRows(m.zy.Apply(conditions), p)
	z, logdet, _ := m.forward(m.zx.Apply(inputs), ys)
	base := m.zx.LogAbsDet()

	res := make([]float64, p.n)
	for i := range res {
		lp := base + logdet[i]
		for _, v := range z.RawRowView(i) {
			lp += distuv.UnitNormal.LogProb(v)
		}
		res[i] = lp
	}
	return res, nil
}

// Loss is the negative log-density.
func (m *MAF) Loss(inputs, conditions *mat.Dense) ([]float64, error) {
	lp, err := m.LogProb(inputs, conditions)
	if err != nil {
		return nil, err
	}
	for i := range lp {
		lp[i] = -lp[i]
	}
	return lp, nil
}

// LossGrad implements Trainable.
func (m *MAF) LossGrad(inputs, conditions *mat.Dense) (float64, error) {
	if m.transforms == nil {
		return 0, fmt.Errorf("maf loss: %w", ErrNotInitialized)
	}
	p, err := checkPairs(inputs, conditions, m.inputDim, m.condDim)
	if err != nil {
		return 0, fmt.Errorf("maf loss: %w", err)
	}
	n, d := p.n, m.inputDim
	ys := expandRows(m.zy.Apply(conditions), p)
	z, logdet, steps := m.forward(m.zx.Apply(inputs), ys)
	inv := 1 / float64(n)

	var total float64
	g := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		total -= logdet[i]
		zr, gr := z.RawRowView(i), g.RawRowView(i)
		for j, v := range zr {
			total -= distuv.UnitNormal.LogProb(v)
			gr[j] = v * inv
		}
	}

	for t := len(steps) - 1; t >= 0; t-- {
		st := steps[t]
		gu := reverseColumns(g)
		gradOut := mat.NewDense(n, 2*d, nil)
		gv := mat.NewDense(n, d, nil)
		for i := 0; i < n; i++ {
			gur, ur, sr := gu.RawRowView(i), st.u.RawRowView(i), st.scale.RawRowView(i)
			gor, gvr := gradOut.RawRowView(i), gv.RawRowView(i)
			for j := 0; j < d; j++ {
				gor[j] = -gur[j] * sr[j]
				gor[d+j] = -gur[j]*ur[j] + inv
				gvr[j] = gur[j] * sr[j]
			}
		}
		gin := m.transforms[t].Backward(st.trace, gradOut)
		for i := 0; i < n; i++ {
			floats.Add(gv.RawRowView(i), gin.RawRowView(i)[:d])
		}
		g = gv
	}
	return total*inv - m.zx.LogAbsDet(), nil
}

func (m *MAF) Sample(n int, conditions *mat.Dense, rng *rand.Rand) ([]*mat.Dense, error) {
	if m.transforms == nil {
		return nil, fmt.Errorf("maf sample: %w", ErrNotInitialized)
	}
	if n < 1 {
		return nil, fmt.Errorf("maf sample: count %d must be positive", n)
	}
	rows, err := checkConditions(conditions, m.condDim)
	if err != nil {
		return nil, fmt.Errorf("maf sample: %w", err)
	}
	ys := m.zy.Apply(conditions)

	samples := make([]*mat.Dense, rows)
	for c := 0; c < rows; c++ {
		z := standardNormal(n, m.inputDim, rng.NormFloat64)
		x := m.inverse(z, repeatRow(ys.RawRowView(c), n))
		samples[c] = m.zx.Invert(x)
	}
	return samples, nil
}

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
	register("mdn", family{
		params: map[string]paramRange{
			"hidden_features": {def: 50, lo: 1, hi: 1024},
			"num_components":  {def: 10, lo: 1, hi: 100},
			"num_layers":      {def: 2, lo: 1, hi: 8},
		},
		build: buildMDN,
	})
}

// MDN is a mixture density network: a tanh MLP over the standardized
// condition emits, for K components, mixture logits plus per-feature means and
// log standard deviations of diagonal Gaussians.
//
// Network output layout for D input features:
//
//	[0, K)              logits
//	[K, K+K*D)          means, component-major
//	[K+K*D, K+2*K*D)    log stds, component-major
type MDN struct {
	inputDim   int
	condDim    int
	components int
	zx         *Standardizer
	zy         *Standardizer
	net        *nn.MLP
}

func buildMDN(ctx buildContext) (Estimator, error) {
	_, d := ctx.inputs.Dims()
	_, c := ctx.conditions.Dims()
	k := ctx.params.int("num_components")
	net, err := nn.NewMLP(nn.MLPConfig{
		In:        c,
		Hidden:    ctx.params.int("hidden_features"),
		Out:       k + 2*k*d,
		NumLayers: ctx.params.int("num_layers"),
	}, ctx.rng)
	if err != nil {
		return nil, err
	}
	return &MDN{inputDim: d, condDim: c, components: k, zx: ctx.zx, zy: ctx.zy, net: net}, nil
}

func (m *MDN) InputDim() int     { return m.inputDim }
func (m *MDN) ConditionDim() int { return m.condDim }

// Components returns the number of mixture components.
func (m *MDN) Components() int { return m.components }

// Params implements Trainable.
func (m *MDN) Params() []*nn.Param {
	if m.net == nil {
		return nil
	}
	return m.net.Params()
}

func (m *MDN) meanAt(o []float64, k, j int) float64 {
	return o[m.components+k*m.inputDim+j]
}

func (m *MDN) logStdAt(o []float64, k, j int) float64 {
	return o[m.components+m.components*m.inputDim+k*m.inputDim+j]
}

// joint fills lc[k] with log w_k + log N_k(x) for one standardized row and
// returns the log-sum over components.
func (m *MDN) joint(x, o, lc []float64) float64 {
	logits := o[:m.components]
	lse := floats.LogSumExp(logits)
	for k := 0; k < m.components; k++ {
		lc[k] = logits[k] - lse
		for j := 0; j < m.inputDim; j++ {
			ls := m.logStdAt(o, k, j)
			z := (x[j] - m.meanAt(o, k, j)) * math.Exp(-ls)
			lc[k] += distuv.UnitNormal.LogProb(z) - ls
		}
	}
	return floats.LogSumExp(lc)
}

func (m *MDN) LogProb(inputs, conditions *mat.Dense) ([]float64, error) {
	if m.net == nil {
		return nil, fmt.Errorf("mdn log_prob: %w", ErrNotInitialized)
	}
	p, err := checkPairs(inputs, conditions, m.inputDim, m.condDim)
	if err != nil {
		return nil, fmt.Errorf("mdn log_prob: %w", err)
	}
	xs := m.zx.Apply(inputs)
	out, _ := m.net.Forward(m.zy.Apply(conditions))
	logdet := m.zx.LogAbsDet()
	lc := make([]float64, m.components)

	res := make([]float64, p.n)
	for i := range res {
		res[i] = m.joint(xs.RawRowView(i), out.RawRowView(p.condRow(i)), lc) + logdet
	}
	return res, nil
}

// Loss is the negative log-density.
func (m *MDN) Loss(inputs, conditions *mat.Dense) ([]float64, error) {
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
func (m *MDN) LossGrad(inputs, conditions *mat.Dense) (float64, error) {
	if m.net == nil {
		return 0, fmt.Errorf("mdn loss: %w", ErrNotInitialized)
	}
	p, err := checkPairs(inputs, conditions, m.inputDim, m.condDim)
	if err != nil {
		return 0, fmt.Errorf("mdn loss: %w", err)
	}
	K, d := m.components, m.inputDim
	xs := m.zx.Apply(inputs)
	out, tr := m.net.Forward(m.zy.Apply(conditions))
	rows, cols := out.Dims()
	grad := mat.NewDense(rows, cols, nil)
	inv := 1 / float64(p.n)
	lc := make([]float64, K)

	var total float64
	for i := 0; i < p.n; i++ {
		x := xs.RawRowView(i)
		o := out.RawRowView(p.condRow(i))
		gr := grad.RawRowView(p.condRow(i))
		logp := m.joint(x, o, lc)
		total -= logp

		lse := floats.LogSumExp(o[:K])
		for k := 0; k < K; k++ {
			resp := math.Exp(lc[k] - logp)
			weight := math.Exp(o[k] - lse)
			gr[k] += (weight - resp) * inv
			for j := 0; j < d; j++ {
				ls := m.logStdAt(o, k, j)
				e := math.Exp(-ls)
				z := (x[j] - m.meanAt(o, k, j)) * e
				gr[K+k*d+j] -= resp * z * e * inv
				gr[K+K*d+k*d+j] += resp * (1 - z*z) * inv
			}
		}
	}
	m.net.Backward(tr, grad)
	return total*inv - m.zx.LogAbsDet(), nil
}

func (m *MDN) Sample(n int, conditions *mat.Dense, rng *rand.Rand) ([]*mat.Dense, error) {
	if m.net == nil {
		return nil, fmt.Errorf("mdn sample: %w", ErrNotInitialized)
	}
	if n < 1 {
		return nil, fmt.Errorf("mdn sample: count %d must be positive", n)
	}
	rowsC, err := checkConditions(conditions, m.condDim)
	if err != nil {
		return nil, fmt.Errorf("mdn sample: %w", err)
	}
	K, d := m.components, m.inputDim
	out, _ := m.net.Forward(m.zy.Apply(conditions))
	weights := make([]float64, K)

	samples := make([]*mat.Dense, rowsC)
	for c := 0; c < rowsC; c++ {
		o := out.RawRowView(c)
		lse := floats.LogSumExp(o[:K])
		for k := range weights {
			weights[k] = math.Exp(o[k] - lse)
		}
		pick := distuv.NewCategorical(weights, rng)

		s := standardNormal(n, d, rng.NormFloat64)
		for i := 0; i < n; i++ {
			k := int(pick.Rand())
			row := s.RawRowView(i)
			for j := range row {
				row[j] = m.meanAt(o, k, j) + math.Exp(m.logStdAt(o, k, j))*row[j]
			}
		}
		samples[c] = m.zx.Invert(s)
	}
	return samples, nil
}

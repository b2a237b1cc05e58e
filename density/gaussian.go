package density

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sbisim/sbisim/nn"
)

func init() {
	register("gaussian", family{
		params: map[string]paramRange{
			"hidden_features": {def: 50, lo: 1, hi: 1024},
			"num_layers":      {def: 0, lo: 0, hi: 8},
		},
		build: buildGaussian,
	})
}

// Gaussian is a conditional diagonal Gaussian. In standardized space the mean
// and log standard deviation of every input feature are outputs of an MLP over
// the standardized condition; with num_layers=0 that map is affine.
//
// The output layer starts at zero, so a freshly built Gaussian matches the
// per-feature mean and std of the first batch.
type Gaussian struct {
	inputDim int
	condDim  int
	zx       *Standardizer
	zy       *Standardizer
	net      *nn.MLP
}

func buildGaussian(ctx buildContext) (Estimator, error) {
	_, d := ctx.inputs.Dims()
	_, c := ctx.conditions.Dims()
	net, err := nn.NewMLP(nn.MLPConfig{
		In:         c,
		Hidden:     ctx.params.int("hidden_features"),
		Out:        2 * d,
		NumLayers:  ctx.params.int("num_layers"),
		ZeroOutput: true,
	}, ctx.rng)
	if err != nil {
		return nil, err
	}
	return &Gaussian{inputDim: d, condDim: c, zx: ctx.zx, zy: ctx.zy, net: net}, nil
}

func (g *Gaussian) InputDim() int     { return g.inputDim }
func (g *Gaussian) ConditionDim() int { return g.condDim }

// Params implements Trainable.
func (g *Gaussian) Params() []*nn.Param {
	if g.net == nil {
		return nil
	}
	return g.net.Params()
}

func (g *Gaussian) LogProb(inputs, conditions *mat.Dense) ([]float64, error) {
	if g.net == nil {
		return nil, fmt.Errorf("gaussian log_prob: %w", ErrNotInitialized)
	}
	p, err := checkPairs(inputs, conditions, g.inputDim, g.condDim)
	if err != nil {
		return nil, fmt.Errorf("gaussian log_prob: %w", err)
	}
	xs := g.zx.Apply(inputs)
	out, _ := g.net.Forward(g.zy.Apply(conditions))
	logdet := g.zx.LogAbsDet()

	res := make([]float64, p.n)
	for i := range res {
		x := xs.RawRowView(i)
		o := out.RawRowView(p.condRow(i))
		lp := logdet
		for j := 0; j < g.inputDim; j++ {
			ls := o[g.inputDim+j]
			z := (x[j] - o[j]) * math.Exp(-ls)
			lp += distuv.UnitNormal.LogProb(z) - ls
		}
		res[i] = lp
	}
	return res, nil
}

// Loss is the negative log-density.
func (g *Gaussian) Loss(inputs, conditions *mat.Dense) ([]float64, error) {
	lp, err := g.LogProb(inputs, conditions)
	if err != nil {
		return nil, err
	}
	for i := range lp {
		lp[i] = -lp[i]
	}
	return lp, nil
}

// LossGrad implements Trainable.
func (g *Gaussian) LossGrad(inputs, conditions *mat.Dense) (float64, error) {
	if g.net == nil {
		return 0, fmt.Errorf("gaussian loss: %w", ErrNotInitialized)
	}
	p, err := checkPairs(inputs, conditions, g.inputDim, g.condDim)
	if err != nil {
		return 0, fmt.Errorf("gaussian loss: %w", err)
	}
	d := g.inputDim
	xs := g.zx.Apply(inputs)
	out, tr := g.net.Forward(g.zy.Apply(conditions))
	m, _ := out.Dims()
	grad := mat.NewDense(m, 2*d, nil)
	inv := 1 / float64(p.n)

	var total float64
	for i := 0; i < p.n; i++ {
		x := xs.RawRowView(i)
		o := out.RawRowView(p.condRow(i))
		gr := grad.RawRowView(p.condRow(i))
		for j := 0; j < d; j++ {
			ls := o[d+j]
			e := math.Exp(-ls)
			z := (x[j] - o[j]) * e
			total -= distuv.UnitNormal.LogProb(z) - ls
			gr[j] -= z * e * inv
			gr[d+j] += (1 - z*z) * inv
		}
	}
	g.net.Backward(tr, grad)
	return total*inv - g.zx.LogAbsDet(), nil
}

func (g *Gaussian) Sample(n int, conditions *mat.Dense, rng *rand.Rand) ([]*mat.Dense, error) {
	if g.net == nil {
		return nil, fmt.Errorf("gaussian sample: %w", ErrNotInitialized)
	}
	if n < 1 {
		return nil, fmt.Errorf("gaussian sample: count %d must be positive", n)
	}
	m, err := checkConditions(conditions, g.condDim)
	if err != nil {
		return nil, fmt.Errorf("gaussian sample: %w", err)
	}
	d := g.inputDim
	out, _ := g.net.Forward(g.zy.Apply(conditions))

	samples := make([]*mat.Dense, m)
	for k := 0; k < m; k++ {
		o := out.RawRowView(k)
		s := standardNormal(n, d, rng.NormFloat64)
		for i := 0; i < n; i++ {
			row := s.RawRowView(i)
			for j := range row {
				row[j] = o[j] + math.Exp(o[d+j])*row[j]
			}
		}
		samples[k] = g.zx.Invert(s)
	}
	return samples, nil
}

// Moments returns the mean and standard deviation, in input space, of the
// density for every condition row.
func (g *Gaussian) Moments(conditions *mat.Dense) (means, stds *mat.Dense, err error) {
	if g.net == nil {
		return nil, nil, fmt.Errorf("gaussian moments: %w", ErrNotInitialized)
	}
	m, err := checkConditions(conditions, g.condDim)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussian moments: %w", err)
	}
	d := g.inputDim
	out, _ := g.net.Forward(g.zy.Apply(conditions))
	means = mat.NewDense(m, d, nil)
	stds = mat.NewDense(m, d, nil)
	for k := 0; k < m; k++ {
		o := out.RawRowView(k)
		for j := 0; j < d; j++ {
			means.Set(k, j, g.zx.mean[j]+g.zx.std[j]*o[j])
			stds.Set(k, j, g.zx.std[j]*math.Exp(o[d+j]))
		}
	}
	return means, stds, nil
}

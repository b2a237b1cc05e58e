package density

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/sbisim/sbisim/nn"
)

func init() {
	register("ratio", family{
		params: map[string]paramRange{
			"hidden_features": {def: 50, lo: 1, hi: 1024},
			"num_layers":      {def: 2, lo: 1, hi: 8},
		},
		build: buildRatio,
	})
}

// Ratio is a classifier f(theta, x) trained to tell jointly drawn pairs from
// pairs with theta taken from another row of the batch. At the optimum f is
// log p(theta | x) - log p(theta), so LogProb returns an unnormalized
// log-density that is relative to the prior. It cannot sample.
type Ratio struct {
	inputDim int
	condDim  int
	zx       *Standardizer
	zy       *Standardizer
	net      *nn.MLP
}

func buildRatio(ctx buildContext) (Estimator, error) {
	_, d := ctx.inputs.Dims()
	_, c := ctx.conditions.Dims()
	net, err := nn.NewMLP(nn.MLPConfig{
		In:        d + c,
		Hidden:    ctx.params.int("hidden_features"),
		Out:       1,
		NumLayers: ctx.params.int("num_layers"),
	}, ctx.rng)
	if err != nil {
		return nil, err
	}
	return &Ratio{inputDim: d, condDim: c, zx: ctx.zx, zy: ctx.zy, net: net}, nil
}

func (r *Ratio) InputDim() int     { return r.inputDim }
func (r *Ratio) ConditionDim() int { return r.condDim }

// RelativeToPrior reports that LogProb omits the prior term.
func (r *Ratio) RelativeToPrior() bool { return true }

// Params implements Trainable.
func (r *Ratio) Params() []*nn.Param {
	if r.net == nil {
		return nil
	}
	return r.net.Params()
}

// logits evaluates f on stacked joint and marginal pairs. Rows [0, n) pair
// input i with condition i; rows [n, 2n) pair input (i+1)%n with condition i.
func (r *Ratio) logits(inputs, conditions *mat.Dense, p pairing) (*mat.Dense, *nn.Trace) {
	xs := r.zx.Apply(inputs)
	ys := expandRows(r.zy.Apply(conditions), p)
	var both mat.Dense
	both.Stack(hstack(xs, ys), hstack(rollRows(xs), ys))
	return r.net.Forward(&both)
}

// LogProb returns the log-ratio f(theta, x) for each pair.
func (r *Ratio) LogProb(inputs, conditions *mat.Dense) ([]float64, error) {
	if r.net == nil {
		return nil, fmt.Errorf("ratio log_prob: %w", ErrNotInitialized)
	}
	p, err := checkPairs(inputs, conditions, r.inputDim, r.condDim)
	if err != nil {
		return nil, fmt.Errorf("ratio log_prob: %w", err)
	}
	xs := r.zx.Apply(inputs)
	ys := expandRows(r.zy.Apply(conditions), p)
	out, _ := r.net.Forward(hstack(xs, ys))
	return mat.Col(nil, 0, out), nil
}

// Loss is the binary cross-entropy of classifying pair i as joint and the
// rolled pair as marginal: softplus(-f(theta_i, x_i)) + softplus(f(theta_{i+1}, x_i)).
// With a single row the marginal pair is the joint pair itself. A broadcast
// condition pairs every input with the same x, so the rolled pairs are joint
// pairs too and the loss carries no signal about x; train on paired batches.
func (r *Ratio) Loss(inputs, conditions *mat.Dense) ([]float64, error) {
	if r.net == nil {
		return nil, fmt.Errorf("ratio loss: %w", ErrNotInitialized)
	}
	p, err := checkPairs(inputs, conditions, r.inputDim, r.condDim)
	if err != nil {
		return nil, fmt.Errorf("ratio loss: %w", err)
	}
	out, _ := r.logits(inputs, conditions, p)
	res := make([]float64, p.n)
	for i := range res {
		res[i] = softplus(-out.At(i, 0)) + softplus(out.At(p.n+i, 0))
	}
	return res, nil
}

// LossGrad implements Trainable.
func (r *Ratio) LossGrad(inputs, conditions *mat.Dense) (float64, error) {
	if r.net == nil {
		return 0, fmt.Errorf("ratio loss: %w", ErrNotInitialized)
	}
	p, err := checkPairs(inputs, conditions, r.inputDim, r.condDim)
	if err != nil {
		return 0, fmt.Errorf("ratio loss: %w", err)
	}
	n := p.n
	out, tr := r.logits(inputs, conditions, p)
	grad := mat.NewDense(2*n, 1, nil)
	inv := 1 / float64(n)

	var total float64
	for i := 0; i < n; i++ {
		joint, marginal := out.At(i, 0), out.At(n+i, 0)
		total += softplus(-joint) + softplus(marginal)
		grad.Set(i, 0, (sigmoid(joint)-1)*inv)
		grad.Set(n+i, 0, sigmoid(marginal)*inv)
	}
	r.net.Backward(tr, grad)
	return total * inv, nil
}

func (r *Ratio) Sample(int, *mat.Dense, *rand.Rand) ([]*mat.Dense, error) {
	if r.net == nil {
		return nil, fmt.Errorf("ratio sample: %w", ErrNotInitialized)
	}
	return nil, fmt.Errorf("ratio sample: %w: a ratio estimator has no sampler", ErrUnsupportedOperation)
}

// rollRows returns x with row i replaced by row (i+1)%n.
func rollRows(x *mat.Dense) *mat.Dense {
	n, c := x.Dims()
	out := mat.NewDense(n, c, nil)
	for i := 0; i < n; i++ {
		copy(out.RawRowView(i), x.RawRowView((i+1)%n))
	}
	return out
}

func softplus(v float64) float64 {
	return math.Max(v, 0) + math.Log1p(math.Exp(-math.Abs(v)))
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

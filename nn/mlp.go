package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// MLPConfig describes a tanh multi-layer perceptron.
//
// NumLayers is the number of hidden layers; zero gives a single affine map
// from In to Out. Masks, when set, must hold NumLayers+1 entries (one per
// Dense layer, [out, in] each); nil entries mean fully connected.
type MLPConfig struct {
	In         int
	Hidden     int
	Out        int
	NumLayers  int
	ZeroOutput bool
	Masks      []*mat.Dense
}

// MLP is a stack of Dense layers with tanh between them and a linear output.
type MLP struct {
	Layers []*Dense
}

// Trace holds what Backward needs from one Forward call: the input of every
// layer and the tanh output of every hidden layer.
type Trace struct {
	inputs []*mat.Dense
	hidden []*mat.Dense
}

// NewMLP builds an MLP from cfg, drawing initial weights from rng.
func NewMLP(cfg MLPConfig, rng *rand.Rand) (*MLP, error) {
	if cfg.In < 1 || cfg.Out < 1 {
		return nil, fmt.Errorf("mlp: in=%d out=%d must both be positive", cfg.In, cfg.Out)
	}
	if cfg.NumLayers < 0 {
		return nil, fmt.Errorf("mlp: num layers %d must be non-negative", cfg.NumLayers)
	}
	if cfg.NumLayers > 0 && cfg.Hidden < 1 {
		return nil, fmt.Errorf("mlp: hidden width %d must be positive", cfg.Hidden)
	}
	if cfg.Masks != nil && len(cfg.Masks) != cfg.NumLayers+1 {
		return nil, fmt.Errorf("mlp: got %d masks for %d layers", len(cfg.Masks), cfg.NumLayers+1)
	}

	mask := func(i int) *mat.Dense {
		if cfg.Masks == nil {
			return nil
		}
		return cfg.Masks[i]
	}

	layers := make([]*Dense, 0, cfg.NumLayers+1)
	in := cfg.In
	for i := 0; i < cfg.NumLayers; i++ {
		layers = append(layers, NewDense(in, cfg.Hidden, mask(i), rng))
		in = cfg.Hidden
	}
	out := NewDense(in, cfg.Out, mask(cfg.NumLayers), rng)
	if cfg.ZeroOutput {
		out.ZeroInit()
	}
	layers = append(layers, out)
	return &MLP{Layers: layers}, nil
}

// Forward evaluates the network on x ([batch, In]) and returns [batch, Out]
// plus the Trace needed for Backward.
func (m *MLP) Forward(x *mat.Dense) (*mat.Dense, *Trace) {
	tr := &Trace{
		inputs: make([]*mat.Dense, len(m.Layers)),
		hidden: make([]*mat.Dense, len(m.Layers)-1),
	}
	h := x
	last := len(m.Layers) - 1
	for i, layer := range m.Layers {
		tr.inputs[i] = h
		z := layer.Forward(h)
		if i < last {
			z.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, z)
			tr.hidden[i] = z
		}
		h = z
	}
	return h, tr
}

// Backward accumulates parameter gradients for the upstream gradient gradOut
// ([batch, Out]) and returns the gradient with respect to the network input.
func (m *MLP) Backward(tr *Trace, gradOut *mat.Dense) *mat.Dense {
	g := gradOut
	for i := len(m.Layers) - 1; i >= 0; i-- {
		if i < len(m.Layers)-1 {
			// tanh'(z) = 1 - tanh(z)^2
			act := tr.hidden[i]
			g.Apply(func(r, c int, v float64) float64 {
				a := act.At(r, c)
				return v * (1 - a*a)
			}, g)
		}
		g = m.Layers[i].Backward(tr.inputs[i], g)
	}
	return g
}

// Params returns all trainable parameters, input layer first.
func (m *MLP) Params() []*Param {
	params := make([]*Param, 0, 2*len(m.Layers))
	for _, l := range m.Layers {
		params = append(params, l.Params()...)
	}
	return params
}

// Output returns the final layer.
func (m *MLP) Output() *Dense {
	return m.Layers[len(m.Layers)-1]
}

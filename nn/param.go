// Package nn provides the small set of trainable building blocks used by the
// density estimators: parameters with gradients, (masked) dense layers, a tanh
// MLP, and the Adam optimizer.
//
// Batches are gonum matrices with one example per row. Forward passes are pure
// and return a Trace; Backward consumes that Trace, so evaluation never mutates
// layer state and only gradient accumulation touches Param.Grad.
package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Param is a named trainable matrix together with its accumulated gradient.
// Mask, when non-nil, marks the entries that are allowed to be non-zero; masked
// entries receive zero gradient and therefore never move under Adam.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
	Mask  *mat.Dense
}

// NewParam wraps value as a trainable parameter with a zeroed gradient.
func NewParam(name string, value *mat.Dense) *Param {
	r, c := value.Dims()
	return &Param{
		Name:  name,
		Value: value,
		Grad:  mat.NewDense(r, c, nil),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// Size returns the number of scalar entries in the parameter.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// Snapshot deep-copies the current values of params.
func Snapshot(params []*Param) []*mat.Dense {
	snap := make([]*mat.Dense, len(params))
	for i, p := range params {
		snap[i] = mat.DenseCopyOf(p.Value)
	}
	return snap
}

// Restore copies a snapshot taken with Snapshot back into params.
func Restore(params []*Param, snap []*mat.Dense) error {
	if len(params) != len(snap) {
		return fmt.Errorf("restore: snapshot has %d entries, want %d", len(snap), len(params))
	}
	for i, p := range params {
		pr, pc := p.Value.Dims()
		sr, sc := snap[i].Dims()
		if pr != sr || pc != sc {
			return fmt.Errorf("restore: %s is %dx%d, snapshot is %dx%d", p.Name, pr, pc, sr, sc)
		}
		p.Value.Copy(snap[i])
	}
	return nil
}

// CountParams returns the total number of scalar entries across params.
func CountParams(params []*Param) int {
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	return total
}

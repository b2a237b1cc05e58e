package density

import (
	"errors"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/sbisim/sbisim/nn"
)

var (
	// ErrDimensionMismatch reports input/condition batch or feature sizes that
	// disagree and cannot be broadcast.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrUnsupportedOperation reports an operation the estimator family does
	// not implement, typically sampling.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrNotInitialized reports an operation on an estimator that was never
	// built from a first batch.
	ErrNotInitialized = errors.New("density estimator not initialized")

	// ErrUnknownModel reports a preset name with no registered family.
	ErrUnknownModel = errors.New("unknown density estimator")

	// ErrInvalidSpec reports a malformed estimator configuration.
	ErrInvalidSpec = errors.New("invalid density estimator spec")
)

// Estimator is a conditional probability density over inputs given conditions.
type Estimator interface {
	// LogProb returns the natural-log density of each input row under the
	// density conditioned on the paired condition row.
	LogProb(inputs, conditions *mat.Dense) ([]float64, error)

	// Loss returns the per-example training objective. It never updates
	// parameters.
	Loss(inputs, conditions *mat.Dense) ([]float64, error)

	// Sample draws n inputs for every condition row. Element i of the result
	// is an [n, InputDim] matrix belonging to condition row i.
	Sample(n int, conditions *mat.Dense, rng *rand.Rand) ([]*mat.Dense, error)

	InputDim() int
	ConditionDim() int
}

// Trainable is implemented by estimators whose parameters an external
// optimizer can update.
type Trainable interface {
	Params() []*nn.Param

	// LossGrad returns the mean Loss over the batch and accumulates the
	// gradient of that mean into each parameter's Grad.
	LossGrad(inputs, conditions *mat.Dense) (float64, error)
}

// RelativeToPrior is implemented by estimators whose LogProb is a log-ratio
// against the prior rather than a normalized density. Callers add the prior
// log-density to obtain an unnormalized posterior log-density.
type RelativeToPrior interface {
	RelativeToPrior() bool
}

// BuildFunc constructs a custom estimator from the first batch. It is the hook
// for user-defined families; rng seeds any weight initialization.
type BuildFunc func(inputs, conditions *mat.Dense, rng *rand.Rand) (Estimator, error)

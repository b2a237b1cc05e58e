// Package inference drives neural posterior estimation: it collects
// simulations, trains a density estimator of parameters given observations,
// and wraps the result in a Posterior restricted to the prior support.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/sbisim/sbisim/density"
	"github.com/sbisim/sbisim/nn"
	"github.com/sbisim/sbisim/prior"
)

var (
	// ErrNotTrainable reports an estimator that does not expose parameters
	// and gradients.
	ErrNotTrainable = errors.New("density estimator is not trainable")

	// ErrNoSimulations reports training without appended simulations.
	ErrNoSimulations = errors.New("no simulations to train on")

	// ErrLowAcceptance reports posterior samples that almost never fall
	// inside the prior support.
	ErrLowAcceptance = errors.New("posterior acceptance rate too low")
)

// TrainConfig controls one call to Train.
type TrainConfig struct {
	BatchSize          int     `yaml:"training_batch_size"`
	LearningRate       float64 `yaml:"learning_rate"`
	ValidationFraction float64 `yaml:"validation_fraction"`
	StopAfterEpochs    int     `yaml:"stop_after_epochs"`
	MaxNumEpochs       int     `yaml:"max_num_epochs"`
	ClipMaxNorm        float64 `yaml:"clip_max_norm"` // <= 0 disables clipping
	ShowProgress       bool    `yaml:"show_progress"`
}

// DefaultTrainConfig returns the standard training settings.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		BatchSize:          200,
		LearningRate:       5e-4,
		ValidationFraction: 0.1,
		StopAfterEpochs:    20,
		MaxNumEpochs:       math.MaxInt32,
		ClipMaxNorm:        5.0,
	}
}

// Validate checks that the configuration can drive a training run.
func (c TrainConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("training_batch_size %d must be positive", c.BatchSize)
	}
	if !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0) {
		return fmt.Errorf("learning_rate %v must be positive and finite", c.LearningRate)
	}
	if !(c.ValidationFraction > 0 && c.ValidationFraction < 1) {
		return fmt.Errorf("validation_fraction %v must be in (0, 1)", c.ValidationFraction)
	}
	if c.StopAfterEpochs < 1 {
		return fmt.Errorf("stop_after_epochs %d must be positive", c.StopAfterEpochs)
	}
	if c.MaxNumEpochs < 1 {
		return fmt.Errorf("max_num_epochs %d must be positive", c.MaxNumEpochs)
	}
	return nil
}

// NPE is the neural posterior estimation driver. It owns the simulation
// store and the estimator; the estimator is built from the training split of
// the first Train call and reused afterwards.
//
// Not safe for concurrent use.
type NPE struct {
	prior     prior.Prior
	builder   *density.Builder
	rng       *PartitionedRNG
	theta     *mat.Dense
	x         *mat.Dense
	estimator density.Estimator
	history   *History
}

// NewNPE creates a driver. The builder decides the estimator family; rng
// supplies the training and posterior streams.
func NewNPE(p prior.Prior, b *density.Builder, rng *PartitionedRNG) *NPE {
	return &NPE{prior: p, builder: b, rng: rng, history: NewHistory()}
}

// AppendSimulations adds paired (theta, x) rows. Rows whose theta or x holds
// NaN or Inf are dropped with a warning.
func (n *NPE) AppendSimulations(theta, x *mat.Dense) error {
	if theta == nil || x == nil {
		return fmt.Errorf("append simulations: %w: nil batch", density.ErrDimensionMismatch)
	}
	tr, tc := theta.Dims()
	xr, xc := x.Dims()
	if tr != xr {
		return fmt.Errorf("append simulations: %w: %d parameters vs %d observations", density.ErrDimensionMismatch, tr, xr)
	}
	if tc != n.prior.Dim() {
		return fmt.Errorf("append simulations: %w: theta has %d columns, prior has %d", density.ErrDimensionMismatch, tc, n.prior.Dim())
	}
	if n.x != nil {
		if _, have := n.x.Dims(); have != xc {
			return fmt.Errorf("append simulations: %w: x has %d columns, stored simulations have %d", density.ErrDimensionMismatch, xc, have)
		}
	}

	keep := make([]int, 0, tr)
	for i := 0; i < tr; i++ {
		if finite(theta.RawRowView(i)) && finite(x.RawRowView(i)) {
			keep = append(keep, i)
		}
	}
	if dropped := tr - len(keep); dropped > 0 {
		logrus.Warnf("dropped %s of %s simulations containing NaN or Inf", humanize.Comma(int64(dropped)), humanize.Comma(int64(tr)))
	}
	if len(keep) == 0 {
		return nil
	}
	n.theta = appendRows(n.theta, theta, keep)
	n.x = appendRows(n.x, x, keep)
	return nil
}

// NumSimulations returns the number of stored valid simulations.
func (n *NPE) NumSimulations() int {
	if n.theta == nil {
		return 0
	}
	r, _ := n.theta.Dims()
	return r
}

// Estimator returns the trained estimator, or nil before the first Train.
func (n *NPE) Estimator() density.Estimator {
	return n.estimator
}

// History returns every epoch recorded so far.
func (n *NPE) History() *History {
	return n.history
}

// Train fits the estimator to the stored simulations with Adam, early
// stopping on the held-out validation loss. The parameters with the best
// validation loss are restored before returning.
func (n *NPE) Train(ctx context.Context, cfg TrainConfig) (*Summary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	total := n.NumSimulations()
	if total == 0 {
		return nil, fmt.Errorf("train: %w", ErrNoSimulations)
	}
	numVal := max(int(cfg.ValidationFraction*float64(total)), 1)
	numTrain := total - numVal
	if numTrain < 1 {
		return nil, fmt.Errorf("train: %d simulations leave no training data after a validation split of %d", total, numVal)
	}

	rng := n.rng.ForSubsystem(SubsystemTraining)
	perm := rng.Perm(total)
	trainIdx, valIdx := perm[:numTrain], perm[numTrain:]
	valTheta, valX := selectRows(n.theta, valIdx), selectRows(n.x, valIdx)

	if n.estimator == nil {
		est, err := n.builder.Build(selectRows(n.theta, trainIdx), selectRows(n.x, trainIdx))
		if err != nil {
			return nil, fmt.Errorf("train: %w", err)
		}
		n.estimator = est
	}
	trainable, ok := n.estimator.(density.Trainable)
	if !ok {
		return nil, fmt.Errorf("train: %w: %T", ErrNotTrainable, n.estimator)
	}
	params := trainable.Params()
	opt := nn.NewAdam(params, nn.AdamConfig{LR: cfg.LearningRate})
	logrus.Infof("training on %s simulations (%s held out), %s parameters",
		humanize.Comma(int64(numTrain)), humanize.Comma(int64(numVal)), humanize.Comma(int64(nn.CountParams(params))))

	bar := NewProgress(cfg.ShowProgress, -1, "training", "epochs")
	defer bar.Finish()

	run := NewHistory()
	best := math.Inf(1)
	bestParams := nn.Snapshot(params)
	sinceImproved := 0
	converged := false
	first := len(n.history.Epochs)

	for epoch := 1; epoch <= cfg.MaxNumEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("train: %w", err)
		}
		rng.Shuffle(len(trainIdx), func(i, j int) { trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i] })

		var lossSum, normSum float64
		batches := 0
		for lo := 0; lo < numTrain; lo += cfg.BatchSize {
			idx := trainIdx[lo:min(lo+cfg.BatchSize, numTrain)]
			opt.ZeroGrad()
			loss, err := trainable.LossGrad(selectRows(n.theta, idx), selectRows(n.x, idx))
			if err != nil {
				return nil, fmt.Errorf("train epoch %d: %w", epoch, err)
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return nil, fmt.Errorf("train epoch %d: loss diverged to %v", epoch, loss)
			}
			normSum += nn.ClipGradNorm(params, cfg.ClipMaxNorm)
			opt.Step()
			lossSum += loss * float64(len(idx))
			batches++
		}

		valLoss, err := meanLoss(n.estimator, valTheta, valX)
		if err != nil {
			return nil, fmt.Errorf("train epoch %d: validation: %w", epoch, err)
		}
		rec := EpochRecord{
			Epoch:          first + epoch,
			TrainLoss:      lossSum / float64(numTrain),
			ValidationLoss: valLoss,
			GradNorm:       normSum / float64(batches),
		}
		if valLoss < best {
			best = valLoss
			bestParams = nn.Snapshot(params)
			sinceImproved = 0
			rec.Improved = true
		} else {
			sinceImproved++
		}
		run.Record(rec)
		n.history.Record(rec)
		logrus.Debugf("epoch %d: train %.4f, validation %.4f, grad norm %.3g", rec.Epoch, rec.TrainLoss, rec.ValidationLoss, rec.GradNorm)
		bar.Describe(fmt.Sprintf("training (val %.3f)", valLoss))
		bar.Add(1)

		if sinceImproved >= cfg.StopAfterEpochs {
			converged = true
			break
		}
	}

	if err := nn.Restore(params, bestParams); err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	s := Summarize(run)
	s.ConvergedEarly = converged
	s.NumTrain = numTrain
	s.NumValidation = numVal
	logrus.Infof("trained %d epochs, best validation loss %.4f at epoch %d", s.EpochsTrained, s.BestValidationLoss, s.BestEpoch)
	return s, nil
}

// BuildPosterior wraps the trained estimator. x0, if non-nil, becomes the
// default observation.
func (n *NPE) BuildPosterior(x0 []float64) (*Posterior, error) {
	if n.estimator == nil {
		return nil, fmt.Errorf("build posterior: %w: train first", density.ErrNotInitialized)
	}
	post := NewPosterior(n.prior, n.estimator, n.rng.ForSubsystem(SubsystemPosterior))
	if x0 != nil {
		if err := post.SetDefaultX(x0); err != nil {
			return nil, err
		}
	}
	return post, nil
}

func meanLoss(est density.Estimator, theta, x *mat.Dense) (float64, error) {
	loss, err := est.Loss(theta, x)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, l := range loss {
		sum += l
	}
	return sum / float64(len(loss)), nil
}

func finite(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// selectRows gathers rows idx of src into a new matrix.
func selectRows(src *mat.Dense, idx []int) *mat.Dense {
	_, c := src.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, k := range idx {
		copy(out.RawRowView(i), src.RawRowView(k))
	}
	return out
}

// appendRows returns dst with rows idx of src stacked below it.
func appendRows(dst, src *mat.Dense, idx []int) *mat.Dense {
	rows := selectRows(src, idx)
	if dst == nil {
		return rows
	}
	var out mat.Dense
	out.Stack(dst, rows)
	return &out
}

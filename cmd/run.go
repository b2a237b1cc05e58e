package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/sbisim/sbisim/density"
	"github.com/sbisim/sbisim/inference"
	"github.com/sbisim/sbisim/prior"
	"github.com/sbisim/sbisim/simulator"
)

// Result is the JSON report of one inference run.
type Result struct {
	Prior            prior.Spec             `json:"prior"`
	Simulator        simulator.Spec         `json:"simulator"`
	Estimator        density.Spec           `json:"estimator"`
	Seed             int64                  `json:"seed"`
	NumSimulations   int                    `json:"num_simulations"`
	Training         *inference.Summary     `json:"training"`
	Observation      []float64              `json:"observation"`
	TrueTheta        []float64              `json:"true_theta,omitempty"`
	TrueThetaLogProb *float64               `json:"true_theta_log_prob,omitempty"`
	NumSamples       int                    `json:"num_samples"`
	Posterior        []inference.DimSummary `json:"posterior,omitempty"`
}

// runInference simulates, trains and samples the posterior for opts.
func runInference(ctx context.Context, opts *runOptions) (*Result, error) {
	rng := inference.NewPartitionedRNG(inference.NewRunKey(opts.Seed))

	p, err := prior.NewPrior(opts.Prior)
	if err != nil {
		return nil, err
	}
	sim, err := simulator.NewSimulator(opts.Simulator)
	if err != nil {
		return nil, err
	}
	builder, err := density.NewBuilder(opts.Estimator, rng.Seed(inference.SubsystemInit))
	if err != nil {
		return nil, err
	}
	res := &Result{
		Prior:          opts.Prior,
		Simulator:      opts.Simulator,
		Estimator:      builder.Spec(),
		Seed:           opts.Seed,
		NumSimulations: opts.NumSimulations,
		NumSamples:     opts.NumSamples,
	}

	// Simulate
	theta := p.Sample(opts.NumSimulations, rng.ForSubsystem(inference.SubsystemPrior))
	bar := inference.NewProgress(opts.Training.ShowProgress, opts.NumSimulations, "simulating", "sims")
	runner := simulator.Runner{Workers: opts.Workers, OnChunk: bar.Add}
	x, err := runner.Run(ctx, sim, theta, rng.Seed(inference.SubsystemSimulator))
	bar.Finish()
	if err != nil {
		return nil, fmt.Errorf("simulating: %w", err)
	}
	logrus.Infof("simulated %s parameter sets with %s", humanize.Comma(int64(opts.NumSimulations)), opts.Simulator.Type)

	// Train
	npe := inference.NewNPE(p, builder, rng)
	if err := npe.AppendSimulations(theta, x); err != nil {
		return nil, err
	}
	summary, err := npe.Train(ctx, opts.Training)
	if err != nil {
		return nil, err
	}
	res.Training = summary

	// Observe
	x0 := opts.Observation
	var trueTheta *mat.Dense
	if len(x0) == 0 {
		obsRNG := rng.ForSubsystem(inference.SubsystemObservation)
		trueTheta = p.Sample(1, obsRNG)
		obs, err := sim.Simulate(trueTheta, obsRNG)
		if err != nil {
			return nil, fmt.Errorf("simulating observation: %w", err)
		}
		x0 = mat.Row(nil, 0, obs)
		res.TrueTheta = mat.Row(nil, 0, trueTheta)
		logrus.Infof("no observation given; simulated x0 at theta=%v", res.TrueTheta)
	}
	res.Observation = x0

	post, err := npe.BuildPosterior(x0)
	if err != nil {
		return nil, err
	}
	if trueTheta != nil {
		lp, err := post.LogProb(trueTheta, nil)
		if err != nil {
			return nil, err
		}
		res.TrueThetaLogProb = &lp[0]
	}

	// Sample
	samples, err := post.Sample(opts.NumSamples, nil, nil)
	switch {
	case errors.Is(err, density.ErrUnsupportedOperation):
		logrus.Warnf("%s estimator cannot be sampled directly; reporting log-probabilities only", opts.Estimator.Model)
	case err != nil:
		return nil, err
	default:
		res.Posterior = inference.Describe(samples)
	}
	return res, nil
}

// writeResult prints the results header and JSON to w, and to outputPath
// when set.
func writeResult(w io.Writer, res *Result, outputPath string) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	fmt.Fprintln(w, "=== Inference Results ===")
	fmt.Fprintln(w, string(data))
	if outputPath != "" {
		if err := os.WriteFile(outputPath, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("writing results: %w", err)
		}
		logrus.Infof("results saved to %s", outputPath)
	}
	return nil
}

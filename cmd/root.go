package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sbisim/sbisim/density"
)

// flags holds every CLI flag of the run command.
var flags = newRunFlags()

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "sbisim",
	Short: "Simulation-based inference with neural density estimators",
}

// runCmd simulates from the prior, trains a posterior estimator and samples it
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run neural posterior estimation on a simulator",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel(flags.logLevel)

		var cfg *RunConfig
		if flags.configPath != "" {
			var err error
			cfg, err = LoadRunConfig(flags.configPath)
			if err != nil {
				logrus.Fatalf("Failed to load run config: %v", err)
			}
		}
		presets, err := loadPresets(flags.presetsPath)
		if err != nil {
			logrus.Fatalf("Failed to load presets: %v", err)
		}
		opts, err := flags.resolve(cmd.Flags().Changed, cfg, presets)
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		logrus.Infof("Starting inference: prior=%s(dim=%d), simulator=%s, estimator=%s, seed=%d",
			opts.Prior.Type, opts.Prior.Dim, opts.Simulator.Type, opts.Estimator.Model, opts.Seed)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := runInference(ctx, opts)
		if err != nil {
			logrus.Fatalf("Inference failed: %v", err)
		}
		if err := writeResult(os.Stdout, res, flags.outputPath); err != nil {
			logrus.Fatalf("%v", err)
		}
		logrus.Info("Inference complete.")
	},
}

// presetsCmd lists the density estimator presets with resolved hyperparameters
var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List density estimator presets",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel(flags.logLevel)
		presets, err := loadPresets(flags.presetsPath)
		if err != nil {
			logrus.Fatalf("Failed to load presets: %v", err)
		}
		if err := printPresets(os.Stdout, presets); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

func setLogLevel(name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", name)
	}
	logrus.SetLevel(level)
}

// printPresets writes one row per preset, then one per bare family.
func printPresets(w io.Writer, presets *PresetFile) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODEL\tZ-SCORE X/Y\tHYPERPARAMETERS")
	row := func(name string) error {
		spec, err := presets.Resolve(name)
		if err != nil {
			return err
		}
		b, err := density.NewBuilder(spec, 0)
		if err != nil {
			return fmt.Errorf("preset %q: %w", name, err)
		}
		resolved := b.Spec()
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\n", name, resolved.Model, resolved.ZScoreX, resolved.ZScoreY, formatParams(resolved.Params))
		return nil
	}
	for _, name := range presets.Names() {
		if err := row(name); err != nil {
			return err
		}
	}
	for _, model := range density.Models() {
		if _, shadowed := presets.Presets[model]; shadowed {
			continue
		}
		if err := row(model); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func formatParams(params map[string]float64) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, params[k])
	}
	return strings.Join(parts, " ")
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	d := newRunFlags()

	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log", d.logLevel, "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&flags.presetsPath, "presets", "", "Path to a presets YAML file (default: built-in presets)")

	runCmd.Flags().StringVar(&flags.configPath, "config", "", "Path to a YAML run configuration; explicit flags override it")
	runCmd.Flags().StringVar(&flags.outputPath, "output", "", "Also write the results JSON to this file")
	runCmd.Flags().Int64Var(&flags.seed, "seed", d.seed, "Seed for every random stream of the run")
	runCmd.Flags().BoolVar(&flags.progress, "progress", d.progress, "Show progress bars on stderr")

	// Prior and simulator
	runCmd.Flags().StringVar(&flags.priorType, "prior", d.priorType, "Prior type (box_uniform, gaussian)")
	runCmd.Flags().IntVar(&flags.priorDim, "prior-dim", d.priorDim, "Number of parameters")
	runCmd.Flags().StringToStringVar(&flags.priorParams, "prior-param", nil, "Prior parameters as key=value (box_uniform: low, high; gaussian: mean, std)")
	runCmd.Flags().StringVar(&flags.simType, "simulator", d.simType, "Simulator type (gaussian_mixture, linear_gaussian, two_moons)")
	runCmd.Flags().StringToStringVar(&flags.simParams, "sim-param", nil, "Simulator parameters as key=value")
	runCmd.Flags().IntVar(&flags.numSimulations, "num-simulations", d.numSimulations, "Number of training simulations")
	runCmd.Flags().IntVar(&flags.workers, "workers", d.workers, "Concurrent simulation workers (0: one per CPU)")

	// Density estimator
	runCmd.Flags().StringVar(&flags.estimator, "density-estimator", d.estimator, "Preset or family name (see: sbisim presets)")
	runCmd.Flags().StringToStringVar(&flags.estimatorArgs, "de-param", nil, "Estimator hyperparameter overrides as key=value")
	runCmd.Flags().StringVar(&flags.zScoreX, "z-score-x", d.zScoreX, "Standardization of parameters (none, independent, structured)")
	runCmd.Flags().StringVar(&flags.zScoreY, "z-score-y", d.zScoreY, "Standardization of observations (none, independent, structured)")

	// Training
	runCmd.Flags().IntVar(&flags.batchSize, "batch-size", d.batchSize, "Training minibatch size")
	runCmd.Flags().Float64Var(&flags.learningRate, "learning-rate", d.learningRate, "Adam learning rate")
	runCmd.Flags().Float64Var(&flags.validationFrac, "validation-fraction", d.validationFrac, "Fraction of simulations held out for early stopping")
	runCmd.Flags().IntVar(&flags.stopAfter, "stop-after-epochs", d.stopAfter, "Epochs without validation improvement before stopping")
	runCmd.Flags().IntVar(&flags.maxEpochs, "max-epochs", d.maxEpochs, "Maximum training epochs (0: until early stopping)")
	runCmd.Flags().Float64Var(&flags.clipMaxNorm, "clip-max-norm", d.clipMaxNorm, "Gradient norm clip (<= 0 disables)")

	// Posterior
	runCmd.Flags().Float64SliceVar(&flags.observation, "observation", nil, "Observed data x0 (default: simulate one from the prior)")
	runCmd.Flags().IntVar(&flags.numSamples, "num-samples", d.numSamples, "Posterior samples to summarize")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(presetsCmd)
}

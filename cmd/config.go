package cmd

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/sbisim/sbisim/density"
	"github.com/sbisim/sbisim/inference"
	"github.com/sbisim/sbisim/prior"
	"github.com/sbisim/sbisim/simulator"
)

// RunConfig holds a full inference run, loadable from a YAML file.
// Nil pointer fields and empty strings mean "not set in YAML"; they do not
// override flag defaults. Explicitly passed flags always win over YAML.
type RunConfig struct {
	Prior          PriorConfig     `yaml:"prior"`
	Simulator      SimulatorConfig `yaml:"simulator"`
	Estimator      EstimatorConfig `yaml:"estimator"`
	Training       TrainingConfig  `yaml:"training"`
	NumSimulations *int            `yaml:"num_simulations"`
	Workers        *int            `yaml:"workers"`
	Seed           *int64          `yaml:"seed"`
	Observation    []float64       `yaml:"observation"`
	NumSamples     *int            `yaml:"num_samples"`
}

// PriorConfig holds prior configuration.
type PriorConfig struct {
	Type   string             `yaml:"type"`
	Dim    *int               `yaml:"dim"`
	Params map[string]float64 `yaml:"params"`
}

// SimulatorConfig holds simulator configuration.
type SimulatorConfig struct {
	Type   string             `yaml:"type"`
	Params map[string]float64 `yaml:"params"`
}

// EstimatorConfig selects a preset and overrides its settings.
type EstimatorConfig struct {
	Preset  string             `yaml:"preset"`
	ZScoreX string             `yaml:"z_score_x"`
	ZScoreY string             `yaml:"z_score_y"`
	Params  map[string]float64 `yaml:"params"`
}

// TrainingConfig holds optimizer and early-stopping overrides.
type TrainingConfig struct {
	BatchSize          *int     `yaml:"training_batch_size"`
	LearningRate       *float64 `yaml:"learning_rate"`
	ValidationFraction *float64 `yaml:"validation_fraction"`
	StopAfterEpochs    *int     `yaml:"stop_after_epochs"`
	MaxNumEpochs       *int     `yaml:"max_num_epochs"`
	ClipMaxNorm        *float64 `yaml:"clip_max_norm"`
}

// LoadRunConfig reads a YAML run configuration with strict field checking.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run config: %w", err)
	}
	var cfg RunConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing run config: %w", err)
	}
	return &cfg, nil
}

// Validate checks type names and numeric ranges of the fields that are set.
func (c *RunConfig) Validate() error {
	if c.Prior.Type != "" && !prior.IsValidType(c.Prior.Type) {
		return fmt.Errorf("unknown prior type %q", c.Prior.Type)
	}
	if c.Prior.Dim != nil && *c.Prior.Dim < 1 {
		return fmt.Errorf("prior dim must be >= 1, got %d", *c.Prior.Dim)
	}
	if c.Simulator.Type != "" && !simulator.IsValidType(c.Simulator.Type) {
		return fmt.Errorf("unknown simulator type %q (valid: %v)", c.Simulator.Type, simulator.Types())
	}
	if c.NumSimulations != nil && *c.NumSimulations < 2 {
		return fmt.Errorf("num_simulations must be >= 2, got %d", *c.NumSimulations)
	}
	if c.NumSamples != nil && *c.NumSamples < 1 {
		return fmt.Errorf("num_samples must be >= 1, got %d", *c.NumSamples)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	return nil
}

// runFlags mirrors every run flag. Defaults live in newRunFlags.
type runFlags struct {
	configPath     string
	presetsPath    string
	outputPath     string
	logLevel       string
	priorType      string
	priorDim       int
	priorParams    map[string]string
	simType        string
	simParams      map[string]string
	estimator      string
	estimatorArgs  map[string]string
	zScoreX        string
	zScoreY        string
	numSimulations int
	workers        int
	seed           int64
	observation    []float64
	numSamples     int
	batchSize      int
	learningRate   float64
	validationFrac float64
	stopAfter      int
	maxEpochs      int
	clipMaxNorm    float64
	progress       bool
}

func newRunFlags() runFlags {
	t := inference.DefaultTrainConfig()
	return runFlags{
		logLevel:       "warn",
		priorType:      "box_uniform",
		priorDim:       2,
		simType:        "linear_gaussian",
		estimator:      "maf",
		numSimulations: 1000,
		seed:           42,
		numSamples:     1000,
		batchSize:      t.BatchSize,
		learningRate:   t.LearningRate,
		validationFrac: t.ValidationFraction,
		stopAfter:      t.StopAfterEpochs,
		clipMaxNorm:    t.ClipMaxNorm,
	}
}

// defaultPriorParams fills prior parameters neither the flags nor the YAML set.
var defaultPriorParams = map[string]map[string]float64{
	"box_uniform": {"low": -1, "high": 1},
	"gaussian":    {"mean": 0, "std": 1},
}

// runOptions is a fully resolved inference run.
type runOptions struct {
	Prior          prior.Spec
	Simulator      simulator.Spec
	Estimator      density.Spec
	Training       inference.TrainConfig
	NumSimulations int
	Workers        int
	Seed           int64
	Observation    []float64
	NumSamples     int
}

// resolve merges flags, the optional YAML config and the preset table. A flag
// the user passed (changed reports it) overrides YAML; YAML overrides flag
// defaults. Map-valued settings merge key by key in the same order.
func (f runFlags) resolve(changed func(name string) bool, cfg *RunConfig, presets *PresetFile) (*runOptions, error) {
	if cfg == nil {
		cfg = &RunConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pick := func(flag string, yamlSet bool) bool { return changed(flag) || !yamlSet }

	opts := &runOptions{}

	// Prior
	opts.Prior.Type = f.priorType
	if !pick("prior", cfg.Prior.Type != "") {
		opts.Prior.Type = cfg.Prior.Type
	}
	opts.Prior.Dim = f.priorDim
	if !pick("prior-dim", cfg.Prior.Dim != nil) {
		opts.Prior.Dim = *cfg.Prior.Dim
	}
	priorFlags, err := parseFloatParams("prior-param", f.priorParams)
	if err != nil {
		return nil, err
	}
	opts.Prior.Params = mergeParams(defaultPriorParams[opts.Prior.Type], cfg.Prior.Params, priorFlags)

	// Simulator
	opts.Simulator.Type = f.simType
	if !pick("simulator", cfg.Simulator.Type != "") {
		opts.Simulator.Type = cfg.Simulator.Type
	}
	simFlags, err := parseFloatParams("sim-param", f.simParams)
	if err != nil {
		return nil, err
	}
	opts.Simulator.Params = mergeParams(nil, cfg.Simulator.Params, simFlags)

	// Estimator: the preset supplies the base, YAML and flags override it.
	name := f.estimator
	if !pick("density-estimator", cfg.Estimator.Preset != "") {
		name = cfg.Estimator.Preset
	}
	spec, err := presets.Resolve(name)
	if err != nil {
		return nil, err
	}
	if cfg.Estimator.ZScoreX != "" {
		spec.ZScoreX = cfg.Estimator.ZScoreX
	}
	if cfg.Estimator.ZScoreY != "" {
		spec.ZScoreY = cfg.Estimator.ZScoreY
	}
	if changed("z-score-x") {
		spec.ZScoreX = f.zScoreX
	}
	if changed("z-score-y") {
		spec.ZScoreY = f.zScoreY
	}
	deFlags, err := parseFloatParams("de-param", f.estimatorArgs)
	if err != nil {
		return nil, err
	}
	spec.Params = mergeParams(spec.Params, cfg.Estimator.Params, deFlags)
	opts.Estimator = spec

	// Training
	t := inference.DefaultTrainConfig()
	t.BatchSize = pickInt(changed("batch-size"), f.batchSize, cfg.Training.BatchSize)
	t.LearningRate = pickFloat(changed("learning-rate"), f.learningRate, cfg.Training.LearningRate)
	t.ValidationFraction = pickFloat(changed("validation-fraction"), f.validationFrac, cfg.Training.ValidationFraction)
	t.StopAfterEpochs = pickInt(changed("stop-after-epochs"), f.stopAfter, cfg.Training.StopAfterEpochs)
	t.ClipMaxNorm = pickFloat(changed("clip-max-norm"), f.clipMaxNorm, cfg.Training.ClipMaxNorm)
	if maxEpochs := pickInt(changed("max-epochs"), f.maxEpochs, cfg.Training.MaxNumEpochs); maxEpochs > 0 {
		t.MaxNumEpochs = maxEpochs
	}
	t.ShowProgress = f.progress
	if err := t.Validate(); err != nil {
		return nil, err
	}
	opts.Training = t

	// Run
	opts.NumSimulations = pickInt(changed("num-simulations"), f.numSimulations, cfg.NumSimulations)
	opts.Workers = pickInt(changed("workers"), f.workers, cfg.Workers)
	opts.Seed = f.seed
	if !pick("seed", cfg.Seed != nil) {
		opts.Seed = *cfg.Seed
	}
	opts.Observation = f.observation
	if !pick("observation", cfg.Observation != nil) {
		opts.Observation = cfg.Observation
	}
	opts.NumSamples = pickInt(changed("num-samples"), f.numSamples, cfg.NumSamples)

	if opts.NumSimulations < 2 {
		return nil, fmt.Errorf("num-simulations must be >= 2, got %d", opts.NumSimulations)
	}
	if opts.NumSamples < 1 {
		return nil, fmt.Errorf("num-samples must be >= 1, got %d", opts.NumSamples)
	}
	return opts, nil
}

func pickInt(flagChanged bool, flagValue int, yamlValue *int) int {
	if flagChanged || yamlValue == nil {
		return flagValue
	}
	return *yamlValue
}

func pickFloat(flagChanged bool, flagValue float64, yamlValue *float64) float64 {
	if flagChanged || yamlValue == nil {
		return flagValue
	}
	return *yamlValue
}

// mergeParams layers maps left to right; later keys win.
func mergeParams(layers ...map[string]float64) map[string]float64 {
	out := map[string]float64{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// parseFloatParams converts key=value flag pairs to numbers.
func parseFloatParams(flag string, raw map[string]string) (map[string]float64, error) {
	out := make(map[string]float64, len(raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := strconv.ParseFloat(raw[k], 64)
		if err != nil {
			return nil, fmt.Errorf("--%s %s=%q: not a number", flag, k, raw[k])
		}
		out[k] = v
	}
	return out, nil
}

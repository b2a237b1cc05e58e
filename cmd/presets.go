package cmd

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/sbisim/sbisim/density"
)

//go:embed presets.yaml
var builtinPresets []byte

// PresetFile represents the full presets.yaml structure.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type PresetFile struct {
	Version string                  `yaml:"version"`
	Presets map[string]density.Spec `yaml:"presets"`
}

// parsePresets decodes a presets document with strict field checking and
// validates every entry against the estimator registry.
func parsePresets(data []byte) (*PresetFile, error) {
	var pf PresetFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&pf); err != nil {
		return nil, fmt.Errorf("parsing presets: %w", err)
	}
	for name, spec := range pf.Presets {
		if _, err := density.NewBuilder(spec, 0); err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}
	}
	return &pf, nil
}

// loadPresets reads presets from path, or the built-in table when path is empty.
func loadPresets(path string) (*PresetFile, error) {
	if path == "" {
		return parsePresets(builtinPresets)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading presets: %w", err)
	}
	return parsePresets(data)
}

// Names returns the preset names in sorted order.
func (p *PresetFile) Names() []string {
	names := make([]string, 0, len(p.Presets))
	for name := range p.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the estimator spec for a preset name. A registered family
// name that is not a preset resolves to that family with default settings.
// The returned spec owns its Params map.
func (p *PresetFile) Resolve(name string) (density.Spec, error) {
	if spec, ok := p.Presets[name]; ok {
		out := spec
		out.Params = make(map[string]float64, len(spec.Params))
		for k, v := range spec.Params {
			out.Params[k] = v
		}
		return out, nil
	}
	if density.IsValidModel(name) {
		return density.Spec{Model: name, Params: map[string]float64{}}, nil
	}
	return density.Spec{}, fmt.Errorf("unknown density estimator %q (presets: %v, families: %v)",
		name, p.Names(), density.Models())
}

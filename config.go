// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// HeuristicsConfig holds the rule condition thresholds. Percentage fields
// act as divisors: a group with N identifiers requires
// max(N / percentage, matched) matches once N reaches minimum present.
type HeuristicsConfig struct {
	StringsExtracted      int `yaml:"strings_extracted"`
	StringsMinimumPresent int `yaml:"strings_minimum_present"`
	StringsMatched        int `yaml:"strings_matched"`
	StringsPercentage     int `yaml:"strings_percentage"`

	FunctionsExtracted      int `yaml:"functions_extracted"`
	FunctionsMinimumPresent int `yaml:"functions_minimum_present"`
	FunctionsMatched        int `yaml:"functions_matched"`
	FunctionsPercentage     int `yaml:"functions_percentage"`

	VariablesExtracted      int `yaml:"variables_extracted"`
	VariablesMinimumPresent int `yaml:"variables_minimum_present"`
	VariablesMatched        int `yaml:"variables_matched"`
	VariablesPercentage     int `yaml:"variables_percentage"`
}

// Config is the explicit configuration threaded through all constructors.
type Config struct {
	YaraDirectory     string           `yaml:"yara_directory"`
	StringMinCutoff   int              `yaml:"string_min_cutoff"`
	StringMaxCutoff   int              `yaml:"string_max_cutoff"`
	IdentifierCutoff  int              `yaml:"identifier_cutoff"`
	MaxIdentifiers    int              `yaml:"max_identifiers"`
	IgnoreWeakSymbols bool             `yaml:"ignore_weak_symbols"`
	IgnoreOCaml       bool             `yaml:"ignore_ocaml"`
	Fullword          bool             `yaml:"fullword"`
	Operator          string           `yaml:"operator"`
	Threads           int              `yaml:"threads"`
	Heuristics        HeuristicsConfig `yaml:"heuristics"`
}

// DefaultConfig returns a configuration with working defaults.
func DefaultConfig() *Config {
	return &Config{
		StringMinCutoff:  8,
		StringMaxCutoff:  200,
		IdentifierCutoff: 2,
		MaxIdentifiers:   10000,
		Operator:         "and",
		Threads:          runtime.NumCPU(),
		Heuristics: HeuristicsConfig{
			StringsExtracted:      1,
			StringsMinimumPresent: 10,
			StringsMatched:        10,
			StringsPercentage:     10,

			FunctionsExtracted:      1,
			FunctionsMinimumPresent: 10,
			FunctionsMatched:        10,
			FunctionsPercentage:     10,

			VariablesExtracted:      1,
			VariablesMinimumPresent: 10,
			VariablesMatched:        10,
			VariablesPercentage:     10,
		},
	}
}

// LoadConfig reads a YAML configuration file on top of the defaults and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Option: path, Reason: err.Error()}
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Option: path, Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every option range. A violation aborts the run at
// startup.
func (c *Config) Validate() error {
	if c.StringMinCutoff < 0 {
		return &ConfigError{Option: "string_min_cutoff", Reason: "must not be negative"}
	}
	if c.StringMaxCutoff < c.StringMinCutoff {
		return &ConfigError{Option: "string_max_cutoff",
			Reason: "must not be smaller than string_min_cutoff"}
	}
	if c.IdentifierCutoff < 0 {
		return &ConfigError{Option: "identifier_cutoff", Reason: "must not be negative"}
	}
	if c.MaxIdentifiers < 0 {
		return &ConfigError{Option: "max_identifiers", Reason: "must not be negative"}
	}
	if c.Operator != "and" && c.Operator != "or" {
		return &ConfigError{Option: "operator", Reason: "must be \"and\" or \"or\""}
	}
	if c.Threads < 0 {
		return &ConfigError{Option: "threads", Reason: "must not be negative"}
	}
	for _, p := range []struct {
		name  string
		value int
	}{
		{"strings_percentage", c.Heuristics.StringsPercentage},
		{"functions_percentage", c.Heuristics.FunctionsPercentage},
		{"variables_percentage", c.Heuristics.VariablesPercentage},
	} {
		if p.value < 1 || p.value > 100 {
			return &ConfigError{Option: p.name, Reason: "must be between 1 and 100"}
		}
	}
	return nil
}

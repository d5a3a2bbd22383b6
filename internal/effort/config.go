// Package effort estimates the reasoning effort a task demands from its
// content, lifecycle event, and intent. The estimator is a pure function
// over an immutable configuration snapshot; auto-tuning swaps in a new
// snapshot atomically so readers never see a half-updated table.
package effort

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config is the complete estimator configuration. The zero value is not
// usable; start from DefaultConfig or LoadConfig.
type Config struct {
	Categories map[string]Category `yaml:"categories"`
	Thresholds Thresholds          `yaml:"thresholds"`
	Overrides  Overrides           `yaml:"overrides"`
	Autotune   Autotune            `yaml:"autotune"`
}

// Category is one keyword family with its scoring weight.
type Category struct {
	Enabled  bool     `yaml:"enabled"`
	Weight   float64  `yaml:"weight"`
	Keywords []string `yaml:"keywords"`
}

// Thresholds hold the word-count cutoffs and the scaling factors that lower
// them as complexity rises.
type Thresholds struct {
	HighWordCount   int     `yaml:"high_word_count"`
	MediumWordCount int     `yaml:"medium_word_count"`
	HighScale       float64 `yaml:"high_scale"`
	MediumScale     float64 `yaml:"medium_scale"`
}

// Overrides hold the adjustment-rule parameters.
type Overrides struct {
	LowConfidence        float64 `yaml:"low_confidence"`
	DeadlinePressure     float64 `yaml:"deadline_pressure"`
	CategoryOverlapBonus float64 `yaml:"category_overlap_bonus"`
}

// Autotune holds the outcome-driven tuning parameters. Duration cutoffs bin
// observed task durations into empirical effort levels.
type Autotune struct {
	Enabled           bool    `yaml:"enabled"`
	AnalysisAfter     int     `yaml:"analysis_after"`
	RetainHistory     bool    `yaml:"retain_history"`
	HistoryLimit      int     `yaml:"history_limit"`
	MediumDurationSec float64 `yaml:"medium_duration_sec"`
	HighDurationSec   float64 `yaml:"high_duration_sec"`
}

// DefaultConfig returns a copy of the built-in configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		panic(fmt.Sprintf("effort: embedded defaults are invalid: %v", err))
	}
	return cfg
}

// LoadConfig returns the defaults overlaid with the YAML file at path, or
// the plain defaults when path is empty.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read estimator config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse estimator config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the estimator cannot work with.
func (c *Config) Validate() error {
	var errs []string
	if len(c.Categories) == 0 {
		errs = append(errs, "at least one category is required")
	}
	for name, cat := range c.Categories {
		if cat.Weight <= 0 {
			errs = append(errs, fmt.Sprintf("category %s: weight must be positive", name))
		}
		if cat.Enabled && len(cat.Keywords) == 0 {
			errs = append(errs, fmt.Sprintf("category %s: enabled but has no keywords", name))
		}
	}
	if c.Thresholds.HighWordCount <= c.Thresholds.MediumWordCount {
		errs = append(errs, "thresholds: high_word_count must exceed medium_word_count")
	}
	if c.Overrides.LowConfidence < 0 || c.Overrides.LowConfidence > 1 {
		errs = append(errs, "overrides: low_confidence must be in [0, 1]")
	}
	if c.Overrides.DeadlinePressure < 0 || c.Overrides.DeadlinePressure > 1 {
		errs = append(errs, "overrides: deadline_pressure must be in [0, 1]")
	}
	if c.Overrides.CategoryOverlapBonus < 0 {
		errs = append(errs, "overrides: category_overlap_bonus must be non-negative")
	}
	if c.Autotune.Enabled && c.Autotune.AnalysisAfter <= 0 {
		errs = append(errs, "autotune: analysis_after must be positive")
	}
	if c.Autotune.MediumDurationSec >= c.Autotune.HighDurationSec {
		errs = append(errs, "autotune: high_duration_sec must exceed medium_duration_sec")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid estimator config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Clone returns a deep copy, used by tuning to build the next snapshot.
func (c *Config) Clone() *Config {
	out := *c
	out.Categories = make(map[string]Category, len(c.Categories))
	for name, cat := range c.Categories {
		cat.Keywords = append([]string(nil), cat.Keywords...)
		out.Categories[name] = cat
	}
	return &out
}

// compiled pairs a config with its prebuilt keyword matchers.
type compiled struct {
	cfg      *Config
	matchers map[string][]*regexp.Regexp
}

// compile builds case-insensitive word-boundary matchers for every enabled
// category. Multi-word keywords are matched on boundaries too.
func compile(cfg *Config) (*compiled, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	matchers := make(map[string][]*regexp.Regexp, len(cfg.Categories))
	for name, cat := range cfg.Categories {
		if !cat.Enabled {
			continue
		}
		res := make([]*regexp.Regexp, 0, len(cat.Keywords))
		for _, kw := range cat.Keywords {
			re, err := regexp.Compile(`\b` + regexp.QuoteMeta(strings.ToLower(kw)) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("failed to compile keyword %q: %w", kw, err)
			}
			res = append(res, re)
		}
		matchers[name] = res
	}
	return &compiled{cfg: cfg, matchers: matchers}, nil
}

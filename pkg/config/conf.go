// Package config reads and writes the YAML run file.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mchmarny/kipple/pkg/calibrate"
	"github.com/mchmarny/kipple/pkg/dataset"
	"github.com/mchmarny/kipple/pkg/features"
	"github.com/mchmarny/kipple/pkg/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	FileName = "kipple.yaml"
	fileMode = 0600
)

// Config is the run file.
type Config struct {
	ModelDir string `yaml:"model_dir"`
	// ModelSources maps artifact names to the URLs they are fetched from.
	ModelSources map[string]string `yaml:"model_sources,omitempty"`
	Portfolio    PortfolioConfig   `yaml:"portfolio"`
	Budget       calibrate.Options `yaml:"budget"`
	Calibration  CalibrationConfig `yaml:"calibration"`
	Datasets     []DatasetConfig   `yaml:"datasets"`
	Workers      int               `yaml:"workers"`
	// SkipMalformed skips unreadable corpus files instead of failing the run.
	// Skipped files are counted and reported.
	SkipMalformed bool              `yaml:"skip_malformed"`
	ONNX          model.ONNXOptions `yaml:"onnx"`
	Output        OutputConfig      `yaml:"output"`
}

// PortfolioConfig lists the slots in priority order. Fixed, when set, is
// slot 0; Candidates hold the models tried in each following slot.
type PortfolioConfig struct {
	Fixed      string     `yaml:"fixed"`
	Candidates [][]string `yaml:"candidates"`
}

// CalibrationConfig picks the benign reference and the per-model report targets.
type CalibrationConfig struct {
	// Dataset holds the benign samples thresholds are calibrated on.
	// Defaults to the first indexed dataset.
	Dataset       string    `yaml:"dataset"`
	ReportTargets []float64 `yaml:"report_targets"`
	// Epsilon is added to the per-model report thresholds. The search
	// tables use budget.epsilon.
	Epsilon float64 `yaml:"epsilon"`
}

// DatasetConfig describes one evaluation corpus.
type DatasetConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// indexed
	X   string `yaml:"x,omitempty"`
	Y   string `yaml:"y,omitempty"`
	Dim int    `yaml:"dim,omitempty"`
	// named
	Path   string `yaml:"path,omitempty"`
	Labels string `yaml:"labels,omitempty"`
}

// OutputConfig names the report sinks. Empty paths disable a sink.
type OutputConfig struct {
	CSV          string `yaml:"csv"`
	Markdown     string `yaml:"markdown"`
	DB           string `yaml:"db"`
	Metrics      string `yaml:"metrics"`
	RateDecimals int    `yaml:"rate_decimals"`
	CountBenign  bool   `yaml:"count_benign"`
}

// Default returns the configuration of a three slot search over an EMBER
// style test set and one variants corpus.
func Default() *Config {
	c := &Config{
		ModelDir: "models",
		Portfolio: PortfolioConfig{
			Fixed: "initial.json.gz",
			Candidates: [][]string{
				{"variants_all.json.gz"},
				{"msf_benign.json.gz", "undetect_benign.json.gz"},
			},
		},
		Datasets: []DatasetConfig{
			{Name: "ember", Type: dataset.KindIndexed, X: "data/X_test.dat", Y: "data/y_test.dat", Dim: features.PE{}.Dim()},
			{Name: "mlsec", Type: dataset.KindNamed, Path: "exes/mlsec2019"},
		},
		Budget:      calibrate.Options{Epsilon: calibrate.DefaultEpsilon},
		Calibration: CalibrationConfig{Epsilon: calibrate.DefaultReportEpsilon},
		Output:      OutputConfig{CountBenign: true},
	}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	d := calibrate.DefaultOptions()
	if c.Budget.MaxFP == 0 {
		c.Budget.MaxFP = d.MaxFP
	}
	if c.Budget.Resolution == 0 {
		c.Budget.Resolution = d.Resolution
	}
	if c.Budget.Sentinel == 0 {
		c.Budget.Sentinel = d.Sentinel
	}
	if len(c.Calibration.ReportTargets) == 0 {
		c.Calibration.ReportTargets = append([]float64(nil), calibrate.ReportTargets...)
	}
	if c.Calibration.Dataset == "" {
		for _, ds := range c.Datasets {
			if ds.Type == dataset.KindIndexed {
				c.Calibration.Dataset = ds.Name
				break
			}
		}
	}
	if c.Output.CSV == "" {
		c.Output.CSV = "triples.csv"
	}
	if c.Output.Markdown == "" {
		c.Output.Markdown = "results.md"
	}
}

// Slots returns the candidate models of every slot, the fixed model first.
func (c *Config) Slots() [][]string {
	var out [][]string
	if c.Portfolio.Fixed != "" {
		out = append(out, []string{c.Portfolio.Fixed})
	}
	return append(out, c.Portfolio.Candidates...)
}

// Models returns every distinct model named by the portfolio, in slot order.
func (c *Config) Models() []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range c.Slots() {
		for _, m := range s {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// Validate checks c for a run with the PE feature extractor.
func (c *Config) Validate() error {
	return c.ValidateWith(features.PE{}.Dim())
}

// ValidateWith reports every problem found, joined. Named datasets are
// scored on extractorDim features, so indexed datasets scored by the same
// models must have that width.
func (c *Config) ValidateWith(extractorDim int) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if c.ModelDir == "" {
		add("model_dir is required")
	}
	if !(c.Budget.MaxFP > 0 && c.Budget.MaxFP <= 1) {
		add("budget.max_fp must be in (0, 1]: %v", c.Budget.MaxFP)
	}
	if c.Budget.Resolution < 1 {
		add("budget.resolution must be positive: %d", c.Budget.Resolution)
	}
	if c.Budget.Epsilon < 0 {
		add("budget.epsilon must not be negative: %v", c.Budget.Epsilon)
	}
	if c.Calibration.Epsilon < 0 {
		add("calibration.epsilon must not be negative: %v", c.Calibration.Epsilon)
	}
	for name, u := range c.ModelSources {
		if name == "" || name != filepath.Base(name) {
			add("model_sources: invalid artifact name %q", name)
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			add("model_sources[%s]: url must be http or https: %q", name, u)
		}
	}
	for i, s := range c.Portfolio.Candidates {
		if len(s) == 0 {
			add("portfolio.candidates[%d] is empty", i)
		}
	}
	for _, t := range c.Calibration.ReportTargets {
		if !(t > 0 && t < 1) {
			add("calibration.report_targets must be in (0, 1): %v", t)
		}
	}
	if c.Output.RateDecimals < 0 || c.Output.RateDecimals > 1 {
		add("output.rate_decimals must be 0 or 1: %d", c.Output.RateDecimals)
	}

	named := false
	for _, ds := range c.Datasets {
		named = named || ds.Type == dataset.KindNamed
	}

	names := map[string]bool{}
	for i, ds := range c.Datasets {
		if ds.Name == "" {
			add("datasets[%d].name is required", i)
		}
		if names[ds.Name] {
			add("datasets[%d]: duplicate name %q", i, ds.Name)
		}
		names[ds.Name] = true
		switch ds.Type {
		case dataset.KindIndexed:
			if ds.X == "" || ds.Y == "" || ds.Dim <= 0 {
				add("datasets[%d] %q: indexed datasets need x, y and dim", i, ds.Name)
			} else if named && ds.Dim != extractorDim {
				add("datasets[%d] %q: dim %d does not match the %d features extracted for named datasets",
					i, ds.Name, ds.Dim, extractorDim)
			}
		case dataset.KindNamed:
			if ds.Path == "" {
				add("datasets[%d] %q: named datasets need path", i, ds.Name)
			}
		default:
			add("datasets[%d] %q: type must be %s or %s", i, ds.Name, dataset.KindIndexed, dataset.KindNamed)
		}
	}
	if len(c.Datasets) == 0 {
		add("at least one dataset is required")
	}
	if c.Calibration.Dataset == "" {
		add("calibration.dataset is required when no indexed dataset is configured")
	} else if !names[c.Calibration.Dataset] {
		add("calibration.dataset %q is not a configured dataset", c.Calibration.Dataset)
	}

	if len(errs) > 0 {
		return errors.New("invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}

// Hash identifies the effective configuration of a run.
func (c *Config) Hash() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// Load reads a run file and fills in defaults. Relative paths are resolved
// against the directory of the file. Both epsilons are seeded before the
// file is decoded, so an explicit 0 in the file is kept.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config file: %s", path)
	}

	c := Config{
		Budget:      calibrate.Options{Epsilon: calibrate.DefaultEpsilon},
		Calibration: CalibrationConfig{Epsilon: calibrate.DefaultReportEpsilon},
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrapf(err, "error unmarshalling config file: %s", path)
	}
	c.applyDefaults()
	c.resolve(filepath.Dir(path))
	return &c, nil
}

func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || strings.Contains(p, "://") {
			return p
		}
		return filepath.Join(base, p)
	}
	c.ModelDir = abs(c.ModelDir)
	for i := range c.Datasets {
		c.Datasets[i].X = abs(c.Datasets[i].X)
		c.Datasets[i].Y = abs(c.Datasets[i].Y)
		c.Datasets[i].Path = abs(c.Datasets[i].Path)
		c.Datasets[i].Labels = abs(c.Datasets[i].Labels)
	}
	c.Output.CSV = abs(c.Output.CSV)
	c.Output.Markdown = abs(c.Output.Markdown)
	c.Output.DB = abs(c.Output.DB)
	c.Output.Metrics = abs(c.Output.Metrics)
	c.ONNX.Library = abs(c.ONNX.Library)
}

// Save writes c to path.
func Save(path string, c *Config) error {
	if path == "" {
		return errors.New("config path required")
	}
	if c == nil {
		return errors.New("config required")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return errors.Wrapf(err, "failed to write config file: %s", path)
	}
	return nil
}

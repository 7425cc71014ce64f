// Package pipeline runs the phases of a run in order: load, score, calibrate
// and search. No phase starts before the previous one has finished writing.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/mchmarny/kipple/pkg/calibrate"
	"github.com/mchmarny/kipple/pkg/config"
	"github.com/mchmarny/kipple/pkg/dataset"
	"github.com/mchmarny/kipple/pkg/features"
	"github.com/mchmarny/kipple/pkg/metrics"
	"github.com/mchmarny/kipple/pkg/model"
	"github.com/mchmarny/kipple/pkg/portfolio"
	"github.com/mchmarny/kipple/pkg/report"
	"github.com/mchmarny/kipple/pkg/sample"
	"github.com/mchmarny/kipple/pkg/scores"
	"github.com/pkg/errors"
)

// Env holds everything loaded in the setup phase.
type Env struct {
	Config    *config.Config
	Sets      []dataset.Set
	Registry  *model.Registry
	Extractor features.Extractor
	Metrics   *metrics.Recorder

	closers []io.Closer
}

// Option customizes an Env before its datasets are opened.
type Option func(*Env)

// WithExtractor replaces the PE feature extractor used for named datasets.
func WithExtractor(x features.Extractor) Option {
	return func(e *Env) { e.Extractor = x }
}

// Open opens every configured dataset and prepares the model registry.
// Models are loaded by the phase that first needs them, before any scoring.
func Open(cfg *config.Config, rec *metrics.Recorder, opts ...Option) (*Env, error) {
	e := &Env{Config: cfg, Extractor: features.PE{}, Metrics: rec}
	for _, o := range opts {
		o(e)
	}
	if err := cfg.ValidateWith(e.Extractor.Dim()); err != nil {
		return nil, err
	}
	defer rec.Phase("load")()

	dim := 0
	for _, dc := range cfg.Datasets {
		switch dc.Type {
		case dataset.KindIndexed:
			m, err := dataset.OpenMemMap(dc.Name, dc.X, dc.Y, dc.Dim)
			if err != nil {
				e.Close()
				return nil, errors.Wrapf(err, "error opening dataset: %s", dc.Name)
			}
			e.closers = append(e.closers, m)
			e.Sets = append(e.Sets, m)
			if dim == 0 {
				dim = dc.Dim
			}
		case dataset.KindNamed:
			d, err := dataset.OpenDir(dc.Name, dc.Path, dc.Labels)
			if err != nil {
				e.Close()
				return nil, errors.Wrapf(err, "error opening dataset: %s", dc.Name)
			}
			e.Sets = append(e.Sets, d)
		}
		slog.Info("dataset opened", "name", dc.Name, "type", dc.Type, "samples", e.Sets[len(e.Sets)-1].Len())
	}
	if dim == 0 {
		dim = e.Extractor.Dim()
	}

	e.Registry = model.NewRegistry(cfg.ModelDir, model.Options{Dim: dim, ONNX: cfg.ONNX},
		func(string) { rec.ModelLoaded() })
	e.closers = append(e.closers, e.Registry)
	return e, nil
}

// Close releases mapped datasets and native model sessions.
func (e *Env) Close() error {
	var first error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}

// Datasets returns the dataset names in configuration order.
func (e *Env) Datasets() []string {
	out := make([]string, len(e.Sets))
	for i, s := range e.Sets {
		out[i] = s.Name()
	}
	return out
}

// Score loads the named models once and builds the score cache over every dataset.
func (e *Env) Score(ctx context.Context, names []string) (*scores.Cache, error) {
	models, err := e.Registry.GetAll(names)
	if err != nil {
		return nil, err
	}
	return scores.Build(ctx, models, e.Sets, scores.Options{
		Workers:       e.Config.Workers,
		SkipMalformed: e.Config.SkipMalformed,
		Extractor:     e.Extractor,
		Metrics:       e.Metrics,
	})
}

// Skipped returns the malformed sample count of every dataset that had any.
func Skipped(c *scores.Cache) map[string]int {
	out := map[string]int{}
	for _, d := range c.Datasets() {
		if n := c.Skipped(d); n > 0 {
			out[d] = n
		}
	}
	return out
}

func sortedBenign(c *scores.Cache, model, dataset string) (*calibrate.Sorted, error) {
	benign, err := c.Benign(model, dataset)
	if err != nil {
		return nil, err
	}
	buf := calibrate.NewBuffer(len(benign))
	for _, s := range benign {
		if err := buf.Add(s); err != nil {
			return nil, err
		}
	}
	return buf.Seal(), nil
}

// Calibrate derives the cutoff table of every model from the calibration
// dataset. The sorted benign scores are dropped as soon as a table exists.
func Calibrate(c *scores.Cache, models []string, dataset string, o calibrate.Options) (map[string]*calibrate.Table, error) {
	start := time.Now()
	out := make(map[string]*calibrate.Table, len(models))
	for _, m := range models {
		if _, ok := out[m]; ok {
			continue
		}
		s, err := sortedBenign(c, m, dataset)
		if err != nil {
			return nil, err
		}
		t, err := calibrate.Calibrate(m, s, o)
		if err != nil {
			return nil, err
		}
		out[m] = t
		slog.Debug("model calibrated", "model", m, "benign", s.Len(),
			"loosest", t.Threshold(0), "tightest", t.Threshold(t.Resolution()-1))
	}
	slog.Info("cutoff tables ready", "models", len(out), "resolution", o.Resolution,
		"duration", time.Since(start).Round(time.Millisecond).String())
	return out, nil
}

// Thresholds builds the per-model calibration report: thresholds at each
// report target and the detection rate they yield on every dataset.
func Thresholds(ctx context.Context, e *Env, models []string) ([]report.CalibrationRow, map[string]int, error) {
	c, err := e.Score(ctx, models)
	if err != nil {
		return nil, nil, err
	}
	defer e.Metrics.Phase("calibrate")()

	cfg := e.Config
	targets := cfg.Calibration.ReportTargets
	rows := make([]report.CalibrationRow, 0, len(models))
	for _, m := range models {
		s, err := sortedBenign(c, m, cfg.Calibration.Dataset)
		if err != nil {
			return nil, nil, err
		}
		th, err := calibrate.Levels(s, targets, cfg.Calibration.Epsilon)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "model: %s", m)
		}

		row := report.CalibrationRow{Model: m, Targets: targets, Thresholds: th}
		for _, d := range c.Datasets() {
			col, err := c.Column(m, d)
			if err != nil {
				return nil, nil, err
			}
			dr := report.DatasetRates{Dataset: d, Detected: make([]int, len(th)), Rates: make([]float64, len(th))}
			for j, l := range col.Labels {
				if l != sample.Malicious {
					continue
				}
				dr.Total++
				for k, t := range th {
					if col.Scores[j] > t {
						dr.Detected[k]++
					}
				}
			}
			for k := range th {
				if dr.Total > 0 {
					dr.Rates[k] = float64(dr.Detected[k]) / float64(dr.Total)
				}
			}
			row.Datasets = append(row.Datasets, dr)
		}
		rows = append(rows, row)
		slog.Info("model thresholds", "model", m, "thresholds", len(th))
	}
	return rows, Skipped(c), nil
}

// SearchOutput is everything a search run reports.
type SearchOutput struct {
	Results  []portfolio.Result          `json:"-" yaml:"-"`
	Count    int                         `json:"assignments" yaml:"assignments"`
	Slots    int                         `json:"slots" yaml:"slots"`
	Fixed    []bool                      `json:"fixed" yaml:"fixed"`
	Datasets []string                    `json:"datasets" yaml:"datasets"`
	Best     map[string]portfolio.Result `json:"best" yaml:"best"`
	Skipped  map[string]int              `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Tables   map[string][]float64        `json:"tables" yaml:"tables"`
}

// Search runs the full portfolio search configured in e.
func Search(ctx context.Context, e *Env) (*SearchOutput, error) {
	cfg := e.Config
	slots := cfg.Slots()
	models := cfg.Models()
	if len(slots) == 0 {
		return nil, errors.New("portfolio has no slots")
	}

	c, err := e.Score(ctx, models)
	if err != nil {
		return nil, err
	}

	stop := e.Metrics.Phase("calibrate")
	tables, err := Calibrate(c, models, cfg.Calibration.Dataset, cfg.Budget)
	stop()
	if err != nil {
		return nil, err
	}

	plan := portfolio.Plan{
		Slots:    slots,
		Tables:   tables,
		Datasets: c.Datasets(),
		Budget:   cfg.Budget.Resolution,
		Workers:  cfg.Workers,
	}

	var sink portfolio.Collector
	n, err := portfolio.Search(ctx, portfolio.NewEvaluator(c, cfg.Output.CountBenign), plan, &sink, e.Metrics)
	if err != nil {
		return nil, err
	}

	out := &SearchOutput{
		Results:  sink.Results(),
		Count:    n,
		Slots:    len(slots),
		Fixed:    make([]bool, len(slots)),
		Datasets: plan.Datasets,
		Skipped:  Skipped(c),
		Tables:   make(map[string][]float64, len(tables)),
	}
	if cfg.Portfolio.Fixed != "" {
		out.Fixed[0] = true
	}
	for m, t := range tables {
		out.Tables[m] = t.Thresholds()
	}
	out.Best = portfolio.Best(out.Results, out.Datasets)
	for d, r := range out.Best {
		for i, name := range out.Datasets {
			if name == d {
				e.Metrics.Best(d, r.Datasets[i].Rate())
			}
		}
	}
	return out, nil
}

// CombinationOptions returns the report shape of a search.
func (o *SearchOutput) CombinationOptions(rateDecimals int) report.CombinationOptions {
	return report.CombinationOptions{Fixed: o.Fixed, Datasets: o.Datasets, RateDecimals: rateDecimals}
}

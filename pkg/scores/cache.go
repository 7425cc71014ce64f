// Package scores builds the read-only table of model scores shared by
// calibration and the portfolio search.
package scores

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/mchmarny/kipple/pkg/dataset"
	"github.com/mchmarny/kipple/pkg/features"
	"github.com/mchmarny/kipple/pkg/metrics"
	"github.com/mchmarny/kipple/pkg/model"
	"github.com/mchmarny/kipple/pkg/sample"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned for a (model, dataset, sample) outside the build set.
var ErrNotFound = errors.New("score not found")

// Options control a cache build.
type Options struct {
	// Workers bounds the number of concurrent (model, dataset) jobs. Zero means NumCPU.
	Workers int
	// SkipMalformed skips unreadable or unparsable corpus files instead of
	// failing the build. Skipped files are counted per dataset.
	SkipMalformed bool
	// Extractor turns corpus files into feature vectors.
	Extractor features.Extractor
	// Metrics is optional.
	Metrics *metrics.Recorder
}

// rows are the labeled samples of one dataset, in dataset order. Unknown
// labels never make it into rows.
type rows struct {
	ids    []sample.ID
	labels []sample.Label
	pos    map[sample.ID]int
	// named corpora keep extracted features until every model scored them
	features [][]float32
	skipped  int
}

type key struct {
	model   string
	dataset string
}

// Cache maps (model, dataset, sample) to a score. It is immutable once Build returns.
type Cache struct {
	sets    map[string]*rows
	columns map[key][]float64
	order   []string
}

// Column is the dense read-only view of one model over one dataset.
// IDs, Labels and Scores share an index.
type Column struct {
	IDs    []sample.ID
	Labels []sample.Label
	Scores []float64
}

// Build scores every labeled sample of every dataset with every model,
// invoking each model exactly once per sample.
func Build(ctx context.Context, models []model.Scorer, sets []dataset.Set, opts Options) (*Cache, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	start := time.Now()
	defer opts.Metrics.Phase("score")()

	c := &Cache{
		sets:    make(map[string]*rows, len(sets)),
		columns: make(map[key][]float64, len(models)*len(sets)),
	}

	seen := map[string]bool{}
	for _, m := range models {
		if seen[m.Name()] {
			return nil, errors.Errorf("duplicate model: %s", m.Name())
		}
		seen[m.Name()] = true
	}

	for _, s := range sets {
		if _, ok := c.sets[s.Name()]; ok {
			return nil, errors.Wrapf(dataset.ErrData, "duplicate dataset: %s", s.Name())
		}
		r, err := c.prepare(ctx, s, models, opts)
		if err != nil {
			return nil, err
		}
		c.sets[s.Name()] = r
		c.order = append(c.order, s.Name())
	}

	// each job writes only its own column
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, s := range sets {
		r := c.sets[s.Name()]
		for _, m := range models {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				col, err := scoreColumn(m, s, r)
				if err != nil {
					return err
				}
				opts.Metrics.Scored(s.Name(), len(col))
				mu.Lock()
				c.columns[key{model: m.Name(), dataset: s.Name()}] = col
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range c.sets {
		r.features = nil
	}

	slog.Info("score cache built",
		"models", len(models),
		"datasets", len(sets),
		"duration", time.Since(start).Round(time.Millisecond).String())
	return c, nil
}

func (c *Cache) prepare(ctx context.Context, s dataset.Set, models []model.Scorer, opts Options) (*rows, error) {
	switch d := s.(type) {
	case dataset.Indexed:
		for _, m := range models {
			if m.Dim() != d.Dim() {
				return nil, errors.Wrapf(dataset.ErrData, "%s: dataset dim %d, model %s expects %d",
					d.Name(), d.Dim(), m.Name(), m.Dim())
			}
		}
		return indexedRows(d)
	case dataset.Named:
		if opts.Extractor == nil {
			return nil, errors.Wrapf(dataset.ErrData, "%s: named dataset needs a feature extractor", d.Name())
		}
		for _, m := range models {
			if m.Dim() != opts.Extractor.Dim() {
				return nil, errors.Wrapf(dataset.ErrData, "%s: extractor dim %d, model %s expects %d",
					d.Name(), opts.Extractor.Dim(), m.Name(), m.Dim())
			}
		}
		return namedRows(ctx, d, opts)
	}
	return nil, errors.Wrapf(dataset.ErrData, "%s: unsupported dataset type %T", s.Name(), s)
}

func indexedRows(d dataset.Indexed) (*rows, error) {
	r := &rows{pos: map[sample.ID]int{}}
	for i := 0; i < d.Len(); i++ {
		l, err := d.Label(i)
		if err != nil {
			return nil, err
		}
		if l == sample.Unknown {
			continue
		}
		id := sample.Index(i)
		r.pos[id] = len(r.ids)
		r.ids = append(r.ids, id)
		r.labels = append(r.labels, l)
	}
	return r, nil
}

// namedRows extracts every corpus file once, in parallel, before any model runs.
func namedRows(ctx context.Context, d dataset.Named, opts Options) (*rows, error) {
	n := d.Len()
	feats := make([][]float32, n)
	failed := make([]error, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i := 0; i < n; i++ {
		if d.Entry(i).Label == sample.Unknown {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := d.Read(i)
			if err == nil {
				feats[i], err = opts.Extractor.Extract(raw)
			}
			if err == nil {
				return nil
			}
			if !opts.SkipMalformed {
				return errors.Wrapf(err, "%s: sample %s", d.Name(), d.Entry(i).Name)
			}
			failed[i] = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r := &rows{pos: map[sample.ID]int{}}
	for i := 0; i < n; i++ {
		e := d.Entry(i)
		if e.Label == sample.Unknown {
			continue
		}
		if failed[i] != nil {
			slog.Warn("skipping malformed sample", "dataset", d.Name(), "sample", e.Name, "error", failed[i])
			r.skipped++
			continue
		}
		id := sample.Name(e.Name)
		r.pos[id] = len(r.ids)
		r.ids = append(r.ids, id)
		r.labels = append(r.labels, e.Label)
		r.features = append(r.features, feats[i])
	}
	if r.skipped > 0 {
		opts.Metrics.Skipped(d.Name(), r.skipped)
	}
	return r, nil
}

func scoreColumn(m model.Scorer, s dataset.Set, r *rows) ([]float64, error) {
	col := make([]float64, len(r.ids))
	for j, id := range r.ids {
		var f []float32
		if r.features != nil {
			f = r.features[j]
		} else {
			i, _ := id.Index()
			var err error
			if f, err = s.(dataset.Indexed).Features(i); err != nil {
				return nil, err
			}
		}
		v, err := m.Score(f)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: scoring %s", s.Name(), id)
		}
		col[j] = v
	}
	return col, nil
}

// Lookup returns the cached score of a sample.
func (c *Cache) Lookup(model, dataset string, id sample.ID) (float64, error) {
	r, ok := c.sets[dataset]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "dataset: %s", dataset)
	}
	col, ok := c.columns[key{model: model, dataset: dataset}]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "model %s on dataset %s", model, dataset)
	}
	p, ok := r.pos[id]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "sample %s in dataset %s", id, dataset)
	}
	return col[p], nil
}

// Column returns the dense view of a model over a dataset. The slices must
// not be modified.
func (c *Cache) Column(model, dataset string) (Column, error) {
	r, ok := c.sets[dataset]
	if !ok {
		return Column{}, errors.Wrapf(ErrNotFound, "dataset: %s", dataset)
	}
	col, ok := c.columns[key{model: model, dataset: dataset}]
	if !ok {
		return Column{}, errors.Wrapf(ErrNotFound, "model %s on dataset %s", model, dataset)
	}
	return Column{IDs: r.ids, Labels: r.labels, Scores: col}, nil
}

// Benign returns a fresh copy of a model's scores on the benign samples of a dataset.
func (c *Cache) Benign(model, dataset string) ([]float64, error) {
	col, err := c.Column(model, dataset)
	if err != nil {
		return nil, err
	}
	var out []float64
	for i, l := range col.Labels {
		if l == sample.Benign {
			out = append(out, col.Scores[i])
		}
	}
	return out, nil
}

// Len returns the number of cached samples of a dataset.
func (c *Cache) Len(dataset string) int {
	if r, ok := c.sets[dataset]; ok {
		return len(r.ids)
	}
	return 0
}

// Skipped returns the number of malformed samples skipped in a dataset.
func (c *Cache) Skipped(dataset string) int {
	if r, ok := c.sets[dataset]; ok {
		return r.skipped
	}
	return 0
}

// Datasets returns the dataset names in build order.
func (c *Cache) Datasets() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

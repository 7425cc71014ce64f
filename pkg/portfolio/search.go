package portfolio

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/mchmarny/kipple/pkg/calibrate"
	"github.com/mchmarny/kipple/pkg/metrics"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Plan is the search space of a portfolio.
type Plan struct {
	// Slots lists the candidate models of every slot in priority order. A
	// slot with a single candidate is fixed.
	Slots [][]string
	// Tables holds the cutoff table of every candidate model.
	Tables map[string]*calibrate.Table
	// Datasets are evaluated for every assignment, in this order.
	Datasets []string
	// Budget is the number of FP budget units K split across the slots.
	Budget int
	// Workers bounds concurrent evaluations. Zero means NumCPU.
	Workers int
}

// Size returns the number of assignments the plan enumerates.
func (p Plan) Size() int {
	n := CountCompositions(p.Budget, len(p.Slots))
	for _, s := range p.Slots {
		n *= len(s)
	}
	return n
}

func (p Plan) validate() error {
	if len(p.Slots) == 0 {
		return errors.New("plan has no slots")
	}
	if p.Budget < 1 {
		return errors.Errorf("budget must be positive: %d", p.Budget)
	}
	if len(p.Datasets) == 0 {
		return errors.New("plan has no datasets")
	}
	for i, s := range p.Slots {
		if len(s) == 0 {
			return errors.Errorf("slot %d has no candidate models", i)
		}
		for _, m := range s {
			t, ok := p.Tables[m]
			if !ok {
				return errors.Errorf("slot %d: no cutoff table for model %s", i, m)
			}
			if t.Resolution() != p.Budget {
				return errors.Errorf("slot %d: model %s table has resolution %d, want %d", i, m, t.Resolution(), p.Budget)
			}
		}
	}
	return nil
}

// Result is one evaluated assignment. Units holds the FP budget units given
// to each slot; they sum to the plan budget and slot i uses cutoff index
// Budget-Units[i].
type Result struct {
	Seq        int             `json:"seq" yaml:"seq"`
	Assignment Assignment      `json:"assignment" yaml:"assignment"`
	Units      []int           `json:"units" yaml:"units"`
	Datasets   []DatasetResult `json:"datasets" yaml:"datasets"`
}

// Sink receives results from concurrent workers.
type Sink interface {
	Add(r Result) error
}

// Collector is an append-only Sink that keeps every result in memory.
type Collector struct {
	mu      sync.Mutex
	results []Result
}

func (c *Collector) Add(r Result) error {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
	return nil
}

// Results returns the collected results in enumeration order.
func (c *Collector) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Search evaluates every assignment of the plan: each combination of
// candidate models, crossed with each split of the budget across the slots.
// It returns the number of assignments evaluated.
func Search(ctx context.Context, ev *Evaluator, p Plan, sink Sink, rec *metrics.Recorder) (int, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}
	if p.Workers <= 0 {
		p.Workers = runtime.NumCPU()
	}
	defer rec.Phase("search")()
	start := time.Now()

	slog.Info("searching portfolio",
		"slots", len(p.Slots),
		"budget", p.Budget,
		"assignments", p.Size(),
		"workers", p.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Workers)

	seq := 0
	var dispatchErr error
	for models := range modelChoices(p.Slots) {
		for units := range Compositions(p.Budget, len(p.Slots)) {
			if err := checkBudget(units, p.Budget); err != nil {
				dispatchErr = err
				break
			}
			if err := gctx.Err(); err != nil {
				dispatchErr = err
				break
			}

			a := assign(p, models, units)
			r := Result{Seq: seq, Assignment: a, Units: units}
			seq++

			g.Go(func() error {
				r.Datasets = make([]DatasetResult, 0, len(p.Datasets))
				for _, d := range p.Datasets {
					dr, err := ev.Evaluate(a, d)
					if err != nil {
						return errors.Wrapf(err, "evaluating %s", a)
					}
					r.Datasets = append(r.Datasets, dr)
				}
				rec.Combination()
				return sink.Add(r)
			})
		}
		if dispatchErr != nil {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return seq, err
	}
	if dispatchErr != nil {
		return seq, dispatchErr
	}

	slog.Info("portfolio search done",
		"assignments", seq,
		"duration", time.Since(start).Round(time.Millisecond).String())
	return seq, nil
}

func assign(p Plan, models []string, units []int) Assignment {
	slots := make([]Slot, len(models))
	for i, m := range models {
		idx := p.Budget - units[i]
		slots[i] = Slot{
			Model:     m,
			Index:     idx,
			Threshold: p.Tables[m].Threshold(idx),
			Disabled:  p.Tables[m].Disabled(idx),
		}
	}
	return Assignment{Slots: slots}
}

// modelChoices yields every combination of one candidate per slot, the last
// slot varying fastest.
func modelChoices(slots [][]string) func(yield func([]string) bool) {
	return func(yield func([]string) bool) {
		pos := make([]int, len(slots))
		for {
			out := make([]string, len(slots))
			for i, p := range pos {
				out[i] = slots[i][p]
			}
			if !yield(out) {
				return
			}
			i := len(slots) - 1
			for ; i >= 0; i-- {
				pos[i]++
				if pos[i] < len(slots[i]) {
					break
				}
				pos[i] = 0
			}
			if i < 0 {
				return
			}
		}
	}
}

// Best returns, per dataset, the result with the highest detection count.
// Ties go to the earliest assignment.
func Best(results []Result, datasets []string) map[string]Result {
	out := make(map[string]Result, len(datasets))
	for di, d := range datasets {
		found := false
		var best Result
		for _, r := range results {
			if di >= len(r.Datasets) {
				continue
			}
			if !found || r.Datasets[di].Detected > best.Datasets[di].Detected ||
				(r.Datasets[di].Detected == best.Datasets[di].Detected && r.Seq < best.Seq) {
				best = r
				found = true
			}
		}
		if found {
			out[d] = best
		}
	}
	return out
}

package portfolio

import (
	"github.com/mchmarny/kipple/pkg/sample"
	"github.com/mchmarny/kipple/pkg/scores"
)

// DatasetResult is the outcome of one assignment on one dataset.
type DatasetResult struct {
	Dataset     string `json:"dataset" yaml:"dataset"`
	Detected    int    `json:"detected" yaml:"detected"`
	Total       int    `json:"total" yaml:"total"`
	BenignFP    int    `json:"benign_fp" yaml:"benign_fp"`
	BenignTotal int    `json:"benign_total" yaml:"benign_total"`
}

// Rate is Detected/Total, or 0 for a dataset without malicious samples.
func (r DatasetResult) Rate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Detected) / float64(r.Total)
}

// FPRate is BenignFP/BenignTotal, or 0 when benign samples were not counted.
func (r DatasetResult) FPRate() float64 {
	if r.BenignTotal == 0 {
		return 0
	}
	return float64(r.BenignFP) / float64(r.BenignTotal)
}

// Detects reports whether any slot score strictly exceeds its threshold.
func Detects(scores, thresholds []float64) bool {
	for i, s := range scores {
		if s > thresholds[i] {
			return true
		}
	}
	return false
}

// Evaluator scores assignments against cached scores only.
type Evaluator struct {
	cache       *scores.Cache
	countBenign bool
}

// NewEvaluator returns an evaluator over c. With countBenign it also counts
// how many benign samples the assignment flags.
func NewEvaluator(c *scores.Cache, countBenign bool) *Evaluator {
	return &Evaluator{cache: c, countBenign: countBenign}
}

// Evaluate OR-composes the enabled slots of a over every labeled sample of a dataset.
func (e *Evaluator) Evaluate(a Assignment, dataset string) (DatasetResult, error) {
	cols := make([][]float64, 0, len(a.Slots))
	thresholds := make([]float64, 0, len(a.Slots))
	var labels []sample.Label
	for _, s := range a.Slots {
		col, err := e.cache.Column(s.Model, dataset)
		if err != nil {
			return DatasetResult{}, err
		}
		labels = col.Labels
		if s.Disabled {
			continue
		}
		cols = append(cols, col.Scores)
		thresholds = append(thresholds, s.Threshold)
	}

	r := DatasetResult{Dataset: dataset}
	for j, l := range labels {
		switch l {
		case sample.Malicious:
			r.Total++
			if fires(cols, thresholds, j) {
				r.Detected++
			}
		case sample.Benign:
			if !e.countBenign {
				continue
			}
			r.BenignTotal++
			if fires(cols, thresholds, j) {
				r.BenignFP++
			}
		}
	}
	return r, nil
}

func fires(cols [][]float64, thresholds []float64, j int) bool {
	for i, col := range cols {
		if col[j] > thresholds[i] {
			return true
		}
	}
	return false
}

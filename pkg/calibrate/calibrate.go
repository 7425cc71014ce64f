// Package calibrate derives score thresholds that bound the false positive
// rate of a model from its empirical benign score distribution.
//
// A threshold t is used with the strict predicate score > t. For an FP
// target p over M sorted benign scores the threshold is the score at index
// ceil((1-p)*M)-1 plus a small epsilon, so the boundary sample itself is not
// a false positive. With duplicate scores at the boundary the realized FP
// rate lands at or below p, never above.
package calibrate

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

const (
	DefaultEpsilon    = 0.0001
	DefaultSentinel   = 2.0
	DefaultMaxFP      = 0.01
	DefaultResolution = 20

	// DefaultReportEpsilon is added to the per-model report thresholds.
	DefaultReportEpsilon = 0.00001

	// pct*M is snapped to this grid before the ceiling so 0.99*100 lands on 99.
	indexSnap = 1e9
)

var (
	// ErrCalibration is returned when the benign sample is too small for a level.
	ErrCalibration = errors.New("calibration failed")

	// ErrSealed is returned by Add after the buffer was sealed.
	ErrSealed = errors.New("buffer sealed")

	// ReportTargets are the FP rates of the per-model calibration report.
	ReportTargets = []float64{0.10, 0.02, 0.01, 0.001, 0.0001}
)

// Buffer accumulates benign scores once. Seal turns it into a Sorted view.
type Buffer struct {
	scores []float64
	sealed bool
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{scores: make([]float64, 0, capacity)}
}

func (b *Buffer) Add(score float64) error {
	if b.sealed {
		return ErrSealed
	}
	b.scores = append(b.scores, score)
	return nil
}

// Seal sorts the accumulated scores and hands them over to an immutable view.
// The buffer rejects further writes.
func (b *Buffer) Seal() *Sorted {
	b.sealed = true
	s := b.scores
	b.scores = nil
	sort.Float64s(s)
	return &Sorted{scores: s}
}

// Sorted is an immutable ascending sequence of benign scores.
type Sorted struct {
	scores []float64
}

// NewSorted copies and sorts scores.
func NewSorted(scores []float64) *Sorted {
	b := NewBuffer(len(scores))
	b.scores = append(b.scores, scores...)
	return b.Seal()
}

func (s *Sorted) Len() int         { return len(s.scores) }
func (s *Sorted) At(i int) float64 { return s.scores[i] }

// Max returns the largest score, or -Inf when empty.
func (s *Sorted) Max() float64 {
	if len(s.scores) == 0 {
		return math.Inf(-1)
	}
	return s.scores[len(s.scores)-1]
}

// Options configure a cutoff table.
type Options struct {
	// MaxFP is the FP budget of level 0, the loosest threshold.
	MaxFP float64 `yaml:"max_fp"`
	// Resolution is the number of budget units K.
	Resolution int `yaml:"resolution"`
	// Epsilon pushes every threshold strictly above the boundary sample.
	Epsilon float64 `yaml:"epsilon"`
	// Sentinel is the threshold of level K. It must exceed every attainable score.
	Sentinel float64 `yaml:"sentinel"`
}

// DefaultOptions match a 1% budget in 0.05% steps.
func DefaultOptions() Options {
	return Options{
		MaxFP:      DefaultMaxFP,
		Resolution: DefaultResolution,
		Epsilon:    DefaultEpsilon,
		Sentinel:   DefaultSentinel,
	}
}

func (o Options) validate() error {
	if !(o.MaxFP > 0 && o.MaxFP <= 1) {
		return errors.Wrapf(ErrCalibration, "max fp must be in (0, 1]: %v", o.MaxFP)
	}
	if o.Resolution < 1 {
		return errors.Wrapf(ErrCalibration, "resolution must be positive: %d", o.Resolution)
	}
	if o.Epsilon < 0 || math.IsNaN(o.Epsilon) {
		return errors.Wrapf(ErrCalibration, "epsilon must not be negative: %v", o.Epsilon)
	}
	return nil
}

// Table maps a cutoff index 0..K to a threshold. Index 0 allows the full
// MaxFP budget, every step removes MaxFP/K of it, and index K disables the
// model.
type Table struct {
	Model      string
	MaxFP      float64
	thresholds []float64
}

// Calibrate builds the cutoff table of a model from its sorted benign scores.
func Calibrate(model string, s *Sorted, o Options) (*Table, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	if s == nil || s.Len() == 0 {
		return nil, errors.Wrapf(ErrCalibration, "%s: no benign scores", model)
	}

	k := o.Resolution
	t := &Table{Model: model, MaxFP: o.MaxFP, thresholds: make([]float64, k+1)}
	step := o.MaxFP / float64(k)
	for i := 0; i < k; i++ {
		v, err := quantile(s, (1-o.MaxFP)+float64(i)*step, o.Epsilon)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: level %d", model, i)
		}
		t.thresholds[i] = v
	}

	if !(o.Sentinel > t.thresholds[k-1] && o.Sentinel > s.Max()) {
		return nil, errors.Wrapf(ErrCalibration, "%s: sentinel %v does not exceed max score %v", model, o.Sentinel, s.Max())
	}
	t.thresholds[k] = o.Sentinel

	return t, nil
}

// Resolution returns K.
func (t *Table) Resolution() int { return len(t.thresholds) - 1 }

// Threshold returns the threshold of cutoff index i in [0, K].
func (t *Table) Threshold(i int) float64 { return t.thresholds[i] }

// Disabled reports whether index i is the last one, which turns the model off.
func (t *Table) Disabled(i int) bool { return i == t.Resolution() }

// Sentinel returns the threshold of index K.
func (t *Table) Sentinel() float64 { return t.thresholds[len(t.thresholds)-1] }

// Thresholds returns a copy of all K+1 thresholds.
func (t *Table) Thresholds() []float64 {
	out := make([]float64, len(t.thresholds))
	copy(out, t.thresholds)
	return out
}

// NominalFP is the FP budget the threshold at index i was calibrated for.
func (t *Table) NominalFP(i int) float64 {
	k := t.Resolution()
	return float64(k-i) * t.MaxFP / float64(k)
}

// Threshold returns the threshold bounding the FP rate at fp.
func Threshold(s *Sorted, fp, eps float64) (float64, error) {
	if !(fp >= 0 && fp < 1) {
		return 0, errors.Wrapf(ErrCalibration, "fp target must be in [0, 1): %v", fp)
	}
	return quantile(s, 1-fp, eps)
}

// Levels returns one threshold per FP target.
func Levels(s *Sorted, fps []float64, eps float64) ([]float64, error) {
	out := make([]float64, len(fps))
	for i, fp := range fps {
		v, err := Threshold(s, fp, eps)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func quantile(s *Sorted, pct, eps float64) (float64, error) {
	idx := Index(pct, s.Len())
	if idx < 0 || idx >= s.Len() {
		return 0, errors.Wrapf(ErrCalibration, "quantile %v of %d scores has no sample (index %d)", pct, s.Len(), idx)
	}
	return s.At(idx) + eps, nil
}

// Index returns ceil(pct*m)-1.
func Index(pct float64, m int) int {
	x := math.Round(pct*float64(m)*indexSnap) / indexSnap
	return int(math.Ceil(x)) - 1
}

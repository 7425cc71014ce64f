// Package portfolio searches slot assignments of OR-composed detectors under
// a global false positive budget.
package portfolio

import (
	"strconv"
	"strings"
)

// Slot binds one model to one cutoff index of its table. A disabled slot
// sits at the last index, holds no share of the budget and never fires,
// whatever its model scores.
type Slot struct {
	Model     string  `json:"model" yaml:"model"`
	Index     int     `json:"index" yaml:"index"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Disabled  bool    `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Assignment is an ordered list of slots evaluated in priority order.
type Assignment struct {
	Slots []Slot `json:"slots" yaml:"slots"`
}

// Models returns the model of every slot.
func (a Assignment) Models() []string {
	out := make([]string, len(a.Slots))
	for i, s := range a.Slots {
		out[i] = s.Model
	}
	return out
}

// Indices returns the cutoff index of every slot.
func (a Assignment) Indices() []int {
	out := make([]int, len(a.Slots))
	for i, s := range a.Slots {
		out[i] = s.Index
	}
	return out
}

// Thresholds returns the threshold of every slot.
func (a Assignment) Thresholds() []float64 {
	out := make([]float64, len(a.Slots))
	for i, s := range a.Slots {
		out[i] = s.Threshold
	}
	return out
}

func (a Assignment) String() string {
	parts := make([]string, len(a.Slots))
	for i, s := range a.Slots {
		parts[i] = s.Model + "@" + strconv.Itoa(s.Index)
	}
	return strings.Join(parts, ",")
}

package sample

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Label is the ground truth class of a sample.
type Label int8

const (
	Unknown   Label = -1
	Benign    Label = 0
	Malicious Label = 1
)

var errBadLabel = errors.New("invalid label")

// ParseLabel converts the float32 label stored in EMBER style label arrays.
func ParseLabel(v float32) (Label, error) {
	switch v {
	case -1:
		return Unknown, nil
	case 0:
		return Benign, nil
	case 1:
		return Malicious, nil
	}
	return Unknown, errors.Wrapf(errBadLabel, "value: %v", v)
}

// ParseLabelString converts textual labels from corpus label files.
func ParseLabelString(s string) (Label, error) {
	switch s {
	case "benign", "0":
		return Benign, nil
	case "malicious", "1":
		return Malicious, nil
	case "unknown", "-1":
		return Unknown, nil
	}
	return Unknown, errors.Wrapf(errBadLabel, "value: %q", s)
}

func (l Label) String() string {
	switch l {
	case Benign:
		return "benign"
	case Malicious:
		return "malicious"
	default:
		return "unknown"
	}
}

// ID identifies a sample within a dataset. Homogeneous datasets address
// samples by row index, file corpora by file name. The zero value is row 0.
type ID struct {
	name  string
	index int
	named bool
}

// Index returns the ID of row i.
func Index(i int) ID {
	return ID{index: i}
}

// Name returns the ID of a named sample.
func Name(n string) ID {
	return ID{name: n, named: true}
}

// Index returns the row index and true for indexed samples.
func (id ID) Index() (int, bool) {
	return id.index, !id.named
}

// Name returns the file name and true for named samples.
func (id ID) Name() (string, bool) {
	return id.name, id.named
}

func (id ID) String() string {
	if id.named {
		return id.name
	}
	return "#" + strconv.Itoa(id.index)
}

// Sample is one labeled feature vector.
type Sample struct {
	ID       ID
	Features []float32
	Label    Label
}

func (s Sample) String() string {
	return fmt.Sprintf("%s(%s, dim=%d)", s.ID, s.Label, len(s.Features))
}

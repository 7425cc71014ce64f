package model

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
)

const fileMode = 0600

// LinearSpec is the serialized form of a logistic linear model.
type LinearSpec struct {
	Name    string    `json:"name,omitempty"`
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// Linear scores sigmoid(w·x + b).
type Linear struct {
	name    string
	weights []float64
	bias    float64
}

// NewLinear builds a linear model from its spec.
func NewLinear(name string, spec LinearSpec) (*Linear, error) {
	if len(spec.Weights) == 0 {
		return nil, errors.Wrapf(ErrModelLoad, "%s: no weights", name)
	}
	for i, w := range spec.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, errors.Wrapf(ErrModelLoad, "%s: weight %d is not finite", name, i)
		}
	}
	return &Linear{name: name, weights: spec.Weights, bias: spec.Bias}, nil
}

func decodeLinear(name string, r io.Reader) (*Linear, error) {
	var spec LinearSpec
	if err := json.NewDecoder(r).Decode(&spec); err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "%s: %v", name, err)
	}
	return NewLinear(name, spec)
}

func (m *Linear) Name() string { return m.name }
func (m *Linear) Dim() int     { return len(m.weights) }

func (m *Linear) Score(features []float32) (float64, error) {
	if err := checkDim(m.name, len(m.weights), features); err != nil {
		return 0, err
	}
	z := m.bias
	for i, w := range m.weights {
		z += w * float64(features[i])
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// SaveLinear writes spec to path, gzip-compressed when path ends in .gz.
func SaveLinear(path string, spec LinearSpec) error {
	b, err := json.Marshal(spec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal linear model")
	}
	if strings.HasSuffix(path, ".gz") {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(b); err != nil {
			return errors.Wrap(err, "failed to compress linear model")
		}
		if err := zw.Close(); err != nil {
			return errors.Wrap(err, "failed to compress linear model")
		}
		b = buf.Bytes()
	}
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return errors.Wrapf(err, "failed to write model file: %s", path)
	}
	return nil
}

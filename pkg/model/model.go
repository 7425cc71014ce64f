// Package model loads scoring models and exposes them behind a single interface.
package model

import (
	"github.com/pkg/errors"
)

var (
	// ErrModelLoad marks a corrupt or unreadable model artifact.
	ErrModelLoad = errors.New("model load failed")

	// ErrModel marks a dimension mismatch or a malformed model state at scoring time.
	ErrModel = errors.New("model error")
)

// Scorer maps a feature vector to a real-valued score, higher meaning more malicious.
type Scorer interface {
	Name() string
	Dim() int
	Score(features []float32) (float64, error)
}

func checkDim(name string, want int, features []float32) error {
	if len(features) != want {
		return errors.Wrapf(ErrModel, "%s: got %d features, want %d", name, len(features), want)
	}
	return nil
}

package model

import (
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Options control how artifacts are turned into scorers.
type Options struct {
	// Dim is the input width of ONNX models. Linear models carry their own.
	Dim  int
	ONNX ONNXOptions
}

// Load reads one artifact. The format is chosen by file name: *.onnx and
// *.onnx.gz are ONNX graphs, *.json and *.json.gz are linear models. The
// model is named after the file, like the artifacts in a model directory.
func Load(path string, opts Options) (Scorer, error) {
	name := filepath.Base(path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "%s: %v", name, err)
	}

	base := name
	if strings.HasSuffix(base, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrapf(ErrModelLoad, "%s: %v", name, err)
		}
		raw, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, errors.Wrapf(ErrModelLoad, "%s: %v", name, err)
		}
		base = strings.TrimSuffix(base, ".gz")
	}

	switch filepath.Ext(base) {
	case ".onnx":
		return newONNX(name, raw, opts.Dim, filepath.Dir(path), opts.ONNX)
	case ".json":
		m, err := decodeLinear(name, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		if opts.Dim > 0 && m.Dim() != opts.Dim {
			return nil, errors.Wrapf(ErrModelLoad, "%s: model dim %d, want %d", name, m.Dim(), opts.Dim)
		}
		return m, nil
	}
	return nil, errors.Wrapf(ErrModelLoad, "%s: unsupported model format", name)
}

// Registry loads every distinct model exactly once and hands out the same
// instance on every later request.
type Registry struct {
	dir    string
	opts   Options
	models map[string]Scorer
	order  []string
	onLoad func(name string)
}

// NewRegistry creates a registry for the artifacts in dir. onLoad, when set,
// is called after each artifact is loaded.
func NewRegistry(dir string, opts Options, onLoad func(name string)) *Registry {
	return &Registry{
		dir:    dir,
		opts:   opts,
		models: make(map[string]Scorer),
		onLoad: onLoad,
	}
}

// Get returns the named model, loading it on first use.
func (r *Registry) Get(name string) (Scorer, error) {
	if m, ok := r.models[name]; ok {
		return m, nil
	}
	slog.Debug("loading model", "name", name, "dir", r.dir)
	m, err := Load(filepath.Join(r.dir, name), r.opts)
	if err != nil {
		return nil, err
	}
	r.models[name] = m
	r.order = append(r.order, name)
	if r.onLoad != nil {
		r.onLoad(name)
	}
	return m, nil
}

// GetAll loads the named models in order, skipping repeats.
func (r *Registry) GetAll(names []string) ([]Scorer, error) {
	out := make([]Scorer, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		m, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Loaded returns the loaded models in load order.
func (r *Registry) Loaded() []Scorer {
	out := make([]Scorer, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.models[n])
	}
	return out
}

// Close releases models that hold native resources.
func (r *Registry) Close() error {
	var first error
	for _, n := range r.order {
		if c, ok := r.models[n].(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// List returns the supported artifact names in dir, sorted.
func List(dir string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading model dir: %s", dir)
	}
	var out []string
	for _, de := range des {
		if !de.Type().IsRegular() {
			continue
		}
		base := strings.TrimSuffix(de.Name(), ".gz")
		switch filepath.Ext(base) {
		case ".onnx", ".json":
			out = append(out, de.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

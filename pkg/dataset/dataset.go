package dataset

import (
	"github.com/mchmarny/kipple/pkg/sample"
	"github.com/pkg/errors"
)

const (
	KindIndexed = "indexed"
	KindNamed   = "named"
)

// ErrData marks dataset shape, dimension or label problems.
var ErrData = errors.New("data error")

// Set is the common part of every dataset.
type Set interface {
	Name() string
	Len() int
}

// Indexed is a fixed-size collection of feature vectors addressed by row 0..Len()-1.
type Indexed interface {
	Set
	Dim() int
	Label(i int) (sample.Label, error)
	Features(i int) ([]float32, error)
}

// Entry describes one file in a named corpus.
type Entry struct {
	Name  string
	Label sample.Label
}

// Named is an enumerable collection of raw files. Entries are malicious
// unless the corpus says otherwise.
type Named interface {
	Set
	Entry(i int) Entry
	Read(i int) ([]byte, error)
}

// Matrix is an in-memory Indexed dataset.
type Matrix struct {
	name   string
	dim    int
	rows   [][]float32
	labels []sample.Label
}

// NewMatrix validates rows against dim and returns the dataset.
func NewMatrix(name string, dim int, rows [][]float32, labels []sample.Label) (*Matrix, error) {
	if len(rows) != len(labels) {
		return nil, errors.Wrapf(ErrData, "%s: %d rows but %d labels", name, len(rows), len(labels))
	}
	for i, r := range rows {
		if len(r) != dim {
			return nil, errors.Wrapf(ErrData, "%s: row %d has %d features, want %d", name, i, len(r), dim)
		}
	}
	return &Matrix{name: name, dim: dim, rows: rows, labels: labels}, nil
}

func (m *Matrix) Name() string { return m.name }
func (m *Matrix) Len() int     { return len(m.rows) }
func (m *Matrix) Dim() int     { return m.dim }

func (m *Matrix) Label(i int) (sample.Label, error) {
	if i < 0 || i >= len(m.labels) {
		return sample.Unknown, errors.Wrapf(ErrData, "%s: row %d out of range", m.name, i)
	}
	return m.labels[i], nil
}

func (m *Matrix) Features(i int) ([]float32, error) {
	if i < 0 || i >= len(m.rows) {
		return nil, errors.Wrapf(ErrData, "%s: row %d out of range", m.name, i)
	}
	return m.rows[i], nil
}

// Blob is one in-memory file of a named corpus.
type Blob struct {
	Name  string
	Label sample.Label
	Data  []byte
}

// Files is an in-memory Named dataset.
type Files struct {
	name  string
	blobs []Blob
}

func NewFiles(name string, blobs []Blob) *Files {
	return &Files{name: name, blobs: blobs}
}

func (f *Files) Name() string { return f.name }
func (f *Files) Len() int     { return len(f.blobs) }

func (f *Files) Entry(i int) Entry {
	return Entry{Name: f.blobs[i].Name, Label: f.blobs[i].Label}
}

func (f *Files) Read(i int) ([]byte, error) {
	if i < 0 || i >= len(f.blobs) {
		return nil, errors.Wrapf(ErrData, "%s: entry %d out of range", f.name, i)
	}
	return f.blobs[i].Data, nil
}

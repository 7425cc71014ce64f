package dataset

import (
	"encoding/binary"
	"math"

	"github.com/mchmarny/kipple/pkg/sample"
	"github.com/pkg/errors"
)

const float32Size = 4

// MemMap is an Indexed dataset over a pair of read-only memory-mapped
// float32 little-endian arrays: X with shape (N, dim) and y with shape (N).
// Resident memory does not grow with N.
type MemMap struct {
	name   string
	dim    int
	n      int
	x      []byte
	y      []byte
	unmaps []func() error
}

// OpenMemMap maps the X and y files and checks that their sizes agree with dim.
func OpenMemMap(name, xPath, yPath string, dim int) (*MemMap, error) {
	if dim <= 0 {
		return nil, errors.Wrapf(ErrData, "%s: invalid dim: %d", name, dim)
	}

	y, unmapY, err := mapFile(yPath)
	if err != nil {
		return nil, err
	}
	m := &MemMap{name: name, dim: dim, y: y, unmaps: []func() error{unmapY}}

	if len(y)%float32Size != 0 {
		m.Close()
		return nil, errors.Wrapf(ErrData, "%s: label file size %d is not a multiple of %d", name, len(y), float32Size)
	}
	m.n = len(y) / float32Size

	x, unmapX, err := mapFile(xPath)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.x = x
	m.unmaps = append(m.unmaps, unmapX)

	if want := m.n * dim * float32Size; len(x) != want {
		m.Close()
		return nil, errors.Wrapf(ErrData, "%s: feature file has %d bytes, want %d (%d rows x %d dims)",
			name, len(x), want, m.n, dim)
	}

	return m, nil
}

func (m *MemMap) Name() string { return m.name }
func (m *MemMap) Len() int     { return m.n }
func (m *MemMap) Dim() int     { return m.dim }

func (m *MemMap) Label(i int) (sample.Label, error) {
	if i < 0 || i >= m.n {
		return sample.Unknown, errors.Wrapf(ErrData, "%s: row %d out of range", m.name, i)
	}
	v := math.Float32frombits(binary.LittleEndian.Uint32(m.y[i*float32Size:]))
	l, err := sample.ParseLabel(v)
	if err != nil {
		return sample.Unknown, errors.Wrapf(ErrData, "%s: row %d: %v", m.name, i, err)
	}
	return l, nil
}

// Features decodes row i into a new slice.
func (m *MemMap) Features(i int) ([]float32, error) {
	if i < 0 || i >= m.n {
		return nil, errors.Wrapf(ErrData, "%s: row %d out of range", m.name, i)
	}
	row := m.x[i*m.dim*float32Size : (i+1)*m.dim*float32Size]
	out := make([]float32, m.dim)
	for j := range out {
		out[j] = math.Float32frombits(binary.LittleEndian.Uint32(row[j*float32Size:]))
	}
	return out, nil
}

// Close releases the mappings.
func (m *MemMap) Close() error {
	var first error
	for _, u := range m.unmaps {
		if err := u(); err != nil && first == nil {
			first = err
		}
	}
	m.unmaps = nil
	m.x, m.y = nil, nil
	return first
}

// WriteFloat32s encodes values in the little-endian layout read by MemMap.
func WriteFloat32s(values []float32) []byte {
	b := make([]byte, len(values)*float32Size)
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[i*float32Size:], math.Float32bits(v))
	}
	return b
}

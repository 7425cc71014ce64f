// Package features turns raw executable bytes into fixed-length feature vectors.
package features

import (
	"bytes"
	"debug/pe"
	"math"

	"github.com/pkg/errors"
)

const (
	histogramBins = 256
	entropyWindow = 2048
	entropyStep   = 1024
	generalCount  = 8
)

// ErrFeatureExtraction is returned for input that cannot be parsed.
var ErrFeatureExtraction = errors.New("feature extraction failed")

// Extractor is a pure, deterministic mapping from file bytes to a feature vector.
type Extractor interface {
	Dim() int
	Extract(raw []byte) ([]float32, error)
}

// PE extracts a byte histogram, a byte-entropy histogram and a handful of
// header values from a Windows PE image.
type PE struct{}

func (PE) Dim() int {
	return histogramBins + histogramBins + generalCount
}

func (p PE) Extract(raw []byte) ([]float32, error) {
	if len(raw) == 0 {
		return nil, errors.Wrap(ErrFeatureExtraction, "empty input")
	}

	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(ErrFeatureExtraction, "not a PE image: %v", err)
	}
	defer f.Close()

	out := make([]float32, 0, p.Dim())
	out = append(out, ByteHistogram(raw)...)
	out = append(out, ByteEntropyHistogram(raw)...)

	g, err := general(f, len(raw))
	if err != nil {
		return nil, err
	}
	return append(out, g...), nil
}

// ByteHistogram returns the normalized count of every byte value.
func ByteHistogram(raw []byte) []float32 {
	var counts [histogramBins]int
	for _, b := range raw {
		counts[b]++
	}
	return normalize(counts[:])
}

// ByteEntropyHistogram returns a normalized 16x16 joint histogram of
// sliding-window entropy and high nibble values.
func ByteEntropyHistogram(raw []byte) []float32 {
	var out [histogramBins]int
	if len(raw) < entropyWindow {
		bin, c := entropyBinCounts(raw)
		for j, v := range c {
			out[bin*16+j] += v
		}
		return normalize(out[:])
	}
	for start := 0; start+entropyWindow <= len(raw); start += entropyStep {
		bin, c := entropyBinCounts(raw[start : start+entropyWindow])
		for j, v := range c {
			out[bin*16+j] += v
		}
	}
	return normalize(out[:])
}

func entropyBinCounts(block []byte) (int, [16]int) {
	var c [16]int
	for _, b := range block {
		c[b>>4]++
	}
	var h float64
	for _, v := range c {
		if v == 0 {
			continue
		}
		p := float64(v) / float64(entropyWindow)
		h -= p * math.Log2(p)
	}
	// 16 nibble bins carry half the information of 256 byte bins.
	bin := int(h * 2 * 2)
	if bin > 15 {
		bin = 15
	}
	return bin, c
}

func general(f *pe.File, size int) ([]float32, error) {
	syms, err := f.ImportedSymbols()
	if err != nil {
		return nil, errors.Wrapf(ErrFeatureExtraction, "imports: %v", err)
	}
	libs, err := f.ImportedLibraries()
	if err != nil {
		return nil, errors.Wrapf(ErrFeatureExtraction, "libraries: %v", err)
	}

	var vsize uint64
	for _, s := range f.Sections {
		vsize += uint64(s.VirtualSize)
	}

	return []float32{
		float32(size),
		float32(vsize),
		float32(len(f.Sections)),
		float32(len(libs)),
		float32(len(syms)),
		float32(len(f.Symbols)),
		float32(f.FileHeader.Machine),
		float32(f.FileHeader.Characteristics),
	}, nil
}

func normalize(counts []int) []float32 {
	out := make([]float32, len(counts))
	var total int
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return out
	}
	for i, c := range counts {
		out[i] = float32(c) / float32(total)
	}
	return out
}

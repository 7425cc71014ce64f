package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinear_Score(t *testing.T) {
	m, err := NewLinear("m", LinearSpec{Weights: []float64{1, -1}, Bias: 0})
	require.NoError(t, err)

	s, err := m.Score([]float32{2, 2})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s, 1e-12)

	s, err = m.Score([]float32{10, 0})
	require.NoError(t, err)
	assert.Greater(t, s, 0.99)

	_, err = m.Score([]float32{1})
	assert.ErrorIs(t, err, ErrModel)
}

func TestNewLinear_Invalid(t *testing.T) {
	_, err := NewLinear("m", LinearSpec{})
	assert.ErrorIs(t, err, ErrModelLoad)
}

func TestLoad_Linear(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.json", "b.json.gz"} {
		path := filepath.Join(dir, name)
		require.NoError(t, SaveLinear(path, LinearSpec{Weights: []float64{0.5, 0.5}, Bias: -1}))

		m, err := Load(path, Options{})
		require.NoError(t, err)
		assert.Equal(t, name, m.Name())
		assert.Equal(t, 2, m.Dim())
	}

	_, err := Load(filepath.Join(dir, "a.json"), Options{Dim: 3})
	assert.ErrorIs(t, err, ErrModelLoad)
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()

	gz := filepath.Join(dir, "bad.json.gz")
	require.NoError(t, os.WriteFile(gz, []byte("not gzip"), 0600))
	_, err := Load(gz, Options{})
	assert.ErrorIs(t, err, ErrModelLoad)

	js := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(js, []byte("{"), 0600))
	_, err = Load(js, Options{})
	assert.ErrorIs(t, err, ErrModelLoad)

	txt := filepath.Join(dir, "model.txt")
	require.NoError(t, os.WriteFile(txt, []byte("tree"), 0600))
	_, err = Load(txt, Options{})
	assert.ErrorIs(t, err, ErrModelLoad)

	_, err = Load(filepath.Join(dir, "missing.json"), Options{})
	assert.ErrorIs(t, err, ErrModelLoad)
}

func TestRegistry_LoadsOnce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveLinear(filepath.Join(dir, "a.json.gz"), LinearSpec{Weights: []float64{1}}))
	require.NoError(t, SaveLinear(filepath.Join(dir, "b.json.gz"), LinearSpec{Weights: []float64{2}}))

	var loads []string
	r := NewRegistry(dir, Options{}, func(n string) { loads = append(loads, n) })

	ms, err := r.GetAll([]string{"a.json.gz", "b.json.gz", "a.json.gz"})
	require.NoError(t, err)
	assert.Len(t, ms, 2)

	again, err := r.Get("a.json.gz")
	require.NoError(t, err)
	assert.Same(t, ms[0], again)
	assert.Equal(t, []string{"a.json.gz", "b.json.gz"}, loads)
	assert.Len(t, r.Loaded(), 2)
	assert.NoError(t, r.Close())

	_, err = r.Get("c.json.gz")
	assert.ErrorIs(t, err, ErrModelLoad)
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b.onnx", "a.json.gz", "notes.md", "c.onnx.gz"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0600))
	}
	names, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json.gz", "b.onnx", "c.onnx.gz"}, names)
}

func TestONNXOptions_Defaults(t *testing.T) {
	o := ONNXOptions{ScoreIndex: 5}.withDefaults()
	assert.Equal(t, defaultInputName, o.Input)
	assert.Equal(t, defaultOutputName, o.Output)
	assert.Equal(t, defaultWidth, o.Width)
	assert.Equal(t, defaultScoreIndex, o.ScoreIndex)
}

package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mchmarny/kipple/pkg/calibrate"
	"github.com/mchmarny/kipple/pkg/config"
	"github.com/mchmarny/kipple/pkg/dataset"
	"github.com/mchmarny/kipple/pkg/features"
	"github.com/mchmarny/kipple/pkg/metrics"
	"github.com/mchmarny/kipple/pkg/model"
	"github.com/mchmarny/kipple/pkg/portfolio"
	"github.com/mchmarny/kipple/pkg/report"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 4

// firstByte maps a file to a vector whose first feature is its first byte.
type firstByte struct{}

func (firstByte) Dim() int { return testDim }

func (firstByte) Extract(raw []byte) ([]float32, error) {
	if len(raw) == 0 || raw[0] == 0 {
		return nil, errors.Wrap(features.ErrFeatureExtraction, "no header")
	}
	return []float32{float32(raw[0]) / 255, 0, 0, 0}, nil
}

// testConfig lays out three linear models, an indexed test set of 200
// benign and 50 malicious rows and a small named corpus.
func testConfig(t *testing.T, workers int) *config.Config {
	t.Helper()
	dir := t.TempDir()

	models := filepath.Join(dir, "models")
	require.NoError(t, os.MkdirAll(models, 0o755))
	for name, w := range map[string][]float64{
		"a.json":    {6, 0, 0, 0},
		"b.json.gz": {3, 1, 0, 0},
		"c.json":    {-2, 0, 4, 0},
	} {
		require.NoError(t, model.SaveLinear(filepath.Join(models, name), model.LinearSpec{Weights: w, Bias: -3}))
	}

	var x, y []float32
	for i := 0; i < 200; i++ {
		x = append(x, float32(i)/400, 0, float32(i%7)/7, 0)
		y = append(y, 0)
	}
	for i := 0; i < 50; i++ {
		x = append(x, 0.4+float32(i)/100, 0.5, float32(i%5)/5, 0)
		y = append(y, 1)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "X.dat"), dataset.WriteFloat32s(x), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "y.dat"), dataset.WriteFloat32s(y), 0o600))

	corpus := filepath.Join(dir, "corpus")
	require.NoError(t, os.MkdirAll(corpus, 0o755))
	for i, b := range []byte{40, 90, 130, 200, 250} {
		require.NoError(t, os.WriteFile(filepath.Join(corpus, string(rune('a'+i))+".exe"), []byte{b, 1, 2}, 0o600))
	}

	cfg := &config.Config{
		ModelDir: models,
		Portfolio: config.PortfolioConfig{
			Fixed:      "a.json",
			Candidates: [][]string{{"b.json.gz", "c.json"}, {"c.json", "a.json"}},
		},
		Datasets: []config.DatasetConfig{
			{Name: "ember", Type: dataset.KindIndexed, X: filepath.Join(dir, "X.dat"), Y: filepath.Join(dir, "y.dat"), Dim: testDim},
			{Name: "mlsec", Type: dataset.KindNamed, Path: corpus},
		},
		Workers: workers,
	}
	cfg.Budget.Resolution = 4
	cfg.Budget.MaxFP = 0.05
	cfg.Budget.Epsilon = calibrate.DefaultEpsilon
	cfg.Calibration.Epsilon = calibrate.DefaultReportEpsilon
	require.NoError(t, config.Save(filepath.Join(dir, config.FileName), cfg))
	loaded, err := config.Load(filepath.Join(dir, config.FileName))
	require.NoError(t, err)
	return loaded
}

func openEnv(t *testing.T, cfg *config.Config) *Env {
	t.Helper()
	e, err := Open(cfg, metrics.New(), WithExtractor(firstByte{}))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSearch(t *testing.T) {
	cfg := testConfig(t, 4)
	e := openEnv(t, cfg)

	out, err := Search(context.Background(), e)
	require.NoError(t, err)

	// 2 x 2 model choices, 15 compositions of 4 units over 3 slots
	assert.Equal(t, 60, out.Count)
	assert.Len(t, out.Results, 60)
	assert.Equal(t, 3, out.Slots)
	assert.Equal(t, []bool{true, false, false}, out.Fixed)
	assert.Equal(t, []string{"ember", "mlsec"}, out.Datasets)
	assert.Empty(t, out.Skipped)
	assert.Len(t, out.Tables, 3)
	for m, th := range out.Tables {
		assert.Len(t, th, 5, m)
		assert.Equal(t, cfg.Budget.Sentinel, th[4], m)
	}

	for i, r := range out.Results {
		assert.Equal(t, i, r.Seq)
		assert.Equal(t, "a.json", r.Assignment.Slots[0].Model)
		sum := 0
		for _, u := range r.Units {
			sum += u
		}
		assert.Equal(t, 4, sum)
	}

	require.Len(t, out.Best, 2)
	for i, d := range out.Datasets {
		best := out.Best[d]
		for _, r := range out.Results {
			assert.LessOrEqual(t, r.Datasets[i].Rate(), best.Datasets[i].Rate())
		}
	}
}

func TestSearchDeterministic(t *testing.T) {
	render := func(workers int) []byte {
		cfg := testConfig(t, workers)
		out, err := Search(context.Background(), openEnv(t, cfg))
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, report.WriteCombinations(&buf, out.Results, out.Slots, out.CombinationOptions(1)))
		return buf.Bytes()
	}

	first := render(1)
	assert.Equal(t, first, render(1))
	assert.Equal(t, first, render(8))
}

func TestSearchMalformed(t *testing.T) {
	cfg := testConfig(t, 2)
	corpus := cfg.Datasets[1].Path
	require.NoError(t, os.WriteFile(filepath.Join(corpus, "z.exe"), []byte{0}, 0o600))

	_, err := Search(context.Background(), openEnv(t, cfg))
	require.Error(t, err)
	assert.True(t, errors.Is(err, features.ErrFeatureExtraction))

	cfg.SkipMalformed = true
	out, err := Search(context.Background(), openEnv(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"mlsec": 1}, out.Skipped)
}

func TestSearchMissingModel(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.Portfolio.Candidates[0] = []string{"missing.json"}

	_, err := Search(context.Background(), openEnv(t, cfg))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrModelLoad))
}

func TestSearchCanceled(t *testing.T) {
	cfg := testConfig(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Search(ctx, openEnv(t, cfg))
	require.Error(t, err)
}

func TestThresholds(t *testing.T) {
	cfg := testConfig(t, 2)
	e := openEnv(t, cfg)

	names, err := model.List(cfg.ModelDir)
	require.NoError(t, err)
	require.Len(t, names, 3)

	rows, skipped, err := Thresholds(context.Background(), e, names)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, rows, 3)

	for _, r := range rows {
		require.Len(t, r.Thresholds, len(cfg.Calibration.ReportTargets))
		for i := 1; i < len(r.Thresholds); i++ {
			assert.GreaterOrEqual(t, r.Thresholds[i], r.Thresholds[i-1], r.Model)
		}
		require.Len(t, r.Datasets, 2)
		assert.Equal(t, 50, r.Datasets[0].Total)
		assert.Equal(t, 5, r.Datasets[1].Total)
		for _, d := range r.Datasets {
			for i := 1; i < len(d.Rates); i++ {
				assert.LessOrEqual(t, d.Rates[i], d.Rates[i-1], r.Model)
			}
		}
	}
}

func TestOpenInvalid(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Datasets = nil
	_, err := Open(cfg, nil)
	require.Error(t, err)

	// the PE extractor does not produce the indexed width
	cfg = testConfig(t, 1)
	_, err = Open(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	cfg = testConfig(t, 1)
	cfg.Datasets[0].Dim = 3
	_, err = Open(cfg, nil, WithExtractor(firstByte{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	cfg = testConfig(t, 1)
	cfg.Datasets = cfg.Datasets[:1]
	cfg.Datasets[0].Dim = 3
	_, err = Open(cfg, nil, WithExtractor(firstByte{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, dataset.ErrData))
}

func TestThresholdsReportEpsilon(t *testing.T) {
	cfg := testConfig(t, 1)
	assert.Equal(t, calibrate.DefaultReportEpsilon, cfg.Calibration.Epsilon)
	e := openEnv(t, cfg)

	rows, _, err := Thresholds(context.Background(), e, []string{"a.json"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	c, err := e.Score(context.Background(), []string{"a.json"})
	require.NoError(t, err)
	s, err := sortedBenign(c, "a.json", "ember")
	require.NoError(t, err)
	want, err := calibrate.Levels(s, cfg.Calibration.ReportTargets, calibrate.DefaultReportEpsilon)
	require.NoError(t, err)
	assert.Equal(t, want, rows[0].Thresholds)
	assert.NotEqual(t, cfg.Budget.Epsilon, cfg.Calibration.Epsilon)
}

func TestCalibrateTables(t *testing.T) {
	cfg := testConfig(t, 2)
	e := openEnv(t, cfg)
	c, err := e.Score(context.Background(), cfg.Models())
	require.NoError(t, err)

	tables, err := Calibrate(c, cfg.Models(), "ember", cfg.Budget)
	require.NoError(t, err)
	require.Len(t, tables, 3)

	for m, tb := range tables {
		benign, err := c.Benign(m, "ember")
		require.NoError(t, err)
		for i := 0; i < tb.Resolution(); i++ {
			fp := 0
			for _, s := range benign {
				if s > tb.Threshold(i) {
					fp++
				}
			}
			assert.LessOrEqual(t, float64(fp)/float64(len(benign)), tb.NominalFP(i)+1e-12, "%s level %d", m, i)
		}
	}

	ev := portfolio.NewEvaluator(c, true)
	r, err := ev.Evaluate(portfolio.Assignment{Slots: []portfolio.Slot{
		{Model: "a.json", Index: 4, Threshold: tables["a.json"].Sentinel(), Disabled: tables["a.json"].Disabled(4)},
	}}, "ember")
	require.NoError(t, err)
	assert.Zero(t, r.Detected)
}

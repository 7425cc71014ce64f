package portfolio

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/mchmarny/kipple/pkg/calibrate"
	"github.com/mchmarny/kipple/pkg/dataset"
	"github.com/mchmarny/kipple/pkg/metrics"
	"github.com/mchmarny/kipple/pkg/model"
	"github.com/mchmarny/kipple/pkg/sample"
	"github.com/mchmarny/kipple/pkg/scores"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// columnScorer scores a sample with its col-th feature.
type columnScorer struct {
	name string
	col  int
}

func (s columnScorer) Name() string { return s.name }
func (s columnScorer) Dim() int     { return 3 }

func (s columnScorer) Score(f []float32) (float64, error) {
	return float64(f[s.col]), nil
}

func TestCompositions_SmallBudget(t *testing.T) {
	var got [][]int
	for c := range Compositions(2, 3) {
		got = append(got, c)
	}
	assert.Equal(t, [][]int{
		{0, 0, 2}, {0, 1, 1}, {0, 2, 0}, {1, 0, 1}, {1, 1, 0}, {2, 0, 0},
	}, got)
}

func TestCompositions_CompleteAndUnique(t *testing.T) {
	for _, slots := range []int{1, 2, 3, 4} {
		for k := 0; k <= 20; k += 5 {
			seen := map[[4]int]bool{}
			n := 0
			for c := range Compositions(k, slots) {
				require.Len(t, c, slots)
				require.NoError(t, checkBudget(c, k))
				var key [4]int
				copy(key[:], c)
				assert.False(t, seen[key], "duplicate %v", c)
				seen[key] = true
				n++
			}
			assert.Equal(t, CountCompositions(k, slots), n, "k=%d slots=%d", k, slots)
		}
	}
	assert.Equal(t, 231, CountCompositions(20, 3))
	assert.Equal(t, (20+2)*(20+1)/2, CountCompositions(20, 3))
}

func TestCompositions_MatchesNestedLoop(t *testing.T) {
	// cutoff indices i, j and k = 2K-i-j with j starting at K-i
	const k = 20
	var want [][]int
	for i := 0; i <= k; i++ {
		for j := k - i; j <= k; j++ {
			want = append(want, []int{k - i, k - j, k - (2*k - i - j)})
		}
	}
	var got [][]int
	for c := range Compositions(k, 3) {
		got = append(got, c)
	}
	assert.ElementsMatch(t, want, got)
}

func TestCompositions_EarlyStop(t *testing.T) {
	n := 0
	for range Compositions(10, 3) {
		n++
		if n == 4 {
			break
		}
	}
	assert.Equal(t, 4, n)

	for range Compositions(-1, 3) {
		t.Fatal("negative budget yields nothing")
	}
	assert.Equal(t, 0, CountCompositions(3, 0))
}

func TestCheckBudget(t *testing.T) {
	assert.NoError(t, checkBudget([]int{1, 1, 0}, 2))
	assert.ErrorIs(t, checkBudget([]int{1, 1, 1}, 2), ErrInvariant)
	assert.ErrorIs(t, checkBudget([]int{3, -1, 0}, 2), ErrInvariant)
}

func TestDetects_OrderIndependent(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for n := 0; n < 500; n++ {
		s := []float64{r.Float64(), r.Float64(), r.Float64()}
		th := []float64{r.Float64(), r.Float64(), r.Float64()}

		want := s[0] > th[0] || s[1] > th[1] || s[2] > th[2]
		assert.Equal(t, want, Detects(s, th))

		perm := r.Perm(3)
		ps, pth := make([]float64, 3), make([]float64, 3)
		for i, p := range perm {
			ps[i], pth[i] = s[p], th[p]
		}
		assert.Equal(t, want, Detects(ps, pth))
	}

	assert.False(t, Detects([]float64{0.5}, []float64{0.5}), "strictly greater")
}

func TestDetects_SentinelNeverFires(t *testing.T) {
	tbl, err := calibrate.Calibrate("m", calibrate.NewSorted([]float64{0.1, 0.2, 0.3}),
		calibrate.Options{MaxFP: 0.5, Resolution: 4, Sentinel: math.Inf(1)})
	require.NoError(t, err)

	sentinel := tbl.Threshold(tbl.Resolution())
	assert.False(t, Detects([]float64{math.MaxFloat64}, []float64{sentinel}))
	assert.False(t, Detects([]float64{1e300}, []float64{sentinel}))
}

func buildCache(t *testing.T) *scores.Cache {
	t.Helper()
	// feature j is the score of model mj
	d, err := dataset.NewMatrix("ember", 3, [][]float32{
		{0.9, 0.1, 0.1},
		{0.1, 0.9, 0.1},
		{0.1, 0.1, 0.9},
		{0.1, 0.1, 0.1},
		{0.2, 0.3, 0.4},
		{0.6, 0.1, 0.1},
		{0.1, 0.1, 0.1},
	}, []sample.Label{
		sample.Malicious, sample.Malicious, sample.Malicious, sample.Malicious,
		sample.Benign, sample.Benign, sample.Unknown,
	})
	require.NoError(t, err)

	c, err := scores.Build(context.Background(),
		[]model.Scorer{columnScorer{"m0", 0}, columnScorer{"m1", 1}, columnScorer{"m2", 2}},
		[]dataset.Set{d}, scores.Options{Workers: 2})
	require.NoError(t, err)
	return c
}

func TestEvaluator(t *testing.T) {
	ev := NewEvaluator(buildCache(t), true)

	a := Assignment{Slots: []Slot{
		{Model: "m0", Threshold: 0.5},
		{Model: "m1", Threshold: 0.5},
		{Model: "m2", Threshold: 2},
	}}
	r, err := ev.Evaluate(a, "ember")
	require.NoError(t, err)
	assert.Equal(t, DatasetResult{Dataset: "ember", Detected: 2, Total: 4, BenignFP: 1, BenignTotal: 2}, r)
	assert.InDelta(t, 0.5, r.Rate(), 1e-12)
	assert.InDelta(t, 0.5, r.FPRate(), 1e-12)

	// same slots, reversed priority
	rev := Assignment{Slots: []Slot{a.Slots[2], a.Slots[1], a.Slots[0]}}
	r2, err := ev.Evaluate(rev, "ember")
	require.NoError(t, err)
	assert.Equal(t, r, r2)

	_, err = ev.Evaluate(Assignment{Slots: []Slot{{Model: "zz"}}}, "ember")
	assert.ErrorIs(t, err, scores.ErrNotFound)
}

func TestEvaluator_NoBenign(t *testing.T) {
	ev := NewEvaluator(buildCache(t), false)
	r, err := ev.Evaluate(Assignment{Slots: []Slot{{Model: "m0", Threshold: 0}}}, "ember")
	require.NoError(t, err)
	assert.Equal(t, 4, r.Detected)
	assert.Equal(t, 0, r.BenignTotal)
	assert.Equal(t, 0.0, DatasetResult{}.Rate())
}

func TestEvaluator_DisabledSlotIgnoresScoreAboveSentinel(t *testing.T) {
	// malicious scores sit far above the default sentinel of 2
	d, err := dataset.NewMatrix("corpus", 3, [][]float32{
		{5, 0, 0},
		{1e9, 0, 0},
		{0.1, 0, 0},
		{0.2, 0, 0},
	}, []sample.Label{sample.Malicious, sample.Malicious, sample.Benign, sample.Benign})
	require.NoError(t, err)
	c, err := scores.Build(context.Background(),
		[]model.Scorer{columnScorer{"m0", 0}, columnScorer{"m1", 1}},
		[]dataset.Set{d}, scores.Options{Workers: 1})
	require.NoError(t, err)

	o := calibrate.DefaultOptions()
	tbls := map[string]*calibrate.Table{}
	for _, m := range []string{"m0", "m1"} {
		b, err := c.Benign(m, "corpus")
		require.NoError(t, err)
		tbls[m], err = calibrate.Calibrate(m, calibrate.NewSorted(b), o)
		require.NoError(t, err)
	}
	p := Plan{
		Slots:    [][]string{{"m0"}, {"m1"}},
		Tables:   tbls,
		Datasets: []string{"corpus"},
		Budget:   o.Resolution,
	}
	ev := NewEvaluator(c, true)

	off := assign(p, []string{"m0", "m1"}, []int{0, o.Resolution})
	require.True(t, off.Slots[0].Disabled)
	assert.False(t, off.Slots[1].Disabled)
	assert.Equal(t, o.Resolution, off.Slots[0].Index)
	assert.Equal(t, calibrate.DefaultSentinel, off.Slots[0].Threshold)

	r, err := ev.Evaluate(off, "corpus")
	require.NoError(t, err)
	assert.Equal(t, DatasetResult{Dataset: "corpus", Detected: 0, Total: 2, BenignFP: 0, BenignTotal: 2}, r)

	// all slots off still reports the dataset totals
	r, err = ev.Evaluate(assign(p, []string{"m0", "m1"}, []int{0, 0}), "corpus")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Detected)
	assert.Equal(t, 2, r.Total)

	on := assign(p, []string{"m0", "m1"}, []int{o.Resolution, 0})
	assert.False(t, on.Slots[0].Disabled)
	r, err = ev.Evaluate(on, "corpus")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Detected)
	assert.Equal(t, 0, r.BenignFP)
}

func tables(t *testing.T, c *scores.Cache, k int, names ...string) map[string]*calibrate.Table {
	t.Helper()
	out := map[string]*calibrate.Table{}
	for _, n := range names {
		b, err := c.Benign(n, "ember")
		require.NoError(t, err)
		tbl, err := calibrate.Calibrate(n, calibrate.NewSorted(b), calibrate.Options{
			MaxFP: 0.5, Resolution: k, Epsilon: calibrate.DefaultEpsilon, Sentinel: 2,
		})
		require.NoError(t, err)
		out[n] = tbl
	}
	return out
}

func TestSearch(t *testing.T) {
	c := buildCache(t)
	const k = 4
	p := Plan{
		Slots:    [][]string{{"m0"}, {"m1"}, {"m2", "m0"}},
		Tables:   tables(t, c, k, "m0", "m1", "m2"),
		Datasets: []string{"ember"},
		Budget:   k,
		Workers:  3,
	}
	assert.Equal(t, 2*CountCompositions(k, 3), p.Size())

	rec := metrics.New()
	var sink Collector
	n, err := Search(context.Background(), NewEvaluator(c, true), p, &sink, rec)
	require.NoError(t, err)
	assert.Equal(t, p.Size(), n)

	res := sink.Results()
	require.Len(t, res, n)
	for i, r := range res {
		assert.Equal(t, i, r.Seq)
		assert.NoError(t, checkBudget(r.Units, k))
		for s, slot := range r.Assignment.Slots {
			assert.Equal(t, k-r.Units[s], slot.Index)
			assert.Equal(t, p.Tables[slot.Model].Threshold(slot.Index), slot.Threshold)
			assert.Equal(t, slot.Index == k, slot.Disabled)
		}
		require.Len(t, r.Datasets, 1)
	}
	assert.Equal(t, []string{"m0", "m1", "m2"}, res[0].Assignment.Models())
	assert.Equal(t, []int{k, k, 0}, res[0].Assignment.Indices())
	assert.Equal(t, []string{"m0", "m1", "m0"}, res[n-1].Assignment.Models())

	best := Best(res, p.Datasets)
	require.Contains(t, best, "ember")
	for _, r := range res {
		assert.LessOrEqual(t, r.Datasets[0].Detected, best["ember"].Datasets[0].Detected)
	}
}

func TestSearch_Deterministic(t *testing.T) {
	c := buildCache(t)
	p := Plan{
		Slots:    [][]string{{"m0"}, {"m1", "m2"}, {"m2"}},
		Tables:   tables(t, c, 3, "m0", "m1", "m2"),
		Datasets: []string{"ember"},
		Budget:   3,
	}
	run := func(workers int) []Result {
		p.Workers = workers
		var sink Collector
		_, err := Search(context.Background(), NewEvaluator(c, false), p, &sink, nil)
		require.NoError(t, err)
		return sink.Results()
	}
	assert.Equal(t, run(1), run(8))
}

func TestSearch_InvalidPlan(t *testing.T) {
	c := buildCache(t)
	ev := NewEvaluator(c, false)
	tbl := tables(t, c, 4, "m0")

	bad := []Plan{
		{},
		{Slots: [][]string{{"m0"}}, Tables: tbl, Datasets: []string{"ember"}},
		{Slots: [][]string{{"m0"}}, Tables: tbl, Budget: 4},
		{Slots: [][]string{{}}, Tables: tbl, Datasets: []string{"ember"}, Budget: 4},
		{Slots: [][]string{{"m1"}}, Tables: tbl, Datasets: []string{"ember"}, Budget: 4},
		{Slots: [][]string{{"m0"}}, Tables: tbl, Datasets: []string{"ember"}, Budget: 5},
	}
	for i, p := range bad {
		_, err := Search(context.Background(), ev, p, &Collector{}, nil)
		assert.Error(t, err, "plan %d", i)
	}

	_, err := Search(context.Background(), ev,
		Plan{Slots: [][]string{{"m0"}}, Tables: tbl, Datasets: []string{"nope"}, Budget: 4},
		&Collector{}, nil)
	assert.ErrorIs(t, err, scores.ErrNotFound)
}

func TestSearch_Cancelled(t *testing.T) {
	c := buildCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Search(ctx, NewEvaluator(c, false), Plan{
		Slots:    [][]string{{"m0"}, {"m1"}},
		Tables:   tables(t, c, 2, "m0", "m1"),
		Datasets: []string{"ember"},
		Budget:   2,
	}, &Collector{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

package traffic

import (
	"math"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// scriptedRand replays fixed draws. IntN returns the queued ints modulo n.
type scriptedRand struct {
	floats []float64
	ints   []int
}

func (s *scriptedRand) Float64() float64 {
	if len(s.floats) == 0 {
		return 0
	}
	f := s.floats[0]
	s.floats = s.floats[1:]
	return f
}

func (s *scriptedRand) IntN(n int) int {
	if len(s.ints) == 0 {
		return 0
	}
	i := s.ints[0]
	s.ints = s.ints[1:]
	return i % n
}

func mustConfig(t *testing.T, opts Options) Config {
	t.Helper()
	cfg, err := NewConfig(opts)
	require.NoError(t, err)
	return cfg
}

func named(names ...string) []model.PackageRecord {
	out := make([]model.PackageRecord, len(names))
	for i, n := range names {
		out[i] = model.PackageRecord{Name: n, Versions: []string{"1.0.0"}}
	}
	return out
}

func rankedPackages(n int) []model.PackageRecord {
	out := make([]model.PackageRecord, n)
	for i := range out {
		out[i] = model.PackageRecord{Name: "pkg-" + strconv.Itoa(i)}
	}
	return out
}

func TestSelectEcosystemConvergesToWeights(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"all auto", Options{Ecosystems: []string{"npm", "pypi", "maven"}}},
		{"explicit", Options{Ecosystems: []string{"npm", "pypi", "maven"}, Ratios: map[string]int{"npm": 60, "pypi": 30, "maven": 10}}},
		{"subset", Options{Ecosystems: []string{"maven", "pypi"}, Ratios: map[string]int{"pypi": 25, "maven": 75}}},
		{"single", Options{Ecosystems: []string{"pypi"}}},
	}

	const trials = 20000
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mustConfig(t, tt.opts)
			m := New(cfg, nil, NewSeededRand(42))

			counts := map[model.Ecosystem]int{}
			for i := 0; i < trials; i++ {
				counts[m.SelectEcosystem()]++
			}

			for eco, n := range counts {
				if !cfg.Selected(eco) {
					t.Fatalf("returned unselected ecosystem %s", eco)
				}
				got := float64(n) / trials * 100
				want := float64(cfg.Weight(eco))
				if math.Abs(got-want) > 2 {
					t.Errorf("%s share = %.2f%%, want %.0f%% +-2", eco, got, want)
				}
			}
		})
	}
}

func TestSelectEcosystemWalksFixedOrder(t *testing.T) {
	// maven selected first, but the walk is npm, pypi, maven.
	cfg := mustConfig(t, Options{Ecosystems: []string{"maven", "npm"}, Ratios: map[string]int{"npm": 30, "maven": 70}})
	m := New(cfg, nil, &scriptedRand{floats: []float64{0.10, 0.29, 0.30, 0.99}})

	want := []model.Ecosystem{model.NPM, model.NPM, model.Maven, model.Maven}
	for i, w := range want {
		if got := m.SelectEcosystem(); got != w {
			t.Errorf("draw %d: got %s, want %s", i, got, w)
		}
	}
}

func TestSelectEcosystemGapFallsBackToFirstSelected(t *testing.T) {
	cfg := Config{
		selected: []model.Ecosystem{model.PyPI, model.NPM},
		weights:  map[model.Ecosystem]int{model.NPM: 40, model.PyPI: 40},
	}
	m := New(cfg, nil, &scriptedRand{floats: []float64{0.95}})
	if got := m.SelectEcosystem(); got != model.PyPI {
		t.Errorf("gap draw = %s, want first selected pypi", got)
	}
}

func TestSelectRequestKind(t *testing.T) {
	cfg := mustConfig(t, Options{Ecosystems: []string{"npm"}})
	m := New(cfg, nil, &scriptedRand{floats: []float64{0.39, 0.4, 0.9}})
	assert.Equal(t, Metadata, m.SelectRequestKind())
	assert.Equal(t, Download, m.SelectRequestKind())
	assert.Equal(t, Download, m.SelectRequestKind())

	only := mustConfig(t, Options{Ecosystems: []string{"npm"}, MetadataOnly: true})
	m = New(only, nil, &scriptedRand{floats: []float64{0.99}})
	for i := 0; i < 5; i++ {
		assert.Equal(t, Metadata, m.SelectRequestKind())
	}
}

func TestTopTierSize(t *testing.T) {
	tests := []struct{ n, want int }{
		{0, 0}, {1, 1}, {2, 1}, {5, 1}, {6, 2}, {10, 2}, {11, 3}, {15, 3}, {50, 10}, {1000, 200},
	}
	for _, tt := range tests {
		if got := TopTierSize(tt.n); got != tt.want {
			t.Errorf("TopTierSize(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestFullCacheHitStaysInTopTier(t *testing.T) {
	cfg := mustConfig(t, Options{Ecosystems: []string{"npm"}, CacheHitPercent: 100})
	rng := NewSeededRand(7)

	for n := 1; n <= 1000; n++ {
		pkgs := rankedPackages(n)
		index := make(map[string]int, n)
		for i, p := range pkgs {
			index[p.Name] = i
		}
		top := n / 5
		if n%5 != 0 {
			top++
		}

		validated := New(cfg, Universe{model.NPM: NewValidatedPool(pkgs, nil)}, rng)
		plain := New(cfg, Universe{model.NPM: NewPool(pkgs)}, rng)
		for _, m := range []*Model{validated, plain} {
			for k := 0; k < 5; k++ {
				pick, ok := m.SelectPackage(model.NPM)
				require.True(t, ok)
				if i := index[pick.Package.Name]; i >= top {
					t.Fatalf("n=%d: picked rank %d outside top %d", n, i, top)
				}
				require.True(t, pick.TopTier)
			}
		}
	}
}

func TestEndToEndScenario(t *testing.T) {
	valid := []model.PackageRecord{
		{Name: "react", Versions: []string{"18.0.0", "18.1.0"}},
		{Name: "lodash", Versions: []string{"4.17.0"}},
	}
	universe := Universe{model.NPM: NewValidatedPool(valid, nil)}

	hot := New(mustConfig(t, Options{Ecosystems: []string{"npm"}, CacheHitPercent: 100}), universe, NewSeededRand(1))
	for i := 0; i < 500; i++ {
		pick, ok := hot.SelectPackage(model.NPM)
		require.True(t, ok)
		require.Equal(t, "react", pick.Package.Name)
	}

	cold := New(mustConfig(t, Options{Ecosystems: []string{"npm"}, CacheHitPercent: 0}), universe, NewSeededRand(2))
	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		pick, _ := cold.SelectPackage(model.NPM)
		counts[pick.Package.Name]++
	}
	for _, name := range []string{"react", "lodash"} {
		share := float64(counts[name]) / 10000
		if math.Abs(share-0.5) > 0.03 {
			t.Errorf("%s share = %.3f, want ~0.5", name, share)
		}
	}
}

func TestErrorInjection(t *testing.T) {
	valid := named("react", "lodash")
	invalid := named("does-not-exist")
	cfg := mustConfig(t, Options{Ecosystems: []string{"npm"}, ErrorRatePercent: 10})

	// Draw 0.05*100 = 5 < 10: injected.
	m := New(cfg, Universe{model.NPM: NewValidatedPool(valid, invalid)}, &scriptedRand{floats: []float64{0.05}})
	pick, ok := m.SelectPackage(model.NPM)
	require.True(t, ok)
	assert.True(t, pick.Injected)
	assert.Equal(t, "does-not-exist", pick.Package.Name)

	// Draw 0.5*100 = 50 >= 10: a valid package.
	m = New(cfg, Universe{model.NPM: NewValidatedPool(valid, invalid)}, &scriptedRand{floats: []float64{0.5, 0.9}, ints: []int{1}})
	pick, _ = m.SelectPackage(model.NPM)
	assert.False(t, pick.Injected)
	assert.Equal(t, "lodash", pick.Package.Name)
}

func TestErrorInjectionRate(t *testing.T) {
	cfg := mustConfig(t, Options{Ecosystems: []string{"npm"}, ErrorRatePercent: 20})
	m := New(cfg, Universe{model.NPM: NewValidatedPool(named("a", "b", "c"), named("x"))}, NewSeededRand(9))
	injected := 0
	const trials = 20000
	for i := 0; i < trials; i++ {
		if pick, _ := m.SelectPackage(model.NPM); pick.Injected {
			injected++
		}
	}
	if got := float64(injected) / trials * 100; math.Abs(got-20) > 1.5 {
		t.Errorf("injected share = %.2f%%, want ~20%%", got)
	}
}

func TestSelectPackageFallsThrough(t *testing.T) {
	cfg := mustConfig(t, Options{Ecosystems: []string{"npm"}, ErrorRatePercent: 0})

	// Empty valid partition: default selection over valid+invalid.
	m := New(cfg, Universe{model.NPM: NewValidatedPool(nil, named("ghost"))}, NewSeededRand(3))
	pick, ok := m.SelectPackage(model.NPM)
	require.True(t, ok)
	assert.Equal(t, "ghost", pick.Package.Name)
	assert.False(t, pick.Injected)

	// Error draw hits but invalid is empty: valid is used.
	always := mustConfig(t, Options{Ecosystems: []string{"npm"}, ErrorRatePercent: 100})
	m = New(always, Universe{model.NPM: NewValidatedPool(named("react"), nil)}, NewSeededRand(4))
	pick, ok = m.SelectPackage(model.NPM)
	require.True(t, ok)
	assert.Equal(t, "react", pick.Package.Name)
	assert.False(t, pick.Injected)

	// Nothing at all.
	m = New(cfg, Universe{}, NewSeededRand(5))
	_, ok = m.SelectPackage(model.NPM)
	assert.False(t, ok)
}

func TestSelectPackageDoesNotMutateUniverse(t *testing.T) {
	valid := named("a", "b", "c", "d", "e", "f")
	snapshot := append([]model.PackageRecord(nil), valid...)
	cfg := mustConfig(t, Options{Ecosystems: []string{"npm"}, CacheHitPercent: 50, ErrorRatePercent: 50})
	m := New(cfg, Universe{model.NPM: NewValidatedPool(valid, named("z"))}, NewSeededRand(11))
	for i := 0; i < 1000; i++ {
		m.SelectPackage(model.NPM)
	}
	assert.Equal(t, snapshot, valid)
}

func TestSelectVersion(t *testing.T) {
	m := New(mustConfig(t, Options{Ecosystems: []string{"npm"}}), nil, &scriptedRand{ints: []int{1}})
	assert.Equal(t, "18.1.0", m.SelectVersion(model.PackageRecord{Versions: []string{"18.0.0", "18.1.0"}}, model.NPM))
	assert.Equal(t, "latest", m.SelectVersion(model.PackageRecord{Name: "x"}, model.NPM))
	assert.Equal(t, "1.0.0", m.SelectVersion(model.PackageRecord{Name: "x"}, model.PyPI))
	assert.Equal(t, "1.0.0", m.SelectVersion(model.PackageRecord{Group: "g", Artifact: "a"}, model.Maven))
}

func TestNextVersionOnlyForDownloads(t *testing.T) {
	cfg := mustConfig(t, Options{Ecosystems: []string{"npm"}})
	universe := Universe{model.NPM: NewPool([]model.PackageRecord{{Name: "react", Versions: []string{"18.0.0"}}})}
	m := New(cfg, universe, NewSeededRand(21))

	for i := 0; i < 500; i++ {
		req, ok := m.Next()
		require.True(t, ok)
		switch req.Kind {
		case Metadata:
			require.Empty(t, req.Version)
		case Download:
			require.Equal(t, "18.0.0", req.Version)
		}
	}
}

func TestModelConcurrentUse(t *testing.T) {
	cfg := mustConfig(t, Options{Ecosystems: []string{"npm", "pypi", "maven"}, CacheHitPercent: 30, ErrorRatePercent: 10})
	universe := Universe{
		model.NPM:   NewValidatedPool(named("react", "lodash"), named("nope")),
		model.PyPI:  NewPool(named("requests")),
		model.Maven: NewPool([]model.PackageRecord{{Group: "junit", Artifact: "junit"}}),
	}
	m := New(cfg, universe, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if _, ok := m.Next(); !ok {
					t.Error("Next returned false with a populated universe")
					return
				}
			}
		}()
	}
	wg.Wait()
}

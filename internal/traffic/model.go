package traffic

import (
	"math/rand/v2"
	"sync"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// Kind is the request kind of one iteration.
type Kind string

const (
	Metadata Kind = "metadata"
	Download Kind = "download"
)

// Rand is the randomness source. Implementations must be safe for
// concurrent use when the Model is shared.
type Rand interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
	// IntN returns a value in [0, n). n > 0.
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// DefaultRand uses the process-wide math/rand/v2 source.
func DefaultRand() Rand { return globalRand{} }

// LockedRand is a seeded, reproducible source guarded by a mutex.
type LockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewSeededRand returns a deterministic source.
func NewSeededRand(seed uint64) *LockedRand {
	return &LockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *LockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *LockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

// Pool is one ecosystem's package universe. Slices are in popularity order
// and are never modified after construction.
type Pool struct {
	all       []model.PackageRecord
	valid     []model.PackageRecord
	invalid   []model.PackageRecord
	validated bool
}

// NewPool is an unvalidated universe.
func NewPool(packages []model.PackageRecord) Pool {
	return Pool{all: packages}
}

// NewValidatedPool keeps the valid and invalid partitions. The combined
// universe used as fallback is valid followed by invalid.
func NewValidatedPool(valid, invalid []model.PackageRecord) Pool {
	all := make([]model.PackageRecord, 0, len(valid)+len(invalid))
	all = append(all, valid...)
	all = append(all, invalid...)
	return Pool{all: all, valid: valid, invalid: invalid, validated: true}
}

func (p Pool) All() []model.PackageRecord     { return p.all }
func (p Pool) Valid() []model.PackageRecord   { return p.valid }
func (p Pool) Invalid() []model.PackageRecord { return p.invalid }
func (p Pool) Validated() bool                { return p.validated }

// Universe maps each ecosystem to its pool.
type Universe map[model.Ecosystem]Pool

// TopTierSize is ceil(n/5), the most-popular slice served on cache hits.
func TopTierSize(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 4) / 5
}

// Pick is the outcome of a package draw.
type Pick struct {
	Package model.PackageRecord
	// Injected is set when the package came from the invalid partition on
	// purpose, to provoke a not-found response.
	Injected bool
	// TopTier is set when the draw was a cache hit on the popular slice.
	TopTier bool
}

// Request is one fully-specified synthetic request.
type Request struct {
	Ecosystem model.Ecosystem
	Kind      Kind
	Package   model.PackageRecord
	// Version is empty for metadata requests.
	Version  string
	Injected bool
	TopTier  bool
}

// Model applies a Config to a Universe.
type Model struct {
	cfg      Config
	universe Universe
	rng      Rand
}

// New builds a model. A nil rng uses DefaultRand.
func New(cfg Config, universe Universe, rng Rand) *Model {
	if rng == nil {
		rng = DefaultRand()
	}
	return &Model{cfg: cfg, universe: universe, rng: rng}
}

// Config returns the policy in use.
func (m *Model) Config() Config { return m.cfg }

// SelectEcosystem draws in [0,100) and walks npm, pypi, maven accumulating
// the weights of selected ecosystems. If the walk leaves a gap, the first
// ecosystem of the user's selection is returned.
func (m *Model) SelectEcosystem() model.Ecosystem {
	draw := m.rng.Float64() * 100
	cumulative := 0.0
	for _, eco := range model.Ecosystems {
		w, ok := m.cfg.weights[eco]
		if !ok {
			continue
		}
		cumulative += float64(w)
		if draw < cumulative {
			return eco
		}
	}
	if len(m.cfg.selected) == 0 {
		return ""
	}
	return m.cfg.selected[0]
}

// SelectRequestKind returns Metadata with probability MetadataShare, or
// always in metadata-only mode. Metadata-only mode consumes no draw.
func (m *Model) SelectRequestKind() Kind {
	if m.cfg.metadataOnly {
		return Metadata
	}
	if m.rng.Float64() < MetadataShare {
		return Metadata
	}
	return Download
}

// SelectPackage draws a package from eco's pool. It returns false when the
// pool is empty.
//
// With a validated pool an error draw comes first: below the error rate,
// and with a non-empty invalid partition, the pick is uniform over invalid.
// Otherwise the valid partition is used with the cache-hit tiering. An
// empty valid partition falls through to the tiered draw over the whole
// universe.
func (m *Model) SelectPackage(eco model.Ecosystem) (Pick, bool) {
	pool := m.universe[eco]

	if pool.validated {
		shouldError := m.rng.Float64()*100 < m.cfg.errorRate
		if shouldError && len(pool.invalid) > 0 {
			return Pick{Package: pool.invalid[m.rng.IntN(len(pool.invalid))], Injected: true}, true
		}
		if len(pool.valid) > 0 {
			return m.tiered(pool.valid), true
		}
	}

	if len(pool.all) == 0 {
		return Pick{}, false
	}
	return m.tiered(pool.all), true
}

func (m *Model) tiered(pkgs []model.PackageRecord) Pick {
	if m.rng.Float64()*100 < m.cfg.cacheHit {
		top := TopTierSize(len(pkgs))
		return Pick{Package: pkgs[m.rng.IntN(top)], TopTier: true}
	}
	return Pick{Package: pkgs[m.rng.IntN(len(pkgs))]}
}

// SelectVersion draws uniformly from the package's versions, or returns the
// ecosystem fallback when there are none.
func (m *Model) SelectVersion(pkg model.PackageRecord, eco model.Ecosystem) string {
	if len(pkg.Versions) == 0 {
		return eco.FallbackVersion()
	}
	return pkg.Versions[m.rng.IntN(len(pkg.Versions))]
}

// Next composes one request. It returns false when the drawn ecosystem has
// no packages.
func (m *Model) Next() (Request, bool) {
	eco := m.SelectEcosystem()
	kind := m.SelectRequestKind()
	pick, ok := m.SelectPackage(eco)
	if !ok {
		return Request{Ecosystem: eco, Kind: kind}, false
	}
	req := Request{
		Ecosystem: eco,
		Kind:      kind,
		Package:   pick.Package,
		Injected:  pick.Injected,
		TopTier:   pick.TopTier,
	}
	if kind == Download {
		req.Version = m.SelectVersion(pick.Package, eco)
	}
	return req, true
}

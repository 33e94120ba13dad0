// Package traffic decides what each synthetic request targets: ecosystem,
// request kind, package and version. Every decision is an independent draw
// over read-only inputs, so one Model is shared by any number of
// concurrent callers without locking.
package traffic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// Configuration errors. They are returned before any traffic is generated.
var (
	ErrNoEcosystems     = errors.New("no ecosystems selected")
	ErrUnknownEcosystem = errors.New("unknown ecosystem")
	ErrRatioSum         = errors.New("ecosystem ratios must sum to 100")
	ErrPercentRange     = errors.New("percentage must be between 0 and 100")
)

// MetadataShare is the probability of a metadata request in mixed mode.
const MetadataShare = 0.4

// Options is the unvalidated input to NewConfig.
type Options struct {
	// Ecosystems in the user's selection order. Order matters for the
	// auto-balance remainder and the selection fallback.
	Ecosystems []string
	// Ratios per ecosystem name. Empty means auto-balance. Ratios for
	// ecosystems outside the selection are ignored.
	Ratios map[string]int
	// CacheHitPercent is the chance (0-100) of drawing from the top tier.
	CacheHitPercent float64
	// ErrorRatePercent is the chance (0-100) of drawing a known-invalid package.
	ErrorRatePercent float64
	MetadataOnly     bool
}

// Config is the validated, immutable traffic policy.
type Config struct {
	selected     []model.Ecosystem
	weights      map[model.Ecosystem]int
	cacheHit     float64
	errorRate    float64
	metadataOnly bool
}

// NewConfig validates opts. Duplicate ecosystem names are collapsed to the
// first occurrence.
func NewConfig(opts Options) (Config, error) {
	selected, err := parseSelection(opts.Ecosystems)
	if err != nil {
		return Config{}, err
	}
	if err := checkPercent("cache hit", opts.CacheHitPercent); err != nil {
		return Config{}, err
	}
	if err := checkPercent("error rate", opts.ErrorRatePercent); err != nil {
		return Config{}, err
	}

	var weights map[model.Ecosystem]int
	if len(opts.Ratios) == 0 {
		weights = AutoBalance(selected)
	} else {
		weights, err = explicitWeights(selected, opts.Ratios)
		if err != nil {
			return Config{}, err
		}
	}

	return Config{
		selected:     selected,
		weights:      weights,
		cacheHit:     opts.CacheHitPercent,
		errorRate:    opts.ErrorRatePercent,
		metadataOnly: opts.MetadataOnly,
	}, nil
}

func parseSelection(names []string) ([]model.Ecosystem, error) {
	if len(names) == 0 {
		return nil, ErrNoEcosystems
	}
	seen := make(map[model.Ecosystem]bool, len(names))
	var selected []model.Ecosystem
	for _, name := range names {
		eco, ok := model.ParseEcosystem(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q (valid: npm, pypi, maven)", ErrUnknownEcosystem, name)
		}
		if seen[eco] {
			continue
		}
		seen[eco] = true
		selected = append(selected, eco)
	}
	return selected, nil
}

func explicitWeights(selected []model.Ecosystem, ratios map[string]int) (map[model.Ecosystem]int, error) {
	byEco := make(map[model.Ecosystem]int, len(ratios))
	for name, ratio := range ratios {
		eco, ok := model.ParseEcosystem(name)
		if !ok {
			return nil, fmt.Errorf("%w: ratio for %q", ErrUnknownEcosystem, name)
		}
		byEco[eco] = ratio
	}

	weights := make(map[model.Ecosystem]int, len(selected))
	total := 0
	for _, eco := range selected {
		w := byEco[eco]
		if w < 0 || w > 100 {
			return nil, fmt.Errorf("%w: %s ratio %d", ErrPercentRange, eco, w)
		}
		weights[eco] = w
		total += w
	}
	if total != 100 {
		return nil, fmt.Errorf("%w over %s, got %d", ErrRatioSum, joinEcosystems(selected), total)
	}
	return weights, nil
}

// AutoBalance splits 100 evenly across selected. The remainder of the
// integer division goes one point each to the earliest ecosystems.
func AutoBalance(selected []model.Ecosystem) map[model.Ecosystem]int {
	weights := make(map[model.Ecosystem]int, len(selected))
	n := len(selected)
	if n == 0 {
		return weights
	}
	share, remainder := 100/n, 100%n
	for i, eco := range selected {
		w := share
		if i < remainder {
			w++
		}
		weights[eco] = w
	}
	return weights
}

func checkPercent(name string, v float64) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%w: %s %.2f", ErrPercentRange, name, v)
	}
	return nil
}

func joinEcosystems(ecos []model.Ecosystem) string {
	names := make([]string, len(ecos))
	for i, e := range ecos {
		names[i] = string(e)
	}
	return strings.Join(names, ",")
}

// Ecosystems returns the selection in the user's order.
func (c Config) Ecosystems() []model.Ecosystem {
	out := make([]model.Ecosystem, len(c.selected))
	copy(out, c.selected)
	return out
}

// Selected reports whether eco is part of the selection.
func (c Config) Selected(eco model.Ecosystem) bool {
	_, ok := c.weights[eco]
	return ok
}

// Weight returns the ratio of eco, 0 when not selected.
func (c Config) Weight(eco model.Ecosystem) int { return c.weights[eco] }

// Weights returns a copy of every selected ecosystem's ratio.
func (c Config) Weights() map[model.Ecosystem]int {
	out := make(map[model.Ecosystem]int, len(c.weights))
	for k, v := range c.weights {
		out[k] = v
	}
	return out
}

func (c Config) CacheHitPercent() float64  { return c.cacheHit }
func (c Config) ErrorRatePercent() float64 { return c.errorRate }
func (c Config) MetadataOnly() bool        { return c.metadataOnly }

// String renders the ecosystem split, e.g. "npm=34 pypi=33 maven=33".
func (c Config) String() string {
	parts := make([]string, 0, len(c.weights))
	for _, eco := range model.Ecosystems {
		if w, ok := c.weights[eco]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", eco, w))
		}
	}
	return strings.Join(parts, " ")
}

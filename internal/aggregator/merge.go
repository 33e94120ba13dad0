package aggregator

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/model"
)

// Samples maps a metric name to its samples in emission order.
type Samples map[string][]model.RawSample

// Values returns the values of metric in order.
func (s Samples) Values(metric string) []float64 {
	pts := s[metric]
	if len(pts) == 0 {
		return nil
	}
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.Value
	}
	return out
}

// Has reports whether metric has at least one sample.
func (s Samples) Has(metric string) bool { return len(s[metric]) > 0 }

// Len is the total number of samples.
func (s Samples) Len() int {
	n := 0
	for _, pts := range s {
		n += len(pts)
	}
	return n
}

// Filter returns the samples for which keep is true, preserving order.
func (s Samples) Filter(keep func(model.RawSample) bool) Samples {
	out := Samples{}
	for m, pts := range s {
		for _, p := range pts {
			if keep(p) {
				out[m] = append(out[m], p)
			}
		}
	}
	return out
}

// Merge concatenates sample sets per metric, in argument order. Setup-phase
// samples are dropped here as well, so sets built by hand obey the same
// rule as parsed files.
func Merge(sets ...Samples) Samples {
	out := Samples{}
	for _, set := range sets {
		for m, pts := range set {
			for _, p := range pts {
				if p.IsSetup() {
					continue
				}
				out[m] = append(out[m], p)
			}
		}
	}
	return out
}

// MergeFiles parses files in parallel and merges them in path order, so the
// result does not depend on the order the caller listed them in.
func MergeFiles(ctx context.Context, files []string, logger *zap.Logger) (Samples, model.ParseStats, error) {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	parsed := make([]Samples, len(sorted))
	stats := make([]model.ParseStats, len(sorted))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, path := range sorted {
		i, path := i, path
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, ps, err := ParseFile(path, logger)
			if err != nil {
				return err
			}
			parsed[i], stats[i] = s, ps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, model.ParseStats{}, err
	}

	var total model.ParseStats
	for _, ps := range stats {
		total.Add(ps)
	}
	return Merge(parsed...), total, nil
}
